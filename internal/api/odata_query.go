// Package api provides the HTTP API server for the Osservatorio service.
package api

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// OData filter operators accepted by the subset.
const (
	odataOpEq       = "eq"
	odataOpNe       = "ne"
	odataOpGt       = "gt"
	odataOpGe       = "ge"
	odataOpLt       = "lt"
	odataOpLe       = "le"
	odataOpContains = "contains"
)

var odataComparisonOps = map[string]bool{
	odataOpEq: true, odataOpNe: true, odataOpGt: true,
	odataOpGe: true, odataOpLt: true, odataOpLe: true,
}

// odataClause is one conjunct of a parsed $filter. Value is a string for
// quoted literals and a float64 for numeric ones.
type odataClause struct {
	Property string
	Op       string
	Value    any
}

// odataOptions is the parsed form of the supported OData query options.
// Top is -1 when $top is absent.
type odataOptions struct {
	Top       int
	Skip      int
	Count     bool
	Select    []string
	OrderBy   string
	OrderDesc bool
	Filter    []odataClause
}

// hasFilter reports whether the filter contains a top-level clause with the
// given property and operator.
func (o *odataOptions) hasFilter(property, op string) bool {
	for _, clause := range o.Filter {
		if clause.Property == property && clause.Op == op {
			return true
		}
	}

	return false
}

// parseODataOptions parses the supported query options against an entity
// set's property map. Every property referenced in $select, $orderby, or
// $filter must be a key of properties.
func parseODataOptions(values url.Values, properties map[string]string) (*odataOptions, error) {
	opts := &odataOptions{Top: -1}

	if raw := values.Get("$top"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("$top must be a non-negative integer, got %q", raw)
		}

		opts.Top = n
	}

	if raw := values.Get("$skip"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("$skip must be a non-negative integer, got %q", raw)
		}

		opts.Skip = n
	}

	if raw := values.Get("$count"); raw != "" {
		switch raw {
		case "true":
			opts.Count = true
		case "false":
		default:
			return nil, fmt.Errorf("$count must be true or false, got %q", raw)
		}
	}

	if raw := values.Get("$select"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			property := strings.TrimSpace(part)
			if _, ok := properties[property]; !ok {
				return nil, fmt.Errorf("unknown property %q in $select", property)
			}

			opts.Select = append(opts.Select, property)
		}
	}

	if raw := values.Get("$orderby"); raw != "" {
		property, desc, err := parseOrderBy(raw, properties)
		if err != nil {
			return nil, err
		}

		opts.OrderBy = property
		opts.OrderDesc = desc
	}

	if raw := values.Get("$filter"); raw != "" {
		clauses, err := parseODataFilter(raw, properties)
		if err != nil {
			return nil, err
		}

		opts.Filter = clauses
	}

	return opts, nil
}

func parseOrderBy(raw string, properties map[string]string) (string, bool, error) {
	parts := strings.Fields(raw)

	switch len(parts) {
	case 1:
	case 2:
		switch strings.ToLower(parts[1]) {
		case "asc":
		case "desc":
			return parts[0], true, checkProperty(parts[0], properties, "$orderby")
		default:
			return "", false, fmt.Errorf("$orderby direction must be asc or desc, got %q", parts[1])
		}
	default:
		return "", false, fmt.Errorf("$orderby must be a single property with an optional direction, got %q", raw)
	}

	return parts[0], false, checkProperty(parts[0], properties, "$orderby")
}

func checkProperty(property string, properties map[string]string, option string) error {
	if _, ok := properties[property]; !ok {
		return fmt.Errorf("unknown property %q in %s", property, option)
	}

	return nil
}

// parseODataFilter parses a conjunction of comparison and contains() clauses.
// Only "and" combines clauses; "or", "not", and grouping are not supported.
func parseODataFilter(raw string, properties map[string]string) ([]odataClause, error) {
	var clauses []odataClause

	for _, part := range splitTopLevelAnd(raw) {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, fmt.Errorf("empty clause in $filter %q", raw)
		}

		clause, err := parseFilterClause(part, properties)
		if err != nil {
			return nil, err
		}

		clauses = append(clauses, clause)
	}

	return clauses, nil
}

// splitTopLevelAnd splits on the "and" keyword outside single-quoted
// literals.
func splitTopLevelAnd(raw string) []string {
	var (
		parts    []string
		start    int
		inQuotes bool
	)

	lower := strings.ToLower(raw)

	for i := 0; i < len(raw); i++ {
		if raw[i] == '\'' {
			inQuotes = !inQuotes

			continue
		}

		if inQuotes {
			continue
		}

		if strings.HasPrefix(lower[i:], " and ") {
			parts = append(parts, raw[start:i])
			i += 4
			start = i + 1
		}
	}

	return append(parts, raw[start:])
}

func parseFilterClause(clause string, properties map[string]string) (odataClause, error) {
	if strings.HasPrefix(strings.ToLower(clause), "contains(") {
		return parseContainsClause(clause, properties)
	}

	return parseComparisonClause(clause, properties)
}

// parseComparisonClause parses "Property op literal". The literal may
// contain spaces when quoted, so only the first two tokens split on
// whitespace.
func parseComparisonClause(clause string, properties map[string]string) (odataClause, error) {
	first := strings.IndexAny(clause, " \t")
	if first < 0 {
		return odataClause{}, fmt.Errorf("malformed $filter clause %q", clause)
	}

	property := clause[:first]
	rest := strings.TrimLeft(clause[first:], " \t")

	second := strings.IndexAny(rest, " \t")
	if second < 0 {
		return odataClause{}, fmt.Errorf("malformed $filter clause %q", clause)
	}

	op := strings.ToLower(rest[:second])
	if !odataComparisonOps[op] {
		return odataClause{}, fmt.Errorf("unsupported $filter operator %q", rest[:second])
	}

	if err := checkProperty(property, properties, "$filter"); err != nil {
		return odataClause{}, err
	}

	value, err := parseODataLiteral(strings.TrimSpace(rest[second:]))
	if err != nil {
		return odataClause{}, err
	}

	return odataClause{Property: property, Op: op, Value: value}, nil
}

// parseContainsClause parses "contains(Property,'literal')".
func parseContainsClause(clause string, properties map[string]string) (odataClause, error) {
	open := strings.Index(clause, "(")

	if !strings.HasSuffix(clause, ")") {
		return odataClause{}, fmt.Errorf("malformed contains clause %q", clause)
	}

	inner := clause[open+1 : len(clause)-1]

	comma := strings.Index(inner, ",")
	if comma < 0 {
		return odataClause{}, fmt.Errorf("contains requires a property and a quoted literal, got %q", clause)
	}

	property := strings.TrimSpace(inner[:comma])
	if err := checkProperty(property, properties, "$filter"); err != nil {
		return odataClause{}, err
	}

	value, err := parseODataLiteral(strings.TrimSpace(inner[comma+1:]))
	if err != nil {
		return odataClause{}, err
	}

	literal, ok := value.(string)
	if !ok {
		return odataClause{}, fmt.Errorf("contains requires a quoted string literal, got %q", clause)
	}

	return odataClause{Property: property, Op: odataOpContains, Value: literal}, nil
}

// parseODataLiteral parses a single-quoted string (with '' as the escape for
// a literal quote) or a numeric literal.
func parseODataLiteral(raw string) (any, error) {
	if strings.HasPrefix(raw, "'") {
		if len(raw) < 2 || !strings.HasSuffix(raw, "'") {
			return nil, fmt.Errorf("unterminated string literal %q", raw)
		}

		return strings.ReplaceAll(raw[1:len(raw)-1], "''", "'"), nil
	}

	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, fmt.Errorf("literal must be a quoted string or a number, got %q", raw)
	}

	return n, nil
}

// evaluateODataOptions applies a parsed option set to in-memory rows keyed by
// OData property names. It returns the page and the post-filter total.
func evaluateODataOptions(rows []map[string]any, opts *odataOptions) ([]map[string]any, int) {
	filtered := rows

	if len(opts.Filter) > 0 {
		filtered = make([]map[string]any, 0, len(rows))

		for _, row := range rows {
			if rowMatches(row, opts.Filter) {
				filtered = append(filtered, row)
			}
		}
	}

	if opts.OrderBy != "" {
		sortRows(filtered, opts.OrderBy, opts.OrderDesc)
	}

	total := len(filtered)

	if opts.Skip > 0 {
		if opts.Skip >= len(filtered) {
			filtered = nil
		} else {
			filtered = filtered[opts.Skip:]
		}
	}

	if opts.Top >= 0 && opts.Top < len(filtered) {
		filtered = filtered[:opts.Top]
	}

	if len(opts.Select) > 0 {
		filtered = projectRows(filtered, opts.Select)
	}

	if filtered == nil {
		filtered = []map[string]any{}
	}

	return filtered, total
}

func rowMatches(row map[string]any, clauses []odataClause) bool {
	for _, clause := range clauses {
		if !clauseMatches(row, clause) {
			return false
		}
	}

	return true
}

func clauseMatches(row map[string]any, clause odataClause) bool {
	value, ok := row[clause.Property]
	if !ok || value == nil {
		return false
	}

	if clause.Op == odataOpContains {
		literal := clause.Value.(string)

		return strings.Contains(strings.ToLower(fmt.Sprint(value)), strings.ToLower(literal))
	}

	cmp, comparable := compareValues(value, clause.Value)
	if !comparable {
		return false
	}

	switch clause.Op {
	case odataOpEq:
		return cmp == 0
	case odataOpNe:
		return cmp != 0
	case odataOpGt:
		return cmp > 0
	case odataOpGe:
		return cmp >= 0
	case odataOpLt:
		return cmp < 0
	case odataOpLe:
		return cmp <= 0
	}

	return false
}

// compareValues compares a row value with a filter literal. Numbers compare
// numerically, strings lexically. Mixed types are not comparable.
func compareValues(value, literal any) (int, bool) {
	if lhs, ok := toFloat(value); ok {
		rhs, ok := toFloat(literal)
		if !ok {
			return 0, false
		}

		switch {
		case lhs < rhs:
			return -1, true
		case lhs > rhs:
			return 1, true
		default:
			return 0, true
		}
	}

	lhs, ok := value.(string)
	if !ok {
		return 0, false
	}

	rhs, ok := literal.(string)
	if !ok {
		return 0, false
	}

	return strings.Compare(lhs, rhs), true
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case *float64:
		if v == nil {
			return 0, false
		}

		return *v, true
	}

	return 0, false
}

func sortRows(rows []map[string]any, property string, desc bool) {
	sort.SliceStable(rows, func(i, j int) bool {
		cmp, ok := compareValues(rows[i][property], rows[j][property])
		if !ok {
			return false
		}

		if desc {
			return cmp > 0
		}

		return cmp < 0
	})
}

func projectRows(rows []map[string]any, selected []string) []map[string]any {
	projected := make([]map[string]any, len(rows))

	for i, row := range rows {
		out := make(map[string]any, len(selected))

		for _, property := range selected {
			if value, ok := row[property]; ok {
				out[property] = value
			}
		}

		projected[i] = out
	}

	return projected
}
