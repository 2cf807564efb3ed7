// Package query provides a fluent SQL builder and result cache for the
// analytics store. Builders validate every identifier before it reaches SQL
// text; literal values always travel through parameter placeholders.
package query

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Join types accepted by Join.
const (
	JoinInner = "INNER"
	JoinLeft  = "LEFT"
	JoinRight = "RIGHT"
	JoinFull  = "FULL"
	JoinCross = "CROSS"
)

// Comparison operators accepted by Where.
const (
	OpEq        = "="
	OpNeq       = "!="
	OpGt        = ">"
	OpGte       = ">="
	OpLt        = "<"
	OpLte       = "<="
	OpIn        = "IN"
	OpNotIn     = "NOT IN"
	OpLike      = "LIKE"
	OpILike     = "ILIKE"
	OpBetween   = "BETWEEN"
	OpIsNull    = "IS NULL"
	OpIsNotNull = "IS NOT NULL"
)

var knownOperators = map[string]bool{
	OpEq: true, OpNeq: true, OpGt: true, OpGte: true, OpLt: true, OpLte: true,
	OpIn: true, OpNotIn: true, OpLike: true, OpILike: true,
	OpBetween: true, OpIsNull: true, OpIsNotNull: true,
}

var knownJoins = map[string]bool{
	JoinInner: true, JoinLeft: true, JoinRight: true, JoinFull: true, JoinCross: true,
}

// safeToken matches one bare identifier segment.
var safeToken = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// functionExpr matches recognized aggregate expressions over a safe column
// or star, e.g. COUNT(*), AVG(obs_value), SUM(istat.obs_value).
var functionExpr = regexp.MustCompile(`^(?i)(count|sum|avg|min|max)\(\s*(\*|distinct\s+[a-z][a-z0-9_]*(?:\.[a-z][a-z0-9_]*)?|[a-z][a-z0-9_]*(?:\.[a-z][a-z0-9_]*)?)\s*\)$`)

// validColumn reports whether expr is safe to interpolate as a select or
// filter target: a bare identifier, a single-level dotted path, a star, or a
// recognized aggregate function, optionally aliased with AS.
func validColumn(expr string) bool {
	expr = strings.TrimSpace(expr)
	if expr == "*" {
		return true
	}

	// Split off a trailing alias. Only one AS is tolerated.
	if idx := strings.Index(strings.ToLower(expr), " as "); idx != -1 {
		alias := strings.TrimSpace(expr[idx+4:])
		if !safeToken.MatchString(alias) {
			return false
		}

		expr = strings.TrimSpace(expr[:idx])
	}

	if functionExpr.MatchString(expr) {
		return true
	}

	parts := strings.Split(expr, ".")
	if len(parts) > 2 {
		return false
	}

	for _, part := range parts {
		if !safeToken.MatchString(part) {
			return false
		}
	}

	return true
}

// validTable reports whether name is a safe table reference, optionally
// schema-qualified.
func validTable(name string) bool {
	parts := strings.Split(strings.TrimSpace(name), ".")
	if len(parts) == 0 || len(parts) > 2 {
		return false
	}

	for _, part := range parts {
		if !safeToken.MatchString(part) {
			return false
		}
	}

	return true
}

type condition struct {
	expr string
	args []any
}

// Builder accumulates query fragments and produces (sql, params) on Build.
// The zero value is not usable; start with New. Builders are not safe for
// concurrent mutation.
//
// The first validation failure sticks: subsequent calls are no-ops and Build
// returns the recorded error.
type Builder struct {
	table      string
	columns    []string
	joins      []string
	conditions []condition
	groupBy    []string
	having     []condition
	orderBy    []string
	limit      int
	offset     int
	hasLimit   bool
	hasOffset  bool
	explain    bool
	err        error
}

// New creates an empty builder.
func New() *Builder {
	return &Builder{}
}

func (b *Builder) fail(err *ValidationError) *Builder {
	if b.err == nil {
		b.err = err
	}

	return b
}

// Select sets the select list. Columns must be safe identifiers or recognized
// aggregate expressions.
func (b *Builder) Select(columns ...string) *Builder {
	if b.err != nil {
		return b
	}

	for _, col := range columns {
		if !validColumn(col) {
			return b.fail(validationErrorf("select", "unsafe column expression %q", col))
		}
	}

	b.columns = append(b.columns, columns...)

	return b
}

// FromTable sets the source table.
func (b *Builder) FromTable(table string) *Builder {
	if b.err != nil {
		return b
	}

	if !validTable(table) {
		return b.fail(validationErrorf("from", "unsafe table name %q", table))
	}

	b.table = table

	return b
}

// Join adds a join clause. joinType must be one of INNER, LEFT, RIGHT, FULL,
// CROSS; the ON condition columns are validated like any other identifiers.
func (b *Builder) Join(joinType, table, leftColumn, rightColumn string) *Builder {
	if b.err != nil {
		return b
	}

	joinType = strings.ToUpper(strings.TrimSpace(joinType))
	if !knownJoins[joinType] {
		return b.fail(validationErrorf("join", "unknown join type %q", joinType))
	}

	if !validTable(table) {
		return b.fail(validationErrorf("join", "unsafe table name %q", table))
	}

	if joinType == JoinCross {
		b.joins = append(b.joins, fmt.Sprintf("CROSS JOIN %s", table))

		return b
	}

	if !validColumn(leftColumn) || !validColumn(rightColumn) {
		return b.fail(validationErrorf("join", "unsafe join columns %q, %q", leftColumn, rightColumn))
	}

	b.joins = append(b.joins, fmt.Sprintf("%s JOIN %s ON %s = %s", joinType, table, leftColumn, rightColumn))

	return b
}

// Where adds one condition. BETWEEN requires a 2-element slice; IN and NOT IN
// require a non-empty slice; IS NULL / IS NOT NULL take no value.
func (b *Builder) Where(column, op string, value any) *Builder {
	if b.err != nil {
		return b
	}

	if !validColumn(column) {
		return b.fail(validationErrorf("where", "unsafe column %q", column))
	}

	op = strings.ToUpper(strings.TrimSpace(op))
	if !knownOperators[op] {
		return b.fail(validationErrorf("where", "unknown operator %q", op))
	}

	cond, err := buildCondition(column, op, value)
	if err != nil {
		return b.fail(err)
	}

	b.conditions = append(b.conditions, cond)

	return b
}

// WhereIn adds an IN condition over a non-empty value list.
func (b *Builder) WhereIn(column string, values []any) *Builder {
	return b.Where(column, OpIn, values)
}

// WhereBetween adds a BETWEEN condition over an inclusive [low, high] pair.
func (b *Builder) WhereBetween(column string, low, high any) *Builder {
	return b.Where(column, OpBetween, []any{low, high})
}

// WhereNull adds an IS NULL condition.
func (b *Builder) WhereNull(column string) *Builder {
	return b.Where(column, OpIsNull, nil)
}

// WhereNotNull adds an IS NOT NULL condition.
func (b *Builder) WhereNotNull(column string) *Builder {
	return b.Where(column, OpIsNotNull, nil)
}

func buildCondition(column, op string, value any) (condition, *ValidationError) {
	switch op {
	case OpIsNull, OpIsNotNull:
		return condition{expr: fmt.Sprintf("%s %s", column, op)}, nil

	case OpIn, OpNotIn:
		values, ok := value.([]any)
		if !ok || len(values) == 0 {
			return condition{}, validationErrorf("where", "%s requires a non-empty value list", op)
		}

		placeholders := make([]string, len(values))
		for i := range values {
			placeholders[i] = "?"
		}

		return condition{
			expr: fmt.Sprintf("%s %s (%s)", column, op, strings.Join(placeholders, ", ")),
			args: values,
		}, nil

	case OpBetween:
		pair, ok := value.([]any)
		if !ok || len(pair) != 2 {
			return condition{}, validationErrorf("where", "BETWEEN requires exactly two values")
		}

		return condition{
			expr: fmt.Sprintf("%s BETWEEN ? AND ?", column),
			args: pair,
		}, nil

	default:
		return condition{
			expr: fmt.Sprintf("%s %s ?", column, op),
			args: []any{value},
		}, nil
	}
}

// GroupBy adds grouping columns.
func (b *Builder) GroupBy(columns ...string) *Builder {
	if b.err != nil {
		return b
	}

	for _, col := range columns {
		if !validColumn(col) {
			return b.fail(validationErrorf("group by", "unsafe column %q", col))
		}
	}

	b.groupBy = append(b.groupBy, columns...)

	return b
}

// Having adds one post-aggregation condition.
func (b *Builder) Having(column, op string, value any) *Builder {
	if b.err != nil {
		return b
	}

	if !validColumn(column) {
		return b.fail(validationErrorf("having", "unsafe column %q", column))
	}

	op = strings.ToUpper(strings.TrimSpace(op))
	if !knownOperators[op] {
		return b.fail(validationErrorf("having", "unknown operator %q", op))
	}

	cond, err := buildCondition(column, op, value)
	if err != nil {
		return b.fail(err)
	}

	b.having = append(b.having, cond)

	return b
}

// OrderBy adds an ordering term. Direction must be ASC or DESC.
func (b *Builder) OrderBy(column, direction string) *Builder {
	if b.err != nil {
		return b
	}

	if !validColumn(column) {
		return b.fail(validationErrorf("order by", "unsafe column %q", column))
	}

	direction = strings.ToUpper(strings.TrimSpace(direction))
	if direction != "ASC" && direction != "DESC" {
		return b.fail(validationErrorf("order by", "direction must be ASC or DESC, got %q", direction))
	}

	b.orderBy = append(b.orderBy, column+" "+direction)

	return b
}

// Limit caps the result set. Negative values are rejected.
func (b *Builder) Limit(n int) *Builder {
	if b.err != nil {
		return b
	}

	if n < 0 {
		return b.fail(validationErrorf("limit", "must be non-negative, got %d", n))
	}

	b.limit = n
	b.hasLimit = true

	return b
}

// Offset skips leading rows. Negative values are rejected.
func (b *Builder) Offset(n int) *Builder {
	if b.err != nil {
		return b
	}

	if n < 0 {
		return b.fail(validationErrorf("offset", "must be non-negative, got %d", n))
	}

	b.offset = n
	b.hasOffset = true

	return b
}

// Explain prefixes the final statement with EXPLAIN.
func (b *Builder) Explain() *Builder {
	b.explain = true

	return b
}

// Err returns the first validation failure recorded on the builder, if any.
func (b *Builder) Err() error {
	return b.err
}

// Build produces the final (sql, params) pair. Placeholders are numbered
// PostgreSQL-style; the parameter slice always matches the placeholder count.
func (b *Builder) Build() (string, []any, error) {
	if b.err != nil {
		return "", nil, b.err
	}

	if b.table == "" {
		return "", nil, validationErrorf("from", "table is required")
	}

	columns := b.columns
	if len(columns) == 0 {
		columns = []string{"*"}
	}

	var sb strings.Builder

	if b.explain {
		sb.WriteString("EXPLAIN ")
	}

	sb.WriteString("SELECT ")
	sb.WriteString(strings.Join(columns, ", "))
	sb.WriteString(" FROM ")
	sb.WriteString(b.table)

	for _, join := range b.joins {
		sb.WriteString(" ")
		sb.WriteString(join)
	}

	params := []any{}

	if len(b.conditions) > 0 {
		sb.WriteString(" WHERE ")
		params = appendConditions(&sb, b.conditions, params)
	}

	if len(b.groupBy) > 0 {
		sb.WriteString(" GROUP BY ")
		sb.WriteString(strings.Join(b.groupBy, ", "))
	}

	if len(b.having) > 0 {
		sb.WriteString(" HAVING ")
		params = appendConditions(&sb, b.having, params)
	}

	if len(b.orderBy) > 0 {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(strings.Join(b.orderBy, ", "))
	}

	if b.hasLimit {
		fmt.Fprintf(&sb, " LIMIT %d", b.limit)
	}

	if b.hasOffset {
		fmt.Fprintf(&sb, " OFFSET %d", b.offset)
	}

	return numberPlaceholders(sb.String()), params, nil
}

func appendConditions(sb *strings.Builder, conds []condition, params []any) []any {
	for i, cond := range conds {
		if i > 0 {
			sb.WriteString(" AND ")
		}

		sb.WriteString(cond.expr)
		params = append(params, cond.args...)
	}

	return params
}

// numberPlaceholders rewrites ? markers into $1..$n. Question marks never
// appear inside identifiers or keywords; literals travel as parameters, so a
// plain scan is sufficient.
func numberPlaceholders(sql string) string {
	var sb strings.Builder

	n := 0

	for _, r := range sql {
		if r == '?' {
			n++
			fmt.Fprintf(&sb, "$%d", n)

			continue
		}

		sb.WriteRune(r)
	}

	return sb.String()
}

// buildCount rewrites the query as SELECT COUNT(*) with ordering and paging
// stripped, preserving filters and grouping.
func (b *Builder) buildCount() (string, []any, error) {
	if b.err != nil {
		return "", nil, b.err
	}

	clone := *b
	clone.columns = []string{"COUNT(*)"}
	clone.orderBy = nil
	clone.hasLimit = false
	clone.hasOffset = false
	clone.explain = false

	return clone.Build()
}

// Executor runs a built query against the analytics store.
type Executor interface {
	ExecuteQuery(ctx context.Context, query string, params ...any) ([]map[string]any, error)
}

// Runner binds a builder to an executor and optional cache for terminal
// operations.
type Runner struct {
	executor Executor
	cache    *Cache
}

// NewRunner creates a runner. The cache may be nil to disable caching.
func NewRunner(executor Executor, cache *Cache) *Runner {
	return &Runner{executor: executor, cache: cache}
}

// Execute builds and runs the query. When useCache is set and the cache holds
// a live entry for the (sql, params) pair, the cached rows are returned
// without touching the store.
func (r *Runner) Execute(ctx context.Context, b *Builder, useCache bool) ([]map[string]any, error) {
	sql, params, err := b.Build()
	if err != nil {
		return nil, err
	}

	if useCache && r.cache != nil {
		if rows, ok := r.cache.Get(sql, params); ok {
			return rows, nil
		}
	}

	rows, err := r.executor.ExecuteQuery(ctx, sql, params...)
	if err != nil {
		return nil, err
	}

	if useCache && r.cache != nil {
		r.cache.Set(sql, params, rows, 0)
	}

	return rows, nil
}

// Count runs the COUNT(*) rewrite of the query and returns the row count.
func (r *Runner) Count(ctx context.Context, b *Builder) (int64, error) {
	sql, params, err := b.buildCount()
	if err != nil {
		return 0, err
	}

	rows, err := r.executor.ExecuteQuery(ctx, sql, params...)
	if err != nil {
		return 0, err
	}

	if len(rows) == 0 {
		return 0, nil
	}

	for _, v := range rows[0] {
		switch n := v.(type) {
		case int64:
			return n, nil
		case float64:
			return int64(n), nil
		}
	}

	return 0, fmt.Errorf("count query returned no numeric column")
}

// First runs the query with LIMIT 1 and returns the single row, or nil when
// the result set is empty.
func (r *Runner) First(ctx context.Context, b *Builder) (map[string]any, error) {
	clone := *b
	clone.limit = 1
	clone.hasLimit = true

	rows, err := r.Execute(ctx, &clone, false)
	if err != nil {
		return nil, err
	}

	if len(rows) == 0 {
		return nil, nil
	}

	return rows[0], nil
}

// Exists reports whether the query matches at least one row.
func (r *Runner) Exists(ctx context.Context, b *Builder) (bool, error) {
	row, err := r.First(ctx, b)
	if err != nil {
		return false, err
	}

	return row != nil, nil
}
