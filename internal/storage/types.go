// Package storage provides the transactional metadata store for the
// Osservatorio service: datasets, API keys, user preferences, audit log,
// rate-limit windows, categorization rules, and token revocations.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Dataset lifecycle states. Soft delete is expressed via StatusInactive.
const (
	StatusActive     = "active"
	StatusInactive   = "inactive"
	StatusProcessing = "processing"
	StatusError      = "error"
)

// Statistical categories recognized by the categorization rules.
const (
	CategoryPopolazione = "popolazione"
	CategoryEconomia    = "economia"
	CategoryLavoro      = "lavoro"
	CategoryTerritorio  = "territorio"
	CategoryIstruzione  = "istruzione"
	CategorySalute      = "salute"
	CategoryAltri       = "altri"
)

// Scopes grantable to API keys. ScopeAdmin implies all others.
const (
	ScopeRead      = "read"
	ScopeWrite     = "write"
	ScopeAdmin     = "admin"
	ScopeAnalytics = "analytics"
	ScopePowerBI   = "powerbi"
	ScopeTableau   = "tableau"
)

// Dataset ID format constants.
const (
	datasetIDMinLen = 3
	datasetIDMaxLen = 50

	minPriority = 1
	maxPriority = 10
)

var (
	// ErrInvalidStatus is returned when a dataset status is outside the enum.
	ErrInvalidStatus = errors.New("invalid dataset status")

	// ErrInvalidCategory is returned when a category is outside the enum.
	ErrInvalidCategory = errors.New("invalid category")

	// ErrInvalidPriority is returned when a dataset priority is outside 1-10.
	ErrInvalidPriority = errors.New("priority must be between 1 and 10")

	// ErrUnknownScope is returned when a scope is not one of the recognized set.
	ErrUnknownScope = errors.New("unknown scope")

	// ErrInvalidValueKind is returned for an unrecognized preference value kind.
	ErrInvalidValueKind = errors.New("invalid preference value kind")
)

// datasetIDPattern validates the body of a dataset ID: alphanumeric runs joined
// by single '_' or '-' separators, no leading/trailing/consecutive separators.
var datasetIDPattern = regexp.MustCompile(`^[A-Za-z0-9]+(?:[_-][A-Za-z0-9]+)*$`)

// invalidDatasetIDChars matches every character a dataset ID may not contain.
var invalidDatasetIDChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// consecutiveSeparators collapses runs of '_' and '-' during suggestion cleanup.
var consecutiveSeparators = regexp.MustCompile(`[_-]{2,}`)

// knownCategories is the closed set accepted for categorization rules.
var knownCategories = map[string]bool{
	CategoryPopolazione: true,
	CategoryEconomia:    true,
	CategoryLavoro:      true,
	CategoryTerritorio:  true,
	CategoryIstruzione:  true,
	CategorySalute:      true,
	CategoryAltri:       true,
}

// knownScopes is the closed set of grantable scopes.
var knownScopes = map[string]bool{
	ScopeRead:      true,
	ScopeWrite:     true,
	ScopeAdmin:     true,
	ScopeAnalytics: true,
	ScopePowerBI:   true,
	ScopeTableau:   true,
}

type (
	// Dataset is the metadata row for a statistical dataset. Exactly one row
	// exists per DatasetID; observation data lives in the analytics store.
	Dataset struct {
		DatasetID   string         `json:"dataset_id"`
		Name        string         `json:"name"`
		Category    string         `json:"category"`
		Description string         `json:"description,omitempty"`
		Agency      string         `json:"agency,omitempty"`
		Priority    int            `json:"priority"`
		Status      string         `json:"status"`
		Metadata    map[string]any `json:"metadata,omitempty"`
		CreatedAt   time.Time      `json:"created_at"`
		UpdatedAt   time.Time      `json:"updated_at"`
	}

	// APIKey is the stored representation of an issued key. The plaintext key
	// exists only at creation time; KeyHash is a salted bcrypt hash and
	// KeyPrefix is the lookup bucket derived from the plaintext.
	APIKey struct {
		ID         string     `json:"id"`
		Name       string     `json:"name"`
		KeyHash    string     `json:"-"`
		KeyPrefix  string     `json:"key_prefix"`
		Scopes     []string   `json:"scopes"`
		RateLimit  int        `json:"rate_limit"`
		IsActive   bool       `json:"is_active"`
		ExpiresAt  *time.Time `json:"expires_at,omitempty"`
		LastUsed   *time.Time `json:"last_used,omitempty"`
		UsageCount int64      `json:"usage_count"`
		CreatedAt  time.Time  `json:"created_at"`
	}

	// PreferenceValue is a tagged preference value. Kind selects how Raw is
	// interpreted: "string", "integer", "boolean", or "json".
	PreferenceValue struct {
		Kind string `json:"kind"`
		Raw  string `json:"payload"`
	}

	// AuditEntry is one append-only audit log row.
	AuditEntry struct {
		ID              int64     `json:"id"`
		Timestamp       time.Time `json:"timestamp"`
		UserID          string    `json:"user_id"`
		Action          string    `json:"action"`
		ResourceType    string    `json:"resource_type"`
		ResourceID      string    `json:"resource_id"`
		Details         string    `json:"details,omitempty"`
		Success         bool      `json:"success"`
		ErrorMessage    string    `json:"error_message,omitempty"`
		ExecutionTimeMs int64     `json:"execution_time_ms"`
		ClientIP        string    `json:"client_ip,omitempty"`
		UserAgent       string    `json:"user_agent,omitempty"`
	}

	// RateLimitWindow is one sliding-window counter row, unique on
	// (APIKeyID, Endpoint, WindowStart).
	RateLimitWindow struct {
		APIKeyID     string    `json:"api_key_id"`
		Endpoint     string    `json:"endpoint"`
		WindowStart  time.Time `json:"window_start"`
		WindowEnd    time.Time `json:"window_end"`
		RequestCount int       `json:"request_count"`
	}

	// CategorizationRule is one keyword rule consumed by the dataflow
	// categorizer. Keywords are lowercase trimmed non-empty tokens.
	CategorizationRule struct {
		RuleID      string    `json:"rule_id"`
		Category    string    `json:"category"`
		Keywords    []string  `json:"keywords"`
		Priority    int       `json:"priority"`
		IsActive    bool      `json:"is_active"`
		Description string    `json:"description,omitempty"`
		CreatedAt   time.Time `json:"created_at"`
		UpdatedAt   time.Time `json:"updated_at"`
	}

	// DatasetIDError describes a dataset ID that failed format validation,
	// including a cleaned suggestion for the caller.
	DatasetIDError struct {
		Provided            string
		CorrectedSuggestion string
	}
)

// Error implements the error interface for DatasetIDError.
func (e *DatasetIDError) Error() string {
	return fmt.Sprintf("invalid dataset ID %q (suggestion: %q)", e.Provided, e.CorrectedSuggestion)
}

// ExpectedFormat describes the dataset ID contract for validation payloads.
func (e *DatasetIDError) ExpectedFormat() string {
	return "3-50 alphanumeric characters with single '_' or '-' separators, no leading/trailing separators"
}

// Examples returns well-formed dataset IDs for validation payloads.
func (e *DatasetIDError) Examples() []string {
	return []string{"DCIS_POPRES1", "DCCN_PILN", "151_914"}
}

// ValidateDatasetID checks a dataset ID against the format contract:
// 3-50 characters, alphanumeric plus '_'/'-', no leading, trailing, or
// consecutive separators. On failure it returns a DatasetIDError carrying a
// cleaned suggestion derived from the input.
func ValidateDatasetID(id string) error {
	if len(id) >= datasetIDMinLen && len(id) <= datasetIDMaxLen && datasetIDPattern.MatchString(id) {
		return nil
	}

	return &DatasetIDError{
		Provided:            id,
		CorrectedSuggestion: CleanDatasetID(id),
	}
}

// CleanDatasetID derives the closest well-formed dataset ID from arbitrary
// input: uppercase, whitespace to '_', invalid characters dropped, separator
// runs collapsed, edges trimmed, and the result truncated to the length cap.
func CleanDatasetID(id string) string {
	cleaned := strings.ToUpper(strings.TrimSpace(id))
	cleaned = strings.Join(strings.Fields(cleaned), "_")
	cleaned = invalidDatasetIDChars.ReplaceAllString(cleaned, "")
	cleaned = consecutiveSeparators.ReplaceAllString(cleaned, "_")
	cleaned = strings.Trim(cleaned, "_-")

	if len(cleaned) > datasetIDMaxLen {
		cleaned = strings.Trim(cleaned[:datasetIDMaxLen], "_-")
	}

	return cleaned
}

// Validate checks dataset fields against the metadata contract.
func (d *Dataset) Validate() error {
	if err := ValidateDatasetID(d.DatasetID); err != nil {
		return err
	}

	if d.Priority < minPriority || d.Priority > maxPriority {
		return fmt.Errorf("%w: got %d", ErrInvalidPriority, d.Priority)
	}

	switch d.Status {
	case StatusActive, StatusInactive, StatusProcessing, StatusError:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidStatus, d.Status)
	}

	return nil
}

// ValidateCategory checks a category against the closed enum.
func ValidateCategory(category string) error {
	if !knownCategories[category] {
		return fmt.Errorf("%w: %q", ErrInvalidCategory, category)
	}

	return nil
}

// ValidateScopes checks every scope against the recognized set.
func ValidateScopes(scopes []string) error {
	for _, s := range scopes {
		if !knownScopes[s] {
			return fmt.Errorf("%w: %q", ErrUnknownScope, s)
		}
	}

	return nil
}

// HasScope reports whether the key grants the required scope.
// The admin scope implies every other scope.
func (k *APIKey) HasScope(required string) bool {
	for _, s := range k.Scopes {
		if s == ScopeAdmin || s == required {
			return true
		}
	}

	return false
}

// NewStringValue builds a string-kind preference value.
func NewStringValue(v string) PreferenceValue {
	return PreferenceValue{Kind: "string", Raw: v}
}

// NewIntegerValue builds an integer-kind preference value.
func NewIntegerValue(v int64) PreferenceValue {
	return PreferenceValue{Kind: "integer", Raw: fmt.Sprintf("%d", v)}
}

// NewBooleanValue builds a boolean-kind preference value.
func NewBooleanValue(v bool) PreferenceValue {
	return PreferenceValue{Kind: "boolean", Raw: fmt.Sprintf("%t", v)}
}

// NewJSONValue builds a json-kind preference value from any marshalable payload.
func NewJSONValue(v any) (PreferenceValue, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return PreferenceValue{}, fmt.Errorf("failed to marshal preference value: %w", err)
	}

	return PreferenceValue{Kind: "json", Raw: string(data)}, nil
}

// Validate checks the value kind against the tagged-value contract.
func (v PreferenceValue) Validate() error {
	switch v.Kind {
	case "string", "integer", "boolean", "json":
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidValueKind, v.Kind)
	}
}

// Decode interprets Raw according to Kind and returns the typed payload.
func (v PreferenceValue) Decode() (any, error) {
	switch v.Kind {
	case "string":
		return v.Raw, nil
	case "integer":
		var n int64
		if _, err := fmt.Sscanf(v.Raw, "%d", &n); err != nil {
			return nil, fmt.Errorf("malformed integer preference: %w", err)
		}

		return n, nil
	case "boolean":
		return v.Raw == "true", nil
	case "json":
		var out any
		if err := json.Unmarshal([]byte(v.Raw), &out); err != nil {
			return nil, fmt.Errorf("malformed json preference: %w", err)
		}

		return out, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidValueKind, v.Kind)
	}
}

// NormalizeKeywords lowercases and trims keyword tokens, dropping empties.
// Returns the normalized list; an empty result means the rule is invalid.
func NormalizeKeywords(keywords []string) []string {
	out := make([]string, 0, len(keywords))

	for _, kw := range keywords {
		trimmed := strings.ToLower(strings.TrimSpace(kw))
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}

	return out
}
