package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lib/pq"

	"github.com/osservatorio-istat/osservatorio/internal/config"
)

// ErrNoKeywords is returned when a rule has no usable keywords after
// normalization.
var ErrNoKeywords = errors.New("rule must have at least one non-empty keyword")

// RulesStore persists categorization rules. Unlike datasets, rule removal is a
// hard delete; rules carry no history requirement.
type RulesStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewRulesStore creates a rules store over the shared metadata connection.
func NewRulesStore(conn *Connection) (*RulesStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &RulesStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("OSV_LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// Insert stores a new rule. Keywords are normalized (lowercased, trimmed,
// empties dropped) before storage; a rule with no surviving keywords is
// rejected.
func (s *RulesStore) Insert(ctx context.Context, rule *CategorizationRule) error {
	if err := ValidateCategory(rule.Category); err != nil {
		return err
	}

	if rule.Priority < minPriority || rule.Priority > maxPriority {
		return fmt.Errorf("%w: got %d", ErrInvalidPriority, rule.Priority)
	}

	rule.Keywords = NormalizeKeywords(rule.Keywords)
	if len(rule.Keywords) == 0 {
		return ErrNoKeywords
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO categorization_rules (rule_id, category, keywords, priority, is_active, description, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := s.conn.ExecContext(
		ctx,
		query,
		rule.RuleID,
		rule.Category,
		pq.Array(rule.Keywords),
		rule.Priority,
		rule.IsActive,
		rule.Description,
		now,
		now,
	)
	if err != nil {
		return classifyError("insert rule", "categorization_rules", err)
	}

	rule.CreatedAt = now
	rule.UpdatedAt = now

	return nil
}

// Get retrieves one rule by ID. Returns ErrNotFound for missing rules.
func (s *RulesStore) Get(ctx context.Context, ruleID string) (*CategorizationRule, error) {
	query := `
		SELECT rule_id, category, keywords, priority, is_active, description, created_at, updated_at
		FROM categorization_rules
		WHERE rule_id = $1
	`

	var (
		rule        CategorizationRule
		keywords    pq.StringArray
		description *string
	)

	err := s.conn.QueryRowContext(ctx, query, ruleID).Scan(
		&rule.RuleID,
		&rule.Category,
		&keywords,
		&rule.Priority,
		&rule.IsActive,
		&description,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	if err != nil {
		return nil, classifyError("get rule", "categorization_rules", err)
	}

	rule.Keywords = []string(keywords)

	if description != nil {
		rule.Description = *description
	}

	return &rule, nil
}

// List returns rules ordered by priority descending, then rule ID for a
// stable tiebreak. When activeOnly is set, inactive rules are filtered out.
func (s *RulesStore) List(ctx context.Context, activeOnly bool) ([]*CategorizationRule, error) {
	query := `
		SELECT rule_id, category, keywords, priority, is_active, description, created_at, updated_at
		FROM categorization_rules
		WHERE ($1 = FALSE OR is_active = TRUE)
		ORDER BY priority DESC, rule_id ASC
	`

	rows, err := s.conn.QueryContext(ctx, query, activeOnly)
	if err != nil {
		return nil, classifyError("list rules", "categorization_rules", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	rules := []*CategorizationRule{}

	for rows.Next() {
		var (
			rule        CategorizationRule
			keywords    pq.StringArray
			description *string
		)

		err := rows.Scan(
			&rule.RuleID,
			&rule.Category,
			&keywords,
			&rule.Priority,
			&rule.IsActive,
			&description,
			&rule.CreatedAt,
			&rule.UpdatedAt,
		)
		if err != nil {
			s.logger.Error("failed to scan rule row", slog.String("error", err.Error()))

			continue
		}

		rule.Keywords = []string(keywords)

		if description != nil {
			rule.Description = *description
		}

		rules = append(rules, &rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rule rows: %w", err)
	}

	return rules, nil
}

// Update replaces the mutable fields of an existing rule.
func (s *RulesStore) Update(ctx context.Context, rule *CategorizationRule) error {
	if err := ValidateCategory(rule.Category); err != nil {
		return err
	}

	if rule.Priority < minPriority || rule.Priority > maxPriority {
		return fmt.Errorf("%w: got %d", ErrInvalidPriority, rule.Priority)
	}

	rule.Keywords = NormalizeKeywords(rule.Keywords)
	if len(rule.Keywords) == 0 {
		return ErrNoKeywords
	}

	query := `
		UPDATE categorization_rules
		SET category = $1, keywords = $2, priority = $3, is_active = $4, description = $5, updated_at = $6
		WHERE rule_id = $7
	`

	result, err := s.conn.ExecContext(
		ctx,
		query,
		rule.Category,
		pq.Array(rule.Keywords),
		rule.Priority,
		rule.IsActive,
		rule.Description,
		time.Now().UTC(),
		rule.RuleID,
	)
	if err != nil {
		return classifyError("update rule", "categorization_rules", err)
	}

	return requireRowsAffected(result, "update rule")
}

// Delete removes a rule permanently.
func (s *RulesStore) Delete(ctx context.Context, ruleID string) error {
	result, err := s.conn.ExecContext(ctx, `DELETE FROM categorization_rules WHERE rule_id = $1`, ruleID)
	if err != nil {
		return classifyError("delete rule", "categorization_rules", err)
	}

	return requireRowsAffected(result, "delete rule")
}
