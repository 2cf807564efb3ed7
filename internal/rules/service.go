package rules

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/osservatorio-istat/osservatorio/internal/config"
	"github.com/osservatorio-istat/osservatorio/internal/storage"
)

// Store is the persistence surface the service needs.
type Store interface {
	Insert(ctx context.Context, rule *storage.CategorizationRule) error
	Get(ctx context.Context, ruleID string) (*storage.CategorizationRule, error)
	List(ctx context.Context, activeOnly bool) ([]*storage.CategorizationRule, error)
	Update(ctx context.Context, rule *storage.CategorizationRule) error
	Delete(ctx context.Context, ruleID string) error
}

// Service manages categorization rules over the metadata store.
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService creates the rules service.
func NewService(store Store) *Service {
	return &Service{
		store: store,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("OSV_LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// Seed inserts seed rules that are not already present. Existing rules are
// never overwritten, so redeployments keep operator edits.
func (s *Service) Seed(ctx context.Context, seed []*storage.CategorizationRule) (int, error) {
	inserted := 0

	for _, rule := range seed {
		err := s.store.Insert(ctx, rule)
		if err != nil {
			if storage.IsConstraintError(err) {
				continue
			}

			return inserted, err
		}

		inserted++
	}

	if inserted > 0 {
		s.logger.Info("seeded categorization rules", slog.Int("inserted", inserted))
	}

	return inserted, nil
}

// Create validates and stores a new rule.
func (s *Service) Create(ctx context.Context, rule *storage.CategorizationRule) error {
	return s.store.Insert(ctx, rule)
}

// Get retrieves one rule by ID.
func (s *Service) Get(ctx context.Context, ruleID string) (*storage.CategorizationRule, error) {
	return s.store.Get(ctx, ruleID)
}

// List returns rules ordered by priority descending.
func (s *Service) List(ctx context.Context, activeOnly bool) ([]*storage.CategorizationRule, error) {
	return s.store.List(ctx, activeOnly)
}

// Update replaces the mutable fields of an existing rule.
func (s *Service) Update(ctx context.Context, rule *storage.CategorizationRule) error {
	return s.store.Update(ctx, rule)
}

// Delete removes a rule permanently.
func (s *Service) Delete(ctx context.Context, ruleID string) error {
	return s.store.Delete(ctx, ruleID)
}

// ActiveRules returns the active rules for the categorizer, falling back to
// the built-in defaults when the store is empty or unreachable. Dataflow
// analysis must keep working through metadata store outages.
func (s *Service) ActiveRules(ctx context.Context) []*storage.CategorizationRule {
	rules, err := s.store.List(ctx, true)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Warn("failed to load rules, using built-in defaults", slog.String("error", err.Error()))
		}

		return DefaultRules()
	}

	if len(rules) == 0 {
		return DefaultRules()
	}

	return rules
}
