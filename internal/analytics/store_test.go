package analytics

import (
	"context"
	"errors"
	"testing"

	"github.com/osservatorio-istat/osservatorio/internal/storage"
)

func TestConfigValidate(t *testing.T) {
	t.Run("valid url", func(t *testing.T) {
		cfg := NewConfig("postgres://localhost:5433/analytics")
		if err := cfg.Validate(); err != nil {
			t.Errorf("Validate() unexpected error: %v", err)
		}
	})

	t.Run("empty url", func(t *testing.T) {
		cfg := NewConfig("")
		if err := cfg.Validate(); !errors.Is(err, ErrAnalyticsURLEmpty) {
			t.Errorf("Validate() error = %v, want ErrAnalyticsURLEmpty", err)
		}
	})
}

func TestStoreLazyConnectionFailure(t *testing.T) {
	// A store with no URL never dials; every operation degrades to
	// ErrAnalyticsUnavailable instead of panicking or hanging.
	store := NewStore(NewConfig(""))
	ctx := context.Background()

	if _, err := store.ExecuteQuery(ctx, "SELECT 1"); !errors.Is(err, ErrAnalyticsUnavailable) {
		t.Errorf("ExecuteQuery() error = %v, want ErrAnalyticsUnavailable", err)
	}

	if err := store.EnsureSchema(ctx); !errors.Is(err, ErrAnalyticsUnavailable) {
		t.Errorf("EnsureSchema() error = %v, want ErrAnalyticsUnavailable", err)
	}

	if err := store.HealthCheck(ctx); !errors.Is(err, ErrAnalyticsUnavailable) {
		t.Errorf("HealthCheck() error = %v, want ErrAnalyticsUnavailable", err)
	}

	if stats := store.Stats(); stats != nil {
		t.Errorf("Stats() = %v, want nil before first connection", stats)
	}
}

func TestBulkInsertValidation(t *testing.T) {
	store := NewStore(NewConfig("postgres://localhost:5433/analytics"))
	ctx := context.Background()

	t.Run("empty row set rejected", func(t *testing.T) {
		if _, err := store.BulkInsert(ctx, "istat_observations", nil); !errors.Is(err, ErrNoRows) {
			t.Errorf("BulkInsert() error = %v, want ErrNoRows", err)
		}
	})

	t.Run("unsafe table name rejected before dialing", func(t *testing.T) {
		obs := []*Observation{{DatasetID: "DCIS_POPRES1", Year: 2023, TimePeriod: "2023"}}

		_, err := store.BulkInsert(ctx, "istat_observations; DROP TABLE datasets", obs)
		if !storage.IsSchemaError(err) {
			t.Errorf("BulkInsert() error = %v, want SchemaError", err)
		}
	})
}

func TestStoreCloseWithoutConnection(t *testing.T) {
	store := NewStore(NewConfig("postgres://localhost:5433/analytics"))

	if err := store.Close(); err != nil {
		t.Errorf("Close() on unconnected store error = %v, want nil", err)
	}
}
