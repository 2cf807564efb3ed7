// Package api provides the HTTP API server for the Osservatorio service.
package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	migrate "github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/osservatorio-istat/osservatorio/internal/analytics"
	"github.com/osservatorio-istat/osservatorio/internal/auth"
	"github.com/osservatorio-istat/osservatorio/internal/query"
	"github.com/osservatorio-istat/osservatorio/internal/repository"
	"github.com/osservatorio-istat/osservatorio/internal/rules"
	"github.com/osservatorio-istat/osservatorio/internal/storage"
	"github.com/osservatorio-istat/osservatorio/migrations"
)

const integrationSecret = "integration-test-secret"

// integrationStack is the fully wired server plus the handles tests need to
// seed data directly.
type integrationStack struct {
	server    *Server
	auth      *auth.Service
	analytics *analytics.Store
	token     string
}

// startIntegrationStack brings up one PostgreSQL container carrying both the
// metadata schema (via the embedded migrations) and the analytics schema,
// wires every store against it, and issues an admin key.
func startIntegrationStack(t *testing.T) *integrationStack {
	t.Helper()

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("osservatorio_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(120*time.Second),
		),
	)
	require.NoError(t, err, "start postgres container")

	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(pgContainer); err != nil {
			t.Errorf("terminate postgres container: %v", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "container connection string")

	runEmbeddedMigrations(t, connStr)

	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err, "open metadata store")
	t.Cleanup(func() { _ = db.Close() })

	conn := storage.NewConnectionFromDB(db)

	cipher, err := auth.NewAESCipherFromSecret(integrationSecret)
	require.NoError(t, err)

	keys, err := storage.NewAPIKeyStore(conn, cipher)
	require.NoError(t, err)

	revocations, err := storage.NewRevocationStore(conn)
	require.NoError(t, err)

	datasets, err := storage.NewDatasetStore(conn)
	require.NoError(t, err)

	audit, err := storage.NewAuditStore(conn)
	require.NoError(t, err)

	preferences, err := storage.NewPreferenceStore(conn)
	require.NoError(t, err)

	rateLimits, err := storage.NewRateLimitStore(conn)
	require.NoError(t, err)

	rulesStore, err := storage.NewRulesStore(conn)
	require.NoError(t, err)

	authService, err := auth.NewService(keys, revocations, auth.NewConfig(integrationSecret, time.Hour))
	require.NoError(t, err)

	analyticsDB, err := sqlx.Connect("postgres", connStr)
	require.NoError(t, err, "open analytics store")
	t.Cleanup(func() { _ = analyticsDB.Close() })

	analyticsStore := analytics.NewStoreFromDB(analyticsDB)
	require.NoError(t, analyticsStore.EnsureSchema(ctx), "create analytics schema")

	cache := query.NewCacheFromEnv()
	t.Cleanup(cache.Close)

	server := NewServer(LoadServerConfig(), Dependencies{
		Repo:      repository.New(conn, datasets, analyticsStore, audit, preferences, cache),
		Auth:      authService,
		Keys:      keys,
		Datasets:  datasets,
		Audit:     audit,
		Rules:     rules.NewService(rulesStore),
		Analytics: analyticsStore,
		Runner:    query.NewRunner(analyticsStore, cache),
		Conn:      conn,
		Limiter:   NewStoreRateLimiter(rateLimits, keys),
	})

	issued, err := authService.IssueKey(ctx, "integration", []string{"read", "write", "admin"}, 1000, nil)
	require.NoError(t, err, "issue admin key")

	token, err := authService.MintToken(issued.Key)
	require.NoError(t, err, "mint token")

	return &integrationStack{
		server:    server,
		auth:      authService,
		analytics: analyticsStore,
		token:     token.AccessToken,
	}
}

func runEmbeddedMigrations(t *testing.T, connStr string) {
	t.Helper()

	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err)

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	require.NoError(t, err)

	source, err := iofs.New(migrations.Files, ".")
	require.NoError(t, err)

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	require.NoError(t, err)

	require.NoError(t, m.Up(), "apply migrations")

	srcErr, dbErr := m.Close()
	require.NoError(t, srcErr)
	require.NoError(t, dbErr)
}

func (s *integrationStack) do(t *testing.T, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}

	req.Header.Set("Authorization", "Bearer "+s.token)

	rec := httptest.NewRecorder()
	s.server.Handler().ServeHTTP(rec, req)

	return rec
}

func TestServerIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	stack := startIntegrationStack(t)
	ctx := context.Background()

	t.Run("rejects requests without a token", func(t *testing.T) {
		rec := httptest.NewRecorder()
		stack.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/datasets", nil))

		require.Equal(t, http.StatusUnauthorized, rec.Code)
		require.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))
	})

	t.Run("registers a dataset in both stores", func(t *testing.T) {
		payload, err := json.Marshal(map[string]any{
			"dataset_id": "DCIS_POPRES1",
			"name":       "Resident population",
			"category":   "popolazione",
			"priority":   10,
		})
		require.NoError(t, err)

		rec := stack.do(t, http.MethodPost, "/datasets", payload)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	})

	t.Run("rejects duplicate registration", func(t *testing.T) {
		payload, err := json.Marshal(map[string]any{
			"dataset_id": "DCIS_POPRES1",
			"name":       "Resident population",
			"category":   "popolazione",
			"priority":   10,
		})
		require.NoError(t, err)

		rec := stack.do(t, http.MethodPost, "/datasets", payload)
		require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	})

	t.Run("lists datasets with rate limit headers", func(t *testing.T) {
		rec := stack.do(t, http.MethodGet, "/datasets", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		require.NotEmpty(t, rec.Header().Get("X-RateLimit-Limit"))
		require.NotEmpty(t, rec.Header().Get("X-RateLimit-Remaining"))
		require.NotEmpty(t, rec.Header().Get("X-Process-Time"))

		var response struct {
			Success bool             `json:"success"`
			Data    []map[string]any `json:"data"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
		require.True(t, response.Success)
		require.Len(t, response.Data, 1)
	})

	t.Run("serves time series after observations land", func(t *testing.T) {
		value := 58_997_201.0
		inserted, err := stack.analytics.BulkInsert(ctx, "istat.istat_observations", []*analytics.Observation{
			{
				DatasetID:     "DCIS_POPRES1",
				Year:          2023,
				TimePeriod:    "2023",
				TerritoryCode: "IT",
				TerritoryName: "Italia",
				MeasureCode:   "POP",
				MeasureName:   "Population",
				ObsValue:      &value,
				ObsStatus:     "A",
			},
		})
		require.NoError(t, err)
		require.Equal(t, 1, inserted)

		rec := stack.do(t, http.MethodGet, "/datasets/DCIS_POPRES1/timeseries", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var response struct {
			Data []map[string]any `json:"data"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
		require.Len(t, response.Data, 1)
		require.Equal(t, "IT", response.Data[0]["territory_code"])

		rec = stack.do(t, http.MethodGet, "/datasets/DCIS_POPRES1/timeseries?measure=POP", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
		require.Len(t, response.Data, 1)

		rec = stack.do(t, http.MethodGet, "/datasets/DCIS_POPRES1/timeseries?measure=NONE", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
		require.Empty(t, response.Data)
	})

	t.Run("aggregates category trends against the live schema", func(t *testing.T) {
		sqlText, params, err := query.SelectCategoryTrends([]string{"DCIS_POPRES1"}).Build()
		require.NoError(t, err)

		rows, err := stack.analytics.ExecuteQuery(ctx, sqlText, params...)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		require.EqualValues(t, 2023, rows[0]["year"])
	})

	t.Run("serves observations over odata", func(t *testing.T) {
		path := "/odata/Observations?$count=true&$filter=" +
			url.QueryEscape("DatasetId eq 'DCIS_POPRES1' and Year ge 2020")

		rec := stack.do(t, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var response struct {
			Count int              `json:"@odata.count"`
			Value []map[string]any `json:"value"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
		require.Equal(t, 1, response.Count)
		require.Len(t, response.Value, 1)
		require.Equal(t, "DCIS_POPRES1", response.Value[0]["DatasetId"])
	})

	t.Run("manages categorization rules", func(t *testing.T) {
		payload, err := json.Marshal(map[string]any{
			"category": "popolazione",
			"keywords": []string{"popolazione", "residenti"},
			"priority": 10,
		})
		require.NoError(t, err)

		rec := stack.do(t, http.MethodPost, "/api/analysis/rules", payload)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		rec = stack.do(t, http.MethodGet, "/api/analysis/rules", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var response struct {
			Data []map[string]any `json:"data"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
		require.Len(t, response.Data, 1)
	})

	t.Run("reports usage from the audit log", func(t *testing.T) {
		rec := stack.do(t, http.MethodGet, "/analytics/usage", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var response struct {
			Success bool             `json:"success"`
			Usage   []map[string]any `json:"usage"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
		require.True(t, response.Success)
		require.NotEmpty(t, response.Usage, "earlier requests should have audit rows")
	})

	t.Run("revoked token stops working", func(t *testing.T) {
		issued, err := stack.auth.IssueKey(ctx, "short-lived", []string{"read"}, 100, nil)
		require.NoError(t, err)

		token, err := stack.auth.MintToken(issued.Key)
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/datasets", nil)
		req.Header.Set("Authorization", "Bearer "+token.AccessToken)

		rec := httptest.NewRecorder()
		stack.server.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)

		require.NoError(t, stack.auth.RevokeToken(ctx, token.AccessToken))

		rec = httptest.NewRecorder()
		stack.server.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}
