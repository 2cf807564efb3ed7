package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/osservatorio-istat/osservatorio/internal/analytics"
	"github.com/osservatorio-istat/osservatorio/internal/api/middleware"
	"github.com/osservatorio-istat/osservatorio/internal/repository"
	"github.com/osservatorio-istat/osservatorio/internal/storage"
)

func TestNormalizeEndpoint(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{path: "/datasets", want: "/datasets"},
		{path: "/datasets/DCIS_POPRES1", want: "/datasets/{id}"},
		{path: "/datasets/DCIS_POPRES1/timeseries", want: "/datasets/{id}/timeseries"},
		{path: "/api/analysis/rules", want: "/api/analysis/rules"},
		{path: "/api/analysis/rules/rule-7", want: "/api/analysis/rules/{rule_id}"},
		{path: "/api/istat/dataset/DCCN_PILN", want: "/api/istat/dataset/{id}"},
		{path: "/api/istat/sync/DCCN_PILN", want: "/api/istat/sync/{id}"},
		{path: "/api/istat/status", want: "/api/istat/status"},
		{path: "/odata/Observations", want: "/odata/Observations"},
		{path: "/auth/token", want: "/auth/token"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := NormalizeEndpoint(tt.path); got != tt.want {
				t.Errorf("NormalizeEndpoint(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestPaginate(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}

	tests := []struct {
		name      string
		page      int
		pageSize  int
		wantItems []int
		wantPages int
	}{
		{name: "first page", page: 1, pageSize: 2, wantItems: []int{1, 2}, wantPages: 3},
		{name: "last partial page", page: 3, pageSize: 2, wantItems: []int{5}, wantPages: 3},
		{name: "page past the end", page: 9, pageSize: 2, wantItems: []int{}, wantPages: 3},
		{name: "single page", page: 1, pageSize: 50, wantItems: items, wantPages: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, info := paginate(items, tt.page, tt.pageSize)

			if len(page) != len(tt.wantItems) {
				t.Fatalf("got %d items, want %d", len(page), len(tt.wantItems))
			}

			for i, item := range page {
				if item != tt.wantItems[i] {
					t.Errorf("item[%d] = %d, want %d", i, item, tt.wantItems[i])
				}
			}

			if info.Total != len(items) || info.TotalPages != tt.wantPages {
				t.Errorf("pagination = %+v", info)
			}
		})
	}
}

func TestPaginateEmpty(t *testing.T) {
	page, info := paginate([]string{}, 1, 50)
	if len(page) != 0 || info.Total != 0 || info.TotalPages != 1 {
		t.Errorf("got page=%v info=%+v", page, info)
	}
}

func TestHasJSONContentType(t *testing.T) {
	tests := []struct {
		contentType string
		want        bool
	}{
		{contentType: "application/json", want: true},
		{contentType: "application/json; charset=utf-8", want: true},
		{contentType: " application/json", want: true},
		{contentType: "text/plain", want: false},
		{contentType: "", want: false},
	}

	for _, tt := range tests {
		if got := hasJSONContentType(tt.contentType); got != tt.want {
			t.Errorf("hasJSONContentType(%q) = %v, want %v", tt.contentType, got, tt.want)
		}
	}
}

// Repository fakes. Each one implements just enough surface for the
// handlers under test.

type stubTransactor struct{}

func (stubTransactor) Transaction(_ context.Context, fn func(tx *sql.Tx) error) error { return fn(nil) }
func (stubTransactor) HealthCheck(context.Context) error                              { return nil }
func (stubTransactor) Stats() sql.DBStats                                             { return sql.DBStats{} }

type stubMetadata struct {
	datasets []*storage.Dataset
}

func (s *stubMetadata) InsertTx(context.Context, *sql.Tx, *storage.Dataset) error { return nil }
func (s *stubMetadata) DeleteTx(context.Context, *sql.Tx, string) error           { return nil }

func (s *stubMetadata) Get(_ context.Context, datasetID string) (*storage.Dataset, error) {
	for _, d := range s.datasets {
		if d.DatasetID == datasetID {
			return d, nil
		}
	}

	return nil, storage.ErrNotFound
}

func (s *stubMetadata) List(context.Context, string, string) ([]*storage.Dataset, error) {
	return s.datasets, nil
}

func (s *stubMetadata) UpdateStatus(context.Context, string, string) error { return nil }

type stubAnalytics struct {
	withData map[string]bool
}

func (s *stubAnalytics) RegisterDataset(context.Context, string) error   { return nil }
func (s *stubAnalytics) UnregisterDataset(context.Context, string) error { return nil }

func (s *stubAnalytics) DatasetStats(context.Context, string) (*analytics.DatasetStats, error) {
	return &analytics.DatasetStats{}, nil
}

func (s *stubAnalytics) HasData(_ context.Context, datasetID string) (bool, error) {
	return s.withData[datasetID], nil
}

func (s *stubAnalytics) TimeSeries(context.Context, string, string, string, int, int) ([]*analytics.Observation, error) {
	return nil, nil
}

func (s *stubAnalytics) ExecuteQuery(context.Context, string, ...any) ([]map[string]any, error) {
	return nil, nil
}

func (s *stubAnalytics) HealthCheck(context.Context) error { return nil }
func (s *stubAnalytics) Stats() *sql.DBStats               { return nil }

type stubAudit struct{}

func (stubAudit) Append(context.Context, *storage.AuditEntry) error            { return nil }
func (stubAudit) AppendTx(context.Context, *sql.Tx, *storage.AuditEntry) error { return nil }

type stubPreferences struct{}

func (stubPreferences) Upsert(context.Context, string, string, storage.PreferenceValue) error {
	return nil
}

func (stubPreferences) Get(context.Context, string, string) (storage.PreferenceValue, error) {
	return storage.PreferenceValue{}, storage.ErrNotFound
}

func testServer(t *testing.T, datasets ...*storage.Dataset) *Server {
	t.Helper()

	repo := repository.New(
		stubTransactor{},
		&stubMetadata{datasets: datasets},
		&stubAnalytics{withData: map[string]bool{}},
		stubAudit{},
		stubPreferences{},
		nil,
	)

	return NewServer(LoadServerConfig(), Dependencies{Repo: repo})
}

func readRequest(method, path string) *http.Request {
	req := httptest.NewRequest(method, path, nil)

	ctx := middleware.SetPrincipal(req.Context(), middleware.Principal{
		APIKeyID: "key-1",
		Scopes:   []string{"read"},
	})

	return req.WithContext(ctx)
}

func decodeEnvelope(t *testing.T, body []byte) map[string]any {
	t.Helper()

	var envelope map[string]any
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}

	return envelope
}

func TestPublicProbes(t *testing.T) {
	handler := testServer(t).Handler()

	t.Run("ping", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))

		if rec.Code != http.StatusOK || rec.Body.String() != "pong" {
			t.Errorf("got %d %q", rec.Code, rec.Body.String())
		}

		if rec.Header().Get("X-Process-Time") == "" {
			t.Error("missing X-Process-Time header")
		}

		if rec.Header().Get("X-Correlation-ID") == "" {
			t.Error("missing X-Correlation-ID header")
		}
	})

	t.Run("ready without a configured connection", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

		if rec.Code != http.StatusOK || rec.Body.String() != "ready" {
			t.Errorf("got %d %q", rec.Code, rec.Body.String())
		}
	})

	t.Run("unknown path", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))

		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d", rec.Code)
		}

		envelope := decodeEnvelope(t, rec.Body.Bytes())
		if envelope["error_code"] != CodeNotFound || envelope["success"] != false {
			t.Errorf("envelope = %v", envelope)
		}
	})
}

func TestHandleHealth(t *testing.T) {
	handler := testServer(t).Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var health HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("invalid body: %v", err)
	}

	if health.Status != "healthy" || health.ServiceName != "osservatorio" {
		t.Errorf("health = %+v", health)
	}
}

func TestProtectedEndpointsRequireAuth(t *testing.T) {
	handler := testServer(t).Handler()

	paths := []string{"/datasets", "/auth/token", "/analytics/usage", "/api/istat/status", "/odata/Datasets"}

	for _, path := range paths {
		t.Run(path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
			}

			envelope := decodeEnvelope(t, rec.Body.Bytes())
			if envelope["error_code"] != CodeUnauthorized {
				t.Errorf("error_code = %v", envelope["error_code"])
			}
		})
	}
}

func TestRequireScopeForbidden(t *testing.T) {
	server := testServer(t)

	// Admin-only endpoint with a read-scoped principal.
	rec := httptest.NewRecorder()
	server.handleListKeys(rec, readRequest(http.MethodGet, "/auth/keys"))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusForbidden)
	}

	envelope := decodeEnvelope(t, rec.Body.Bytes())
	if envelope["error_code"] != CodeForbidden {
		t.Errorf("error_code = %v", envelope["error_code"])
	}
}

func TestListDatasetsPaginationValidation(t *testing.T) {
	server := testServer(t)

	tests := []struct {
		name string
		path string
	}{
		{name: "page below one", path: "/datasets?page=0"},
		{name: "page not numeric", path: "/datasets?page=abc"},
		{name: "page_size zero", path: "/datasets?page_size=0"},
		{name: "page_size above cap", path: "/datasets?page_size=1001"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			server.handleListDatasets(rec, readRequest(http.MethodGet, tt.path))

			if rec.Code != http.StatusUnprocessableEntity {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnprocessableEntity)
			}

			envelope := decodeEnvelope(t, rec.Body.Bytes())
			if envelope["error_code"] != CodeValidationError {
				t.Errorf("error_code = %v", envelope["error_code"])
			}
		})
	}
}

func TestListDatasets(t *testing.T) {
	server := testServer(t,
		&storage.Dataset{DatasetID: "DCIS_POPRES1", Name: "Resident population", Category: "popolazione", Priority: 10, Status: storage.StatusActive},
		&storage.Dataset{DatasetID: "DCCN_PILN", Name: "GDP", Category: "economia", Priority: 9, Status: storage.StatusActive},
	)

	rec := httptest.NewRecorder()
	server.handleListDatasets(rec, readRequest(http.MethodGet, "/datasets"))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var response struct {
		Success    bool             `json:"success"`
		Data       []map[string]any `json:"data"`
		Pagination *pagination      `json:"pagination"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &response); err != nil {
		t.Fatalf("invalid body: %v", err)
	}

	if !response.Success || len(response.Data) != 2 {
		t.Fatalf("got success=%v rows=%d", response.Success, len(response.Data))
	}

	if response.Pagination == nil || response.Pagination.Total != 2 || response.Pagination.Page != 1 {
		t.Errorf("pagination = %+v", response.Pagination)
	}
}

func TestListDatasetsInvalidCategory(t *testing.T) {
	server := testServer(t)

	rec := httptest.NewRecorder()
	server.handleListDatasets(rec, readRequest(http.MethodGet, "/datasets?category=astrology"))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestGetDatasetInvalidID(t *testing.T) {
	server := testServer(t)

	req := readRequest(http.MethodGet, "/datasets/bad")
	req.SetPathValue("id", "dataset id")

	rec := httptest.NewRecorder()
	server.handleGetDataset(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}

	envelope := decodeEnvelope(t, rec.Body.Bytes())
	if envelope["error_code"] != CodeValidationError {
		t.Errorf("error_code = %v", envelope["error_code"])
	}

	details, ok := envelope["details"].(map[string]any)
	if !ok {
		t.Fatalf("details = %v", envelope["details"])
	}

	if details["provided"] != "dataset id" || details["corrected_suggestion"] != "DATASET_ID" {
		t.Errorf("details = %v", details)
	}
}

func TestGetDatasetNotFound(t *testing.T) {
	server := testServer(t)

	req := readRequest(http.MethodGet, "/datasets/DCIS_POPRES1")
	req.SetPathValue("id", "DCIS_POPRES1")

	rec := httptest.NewRecorder()
	server.handleGetDataset(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	envelope := decodeEnvelope(t, rec.Body.Bytes())
	if envelope["error_code"] != CodeNotFound {
		t.Errorf("error_code = %v", envelope["error_code"])
	}
}

func TestTimeSeriesBadYearParam(t *testing.T) {
	server := testServer(t)

	req := readRequest(http.MethodGet, "/datasets/DCIS_POPRES1/timeseries?start_year=never")
	req.SetPathValue("id", "DCIS_POPRES1")

	rec := httptest.NewRecorder()
	server.handleTimeSeries(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnprocessableEntity)
	}
}
