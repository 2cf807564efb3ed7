package istat

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/osservatorio-istat/osservatorio/internal/analytics"
)

func testConfig(baseURL string) *Config {
	return &Config{
		BaseURL:          baseURL,
		UpstreamTimeout:  2 * time.Second,
		RetryMaxAttempts: 3,
		BreakerThreshold: 5,
		BreakerCooldown:  50 * time.Millisecond,
		RequestsPerMin:   6000,
		MaxConcurrent:    10,
		MaxResponseBytes: 1 << 20,
	}
}

func TestFetchDataflowsFromUpstream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(dataflowsXML))
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL))

	result, err := client.FetchDataflows(context.Background(), 10)
	if err != nil {
		t.Fatalf("FetchDataflows() error: %v", err)
	}

	if result.Source != SourceUpstream {
		t.Errorf("Source = %q, want upstream", result.Source)
	}

	if len(result.Dataflows) != 3 {
		t.Errorf("Dataflows = %d, want 3", len(result.Dataflows))
	}

	t.Run("limit truncates", func(t *testing.T) {
		result, err := client.FetchDataflows(context.Background(), 2)
		if err != nil {
			t.Fatalf("FetchDataflows() error: %v", err)
		}

		if len(result.Dataflows) != 2 {
			t.Errorf("Dataflows = %d, want 2", len(result.Dataflows))
		}
	})
}

func TestFetchDataflowsLimitValidation(t *testing.T) {
	client := NewClient(testConfig("http://unused"))

	for _, limit := range []int{0, -1, 101} {
		if _, err := client.FetchDataflows(context.Background(), limit); !errors.Is(err, ErrDataflowLimit) {
			t.Errorf("FetchDataflows(limit=%d) error = %v, want ErrDataflowLimit", limit, err)
		}
	}
}

func TestFetchCapsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		current := inFlight.Add(1)
		defer inFlight.Add(-1)

		for {
			seen := peak.Load()
			if current <= seen || peak.CompareAndSwap(seen, current) {
				break
			}
		}

		time.Sleep(20 * time.Millisecond)
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.MaxConcurrent = 2

	client := NewClient(cfg)

	var wg sync.WaitGroup

	for i := 0; i < 6; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			if _, _, _, err := client.fetch(context.Background(), "/x"); err != nil {
				t.Errorf("fetch() error: %v", err)
			}
		}()
	}

	wg.Wait()

	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrent upstream requests = %d, want at most 2", got)
	}
}

func TestFetchRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)

			return
		}

		_, _ = w.Write([]byte(dataflowsXML))
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL))

	result, err := client.FetchDataflows(context.Background(), 10)
	if err != nil {
		t.Fatalf("FetchDataflows() error after retries: %v", err)
	}

	if result.Source != SourceUpstream {
		t.Errorf("Source = %q, want upstream", result.Source)
	}

	if calls.Load() != 3 {
		t.Errorf("upstream called %d times, want 3 (two failures then success)", calls.Load())
	}
}

func TestFetchDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL))

	if _, err := client.FetchDataset(context.Background(), "MISSING", false); !errors.Is(err, ErrUpstreamUnavailable) {
		t.Errorf("FetchDataset() error = %v, want ErrUpstreamUnavailable", err)
	}

	if calls.Load() != 1 {
		t.Errorf("upstream called %d times, want 1 (404 is permanent)", calls.Load())
	}
}

func TestFetchCacheFallback(t *testing.T) {
	var failing atomic.Bool

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)

			return
		}

		_, _ = w.Write([]byte(dataflowsXML))
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL))
	ctx := context.Background()

	if _, err := client.FetchDataflows(ctx, 10); err != nil {
		t.Fatalf("warm-up fetch error: %v", err)
	}

	failing.Store(true)

	result, err := client.FetchDataflows(ctx, 10)
	if err != nil {
		t.Fatalf("FetchDataflows() should fall back to cache, got error: %v", err)
	}

	if result.Source != SourceCacheFallback {
		t.Errorf("Source = %q, want cache_fallback", result.Source)
	}

	if len(result.Dataflows) != 3 {
		t.Errorf("cached Dataflows = %d, want 3", len(result.Dataflows))
	}

	status := client.Status()
	if status.CacheFallbacks != 1 {
		t.Errorf("CacheFallbacks = %d, want 1", status.CacheFallbacks)
	}
}

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	var failing atomic.Bool

	failing.Store(true)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)

			return
		}

		_, _ = w.Write([]byte(dataflowsXML))
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.BreakerThreshold = 2
	cfg.RetryMaxAttempts = 1

	client := NewClient(cfg)
	ctx := context.Background()

	// Drive the breaker open with consecutive failures.
	for range 3 {
		_, _ = client.FetchDataset(ctx, "D1", false)
	}

	if state := client.Status().BreakerState; state != "open" {
		t.Fatalf("BreakerState = %q, want open", state)
	}

	// While open, a fresh path fails fast with ErrCircuitOpen (no cache).
	if _, err := client.FetchDataset(ctx, "D2", false); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("FetchDataset() error = %v, want ErrCircuitOpen", err)
	}

	// After the cooldown a half-open probe succeeds and closes the breaker.
	failing.Store(false)
	time.Sleep(cfg.BreakerCooldown + 20*time.Millisecond)

	if _, err := client.FetchDataset(ctx, "D3", false); err != nil {
		t.Fatalf("FetchDataset() after cooldown error: %v", err)
	}

	if state := client.Status().BreakerState; state != "closed" {
		t.Errorf("BreakerState = %q, want closed after successful probe", state)
	}
}

type fakeSink struct {
	table    string
	received []*analytics.Observation
	err      error
}

func (f *fakeSink) BulkInsert(_ context.Context, table string, observations []*analytics.Observation) (int, error) {
	f.table = table
	f.received = observations

	if f.err != nil {
		return 0, f.err
	}

	return len(observations), nil
}

type fakeRecorder struct {
	datasetID string
	records   int
	err       error
}

func (f *fakeRecorder) UpdateSyncStats(_ context.Context, datasetID string, recordsSynced int, _ time.Time) error {
	f.datasetID = datasetID
	f.records = recordsSynced

	return f.err
}

func TestSyncToRepository(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(genericDataXML))
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL))
	sink := &fakeSink{}
	recorder := &fakeRecorder{}

	result, err := client.SyncToRepository(context.Background(), "DCIS_POPRES1", sink, recorder)
	if err != nil {
		t.Fatalf("SyncToRepository() error: %v", err)
	}

	if result.RecordsSynced != 3 {
		t.Errorf("RecordsSynced = %d, want 3", result.RecordsSynced)
	}

	if sink.table != "istat_observations" {
		t.Errorf("sink table = %q", sink.table)
	}

	if recorder.datasetID != "DCIS_POPRES1" || recorder.records != 3 {
		t.Errorf("recorder got %q / %d", recorder.datasetID, recorder.records)
	}

	if result.Quality == nil {
		t.Fatal("sync should attach a quality report")
	}
}

func TestSyncToRepositoryMetadataFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(genericDataXML))
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL))
	sink := &fakeSink{}
	recorder := &fakeRecorder{err: errors.New("metadata store down")}

	result, err := client.SyncToRepository(context.Background(), "DCIS_POPRES1", sink, recorder)
	if err == nil {
		t.Fatal("SyncToRepository() should surface the metadata failure")
	}

	// Partial success still reports the records written to analytics.
	if result == nil || result.RecordsSynced != 3 {
		t.Errorf("result = %+v, want RecordsSynced=3 on partial success", result)
	}
}

func TestStatusSnapshot(t *testing.T) {
	client := NewClient(testConfig("http://unused"))

	status := client.Status()
	if status.BreakerState != "closed" {
		t.Errorf("BreakerState = %q, want closed at startup", status.BreakerState)
	}

	if status.Requests != 0 || status.Failures != 0 {
		t.Errorf("fresh client counters = %+v", status)
	}

	if status.RetryAttempts != 3 {
		t.Errorf("RetryAttempts = %d, want 3", status.RetryAttempts)
	}
}
