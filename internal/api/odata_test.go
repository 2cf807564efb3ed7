package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"
	"strings"
	"testing"

	"github.com/osservatorio-istat/osservatorio/internal/api/middleware"
	"github.com/osservatorio-istat/osservatorio/internal/query"
)

func TestParseODataOptions(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		wantErr bool
		check   func(t *testing.T, opts *odataOptions)
	}{
		{
			name:  "paging and count",
			query: "$top=10&$skip=5&$count=true",
			check: func(t *testing.T, opts *odataOptions) {
				if opts.Top != 10 || opts.Skip != 5 || !opts.Count {
					t.Errorf("got top=%d skip=%d count=%v", opts.Top, opts.Skip, opts.Count)
				}
			},
		},
		{
			name:  "absent top stays unset",
			query: "",
			check: func(t *testing.T, opts *odataOptions) {
				if opts.Top != -1 {
					t.Errorf("Top = %d, want -1", opts.Top)
				}
			},
		},
		{
			name:  "zero top allowed",
			query: "$top=0",
			check: func(t *testing.T, opts *odataOptions) {
				if opts.Top != 0 {
					t.Errorf("Top = %d, want 0", opts.Top)
				}
			},
		},
		{name: "negative top", query: "$top=-1", wantErr: true},
		{name: "non-numeric skip", query: "$skip=abc", wantErr: true},
		{name: "invalid count", query: "$count=yes", wantErr: true},
		{
			name:  "select list",
			query: "$select=DatasetId,ObsValue",
			check: func(t *testing.T, opts *odataOptions) {
				want := []string{"DatasetId", "ObsValue"}
				if !reflect.DeepEqual(opts.Select, want) {
					t.Errorf("Select = %v, want %v", opts.Select, want)
				}
			},
		},
		{name: "select unknown property", query: "$select=Nope", wantErr: true},
		{
			name:  "orderby desc",
			query: "$orderby=Year+desc",
			check: func(t *testing.T, opts *odataOptions) {
				if opts.OrderBy != "Year" || !opts.OrderDesc {
					t.Errorf("got orderby=%q desc=%v", opts.OrderBy, opts.OrderDesc)
				}
			},
		},
		{
			name:  "orderby default ascending",
			query: "$orderby=Year",
			check: func(t *testing.T, opts *odataOptions) {
				if opts.OrderBy != "Year" || opts.OrderDesc {
					t.Errorf("got orderby=%q desc=%v", opts.OrderBy, opts.OrderDesc)
				}
			},
		},
		{name: "orderby bad direction", query: "$orderby=Year+down", wantErr: true},
		{name: "orderby unknown property", query: "$orderby=Nope", wantErr: true},
		{
			name:  "filter conjunction",
			query: "$filter=" + url.QueryEscape("DatasetId eq 'DCIS_POPRES1' and Year ge 2020"),
			check: func(t *testing.T, opts *odataOptions) {
				want := []odataClause{
					{Property: "DatasetId", Op: "eq", Value: "DCIS_POPRES1"},
					{Property: "Year", Op: "ge", Value: float64(2020)},
				}
				if !reflect.DeepEqual(opts.Filter, want) {
					t.Errorf("Filter = %+v, want %+v", opts.Filter, want)
				}
			},
		},
		{
			name:  "contains clause",
			query: "$filter=" + url.QueryEscape("contains(TerritoryName,'Lomb')"),
			check: func(t *testing.T, opts *odataOptions) {
				want := []odataClause{{Property: "TerritoryName", Op: "contains", Value: "Lomb"}}
				if !reflect.DeepEqual(opts.Filter, want) {
					t.Errorf("Filter = %+v, want %+v", opts.Filter, want)
				}
			},
		},
		{
			name:  "quoted literal keeps embedded and",
			query: "$filter=" + url.QueryEscape("TerritoryName eq 'Trentino and South Tyrol'"),
			check: func(t *testing.T, opts *odataOptions) {
				if len(opts.Filter) != 1 {
					t.Fatalf("got %d clauses, want 1", len(opts.Filter))
				}

				if opts.Filter[0].Value != "Trentino and South Tyrol" {
					t.Errorf("Value = %v", opts.Filter[0].Value)
				}
			},
		},
		{
			name:  "escaped quote in literal",
			query: "$filter=" + url.QueryEscape("TerritoryName eq 'Valle d''Aosta'"),
			check: func(t *testing.T, opts *odataOptions) {
				if opts.Filter[0].Value != "Valle d'Aosta" {
					t.Errorf("Value = %v", opts.Filter[0].Value)
				}
			},
		},
		{name: "unsupported operator", query: "$filter=" + url.QueryEscape("Year in 2020"), wantErr: true},
		{name: "or is not supported", query: "$filter=" + url.QueryEscape("Year eq 2020 or Year eq 2021"), wantErr: true},
		{name: "unknown filter property", query: "$filter=" + url.QueryEscape("Nope eq 1"), wantErr: true},
		{name: "unterminated literal", query: "$filter=" + url.QueryEscape("DatasetId eq 'DCIS"), wantErr: true},
		{name: "contains numeric literal", query: "$filter=" + url.QueryEscape("contains(TerritoryName,5)"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			values, err := url.ParseQuery(tt.query)
			if err != nil {
				t.Fatalf("ParseQuery: %v", err)
			}

			opts, err := parseODataOptions(values, odataObservationProperties)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseODataOptions() error = %v, wantErr %v", err, tt.wantErr)
			}

			if tt.check != nil {
				tt.check(t, opts)
			}
		})
	}
}

func TestSplitTopLevelAnd(t *testing.T) {
	got := splitTopLevelAnd("Name eq 'a and b' and Year gt 2020")

	want := []string{"Name eq 'a and b'", "Year gt 2020"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("splitTopLevelAnd() = %q, want %q", got, want)
	}
}

func TestEvaluateODataOptions(t *testing.T) {
	rows := []map[string]any{
		{"TerritoryCode": "IT-25", "TerritoryName": "Lombardia", "Population": 9950742},
		{"TerritoryCode": "IT-62", "TerritoryName": "Lazio", "Population": 5720272},
		{"TerritoryCode": "IT-72", "TerritoryName": "Campania", "Population": 5590681},
		{"TerritoryCode": "IT-21", "TerritoryName": "Piemonte", "Population": 4240736},
	}

	opts := &odataOptions{
		Top:       2,
		Skip:      1,
		Count:     true,
		OrderBy:   "TerritoryCode",
		OrderDesc: false,
		Filter: []odataClause{
			{Property: "Population", Op: "gt", Value: float64(5000000)},
		},
		Select: []string{"TerritoryCode"},
	}

	page, total := evaluateODataOptions(rows, opts)

	if total != 3 {
		t.Errorf("total = %d, want 3", total)
	}

	want := []map[string]any{
		{"TerritoryCode": "IT-62"},
		{"TerritoryCode": "IT-72"},
	}
	if !reflect.DeepEqual(page, want) {
		t.Errorf("page = %v, want %v", page, want)
	}
}

func TestEvaluateODataOptionsContains(t *testing.T) {
	rows := []map[string]any{
		{"TerritoryName": "Lombardia"},
		{"TerritoryName": "Lazio"},
	}

	opts := &odataOptions{
		Top:    -1,
		Filter: []odataClause{{Property: "TerritoryName", Op: "contains", Value: "lomb"}},
	}

	page, total := evaluateODataOptions(rows, opts)
	if total != 1 || len(page) != 1 || page[0]["TerritoryName"] != "Lombardia" {
		t.Errorf("got page=%v total=%d", page, total)
	}
}

func TestEvaluateODataOptionsSkipPastEnd(t *testing.T) {
	rows := []map[string]any{{"TerritoryName": "Lazio"}}

	page, total := evaluateODataOptions(rows, &odataOptions{Top: -1, Skip: 10})
	if total != 1 || len(page) != 0 {
		t.Errorf("got page=%v total=%d", page, total)
	}
}

func TestObservationsBuilder(t *testing.T) {
	values, err := url.ParseQuery("$filter=" + url.QueryEscape("DatasetId eq 'DCIS_POPRES1' and Year ge 2020") +
		"&$select=DatasetId,ObsValue&$orderby=" + url.QueryEscape("Year desc") + "&$top=10&$skip=5")
	if err != nil {
		t.Fatalf("ParseQuery: %v", err)
	}

	opts, err := parseODataOptions(values, odataObservationProperties)
	if err != nil {
		t.Fatalf("parseODataOptions: %v", err)
	}

	builder, err := observationsBuilder(opts)
	if err != nil {
		t.Fatalf("observationsBuilder: %v", err)
	}

	sql, params, err := builder.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	wantSQL := "SELECT dataset_id, obs_value FROM istat.istat_observations" +
		" WHERE dataset_id = $1 AND year >= $2 ORDER BY year DESC LIMIT 10 OFFSET 5"
	if sql != wantSQL {
		t.Errorf("sql = %q, want %q", sql, wantSQL)
	}

	wantParams := []any{"DCIS_POPRES1", float64(2020)}
	if !reflect.DeepEqual(params, wantParams) {
		t.Errorf("params = %v, want %v", params, wantParams)
	}
}

func TestObservationsBuilderContains(t *testing.T) {
	opts := &odataOptions{
		Top: -1,
		Filter: []odataClause{
			{Property: "DatasetId", Op: "eq", Value: "DCIS_POPRES1"},
			{Property: "TerritoryName", Op: "contains", Value: "50%_raw"},
		},
	}

	builder, err := observationsBuilder(opts)
	if err != nil {
		t.Fatalf("observationsBuilder: %v", err)
	}

	sql, params, err := builder.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if !strings.Contains(sql, "territory_name ILIKE $2") {
		t.Errorf("sql = %q, want ILIKE condition", sql)
	}

	if params[1] != `%50\%\_raw%` {
		t.Errorf("pattern = %q", params[1])
	}
}

// odataExecutor serves canned rows and records the SQL it received.
type odataExecutor struct {
	rows    []map[string]any
	queries []string
}

func (e *odataExecutor) ExecuteQuery(_ context.Context, sql string, _ ...any) ([]map[string]any, error) {
	e.queries = append(e.queries, sql)

	if strings.Contains(sql, "COUNT(*)") {
		return []map[string]any{{"count": int64(len(e.rows))}}, nil
	}

	return e.rows, nil
}

func odataTestServer(executor *odataExecutor) *Server {
	cfg := LoadServerConfig()

	return NewServer(cfg, Dependencies{
		Runner: query.NewRunner(executor, nil),
	})
}

func odataRequest(path string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, path, nil)

	ctx := middleware.SetPrincipal(req.Context(), middleware.Principal{
		APIKeyID: "key-1",
		Scopes:   []string{"read"},
	})

	return req.WithContext(ctx)
}

func TestHandleODataObservationsRequiresDatasetFilter(t *testing.T) {
	server := odataTestServer(&odataExecutor{})

	tests := []struct {
		name string
		path string
	}{
		{name: "no filter", path: "/odata/Observations"},
		{name: "filter without dataset", path: "/odata/Observations?$filter=" + url.QueryEscape("Year ge 2020")},
		{name: "dataset with wrong operator", path: "/odata/Observations?$filter=" + url.QueryEscape("DatasetId ne 'X12'")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			server.handleODataObservations(rec, odataRequest(tt.path))

			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
			}

			var envelope map[string]any
			if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
				t.Fatalf("invalid error body: %v", err)
			}

			if envelope["error_code"] != CodeValidationError {
				t.Errorf("error_code = %v, want %v", envelope["error_code"], CodeValidationError)
			}
		})
	}
}

func TestHandleODataObservations(t *testing.T) {
	value := 59.4
	executor := &odataExecutor{rows: []map[string]any{
		{
			"dataset_id":     "DCIS_POPRES1",
			"year":           int64(2023),
			"time_period":    "2023",
			"territory_code": "IT",
			"territory_name": "Italia",
			"measure_code":   "POP",
			"measure_name":   "Population",
			"obs_value":      value,
			"obs_status":     "A",
		},
	}}

	server := odataTestServer(executor)

	path := "/odata/Observations?$count=true&$filter=" + url.QueryEscape("DatasetId eq 'DCIS_POPRES1'")

	rec := httptest.NewRecorder()
	server.handleODataObservations(rec, odataRequest(path))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var response struct {
		Context string           `json:"@odata.context"`
		Count   *int             `json:"@odata.count"`
		Value   []map[string]any `json:"value"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &response); err != nil {
		t.Fatalf("invalid body: %v", err)
	}

	if response.Context != "/odata/$metadata#Observations" {
		t.Errorf("@odata.context = %q", response.Context)
	}

	if response.Count == nil || *response.Count != 1 {
		t.Errorf("@odata.count = %v, want 1", response.Count)
	}

	if len(response.Value) != 1 {
		t.Fatalf("got %d rows, want 1", len(response.Value))
	}

	row := response.Value[0]
	if row["DatasetId"] != "DCIS_POPRES1" || row["TerritoryName"] != "Italia" {
		t.Errorf("row = %v", row)
	}

	if _, leaked := row["dataset_id"]; leaked {
		t.Error("column names leaked into the OData row")
	}

	// One page query plus one count rewrite.
	if len(executor.queries) != 2 {
		t.Errorf("executed %d queries, want 2", len(executor.queries))
	}
}

func TestHandleODataServiceDocument(t *testing.T) {
	server := odataTestServer(&odataExecutor{})

	rec := httptest.NewRecorder()
	server.handleODataServiceDocument(rec, odataRequest("/odata/"))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var response struct {
		Context string              `json:"@odata.context"`
		Value   []map[string]string `json:"value"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &response); err != nil {
		t.Fatalf("invalid body: %v", err)
	}

	if response.Context != "/odata/$metadata" {
		t.Errorf("@odata.context = %q", response.Context)
	}

	names := make([]string, len(response.Value))
	for i, set := range response.Value {
		names[i] = set["name"]
	}

	want := []string{"Datasets", "Observations", "Territories", "Measures"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("entity sets = %v, want %v", names, want)
	}
}

func TestHandleODataMetadata(t *testing.T) {
	server := odataTestServer(&odataExecutor{})

	rec := httptest.NewRecorder()
	server.handleODataMetadata(rec, odataRequest("/odata/$metadata"))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	if ct := rec.Header().Get("Content-Type"); ct != "application/xml" {
		t.Errorf("Content-Type = %q", ct)
	}

	body := rec.Body.String()
	for _, entitySet := range []string{"Datasets", "Observations", "Territories", "Measures"} {
		if !strings.Contains(body, `EntitySet Name="`+entitySet+`"`) {
			t.Errorf("metadata missing entity set %s", entitySet)
		}
	}
}

func TestHandleODataUnauthenticated(t *testing.T) {
	server := odataTestServer(&odataExecutor{})

	rec := httptest.NewRecorder()
	server.handleODataDatasets(rec, httptest.NewRequest(http.MethodGet, "/odata/Datasets", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}
