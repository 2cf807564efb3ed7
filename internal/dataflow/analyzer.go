// Package dataflow analyzes ISTAT SDMX dataflows: categorization against
// keyword rules, optional upstream access probes, and Tableau readiness
// suggestions.
package dataflow

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/osservatorio-istat/osservatorio/internal/istat"
	"github.com/osservatorio-istat/osservatorio/internal/storage"
)

const (
	// maxBulkIDs caps one bulk analysis call.
	maxBulkIDs = 50

	// Concurrency bounds for bulk probes.
	minConcurrent     = 1
	maxConcurrent     = 10
	defaultConcurrent = 5

	defaultProbeTimeout = 5 * time.Second

	// Connection type size thresholds.
	directLimitBytes = 5 << 20  // 5 MB
	sheetsLimitBytes = 50 << 20 // 50 MB
)

// Connection types suggested by size.
const (
	ConnectionDirect  = "direct"
	ConnectionSheets  = "sheets_import"
	ConnectionExtract = "extract"
)

// ErrTooManyIDs is returned when a bulk call exceeds the ID cap.
var ErrTooManyIDs = fmt.Errorf("bulk analysis accepts at most %d dataflow ids", maxBulkIDs)

// refreshFrequencies maps categories to suggested Tableau refresh cadences.
var refreshFrequencies = map[string]string{
	storage.CategoryPopolazione: "monthly",
	storage.CategoryEconomia:    "quarterly",
	storage.CategoryLavoro:      "monthly",
	storage.CategoryTerritorio:  "yearly",
	storage.CategoryIstruzione:  "yearly",
	storage.CategorySalute:      "quarterly",
}

const defaultRefreshFrequency = "quarterly"

// ProbeResult captures one upstream data access test.
type ProbeResult struct {
	Success           bool  `json:"success"`
	StatusCode        int   `json:"status_code"`
	SizeBytes         int64 `json:"size_bytes"`
	ObservationsCount int   `json:"observations_count"`
	ParseError        bool  `json:"parse_error"`
}

// Analysis is the categorization and readiness report for one dataflow.
type Analysis struct {
	DataflowID       string       `json:"dataflow_id"`
	DisplayName      string       `json:"display_name"`
	Category         string       `json:"category"`
	RelevanceScore   int          `json:"relevance_score"`
	MatchedRuleID    string       `json:"matched_rule_id,omitempty"`
	DataAccess       *ProbeResult `json:"data_access,omitempty"`
	TableauReady     bool         `json:"tableau_ready"`
	ConnectionType   string       `json:"connection_type,omitempty"`
	RefreshFrequency string       `json:"refresh_frequency"`
}

// RuleProvider supplies the active categorization rules. The rules service
// satisfies it.
type RuleProvider interface {
	ActiveRules(ctx context.Context) []*storage.CategorizationRule
}

// Analyzer categorizes dataflows and probes upstream data access.
type Analyzer struct {
	rules        RuleProvider
	http         *http.Client
	baseURL      string
	probeTimeout time.Duration
	maxBytes     int64
}

// NewAnalyzer creates an analyzer probing against the given SDMX base URL.
func NewAnalyzer(rules RuleProvider, baseURL string, maxBytes int64) *Analyzer {
	return &Analyzer{
		rules:        rules,
		http:         &http.Client{},
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		probeTimeout: defaultProbeTimeout,
		maxBytes:     maxBytes,
	}
}

// AnalyzeXML parses an SDMX dataflows document and analyzes every dataflow
// in it. Probes run only when includeTests is set.
func (a *Analyzer) AnalyzeXML(ctx context.Context, r io.Reader, includeTests bool) ([]*Analysis, error) {
	dataflows, err := istat.ParseDataflows(r, a.maxBytes)
	if err != nil {
		return nil, err
	}

	rules := orderRules(a.rules.ActiveRules(ctx))
	results := make([]*Analysis, 0, len(dataflows))

	for _, flow := range dataflows {
		results = append(results, a.analyzeOne(ctx, flow, rules, includeTests))
	}

	return results, nil
}

// AnalyzeBulk analyzes dataflows by ID, at most maxBulkIDs per call, running
// up to concurrent probes simultaneously. Result order follows the input.
func (a *Analyzer) AnalyzeBulk(ctx context.Context, ids []string, includeTests bool, concurrent int) ([]*Analysis, error) {
	if len(ids) == 0 {
		return []*Analysis{}, nil
	}

	if len(ids) > maxBulkIDs {
		return nil, ErrTooManyIDs
	}

	if concurrent < minConcurrent || concurrent > maxConcurrent {
		concurrent = defaultConcurrent
	}

	rules := orderRules(a.rules.ActiveRules(ctx))
	results := make([]*Analysis, len(ids))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(concurrent)

	for i, id := range ids {
		group.Go(func() error {
			flow := &istat.Dataflow{ID: id}
			results[i] = a.analyzeOne(groupCtx, flow, rules, includeTests)

			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}

	return results, nil
}

func (a *Analyzer) analyzeOne(ctx context.Context, flow *istat.Dataflow, rules []*storage.CategorizationRule, includeTests bool) *Analysis {
	analysis := &Analysis{
		DataflowID:  flow.ID,
		DisplayName: flow.DisplayName(),
	}

	analysis.Category, analysis.RelevanceScore, analysis.MatchedRuleID = Categorize(flow, rules)
	analysis.RefreshFrequency = RefreshFrequency(analysis.Category)

	if includeTests {
		probe := a.probe(ctx, flow.ID)
		analysis.DataAccess = probe
		analysis.TableauReady = probe.Success && !probe.ParseError
		analysis.ConnectionType = ConnectionType(probe.SizeBytes)
	}

	return analysis
}

// Categorize runs the rules in descending priority order and assigns the
// first rule with any keyword appearing in the dataflow's display name or
// description. The relevance score sums the lengths of every matched keyword
// of the winning rule. No match yields (altri, 0).
func Categorize(flow *istat.Dataflow, rules []*storage.CategorizationRule) (string, int, string) {
	haystack := strings.ToLower(flow.DisplayName() + " " + flow.Description)

	for _, rule := range rules {
		score := 0

		for _, keyword := range rule.Keywords {
			if strings.Contains(haystack, keyword) {
				score += len(keyword)
			}
		}

		if score > 0 {
			return rule.Category, score, rule.RuleID
		}
	}

	return storage.CategoryAltri, 0, ""
}

// ConnectionType suggests how Tableau should connect given the payload size:
// small payloads connect directly, medium ones import into sheets, large
// ones use extracts.
func ConnectionType(sizeBytes int64) string {
	switch {
	case sizeBytes <= directLimitBytes:
		return ConnectionDirect
	case sizeBytes <= sheetsLimitBytes:
		return ConnectionSheets
	default:
		return ConnectionExtract
	}
}

// RefreshFrequency suggests a refresh cadence for the category.
func RefreshFrequency(category string) string {
	if freq, ok := refreshFrequencies[category]; ok {
		return freq
	}

	return defaultRefreshFrequency
}

// probe tests upstream data access for one dataflow with a short timeout,
// capturing status, payload size, and whether the payload parses.
func (a *Analyzer) probe(ctx context.Context, dataflowID string) *ProbeResult {
	result := &ProbeResult{}

	probeCtx, cancel := context.WithTimeout(ctx, a.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, a.baseURL+"/data/"+dataflowID, nil)
	if err != nil {
		return result
	}

	req.Header.Set("Accept", "application/xml")

	resp, err := a.http.Do(req)
	if err != nil {
		return result
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	result.StatusCode = resp.StatusCode
	if resp.StatusCode != http.StatusOK {
		return result
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, a.maxBytes))
	if err != nil {
		return result
	}

	result.Success = true
	result.SizeBytes = int64(len(body))

	observations, err := istat.ParseObservations(bytes.NewReader(body), dataflowID, a.maxBytes)
	if err != nil {
		result.ParseError = true

		return result
	}

	result.ObservationsCount = len(observations)

	return result
}

// orderRules sorts rules by descending priority, ties broken by rule ID.
func orderRules(rules []*storage.CategorizationRule) []*storage.CategorizationRule {
	ordered := make([]*storage.CategorizationRule, len(rules))
	copy(ordered, rules)

	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority > ordered[j].Priority
		}

		return ordered[i].RuleID < ordered[j].RuleID
	})

	return ordered
}
