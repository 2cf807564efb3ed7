package istat

import (
	"fmt"

	"github.com/osservatorio-istat/osservatorio/internal/analytics"
)

// QualityResult summarizes data quality checks over a fetched dataset.
// Completeness and the overall score are fractions in [0, 1].
type QualityResult struct {
	DatasetID        string   `json:"dataset_id"`
	RecordCount      int      `json:"record_count"`
	Completeness     float64  `json:"completeness"`
	Consistent       bool     `json:"consistent"`
	ValidationErrors []string `json:"validation_errors"`
	QualityScore     float64  `json:"quality_score"`
}

// ValidateQuality computes completeness (fraction of non-null observation
// values), consistency (no duplicate natural keys), and an overall score.
// The score averages completeness with a 0/1 consistency term.
func ValidateQuality(datasetID string, observations []*analytics.Observation) *QualityResult {
	result := &QualityResult{
		DatasetID:        datasetID,
		RecordCount:      len(observations),
		ValidationErrors: []string{},
	}

	if len(observations) == 0 {
		result.ValidationErrors = append(result.ValidationErrors, "dataset has no observations")

		return result
	}

	nonNull := 0
	seen := map[string]bool{}
	duplicates := 0

	for _, obs := range observations {
		if obs.ObsValue != nil {
			nonNull++
		}

		key := obs.TimePeriod + "\x00" + obs.TerritoryCode + "\x00" + obs.MeasureCode
		if seen[key] {
			duplicates++
		}

		seen[key] = true

		if obs.TimePeriod == "" {
			result.ValidationErrors = append(result.ValidationErrors, "observation missing time period")
		}
	}

	result.Completeness = float64(nonNull) / float64(len(observations))
	result.Consistent = duplicates == 0

	if duplicates > 0 {
		result.ValidationErrors = append(result.ValidationErrors,
			fmt.Sprintf("%d duplicate (time, territory, measure) keys", duplicates))
	}

	consistencyTerm := 0.0
	if result.Consistent {
		consistencyTerm = 1.0
	}

	result.QualityScore = (result.Completeness + consistencyTerm) / 2

	return result
}
