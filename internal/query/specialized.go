package query

// The observations table reference used by the specialized builders.
const observationsTable = "istat.istat_observations"

// SelectTimeSeries builds the canonical time-series query for one dataset:
// all observation coordinates ordered by time period.
func SelectTimeSeries(datasetID string) *Builder {
	return New().
		Select("dataset_id", "year", "time_period", "territory_code", "territory_name", "measure_code", "measure_name", "obs_value", "obs_status").
		FromTable(observationsTable).
		Where("dataset_id", OpEq, datasetID).
		OrderBy("time_period", "ASC").
		OrderBy("territory_code", "ASC")
}

// SelectTerritoryComparison builds a cross-territory comparison for one
// measure in one year, ordered by value descending.
func SelectTerritoryComparison(measureCode string, year int) *Builder {
	return New().
		Select("territory_code", "territory_name", "obs_value").
		FromTable(observationsTable).
		Where("measure_code", OpEq, measureCode).
		Where("year", OpEq, year).
		WhereNotNull("obs_value").
		OrderBy("obs_value", "DESC")
}

// SelectCategoryTrends builds a yearly aggregate over the observations of
// the given datasets, typically the members of one category resolved from
// the metadata catalog. Building with an empty list fails validation.
func SelectCategoryTrends(datasetIDs []string) *Builder {
	values := make([]any, len(datasetIDs))
	for i, id := range datasetIDs {
		values[i] = id
	}

	return New().
		Select("year", "AVG(obs_value) AS avg_value", "COUNT(*) AS observation_count").
		FromTable(observationsTable).
		WhereIn("dataset_id", values).
		GroupBy("year").
		OrderBy("year", "ASC")
}

// YearRange narrows a builder to an inclusive year interval.
func YearRange(b *Builder, start, end int) *Builder {
	return b.WhereBetween("year", start, end)
}

// Territories narrows a builder to a territory code list.
func Territories(b *Builder, codes []string) *Builder {
	values := make([]any, len(codes))
	for i, c := range codes {
		values[i] = c
	}

	return b.WhereIn("territory_code", values)
}
