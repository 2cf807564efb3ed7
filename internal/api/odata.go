// Package api provides the HTTP API server for the Osservatorio service.
package api

import (
	"net/http"
	"strings"

	"github.com/osservatorio-istat/osservatorio/internal/query"
	"github.com/osservatorio-istat/osservatorio/internal/storage"
)

const (
	odataObservationsTable = "istat.istat_observations"
	odataMetadataPath      = "/odata/$metadata"
)

// Entity set property maps: OData property name to store column.
var (
	odataDatasetProperties = map[string]string{
		"DatasetId":   "dataset_id",
		"Name":        "name",
		"Category":    "category",
		"Description": "description",
		"Agency":      "agency",
		"Priority":    "priority",
		"Status":      "status",
	}

	odataObservationProperties = map[string]string{
		"DatasetId":     "dataset_id",
		"Year":          "year",
		"TimePeriod":    "time_period",
		"TerritoryCode": "territory_code",
		"TerritoryName": "territory_name",
		"MeasureCode":   "measure_code",
		"MeasureName":   "measure_name",
		"ObsValue":      "obs_value",
		"ObsStatus":     "obs_status",
	}

	odataTerritoryProperties = map[string]string{
		"TerritoryCode": "territory_code",
		"TerritoryName": "territory_name",
	}

	odataMeasureProperties = map[string]string{
		"MeasureCode": "measure_code",
		"MeasureName": "measure_name",
	}
)

// odataCSDL is the static $metadata document for the four entity sets.
const odataCSDL = `<?xml version="1.0" encoding="utf-8"?>
<edmx:Edmx xmlns:edmx="http://docs.oasis-open.org/odata/ns/edmx" Version="4.0">
  <edmx:DataServices>
    <Schema xmlns="http://docs.oasis-open.org/odata/ns/edm" Namespace="Osservatorio">
      <EntityType Name="Dataset">
        <Key><PropertyRef Name="DatasetId"/></Key>
        <Property Name="DatasetId" Type="Edm.String" Nullable="false"/>
        <Property Name="Name" Type="Edm.String"/>
        <Property Name="Category" Type="Edm.String"/>
        <Property Name="Description" Type="Edm.String"/>
        <Property Name="Agency" Type="Edm.String"/>
        <Property Name="Priority" Type="Edm.Int32"/>
        <Property Name="Status" Type="Edm.String"/>
      </EntityType>
      <EntityType Name="Observation">
        <Key>
          <PropertyRef Name="DatasetId"/>
          <PropertyRef Name="TimePeriod"/>
          <PropertyRef Name="TerritoryCode"/>
          <PropertyRef Name="MeasureCode"/>
        </Key>
        <Property Name="DatasetId" Type="Edm.String" Nullable="false"/>
        <Property Name="Year" Type="Edm.Int32"/>
        <Property Name="TimePeriod" Type="Edm.String" Nullable="false"/>
        <Property Name="TerritoryCode" Type="Edm.String" Nullable="false"/>
        <Property Name="TerritoryName" Type="Edm.String"/>
        <Property Name="MeasureCode" Type="Edm.String" Nullable="false"/>
        <Property Name="MeasureName" Type="Edm.String"/>
        <Property Name="ObsValue" Type="Edm.Double"/>
        <Property Name="ObsStatus" Type="Edm.String"/>
      </EntityType>
      <EntityType Name="Territory">
        <Key><PropertyRef Name="TerritoryCode"/></Key>
        <Property Name="TerritoryCode" Type="Edm.String" Nullable="false"/>
        <Property Name="TerritoryName" Type="Edm.String"/>
      </EntityType>
      <EntityType Name="Measure">
        <Key><PropertyRef Name="MeasureCode"/></Key>
        <Property Name="MeasureCode" Type="Edm.String" Nullable="false"/>
        <Property Name="MeasureName" Type="Edm.String"/>
      </EntityType>
      <EntityContainer Name="Container">
        <EntitySet Name="Datasets" EntityType="Osservatorio.Dataset"/>
        <EntitySet Name="Observations" EntityType="Osservatorio.Observation"/>
        <EntitySet Name="Territories" EntityType="Osservatorio.Territory"/>
        <EntitySet Name="Measures" EntityType="Osservatorio.Measure"/>
      </EntityContainer>
    </Schema>
  </edmx:DataServices>
</edmx:Edmx>`

// handleODataServiceDocument returns the OData service document listing the
// entity sets.
func (s *Server) handleODataServiceDocument(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireScope(w, r, storage.ScopeRead); !ok {
		return
	}

	entitySets := []string{"Datasets", "Observations", "Territories", "Measures"}

	sets := make([]map[string]string, len(entitySets))
	for i, name := range entitySets {
		sets[i] = map[string]string{
			"name": name,
			"kind": "EntitySet",
			"url":  name,
		}
	}

	s.writeJSON(w, r, http.StatusOK, map[string]any{
		"@odata.context": odataMetadataPath,
		"value":          sets,
	})
}

// handleODataMetadata returns the CSDL document.
func (s *Server) handleODataMetadata(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireScope(w, r, storage.ScopeRead); !ok {
		return
	}

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write([]byte(odataCSDL)); err != nil {
		s.logger.Error("Failed to write OData metadata", "error", err)
	}
}

// handleODataDatasets serves the Datasets entity set from the metadata
// store, with the query options evaluated in memory.
func (s *Server) handleODataDatasets(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireScope(w, r, storage.ScopeRead); !ok {
		return
	}

	opts, err := parseODataOptions(r.URL.Query(), odataDatasetProperties)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, http.StatusBadRequest, ValidationFailed(err.Error()))

		return
	}

	datasets, err := s.deps.Datasets.List(r.Context(), "", "")
	if err != nil {
		writeDomainError(w, r, s.logger, err)

		return
	}

	rows := make([]map[string]any, len(datasets))
	for i, d := range datasets {
		rows[i] = map[string]any{
			"DatasetId":   d.DatasetID,
			"Name":        d.Name,
			"Category":    d.Category,
			"Description": d.Description,
			"Agency":      d.Agency,
			"Priority":    d.Priority,
			"Status":      d.Status,
		}
	}

	page, total := evaluateODataOptions(rows, opts)

	s.writeODataResponse(w, r, "Datasets", opts, page, total)
}

// handleODataObservations serves the Observations entity set straight from
// the analytics store. The filter must pin a dataset; unbounded scans over
// the observations table are refused.
func (s *Server) handleODataObservations(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireScope(w, r, storage.ScopeRead); !ok {
		return
	}

	opts, err := parseODataOptions(r.URL.Query(), odataObservationProperties)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, http.StatusBadRequest, ValidationFailed(err.Error()))

		return
	}

	if !opts.hasFilter("DatasetId", odataOpEq) {
		WriteErrorResponse(w, r, s.logger, http.StatusBadRequest,
			ValidationFailed("Observations requires $filter with a top-level DatasetId eq '<dataset_id>' clause"))

		return
	}

	builder, err := observationsBuilder(opts)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, http.StatusBadRequest, ValidationFailed(err.Error()))

		return
	}

	results, err := s.deps.Runner.Execute(r.Context(), builder, true)
	if err != nil {
		writeDomainError(w, r, s.logger, err)

		return
	}

	rows := make([]map[string]any, len(results))
	for i, result := range results {
		rows[i] = renameColumns(result, odataObservationProperties)
	}

	total := len(rows)

	if opts.Count {
		countBuilder, err := observationsCountBuilder(opts)
		if err != nil {
			WriteErrorResponse(w, r, s.logger, http.StatusBadRequest, ValidationFailed(err.Error()))

			return
		}

		n, err := s.deps.Runner.Count(r.Context(), countBuilder)
		if err != nil {
			writeDomainError(w, r, s.logger, err)

			return
		}

		total = int(n)
	}

	s.writeODataResponse(w, r, "Observations", opts, rows, total)
}

// handleODataTerritories serves the distinct territories present in the
// analytics store.
func (s *Server) handleODataTerritories(w http.ResponseWriter, r *http.Request) {
	s.handleODataDistinct(w, r, "Territories", odataTerritoryProperties,
		`SELECT DISTINCT territory_code, territory_name
		FROM `+odataObservationsTable+`
		ORDER BY territory_code`)
}

// handleODataMeasures serves the distinct measures present in the analytics
// store.
func (s *Server) handleODataMeasures(w http.ResponseWriter, r *http.Request) {
	s.handleODataDistinct(w, r, "Measures", odataMeasureProperties,
		`SELECT DISTINCT measure_code, measure_name
		FROM `+odataObservationsTable+`
		ORDER BY measure_code`)
}

func (s *Server) handleODataDistinct(w http.ResponseWriter, r *http.Request, entitySet string, properties map[string]string, sql string) {
	if _, ok := s.requireScope(w, r, storage.ScopeRead); !ok {
		return
	}

	opts, err := parseODataOptions(r.URL.Query(), properties)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, http.StatusBadRequest, ValidationFailed(err.Error()))

		return
	}

	results, err := s.deps.Analytics.ExecuteQuery(r.Context(), sql)
	if err != nil {
		writeDomainError(w, r, s.logger, err)

		return
	}

	rows := make([]map[string]any, len(results))
	for i, result := range results {
		rows[i] = renameColumns(result, properties)
	}

	page, total := evaluateODataOptions(rows, opts)

	s.writeODataResponse(w, r, entitySet, opts, page, total)
}

// writeODataResponse writes the standard entity set envelope. The count
// annotation appears only when $count=true was requested.
func (s *Server) writeODataResponse(w http.ResponseWriter, r *http.Request, entitySet string, opts *odataOptions, rows []map[string]any, total int) {
	if rows == nil {
		rows = []map[string]any{}
	}

	response := map[string]any{
		"@odata.context": odataMetadataPath + "#" + entitySet,
		"value":          rows,
	}

	if opts.Count {
		response["@odata.count"] = total
	}

	s.writeJSON(w, r, http.StatusOK, response)
}

// observationsBuilder translates the parsed options into a SQL builder over
// the observations table.
func observationsBuilder(opts *odataOptions) (*query.Builder, error) {
	builder, err := observationsCountBuilder(opts)
	if err != nil {
		return nil, err
	}

	if len(opts.Select) > 0 {
		columns := make([]string, len(opts.Select))
		for i, property := range opts.Select {
			columns[i] = odataObservationProperties[property]
		}

		builder.Select(columns...)
	}

	if opts.OrderBy != "" {
		direction := "ASC"
		if opts.OrderDesc {
			direction = "DESC"
		}

		builder.OrderBy(odataObservationProperties[opts.OrderBy], direction)
	}

	if opts.Top >= 0 {
		builder.Limit(opts.Top)
	}

	if opts.Skip > 0 {
		builder.Offset(opts.Skip)
	}

	if err := builder.Err(); err != nil {
		return nil, err
	}

	return builder, nil
}

// observationsCountBuilder builds the filter-only query used both as the
// base for the page query and for $count.
func observationsCountBuilder(opts *odataOptions) (*query.Builder, error) {
	builder := query.New().FromTable(odataObservationsTable)

	for _, clause := range opts.Filter {
		column := odataObservationProperties[clause.Property]

		if clause.Op == odataOpContains {
			builder.Where(column, query.OpILike, "%"+escapeLikePattern(clause.Value.(string))+"%")

			continue
		}

		builder.Where(column, sqlOperator(clause.Op), clause.Value)
	}

	if err := builder.Err(); err != nil {
		return nil, err
	}

	return builder, nil
}

func sqlOperator(op string) string {
	switch op {
	case odataOpEq:
		return query.OpEq
	case odataOpNe:
		return query.OpNeq
	case odataOpGt:
		return query.OpGt
	case odataOpGe:
		return query.OpGte
	case odataOpLt:
		return query.OpLt
	case odataOpLe:
		return query.OpLte
	}

	return op
}

// escapeLikePattern escapes LIKE metacharacters in a contains() literal so
// the literal matches itself.
func escapeLikePattern(literal string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

	return replacer.Replace(literal)
}

// renameColumns maps store column names back to OData property names.
// Columns without a property mapping are dropped.
func renameColumns(row map[string]any, properties map[string]string) map[string]any {
	out := make(map[string]any, len(row))

	for property, column := range properties {
		if value, ok := row[column]; ok {
			out[property] = value
		}
	}

	return out
}
