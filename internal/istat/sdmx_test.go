package istat

import (
	"errors"
	"strings"
	"testing"
)

const dataflowsXML = `<?xml version="1.0" encoding="UTF-8"?>
<mes:Structure xmlns:mes="http://www.sdmx.org/resources/sdmxml/schemas/v2_1/message"
               xmlns:str="http://www.sdmx.org/resources/sdmxml/schemas/v2_1/structure"
               xmlns:com="http://www.sdmx.org/resources/sdmxml/schemas/v2_1/common">
  <mes:Structures>
    <str:Dataflows>
      <str:Dataflow id="DCIS_POPRES1" agencyID="IT1" version="1.0">
        <com:Name xml:lang="it">Popolazione residente</com:Name>
        <com:Name xml:lang="en">Resident population</com:Name>
        <com:Description xml:lang="it">Popolazione residente al 1 gennaio</com:Description>
      </str:Dataflow>
      <str:Dataflow id="DCCN_PILN" agencyID="IT1" version="1.0">
        <com:Name xml:lang="en">Gross domestic product</com:Name>
      </str:Dataflow>
      <str:Dataflow id="151_914" agencyID="IT1" version="1.0"/>
    </str:Dataflows>
  </mes:Structures>
</mes:Structure>`

func TestParseDataflows(t *testing.T) {
	dataflows, err := ParseDataflows(strings.NewReader(dataflowsXML), 1<<20)
	if err != nil {
		t.Fatalf("ParseDataflows() error: %v", err)
	}

	if len(dataflows) != 3 {
		t.Fatalf("ParseDataflows() = %d dataflows, want 3", len(dataflows))
	}

	first := dataflows[0]
	if first.ID != "DCIS_POPRES1" {
		t.Errorf("ID = %q", first.ID)
	}

	if first.NameIT != "Popolazione residente" || first.NameEN != "Resident population" {
		t.Errorf("names = %q / %q", first.NameIT, first.NameEN)
	}

	if first.Description != "Popolazione residente al 1 gennaio" {
		t.Errorf("Description = %q", first.Description)
	}
}

func TestDataflowDisplayName(t *testing.T) {
	tests := []struct {
		name     string
		dataflow Dataflow
		want     string
	}{
		{
			name:     "italian preferred",
			dataflow: Dataflow{ID: "X", NameIT: "Popolazione", NameEN: "Population"},
			want:     "Popolazione",
		},
		{
			name:     "english fallback",
			dataflow: Dataflow{ID: "X", NameEN: "Population"},
			want:     "Population",
		},
		{
			name:     "id last",
			dataflow: Dataflow{ID: "151_914"},
			want:     "151_914",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.dataflow.DisplayName(); got != tt.want {
				t.Errorf("DisplayName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseDataflowsSizeCap(t *testing.T) {
	_, err := ParseDataflows(strings.NewReader(dataflowsXML), 64)
	if !errors.Is(err, ErrResponseTooLarge) {
		t.Errorf("ParseDataflows() error = %v, want ErrResponseTooLarge", err)
	}
}

func TestParseDataflowsMalformed(t *testing.T) {
	_, err := ParseDataflows(strings.NewReader("<mes:Structure><unclosed"), 1<<20)
	if err == nil {
		t.Error("ParseDataflows() should fail on malformed XML")
	}
}

const genericDataXML = `<?xml version="1.0" encoding="UTF-8"?>
<mes:GenericData xmlns:mes="http://www.sdmx.org/resources/sdmxml/schemas/v2_1/message"
                 xmlns:gen="http://www.sdmx.org/resources/sdmxml/schemas/v2_1/data/generic">
  <mes:DataSet>
    <gen:Series>
      <gen:SeriesKey>
        <gen:Value id="REF_AREA" value="ITC4"/>
        <gen:Value id="DATA_TYPE" value="POP_TOT"/>
      </gen:SeriesKey>
      <gen:Obs>
        <gen:ObsDimension value="2022"/>
        <gen:ObsValue value="10027602"/>
      </gen:Obs>
      <gen:Obs>
        <gen:ObsDimension value="2023-Q1"/>
        <gen:ObsValue value="10030000"/>
        <gen:Attributes>
          <gen:Value id="OBS_STATUS" value="p"/>
        </gen:Attributes>
      </gen:Obs>
      <gen:Obs>
        <gen:ObsDimension value="2024"/>
      </gen:Obs>
    </gen:Series>
  </mes:DataSet>
</mes:GenericData>`

func TestParseObservations(t *testing.T) {
	observations, err := ParseObservations(strings.NewReader(genericDataXML), "DCIS_POPRES1", 1<<20)
	if err != nil {
		t.Fatalf("ParseObservations() error: %v", err)
	}

	if len(observations) != 3 {
		t.Fatalf("ParseObservations() = %d observations, want 3", len(observations))
	}

	first := observations[0]
	if first.DatasetID != "DCIS_POPRES1" {
		t.Errorf("DatasetID = %q", first.DatasetID)
	}

	if first.TerritoryCode != "ITC4" || first.MeasureCode != "POP_TOT" {
		t.Errorf("series dims = %q / %q, want ITC4 / POP_TOT", first.TerritoryCode, first.MeasureCode)
	}

	if first.TimePeriod != "2022" || first.Year != 2022 {
		t.Errorf("time = %q year %d", first.TimePeriod, first.Year)
	}

	if first.ObsValue == nil || *first.ObsValue != 10027602 {
		t.Errorf("ObsValue = %v", first.ObsValue)
	}

	second := observations[1]
	if second.TimePeriod != "2023-Q1" || second.Year != 2023 {
		t.Errorf("quarterly time = %q year %d", second.TimePeriod, second.Year)
	}

	if second.ObsStatus != "p" {
		t.Errorf("ObsStatus = %q, want p", second.ObsStatus)
	}

	// Missing value parses as a null observation, not an error.
	if observations[2].ObsValue != nil {
		t.Errorf("third observation value = %v, want nil", observations[2].ObsValue)
	}
}
