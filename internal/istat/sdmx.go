package istat

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/osservatorio-istat/osservatorio/internal/analytics"
)

// ErrResponseTooLarge is returned when an SDMX document exceeds the
// configured size cap.
var ErrResponseTooLarge = errors.New("SDMX document exceeds size limit")

// Dataflow is one dataflow definition parsed from an SDMX structure message.
type Dataflow struct {
	ID          string `json:"id"`
	NameIT      string `json:"name_it"`
	NameEN      string `json:"name_en"`
	Description string `json:"description"`
}

// DisplayName derives the stable display name: Italian preferred, English
// fallback, ID last.
func (d *Dataflow) DisplayName() string {
	if d.NameIT != "" {
		return d.NameIT
	}

	if d.NameEN != "" {
		return d.NameEN
	}

	return d.ID
}

// ParseDataflows parses an SDMX-ML structure document into dataflow
// definitions. The decoder streams tokens so large documents never load
// whole into memory; maxBytes caps total input.
func ParseDataflows(r io.Reader, maxBytes int64) ([]*Dataflow, error) {
	limited := &limitedReader{r: io.LimitReader(r, maxBytes+1), max: maxBytes}
	decoder := xml.NewDecoder(limited)

	dataflows := []*Dataflow{}

	var current *Dataflow

	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}

		if err != nil {
			if limited.exceeded {
				return nil, ErrResponseTooLarge
			}

			return nil, fmt.Errorf("malformed SDMX document: %w", err)
		}

		switch elem := tok.(type) {
		case xml.StartElement:
			switch elem.Name.Local {
			case "Dataflow":
				current = &Dataflow{ID: attr(elem, "id")}

			case "Name":
				if current == nil {
					continue
				}

				lang := attr(elem, "lang")

				var text string
				if err := decoder.DecodeElement(&text, &elem); err != nil {
					return nil, fmt.Errorf("malformed SDMX name element: %w", err)
				}

				switch lang {
				case "it":
					current.NameIT = strings.TrimSpace(text)
				case "en":
					current.NameEN = strings.TrimSpace(text)
				default:
					if current.NameEN == "" {
						current.NameEN = strings.TrimSpace(text)
					}
				}

			case "Description":
				if current == nil {
					continue
				}

				var text string
				if err := decoder.DecodeElement(&text, &elem); err != nil {
					return nil, fmt.Errorf("malformed SDMX description element: %w", err)
				}

				if current.Description == "" {
					current.Description = strings.TrimSpace(text)
				}
			}

		case xml.EndElement:
			if elem.Name.Local == "Dataflow" && current != nil {
				if current.ID != "" {
					dataflows = append(dataflows, current)
				}

				current = nil
			}
		}
	}

	if limited.exceeded {
		return nil, ErrResponseTooLarge
	}

	return dataflows, nil
}

// ParseObservations parses an SDMX generic data message into observation
// rows for the given dataset. Series-level dimensions propagate to every
// observation in the series.
func ParseObservations(r io.Reader, datasetID string, maxBytes int64) ([]*analytics.Observation, error) {
	limited := &limitedReader{r: io.LimitReader(r, maxBytes+1), max: maxBytes}
	decoder := xml.NewDecoder(limited)

	observations := []*analytics.Observation{}

	series := map[string]string{}

	var (
		inSeriesKey bool
		current     *analytics.Observation
	)

	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}

		if err != nil {
			if limited.exceeded {
				return nil, ErrResponseTooLarge
			}

			return nil, fmt.Errorf("malformed SDMX data document: %w", err)
		}

		switch elem := tok.(type) {
		case xml.StartElement:
			switch elem.Name.Local {
			case "Series":
				series = map[string]string{}

			case "SeriesKey":
				inSeriesKey = true

			case "Value":
				if inSeriesKey {
					series[attr(elem, "id")] = attr(elem, "value")
				}

			case "Obs":
				current = newObservation(datasetID, series)

			case "ObsDimension":
				if current != nil {
					applyTimePeriod(current, attr(elem, "value"))
				}

			case "ObsValue":
				if current != nil {
					if v, err := strconv.ParseFloat(attr(elem, "value"), 64); err == nil {
						value := v
						current.ObsValue = &value
					}
				}
			}

			// Observation status rides in an attribute Value pair outside
			// the series key.
			if elem.Name.Local == "Value" && current != nil && !inSeriesKey {
				if attr(elem, "id") == "OBS_STATUS" {
					current.ObsStatus = attr(elem, "value")
				}
			}

		case xml.EndElement:
			switch elem.Name.Local {
			case "SeriesKey":
				inSeriesKey = false

			case "Obs":
				if current != nil && current.TimePeriod != "" {
					observations = append(observations, current)
				}

				current = nil
			}
		}
	}

	if limited.exceeded {
		return nil, ErrResponseTooLarge
	}

	return observations, nil
}

func newObservation(datasetID string, series map[string]string) *analytics.Observation {
	obs := &analytics.Observation{DatasetID: datasetID}

	for id, value := range series {
		switch id {
		case "REF_AREA", "ITTER107", "TERRITORIO":
			obs.TerritoryCode = value
		case "DATA_TYPE", "TIPO_DATO", "MEASURE":
			obs.MeasureCode = value
		}
	}

	return obs
}

// applyTimePeriod fills TimePeriod and derives the year from its leading
// digits, covering 2023, 2023-Q1, and 2023-03 shapes.
func applyTimePeriod(obs *analytics.Observation, period string) {
	obs.TimePeriod = period

	if len(period) >= 4 {
		if year, err := strconv.Atoi(period[:4]); err == nil {
			obs.Year = year
		}
	}
}

func attr(elem xml.StartElement, name string) string {
	for _, a := range elem.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}

	return ""
}

// limitedReader tracks whether the underlying LimitReader was exhausted so
// size-cap violations are distinguishable from ordinary EOF.
type limitedReader struct {
	r        io.Reader
	max      int64
	read     int64
	exceeded bool
}

func (l *limitedReader) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	l.read += int64(n)

	if l.read > l.max {
		l.exceeded = true

		return n, ErrResponseTooLarge
	}

	return n, err
}
