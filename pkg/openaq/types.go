// Package openaq models the OpenAQ v3 REST API: response envelopes, the
// location/sensor/measurement payloads, request builders for the endpoints
// the harvester walks, and normalisation into record rows.
package openaq

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Meta is the pagination block of every list response.
type Meta struct {
	Name    string `json:"name"`
	Website string `json:"website"`
	Page    int    `json:"page"`
	Limit   int    `json:"limit"`
	Found   Found  `json:"found"`
}

// Found is the total-count hint. The API sends either a number or a string
// such as ">1000" when the exact count is unknown.
type Found struct {
	Value   int64
	AtLeast bool
	Known   bool
}

// UnmarshalJSON accepts a number, a ">N" string or null.
func (f *Found) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) || len(b) == 0 {
		*f = Found{}
		return nil
	}

	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		atLeast := strings.HasPrefix(s, ">")
		n, err := strconv.ParseInt(strings.TrimPrefix(s, ">"), 10, 64)
		if err != nil {
			return fmt.Errorf("parse found %q: %w", s, err)
		}
		*f = Found{Value: n, AtLeast: atLeast, Known: true}
		return nil
	}

	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("parse found: %w", err)
	}
	*f = Found{Value: n, Known: true}
	return nil
}

// MarshalJSON writes the hint back in the API's form.
func (f Found) MarshalJSON() ([]byte, error) {
	switch {
	case !f.Known:
		return []byte("null"), nil
	case f.AtLeast:
		return []byte(strconv.Quote(">" + strconv.FormatInt(f.Value, 10))), nil
	default:
		return json.Marshal(f.Value)
	}
}

// Response is the list envelope.
type Response[T any] struct {
	Meta    Meta `json:"meta"`
	Results []T  `json:"results"`
}

// DateTime is a timestamp in UTC and local form.
type DateTime struct {
	UTC   string `json:"utc"`
	Local string `json:"local"`
}

// Entity is a named owner or provider.
type Entity struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// CountryRef is the country block of a location.
type CountryRef struct {
	ID   int64  `json:"id"`
	Code string `json:"code"`
	Name string `json:"name"`
}

// Coordinates is a WGS84 position.
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Parameter is a measured quantity.
type Parameter struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Units       string `json:"units"`
	DisplayName string `json:"displayName"`
}

// SensorRef is the abbreviated sensor listed on a location.
type SensorRef struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Parameter Parameter `json:"parameter"`
}

// Location is an entry of GET /locations.
type Location struct {
	ID            int64       `json:"id"`
	Name          string      `json:"name"`
	Locality      *string     `json:"locality"`
	Timezone      string      `json:"timezone"`
	Country       CountryRef  `json:"country"`
	Owner         Entity      `json:"owner"`
	Provider      Entity      `json:"provider"`
	IsMobile      bool        `json:"isMobile"`
	IsMonitor     bool        `json:"isMonitor"`
	Sensors       []SensorRef `json:"sensors"`
	Coordinates   Coordinates `json:"coordinates"`
	DatetimeFirst *DateTime   `json:"datetimeFirst"`
	DatetimeLast  *DateTime   `json:"datetimeLast"`
}

// Sensor is an entry of GET /locations/{id}/sensors.
type Sensor struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	Parameter     Parameter `json:"parameter"`
	DatetimeFirst *DateTime `json:"datetimeFirst"`
	DatetimeLast  *DateTime `json:"datetimeLast"`
}

// Period is the averaging window of a measurement.
type Period struct {
	Label        string   `json:"label"`
	Interval     string   `json:"interval"`
	DatetimeFrom DateTime `json:"datetimeFrom"`
	DatetimeTo   DateTime `json:"datetimeTo"`
}

// Measurement is an entry of GET /sensors/{id}/measurements.
type Measurement struct {
	Value     float64   `json:"value"`
	Parameter Parameter `json:"parameter"`
	Period    Period    `json:"period"`
}
