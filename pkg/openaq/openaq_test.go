package openaq

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFound_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Found
	}{
		{name: "number", in: `42`, want: Found{Value: 42, Known: true}},
		{name: "lower bound string", in: `">1000"`, want: Found{Value: 1000, AtLeast: true, Known: true}},
		{name: "plain string", in: `"7"`, want: Found{Value: 7, Known: true}},
		{name: "null", in: `null`, want: Found{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f Found
			require.NoError(t, json.Unmarshal([]byte(tt.in), &f))
			assert.Equal(t, tt.want, f)
		})
	}
}

func TestFound_UnmarshalJSONInvalid(t *testing.T) {
	var f Found
	assert.Error(t, json.Unmarshal([]byte(`"lots"`), &f))
	assert.Error(t, json.Unmarshal([]byte(`true`), &f))
}

func TestFound_MarshalJSON(t *testing.T) {
	tests := []struct {
		name  string
		found Found
		want  string
	}{
		{"at least", Found{Value: 1000, AtLeast: true, Known: true}, `">1000"`},
		{"exact", Found{Value: 3, Known: true}, `3`},
		{"unknown", Found{}, `null`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := tt.found.MarshalJSON()
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(b))
		})
	}
}

func TestFound_MarshalJSONRoundTrip(t *testing.T) {
	// encoding/json escapes '>' in marshaler output; decoding must still
	// restore the lower bound.
	in := Meta{Page: 1, Limit: 100, Found: Found{Value: 1000, AtLeast: true, Known: true}}
	b, err := json.Marshal(in)
	require.NoError(t, err)

	var out Meta
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, in.Found, out.Found)
}

func TestResponse_Decode(t *testing.T) {
	body := `{
		"meta": {"name": "openaq-api", "page": 2, "limit": 100, "found": ">1000"},
		"results": [{
			"id": 3459,
			"name": "Ratnapark",
			"locality": null,
			"timezone": "Asia/Kathmandu",
			"country": {"id": 145, "code": "NP", "name": "Nepal"},
			"owner": {"id": 1, "name": "Unknown Governmental Organization"},
			"provider": {"id": 2, "name": "AirNow"},
			"isMobile": false,
			"isMonitor": true,
			"sensors": [{"id": 77, "name": "pm25 µg/m³", "parameter": {"id": 2, "name": "pm25", "units": "µg/m³", "displayName": "PM2.5"}}],
			"coordinates": {"latitude": 27.7, "longitude": 85.3},
			"datetimeFirst": {"utc": "2017-03-03T06:00:00Z", "local": "2017-03-03T11:45:00+05:45"},
			"datetimeLast": null
		}]
	}`

	var resp Response[Location]
	require.NoError(t, json.Unmarshal([]byte(body), &resp))

	assert.Equal(t, 2, resp.Meta.Page)
	assert.Equal(t, 100, resp.Meta.Limit)
	assert.True(t, resp.Meta.Found.AtLeast)
	require.Len(t, resp.Results, 1)

	rec := resp.Results[0].Record()
	assert.Equal(t, int64(3459), rec.ID)
	assert.Equal(t, "", rec.Locality)
	assert.Equal(t, int64(145), rec.Country.ID)
	assert.Equal(t, "NP", rec.Country.Code)
	assert.Equal(t, []int64{77}, rec.SensorIDs)
	assert.Equal(t, "AirNow", rec.Provider)
	assert.Equal(t, "2017-03-03T06:00:00Z", rec.FirstSeen)
	assert.Equal(t, "", rec.LastSeen)
	assert.True(t, rec.IsMonitor)
}

func TestSensor_RecordInheritsLocation(t *testing.T) {
	loc := Location{
		ID:          9,
		Name:        "Bhaisipati",
		Timezone:    "Asia/Kathmandu",
		Country:     CountryRef{ID: 145, Code: "NP", Name: "Nepal"},
		Provider:    Entity{Name: "AirNow"},
		Coordinates: Coordinates{Latitude: 27.6, Longitude: 85.3},
	}.Record()

	s := Sensor{
		ID:        77,
		Name:      "pm25 µg/m³",
		Parameter: Parameter{Name: "pm25", Units: "µg/m³", DisplayName: "PM2.5"},
	}.Record(loc)

	assert.Equal(t, int64(77), s.SensorID)
	assert.Equal(t, int64(9), s.LocationID)
	assert.Equal(t, "Bhaisipati", s.LocationName)
	assert.Equal(t, loc.Country, s.Country)
	assert.Equal(t, "PM2.5", s.Parameter.Display)
	assert.Equal(t, 27.6, s.Latitude)
}

func TestMeasurement_Record(t *testing.T) {
	sensor := Sensor{ID: 77, Parameter: Parameter{Name: "pm25", Units: "µg/m³"}}.Record(Location{
		ID:       9,
		Name:     "Bhaisipati",
		Country:  CountryRef{ID: 145, Code: "NP", Name: "Nepal"},
		Provider: Entity{Name: "AirNow"},
	}.Record())

	ingested := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	m, err := Measurement{
		Value: 41.5,
		Period: Period{
			Interval:     "01:00:00",
			DatetimeFrom: DateTime{UTC: "2024-01-01T00:00:00Z"},
		},
	}.Record(sensor, ingested)
	require.NoError(t, err)

	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), m.Timestamp)
	assert.Equal(t, 41.5, m.Value)
	assert.Equal(t, "pm25", m.Parameter)
	assert.Equal(t, "µg/m³", m.Units)
	assert.Equal(t, "01:00:00", m.AveragingPeriod)
	assert.Equal(t, int64(77), m.SensorID)
	assert.Equal(t, int64(9), m.LocationID)
	assert.Equal(t, int64(145), m.CountryID)
	assert.Equal(t, "NP", m.CountryCode)
	assert.Equal(t, "AirNow", m.ProviderName)
	assert.Equal(t, ingested, m.IngestionTimestamp)
}

func TestMeasurement_RecordInvalidTimestamp(t *testing.T) {
	sensor := Sensor{ID: 1}.Record(Location{}.Record())
	tests := []struct {
		name string
		utc  string
	}{
		{"missing", ""},
		{"not RFC 3339", "2024-01-01 00:00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Measurement{Value: 1, Period: Period{DatetimeFrom: DateTime{UTC: tt.utc}}}.Record(sensor, time.Now())
			assert.ErrorContains(t, err, "period.datetimeFrom.utc")
		})
	}
}

func TestRequests(t *testing.T) {
	r := LocationsRequest(145, 2, 1000)
	assert.Equal(t, "/locations", r.Path)
	assert.Equal(t, "145", r.Query.Get("countries_id"))
	assert.Equal(t, "2", r.Query.Get("page"))
	assert.Equal(t, "1000", r.Query.Get("limit"))
	assert.Equal(t, EndpointLocations, r.Endpoint)

	r = SensorsRequest(3459, 1, 100)
	assert.Equal(t, "/locations/3459/sensors", r.Path)
	assert.Equal(t, EndpointSensors, r.Endpoint)

	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	r = MeasurementsRequest(77, from, to, 1, 1000)
	assert.Equal(t, "/sensors/77/measurements", r.Path)
	assert.Equal(t, "2024-01-01T00:00:00Z", r.Query.Get("date_from"))
	assert.Equal(t, "2024-02-01T00:00:00Z", r.Query.Get("date_to"))
}
