// Package testutil provides testing utilities for the OpenAQ harvester.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/openaq-harvester/pkg/openaq"
)

// MockResponse defines a canned response for one path.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// RecordedRequest is one request seen by the mock.
type RecordedRequest struct {
	Path   string
	Query  url.Values
	APIKey string
	At     time.Time
}

// MockOpenAQ is an in-memory OpenAQ v3 API. It serves paginated locations,
// sensors and measurements from the data added to it and lets tests inject
// failures per path.
type MockOpenAQ struct {
	server *httptest.Server

	mu           sync.Mutex
	handlers     map[string]func(w http.ResponseWriter, r *http.Request)
	queued       map[string][]MockResponse
	locations    map[int64][]openaq.Location
	sensors      map[int64][]openaq.Sensor
	measurements map[int64][]openaq.Measurement
	requests     []RecordedRequest
}

// NewMockOpenAQ starts the mock server.
func NewMockOpenAQ() *MockOpenAQ {
	m := &MockOpenAQ{
		handlers:     make(map[string]func(w http.ResponseWriter, r *http.Request)),
		queued:       make(map[string][]MockResponse),
		locations:    make(map[int64][]openaq.Location),
		sensors:      make(map[int64][]openaq.Sensor),
		measurements: make(map[int64][]openaq.Measurement),
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.serve))
	return m
}

// URL returns the base URL to configure the client with.
func (m *MockOpenAQ) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockOpenAQ) Close() {
	m.server.Close()
}

// AddLocation adds a location to a country. Its sensors must be added with
// AddSensor.
func (m *MockOpenAQ) AddLocation(countryID int64, loc openaq.Location) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if loc.Country.ID == 0 {
		loc.Country = openaq.CountryRef{ID: countryID, Code: "XX", Name: fmt.Sprintf("Country %d", countryID)}
	}
	m.locations[countryID] = append(m.locations[countryID], loc)
}

// AddSensor adds a sensor to a location.
func (m *MockOpenAQ) AddSensor(locationID int64, s openaq.Sensor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sensors[locationID] = append(m.sensors[locationID], s)
}

// AddMeasurements adds n hourly measurements for a sensor starting at start.
func (m *MockOpenAQ) AddMeasurements(sensorID int64, n int, start time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		from := start.Add(time.Duration(i) * time.Hour).UTC()
		m.measurements[sensorID] = append(m.measurements[sensorID], openaq.Measurement{
			Value:     float64(sensorID*10000 + int64(i)),
			Parameter: openaq.Parameter{Name: "pm25", Units: "µg/m³"},
			Period: openaq.Period{
				Label:        "raw",
				Interval:     "01:00:00",
				DatetimeFrom: openaq.DateTime{UTC: from.Format(time.RFC3339)},
				DatetimeTo:   openaq.DateTime{UTC: from.Add(time.Hour).Format(time.RFC3339)},
			},
		})
	}
}

// SetHandler replaces the handler of a path.
func (m *MockOpenAQ) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// ClearHandler restores the default handling of path.
func (m *MockOpenAQ) ClearHandler(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, path)
}

// SetResponse makes every request to path return resp.
func (m *MockOpenAQ) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		writeMock(w, resp)
	})
}

// QueueResponse serves resp once for the next request to path, before any
// handler or data.
func (m *MockOpenAQ) QueueResponse(path string, resp MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queued[path] = append(m.queued[path], resp)
}

// Requests returns every request seen so far.
func (m *MockOpenAQ) Requests() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RecordedRequest(nil), m.requests...)
}

// RequestCount returns the number of requests made to the server.
func (m *MockOpenAQ) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// PathCount returns the number of requests made to path.
func (m *MockOpenAQ) PathCount(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.requests {
		if r.Path == path {
			n++
		}
	}
	return n
}

func (m *MockOpenAQ) serve(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.requests = append(m.requests, RecordedRequest{
		Path:   r.URL.Path,
		Query:  r.URL.Query(),
		APIKey: r.Header.Get("X-API-Key"),
		At:     time.Now(),
	})
	if q := m.queued[r.URL.Path]; len(q) > 0 {
		resp := q[0]
		m.queued[r.URL.Path] = q[1:]
		m.mu.Unlock()
		writeMock(w, resp)
		return
	}
	handler, ok := m.handlers[r.URL.Path]
	m.mu.Unlock()

	if ok {
		handler(w, r)
		return
	}
	m.defaultHandler(w, r)
}

func (m *MockOpenAQ) defaultHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, limit := atoiDefault(q.Get("page"), 1), atoiDefault(q.Get("limit"), 100)
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")

	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case len(parts) == 1 && parts[0] == "locations":
		country, _ := strconv.ParseInt(q.Get("countries_id"), 10, 64)
		writePage(w, m.locations[country], page, limit)
	case len(parts) == 3 && parts[0] == "locations" && parts[2] == "sensors":
		id, _ := strconv.ParseInt(parts[1], 10, 64)
		writePage(w, m.sensors[id], page, limit)
	case len(parts) == 3 && parts[0] == "sensors" && parts[2] == "measurements":
		id, _ := strconv.ParseInt(parts[1], 10, 64)
		writePage(w, filterWindow(m.measurements[id], q.Get("date_from"), q.Get("date_to")), page, limit)
	default:
		writeMock(w, MockResponse{StatusCode: http.StatusNotFound, Body: `{"detail":"Not Found"}`})
	}
}

func filterWindow(ms []openaq.Measurement, fromStr, toStr string) []openaq.Measurement {
	from, ferr := time.Parse(time.RFC3339, fromStr)
	to, terr := time.Parse(time.RFC3339, toStr)
	if ferr != nil || terr != nil {
		return ms
	}
	var out []openaq.Measurement
	for _, m := range ms {
		ts, err := time.Parse(time.RFC3339, m.Period.DatetimeFrom.UTC)
		if err != nil || (!ts.Before(from) && ts.Before(to)) {
			out = append(out, m)
		}
	}
	return out
}

func writePage[T any](w http.ResponseWriter, all []T, page, limit int) {
	start := (page - 1) * limit
	if start > len(all) {
		start = len(all)
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}

	resp := openaq.Response[T]{
		Meta: openaq.Meta{
			Name:    "openaq-api",
			Website: "/",
			Page:    page,
			Limit:   limit,
			Found:   openaq.Found{Value: int64(len(all)), Known: true},
		},
		Results: append([]T{}, all[start:end]...),
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-RateLimit-Limit", "60")
	w.Header().Set("X-RateLimit-Remaining", "59")
	w.Header().Set("X-RateLimit-Reset", "60")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}

func writeMock(w http.ResponseWriter, resp MockResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	if resp.StatusCode == 0 {
		resp.StatusCode = http.StatusOK
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

func atoiDefault(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return def
	}
	return n
}

// NewRateLimitResponse creates a 429 response with a Retry-After header.
func NewRateLimitResponse(retryAfterSeconds int) MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"detail":"Too Many Requests"}`,
		Headers: map[string]string{
			"Retry-After":  strconv.Itoa(retryAfterSeconds),
			"Content-Type": "application/json",
		},
	}
}

// NewServerErrorResponse creates a 500 response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"detail":"Internal Server Error"}`,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// NewNotFoundResponse creates a 404 response.
func NewNotFoundResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusNotFound,
		Body:       `{"detail":"Not Found"}`,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// Scenario describes a small hierarchy for one country.
type Scenario struct {
	CountryID int64

	// SensorsPerLocation lists, per location, the number of measurements of
	// each of its sensors.
	SensorsPerLocation [][]int

	// Start is the timestamp of the first measurement.
	Start time.Time

	// FirstLocationID and FirstSensorID number the resources in declaration
	// order. They default to 100 and 1000.
	FirstLocationID int64
	FirstSensorID   int64
}

// Load adds the scenario's data.
func (m *MockOpenAQ) Load(s Scenario) {
	locID, sensorID := s.FirstLocationID, s.FirstSensorID
	if locID == 0 {
		locID = 100
	}
	if sensorID == 0 {
		sensorID = 1000
	}
	for i, sensors := range s.SensorsPerLocation {
		loc := openaq.Location{
			ID:          locID,
			Name:        fmt.Sprintf("Station %d", i+1),
			Timezone:    "Asia/Kathmandu",
			Coordinates: openaq.Coordinates{Latitude: 27.7 + float64(i)/100, Longitude: 85.3},
			Owner:       openaq.Entity{ID: 1, Name: "Owner"},
			Provider:    openaq.Entity{ID: 2, Name: "AirNow"},
			IsMonitor:   true,
		}
		for _, n := range sensors {
			ref := openaq.SensorRef{ID: sensorID, Name: "pm25 µg/m³", Parameter: openaq.Parameter{ID: 2, Name: "pm25", Units: "µg/m³", DisplayName: "PM2.5"}}
			loc.Sensors = append(loc.Sensors, ref)
			m.AddSensor(locID, openaq.Sensor{ID: sensorID, Name: ref.Name, Parameter: ref.Parameter})
			m.AddMeasurements(sensorID, n, s.Start)
			sensorID++
		}
		m.AddLocation(s.CountryID, loc)
		locID++
	}
}
