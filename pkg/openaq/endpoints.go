package openaq

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/Sternrassler/openaq-harvester/pkg/client"
)

// MaxPageSize is the largest limit the API accepts.
const MaxPageSize = 1000

// Endpoint names used as metric labels.
const (
	EndpointLocations    = "/locations"
	EndpointSensors      = "/locations/{id}/sensors"
	EndpointMeasurements = "/sensors/{id}/measurements"
)

// DateFormat is the timestamp layout sent in date_from/date_to.
const DateFormat = time.RFC3339

func pageQuery(page, limit int) url.Values {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))
	return q
}

// LocationsRequest lists the locations of a country.
func LocationsRequest(countryID int64, page, limit int) client.Request {
	q := pageQuery(page, limit)
	q.Set("countries_id", strconv.FormatInt(countryID, 10))
	return client.Request{
		Path:     "/locations",
		Query:    q,
		Endpoint: EndpointLocations,
	}
}

// SensorsRequest lists the sensors of a location.
func SensorsRequest(locationID int64, page, limit int) client.Request {
	return client.Request{
		Path:     fmt.Sprintf("/locations/%d/sensors", locationID),
		Query:    pageQuery(page, limit),
		Endpoint: EndpointSensors,
	}
}

// MeasurementsRequest lists the measurements of a sensor in [from, to).
func MeasurementsRequest(sensorID int64, from, to time.Time, page, limit int) client.Request {
	q := pageQuery(page, limit)
	q.Set("date_from", from.UTC().Format(DateFormat))
	q.Set("date_to", to.UTC().Format(DateFormat))
	return client.Request{
		Path:     fmt.Sprintf("/sensors/%d/measurements", sensorID),
		Query:    q,
		Endpoint: EndpointMeasurements,
	}
}
