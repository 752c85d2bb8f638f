package openaq

import (
	"fmt"
	"time"

	"github.com/Sternrassler/openaq-harvester/pkg/record"
)

func (d *DateTime) utc() string {
	if d == nil {
		return ""
	}
	return d.UTC
}

// Record converts a location payload to its row.
func (l Location) Record() record.Location {
	ids := make([]int64, 0, len(l.Sensors))
	for _, s := range l.Sensors {
		ids = append(ids, s.ID)
	}

	var locality string
	if l.Locality != nil {
		locality = *l.Locality
	}

	return record.Location{
		ID:       l.ID,
		Name:     l.Name,
		Locality: locality,
		Country: record.Country{
			ID:   l.Country.ID,
			Code: l.Country.Code,
			Name: l.Country.Name,
		},
		Latitude:  l.Coordinates.Latitude,
		Longitude: l.Coordinates.Longitude,
		Timezone:  l.Timezone,
		SensorIDs: ids,
		Owner:     l.Owner.Name,
		Provider:  l.Provider.Name,
		FirstSeen: l.DatetimeFirst.utc(),
		LastSeen:  l.DatetimeLast.utc(),
		IsMobile:  l.IsMobile,
		IsMonitor: l.IsMonitor,
	}
}

// Record converts a sensor payload to its row, inheriting location context.
func (s Sensor) Record(loc record.Location) record.Sensor {
	return record.Sensor{
		SensorID:   s.ID,
		SensorName: s.Name,
		Parameter: record.Parameter{
			Name:    s.Parameter.Name,
			Units:   s.Parameter.Units,
			Display: s.Parameter.DisplayName,
		},
		LocationID:   loc.ID,
		LocationName: loc.Name,
		Country:      loc.Country,
		Latitude:     loc.Latitude,
		Longitude:    loc.Longitude,
		Timezone:     loc.Timezone,
		Owner:        loc.Owner,
		Provider:     loc.Provider,
		FirstSeen:    s.DatetimeFirst.utc(),
		LastSeen:     s.DatetimeLast.utc(),
	}
}

// Record converts a measurement payload to its row, inheriting sensor
// context. The timestamp is the start of the averaging period; a payload
// without a parseable one is rejected.
func (m Measurement) Record(s record.Sensor, ingestedAt time.Time) (record.Measurement, error) {
	ts, err := time.Parse(time.RFC3339, m.Period.DatetimeFrom.UTC)
	if err != nil {
		return record.Measurement{}, fmt.Errorf("measurement of sensor %d: period.datetimeFrom.utc %q: %w",
			s.SensorID, m.Period.DatetimeFrom.UTC, err)
	}

	parameter, units := m.Parameter.Name, m.Parameter.Units
	if parameter == "" {
		parameter = s.Parameter.Name
	}
	if units == "" {
		units = s.Parameter.Units
	}

	return record.Measurement{
		Timestamp:          ts.UTC(),
		Value:              m.Value,
		Parameter:          parameter,
		Units:              units,
		AveragingPeriod:    m.Period.Interval,
		SensorID:           s.SensorID,
		LocationID:         s.LocationID,
		LocationName:       s.LocationName,
		CountryName:        s.Country.Name,
		CountryCode:        s.Country.Code,
		CountryID:          s.Country.ID,
		Latitude:           s.Latitude,
		Longitude:          s.Longitude,
		Timezone:           s.Timezone,
		ProviderName:       s.Provider,
		IngestionTimestamp: ingestedAt.UTC(),
	}, nil
}
