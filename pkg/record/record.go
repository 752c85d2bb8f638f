// Package record defines the normalised rows written to batch files. Every
// row carries the identifiers of all of its ancestors so a file can be
// analysed on its own.
package record

import "time"

// SchemaVersion is stamped into every batch file.
const SchemaVersion = "1"

// Kind names a record type. It doubles as the output subdirectory.
type Kind string

const (
	KindLocation    Kind = "locations"
	KindSensor      Kind = "sensors"
	KindMeasurement Kind = "measurements"
)

// Kinds lists every record kind in walk order.
func Kinds() []Kind {
	return []Kind{KindLocation, KindSensor, KindMeasurement}
}

// Record is implemented by every row type.
type Record interface {
	RecordKind() Kind
}

// Country identifies a country.
type Country struct {
	ID   int64  `parquet:"id" json:"id"`
	Code string `parquet:"code" json:"code"`
	Name string `parquet:"name" json:"name"`
}

// Parameter describes what a sensor measures.
type Parameter struct {
	Name    string `parquet:"name" json:"name"`
	Units   string `parquet:"units" json:"units"`
	Display string `parquet:"display" json:"display"`
}

// Location is a monitoring station.
type Location struct {
	ID        int64   `parquet:"id" json:"id"`
	Name      string  `parquet:"name" json:"name"`
	Locality  string  `parquet:"locality" json:"locality"`
	Country   Country `parquet:"country" json:"country"`
	Latitude  float64 `parquet:"lat" json:"lat"`
	Longitude float64 `parquet:"lon" json:"lon"`
	Timezone  string  `parquet:"timezone" json:"timezone"`
	SensorIDs []int64 `parquet:"sensor_ids,list" json:"sensor_ids"`
	Owner     string  `parquet:"owner" json:"owner"`
	Provider  string  `parquet:"provider" json:"provider"`
	FirstSeen string  `parquet:"first_seen" json:"first_seen"`
	LastSeen  string  `parquet:"last_seen" json:"last_seen"`
	IsMobile  bool    `parquet:"is_mobile" json:"is_mobile"`
	IsMonitor bool    `parquet:"is_monitor" json:"is_monitor"`
}

// RecordKind implements Record.
func (Location) RecordKind() Kind { return KindLocation }

// Sensor is one instrument channel at a location.
type Sensor struct {
	SensorID     int64     `parquet:"sensor_id" json:"sensor_id"`
	SensorName   string    `parquet:"sensor_name" json:"sensor_name"`
	Parameter    Parameter `parquet:"parameter" json:"parameter"`
	LocationID   int64     `parquet:"location_id" json:"location_id"`
	LocationName string    `parquet:"location_name" json:"location_name"`
	Country      Country   `parquet:"country" json:"country"`
	Latitude     float64   `parquet:"lat" json:"lat"`
	Longitude    float64   `parquet:"lon" json:"lon"`
	Timezone     string    `parquet:"timezone" json:"timezone"`
	Owner        string    `parquet:"owner" json:"owner"`
	Provider     string    `parquet:"provider" json:"provider"`
	FirstSeen    string    `parquet:"first_seen" json:"first_seen"`
	LastSeen     string    `parquet:"last_seen" json:"last_seen"`
}

// RecordKind implements Record.
func (Sensor) RecordKind() Kind { return KindSensor }

// Measurement is a single time-series value.
type Measurement struct {
	Timestamp          time.Time `parquet:"timestamp,timestamp(millisecond)" json:"timestamp"`
	Value              float64   `parquet:"value" json:"value"`
	Parameter          string    `parquet:"parameter" json:"parameter"`
	Units              string    `parquet:"units" json:"units"`
	AveragingPeriod    string    `parquet:"averaging_period" json:"averaging_period"`
	SensorID           int64     `parquet:"sensor_id" json:"sensor_id"`
	LocationID         int64     `parquet:"location_id" json:"location_id"`
	LocationName       string    `parquet:"location_name" json:"location_name"`
	CountryName        string    `parquet:"country_name" json:"country_name"`
	CountryCode        string    `parquet:"country_code" json:"country_code"`
	CountryID          int64     `parquet:"country_id" json:"country_id"`
	Latitude           float64   `parquet:"lat" json:"lat"`
	Longitude          float64   `parquet:"lon" json:"lon"`
	Timezone           string    `parquet:"timezone" json:"timezone"`
	ProviderName       string    `parquet:"provider_name" json:"provider_name"`
	IngestionTimestamp time.Time `parquet:"ingestion_timestamp,timestamp(millisecond)" json:"ingestion_timestamp"`
}

// RecordKind implements Record.
func (Measurement) RecordKind() Kind { return KindMeasurement }
