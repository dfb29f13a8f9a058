package opensensemap

import (
	"encoding/json"
	"time"
)

// BoxMeta is the metadata document returned by GET /boxes/{id}.
type BoxMeta struct {
	ID                string          `json:"_id"`
	Name              string          `json:"name"`
	Exposure          string          `json:"exposure"`
	Model             string          `json:"model"`
	CurrentLocation   json.RawMessage `json:"currentLocation"`
	LastMeasurementAt *time.Time      `json:"lastMeasurementAt"`
	CreatedAt         *time.Time      `json:"createdAt"`
	UpdatedAt         *time.Time      `json:"updatedAt"`
	Sensors           []SensorMeta    `json:"sensors"`
}

// SensorMeta describes one measurement channel of a box.
type SensorMeta struct {
	ID         string `json:"_id"`
	Title      string `json:"title"`
	Unit       string `json:"unit"`
	SensorType string `json:"sensorType"`
	Icon       string `json:"icon"`
}

// Measurement is one raw observation from GET /boxes/{box}/data/{sensor}.
// The API encodes values as strings; parsing to float happens in the chunk
// fetcher so a malformed value can be skipped without failing the call.
type Measurement struct {
	CreatedAt *time.Time `json:"createdAt"`
	Value     string     `json:"value"`
}
