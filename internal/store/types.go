package store

import (
	"encoding/json"
	"time"
)

// Box is one sensor station row. Location stays opaque JSON; the core never
// interprets it.
type Box struct {
	BoxID             string          `db:"box_id" json:"box_id"`
	Name              string          `db:"name" json:"name"`
	Exposure          *string         `db:"exposure" json:"exposure,omitempty"`
	Model             *string         `db:"model" json:"model,omitempty"`
	CurrentLocation   json.RawMessage `db:"current_location" json:"current_location,omitempty"`
	LastMeasurementAt *time.Time      `db:"last_measurement_at" json:"last_measurement_at,omitempty"`
	LastDataFetched   *time.Time      `db:"last_data_fetched" json:"last_data_fetched,omitempty"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updated_at"`
}

// Sensor is one measurement channel. It carries its parent box id as a value;
// joins happen at query time.
type Sensor struct {
	SensorID   string  `db:"sensor_id" json:"sensor_id"`
	BoxID      string  `db:"box_id" json:"box_id"`
	Title      *string `db:"title" json:"title,omitempty"`
	SensorType *string `db:"sensor_type" json:"sensor_type,omitempty"`
	Unit       *string `db:"unit" json:"unit,omitempty"`
	Icon       *string `db:"icon" json:"icon,omitempty"`
}

// Measurement is one observation keyed by (sensor_id, timestamp).
type Measurement struct {
	SensorID  string    `db:"sensor_id" json:"sensor_id"`
	Value     float64   `db:"value" json:"value"`
	Timestamp time.Time `db:"measurement_timestamp" json:"measurement_timestamp"`
}

// InsertOutcome reports what a bulk insert actually wrote.
type InsertOutcome struct {
	Inserted   int
	Duplicates int
}

// HourlyPoint is one bucket of the hourly-averaged series.
type HourlyPoint struct {
	Bucket time.Time `db:"bucket" json:"bucket"`
	Value  float64   `db:"value" json:"value"`
}

// DailySummary is one day of min/max/avg/count statistics.
type DailySummary struct {
	Day     time.Time `db:"day" json:"day"`
	Min     float64   `db:"min_value" json:"min_value"`
	Max     float64   `db:"max_value" json:"max_value"`
	Average float64   `db:"average_value" json:"average_value"`
	Count   int64     `db:"count" json:"count"`
}

// TrainedModel is one registry row: the active model for a horizon.
type TrainedModel struct {
	ID              int64      `db:"id" json:"id"`
	ModelName       string     `db:"model_name" json:"model_name"`
	ForecastHorizon int        `db:"forecast_horizon_hours" json:"forecast_horizon_hours"`
	ModelPath       string     `db:"model_path" json:"model_path"`
	VersionID       int        `db:"version_id" json:"version_id"`
	LastTrainedAt   time.Time  `db:"last_trained_at" json:"last_trained_at"`
	DurationSeconds float64    `db:"training_duration_seconds" json:"training_duration_seconds"`
	ValMAE          *float64   `db:"val_mae" json:"val_mae,omitempty"`
	ValRMSE         *float64   `db:"val_rmse" json:"val_rmse,omitempty"`
	ValMAPE         *float64   `db:"val_mape" json:"val_mape,omitempty"`
	ValR2           *float64   `db:"val_r2" json:"val_r2,omitempty"`
	NaiveValMAE     *float64   `db:"naive_val_mae" json:"naive_val_mae,omitempty"`
	NaiveValRMSE    *float64   `db:"naive_val_rmse" json:"naive_val_rmse,omitempty"`
	TrainError      *string    `db:"train_error" json:"train_error,omitempty"`
	CreatedAt       *time.Time `db:"created_at" json:"-"`
}
