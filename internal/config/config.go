// Package config loads process configuration from the environment. Missing
// required variables are a startup failure; everything else has a default
// suitable for the docker-compose deployment.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Config is the full process configuration.
type Config struct {
	// Database connection, assembled into DatabaseURL when that is unset.
	DBUser     string
	DBPassword string
	DBHost     string
	DBPort     string
	DBName     string
	// DatabaseURL is the pgx DSN. Derived from the DB_* variables unless
	// provided explicitly.
	DatabaseURL string

	// SensorBoxID is the OpenSenseMap box ingestion tracks.
	SensorBoxID string
	// TargetSensorID is the sensor the forecast models are trained on.
	TargetSensorID string

	// InitialWindowDays bounds the first backfill for a box never seen before.
	InitialWindowDays int
	// ChunkDays is the length of one ingestion sub-interval.
	ChunkDays int
	// TrainingWeeks is how much history the training run pulls.
	TrainingWeeks int
	// ForecastHorizon is the number of per-hour models (H).
	ForecastHorizon int

	// ModelPath is the artifact directory shared with the read API.
	ModelPath string
	// Timezone is the IANA zone applied at the feature-generation boundary.
	Timezone string
	// Latitude and Longitude locate the box for solar and weather features.
	Latitude  float64
	Longitude float64

	RedisHost string
	RedisPort string

	TemporalHostPort  string
	TemporalNamespace string
	TaskQueue         string

	// IngestInterval is the ingestion schedule period.
	IngestInterval time.Duration
	// TrainingCron is the daily training schedule in cron syntax.
	TrainingCron string

	// HTTPAddr is the read-API listen address.
	HTTPAddr string
}

// Load reads the environment and validates required settings.
func Load() (Config, error) {
	cfg := Config{
		DBUser:            os.Getenv("DB_USER"),
		DBPassword:        os.Getenv("DB_PASSWORD"),
		DBHost:            os.Getenv("DB_HOST"),
		DBPort:            envOr("DB_PORT", "5432"),
		DBName:            os.Getenv("DB_NAME"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		SensorBoxID:       envOr("SENSOR_BOX_ID", "5faeb5589b2df8001b980304"),
		TargetSensorID:    envOr("TARGET_SENSOR_ID", "5faeb5589b2df8001b980307"),
		InitialWindowDays: envIntOr("INITIAL_TIME_WINDOW_IN_DAYS", 7),
		ChunkDays:         envIntOr("FETCH_TIME_WINDOW_DAYS", 2),
		TrainingWeeks:     envIntOr("TRAINING_WEEKS", 16),
		ForecastHorizon:   envIntOr("FORECAST_HORIZON", 24),
		ModelPath:         envOr("MODEL_PATH", "/app/models"),
		Timezone:          envOr("TIMEZONE", "Europe/London"),
		Latitude:          envFloatOr("SENSOR_LATITUDE", 52.019364),
		Longitude:         envFloatOr("SENSOR_LONGITUDE", -1.73893),
		RedisHost:         envOr("REDIS_HOST", "localhost"),
		RedisPort:         envOr("REDIS_PORT", "6379"),
		TemporalHostPort:  envOr("TEMPORAL_HOST_PORT", "localhost:7233"),
		TemporalNamespace: envOr("TEMPORAL_NAMESPACE", "default"),
		TaskQueue:         envOr("TASK_QUEUE", "thermocast"),
		IngestInterval:    envDurationOr("INGEST_INTERVAL", 5*time.Minute),
		TrainingCron:      envOr("TRAINING_CRON", "0 2 * * *"),
		HTTPAddr:          envOr("HTTP_ADDR", ":8000"),
	}

	if cfg.DatabaseURL == "" {
		var missing []string
		for _, v := range []struct{ name, val string }{
			{"DB_USER", cfg.DBUser},
			{"DB_PASSWORD", cfg.DBPassword},
			{"DB_HOST", cfg.DBHost},
			{"DB_NAME", cfg.DBName},
		} {
			if v.val == "" {
				missing = append(missing, v.name)
			}
		}
		if len(missing) > 0 {
			return Config{}, fmt.Errorf("missing required environment variables: %v", missing)
		}
		cfg.DatabaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
			cfg.DBUser, url.QueryEscape(cfg.DBPassword), cfg.DBHost, cfg.DBPort, cfg.DBName)
	}
	if cfg.ForecastHorizon < 1 {
		return Config{}, fmt.Errorf("FORECAST_HORIZON must be at least 1, got %d", cfg.ForecastHorizon)
	}
	if cfg.ChunkDays < 1 {
		return Config{}, fmt.Errorf("FETCH_TIME_WINDOW_DAYS must be at least 1, got %d", cfg.ChunkDays)
	}
	if cfg.InitialWindowDays < 1 {
		return Config{}, fmt.Errorf("INITIAL_TIME_WINDOW_IN_DAYS must be at least 1, got %d", cfg.InitialWindowDays)
	}
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return Config{}, fmt.Errorf("invalid TIMEZONE %q: %w", cfg.Timezone, err)
	}
	return cfg, nil
}

// RedisAddr returns the host:port pair for the prediction cache.
func (c Config) RedisAddr() string {
	return c.RedisHost + ":" + c.RedisPort
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envIntOr returns the environment variable as int or a default.
func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

// envFloatOr returns the environment variable as float64 or a default.
func envFloatOr(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

// envDurationOr returns the environment variable as duration or a default.
func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
