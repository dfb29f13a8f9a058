// Package metrics exposes the process's Prometheus instruments. Collectors
// register on a dedicated registry so tests can construct isolated instances.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the instruments the ingestion and training paths update.
type Metrics struct {
	registry *prometheus.Registry

	ChunksFetched    *prometheus.CounterVec
	ChunksFailed     *prometheus.CounterVec
	PointsStored     prometheus.Counter
	PointsDuplicate  prometheus.Counter
	RowsSkipped      prometheus.Counter
	IngestRuns       *prometheus.CounterVec
	TrainingRuns     *prometheus.CounterVec
	TrainingDuration prometheus.Histogram
}

// New creates and registers all instruments on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := &Metrics{
		registry: reg,
		ChunksFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "thermocast_chunks_fetched_total",
			Help: "Measurement chunks fetched from the upstream API, by sensor.",
		}, []string{"sensor_id"}),
		ChunksFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "thermocast_chunks_failed_total",
			Help: "Measurement chunk fetches that failed, by sensor and kind (transient|permanent).",
		}, []string{"sensor_id", "kind"}),
		PointsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "thermocast_points_stored_total",
			Help: "Measurement rows newly inserted.",
		}),
		PointsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "thermocast_points_duplicate_total",
			Help: "Measurement rows skipped as already present.",
		}),
		RowsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "thermocast_rows_skipped_total",
			Help: "Upstream rows dropped as malformed or out of window.",
		}),
		IngestRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "thermocast_ingest_runs_total",
			Help: "Ingestion workflow completions, by outcome (complete|partial|failed|noop).",
		}, []string{"outcome"}),
		TrainingRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "thermocast_training_runs_total",
			Help: "Per-horizon training completions, by outcome (ok|failed).",
		}, []string{"outcome"}),
		TrainingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "thermocast_training_duration_seconds",
			Help:    "Wall time of one full training run.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
	reg.MustRegister(m.ChunksFetched, m.ChunksFailed, m.PointsStored, m.PointsDuplicate,
		m.RowsSkipped, m.IngestRuns, m.TrainingRuns, m.TrainingDuration)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
