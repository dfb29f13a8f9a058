// Package ingest pulls raw measurements from OpenSenseMap into the store,
// one chunk at a time. It owns the metadata sync, the chunk split and the
// per-chunk fetch+insert; scheduling and ordering belong to the workflow
// layer.
package ingest

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"goa.design/clue/log"

	"thermocast/internal/clock"
	"thermocast/internal/metrics"
	"thermocast/internal/opensensemap"
	"thermocast/internal/store"
	"thermocast/internal/watermark"
)

// API is the subset of the OpenSenseMap client the service uses.
type API interface {
	FetchBoxMetadata(ctx context.Context, boxID string) (opensensemap.BoxMeta, error)
	FetchMeasurements(ctx context.Context, boxID, sensorID string, from, to time.Time) ([]opensensemap.Measurement, error)
}

// Storage is the subset of the store the service uses.
type Storage interface {
	UpsertBox(ctx context.Context, b store.BoxUpsert) (store.Box, bool, error)
	UpsertSensor(ctx context.Context, sensor store.Sensor) error
	BulkInsertMeasurements(ctx context.Context, measurements []store.Measurement) (store.InsertOutcome, error)
	UpdateWatermarks(ctx context.Context, boxID string, lastMeasurementAt, lastDataFetched *time.Time) error
}

// Service coordinates API fetches and store writes for one ingestion step.
type Service struct {
	api     API
	storage Storage
	metrics *metrics.Metrics
	clock   clock.Clock
}

// NewService constructs the service. Metrics may be nil in tests.
func NewService(api API, storage Storage, m *metrics.Metrics, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Service{api: api, storage: storage, metrics: m, clock: clk}
}

// BoxState is the outcome of a metadata sync: the persisted box, its sensor
// ids and whether this run created it.
type BoxState struct {
	Box       store.Box
	SensorIDs []string
	IsNew     bool
}

// SyncBox fetches the box document and mirrors box and sensor metadata into
// the store. The box's stored last_measurement_at only moves forward.
func (s *Service) SyncBox(ctx context.Context, boxID string) (BoxState, error) {
	meta, err := s.api.FetchBoxMetadata(ctx, boxID)
	if err != nil {
		return BoxState{}, err
	}
	now := s.clock.Now()
	box, isNew, err := s.storage.UpsertBox(ctx, store.BoxUpsert{
		BoxID:             meta.ID,
		Name:              meta.Name,
		Exposure:          optional(meta.Exposure),
		Model:             optional(meta.Model),
		CurrentLocation:   meta.CurrentLocation,
		LastMeasurementAt: meta.LastMeasurementAt,
		CreatedAt:         now,
		UpdatedAt:         now,
	})
	if err != nil {
		return BoxState{}, err
	}
	sensorIDs := make([]string, 0, len(meta.Sensors))
	for _, sm := range meta.Sensors {
		sensorIDs = append(sensorIDs, sm.ID)
		if err := s.storage.UpsertSensor(ctx, store.Sensor{
			SensorID:   sm.ID,
			BoxID:      meta.ID,
			Title:      optional(sm.Title),
			SensorType: optional(sm.SensorType),
			Unit:       optional(sm.Unit),
			Icon:       optional(sm.Icon),
		}); err != nil {
			return BoxState{}, err
		}
	}
	log.Info(ctx, log.KV{K: "msg", V: "box metadata synced"},
		log.KV{K: "box_id", V: meta.ID},
		log.KV{K: "sensors", V: len(meta.Sensors)},
		log.KV{K: "new", V: isNew})
	return BoxState{Box: box, SensorIDs: sensorIDs, IsNew: isNew}, nil
}

// ChunkOutcome reports what one chunk fetch actually did.
type ChunkOutcome struct {
	Stored     int
	Duplicates int
	Skipped    int
	// Newest is the latest timestamp stored by this chunk, nil when the chunk
	// carried no usable rows.
	Newest *time.Time
}

// FetchStoreChunk fetches one sensor's measurements over the half-open window
// and inserts the usable ones. Rows with a missing timestamp, an unparsable
// or non-finite value, or a timestamp outside the window are counted as
// skipped, never failed: a single bad row must not poison the chunk.
func (s *Service) FetchStoreChunk(ctx context.Context, boxID, sensorID string, w watermark.Window) (ChunkOutcome, error) {
	raw, err := s.api.FetchMeasurements(ctx, boxID, sensorID, w.From, w.To)
	if err != nil {
		s.countChunkFailure(sensorID, err)
		return ChunkOutcome{}, fmt.Errorf("chunk [%s, %s): %w",
			w.From.Format(time.RFC3339), w.To.Format(time.RFC3339), err)
	}

	var out ChunkOutcome
	rows := make([]store.Measurement, 0, len(raw))
	for _, m := range raw {
		if m.CreatedAt == nil {
			out.Skipped++
			continue
		}
		ts := m.CreatedAt.UTC()
		if ts.Before(w.From) || !ts.Before(w.To) {
			out.Skipped++
			continue
		}
		v, err := strconv.ParseFloat(m.Value, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			out.Skipped++
			continue
		}
		rows = append(rows, store.Measurement{SensorID: sensorID, Value: v, Timestamp: ts})
		if out.Newest == nil || ts.After(*out.Newest) {
			newest := ts
			out.Newest = &newest
		}
	}

	ins, err := s.storage.BulkInsertMeasurements(ctx, rows)
	if err != nil {
		s.countChunkFailure(sensorID, err)
		return ChunkOutcome{}, err
	}
	out.Stored = ins.Inserted
	out.Duplicates = ins.Duplicates

	if s.metrics != nil {
		s.metrics.ChunksFetched.WithLabelValues(sensorID).Inc()
		s.metrics.PointsStored.Add(float64(out.Stored))
		s.metrics.PointsDuplicate.Add(float64(out.Duplicates))
		s.metrics.RowsSkipped.Add(float64(out.Skipped))
	}
	log.Debug(ctx, log.KV{K: "msg", V: "chunk stored"},
		log.KV{K: "sensor_id", V: sensorID},
		log.KV{K: "from", V: w.From.Format(time.RFC3339)},
		log.KV{K: "to", V: w.To.Format(time.RFC3339)},
		log.KV{K: "stored", V: out.Stored},
		log.KV{K: "duplicates", V: out.Duplicates},
		log.KV{K: "skipped", V: out.Skipped})
	return out, nil
}

// AdvanceWatermark closes out one ingestion run: it records the run outcome
// and persists the new high-water mark. A nil mark records the outcome only.
func (s *Service) AdvanceWatermark(ctx context.Context, boxID string, mark *time.Time, outcome string) error {
	if s.metrics != nil && outcome != "" {
		s.metrics.IngestRuns.WithLabelValues(outcome).Inc()
	}
	if mark == nil {
		return nil
	}
	return s.storage.UpdateWatermarks(ctx, boxID, nil, mark)
}

func (s *Service) countChunkFailure(sensorID string, err error) {
	if s.metrics == nil {
		return
	}
	kind := "transient"
	if opensensemap.IsPermanent(err) {
		kind = "permanent"
	}
	s.metrics.ChunksFailed.WithLabelValues(sensorID, kind).Inc()
}

// SplitWindow cuts a window into consecutive half-open sub-intervals of at
// most chunk each, oldest first. The final sub-interval is truncated to the
// window's upper bound. An empty window yields no chunks.
func SplitWindow(w watermark.Window, chunk time.Duration) []watermark.Window {
	if w.Empty() || chunk <= 0 {
		return nil
	}
	var chunks []watermark.Window
	for from := w.From; from.Before(w.To); from = from.Add(chunk) {
		to := from.Add(chunk)
		if to.After(w.To) {
			to = w.To
		}
		chunks = append(chunks, watermark.Window{From: from, To: to})
	}
	return chunks
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
