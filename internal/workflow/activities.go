package workflow

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"go.temporal.io/sdk/activity"
	"goa.design/clue/log"

	"thermocast/internal/ingest"
	"thermocast/internal/registry"
	"thermocast/internal/training"
	"thermocast/internal/watermark"
)

// Activities bundles the side-effecting halves of the workflows. All retry
// logic for upstream calls lives in the HTTP clients, so every activity runs
// with a single Temporal attempt.
type Activities struct {
	ingest   *ingest.Service
	training *training.Orchestrator
	registry *registry.Service
}

// NewActivities constructs the activity set. The registry may be nil when the
// process runs ingestion only.
func NewActivities(ing *ingest.Service, tr *training.Orchestrator, reg *registry.Service) *Activities {
	return &Activities{ingest: ing, training: tr, registry: reg}
}

// SyncBox mirrors box and sensor metadata from the upstream API.
func (a *Activities) SyncBox(ctx context.Context, boxID string) (ingest.BoxState, error) {
	return a.ingest.SyncBox(ctx, boxID)
}

// ChunkRequest identifies one sensor chunk to fetch and store.
type ChunkRequest struct {
	BoxID    string
	SensorID string
	Window   watermark.Window
}

// FetchStoreChunk pulls one sensor's measurements for a sub-interval and
// inserts them.
func (a *Activities) FetchStoreChunk(ctx context.Context, req ChunkRequest) (ingest.ChunkOutcome, error) {
	return a.ingest.FetchStoreChunk(ctx, req.BoxID, req.SensorID, req.Window)
}

// WatermarkRequest carries the new high-water mark and the run outcome for a
// box. Mark is nil when the run left the watermark untouched.
type WatermarkRequest struct {
	BoxID   string
	Mark    *time.Time
	Outcome string
}

// AdvanceWatermark persists the high-water mark computed by the workflow and
// records the run outcome.
func (a *Activities) AdvanceWatermark(ctx context.Context, req WatermarkRequest) error {
	return a.ingest.AdvanceWatermark(ctx, req.BoxID, req.Mark, req.Outcome)
}

// TrainingSummary condenses a training run for the workflow result.
type TrainingSummary struct {
	Trained  int
	Failed   int
	Duration time.Duration
}

// RunTraining executes a full training run: every horizon is fitted inside
// this one activity so the feature frame never crosses a payload boundary.
// Heartbeats keep the long run visible to the server.
func (a *Activities) RunTraining(ctx context.Context, reportDir string) (TrainingSummary, error) {
	heartbeat := make(chan struct{})
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-heartbeat:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				activity.RecordHeartbeat(ctx)
			}
		}
	}()
	defer close(heartbeat)

	report, err := a.training.Run(ctx)
	if err != nil {
		return TrainingSummary{}, err
	}
	var summary TrainingSummary
	summary.Duration = report.FinishedAt.Sub(report.StartedAt)
	for _, h := range report.Horizons {
		if h.Failed() {
			summary.Failed++
		} else {
			summary.Trained++
		}
	}
	if reportDir != "" {
		path := filepath.Join(reportDir, "training_report.md")
		if err := os.WriteFile(path, []byte(report.Markdown()), 0o644); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "write training report"})
		}
	}
	if a.registry != nil {
		a.registry.Invalidate()
	}
	return summary, nil
}
