// Package workflow holds the Temporal workflows that drive the platform: the
// per-box ingestion pipeline and the daily training run. Workflows stay
// deterministic; every fetch, insert and fit happens in an activity.
package workflow

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"thermocast/internal/ingest"
	"thermocast/internal/watermark"
)

// Workflow and activity registration names.
const (
	IngestWorkflowName   = "IngestBoxWorkflow"
	TrainingWorkflowName = "TrainModelsWorkflow"
)

// IngestWorkflowID returns the deterministic workflow id for a box. One id
// per box means the server itself serializes runs: a schedule firing while
// the previous run is live is skipped, never queued.
func IngestWorkflowID(boxID string) string {
	return "ingest-" + boxID
}

// IngestInput parameterizes one ingestion run.
type IngestInput struct {
	BoxID string
	// SensorIDs limits ingestion to the listed sensors. Empty means every
	// sensor the metadata sync reports.
	SensorIDs []string
	// InitialWindowDays is how far a brand-new box backfills.
	InitialWindowDays int
	// ChunkDays is the sub-interval size the fetch window is cut into.
	ChunkDays int
	// TriggerTraining starts the training workflow as an abandoned child
	// after this box's first successful ingestion.
	TriggerTraining bool
	// ReportDir is where training drops its markdown report.
	ReportDir string
}

// IngestResult summarizes one ingestion run.
type IngestResult struct {
	// RunID correlates this run's log lines across workflow and activities.
	RunID string
	// Outcome is one of complete, partial, failed or noop.
	Outcome    string
	Stored     int
	Duplicates int
	Skipped    int
	// ChunksFailed counts chunk activities that errored. The first failing
	// sub-interval also aborts everything after it.
	ChunksFailed int
	Watermark    *time.Time
}

// IngestBoxWorkflow syncs box metadata, fetches the outstanding measurement
// window in time-ordered chunks and advances the watermark. Chunks within one
// sub-interval run in parallel across sensors; sub-intervals run strictly in
// order and a failed sub-interval aborts the rest so the watermark semantics
// stay simple: everything before the mark has been attempted.
func IngestBoxWorkflow(ctx workflow.Context, in IngestInput) (IngestResult, error) {
	if in.BoxID == "" {
		return IngestResult{}, fmt.Errorf("box id is required")
	}
	if in.InitialWindowDays < 1 {
		in.InitialWindowDays = 7
	}
	if in.ChunkDays < 1 {
		in.ChunkDays = 2
	}
	logger := workflow.GetLogger(ctx)

	// Correlation id for this run's log lines. Generated through a side
	// effect so replays see the same value.
	var runID string
	if err := workflow.SideEffect(ctx, func(workflow.Context) any {
		return uuid.NewString()
	}).Get(&runID); err != nil {
		return IngestResult{}, fmt.Errorf("generate run id: %w", err)
	}

	var a *Activities
	syncCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy:         singleAttempt(),
	})
	var state ingest.BoxState
	if err := workflow.ExecuteActivity(syncCtx, a.SyncBox, in.BoxID).Get(syncCtx, &state); err != nil {
		return IngestResult{RunID: runID, Outcome: "failed"}, err
	}

	sensors := in.SensorIDs
	if len(sensors) == 0 {
		sensors = state.SensorIDs
	}
	if len(sensors) == 0 {
		return IngestResult{}, fmt.Errorf("box %s reports no sensors", in.BoxID)
	}

	win := watermark.Compute(
		state.Box.LastDataFetched,
		state.Box.LastMeasurementAt,
		workflow.Now(ctx),
		time.Duration(in.InitialWindowDays)*24*time.Hour,
	)
	chunks := ingest.SplitWindow(win, time.Duration(in.ChunkDays)*24*time.Hour)
	if len(chunks) == 0 {
		logger.Info("nothing to ingest", "box_id", in.BoxID, "run_id", runID)
		if err := workflow.ExecuteActivity(syncCtx, a.AdvanceWatermark, WatermarkRequest{
			BoxID:   in.BoxID,
			Outcome: "noop",
		}).Get(syncCtx, nil); err != nil {
			logger.Warn("record run outcome failed", "box_id", in.BoxID, "error", err)
		}
		return IngestResult{RunID: runID, Outcome: "noop", Watermark: state.Box.LastDataFetched}, nil
	}

	chunkCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 3 * time.Minute,
		RetryPolicy:         singleAttempt(),
	})

	result := IngestResult{RunID: runID}
	var newest *time.Time
	complete := true
	for _, sub := range chunks {
		futures := make([]workflow.Future, len(sensors))
		for i, sensorID := range sensors {
			futures[i] = workflow.ExecuteActivity(chunkCtx, a.FetchStoreChunk, ChunkRequest{
				BoxID:    in.BoxID,
				SensorID: sensorID,
				Window:   sub,
			})
		}
		subFailed := false
		for i, fut := range futures {
			var out ingest.ChunkOutcome
			if err := fut.Get(chunkCtx, &out); err != nil {
				logger.Warn("chunk failed", "box_id", in.BoxID, "sensor_id", sensors[i],
					"from", sub.From, "to", sub.To, "error", err)
				result.ChunksFailed++
				subFailed = true
				continue
			}
			result.Stored += out.Stored
			result.Duplicates += out.Duplicates
			result.Skipped += out.Skipped
			if out.Newest != nil && (newest == nil || out.Newest.After(*newest)) {
				newest = out.Newest
			}
		}
		if subFailed {
			complete = false
			break
		}
	}

	switch {
	case complete:
		result.Outcome = "complete"
	case result.Stored > 0:
		result.Outcome = "partial"
	default:
		result.Outcome = "failed"
	}

	mark := watermark.Advance(state.Box.LastDataFetched, win, complete, newest)
	result.Watermark = mark
	if err := workflow.ExecuteActivity(syncCtx, a.AdvanceWatermark, WatermarkRequest{
		BoxID:   in.BoxID,
		Mark:    mark,
		Outcome: result.Outcome,
	}).Get(syncCtx, nil); err != nil {
		return result, err
	}

	if in.TriggerTraining && state.IsNew && result.Stored > 0 {
		// Fire and forget: training outlives this run and must not block or
		// fail it. Waiting on the start (not the result) guarantees the child
		// is actually scheduled before the parent closes.
		childCtx := workflow.WithChildOptions(ctx, workflow.ChildWorkflowOptions{
			WorkflowID:        "training-initial-" + in.BoxID,
			ParentClosePolicy: enumspb.PARENT_CLOSE_POLICY_ABANDON,
		})
		fut := workflow.ExecuteChildWorkflow(childCtx, TrainingWorkflowName, TrainInput{ReportDir: in.ReportDir})
		if err := fut.GetChildWorkflowExecution().Get(childCtx, nil); err != nil {
			logger.Warn("initial training start failed", "box_id", in.BoxID, "error", err)
		}
	}
	logger.Info("ingestion run done", "box_id", in.BoxID, "run_id", runID, "outcome", result.Outcome,
		"stored", result.Stored, "duplicates", result.Duplicates, "skipped", result.Skipped)
	return result, nil
}

// TrainInput parameterizes a training run.
type TrainInput struct {
	// ReportDir is where the markdown run report lands; empty skips it.
	ReportDir string
}

// TrainModelsWorkflow runs one full training pass in a single long activity.
func TrainModelsWorkflow(ctx workflow.Context, in TrainInput) (TrainingSummary, error) {
	actCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Hour,
		HeartbeatTimeout:    2 * time.Minute,
		RetryPolicy:         singleAttempt(),
	})
	var a *Activities
	var summary TrainingSummary
	if err := workflow.ExecuteActivity(actCtx, a.RunTraining, in.ReportDir).Get(actCtx, &summary); err != nil {
		return TrainingSummary{}, err
	}
	workflow.GetLogger(ctx).Info("training run done",
		"trained", summary.Trained, "failed", summary.Failed, "duration", summary.Duration)
	return summary, nil
}

func singleAttempt() *temporal.RetryPolicy {
	return &temporal.RetryPolicy{MaximumAttempts: 1}
}
