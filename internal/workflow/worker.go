package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"goa.design/clue/log"
)

// WorkerConfig wires the Temporal worker and schedules.
type WorkerConfig struct {
	HostPort  string
	Namespace string
	TaskQueue string

	BoxID             string
	InitialWindowDays int
	ChunkDays         int
	ReportDir         string

	IngestInterval time.Duration
	TrainingCron   string
}

// Dial connects a Temporal client.
func Dial(cfg WorkerConfig) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("workflow: dial temporal at %s: %w", cfg.HostPort, err)
	}
	return c, nil
}

// NewWorker builds a worker with the workflows and activities registered.
// Chunk activities dominate the load; their concurrency is bounded so a wide
// backfill cannot starve the training activity.
func NewWorker(c client.Client, cfg WorkerConfig, acts *Activities) worker.Worker {
	w := worker.New(c, cfg.TaskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize: 8,
	})
	Register(w, acts)
	return w
}

// Register adds the workflows and activities to a worker.
func Register(w worker.Registry, acts *Activities) {
	w.RegisterWorkflowWithOptions(IngestBoxWorkflow, workflow.RegisterOptions{Name: IngestWorkflowName})
	w.RegisterWorkflowWithOptions(TrainModelsWorkflow, workflow.RegisterOptions{Name: TrainingWorkflowName})
	w.RegisterActivity(acts.SyncBox)
	w.RegisterActivity(acts.FetchStoreChunk)
	w.RegisterActivity(acts.AdvanceWatermark)
	w.RegisterActivity(acts.RunTraining)
}

// EnsureSchedules creates the recurring schedules, tolerating ones that
// already exist from a previous boot.
//
// The ingestion schedule uses the SKIP overlap policy together with the
// deterministic per-box workflow id: a tick that fires while the previous
// run is still going is dropped rather than queued, so runs never stack up
// behind a slow backfill.
func EnsureSchedules(ctx context.Context, c client.Client, cfg WorkerConfig) error {
	sched := c.ScheduleClient()

	ingestInput := IngestInput{
		BoxID:             cfg.BoxID,
		InitialWindowDays: cfg.InitialWindowDays,
		ChunkDays:         cfg.ChunkDays,
		TriggerTraining:   true,
		ReportDir:         cfg.ReportDir,
	}
	_, err := sched.Create(ctx, client.ScheduleOptions{
		ID: "ingest-schedule-" + cfg.BoxID,
		Spec: client.ScheduleSpec{
			Intervals: []client.ScheduleIntervalSpec{{Every: cfg.IngestInterval}},
		},
		Action: &client.ScheduleWorkflowAction{
			ID:        IngestWorkflowID(cfg.BoxID),
			Workflow:  IngestWorkflowName,
			Args:      []any{ingestInput},
			TaskQueue: cfg.TaskQueue,
		},
		Overlap: enumspb.SCHEDULE_OVERLAP_POLICY_SKIP,
		// First boot ingests immediately instead of waiting a full interval.
		TriggerImmediately: true,
	})
	if err != nil && !scheduleExists(err) {
		return fmt.Errorf("workflow: create ingestion schedule: %w", err)
	}

	_, err = sched.Create(ctx, client.ScheduleOptions{
		ID: "training-schedule",
		Spec: client.ScheduleSpec{
			CronExpressions: []string{cfg.TrainingCron},
		},
		Action: &client.ScheduleWorkflowAction{
			ID:        "training",
			Workflow:  TrainingWorkflowName,
			Args:      []any{TrainInput{ReportDir: cfg.ReportDir}},
			TaskQueue: cfg.TaskQueue,
		},
		Overlap: enumspb.SCHEDULE_OVERLAP_POLICY_SKIP,
	})
	if err != nil && !scheduleExists(err) {
		return fmt.Errorf("workflow: create training schedule: %w", err)
	}
	log.Info(ctx, log.KV{K: "msg", V: "schedules ensured"},
		log.KV{K: "box_id", V: cfg.BoxID},
		log.KV{K: "ingest_interval", V: cfg.IngestInterval},
		log.KV{K: "training_cron", V: cfg.TrainingCron})
	return nil
}

func scheduleExists(err error) bool {
	return errors.Is(err, temporal.ErrScheduleAlreadyRunning)
}
