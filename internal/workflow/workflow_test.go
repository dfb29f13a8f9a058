package workflow_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"
	sdkworkflow "go.temporal.io/sdk/workflow"

	"thermocast/internal/ingest"
	"thermocast/internal/store"
	"thermocast/internal/watermark"
	"thermocast/internal/workflow"
)

var wfNow = time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC)

func newEnv(t *testing.T) (*testsuite.TestWorkflowEnvironment, *workflow.Activities) {
	t.Helper()
	ts := &testsuite.WorkflowTestSuite{}
	env := ts.NewTestWorkflowEnvironment()
	env.SetStartTime(wfNow)
	env.RegisterWorkflowWithOptions(workflow.IngestBoxWorkflow, sdkworkflow.RegisterOptions{Name: workflow.IngestWorkflowName})
	env.RegisterWorkflowWithOptions(workflow.TrainModelsWorkflow, sdkworkflow.RegisterOptions{Name: workflow.TrainingWorkflowName})
	return env, workflow.NewActivities(nil, nil, nil)
}

func boxState(fetched, last *time.Time, isNew bool) ingest.BoxState {
	return ingest.BoxState{
		Box: store.Box{
			BoxID:             "box-1",
			Name:              "Garden Station",
			LastMeasurementAt: last,
			LastDataFetched:   fetched,
		},
		SensorIDs: []string{"s-temp"},
		IsNew:     isNew,
	}
}

func ingestInput() workflow.IngestInput {
	return workflow.IngestInput{
		BoxID:             "box-1",
		InitialWindowDays: 7,
		ChunkDays:         2,
	}
}

func TestIngestWorkflowCompleteRun(t *testing.T) {
	env, a := newEnv(t)
	fetched := wfNow.Add(-3 * 24 * time.Hour)
	last := wfNow.Add(-time.Hour)
	env.OnActivity(a.SyncBox, mock.Anything, "box-1").Return(boxState(&fetched, &last, false), nil)

	newest := last.Add(-10 * time.Minute)
	env.OnActivity(a.FetchStoreChunk, mock.Anything, mock.Anything).Return(
		func(_ context.Context, req workflow.ChunkRequest) (ingest.ChunkOutcome, error) {
			return ingest.ChunkOutcome{Stored: 100, Newest: &newest}, nil
		})
	var gotReq workflow.WatermarkRequest
	env.OnActivity(a.AdvanceWatermark, mock.Anything, mock.Anything).Return(
		func(_ context.Context, req workflow.WatermarkRequest) error {
			gotReq = req
			return nil
		})

	env.ExecuteWorkflow(workflow.IngestWorkflowName, ingestInput())
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var res workflow.IngestResult
	require.NoError(t, env.GetWorkflowResult(&res))
	require.Equal(t, "complete", res.Outcome)
	require.NotEmpty(t, res.RunID)
	// Two 2-day sub-intervals cover the 3-day backlog (the tail is short).
	require.Equal(t, 200, res.Stored)
	require.Zero(t, res.ChunksFailed)
	// A complete run advances the watermark to the window's upper bound and
	// records the outcome.
	require.Equal(t, "complete", gotReq.Outcome)
	require.NotNil(t, gotReq.Mark)
	require.Equal(t, last, gotReq.Mark.UTC())
}

func TestIngestWorkflowPartialRunStopsAtFailedSubInterval(t *testing.T) {
	env, a := newEnv(t)
	fetched := wfNow.Add(-6 * 24 * time.Hour)
	last := wfNow.Add(-time.Hour)
	env.OnActivity(a.SyncBox, mock.Anything, "box-1").Return(boxState(&fetched, &last, false), nil)

	firstTo := fetched.Add(2 * 24 * time.Hour)
	newest := firstTo.Add(-time.Minute)
	calls := 0
	env.OnActivity(a.FetchStoreChunk, mock.Anything, mock.Anything).Return(
		func(_ context.Context, req workflow.ChunkRequest) (ingest.ChunkOutcome, error) {
			calls++
			if req.Window.From.Equal(fetched.UTC()) {
				return ingest.ChunkOutcome{Stored: 50, Newest: &newest}, nil
			}
			return ingest.ChunkOutcome{}, errors.New("upstream 503")
		})
	var gotReq workflow.WatermarkRequest
	env.OnActivity(a.AdvanceWatermark, mock.Anything, mock.Anything).Return(
		func(_ context.Context, req workflow.WatermarkRequest) error {
			gotReq = req
			return nil
		})

	env.ExecuteWorkflow(workflow.IngestWorkflowName, ingestInput())
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var res workflow.IngestResult
	require.NoError(t, env.GetWorkflowResult(&res))
	require.Equal(t, "partial", res.Outcome)
	require.Equal(t, 50, res.Stored)
	require.Equal(t, 1, res.ChunksFailed)
	// The failed second sub-interval aborts the third; only two chunk calls.
	require.Equal(t, 2, calls)
	// The watermark stops at the newest stored timestamp, not the window end.
	require.Equal(t, "partial", gotReq.Outcome)
	require.NotNil(t, gotReq.Mark)
	require.Equal(t, newest.UTC(), gotReq.Mark.UTC())
}

func TestIngestWorkflowNoopWhenCaughtUp(t *testing.T) {
	env, a := newEnv(t)
	last := wfNow.Add(-time.Hour)
	env.OnActivity(a.SyncBox, mock.Anything, "box-1").Return(boxState(&last, &last, false), nil)
	var gotReq workflow.WatermarkRequest
	env.OnActivity(a.AdvanceWatermark, mock.Anything, mock.Anything).Return(
		func(_ context.Context, req workflow.WatermarkRequest) error {
			gotReq = req
			return nil
		})

	env.ExecuteWorkflow(workflow.IngestWorkflowName, ingestInput())
	require.True(t, env.IsWorkflowCompleted())

	var res workflow.IngestResult
	require.NoError(t, env.GetWorkflowResult(&res))
	require.Equal(t, "noop", res.Outcome)
	env.AssertNotCalled(t, "FetchStoreChunk", mock.Anything, mock.Anything)
	// A caught-up run still records its outcome, with the watermark untouched.
	require.Equal(t, "noop", gotReq.Outcome)
	require.Nil(t, gotReq.Mark)
}

func TestIngestWorkflowFailedSyncFailsRun(t *testing.T) {
	env, a := newEnv(t)
	env.OnActivity(a.SyncBox, mock.Anything, "box-1").Return(ingest.BoxState{}, errors.New("api down"))

	env.ExecuteWorkflow(workflow.IngestWorkflowName, ingestInput())
	require.True(t, env.IsWorkflowCompleted())
	require.Error(t, env.GetWorkflowError())
}

func TestIngestWorkflowNewBoxTriggersInitialTraining(t *testing.T) {
	env, a := newEnv(t)
	last := wfNow.Add(-time.Hour)
	env.OnActivity(a.SyncBox, mock.Anything, "box-1").Return(boxState(nil, &last, true), nil)
	env.OnActivity(a.FetchStoreChunk, mock.Anything, mock.Anything).Return(
		func(_ context.Context, req workflow.ChunkRequest) (ingest.ChunkOutcome, error) {
			newest := req.Window.To.Add(-time.Minute)
			return ingest.ChunkOutcome{Stored: 10, Newest: &newest}, nil
		})
	env.OnActivity(a.AdvanceWatermark, mock.Anything, mock.Anything).Return(nil)
	env.OnActivity(a.RunTraining, mock.Anything, mock.Anything).Return(workflow.TrainingSummary{Trained: 24}, nil)

	in := ingestInput()
	in.TriggerTraining = true
	env.ExecuteWorkflow(workflow.IngestWorkflowName, in)
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	env.AssertCalled(t, "RunTraining", mock.Anything, mock.Anything)
}

func TestIngestWorkflowKnownBoxDoesNotRetrain(t *testing.T) {
	env, a := newEnv(t)
	fetched := wfNow.Add(-24 * time.Hour)
	last := wfNow.Add(-time.Hour)
	env.OnActivity(a.SyncBox, mock.Anything, "box-1").Return(boxState(&fetched, &last, false), nil)
	env.OnActivity(a.FetchStoreChunk, mock.Anything, mock.Anything).Return(ingest.ChunkOutcome{Stored: 5}, nil)
	env.OnActivity(a.AdvanceWatermark, mock.Anything, mock.Anything).Return(nil)

	in := ingestInput()
	in.TriggerTraining = true
	env.ExecuteWorkflow(workflow.IngestWorkflowName, in)
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	env.AssertNotCalled(t, "RunTraining", mock.Anything, mock.Anything)
}

func TestTrainModelsWorkflow(t *testing.T) {
	env, a := newEnv(t)
	env.OnActivity(a.RunTraining, mock.Anything, "/reports").Return(
		workflow.TrainingSummary{Trained: 22, Failed: 2, Duration: time.Minute}, nil)

	env.ExecuteWorkflow(workflow.TrainingWorkflowName, workflow.TrainInput{ReportDir: "/reports"})
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var summary workflow.TrainingSummary
	require.NoError(t, env.GetWorkflowResult(&summary))
	require.Equal(t, 22, summary.Trained)
	require.Equal(t, 2, summary.Failed)
}

func TestSplitWindowOrderingMatchesWorkflowExpectation(t *testing.T) {
	w := watermark.Window{From: wfNow.Add(-5 * 24 * time.Hour), To: wfNow}
	chunks := ingest.SplitWindow(w, 2*24*time.Hour)
	require.Len(t, chunks, 3)
	for i := 1; i < len(chunks); i++ {
		require.Equal(t, chunks[i-1].To, chunks[i].From)
	}
}

func TestIngestWorkflowID(t *testing.T) {
	require.Equal(t, "ingest-box-1", workflow.IngestWorkflowID("box-1"))
}
