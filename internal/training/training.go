// Package training orchestrates one full training run: pull the recent
// hourly history, join weather, build the feature frame and fit one ridge
// model per forecast horizon. Horizons are independent; one horizon failing
// records an error row in the registry and never sinks its siblings.
package training

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"goa.design/clue/log"
	"golang.org/x/sync/errgroup"

	"thermocast/internal/clock"
	"thermocast/internal/features"
	"thermocast/internal/forecast"
	"thermocast/internal/metrics"
	"thermocast/internal/openmeteo"
	"thermocast/internal/store"
)

// minTrainingHours is the smallest usable history: the longest rolling window
// plus the longest horizon plus a margin for cross-validation folds.
const minTrainingHours = 336

const defaultConcurrency = 3

// Storage is the store subset the orchestrator uses.
type Storage interface {
	ReadHourlySeries(ctx context.Context, sensorID string, from, to time.Time) ([]store.HourlyPoint, error)
	UpsertTrainedModel(ctx context.Context, m store.ModelUpsert) (int, error)
}

// Weather fetches the hourly weather join.
type Weather interface {
	FetchHourly(ctx context.Context, start, end time.Time) ([]openmeteo.Hour, error)
}

// Options configures the orchestrator.
type Options struct {
	SensorID      string
	TrainingWeeks int
	HorizonHours  int
	ModelDir      string
	Location      *time.Location
	Latitude      float64
	Longitude     float64
	// Concurrency bounds parallel horizon fits, 3 by default.
	Concurrency int
}

// Orchestrator runs training end to end.
type Orchestrator struct {
	storage Storage
	weather Weather
	metrics *metrics.Metrics
	clock   clock.Clock
	opts    Options
}

// New constructs an orchestrator. Metrics may be nil in tests.
func New(storage Storage, weather Weather, m *metrics.Metrics, clk clock.Clock, opts Options) (*Orchestrator, error) {
	if opts.SensorID == "" {
		return nil, fmt.Errorf("training: sensor id is required")
	}
	if opts.TrainingWeeks < 1 || opts.HorizonHours < 1 {
		return nil, fmt.Errorf("training: weeks and horizon must be at least 1")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Orchestrator{storage: storage, weather: weather, metrics: m, clock: clk, opts: opts}, nil
}

// HorizonResult is one horizon's outcome within a run.
type HorizonResult struct {
	Horizon  int
	Version  int
	Rows     int
	Alpha    float64
	Metrics  forecast.Metrics
	Naive    forecast.Metrics
	Duration time.Duration
	Err      string
}

// Failed reports whether the horizon produced no servable model.
func (r HorizonResult) Failed() bool { return r.Err != "" }

// RunReport summarizes one full run.
type RunReport struct {
	StartedAt  time.Time
	FinishedAt time.Time
	From       time.Time
	To         time.Time
	FrameRows  int
	Horizons   []HorizonResult
}

// Run executes one training run. It returns an error only when the run could
// not produce a frame at all; per-horizon failures live in the report.
func (o *Orchestrator) Run(ctx context.Context) (*RunReport, error) {
	started := o.clock.Now()
	to := started
	from := to.Add(-time.Duration(o.opts.TrainingWeeks) * 7 * 24 * time.Hour)

	temps, err := o.storage.ReadHourlySeries(ctx, o.opts.SensorID, from, to)
	if err != nil {
		return nil, fmt.Errorf("training: read hourly history: %w", err)
	}
	if len(temps) < minTrainingHours {
		return nil, fmt.Errorf("training: only %d hourly points in window, need at least %d", len(temps), minTrainingHours)
	}
	weather, err := o.weather.FetchHourly(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("training: fetch weather history: %w", err)
	}

	frame, err := features.Build(features.Input{
		Temps:     temps,
		Weather:   weather,
		Location:  o.opts.Location,
		Latitude:  o.opts.Latitude,
		Longitude: o.opts.Longitude,
	})
	if err != nil {
		return nil, fmt.Errorf("training: build feature frame: %w", err)
	}
	log.Info(ctx, log.KV{K: "msg", V: "training frame built"},
		log.KV{K: "rows", V: len(frame.Rows)},
		log.KV{K: "from", V: from.Format(time.RFC3339)},
		log.KV{K: "to", V: to.Format(time.RFC3339)})

	results := make([]HorizonResult, o.opts.HorizonHours)
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Concurrency)
	for h := 1; h <= o.opts.HorizonHours; h++ {
		g.Go(func() error {
			res := o.trainHorizon(gctx, frame, h)
			mu.Lock()
			results[h-1] = res
			mu.Unlock()
			return nil
		})
	}
	// Goroutines never return errors; Wait only propagates ctx cancellation.
	if err := g.Wait(); err != nil {
		return nil, err
	}

	finished := o.clock.Now()
	if o.metrics != nil {
		o.metrics.TrainingDuration.Observe(finished.Sub(started).Seconds())
	}
	report := &RunReport{
		StartedAt:  started,
		FinishedAt: finished,
		From:       from,
		To:         to,
		FrameRows:  len(frame.Rows),
		Horizons:   results,
	}
	for _, r := range results {
		if r.Failed() {
			log.Warn(ctx, log.KV{K: "msg", V: "horizon training failed"},
				log.KV{K: "horizon", V: r.Horizon}, log.KV{K: "error", V: r.Err})
		}
	}
	return report, nil
}

func (o *Orchestrator) trainHorizon(ctx context.Context, frame *features.Frame, horizon int) HorizonResult {
	begin := o.clock.Now()
	res := HorizonResult{Horizon: horizon}

	fail := func(err error) HorizonResult {
		res.Err = err.Error()
		res.Duration = o.clock.Now().Sub(begin)
		o.countHorizon("failed")
		errMsg := res.Err
		if _, upErr := o.storage.UpsertTrainedModel(ctx, store.ModelUpsert{
			ModelName:       modelName(horizon),
			ForecastHorizon: horizon,
			LastTrainedAt:   begin,
			DurationSeconds: res.Duration.Seconds(),
			TrainError:      &errMsg,
		}); upErr != nil {
			log.Error(ctx, upErr, log.KV{K: "msg", V: "record training failure"}, log.KV{K: "horizon", V: horizon})
		}
		return res
	}

	x, y, times := frame.TrainingSet(horizon)
	if len(x) == 0 {
		return fail(fmt.Errorf("no complete rows for horizon %d", horizon))
	}
	res.Rows = len(x)

	fit, err := forecast.Train(x, y, forecast.TrainOptions{
		Horizon:         horizon,
		PipelineVersion: features.PipelineVersion,
		Columns:         frame.Columns,
		TrainedAt:       begin,
	})
	if err != nil {
		return fail(err)
	}
	res.Alpha = fit.Model.Alpha

	actual := make([]float64, len(fit.OOFIndex))
	for i, j := range fit.OOFIndex {
		actual[i] = y[j]
	}
	res.Metrics = forecast.Evaluate(fit.OOF, actual)
	res.Naive = o.naiveBaseline(frame, times, y, fit.OOFIndex, horizon)

	path := filepath.Join(o.opts.ModelDir, forecast.ArtifactName(horizon))
	if err := fit.Model.Save(path); err != nil {
		return fail(err)
	}
	res.Duration = o.clock.Now().Sub(begin)

	version, err := o.storage.UpsertTrainedModel(ctx, store.ModelUpsert{
		ModelName:       modelName(horizon),
		ForecastHorizon: horizon,
		ModelPath:       path,
		LastTrainedAt:   begin,
		DurationSeconds: res.Duration.Seconds(),
		ValMAE:          &res.Metrics.MAE,
		ValRMSE:         &res.Metrics.RMSE,
		ValMAPE:         &res.Metrics.MAPE,
		ValR2:           &res.Metrics.R2,
		NaiveValMAE:     &res.Naive.MAE,
		NaiveValRMSE:    &res.Naive.RMSE,
	})
	if err != nil {
		return fail(err)
	}
	res.Version = version
	o.countHorizon("ok")
	log.Info(ctx, log.KV{K: "msg", V: "horizon trained"},
		log.KV{K: "horizon", V: horizon},
		log.KV{K: "version", V: version},
		log.KV{K: "rows", V: res.Rows},
		log.KV{K: "val_mae", V: res.Metrics.MAE},
		log.KV{K: "naive_mae", V: res.Naive.MAE})
	return res
}

// naiveBaseline scores the 24h-persistence forecast on the same out-of-fold
// rows the model was scored on: for a target at time t+h, predict the
// temperature at t+h-24.
func (o *Orchestrator) naiveBaseline(frame *features.Frame, times []time.Time, y []float64, oofIdx []int, horizon int) forecast.Metrics {
	if len(frame.Times) == 0 {
		return forecast.Metrics{}
	}
	origin := frame.Times[0]
	var preds, actuals []float64
	for _, i := range oofIdx {
		fi := int(times[i].Sub(origin) / time.Hour)
		ni := fi + horizon - 24
		if ni < 0 || ni >= len(frame.Target) {
			continue
		}
		preds = append(preds, frame.Target[ni])
		actuals = append(actuals, y[i])
	}
	return forecast.Evaluate(preds, actuals)
}

func (o *Orchestrator) countHorizon(outcome string) {
	if o.metrics != nil {
		o.metrics.TrainingRuns.WithLabelValues(outcome).Inc()
	}
}

func modelName(horizon int) string {
	return fmt.Sprintf("temp-forecast-%dh", horizon)
}

// Markdown renders the run as a report suitable for dropping next to the
// artifacts.
func (r *RunReport) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Training run %s\n\n", r.StartedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "- Window: %s to %s\n", r.From.UTC().Format(time.RFC3339), r.To.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "- Frame rows: %d\n", r.FrameRows)
	fmt.Fprintf(&b, "- Duration: %s\n\n", r.FinishedAt.Sub(r.StartedAt).Round(time.Second))
	b.WriteString("| Horizon | Version | Rows | Alpha | MAE | RMSE | R² | Naive MAE | Status |\n")
	b.WriteString("|---:|---:|---:|---:|---:|---:|---:|---:|---|\n")
	for _, h := range r.Horizons {
		if h.Failed() {
			fmt.Fprintf(&b, "| %dh | - | %d | - | - | - | - | - | failed: %s |\n", h.Horizon, h.Rows, h.Err)
			continue
		}
		fmt.Fprintf(&b, "| %dh | %d | %d | %.2g | %.3f | %.3f | %.3f | %.3f | ok |\n",
			h.Horizon, h.Version, h.Rows, h.Alpha, h.Metrics.MAE, h.Metrics.RMSE, h.Metrics.R2, h.Naive.MAE)
	}
	return b.String()
}
