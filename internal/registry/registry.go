// Package registry serves trained models: it mirrors the registry table,
// keeps the per-horizon artifacts cached in memory and turns the latest
// feature row into a multi-horizon forecast.
package registry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"goa.design/clue/log"

	"thermocast/internal/clock"
	"thermocast/internal/features"
	"thermocast/internal/forecast"
	"thermocast/internal/openmeteo"
	"thermocast/internal/store"
)

// artifactTTL bounds how stale the in-memory artifact cache may get. Training
// publishes new artifacts at most daily, so a short TTL is plenty.
const artifactTTL = 15 * time.Minute

// ErrNoModels signals that no servable artifact is available yet, which is
// the normal state between first boot and the first training run.
var ErrNoModels = errors.New("registry: no models available")

// historyWindow is how much hourly history a forecast pulls: enough to fill
// the 168h rolling window with headroom for gaps.
const historyWindow = 14 * 24 * time.Hour

// plotHistoryHours is how much measured history the forecast payload carries
// for plotting alongside the predictions.
const plotHistoryHours = 48

// Storage is the store subset the registry uses.
type Storage interface {
	ListTrainedModels(ctx context.Context, limit int) ([]store.TrainedModel, error)
	ReadHourlySeries(ctx context.Context, sensorID string, from, to time.Time) ([]store.HourlyPoint, error)
}

// Weather fetches the hourly weather join for the feature frame.
type Weather interface {
	FetchHourly(ctx context.Context, start, end time.Time) ([]openmeteo.Hour, error)
}

// Options configures the registry.
type Options struct {
	SensorID  string
	ModelDir  string
	Location  *time.Location
	Latitude  float64
	Longitude float64
}

// Service is the serving-side model registry.
type Service struct {
	storage Storage
	weather Weather
	clock   clock.Clock
	opts    Options

	mu       sync.Mutex
	models   map[int]*forecast.Model
	loadedAt time.Time
}

// New constructs the service.
func New(storage Storage, weather Weather, clk clock.Clock, opts Options) (*Service, error) {
	if opts.SensorID == "" {
		return nil, fmt.Errorf("registry: sensor id is required")
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Service{storage: storage, weather: weather, clock: clk, opts: opts}, nil
}

// ActiveModels returns the registry rows that carry a servable model,
// ordered by horizon. Rows whose last training run failed are filtered out.
func (s *Service) ActiveModels(ctx context.Context) ([]store.TrainedModel, error) {
	rows, err := s.storage.ListTrainedModels(ctx, 100)
	if err != nil {
		return nil, err
	}
	active := rows[:0]
	for _, r := range rows {
		if r.TrainError == nil && r.ModelPath != "" {
			active = append(active, r)
		}
	}
	return active, nil
}

// artifacts returns the cached artifact map, reloading from disk when the
// cache has expired. Artifacts that fail to load are skipped with a log line;
// a horizon missing from the map simply produces no prediction.
func (s *Service) artifacts(ctx context.Context) (map[int]*forecast.Model, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	if s.models != nil && now.Sub(s.loadedAt) < artifactTTL {
		return s.models, nil
	}
	rows, err := s.ActiveModels(ctx)
	if err != nil {
		return nil, err
	}
	models := make(map[int]*forecast.Model, len(rows))
	for _, r := range rows {
		path := r.ModelPath
		if !filepath.IsAbs(path) {
			path = filepath.Join(s.opts.ModelDir, filepath.Base(path))
		}
		m, err := forecast.Load(path, features.PipelineVersion)
		if err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "skip unloadable artifact"}, log.KV{K: "horizon", V: r.ForecastHorizon})
			continue
		}
		models[r.ForecastHorizon] = m
	}
	s.models = models
	s.loadedAt = now
	return models, nil
}

// Invalidate drops the artifact cache so the next read reloads from disk.
// Called after a training run publishes new artifacts.
func (s *Service) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.models = nil
}

// Name implements health.Pinger.
func (s *Service) Name() string { return "models" }

// Ping implements health.Pinger: healthy once at least one artifact loads.
func (s *Service) Ping(ctx context.Context) error {
	models, err := s.artifacts(ctx)
	if err != nil {
		return err
	}
	if len(models) == 0 {
		return fmt.Errorf("registry: no loadable model artifacts")
	}
	return nil
}

// Point is one timestamped value in a forecast payload.
type Point struct {
	Time  time.Time `json:"timestamp"`
	Value float64   `json:"value"`
}

// Prediction is a full multi-horizon forecast anchored at the newest complete
// feature row.
type Prediction struct {
	GeneratedAt time.Time `json:"generated_at"`
	BasedOn     time.Time `json:"based_on"`
	Historical  []Point   `json:"historical"`
	Predicted   []Point   `json:"predicted"`
}

// Forecast builds the latest feature row from live data and scores every
// loaded horizon model against it. Predictions come back ordered by horizon.
func (s *Service) Forecast(ctx context.Context) (*Prediction, error) {
	models, err := s.artifacts(ctx)
	if err != nil {
		return nil, err
	}
	if len(models) == 0 {
		return nil, ErrNoModels
	}

	now := s.clock.Now()
	from := now.Add(-historyWindow)
	temps, err := s.storage.ReadHourlySeries(ctx, s.opts.SensorID, from, now)
	if err != nil {
		return nil, fmt.Errorf("registry: read hourly history: %w", err)
	}
	weather, err := s.weather.FetchHourly(ctx, from, now)
	if err != nil {
		return nil, fmt.Errorf("registry: fetch weather: %w", err)
	}
	frame, err := features.Build(features.Input{
		Temps:     temps,
		Weather:   weather,
		Location:  s.opts.Location,
		Latitude:  s.opts.Latitude,
		Longitude: s.opts.Longitude,
	})
	if err != nil {
		return nil, fmt.Errorf("registry: build feature frame: %w", err)
	}
	row, at, ok := frame.Latest()
	if !ok {
		return nil, fmt.Errorf("registry: no complete feature row in the last %s", historyWindow)
	}

	pred := &Prediction{GeneratedAt: now, BasedOn: at}
	horizons := make([]int, 0, len(models))
	for h := range models {
		horizons = append(horizons, h)
	}
	sort.Ints(horizons)
	for _, h := range horizons {
		v, err := models[h].Predict(row)
		if err != nil {
			return nil, fmt.Errorf("registry: predict horizon %d: %w", h, err)
		}
		pred.Predicted = append(pred.Predicted, Point{Time: at.Add(time.Duration(h) * time.Hour), Value: v})
	}
	start := len(frame.Times) - plotHistoryHours
	if start < 0 {
		start = 0
	}
	for i := start; i < len(frame.Times); i++ {
		pred.Historical = append(pred.Historical, Point{Time: frame.Times[i], Value: frame.Target[i]})
	}
	return pred, nil
}

// BackTest is one horizon's back-test over the recent history. Predicted
// carries the model's prediction for every complete feature row; Actual the
// measured temperature at each target hour that has data; Naive the
// 24h-persistence prediction for the same hours. Metrics scores the model
// over the rows where a measurement exists.
type BackTest struct {
	Actual    []Point          `json:"actual"`
	Predicted []Point          `json:"predicted"`
	Naive     []Point          `json:"naive"`
	Metrics   forecast.Metrics `json:"metrics"`
}

// HistoricalPredictions back-tests one horizon's model over the recent
// history: every complete feature row is scored and paired with the measured
// temperature at its target hour and the naive persistence forecast.
func (s *Service) HistoricalPredictions(ctx context.Context, horizon int) (*BackTest, error) {
	models, err := s.artifacts(ctx)
	if err != nil {
		return nil, err
	}
	m, ok := models[horizon]
	if !ok {
		return nil, fmt.Errorf("registry: no model for horizon %d: %w", horizon, store.ErrNotFound)
	}

	now := s.clock.Now()
	from := now.Add(-historyWindow)
	temps, err := s.storage.ReadHourlySeries(ctx, s.opts.SensorID, from, now)
	if err != nil {
		return nil, fmt.Errorf("registry: read hourly history: %w", err)
	}
	weather, err := s.weather.FetchHourly(ctx, from, now)
	if err != nil {
		return nil, fmt.Errorf("registry: fetch weather: %w", err)
	}
	frame, err := features.Build(features.Input{
		Temps:     temps,
		Weather:   weather,
		Location:  s.opts.Location,
		Latitude:  s.opts.Latitude,
		Longitude: s.opts.Longitude,
	})
	if err != nil {
		return nil, fmt.Errorf("registry: build feature frame: %w", err)
	}

	bt := &BackTest{Actual: []Point{}, Predicted: []Point{}, Naive: []Point{}}
	var pred, actual []float64
	for i, row := range frame.Rows {
		if rowHasNaN(row) {
			continue
		}
		v, err := m.Predict(row)
		if err != nil {
			return nil, err
		}
		at := frame.Times[i].Add(time.Duration(horizon) * time.Hour)
		bt.Predicted = append(bt.Predicted, Point{Time: at, Value: v})
		j := i + horizon
		if k := j - 24; k >= 0 && k < len(frame.Target) && !math.IsNaN(frame.Target[k]) {
			bt.Naive = append(bt.Naive, Point{Time: at, Value: frame.Target[k]})
		}
		if j < len(frame.Target) && !math.IsNaN(frame.Target[j]) {
			bt.Actual = append(bt.Actual, Point{Time: at, Value: frame.Target[j]})
			pred = append(pred, v)
			actual = append(actual, frame.Target[j])
		}
	}
	// Metrics stay zero when no target hour has been measured yet; NaNs do not
	// survive JSON encoding.
	if len(pred) > 0 {
		bt.Metrics = forecast.Evaluate(pred, actual)
	}
	return bt, nil
}

func rowHasNaN(row []float64) bool {
	for _, v := range row {
		if math.IsNaN(v) {
			return true
		}
	}
	return false
}
