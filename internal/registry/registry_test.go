package registry_test

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"thermocast/internal/clock"
	"thermocast/internal/features"
	"thermocast/internal/forecast"
	"thermocast/internal/openmeteo"
	"thermocast/internal/registry"
	"thermocast/internal/store"
)

var regNow = time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC)

type fakeStorage struct {
	rows      []store.TrainedModel
	listCalls int
	temps     []store.HourlyPoint
}

func (f *fakeStorage) ListTrainedModels(context.Context, int) ([]store.TrainedModel, error) {
	f.listCalls++
	return f.rows, nil
}

func (f *fakeStorage) ReadHourlySeries(context.Context, string, time.Time, time.Time) ([]store.HourlyPoint, error) {
	return f.temps, nil
}

type fakeWeather struct{ hours []openmeteo.Hour }

func (f *fakeWeather) FetchHourly(context.Context, time.Time, time.Time) ([]openmeteo.Hour, error) {
	return f.hours, nil
}

// constantModel writes an artifact that always predicts value, shaped for the
// production feature columns.
func constantModel(t *testing.T, dir string, horizon int, value float64) string {
	t.Helper()
	cols := features.ColumnNames()
	m := &forecast.Model{
		SchemaVersion:   forecast.ArtifactSchemaVersion,
		PipelineVersion: features.PipelineVersion,
		Horizon:         horizon,
		Columns:         cols,
		Mean:            make([]float64, len(cols)),
		Std:             ones(len(cols)),
		Weights:         make([]float64, len(cols)),
		Intercept:       value,
		TrainedAt:       regNow,
	}
	path := filepath.Join(dir, forecast.ArtifactName(horizon))
	require.NoError(t, m.Save(path))
	return path
}

func ones(n int) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = 1
	}
	return v
}

func history(n int) ([]store.HourlyPoint, []openmeteo.Hour) {
	start := regNow.Add(-time.Duration(n) * time.Hour)
	temps := make([]store.HourlyPoint, n)
	hours := make([]openmeteo.Hour, n)
	for i := range temps {
		at := start.Add(time.Duration(i) * time.Hour)
		temps[i] = store.HourlyPoint{Bucket: at, Value: 8 + 5*math.Sin(2*math.Pi*float64(i%24)/24)}
		hours[i] = openmeteo.Hour{Time: at, Humidity: 70, CloudCover: 30, WindSpeed: 3, GHI: 100}
	}
	return temps, hours
}

func errStr(s string) *string { return &s }

func newService(t *testing.T, storage *fakeStorage, weather *fakeWeather, dir string, clk clock.Clock) *registry.Service {
	t.Helper()
	svc, err := registry.New(storage, weather, clk, registry.Options{
		SensorID:  "s-temp",
		ModelDir:  dir,
		Latitude:  52.019364,
		Longitude: -1.73893,
	})
	require.NoError(t, err)
	return svc
}

func TestActiveModelsFiltersFailedRows(t *testing.T) {
	storage := &fakeStorage{rows: []store.TrainedModel{
		{ForecastHorizon: 1, ModelPath: "/m/h1.bin"},
		{ForecastHorizon: 2, TrainError: errStr("boom"), ModelPath: "/m/h2.bin"},
		{ForecastHorizon: 3, ModelPath: ""},
	}}
	svc := newService(t, storage, &fakeWeather{}, t.TempDir(), clock.Fixed{T: regNow})

	active, err := svc.ActiveModels(context.Background())
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, 1, active[0].ForecastHorizon)
}

func TestForecastScoresEveryHorizon(t *testing.T) {
	dir := t.TempDir()
	temps, hours := history(400)
	storage := &fakeStorage{
		temps: temps,
		rows: []store.TrainedModel{
			{ForecastHorizon: 1, ModelPath: constantModel(t, dir, 1, 10)},
			{ForecastHorizon: 6, ModelPath: constantModel(t, dir, 6, 12)},
		},
	}
	svc := newService(t, storage, &fakeWeather{hours: hours}, dir, clock.Fixed{T: regNow})

	pred, err := svc.Forecast(context.Background())
	require.NoError(t, err)
	require.Equal(t, regNow, pred.GeneratedAt)
	require.Len(t, pred.Predicted, 2)
	require.Equal(t, 10.0, pred.Predicted[0].Value)
	require.Equal(t, pred.BasedOn.Add(time.Hour), pred.Predicted[0].Time)
	require.Equal(t, pred.BasedOn.Add(6*time.Hour), pred.Predicted[1].Time)
	require.Len(t, pred.Historical, 48)
}

func TestForecastWithoutModelsFails(t *testing.T) {
	svc := newService(t, &fakeStorage{}, &fakeWeather{}, t.TempDir(), clock.Fixed{T: regNow})
	_, err := svc.Forecast(context.Background())
	require.ErrorContains(t, err, "no models")
}

func TestArtifactCacheHonorsTTL(t *testing.T) {
	dir := t.TempDir()
	temps, hours := history(400)
	storage := &fakeStorage{
		temps: temps,
		rows:  []store.TrainedModel{{ForecastHorizon: 1, ModelPath: constantModel(t, dir, 1, 10)}},
	}
	clk := &clock.Manual{T: regNow}
	svc := newService(t, storage, &fakeWeather{hours: hours}, dir, clk)

	_, err := svc.Forecast(context.Background())
	require.NoError(t, err)
	first := storage.listCalls

	// Within the TTL the registry table is not consulted again.
	_, err = svc.Forecast(context.Background())
	require.NoError(t, err)
	require.Equal(t, first, storage.listCalls)

	clk.T = regNow.Add(16 * time.Minute)
	_, err = svc.Forecast(context.Background())
	require.NoError(t, err)
	require.Greater(t, storage.listCalls, first)
}

func TestInvalidateDropsCache(t *testing.T) {
	dir := t.TempDir()
	temps, hours := history(400)
	storage := &fakeStorage{
		temps: temps,
		rows:  []store.TrainedModel{{ForecastHorizon: 1, ModelPath: constantModel(t, dir, 1, 10)}},
	}
	svc := newService(t, storage, &fakeWeather{hours: hours}, dir, clock.Fixed{T: regNow})

	require.NoError(t, svc.Ping(context.Background()))
	calls := storage.listCalls
	svc.Invalidate()
	require.NoError(t, svc.Ping(context.Background()))
	require.Greater(t, storage.listCalls, calls)
}

func TestHistoricalPredictionsBackTest(t *testing.T) {
	dir := t.TempDir()
	temps, hours := history(400)
	storage := &fakeStorage{
		temps: temps,
		rows:  []store.TrainedModel{{ForecastHorizon: 2, ModelPath: constantModel(t, dir, 2, 11)}},
	}
	svc := newService(t, storage, &fakeWeather{hours: hours}, dir, clock.Fixed{T: regNow})

	bt, err := svc.HistoricalPredictions(context.Background(), 2)
	require.NoError(t, err)
	require.NotEmpty(t, bt.Predicted)
	require.Equal(t, 11.0, bt.Predicted[0].Value)
	// The trailing rows have no measured counterpart yet.
	require.Less(t, len(bt.Actual), len(bt.Predicted))
	require.NotEmpty(t, bt.Actual)
	// The history is exactly 24h-periodic, so the persistence forecast nails
	// every hour it covers.
	require.NotEmpty(t, bt.Naive)
	for i, p := range bt.Naive {
		if i >= len(bt.Actual) {
			break
		}
		require.Equal(t, bt.Actual[i].Time, p.Time)
		require.InDelta(t, bt.Actual[i].Value, p.Value, 1e-9)
	}
	// A constant model against a sinusoid scores a real, finite error.
	require.Greater(t, bt.Metrics.MAE, 0.0)
	require.GreaterOrEqual(t, bt.Metrics.RMSE, bt.Metrics.MAE)
	require.False(t, math.IsNaN(bt.Metrics.R2))

	_, err = svc.HistoricalPredictions(context.Background(), 9)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestPingFailsWithoutArtifacts(t *testing.T) {
	storage := &fakeStorage{rows: []store.TrainedModel{
		{ForecastHorizon: 1, ModelPath: "/nonexistent/h1.bin"},
	}}
	svc := newService(t, storage, &fakeWeather{}, t.TempDir(), clock.Fixed{T: regNow})
	require.Error(t, svc.Ping(context.Background()))
	require.Equal(t, "models", svc.Name())
}
