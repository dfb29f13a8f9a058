package features_test

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"thermocast/internal/features"
	"thermocast/internal/openmeteo"
	"thermocast/internal/store"
)

const (
	testLat = 52.019364
	testLon = -1.73893
)

func hourlySeries(start time.Time, n int, f func(i int) float64) []store.HourlyPoint {
	points := make([]store.HourlyPoint, n)
	for i := range points {
		points[i] = store.HourlyPoint{Bucket: start.Add(time.Duration(i) * time.Hour), Value: f(i)}
	}
	return points
}

func testInput(n int) features.Input {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	temps := hourlySeries(start, n, func(i int) float64 {
		return 12 + 6*math.Sin(2*math.Pi*float64(i%24)/24)
	})
	weather := make([]openmeteo.Hour, n)
	for i := range weather {
		weather[i] = openmeteo.Hour{
			Time:       start.Add(time.Duration(i) * time.Hour),
			Humidity:   70,
			CloudCover: 40,
			WindSpeed:  3.5,
			GHI:        math.Max(0, 500*math.Sin(2*math.Pi*float64(i%24-6)/24)),
		}
	}
	return features.Input{Temps: temps, Weather: weather, Latitude: testLat, Longitude: testLon}
}

func TestBuildColumnSetIsStable(t *testing.T) {
	cols := features.ColumnNames()
	require.Equal(t, 38, len(cols))
	require.Equal(t, "hour_sin", cols[0])
	require.Contains(t, cols, "temp_lag_24h")
	require.Contains(t, cols, "temp_roll_std_168h")
	require.Contains(t, cols, "ghi_lag_3h")
	require.Contains(t, cols, "cloud_cover_lag_24h")
	// The raw target never appears as a feature; the model only sees the
	// temperature through its lags and derived statistics.
	require.NotContains(t, cols, "temp")
	// Only cloud cover and irradiance carry lag columns.
	require.NotContains(t, cols, "humidity_lag_1h")
	require.NotContains(t, cols, "wind_speed_lag_1h")

	frame, err := features.Build(testInput(200))
	require.NoError(t, err)
	require.Equal(t, cols, frame.Columns)
	for _, row := range frame.Rows {
		require.Len(t, row, len(cols))
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	a, err := features.Build(testInput(200))
	require.NoError(t, err)
	b, err := features.Build(testInput(200))
	require.NoError(t, err)
	require.Equal(t, a.Times, b.Times)
	// reflect.DeepEqual treats NaN != NaN, so the warm-up rows need a
	// NaN-aware element-wise comparison.
	require.Equal(t, len(a.Rows), len(b.Rows))
	for i := range a.Rows {
		require.Equal(t, len(a.Rows[i]), len(b.Rows[i]))
		for j := range a.Rows[i] {
			if math.IsNaN(a.Rows[i][j]) && math.IsNaN(b.Rows[i][j]) {
				continue
			}
			require.Equal(t, a.Rows[i][j], b.Rows[i][j], "row %d col %d", i, j)
		}
	}
	require.Equal(t, a.Target, b.Target)
}

func TestBuildRejectsEmptySeries(t *testing.T) {
	_, err := features.Build(features.Input{})
	require.Error(t, err)
}

func TestBuildInterpolatesGaps(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	temps := []store.HourlyPoint{
		{Bucket: start, Value: 10},
		{Bucket: start.Add(3 * time.Hour), Value: 16},
	}
	frame, err := features.Build(features.Input{Temps: temps, Latitude: testLat, Longitude: testLon})
	require.NoError(t, err)
	require.Len(t, frame.Target, 4)
	require.InDelta(t, 12, frame.Target[1], 1e-9)
	require.InDelta(t, 14, frame.Target[2], 1e-9)
}

func TestBuildLocalizesTimes(t *testing.T) {
	london, err := time.LoadLocation("Europe/London")
	require.NoError(t, err)
	in := testInput(48)
	in.Location = london
	frame, err := features.Build(in)
	require.NoError(t, err)
	// June UTC midnight is 01:00 BST.
	require.Equal(t, 1, frame.Times[0].Hour())
	// hour_sin/hour_cos follow the local hour.
	require.InDelta(t, math.Sin(2*math.Pi/24), frame.Rows[0][0], 1e-9)
	require.InDelta(t, math.Cos(2*math.Pi/24), frame.Rows[0][1], 1e-9)
}

func TestSolarElevationSignTracksDayNight(t *testing.T) {
	frame, err := features.Build(testInput(48))
	require.NoError(t, err)
	elevIdx := 2 // solar_elevation_sin
	// Midnight UTC in June at 52N: sun below the horizon.
	require.Negative(t, frame.Rows[0][elevIdx])
	// Noon: well above.
	require.Greater(t, frame.Rows[12][elevIdx], 0.5)
}

func TestTrainingSetAlignsTargetWithHorizon(t *testing.T) {
	frame, err := features.Build(testInput(250))
	require.NoError(t, err)
	x, y, times := frame.TrainingSet(6)
	require.NotEmpty(t, x)
	require.Len(t, y, len(x))
	require.Len(t, times, len(x))

	// The first usable row appears only once the 168h rolling window (over
	// the shifted series) is full.
	require.Equal(t, frame.Times[168], times[0])
	// y pairs the row with the temperature six hours later.
	require.Equal(t, frame.Target[168+6], y[0])
}

func TestTrainingSetDropsNaNRows(t *testing.T) {
	frame, err := features.Build(testInput(250))
	require.NoError(t, err)
	x24, _, _ := frame.TrainingSet(24)
	x1, _, _ := frame.TrainingSet(1)
	// A longer horizon loses rows at the tail only.
	require.Equal(t, len(x1)-23, len(x24))

	_, _, times := frame.TrainingSet(0)
	require.Nil(t, times)
}

func TestLatestReturnsNewestCompleteRow(t *testing.T) {
	frame, err := features.Build(testInput(250))
	require.NoError(t, err)
	row, at, ok := frame.Latest()
	require.True(t, ok)
	require.Len(t, row, 38)
	require.Equal(t, frame.Times[len(frame.Times)-1], at)

	short, err := features.Build(testInput(24))
	require.NoError(t, err)
	_, _, ok = short.Latest()
	require.False(t, ok)
}
