// Package features turns hourly temperature and weather series into the
// model's feature matrix. The transform is deterministic: the same inputs
// always produce the same frame, and the column set is fixed by
// PipelineVersion, which is baked into every persisted model artifact so a
// serving process can refuse a matrix built by a different pipeline.
package features

import (
	"fmt"
	"math"
	"time"

	"thermocast/internal/openmeteo"
	"thermocast/internal/store"
)

// PipelineVersion identifies the feature transform. Bump it whenever the
// column set or any derivation changes.
const PipelineVersion = 2

var (
	targetLags     = []int{1, 2, 3, 24}
	rollingWindows = []int{3, 6, 24, 48, 72, 168}
	diffSteps      = []int{1, 3, 6, 12, 24}
	weatherLags    = []int{1, 2, 3, 24}
	weatherNames   = []string{"humidity", "cloud_cover", "wind_speed", "ghi"}
	// weatherLagged is the subset of weather columns that also get lagged.
	weatherLagged = map[string]bool{"cloud_cover": true, "ghi": true}
)

// Input is everything the builder needs for one frame.
type Input struct {
	// Temps is the hourly-averaged target series, UTC buckets, ascending.
	Temps []store.HourlyPoint
	// Weather is the hourly weather join, may have gaps.
	Weather []openmeteo.Hour
	// Location localizes timestamps before the time-of-day features.
	Location *time.Location
	// Latitude and Longitude position the solar geometry.
	Latitude  float64
	Longitude float64
}

// Frame is the assembled feature matrix: one row per hour on a gapless local
// grid, columns in the fixed ColumnNames order. Target holds the measured
// temperature at each row's own hour.
type Frame struct {
	Times   []time.Time
	Columns []string
	Rows    [][]float64
	Target  []float64
}

// ColumnNames returns the feature column set in matrix order. The raw target
// is not a column: the measured temperature enters only through its lags and
// derived statistics, and lives in Frame.Target for alignment.
func ColumnNames() []string {
	cols := []string{"hour_sin", "hour_cos",
		"solar_elevation_sin", "solar_azimuth_sin", "solar_azimuth_cos"}
	for _, l := range targetLags {
		cols = append(cols, fmt.Sprintf("temp_lag_%dh", l))
	}
	for _, w := range rollingWindows {
		cols = append(cols, fmt.Sprintf("temp_roll_mean_%dh", w))
	}
	for _, w := range rollingWindows {
		cols = append(cols, fmt.Sprintf("temp_roll_std_%dh", w))
	}
	for _, d := range diffSteps {
		cols = append(cols, fmt.Sprintf("temp_diff_%dh", d))
	}
	for _, name := range weatherNames {
		cols = append(cols, name)
		if !weatherLagged[name] {
			continue
		}
		for _, l := range weatherLags {
			cols = append(cols, fmt.Sprintf("%s_lag_%dh", name, l))
		}
	}
	return cols
}

// Build assembles the frame. Both series are aligned onto one gapless hourly
// grid; gaps in either are linearly interpolated, and leading gaps are
// backfilled from the first observation so the frame never starts with holes.
func Build(in Input) (*Frame, error) {
	if len(in.Temps) == 0 {
		return nil, fmt.Errorf("features: no temperature data")
	}
	loc := in.Location
	if loc == nil {
		loc = time.UTC
	}

	start := in.Temps[0].Bucket.UTC().Truncate(time.Hour)
	end := in.Temps[len(in.Temps)-1].Bucket.UTC().Truncate(time.Hour)
	if end.Before(start) {
		return nil, fmt.Errorf("features: temperature series is not ascending")
	}
	n := int(end.Sub(start)/time.Hour) + 1

	temp := filled(n)
	for _, p := range in.Temps {
		if i := hourIndex(start, p.Bucket); i >= 0 && i < n {
			temp[i] = p.Value
		}
	}
	weather := make(map[string][]float64, len(weatherNames))
	for _, name := range weatherNames {
		weather[name] = filled(n)
	}
	for _, h := range in.Weather {
		i := hourIndex(start, h.Time)
		if i < 0 || i >= n {
			continue
		}
		weather["humidity"][i] = h.Humidity
		weather["cloud_cover"][i] = h.CloudCover
		weather["wind_speed"][i] = h.WindSpeed
		weather["ghi"][i] = h.GHI
	}

	interpolate(temp)
	for _, name := range weatherNames {
		interpolate(weather[name])
	}

	times := make([]time.Time, n)
	for i := range times {
		times[i] = start.Add(time.Duration(i) * time.Hour).In(loc)
	}

	cols := ColumnNames()
	frame := &Frame{Times: times, Columns: cols, Target: temp}
	frame.Rows = make([][]float64, n)
	for i := range frame.Rows {
		frame.Rows[i] = make([]float64, 0, len(cols))
	}

	appendCol := func(vals []float64) {
		for i := range frame.Rows {
			frame.Rows[i] = append(frame.Rows[i], vals[i])
		}
	}

	hourSin, hourCos := filled(n), filled(n)
	elevSin, azSin, azCos := filled(n), filled(n), filled(n)
	for i, t := range times {
		h := float64(t.Hour())
		hourSin[i] = math.Sin(2 * math.Pi * h / 24)
		hourCos[i] = math.Cos(2 * math.Pi * h / 24)
		elev, az := solarPosition(t, in.Latitude, in.Longitude)
		elevSin[i] = math.Sin(elev * math.Pi / 180)
		azSin[i] = math.Sin(az * math.Pi / 180)
		azCos[i] = math.Cos(az * math.Pi / 180)
	}
	appendCol(hourSin)
	appendCol(hourCos)
	appendCol(elevSin)
	appendCol(azSin)
	appendCol(azCos)

	for _, l := range targetLags {
		appendCol(lag(temp, l))
	}
	// Rolling statistics and diffs run over the once-shifted series so that a
	// row only ever sees strictly earlier observations.
	shifted := lag(temp, 1)
	for _, w := range rollingWindows {
		appendCol(rollingMean(shifted, w))
	}
	for _, w := range rollingWindows {
		appendCol(rollingStd(shifted, w))
	}
	for _, d := range diffSteps {
		appendCol(diff(shifted, d))
	}
	for _, name := range weatherNames {
		appendCol(weather[name])
		if !weatherLagged[name] {
			continue
		}
		for _, l := range weatherLags {
			appendCol(lag(weather[name], l))
		}
	}
	return frame, nil
}

// TrainingSet pairs each complete feature row with the target horizon hours
// later. Rows where any feature or the shifted target is NaN are dropped.
func (f *Frame) TrainingSet(horizon int) (x [][]float64, y []float64, times []time.Time) {
	if horizon < 1 {
		return nil, nil, nil
	}
	for i, row := range f.Rows {
		j := i + horizon
		if j >= len(f.Target) {
			break
		}
		if hasNaN(row) || math.IsNaN(f.Target[j]) {
			continue
		}
		x = append(x, row)
		y = append(y, f.Target[j])
		times = append(times, f.Times[i])
	}
	return x, y, times
}

// Latest returns the newest complete feature row, for serving a forecast off
// live data. ok is false when no row is free of NaNs.
func (f *Frame) Latest() (row []float64, at time.Time, ok bool) {
	for i := len(f.Rows) - 1; i >= 0; i-- {
		if !hasNaN(f.Rows[i]) {
			return f.Rows[i], f.Times[i], true
		}
	}
	return nil, time.Time{}, false
}

func hourIndex(start time.Time, t time.Time) int {
	return int(t.UTC().Truncate(time.Hour).Sub(start) / time.Hour)
}

func filled(n int) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = math.NaN()
	}
	return v
}

// interpolate fills interior gaps linearly in place, then backfills anything
// before the first observation. A series with no observations is left as is.
func interpolate(v []float64) {
	prev := -1
	for i, x := range v {
		if math.IsNaN(x) {
			continue
		}
		if prev >= 0 && i-prev > 1 {
			step := (x - v[prev]) / float64(i-prev)
			for j := prev + 1; j < i; j++ {
				v[j] = v[prev] + step*float64(j-prev)
			}
		}
		if prev < 0 {
			for j := 0; j < i; j++ {
				v[j] = x
			}
		}
		prev = i
	}
}

func lag(v []float64, k int) []float64 {
	out := filled(len(v))
	for i := k; i < len(v); i++ {
		out[i] = v[i-k]
	}
	return out
}

func diff(v []float64, k int) []float64 {
	out := filled(len(v))
	for i := k; i < len(v); i++ {
		out[i] = v[i] - v[i-k]
	}
	return out
}

func rollingMean(v []float64, w int) []float64 {
	out := filled(len(v))
	for i := w - 1; i < len(v); i++ {
		sum, ok := windowSum(v[i-w+1 : i+1])
		if ok {
			out[i] = sum / float64(w)
		}
	}
	return out
}

func rollingStd(v []float64, w int) []float64 {
	out := filled(len(v))
	for i := w - 1; i < len(v); i++ {
		win := v[i-w+1 : i+1]
		sum, ok := windowSum(win)
		if !ok {
			continue
		}
		mean := sum / float64(w)
		var ss float64
		for _, x := range win {
			d := x - mean
			ss += d * d
		}
		// Sample standard deviation, ddof 1.
		out[i] = math.Sqrt(ss / float64(w-1))
	}
	return out
}

func windowSum(win []float64) (float64, bool) {
	var sum float64
	for _, x := range win {
		if math.IsNaN(x) {
			return 0, false
		}
		sum += x
	}
	return sum, true
}

func hasNaN(row []float64) bool {
	for _, x := range row {
		if math.IsNaN(x) {
			return true
		}
	}
	return false
}
