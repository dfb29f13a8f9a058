// Package watermark decides which time range an ingestion run fetches and how
// far the per-box high-water mark advances afterwards. Both decisions are pure
// functions of their inputs so they can run inside a workflow without side
// effects.
package watermark

import "time"

// Window is the half-open fetch range [From, To) for one ingestion run.
type Window struct {
	From time.Time
	To   time.Time
}

// Empty reports whether the window covers no time at all.
func (w Window) Empty() bool { return !w.From.Before(w.To) }

// Duration returns the window span; zero for empty windows.
func (w Window) Duration() time.Duration {
	if w.Empty() {
		return 0
	}
	return w.To.Sub(w.From)
}

// Compute derives the fetch window for one run.
//
// The upper bound is the box's reported last measurement time, clamped to now
// so that a clock-skewed upstream can never make us fetch the future. The
// lower bound is the stored high-water mark; a box seen for the first time
// (nil mark) backfills initialWindow from the upper bound instead.
func Compute(lastDataFetched, apiLastMeasurementAt *time.Time, now time.Time, initialWindow time.Duration) Window {
	now = now.UTC()
	to := now
	if apiLastMeasurementAt != nil && apiLastMeasurementAt.Before(now) {
		to = apiLastMeasurementAt.UTC()
	}
	var from time.Time
	if lastDataFetched != nil {
		from = lastDataFetched.UTC()
	} else {
		from = to.Add(-initialWindow)
	}
	return Window{From: from, To: to}
}

// Advance returns the new high-water mark after a run over the given window.
//
// A fully successful run advances to the window's upper bound. A partial run
// advances only to the newest timestamp a successful chunk actually stored,
// so the failed remainder is retried next run. The mark never moves backward:
// whatever comes out is at least prev.
func Advance(prev *time.Time, w Window, complete bool, newestStored *time.Time) *time.Time {
	candidate := prev
	if complete {
		candidate = maxTime(candidate, &w.To)
	} else if newestStored != nil {
		candidate = maxTime(candidate, newestStored)
	}
	if candidate == nil {
		return nil
	}
	u := candidate.UTC()
	return &u
}

func maxTime(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.After(*a):
		return b
	default:
		return a
	}
}
