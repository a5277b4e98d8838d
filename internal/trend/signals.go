// Package trend classifies short-term movement in a player's value history.
package trend

import (
	"math"
	"sort"
	"time"

	"player-values/internal/model"
)

const (
	stableFloor = 500.0

	buyLowDrop          = -700.0
	buyLowMaxVolatility = 0.15
	buyLowMinValue      = 1000.0

	sellHighRise        = 900.0
	sellHighSpikeFactor = 2.0

	moveMin = 250.0
	moveMax = 900.0

	volatilityWindow = 14
	weeklyStride     = 7
)

// Metrics are the inputs to classification for one (player, format).
type Metrics struct {
	ValueNow        float64
	Value7d         float64
	Value30d        float64
	Change7d        float64
	Change30d       float64
	Volatility      float64
	WeeklyAvgChange float64
}

// Measure derives metrics from a value and its history. Missing history falls back to
// valueNow so the deltas are zero.
func Measure(valueNow float64, history []model.ValueSnapshot, now time.Time) Metrics {
	sorted := sortedByTime(history)
	m := Metrics{ValueNow: valueNow, Value7d: valueNow, Value30d: valueNow}
	if v, ok := interpolate(sorted, now, 7); ok {
		m.Value7d = v
	}
	if v, ok := interpolate(sorted, now, 30); ok {
		m.Value30d = v
	}
	m.Change7d = valueNow - m.Value7d
	m.Change30d = valueNow - m.Value30d

	values := make([]float64, len(sorted))
	for i, s := range sorted {
		values[i] = s.Value
	}
	m.Volatility = Volatility(values)
	m.WeeklyAvgChange = RecentWeeklyAvgChange(values)
	return m
}

// InterpolateValue estimates the value daysAgo calendar days before now. A snapshot on the
// exact day wins; otherwise the nearest snapshots either side are interpolated linearly;
// otherwise the nearest available one is used. ok is false only for an empty history.
func InterpolateValue(snapshots []model.ValueSnapshot, now time.Time, daysAgo int) (float64, bool) {
	return interpolate(sortedByTime(snapshots), now, daysAgo)
}

func interpolate(sorted []model.ValueSnapshot, now time.Time, daysAgo int) (float64, bool) {
	if len(sorted) == 0 {
		return 0, false
	}
	target := day(now).AddDate(0, 0, -daysAgo)

	before, after := -1, -1
	for i, s := range sorted {
		d := day(s.CapturedAt)
		switch {
		case d.Equal(target):
			// latest snapshot of the target day
			j := i
			for j+1 < len(sorted) && day(sorted[j+1].CapturedAt).Equal(target) {
				j++
			}
			return sorted[j].Value, true
		case d.Before(target):
			before = i
		case after < 0:
			after = i
		}
	}

	switch {
	case before >= 0 && after >= 0:
		lo, hi := sorted[before], sorted[after]
		span := hi.CapturedAt.Sub(lo.CapturedAt)
		if span <= 0 {
			return lo.Value, true
		}
		frac := float64(target.Sub(lo.CapturedAt)) / float64(span)
		return lo.Value + (hi.Value-lo.Value)*frac, true
	case before >= 0:
		return sorted[before].Value, true
	default:
		return sorted[after].Value, true
	}
}

// Volatility is the population standard deviation of the most recent values (oldest first).
func Volatility(values []float64) float64 {
	if len(values) > volatilityWindow {
		values = values[len(values)-volatilityWindow:]
	}
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}
	return math.Sqrt(sq / float64(len(values)))
}

// RecentWeeklyAvgChange averages values[i+7]-values[i] over non-overlapping strides of seven
// entries (oldest first). Fewer than eight values give zero.
func RecentWeeklyAvgChange(values []float64) float64 {
	var sum float64
	n := 0
	for i := 0; i+weeklyStride < len(values); i += weeklyStride {
		sum += values[i+weeklyStride] - values[i]
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// Classify tags the metrics. Rules are checked in order and the first match wins.
func Classify(m Metrics) (model.TrendTag, float64) {
	switch {
	case m.ValueNow < stableFloor:
		return model.TrendStable, 0
	case m.Change30d <= buyLowDrop && m.ValueNow >= buyLowMinValue && m.Volatility/m.ValueNow < buyLowMaxVolatility:
		return model.TrendBuyLow, math.Min(100, math.Abs(m.Change30d)/10)
	case m.Change30d >= sellHighRise && math.Abs(m.Change7d) > sellHighSpikeFactor*math.Abs(m.WeeklyAvgChange):
		return model.TrendSellHigh, math.Min(100, m.Change30d/15)
	case m.Change7d >= moveMin && m.Change7d <= moveMax:
		return model.TrendRising, math.Min(100, m.Change7d/10)
	case m.Change7d >= -moveMax && m.Change7d <= -moveMin:
		return model.TrendFalling, math.Min(100, math.Abs(m.Change7d)/10)
	default:
		return model.TrendStable, 0
	}
}

func sortedByTime(snapshots []model.ValueSnapshot) []model.ValueSnapshot {
	out := append([]model.ValueSnapshot(nil), snapshots...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CapturedAt.Before(out[j].CapturedAt) })
	return out
}

func day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
