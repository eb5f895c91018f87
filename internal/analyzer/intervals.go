package analyzer

import (
	"math"
	"time"

	"github.com/lumberbarons/inverter-monitor/internal/store"
)

const (
	intervalMinutes = 5

	// maxDailySamples is one sample every 5 s for a full day.
	maxDailySamples = 17280
	subsampleStride = 12

	significantW = 100.0
	sunriseHour  = 6
	sunsetHour   = 20
	nightStart   = 22
	morningEnd   = 12
	maxDaylightH = 14.0
)

var averagedFields = []string{"pv_w", "battery_w", "grid_w", "load_w", "pv_v", "battery_v", "grid_v", "load_v"}

// subsample thins an over-dense day by a fixed stride.
func subsample(samples []store.Sample) []store.Sample {
	if len(samples) <= maxDailySamples {
		return samples
	}
	out := make([]store.Sample, 0, len(samples)/subsampleStride+1)
	for i := 0; i < len(samples); i += subsampleStride {
		out = append(out, samples[i])
	}
	return out
}

func intervalStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute()/intervalMinutes*intervalMinutes, 0, 0, t.Location())
}

// aggregate averages consecutive samples falling in the same 5-minute
// interval. Each result is stamped with the first sample of its interval and
// holds only the fields at least one sample carried.
func aggregate(samples []store.Sample) []store.Sample {
	var out []store.Sample
	var group []store.Sample
	var current time.Time

	flush := func() {
		if len(group) > 0 {
			out = append(out, average(group))
		}
	}

	for _, s := range samples {
		start := intervalStart(s.Timestamp)
		if len(group) == 0 || !start.Equal(current) {
			flush()
			current = start
			group = group[:0:0]
		}
		group = append(group, s)
	}
	flush()
	return out
}

func average(group []store.Sample) store.Sample {
	avg := store.Sample{Timestamp: group[0].Timestamp, Values: make(map[string]float64, len(averagedFields))}
	for _, field := range averagedFields {
		var sum float64
		var n int
		for _, s := range group {
			if v, ok := s.Value(field); ok {
				sum += v
				n++
			}
		}
		if n > 0 {
			avg.Values[field] = sum / float64(n)
		}
	}
	return avg
}

// energyKWh integrates the magnitude of field over 5-minute interval averages.
func energyKWh(intervals []store.Sample, field string) float64 {
	var wh float64
	for _, s := range intervals {
		if v, ok := s.Value(field); ok {
			wh += math.Abs(v) * intervalMinutes / 60.0
		}
	}
	return wh / 1000.0
}

// intervalEnergyKWh aggregates raw samples before integrating them.
func intervalEnergyKWh(samples []store.Sample, field string) float64 {
	if len(samples) == 0 {
		return 0
	}
	return energyKWh(aggregate(samples), field)
}

func filter(samples []store.Sample, keep func(store.Sample) bool) []store.Sample {
	var out []store.Sample
	for _, s := range samples {
		if keep(s) {
			out = append(out, s)
		}
	}
	return out
}

func has(field string) func(store.Sample) bool {
	return func(s store.Sample) bool {
		_, ok := s.Value(field)
		return ok
	}
}

func above(field string, limit float64) func(store.Sample) bool {
	return func(s store.Sample) bool {
		v, ok := s.Value(field)
		return ok && v > limit
	}
}

func below(field string, limit float64) func(store.Sample) bool {
	return func(s store.Sample) bool {
		v, ok := s.Value(field)
		return ok && v < limit
	}
}

func both(a, b func(store.Sample) bool) func(store.Sample) bool {
	return func(s store.Sample) bool { return a(s) && b(s) }
}

func inDaylight(s store.Sample) bool {
	h := s.Timestamp.Hour()
	return h >= sunriseHour && h < sunsetHour
}

func atNight(s store.Sample) bool {
	h := s.Timestamp.Hour()
	return h >= nightStart || h < sunriseHour
}

func inMorning(s store.Sample) bool {
	h := s.Timestamp.Hour()
	return h >= sunriseHour && h < morningEnd
}

// significantPV is production above 100 W inside the daylight window.
func significantPV(s store.Sample) bool {
	return above("pv_w", significantW)(s) && inDaylight(s)
}

func formatTimestamp(t time.Time) string {
	return t.Format(store.TimestampLayout)
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

func ptr(v float64) *float64 {
	return &v
}

func roundPtr(v float64, places int) *float64 {
	return ptr(round(v, places))
}

func strPtr(s string) *string {
	return &s
}

func meanStd(values []float64) (float64, float64) {
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(sq / float64(len(values)))
}

// Season names the meteorological season of t.
func Season(t time.Time) string {
	switch t.Month() {
	case time.December, time.January, time.February:
		return "winter"
	case time.March, time.April, time.May:
		return "spring"
	case time.June, time.July, time.August:
		return "summer"
	default:
		return "autumn"
	}
}
