package analyzer

import (
	"math"

	"github.com/lumberbarons/inverter-monitor/internal/store"
)

// peakRule is the statistical threshold of one power channel: a value is
// anomalous above max(mean + k*sigma, floor).
type peakRule struct {
	field  string
	k      float64
	floorW float64
}

var peakRules = []peakRule{
	{field: "pv_w", k: 4, floorW: 500},
	{field: "battery_w", k: 3, floorW: 300},
	{field: "grid_w", k: 3.5, floorW: 500},
	{field: "load_w", k: 3.5, floorW: 800},
}

const (
	highSigma       = 5.0
	outlierCutoffW  = 10000.0
	suddenChangeW   = 8000.0
	nightPVLimitKWh = 0.5
)

func detectAnomalies(samples []store.Sample) AnomalyReport {
	intervals := aggregate(samples)

	var anomalies []Anomaly
	for _, rule := range peakRules {
		anomalies = append(anomalies, powerPeaks(intervals, rule)...)
	}
	anomalies = append(anomalies, suddenChanges(intervals)...)

	night := nightPVProduction(samples)
	anomalies = append(anomalies, night...)

	report := AnomalyReport{
		TotalAnomalies:   len(anomalies),
		Anomalies:        anomalies,
		PVNightAnomalies: len(night),
	}
	if report.Anomalies == nil {
		report.Anomalies = []Anomaly{}
	}
	for _, a := range anomalies {
		switch a.Severity {
		case SeverityHigh:
			report.HighSeverity++
		case SeverityMedium:
			report.MediumSeverity++
		}
	}
	return report
}

// powerPeaks flags intervals above the channel threshold. Statistics ignore
// magnitudes of 10 kW and more; PV statistics only use intervals above 100 W.
func powerPeaks(intervals []store.Sample, rule peakRule) []Anomaly {
	var values []float64
	for _, iv := range intervals {
		v, ok := iv.Value(rule.field)
		if !ok || math.Abs(v) >= outlierCutoffW {
			continue
		}
		if rule.field == "pv_w" && v <= significantW {
			continue
		}
		values = append(values, v)
	}
	if len(values) == 0 {
		return nil
	}

	mean, sigma := meanStd(values)
	threshold := math.Max(mean+rule.k*sigma, rule.floorW)

	var out []Anomaly
	for _, iv := range intervals {
		v, ok := iv.Value(rule.field)
		if !ok || v <= threshold {
			continue
		}
		severity := SeverityMedium
		if v > mean+highSigma*sigma {
			severity = SeverityHigh
		}
		out = append(out, Anomaly{
			Type:      "power_peak_" + rule.field,
			Timestamp: formatTimestamp(iv.Timestamp),
			Value:     roundPtr(v/1000, 3),
			Threshold: roundPtr(threshold/1000, 3),
			Severity:  severity,
		})
	}
	return out
}

// suddenChanges flags swings of more than 8 kW between adjacent intervals.
func suddenChanges(intervals []store.Sample) []Anomaly {
	var out []Anomaly
	for i := 1; i < len(intervals); i++ {
		prev, curr := intervals[i-1], intervals[i]
		for _, rule := range peakRules {
			from, okPrev := prev.Value(rule.field)
			to, okCurr := curr.Value(rule.field)
			if !okPrev || !okCurr {
				continue
			}
			change := math.Abs(to - from)
			if change <= suddenChangeW {
				continue
			}
			out = append(out, Anomaly{
				Type:      "sudden_change_" + rule.field,
				Timestamp: formatTimestamp(curr.Timestamp),
				ChangeKW:  roundPtr(change/1000, 3),
				From:      roundPtr(from/1000, 3),
				To:        roundPtr(to/1000, 3),
				Severity:  SeverityMedium,
			})
		}
	}
	return out
}

// nightPVProduction reports PV energy between 22:00 and 06:00 above 0.5 kWh,
// the signature of a light source other than the sun reaching the array.
func nightPVProduction(samples []store.Sample) []Anomaly {
	night := filter(samples, both(above("pv_w", significantW), atNight))
	if len(night) == 0 {
		return nil
	}

	kwh := intervalEnergyKWh(night, "pv_w")
	if kwh <= nightPVLimitKWh {
		return nil
	}

	var maxW float64
	for _, s := range night {
		maxW = math.Max(maxW, s.Values["pv_w"])
	}

	return []Anomaly{{
		Type:               AnomalyPVNightProduction,
		Timestamp:          formatTimestamp(night[0].Timestamp),
		NightProductionKWh: roundPtr(kwh, 3),
		SamplesCount:       len(night),
		MaxNightPowerKW:    roundPtr(maxW/1000, 3),
		Severity:           SeverityMedium,
		Note:               "night PV production above 0.5 kWh, likely artificial lighting",
	}}
}
