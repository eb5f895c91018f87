package analyzer

import (
	"fmt"
	"sort"

	"github.com/lumberbarons/inverter-monitor/internal/store"
)

func analyzePV(samples []store.Sample) PVSummary {
	significant := filter(samples, significantPV)
	if len(significant) == 0 {
		return PVSummary{
			Status: StatusNoSignificantPV,
			Note:   fmt.Sprintf("production below %.0f W or outside %02d:00-%02d:00", significantW, sunriseHour, sunsetHour),
		}
	}

	total := intervalEnergyKWh(significant, "pv_w")

	first := significant[0]
	last := significant[len(significant)-1]
	peak := first
	for _, s := range significant[1:] {
		if s.Values["pv_w"] > peak.Values["pv_w"] {
			peak = s
		}
	}

	duration := last.Timestamp.Sub(first.Timestamp).Hours()
	if duration > maxDaylightH {
		duration = maxDaylightH
	}

	var avg float64
	if duration > 0 {
		avg = total / duration
	}

	production := &PVProduction{
		ProductionStart:       formatTimestamp(first.Timestamp),
		ProductionEnd:         formatTimestamp(last.Timestamp),
		DurationHours:         round(duration, 2),
		PeakPowerKW:           round(peak.Values["pv_w"]/1000, 3),
		PeakTime:              formatTimestamp(peak.Timestamp),
		AvgPowerKW:            round(avg, 3),
		SignificantThresholdW: significantW,
		SunriseHour:           sunriseHour,
		SunsetHour:            sunsetHour,
		ProductionPattern:     productionPattern(significant),
	}
	if v, ok := peak.Value("pv_v"); ok {
		production.PeakVoltage = ptr(v)
	}
	if v, ok := peak.Value("pv_a"); ok {
		production.PeakCurrent = ptr(v)
	}

	return PVSummary{
		Status:         StatusSignificantPVDetected,
		TotalEnergyKWh: round(total, 3),
		PVProduction:   production,
		Note:           fmt.Sprintf("production above %.0f W between %02d:00-%02d:00", significantW, sunriseHour, sunsetHour),
	}
}

// hourlyMeans averages field per local hour of the day.
func hourlyMeans(samples []store.Sample, field string) map[int]float64 {
	sums := make(map[int]float64)
	counts := make(map[int]int)
	for _, s := range samples {
		if v, ok := s.Value(field); ok {
			h := s.Timestamp.Hour()
			sums[h] += v
			counts[h]++
		}
	}
	means := make(map[int]float64, len(sums))
	for h, sum := range sums {
		means[h] = sum / float64(counts[h])
	}
	return means
}

func productionPattern(samples []store.Sample) ProductionPattern {
	means := hourlyMeans(samples, "pv_w")

	pattern := ProductionPattern{SignificantHours: []int{}}
	var daytime, nighttime float64
	for h, avg := range means {
		if avg > significantW {
			pattern.SignificantHours = append(pattern.SignificantHours, h)
		}
		if h >= sunriseHour && h < sunsetHour {
			daytime += avg
		} else {
			nighttime += avg
		}
		if pattern.PeakHour == nil || avg > pattern.PeakHourPower || (avg == pattern.PeakHourPower && h < *pattern.PeakHour) {
			hour := h
			pattern.PeakHour = &hour
			pattern.PeakHourPower = avg
		}
	}
	sort.Ints(pattern.SignificantHours)

	var ratio float64
	if total := daytime + nighttime; total > 0 {
		ratio = daytime / total * 100
	}
	pattern.DaytimeProductionRatio = round(ratio, 1)
	pattern.PeakHourPower = round(pattern.PeakHourPower, 1)
	pattern.ProductionHoursCount = len(pattern.SignificantHours)
	pattern.IsMostlyDiurnal = ratio > 80
	return pattern
}

// hourlyPatterns breaks production above 100 W down by hour. Energy is
// integrated over interval averages so it does not depend on the poll rate.
func hourlyPatterns(samples []store.Sample) HourlyPatterns {
	producing := filter(samples, above("pv_w", significantW))

	counts := make(map[int]int)
	for _, s := range producing {
		counts[s.Timestamp.Hour()]++
	}

	intervals := aggregate(producing)
	means := hourlyMeans(producing, "pv_w")
	energy := make(map[int]float64)
	for _, iv := range intervals {
		energy[iv.Timestamp.Hour()] += iv.Values["pv_w"] * intervalMinutes / 60.0 / 1000.0
	}

	patterns := HourlyPatterns{HourlyBreakdown: make(map[int]HourStats, len(counts)), PeakHour: "N/A"}
	var total, peakPower float64
	peakHour := -1
	for h := 0; h < 24; h++ {
		if counts[h] == 0 {
			continue
		}
		stats := HourStats{
			AvgPowerKW:   round(means[h]/1000, 3),
			EnergyKWh:    round(energy[h], 3),
			SamplesCount: counts[h],
		}
		patterns.HourlyBreakdown[h] = stats
		total += stats.EnergyKWh
		if stats.EnergyKWh > 0.01 {
			patterns.SignificantHours++
		}
		if peakHour < 0 || stats.AvgPowerKW > peakPower {
			peakHour = h
			peakPower = stats.AvgPowerKW
		}
	}

	if peakHour >= 0 {
		patterns.PeakHour = fmt.Sprintf("%02d:00", peakHour)
	}
	if total > 0 {
		patterns.UtilizationRate = round(float64(patterns.SignificantHours)/24*100, 1)
	}
	patterns.TotalEnergyKWh = round(total, 3)
	return patterns
}

// resetVoltage marks a discharge deep enough to restart the daily counter.
const resetVoltage = 44.0

func analyzeBattery(samples []store.Sample) BatterySummary {
	battery := filter(samples, has("battery_w"))
	if len(battery) == 0 {
		return BatterySummary{Status: StatusNoData}
	}

	charging := filter(battery, above("battery_w", 0))
	discharging := filter(battery, below("battery_w", 0))

	chargingKWh := intervalEnergyKWh(charging, "battery_w")
	dischargingKWh := intervalEnergyKWh(discharging, "battery_w")

	detail := &BatteryDetail{
		NetEnergyKWh:         round(chargingKWh-dischargingKWh, 3),
		ChargingEnergyKWh:    round(chargingKWh, 3),
		DischargingEnergyKWh: round(dischargingKWh, 3),
		ResetTimes:           []string{},
	}

	var sum float64
	var n int
	for _, s := range samples {
		v, ok := s.Value("battery_v")
		if !ok || v == 0 {
			continue
		}
		sum += v
		n++
		if detail.MinVoltage == nil || v < *detail.MinVoltage {
			detail.MinVoltage = ptr(v)
		}
		if detail.MaxVoltage == nil || v > *detail.MaxVoltage {
			detail.MaxVoltage = ptr(v)
		}
		if v <= resetVoltage {
			detail.ResetTimes = append(detail.ResetTimes, formatTimestamp(s.Timestamp))
		}
	}
	detail.ResetEventsCount = len(detail.ResetTimes)
	if n > 0 {
		detail.AvgVoltage = roundPtr(sum/float64(n), 2)
	}

	if len(charging) > 0 {
		first, last := charging[0], charging[len(charging)-1]
		detail.FirstChargeTime = formatTimestamp(first.Timestamp)
		detail.LastChargeTime = formatTimestamp(last.Timestamp)
		if v, ok := first.Value("battery_v"); ok {
			detail.FirstChargeVoltage = ptr(v)
		}
		if v, ok := last.Value("battery_v"); ok {
			detail.LastChargeVoltage = ptr(v)
		}
	}

	return BatterySummary{
		Status:         StatusDataAvailable,
		TotalEnergyKWh: round(intervalEnergyKWh(battery, "battery_w"), 3),
		BatteryDetail:  detail,
	}
}

func analyzeGrid(samples []store.Sample) GridSummary {
	grid := filter(samples, has("grid_w"))
	if len(grid) == 0 {
		return GridSummary{Status: StatusNoData}
	}

	imports := filter(grid, above("grid_w", 0))
	exports := filter(grid, below("grid_w", 0))
	morning := filter(imports, func(s store.Sample) bool { return s.Timestamp.Hour() < morningEnd })
	night := filter(grid, atNight)

	detail := &GridDetail{
		ImportEnergyKWh:       round(intervalEnergyKWh(imports, "grid_w"), 3),
		ExportEnergyKWh:       round(intervalEnergyKWh(exports, "grid_w"), 3),
		MorningConsumptionKWh: round(intervalEnergyKWh(morning, "grid_w"), 3),
		NightConsumptionKWh:   round(intervalEnergyKWh(night, "grid_w"), 3),
	}
	if len(morning) > 0 {
		detail.FirstMorningConsumption = strPtr(formatTimestamp(morning[0].Timestamp))
	}
	for _, s := range imports {
		if kw := s.Values["grid_w"] / 1000; kw > detail.PeakImportKW {
			detail.PeakImportKW = kw
		}
	}
	for _, s := range exports {
		if kw := -s.Values["grid_w"] / 1000; kw > detail.PeakExportKW {
			detail.PeakExportKW = kw
		}
	}
	detail.PeakImportKW = round(detail.PeakImportKW, 3)
	detail.PeakExportKW = round(detail.PeakExportKW, 3)

	return GridSummary{
		Status:         StatusDataAvailable,
		TotalEnergyKWh: round(intervalEnergyKWh(grid, "grid_w"), 3),
		GridDetail:     detail,
	}
}

// importTiming finds the 5-minute interval with the largest grid import.
func importTiming(samples []store.Sample) ImportTiming {
	imports := filter(samples, above("grid_w", 0))
	if len(imports) == 0 {
		return ImportTiming{ImportTiming: "no grid import"}
	}

	var best store.Sample
	var bestKWh float64
	for _, iv := range aggregate(imports) {
		if kwh := iv.Values["grid_w"] * intervalMinutes / 60.0 / 1000.0; kwh > bestKWh {
			bestKWh = kwh
			best = iv
		}
	}
	return ImportTiming{
		MaxImportHour:      fmt.Sprintf("%02d:00", best.Timestamp.Hour()),
		MaxImportEnergyKWh: roundPtr(bestKWh, 3),
	}
}

func analyzeHousehold(samples []store.Sample) HouseholdSummary {
	load := filter(samples, has("load_w"))
	if len(load) == 0 {
		return HouseholdSummary{Status: StatusNoData}
	}

	total := intervalEnergyKWh(load, "load_w")

	peak := load[0]
	var sum float64
	for _, s := range load {
		if s.Values["load_w"] > peak.Values["load_w"] {
			peak = s
		}
		sum += s.Values["load_w"]
	}

	detail := &HouseholdDetail{
		PeakLoadKW:       round(peak.Values["load_w"]/1000, 3),
		PeakLoadTime:     formatTimestamp(peak.Timestamp),
		AvgLoadKW:        round(sum/float64(len(load))/1000, 3),
		LoadSamplesCount: len(load),
	}

	var pfSum float64
	var pfCount int
	for _, s := range load {
		if v, ok := s.Value("load_pf"); ok {
			pfSum += v
			pfCount++
		}
	}
	if pfCount > 0 {
		detail.AvgPowerFactor = roundPtr(pfSum/float64(pfCount), 3)
	}

	// Dark-hours consumption only counts samples above 100 W while the daily
	// total counts every sample, so standby loads drop out of the dark share.
	// Kept as is to stay comparable with previously stored documents.
	night := filter(load, atNight)
	morning := filter(load, inMorning)
	nightKWh := intervalEnergyKWh(filter(night, above("load_w", significantW)), "load_w")
	morningKWh := intervalEnergyKWh(filter(morning, above("load_w", significantW)), "load_w")
	dark := nightKWh + morningKWh

	var pct float64
	if total > 0 {
		pct = dark / total * 100
	}

	detail.NightConsumptionKWh = round(nightKWh, 3)
	detail.MorningConsumptionKWh = round(morningKWh, 3)
	detail.TotalDarkHoursConsumptionKWh = round(dark, 3)
	detail.DarkHoursPercentage = round(pct, 1)
	if len(night) > 0 {
		detail.NightStartTime = strPtr(formatTimestamp(night[0].Timestamp))
		detail.NightEndTime = strPtr(formatTimestamp(night[len(night)-1].Timestamp))
	}
	if len(morning) > 0 {
		detail.MorningStartTime = strPtr(formatTimestamp(morning[0].Timestamp))
	}
	detail.Note = fmt.Sprintf("dark-hours consumption: %.1f%% of total (22:00-06:00 + 06:00-12:00)", detail.DarkHoursPercentage)

	return HouseholdSummary{
		Status:          StatusDataAvailable,
		TotalEnergyKWh:  round(total, 3),
		HouseholdDetail: detail,
	}
}

func seasonalInsights(samples []store.Sample) SeasonalInsights {
	daylight := filter(samples, significantPV)
	if len(daylight) == 0 {
		return SeasonalInsights{}
	}

	first, last := daylight[0], daylight[len(daylight)-1]
	hours := last.Timestamp.Sub(first.Timestamp).Hours()
	if hours > maxDaylightH {
		hours = maxDaylightH
	}

	return SeasonalInsights{Daylight: &Daylight{
		DaylightStart: formatTimestamp(first.Timestamp),
		DaylightEnd:   formatTimestamp(last.Timestamp),
		DaylightHours: round(hours, 2),
		Season:        Season(first.Timestamp),
		DayOfYear:     first.Timestamp.YearDay(),
		SunriseHour:   sunriseHour,
		SunsetHour:    sunsetHour,
		Note:          fmt.Sprintf("limited to %02d:00-%02d:00", sunriseHour, sunsetHour),
	}}
}

func dailyTotals(samples []store.Sample) DailyTotals {
	intervals := aggregate(samples)

	totals := DailyTotals{
		PVTotalKWh:      round(energyKWh(intervals, "pv_w"), 3),
		BatteryTotalKWh: round(energyKWh(intervals, "battery_w"), 3),
		GridTotalKWh:    round(energyKWh(intervals, "grid_w"), 3),
		LoadTotalKWh:    round(energyKWh(intervals, "load_w"), 3),
	}
	if totals.PVTotalKWh > 0 {
		totals.SystemEfficiency = roundPtr(totals.LoadTotalKWh/totals.PVTotalKWh*100, 2)
	}

	load := filter(samples, has("load_w"))
	daylightKWh := intervalEnergyKWh(filter(load, inDaylight), "load_w")
	darkKWh := intervalEnergyKWh(filter(load, func(s store.Sample) bool { return !inDaylight(s) }), "load_w")

	totals.DaylightLoadKWh = round(daylightKWh, 3)
	totals.DarkHoursLoadKWh = round(darkKWh, 3)
	if daylightKWh > 0 && totals.PVTotalKWh > 0 {
		totals.DaylightEfficiency = round(daylightKWh/totals.PVTotalKWh*100, 2)
	}
	if daylightKWh > 0 {
		totals.ConsumptionRatioDarkVsLight = round(darkKWh/daylightKWh*100, 2)
	}
	totals.Note = fmt.Sprintf("daylight efficiency: %.2f%%, dark-hours consumption: %.2f%% of daylight",
		totals.DaylightEfficiency, totals.ConsumptionRatioDarkVsLight)
	return totals
}
