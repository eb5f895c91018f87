// Package analyzer turns a day of inverter samples into the daily analysis
// document: energy summaries per domain, anomaly report and seasonal data.
package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/lumberbarons/inverter-monitor/internal/store"
)

// Store is the persistence the analyzer reads samples from and writes
// documents to.
type Store interface {
	SamplesForDate(ctx context.Context, day time.Time) ([]store.Sample, error)
	SaveAnalysis(ctx context.Context, date string, data []byte, createdAt time.Time) error
}

type Analyzer struct {
	store Store
	now   func() time.Time
}

func New(s Store) *Analyzer {
	return &Analyzer{store: s, now: time.Now}
}

// Analyze computes and stores the document for day, replacing any earlier
// one. It returns nil when the day has no samples.
func (a *Analyzer) Analyze(ctx context.Context, day time.Time) (*Document, error) {
	date := day.Format(store.DayLayout)

	samples, err := a.store.SamplesForDate(ctx, day)
	if err != nil {
		return nil, fmt.Errorf("failed to load samples for %s: %w", date, err)
	}
	if len(samples) == 0 {
		log.Warnf("no samples found for %s, skipping analysis", date)
		return nil, nil
	}

	now := a.now()
	doc := Build(date, samples, now)

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode analysis for %s: %w", date, err)
	}
	if err := a.store.SaveAnalysis(ctx, date, data, now); err != nil {
		return nil, fmt.Errorf("failed to save analysis for %s: %w", date, err)
	}

	log.Infof("analysis done for %s: %d samples, pv %.3f kWh, load %.3f kWh, %d anomalies",
		date, doc.TotalSamples, doc.DailySummary.PVTotalKWh, doc.DailySummary.LoadTotalKWh,
		doc.Monitoring.AnomalyDetection.TotalAnomalies)
	return doc, nil
}

// Build computes the document from samples ordered by time. TotalSamples
// counts the samples before subsampling.
func Build(date string, samples []store.Sample, now time.Time) *Document {
	total := len(samples)
	samples = subsample(samples)

	return &Document{
		Date:         date,
		TotalSamples: total,
		Timestamp:    now.Format(time.RFC3339),
		RunID:        uuid.NewString(),
		Photovoltaic: PhotovoltaicSection{
			DailySummary:   analyzePV(samples),
			HourlyPatterns: hourlyPatterns(samples),
		},
		Battery: BatterySection{DailySummary: analyzeBattery(samples)},
		Grid: GridSection{
			DailySummary: analyzeGrid(samples),
			ImportTiming: importTiming(samples),
		},
		Household:     HouseholdSection{DailySummary: analyzeHousehold(samples)},
		Monitoring:    MonitoringSection{AnomalyDetection: detectAnomalies(samples)},
		Environmental: EnvironmentalSection{SeasonalInsights: seasonalInsights(samples)},
		DailySummary:  dailyTotals(samples),
	}
}

// Decode parses a stored document.
func Decode(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode analysis document: %w", err)
	}
	return &doc, nil
}

// HighSeverity returns the anomalies flagged high.
func (d *Document) HighSeverity() []Anomaly {
	var out []Anomaly
	for _, a := range d.Monitoring.AnomalyDetection.Anomalies {
		if a.Severity == SeverityHigh {
			out = append(out, a)
		}
	}
	return out
}

type SeasonStats struct {
	Days            int     `json:"days"`
	AvgPVKWh        float64 `json:"avg_pv_kwh"`
	AvgLoadKWh      float64 `json:"avg_load_kwh"`
	AvgDaylightH    float64 `json:"avg_daylight_hours"`
	AvgAnomalies    float64 `json:"avg_anomalies"`
	FirstDate       string  `json:"first_date"`
	LastDate        string  `json:"last_date"`
	daylightSamples int
}

type SeasonalOverview struct {
	Days    int                     `json:"days"`
	Skipped int                     `json:"skipped"`
	Seasons map[string]*SeasonStats `json:"seasons"`
}

// Overview summarises stored documents per season. Records that do not
// decode are counted as skipped.
func Overview(records []store.AnalysisRecord) SeasonalOverview {
	overview := SeasonalOverview{Seasons: make(map[string]*SeasonStats)}

	sorted := append([]store.AnalysisRecord(nil), records...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Date < sorted[j].Date })

	for _, rec := range sorted {
		doc, err := Decode(rec.Data)
		if err != nil {
			log.Debugf("skipping analysis record %s: %s", rec.Date, err)
			overview.Skipped++
			continue
		}

		season := ""
		if d := doc.Environmental.SeasonalInsights.Daylight; d != nil {
			season = d.Season
		}
		if season == "" {
			day, err := store.ParseDay(rec.Date)
			if err != nil {
				overview.Skipped++
				continue
			}
			season = Season(day)
		}

		stats, ok := overview.Seasons[season]
		if !ok {
			stats = &SeasonStats{FirstDate: rec.Date}
			overview.Seasons[season] = stats
		}
		stats.Days++
		stats.LastDate = rec.Date
		stats.AvgPVKWh += doc.DailySummary.PVTotalKWh
		stats.AvgLoadKWh += doc.DailySummary.LoadTotalKWh
		stats.AvgAnomalies += float64(doc.Monitoring.AnomalyDetection.TotalAnomalies)
		if d := doc.Environmental.SeasonalInsights.Daylight; d != nil {
			stats.AvgDaylightH += d.DaylightHours
			stats.daylightSamples++
		}
		overview.Days++
	}

	for _, stats := range overview.Seasons {
		n := float64(stats.Days)
		stats.AvgPVKWh = round(stats.AvgPVKWh/n, 3)
		stats.AvgLoadKWh = round(stats.AvgLoadKWh/n, 3)
		stats.AvgAnomalies = round(stats.AvgAnomalies/n, 2)
		if stats.daylightSamples > 0 {
			stats.AvgDaylightH = round(stats.AvgDaylightH/float64(stats.daylightSamples), 2)
		}
	}
	return overview
}
