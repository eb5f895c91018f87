// Package analysis runs the daily analyzer and the archive compaction, on a
// schedule and on demand, and publishes their results.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	log "github.com/sirupsen/logrus"

	"github.com/lumberbarons/inverter-monitor/internal/analyzer"
	"github.com/lumberbarons/inverter-monitor/internal/controllers"
	"github.com/lumberbarons/inverter-monitor/internal/store"
)

const (
	TopicAnalysis = "analysis"
	TopicAlerts   = "alerts"

	defaultArchiveDays = 30
	maxArchiveDays     = 3650
)

// ErrNoSamples is returned when the requested day has nothing to analyze.
var ErrNoSamples = errors.New("no samples for day")

type Configuration struct {
	Enabled              bool   `yaml:"enabled" toml:"enabled"`
	Schedule             string `yaml:"schedule" toml:"schedule"`
	CleanupAfterAnalysis bool   `yaml:"cleanupAfterAnalysis" toml:"cleanupAfterAnalysis"`
}

type ArchiveConfiguration struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	Schedule string `yaml:"schedule" toml:"schedule"`
	Days     int    `yaml:"days" toml:"days"`
	Vacuum   bool   `yaml:"vacuum" toml:"vacuum"`
}

type Options struct {
	DeviceID  string
	Analysis  Configuration
	Archive   ArchiveConfiguration
	Store     *store.Store
	Publisher controllers.MessagePublisher
	Alerts    controllers.MessagePublisher
	Stats     *PrometheusCollector
}

// Service serializes analysis and archival: both read the samples table and
// archival deletes from it.
type Service struct {
	deviceID  string
	config    Configuration
	archive   ArchiveConfiguration
	store     *store.Store
	analyzer  *analyzer.Analyzer
	publisher controllers.MessagePublisher
	alerts    controllers.MessagePublisher
	stats     *PrometheusCollector
	scheduler *gocron.Scheduler

	mu  sync.Mutex
	now func() time.Time
}

func NewService(opts Options) *Service {
	if opts.Archive.Days <= 0 {
		opts.Archive.Days = defaultArchiveDays
	}
	return &Service{
		deviceID:  opts.DeviceID,
		config:    opts.Analysis,
		archive:   opts.Archive,
		store:     opts.Store,
		analyzer:  analyzer.New(opts.Store),
		publisher: opts.Publisher,
		alerts:    opts.Alerts,
		stats:     opts.Stats,
		scheduler: gocron.NewScheduler(time.Local),
		now:       time.Now,
	}
}

// Start registers the enabled jobs and starts the scheduler.
func (s *Service) Start() error {
	if s.config.Enabled {
		if _, err := s.scheduler.Every(1).Day().At(s.config.Schedule).Do(s.analyzeYesterday); err != nil {
			return fmt.Errorf("failed to schedule daily analysis at %q: %w", s.config.Schedule, err)
		}
		log.Infof("daily analysis scheduled at %s", s.config.Schedule)
	}
	if s.archive.Enabled {
		if _, err := s.scheduler.Every(1).Day().At(s.archive.Schedule).Do(s.archiveNightly); err != nil {
			return fmt.Errorf("failed to schedule archive at %q: %w", s.archive.Schedule, err)
		}
		log.Infof("archive scheduled at %s, keeping %d days", s.archive.Schedule, s.archive.Days)
	}
	s.scheduler.StartAsync()
	return nil
}

// RunDay analyzes day, stores and publishes the document. It returns
// ErrNoSamples when the day is empty.
func (s *Service) RunDay(ctx context.Context, day time.Time) (*analyzer.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runDay(ctx, day)
}

func (s *Service) runDay(ctx context.Context, day time.Time) (*analyzer.Document, error) {
	doc, err := s.analyzer.Analyze(ctx, day)
	if err != nil {
		s.stats.failures.Inc()
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("%w %s", ErrNoSamples, day.Format(store.DayLayout))
	}

	s.stats.runs.Inc()
	s.stats.lastRunTime.Set(float64(s.now().Unix()))
	s.publishDocument(doc)
	return doc, nil
}

// Daily recomputes and stores the document for day on every call, without
// publishing it. A day whose samples were cleaned up serves its stored record.
func (s *Service) Daily(ctx context.Context, day time.Time) (json.RawMessage, error) {
	date := day.Format(store.DayLayout)

	s.mu.Lock()
	doc, err := s.analyzer.Analyze(ctx, day)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if doc != nil {
		return json.Marshal(doc)
	}

	rec, err := s.store.LoadAnalysis(ctx, date)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w %s", ErrNoSamples, date)
	}
	if err != nil {
		return nil, err
	}
	return rec.Data, nil
}

type CleanupResult struct {
	Date           string             `json:"date"`
	SamplesDeleted int64              `json:"samples_deleted"`
	AnalysisKept   bool               `json:"analysis_kept"`
	Document       *analyzer.Document `json:"-"`
}

// Cleanup analyzes day, then deletes its samples. The stored document is
// deleted too unless keepAnalysis.
func (s *Service) Cleanup(ctx context.Context, day time.Time, keepAnalysis bool) (CleanupResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := CleanupResult{Date: day.Format(store.DayLayout), AnalysisKept: keepAnalysis}
	doc, err := s.runDay(ctx, day)
	if err != nil {
		return result, err
	}
	result.Document = doc

	result.SamplesDeleted, err = s.store.DeleteSamplesForDate(ctx, day)
	if err != nil {
		return result, err
	}
	s.stats.deletedRows.Add(float64(result.SamplesDeleted))

	if !keepAnalysis {
		if _, err := s.store.DeleteAnalysis(ctx, result.Date); err != nil {
			return result, err
		}
	}

	log.Infof("cleaned up %s: %d samples deleted, analysis kept %t", result.Date, result.SamplesDeleted, keepAnalysis)
	return result, nil
}

// Archive folds samples older than the request cutoff into daily archive rows.
func (s *Service) Archive(ctx context.Context, req store.ArchiveRequest) (store.ArchiveSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	summary, err := s.store.ArchiveAndTrim(ctx, req)
	if err != nil {
		return summary, err
	}
	if !req.DryRun {
		s.stats.archiveRuns.Inc()
		s.stats.archivedDays.Add(float64(summary.DaysArchived))
		s.stats.deletedRows.Add(float64(summary.RowsDeleted))
		s.stats.lastArchiveTS.Set(float64(s.now().Unix()))
	}
	return summary, nil
}

// ArchiveCutoff is local midnight days days before now.
func ArchiveCutoff(now time.Time, days int) time.Time {
	return store.StartOfDay(now).AddDate(0, 0, -days)
}

// Seasonal summarises up to days of the most recent stored documents.
func (s *Service) Seasonal(ctx context.Context, days int) (analyzer.SeasonalOverview, error) {
	records, err := s.store.RecentAnalyses(ctx, days)
	if err != nil {
		return analyzer.SeasonalOverview{}, err
	}
	return analyzer.Overview(records), nil
}

func (s *Service) analyzeYesterday() {
	ctx := context.Background()
	day := store.StartOfDay(s.now()).AddDate(0, 0, -1)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.runDay(ctx, day); err != nil {
		if errors.Is(err, ErrNoSamples) {
			log.Infof("scheduled analysis: %s", err)
		} else {
			log.Errorf("scheduled analysis failed: %s", err)
		}
		return
	}

	if s.config.CleanupAfterAnalysis {
		n, err := s.store.DeleteSamplesForDate(ctx, day)
		if err != nil {
			log.Errorf("failed to clean up samples after analysis: %s", err)
			return
		}
		s.stats.deletedRows.Add(float64(n))
		log.Infof("deleted %d samples of %s after analysis", n, day.Format(store.DayLayout))
	}
}

func (s *Service) archiveNightly() {
	req := store.ArchiveRequest{
		Cutoff: ArchiveCutoff(s.now(), s.archive.Days),
		Vacuum: s.archive.Vacuum,
	}
	if _, err := s.Archive(context.Background(), req); err != nil {
		log.Errorf("scheduled archive failed: %s", err)
	}
}

func (s *Service) publishDocument(doc *analyzer.Document) {
	b, err := json.Marshal(doc)
	if err != nil {
		log.Errorf("failed to encode analysis for publishing: %s", err)
		return
	}
	if s.publisher != nil {
		s.publisher.Publish(fmt.Sprintf("%s/%s", s.deviceID, TopicAnalysis), string(b))
	}

	high := doc.HighSeverity()
	if len(high) == 0 {
		return
	}
	s.stats.anomalies.Add(float64(len(high)))

	alert, err := json.Marshal(map[string]interface{}{
		"type":      "analysis_anomalies",
		"device_id": s.deviceID,
		"date":      doc.Date,
		"timestamp": s.now().Format(store.TimestampLayout),
		"count":     len(high),
		"anomalies": high,
	})
	if err != nil {
		log.Errorf("failed to encode anomaly alert: %s", err)
		return
	}

	topic := fmt.Sprintf("%s/%s", s.deviceID, TopicAlerts)
	if s.publisher != nil {
		s.publisher.Publish(topic, string(alert))
	}
	if s.alerts != nil {
		s.alerts.Publish(topic, string(alert))
	}
}

// Close stops the scheduler. Running jobs finish on their own.
func (s *Service) Close() error {
	s.scheduler.Stop()
	return nil
}
