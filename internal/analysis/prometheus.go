package analysis

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "analysis"

type PrometheusCollector struct {
	runs          prometheus.Counter
	failures      prometheus.Counter
	anomalies     prometheus.Counter
	archiveRuns   prometheus.Counter
	archivedDays  prometheus.Counter
	deletedRows   prometheus.Counter
	lastRunTime   prometheus.Gauge
	lastArchiveTS prometheus.Gauge
}

func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)
	return &PrometheusCollector{
		runs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Daily analyses computed.",
		}),
		failures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Daily analyses that failed.",
		}),
		anomalies: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "high_severity_anomalies_total",
			Help:      "High severity anomalies found by daily analyses.",
		}),
		archiveRuns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_runs_total",
			Help:      "Archive compactions applied.",
		}),
		archivedDays: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archived_days_total",
			Help:      "Days folded into the archive table.",
		}),
		deletedRows: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deleted_samples_total",
			Help:      "Samples deleted by archival and cleanup.",
		}),
		lastRunTime: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time of the last completed analysis.",
		}),
		lastArchiveTS: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_archive_timestamp_seconds",
			Help:      "Unix time of the last applied archive.",
		}),
	}
}
