package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "monitor"

type PrometheusCollector struct {
	cycles         prometheus.Counter
	duplicates     prometheus.Counter
	cycleDuration  prometheus.Histogram
	soc            prometheus.Gauge
	batteryNet     prometheus.Gauge
	batteryResets  prometheus.Counter
	relayOn        prometheus.Gauge
	relayToggles   prometheus.Counter
	staleSeconds   prometheus.Gauge
	persistFailure prometheus.Counter
}

func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)

	return &PrometheusCollector{
		cycles: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Number of acquisition cycles run.",
		}),
		duplicates: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_samples_total",
			Help:      "Samples dropped because one already existed for the same second.",
		}),
		cycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of one poll, persist and control cycle.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2, 5, 10},
		}),
		soc: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "battery_soc_percent",
			Help:      "Estimated battery state of charge (%).",
		}),
		batteryNet: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "battery_net_wh",
			Help:      "Net energy of the open battery counter (Wh).",
		}),
		batteryResets: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "battery_counter_resets_total",
			Help:      "Automatic and manual battery counter resets.",
		}),
		relayOn: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_on",
			Help:      "1 while the load relay is on.",
		}),
		relayToggles: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_toggles_total",
			Help:      "Relay transitions applied by the hysteresis controller.",
		}),
		staleSeconds: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sample_age_seconds",
			Help:      "Age of the latest good sample at the end of the last cycle.",
		}),
		persistFailure: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_failures_total",
			Help:      "Sample or snapshot writes that failed.",
		}),
	}
}
