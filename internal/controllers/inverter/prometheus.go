package inverter

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lumberbarons/inverter-monitor/internal/controllers"
)

type PrometheusCollector struct {
	failures  prometheus.Counter
	fallbacks prometheus.Counter

	pvPower      prometheus.Gauge
	batteryPower prometheus.Gauge
	gridPower    prometheus.Gauge
	loadPower    prometheus.Gauge

	batteryVoltage prometheus.Gauge

	values *prometheus.GaugeVec
}

var _ controllers.MetricsCollector = (*PrometheusCollector)(nil)

// NewPrometheusCollector registers the inverter metrics on reg.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)

	return &PrometheusCollector{
		failures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "read_failures",
			Help:      "Number of poll cycles where every modbus driver failed.",
		}),
		fallbacks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_reads",
			Help:      "Number of poll cycles served by a secondary modbus driver.",
		}),
		pvPower: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pv_power_watts",
			Help:      "Solar array power (W).",
		}),
		batteryPower: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "battery_power_watts",
			Help:      "Battery power, positive while charging (W).",
		}),
		gridPower: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "grid_power_watts",
			Help:      "Grid power, positive while importing (W).",
		}),
		loadPower: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "load_power_watts",
			Help:      "Household load power (W).",
		}),
		batteryVoltage: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "battery_voltage",
			Help:      "Battery voltage (V).",
		}),
		values: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "register_value",
			Help:      "Last decoded value of each inverter register or derived value.",
		}, []string{"name"}),
	}
}

func (e *PrometheusCollector) IncrementFailures() {
	e.failures.Inc()
}

func (e *PrometheusCollector) IncrementFallbacks() {
	e.fallbacks.Inc()
}

func (e *PrometheusCollector) SetMetrics(values map[string]float64) {
	setIfPresent(e.pvPower, values, "pv_w")
	setIfPresent(e.batteryPower, values, "battery_w")
	setIfPresent(e.gridPower, values, "grid_w")
	setIfPresent(e.loadPower, values, "load_w")
	setIfPresent(e.batteryVoltage, values, "battery_v")

	for name, v := range values {
		e.values.WithLabelValues(name).Set(v)
	}
}

func setIfPresent(g prometheus.Gauge, values map[string]float64, name string) {
	if v, ok := values[name]; ok {
		g.Set(v)
	}
}
