package analog

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "analog"

type PrometheusCollector struct {
	failures prometheus.Counter
	values   *prometheus.GaugeVec
}

func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)

	return &PrometheusCollector{
		failures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "read_failures",
			Help:      "Number of failed i2c bus, device, channel or register reads.",
		}),
		values: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "value",
			Help:      "Last display value of each analog channel or numeric register read.",
		}, []string{"device", "channel"}),
	}
}

func (e *PrometheusCollector) IncrementFailures() {
	e.failures.Inc()
}

func (e *PrometheusCollector) SetMetrics(scan Scan) {
	for device, readings := range scan {
		for name, v := range readings {
			switch value := v.(type) {
			case *ChannelReading:
				if value != nil {
					e.values.WithLabelValues(device, name).Set(value.Value)
				}
			case int:
				e.values.WithLabelValues(device, name).Set(float64(value))
			}
		}
	}
}
