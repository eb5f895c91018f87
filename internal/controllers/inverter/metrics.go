package inverter

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Metric is one decoded inverter value as published on the broker, one
// message per metric per cycle.
type Metric struct {
	Name      string  `json:"-"`
	Value     float64 `json:"value"`
	Unit      string  `json:"unit"`
	Timestamp int64   `json:"timestamp"`
}

func (m Metric) ToJSON() (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal metric %s: %w", m.Name, err)
	}
	return string(b), nil
}

// Topic is {deviceID}/inverter/{metric-name}.
func (m Metric) Topic(deviceID string) string {
	return deviceID + "/" + namespace + "/" + m.Name
}

// units for values computed from registers rather than read directly
var derivedUnits = map[string]string{
	"grid_a":  "amperes",
	"load_pf": "ratio",
}

// MetricsFromValues turns a decoded register map into kebab-case metrics
// (battery_v becomes battery-v) ordered by name.
func MetricsFromValues(values map[string]float64, timestamp int64) []Metric {
	out := make([]Metric, 0, len(values))
	for key, v := range values {
		m := Metric{
			Name:      strings.ReplaceAll(key, "_", "-"),
			Value:     v,
			Unit:      derivedUnits[key],
			Timestamp: timestamp,
		}
		if reg, ok := DefaultRegisters.Lookup(key); ok {
			m.Unit = reg.Unit
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
