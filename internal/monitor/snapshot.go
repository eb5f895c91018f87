package monitor

import (
	"time"

	"github.com/lumberbarons/inverter-monitor/internal/analog"
	"github.com/lumberbarons/inverter-monitor/internal/relay"
	"github.com/lumberbarons/inverter-monitor/internal/store"
)

// Snapshot is the state published at the end of a cycle. Sample stays at
// the last good read when the inverter fails, so readers always get the
// last known values together with their age.
type Snapshot struct {
	Sample       *store.Sample
	Driver       string
	Analog       analog.Scan
	SOC          *float64
	BatteryNetWh float64
	Relay        relay.State
	LastOK       time.Time
	LastError    string
	LastErrorAt  time.Time
}

// StaleSeconds is the age of the sample at now, or nil before the first good read.
func (s *Snapshot) StaleSeconds(now time.Time) *int64 {
	if s.Sample == nil {
		return nil
	}
	age := int64(now.Sub(s.Sample.Timestamp) / time.Second)
	return &age
}

func formatOptional(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.Format(store.TimestampLayout)
}

// Document flattens the snapshot into the live document served by
// /api/inverter and the websocket stream.
func (s *Snapshot) Document(now time.Time) map[string]interface{} {
	doc := make(map[string]interface{}, len(store.Columns)+10)

	if s.Sample != nil {
		doc["timestamp"] = s.Sample.Timestamp.Format(store.TimestampLayout)
		for _, c := range store.Columns {
			if v, ok := s.Sample.Values[c]; ok {
				doc[c] = v
			} else {
				doc[c] = nil
			}
		}
	} else {
		doc["timestamp"] = now.Format(store.TimestampLayout)
	}

	if s.SOC != nil {
		doc["soc_pct"] = *s.SOC
	}
	doc["battery_net_wh"] = s.BatteryNetWh
	doc["stale_seconds"] = s.StaleSeconds(now)
	doc["last_ok"] = formatOptional(s.LastOK)
	doc["last_error"] = nilIfEmpty(s.LastError)
	doc["driver"] = nilIfEmpty(s.Driver)
	doc["relay"] = map[string]interface{}{
		"enabled": s.Relay.Enabled,
		"state":   s.Relay.On,
	}
	if s.Analog != nil {
		doc["i2c"] = s.Analog
	}
	return doc
}

func nilIfEmpty(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}
