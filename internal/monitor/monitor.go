// Package monitor runs the acquisition cycle: it polls the inverter and the
// analog devices, persists the sample, drives the relay and the battery
// counter, and serves the latest state over HTTP.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/lumberbarons/inverter-monitor/internal/analog"
	"github.com/lumberbarons/inverter-monitor/internal/battery"
	"github.com/lumberbarons/inverter-monitor/internal/controllers"
	"github.com/lumberbarons/inverter-monitor/internal/controllers/inverter"
	"github.com/lumberbarons/inverter-monitor/internal/relay"
	"github.com/lumberbarons/inverter-monitor/internal/store"
)

const (
	TopicAlerts = "alerts"

	alertBatteryReset = "battery_counter_reset"
)

// ErrFieldBusDisabled is recorded as the last error when no field bus is configured.
var ErrFieldBusDisabled = errors.New("inverter field bus disabled")

// FieldBus reads the decoded inverter registers.
type FieldBus interface {
	ReadAll(ctx context.Context) (map[string]float64, string, error)
	Primary() string
}

// AnalogReader scans the configured analog devices.
type AnalogReader interface {
	Enabled() bool
	ReadAll(ctx context.Context) (analog.Scan, error)
}

// Broadcaster fans a snapshot document out to live clients.
type Broadcaster interface {
	Broadcast(payload []byte)
}

type Options struct {
	DeviceID  string
	Period    time.Duration
	FieldBus  FieldBus
	Analog    AnalogReader
	Store     *store.Store
	Battery   *battery.Counter
	Relay     *relay.Controller
	Publisher controllers.MessagePublisher
	Alerts    controllers.MessagePublisher
	Metrics   controllers.MetricsCollector
	Stats     *PrometheusCollector
	Live      Broadcaster
}

type Monitor struct {
	deviceID  string
	period    time.Duration
	fieldBus  FieldBus
	analog    AnalogReader
	store     *store.Store
	battery   *battery.Counter
	relay     *relay.Controller
	publisher controllers.MessagePublisher
	alerts    controllers.MessagePublisher
	metrics   controllers.MetricsCollector
	stats     *PrometheusCollector
	live      Broadcaster

	// mu serialises cycles and manual counter resets.
	mu     sync.Mutex
	latest atomic.Pointer[Snapshot]
	now    func() time.Time
}

func New(opts Options) *Monitor {
	m := &Monitor{
		deviceID:  opts.DeviceID,
		period:    opts.Period,
		fieldBus:  opts.FieldBus,
		analog:    opts.Analog,
		store:     opts.Store,
		battery:   opts.Battery,
		relay:     opts.Relay,
		publisher: opts.Publisher,
		alerts:    opts.Alerts,
		metrics:   opts.Metrics,
		stats:     opts.Stats,
		live:      opts.Live,
		now:       time.Now,
	}
	if m.period <= 0 {
		m.period = 5 * time.Second
	}
	m.latest.Store(&Snapshot{})
	return m
}

// Latest returns the snapshot published by the last cycle. It is never nil
// and must not be modified.
func (m *Monitor) Latest() *Snapshot {
	return m.latest.Load()
}

// Run polls every period until ctx is cancelled. A cycle in progress always
// completes; cancellation is only observed between cycles.
func (m *Monitor) Run(ctx context.Context) {
	log.Infof("acquisition loop started, polling every %s", m.period)

	next := m.now()
	for {
		if ctx.Err() != nil {
			break
		}

		m.Cycle(context.WithoutCancel(ctx))

		next = next.Add(m.period)
		wait := next.Sub(m.now())
		if wait < 0 {
			log.Debugf("acquisition loop %s behind schedule, resynchronising", -wait)
			next = m.now()
			wait = 0
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}

	log.Info("acquisition loop stopped")
}

// Cycle runs one poll, persist and control pass and publishes the resulting
// snapshot. The analog devices are scanned even when the inverter read fails.
func (m *Monitor) Cycle(ctx context.Context) *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	started := m.now()
	ts := started.Truncate(time.Second)
	log.Trace("starting acquisition cycle")

	next := *m.latest.Load()
	next.Analog = m.readAnalog(ctx)

	values, driver, err := m.readFieldBus(ctx)
	if err != nil {
		next.LastError = err.Error()
		next.LastErrorAt = ts
		if !errors.Is(err, ErrFieldBusDisabled) {
			log.Errorf("failed to read inverter: %s", err)
			m.metrics.IncrementFailures()
		}
		m.persistSnapshot(ctx, ts, next.Analog)
	} else {
		sample := store.Sample{Timestamp: ts, Values: values}
		next.Sample = &sample
		next.Driver = driver
		next.LastOK = ts
		// LastErrorAt stays as the time of the most recent failure
		next.LastError = ""

		if driver != m.fieldBus.Primary() {
			m.metrics.IncrementFallbacks()
		}
		m.metrics.SetMetrics(values)

		m.persistSample(ctx, sample)
		m.persistSnapshot(ctx, ts, next.Analog)
		m.control(ctx, &next, values, ts)
		m.publishMetrics(values, ts)
	}

	next.Relay = m.relay.State()
	m.latest.Store(&next)

	m.observe(&next, started)
	m.broadcast(&next)

	log.Trace("acquisition cycle done")
	return &next
}

func (m *Monitor) readFieldBus(ctx context.Context) (map[string]float64, string, error) {
	if m.fieldBus == nil {
		return nil, "", ErrFieldBusDisabled
	}
	return m.fieldBus.ReadAll(ctx)
}

func (m *Monitor) readAnalog(ctx context.Context) analog.Scan {
	if m.analog == nil || !m.analog.Enabled() {
		return nil
	}
	scan, err := m.analog.ReadAll(ctx)
	if err != nil {
		log.Warnf("failed to scan analog devices: %s", err)
		return nil
	}
	return scan
}

func (m *Monitor) persistSample(ctx context.Context, sample store.Sample) {
	inserted, err := m.store.InsertSample(ctx, sample)
	if err != nil {
		log.Errorf("failed to store sample: %s", err)
		m.stats.persistFailure.Inc()
		return
	}
	if !inserted {
		log.Debugf("sample for %s already stored", sample.Timestamp.Format(store.TimestampLayout))
		m.stats.duplicates.Inc()
	}
}

func (m *Monitor) persistSnapshot(ctx context.Context, ts time.Time, scan analog.Scan) {
	if scan == nil {
		return
	}
	data, err := json.Marshal(scan)
	if err != nil {
		log.Errorf("failed to encode analog snapshot: %s", err)
		return
	}
	if err := m.store.InsertSnapshot(ctx, ts, data); err != nil {
		log.Errorf("failed to store analog snapshot: %s", err)
		m.stats.persistFailure.Inc()
	}
}

// control steps the relay on battery voltage, then checks the counter reset
// condition before integrating the cycle's battery power.
func (m *Monitor) control(ctx context.Context, next *Snapshot, values map[string]float64, ts time.Time) {
	voltage, hasV := values["battery_v"]
	power, hasW := values["battery_w"]

	if hasV {
		switched, err := m.relay.Step(voltage)
		if err != nil {
			log.Warnf("relay write failed at %.2f V: %s", voltage, err)
		}
		if switched {
			m.stats.relayToggles.Inc()
		}
	}

	if hasV && hasW {
		reset, err := m.battery.MaybeAutoReset(ctx, power, voltage, ts)
		if err != nil {
			log.Errorf("battery counter reset check failed: %s", err)
		}
		if reset {
			m.stats.batteryResets.Inc()
			m.alert(alertBatteryReset, map[string]interface{}{
				"reason":    "auto",
				"battery_v": voltage,
				"battery_w": power,
			}, ts)
		}

		if err := m.battery.Update(ctx, power, voltage, m.period.Seconds()); err != nil {
			log.Errorf("failed to update battery counter: %s", err)
		}
	}

	counter, err := m.battery.Status(ctx)
	if err != nil {
		log.Errorf("failed to read battery counter: %s", err)
		return
	}
	next.BatteryNetWh = counter.NetWh
	next.SOC = nil
	if hasV {
		soc := m.battery.EstimateSOC(voltage, counter.NetWh)
		next.SOC = &soc
	}
}

// publishMetrics sends one message per value under {deviceId}/inverter/{name}.
func (m *Monitor) publishMetrics(values map[string]float64, ts time.Time) {
	if m.publisher == nil {
		return
	}
	for _, metric := range inverter.MetricsFromValues(values, ts.Unix()) {
		payload, err := metric.ToJSON()
		if err != nil {
			log.Errorf("failed to encode metric %s: %s", metric.Name, err)
			continue
		}
		m.publisher.Publish(metric.Topic(m.deviceID), payload)
	}
}

func (m *Monitor) alert(kind string, detail map[string]interface{}, ts time.Time) {
	payload := map[string]interface{}{
		"type":      kind,
		"device_id": m.deviceID,
		"timestamp": ts.Format(store.TimestampLayout),
	}
	for k, v := range detail {
		payload[k] = v
	}
	b, err := json.Marshal(payload)
	if err != nil {
		log.Errorf("failed to encode %s alert: %s", kind, err)
		return
	}

	topic := fmt.Sprintf("%s/%s", m.deviceID, TopicAlerts)
	if m.publisher != nil {
		m.publisher.Publish(topic, string(b))
	}
	if m.alerts != nil {
		m.alerts.Publish(topic, string(b))
	}
}

func (m *Monitor) observe(snap *Snapshot, started time.Time) {
	now := m.now()
	m.stats.cycles.Inc()
	m.stats.cycleDuration.Observe(now.Sub(started).Seconds())
	m.stats.batteryNet.Set(snap.BatteryNetWh)
	if snap.SOC != nil {
		m.stats.soc.Set(*snap.SOC)
	}
	if snap.Relay.On != nil && *snap.Relay.On {
		m.stats.relayOn.Set(1)
	} else {
		m.stats.relayOn.Set(0)
	}
	if age := snap.StaleSeconds(now); age != nil {
		m.stats.staleSeconds.Set(float64(*age))
	}
}

func (m *Monitor) broadcast(snap *Snapshot) {
	if m.live == nil {
		return
	}
	b, err := json.Marshal(snap.Document(m.now()))
	if err != nil {
		log.Errorf("failed to encode live snapshot: %s", err)
		return
	}
	m.live.Broadcast(b)
}

// ResetBattery restarts the battery counter with reason at the latest
// battery voltage, bypassing the automatic reset rules.
func (m *Monitor) ResetBattery(ctx context.Context, reason string) (store.Counter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var voltage float64
	if s := m.latest.Load().Sample; s != nil {
		voltage = s.Values["battery_v"]
	}

	if reason == "" {
		reason = battery.ManualReason
	}
	counter, err := m.battery.Reset(ctx, reason, voltage)
	if err != nil {
		return store.Counter{}, err
	}

	m.stats.batteryResets.Inc()
	m.alert(alertBatteryReset, map[string]interface{}{
		"reason":    reason,
		"battery_v": voltage,
	}, m.now())
	return counter, nil
}
