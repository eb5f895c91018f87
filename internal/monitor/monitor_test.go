package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumberbarons/inverter-monitor/internal/analog"
	"github.com/lumberbarons/inverter-monitor/internal/battery"
	testingpkg "github.com/lumberbarons/inverter-monitor/internal/controllers/testing"
	"github.com/lumberbarons/inverter-monitor/internal/relay"
	"github.com/lumberbarons/inverter-monitor/internal/store"
)

type fakeFieldBus struct {
	mu     sync.Mutex
	values map[string]float64
	driver string
	err    error
	calls  int
}

func (f *fakeFieldBus) ReadAll(context.Context) (map[string]float64, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, "", f.err
	}
	values := make(map[string]float64, len(f.values))
	for k, v := range f.values {
		values[k] = v
	}
	return values, f.driver, nil
}

func (f *fakeFieldBus) Primary() string { return "rtu-block" }

func (f *fakeFieldBus) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeAnalog struct {
	scan analog.Scan
}

func (f *fakeAnalog) Enabled() bool { return true }

func (f *fakeAnalog) ReadAll(context.Context) (analog.Scan, error) { return f.scan, nil }

type fakeHub struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (h *fakeHub) Broadcast(payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.payloads = append(h.payloads, payload)
}

type fixture struct {
	monitor   *Monitor
	store     *store.Store
	bus       *fakeFieldBus
	gpio      *testingpkg.MockGPIOBackend
	publisher *testingpkg.MockMessagePublisher
	alerts    *testingpkg.MockMessagePublisher
	metrics   *testingpkg.MockMetricsCollector
	hub       *fakeHub
	clock     time.Time
}

func (f *fixture) advance(d time.Duration) {
	f.clock = f.clock.Add(d)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "monitor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	counter := battery.NewCounter(s, battery.Configuration{
		NominalVoltage:       51.2,
		NominalAh:            400,
		NetResetVoltage:      46,
		ResetDebounceSeconds: 3600,
		SOC:                  battery.SOCConfiguration{Method: battery.SOCVoltageBased, VMax: 58, VMin: 44},
	})

	gpio := testingpkg.NewMockGPIOBackend()
	relayController := relay.NewController(relay.Configuration{
		Enabled: true,
		Mode:    "gpio",
		GPIOPin: 17,
		OnV:     47.5,
		OffV:    49.0,
	}, gpio)

	f := &fixture{
		store: s,
		bus: &fakeFieldBus{
			driver: "rtu-block",
			values: map[string]float64{
				"pv_w":      0,
				"battery_v": 45,
				"battery_w": -1000,
				"grid_w":    0,
				"load_w":    1000,
			},
		},
		gpio:      gpio,
		publisher: &testingpkg.MockMessagePublisher{},
		alerts:    &testingpkg.MockMessagePublisher{},
		metrics:   &testingpkg.MockMetricsCollector{},
		hub:       &fakeHub{},
		clock:     time.Date(2024, 6, 15, 12, 0, 30, 0, time.Local),
	}

	f.monitor = New(Options{
		DeviceID: "inverter-1",
		Period:   5 * time.Second,
		FieldBus: f.bus,
		Analog: &fakeAnalog{scan: analog.Scan{
			"pack": analog.DeviceReading{"a": &analog.ChannelReading{RawV: 1.2, RawMV: 1200, Value: 1200, Unit: "mV", MV: 1200}},
		}},
		Store:     s,
		Battery:   counter,
		Relay:     relayController,
		Publisher: f.publisher,
		Alerts:    f.alerts,
		Metrics:   f.metrics,
		Stats:     NewPrometheusCollector(prometheus.NewRegistry()),
		Live:      f.hub,
	})
	f.monitor.now = func() time.Time { return f.clock }
	return f
}

func TestCycleStoresSampleAndDrivesControls(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	snap := f.monitor.Cycle(ctx)

	require.NotNil(t, snap.Sample)
	assert.Equal(t, f.clock, snap.Sample.Timestamp)
	assert.Equal(t, "rtu-block", snap.Driver)
	assert.Equal(t, f.clock, snap.LastOK)
	assert.Empty(t, snap.LastError)
	assert.Same(t, snap, f.monitor.Latest())

	t.Run("sample and snapshot persisted", func(t *testing.T) {
		latest, err := f.store.LatestSample(ctx)
		require.NoError(t, err)
		assert.Equal(t, "2024-06-15 12:00:30", latest.Timestamp.Format(store.TimestampLayout))
		assert.Equal(t, 45.0, latest.Values["battery_v"])

		snapshot, err := f.store.LatestSnapshot(ctx)
		require.NoError(t, err)
		assert.JSONEq(t, `{"pack":{"a":{"raw_v":1.2,"raw_mv":1200,"value":1200,"unit":"mV","mv":1200}}}`, string(snapshot.Data))
	})

	t.Run("relay switched on below onV", func(t *testing.T) {
		require.NotNil(t, snap.Relay.On)
		assert.True(t, *snap.Relay.On)
		assert.Equal(t, []testingpkg.WriteCall{{Pin: 17, High: true}}, f.gpio.Writes())
		assert.Equal(t, 1.0, testutil.ToFloat64(f.monitor.stats.relayToggles))
	})

	t.Run("first discharge below reset voltage resets the counter", func(t *testing.T) {
		alerts := f.alerts.Calls()
		require.Len(t, alerts, 1)
		assert.Equal(t, "inverter-1/alerts", alerts[0].TopicSuffix)
		assert.Contains(t, alerts[0].Payload, `"type":"battery_counter_reset"`)
		assert.Len(t, f.publisher.CallsWithSuffix("/alerts"), 1)
		assert.Equal(t, 1.0, testutil.ToFloat64(f.monitor.stats.batteryResets))
	})

	t.Run("counter integrates one poll period", func(t *testing.T) {
		assert.InDelta(t, -1000*5/3600.0, snap.BatteryNetWh, 1e-6)
		require.NotNil(t, snap.SOC)
		assert.Equal(t, 7.1, *snap.SOC)
	})

	t.Run("metrics and publisher", func(t *testing.T) {
		assert.Len(t, f.metrics.SetMetricsCalls, 1)
		assert.Equal(t, 0, f.metrics.FallbacksCount)

		calls := f.publisher.CallsWithSuffix("/battery-v")
		require.Len(t, calls, 1)
		assert.Equal(t, "inverter-1/inverter/battery-v", calls[0].TopicSuffix)
		assert.Contains(t, calls[0].Payload, `"value":45`)
	})

	t.Run("live document broadcast", func(t *testing.T) {
		require.Len(t, f.hub.payloads, 1)
		var doc map[string]interface{}
		require.NoError(t, json.Unmarshal(f.hub.payloads[0], &doc))
		assert.Equal(t, 7.1, doc["soc_pct"])
		assert.Equal(t, 0.0, doc["stale_seconds"])
		assert.Contains(t, doc, "i2c")
		assert.Nil(t, doc["pv_v"])
	})
}

func TestCycleAutoResetDebounced(t *testing.T) {
	f := newFixture(t)

	f.monitor.Cycle(context.Background())
	f.advance(5 * time.Second)
	f.monitor.Cycle(context.Background())

	assert.Len(t, f.alerts.Calls(), 1)

	counter, err := f.monitor.battery.Status(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 2*1000*5/3600.0, counter.OutWh, 1e-6)
	assert.InDelta(t, counter.InWh-counter.OutWh, counter.NetWh, 1e-9)
}

func TestCycleFieldBusFailureKeepsLastSample(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first := f.monitor.Cycle(ctx)
	okAt := f.clock

	f.bus.err = errors.New("all modbus drivers failed: timeout")
	f.advance(5 * time.Second)
	snap := f.monitor.Cycle(ctx)

	assert.Same(t, first.Sample, snap.Sample)
	assert.Equal(t, okAt, snap.LastOK)
	assert.Equal(t, "all modbus drivers failed: timeout", snap.LastError)
	assert.Equal(t, f.clock, snap.LastErrorAt)
	assert.Equal(t, int64(5), *snap.StaleSeconds(f.clock))
	assert.Equal(t, 1, f.metrics.FailuresCount)

	count, err := f.store.CountSamples(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	snapshot, err := f.store.LatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2024-06-15 12:00:35", snapshot.Timestamp.Format(store.TimestampLayout))
}

func TestCycleRecoveryClearsLastError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.bus.err = errors.New("all modbus drivers failed: timeout")
	failed := f.monitor.Cycle(ctx)
	failedAt := f.clock
	assert.Equal(t, "all modbus drivers failed: timeout", failed.LastError)

	f.bus.err = nil
	f.advance(5 * time.Second)
	snap := f.monitor.Cycle(ctx)

	assert.Empty(t, snap.LastError)
	assert.Equal(t, failedAt, snap.LastErrorAt)
	assert.Equal(t, f.clock, snap.LastOK)
	assert.Nil(t, snap.Document(f.clock)["last_error"])
}

func TestCycleFallbackDriverCounted(t *testing.T) {
	f := newFixture(t)
	f.bus.driver = "rtu-single"

	snap := f.monitor.Cycle(context.Background())

	assert.Equal(t, "rtu-single", snap.Driver)
	assert.Equal(t, 1, f.metrics.FallbacksCount)
}

func TestCycleSameSecondIsDuplicate(t *testing.T) {
	f := newFixture(t)

	f.monitor.Cycle(context.Background())
	f.monitor.Cycle(context.Background())

	assert.Equal(t, 1.0, testutil.ToFloat64(f.monitor.stats.duplicates))
	count, err := f.store.CountSamples(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestCycleWithoutFieldBus(t *testing.T) {
	f := newFixture(t)
	f.monitor.fieldBus = nil

	snap := f.monitor.Cycle(context.Background())

	assert.Nil(t, snap.Sample)
	assert.Equal(t, ErrFieldBusDisabled.Error(), snap.LastError)
	assert.Equal(t, 0, f.metrics.FailuresCount)
	assert.Nil(t, snap.StaleSeconds(f.clock))
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.monitor.now = time.Now
	f.monitor.period = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.monitor.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return f.bus.callCount() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("acquisition loop did not stop after cancellation")
	}
}

func TestRunCancelledBeforeStart(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f.monitor.Run(ctx)

	assert.Equal(t, 0, f.bus.callCount())
}

func serve(t *testing.T, f *fixture, method, target, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	f.monitor.RegisterEndpoints(r)

	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var out map[string]interface{}
	if strings.HasPrefix(strings.TrimSpace(w.Body.String()), "{") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func TestInverterAndHealthEndpoints(t *testing.T) {
	f := newFixture(t)

	t.Run("before the first cycle", func(t *testing.T) {
		w, doc := serve(t, f, http.MethodGet, "/api/inverter", "")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Nil(t, doc["stale_seconds"])
		assert.Equal(t, "2024-06-15 12:00:30", doc["timestamp"])
	})

	f.monitor.Cycle(context.Background())
	f.advance(12 * time.Second)

	t.Run("inverter reports staleness", func(t *testing.T) {
		w, doc := serve(t, f, http.MethodGet, "/api/inverter", "")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, 12.0, doc["stale_seconds"])
		assert.Equal(t, 45.0, doc["battery_v"])
		assert.Equal(t, "2024-06-15 12:00:30", doc["last_ok"])
	})

	t.Run("health", func(t *testing.T) {
		w, doc := serve(t, f, http.MethodGet, "/api/health", "")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "ok", doc["status"])
		assert.Equal(t, "2024-06-15 12:00:30", doc["db_last_sample"])
		assert.Equal(t, 12.0, doc["stale_seconds"])
		assert.Equal(t, 5.0, doc["polling_interval_s"])
	})
}

func TestHistoryAndEnergyEndpoints(t *testing.T) {
	f := newFixture(t)
	f.monitor.Cycle(context.Background())

	t.Run("dense history over minutes", func(t *testing.T) {
		w := httptest.NewRecorder()
		gin.SetMode(gin.TestMode)
		r := gin.New()
		f.monitor.RegisterEndpoints(r)
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/history?minutes=5", nil))
		require.Equal(t, http.StatusOK, w.Code)

		var series []map[string]interface{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &series))
		require.Len(t, series, 6)
		assert.Nil(t, series[0]["load_w"])
		assert.Equal(t, "2024-06-15 12:00:00", series[5]["timestamp"])
		assert.Equal(t, 1000.0, series[5]["load_w"])
	})

	t.Run("bad minutes", func(t *testing.T) {
		w, _ := serve(t, f, http.MethodGet, "/api/history?minutes=abc", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("energy per day", func(t *testing.T) {
		w, doc := serve(t, f, http.MethodGet, "/api/energy?period=day&days=2&unit=wh", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "wh", doc["unit"])
		data := doc["data"].([]interface{})
		require.Len(t, data, 2)
		assert.Equal(t, "2024-06-14", data[0].(map[string]interface{})["bucket"])
		assert.Contains(t, data[1], "pv_Wh")
	})

	t.Run("energy per month", func(t *testing.T) {
		w, doc := serve(t, f, http.MethodGet, "/api/energy?period=month&months=1", "")
		require.Equal(t, http.StatusOK, w.Code)
		data := doc["data"].([]interface{})
		require.Len(t, data, 1)
		assert.Equal(t, "2024-06", data[0].(map[string]interface{})["bucket"])
		assert.Contains(t, data[0], "load_kWh")
	})

	t.Run("unknown period", func(t *testing.T) {
		w, _ := serve(t, f, http.MethodGet, "/api/energy?period=year", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("today totals use the open counter", func(t *testing.T) {
		w, doc := serve(t, f, http.MethodGet, "/api/totals/today?unit=wh", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.InDelta(t, -1000*5/3600.0, doc["batt_net_Wh"], 1e-6)
		assert.NotContains(t, doc, "bucket")
		assert.Contains(t, doc, "battery_counter_info")
	})
}

func TestBatteryEndpoints(t *testing.T) {
	f := newFixture(t)
	f.monitor.Cycle(context.Background())

	w, doc := serve(t, f, http.MethodGet, "/api/battery/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	before := doc["counter"].(map[string]interface{})["id"].(float64)

	w, doc = serve(t, f, http.MethodPost, "/api/battery/reset", `{"reason":"full charge"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "full charge", doc["reason"])
	assert.Greater(t, doc["new_counter_id"].(float64), before)

	w, doc = serve(t, f, http.MethodPost, "/api/battery/reset", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "manual", doc["reason"])

	w, _ = serve(t, f, http.MethodPost, "/api/battery/reset", `{"reason":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	history, err := f.store.CounterHistory(context.Background(), store.CounterDailyNet, 10)
	require.NoError(t, err)
	var reasons []string
	for _, c := range history {
		reasons = append(reasons, c.ResetReason)
	}
	assert.Contains(t, reasons, "full charge")
	assert.Contains(t, reasons, "manual")
}

func TestRelayEndpoints(t *testing.T) {
	f := newFixture(t)

	w, doc := serve(t, f, http.MethodPost, "/api/relay/on", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "on", doc["relay"])
	assert.Equal(t, true, doc["state"].(map[string]interface{})["state"])

	w, doc = serve(t, f, http.MethodGet, "/api/relay/state", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 17.0, doc["relay"].(map[string]interface{})["gpio_pin"])

	f.gpio.WriteFunc = func(int, bool) error { return relay.ErrBackendUnavailable }
	w, doc = serve(t, f, http.MethodPost, "/api/relay/off", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, false, doc["ok"])
	assert.Equal(t, false, doc["state"].(map[string]interface{})["state"])
}

func TestI2CEndpoints(t *testing.T) {
	f := newFixture(t)

	w, _ := serve(t, f, http.MethodGet, "/api/i2c/latest", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	f.monitor.Cycle(context.Background())

	w, doc := serve(t, f, http.MethodGet, "/api/i2c/latest", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "2024-06-15 12:00:30", doc["timestamp"])
	assert.Contains(t, doc["i2c"], "pack")

	w, doc = serve(t, f, http.MethodGet, "/api/i2c/history?minutes=5", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, doc["data"], 1)

	w, doc = serve(t, f, http.MethodGet, "/api/i2c/history?minutes=5&device=pack&channel=a", "")
	require.Equal(t, http.StatusOK, w.Code)
	points := doc["data"].([]interface{})
	require.Len(t, points, 1)
	assert.Equal(t, 1200.0, points[0].(map[string]interface{})["value"])

	w, doc = serve(t, f, http.MethodGet, "/api/i2c/history?device=pack&channel=a&metric=current_a", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, doc["data"])

	w, _ = serve(t, f, http.MethodGet, "/api/i2c/history?device=pack", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
