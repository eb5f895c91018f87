package monitor

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/lumberbarons/inverter-monitor/internal/store"
)

const (
	maxHistoryMinutes = 1440
	maxEnergyDays     = 366
	maxEnergyMonths   = 120
)

func (m *Monitor) RegisterEndpoints(r *gin.Engine) {
	api := r.Group("/api")

	api.GET("/health", m.HealthGet())
	api.GET("/inverter", m.InverterGet())
	api.GET("/history", m.HistoryGet())
	api.GET("/energy", m.EnergyGet())
	api.GET("/totals/today", m.TotalsTodayGet())

	api.GET("/battery/status", m.BatteryStatusGet())
	api.POST("/battery/reset", m.BatteryResetPost())

	api.POST("/relay/on", m.RelayPost(true))
	api.POST("/relay/off", m.RelayPost(false))
	api.GET("/relay/state", m.RelayStateGet())

	api.GET("/i2c/latest", m.I2CLatestGet())
	api.GET("/i2c/history", m.I2CHistoryGet())
}

func (m *Monitor) Enabled() bool {
	return true
}

// Close releases the relay line. The store and the field bus are owned by the application.
func (m *Monitor) Close() error {
	return m.relay.Close()
}

func errorJSON(c *gin.Context, status int, err error) {
	c.JSON(status, gin.H{"ok": false, "error": err.Error()})
}

func (m *Monitor) HealthGet() gin.HandlerFunc {
	return func(c *gin.Context) {
		now := m.now()
		snap := m.Latest()

		var dbLast interface{}
		stale := snap.StaleSeconds(now)
		latest, err := m.store.LatestSample(c.Request.Context())
		switch {
		case err == nil:
			dbLast = latest.Timestamp.Format(store.TimestampLayout)
			age := int64(now.Sub(latest.Timestamp) / time.Second)
			stale = &age
		case !errors.Is(err, store.ErrNotFound):
			log.Warnf("health: failed to read latest sample: %s", err)
		}

		c.JSON(http.StatusOK, gin.H{
			"status":             "ok",
			"last_ok":            formatOptional(snap.LastOK),
			"last_error":         nilIfEmpty(snap.LastError),
			"last_error_at":      formatOptional(snap.LastErrorAt),
			"driver":             nilIfEmpty(snap.Driver),
			"db_path":            m.store.Path(),
			"db_size_bytes":      m.store.SizeBytes(),
			"polling_interval_s": m.period.Seconds(),
			"db_last_sample":     dbLast,
			"stale_seconds":      stale,
			"relay":              snap.Relay,
		})
	}
}

func (m *Monitor) InverterGet() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, m.Latest().Document(m.now()))
	}
}

// intQuery parses an integer query parameter clamped to [lo, hi]. A missing
// parameter yields def; a malformed one is an error.
func intQuery(c *gin.Context, name string, def, lo, hi int) (int, error) {
	raw, ok := c.GetQuery(name)
	if !ok || raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("invalid " + name + ": " + raw)
	}
	if v < lo {
		v = lo
	}
	if v > hi {
		v = hi
	}
	return v, nil
}

// HistoryGet returns per-minute power averages with null gaps, from local
// midnight or over the last ?minutes=.
func (m *Monitor) HistoryGet() gin.HandlerFunc {
	return func(c *gin.Context) {
		now := m.now()
		from := store.StartOfDay(now)
		if _, ok := c.GetQuery("minutes"); ok {
			minutes, err := intQuery(c, "minutes", 60, 1, maxHistoryMinutes)
			if err != nil {
				errorJSON(c, http.StatusBadRequest, err)
				return
			}
			from = now.Add(-time.Duration(minutes) * time.Minute)
		}

		series, err := m.store.DenseMinutes(c.Request.Context(), from, now)
		if err != nil {
			errorJSON(c, http.StatusInternalServerError, err)
			return
		}
		if series == nil {
			series = []store.MinuteAverage{}
		}
		c.JSON(http.StatusOK, series)
	}
}

// energyUnit returns the unit label, divisor and key suffix for ?unit=.
func energyUnit(c *gin.Context) (string, float64, string) {
	if strings.EqualFold(c.Query("unit"), "wh") {
		return "wh", 1, "_Wh"
	}
	return "kwh", 1000, "_kWh"
}

func bucketJSON(b store.EnergyBucket, div float64, suffix string) gin.H {
	scaled := b.Scaled(div)
	return gin.H{
		"bucket":            scaled.Bucket,
		"pv" + suffix:       scaled.PVWh,
		"load" + suffix:     scaled.LoadWh,
		"grid" + suffix:     scaled.GridWh,
		"batt_in" + suffix:  scaled.BattInWh,
		"batt_out" + suffix: scaled.BattOutWh,
		"batt_net" + suffix: scaled.BattNetWh,
	}
}

// EnergyGet returns energy per day (?period=day&days=) or per month
// (?period=month&months=), archive and live samples combined.
func (m *Monitor) EnergyGet() gin.HandlerFunc {
	return func(c *gin.Context) {
		now := m.now()
		unit, div, suffix := energyUnit(c)

		var from time.Time
		period := strings.ToLower(c.DefaultQuery("period", "day"))
		switch period {
		case "day":
			days, err := intQuery(c, "days", 7, 1, maxEnergyDays)
			if err != nil {
				errorJSON(c, http.StatusBadRequest, err)
				return
			}
			from = store.StartOfDay(now).AddDate(0, 0, -(days - 1))
		case "month":
			months, err := intQuery(c, "months", 12, 1, maxEnergyMonths)
			if err != nil {
				errorJSON(c, http.StatusBadRequest, err)
				return
			}
			first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
			from = first.AddDate(0, -(months - 1), 0)
		default:
			errorJSON(c, http.StatusBadRequest, errors.New("invalid period: "+period))
			return
		}

		days, err := m.store.EnergyByDay(c.Request.Context(), from, now)
		if err != nil {
			errorJSON(c, http.StatusInternalServerError, err)
			return
		}
		if period == "month" {
			days = byMonth(days)
		}

		data := make([]gin.H, 0, len(days))
		for _, b := range days {
			data = append(data, bucketJSON(b, div, suffix))
		}
		c.JSON(http.StatusOK, gin.H{"unit": unit, "period": period, "data": data})
	}
}

// byMonth sums daily buckets (keyed YYYY-MM-DD) into YYYY-MM buckets.
func byMonth(days []store.EnergyBucket) []store.EnergyBucket {
	acc := make(map[string]*store.EnergyBucket)
	for _, d := range days {
		key := d.Bucket
		if len(key) >= 7 {
			key = key[:7]
		}
		b, ok := acc[key]
		if !ok {
			b = &store.EnergyBucket{Bucket: key}
			acc[key] = b
		}
		b.PVWh += d.PVWh
		b.LoadWh += d.LoadWh
		b.GridWh += d.GridWh
		b.BattInWh += d.BattInWh
		b.BattOutWh += d.BattOutWh
		b.BattNetWh = b.BattInWh - b.BattOutWh
	}

	out := make([]store.EnergyBucket, 0, len(acc))
	for _, b := range acc {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Bucket < out[j].Bucket })
	return out
}

// TotalsTodayGet integrates today's live samples. The battery net figure
// comes from the open counter rather than today's samples.
func (m *Monitor) TotalsTodayGet() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		unit, div, suffix := energyUnit(c)

		totals, err := m.store.TodayTotals(ctx, m.now())
		if err != nil {
			errorJSON(c, http.StatusInternalServerError, err)
			return
		}
		counter, err := m.battery.Status(ctx)
		if err != nil {
			errorJSON(c, http.StatusInternalServerError, err)
			return
		}

		out := bucketJSON(totals, div, suffix)
		delete(out, "bucket")
		out["unit"] = unit
		out["batt_net"+suffix] = counter.NetWh / div
		out["battery_counter_info"] = gin.H{
			"start_timestamp":   counter.StartTime.Format(store.TimestampLayout),
			"reset_reason":      nilIfEmpty(counter.ResetReason),
			"total_batt_net_Wh": counter.NetWh,
		}
		c.JSON(http.StatusOK, out)
	}
}

func (m *Monitor) BatteryStatusGet() gin.HandlerFunc {
	return func(c *gin.Context) {
		counter, err := m.battery.Status(c.Request.Context())
		if err != nil {
			errorJSON(c, http.StatusInternalServerError, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "counter": counter})
	}
}

type resetRequest struct {
	Reason string `json:"reason"`
}

func (m *Monitor) BatteryResetPost() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req resetRequest
		if c.Request.ContentLength != 0 {
			if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
				errorJSON(c, http.StatusBadRequest, err)
				return
			}
		}

		counter, err := m.ResetBattery(c.Request.Context(), req.Reason)
		if err != nil {
			errorJSON(c, http.StatusInternalServerError, err)
			return
		}

		reason := req.Reason
		if reason == "" {
			reason = "manual"
		}
		c.JSON(http.StatusOK, gin.H{
			"ok":             true,
			"new_counter_id": counter.ID,
			"reason":         reason,
		})
	}
}

// RelayPost forces the relay regardless of hysteresis. A failed write is
// reported with 503; the logical state still follows the command.
func (m *Monitor) RelayPost(on bool) gin.HandlerFunc {
	label := "off"
	if on {
		label = "on"
	}

	return func(c *gin.Context) {
		var err error
		if on {
			err = m.relay.ForceOn()
		} else {
			err = m.relay.ForceOff()
		}
		if err != nil {
			log.Warnf("manual relay %s failed: %s", label, err)
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ok":    false,
				"relay": label,
				"error": err.Error(),
				"state": m.relay.State(),
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "relay": label, "state": m.relay.State()})
	}
}

func (m *Monitor) RelayStateGet() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "relay": m.relay.State()})
	}
}

func (m *Monitor) I2CLatestGet() gin.HandlerFunc {
	return func(c *gin.Context) {
		snap, err := m.store.LatestSnapshot(c.Request.Context())
		if errors.Is(err, store.ErrNotFound) {
			errorJSON(c, http.StatusNotFound, errors.New("no i2c data"))
			return
		}
		if err != nil {
			errorJSON(c, http.StatusInternalServerError, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"ok":        true,
			"timestamp": snap.Timestamp.Format(store.TimestampLayout),
			"i2c":       snap.Data,
		})
	}
}

// I2CHistoryGet returns the snapshots of the last ?minutes=. With ?device=
// and ?channel= it returns the series of one value instead, ?metric=
// choosing the channel field (mv by default).
func (m *Monitor) I2CHistoryGet() gin.HandlerFunc {
	return func(c *gin.Context) {
		minutes, err := intQuery(c, "minutes", 60, 1, maxHistoryMinutes)
		if err != nil {
			errorJSON(c, http.StatusBadRequest, err)
			return
		}
		now := m.now()
		snaps, err := m.store.SnapshotsBetween(c.Request.Context(), now.Add(-time.Duration(minutes)*time.Minute), now)
		if err != nil {
			errorJSON(c, http.StatusInternalServerError, err)
			return
		}

		device, channel := c.Query("device"), c.Query("channel")
		if device == "" && channel == "" {
			data := make([]gin.H, 0, len(snaps))
			for _, s := range snaps {
				data = append(data, gin.H{"timestamp": s.Timestamp.Format(store.TimestampLayout), "i2c": s.Data})
			}
			c.JSON(http.StatusOK, gin.H{"ok": true, "minutes": minutes, "data": data})
			return
		}
		if device == "" || channel == "" {
			errorJSON(c, http.StatusBadRequest, errors.New("device and channel must be given together"))
			return
		}

		metric := strings.ToLower(c.DefaultQuery("metric", "mv"))
		c.JSON(http.StatusOK, gin.H{
			"ok":      true,
			"device":  device,
			"channel": channel,
			"metric":  metric,
			"data":    channelSeries(snaps, device, channel, metric),
		})
	}
}

type seriesPoint struct {
	Timestamp string  `json:"timestamp"`
	Value     float64 `json:"value"`
}

// channelSeries extracts one numeric value per snapshot. Plain numbers
// (generic register reads) only answer the mv metric.
func channelSeries(snaps []store.Snapshot, device, channel, metric string) []seriesPoint {
	out := []seriesPoint{}
	for _, s := range snaps {
		var doc map[string]map[string]interface{}
		if err := json.Unmarshal(s.Data, &doc); err != nil {
			continue
		}
		raw, ok := doc[device][channel]
		if !ok || raw == nil {
			continue
		}

		var v interface{}
		switch val := raw.(type) {
		case map[string]interface{}:
			v = val[metric]
		case float64:
			if metric == "mv" {
				v = val
			}
		}
		f, ok := v.(float64)
		if !ok {
			continue
		}
		out = append(out, seriesPoint{Timestamp: s.Timestamp.Format(store.TimestampLayout), Value: f})
	}
	return out
}
