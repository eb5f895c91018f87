package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Columns are the value columns of the samples table, in schema order.
var Columns = []string{
	"pv_w", "pv_v", "pv_a",
	"battery_w", "battery_v", "battery_a",
	"grid_w", "grid_v", "grid_hz", "grid_a",
	"load_w", "load_v", "load_hz", "load_a", "load_va", "load_pf", "load_percent",
	"dc_temp", "inverter_temp", "heatsink_temp", "dc_bus_v",
}

// Sample is one acquisition cycle. A column missing from Values is stored as NULL.
type Sample struct {
	Timestamp time.Time
	Values    map[string]float64
}

// Value returns the named value and whether it is present.
func (s Sample) Value(name string) (float64, bool) {
	v, ok := s.Values[name]
	return v, ok
}

func (s Sample) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(Columns)+1)
	out["timestamp"] = formatTime(s.Timestamp)
	for _, c := range Columns {
		if v, ok := s.Values[c]; ok {
			out[c] = v
		} else {
			out[c] = nil
		}
	}
	return json.Marshal(out)
}

var (
	insertSampleSQL = fmt.Sprintf(
		"INSERT OR IGNORE INTO samples(timestamp, %s) VALUES (?%s)",
		strings.Join(Columns, ", "),
		strings.Repeat(", ?", len(Columns)),
	)
	selectSampleSQL = fmt.Sprintf("SELECT timestamp, %s FROM samples", strings.Join(Columns, ", "))
)

// InsertSample stores s unless a sample with the same second already exists.
// It reports whether a row was written.
func (s *Store) InsertSample(ctx context.Context, sample Sample) (bool, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	args := make([]interface{}, 0, len(Columns)+1)
	args = append(args, formatTime(sample.Timestamp))
	for _, c := range Columns {
		if v, ok := sample.Values[c]; ok {
			args = append(args, v)
		} else {
			args = append(args, nil)
		}
	}

	res, err := s.db.ExecContext(ctx, insertSampleSQL, args...)
	if err != nil {
		return false, fmt.Errorf("failed to insert sample: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// LatestSample returns the most recent stored sample.
func (s *Store) LatestSample(ctx context.Context) (Sample, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	samples, err := s.querySamples(ctx, selectSampleSQL+" ORDER BY timestamp DESC LIMIT 1")
	if err != nil {
		return Sample{}, err
	}
	if len(samples) == 0 {
		return Sample{}, ErrNotFound
	}
	return samples[0], nil
}

// SamplesForDate returns every sample of the local calendar day containing day, oldest first.
func (s *Store) SamplesForDate(ctx context.Context, day time.Time) ([]Sample, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	from := StartOfDay(day)
	to := from.AddDate(0, 0, 1)
	return s.querySamples(ctx,
		selectSampleSQL+" WHERE timestamp >= ? AND timestamp < ? ORDER BY timestamp ASC",
		formatTime(from), formatTime(to))
}

// CountSamples returns the number of live sample rows.
func (s *Store) CountSamples(ctx context.Context) (int, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM samples").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count samples: %w", err)
	}
	return n, nil
}

// DeleteSamplesForDate removes the samples of one local calendar day.
func (s *Store) DeleteSamplesForDate(ctx context.Context, day time.Time) (int64, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	from := StartOfDay(day)
	to := from.AddDate(0, 0, 1)
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM samples WHERE timestamp >= ? AND timestamp < ?",
		formatTime(from), formatTime(to))
	if err != nil {
		return 0, fmt.Errorf("failed to delete samples for %s: %w", from.Format(DayLayout), err)
	}
	return res.RowsAffected()
}

func (s *Store) querySamples(ctx context.Context, query string, args ...interface{}) ([]Sample, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query samples: %w", err)
	}
	defer rows.Close()

	var out []Sample
	for rows.Next() {
		var ts string
		nulls := make([]sql.NullFloat64, len(Columns))
		dest := make([]interface{}, 0, len(Columns)+1)
		dest = append(dest, &ts)
		for i := range nulls {
			dest = append(dest, &nulls[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan sample: %w", err)
		}

		t, err := parseTime(ts)
		if err != nil {
			return nil, fmt.Errorf("bad sample timestamp %q: %w", ts, err)
		}
		sample := Sample{Timestamp: t, Values: make(map[string]float64, len(Columns))}
		for i, c := range Columns {
			if nulls[i].Valid {
				sample.Values[c] = nulls[i].Float64
			}
		}
		out = append(out, sample)
	}
	return out, rows.Err()
}

// MinuteAverage is the per-minute mean of the four power channels. Nil
// fields mark minutes without samples in a dense series.
type MinuteAverage struct {
	Minute   time.Time `json:"-"`
	PVW      *float64  `json:"pv_w"`
	BatteryW *float64  `json:"battery_w"`
	LoadW    *float64  `json:"load_w"`
	GridW    *float64  `json:"grid_w"`
}

func (m MinuteAverage) MarshalJSON() ([]byte, error) {
	type alias MinuteAverage
	return json.Marshal(struct {
		Timestamp string `json:"timestamp"`
		alias
	}{
		Timestamp: m.Minute.Format(TimestampLayout),
		alias:     alias(m),
	})
}

const minuteAveragesSQL = `
	SELECT strftime('%Y-%m-%d %H:%M:00', timestamp) AS ts_min,
	       AVG(pv_w), AVG(battery_w), AVG(load_w), AVG(grid_w)
	FROM samples
	WHERE timestamp >= ? AND timestamp <= ?
	GROUP BY ts_min
	ORDER BY ts_min ASC`

// AggregateMinutes averages the samples in [from, to] per minute. Only
// minutes with at least one sample are returned.
func (s *Store) AggregateMinutes(ctx context.Context, from, to time.Time) ([]MinuteAverage, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	rows, err := s.db.QueryContext(ctx, minuteAveragesSQL, formatTime(from), formatTime(to))
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate minutes: %w", err)
	}
	defer rows.Close()

	var out []MinuteAverage
	for rows.Next() {
		var ts string
		var pv, batt, load, grid sql.NullFloat64
		if err := rows.Scan(&ts, &pv, &batt, &load, &grid); err != nil {
			return nil, err
		}
		minute, err := parseTime(ts)
		if err != nil {
			return nil, err
		}
		out = append(out, MinuteAverage{
			Minute:   minute,
			PVW:      nullable(pv),
			BatteryW: nullable(batt),
			LoadW:    nullable(load),
			GridW:    nullable(grid),
		})
	}
	return out, rows.Err()
}

// DenseMinutes is AggregateMinutes with one entry for every minute in
// [from, to]; minutes without samples carry nil values rather than
// interpolated ones.
func (s *Store) DenseMinutes(ctx context.Context, from, to time.Time) ([]MinuteAverage, error) {
	sparse, err := s.AggregateMinutes(ctx, from, to)
	if err != nil {
		return nil, err
	}

	byMinute := make(map[int64]MinuteAverage, len(sparse))
	for _, m := range sparse {
		byMinute[m.Minute.Unix()] = m
	}

	start := from.Truncate(time.Minute)
	var out []MinuteAverage
	for t := start; !t.After(to); t = t.Add(time.Minute) {
		if m, ok := byMinute[t.Unix()]; ok {
			out = append(out, m)
			continue
		}
		out = append(out, MinuteAverage{Minute: t})
	}
	return out, nil
}

func nullable(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}
