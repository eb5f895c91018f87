package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// CounterDailyNet is the counter type of the battery net-energy counter.
const CounterDailyNet = "daily_net"

// Counter is one battery energy counter row. The open row of a counter type
// has an empty ResetReason.
type Counter struct {
	ID            int64     `json:"id"`
	CounterType   string    `json:"counter_type"`
	StartTime     time.Time `json:"-"`
	StartBatteryV float64   `json:"start_battery_v"`
	InWh          float64   `json:"total_batt_in_Wh"`
	OutWh         float64   `json:"total_batt_out_Wh"`
	NetWh         float64   `json:"total_batt_net_Wh"`
	ResetReason   string    `json:"reset_reason,omitempty"`
	CreatedAt     time.Time `json:"-"`
}

func (c Counter) MarshalJSON() ([]byte, error) {
	type alias Counter
	return json.Marshal(struct {
		StartTimestamp string `json:"start_timestamp"`
		CreatedAt      string `json:"created_at"`
		alias
	}{
		StartTimestamp: formatTime(c.StartTime),
		CreatedAt:      formatTime(c.CreatedAt),
		alias:          alias(c),
	})
}

const counterColumns = `id, counter_type, start_timestamp, start_battery_v,
	total_batt_in_Wh, total_batt_out_Wh, total_batt_net_Wh, reset_reason, created_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCounter(row rowScanner) (Counter, error) {
	var c Counter
	var start, created string
	var reason sql.NullString
	if err := row.Scan(&c.ID, &c.CounterType, &start, &c.StartBatteryV,
		&c.InWh, &c.OutWh, &c.NetWh, &reason, &created); err != nil {
		return Counter{}, err
	}
	var err error
	if c.StartTime, err = parseTime(start); err != nil {
		return Counter{}, fmt.Errorf("bad counter start %q: %w", start, err)
	}
	if c.CreatedAt, err = parseTime(created); err != nil {
		return Counter{}, fmt.Errorf("bad counter created_at %q: %w", created, err)
	}
	c.ResetReason = reason.String
	return c, nil
}

// OpenCounter returns the open counter of counterType, creating a zeroed one
// started at now when none exists.
func (s *Store) OpenCounter(ctx context.Context, counterType string, now time.Time) (Counter, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	c, err := scanCounter(s.db.QueryRowContext(ctx,
		"SELECT "+counterColumns+" FROM battery_counters WHERE counter_type = ? AND reset_reason IS NULL ORDER BY id DESC LIMIT 1",
		counterType))
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Counter{}, fmt.Errorf("failed to read %s counter: %w", counterType, err)
	}

	return insertCounter(ctx, s.db, counterType, 0, now)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insertCounter(ctx context.Context, e execer, counterType string, startV float64, now time.Time) (Counter, error) {
	ts := formatTime(now)
	res, err := e.ExecContext(ctx,
		"INSERT INTO battery_counters (counter_type, start_timestamp, start_battery_v, created_at) VALUES (?, ?, ?, ?)",
		counterType, ts, startV, ts)
	if err != nil {
		return Counter{}, fmt.Errorf("failed to create %s counter: %w", counterType, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Counter{}, err
	}
	t, _ := parseTime(ts)
	return Counter{ID: id, CounterType: counterType, StartTime: t, StartBatteryV: startV, CreatedAt: t}, nil
}

// AddCounterEnergy adds non-negative charge and discharge energy to a counter
// and recomputes its net value in the same statement.
func (s *Store) AddCounterEnergy(ctx context.Context, id int64, inWh, outWh float64) error {
	if inWh < 0 || outWh < 0 {
		return fmt.Errorf("counter energy must be non-negative (in %.4f, out %.4f)", inWh, outWh)
	}

	s.lock.RLock()
	defer s.lock.RUnlock()

	_, err := s.db.ExecContext(ctx, `UPDATE battery_counters
		SET total_batt_in_Wh = total_batt_in_Wh + ?,
		    total_batt_out_Wh = total_batt_out_Wh + ?,
		    total_batt_net_Wh = (total_batt_in_Wh + ?) - (total_batt_out_Wh + ?)
		WHERE id = ?`, inWh, outWh, inWh, outWh, id)
	if err != nil {
		return fmt.Errorf("failed to update counter %d: %w", id, err)
	}
	return nil
}

// ResetCounter closes the open counter of counterType with reason and opens
// a fresh zeroed one, in one transaction.
func (s *Store) ResetCounter(ctx context.Context, counterType, reason string, voltage float64, now time.Time) (Counter, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Counter{}, err
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE battery_counters SET reset_reason = ? WHERE counter_type = ? AND reset_reason IS NULL",
		reason, counterType); err != nil {
		tx.Rollback()
		return Counter{}, fmt.Errorf("failed to close %s counter: %w", counterType, err)
	}
	c, err := insertCounter(ctx, tx, counterType, voltage, now)
	if err != nil {
		tx.Rollback()
		return Counter{}, err
	}
	if err := tx.Commit(); err != nil {
		return Counter{}, fmt.Errorf("failed to commit counter reset: %w", err)
	}
	return c, nil
}

// LatestCounterStart returns the start time of the newest counter of
// counterType, open or closed.
func (s *Store) LatestCounterStart(ctx context.Context, counterType string) (time.Time, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	var ts string
	err := s.db.QueryRowContext(ctx,
		"SELECT start_timestamp FROM battery_counters WHERE counter_type = ? ORDER BY start_timestamp DESC, id DESC LIMIT 1",
		counterType).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read latest %s counter: %w", counterType, err)
	}
	return parseTime(ts)
}

// CounterHistory returns the newest counters of counterType, newest first.
func (s *Store) CounterHistory(ctx context.Context, counterType string, limit int) ([]Counter, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+counterColumns+" FROM battery_counters WHERE counter_type = ? ORDER BY id DESC LIMIT ?",
		counterType, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s counters: %w", counterType, err)
	}
	defer rows.Close()

	var out []Counter
	for rows.Next() {
		c, err := scanCounter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
