package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Snapshot is one persisted analog scan, kept as the raw device -> channel
// document.
type Snapshot struct {
	Timestamp time.Time       `json:"-"`
	Data      json.RawMessage `json:"i2c"`
}

// InsertSnapshot stores the analog scan taken at ts, replacing one already
// stored for the same second.
func (s *Store) InsertSnapshot(ctx context.Context, ts time.Time, data []byte) error {
	s.lock.RLock()
	defer s.lock.RUnlock()

	if _, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO i2c_snapshots(timestamp, data) VALUES (?, ?)",
		formatTime(ts), string(data)); err != nil {
		return fmt.Errorf("failed to insert i2c snapshot: %w", err)
	}
	return nil
}

func (s *Store) LatestSnapshot(ctx context.Context) (Snapshot, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	var ts string
	var data sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT timestamp, data FROM i2c_snapshots ORDER BY timestamp DESC LIMIT 1").Scan(&ts, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to read latest i2c snapshot: %w", err)
	}
	return toSnapshot(ts, data)
}

// SnapshotsBetween returns the snapshots in [from, to], oldest first.
func (s *Store) SnapshotsBetween(ctx context.Context, from, to time.Time) ([]Snapshot, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT timestamp, data FROM i2c_snapshots WHERE timestamp BETWEEN ? AND ? ORDER BY timestamp ASC",
		formatTime(from), formatTime(to))
	if err != nil {
		return nil, fmt.Errorf("failed to query i2c snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var ts string
		var data sql.NullString
		if err := rows.Scan(&ts, &data); err != nil {
			return nil, err
		}
		snap, err := toSnapshot(ts, data)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func toSnapshot(ts string, data sql.NullString) (Snapshot, error) {
	t, err := parseTime(ts)
	if err != nil {
		return Snapshot{}, fmt.Errorf("bad snapshot timestamp %q: %w", ts, err)
	}
	raw := json.RawMessage("{}")
	if data.Valid && data.String != "" {
		raw = json.RawMessage(data.String)
	}
	return Snapshot{Timestamp: t, Data: raw}, nil
}
