package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// AnalysisRecord is the stored analysis document of one day.
type AnalysisRecord struct {
	Date      string          `json:"date"`
	Data      json.RawMessage `json:"analysis_data"`
	CreatedAt time.Time       `json:"-"`
}

// SaveAnalysis stores the document for date, replacing any earlier one.
func (s *Store) SaveAnalysis(ctx context.Context, date string, data []byte, createdAt time.Time) error {
	s.lock.RLock()
	defer s.lock.RUnlock()

	if _, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO daily_analysis(date, analysis_data, created_at) VALUES (?, ?, ?)",
		date, string(data), formatTime(createdAt)); err != nil {
		return fmt.Errorf("failed to save analysis for %s: %w", date, err)
	}
	return nil
}

func (s *Store) LoadAnalysis(ctx context.Context, date string) (AnalysisRecord, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	var data, created string
	err := s.db.QueryRowContext(ctx,
		"SELECT analysis_data, created_at FROM daily_analysis WHERE date = ?", date).Scan(&data, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return AnalysisRecord{}, ErrNotFound
	}
	if err != nil {
		return AnalysisRecord{}, fmt.Errorf("failed to load analysis for %s: %w", date, err)
	}
	t, _ := parseTime(created)
	return AnalysisRecord{Date: date, Data: json.RawMessage(data), CreatedAt: t}, nil
}

// RecentAnalyses returns up to limit records, newest date first.
func (s *Store) RecentAnalyses(ctx context.Context, limit int) ([]AnalysisRecord, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT date, analysis_data, created_at FROM daily_analysis ORDER BY date DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query analyses: %w", err)
	}
	defer rows.Close()

	var out []AnalysisRecord
	for rows.Next() {
		var r AnalysisRecord
		var data, created string
		if err := rows.Scan(&r.Date, &data, &created); err != nil {
			return nil, err
		}
		r.Data = json.RawMessage(data)
		r.CreatedAt, _ = parseTime(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteAnalysis removes the record for date. It reports whether one existed.
func (s *Store) DeleteAnalysis(ctx context.Context, date string) (bool, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM daily_analysis WHERE date = ?", date)
	if err != nil {
		return false, fmt.Errorf("failed to delete analysis for %s: %w", date, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
