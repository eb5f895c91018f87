package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// ArchiveDay is the energy summary of one day whose samples were compacted away.
type ArchiveDay struct {
	Day       string  `json:"day"`
	PVWh      float64 `json:"pv_Wh"`
	LoadWh    float64 `json:"load_Wh"`
	GridWh    float64 `json:"grid_Wh"`
	BattInWh  float64 `json:"batt_in_Wh"`
	BattOutWh float64 `json:"batt_out_Wh"`
}

type ArchiveRequest struct {
	// Cutoff is exclusive: samples strictly older are archived and deleted.
	Cutoff time.Time
	DryRun bool
	Vacuum bool
}

type ArchiveSummary struct {
	Cutoff          string   `json:"cutoff"`
	DryRun          bool     `json:"dry_run"`
	MinutesToDelete int      `json:"minutes_to_delete"`
	DaysToArchive   int      `json:"days_to_archive"`
	DaysArchived    int      `json:"days_archived"`
	RowsDeleted     int64    `json:"rows_deleted"`
	Days            []string `json:"days"`
	Vacuumed        bool     `json:"vacuumed"`
	SizeBefore      int64    `json:"size_before_bytes"`
	SizeAfter       int64    `json:"size_after_bytes"`
}

// dailyEnergySQL integrates minute averages per day so that uneven poll
// density does not bias the result: Wh = sum(minute mean W) / 60.
const dailyEnergySQL = `
	WITH m AS (
	  SELECT strftime('%Y-%m-%d %H:%M:00', timestamp) AS ts_min,
	         AVG(pv_w) AS pv_w,
	         AVG(battery_w) AS battery_w,
	         AVG(load_w) AS load_w,
	         AVG(grid_w) AS grid_w
	  FROM samples
	  WHERE timestamp >= ? AND timestamp < ?
	  GROUP BY ts_min
	)
	SELECT date(ts_min) AS day,
	       COALESCE(SUM(pv_w), 0)/60.0,
	       COALESCE(SUM(load_w), 0)/60.0,
	       COALESCE(SUM(grid_w), 0)/60.0,
	       COALESCE(SUM(CASE WHEN battery_w > 0 THEN battery_w ELSE 0 END), 0)/60.0,
	       COALESCE(SUM(CASE WHEN battery_w < 0 THEN -battery_w ELSE 0 END), 0)/60.0
	FROM m
	GROUP BY day
	ORDER BY day ASC`

// the lower bound of an open-ended range
const epoch = "0000-01-01 00:00:00"

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func dailyEnergy(ctx context.Context, q queryer, from, to string) ([]ArchiveDay, error) {
	rows, err := q.QueryContext(ctx, dailyEnergySQL, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to integrate daily energy: %w", err)
	}
	defer rows.Close()

	var out []ArchiveDay
	for rows.Next() {
		var d ArchiveDay
		if err := rows.Scan(&d.Day, &d.PVWh, &d.LoadWh, &d.GridWh, &d.BattInWh, &d.BattOutWh); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ArchiveAndTrim folds every sample older than the cutoff into one archive
// row per day, replacing existing rows for those days, then deletes exactly
// those samples. It holds the store write lock for its whole duration.
// Re-running it with no new samples archives nothing and deletes nothing.
func (s *Store) ArchiveAndTrim(ctx context.Context, req ArchiveRequest) (ArchiveSummary, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	cutoff := formatTime(req.Cutoff)
	summary := ArchiveSummary{
		Cutoff:     cutoff,
		DryRun:     req.DryRun,
		SizeBefore: s.SizeBytes(),
	}

	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM samples WHERE timestamp < ?", cutoff).Scan(&summary.MinutesToDelete); err != nil {
		return summary, fmt.Errorf("failed to count archivable samples: %w", err)
	}

	days, err := dailyEnergy(ctx, s.db, epoch, cutoff)
	if err != nil {
		return summary, err
	}
	summary.DaysToArchive = len(days)
	for _, d := range days {
		summary.Days = append(summary.Days, d.Day)
	}

	if req.DryRun {
		summary.SizeAfter = summary.SizeBefore
		return summary, nil
	}

	if len(days) > 0 {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return summary, err
		}
		for _, d := range days {
			if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO archive
				(day, pv_Wh, load_Wh, grid_Wh, batt_in_Wh, batt_out_Wh)
				VALUES (?, ?, ?, ?, ?, ?)`,
				d.Day, d.PVWh, d.LoadWh, d.GridWh, d.BattInWh, d.BattOutWh); err != nil {
				tx.Rollback()
				return summary, fmt.Errorf("failed to archive %s: %w", d.Day, err)
			}
		}
		res, err := tx.ExecContext(ctx, "DELETE FROM samples WHERE timestamp < ?", cutoff)
		if err != nil {
			tx.Rollback()
			return summary, fmt.Errorf("failed to trim samples: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return summary, fmt.Errorf("failed to commit archive: %w", err)
		}
		summary.DaysArchived = len(days)
		summary.RowsDeleted, _ = res.RowsAffected()
	}

	if req.Vacuum {
		if err := s.vacuum(ctx); err != nil {
			return summary, err
		}
		summary.Vacuumed = true
	}
	summary.SizeAfter = s.SizeBytes()

	log.WithFields(log.Fields{
		"cutoff":       cutoff,
		"daysArchived": summary.DaysArchived,
		"rowsDeleted":  summary.RowsDeleted,
		"sizeBefore":   summary.SizeBefore,
		"sizeAfter":    summary.SizeAfter,
	}).Info("archive complete")

	return summary, nil
}

// vacuum must run under the write lock.
func (s *Store) vacuum(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("wal checkpoint failed: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("vacuum failed: %w", err)
	}
	return nil
}

// ArchivedDays returns the archive rows with day keys in [from, to].
func (s *Store) ArchivedDays(ctx context.Context, from, to time.Time) ([]ArchiveDay, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT day,
		COALESCE(pv_Wh, 0), COALESCE(load_Wh, 0), COALESCE(grid_Wh, 0),
		COALESCE(batt_in_Wh, 0), COALESCE(batt_out_Wh, 0)
		FROM archive WHERE day BETWEEN ? AND ? ORDER BY day ASC`,
		from.Format(DayLayout), to.Format(DayLayout))
	if err != nil {
		return nil, fmt.Errorf("failed to query archive: %w", err)
	}
	defer rows.Close()

	var out []ArchiveDay
	for rows.Next() {
		var d ArchiveDay
		if err := rows.Scan(&d.Day, &d.PVWh, &d.LoadWh, &d.GridWh, &d.BattInWh, &d.BattOutWh); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
