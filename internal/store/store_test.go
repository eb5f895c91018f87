package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "inverter_history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func at(day, hour, minute, second int) time.Time {
	return time.Date(2024, time.May, day, hour, minute, second, 0, time.Local)
}

func sample(ts time.Time, values map[string]float64) Sample {
	return Sample{Timestamp: ts, Values: values}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inverter.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	var n int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM schema_versions").Scan(&n))
	assert.Equal(t, 5, n)
}

func TestInsertSample(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	ts := at(10, 12, 0, 0)
	inserted, err := s.InsertSample(ctx, sample(ts, map[string]float64{"pv_w": 1500, "battery_v": 52.1}))
	require.NoError(t, err)
	assert.True(t, inserted)

	t.Run("duplicate timestamp is ignored", func(t *testing.T) {
		inserted, err := s.InsertSample(ctx, sample(ts, map[string]float64{"pv_w": 9999}))
		require.NoError(t, err)
		assert.False(t, inserted)

		n, err := s.CountSamples(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		latest, err := s.LatestSample(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1500.0, latest.Values["pv_w"])
	})

	t.Run("missing values read back as absent", func(t *testing.T) {
		latest, err := s.LatestSample(ctx)
		require.NoError(t, err)
		_, ok := latest.Value("grid_w")
		assert.False(t, ok)
		assert.True(t, latest.Timestamp.Equal(ts))
	})
}

func TestLatestSampleEmpty(t *testing.T) {
	_, err := openTestStore(t).LatestSample(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSampleJSON(t *testing.T) {
	b, err := json.Marshal(sample(at(10, 8, 30, 5), map[string]float64{"pv_w": 10}))
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, "2024-05-10 08:30:05", out["timestamp"])
	assert.Equal(t, 10.0, out["pv_w"])
	assert.Contains(t, out, "load_pf")
	assert.Nil(t, out["load_pf"])
}

func TestSamplesForDate(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	for _, ts := range []time.Time{at(9, 23, 59, 59), at(10, 0, 0, 0), at(10, 23, 59, 59), at(11, 0, 0, 0)} {
		_, err := s.InsertSample(ctx, sample(ts, map[string]float64{"load_w": 100}))
		require.NoError(t, err)
	}

	got, err := s.SamplesForDate(ctx, at(10, 15, 0, 0))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].Timestamp.Equal(at(10, 0, 0, 0)))
	assert.True(t, got[1].Timestamp.Equal(at(10, 23, 59, 59)))

	deleted, err := s.DeleteSamplesForDate(ctx, at(10, 0, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)
}

func TestMinuteAggregation(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	inserts := []Sample{
		sample(at(10, 12, 0, 0), map[string]float64{"pv_w": 100, "load_w": 50}),
		sample(at(10, 12, 0, 30), map[string]float64{"pv_w": 300, "load_w": 150}),
		sample(at(10, 12, 2, 10), map[string]float64{"pv_w": 500}),
	}
	for _, smp := range inserts {
		_, err := s.InsertSample(ctx, smp)
		require.NoError(t, err)
	}

	t.Run("sparse", func(t *testing.T) {
		got, err := s.AggregateMinutes(ctx, at(10, 12, 0, 0), at(10, 12, 3, 0))
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.InDelta(t, 200, *got[0].PVW, 1e-9)
		assert.InDelta(t, 100, *got[0].LoadW, 1e-9)
		assert.Nil(t, got[1].LoadW)
		assert.Nil(t, got[0].GridW)
	})

	t.Run("dense fills gaps with nulls", func(t *testing.T) {
		got, err := s.DenseMinutes(ctx, at(10, 12, 0, 0), at(10, 12, 3, 0))
		require.NoError(t, err)
		require.Len(t, got, 4)
		assert.NotNil(t, got[0].PVW)
		assert.Nil(t, got[1].PVW)
		assert.True(t, got[1].Minute.Equal(at(10, 12, 1, 0)))
		assert.NotNil(t, got[2].PVW)
		assert.Nil(t, got[3].PVW)

		b, err := json.Marshal(got[1])
		require.NoError(t, err)
		assert.JSONEq(t, `{"timestamp":"2024-05-10 12:01:00","pv_w":null,"battery_w":null,"load_w":null,"grid_w":null}`, string(b))
	})
}

func seedArchiveSamples(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	inserts := []Sample{
		sample(at(1, 10, 0, 0), map[string]float64{"pv_w": 600, "battery_w": 120, "load_w": 60, "grid_w": 0}),
		sample(at(1, 10, 0, 30), map[string]float64{"pv_w": 1200, "battery_w": 240, "load_w": 60, "grid_w": 0}),
		sample(at(1, 10, 1, 0), map[string]float64{"pv_w": 300, "battery_w": -60, "load_w": 120, "grid_w": 30}),
		sample(at(3, 13, 0, 0), map[string]float64{"pv_w": 600, "battery_w": 0, "load_w": 60, "grid_w": 0}),
	}
	for _, smp := range inserts {
		_, err := s.InsertSample(ctx, smp)
		require.NoError(t, err)
	}
}

func TestArchiveAndTrim(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	seedArchiveSamples(t, s)
	cutoff := at(2, 0, 0, 0)

	t.Run("dry run reports without mutating", func(t *testing.T) {
		summary, err := s.ArchiveAndTrim(ctx, ArchiveRequest{Cutoff: cutoff, DryRun: true})
		require.NoError(t, err)
		assert.True(t, summary.DryRun)
		assert.Equal(t, 3, summary.MinutesToDelete)
		assert.Equal(t, 1, summary.DaysToArchive)
		assert.Equal(t, []string{"2024-05-01"}, summary.Days)
		assert.Zero(t, summary.RowsDeleted)

		n, err := s.CountSamples(ctx)
		require.NoError(t, err)
		assert.Equal(t, 4, n)
	})

	t.Run("archives minute averages and deletes source rows", func(t *testing.T) {
		summary, err := s.ArchiveAndTrim(ctx, ArchiveRequest{Cutoff: cutoff})
		require.NoError(t, err)
		assert.Equal(t, 1, summary.DaysArchived)
		assert.Equal(t, int64(3), summary.RowsDeleted)

		days, err := s.ArchivedDays(ctx, at(1, 0, 0, 0), at(31, 0, 0, 0))
		require.NoError(t, err)
		require.Len(t, days, 1)
		d := days[0]
		assert.Equal(t, "2024-05-01", d.Day)
		// minute 10:00 averages 900 W, minute 10:01 is 300 W
		assert.InDelta(t, 20.0, d.PVWh, 1e-9)
		assert.InDelta(t, 3.0, d.BattInWh, 1e-9)
		assert.InDelta(t, 1.0, d.BattOutWh, 1e-9)
		assert.InDelta(t, 3.0, d.LoadWh, 1e-9)
		assert.InDelta(t, 0.5, d.GridWh, 1e-9)

		n, err := s.CountSamples(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("second run is a no-op", func(t *testing.T) {
		summary, err := s.ArchiveAndTrim(ctx, ArchiveRequest{Cutoff: cutoff, Vacuum: true})
		require.NoError(t, err)
		assert.Zero(t, summary.DaysArchived)
		assert.Zero(t, summary.RowsDeleted)
		assert.True(t, summary.Vacuumed)

		days, err := s.ArchivedDays(ctx, at(1, 0, 0, 0), at(31, 0, 0, 0))
		require.NoError(t, err)
		require.Len(t, days, 1)
		assert.InDelta(t, 20.0, days[0].PVWh, 1e-9)
	})
}

func TestEnergyByDay(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	seedArchiveSamples(t, s)

	_, err := s.ArchiveAndTrim(ctx, ArchiveRequest{Cutoff: at(2, 0, 0, 0)})
	require.NoError(t, err)

	buckets, err := s.EnergyByDay(ctx, at(1, 0, 0, 0), at(3, 18, 0, 0))
	require.NoError(t, err)
	require.Len(t, buckets, 3)

	assert.Equal(t, "2024-05-01", buckets[0].Bucket)
	assert.InDelta(t, 20.0, buckets[0].PVWh, 1e-9)
	assert.InDelta(t, 2.0, buckets[0].BattNetWh, 1e-9)

	assert.Equal(t, "2024-05-02", buckets[1].Bucket)
	assert.Zero(t, buckets[1].PVWh)

	assert.Equal(t, "2024-05-03", buckets[2].Bucket)
	assert.InDelta(t, 10.0, buckets[2].PVWh, 1e-9)

	kwh := buckets[0].Scaled(1000)
	assert.InDelta(t, 0.02, kwh.PVWh, 1e-12)
}

func TestTodayTotals(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	seedArchiveSamples(t, s)

	totals, err := s.TodayTotals(ctx, at(1, 10, 1, 0))
	require.NoError(t, err)
	assert.Equal(t, "2024-05-01", totals.Bucket)
	assert.InDelta(t, 20.0, totals.PVWh, 1e-9)
	assert.InDelta(t, 3.0, totals.BattInWh, 1e-9)
	assert.InDelta(t, 1.0, totals.BattOutWh, 1e-9)
}

func TestCounters(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := at(10, 8, 0, 0)

	c, err := s.OpenCounter(ctx, CounterDailyNet, now)
	require.NoError(t, err)
	assert.Empty(t, c.ResetReason)

	again, err := s.OpenCounter(ctx, CounterDailyNet, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, c.ID, again.ID)

	require.NoError(t, s.AddCounterEnergy(ctx, c.ID, 10, 0))
	require.NoError(t, s.AddCounterEnergy(ctx, c.ID, 0, 4))
	require.NoError(t, s.AddCounterEnergy(ctx, c.ID, 2.5, 0))
	assert.Error(t, s.AddCounterEnergy(ctx, c.ID, -1, 0))

	c, err = s.OpenCounter(ctx, CounterDailyNet, now)
	require.NoError(t, err)
	assert.InDelta(t, 12.5, c.InWh, 1e-9)
	assert.InDelta(t, 4.0, c.OutWh, 1e-9)
	assert.InDelta(t, c.InWh-c.OutWh, c.NetWh, 1e-9)

	resetAt := now.Add(2 * time.Hour)
	fresh, err := s.ResetCounter(ctx, CounterDailyNet, "manual", 46.0, resetAt)
	require.NoError(t, err)
	assert.NotEqual(t, c.ID, fresh.ID)
	assert.Zero(t, fresh.NetWh)

	history, err := s.CounterHistory(ctx, CounterDailyNet, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, fresh.ID, history[0].ID)
	assert.Empty(t, history[0].ResetReason)
	assert.Equal(t, "manual", history[1].ResetReason)

	start, err := s.LatestCounterStart(ctx, CounterDailyNet)
	require.NoError(t, err)
	assert.True(t, start.Equal(resetAt))

	var open int
	require.NoError(t, s.db.QueryRow(
		"SELECT COUNT(*) FROM battery_counters WHERE reset_reason IS NULL").Scan(&open))
	assert.Equal(t, 1, open)

	b, err := json.Marshal(history[1])
	require.NoError(t, err)
	assert.Contains(t, string(b), `"start_timestamp":"2024-05-10 08:00:00"`)
}

func TestLatestCounterStartEmpty(t *testing.T) {
	_, err := openTestStore(t).LatestCounterStart(context.Background(), CounterDailyNet)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSnapshots(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.LatestSnapshot(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.InsertSnapshot(ctx, at(10, 9, 0, 0), []byte(`{"shunt":{"a0":{"mv":1.5}}}`)))
	require.NoError(t, s.InsertSnapshot(ctx, at(10, 9, 0, 5), []byte(`{"shunt":{"a0":{"mv":2.5}}}`)))
	require.NoError(t, s.InsertSnapshot(ctx, at(10, 9, 0, 5), []byte(`{"shunt":{"a0":{"mv":3.5}}}`)))

	latest, err := s.LatestSnapshot(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"shunt":{"a0":{"mv":3.5}}}`, string(latest.Data))

	between, err := s.SnapshotsBetween(ctx, at(10, 8, 0, 0), at(10, 10, 0, 0))
	require.NoError(t, err)
	assert.Len(t, between, 2)
}

func TestAnalysisRecords(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.LoadAnalysis(ctx, "2024-05-10")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SaveAnalysis(ctx, "2024-05-10", []byte(`{"v":1}`), at(11, 0, 10, 0)))
	require.NoError(t, s.SaveAnalysis(ctx, "2024-05-10", []byte(`{"v":2}`), at(11, 0, 20, 0)))
	require.NoError(t, s.SaveAnalysis(ctx, "2024-05-09", []byte(`{"v":0}`), at(10, 0, 10, 0)))

	rec, err := s.LoadAnalysis(ctx, "2024-05-10")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(rec.Data))

	recent, err := s.RecentAnalyses(ctx, 5)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "2024-05-10", recent[0].Date)

	deleted, err := s.DeleteAnalysis(ctx, "2024-05-10")
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = s.DeleteAnalysis(ctx, "2024-05-10")
	require.NoError(t, err)
	assert.False(t, deleted)
}
