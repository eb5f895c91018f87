package store

import (
	"context"
	"time"
)

// EnergyBucket is the integrated energy of one period, in Wh.
type EnergyBucket struct {
	Bucket    string  `json:"bucket"`
	PVWh      float64 `json:"pv_Wh"`
	LoadWh    float64 `json:"load_Wh"`
	GridWh    float64 `json:"grid_Wh"`
	BattInWh  float64 `json:"batt_in_Wh"`
	BattOutWh float64 `json:"batt_out_Wh"`
	BattNetWh float64 `json:"batt_net_Wh"`
}

func (b *EnergyBucket) add(d ArchiveDay) {
	b.PVWh += d.PVWh
	b.LoadWh += d.LoadWh
	b.GridWh += d.GridWh
	b.BattInWh += d.BattInWh
	b.BattOutWh += d.BattOutWh
	b.BattNetWh = b.BattInWh - b.BattOutWh
}

// Scaled returns a copy with every energy divided by div (1000 for kWh).
func (b EnergyBucket) Scaled(div float64) EnergyBucket {
	return EnergyBucket{
		Bucket:    b.Bucket,
		PVWh:      b.PVWh / div,
		LoadWh:    b.LoadWh / div,
		GridWh:    b.GridWh / div,
		BattInWh:  b.BattInWh / div,
		BattOutWh: b.BattOutWh / div,
		BattNetWh: b.BattNetWh / div,
	}
}

// EnergyByDay returns one bucket per local day from the day of from through
// the day of to. Archived days and days still held as live samples are
// summed, so a day that was partly compacted is still complete.
func (s *Store) EnergyByDay(ctx context.Context, from, to time.Time) ([]EnergyBucket, error) {
	first := StartOfDay(from)
	last := StartOfDay(to)

	archived, err := s.ArchivedDays(ctx, first, last)
	if err != nil {
		return nil, err
	}

	s.lock.RLock()
	live, err := dailyEnergy(ctx, s.db, formatTime(first), formatTime(last.AddDate(0, 0, 1)))
	s.lock.RUnlock()
	if err != nil {
		return nil, err
	}

	acc := make(map[string]*EnergyBucket)
	for _, set := range [][]ArchiveDay{archived, live} {
		for _, d := range set {
			b, ok := acc[d.Day]
			if !ok {
				b = &EnergyBucket{Bucket: d.Day}
				acc[d.Day] = b
			}
			b.add(d)
		}
	}

	var out []EnergyBucket
	for day := first; !day.After(last); day = day.AddDate(0, 0, 1) {
		key := day.Format(DayLayout)
		if b, ok := acc[key]; ok {
			out = append(out, *b)
			continue
		}
		out = append(out, EnergyBucket{Bucket: key})
	}
	return out, nil
}

// TodayTotals integrates the live samples from local midnight to now.
func (s *Store) TodayTotals(ctx context.Context, now time.Time) (EnergyBucket, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	start := StartOfDay(now)
	days, err := dailyEnergy(ctx, s.db, formatTime(start), formatTime(now.Add(time.Second)))
	if err != nil {
		return EnergyBucket{}, err
	}

	total := EnergyBucket{Bucket: start.Format(DayLayout)}
	for _, d := range days {
		total.add(d)
	}
	return total, nil
}
