// Package battery keeps the persistent net-energy counter of the battery bank
// and estimates its state of charge.
package battery

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/lumberbarons/inverter-monitor/internal/store"
)

const (
	SOCVoltageBased  = "voltage_based"
	SOCEnergyBalance = "energy_balance"

	ManualReason = "manual"
)

type SOCConfiguration struct {
	Method       string  `yaml:"method" toml:"method"`
	VMax         float64 `yaml:"vmax" toml:"vmax"`
	VMin         float64 `yaml:"vmin" toml:"vmin"`
	ResetVoltage float64 `yaml:"resetVoltage" toml:"resetVoltage"`
}

type Configuration struct {
	Type                 string           `yaml:"type" toml:"type"`
	NominalVoltage       float64          `yaml:"nominalVoltage" toml:"nominalVoltage"`
	NominalAh            float64          `yaml:"nominalAh" toml:"nominalAh"`
	NetResetVoltage      float64          `yaml:"netResetVoltage" toml:"netResetVoltage"`
	ResetDebounceSeconds int              `yaml:"resetDebounceSeconds" toml:"resetDebounceSeconds"`
	SOC                  SOCConfiguration `yaml:"soc" toml:"soc"`
}

// CapacityWh is the nominal energy capacity of the bank.
func (c Configuration) CapacityWh() float64 {
	return c.NominalVoltage * c.NominalAh
}

// CounterStore is the persistence the counter needs.
type CounterStore interface {
	OpenCounter(ctx context.Context, counterType string, now time.Time) (store.Counter, error)
	AddCounterEnergy(ctx context.Context, id int64, inWh, outWh float64) error
	ResetCounter(ctx context.Context, counterType, reason string, voltage float64, now time.Time) (store.Counter, error)
	LatestCounterStart(ctx context.Context, counterType string) (time.Time, error)
}

// Counter integrates battery power into the open daily_net counter and
// restarts it when a discharge reaches the reset voltage.
type Counter struct {
	store    CounterStore
	config   Configuration
	debounce time.Duration
	now      func() time.Time
}

func NewCounter(s CounterStore, config Configuration) *Counter {
	return &Counter{
		store:    s,
		config:   config,
		debounce: time.Duration(config.ResetDebounceSeconds) * time.Second,
		now:      time.Now,
	}
}

// Update adds one poll interval of battery power to the open counter.
// Positive power is charge, negative power is discharge.
func (c *Counter) Update(ctx context.Context, powerW, voltage float64, pollSeconds float64) error {
	energyWh := powerW * pollSeconds / 3600.0

	var in, out float64
	switch {
	case powerW > 0:
		in = energyWh
	case powerW < 0:
		out = -energyWh
	default:
		return nil
	}

	counter, err := c.store.OpenCounter(ctx, store.CounterDailyNet, c.now())
	if err != nil {
		return fmt.Errorf("failed to open battery counter: %w", err)
	}

	log.Tracef("battery counter %d: +%.4f Wh in, +%.4f Wh out at %.1f V", counter.ID, in, out, voltage)
	return c.store.AddCounterEnergy(ctx, counter.ID, in, out)
}

// MaybeAutoReset restarts the counter when the battery is discharging at or
// below the reset voltage, unless the newest counter started less than the
// debounce window ago. It reports whether a reset happened.
func (c *Counter) MaybeAutoReset(ctx context.Context, powerW, voltage float64, now time.Time) (bool, error) {
	threshold := c.config.NetResetVoltage
	if powerW >= 0 || voltage > threshold {
		return false, nil
	}

	last, err := c.store.LatestCounterStart(ctx, store.CounterDailyNet)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return false, err
	case now.Sub(last) < c.debounce:
		return false, nil
	}

	reason := fmt.Sprintf("battery_%.1fv_discharge_%.1fV", threshold, voltage)
	if _, err := c.store.ResetCounter(ctx, store.CounterDailyNet, reason, voltage, now); err != nil {
		return false, err
	}

	log.Infof("battery counter reset: %s", reason)
	return true, nil
}

// Reset restarts the counter unconditionally.
func (c *Counter) Reset(ctx context.Context, reason string, voltage float64) (store.Counter, error) {
	if reason == "" {
		reason = ManualReason
	}
	counter, err := c.store.ResetCounter(ctx, store.CounterDailyNet, reason, voltage, c.now())
	if err != nil {
		return store.Counter{}, err
	}
	log.Infof("battery counter reset: %s", reason)
	return counter, nil
}

// Status returns the open counter.
func (c *Counter) Status(ctx context.Context) (store.Counter, error) {
	return c.store.OpenCounter(ctx, store.CounterDailyNet, c.now())
}

// EstimateSOC returns the state of charge in percent, rounded to one decimal.
// The voltage method interpolates between vmin and vmax. The energy balance
// method treats the reset voltage as empty, so the open counter's net energy
// is the charge accumulated since the battery was last empty.
func (c *Counter) EstimateSOC(voltage, netWh float64) float64 {
	var soc float64
	switch c.config.SOC.Method {
	case SOCEnergyBalance:
		capacity := c.config.CapacityWh()
		if capacity <= 0 {
			return 0
		}
		soc = 100 * netWh / capacity
	default:
		span := c.config.SOC.VMax - c.config.SOC.VMin
		if span <= 0 {
			return 0
		}
		soc = 100 * (voltage - c.config.SOC.VMin) / span
	}
	return math.Round(math.Max(0, math.Min(100, soc))*10) / 10
}
