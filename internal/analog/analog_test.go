package analog

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2ctest"
)

const adsAddr = 0x48

func f(v float64) *float64 { return &v }

// conversion returns the two transactions of one ADS1115 channel read.
func conversion(index int, raw uint16) []i2ctest.IO {
	word := configWords[index]
	return []i2ctest.IO{
		{Addr: adsAddr, W: []byte{regConfig, byte(word >> 8), byte(word)}},
		{Addr: adsAddr, W: []byte{regConversion}, R: []byte{byte(raw >> 8), byte(raw)}},
	}
}

func ops(groups ...[]i2ctest.IO) []i2ctest.IO {
	var all []i2ctest.IO
	for _, g := range groups {
		all = append(all, g...)
	}
	return all
}

// faultyBus fails the transactions matched by fail and passes the rest on.
type faultyBus struct {
	i2c.BusCloser
	fail func(addr uint16, w []byte) bool
}

func (b *faultyBus) Tx(addr uint16, w, r []byte) error {
	if b.fail(addr, w) {
		return errors.New("remote i/o error")
	}
	return b.BusCloser.Tx(addr, w, r)
}

func newTestReader(config Configuration, bus i2c.BusCloser) (*Reader, *int) {
	config.Enabled = true
	r := NewReader(config, NewPrometheusCollector(prometheus.NewRegistry()))
	r.open = func(string) (i2c.BusCloser, error) { return bus, nil }
	sleeps := 0
	r.sleep = func(d time.Duration) {
		if d == settleDelay {
			sleeps++
		}
	}
	return r, &sleeps
}

func channelOf(t *testing.T, reading DeviceReading, name string) *ChannelReading {
	t.Helper()
	v, ok := reading[name]
	require.True(t, ok, "missing channel %s", name)
	ch, ok := v.(*ChannelReading)
	require.True(t, ok, "channel %s is %T", name, v)
	return ch
}

func TestReadAllDisabled(t *testing.T) {
	r := NewReader(Configuration{Enabled: false, Devices: []DeviceConfiguration{{Name: "x"}}},
		NewPrometheusCollector(prometheus.NewRegistry()))
	r.open = func(string) (i2c.BusCloser, error) {
		t.Fatal("bus opened while disabled")
		return nil, nil
	}

	scan, err := r.ReadAll(context.Background())
	require.NoError(t, err)
	assert.Nil(t, scan)
}

func TestReadAllBusOpenFailure(t *testing.T) {
	r, _ := newTestReader(Configuration{Bus: "7", Devices: []DeviceConfiguration{{Name: "x", Type: TypeGeneric, Address: "0x20"}}}, nil)
	r.open = func(string) (i2c.BusCloser, error) { return nil, errors.New("no such bus") }

	scan, err := r.ReadAll(context.Background())
	assert.Error(t, err)
	assert.Nil(t, scan)
}

func TestDeriveReading(t *testing.T) {
	tests := []struct {
		name    string
		channel ChannelConfiguration
		volts   float64
		value   float64
		unit    string
		current *float64
		scaled  *float64
	}{
		{"raw millivolts", ChannelConfiguration{}, 0.512, 512, "mV", nil, nil},
		{"amps per millivolt", ChannelConfiguration{AmpPerMV: f(0.1)}, 0.512, 51.2, "A", f(51.2), nil},
		{"millivolts per amp", ChannelConfiguration{MVPerAmp: f(40)}, 0.5, 12.5, "A", f(12.5), nil},
		{"zero millivolts per amp falls through to shunt", ChannelConfiguration{MVPerAmp: f(0), ShuntOhms: f(0.5)}, 0.512, 1.024, "A", f(1.024), nil},
		{"shunt", ChannelConfiguration{ShuntOhms: f(0.001)}, 0.025, 25, "A", f(25), nil},
		{"voltage scale", ChannelConfiguration{VoltageScale: f(10)}, 0.512, 5.12, "V", nil, f(5.12)},
		{"divider", ChannelConfiguration{DividerTopOhm: f(100000), DividerBottomOhm: f(10000)}, 0.512, 5.632, "V", nil, f(5.632)},
		{"divider without top resistor is ignored", ChannelConfiguration{DividerBottomOhm: f(10000)}, 0.512, 512, "mV", nil, nil},
		{"divider without bottom resistor is ignored", ChannelConfiguration{DividerTopOhm: f(100000)}, 0.512, 512, "mV", nil, nil},
		{"current wins over scaled voltage", ChannelConfiguration{ShuntOhms: f(0.5), VoltageScale: f(10)}, 0.512, 1.024, "A", f(1.024), f(5.12)},
		{"display unit override", ChannelConfiguration{VoltageScale: f(100), DisplayUnit: "Vdc"}, 0.5, 50, "Vdc", nil, f(50)},
		{"negative input", ChannelConfiguration{}, -0.512, -512, "mV", nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := deriveReading(tt.channel, tt.volts)

			assert.InDelta(t, tt.value, got.Value, 1e-9)
			assert.Equal(t, tt.unit, got.Unit)
			assert.InDelta(t, tt.volts*1000, got.MV, 1e-9)
			if tt.current == nil {
				assert.Nil(t, got.CurrentA)
			} else {
				require.NotNil(t, got.CurrentA)
				assert.InDelta(t, *tt.current, *got.CurrentA, 1e-9)
			}
			if tt.scaled == nil {
				assert.Nil(t, got.ScaledV)
			} else {
				require.NotNil(t, got.ScaledV)
				assert.InDelta(t, *tt.scaled, *got.ScaledV, 1e-9)
			}
		})
	}
}

func TestReadAllADS1115(t *testing.T) {
	bus := &i2ctest.Playback{Ops: ops(
		conversion(0, 0x1000),
		conversion(1, 0x0800),
		conversion(2, 0xF000),
	)}
	config := Configuration{Bus: "1", Devices: []DeviceConfiguration{{
		Name:    "battery",
		Type:    TypeADS1115,
		Address: "0x48",
		Channels: []ChannelConfiguration{
			{Index: 0, Name: "pack", VoltageScale: f(10), SubtractChannel: "midpoint"},
			{Index: 1, Name: "midpoint", VoltageScale: f(10)},
			{Index: 2, Name: "shunt", ShuntOhms: f(0.5)},
		},
	}}}
	r, sleeps := newTestReader(config, bus)

	scan, err := r.ReadAll(context.Background())
	require.NoError(t, err)
	require.Contains(t, scan, "battery")
	device := scan["battery"]
	assert.Equal(t, 3, *sleeps)

	pack := channelOf(t, device, "pack")
	assert.InDelta(t, 0.512, pack.RawV, 1e-9)
	assert.InDelta(t, 512, pack.RawMV, 1e-9)
	require.NotNil(t, pack.ScaledV)
	assert.InDelta(t, 2.56, *pack.ScaledV, 1e-9)
	assert.InDelta(t, 2.56, pack.Value, 1e-9)
	assert.Equal(t, "V", pack.Unit)

	midpoint := channelOf(t, device, "midpoint")
	assert.InDelta(t, 2.56, midpoint.Value, 1e-9)

	shunt := channelOf(t, device, "shunt")
	assert.InDelta(t, -0.512, shunt.RawV, 1e-9)
	require.NotNil(t, shunt.CurrentA)
	assert.InDelta(t, -1.024, *shunt.CurrentA, 1e-9)

	assert.InDelta(t, 2.56, testutil.ToFloat64(r.stats.values.WithLabelValues("battery", "pack")), 1e-9)
}

func TestReadAllDefaultChannels(t *testing.T) {
	bus := &i2ctest.Playback{Ops: ops(
		conversion(0, 0x0010),
		conversion(1, 0x0020),
		conversion(2, 0x0030),
		conversion(3, 0x0040),
	)}
	r, _ := newTestReader(Configuration{Devices: []DeviceConfiguration{{Name: "ads", Type: TypeADS1115, Address: "72"}}}, bus)

	scan, err := r.ReadAll(context.Background())
	require.NoError(t, err)

	assert.Len(t, scan["ads"], 4)
	for _, name := range []string{"A0", "A1", "A2", "A3"} {
		assert.Equal(t, "mV", channelOf(t, scan["ads"], name).Unit)
	}
}

func TestReadAllChannelFailure(t *testing.T) {
	playback := &i2ctest.Playback{Ops: ops(
		conversion(0, 0x1000),
		conversion(2, 0x0800),
	)}
	bus := &faultyBus{
		BusCloser: playback,
		fail: func(addr uint16, w []byte) bool {
			return len(w) == 3 && w[0] == regConfig && w[1] == 0xD3
		},
	}
	config := Configuration{Devices: []DeviceConfiguration{{
		Name:    "battery",
		Type:    TypeADS1115,
		Address: "0x48",
		Channels: []ChannelConfiguration{
			{Index: 0, Name: "a", VoltageScale: f(10), SubtractChannel: "b"},
			{Index: 1, Name: "b", VoltageScale: f(10)},
			{Index: 2, Name: "c"},
		},
	}}}
	r, _ := newTestReader(config, bus)

	scan, err := r.ReadAll(context.Background())
	require.NoError(t, err)
	device := scan["battery"]

	assert.Contains(t, device, "b")
	assert.Nil(t, device["b"])

	a := channelOf(t, device, "a")
	assert.InDelta(t, 5.12, a.Value, 1e-9, "subtraction skipped when the reference failed")
	assert.InDelta(t, 256, channelOf(t, device, "c").Value, 1e-9)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.stats.failures))

	b, err := json.Marshal(device)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"b":null`)
	assert.NotContains(t, string(b), "current_a")
}

func TestReadAllDeviceFailure(t *testing.T) {
	bus := &i2ctest.Playback{Ops: []i2ctest.IO{
		{Addr: 0x20, W: []byte{0x05}, R: []byte{0x2A}},
	}}
	config := Configuration{Devices: []DeviceConfiguration{
		{Name: "bad-address", Type: TypeGeneric, Address: "zz"},
		{Name: "bad-type", Type: "ina219", Address: "0x40"},
		{Name: "expander", Type: TypeGeneric, Address: "0x20", Reads: []ReadConfiguration{{Name: "status", Reg: 5, Type: ReadByte}}},
	}}
	r, _ := newTestReader(config, bus)

	scan, err := r.ReadAll(context.Background())
	require.NoError(t, err)

	require.Len(t, scan, 3)
	assert.Contains(t, scan["bad-address"], "error")
	assert.Len(t, scan["bad-address"], 1)
	assert.Contains(t, scan["bad-type"]["error"], "unsupported device type")
	assert.Equal(t, DeviceReading{"status": 42}, scan["expander"])
}

func TestReadAllGeneric(t *testing.T) {
	block := make([]byte, maxBlockLen)
	for i := range block {
		block[i] = byte(i)
	}
	playback := &i2ctest.Playback{Ops: []i2ctest.IO{
		{Addr: 0x36, W: []byte{0x02}, R: []byte{0x7F}},
		{Addr: 0x36, W: []byte{0x04}, R: []byte{0x12, 0x34}},
		{Addr: 0x36, W: []byte{0x10}, R: block},
	}}
	bus := &faultyBus{
		BusCloser: playback,
		fail:      func(addr uint16, w []byte) bool { return w[0] == 0x06 },
	}
	config := Configuration{Devices: []DeviceConfiguration{{
		Name:    "fuel",
		Type:    TypeGeneric,
		Address: "0x36",
		Reads: []ReadConfiguration{
			{Name: "soc", Reg: 0x02, Type: ReadByte},
			{Reg: 0x04, Type: ReadWord},
			{Name: "broken", Reg: 0x06, Type: ReadWord},
			{Name: "dump", Reg: 0x10, Type: ReadBlock, Len: 40},
		},
	}}}
	r, _ := newTestReader(config, bus)

	scan, err := r.ReadAll(context.Background())
	require.NoError(t, err)
	device := scan["fuel"]

	assert.Equal(t, 127, device["soc"])
	assert.Equal(t, 0x1234, device["0x04"])
	assert.Contains(t, device, "broken")
	assert.Nil(t, device["broken"])
	dump, ok := device["dump"].([]int)
	require.True(t, ok)
	assert.Len(t, dump, maxBlockLen)
	assert.Equal(t, 31, dump[31])
}

func TestReadAllCancelled(t *testing.T) {
	config := Configuration{Devices: []DeviceConfiguration{{Name: "x", Type: TypeGeneric, Address: "0x20"}}}
	r, _ := newTestReader(config, &i2ctest.Playback{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.ReadAll(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
