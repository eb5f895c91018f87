package inverter

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testingpkg "github.com/lumberbarons/inverter-monitor/internal/controllers/testing"
)

// inverterBank returns a register bank holding a plausible evening snapshot:
// battery discharging, light grid import.
func inverterBank() *testingpkg.RegisterBank {
	return testingpkg.NewRegisterBank(map[uint16]uint16{
		202: 2300,  // grid_v 230.0
		203: 5000,  // grid_hz 50.00
		204: 460,   // grid_w
		210: 2300,  // load_v
		211: 40,    // load_a 4.0
		212: 5000,  // load_hz
		213: 800,   // load_w
		214: 1000,  // load_va
		215: 528,   // battery_v 52.8
		216: 65386, // battery_a -15.0
		217: 64744, // battery_w -792
		218: 3800,  // dc_bus_v
		219: 3000,  // pv_v
		220: 50,    // pv_a
		223: 1500,  // pv_w
		225: 16,    // load_percent
		226: 35,    // dc_temp
		227: 40,    // inverter_temp
		228: 42,    // heatsink_temp
	})
}

type bankReader struct {
	bank *testingpkg.RegisterBank
}

func (r bankReader) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	return r.bank.ReadHoldingRegisters(context.Background(), address, quantity)
}

func blockDriverFor(bank *testingpkg.RegisterBank) (*BlockDriver, *testingpkg.MockModbusClient) {
	client := &testingpkg.MockModbusClient{ReadHoldingRegistersFunc: bank.ReadHoldingRegisters}
	return NewBlockDriver(client), client
}

func failingDriver(name string) *testingpkg.MockRegisterDriver {
	return &testingpkg.MockRegisterDriver{
		DriverName: name,
		ReadRegistersFunc: func(context.Context, uint16, uint16) ([]uint16, error) {
			return nil, errors.New("timeout waiting for response")
		},
	}
}

func TestDefaultRegisterBlocks(t *testing.T) {
	blocks := DefaultRegisters.Blocks()
	require.Len(t, blocks, 4)

	want := []struct {
		start    uint16
		quantity uint16
		count    int
	}{
		{202, 3, 3},
		{210, 11, 11},
		{223, 1, 1},
		{225, 4, 4},
	}

	for i, w := range want {
		assert.Equal(t, w.start, blocks[i].Start, "block %d start", i)
		assert.Equal(t, w.quantity, blocks[i].Quantity, "block %d quantity", i)
		assert.Len(t, blocks[i].Registers, w.count, "block %d registers", i)
	}
}

func TestBlocks(t *testing.T) {
	tests := []struct {
		name      string
		addresses []uint16
		want      [][2]uint16
	}{
		{"empty", nil, nil},
		{"single", []uint16{10}, [][2]uint16{{10, 1}}},
		{"contiguous", []uint16{12, 10, 11}, [][2]uint16{{10, 3}}},
		{"gap of two splits", []uint16{10, 12}, [][2]uint16{{10, 1}, {12, 1}}},
		{"span limit splits", []uint16{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}, [][2]uint16{{0, 16}, {16, 1}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var m RegisterMap
			for _, a := range tt.addresses {
				m = append(m, Register{Name: "r", Address: a, Scale: 1})
			}

			var got [][2]uint16
			for _, b := range m.Blocks() {
				got = append(got, [2]uint16{b.Start, b.Quantity})
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRegisterLookup(t *testing.T) {
	reg, ok := DefaultRegisters.Lookup("battery_w")
	require.True(t, ok)
	assert.Equal(t, uint16(217), reg.Address)
	assert.True(t, reg.Signed)

	_, ok = DefaultRegisters.Lookup("nope")
	assert.False(t, ok)
}

func TestCollectorReadAll(t *testing.T) {
	ctx := context.Background()

	t.Run("primary driver serves the read", func(t *testing.T) {
		primary, client := blockDriverFor(inverterBank())
		secondary := failingDriver("secondary")

		collector := NewCollector(DefaultRegisters, primary, secondary)
		values, driver, err := collector.ReadAll(ctx)

		require.NoError(t, err)
		assert.Equal(t, "rtu-block", driver)
		assert.Len(t, client.ReadHoldingRegistersCalls, 4)
		assert.Equal(t, 0, secondary.CallCount())

		assert.InDelta(t, 230.0, values["grid_v"], 1e-9)
		assert.InDelta(t, 50.0, values["grid_hz"], 1e-9)
		assert.InDelta(t, 52.8, values["battery_v"], 1e-9)
		assert.InDelta(t, 1500, values["pv_w"], 1e-9)
		assert.InDelta(t, 42, values["heatsink_temp"], 1e-9)
	})

	t.Run("signed registers are corrected", func(t *testing.T) {
		primary, _ := blockDriverFor(inverterBank())

		values, _, err := NewCollector(DefaultRegisters, primary).ReadAll(ctx)

		require.NoError(t, err)
		assert.InDelta(t, -15.0, values["battery_a"], 1e-9)
		assert.InDelta(t, -792, values["battery_w"], 1e-9)
		assert.InDelta(t, 380.0, values["dc_bus_v"], 1e-9)
	})

	t.Run("derived values", func(t *testing.T) {
		primary, _ := blockDriverFor(inverterBank())

		values, _, err := NewCollector(DefaultRegisters, primary).ReadAll(ctx)

		require.NoError(t, err)
		assert.InDelta(t, 2.0, values["grid_a"], 1e-9)
		assert.InDelta(t, 0.8, values["load_pf"], 1e-9)
	})

	t.Run("falls back to the next driver", func(t *testing.T) {
		primary := failingDriver("primary")
		fallback := &SingleRegisterDriver{client: bankReader{bank: inverterBank()}}

		values, driver, err := NewCollector(DefaultRegisters, primary, fallback).ReadAll(ctx)

		require.NoError(t, err)
		assert.Equal(t, "rtu-single", driver)
		assert.Equal(t, 1, primary.CallCount())
		assert.InDelta(t, 230.0, values["grid_v"], 1e-9)
		assert.InDelta(t, -792, values["battery_w"], 1e-9)
	})

	t.Run("all drivers fail", func(t *testing.T) {
		collector := NewCollector(DefaultRegisters, failingDriver("a"), failingDriver("b"))

		values, driver, err := collector.ReadAll(ctx)

		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrAllDriversFailed))
		assert.Contains(t, err.Error(), "a:")
		assert.Contains(t, err.Error(), "b:")
		assert.Nil(t, values)
		assert.Empty(t, driver)
	})

	t.Run("no drivers", func(t *testing.T) {
		_, _, err := NewCollector(DefaultRegisters).ReadAll(ctx)
		assert.ErrorIs(t, err, ErrAllDriversFailed)
	})

	t.Run("partial read keeps the registers that answered", func(t *testing.T) {
		bank := testingpkg.NewRegisterBank(map[uint16]uint16{
			202: 2300, 204: 460, // grid_hz missing
			210: 2300, 211: 40, 212: 5000, 213: 800, 214: 1000,
			215: 528, 216: 10, 217: 50, 218: 3800, 219: 3000, 220: 50,
			223: 1500,
			225: 16, 226: 35, 227: 40, 228: 42,
		})
		fallback := &SingleRegisterDriver{client: bankReader{bank: bank}}

		values, _, err := NewCollector(DefaultRegisters, fallback).ReadAll(ctx)

		require.NoError(t, err)
		_, ok := values["grid_hz"]
		assert.False(t, ok)
		assert.InDelta(t, 230.0, values["grid_v"], 1e-9)
		assert.InDelta(t, 50, values["battery_w"], 1e-9)
	})

	t.Run("short block is an error", func(t *testing.T) {
		short := &testingpkg.MockRegisterDriver{
			ReadRegistersFunc: func(_ context.Context, _, quantity uint16) ([]uint16, error) {
				return make([]uint16, quantity-1), nil
			},
		}

		_, _, err := NewCollector(DefaultRegisters, short).ReadAll(ctx)
		assert.ErrorIs(t, err, ErrAllDriversFailed)
	})

	t.Run("cancelled context stops the chain", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		first := &testingpkg.MockRegisterDriver{
			DriverName: "first",
			ReadRegistersFunc: func(c context.Context, _, _ uint16) ([]uint16, error) {
				return nil, c.Err()
			},
		}
		second := failingDriver("second")

		_, _, err := NewCollector(DefaultRegisters, first, second).ReadAll(cctx)

		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 0, second.CallCount())
	})
}

func TestDeriveValues(t *testing.T) {
	tests := []struct {
		name      string
		in        map[string]float64
		wantGridA float64
		wantPF    *float64
	}{
		{
			name:      "zero grid voltage",
			in:        map[string]float64{"grid_v": 0, "grid_w": 100, "load_w": 500, "load_va": 1000},
			wantGridA: 0,
			wantPF:    ptr(0.5),
		},
		{
			name:      "grid current rounded to three decimals",
			in:        map[string]float64{"grid_v": 231.0, "grid_w": 100},
			wantGridA: 0.433,
		},
		{
			name:      "power factor clamped to one",
			in:        map[string]float64{"grid_v": 230, "load_w": 1200, "load_va": 1000},
			wantGridA: 0,
			wantPF:    ptr(1),
		},
		{
			name:      "negative load power uses magnitude",
			in:        map[string]float64{"grid_v": 230, "load_w": -300, "load_va": 600},
			wantGridA: 0,
			wantPF:    ptr(0.5),
		},
		{
			name:      "no apparent power leaves power factor absent",
			in:        map[string]float64{"grid_v": 230, "load_w": 10, "load_va": 0},
			wantGridA: 0,
		},
		{
			name:      "reported power factor is kept",
			in:        map[string]float64{"grid_v": 230, "load_w": 100, "load_va": 1000, "load_pf": 0.95},
			wantGridA: 0,
			wantPF:    ptr(0.95),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deriveValues(tt.in)

			assert.InDelta(t, tt.wantGridA, tt.in["grid_a"], 1e-9)
			pf, ok := tt.in["load_pf"]
			if tt.wantPF == nil {
				assert.False(t, ok, "load_pf should be absent")
				return
			}
			require.True(t, ok)
			assert.InDelta(t, *tt.wantPF, pf, 1e-9)
		})
	}
}

func TestSingleRegisterDriver(t *testing.T) {
	ctx := context.Background()

	t.Run("all registers missing is an error", func(t *testing.T) {
		d := &SingleRegisterDriver{client: bankReader{bank: testingpkg.NewRegisterBank(nil)}}

		_, err := d.ReadRegisters(ctx, 100, 3)

		require.Error(t, err)
		var partial *PartialReadError
		assert.False(t, errors.As(err, &partial))
	})

	t.Run("partial read reports missing addresses", func(t *testing.T) {
		bank := testingpkg.NewRegisterBank(map[uint16]uint16{100: 1, 102: 3})
		d := &SingleRegisterDriver{client: bankReader{bank: bank}}

		regs, err := d.ReadRegisters(ctx, 100, 3)

		var partial *PartialReadError
		require.True(t, errors.As(err, &partial))
		assert.Equal(t, []uint16{101}, partial.Missing)
		assert.Equal(t, "registers not read: 101", partial.Error())
		assert.Equal(t, []uint16{1, 0, 3}, regs)
	})
}

func TestBlockDriverClose(t *testing.T) {
	d, client := blockDriverFor(inverterBank())
	require.NoError(t, d.Close())
	assert.Equal(t, 1, client.CloseCalls)
}

func ptr(v float64) *float64 {
	return &v
}
