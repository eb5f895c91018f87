package inverter

import (
	"sort"
)

const (
	maxBlockGap  = 1
	maxBlockSpan = 16
)

// Register describes one named, scaled holding register.
type Register struct {
	Name    string
	Address uint16
	Scale   float64
	Signed  bool
	Unit    string
}

// Block is a contiguous address range read with a single request.
type Block struct {
	Start     uint16
	Quantity  uint16
	Registers []Register
}

// RegisterMap is the inverter register table.
type RegisterMap []Register

// DefaultRegisters is the register table of the supported inverter family.
var DefaultRegisters = RegisterMap{
	{Name: "battery_a", Address: 216, Scale: 0.1, Signed: true, Unit: "amperes"},
	{Name: "battery_v", Address: 215, Scale: 0.1, Unit: "volts"},
	{Name: "battery_w", Address: 217, Scale: 1, Signed: true, Unit: "watts"},
	{Name: "dc_temp", Address: 226, Scale: 1, Unit: "celsius"},
	{Name: "grid_hz", Address: 203, Scale: 0.01, Unit: "hertz"},
	{Name: "grid_v", Address: 202, Scale: 0.1, Unit: "volts"},
	{Name: "grid_w", Address: 204, Scale: 1, Unit: "watts"},
	{Name: "heatsink_temp", Address: 228, Scale: 1, Unit: "celsius"},
	{Name: "inverter_temp", Address: 227, Scale: 1, Unit: "celsius"},
	{Name: "dc_bus_v", Address: 218, Scale: 0.1, Unit: "volts"},
	{Name: "load_v", Address: 210, Scale: 0.1, Unit: "volts"},
	{Name: "load_a", Address: 211, Scale: 0.1, Unit: "amperes"},
	{Name: "load_hz", Address: 212, Scale: 0.01, Unit: "hertz"},
	{Name: "load_w", Address: 213, Scale: 1, Unit: "watts"},
	{Name: "load_va", Address: 214, Scale: 1, Unit: "volt-amperes"},
	{Name: "load_percent", Address: 225, Scale: 1, Unit: "percent"},
	{Name: "pv_a", Address: 220, Scale: 0.1, Unit: "amperes"},
	{Name: "pv_v", Address: 219, Scale: 0.1, Unit: "volts"},
	{Name: "pv_w", Address: 223, Scale: 1, Unit: "watts"},
}

// Blocks groups the registers into contiguous read blocks. A register joins
// the current block when it is at most one address past the previous one and
// the block would not span more than 16 registers.
func (m RegisterMap) Blocks() []Block {
	if len(m) == 0 {
		return nil
	}

	sorted := make([]Register, len(m))
	copy(sorted, m)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Address < sorted[j].Address
	})

	var blocks []Block
	current := Block{Start: sorted[0].Address, Registers: []Register{sorted[0]}}
	last := sorted[0].Address

	for _, reg := range sorted[1:] {
		if reg.Address-last <= maxBlockGap && reg.Address-current.Start+1 <= maxBlockSpan {
			current.Registers = append(current.Registers, reg)
		} else {
			current.Quantity = last - current.Start + 1
			blocks = append(blocks, current)
			current = Block{Start: reg.Address, Registers: []Register{reg}}
		}
		last = reg.Address
	}

	current.Quantity = last - current.Start + 1
	blocks = append(blocks, current)

	return blocks
}

// Lookup returns the register with the given name.
func (m RegisterMap) Lookup(name string) (Register, bool) {
	for _, r := range m {
		if r.Name == name {
			return r, true
		}
	}
	return Register{}, false
}
