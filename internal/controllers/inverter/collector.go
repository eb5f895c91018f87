package inverter

import (
	"context"
	"errors"
	"fmt"
	"math"

	log "github.com/sirupsen/logrus"

	"github.com/lumberbarons/inverter-monitor/internal/controllers"
	"github.com/lumberbarons/inverter-monitor/internal/controllers/inverter/parser"
)

// ErrAllDriversFailed is returned when no driver in the chain could read the registers.
var ErrAllDriversFailed = errors.New("all modbus drivers failed")

// Collector reads the register map through an ordered chain of drivers.
type Collector struct {
	registers RegisterMap
	blocks    []Block
	drivers   []controllers.RegisterDriver
}

func NewCollector(registers RegisterMap, drivers ...controllers.RegisterDriver) *Collector {
	return &Collector{
		registers: registers,
		blocks:    registers.Blocks(),
		drivers:   drivers,
	}
}

// ReadAll returns the scaled register values plus the derived grid_a and
// load_pf, and the name of the driver that served the read.
func (c *Collector) ReadAll(ctx context.Context) (map[string]float64, string, error) {
	if len(c.drivers) == 0 {
		return nil, "", fmt.Errorf("%w: no drivers configured", ErrAllDriversFailed)
	}

	var errs []error
	for _, driver := range c.drivers {
		values, err := c.readWith(ctx, driver)
		if err == nil {
			deriveValues(values)
			return values, driver.Name(), nil
		}

		log.Warnf("modbus driver %s failed: %s", driver.Name(), err)
		errs = append(errs, fmt.Errorf("%s: %w", driver.Name(), err))

		if ctx.Err() != nil {
			break
		}
	}

	return nil, "", fmt.Errorf("%w: %w", ErrAllDriversFailed, errors.Join(errs...))
}

func (c *Collector) readWith(ctx context.Context, driver controllers.RegisterDriver) (map[string]float64, error) {
	values := make(map[string]float64, len(c.registers)+2)

	for _, block := range c.blocks {
		regs, err := driver.ReadRegisters(ctx, block.Start, block.Quantity)

		var missing map[uint16]bool
		var partial *PartialReadError
		if errors.As(err, &partial) {
			missing = make(map[uint16]bool, len(partial.Missing))
			for _, a := range partial.Missing {
				missing[a] = true
			}
		} else if err != nil {
			return nil, err
		}

		if len(regs) < int(block.Quantity) {
			return nil, fmt.Errorf("short read at %d: got %d registers, want %d", block.Start, len(regs), block.Quantity)
		}

		for _, reg := range block.Registers {
			if missing[reg.Address] {
				continue
			}
			raw := regs[reg.Address-block.Start]
			values[reg.Name] = parser.Scale(raw, reg.Scale, reg.Signed)
		}
	}

	return values, nil
}

// deriveValues adds grid current and, when the inverter does not report it,
// an estimated load power factor.
func deriveValues(values map[string]float64) {
	gv := values["grid_v"]
	gw := values["grid_w"]
	if gv != 0 {
		values["grid_a"] = math.Round(gw/gv*1000) / 1000
	} else {
		values["grid_a"] = 0
	}

	if pf, ok := values["load_pf"]; ok && pf > 0 {
		return
	}
	delete(values, "load_pf")

	lva := math.Abs(values["load_va"])
	if lva <= 1e-6 {
		return
	}
	pf := math.Abs(values["load_w"]) / lva
	values["load_pf"] = math.Round(math.Max(0, math.Min(1, pf))*1000) / 1000
}

// Primary names the first driver of the chain.
func (c *Collector) Primary() string {
	if len(c.drivers) == 0 {
		return ""
	}
	return c.drivers[0].Name()
}

func (c *Collector) Close() error {
	var errs []error
	for _, d := range c.drivers {
		if err := d.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
