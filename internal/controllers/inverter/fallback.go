package inverter

import (
	"context"
	"fmt"
	"strings"

	legacy "github.com/goburrow/modbus"

	"github.com/lumberbarons/inverter-monitor/internal/controllers"
	"github.com/lumberbarons/inverter-monitor/internal/controllers/inverter/parser"
)

// PartialReadError reports registers that could not be read while the rest
// of the requested range succeeded.
type PartialReadError struct {
	Missing []uint16
}

func (e *PartialReadError) Error() string {
	parts := make([]string, len(e.Missing))
	for i, a := range e.Missing {
		parts[i] = fmt.Sprintf("%d", a)
	}
	return fmt.Sprintf("registers not read: %s", strings.Join(parts, ","))
}

type singleRegisterReader interface {
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
}

// SingleRegisterDriver reads one register per request. It is slower than the
// block driver but tolerates devices that reject multi-register reads.
type SingleRegisterDriver struct {
	handler *legacy.RTUClientHandler
	client  singleRegisterReader
}

var _ controllers.RegisterDriver = (*SingleRegisterDriver)(nil)

func NewSingleRegisterDriver(config Configuration) (*SingleRegisterDriver, error) {
	handler := legacy.NewRTUClientHandler(config.SerialPort)
	handler.BaudRate = config.BaudRate
	handler.DataBits = config.DataBits
	handler.Parity = config.Parity
	handler.StopBits = config.StopBits
	handler.SlaveId = byte(config.SlaveID)
	handler.Timeout = config.Timeout()

	return &SingleRegisterDriver{
		handler: handler,
		client:  legacy.NewClient(handler),
	}, nil
}

func (d *SingleRegisterDriver) Name() string {
	return "rtu-single"
}

// ReadRegisters connects lazily, so a port shared with the primary driver is
// only opened once the primary has given up on it.
func (d *SingleRegisterDriver) ReadRegisters(ctx context.Context, address, quantity uint16) ([]uint16, error) {
	if d.handler != nil {
		if err := d.handler.Connect(); err != nil {
			return nil, fmt.Errorf("fallback connect: %w", err)
		}
		defer d.handler.Close()
	}

	values := make([]uint16, quantity)
	var missing []uint16
	var lastErr error

	for i := uint16(0); i < quantity; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		data, err := d.client.ReadHoldingRegisters(address+i, 1)
		if err == nil {
			var regs []uint16
			regs, err = parser.ParseUint16s(data, 1)
			if err == nil {
				values[i] = regs[0]
				continue
			}
		}
		missing = append(missing, address+i)
		lastErr = err
	}

	if len(missing) == int(quantity) {
		return nil, fmt.Errorf("read %d registers at %d one by one: %w", quantity, address, lastErr)
	}
	if len(missing) > 0 {
		return values, &PartialReadError{Missing: missing}
	}
	return values, nil
}

func (d *SingleRegisterDriver) Close() error {
	return nil
}
