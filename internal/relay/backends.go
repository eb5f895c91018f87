package relay

import (
	"errors"
	"fmt"
	"sync"

	"github.com/stianeikeland/go-rpio/v4"
	"github.com/warthog618/go-gpiocdev"

	log "github.com/sirupsen/logrus"

	"github.com/lumberbarons/inverter-monitor/internal/controllers"
)

const consumer = "inverter-monitor"

// ErrBackendUnavailable is returned by the no-op backend for every line operation.
var ErrBackendUnavailable = errors.New("gpio backend unavailable")

// CdevBackend drives lines through the GPIO character device.
type CdevBackend struct {
	chip string

	mu    sync.Mutex
	lines map[int]*gpiocdev.Line
}

var _ controllers.GPIOBackend = (*CdevBackend)(nil)

func NewCdevBackend(chip string) (*CdevBackend, error) {
	if err := gpiocdev.IsChip(chip); err != nil {
		return nil, fmt.Errorf("gpio chip %s unavailable: %w", chip, err)
	}
	return &CdevBackend{chip: chip, lines: make(map[int]*gpiocdev.Line)}, nil
}

func (b *CdevBackend) Name() string {
	return "cdev"
}

func (b *CdevBackend) SetupOutput(pin int, initialHigh bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if l, ok := b.lines[pin]; ok {
		return l.SetValue(toInt(initialHigh))
	}

	l, err := gpiocdev.RequestLine(b.chip, pin,
		gpiocdev.AsOutput(toInt(initialHigh)),
		gpiocdev.WithConsumer(consumer))
	if err != nil {
		return fmt.Errorf("failed to request %s line %d: %w", b.chip, pin, err)
	}
	b.lines[pin] = l
	return nil
}

func (b *CdevBackend) line(pin int) (*gpiocdev.Line, error) {
	l, ok := b.lines[pin]
	if !ok {
		return nil, fmt.Errorf("line %d not set up", pin)
	}
	return l, nil
}

func (b *CdevBackend) Write(pin int, high bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	l, err := b.line(pin)
	if err != nil {
		return err
	}
	return l.SetValue(toInt(high))
}

func (b *CdevBackend) Read(pin int) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	l, err := b.line(pin)
	if err != nil {
		return false, err
	}
	v, err := l.Value()
	if err != nil {
		return false, err
	}
	return v == 1, nil
}

func (b *CdevBackend) Cleanup() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error
	for pin, l := range b.lines {
		if err := l.Close(); err != nil {
			errs = append(errs, fmt.Errorf("line %d: %w", pin, err))
		}
		delete(b.lines, pin)
	}
	return errors.Join(errs...)
}

// RPIOBackend drives lines through the memory-mapped BCM2835 registers.
type RPIOBackend struct {
	mu sync.Mutex
}

var _ controllers.GPIOBackend = (*RPIOBackend)(nil)

func NewRPIOBackend() (*RPIOBackend, error) {
	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("failed to map gpio registers: %w", err)
	}
	return &RPIOBackend{}, nil
}

func (b *RPIOBackend) Name() string {
	return "rpio"
}

func (b *RPIOBackend) SetupOutput(pin int, initialHigh bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	p := rpio.Pin(pin)
	p.Output()
	writePin(p, initialHigh)
	return nil
}

func (b *RPIOBackend) Write(pin int, high bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	writePin(rpio.Pin(pin), high)
	return nil
}

func (b *RPIOBackend) Read(pin int) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return rpio.Pin(pin).Read() == rpio.High, nil
}

func (b *RPIOBackend) Cleanup() error {
	return rpio.Close()
}

func writePin(p rpio.Pin, high bool) {
	if high {
		p.High()
	} else {
		p.Low()
	}
}

// NoopBackend stands in when no GPIO access is possible.
type NoopBackend struct{}

var _ controllers.GPIOBackend = NoopBackend{}

func (NoopBackend) Name() string { return "none" }

func (NoopBackend) SetupOutput(int, bool) error { return ErrBackendUnavailable }

func (NoopBackend) Write(int, bool) error { return ErrBackendUnavailable }

func (NoopBackend) Read(int) (bool, error) { return false, ErrBackendUnavailable }

func (NoopBackend) Cleanup() error { return nil }

// SelectBackend picks the GPIO backend once at startup. "auto" tries the
// character device, then the register-mapped driver, then falls back to the
// no-op backend. An explicitly requested backend that fails also falls back
// to no-op, so startup never aborts on missing hardware.
func SelectBackend(config Configuration) controllers.GPIOBackend {
	if !config.Enabled && config.Backend == "" {
		return NoopBackend{}
	}

	switch config.Backend {
	case "none":
		return NoopBackend{}
	case "cdev":
		b, err := NewCdevBackend(config.Chip)
		if err == nil {
			return b
		}
		log.Warnf("relay: %s", err)
	case "rpio":
		b, err := NewRPIOBackend()
		if err == nil {
			return b
		}
		log.Warnf("relay: %s", err)
	default:
		cdev, err := NewCdevBackend(config.Chip)
		if err == nil {
			return cdev
		}
		log.Debugf("relay: %s", err)

		mapped, err := NewRPIOBackend()
		if err == nil {
			return mapped
		}
		log.Debugf("relay: %s", err)
	}

	log.Warn("relay: no gpio backend available, relay commands will fail")
	return NoopBackend{}
}

func toInt(high bool) int {
	if high {
		return 1
	}
	return 0
}
