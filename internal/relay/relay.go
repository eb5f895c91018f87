// Package relay drives the load relay from battery voltage with hysteresis.
package relay

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/lumberbarons/inverter-monitor/internal/controllers"
)

type Configuration struct {
	Enabled      bool    `yaml:"enabled" toml:"enabled"`
	Mode         string  `yaml:"mode" toml:"mode"`
	Backend      string  `yaml:"backend" toml:"backend"`
	Chip         string  `yaml:"chip" toml:"chip"`
	GPIOPin      int     `yaml:"gpioPin" toml:"gpioPin"`
	ActiveHigh   *bool   `yaml:"activeHigh" toml:"activeHigh"`
	OnV          float64 `yaml:"onV" toml:"onV"`
	OffV         float64 `yaml:"offV" toml:"offV"`
	MinToggleSec int     `yaml:"minToggleSec" toml:"minToggleSec"`
}

// IsActiveHigh reports whether a high line energises the relay. Unset means true.
func (c Configuration) IsActiveHigh() bool {
	return c.ActiveHigh == nil || *c.ActiveHigh
}

func (c Configuration) MinToggle() time.Duration {
	return time.Duration(c.MinToggleSec) * time.Second
}

// State is the relay as reported to the API.
type State struct {
	Enabled    bool    `json:"enabled"`
	Backend    string  `json:"backend"`
	Pin        int     `json:"gpio_pin"`
	ActiveHigh bool    `json:"active_high"`
	On         *bool   `json:"state"`
	Level      *bool   `json:"level_high"`
	Inferred   bool    `json:"inferred"`
	OnV        float64 `json:"on_v"`
	OffV       float64 `json:"off_v"`
	LastToggle string  `json:"last_toggle,omitempty"`
}

// Controller is the hysteresis state machine. Its logical state is unknown
// (nil) until Setup or the first applied transition.
type Controller struct {
	config  Configuration
	backend controllers.GPIOBackend

	mu         sync.Mutex
	on         *bool
	lastToggle time.Time
	now        func() time.Time
	closeOnce  sync.Once
}

func NewController(config Configuration, backend controllers.GPIOBackend) *Controller {
	return &Controller{
		config:  config,
		backend: backend,
		now:     time.Now,
	}
}

func (c *Controller) Enabled() bool {
	return c.config.Enabled
}

// level maps the logical relay state to the physical line level.
func (c *Controller) level(on bool) bool {
	return on != !c.config.IsActiveHigh()
}

// Setup claims the output line and forces the relay off, whatever the line
// was doing before. A backend failure is logged, not returned, so a missing
// GPIO chip never stops the process.
func (c *Controller) Setup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	pin := c.config.GPIOPin
	offLevel := c.level(false)
	err := c.backend.SetupOutput(pin, offLevel)

	off := false
	c.on = &off
	c.lastToggle = c.now()

	readback, rbErr := c.backend.Read(pin)
	log.Infof("relay setup: backend=%s pin=%d activeHigh=%t -> off (level %t, err %v, readback %t/%v)",
		c.backend.Name(), pin, c.config.IsActiveHigh(), offLevel, err, readback, rbErr)
}

// Step evaluates the hysteresis rule for one battery voltage reading and
// applies a transition when one is due and the anti-chatter window has
// passed. It reports whether the relay was switched.
func (c *Controller) Step(voltage float64) (bool, error) {
	if !c.config.Enabled {
		return false, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var want bool
	switch {
	case c.on == nil:
		switch {
		case voltage <= c.config.OnV:
			want = true
		case voltage >= c.config.OffV:
			want = false
		default:
			return false, nil
		}
	case !*c.on && voltage <= c.config.OnV:
		want = true
	case *c.on && voltage >= c.config.OffV:
		want = false
	default:
		return false, nil
	}

	if c.on != nil && *c.on == want {
		return false, nil
	}

	now := c.now()
	if c.on != nil && now.Sub(c.lastToggle) < c.config.MinToggle() {
		log.Debugf("relay transition to %t deferred, last toggle %s ago", want, now.Sub(c.lastToggle))
		return false, nil
	}

	return true, c.apply(want, now)
}

// ForceOn switches the relay on regardless of hysteresis.
func (c *Controller) ForceOn() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.apply(true, c.now())
}

// ForceOff switches the relay off regardless of hysteresis.
func (c *Controller) ForceOff() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.apply(false, c.now())
}

// apply must be called with mu held. The logical state follows the command
// even when the write fails, so a dead backend is not retried every cycle.
func (c *Controller) apply(on bool, now time.Time) error {
	pin := c.config.GPIOPin
	level := c.level(on)

	err := c.backend.Write(pin, level)
	readback, rbErr := c.backend.Read(pin)

	log.Infof("relay apply: on=%t activeHigh=%t -> level %t (write err %v, readback %t/%v)",
		on, c.config.IsActiveHigh(), level, err, readback, rbErr)

	c.on = &on
	c.lastToggle = now
	return err
}

// State returns the current relay state. When the logical state is unknown
// it is inferred from the line level.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := State{
		Enabled:    c.config.Enabled,
		Backend:    c.backend.Name(),
		Pin:        c.config.GPIOPin,
		ActiveHigh: c.config.IsActiveHigh(),
		OnV:        c.config.OnV,
		OffV:       c.config.OffV,
	}
	if !c.lastToggle.IsZero() {
		s.LastToggle = c.lastToggle.Format("2006-01-02 15:04:05")
	}

	if level, err := c.backend.Read(c.config.GPIOPin); err == nil {
		s.Level = &level
	}

	if c.on != nil {
		on := *c.on
		s.On = &on
	} else if s.Level != nil {
		on := *s.Level == c.config.IsActiveHigh()
		s.On = &on
		s.Inferred = true
	}
	return s
}

// Close releases the backend. Only the first call has an effect.
func (c *Controller) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.backend.Cleanup()
	})
	return err
}
