// Package analog scans the auxiliary I2C sensors: ADS1115 converters wired to
// current shunts, hall sensors or voltage dividers, and generic register
// devices read byte, word or block at a time.
package analog

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

const (
	TypeADS1115 = "ads1115"
	TypeGeneric = "generic"

	ReadByte  = "byte"
	ReadWord  = "word"
	ReadBlock = "block"

	regConversion = 0x00
	regConfig     = 0x01

	fullScaleVolts = 4.096
	settleDelay    = 100 * time.Millisecond
	maxBlockLen    = 32
)

// configWords selects the single-ended input, +-4.096 V gain, single-shot
// conversion for each ADS1115 channel.
var configWords = map[int]uint16{
	0: 0xC183,
	1: 0xD383,
	2: 0xE383,
	3: 0xF383,
}

type ChannelConfiguration struct {
	Index            int      `yaml:"index" toml:"index"`
	Name             string   `yaml:"name" toml:"name"`
	AmpPerMV         *float64 `yaml:"ampPerMv" toml:"ampPerMv"`
	MVPerAmp         *float64 `yaml:"mvPerAmp" toml:"mvPerAmp"`
	ShuntOhms        *float64 `yaml:"shuntOhms" toml:"shuntOhms"`
	VoltageScale     *float64 `yaml:"voltageScale" toml:"voltageScale"`
	DividerTopOhm    *float64 `yaml:"dividerTopOhm" toml:"dividerTopOhm"`
	DividerBottomOhm *float64 `yaml:"dividerBottomOhm" toml:"dividerBottomOhm"`
	SubtractChannel  string   `yaml:"subtractChannel" toml:"subtractChannel"`
	DisplayUnit      string   `yaml:"displayUnit" toml:"displayUnit"`
}

// Key is the name a channel reading is reported under.
func (c ChannelConfiguration) Key() string {
	if c.Name != "" {
		return c.Name
	}
	return fmt.Sprintf("A%d", c.Index)
}

type ReadConfiguration struct {
	Name string `yaml:"name" toml:"name"`
	Reg  int    `yaml:"reg" toml:"reg"`
	Type string `yaml:"type" toml:"type"`
	Len  int    `yaml:"len" toml:"len"`
}

// Key is the name a generic read is reported under.
func (c ReadConfiguration) Key() string {
	if c.Name != "" {
		return c.Name
	}
	return fmt.Sprintf("0x%02x", c.Reg)
}

type DeviceConfiguration struct {
	Name     string                 `yaml:"name" toml:"name"`
	Type     string                 `yaml:"type" toml:"type"`
	Address  string                 `yaml:"address" toml:"address"`
	Channels []ChannelConfiguration `yaml:"channels" toml:"channels"`
	Reads    []ReadConfiguration    `yaml:"reads" toml:"reads"`
}

// ParseAddress decodes the configured address, accepting decimal or 0x-prefixed hex.
func (c DeviceConfiguration) ParseAddress() (uint16, error) {
	addr, err := strconv.ParseUint(c.Address, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid i2c address %q: %w", c.Address, err)
	}
	return uint16(addr), nil
}

type Configuration struct {
	Enabled bool                  `yaml:"enabled" toml:"enabled"`
	Bus     string                `yaml:"bus" toml:"bus"`
	Devices []DeviceConfiguration `yaml:"devices" toml:"devices"`
}

// ChannelReading is one converted ADS1115 channel.
type ChannelReading struct {
	RawV     float64  `json:"raw_v"`
	RawMV    float64  `json:"raw_mv"`
	Value    float64  `json:"value"`
	Unit     string   `json:"unit"`
	MV       float64  `json:"mv"`
	CurrentA *float64 `json:"current_a,omitempty"`
	ScaledV  *float64 `json:"scaled_v,omitempty"`
}

// DeviceReading maps a channel or read name to its value. Failed reads are
// present with a nil value; a failed device holds a single "error" entry.
type DeviceReading map[string]interface{}

// Scan is the result of one pass over every configured device.
type Scan map[string]DeviceReading

// BusOpener opens the named I2C bus.
type BusOpener func(name string) (i2c.BusCloser, error)

var hostInit sync.Once

func openHostBus(name string) (i2c.BusCloser, error) {
	var initErr error
	hostInit.Do(func() {
		_, initErr = host.Init()
	})
	if initErr != nil {
		return nil, fmt.Errorf("failed to initialise periph host drivers: %w", initErr)
	}
	return i2creg.Open(name)
}

type Reader struct {
	config Configuration
	open   BusOpener
	settle time.Duration
	sleep  func(time.Duration)
	stats  *PrometheusCollector
}

func NewReader(config Configuration, stats *PrometheusCollector) *Reader {
	return &Reader{
		config: config,
		open:   openHostBus,
		settle: settleDelay,
		sleep:  time.Sleep,
		stats:  stats,
	}
}

func (r *Reader) Enabled() bool {
	return r.config.Enabled
}

// ReadAll scans every configured device once. A disabled reader returns nil.
// Channel and read failures become nil values and device failures become
// error entries; only a bus that cannot be opened fails the scan.
func (r *Reader) ReadAll(ctx context.Context) (Scan, error) {
	if !r.config.Enabled {
		return nil, nil
	}

	scan := make(Scan, len(r.config.Devices))
	if len(r.config.Devices) == 0 {
		return scan, nil
	}

	bus, err := r.open(r.config.Bus)
	if err != nil {
		r.stats.IncrementFailures()
		return nil, fmt.Errorf("failed to open i2c bus %s: %w", r.config.Bus, err)
	}
	defer func() {
		if err := bus.Close(); err != nil {
			log.Debugf("analog: closing i2c bus %s: %s", r.config.Bus, err)
		}
	}()

	for _, device := range r.config.Devices {
		if err := ctx.Err(); err != nil {
			return scan, err
		}

		reading, err := r.readDevice(bus, device)
		if err != nil {
			log.Warnf("analog: device %s: %s", device.Name, err)
			r.stats.IncrementFailures()
			scan[device.Name] = DeviceReading{"error": err.Error()}
			continue
		}
		scan[device.Name] = reading
	}

	r.stats.SetMetrics(scan)
	return scan, nil
}

func (r *Reader) readDevice(bus i2c.Bus, device DeviceConfiguration) (DeviceReading, error) {
	addr, err := device.ParseAddress()
	if err != nil {
		return nil, err
	}
	dev := &i2c.Dev{Bus: bus, Addr: addr}

	switch device.Type {
	case TypeADS1115:
		return r.readADS1115(dev, device), nil
	case TypeGeneric:
		return r.readGeneric(dev, device), nil
	default:
		return nil, fmt.Errorf("unsupported device type %q", device.Type)
	}
}

// DefaultChannels is used for an ADS1115 with no channel list.
func DefaultChannels() []ChannelConfiguration {
	channels := make([]ChannelConfiguration, 0, len(configWords))
	for i := 0; i < len(configWords); i++ {
		channels = append(channels, ChannelConfiguration{Index: i, Name: fmt.Sprintf("A%d", i)})
	}
	return channels
}

func (r *Reader) readADS1115(dev *i2c.Dev, device DeviceConfiguration) DeviceReading {
	channels := device.Channels
	if len(channels) == 0 {
		channels = DefaultChannels()
	}

	readings := make(map[string]*ChannelReading, len(channels))
	for _, ch := range channels {
		volts, err := r.convert(dev, ch.Index)
		if err != nil {
			log.Debugf("analog: %s channel %s: %s", device.Name, ch.Key(), err)
			r.stats.IncrementFailures()
			readings[ch.Key()] = nil
			continue
		}
		readings[ch.Key()] = deriveReading(ch, volts)
	}

	applySubtractions(channels, readings)

	out := make(DeviceReading, len(readings))
	for name, reading := range readings {
		if reading == nil {
			out[name] = nil
			continue
		}
		out[name] = reading
	}
	return out
}

// convert runs one single-shot conversion and returns the input voltage.
func (r *Reader) convert(dev *i2c.Dev, index int) (float64, error) {
	word, ok := configWords[index]
	if !ok {
		return 0, fmt.Errorf("channel index %d out of range", index)
	}

	if err := dev.Tx([]byte{regConfig, byte(word >> 8), byte(word)}, nil); err != nil {
		return 0, fmt.Errorf("failed to start conversion: %w", err)
	}

	r.sleep(r.settle)

	buf := make([]byte, 2)
	if err := dev.Tx([]byte{regConversion}, buf); err != nil {
		return 0, fmt.Errorf("failed to read conversion: %w", err)
	}

	raw := int(binary.BigEndian.Uint16(buf))
	if raw > 32767 {
		raw -= 65536
	}
	return float64(raw) * fullScaleVolts / 32768, nil
}

// deriveReading applies the channel's scaling rules. Currents win over scaled
// voltages, which win over raw millivolts, when choosing the display value.
func deriveReading(ch ChannelConfiguration, volts float64) *ChannelReading {
	mv := volts * 1000
	reading := &ChannelReading{
		RawV:  round(volts, 6),
		RawMV: round(mv, 3),
		MV:    round(mv, 3),
	}

	switch {
	case ch.AmpPerMV != nil:
		reading.CurrentA = roundPtr(mv * *ch.AmpPerMV, 3)
	case ch.MVPerAmp != nil && *ch.MVPerAmp != 0:
		reading.CurrentA = roundPtr(mv / *ch.MVPerAmp, 3)
	case ch.ShuntOhms != nil && *ch.ShuntOhms > 0:
		reading.CurrentA = roundPtr(volts / *ch.ShuntOhms, 3)
	}

	switch {
	case ch.VoltageScale != nil:
		reading.ScaledV = roundPtr(volts * *ch.VoltageScale, 3)
	case ch.DividerTopOhm != nil && ch.DividerBottomOhm != nil && *ch.DividerBottomOhm > 0:
		top, bottom := *ch.DividerTopOhm, *ch.DividerBottomOhm
		reading.ScaledV = roundPtr(volts*(top+bottom)/bottom, 3)
	}

	switch {
	case reading.CurrentA != nil:
		reading.Value = *reading.CurrentA
		reading.Unit = "A"
	case reading.ScaledV != nil:
		reading.Value = *reading.ScaledV
		reading.Unit = "V"
	default:
		reading.Value = reading.MV
		reading.Unit = "mV"
	}
	if ch.DisplayUnit != "" {
		reading.Unit = ch.DisplayUnit
	}
	return reading
}

// applySubtractions resolves subtract dependencies against the first-pass
// scaled voltages, so the result does not depend on channel order.
func applySubtractions(channels []ChannelConfiguration, readings map[string]*ChannelReading) {
	scaled := make(map[string]float64, len(readings))
	for name, reading := range readings {
		if reading != nil && reading.ScaledV != nil {
			scaled[name] = *reading.ScaledV
		}
	}

	for _, ch := range channels {
		if ch.SubtractChannel == "" {
			continue
		}
		reading := readings[ch.Key()]
		base, okBase := scaled[ch.Key()]
		ref, okRef := scaled[ch.SubtractChannel]
		if reading == nil || !okBase || !okRef {
			continue
		}

		diff := round(base-ref, 3)
		reading.ScaledV = &diff
		reading.Value = diff
		if ch.DisplayUnit == "" {
			reading.Unit = "V"
		}
	}
}

func (r *Reader) readGeneric(dev *i2c.Dev, device DeviceConfiguration) DeviceReading {
	out := make(DeviceReading, len(device.Reads))
	for _, rd := range device.Reads {
		v, err := readRegister(dev, rd)
		if err != nil {
			log.Debugf("analog: %s read %s: %s", device.Name, rd.Key(), err)
			r.stats.IncrementFailures()
			out[rd.Key()] = nil
			continue
		}
		out[rd.Key()] = v
	}
	return out
}

func readRegister(dev *i2c.Dev, rd ReadConfiguration) (interface{}, error) {
	if rd.Reg < 0 || rd.Reg > 0xFF {
		return nil, fmt.Errorf("register 0x%x out of range", rd.Reg)
	}
	reg := []byte{byte(rd.Reg)}

	switch rd.Type {
	case ReadByte, "":
		buf := make([]byte, 1)
		if err := dev.Tx(reg, buf); err != nil {
			return nil, err
		}
		return int(buf[0]), nil
	case ReadWord:
		buf := make([]byte, 2)
		if err := dev.Tx(reg, buf); err != nil {
			return nil, err
		}
		return int(binary.BigEndian.Uint16(buf)), nil
	case ReadBlock:
		n := rd.Len
		if n < 1 {
			n = 1
		}
		if n > maxBlockLen {
			n = maxBlockLen
		}
		buf := make([]byte, n)
		if err := dev.Tx(reg, buf); err != nil {
			return nil, err
		}
		values := make([]int, n)
		for i, b := range buf {
			values[i] = int(b)
		}
		return values, nil
	default:
		return nil, fmt.Errorf("unsupported read type %q", rd.Type)
	}
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

func roundPtr(v float64, places int) *float64 {
	r := round(v, places)
	return &r
}
