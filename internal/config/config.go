package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/lumberbarons/inverter-monitor/internal/analog"
	"github.com/lumberbarons/inverter-monitor/internal/analysis"
	"github.com/lumberbarons/inverter-monitor/internal/battery"
	"github.com/lumberbarons/inverter-monitor/internal/controllers/inverter"
	"github.com/lumberbarons/inverter-monitor/internal/file"
	"github.com/lumberbarons/inverter-monitor/internal/kafka"
	"github.com/lumberbarons/inverter-monitor/internal/mqtt"
	"github.com/lumberbarons/inverter-monitor/internal/relay"
	"github.com/lumberbarons/inverter-monitor/internal/remotewrite"
	"github.com/lumberbarons/inverter-monitor/internal/sns"
	"github.com/lumberbarons/inverter-monitor/internal/solace"
)

type Config struct {
	InverterMonitor InverterMonitorConfiguration `yaml:"inverterMonitor" toml:"inverterMonitor"`
}

type InverterMonitorConfiguration struct {
	HTTPPort    int    `yaml:"httpPort" toml:"httpPort"`
	Debug       bool   `yaml:"debug" toml:"debug"`
	DeviceID    string `yaml:"deviceId" toml:"deviceId"`
	TopicPrefix string `yaml:"topicPrefix" toml:"topicPrefix"`

	LogFile  LogFileConfiguration  `yaml:"logFile" toml:"logFile"`
	Database DatabaseConfiguration `yaml:"database" toml:"database"`

	Modbus   inverter.Configuration        `yaml:"modbus" toml:"modbus"`
	Battery  battery.Configuration         `yaml:"battery" toml:"battery"`
	Relay    relay.Configuration           `yaml:"relay" toml:"relay"`
	Analog   analog.Configuration          `yaml:"analog" toml:"analog"`
	Analysis analysis.Configuration        `yaml:"analysis" toml:"analysis"`
	Archive  analysis.ArchiveConfiguration `yaml:"archive" toml:"archive"`

	Mqtt        mqtt.Configuration        `yaml:"mqtt" toml:"mqtt"`
	Solace      solace.Configuration      `yaml:"solace" toml:"solace"`
	Kafka       kafka.Configuration       `yaml:"kafka" toml:"kafka"`
	File        file.Configuration        `yaml:"file" toml:"file"`
	SNS         sns.Configuration         `yaml:"sns" toml:"sns"`
	RemoteWrite remotewrite.Configuration `yaml:"remoteWrite" toml:"remoteWrite"`
}

// LogFileConfiguration sends a copy of the process log to a rotated file.
type LogFileConfiguration struct {
	Enabled    bool   `yaml:"enabled" toml:"enabled"`
	Filename   string `yaml:"filename" toml:"filename"`
	MaxSizeMB  int    `yaml:"maxSizeMB" toml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups" toml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays" toml:"maxAgeDays"`
	Compress   bool   `yaml:"compress" toml:"compress"`
}

type DatabaseConfiguration struct {
	Path string `yaml:"path" toml:"path"`
}

// Load parses and validates configuration from YAML bytes.
func Load(data []byte) (Config, error) {
	return load(data, yaml.Unmarshal, "YAML")
}

// LoadTOML parses and validates configuration from TOML bytes.
func LoadTOML(data []byte) (Config, error) {
	return load(data, toml.Unmarshal, "TOML")
}

// LoadFile reads path and picks the decoder from its extension.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return LoadTOML(data)
	}
	return Load(data)
}

func load(data []byte, unmarshal func([]byte, interface{}) error, format string) (Config, error) {
	var config Config

	if err := unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("failed to parse %s: %w", format, err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func (c *Config) applyDefaults() {
	m := &c.InverterMonitor

	if m.HTTPPort == 0 {
		m.HTTPPort = 8080
	}
	if m.DeviceID == "" {
		m.DeviceID = "inverter-1"
	}
	if m.TopicPrefix == "" {
		m.TopicPrefix = "inverter"
	}
	if m.Database.Path == "" {
		m.Database.Path = "data/inverter_history.db"
	}
	if m.LogFile.Enabled && m.LogFile.MaxSizeMB == 0 {
		m.LogFile.MaxSizeMB = 10
	}

	mb := &m.Modbus
	if mb.SerialPort == "" {
		mb.SerialPort = "/dev/serial0"
	}
	if mb.BaudRate == 0 {
		mb.BaudRate = 9600
	}
	if mb.DataBits == 0 {
		mb.DataBits = 8
	}
	if mb.Parity == "" {
		mb.Parity = "N"
	}
	mb.Parity = strings.ToUpper(mb.Parity)
	if mb.StopBits == 0 {
		mb.StopBits = 1
	}
	if mb.SlaveID == 0 {
		mb.SlaveID = 1
	}
	if mb.TimeoutMs == 0 {
		mb.TimeoutMs = 1000
	}
	if mb.PollSeconds == 0 {
		mb.PollSeconds = 5
	}
	if mb.RetryAttempts == 0 {
		mb.RetryAttempts = 1
	}
	if mb.RetryDelayMs == 0 {
		mb.RetryDelayMs = 200
	}

	b := &m.Battery
	if b.Type == "" {
		b.Type = "lifepo4"
	}
	if b.NominalVoltage == 0 {
		b.NominalVoltage = 51.2
	}
	if b.NominalAh == 0 {
		b.NominalAh = 400
	}
	if b.NetResetVoltage == 0 {
		b.NetResetVoltage = 46.0
	}
	if b.ResetDebounceSeconds == 0 {
		b.ResetDebounceSeconds = 3600
	}
	if b.SOC.Method == "" {
		b.SOC.Method = battery.SOCVoltageBased
	}
	if b.SOC.VMax == 0 {
		b.SOC.VMax = 58
	}
	if b.SOC.VMin == 0 {
		b.SOC.VMin = 44
	}
	if b.SOC.ResetVoltage == 0 {
		b.SOC.ResetVoltage = b.NetResetVoltage
	}

	r := &m.Relay
	if r.Mode == "" {
		r.Mode = "gpio"
	}
	if r.Backend == "" {
		r.Backend = "auto"
	}
	if r.Chip == "" {
		r.Chip = "gpiochip0"
	}
	if r.GPIOPin == 0 {
		r.GPIOPin = 17
	}
	if r.OnV == 0 {
		r.OnV = 47.5
	}
	if r.OffV == 0 {
		r.OffV = 49.0
	}
	if r.MinToggleSec == 0 {
		r.MinToggleSec = 5
	}

	if m.Analog.Bus == "" {
		m.Analog.Bus = "1"
	}

	if m.Analysis.Schedule == "" {
		m.Analysis.Schedule = "00:10"
	}
	if m.Archive.Schedule == "" {
		m.Archive.Schedule = "03:30"
	}
	if m.Archive.Days == 0 {
		m.Archive.Days = 30
	}
}

// Validate rejects out-of-range settings before anything touches hardware.
func (c *Config) Validate() error {
	m := &c.InverterMonitor

	if m.HTTPPort <= 0 || m.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d (must be 1-65535)", m.HTTPPort)
	}

	if m.LogFile.Enabled && m.LogFile.Filename == "" {
		return fmt.Errorf("logFile filename is required when the log file is enabled")
	}

	validators := []func() error{
		m.validateModbus,
		m.validateBattery,
		m.validateRelay,
		m.validateAnalog,
		m.validatePublishers,
	}
	for _, v := range validators {
		if err := v(); err != nil {
			return err
		}
	}

	if m.Archive.Days < 1 || m.Archive.Days > 3650 {
		return fmt.Errorf("invalid archive days: %d (must be 1-3650)", m.Archive.Days)
	}

	return nil
}

func (m *InverterMonitorConfiguration) validateModbus() error {
	mb := m.Modbus
	if mb.PollSeconds < 1 || mb.PollSeconds > 3600 {
		return fmt.Errorf("invalid modbus pollSeconds: %d (must be 1-3600)", mb.PollSeconds)
	}
	if mb.BaudRate <= 0 {
		return fmt.Errorf("invalid modbus baudRate: %d", mb.BaudRate)
	}
	switch mb.Parity {
	case "N", "E", "O":
	default:
		return fmt.Errorf("invalid modbus parity %q (must be N, E or O)", mb.Parity)
	}
	if mb.StopBits < 1 || mb.StopBits > 2 {
		return fmt.Errorf("invalid modbus stopBits: %d (must be 1 or 2)", mb.StopBits)
	}
	if mb.SlaveID < 1 || mb.SlaveID > 247 {
		return fmt.Errorf("invalid modbus slaveId: %d (must be 1-247)", mb.SlaveID)
	}
	if mb.TimeoutMs < 0 || mb.RetryAttempts < 0 || mb.RetryDelayMs < 0 {
		return fmt.Errorf("modbus timeout and retry settings must not be negative")
	}
	if mb.GatewayURL != "" && !strings.HasPrefix(mb.GatewayURL, "tcp://") && !strings.HasPrefix(mb.GatewayURL, "rtu://") {
		return fmt.Errorf("invalid modbus gatewayUrl %q (must start with tcp:// or rtu://)", mb.GatewayURL)
	}
	return nil
}

func (m *InverterMonitorConfiguration) validateBattery() error {
	b := m.Battery
	if b.NominalVoltage < 10 || b.NominalVoltage > 100 {
		return fmt.Errorf("invalid battery nominalVoltage: %.1f (must be 10-100)", b.NominalVoltage)
	}
	if b.NominalAh < 1 || b.NominalAh > 2000 {
		return fmt.Errorf("invalid battery nominalAh: %.1f (must be 1-2000)", b.NominalAh)
	}
	if b.NetResetVoltage < 30 || b.NetResetVoltage > 70 {
		return fmt.Errorf("invalid battery netResetVoltage: %.2f (must be 30-70)", b.NetResetVoltage)
	}
	if b.ResetDebounceSeconds < 0 {
		return fmt.Errorf("invalid battery resetDebounceSeconds: %d", b.ResetDebounceSeconds)
	}

	switch b.SOC.Method {
	case battery.SOCVoltageBased:
		if b.SOC.VMax <= b.SOC.VMin {
			return fmt.Errorf("invalid soc voltages: vmax (%.2f) must be greater than vmin (%.2f)", b.SOC.VMax, b.SOC.VMin)
		}
	case battery.SOCEnergyBalance:
		low, high := 0.8*b.NominalVoltage, 0.9*b.NominalVoltage
		if b.SOC.ResetVoltage < low || b.SOC.ResetVoltage > high {
			return fmt.Errorf("invalid soc resetVoltage: %.2f (must be %.2f-%.2f, 80-90%% of nominal)", b.SOC.ResetVoltage, low, high)
		}
	default:
		return fmt.Errorf("invalid soc method %q (must be %s or %s)", b.SOC.Method, battery.SOCVoltageBased, battery.SOCEnergyBalance)
	}
	return nil
}

func (m *InverterMonitorConfiguration) validateRelay() error {
	r := m.Relay
	if r.Mode != "gpio" {
		return fmt.Errorf("invalid relay mode %q (only gpio is supported)", r.Mode)
	}
	switch r.Backend {
	case "auto", "cdev", "rpio", "none":
	default:
		return fmt.Errorf("invalid relay backend %q (must be auto, cdev, rpio or none)", r.Backend)
	}
	if r.GPIOPin < 0 || r.GPIOPin > 27 {
		return fmt.Errorf("invalid relay gpioPin: %d (must be 0-27)", r.GPIOPin)
	}
	if r.OffV <= r.OnV {
		return fmt.Errorf("invalid relay thresholds: offV (%.2f) must be greater than onV (%.2f)", r.OffV, r.OnV)
	}
	if r.MinToggleSec < 0 || r.MinToggleSec > 86400 {
		return fmt.Errorf("invalid relay minToggleSec: %d (must be 0-86400)", r.MinToggleSec)
	}
	return nil
}

func (m *InverterMonitorConfiguration) validateAnalog() error {
	for _, d := range m.Analog.Devices {
		addr, err := d.ParseAddress()
		if err != nil {
			return fmt.Errorf("analog device %s: %w", d.Name, err)
		}
		if addr < 0x03 || addr > 0x77 {
			return fmt.Errorf("analog device %s: address 0x%02x out of range (0x03-0x77)", d.Name, addr)
		}

		switch d.Type {
		case "ads1115":
			if err := validateChannels(d); err != nil {
				return err
			}
		case "generic":
			if err := validateReads(d); err != nil {
				return err
			}
		default:
			return fmt.Errorf("analog device %s: unknown type %q (must be ads1115 or generic)", d.Name, d.Type)
		}
	}
	return nil
}

func validateChannels(d analog.DeviceConfiguration) error {
	names := make(map[string]bool, len(d.Channels))
	for _, ch := range d.Channels {
		if ch.Index < 0 || ch.Index > 3 {
			return fmt.Errorf("analog device %s: channel index %d out of range (0-3)", d.Name, ch.Index)
		}
		if (ch.DividerTopOhm == nil) != (ch.DividerBottomOhm == nil) {
			return fmt.Errorf("analog device %s: channel %s needs both dividerTopOhm and dividerBottomOhm", d.Name, ch.Key())
		}
		if ch.DividerBottomOhm != nil && *ch.DividerBottomOhm <= 0 {
			return fmt.Errorf("analog device %s: channel %s dividerBottomOhm must be positive", d.Name, ch.Key())
		}
		names[ch.Key()] = true
	}
	for _, ch := range d.Channels {
		if ch.SubtractChannel == "" {
			continue
		}
		if ch.SubtractChannel == ch.Key() || !names[ch.SubtractChannel] {
			return fmt.Errorf("analog device %s: channel %s subtracts unknown channel %q", d.Name, ch.Key(), ch.SubtractChannel)
		}
	}
	return nil
}

func validateReads(d analog.DeviceConfiguration) error {
	for _, rd := range d.Reads {
		if rd.Reg < 0 || rd.Reg > 0xFF {
			return fmt.Errorf("analog device %s: register %d out of range", d.Name, rd.Reg)
		}
		switch rd.Type {
		case "byte", "word":
		case "block":
			if rd.Len < 1 || rd.Len > 32 {
				return fmt.Errorf("analog device %s: block read %s length %d out of range (1-32)", d.Name, rd.Key(), rd.Len)
			}
		default:
			return fmt.Errorf("analog device %s: unknown read type %q (must be byte, word or block)", d.Name, rd.Type)
		}
	}
	return nil
}

func (m *InverterMonitorConfiguration) validatePublishers() error {
	enabledCount := 0
	for _, enabled := range []bool{m.Mqtt.Enabled, m.Solace.Enabled, m.Kafka.Enabled, m.File.Enabled} {
		if enabled {
			enabledCount++
		}
	}
	if enabledCount > 1 {
		return fmt.Errorf("only one publisher can be enabled at a time (MQTT, Solace, Kafka or File)")
	}

	if m.Mqtt.Enabled && m.Mqtt.Host == "" {
		return fmt.Errorf("MQTT host is required when MQTT is enabled")
	}
	if m.Mqtt.QoS > 2 {
		return fmt.Errorf("invalid MQTT qos: %d (must be 0-2)", m.Mqtt.QoS)
	}

	if m.Solace.Enabled {
		if m.Solace.Host == "" {
			return fmt.Errorf("solace host is required when Solace is enabled")
		}
		if m.Solace.VpnName == "" {
			return fmt.Errorf("solace VPN name is required when Solace is enabled")
		}
	}

	if m.Kafka.Enabled && len(m.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka brokers are required when Kafka is enabled")
	}

	if m.File.Enabled && m.File.Filename == "" {
		return fmt.Errorf("file filename is required when File publisher is enabled")
	}

	if m.SNS.Enabled && (m.SNS.TopicArn == "" || m.SNS.Region == "") {
		return fmt.Errorf("sns topicArn and region are required when SNS is enabled")
	}

	if err := m.RemoteWrite.Validate(); err != nil {
		return fmt.Errorf("invalid remoteWrite configuration: %w", err)
	}
	return nil
}
