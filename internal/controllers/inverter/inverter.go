package inverter

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/lumberbarons/inverter-monitor/internal/controllers"
)

const (
	namespace = "inverter"
)

type Configuration struct {
	Enabled       bool   `yaml:"enabled" toml:"enabled"`
	SerialPort    string `yaml:"serialPort" toml:"serialPort"`
	BaudRate      int    `yaml:"baudRate" toml:"baudRate"`
	DataBits      int    `yaml:"dataBits" toml:"dataBits"`
	Parity        string `yaml:"parity" toml:"parity"`
	StopBits      int    `yaml:"stopBits" toml:"stopBits"`
	SlaveID       int    `yaml:"slaveId" toml:"slaveId"`
	TimeoutMs     int    `yaml:"timeoutMs" toml:"timeoutMs"`
	PollSeconds   int    `yaml:"pollSeconds" toml:"pollSeconds"`
	GatewayURL    string `yaml:"gatewayUrl" toml:"gatewayUrl"`
	RetryAttempts int    `yaml:"retryAttempts" toml:"retryAttempts"`
	RetryDelayMs  int    `yaml:"retryDelayMs" toml:"retryDelayMs"`
}

func (c Configuration) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (c Configuration) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMs) * time.Millisecond
}

func (c Configuration) PollInterval() time.Duration {
	return time.Duration(c.PollSeconds) * time.Second
}

// NewCollectorFromConfig builds the driver chain: block reads over the primary
// RTU client, then single-register reads, then the optional gateway.
// It returns a nil collector when the field bus is disabled.
func NewCollectorFromConfig(config Configuration) (*Collector, error) {
	if !config.Enabled {
		log.Info("inverter field bus disabled via configuration")
		return nil, nil
	}

	if config.SerialPort == "" && config.GatewayURL == "" {
		log.Warn("inverter enabled but no serial port or gateway provided")
		return nil, nil
	}

	var drivers []controllers.RegisterDriver

	if config.SerialPort != "" {
		client, err := NewModbusClient(config)
		if err != nil {
			log.Warnf("primary modbus driver unavailable: %s", err)
		} else {
			drivers = append(drivers, NewBlockDriver(client))
		}

		fallback, err := NewSingleRegisterDriver(config)
		if err != nil {
			return nil, fmt.Errorf("failed to create fallback driver: %w", err)
		}
		drivers = append(drivers, fallback)
	}

	if config.GatewayURL != "" {
		gw, err := NewGatewayDriver(config)
		if err != nil {
			log.Warnf("gateway driver unavailable: %s", err)
		} else {
			drivers = append(drivers, gw)
		}
	}

	if len(drivers) == 0 {
		return nil, fmt.Errorf("no modbus driver could be created for %s", config.SerialPort)
	}

	log.Infof("inverter collector ready on %s (%d drivers)", config.SerialPort, len(drivers))

	return NewCollector(DefaultRegisters, drivers...), nil
}
