package inverter

import (
	"context"
	"fmt"
	"strings"

	gateway "github.com/simonvetter/modbus"

	"github.com/lumberbarons/inverter-monitor/internal/controllers"
)

type gatewayClient interface {
	ReadRegisters(addr uint16, quantity uint16, regType gateway.RegType) ([]uint16, error)
	Close() error
}

// GatewayDriver reaches the inverter through a URL-addressed transport such
// as a Modbus TCP gateway (tcp://host:502) or a second serial adapter (rtu:///dev/ttyUSB1).
type GatewayDriver struct {
	url    string
	client gatewayClient
}

var _ controllers.RegisterDriver = (*GatewayDriver)(nil)

func NewGatewayDriver(config Configuration) (*GatewayDriver, error) {
	clientConfig := &gateway.ClientConfiguration{
		URL:     config.GatewayURL,
		Timeout: config.Timeout(),
	}
	if strings.HasPrefix(config.GatewayURL, "rtu://") {
		clientConfig.Speed = uint(config.BaudRate)
		clientConfig.DataBits = uint(config.DataBits)
		clientConfig.StopBits = uint(config.StopBits)
		switch config.Parity {
		case "E":
			clientConfig.Parity = gateway.PARITY_EVEN
		case "O":
			clientConfig.Parity = gateway.PARITY_ODD
		default:
			clientConfig.Parity = gateway.PARITY_NONE
		}
	}

	client, err := gateway.NewClient(clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway client for %s: %w", config.GatewayURL, err)
	}
	if err := client.SetUnitId(uint8(config.SlaveID)); err != nil {
		return nil, fmt.Errorf("failed to set unit id: %w", err)
	}
	if err := client.Open(); err != nil {
		return nil, fmt.Errorf("failed to open gateway %s: %w", config.GatewayURL, err)
	}

	return &GatewayDriver{url: config.GatewayURL, client: client}, nil
}

func (d *GatewayDriver) Name() string {
	return "gateway"
}

func (d *GatewayDriver) ReadRegisters(_ context.Context, address, quantity uint16) ([]uint16, error) {
	regs, err := d.client.ReadRegisters(address, quantity, gateway.HOLDING_REGISTER)
	if err != nil {
		return nil, fmt.Errorf("gateway %s read %d registers at %d: %w", d.url, quantity, address, err)
	}
	return regs, nil
}

func (d *GatewayDriver) Close() error {
	return d.client.Close()
}
