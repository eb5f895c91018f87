package inverter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	rtu "github.com/lumberbarons/modbus"
	log "github.com/sirupsen/logrus"

	"github.com/lumberbarons/inverter-monitor/internal/controllers"
	"github.com/lumberbarons/inverter-monitor/internal/controllers/inverter/parser"
)

// ModbusClient is the primary RTU transport. Reads are serialised and retried.
type ModbusClient struct {
	handler *rtu.RTUClientHandler
	client  rtu.Client
	lock    sync.Mutex

	retryAttempts uint
	retryDelay    time.Duration
}

func NewModbusClient(config Configuration) (*ModbusClient, error) {
	handler := rtu.NewRTUClientHandler(config.SerialPort)

	handler.BaudRate = config.BaudRate
	handler.DataBits = config.DataBits
	handler.Parity = rtu.NoParity
	handler.StopBits = rtu.StopBits(config.StopBits)
	handler.SlaveID = byte(config.SlaveID)
	handler.Timeout = config.Timeout()

	if config.Parity != "N" {
		log.Warnf("primary modbus driver only supports no parity, ignoring parity %q", config.Parity)
	}

	err := handler.Connect()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to inverter on %s: %w", config.SerialPort, err)
	}

	client := rtu.NewClient(handler)

	return &ModbusClient{
		handler:       handler,
		client:        client,
		retryAttempts: uint(config.RetryAttempts),
		retryDelay:    config.RetryDelay(),
	}, nil
}

func (c *ModbusClient) Close() {
	if c.handler != nil {
		c.handler.Close()
	}
}

func (c *ModbusClient) ReadHoldingRegisters(ctx context.Context, address, quantity uint16) ([]byte, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	var value []byte

	err := retry.Do(
		func() error {
			var retryErr error
			value, retryErr = c.client.ReadHoldingRegisters(ctx, address, quantity)
			return retryErr
		},
		retry.Attempts(c.retryAttempts),
		retry.Delay(c.retryDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Warnf("ReadHoldingRegisters address %d retry #%d: %s", address, n, err)
		}),
		retry.Context(ctx),
	)

	return value, err
}

// BlockDriver reads whole register blocks in one request each.
type BlockDriver struct {
	client controllers.ModbusClient
}

var _ controllers.RegisterDriver = (*BlockDriver)(nil)

func NewBlockDriver(client controllers.ModbusClient) *BlockDriver {
	return &BlockDriver{client: client}
}

func (d *BlockDriver) Name() string {
	return "rtu-block"
}

func (d *BlockDriver) ReadRegisters(ctx context.Context, address, quantity uint16) ([]uint16, error) {
	data, err := d.client.ReadHoldingRegisters(ctx, address, quantity)
	if err != nil {
		return nil, fmt.Errorf("read %d registers at %d: %w", quantity, address, err)
	}
	return parser.ParseUint16s(data, int(quantity))
}

func (d *BlockDriver) Close() error {
	d.client.Close()
	return nil
}
