package controllers

import (
	"context"

	"github.com/gin-gonic/gin"
)

// ModbusClient defines the byte-level Modbus operations used by the block driver.
// This abstraction allows for testing without physical hardware.
type ModbusClient interface {
	// ReadHoldingRegisters reads holding registers (function 3) from the Modbus device.
	ReadHoldingRegisters(ctx context.Context, address, quantity uint16) ([]byte, error)

	// Close closes the Modbus client connection.
	Close()
}

// RegisterDriver reads a contiguous range of 16-bit registers.
// The field-bus client tries its drivers in order and stops at the first success.
type RegisterDriver interface {
	// Name identifies the driver in logs and health reports.
	Name() string

	// ReadRegisters returns quantity register values starting at address.
	ReadRegisters(ctx context.Context, address, quantity uint16) ([]uint16, error)

	// Close releases the underlying transport.
	Close() error
}

// MessagePublisher defines the interface for publishing messages to a message broker.
// This abstraction allows for testing without a real broker.
type MessagePublisher interface {
	// Publish publishes a message with the given topic suffix and payload.
	Publish(topicSuffix, payload string)

	// Close closes the publisher connection.
	Close()
}

// MetricsCollector defines the interface for collecting and exposing metrics.
// This abstraction allows for testing without the Prometheus global registry.
type MetricsCollector interface {
	// IncrementFailures increments the read failure counter.
	IncrementFailures()

	// IncrementFallbacks counts cycles served by a driver other than the primary one.
	IncrementFallbacks()

	// SetMetrics updates the gauges from a decoded register map.
	SetMetrics(values map[string]float64)
}

// GPIOBackend drives digital output lines. Implementations are chosen once at
// startup and own the physical handle until Cleanup.
type GPIOBackend interface {
	// Name identifies the backend in logs and state reports.
	Name() string

	// SetupOutput configures pin as an output driven to the initial level.
	SetupOutput(pin int, initialHigh bool) error

	// Write drives pin high or low.
	Write(pin int, high bool) error

	// Read returns the current line level.
	Read(pin int) (bool, error)

	// Cleanup releases every line and the chip handle.
	Cleanup() error
}

// Controller is a component that exposes HTTP endpoints and owns resources
// which must be released on shutdown.
type Controller interface {
	RegisterEndpoints(r *gin.Engine)
	Enabled() bool
	Close() error
}
