package testing

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/lumberbarons/inverter-monitor/internal/controllers"
)

// MockModbusClient is a mock implementation of the ModbusClient interface for testing.
type MockModbusClient struct {
	mu sync.RWMutex

	// Function fields that can be set to customize behavior in tests
	ReadHoldingRegistersFunc func(ctx context.Context, address, quantity uint16) ([]byte, error)
	CloseFunc                func()

	// Call tracking
	ReadHoldingRegistersCalls []ReadRegistersCall
	CloseCalls                int
}

type ReadRegistersCall struct {
	Address  uint16
	Quantity uint16
}

// Verify MockModbusClient implements ModbusClient
var _ controllers.ModbusClient = (*MockModbusClient)(nil)

func (m *MockModbusClient) ReadHoldingRegisters(ctx context.Context, address, quantity uint16) ([]byte, error) {
	m.mu.Lock()
	m.ReadHoldingRegistersCalls = append(m.ReadHoldingRegistersCalls, ReadRegistersCall{Address: address, Quantity: quantity})
	m.mu.Unlock()

	if m.ReadHoldingRegistersFunc != nil {
		return m.ReadHoldingRegistersFunc(ctx, address, quantity)
	}
	return nil, fmt.Errorf("ReadHoldingRegisters not implemented")
}

func (m *MockModbusClient) Close() {
	m.mu.Lock()
	m.CloseCalls++
	m.mu.Unlock()

	if m.CloseFunc != nil {
		m.CloseFunc()
	}
}

// MockRegisterDriver is a mock implementation of the RegisterDriver interface for testing.
type MockRegisterDriver struct {
	mu sync.RWMutex

	DriverName        string
	ReadRegistersFunc func(ctx context.Context, address, quantity uint16) ([]uint16, error)

	ReadRegistersCalls []ReadRegistersCall
	CloseCalls         int
}

// Verify MockRegisterDriver implements RegisterDriver
var _ controllers.RegisterDriver = (*MockRegisterDriver)(nil)

func (m *MockRegisterDriver) Name() string {
	if m.DriverName == "" {
		return "mock"
	}
	return m.DriverName
}

func (m *MockRegisterDriver) ReadRegisters(ctx context.Context, address, quantity uint16) ([]uint16, error) {
	m.mu.Lock()
	m.ReadRegistersCalls = append(m.ReadRegistersCalls, ReadRegistersCall{Address: address, Quantity: quantity})
	m.mu.Unlock()

	if m.ReadRegistersFunc != nil {
		return m.ReadRegistersFunc(ctx, address, quantity)
	}
	return nil, fmt.Errorf("ReadRegisters not implemented")
}

func (m *MockRegisterDriver) Close() error {
	m.mu.Lock()
	m.CloseCalls++
	m.mu.Unlock()
	return nil
}

// CallCount returns the number of ReadRegisters calls so far.
func (m *MockRegisterDriver) CallCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.ReadRegistersCalls)
}

// MockMessagePublisher is a mock implementation of the MessagePublisher interface for testing.
type MockMessagePublisher struct {
	mu sync.RWMutex

	// Function fields that can be set to customize behavior in tests
	PublishFunc func(topicSuffix, payload string)
	CloseFunc   func()

	// Call tracking
	PublishCalls []PublishCall
	CloseCalls   int
}

type PublishCall struct {
	TopicSuffix string
	Payload     string
}

// Verify MockMessagePublisher implements MessagePublisher
var _ controllers.MessagePublisher = (*MockMessagePublisher)(nil)

func (m *MockMessagePublisher) Publish(topicSuffix, payload string) {
	m.mu.Lock()
	m.PublishCalls = append(m.PublishCalls, PublishCall{TopicSuffix: topicSuffix, Payload: payload})
	m.mu.Unlock()

	if m.PublishFunc != nil {
		m.PublishFunc(topicSuffix, payload)
	}
}

func (m *MockMessagePublisher) Close() {
	m.mu.Lock()
	m.CloseCalls++
	m.mu.Unlock()

	if m.CloseFunc != nil {
		m.CloseFunc()
	}
}

// Calls returns a copy of the recorded publish calls.
func (m *MockMessagePublisher) Calls() []PublishCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PublishCall, len(m.PublishCalls))
	copy(out, m.PublishCalls)
	return out
}

// CallsWithSuffix returns the recorded publish calls whose topic ends with suffix.
func (m *MockMessagePublisher) CallsWithSuffix(suffix string) []PublishCall {
	var out []PublishCall
	for _, c := range m.Calls() {
		if strings.HasSuffix(c.TopicSuffix, suffix) {
			out = append(out, c)
		}
	}
	return out
}

// MockMetricsCollector is a mock implementation of the MetricsCollector interface for testing.
type MockMetricsCollector struct {
	mu sync.RWMutex

	// Call tracking
	FailuresCount   int
	FallbacksCount  int
	SetMetricsCalls []map[string]float64
}

// Verify MockMetricsCollector implements MetricsCollector
var _ controllers.MetricsCollector = (*MockMetricsCollector)(nil)

func (m *MockMetricsCollector) IncrementFailures() {
	m.mu.Lock()
	m.FailuresCount++
	m.mu.Unlock()
}

func (m *MockMetricsCollector) IncrementFallbacks() {
	m.mu.Lock()
	m.FallbacksCount++
	m.mu.Unlock()
}

func (m *MockMetricsCollector) SetMetrics(values map[string]float64) {
	m.mu.Lock()
	m.SetMetricsCalls = append(m.SetMetricsCalls, values)
	m.mu.Unlock()
}

// NewMockPublisher creates a new MockMessagePublisher with a Closed tracking field.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

// MockPublisher extends MockMessagePublisher with a Closed field for testing.
type MockPublisher struct {
	MockMessagePublisher
	Closed bool
}

func (m *MockPublisher) Close() {
	m.Closed = true
	m.MockMessagePublisher.Close()
}

// MockGPIOBackend records line levels in memory.
type MockGPIOBackend struct {
	mu sync.RWMutex

	WriteFunc func(pin int, high bool) error
	ReadFunc  func(pin int) (bool, error)

	Levels       map[int]bool
	SetupCalls   []WriteCall
	WriteCalls   []WriteCall
	CleanupCalls int
}

type WriteCall struct {
	Pin  int
	High bool
}

// Verify MockGPIOBackend implements GPIOBackend
var _ controllers.GPIOBackend = (*MockGPIOBackend)(nil)

func NewMockGPIOBackend() *MockGPIOBackend {
	return &MockGPIOBackend{Levels: make(map[int]bool)}
}

func (m *MockGPIOBackend) Name() string {
	return "mock"
}

func (m *MockGPIOBackend) SetupOutput(pin int, initialHigh bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SetupCalls = append(m.SetupCalls, WriteCall{Pin: pin, High: initialHigh})
	m.Levels[pin] = initialHigh
	return nil
}

func (m *MockGPIOBackend) Write(pin int, high bool) error {
	if m.WriteFunc != nil {
		if err := m.WriteFunc(pin, high); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.WriteCalls = append(m.WriteCalls, WriteCall{Pin: pin, High: high})
	m.Levels[pin] = high
	return nil
}

func (m *MockGPIOBackend) Read(pin int) (bool, error) {
	if m.ReadFunc != nil {
		return m.ReadFunc(pin)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	level, ok := m.Levels[pin]
	if !ok {
		return false, fmt.Errorf("pin %d not configured", pin)
	}
	return level, nil
}

func (m *MockGPIOBackend) Cleanup() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CleanupCalls++
	return nil
}

// Writes returns a copy of the recorded writes.
func (m *MockGPIOBackend) Writes() []WriteCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]WriteCall, len(m.WriteCalls))
	copy(out, m.WriteCalls)
	return out
}
