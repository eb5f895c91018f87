package testing

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
)

// encodeRegisters packs register values big-endian, the way a Modbus
// read-holding-registers response carries them.
func encodeRegisters(values []uint16) []byte {
	out := make([]byte, 2*len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(out[2*i:], v)
	}
	return out
}

// RegisterBank is an in-memory holding-register space. Unset addresses read
// as zero inside a block, while a single-register read of an unset address
// fails the way a device rejects an illegal data address.
type RegisterBank struct {
	mu     sync.Mutex
	values map[uint16]uint16
}

func NewRegisterBank(values map[uint16]uint16) *RegisterBank {
	bank := &RegisterBank{values: make(map[uint16]uint16, len(values))}
	for addr, v := range values {
		bank.values[addr] = v
	}
	return bank
}

func (b *RegisterBank) Set(address, value uint16) {
	b.mu.Lock()
	b.values[address] = value
	b.mu.Unlock()
}

// ReadHoldingRegisters matches MockModbusClient.ReadHoldingRegistersFunc.
func (b *RegisterBank) ReadHoldingRegisters(_ context.Context, address, quantity uint16) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if quantity == 1 {
		if _, ok := b.values[address]; !ok {
			return nil, fmt.Errorf("illegal data address %d", address)
		}
	}

	values := make([]uint16, quantity)
	for i := range values {
		values[i] = b.values[address+uint16(i)]
	}
	return encodeRegisters(values), nil
}
