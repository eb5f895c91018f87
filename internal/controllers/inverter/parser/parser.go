package parser

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Two's complement conversion constants for 16-bit registers
const (
	SignedThreshold = 0x8000
	SignedOffset    = 0x10000
)

// ParseUint16s parses quantity consecutive registers (2 bytes each, big-endian).
func ParseUint16s(data []byte, quantity int) ([]uint16, error) {
	expectedBytes := quantity * 2
	if len(data) < expectedBytes {
		return nil, fmt.Errorf("insufficient data for %d registers: expected %d bytes, got %d", quantity, expectedBytes, len(data))
	}

	results := make([]uint16, quantity)
	for i := 0; i < quantity; i++ {
		results[i] = binary.BigEndian.Uint16(data[i*2 : i*2+2])
	}

	return results, nil
}

// ToSigned16 converts an unsigned wire value to its signed interpretation.
// Values >= 0x8000 represent negative numbers.
func ToSigned16(raw uint16) int32 {
	v := int32(raw)
	if v >= SignedThreshold {
		v -= SignedOffset
	}
	return v
}

// Scale applies the register scale factor, correcting the sign first when requested.
// The result is rounded to 4 decimals to drop float noise from factors like 0.1.
func Scale(raw uint16, factor float64, signed bool) float64 {
	var v float64
	if signed {
		v = float64(ToSigned16(raw))
	} else {
		v = float64(raw)
	}
	return math.Round(v*factor*10000) / 10000
}

// EncodeUint16s encodes multiple uint16 values to bytes in big-endian order.
func EncodeUint16s(values []uint16) []byte {
	data := make([]byte, len(values)*2)
	for i, v := range values {
		binary.BigEndian.PutUint16(data[i*2:], v)
	}
	return data
}
