// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Dilithium Power

package eeprom

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"

	"github.com/dilithiumpower/mppt-config/pkg/canbus"
)

// ValueSize is the encoded size of a parameter value
const ValueSize = 4

// EncodeValue encodes v in the device's native (little-endian) byte order,
// the order in which value bytes appear in read replies and write requests.
func EncodeValue(t Type, v float64) ([ValueSize]byte, error) {
	var out [ValueSize]byte
	switch t {
	case TypeInt32:
		r := math.Round(v)
		if r < math.MinInt32 || r > math.MaxInt32 || math.IsNaN(v) {
			return out, fmt.Errorf("%w: %g does not fit int32", canbus.ErrRange, v)
		}
		binary.LittleEndian.PutUint32(out[:], uint32(int32(r)))
	case TypeFloat:
		if math.IsNaN(v) || math.IsInf(v, 0) || math.Abs(v) > math.MaxFloat32 {
			return out, fmt.Errorf("%w: %g does not fit float32", canbus.ErrRange, v)
		}
		binary.LittleEndian.PutUint32(out[:], math.Float32bits(float32(v)))
	default:
		return out, fmt.Errorf("unknown parameter type %d", uint8(t))
	}
	return out, nil
}

// DecodeValue decodes the first four bytes of a reply payload
func DecodeValue(t Type, b []byte) (float64, error) {
	if len(b) < ValueSize {
		return 0, fmt.Errorf("%w: %d value bytes", ErrBadReply, len(b))
	}
	raw := binary.LittleEndian.Uint32(b)
	switch t {
	case TypeInt32:
		return float64(int32(raw)), nil
	case TypeFloat:
		return float64(math.Float32frombits(raw)), nil
	default:
		return 0, fmt.Errorf("unknown parameter type %d", uint8(t))
	}
}

// FormatValue formats a value for display and configuration files
func FormatValue(t Type, v float64) string {
	if t == TypeInt32 {
		return strconv.FormatInt(int64(math.Round(v)), 10)
	}
	return strconv.FormatFloat(v, 'g', -1, 32)
}

// ParseValue parses a configuration file cell. NaN and infinities are
// rejected.
func ParseValue(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %q is not a number", ErrInvalidConfigurationRow, s)
	}
	return v, nil
}

// approxEqual reports |a-b| < tol
func approxEqual(a, b, tol float64) bool {
	return math.Abs(a-b) < tol
}
