// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Dilithium Power

package mppt

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/dilithiumpower/mppt-config/pkg/canbus"
)

// Telemetry scale divisors
const (
	InputVoltageScale  = 100.0
	InputCurrentScale  = 1000.0
	OutputVoltageScale = 100.0
	TemperatureScale   = 100.0
)

// TelemetrySize is the payload length of a status reply
const TelemetrySize = 8

// Telemetry is one status snapshot of a tracker
type Telemetry struct {
	Address       uint32    `json:"address"`
	InputVoltage  float64   `json:"input_voltage"`
	InputCurrent  float64   `json:"input_current"`
	OutputVoltage float64   `json:"output_voltage"`
	Temperature   float64   `json:"temperature"`
	Timestamp     time.Time `json:"timestamp"`
}

// InputPower returns input voltage times input current in watts
func (t Telemetry) InputPower() float64 {
	return t.InputVoltage * t.InputCurrent
}

// String formats the snapshot for display
func (t Telemetry) String() string {
	return fmt.Sprintf("0x%03X Vin=%.2fV Iin=%.3fA Vout=%.2fV T=%.2fC",
		t.Address, t.InputVoltage, t.InputCurrent, t.OutputVoltage, t.Temperature)
}

// DecodeTelemetry decodes the status reply of the tracker at address
func DecodeTelemetry(address uint32, m canbus.Message) (Telemetry, error) {
	if m.DLC != TelemetrySize || len(m.Data) != TelemetrySize {
		return Telemetry{}, fmt.Errorf("%w: dlc %d, want %d", ErrBadTelemetry, m.DLC, TelemetrySize)
	}
	if m.ID != address {
		return Telemetry{}, fmt.Errorf("%w: reply from 0x%03X, want 0x%03X", ErrBadTelemetry, m.ID, address)
	}

	return Telemetry{
		Address:       address,
		InputVoltage:  float64(binary.LittleEndian.Uint16(m.Data[0:2])) / InputVoltageScale,
		InputCurrent:  float64(binary.LittleEndian.Uint16(m.Data[2:4])) / InputCurrentScale,
		OutputVoltage: float64(binary.LittleEndian.Uint16(m.Data[4:6])) / OutputVoltageScale,
		Temperature:   float64(binary.LittleEndian.Uint16(m.Data[6:8])) / TemperatureScale,
		Timestamp:     m.Timestamp,
	}, nil
}

// EncodeTelemetry builds a status reply payload. Values are truncated to
// the wire resolution and clamped to the 16-bit field range.
func EncodeTelemetry(t Telemetry) []byte {
	out := make([]byte, TelemetrySize)
	binary.LittleEndian.PutUint16(out[0:2], scaleField(t.InputVoltage, InputVoltageScale))
	binary.LittleEndian.PutUint16(out[2:4], scaleField(t.InputCurrent, InputCurrentScale))
	binary.LittleEndian.PutUint16(out[4:6], scaleField(t.OutputVoltage, OutputVoltageScale))
	binary.LittleEndian.PutUint16(out[6:8], scaleField(t.Temperature, TemperatureScale))
	return out
}

func scaleField(v, scale float64) uint16 {
	raw := v*scale + 0.5
	switch {
	case raw <= 0:
		return 0
	case raw >= 0xFFFF:
		return 0xFFFF
	}
	return uint16(raw)
}
