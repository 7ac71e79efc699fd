// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Dilithium Power

package simulator

import (
	"math"
	"sync"
	"time"

	"github.com/dilithiumpower/mppt-config/pkg/canbus"
	"github.com/dilithiumpower/mppt-config/pkg/eeprom"
	"github.com/dilithiumpower/mppt-config/pkg/mppt"
)

// Tracker is a simulated tracker with its own parameter memory
type Tracker struct {
	mu sync.Mutex

	address   uint32
	telemetry mppt.Telemetry
	memory    map[int][eeprom.ValueSize]byte

	enabled     bool
	leds        bool
	duty        uint16
	polls       int
	writes      int
	resets      int
	rebootTime  time.Duration
	rebootUntil time.Time

	// Silent trackers never reply
	silent bool

	// frozen trackers ignore parameter writes
	frozen bool
}

// defaults seeded into every simulated memory
var defaults = map[string]float64{
	"hardOutputVoltage":     16.5,
	"minOutputVoltage":      10.0,
	"maxOutputVoltage":      15.0,
	"constOutputVoltage":    13.8,
	"maxTemperature":        85.0,
	"hardCurrent":           12.0,
	"maxCurrent":            10.0,
	"scaleAmpsIn":           1.0,
	"scaleAmpsOut":          1.0,
	"scaleVoltsIn":          1.0,
	"scaleVoltsOut":         1.0,
	"constVoltageHyst":      0.1,
	"safetyVoltageHyst":     0.5,
	"safetyCurrentHyst":     0.5,
	"safetyTemperatureHyst": 5.0,
	"thermistorBeta":        3950,
	"thermistorRo":          10000,
	"thermistorRbias":       10000,
	"thermistorTo":          298.15,
	"canBitrate":            125000,
	"POseconds":             0.5,
	"INCseconds":            0.1,
	"TRACKseconds":          60,
	"SWVersion":             12,
	"syncCurrentHi":         2.0,
	"syncCurrentLow":        0.5,
	"autoSendRate":          0,
}

func newTracker(base uint32, channel int, serial int, rebootTime time.Duration) *Tracker {
	t := &Tracker{
		address:    base + uint32(channel),
		rebootTime: rebootTime,
		memory:     make(map[int][eeprom.ValueSize]byte, eeprom.SlotCount),
		enabled:    true,
		leds:       true,
		telemetry: mppt.Telemetry{
			InputVoltage:  38.0 + float64(channel),
			InputCurrent:  4.2,
			OutputVoltage: 13.6,
			Temperature:   31.5,
		},
	}
	for name, v := range defaults {
		t.store(name, v)
	}
	t.store(eeprom.SerialNumberParam, float64(serial))
	t.store(eeprom.BaseAddressParam, float64(base))
	return t
}

func (t *Tracker) store(name string, v float64) {
	i, err := eeprom.IndexOf(name)
	if err != nil {
		return
	}
	raw, err := eeprom.EncodeValue(eeprom.Schema()[i].Type, v)
	if err != nil {
		return
	}
	t.memory[i] = raw
}

// Address returns the tracker's channel address
func (t *Tracker) Address() uint32 { return t.address }

// SetParam stores a value directly in the simulated memory
func (t *Tracker) SetParam(name string, v float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.store(name, v)
}

// Param returns a value from the simulated memory
func (t *Tracker) Param(name string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.load(name)
}

func (t *Tracker) load(name string) float64 {
	i, err := eeprom.IndexOf(name)
	if err != nil {
		return math.NaN()
	}
	raw := t.memory[i]
	v, _ := eeprom.DecodeValue(eeprom.Schema()[i].Type, raw[:])
	return v
}

// SetTelemetry replaces the reported status
func (t *Tracker) SetTelemetry(tel mppt.Telemetry) {
	t.mu.Lock()
	t.telemetry = tel
	t.mu.Unlock()
}

// SetSilent stops all replies
func (t *Tracker) SetSilent(silent bool) {
	t.mu.Lock()
	t.silent = silent
	t.mu.Unlock()
}

// SetFrozen makes the tracker ignore parameter writes
func (t *Tracker) SetFrozen(frozen bool) {
	t.mu.Lock()
	t.frozen = frozen
	t.mu.Unlock()
}

// State reports the control state set by the enable and duty commands
func (t *Tracker) State() (enabled, leds bool, duty uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled, t.leds, t.duty
}

// Writes returns the number of parameter writes received
func (t *Tracker) Writes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writes
}

// Resets returns the number of resets received
func (t *Tracker) Resets() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resets
}

// handle answers one request addressed at offset from the tracker address
func (t *Tracker) handle(m canbus.Message, offset uint32, now time.Time) []canbus.Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.silent || now.Before(t.rebootUntil) {
		return nil
	}

	switch offset {
	case 0:
		if !m.Kind.IsRemote() {
			return nil
		}
		t.polls++
		tel := t.telemetry
		// input current wanders with each poll while tracking
		if t.enabled {
			tel.InputCurrent += 0.05 * math.Sin(float64(t.polls)/4)
		} else {
			tel.InputCurrent = 0
		}
		reply, err := canbus.NewMessage(t.address, canbus.KindStandard, mppt.EncodeTelemetry(tel))
		if err != nil {
			return nil
		}
		return []canbus.Message{reply}

	case mppt.EnableOffset:
		p := m.Byte(0)
		t.enabled = p&mppt.EnableBit != 0
		t.leds = p&mppt.LEDsOffBit == 0

	case eeprom.ReadOffset:
		idx := int(m.Byte(7))
		if idx >= eeprom.SlotCount {
			return nil
		}
		raw := t.memory[idx]
		reply, err := canbus.NewMessage(m.ID, canbus.KindStandard, []byte{
			raw[0], raw[1], raw[2], raw[3], 0, 0, 0, byte(idx),
		})
		if err != nil {
			return nil
		}
		return []canbus.Message{reply}

	case eeprom.WriteOffset:
		if len(m.Data) < 8 || !hasWriteTag(m.Data) {
			return nil
		}
		idx := int(m.Data[7])
		if idx == eeprom.ResetIndex {
			t.resets++
			t.rebootUntil = now.Add(t.rebootTime)
			t.enabled = true
			t.leds = true
			t.duty = 0
			return nil
		}
		if idx >= eeprom.SlotCount || t.frozen {
			return nil
		}
		t.writes++
		var raw [eeprom.ValueSize]byte
		copy(raw[:], m.Data[:4])
		t.memory[idx] = raw

	case mppt.DutyCycleOffset:
		if len(m.Data) < 8 || !hasWriteTag(m.Data) {
			return nil
		}
		if t.load(eeprom.TestModeParam) == 0 {
			return nil
		}
		t.duty = uint16(m.Data[0])<<8 | uint16(m.Data[1])
	}
	return nil
}

func hasWriteTag(data []byte) bool {
	return data[4] == eeprom.WriteTag[0] && data[5] == eeprom.WriteTag[1] && data[6] == eeprom.WriteTag[2]
}
