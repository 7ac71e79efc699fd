// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Dilithium Power

// Package eeprom implements the tracker parameter memory: a fixed, ordered
// table of typed parameters, the per-slot read/write protocol, and the CSV
// configuration file workflow.
package eeprom

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Parameter errors
var (
	ErrUnknownParameter        = errors.New("eeprom: unknown parameter")
	ErrConfigurationNotFound   = errors.New("eeprom: configuration not found")
	ErrDuplicateConfiguration  = errors.New("eeprom: duplicate configuration")
	ErrBadReply                = errors.New("eeprom: malformed reply")
	ErrInvalidConfigurationRow = errors.New("eeprom: invalid configuration row")
)

// Well-known parameter names
const (
	SerialNumberParam    = "serialNumber"
	FirmwareVersionParam = "SWVersion"
	BitrateParam         = "canBitrate"
	BaseAddressParam     = "canBaseAddress"
	TestModeParam        = "testMode"
)

// Type is the declared type of a parameter slot
type Type uint8

const (
	TypeInt32 Type = iota
	TypeFloat
)

// String returns the type name
func (t Type) String() string {
	switch t {
	case TypeInt32:
		return "int32"
	case TypeFloat:
		return "float"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Parameter is one slot of the table. Its position is its wire index.
type Parameter struct {
	Name  string
	Type  Type
	Value float64
}

// schema is the on-device slot order
var schema = []Parameter{
	{Name: SerialNumberParam, Type: TypeInt32},
	{Name: "hardOutputVoltage", Type: TypeFloat},
	{Name: "minOutputVoltage", Type: TypeFloat},
	{Name: "maxOutputVoltage", Type: TypeFloat},
	{Name: "constOutputVoltage", Type: TypeFloat},
	{Name: "maxTemperature", Type: TypeFloat},
	{Name: "hardCurrent", Type: TypeFloat},
	{Name: "maxCurrent", Type: TypeFloat},

	// Calibration
	{Name: "scaleAmpsIn", Type: TypeFloat},
	{Name: "offsetAmpsIn", Type: TypeFloat},
	{Name: "scaleAmpsOut", Type: TypeFloat},
	{Name: "offsetAmpsOut", Type: TypeFloat},
	{Name: "scaleVoltsIn", Type: TypeFloat},
	{Name: "offsetVoltsIn", Type: TypeFloat},
	{Name: "scaleVoltsOut", Type: TypeFloat},
	{Name: "offsetVoltsOut", Type: TypeFloat},

	// Hysteresis
	{Name: "constVoltageHyst", Type: TypeFloat},
	{Name: "safetyVoltageHyst", Type: TypeFloat},
	{Name: "safetyCurrentHyst", Type: TypeFloat},
	{Name: "safetyTemperatureHyst", Type: TypeFloat},

	// Thermistor
	{Name: "thermistorBeta", Type: TypeFloat},
	{Name: "thermistorRo", Type: TypeFloat},
	{Name: "thermistorRbias", Type: TypeFloat},
	{Name: "thermistorTo", Type: TypeFloat},

	// Bus
	{Name: BitrateParam, Type: TypeInt32},
	{Name: BaseAddressParam, Type: TypeInt32},
	{Name: TestModeParam, Type: TypeInt32},

	// Tracking timing
	{Name: "POseconds", Type: TypeFloat},
	{Name: "INCseconds", Type: TypeFloat},
	{Name: "TRACKseconds", Type: TypeFloat},

	{Name: FirmwareVersionParam, Type: TypeInt32},

	// Sync
	{Name: "syncCurrentHi", Type: TypeFloat},
	{Name: "syncCurrentLow", Type: TypeFloat},
	{Name: "autoSendRate", Type: TypeFloat},
}

var schemaIndex = func() map[string]int {
	idx := make(map[string]int, len(schema))
	for i, p := range schema {
		idx[p.Name] = i
	}
	return idx
}()

// SlotCount is the number of parameter slots
var SlotCount = len(schema)

// Schema returns the slot definitions in wire order with zero values
func Schema() []Parameter {
	return append([]Parameter(nil), schema...)
}

// IndexOf returns the wire index of a named parameter
func IndexOf(name string) (int, error) {
	i, ok := schemaIndex[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownParameter, name)
	}
	return i, nil
}

// Table holds the cached values of one device's parameter memory.
// It is safe for concurrent use.
type Table struct {
	mu     sync.RWMutex
	params []Parameter
}

// NewTable creates a table with every value zero
func NewTable() *Table {
	return &Table{params: Schema()}
}

// Len returns the number of slots
func (t *Table) Len() int {
	return len(t.params)
}

// Index returns the wire index of a named parameter
func (t *Table) Index(name string) (int, error) {
	return IndexOf(name)
}

// Param returns the slot at index i
func (t *Table) Param(i int) (Parameter, error) {
	if i < 0 || i >= len(t.params) {
		return Parameter{}, fmt.Errorf("%w: index %d", ErrUnknownParameter, i)
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.params[i], nil
}

// Value returns the cached value of a named parameter
func (t *Table) Value(name string) (float64, error) {
	i, err := IndexOf(name)
	if err != nil {
		return 0, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.params[i].Value, nil
}

// Type returns the declared type of a named parameter
func (t *Table) Type(name string) (Type, error) {
	i, err := IndexOf(name)
	if err != nil {
		return 0, err
	}
	return schema[i].Type, nil
}

// set caches a value read from or written to the device
func (t *Table) set(i int, v float64) {
	t.mu.Lock()
	t.params[i].Value = v
	t.mu.Unlock()
}

// replace copies every value from src
func (t *Table) replace(src *Table) {
	src.mu.RLock()
	values := make([]float64, len(src.params))
	for i, p := range src.params {
		values[i] = p.Value
	}
	src.mu.RUnlock()

	t.mu.Lock()
	for i, v := range values {
		t.params[i].Value = v
	}
	t.mu.Unlock()
}

// Params returns a copy of every slot in wire order
func (t *Table) Params() []Parameter {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Parameter(nil), t.params...)
}

// SerialNumber returns the cached serial number
func (t *Table) SerialNumber() int {
	v, _ := t.Value(SerialNumberParam)
	return int(v)
}

// FirmwareVersion returns the cached firmware version
func (t *Table) FirmwareVersion() int {
	v, _ := t.Value(FirmwareVersionParam)
	return int(v)
}

// String prints one "type name = value" line per slot
func (t *Table) String() string {
	var b strings.Builder
	for _, p := range t.Params() {
		fmt.Fprintf(&b, "%s %s = %s\n", p.Type, p.Name, FormatValue(p.Type, p.Value))
	}
	return b.String()
}
