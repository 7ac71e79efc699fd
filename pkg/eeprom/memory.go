// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Dilithium Power

package eeprom

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dilithiumpower/mppt-config/pkg/canbus"
)

// Sub-function offsets from the channel address
const (
	ReadOffset  = 0x20
	WriteOffset = 0x30
)

// Protocol constants
const (
	DefaultReadTimeout = 2 * time.Second

	// ResetIndex in a write request reboots the device
	ResetIndex = 0xFE

	// SkipTolerance treats the current value as already written
	SkipTolerance = 1e-5

	// ConfirmTolerance accepts a read-back after a write
	ConfirmTolerance = 1e-3
)

// WriteTag authorizes a parameter write
var WriteTag = [3]byte{0x2D, 0x4E, 0x45}

// Requester issues bus requests. *dispatch.Dispatcher implements it.
type Requester interface {
	Send(ctx context.Context, m canbus.Message) error
	Request(ctx context.Context, m canbus.Message, replyID uint32, timeout time.Duration) (canbus.Message, error)
}

// Memory is the parameter memory of the device at one channel address
type Memory struct {
	req         Requester
	address     uint32
	table       *Table
	readTimeout time.Duration
	log         zerolog.Logger
}

// NewMemory creates the memory accessor for address (base + channel)
func NewMemory(req Requester, address uint32) *Memory {
	return &Memory{
		req:         req,
		address:     address,
		table:       NewTable(),
		readTimeout: DefaultReadTimeout,
		log: log.With().
			Str("component", "eeprom").
			Str("address", fmt.Sprintf("0x%03X", address)).
			Logger(),
	}
}

// SetReadTimeout changes the per-slot reply timeout
func (m *Memory) SetReadTimeout(d time.Duration) {
	m.readTimeout = d
}

// Address returns the channel address
func (m *Memory) Address() uint32 { return m.address }

// Table returns the cached table
func (m *Memory) Table() *Table { return m.table }

// ReadRequest builds the read request for slot index
func ReadRequest(address uint32, index int) (canbus.Message, error) {
	return canbus.NewMessage(address+ReadOffset, canbus.KindStandard,
		[]byte{0, 0, 0, 0, 0, 0, 0, byte(index)})
}

// WriteRequest builds the write request for slot index
func WriteRequest(address uint32, index int, value [ValueSize]byte) (canbus.Message, error) {
	return canbus.NewMessage(address+WriteOffset, canbus.KindStandard, []byte{
		value[0], value[1], value[2], value[3],
		WriteTag[0], WriteTag[1], WriteTag[2],
		byte(index),
	})
}

// ResetRequest builds the request that reboots the device
func ResetRequest(address uint32) (canbus.Message, error) {
	return WriteRequest(address, ResetIndex, [ValueSize]byte{})
}

func slot(index int) (Parameter, error) {
	if index < 0 || index >= len(schema) {
		return Parameter{}, fmt.Errorf("%w: index %d", ErrUnknownParameter, index)
	}
	return schema[index], nil
}

// readInto reads slot index and caches it in t
func (m *Memory) readInto(ctx context.Context, t *Table, index int) (float64, error) {
	p, err := slot(index)
	if err != nil {
		return 0, err
	}
	req, err := ReadRequest(m.address, index)
	if err != nil {
		return 0, err
	}

	reply, err := m.req.Request(ctx, req, req.ID, m.readTimeout)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", p.Name, err)
	}
	v, err := DecodeValue(p.Type, reply.Data)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", p.Name, err)
	}

	t.set(index, v)
	m.log.Trace().Str("param", p.Name).Float64("value", v).Msg("read")
	return v, nil
}

// ReadSlot reads one slot from the device and caches it
func (m *Memory) ReadSlot(ctx context.Context, index int) (float64, error) {
	return m.readInto(ctx, m.table, index)
}

// ReadValue reads a named parameter from the device and caches it
func (m *Memory) ReadValue(ctx context.Context, name string) (float64, error) {
	i, err := IndexOf(name)
	if err != nil {
		return 0, err
	}
	return m.ReadSlot(ctx, i)
}

// WriteSlot sends a write request. No reply is awaited; use WriteAndConfirm
// to verify the result.
func (m *Memory) WriteSlot(ctx context.Context, index int, value float64) error {
	p, err := slot(index)
	if err != nil {
		return err
	}
	raw, err := EncodeValue(p.Type, value)
	if err != nil {
		return fmt.Errorf("write %s: %w", p.Name, err)
	}
	req, err := WriteRequest(m.address, index, raw)
	if err != nil {
		return err
	}
	if err := m.req.Send(ctx, req); err != nil {
		return fmt.Errorf("write %s: %w", p.Name, err)
	}
	m.log.Debug().Str("param", p.Name).Str("value", FormatValue(p.Type, value)).Msg("write")
	return nil
}

// WriteValue writes a named parameter
func (m *Memory) WriteValue(ctx context.Context, name string, value float64) error {
	i, err := IndexOf(name)
	if err != nil {
		return err
	}
	return m.WriteSlot(ctx, i, value)
}

// WriteResult reports one WriteAndConfirm call
type WriteResult struct {
	Name     string
	Index    int
	Previous float64
	Target   float64
	ReadBack float64

	// Written is false when the device already held the target value
	Written bool

	// Confirmed is false when the read-back disagreed with the target
	Confirmed bool
}

// WriteAndConfirm writes value unless the device already holds it, then
// reads it back. A read-back mismatch is logged and reported in the result,
// not returned as an error.
func (m *Memory) WriteAndConfirm(ctx context.Context, index int, value float64) (WriteResult, error) {
	p, err := slot(index)
	if err != nil {
		return WriteResult{}, err
	}
	res := WriteResult{Name: p.Name, Index: index, Target: value}

	current, err := m.ReadSlot(ctx, index)
	if err != nil {
		return res, err
	}
	res.Previous = current

	if approxEqual(current, value, SkipTolerance) {
		res.ReadBack = current
		res.Confirmed = true
		m.log.Info().Str("param", p.Name).Msg("already set")
		return res, nil
	}

	if err := m.WriteSlot(ctx, index, value); err != nil {
		return res, err
	}
	res.Written = true

	readBack, err := m.ReadSlot(ctx, index)
	if err != nil {
		return res, err
	}
	res.ReadBack = readBack
	res.Confirmed = approxEqual(readBack, value, ConfirmTolerance)

	if res.Confirmed {
		m.log.Info().
			Str("param", p.Name).
			Str("value", FormatValue(p.Type, value)).
			Msg("written")
	} else {
		m.log.Error().
			Str("param", p.Name).
			Str("wrote", FormatValue(p.Type, value)).
			Str("read", FormatValue(p.Type, readBack)).
			Msg("write not confirmed")
	}
	return res, nil
}

// WriteValueAndConfirm is WriteAndConfirm by parameter name
func (m *Memory) WriteValueAndConfirm(ctx context.Context, name string, value float64) (WriteResult, error) {
	i, err := IndexOf(name)
	if err != nil {
		return WriteResult{}, err
	}
	return m.WriteAndConfirm(ctx, i, value)
}

// BulkRead reads every slot in table order. The cached table is only
// updated when every read succeeds.
func (m *Memory) BulkRead(ctx context.Context) error {
	scratch := NewTable()
	for i := range schema {
		if _, err := m.readInto(ctx, scratch, i); err != nil {
			return fmt.Errorf("bulk read aborted at slot %d: %w", i, err)
		}
	}
	m.table.replace(scratch)
	m.log.Info().Int("serial", m.table.SerialNumber()).Msg("read parameter memory")
	return nil
}
