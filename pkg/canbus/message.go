// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Dilithium Power

package canbus

import (
	"errors"
	"fmt"
	"time"
)

// Codec errors
var (
	// ErrFraming reports a datagram or stream chunk with an invalid shape.
	ErrFraming = errors.New("canbus: malformed frame")

	// ErrRange reports an identifier, data length code or field outside
	// protocol bounds.
	ErrRange = errors.New("canbus: value out of range")
)

// Kind is the bus message type.
type Kind uint8

const (
	KindStandard Kind = iota
	KindStandardRemote
	KindExtended
	KindExtendedRemote
	KindSettings
	KindHeartbeat
)

// String returns the kind name
func (k Kind) String() string {
	switch k {
	case KindStandard:
		return "STD"
	case KindStandardRemote:
		return "STD_RTR"
	case KindExtended:
		return "EXT"
	case KindExtendedRemote:
		return "EXT_RTR"
	case KindSettings:
		return "SETTINGS"
	case KindHeartbeat:
		return "HEARTBEAT"
	default:
		return fmt.Sprintf("KIND(%d)", uint8(k))
	}
}

// IsRemote returns true for remote-request kinds
func (k Kind) IsRemote() bool {
	return k == KindStandardRemote || k == KindExtendedRemote
}

// IsExtended returns true for kinds using the 29-bit identifier space
func (k Kind) IsExtended() bool {
	return k == KindExtended || k == KindExtendedRemote
}

// MaxID returns the largest identifier allowed for the kind.
func (k Kind) MaxID() (uint32, error) {
	switch k {
	case KindStandard, KindStandardRemote, KindSettings, KindHeartbeat:
		return MaxStandardID, nil
	case KindExtended, KindExtendedRemote:
		return MaxExtendedID, nil
	default:
		return 0, fmt.Errorf("%w: unknown kind %d", ErrRange, uint8(k))
	}
}

// Flags packs the kind into the wire flags byte.
func (k Kind) Flags() byte {
	var f byte
	if k.IsExtended() {
		f |= FlagExtended
	}
	if k.IsRemote() {
		f |= FlagRemote
	}
	if k == KindSettings {
		f |= FlagSettings
	}
	if k == KindHeartbeat {
		f |= FlagHeartbeat
	}
	return f
}

// KindFromFlags derives the kind from a wire flags byte. The settings and
// heartbeat bits take precedence over the extended/remote combination.
func KindFromFlags(f byte) Kind {
	switch {
	case f&FlagSettings != 0:
		return KindSettings
	case f&FlagHeartbeat != 0:
		return KindHeartbeat
	}

	extended := f&FlagExtended != 0
	remote := f&FlagRemote != 0
	switch {
	case extended && remote:
		return KindExtendedRemote
	case extended:
		return KindExtended
	case remote:
		return KindStandardRemote
	default:
		return KindStandard
	}
}

// Message is a single bus message
type Message struct {
	ID        uint32
	Kind      Kind
	DLC       uint8
	Data      []byte
	Timestamp time.Time
}

// NewMessage creates a message and sets its data length code from data.
func NewMessage(id uint32, kind Kind, data []byte) (Message, error) {
	if len(data) > MaxDataLength {
		return Message{}, fmt.Errorf("%w: %d data bytes (max %d)", ErrRange, len(data), MaxDataLength)
	}
	m := Message{
		ID:   id,
		Kind: kind,
		DLC:  uint8(len(data)),
		Data: make([]byte, len(data)),
	}
	copy(m.Data, data)
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// MustMessage is NewMessage for constant arguments. It panics on error.
func MustMessage(id uint32, kind Kind, data []byte) Message {
	m, err := NewMessage(id, kind, data)
	if err != nil {
		panic(fmt.Sprintf("canbus: %v", err))
	}
	return m
}

// Validate checks the message against protocol bounds.
// A zero DLC with data present is accepted; Normalize backfills it.
func (m Message) Validate() error {
	maxID, err := m.Kind.MaxID()
	if err != nil {
		return err
	}
	if m.ID > maxID {
		return fmt.Errorf("%w: id 0x%X exceeds 0x%X for %s", ErrRange, m.ID, maxID, m.Kind)
	}
	if len(m.Data) > MaxDataLength {
		return fmt.Errorf("%w: %d data bytes (max %d)", ErrRange, len(m.Data), MaxDataLength)
	}
	if m.DLC > MaxDataLength {
		return fmt.Errorf("%w: dlc %d (max %d)", ErrRange, m.DLC, MaxDataLength)
	}
	if m.DLC != 0 && int(m.DLC) != len(m.Data) {
		return fmt.Errorf("%w: dlc %d does not match %d data bytes", ErrRange, m.DLC, len(m.Data))
	}
	return nil
}

// Normalize validates the message and backfills a zero DLC from the data length.
func (m Message) Normalize() (Message, error) {
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	if m.DLC == 0 {
		m.DLC = uint8(len(m.Data))
	}
	return m, nil
}

// Byte returns data byte i, or zero when the message is shorter.
func (m Message) Byte(i int) byte {
	if i < 0 || i >= len(m.Data) {
		return 0
	}
	return m.Data[i]
}
