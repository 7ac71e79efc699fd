// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Dilithium Power

package canbus

import (
	"encoding/binary"
	"fmt"
	"time"
)

// EncodeBody encodes a message into its 14-byte wire body.
// The data length code is backfilled from the payload when zero. Remote
// requests carry their data length code but no data bytes.
func EncodeBody(m Message) ([]byte, error) {
	body := make([]byte, BodySize)
	if err := putBody(body, m); err != nil {
		return nil, err
	}
	return body, nil
}

// putBody writes the body of m into dst, which must hold BodySize bytes.
func putBody(dst []byte, m Message) error {
	m, err := m.Normalize()
	if err != nil {
		return err
	}

	binary.BigEndian.PutUint32(dst[bodyIDOffset:], m.ID)
	dst[bodyFlagsOffset] = m.Kind.Flags()
	dst[bodyDLCOffset] = m.DLC
	if !m.Kind.IsRemote() {
		copy(dst[bodyDataOffset:bodyDataOffset+MaxDataLength], m.Data)
	}
	return nil
}

// DecodeBody decodes a 14-byte wire body. The returned message owns its data.
func DecodeBody(b []byte, ts time.Time) (Message, error) {
	if len(b) != BodySize {
		return Message{}, fmt.Errorf("%w: body is %d bytes (want %d)", ErrFraming, len(b), BodySize)
	}

	dlc := b[bodyDLCOffset]
	if dlc > MaxDataLength {
		return Message{}, fmt.Errorf("%w: dlc %d (max %d)", ErrRange, dlc, MaxDataLength)
	}

	m := Message{
		ID:        binary.BigEndian.Uint32(b[bodyIDOffset:]),
		Kind:      KindFromFlags(b[bodyFlagsOffset]),
		DLC:       dlc,
		Data:      make([]byte, dlc),
		Timestamp: ts,
	}
	copy(m.Data, b[bodyDataOffset:bodyDataOffset+int(dlc)])
	return m, nil
}

// decodeBodies splits b into consecutive bodies. len(b) must be a multiple of BodySize.
func decodeBodies(b []byte, ts time.Time) ([]Message, error) {
	msgs := make([]Message, 0, len(b)/BodySize)
	for off := 0; off+BodySize <= len(b); off += BodySize {
		m, err := DecodeBody(b[off:off+BodySize], ts)
		if err != nil {
			return nil, fmt.Errorf("body at offset %d: %w", off, err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}
