// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Dilithium Power

package canbus

import (
	"fmt"
	"time"
)

// StreamDecoder reassembles 14-byte bodies from a byte stream.
// Reads may split a body anywhere; partial bodies are held until complete.
type StreamDecoder struct {
	buffer []byte
	errors int
}

// NewStreamDecoder creates a new stream decoder
func NewStreamDecoder() *StreamDecoder {
	return &StreamDecoder{buffer: make([]byte, 0, BodySize*4)}
}

// Feed appends p and returns every complete message. A body that fails to
// decode is skipped and reported through err; the remaining bodies are still
// returned.
func (d *StreamDecoder) Feed(p []byte, now time.Time) ([]Message, error) {
	d.buffer = append(d.buffer, p...)

	var (
		msgs    []Message
		lastErr error
	)
	n := len(d.buffer) / BodySize * BodySize
	for off := 0; off < n; off += BodySize {
		m, err := DecodeBody(d.buffer[off:off+BodySize], now)
		if err != nil {
			d.errors++
			lastErr = fmt.Errorf("stream body: %w", err)
			continue
		}
		msgs = append(msgs, m)
	}

	rest := copy(d.buffer, d.buffer[n:])
	d.buffer = d.buffer[:rest]
	return msgs, lastErr
}

// Pending returns the number of buffered bytes of an incomplete body
func (d *StreamDecoder) Pending() int {
	return len(d.buffer)
}

// Errors returns the number of bodies dropped since creation
func (d *StreamDecoder) Errors() int {
	return d.errors
}
