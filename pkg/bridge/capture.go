// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Dilithium Power

package bridge

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/dilithiumpower/mppt-config/pkg/canbus"
)

// CaptureVersion is the capture file format version
const CaptureVersion = 1

// DefaultCapturePath is where the transport writes its capture on stop
const DefaultCapturePath = "can_log.bin"

var (
	captureEncMode cbor.EncMode
	captureDecMode cbor.DecMode
)

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:        cbor.SortCanonical,
		IndefLength: cbor.IndefLengthForbidden,
		Time:        cbor.TimeRFC3339Nano,
	}
	captureEncMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create capture CBOR encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	}
	captureDecMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create capture CBOR decoder mode: %v", err))
	}
}

// CaptureRecord is one received message. Body uses the 14-byte wire layout.
type CaptureRecord struct {
	Timestamp time.Time `cbor:"1,keyasint"`
	Body      []byte    `cbor:"2,keyasint"`
}

// Capture is the raw traffic log written when the transport stops.
// The record count is carried by the CBOR array header.
type Capture struct {
	Version   int             `cbor:"1,keyasint"`
	Session   string          `cbor:"2,keyasint"`
	LocalAddr uint64          `cbor:"3,keyasint"`
	Started   time.Time       `cbor:"4,keyasint"`
	Stopped   time.Time       `cbor:"5,keyasint"`
	Sent      uint64          `cbor:"6,keyasint"`
	Received  uint64          `cbor:"7,keyasint"`
	Records   []CaptureRecord `cbor:"8,keyasint"`
}

// NewCapture starts an empty capture with a fresh session id
func NewCapture(local canbus.HardwareAddr) *Capture {
	return &Capture{
		Version:   CaptureVersion,
		Session:   uuid.NewString(),
		LocalAddr: uint64(local),
		Started:   time.Now(),
	}
}

// Add appends a received message
func (c *Capture) Add(m canbus.Message) error {
	body, err := canbus.EncodeBody(m)
	if err != nil {
		return err
	}
	c.Records = append(c.Records, CaptureRecord{Timestamp: m.Timestamp, Body: body})
	return nil
}

// Messages decodes every record in arrival order
func (c *Capture) Messages() ([]canbus.Message, error) {
	msgs := make([]canbus.Message, 0, len(c.Records))
	for i, r := range c.Records {
		m, err := canbus.DecodeBody(r.Body, r.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// WriteFile writes the capture atomically
func (c *Capture) WriteFile(path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".capture-*")
	if err != nil {
		return fmt.Errorf("failed to create capture file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := captureEncMode.NewEncoder(tmp).Encode(c); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode capture: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ReadCapture reads a capture file written by WriteFile
func ReadCapture(path string) (*Capture, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var c Capture
	if err := captureDecMode.NewDecoder(f).Decode(&c); err != nil {
		return nil, fmt.Errorf("failed to decode capture %s: %w", path, err)
	}
	if c.Version != CaptureVersion {
		return nil, fmt.Errorf("unsupported capture version %d", c.Version)
	}
	return &c, nil
}
