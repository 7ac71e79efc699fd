// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Dilithium Power

package canbus

import (
	"encoding/binary"
	"fmt"
	"time"
)

// HardwareAddr is a 48-bit hardware address held in the low bits of a uint64.
type HardwareAddr uint64

// HardwareAddrFromBytes builds an address from 6 bytes in network order.
func HardwareAddrFromBytes(b []byte) HardwareAddr {
	var hw HardwareAddr
	for i := 0; i < hardwareAddrSize && i < len(b); i++ {
		hw = hw<<8 | HardwareAddr(b[i])
	}
	return hw
}

// String formats the address as colon-separated hex
func (hw HardwareAddr) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
		byte(hw>>40), byte(hw>>32), byte(hw>>24), byte(hw>>16), byte(hw>>8), byte(hw))
}

// putHardwareAddr writes the address little-endian, as the bridge expects.
func putHardwareAddr(dst []byte, hw HardwareAddr) {
	for i := 0; i < hardwareAddrSize; i++ {
		dst[i] = byte(hw >> (8 * i))
	}
}

// readHardwareAddr reads a little-endian 6-byte address.
func readHardwareAddr(b []byte) HardwareAddr {
	var hw HardwareAddr
	for i := hardwareAddrSize - 1; i >= 0; i-- {
		hw = hw<<8 | HardwareAddr(b[i])
	}
	return hw
}

// Header is the decoded 16-byte header of a multicast datagram.
type Header struct {
	Tag       uint64
	BusID     [datagramBusIDEnd - datagramBusIDStart]byte
	BusNumber uint8
	Peer      HardwareAddr
}

// Datagram is the result of decoding one received datagram.
type Datagram struct {
	// Header is nil for continuation datagrams.
	Header   *Header
	Messages []Message

	// SelfEcho is set when the header carries the local hardware address.
	// Messages is empty in that case.
	SelfEcho bool
}

// IsHeaderDatagram reports whether n is a valid header datagram length.
func IsHeaderDatagram(n int) bool {
	return n >= DatagramSize && (n-DatagramSize)%BodySize == 0
}

// IsContinuationDatagram reports whether n is a valid continuation datagram length.
func IsContinuationDatagram(n int) bool {
	return n > 0 && n%BodySize == 0
}

// DecodeDatagram decodes a received multicast datagram. Header datagrams whose
// peer address equals local are reported as self-echo and yield no messages.
func DecodeDatagram(b []byte, local HardwareAddr, now time.Time) (Datagram, error) {
	var (
		d      Datagram
		offset int
	)

	switch {
	case IsHeaderDatagram(len(b)):
		h := decodeHeader(b)
		d.Header = &h
		if h.Peer == local {
			d.SelfEcho = true
			return d, nil
		}
		offset = DatagramHeaderSize
	case IsContinuationDatagram(len(b)):
		offset = 0
	default:
		return Datagram{}, fmt.Errorf("%w: datagram length %d", ErrFraming, len(b))
	}

	msgs, err := decodeBodies(b[offset:], now)
	if err != nil {
		return Datagram{}, err
	}
	d.Messages = msgs
	return d, nil
}

func decodeHeader(b []byte) Header {
	h := Header{
		Tag:       binary.BigEndian.Uint64(b[0:8]),
		BusNumber: b[datagramBusNumber] & 0x0F,
		Peer:      readHardwareAddr(b[datagramHWOffset : datagramHWOffset+hardwareAddrSize]),
	}
	copy(h.BusID[:], b[datagramBusIDStart:datagramBusIDEnd])
	return h
}

// clientTag returns the header tag for the given bus number.
func clientTag(busNumber uint8) (uint64, error) {
	if busNumber > 0x0F {
		return 0, fmt.Errorf("%w: bus number %d (max 15)", ErrRange, busNumber)
	}
	return ClientTag | uint64(busNumber), nil
}

// EncodeDatagram builds a 30-byte multicast datagram carrying one message.
func EncodeDatagram(m Message, busNumber uint8, hw HardwareAddr) ([]byte, error) {
	tag, err := clientTag(busNumber)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, DatagramSize)
	binary.BigEndian.PutUint64(buf[0:8], tag)
	putHardwareAddr(buf[datagramHWOffset:], hw)
	if err := putBody(buf[DatagramHeaderSize:], m); err != nil {
		return nil, err
	}
	return buf, nil
}

// ForwardRange is the identifier range a stream bridge forwards to this client.
type ForwardRange struct {
	Start  uint32
	Length uint32
}

// Validate checks Start+Length against the extended identifier space.
func (r ForwardRange) Validate() error {
	if uint64(r.Start)+uint64(r.Length) > MaxForwardEnd {
		return fmt.Errorf("%w: forward range 0x%X+0x%X exceeds 0x%X", ErrRange, r.Start, r.Length, MaxForwardEnd)
	}
	return nil
}

// EncodeStreamFirst builds the 38-byte first message of a stream session.
func EncodeStreamFirst(m Message, busNumber uint8, hw HardwareAddr, fwd ForwardRange) ([]byte, error) {
	if err := fwd.Validate(); err != nil {
		return nil, err
	}
	tag, err := clientTag(busNumber)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, StreamFirstSize)
	binary.BigEndian.PutUint32(buf[streamFwdStartOffset:], fwd.Start)
	binary.BigEndian.PutUint32(buf[streamFwdRangeOffset:], fwd.Length)
	binary.BigEndian.PutUint64(buf[streamTagOffset:], tag)
	putHardwareAddr(buf[streamHWOffset:], hw)
	if err := putBody(buf[StreamHeaderSize:], m); err != nil {
		return nil, err
	}
	return buf, nil
}

// Framing selects the outbound wire layout.
type Framing int

const (
	FramingDatagram Framing = iota
	FramingStream
)

// String returns the framing name
func (f Framing) String() string {
	switch f {
	case FramingDatagram:
		return "datagram"
	case FramingStream:
		return "stream"
	default:
		return fmt.Sprintf("framing(%d)", int(f))
	}
}

// Encoder encodes outbound messages for one transport session.
// In stream framing the first message carries the session header and every
// later message is a bare body.
type Encoder struct {
	framing   Framing
	hw        HardwareAddr
	fwd       ForwardRange
	firstSent bool
}

// NewEncoder creates an encoder for the given framing.
func NewEncoder(framing Framing, hw HardwareAddr, fwd ForwardRange) (*Encoder, error) {
	if framing == FramingStream {
		if err := fwd.Validate(); err != nil {
			return nil, err
		}
	}
	return &Encoder{framing: framing, hw: hw, fwd: fwd}, nil
}

// Encode encodes m for the wire.
func (e *Encoder) Encode(m Message, busNumber uint8) ([]byte, error) {
	switch e.framing {
	case FramingDatagram:
		return EncodeDatagram(m, busNumber, e.hw)
	case FramingStream:
		if !e.firstSent {
			buf, err := EncodeStreamFirst(m, busNumber, e.hw, e.fwd)
			if err != nil {
				return nil, err
			}
			e.firstSent = true
			return buf, nil
		}
		return EncodeBody(m)
	default:
		return nil, fmt.Errorf("unknown framing %d", int(e.framing))
	}
}
