// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Dilithium Power

// Package canbus provides the bus message value object and the wire codec used
// to carry bus traffic over an Ethernet bridge.
//
// A bridge exchanges 14-byte message bodies. Over UDP multicast every datagram
// starts with a 16-byte header (client tag, hardware address) followed by one
// or more bodies. Over a byte stream (TCP or serial) the first message carries a
// 24-byte header with the forwarding range, and every later message is a bare
// body.
package canbus

// Body layout
const (
	BodySize      = 14 // 4 id + 1 flags + 1 dlc + 8 data
	MaxDataLength = 8

	bodyIDOffset    = 0
	bodyFlagsOffset = 4
	bodyDLCOffset   = 5
	bodyDataOffset  = 6
)

// Datagram and stream header layout
const (
	DatagramHeaderSize = 16
	DatagramSize       = DatagramHeaderSize + BodySize // 30

	StreamHeaderSize = 24
	StreamFirstSize  = StreamHeaderSize + BodySize // 38

	datagramBusIDStart = 1
	datagramBusIDEnd   = 8
	datagramBusNumber  = 7
	datagramHWOffset   = 10

	streamFwdStartOffset = 0
	streamFwdRangeOffset = 4
	streamTagOffset      = 8
	streamHWOffset       = 18

	hardwareAddrSize = 6
)

// ClientTag is the magic client identifier sent in every header. The low
// nibble carries the bus number.
const ClientTag uint64 = 0x0054726974697560

// Identifier limits
const (
	MaxStandardID = 1<<11 - 1
	MaxExtendedID = 1<<29 - 1

	// MaxForwardEnd bounds ForwardRange.Start + ForwardRange.Length.
	MaxForwardEnd = 1 << 29
)

// Flag bits
const (
	FlagExtended  = 0x01
	FlagRemote    = 0x02
	FlagSettings  = 0x40
	FlagHeartbeat = 0x80
)

// Bridge network defaults
const (
	DefaultGroup = "239.255.60.60"
	DefaultPort  = 4876
)

// Bridge settings
const (
	SettingsID         = 0x01
	HeartbeatID        = 0x00
	SettingsBitrateCmd = 0x85
)
