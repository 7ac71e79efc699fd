// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Dilithium Power

// Package bridge runs the Ethernet bridge transport: a single worker owns the
// link to the bridge and exchanges bus messages with the rest of the program
// through an inbound and an outbound channel.
package bridge

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dilithiumpower/mppt-config/pkg/canbus"
)

// ErrReadTimeout is returned by Link.Read when no data arrived in time.
var ErrReadTimeout = errors.New("bridge: read timeout")

// Link is a raw connection to a bridge.
type Link interface {
	// Read reads one datagram or stream chunk into p, waiting at most
	// timeout. It returns ErrReadTimeout when nothing arrived.
	Read(p []byte, timeout time.Duration) (int, error)

	// Write sends one encoded frame.
	Write(p []byte) error

	// Framing returns the wire layout the link carries.
	Framing() canbus.Framing

	// Description returns a human-readable link description.
	Description() string

	io.Closer
}

// Mode selects the link type
type Mode string

const (
	ModeUDP       Mode = "udp"
	ModeTCP       Mode = "tcp"
	ModeSerial    Mode = "serial"
	ModeWebSocket Mode = "websocket"
)

// ParseMode parses a mode name
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeUDP, ModeTCP, ModeSerial, ModeWebSocket:
		return Mode(s), nil
	case "":
		return ModeUDP, nil
	default:
		return "", fmt.Errorf("unknown bridge mode %q (use udp, tcp, serial or websocket)", s)
	}
}

// Open opens the link selected by cfg.Mode.
func Open(cfg Config) (Link, error) {
	switch cfg.Mode {
	case ModeUDP, "":
		return OpenUDPLink(cfg.Group, cfg.Interface)
	case ModeTCP:
		return OpenTCPLink(cfg.Address, cfg.DialTimeout)
	case ModeSerial:
		return OpenSerialLink(cfg.SerialPort, cfg.BaudRate)
	case ModeWebSocket:
		return OpenWebSocketLink(cfg.URL, cfg.Username, cfg.Password, cfg.SkipTLSVerify)
	default:
		return nil, fmt.Errorf("unknown bridge mode %q", cfg.Mode)
	}
}
