// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Dilithium Power

package canbus

import (
	"fmt"
	"strings"
)

// FormatFrame renders a message in SLCAN-style notation without a trailing
// carriage return: t/T/r/R, the identifier, the DLC digit, then data bytes.
// Settings and heartbeat messages use s and h.
func FormatFrame(m Message) string {
	var b strings.Builder

	switch m.Kind {
	case KindStandard:
		b.WriteByte('t')
	case KindStandardRemote:
		b.WriteByte('r')
	case KindExtended:
		b.WriteByte('T')
	case KindExtendedRemote:
		b.WriteByte('R')
	case KindSettings:
		b.WriteByte('s')
	case KindHeartbeat:
		b.WriteByte('h')
	default:
		b.WriteByte('?')
	}

	if m.Kind.IsExtended() {
		fmt.Fprintf(&b, "%08X", m.ID&MaxExtendedID)
	} else {
		fmt.Fprintf(&b, "%03X", m.ID&MaxStandardID)
	}

	b.WriteByte('0' + (m.DLC & 0x0F))

	if !m.Kind.IsRemote() {
		for i := 0; i < int(m.DLC) && i < len(m.Data); i++ {
			fmt.Fprintf(&b, "%02X", m.Data[i])
		}
	}
	return b.String()
}

// FormatMessage formats a message into a human-readable line with timestamp
func FormatMessage(m Message) string {
	timestamp := m.Timestamp.Format("15:04:05.000")
	return fmt.Sprintf("[%s] %-9s id=0x%03X dlc=%d %s", timestamp, m.Kind, m.ID, m.DLC, FormatFrame(m))
}

// FormatBytes formats raw bytes as space separated hex
func FormatBytes(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	var b strings.Builder
	for i, v := range data {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%02X", v)
	}
	return b.String()
}
