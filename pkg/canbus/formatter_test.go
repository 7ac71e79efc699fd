// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Dilithium Power

package canbus

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatFrame(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want string
	}{
		{"standard", MustMessage(0x620, KindStandard, []byte{0x01, 0xAB}), "t6202" + "01AB"},
		{"standard empty", MustMessage(0x001, KindStandard, nil), "t0010"},
		{"standard remote", MustMessage(0x600, KindStandardRemote, make([]byte, 8)), "r6008"},
		{"extended", MustMessage(0x1ABCDEF, KindExtended, []byte{0xFF}), "T01ABCDEF1FF"},
		{"extended remote", MustMessage(0x1ABCDEF, KindExtendedRemote, nil), "R01ABCDEF0"},
		{"settings", MustMessage(SettingsID, KindSettings, []byte{0x85, 0x00, 0x7D}), "s0013" + "85007D"},
		{"heartbeat", MustMessage(HeartbeatID, KindHeartbeat, []byte{0x00, 0x7D}), "h0002" + "007D"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatFrame(tt.msg))
		})
	}
}

func TestFormatMessage(t *testing.T) {
	m := MustMessage(0x620, KindStandard, []byte{0x01})
	m.Timestamp = time.Date(2025, 6, 1, 12, 30, 45, 123000000, time.UTC)

	s := FormatMessage(m)
	assert.True(t, strings.HasPrefix(s, "[12:30:45.123] STD"), s)
	assert.Contains(t, s, "id=0x620")
	assert.Contains(t, s, "t620101")
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "", FormatBytes(nil))
	assert.Equal(t, "00 7D FF", FormatBytes([]byte{0x00, 0x7D, 0xFF}))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "STD_RTR", KindStandardRemote.String())
	assert.Equal(t, "KIND(9)", Kind(9).String())
}
