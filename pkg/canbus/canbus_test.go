// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Dilithium Power

package canbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================
// Message Tests
// ============================================================

func TestNewMessageSetsDLC(t *testing.T) {
	m, err := NewMessage(0x620, KindStandard, []byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, uint8(3), m.DLC)
	assert.Equal(t, []byte{1, 2, 3}, m.Data)
}

func TestNewMessageCopiesData(t *testing.T) {
	data := []byte{1, 2, 3}
	m := MustMessage(0x620, KindStandard, data)
	data[0] = 0xFF
	assert.Equal(t, byte(1), m.Data[0])
}

func TestMessageValidate(t *testing.T) {
	tests := []struct {
		name    string
		msg     Message
		wantErr bool
	}{
		{"standard max id", Message{ID: 2047, Kind: KindStandard}, false},
		{"standard over max id", Message{ID: 2048, Kind: KindStandard}, true},
		{"standard remote over max id", Message{ID: 2048, Kind: KindStandardRemote}, true},
		{"settings over max id", Message{ID: 2048, Kind: KindSettings}, true},
		{"heartbeat max id", Message{ID: 2047, Kind: KindHeartbeat}, false},
		{"extended max id", Message{ID: 1<<29 - 1, Kind: KindExtended}, false},
		{"extended over max id", Message{ID: 1 << 29, Kind: KindExtended}, true},
		{"extended remote over max id", Message{ID: 1 << 29, Kind: KindExtendedRemote}, true},
		{"unknown kind", Message{ID: 1, Kind: Kind(42)}, true},
		{"dlc matches", Message{ID: 1, DLC: 2, Data: []byte{1, 2}}, false},
		{"dlc zero backfilled", Message{ID: 1, Data: []byte{1, 2}}, false},
		{"dlc mismatch", Message{ID: 1, DLC: 3, Data: []byte{1, 2}}, true},
		{"dlc too large", Message{ID: 1, DLC: 9}, true},
		{"data too long", Message{ID: 1, Data: make([]byte, 9)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrRange)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNormalizeBackfillsDLC(t *testing.T) {
	m, err := Message{ID: 5, Data: []byte{9, 9, 9, 9}}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, uint8(4), m.DLC)
}

func TestMessageByte(t *testing.T) {
	m := MustMessage(1, KindStandard, []byte{0xAA})
	assert.Equal(t, byte(0xAA), m.Byte(0))
	assert.Equal(t, byte(0), m.Byte(1))
	assert.Equal(t, byte(0), m.Byte(-1))
}

// ============================================================
// Flags Tests
// ============================================================

func TestKindFlags(t *testing.T) {
	tests := []struct {
		kind  Kind
		flags byte
	}{
		{KindStandard, 0x00},
		{KindExtended, 0x01},
		{KindStandardRemote, 0x02},
		{KindExtendedRemote, 0x03},
		{KindSettings, 0x40},
		{KindHeartbeat, 0x80},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			assert.Equal(t, tt.flags, tt.kind.Flags())
			assert.Equal(t, tt.kind, KindFromFlags(tt.flags))
		})
	}
}

func TestKindFromFlagsPrecedence(t *testing.T) {
	// settings and heartbeat win over the extended/remote bits
	assert.Equal(t, KindSettings, KindFromFlags(FlagSettings|FlagExtended|FlagRemote))
	assert.Equal(t, KindHeartbeat, KindFromFlags(FlagHeartbeat|FlagExtended))
	assert.Equal(t, KindSettings, KindFromFlags(FlagSettings|FlagHeartbeat))

	// unused bits are ignored
	assert.Equal(t, KindStandard, KindFromFlags(0x3C))
}

func TestKindFlagsBijection(t *testing.T) {
	seen := make(map[byte]Kind)
	for k := KindStandard; k <= KindHeartbeat; k++ {
		f := k.Flags()
		if prev, ok := seen[f]; ok {
			t.Fatalf("%s and %s share flags 0x%02X", prev, k, f)
		}
		seen[f] = k
		assert.Equal(t, k, KindFromFlags(f))
	}
	assert.Len(t, seen, 6)
}

// ============================================================
// Body Codec Tests
// ============================================================

func TestEncodeBodyLayout(t *testing.T) {
	m := MustMessage(0x123, KindStandard, []byte{0xDE, 0xAD})
	body, err := EncodeBody(m)
	require.NoError(t, err)

	want := []byte{0x00, 0x00, 0x01, 0x23, 0x00, 0x02, 0xDE, 0xAD, 0, 0, 0, 0, 0, 0}
	assert.Equal(t, want, body)
}

func TestEncodeBodyRemoteOmitsData(t *testing.T) {
	m := MustMessage(0x600, KindStandardRemote, make([]byte, 8))
	body, err := EncodeBody(m)
	require.NoError(t, err)

	assert.Equal(t, byte(FlagRemote), body[4])
	assert.Equal(t, byte(8), body[5])
	assert.Equal(t, make([]byte, 8), body[6:])
}

func TestEncodeBodyRejectsRange(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{"standard 2048", Message{ID: 2048, Kind: KindStandard}},
		{"extended 2^29", Message{ID: 1 << 29, Kind: KindExtended}},
		{"dlc mismatch", Message{ID: 1, DLC: 8, Data: []byte{1}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := EncodeBody(tt.msg)
			assert.ErrorIs(t, err, ErrRange)
		})
	}
}

func TestEncodeBodyAcceptsLimits(t *testing.T) {
	_, err := EncodeBody(Message{ID: 2047, Kind: KindStandard})
	assert.NoError(t, err)
	_, err = EncodeBody(Message{ID: 1<<29 - 1, Kind: KindExtended})
	assert.NoError(t, err)
}

func TestDecodeBody(t *testing.T) {
	ts := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	body := []byte{0x00, 0x00, 0x06, 0x20, 0x00, 0x08, 1, 2, 3, 4, 5, 6, 7, 8}

	m, err := DecodeBody(body, ts)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x620), m.ID)
	assert.Equal(t, KindStandard, m.Kind)
	assert.Equal(t, uint8(8), m.DLC)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, m.Data)
	assert.Equal(t, ts, m.Timestamp)

	// decoded data must not alias the input
	body[6] = 0xFF
	assert.Equal(t, byte(1), m.Data[0])
}

func TestDecodeBodyErrors(t *testing.T) {
	_, err := DecodeBody(make([]byte, 13), time.Now())
	assert.ErrorIs(t, err, ErrFraming)

	bad := make([]byte, BodySize)
	bad[5] = 9
	_, err = DecodeBody(bad, time.Now())
	assert.ErrorIs(t, err, ErrRange)
}

func TestBodyRoundTrip(t *testing.T) {
	tests := []Message{
		MustMessage(0, KindStandard, nil),
		MustMessage(0x7FF, KindStandard, []byte{1, 2, 3, 4, 5, 6, 7, 8}),
		MustMessage(0x1FFFFFFF, KindExtended, []byte{0xFF}),
		MustMessage(0x600, KindStandardRemote, make([]byte, 8)),
		MustMessage(0x12345, KindExtendedRemote, nil),
		MustMessage(SettingsID, KindSettings, []byte{SettingsBitrateCmd, 0x00, 0x7D}),
		MustMessage(HeartbeatID, KindHeartbeat, []byte{0x00, 0x7D}),
	}

	for _, want := range tests {
		t.Run(FormatFrame(want), func(t *testing.T) {
			body, err := EncodeBody(want)
			require.NoError(t, err)

			got, err := DecodeBody(body, time.Now())
			require.NoError(t, err)
			assert.Equal(t, want.ID, got.ID)
			assert.Equal(t, want.Kind, got.Kind)
			assert.Equal(t, want.DLC, got.DLC)
			assert.Equal(t, want.Data, got.Data)
		})
	}
}
