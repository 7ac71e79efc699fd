// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Dilithium Power

package logging

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"", zerolog.InfoLevel},
		{"trace", zerolog.TraceLevel},
		{"DEBUG", zerolog.DebugLevel},
		{"warn", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"disabled", zerolog.Disabled},
		{"off", zerolog.Disabled},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseLevel("chatty")
	assert.Error(t, err)
}

func TestUseConsole(t *testing.T) {
	console, err := useConsole(FormatAuto, true)
	require.NoError(t, err)
	assert.True(t, console)

	console, err = useConsole(FormatAuto, false)
	require.NoError(t, err)
	assert.False(t, console)

	console, err = useConsole(FormatJSON, true)
	require.NoError(t, err)
	assert.False(t, console)

	console, err = useConsole(FormatConsole, false)
	require.NoError(t, err)
	assert.True(t, console)

	_, err = useConsole("xml", false)
	assert.Error(t, err)
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, false)
	l.Info().Str("component", "bridge").Msg("started")

	assert.Contains(t, buf.String(), `"component":"bridge"`)
	assert.Contains(t, buf.String(), `"message":"started"`)
	assert.Contains(t, buf.String(), `"time":`)
}

func TestConfigureRejectsBadInput(t *testing.T) {
	assert.Error(t, Configure("loud", FormatJSON))
	assert.Error(t, Configure("info", "xml"))
}
