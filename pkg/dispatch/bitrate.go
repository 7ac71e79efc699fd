// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Dilithium Power

package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/dilithiumpower/mppt-config/pkg/canbus"
)

// DefaultBitrateTimeout bounds the wait for the bridge heartbeat
const DefaultBitrateTimeout = 2 * time.Second

// BitrateRequest builds the settings message asking the bridge for bps.
func BitrateRequest(bps int) (canbus.Message, error) {
	kbps := bps / 1000
	if kbps <= 0 || kbps > 0xFFFF {
		return canbus.Message{}, fmt.Errorf("%w: bitrate %d bps", canbus.ErrRange, bps)
	}
	return canbus.NewMessage(canbus.SettingsID, canbus.KindSettings,
		[]byte{canbus.SettingsBitrateCmd, byte(kbps >> 8), byte(kbps)})
}

// ParseHeartbeat returns the bitrate a bridge heartbeat reports
func ParseHeartbeat(m canbus.Message) (int, error) {
	if len(m.Data) < 2 {
		return 0, fmt.Errorf("%w: heartbeat carries %d bytes", canbus.ErrRange, len(m.Data))
	}
	return (int(m.Data[0])<<8 | int(m.Data[1])) * 1000, nil
}

// SetBitrate asks the bridge to run the bus at bps and returns the bitrate
// reported by the next heartbeat.
func (d *Dispatcher) SetBitrate(ctx context.Context, bps int, timeout time.Duration) (int, error) {
	req, err := BitrateRequest(bps)
	if err != nil {
		return 0, err
	}

	d.log.Info().Int("bps", bps).Msg("set bitrate")
	reply, err := d.Request(ctx, req, canbus.HeartbeatID, timeout)
	if err != nil {
		return 0, fmt.Errorf("bitrate negotiation: %w", err)
	}

	negotiated, err := ParseHeartbeat(reply)
	if err != nil {
		return 0, err
	}
	if negotiated != bps {
		d.log.Warn().Int("requested", bps).Int("negotiated", negotiated).Msg("bridge negotiated a different bitrate")
	}
	return negotiated, nil
}
