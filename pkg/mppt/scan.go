// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Dilithium Power

package mppt

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dilithiumpower/mppt-config/pkg/dispatch"
	"github.com/dilithiumpower/mppt-config/pkg/eeprom"
)

// Found is a tracker that answered a scan
type Found struct {
	Tracker         *Tracker
	SerialNumber    int
	FirmwareVersion int

	// ReadErr is set when the tracker answered the probe but its
	// parameter memory could not be read
	ReadErr error
}

// String formats the scan result for display
func (f Found) String() string {
	if f.ReadErr != nil {
		return fmt.Sprintf("channel %2d 0x%03X  error reading SN", f.Tracker.Channel(), f.Tracker.Address())
	}
	return fmt.Sprintf("channel %2d 0x%03X  SN %d SW %d",
		f.Tracker.Channel(), f.Tracker.Address(), f.SerialNumber, f.FirmwareVersion)
}

// Scan discovers channels 0 to channels-1 above base. Channels that do not
// answer are skipped. Only cancellation and a closed transport abort the scan.
func Scan(ctx context.Context, req eeprom.Requester, base uint32, channels int, opts Options) ([]Found, error) {
	if channels > MaxChannels {
		channels = MaxChannels
	}
	logger := log.With().Str("component", "mppt").Logger()
	logger.Info().Str("base", fmt.Sprintf("0x%03X", base)).Int("channels", channels).Msg("discovering trackers")

	var found []Found
	for ch := 0; ch < channels; ch++ {
		t, err := NewTracker(req, base, ch, opts)
		if err != nil {
			return found, err
		}

		err = t.Discover(ctx)
		switch {
		case err == nil:
			tbl := t.Memory().Table()
			found = append(found, Found{
				Tracker:         t,
				SerialNumber:    tbl.SerialNumber(),
				FirmwareVersion: tbl.FirmwareVersion(),
			})
		case errors.Is(err, ErrNotPresent):
			continue
		case ctx.Err() != nil, errors.Is(err, dispatch.ErrClosed):
			return found, err
		default:
			logger.Warn().Err(err).Int("channel", ch).Msg("tracker present but memory unreadable")
			found = append(found, Found{Tracker: t, ReadErr: err})
		}
	}

	logger.Info().Int("found", len(found)).Msg("discovery complete")
	return found, nil
}
