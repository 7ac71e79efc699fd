// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Dilithium Power

package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/term"

	"github.com/dilithiumpower/mppt-config/internal/config"
	"github.com/dilithiumpower/mppt-config/internal/simulator"
	"github.com/dilithiumpower/mppt-config/pkg/bridge"
	"github.com/dilithiumpower/mppt-config/pkg/dispatch"
	"github.com/dilithiumpower/mppt-config/pkg/mppt"
)

// firstSimulatedSerial is the serial number of the first demo tracker
const firstSimulatedSerial = 1001

// busRunner is a bus a session can start and stop: the bridge transport or
// the simulator
type busRunner interface {
	dispatch.Bus
	Description() string
	Start(ctx context.Context)
	Stop() error
}

// session is an open bus with its dispatcher
type session struct {
	bus       busRunner
	transport *bridge.Transport // nil in demo mode
	disp      *dispatch.Dispatcher
	cfg       *config.Config
	cancel    context.CancelFunc
}

// openSession connects to the bridge (or the simulator with --simulate),
// starts the worker and negotiates the configured bitrate.
func openSession(ctx context.Context, c *config.Config) (*session, error) {
	s := &session{cfg: c}

	if simulate {
		chans, err := parseChannels(simulateChannels)
		if err != nil {
			return nil, err
		}
		s.bus = simulator.NewPopulated(c.Bus.BaseAddress, chans, firstSimulatedSerial)
	} else {
		opts, err := c.BridgeOptions()
		if err != nil {
			return nil, err
		}
		if opts.Mode == bridge.ModeWebSocket && opts.Username != "" && opts.Password == "" {
			if opts.Password, err = getPassword(); err != nil {
				return nil, err
			}
		}
		t, err := bridge.Dial(opts)
		if err != nil {
			return nil, err
		}
		s.transport = t
		s.bus = t
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.bus.Start(runCtx)
	s.disp = dispatch.New(s.bus, dispatch.WithSendTimeout(c.Protocol.SendTimeout))

	log.Info().Str("link", s.bus.Description()).Msg("connected")

	if c.Bus.Bitrate > 0 {
		got, err := s.disp.SetBitrate(ctx, c.Bus.Bitrate, c.Protocol.BitrateTimeout)
		switch {
		case ctx.Err() != nil:
			s.Close()
			return nil, ctx.Err()
		case errors.Is(err, dispatch.ErrClosed):
			s.Close()
			return nil, err
		case err != nil:
			log.Warn().Err(err).Int("bitrate", c.Bus.Bitrate).Msg("bitrate not confirmed by bridge")
		case got != c.Bus.Bitrate:
			log.Warn().Int("requested", c.Bus.Bitrate).Int("negotiated", got).Msg("bridge chose a different bitrate")
		default:
			log.Debug().Int("bitrate", got).Msg("bitrate set")
		}
	}
	return s, nil
}

// Description returns the link description
func (s *session) Description() string { return s.bus.Description() }

// Stats returns transport statistics, false in demo mode
func (s *session) Stats() (bridge.Snapshot, bool) {
	if s.transport == nil {
		return bridge.Snapshot{}, false
	}
	return s.transport.Stats(), true
}

// Close gives the worker time to write queued messages, then stops it,
// waits for it to finish and discards unclaimed replies
func (s *session) Close() {
	deadline := time.Now().Add(s.cfg.Protocol.SendTimeout)
	for len(s.bus.Outbound()) > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := s.bus.Stop(); err != nil {
		log.Warn().Err(err).Msg("bridge shutdown")
	}
	s.disp.Reset()
	s.cancel()
}

// tracker returns the tracker on channel using the configured base address
func (s *session) tracker(channel int) (*mppt.Tracker, error) {
	return mppt.NewTracker(s.disp, s.cfg.Bus.BaseAddress, channel, s.cfg.DeviceOptions())
}

// discover opens the tracker on channel and reads its parameter memory
func (s *session) discover(ctx context.Context, channel int) (*mppt.Tracker, error) {
	t, err := s.tracker(channel)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	if err := t.Discover(ctx); err != nil {
		return nil, fmt.Errorf("tracker 0x%03X: %w", t.Address(), err)
	}
	log.Debug().
		Str("address", fmt.Sprintf("0x%03X", t.Address())).
		Int("serial", t.Memory().Table().SerialNumber()).
		Dur("took", time.Since(start)).
		Msg("discovered")
	return t, nil
}

// getPassword prompts for the bridge password without echo
func getPassword() (string, error) {
	fmt.Fprint(os.Stderr, "Password: ")

	passwordBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		// Not a terminal, read a line instead
		reader := bufio.NewReader(os.Stdin)
		password, err := reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		fmt.Fprintln(os.Stderr)
		return strings.TrimSpace(password), nil
	}

	fmt.Fprintln(os.Stderr)
	return string(passwordBytes), nil
}
