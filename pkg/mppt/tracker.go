// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Dilithium Power

// Package mppt implements the device protocol of the maximum power point
// tracker: presence probe, telemetry, reset and the control commands.
package mppt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dilithiumpower/mppt-config/pkg/canbus"
	"github.com/dilithiumpower/mppt-config/pkg/dispatch"
	"github.com/dilithiumpower/mppt-config/pkg/eeprom"
)

// Device errors
var (
	ErrNotPresent   = errors.New("mppt: not present")
	ErrBadTelemetry = errors.New("mppt: bad telemetry")
)

// Sub-function offsets from the channel address
const (
	EnableOffset    = 0x10
	DutyCycleOffset = 0x70
)

// Enable command bits
const (
	EnableBit  = 0x01
	LEDsOffBit = 0x02
)

// Defaults
const (
	DefaultProbeRetries = 3
	DefaultProbeTimeout = 100 * time.Millisecond
	DefaultResetSettle  = 6 * time.Second
	DefaultBaseAddress  = 0x600
	MaxChannels         = 16
)

// Device is the discovery and telemetry contract of one device family
type Device interface {
	Address() uint32
	Probe(ctx context.Context) (canbus.Message, error)
	Discover(ctx context.Context) error
	Telemetry(ctx context.Context) (Telemetry, error)
	Reset(ctx context.Context) error
}

// Options tunes the probe and reset timing
type Options struct {
	ProbeRetries int
	ProbeTimeout time.Duration
	ReadTimeout  time.Duration
	ResetSettle  time.Duration
}

// DefaultOptions returns the device protocol defaults
func DefaultOptions() Options {
	return Options{
		ProbeRetries: DefaultProbeRetries,
		ProbeTimeout: DefaultProbeTimeout,
		ReadTimeout:  eeprom.DefaultReadTimeout,
		ResetSettle:  DefaultResetSettle,
	}
}

// Tracker is one tracker at base address + channel
type Tracker struct {
	req     eeprom.Requester
	base    uint32
	channel int
	opts    Options
	memory  *eeprom.Memory
	log     zerolog.Logger
}

var _ Device = (*Tracker)(nil)

// NewTracker binds a tracker to base + channel. No bus traffic is sent.
func NewTracker(req eeprom.Requester, base uint32, channel int, opts Options) (*Tracker, error) {
	if channel < 0 || channel >= MaxChannels {
		return nil, fmt.Errorf("%w: channel %d (0-%d)", canbus.ErrRange, channel, MaxChannels-1)
	}
	address := base + uint32(channel)
	if address+DutyCycleOffset > canbus.MaxStandardID {
		return nil, fmt.Errorf("%w: base address 0x%03X leaves no room for sub-functions", canbus.ErrRange, base)
	}
	if opts.ProbeRetries < 1 {
		opts.ProbeRetries = 1
	}

	mem := eeprom.NewMemory(req, address)
	if opts.ReadTimeout > 0 {
		mem.SetReadTimeout(opts.ReadTimeout)
	}

	return &Tracker{
		req:     req,
		base:    base,
		channel: channel,
		opts:    opts,
		memory:  mem,
		log: log.With().
			Str("component", "mppt").
			Str("address", fmt.Sprintf("0x%03X", address)).
			Logger(),
	}, nil
}

// Address returns the channel address
func (t *Tracker) Address() uint32 { return t.base + uint32(t.channel) }

// Channel returns the channel index
func (t *Tracker) Channel() int { return t.channel }

// Memory returns the tracker's parameter memory
func (t *Tracker) Memory() *eeprom.Memory { return t.memory }

// ProbeRequest builds the remote request that solicits a status reply
func ProbeRequest(address uint32) (canbus.Message, error) {
	return canbus.NewMessage(address, canbus.KindStandardRemote, make([]byte, TelemetrySize))
}

// Probe solicits a status reply, retrying on timeout
func (t *Tracker) Probe(ctx context.Context) (canbus.Message, error) {
	req, err := ProbeRequest(t.Address())
	if err != nil {
		return canbus.Message{}, err
	}

	var lastErr error
	for attempt := 1; attempt <= t.opts.ProbeRetries; attempt++ {
		reply, err := t.req.Request(ctx, req, req.ID, t.opts.ProbeTimeout)
		if err == nil {
			return reply, nil
		}
		if ctx.Err() != nil || errors.Is(err, dispatch.ErrClosed) {
			return canbus.Message{}, err
		}
		lastErr = err
		t.log.Trace().Int("attempt", attempt).Err(err).Msg("probe")
	}
	return canbus.Message{}, fmt.Errorf("%w: 0x%03X after %d attempts: %v",
		ErrNotPresent, t.Address(), t.opts.ProbeRetries, lastErr)
}

// Discover probes the tracker and reads its whole parameter memory
func (t *Tracker) Discover(ctx context.Context) error {
	if _, err := t.Probe(ctx); err != nil {
		t.log.Info().Msg("failed to discover tracker")
		return err
	}
	t.log.Info().Msg("tracker detected")
	return t.memory.BulkRead(ctx)
}

// Telemetry probes the tracker and decodes the status reply
func (t *Tracker) Telemetry(ctx context.Context) (Telemetry, error) {
	reply, err := t.Probe(ctx)
	if err != nil {
		return Telemetry{}, err
	}
	return DecodeTelemetry(t.Address(), reply)
}

// Reset reboots the tracker and waits for the settle period. The tracker is
// unreachable until Reset returns.
func (t *Tracker) Reset(ctx context.Context) error {
	req, err := eeprom.ResetRequest(t.Address())
	if err != nil {
		return err
	}
	if err := t.req.Send(ctx, req); err != nil {
		return fmt.Errorf("reset: %w", err)
	}

	t.log.Info().Dur("settle", t.opts.ResetSettle).Msg("waiting for tracker to initialize")
	timer := time.NewTimer(t.opts.ResetSettle)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ResetAndRediscover resets the tracker and reads its memory again
func (t *Tracker) ResetAndRediscover(ctx context.Context) error {
	if err := t.Reset(ctx); err != nil {
		return err
	}
	return t.Discover(ctx)
}

// EnableRequest builds the enable/LED control command
func EnableRequest(address uint32, enable, leds bool) (canbus.Message, error) {
	var param byte
	if enable {
		param |= EnableBit
	}
	if !leds {
		param |= LEDsOffBit
	}
	return canbus.NewMessage(address+EnableOffset, canbus.KindStandard, []byte{param})
}

// SetEnable switches power tracking and the status LEDs
func (t *Tracker) SetEnable(ctx context.Context, enable, leds bool) error {
	req, err := EnableRequest(t.Address(), enable, leds)
	if err != nil {
		return err
	}
	if err := t.req.Send(ctx, req); err != nil {
		return fmt.Errorf("set enable: %w", err)
	}
	t.log.Info().Bool("enable", enable).Bool("leds", leds).Msg("enable set")
	return nil
}

// DutyCycleRequest builds the fixed duty cycle command
func DutyCycleRequest(address uint32, duty uint16) (canbus.Message, error) {
	return canbus.NewMessage(address+DutyCycleOffset, canbus.KindStandard, []byte{
		byte(duty >> 8), byte(duty),
		0, 0,
		eeprom.WriteTag[0], eeprom.WriteTag[1], eeprom.WriteTag[2],
		0,
	})
}

// SetDutyCycle forces a fixed duty cycle. The tracker ignores it unless
// its testMode parameter is set.
func (t *Tracker) SetDutyCycle(ctx context.Context, duty uint16) error {
	req, err := DutyCycleRequest(t.Address(), duty)
	if err != nil {
		return err
	}
	if err := t.req.Send(ctx, req); err != nil {
		return fmt.Errorf("set duty cycle: %w", err)
	}
	t.log.Info().Uint16("duty", duty).Msg("duty cycle set")
	return nil
}
