// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Dilithium Power

// Package simulator provides an in-process bridge populated with simulated
// trackers. It stands in for the network transport in demo mode and tests.
package simulator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dilithiumpower/mppt-config/pkg/canbus"
	"github.com/dilithiumpower/mppt-config/pkg/eeprom"
	"github.com/dilithiumpower/mppt-config/pkg/mppt"
)

// Defaults
const (
	DefaultQueueSize  = 1000
	DefaultRebootTime = time.Second
	DefaultBitrate    = 125000
)

// Simulated hardware addresses
const (
	ClientAddr canbus.HardwareAddr = 0x02005A000001
	BridgeAddr canbus.HardwareAddr = 0x02005A0000FE
)

var offsets = []uint32{0, mppt.EnableOffset, eeprom.ReadOffset, eeprom.WriteOffset, mppt.DutyCycleOffset}

// Bus is a simulated bridge. It implements the same message interface as
// the network transport.
type Bus struct {
	in   chan canbus.Message
	out  chan canbus.Message
	done chan struct{}
	stop chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	started   bool

	rebootTime time.Duration
	log        zerolog.Logger

	mu       sync.Mutex
	trackers map[uint32]*Tracker
	bitrate  int
	sent     int
	received int
}

// Option configures a Bus
type Option func(*Bus)

// WithQueueSize sets the capacity of both message channels
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		b.in = make(chan canbus.Message, n)
		b.out = make(chan canbus.Message, n)
	}
}

// WithRebootTime sets how long a reset tracker stays silent
func WithRebootTime(d time.Duration) Option {
	return func(b *Bus) { b.rebootTime = d }
}

// New creates a simulated bridge with no trackers
func New(opts ...Option) *Bus {
	b := &Bus{
		in:         make(chan canbus.Message, DefaultQueueSize),
		out:        make(chan canbus.Message, DefaultQueueSize),
		done:       make(chan struct{}),
		stop:       make(chan struct{}),
		rebootTime: DefaultRebootTime,
		log:        log.With().Str("component", "simulator").Logger(),
		trackers:   make(map[uint32]*Tracker),
		bitrate:    DefaultBitrate,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NewPopulated creates a simulated bridge with trackers on the given channels
// above base. Serial numbers count up from firstSerial.
func NewPopulated(base uint32, channels []int, firstSerial int, opts ...Option) *Bus {
	b := New(opts...)
	for i, ch := range channels {
		b.AddTracker(base, ch, firstSerial+i)
	}
	return b
}

// AddTracker places a simulated tracker at base + channel
func (b *Bus) AddTracker(base uint32, channel, serial int) *Tracker {
	t := newTracker(base, channel, serial, b.rebootTime)
	b.mu.Lock()
	b.trackers[t.address] = t
	b.mu.Unlock()
	return t
}

// Tracker returns the simulated tracker at address
func (b *Bus) Tracker(address uint32) (*Tracker, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.trackers[address]
	return t, ok
}

// Bitrate returns the last negotiated bitrate in bits per second
func (b *Bus) Bitrate() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bitrate
}

// Inbound returns messages from the simulated bus
func (b *Bus) Inbound() <-chan canbus.Message { return b.in }

// Outbound accepts messages for the simulated bus
func (b *Bus) Outbound() chan<- canbus.Message { return b.out }

// Done is closed when the simulator stops
func (b *Bus) Done() <-chan struct{} { return b.done }

// Description names the link for display
func (b *Bus) Description() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fmt.Sprintf("simulator (%d trackers)", len(b.trackers))
}

// Start runs the simulator until ctx ends or Stop is called
func (b *Bus) Start(ctx context.Context) {
	b.startOnce.Do(func() {
		b.mu.Lock()
		b.started = true
		b.mu.Unlock()
		go b.run(ctx)
	})
}

// Stop ends the simulator and waits for it to exit
func (b *Bus) Stop() error {
	b.stopOnce.Do(func() { close(b.stop) })

	b.mu.Lock()
	started := b.started
	b.mu.Unlock()
	if started {
		<-b.done
	}
	return nil
}

func (b *Bus) run(ctx context.Context) {
	defer close(b.done)
	defer close(b.in)

	b.log.Info().Msg("simulated bridge started")
	for {
		select {
		case <-ctx.Done():
			b.shutdown()
			return
		case <-b.stop:
			b.shutdown()
			return
		case m := <-b.out:
			for _, r := range b.handle(m, time.Now()) {
				select {
				case b.in <- r:
				default:
					b.log.Warn().Str("frame", canbus.FormatFrame(r)).Msg("inbound channel full, dropping message")
				}
			}
		}
	}
}

func (b *Bus) shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.log.Info().Int("sent", b.sent).Int("received", b.received).Msg("simulated bridge stopped")
}

// handle passes m through the datagram codec as the bridge would see it
// and returns the replies, again passed through the codec.
func (b *Bus) handle(m canbus.Message, now time.Time) []canbus.Message {
	req, err := loop(m, ClientAddr, BridgeAddr, now)
	if err != nil {
		b.log.Warn().Err(err).Msg("dropping outbound message")
		return nil
	}
	b.log.Trace().Str("frame", canbus.FormatFrame(req)).Msg("tx")

	b.mu.Lock()
	b.sent++
	b.mu.Unlock()

	var replies []canbus.Message
	for _, r := range b.respond(req, now) {
		decoded, err := loop(r, BridgeAddr, ClientAddr, now)
		if err != nil {
			b.log.Warn().Err(err).Msg("dropping simulated reply")
			continue
		}
		b.log.Trace().Str("frame", canbus.FormatFrame(decoded)).Msg("rx")
		replies = append(replies, decoded)
	}

	b.mu.Lock()
	b.received += len(replies)
	b.mu.Unlock()
	return replies
}

// respond produces the bus traffic answering req
func (b *Bus) respond(req canbus.Message, now time.Time) []canbus.Message {
	if req.Kind == canbus.KindSettings && req.ID == canbus.SettingsID {
		return b.settings(req)
	}

	b.mu.Lock()
	var target *Tracker
	var offset uint32
	for _, off := range offsets {
		if req.ID < off {
			continue
		}
		if t, ok := b.trackers[req.ID-off]; ok {
			target, offset = t, off
			break
		}
	}
	b.mu.Unlock()

	if target == nil {
		return nil
	}
	return target.handle(req, offset, now)
}

func (b *Bus) settings(req canbus.Message) []canbus.Message {
	if req.Byte(0) != canbus.SettingsBitrateCmd {
		return nil
	}
	hi, lo := req.Byte(1), req.Byte(2)

	b.mu.Lock()
	b.bitrate = (int(hi)<<8 | int(lo)) * 1000
	b.mu.Unlock()

	hb, err := canbus.NewMessage(canbus.HeartbeatID, canbus.KindHeartbeat, []byte{hi, lo, 0, 0, 0, 0, 0, 0})
	if err != nil {
		return nil
	}
	return []canbus.Message{hb}
}

// loop encodes m into a header datagram from src and decodes it at dst
func loop(m canbus.Message, src, dst canbus.HardwareAddr, now time.Time) (canbus.Message, error) {
	buf, err := canbus.EncodeDatagram(m, 0, src)
	if err != nil {
		return canbus.Message{}, err
	}
	d, err := canbus.DecodeDatagram(buf, dst, now)
	if err != nil {
		return canbus.Message{}, err
	}
	if len(d.Messages) != 1 {
		return canbus.Message{}, fmt.Errorf("%w: %d messages in looped datagram", canbus.ErrFraming, len(d.Messages))
	}
	return d.Messages[0], nil
}
