// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Dilithium Power

package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dilithiumpower/mppt-config/pkg/canbus"
)

// Transport defaults
const (
	DefaultQueueSize    = 1000
	DefaultPollInterval = 5 * time.Millisecond

	// readBufferSize holds the largest datagram the bridge sends
	readBufferSize = 1500
)

// Config holds bridge transport settings
type Config struct {
	Mode Mode

	// UDP
	Group     string // multicast group host:port
	Interface string

	// TCP
	Address     string
	DialTimeout time.Duration

	// Serial
	SerialPort string
	BaudRate   int

	// WebSocket
	URL           string
	Username      string
	Password      string
	SkipTLSVerify bool

	// BusNumber is learned from header datagrams when negative. Stream
	// links carry no header and use bus 0 when it is not set.
	BusNumber int

	// Forward is the identifier range requested from stream bridges
	Forward canbus.ForwardRange

	QueueSize    int
	PollInterval time.Duration

	// CapturePath receives the raw traffic log on stop. Empty disables it.
	CapturePath string
}

// DefaultConfig returns the default UDP multicast configuration
func DefaultConfig() Config {
	return Config{
		Mode:         ModeUDP,
		Group:        DefaultGroupAddr(),
		DialTimeout:  5 * time.Second,
		BaudRate:     115200,
		BusNumber:    -1,
		Forward:      canbus.ForwardRange{Start: 0, Length: canbus.MaxForwardEnd},
		QueueSize:    DefaultQueueSize,
		PollInterval: DefaultPollInterval,
		CapturePath:  DefaultCapturePath,
	}
}

// LocalHardwareAddr returns the hardware address used to recognise our own
// multicast traffic.
func LocalHardwareAddr() canbus.HardwareAddr {
	return canbus.HardwareAddrFromBytes(uuid.NodeID())
}

// Transport owns a bridge link. One worker goroutine reads, decodes and
// publishes inbound messages, and encodes and writes outbound messages.
// Nothing else touches the link.
type Transport struct {
	cfg     Config
	link    Link
	local   canbus.HardwareAddr
	encoder *canbus.Encoder
	stream  *canbus.StreamDecoder
	stats   *Statistics
	capture *Capture
	log     zerolog.Logger

	inbound  chan canbus.Message
	outbound chan canbus.Message

	// busNumber is owned by the worker
	busNumber int

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
	stopErr   error
}

// New creates a transport over an open link. Start runs the worker.
func New(cfg Config, link Link, local canbus.HardwareAddr) (*Transport, error) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.BusNumber > 0x0F {
		return nil, fmt.Errorf("%w: bus number %d (max 15)", canbus.ErrRange, cfg.BusNumber)
	}

	encoder, err := canbus.NewEncoder(link.Framing(), local, cfg.Forward)
	if err != nil {
		return nil, err
	}

	busNumber := cfg.BusNumber
	if link.Framing() == canbus.FramingStream && busNumber < 0 {
		busNumber = 0
	}

	t := &Transport{
		cfg:       cfg,
		link:      link,
		local:     local,
		encoder:   encoder,
		stream:    canbus.NewStreamDecoder(),
		stats:     NewStatistics(),
		capture:   NewCapture(local),
		inbound:   make(chan canbus.Message, cfg.QueueSize),
		outbound:  make(chan canbus.Message, cfg.QueueSize),
		busNumber: busNumber,
		done:      make(chan struct{}),
		log:       log.With().Str("component", "bridge").Logger(),
	}
	if busNumber >= 0 {
		t.stats.setBusNumber(busNumber)
	}
	return t, nil
}

// Dial opens the link described by cfg and creates a transport for it
func Dial(cfg Config) (*Transport, error) {
	link, err := Open(cfg)
	if err != nil {
		return nil, err
	}
	t, err := New(cfg, link, LocalHardwareAddr())
	if err != nil {
		link.Close()
		return nil, err
	}
	return t, nil
}

// Start launches the worker. It returns immediately; cancelling ctx has the
// same effect as Stop.
func (t *Transport) Start(ctx context.Context) {
	t.startOnce.Do(func() {
		ctx, t.cancel = context.WithCancel(ctx)
		t.log.Info().
			Str("link", t.link.Description()).
			Str("local", t.local.String()).
			Msg("bridge transport started")
		go t.run(ctx)
	})
}

// Stop signals the worker and waits for it to finish its current iteration,
// close the link and write the capture log. It returns the shutdown error.
func (t *Transport) Stop() error {
	if t.cancel == nil {
		return errors.New("bridge: transport not started")
	}
	t.cancel()
	<-t.done
	return t.stopErr
}

// Inbound returns decoded messages. It is closed when the worker exits.
func (t *Transport) Inbound() <-chan canbus.Message { return t.inbound }

// Outbound accepts messages to send. Callers must stop sending after Stop.
func (t *Transport) Outbound() chan<- canbus.Message { return t.outbound }

// Done is closed when the worker has exited
func (t *Transport) Done() <-chan struct{} { return t.done }

// Stats returns a snapshot of the transport counters
func (t *Transport) Stats() Snapshot { return t.stats.Snapshot() }

// LocalAddr returns the hardware address used for self-echo filtering
func (t *Transport) LocalAddr() canbus.HardwareAddr { return t.local }

// Description returns the link description
func (t *Transport) Description() string { return t.link.Description() }

func (t *Transport) run(ctx context.Context) {
	defer close(t.done)
	defer close(t.inbound)

	buf := make([]byte, readBufferSize)
	for {
		select {
		case <-ctx.Done():
			t.stopErr = t.shutdown()
			return
		default:
		}

		if err := t.receive(buf); err != nil {
			t.log.Error().Err(err).Msg("bridge link failed")
			t.stopErr = errors.Join(err, t.shutdown())
			return
		}
		if t.busNumber >= 0 {
			t.send()
		}
	}
}

// receive performs one read. Only link failures are returned; timeouts and
// malformed data are absorbed.
func (t *Transport) receive(buf []byte) error {
	n, err := t.link.Read(buf, t.cfg.PollInterval)
	if errors.Is(err, ErrReadTimeout) {
		return nil
	}
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	t.stats.recordDatagram()

	now := time.Now()
	var msgs []canbus.Message
	switch t.link.Framing() {
	case canbus.FramingDatagram:
		d, err := canbus.DecodeDatagram(buf[:n], t.local, now)
		if err != nil {
			t.stats.recordFramingError()
			t.log.Warn().Err(err).Int("length", n).Str("data", canbus.FormatBytes(buf[:n])).Msg("dropping datagram")
			return nil
		}
		if d.Header != nil {
			t.learnBusNumber(d.Header.BusNumber)
		}
		if d.SelfEcho {
			t.stats.recordSelfEcho()
			return nil
		}
		msgs = d.Messages
	default:
		var err error
		msgs, err = t.stream.Feed(buf[:n], now)
		if err != nil {
			t.stats.recordFramingError()
			t.log.Warn().Err(err).Msg("dropping stream body")
		}
	}

	for _, m := range msgs {
		t.publish(m)
	}
	return nil
}

func (t *Transport) learnBusNumber(n uint8) {
	if t.cfg.BusNumber >= 0 || t.busNumber == int(n) {
		return
	}
	if t.busNumber < 0 {
		t.log.Info().Uint8("bus", n).Msg("learned bus number")
	} else {
		t.log.Warn().Int("old", t.busNumber).Uint8("new", n).Msg("bus number changed")
	}
	t.busNumber = int(n)
	t.stats.setBusNumber(t.busNumber)
}

// publish hands a message to the inbound channel without blocking
func (t *Transport) publish(m canbus.Message) {
	t.stats.recordReceived()
	if err := t.capture.Add(m); err != nil {
		t.log.Debug().Err(err).Msg("message not captured")
	}

	if m.Kind == canbus.KindHeartbeat {
		t.log.Trace().Str("frame", canbus.FormatFrame(m)).Msg("heartbeat")
	} else {
		t.log.Trace().Str("frame", canbus.FormatFrame(m)).Msg("recv")
	}

	select {
	case t.inbound <- m:
	default:
		t.stats.recordDropped()
		t.log.Warn().Str("frame", canbus.FormatFrame(m)).Msg("inbound queue full, dropped message")
	}
}

// send writes at most one queued outbound message
func (t *Transport) send() {
	var m canbus.Message
	select {
	case m = <-t.outbound:
	default:
		return
	}

	frame, err := t.encoder.Encode(m, uint8(t.busNumber))
	if err != nil {
		t.stats.recordSendError()
		t.log.Error().Err(err).Str("frame", canbus.FormatFrame(m)).Msg("cannot encode outbound message")
		return
	}
	if err := t.link.Write(frame); err != nil {
		t.stats.recordSendError()
		t.log.Error().Err(err).Str("frame", canbus.FormatFrame(m)).Msg("send failed")
		return
	}
	t.stats.recordSent()
	t.log.Trace().Str("frame", canbus.FormatFrame(m)).Msg("sent")
}

func (t *Transport) shutdown() error {
	t.log.Info().Msg("closing bridge link")
	closeErr := t.link.Close()

	snap := t.stats.Snapshot()
	t.capture.Stopped = time.Now()
	t.capture.Sent = snap.Sent
	t.capture.Received = snap.Received

	var captureErr error
	if t.cfg.CapturePath != "" {
		t.log.Info().Str("path", t.cfg.CapturePath).Int("records", len(t.capture.Records)).Msg("writing capture log")
		captureErr = t.capture.WriteFile(t.cfg.CapturePath)
	}

	t.log.Info().
		Uint64("received", snap.Received).
		Uint64("sent", snap.Sent).
		Uint64("dropped", snap.Dropped).
		Msg("bridge transport stopped")
	return errors.Join(closeErr, captureErr)
}
