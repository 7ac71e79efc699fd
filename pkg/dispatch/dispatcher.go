// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Dilithium Power

// Package dispatch files inbound bus messages into per-identifier reply
// queues and provides the blocking request/reply primitives every device
// protocol is built on.
//
// Replies are matched by identifier only. Two requests in flight to the same
// identifier race for replies, so callers keep one outstanding request per
// device address. Distinct identifiers may be used concurrently.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dilithiumpower/mppt-config/pkg/canbus"
)

// Dispatcher errors
var (
	// ErrTimeout reports that no matching reply arrived before the deadline,
	// or that the inbound channel was still backed up when a drain ran out
	// of time.
	ErrTimeout = errors.New("dispatch: timeout")

	// ErrBackpressure reports an outbound channel that stayed full for the
	// whole send timeout.
	ErrBackpressure = errors.New("dispatch: outbound queue full")

	// ErrClosed reports a stopped transport.
	ErrClosed = errors.New("dispatch: transport closed")
)

// Defaults
const (
	DefaultSendTimeout  = time.Second
	DefaultDrainTimeout = time.Second
)

// Bus is the message interface of a running transport
type Bus interface {
	Inbound() <-chan canbus.Message
	Outbound() chan<- canbus.Message
	Done() <-chan struct{}
}

// Dispatcher buckets inbound messages by identifier
type Dispatcher struct {
	bus          Bus
	sendTimeout  time.Duration
	drainTimeout time.Duration
	log          zerolog.Logger

	mu     sync.Mutex
	queues map[uint32][]canbus.Message
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithSendTimeout bounds how long Send waits on a full outbound channel
func WithSendTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) { disp.sendTimeout = d }
}

// WithDrainTimeout bounds a single drain pass inside WaitFor and Flush
func WithDrainTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) { disp.drainTimeout = d }
}

// WithLogger replaces the component logger
func WithLogger(l zerolog.Logger) Option {
	return func(disp *Dispatcher) { disp.log = l }
}

// New creates a dispatcher reading from bus
func New(bus Bus, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		bus:          bus,
		sendTimeout:  DefaultSendTimeout,
		drainTimeout: DefaultDrainTimeout,
		log:          log.With().Str("component", "dispatch").Logger(),
		queues:       make(map[uint32][]canbus.Message),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// file appends m to the queue for its identifier
func (d *Dispatcher) file(m canbus.Message) {
	d.mu.Lock()
	d.queues[m.ID] = append(d.queues[m.ID], m)
	d.mu.Unlock()
}

// pop removes the oldest queued message for id
func (d *Dispatcher) pop(id uint32) (canbus.Message, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[id]
	if len(q) == 0 {
		return canbus.Message{}, false
	}
	m := q[0]
	q[0] = canbus.Message{}
	d.queues[id] = q[1:]
	return m, true
}

// Pending returns the number of queued messages for id
func (d *Dispatcher) Pending(id uint32) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues[id])
}

// Reset discards every queued message
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	d.queues = make(map[uint32][]canbus.Message)
	d.mu.Unlock()
}

// DrainAvailable moves every message currently in the inbound channel into
// the reply queues without blocking. It returns ErrTimeout when deadline
// passes while the channel still holds messages, and ErrClosed once the
// transport has stopped and the channel is empty.
func (d *Dispatcher) DrainAvailable(deadline time.Time) error {
	inbound := d.bus.Inbound()
	for {
		select {
		case m, ok := <-inbound:
			if !ok {
				return ErrClosed
			}
			d.file(m)
		default:
			return nil
		}

		if time.Now().After(deadline) {
			if len(inbound) > 0 {
				return fmt.Errorf("%w: %d messages still waiting at drain deadline", ErrTimeout, len(inbound))
			}
			return nil
		}
	}
}

// drainPass drains for at most the drain timeout, capped at deadline.
// Backlog timeouts are logged; only ErrClosed is returned.
func (d *Dispatcher) drainPass(deadline time.Time) error {
	passDeadline := time.Now().Add(d.drainTimeout)
	if deadline.Before(passDeadline) {
		passDeadline = deadline
	}
	err := d.DrainAvailable(passDeadline)
	if errors.Is(err, ErrTimeout) {
		d.log.Warn().Err(err).Msg("inbound backlog")
		return nil
	}
	return err
}

// WaitFor returns the oldest message with identifier id, waiting at most
// timeout for one to arrive. It fails with ErrTimeout no earlier than timeout.
func (d *Dispatcher) WaitFor(ctx context.Context, id uint32, timeout time.Duration) (canbus.Message, error) {
	deadline := time.Now().Add(timeout)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	inbound := d.bus.Inbound()
	for {
		if m, ok := d.pop(id); ok {
			return m, nil
		}
		drainErr := d.drainPass(deadline)
		if m, ok := d.pop(id); ok {
			return m, nil
		}
		if drainErr != nil {
			return canbus.Message{}, drainErr
		}

		select {
		case m, ok := <-inbound:
			if !ok {
				return canbus.Message{}, ErrClosed
			}
			d.file(m)
		case <-timer.C:
			if m, ok := d.pop(id); ok {
				return m, nil
			}
			return canbus.Message{}, fmt.Errorf("%w: no reply from 0x%03X after %s", ErrTimeout, id, timeout)
		case <-ctx.Done():
			return canbus.Message{}, ctx.Err()
		}
	}
}

// Send validates m and queues it for the transport. A full outbound channel
// is waited on for the send timeout, then reported as ErrBackpressure.
func (d *Dispatcher) Send(ctx context.Context, m canbus.Message) error {
	m, err := m.Normalize()
	if err != nil {
		return err
	}

	select {
	case <-d.bus.Done():
		return ErrClosed
	default:
	}

	outbound := d.bus.Outbound()
	select {
	case outbound <- m:
		return nil
	default:
	}

	timer := time.NewTimer(d.sendTimeout)
	defer timer.Stop()

	select {
	case outbound <- m:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: %s not queued after %s", ErrBackpressure, canbus.FormatFrame(m), d.sendTimeout)
	case <-d.bus.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush drains the inbound channel and discards every queued message for id,
// repeating until a pass finds none. It returns the number discarded.
func (d *Dispatcher) Flush(id uint32) int {
	discarded := 0
	for {
		// a closed transport still leaves queued messages to discard
		_ = d.drainPass(time.Now().Add(d.drainTimeout))

		d.mu.Lock()
		n := len(d.queues[id])
		delete(d.queues, id)
		d.mu.Unlock()

		if n == 0 {
			if discarded > 0 {
				d.log.Debug().Uint32("id", id).Int("count", discarded).Msg("flushed stale replies")
			}
			return discarded
		}
		discarded += n
	}
}

// Request flushes stale replies for replyID, sends m and waits for a reply
func (d *Dispatcher) Request(ctx context.Context, m canbus.Message, replyID uint32, timeout time.Duration) (canbus.Message, error) {
	d.Flush(replyID)
	if err := d.Send(ctx, m); err != nil {
		return canbus.Message{}, err
	}
	return d.WaitFor(ctx, replyID, timeout)
}
