// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Dilithium Power

package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dilithiumpower/mppt-config/pkg/canbus"
)

// chanBus is a Bus backed by plain channels
type chanBus struct {
	in   chan canbus.Message
	out  chan canbus.Message
	done chan struct{}
}

func newChanBus(size int) *chanBus {
	return &chanBus{
		in:   make(chan canbus.Message, size),
		out:  make(chan canbus.Message, size),
		done: make(chan struct{}),
	}
}

func (b *chanBus) Inbound() <-chan canbus.Message  { return b.in }
func (b *chanBus) Outbound() chan<- canbus.Message { return b.out }
func (b *chanBus) Done() <-chan struct{}           { return b.done }

// respond answers every outbound message using reply until ctx ends
func (b *chanBus) respond(ctx context.Context, reply func(canbus.Message) []canbus.Message) {
	go func() {
		for {
			select {
			case m := <-b.out:
				for _, r := range reply(m) {
					b.in <- r
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func msg(id uint32, data ...byte) canbus.Message {
	return canbus.MustMessage(id, canbus.KindStandard, data)
}

func TestWaitForReturnsQueuedFIFO(t *testing.T) {
	bus := newChanBus(10)
	d := New(bus)

	bus.in <- msg(0x620, 1)
	bus.in <- msg(0x621, 9)
	bus.in <- msg(0x620, 2)

	m, err := d.WaitFor(context.Background(), 0x620, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, m.Data)

	m, err = d.WaitFor(context.Background(), 0x620, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []byte{2}, m.Data)

	assert.Equal(t, 1, d.Pending(0x621))
	assert.Equal(t, 0, d.Pending(0x620))
}

func TestWaitForLateArrival(t *testing.T) {
	bus := newChanBus(10)
	d := New(bus)

	go func() {
		time.Sleep(20 * time.Millisecond)
		bus.in <- msg(0x600, 7)
	}()

	m, err := d.WaitFor(context.Background(), 0x600, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{7}, m.Data)
}

func TestWaitForTimeoutLaw(t *testing.T) {
	bus := newChanBus(10)
	d := New(bus)
	timeout := 50 * time.Millisecond

	// unrelated traffic keeps arriving but never matches
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				select {
				case bus.in <- msg(0x700):
				default:
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	start := time.Now()
	_, err := d.WaitFor(context.Background(), 0x600, timeout)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+250*time.Millisecond)
}

func TestWaitForContextCancel(t *testing.T) {
	bus := newChanBus(10)
	d := New(bus)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := d.WaitFor(ctx, 0x600, time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWaitForClosedTransport(t *testing.T) {
	bus := newChanBus(10)
	d := New(bus)

	bus.in <- msg(0x600, 1)
	close(bus.in)

	// buffered replies are still delivered
	m, err := d.WaitFor(context.Background(), 0x600, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, m.Data)

	_, err = d.WaitFor(context.Background(), 0x600, 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDrainAvailableBacklog(t *testing.T) {
	bus := newChanBus(10)
	d := New(bus)
	for i := 0; i < 5; i++ {
		bus.in <- msg(0x600)
	}

	err := d.DrainAvailable(time.Now().Add(-time.Millisecond))
	assert.ErrorIs(t, err, ErrTimeout)

	require.NoError(t, d.DrainAvailable(time.Now().Add(time.Second)))
	assert.Equal(t, 5, d.Pending(0x600))
}

func TestDrainAvailableEmpty(t *testing.T) {
	d := New(newChanBus(1))
	assert.NoError(t, d.DrainAvailable(time.Now()))
}

func TestSendValidates(t *testing.T) {
	bus := newChanBus(1)
	d := New(bus)

	err := d.Send(context.Background(), canbus.Message{ID: 2048, Kind: canbus.KindStandard})
	assert.ErrorIs(t, err, canbus.ErrRange)
	assert.Empty(t, bus.out)

	require.NoError(t, d.Send(context.Background(), canbus.Message{ID: 5, Data: []byte{1, 2}}))
	sent := <-bus.out
	assert.Equal(t, uint8(2), sent.DLC)
}

func TestSendBackpressure(t *testing.T) {
	bus := newChanBus(1)
	d := New(bus, WithSendTimeout(20*time.Millisecond))

	require.NoError(t, d.Send(context.Background(), msg(1)))

	start := time.Now()
	err := d.Send(context.Background(), msg(2))
	assert.ErrorIs(t, err, ErrBackpressure)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	// the first message is still queued, nothing was dropped
	assert.Len(t, bus.out, 1)
}

func TestSendWaitsForSpace(t *testing.T) {
	bus := newChanBus(1)
	d := New(bus, WithSendTimeout(time.Second))
	require.NoError(t, d.Send(context.Background(), msg(1)))

	go func() {
		time.Sleep(10 * time.Millisecond)
		<-bus.out
	}()
	assert.NoError(t, d.Send(context.Background(), msg(2)))
}

func TestSendAfterClose(t *testing.T) {
	bus := newChanBus(1)
	d := New(bus)
	close(bus.done)

	assert.ErrorIs(t, d.Send(context.Background(), msg(1)), ErrClosed)
}

func TestFlush(t *testing.T) {
	bus := newChanBus(10)
	d := New(bus)

	bus.in <- msg(0x620, 1)
	bus.in <- msg(0x620, 2)
	bus.in <- msg(0x621, 3)

	assert.Equal(t, 2, d.Flush(0x620))
	assert.Equal(t, 0, d.Pending(0x620))
	assert.Equal(t, 1, d.Pending(0x621))
	assert.Equal(t, 0, d.Flush(0x620))
}

func TestRequestIgnoresStaleReply(t *testing.T) {
	bus := newChanBus(10)
	d := New(bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.respond(ctx, func(m canbus.Message) []canbus.Message {
		return []canbus.Message{msg(m.ID, 0xAA)}
	})

	// a stale reply from an earlier exchange
	bus.in <- msg(0x620, 0x55)

	reply, err := d.Request(ctx, msg(0x620), 0x620, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xAA}, reply.Data)
}

func TestReset(t *testing.T) {
	bus := newChanBus(10)
	d := New(bus)
	bus.in <- msg(0x620)
	require.NoError(t, d.DrainAvailable(time.Now().Add(time.Second)))
	require.Equal(t, 1, d.Pending(0x620))

	d.Reset()
	assert.Equal(t, 0, d.Pending(0x620))
}

// ============================================================
// Bitrate Tests
// ============================================================

func TestBitrateRequest(t *testing.T) {
	m, err := BitrateRequest(125000)
	require.NoError(t, err)
	assert.Equal(t, uint32(canbus.SettingsID), m.ID)
	assert.Equal(t, canbus.KindSettings, m.Kind)
	assert.Equal(t, []byte{0x85, 0x00, 0x7D}, m.Data)

	m, err = BitrateRequest(1000000)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x85, 0x03, 0xE8}, m.Data)

	_, err = BitrateRequest(500)
	assert.ErrorIs(t, err, canbus.ErrRange)
}

func TestParseHeartbeat(t *testing.T) {
	bps, err := ParseHeartbeat(canbus.MustMessage(0, canbus.KindHeartbeat, []byte{0x01, 0xF4, 0, 0}))
	require.NoError(t, err)
	assert.Equal(t, 500000, bps)

	_, err = ParseHeartbeat(canbus.MustMessage(0, canbus.KindHeartbeat, []byte{0x01}))
	assert.ErrorIs(t, err, canbus.ErrRange)
}

func TestSetBitrate(t *testing.T) {
	bus := newChanBus(10)
	d := New(bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.respond(ctx, func(m canbus.Message) []canbus.Message {
		if m.Kind != canbus.KindSettings {
			return nil
		}
		return []canbus.Message{canbus.MustMessage(canbus.HeartbeatID, canbus.KindHeartbeat, []byte{m.Data[1], m.Data[2]})}
	})

	bps, err := d.SetBitrate(ctx, 250000, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 250000, bps)
}

func TestSetBitrateTimeout(t *testing.T) {
	d := New(newChanBus(10))

	_, err := d.SetBitrate(context.Background(), 125000, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}
