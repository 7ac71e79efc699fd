// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Dilithium Power

package bridge

import (
	"context"
	"encoding/binary"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dilithiumpower/mppt-config/pkg/canbus"
)

const (
	testLocal canbus.HardwareAddr = 0x0242AC110002
	testPeer  canbus.HardwareAddr = 0x00D0C9A1B2C3
)

// memLink is an in-memory Link
type memLink struct {
	framing canbus.Framing
	rx      chan []byte

	mu      sync.Mutex
	written [][]byte
	closed  bool
	readErr error
}

func newMemLink(framing canbus.Framing) *memLink {
	return &memLink{framing: framing, rx: make(chan []byte, 64)}
}

func (l *memLink) Read(p []byte, timeout time.Duration) (int, error) {
	l.mu.Lock()
	err := l.readErr
	l.mu.Unlock()
	if err != nil {
		return 0, err
	}

	select {
	case b := <-l.rx:
		return copy(p, b), nil
	case <-time.After(timeout):
		return 0, ErrReadTimeout
	}
}

func (l *memLink) Write(p []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.written = append(l.written, append([]byte(nil), p...))
	return nil
}

func (l *memLink) Framing() canbus.Framing { return l.framing }
func (l *memLink) Description() string     { return "memory" }

func (l *memLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *memLink) Written() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]byte(nil), l.written...)
}

func (l *memLink) failReads(err error) {
	l.mu.Lock()
	l.readErr = err
	l.mu.Unlock()
}

func testConfig(t *testing.T) Config {
	cfg := DefaultConfig()
	cfg.PollInterval = time.Millisecond
	cfg.CapturePath = filepath.Join(t.TempDir(), "capture.bin")
	return cfg
}

func startTransport(t *testing.T, cfg Config, link Link) *Transport {
	t.Helper()
	tr, err := New(cfg, link, testLocal)
	require.NoError(t, err)
	tr.Start(context.Background())
	t.Cleanup(func() { _ = tr.Stop() })
	return tr
}

func peerDatagram(t *testing.T, bus uint8, hw canbus.HardwareAddr, msgs ...canbus.Message) []byte {
	t.Helper()
	buf, err := canbus.EncodeDatagram(msgs[0], bus, hw)
	require.NoError(t, err)
	for _, m := range msgs[1:] {
		body, err := canbus.EncodeBody(m)
		require.NoError(t, err)
		buf = append(buf, body...)
	}
	return buf
}

func receiveOne(t *testing.T, tr *Transport) canbus.Message {
	t.Helper()
	select {
	case m := <-tr.Inbound():
		return m
	case <-time.After(time.Second):
		t.Fatal("no inbound message")
		return canbus.Message{}
	}
}

func TestTransportReceivesAndLearnsBusNumber(t *testing.T) {
	link := newMemLink(canbus.FramingDatagram)
	tr := startTransport(t, testConfig(t), link)

	want := canbus.MustMessage(0x620, canbus.KindStandard, []byte{1, 2, 3})
	link.rx <- peerDatagram(t, 7, testPeer, want)

	got := receiveOne(t, tr)
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.Data, got.Data)
	assert.False(t, got.Timestamp.IsZero())

	require.Eventually(t, func() bool { return tr.Stats().BusNumber == 7 }, time.Second, time.Millisecond)
}

func TestTransportSendsOnlyAfterBusNumberKnown(t *testing.T) {
	link := newMemLink(canbus.FramingDatagram)
	tr := startTransport(t, testConfig(t), link)

	tr.Outbound() <- canbus.MustMessage(canbus.SettingsID, canbus.KindSettings, []byte{0x85, 0x00, 0x7D})
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, link.Written())

	link.rx <- peerDatagram(t, 3, testPeer, canbus.MustMessage(canbus.HeartbeatID, canbus.KindHeartbeat, []byte{0, 0x7D}))

	require.Eventually(t, func() bool { return len(link.Written()) == 1 }, time.Second, time.Millisecond)
	frame := link.Written()[0]
	require.Len(t, frame, canbus.DatagramSize)
	assert.Equal(t, canbus.ClientTag|3, binary.BigEndian.Uint64(frame[0:8]))
	assert.Equal(t, byte(canbus.FlagSettings), frame[20])
	assert.Equal(t, uint64(1), tr.Stats().Sent)
}

func TestTransportConfiguredBusNumberSendsImmediately(t *testing.T) {
	link := newMemLink(canbus.FramingDatagram)
	cfg := testConfig(t)
	cfg.BusNumber = 2
	tr := startTransport(t, cfg, link)

	tr.Outbound() <- canbus.MustMessage(0x600, canbus.KindStandardRemote, make([]byte, 8))
	require.Eventually(t, func() bool { return len(link.Written()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, canbus.ClientTag|2, binary.BigEndian.Uint64(link.Written()[0][0:8]))
}

func TestTransportFiltersSelfEcho(t *testing.T) {
	link := newMemLink(canbus.FramingDatagram)
	tr := startTransport(t, testConfig(t), link)

	link.rx <- peerDatagram(t, 1, testLocal, canbus.MustMessage(0x600, canbus.KindStandard, []byte{0xFF}))
	link.rx <- peerDatagram(t, 1, testPeer, canbus.MustMessage(0x601, canbus.KindStandard, nil))

	got := receiveOne(t, tr)
	assert.Equal(t, uint32(0x601), got.ID)
	assert.Equal(t, uint64(1), tr.Stats().SelfEchoes)
	assert.Equal(t, uint64(1), tr.Stats().Received)
}

func TestTransportDropsWhenInboundFull(t *testing.T) {
	link := newMemLink(canbus.FramingDatagram)
	cfg := testConfig(t)
	cfg.QueueSize = 1
	tr := startTransport(t, cfg, link)

	link.rx <- peerDatagram(t, 0, testPeer,
		canbus.MustMessage(0x600, canbus.KindStandard, nil),
		canbus.MustMessage(0x601, canbus.KindStandard, nil),
		canbus.MustMessage(0x602, canbus.KindStandard, nil))

	require.Eventually(t, func() bool { return tr.Stats().Dropped == 2 }, time.Second, time.Millisecond)
	got := receiveOne(t, tr)
	assert.Equal(t, uint32(0x600), got.ID)
	assert.Equal(t, uint64(3), tr.Stats().Received)
}

func TestTransportSurvivesFramingErrors(t *testing.T) {
	link := newMemLink(canbus.FramingDatagram)
	tr := startTransport(t, testConfig(t), link)

	link.rx <- make([]byte, 17)
	link.rx <- peerDatagram(t, 0, testPeer, canbus.MustMessage(0x610, canbus.KindStandard, nil))

	got := receiveOne(t, tr)
	assert.Equal(t, uint32(0x610), got.ID)
	assert.Equal(t, uint64(1), tr.Stats().FramingErrors)
}

func TestTransportStopWritesCapture(t *testing.T) {
	link := newMemLink(canbus.FramingDatagram)
	cfg := testConfig(t)
	tr, err := New(cfg, link, testLocal)
	require.NoError(t, err)
	tr.Start(context.Background())

	link.rx <- peerDatagram(t, 0, testPeer,
		canbus.MustMessage(0x600, canbus.KindStandard, []byte{1}),
		canbus.MustMessage(0x601, canbus.KindStandard, []byte{2}))
	receiveOne(t, tr)
	receiveOne(t, tr)

	require.NoError(t, tr.Stop())
	assert.True(t, link.closed)

	// inbound is closed after the worker exits
	_, ok := <-tr.Inbound()
	assert.False(t, ok)

	capture, err := ReadCapture(cfg.CapturePath)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), capture.Received)
	assert.Equal(t, uint64(testLocal), capture.LocalAddr)
	assert.NotEmpty(t, capture.Session)

	msgs, err := capture.Messages()
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, uint32(0x600), msgs[0].ID)
	assert.Equal(t, []byte{2}, msgs[1].Data)
}

func TestTransportStopsOnLinkFailure(t *testing.T) {
	link := newMemLink(canbus.FramingDatagram)
	cfg := testConfig(t)
	cfg.CapturePath = ""
	tr, err := New(cfg, link, testLocal)
	require.NoError(t, err)
	tr.Start(context.Background())

	boom := errors.New("link down")
	link.failReads(boom)

	select {
	case <-tr.Done():
	case <-time.After(time.Second):
		t.Fatal("transport did not stop")
	}
	assert.ErrorIs(t, tr.Stop(), boom)
}

func TestTransportStreamFraming(t *testing.T) {
	link := newMemLink(canbus.FramingStream)
	cfg := testConfig(t)
	cfg.Forward = canbus.ForwardRange{Start: 0x600, Length: 0x100}
	tr := startTransport(t, cfg, link)

	m := canbus.MustMessage(0x620, canbus.KindStandard, []byte{1})
	tr.Outbound() <- m
	tr.Outbound() <- m

	require.Eventually(t, func() bool { return len(link.Written()) == 2 }, time.Second, time.Millisecond)
	written := link.Written()
	assert.Len(t, written[0], canbus.StreamFirstSize)
	assert.Equal(t, uint32(0x600), binary.BigEndian.Uint32(written[0][0:4]))
	assert.Len(t, written[1], canbus.BodySize)

	// stream bodies split across reads
	body, err := canbus.EncodeBody(canbus.MustMessage(0x621, canbus.KindStandard, []byte{9, 9}))
	require.NoError(t, err)
	link.rx <- body[:6]
	link.rx <- body[6:]

	got := receiveOne(t, tr)
	assert.Equal(t, uint32(0x621), got.ID)
	assert.Equal(t, []byte{9, 9}, got.Data)
}

func TestTransportRejectsInvalidSend(t *testing.T) {
	link := newMemLink(canbus.FramingDatagram)
	cfg := testConfig(t)
	cfg.BusNumber = 0
	tr := startTransport(t, cfg, link)

	tr.Outbound() <- canbus.Message{ID: 4096, Kind: canbus.KindStandard}
	require.Eventually(t, func() bool { return tr.Stats().SendErrors == 1 }, time.Second, time.Millisecond)
	assert.Empty(t, link.Written())
}

func TestNewRejectsBusNumber(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BusNumber = 16
	_, err := New(cfg, newMemLink(canbus.FramingDatagram), testLocal)
	assert.ErrorIs(t, err, canbus.ErrRange)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeUDP, m)

	m, err = ParseMode("serial")
	require.NoError(t, err)
	assert.Equal(t, ModeSerial, m)

	_, err = ParseMode("can0")
	assert.Error(t, err)
}

func TestSnapshotString(t *testing.T) {
	s := NewStatistics()
	s.recordReceived()
	s.recordDropped()

	out := s.Snapshot().String()
	assert.Contains(t, out, "Bus Number:       unknown")
	assert.Contains(t, out, "Dropped:")
	assert.NotContains(t, out, "Framing Errors:")
}
