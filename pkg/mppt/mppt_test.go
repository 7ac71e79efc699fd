// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Dilithium Power

package mppt_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dilithiumpower/mppt-config/internal/simulator"
	"github.com/dilithiumpower/mppt-config/pkg/canbus"
	"github.com/dilithiumpower/mppt-config/pkg/dispatch"
	"github.com/dilithiumpower/mppt-config/pkg/eeprom"
	"github.com/dilithiumpower/mppt-config/pkg/mppt"
)

const base = mppt.DefaultBaseAddress

func testOptions() mppt.Options {
	return mppt.Options{
		ProbeRetries: 3,
		ProbeTimeout: 20 * time.Millisecond,
		ReadTimeout:  200 * time.Millisecond,
		ResetSettle:  100 * time.Millisecond,
	}
}

// startSim runs a simulator with trackers on channels and returns a
// dispatcher bound to it
func startSim(t *testing.T, channels ...int) (*simulator.Bus, *dispatch.Dispatcher) {
	t.Helper()
	sim := simulator.NewPopulated(base, channels, 4000, simulator.WithRebootTime(50*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	sim.Start(ctx)
	t.Cleanup(func() {
		cancel()
		_ = sim.Stop()
	})
	return sim, dispatch.New(sim, dispatch.WithDrainTimeout(20*time.Millisecond))
}

func newTracker(t *testing.T, d *dispatch.Dispatcher, channel int) *mppt.Tracker {
	t.Helper()
	tr, err := mppt.NewTracker(d, base, channel, testOptions())
	require.NoError(t, err)
	return tr
}

// ============================================================
// Telemetry Codec Tests
// ============================================================

func TestDecodeTelemetry(t *testing.T) {
	m := canbus.MustMessage(0x603, canbus.KindStandard,
		[]byte{0x10, 0x27, 0xE8, 0x03, 0x40, 0x05, 0x4C, 0x0C})

	tel, err := mppt.DecodeTelemetry(0x603, m)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x603), tel.Address)
	assert.InDelta(t, 100.00, tel.InputVoltage, 1e-9)
	assert.InDelta(t, 1.000, tel.InputCurrent, 1e-9)
	assert.InDelta(t, 13.44, tel.OutputVoltage, 1e-9)
	assert.InDelta(t, 31.48, tel.Temperature, 1e-9)
	assert.InDelta(t, 100.0, tel.InputPower(), 1e-9)
	assert.Equal(t, "0x603 Vin=100.00V Iin=1.000A Vout=13.44V T=31.48C", tel.String())
}

func TestDecodeTelemetryRejectsBadShape(t *testing.T) {
	short := canbus.MustMessage(0x603, canbus.KindStandard, []byte{1, 2, 3, 4})
	_, err := mppt.DecodeTelemetry(0x603, short)
	assert.ErrorIs(t, err, mppt.ErrBadTelemetry)

	other := canbus.MustMessage(0x604, canbus.KindStandard, make([]byte, 8))
	_, err = mppt.DecodeTelemetry(0x603, other)
	assert.ErrorIs(t, err, mppt.ErrBadTelemetry)
}

func TestEncodeTelemetryRoundTrip(t *testing.T) {
	in := mppt.Telemetry{InputVoltage: 41.27, InputCurrent: 5.431, OutputVoltage: 13.8, Temperature: 45.06}
	m := canbus.MustMessage(0x600, canbus.KindStandard, mppt.EncodeTelemetry(in))

	out, err := mppt.DecodeTelemetry(0x600, m)
	require.NoError(t, err)
	assert.InDelta(t, in.InputVoltage, out.InputVoltage, 0.01)
	assert.InDelta(t, in.InputCurrent, out.InputCurrent, 0.001)
	assert.InDelta(t, in.OutputVoltage, out.OutputVoltage, 0.01)
	assert.InDelta(t, in.Temperature, out.Temperature, 0.01)

	clamped := mppt.EncodeTelemetry(mppt.Telemetry{InputVoltage: 1000, Temperature: -5})
	assert.Equal(t, []byte{0xFF, 0xFF}, clamped[0:2])
	assert.Equal(t, []byte{0x00, 0x00}, clamped[6:8])
}

// ============================================================
// Request Layout Tests
// ============================================================

func TestRequestLayouts(t *testing.T) {
	m, err := mppt.ProbeRequest(0x602)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x602), m.ID)
	assert.Equal(t, canbus.KindStandardRemote, m.Kind)
	assert.Equal(t, uint8(8), m.DLC)
	assert.Equal(t, make([]byte, 8), m.Data)

	m, err = mppt.EnableRequest(0x600, true, false)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x610), m.ID)
	assert.Equal(t, []byte{0x03}, m.Data)

	m, err = mppt.EnableRequest(0x600, false, true)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00}, m.Data)

	m, err = mppt.DutyCycleRequest(0x605, 0x1234)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x675), m.ID)
	assert.Equal(t, []byte{0x12, 0x34, 0, 0, 0x2D, 0x4E, 0x45, 0}, m.Data)
}

func TestNewTrackerRange(t *testing.T) {
	_, err := mppt.NewTracker(nil, base, mppt.MaxChannels, testOptions())
	assert.ErrorIs(t, err, canbus.ErrRange)

	_, err = mppt.NewTracker(nil, 0x7A0, 0, testOptions())
	assert.ErrorIs(t, err, canbus.ErrRange)

	tr, err := mppt.NewTracker(nil, base, 5, testOptions())
	require.NoError(t, err)
	assert.Equal(t, uint32(0x605), tr.Address())
	assert.Equal(t, 5, tr.Channel())
	assert.Equal(t, uint32(0x605), tr.Memory().Address())
}

// ============================================================
// Device Protocol Tests
// ============================================================

func TestProbe(t *testing.T) {
	_, d := startSim(t, 2)
	tr := newTracker(t, d, 2)

	reply, err := tr.Probe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(0x602), reply.ID)
	assert.Equal(t, uint8(8), reply.DLC)
}

func TestProbeNotPresent(t *testing.T) {
	_, d := startSim(t, 2)
	tr := newTracker(t, d, 9)

	start := time.Now()
	_, err := tr.Probe(context.Background())
	assert.ErrorIs(t, err, mppt.ErrNotPresent)
	assert.GreaterOrEqual(t, time.Since(start), 3*testOptions().ProbeTimeout)
}

func TestProbeClosedTransport(t *testing.T) {
	sim, d := startSim(t, 0)
	require.NoError(t, sim.Stop())

	_, err := newTracker(t, d, 0).Probe(context.Background())
	assert.ErrorIs(t, err, dispatch.ErrClosed)
	assert.NotErrorIs(t, err, mppt.ErrNotPresent)
}

func TestTelemetry(t *testing.T) {
	sim, d := startSim(t, 1)
	st, ok := sim.Tracker(0x601)
	require.True(t, ok)
	st.SetTelemetry(mppt.Telemetry{InputVoltage: 36.5, InputCurrent: 3.2, OutputVoltage: 13.7, Temperature: 40.25})

	tel, err := newTracker(t, d, 1).Telemetry(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(0x601), tel.Address)
	assert.InDelta(t, 36.5, tel.InputVoltage, 0.01)
	assert.InDelta(t, 3.2, tel.InputCurrent, 0.06)
	assert.InDelta(t, 13.7, tel.OutputVoltage, 0.01)
	assert.InDelta(t, 40.25, tel.Temperature, 0.01)
	assert.False(t, tel.Timestamp.IsZero())
}

func TestDiscoverReadsMemory(t *testing.T) {
	_, d := startSim(t, 4)
	tr := newTracker(t, d, 4)

	require.NoError(t, tr.Discover(context.Background()))
	tbl := tr.Memory().Table()
	assert.Equal(t, 4000, tbl.SerialNumber())
	assert.Equal(t, 12, tbl.FirmwareVersion())
	v, err := tbl.Value(eeprom.BaseAddressParam)
	require.NoError(t, err)
	assert.Equal(t, float64(base), v)
}

func TestDiscoverNotPresent(t *testing.T) {
	_, d := startSim(t)
	err := newTracker(t, d, 0).Discover(context.Background())
	assert.ErrorIs(t, err, mppt.ErrNotPresent)
}

func TestResetSilencesUntilSettled(t *testing.T) {
	sim, d := startSim(t, 0)
	tr := newTracker(t, d, 0)
	st, _ := sim.Tracker(0x600)

	require.NoError(t, tr.ResetAndRediscover(context.Background()))
	assert.Equal(t, 1, st.Resets())
	assert.Equal(t, 4000, tr.Memory().Table().SerialNumber())

	opts := testOptions()
	opts.ResetSettle = 0
	opts.ProbeRetries = 1
	hasty, err := mppt.NewTracker(d, base, 0, opts)
	require.NoError(t, err)
	require.NoError(t, hasty.Reset(context.Background()))
	_, err = hasty.Probe(context.Background())
	assert.ErrorIs(t, err, mppt.ErrNotPresent)
}

func TestResetHonoursContext(t *testing.T) {
	_, d := startSim(t, 0)
	opts := testOptions()
	opts.ResetSettle = time.Minute
	tr, err := mppt.NewTracker(d, base, 0, opts)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, tr.Reset(ctx), context.DeadlineExceeded)
}

func TestSetEnable(t *testing.T) {
	sim, d := startSim(t, 3)
	tr := newTracker(t, d, 3)
	st, _ := sim.Tracker(0x603)

	require.NoError(t, tr.SetEnable(context.Background(), false, false))
	assert.Eventually(t, func() bool {
		enabled, leds, _ := st.State()
		return !enabled && !leds
	}, time.Second, 5*time.Millisecond)

	tel, err := tr.Telemetry(context.Background())
	require.NoError(t, err)
	assert.Zero(t, tel.InputCurrent)

	require.NoError(t, tr.SetEnable(context.Background(), true, true))
	assert.Eventually(t, func() bool {
		enabled, leds, _ := st.State()
		return enabled && leds
	}, time.Second, 5*time.Millisecond)
}

func TestSetDutyCycleRequiresTestMode(t *testing.T) {
	sim, d := startSim(t, 0)
	tr := newTracker(t, d, 0)
	st, _ := sim.Tracker(0x600)

	require.NoError(t, tr.SetDutyCycle(context.Background(), 512))
	// the probe reply proves the duty command was handled
	_, err := tr.Probe(context.Background())
	require.NoError(t, err)
	_, _, duty := st.State()
	assert.Zero(t, duty)

	_, err = tr.Memory().WriteValueAndConfirm(context.Background(), eeprom.TestModeParam, 1)
	require.NoError(t, err)
	require.NoError(t, tr.SetDutyCycle(context.Background(), 512))
	assert.Eventually(t, func() bool {
		_, _, duty := st.State()
		return duty == 512
	}, time.Second, 5*time.Millisecond)
}

func TestScan(t *testing.T) {
	_, d := startSim(t, 0, 3, 7)

	found, err := mppt.Scan(context.Background(), d, base, mppt.MaxChannels, testOptions())
	require.NoError(t, err)
	require.Len(t, found, 3)

	channels := []int{found[0].Tracker.Channel(), found[1].Tracker.Channel(), found[2].Tracker.Channel()}
	assert.Equal(t, []int{0, 3, 7}, channels)
	assert.Equal(t, 4001, found[1].SerialNumber)
	assert.Equal(t, 12, found[1].FirmwareVersion)
	assert.NoError(t, found[2].ReadErr)
	assert.Equal(t, "channel  7 0x607  SN 4002 SW 12", found[2].String())
}

func TestScanStopsOnClosedTransport(t *testing.T) {
	sim, d := startSim(t, 0)
	require.NoError(t, sim.Stop())

	found, err := mppt.Scan(context.Background(), d, base, 4, testOptions())
	assert.ErrorIs(t, err, dispatch.ErrClosed)
	assert.Empty(t, found)
}
