// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Dilithium Power

package bridge

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Statistics tracks transport counters. The worker updates them; any
// goroutine may take a Snapshot.
type Statistics struct {
	startTime time.Time

	datagrams     atomic.Uint64
	received      atomic.Uint64
	sent          atomic.Uint64
	dropped       atomic.Uint64
	framingErrors atomic.Uint64
	sendErrors    atomic.Uint64
	selfEchoes    atomic.Uint64
	busNumber     atomic.Int32
}

// Snapshot is a point-in-time copy of the transport statistics
type Snapshot struct {
	StartTime time.Time
	Elapsed   time.Duration

	// Counters
	Datagrams     uint64
	Received      uint64
	Sent          uint64
	Dropped       uint64
	FramingErrors uint64
	SendErrors    uint64
	SelfEchoes    uint64

	// BusNumber is -1 until learned
	BusNumber int

	// Rates (calculated)
	ReceiveRate float64 // messages/sec
	ErrorRate   float64 // errors/sec
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	s := &Statistics{startTime: time.Now()}
	s.busNumber.Store(-1)
	return s
}

func (s *Statistics) recordDatagram()     { s.datagrams.Add(1); metricDatagrams.Inc() }
func (s *Statistics) recordReceived()     { s.received.Add(1); metricReceived.Inc() }
func (s *Statistics) recordSent()         { s.sent.Add(1); metricSent.Inc() }
func (s *Statistics) recordDropped()      { s.dropped.Add(1); metricDropped.Inc() }
func (s *Statistics) recordFramingError() { s.framingErrors.Add(1); metricFramingErrors.Inc() }
func (s *Statistics) recordSendError()    { s.sendErrors.Add(1); metricSendErrors.Inc() }
func (s *Statistics) recordSelfEcho()     { s.selfEchoes.Add(1); metricSelfEchoes.Inc() }

func (s *Statistics) setBusNumber(n int) {
	s.busNumber.Store(int32(n))
	metricBusNumber.Set(float64(n))
}

// Snapshot returns the current counters and rates
func (s *Statistics) Snapshot() Snapshot {
	snap := Snapshot{
		StartTime:     s.startTime,
		Elapsed:       time.Since(s.startTime),
		Datagrams:     s.datagrams.Load(),
		Received:      s.received.Load(),
		Sent:          s.sent.Load(),
		Dropped:       s.dropped.Load(),
		FramingErrors: s.framingErrors.Load(),
		SendErrors:    s.sendErrors.Load(),
		SelfEchoes:    s.selfEchoes.Load(),
		BusNumber:     int(s.busNumber.Load()),
	}

	elapsed := snap.Elapsed.Seconds()
	if elapsed > 0 {
		snap.ReceiveRate = float64(snap.Received) / elapsed
		snap.ErrorRate = float64(snap.FramingErrors+snap.SendErrors) / elapsed
	}
	return snap
}

// String returns a formatted statistics summary
func (s Snapshot) String() string {
	result := fmt.Sprintf("=== Bridge Statistics (%.0f seconds) ===\n", s.Elapsed.Seconds())
	if s.BusNumber >= 0 {
		result += fmt.Sprintf("Bus Number:      %8d\n", s.BusNumber)
	} else {
		result += "Bus Number:       unknown\n"
	}
	result += fmt.Sprintf("Datagrams:       %8d\n", s.Datagrams)
	result += fmt.Sprintf("Received:        %8d\n", s.Received)
	result += fmt.Sprintf("Sent:            %8d\n", s.Sent)

	if s.Dropped > 0 {
		result += fmt.Sprintf("Dropped:         %8d\n", s.Dropped)
	}
	if s.FramingErrors > 0 {
		result += fmt.Sprintf("Framing Errors:  %8d\n", s.FramingErrors)
	}
	if s.SendErrors > 0 {
		result += fmt.Sprintf("Send Errors:     %8d\n", s.SendErrors)
	}
	if s.SelfEchoes > 0 {
		result += fmt.Sprintf("Self Echoes:     %8d\n", s.SelfEchoes)
	}

	result += fmt.Sprintf("Receive Rate:    %8.1f msgs/sec\n", s.ReceiveRate)
	result += fmt.Sprintf("Error Rate:      %8.1f errors/sec\n", s.ErrorRate)
	result += "======================================\n"
	return result
}
