// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Dilithium Power

package mppt

import (
	"errors"
	"fmt"
	"time"
)

// PollStatistics counts telemetry poll outcomes
type PollStatistics struct {
	StartTime time.Time

	// Counters
	Polls           uint64
	Valid           uint64
	NoReply         uint64
	BadReply        uint64
	Anomalous       uint64
	OverTemperature uint64
	OverVoltage     uint64
	OverCurrent     uint64
	Implausible     uint64

	// Rates (calculated)
	PollRate  float64 // polls/sec
	ErrorRate float64 // failed or anomalous polls/sec
}

// NewPollStatistics creates a new statistics tracker
func NewPollStatistics() *PollStatistics {
	return &PollStatistics{StartTime: time.Now()}
}

// Update records one poll: its error, or the anomalies found in its reply
func (s *PollStatistics) Update(err error, anomalies []Anomaly) {
	s.Polls++

	if err != nil {
		if errors.Is(err, ErrBadTelemetry) {
			s.BadReply++
		} else {
			s.NoReply++
		}
		return
	}

	if len(anomalies) == 0 {
		s.Valid++
		return
	}

	s.Anomalous++
	for _, a := range anomalies {
		switch a.Kind {
		case AnomalyOverTemperature:
			s.OverTemperature++
		case AnomalyOverVoltage:
			s.OverVoltage++
		case AnomalyOverCurrent:
			s.OverCurrent++
		case AnomalyImplausible:
			s.Implausible++
		}
	}
}

// CalculateRates calculates poll and error rates
func (s *PollStatistics) CalculateRates() {
	elapsed := time.Since(s.StartTime).Seconds()
	if elapsed > 0 {
		s.PollRate = float64(s.Polls) / elapsed
		s.ErrorRate = float64(s.NoReply+s.BadReply+s.Anomalous) / elapsed
	}
}

func percent(n, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) * 100.0 / float64(total)
}

// String returns a formatted statistics summary
func (s *PollStatistics) String() string {
	s.CalculateRates()

	result := fmt.Sprintf("=== Poll Statistics (%.0f seconds) ===\n", time.Since(s.StartTime).Seconds())
	result += fmt.Sprintf("Total Polls:     %8d\n", s.Polls)
	result += fmt.Sprintf("Valid:           %8d (%.1f%%)\n", s.Valid, percent(s.Valid, s.Polls))

	if s.NoReply > 0 {
		result += fmt.Sprintf("No Reply:        %8d (%.1f%%)\n", s.NoReply, percent(s.NoReply, s.Polls))
	}
	if s.BadReply > 0 {
		result += fmt.Sprintf("Bad Reply:       %8d (%.1f%%)\n", s.BadReply, percent(s.BadReply, s.Polls))
	}
	if s.Anomalous > 0 {
		result += fmt.Sprintf("Anomalous:       %8d (%.1f%%)\n", s.Anomalous, percent(s.Anomalous, s.Polls))
		if s.OverTemperature > 0 {
			result += fmt.Sprintf("  Over Temp:        %5d\n", s.OverTemperature)
		}
		if s.OverVoltage > 0 {
			result += fmt.Sprintf("  Over Voltage:     %5d\n", s.OverVoltage)
		}
		if s.OverCurrent > 0 {
			result += fmt.Sprintf("  Over Current:     %5d\n", s.OverCurrent)
		}
		if s.Implausible > 0 {
			result += fmt.Sprintf("  Implausible:      %5d\n", s.Implausible)
		}
	}

	result += fmt.Sprintf("Poll Rate:       %8.1f polls/sec\n", s.PollRate)
	result += fmt.Sprintf("Error Rate:      %8.1f errors/sec\n", s.ErrorRate)
	result += "================================\n"
	return result
}
