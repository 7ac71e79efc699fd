// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Dilithium Power

package mppt

import (
	"fmt"

	"github.com/dilithiumpower/mppt-config/pkg/eeprom"
)

// AnomalyKind classifies a telemetry problem
type AnomalyKind int

const (
	AnomalyOverTemperature AnomalyKind = iota
	AnomalyOverVoltage
	AnomalyOverCurrent
	AnomalyImplausible
)

// String returns the anomaly name
func (k AnomalyKind) String() string {
	switch k {
	case AnomalyOverTemperature:
		return "over temperature"
	case AnomalyOverVoltage:
		return "over voltage"
	case AnomalyOverCurrent:
		return "over current"
	case AnomalyImplausible:
		return "implausible value"
	default:
		return fmt.Sprintf("anomaly(%d)", int(k))
	}
}

// Anomaly is one telemetry value outside its limit
type Anomaly struct {
	Kind    AnomalyKind
	Message string
	Value   float64
	Limit   float64
}

// Error implements the error interface
func (a Anomaly) Error() string {
	return a.Message
}

// Sensor range of the tracker's thermistor input
const (
	MinPlausibleTemperature = -40.0
	MaxPlausibleTemperature = 150.0
)

// Limits are the thresholds telemetry is checked against. A zero limit is
// not checked.
type Limits struct {
	MaxTemperature    float64
	HardOutputVoltage float64
	HardCurrent       float64
}

// LimitsFromTable takes the limits from a tracker's parameter memory
func LimitsFromTable(t *eeprom.Table) Limits {
	var l Limits
	l.MaxTemperature, _ = t.Value("maxTemperature")
	l.HardOutputVoltage, _ = t.Value("hardOutputVoltage")
	l.HardCurrent, _ = t.Value("hardCurrent")
	return l
}

// Check returns every limit t violates, empty when t is within limits
func (l Limits) Check(t Telemetry) []Anomaly {
	var anomalies []Anomaly

	if t.Temperature < MinPlausibleTemperature || t.Temperature > MaxPlausibleTemperature {
		anomalies = append(anomalies, Anomaly{
			Kind:    AnomalyImplausible,
			Message: fmt.Sprintf("temperature %.2fC outside sensor range", t.Temperature),
			Value:   t.Temperature,
		})
	} else if l.MaxTemperature > 0 && t.Temperature > l.MaxTemperature {
		anomalies = append(anomalies, Anomaly{
			Kind:    AnomalyOverTemperature,
			Message: fmt.Sprintf("temperature %.2fC above maxTemperature %.2fC", t.Temperature, l.MaxTemperature),
			Value:   t.Temperature,
			Limit:   l.MaxTemperature,
		})
	}

	if l.HardOutputVoltage > 0 && t.OutputVoltage > l.HardOutputVoltage {
		anomalies = append(anomalies, Anomaly{
			Kind:    AnomalyOverVoltage,
			Message: fmt.Sprintf("output %.2fV above hardOutputVoltage %.2fV", t.OutputVoltage, l.HardOutputVoltage),
			Value:   t.OutputVoltage,
			Limit:   l.HardOutputVoltage,
		})
	}

	if l.HardCurrent > 0 && t.InputCurrent > l.HardCurrent {
		anomalies = append(anomalies, Anomaly{
			Kind:    AnomalyOverCurrent,
			Message: fmt.Sprintf("input %.3fA above hardCurrent %.3fA", t.InputCurrent, l.HardCurrent),
			Value:   t.InputCurrent,
			Limit:   l.HardCurrent,
		})
	}

	return anomalies
}
