// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Dilithium Power

package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

type gauges struct {
	online        *prometheus.GaugeVec
	inputVoltage  *prometheus.GaugeVec
	inputCurrent  *prometheus.GaugeVec
	outputVoltage *prometheus.GaugeVec
	temperature   *prometheus.GaugeVec
	inputPower    *prometheus.GaugeVec
	pollErrors    *prometheus.CounterVec
}

func newGaugeVec(name, help string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "mppt",
		Subsystem: "tracker",
		Name:      name,
		Help:      help,
	}, []string{"address"})
}

func newGauges(reg prometheus.Registerer) *gauges {
	g := &gauges{
		online:        newGaugeVec("online", "1 when the tracker answered the last poll."),
		inputVoltage:  newGaugeVec("input_voltage_volts", "Panel input voltage."),
		inputCurrent:  newGaugeVec("input_current_amps", "Panel input current."),
		outputVoltage: newGaugeVec("output_voltage_volts", "Battery output voltage."),
		temperature:   newGaugeVec("temperature_celsius", "Heatsink temperature."),
		inputPower:    newGaugeVec("input_power_watts", "Input voltage times input current."),
		pollErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mppt",
			Subsystem: "tracker",
			Name:      "poll_errors_total",
			Help:      "Telemetry polls that failed.",
		}, []string{"address"}),
	}
	reg.MustRegister(g.online, g.inputVoltage, g.inputCurrent, g.outputVoltage,
		g.temperature, g.inputPower, g.pollErrors)
	return g
}

func (g *gauges) observe(st Status) {
	if !st.Online || st.Telemetry == nil {
		g.online.WithLabelValues(st.Address).Set(0)
		g.pollErrors.WithLabelValues(st.Address).Inc()
		return
	}
	t := st.Telemetry
	g.online.WithLabelValues(st.Address).Set(1)
	g.inputVoltage.WithLabelValues(st.Address).Set(t.InputVoltage)
	g.inputCurrent.WithLabelValues(st.Address).Set(t.InputCurrent)
	g.outputVoltage.WithLabelValues(st.Address).Set(t.OutputVoltage)
	g.temperature.WithLabelValues(st.Address).Set(t.Temperature)
	g.inputPower.WithLabelValues(st.Address).Set(t.InputPower())
}
