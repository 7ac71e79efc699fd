// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Dilithium Power

package bridge

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	metricDatagrams = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mppt",
		Subsystem: "bridge",
		Name:      "datagrams_total",
		Help:      "Datagrams or stream chunks read from the bridge.",
	})
	metricReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mppt",
		Subsystem: "bridge",
		Name:      "messages_received_total",
		Help:      "Bus messages decoded from the bridge.",
	})
	metricSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mppt",
		Subsystem: "bridge",
		Name:      "messages_sent_total",
		Help:      "Bus messages written to the bridge.",
	})
	metricDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mppt",
		Subsystem: "bridge",
		Name:      "messages_dropped_total",
		Help:      "Inbound messages dropped because the inbound channel was full.",
	})
	metricFramingErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mppt",
		Subsystem: "bridge",
		Name:      "framing_errors_total",
		Help:      "Malformed datagrams or bodies discarded.",
	})
	metricSendErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mppt",
		Subsystem: "bridge",
		Name:      "send_errors_total",
		Help:      "Outbound messages that failed to encode or write.",
	})
	metricSelfEchoes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mppt",
		Subsystem: "bridge",
		Name:      "self_echo_total",
		Help:      "Datagrams discarded because they carried our own hardware address.",
	})
	metricBusNumber = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mppt",
		Subsystem: "bridge",
		Name:      "bus_number",
		Help:      "Bus number learned from the bridge, -1 when unknown.",
	})
)

// RegisterMetrics registers the bridge collectors with the default registry.
// It is safe to call more than once.
func RegisterMetrics() {
	registerOnce.Do(func() {
		metricBusNumber.Set(-1)
		prometheus.MustRegister(
			metricDatagrams,
			metricReceived,
			metricSent,
			metricDropped,
			metricFramingErrors,
			metricSendErrors,
			metricSelfEchoes,
			metricBusNumber,
		)
	})
}
