// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Dilithium Power

// Package monitor polls tracker telemetry and serves it over HTTP: a
// WebSocket stream at /ws, a JSON snapshot at /api/trackers and Prometheus
// metrics at /metrics.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dilithiumpower/mppt-config/pkg/mppt"
)

// Defaults
const (
	DefaultListenAddr   = ":8080"
	DefaultPollInterval = time.Second

	clientBuffer = 16
)

// Options configures a Monitor
type Options struct {
	ListenAddr   string
	PollInterval time.Duration
}

// Status is the latest poll result for one tracker
type Status struct {
	Address   string          `json:"address"`
	Online    bool            `json:"online"`
	Error     string          `json:"error,omitempty"`
	Telemetry *mppt.Telemetry `json:"telemetry,omitempty"`
	Updated   time.Time       `json:"updated"`
}

// Frame is the JSON structure sent to WebSocket clients
type Frame struct {
	Trackers []Status `json:"trackers"`
	Stamp    int64    `json:"stamp"` // Unix ms
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Monitor polls a fixed set of devices
type Monitor struct {
	devices []mppt.Device
	opts    Options
	log     zerolog.Logger

	mu     sync.RWMutex
	latest []Status

	clientsMu sync.RWMutex
	clients   map[*wsClient]struct{}
	upgrader  websocket.Upgrader

	registry *prometheus.Registry
	gauges   *gauges
}

// New creates a monitor for devices
func New(devices []mppt.Device, opts Options) *Monitor {
	if opts.ListenAddr == "" {
		opts.ListenAddr = DefaultListenAddr
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}

	registry := prometheus.NewRegistry()
	return &Monitor{
		devices:  devices,
		opts:     opts,
		log:      log.With().Str("component", "monitor").Logger(),
		clients:  make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		registry: registry,
		gauges:   newGauges(registry),
	}
}

// PollOnce reads telemetry from every device in order, records it and
// broadcasts it. A device that fails to answer is reported offline.
func (m *Monitor) PollOnce(ctx context.Context) []Status {
	statuses := make([]Status, 0, len(m.devices))
	for _, dev := range m.devices {
		st := Status{Address: fmt.Sprintf("0x%03X", dev.Address()), Updated: time.Now()}

		tel, err := dev.Telemetry(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return statuses
			}
			st.Error = err.Error()
			m.log.Debug().Str("address", st.Address).Err(err).Msg("telemetry failed")
		} else {
			st.Online = true
			st.Telemetry = &tel
		}
		m.gauges.observe(st)
		statuses = append(statuses, st)
	}

	m.mu.Lock()
	m.latest = statuses
	m.mu.Unlock()

	m.broadcast(Frame{Trackers: statuses, Stamp: time.Now().UnixMilli()})
	return statuses
}

// Latest returns the most recent poll result
func (m *Monitor) Latest() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Status(nil), m.latest...)
}

// Handler returns the HTTP routes
func (m *Monitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", m.handleWS)
	mux.HandleFunc("/api/trackers", m.handleTrackers)
	mux.Handle("/metrics", promhttp.HandlerFor(
		prometheus.Gatherers{m.registry, prometheus.DefaultGatherer},
		promhttp.HandlerOpts{},
	))
	return mux
}

// Run polls at the configured interval and serves HTTP until ctx ends
func (m *Monitor) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              m.opts.ListenAddr,
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go m.pollLoop(ctx)
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
		m.closeClients()
	}()

	m.log.Info().Str("addr", m.opts.ListenAddr).Int("trackers", len(m.devices)).Msg("monitor listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (m *Monitor) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	m.PollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.PollOnce(ctx)
		}
	}
}

func (m *Monitor) handleTrackers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(Frame{Trackers: m.Latest(), Stamp: time.Now().UnixMilli()}); err != nil {
		m.log.Warn().Err(err).Msg("failed to write tracker snapshot")
	}
}

func (m *Monitor) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, clientBuffer)}
	if data, err := json.Marshal(Frame{Trackers: m.Latest(), Stamp: time.Now().UnixMilli()}); err == nil {
		client.send <- data
	}

	m.clientsMu.Lock()
	m.clients[client] = struct{}{}
	count := len(m.clients)
	m.clientsMu.Unlock()
	m.log.Debug().Int("clients", count).Msg("client connected")

	// Writer
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}()

	// Reader, only to notice the client going away
	go func() {
		defer m.removeClient(client)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (m *Monitor) removeClient(c *wsClient) {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	if _, ok := m.clients[c]; !ok {
		return
	}
	delete(m.clients, c)
	close(c.send)
	m.log.Debug().Int("clients", len(m.clients)).Msg("client disconnected")
}

func (m *Monitor) closeClients() {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	for c := range m.clients {
		delete(m.clients, c)
		close(c.send)
	}
}

// broadcast queues f for every client. Slow clients miss frames.
func (m *Monitor) broadcast(f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		m.log.Warn().Err(err).Msg("failed to encode frame")
		return
	}

	m.clientsMu.RLock()
	defer m.clientsMu.RUnlock()
	for c := range m.clients {
		select {
		case c.send <- data:
		default:
		}
	}
}
