// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Dilithium Power

package bridge

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.bug.st/serial"

	"github.com/dilithiumpower/mppt-config/pkg/canbus"
)

// ErrConnectionClosed is returned when reading from a closed WebSocket link
var ErrConnectionClosed = errors.New("bridge: websocket connection closed")

// TCPLink carries stream framing over a TCP connection to the bridge
type TCPLink struct {
	conn net.Conn
}

// OpenTCPLink dials the bridge. A missing port defaults to the bridge port.
func OpenTCPLink(address string, timeout time.Duration) (*TCPLink, error) {
	if address == "" {
		return nil, fmt.Errorf("tcp mode requires a bridge address")
	}
	if _, _, err := net.SplitHostPort(address); err != nil {
		address = net.JoinHostPort(address, strconv.Itoa(canbus.DefaultPort))
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	conn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}
	return &TCPLink{conn: conn}, nil
}

func (l *TCPLink) Read(p []byte, timeout time.Duration) (int, error) {
	if err := l.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}
	n, err := l.conn.Read(p)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			if n > 0 {
				return n, nil
			}
			return 0, ErrReadTimeout
		}
		return n, err
	}
	return n, nil
}

func (l *TCPLink) Write(p []byte) error {
	_, err := l.conn.Write(p)
	return err
}

func (l *TCPLink) Framing() canbus.Framing { return canbus.FramingStream }

func (l *TCPLink) Description() string {
	return fmt.Sprintf("TCP: %s", l.conn.RemoteAddr())
}

func (l *TCPLink) Close() error {
	return l.conn.Close()
}

// SerialLink carries stream framing over a serial bridge console
type SerialLink struct {
	port     serial.Port
	name     string
	baudRate int
	timeout  time.Duration
}

// OpenSerialLink opens a serial port (8N1)
func OpenSerialLink(portName string, baudRate int) (*SerialLink, error) {
	if portName == "" {
		return nil, fmt.Errorf("serial mode requires a port")
	}
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", portName, err)
	}
	return &SerialLink{port: port, name: portName, baudRate: baudRate}, nil
}

func (s *SerialLink) Read(p []byte, timeout time.Duration) (int, error) {
	if timeout != s.timeout {
		if err := s.port.SetReadTimeout(timeout); err != nil {
			return 0, err
		}
		s.timeout = timeout
	}
	n, err := s.port.Read(p)
	if err != nil {
		return n, err
	}
	// go.bug.st/serial reports a timeout as a zero-length read
	if n == 0 {
		return 0, ErrReadTimeout
	}
	return n, nil
}

func (s *SerialLink) Write(p []byte) error {
	_, err := s.port.Write(p)
	return err
}

func (s *SerialLink) Framing() canbus.Framing { return canbus.FramingStream }

func (s *SerialLink) Description() string {
	return fmt.Sprintf("Serial: %s @ %d baud", s.name, s.baudRate)
}

func (s *SerialLink) Close() error {
	return s.port.Close()
}

// WebSocketLink carries stream framing in binary WebSocket messages, for
// bridges reached through an HTTP gateway. A reader goroutine pulls messages
// so a read timeout never poisons the connection.
type WebSocketLink struct {
	conn    *websocket.Conn
	url     string
	frames  chan []byte
	pending []byte

	mu     sync.Mutex
	err    error
	closed chan struct{}
	once   sync.Once
}

// OpenWebSocketLink opens a WebSocket connection with optional HTTP Basic auth
func OpenWebSocketLink(wsURL, username, password string, skipTLSVerify bool) (*WebSocketLink, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: skipTLSVerify,
		}
	}

	headers := http.Header{}
	if username != "" && password != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
		headers.Set("Authorization", "Basic "+credentials)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("WebSocket connection failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("WebSocket connection failed: %w", err)
	}

	return newWebSocketLink(conn, wsURL), nil
}

func newWebSocketLink(conn *websocket.Conn, wsURL string) *WebSocketLink {
	w := &WebSocketLink{
		conn:   conn,
		url:    wsURL,
		frames: make(chan []byte, 64),
		closed: make(chan struct{}),
	}
	go w.readLoop()
	return w
}

func (w *WebSocketLink) readLoop() {
	defer close(w.frames)
	for {
		messageType, data, err := w.conn.ReadMessage()
		if err != nil {
			w.mu.Lock()
			w.err = err
			w.mu.Unlock()
			return
		}
		// Bus traffic is binary only
		if messageType != websocket.BinaryMessage {
			continue
		}
		select {
		case w.frames <- data:
		case <-w.closed:
			return
		}
	}
}

func (w *WebSocketLink) Read(p []byte, timeout time.Duration) (int, error) {
	if len(w.pending) > 0 {
		n := copy(p, w.pending)
		w.pending = w.pending[n:]
		return n, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case data, ok := <-w.frames:
		if !ok {
			w.mu.Lock()
			err := w.err
			w.mu.Unlock()
			if err == nil {
				return 0, ErrConnectionClosed
			}
			return 0, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
		}
		n := copy(p, data)
		w.pending = data[n:]
		return n, nil
	case <-timer.C:
		return 0, ErrReadTimeout
	}
}

func (w *WebSocketLink) Write(p []byte) error {
	return w.conn.WriteMessage(websocket.BinaryMessage, p)
}

func (w *WebSocketLink) Framing() canbus.Framing { return canbus.FramingStream }

func (w *WebSocketLink) Description() string {
	return fmt.Sprintf("WebSocket: %s", w.url)
}

func (w *WebSocketLink) Close() error {
	var err error
	w.once.Do(func() {
		close(w.closed)
		err = w.conn.Close()
	})
	return err
}
