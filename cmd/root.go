// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Dilithium Power

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dilithiumpower/mppt-config/internal/config"
	"github.com/dilithiumpower/mppt-config/internal/logging"
)

var (
	configPath string
	cfg        *config.Config

	// Logging flags
	logLevel  string
	logFormat string

	// Bridge flags
	bridgeMode    string
	groupAddr     string
	ifaceName     string
	tcpAddr       string
	portName      string
	baudRate      int
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool
	busNumber     int
	capturePath   string

	// Bus flags
	bitrate     int
	baseAddress uint32
	channels    int

	// Demo mode
	simulate         bool
	simulateChannels string
)

var rootCmd = &cobra.Command{
	Use:   "mpptctl",
	Short: "MPPT tracker configuration tool",
	Long: `mpptctl - Configure and monitor solar MPPT trackers through a CAN Ethernet bridge.

Trackers sit on a CAN bus behind a bridge. mpptctl talks to the bridge over UDP
multicast (default), a TCP or serial console stream, or a WebSocket relay, and
reads and writes each tracker's parameter memory.

Connection modes:
  UDP:       --mode udp [--group 239.255.60.60:4876] [--interface eth0]
  TCP:       --mode tcp --address bridge.local:4876
  Serial:    --mode serial --port /dev/ttyUSB0 [--baud 115200]
  WebSocket: --mode websocket --url ws://host/path [--username user]
  Demo:      --simulate

Settings are read from mpptctl.yaml (see --config), then MPPT_* environment
variables, then flags. For WebSocket authentication the password is read from
MPPT_BRIDGE_PASSWORD, or prompted interactively if not set.`,
	Version:           "1.0.0",
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", config.DefaultPath, "Configuration file")
	pf.StringVar(&logLevel, "log-level", "", "Log level (trace, debug, info, warn, error, off)")
	pf.StringVar(&logFormat, "log-format", "", "Log format (auto, console, json)")

	pf.StringVarP(&bridgeMode, "mode", "m", "", "Bridge link (udp, tcp, serial, websocket)")
	pf.StringVar(&groupAddr, "group", "", "Multicast group host:port (udp only)")
	pf.StringVar(&ifaceName, "interface", "", "Network interface for multicast (udp only)")
	pf.StringVarP(&tcpAddr, "address", "a", "", "Bridge console host:port (tcp only)")
	pf.StringVarP(&portName, "port", "p", "", "Serial port device (serial only)")
	pf.IntVarP(&baudRate, "baud", "b", 0, "Baud rate (serial only)")
	pf.StringVarP(&wsURL, "url", "u", "", "WebSocket URL (websocket only)")
	pf.StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth (websocket only)")
	pf.BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")
	pf.IntVar(&busNumber, "bus", -1, "Bridge bus number, -1 learns it from the bridge")
	pf.StringVar(&capturePath, "capture", "", "Write received traffic to this file on exit")

	pf.IntVar(&bitrate, "bitrate", 0, "CAN bitrate to request from the bridge, 0 keeps the current one")
	pf.Uint32Var(&baseAddress, "base", 0, "Tracker base address")
	pf.IntVar(&channels, "channels", 0, "Number of tracker channels")

	pf.BoolVar(&simulate, "simulate", false, "Use simulated trackers instead of a bridge")
	pf.StringVar(&simulateChannels, "simulate-channels", "0,1,2", "Comma separated channels populated in demo mode")
}

// loadConfig resolves the configuration file, environment and flags, and
// sets up logging before any command runs.
func loadConfig(cmd *cobra.Command, args []string) error {
	c, err := config.Load(configPath)
	if err != nil {
		return err
	}
	applyFlagOverrides(cmd, c)
	if err := c.Validate(); err != nil {
		return err
	}
	if err := logging.Configure(c.Logging.Level, c.Logging.Format); err != nil {
		return err
	}
	if c.FromFile() {
		log.Debug().Str("path", c.Path()).Msg("loaded config")
	} else {
		log.Debug().Str("path", c.Path()).Msg("no config file, using defaults")
	}
	cfg = c
	return nil
}

func applyFlagOverrides(cmd *cobra.Command, c *config.Config) {
	flags := cmd.Flags()
	str := map[string]struct {
		src *string
		dst *string
	}{
		"log-level":  {&logLevel, &c.Logging.Level},
		"log-format": {&logFormat, &c.Logging.Format},
		"mode":       {&bridgeMode, &c.Bridge.Mode},
		"group":      {&groupAddr, &c.Bridge.Group},
		"interface":  {&ifaceName, &c.Bridge.Interface},
		"address":    {&tcpAddr, &c.Bridge.Address},
		"port":       {&portName, &c.Bridge.SerialPort},
		"url":        {&wsURL, &c.Bridge.URL},
		"username":   {&wsUsername, &c.Bridge.Username},
		"capture":    {&capturePath, &c.Bridge.CapturePath},
	}
	for name, f := range str {
		if flags.Changed(name) {
			*f.dst = *f.src
		}
	}

	ints := map[string]struct {
		src *int
		dst *int
	}{
		"baud":     {&baudRate, &c.Bridge.BaudRate},
		"bus":      {&busNumber, &c.Bridge.BusNumber},
		"bitrate":  {&bitrate, &c.Bus.Bitrate},
		"channels": {&channels, &c.Bus.Channels},
	}
	for name, f := range ints {
		if flags.Changed(name) {
			*f.dst = *f.src
		}
	}

	if flags.Changed("no-ssl-verify") {
		c.Bridge.SkipTLSVerify = wsNoSSLVerify
	}
	if flags.Changed("base") {
		c.Bus.BaseAddress = baseAddress
	}
}

// parseChannels parses a comma separated channel list
func parseChannels(s string) ([]int, error) {
	var chans []int
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		ch, err := strconv.Atoi(field)
		if err != nil {
			return nil, fmt.Errorf("invalid channel %q: %w", field, err)
		}
		chans = append(chans, ch)
	}
	return chans, nil
}

// exitError carries a process exit code out of a command
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func withExitCode(code int, err error) error {
	return &exitError{code: code, err: err}
}

// ExitCode maps an error returned by Execute to a process exit code
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

// Execute runs the root command. SIGINT and SIGTERM cancel the command
// context so sessions can shut down and write their capture.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}
