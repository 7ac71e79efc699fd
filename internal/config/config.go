// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Dilithium Power

// Package config loads the mpptctl configuration file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dilithiumpower/mppt-config/pkg/bridge"
	"github.com/dilithiumpower/mppt-config/pkg/canbus"
	"github.com/dilithiumpower/mppt-config/pkg/dispatch"
	"github.com/dilithiumpower/mppt-config/pkg/eeprom"
	"github.com/dilithiumpower/mppt-config/pkg/mppt"
)

// DefaultPath is the configuration file read when --config is not given
const DefaultPath = "mpptctl.yaml"

// Config holds all mpptctl settings
type Config struct {
	Bridge     BridgeConfig     `yaml:"bridge"`
	Bus        BusConfig        `yaml:"bus"`
	Protocol   ProtocolConfig   `yaml:"protocol"`
	Parameters ParametersConfig `yaml:"parameters"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Logging    LoggingConfig    `yaml:"logging"`

	path     string
	fromFile bool
}

type BridgeConfig struct {
	Mode          string        `yaml:"mode"` // udp, tcp, serial or websocket
	Group         string        `yaml:"group"`
	Interface     string        `yaml:"interface"`
	Address       string        `yaml:"address"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
	SerialPort    string        `yaml:"serial_port"`
	BaudRate      int           `yaml:"baud_rate"`
	URL           string        `yaml:"url"`
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	SkipTLSVerify bool          `yaml:"skip_tls_verify"`
	BusNumber     int           `yaml:"bus_number"` // -1 learns it from the bridge
	ForwardStart  uint32        `yaml:"forward_start"`
	ForwardRange  uint32        `yaml:"forward_range"`
	QueueSize     int           `yaml:"queue_size"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	CapturePath   string        `yaml:"capture_path"`
}

type BusConfig struct {
	Bitrate     int    `yaml:"bitrate"`
	BaseAddress uint32 `yaml:"base_address"`
	Channels    int    `yaml:"channels"`
}

type ProtocolConfig struct {
	ProbeRetries   int           `yaml:"probe_retries"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	SendTimeout    time.Duration `yaml:"send_timeout"`
	BitrateTimeout time.Duration `yaml:"bitrate_timeout"`
	ResetSettle    time.Duration `yaml:"reset_settle"`
}

type ParametersConfig struct {
	File string `yaml:"file"`
}

type MonitorConfig struct {
	ListenAddr   string        `yaml:"listen_addr"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // auto, console or json
}

// Default returns a config with the protocol defaults
func Default() *Config {
	b := bridge.DefaultConfig()
	return &Config{
		Bridge: BridgeConfig{
			Mode:         string(bridge.ModeUDP),
			Group:        b.Group,
			DialTimeout:  b.DialTimeout,
			BaudRate:     b.BaudRate,
			BusNumber:    -1,
			ForwardStart: b.Forward.Start,
			ForwardRange: b.Forward.Length,
			QueueSize:    bridge.DefaultQueueSize,
			PollInterval: bridge.DefaultPollInterval,
			CapturePath:  bridge.DefaultCapturePath,
		},
		Bus: BusConfig{
			Bitrate:     125000,
			BaseAddress: mppt.DefaultBaseAddress,
			Channels:    mppt.MaxChannels,
		},
		Protocol: ProtocolConfig{
			ProbeRetries:   mppt.DefaultProbeRetries,
			ProbeTimeout:   mppt.DefaultProbeTimeout,
			ReadTimeout:    eeprom.DefaultReadTimeout,
			SendTimeout:    dispatch.DefaultSendTimeout,
			BitrateTimeout: dispatch.DefaultBitrateTimeout,
			ResetSettle:    mppt.DefaultResetSettle,
		},
		Parameters: ParametersConfig{
			File: "configuration.csv",
		},
		Monitor: MonitorConfig{
			ListenAddr:   ":8080",
			PollInterval: time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// Load reads path, falling back to defaults when it does not exist, then
// applies MPPT_* environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	cfg.path = path

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		cfg.fromFile = true
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides reads MPPT_* environment variables
func (c *Config) applyEnvOverrides() error {
	str := map[string]*string{
		"MPPT_BRIDGE_MODE":      &c.Bridge.Mode,
		"MPPT_BRIDGE_GROUP":     &c.Bridge.Group,
		"MPPT_BRIDGE_INTERFACE": &c.Bridge.Interface,
		"MPPT_BRIDGE_ADDRESS":   &c.Bridge.Address,
		"MPPT_SERIAL_PORT":      &c.Bridge.SerialPort,
		"MPPT_BRIDGE_URL":       &c.Bridge.URL,
		"MPPT_BRIDGE_USERNAME":  &c.Bridge.Username,
		"MPPT_BRIDGE_PASSWORD":  &c.Bridge.Password,
		"MPPT_CAPTURE_PATH":     &c.Bridge.CapturePath,
		"MPPT_PARAM_FILE":       &c.Parameters.File,
		"MPPT_LISTEN_ADDR":      &c.Monitor.ListenAddr,
		"MPPT_LOG_LEVEL":        &c.Logging.Level,
		"MPPT_LOG_FORMAT":       &c.Logging.Format,
	}
	for key, dst := range str {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"MPPT_BAUD_RATE":  &c.Bridge.BaudRate,
		"MPPT_BUS_NUMBER": &c.Bridge.BusNumber,
		"MPPT_BITRATE":    &c.Bus.Bitrate,
		"MPPT_CHANNELS":   &c.Bus.Channels,
	}
	for key, dst := range ints {
		v, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
	}

	if v, ok := os.LookupEnv("MPPT_BASE_ADDRESS"); ok {
		n, err := strconv.ParseUint(v, 0, 32)
		if err != nil {
			return fmt.Errorf("MPPT_BASE_ADDRESS: %w", err)
		}
		c.Bus.BaseAddress = uint32(n)
	}
	return nil
}

// Validate checks ranges that would otherwise fail deep inside a command
func (c *Config) Validate() error {
	if _, err := bridge.ParseMode(c.Bridge.Mode); err != nil {
		return err
	}
	if c.Bridge.BusNumber > 0x0F {
		return fmt.Errorf("%w: bridge.bus_number %d (max 15)", canbus.ErrRange, c.Bridge.BusNumber)
	}
	fwd := canbus.ForwardRange{Start: c.Bridge.ForwardStart, Length: c.Bridge.ForwardRange}
	if err := fwd.Validate(); err != nil {
		return err
	}
	if c.Bus.Channels < 1 || c.Bus.Channels > mppt.MaxChannels {
		return fmt.Errorf("%w: bus.channels %d (1-%d)", canbus.ErrRange, c.Bus.Channels, mppt.MaxChannels)
	}
	if c.Bus.BaseAddress+uint32(c.Bus.Channels)-1+mppt.DutyCycleOffset > canbus.MaxStandardID {
		return fmt.Errorf("%w: bus.base_address 0x%03X", canbus.ErrRange, c.Bus.BaseAddress)
	}
	if c.Protocol.ProbeRetries < 1 {
		return errors.New("protocol.probe_retries must be at least 1")
	}
	return nil
}

// Path returns the file the config was loaded from
func (c *Config) Path() string { return c.path }

// FromFile reports whether Load found and parsed the file at Path
func (c *Config) FromFile() bool { return c.fromFile }

// Save writes the config as YAML
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// BridgeOptions converts the bridge section for the transport
func (c *Config) BridgeOptions() (bridge.Config, error) {
	mode, err := bridge.ParseMode(c.Bridge.Mode)
	if err != nil {
		return bridge.Config{}, err
	}
	return bridge.Config{
		Mode:          mode,
		Group:         c.Bridge.Group,
		Interface:     c.Bridge.Interface,
		Address:       c.Bridge.Address,
		DialTimeout:   c.Bridge.DialTimeout,
		SerialPort:    c.Bridge.SerialPort,
		BaudRate:      c.Bridge.BaudRate,
		URL:           c.Bridge.URL,
		Username:      c.Bridge.Username,
		Password:      c.Bridge.Password,
		SkipTLSVerify: c.Bridge.SkipTLSVerify,
		BusNumber:     c.Bridge.BusNumber,
		Forward:       canbus.ForwardRange{Start: c.Bridge.ForwardStart, Length: c.Bridge.ForwardRange},
		QueueSize:     c.Bridge.QueueSize,
		PollInterval:  c.Bridge.PollInterval,
		CapturePath:   c.Bridge.CapturePath,
	}, nil
}

// DeviceOptions converts the protocol section for trackers
func (c *Config) DeviceOptions() mppt.Options {
	return mppt.Options{
		ProbeRetries: c.Protocol.ProbeRetries,
		ProbeTimeout: c.Protocol.ProbeTimeout,
		ReadTimeout:  c.Protocol.ReadTimeout,
		ResetSettle:  c.Protocol.ResetSettle,
	}
}
