// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Dilithium Power

// Package logging configures the global zerolog logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

// Output formats
const (
	FormatAuto    = "auto"
	FormatConsole = "console"
	FormatJSON    = "json"
)

// ParseLevel parses a level name. An empty name is info.
func ParseLevel(s string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return zerolog.InfoLevel, nil
	case "off", "none":
		return zerolog.Disabled, nil
	}
	level, err := zerolog.ParseLevel(strings.ToLower(s))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}

// Configure sets the global level and installs the writer for format on
// stderr. Auto picks the console writer when stderr is a terminal.
func Configure(level, format string) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}

	console, err := useConsole(format, term.IsTerminal(int(os.Stderr.Fd())))
	if err != nil {
		return err
	}

	zerolog.SetGlobalLevel(lvl)
	log.Logger = New(os.Stderr, console)
	return nil
}

// New builds a timestamped logger writing to w
func New(w io.Writer, console bool) zerolog.Logger {
	if console {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

func useConsole(format string, tty bool) (bool, error) {
	switch strings.ToLower(format) {
	case FormatAuto, "":
		return tty, nil
	case FormatConsole:
		return true, nil
	case FormatJSON:
		return false, nil
	default:
		return false, fmt.Errorf("unknown log format %q (use auto, console or json)", format)
	}
}
