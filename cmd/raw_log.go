// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Dilithium Power

package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/dilithiumpower/mppt-config/pkg/bridge"
	"github.com/dilithiumpower/mppt-config/pkg/canbus"
)

var (
	rawLogFile       string
	rawLogHeartbeats bool
)

var rawLogCmd = &cobra.Command{
	Use:   "raw_log",
	Short: "Display bus traffic in human-readable format",
	Long: `Continuously display bus messages as they arrive, one per line in SLCAN
notation with a timestamp.

With --file, print the messages stored in a capture file instead. Capture files
are written on exit when --capture (or bridge.capture_path) is set.`,
	Args: cobra.NoArgs,
	RunE: runRawLog,
}

func init() {
	rootCmd.AddCommand(rawLogCmd)
	rawLogCmd.Flags().StringVar(&rawLogFile, "file", "", "Print a capture file instead of live traffic")
	rawLogCmd.Flags().BoolVar(&rawLogHeartbeats, "heartbeats", false, "Include bridge heartbeats")
}

func runRawLog(cmd *cobra.Command, args []string) error {
	if rawLogFile != "" {
		return printCapture(cmd.OutOrStdout(), rawLogFile)
	}

	ctx := cmd.Context()
	s, err := openSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Connection: %s\n", s.Description())
	fmt.Fprintf(out, "Press Ctrl+C to exit\n\n")

	for {
		select {
		case <-ctx.Done():
			if snap, ok := s.Stats(); ok {
				fmt.Fprintf(out, "\n%s", snap)
			}
			return nil
		case m, ok := <-s.bus.Inbound():
			if !ok {
				fmt.Fprintln(out, "Connection closed")
				return nil
			}
			printMessage(out, m)
		}
	}
}

func printMessage(w io.Writer, m canbus.Message) {
	if m.Kind == canbus.KindHeartbeat && !rawLogHeartbeats {
		return
	}
	fmt.Fprintln(w, canbus.FormatMessage(m))
}

func printCapture(w io.Writer, path string) error {
	c, err := bridge.ReadCapture(path)
	if err != nil {
		return err
	}
	msgs, err := c.Messages()
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Capture %s (session %s)\n", path, c.Session)
	fmt.Fprintf(w, "Started %s, stopped %s\n", c.Started.Format(time.DateTime), c.Stopped.Format(time.DateTime))
	fmt.Fprintf(w, "Sent %d, received %d, records %d\n\n", c.Sent, c.Received, len(msgs))
	for _, m := range msgs {
		printMessage(w, m)
	}
	return nil
}
