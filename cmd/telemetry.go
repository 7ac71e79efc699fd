// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Dilithium Power

package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	telemetryChannel  int
	telemetryCount    int
	telemetryInterval time.Duration
	telemetryJSON     bool
)

var telemetryCmd = &cobra.Command{
	Use:   "telemetry",
	Short: "Read live telemetry from one tracker",
	Long: `Poll a tracker's status reply and print input voltage, input current, output
voltage and temperature.

A count of 0 polls until interrupted.`,
	RunE: runTelemetry,
}

func init() {
	rootCmd.AddCommand(telemetryCmd)
	telemetryCmd.Flags().IntVarP(&telemetryChannel, "channel", "c", 0, "Tracker channel")
	telemetryCmd.Flags().IntVarP(&telemetryCount, "count", "n", 1, "Number of polls, 0 for continuous")
	telemetryCmd.Flags().DurationVar(&telemetryInterval, "interval", time.Second, "Time between polls")
	telemetryCmd.Flags().BoolVar(&telemetryJSON, "json", false, "Print JSON lines")
}

func runTelemetry(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := openSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	t, err := s.tracker(telemetryChannel)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	enc := json.NewEncoder(out)
	ticker := time.NewTicker(telemetryInterval)
	defer ticker.Stop()

	for i := 0; telemetryCount == 0 || i < telemetryCount; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}

		tel, err := t.Telemetry(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if telemetryJSON {
			if err := enc.Encode(tel); err != nil {
				return err
			}
			continue
		}
		fmt.Fprintf(out, "%s %s P=%.1fW\n", tel.Timestamp.Format("15:04:05.000"), tel, tel.InputPower())
	}
	return nil
}
