// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Dilithium Power

package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/dilithiumpower/mppt-config/pkg/mppt"
)

var (
	showAll       bool
	statsInterval time.Duration
	pollInterval  time.Duration
	pollCount     int
)

var errorDetectionCmd = &cobra.Command{
	Use:   "error_detection",
	Short: "Poll trackers and report telemetry outside their limits",
	Long: `Discover the trackers on the bus, then poll each one's telemetry and check it
against the limits held in its own parameter memory.

Each poll is checked for:
  - Temperature above maxTemperature
  - Output voltage above hardOutputVoltage
  - Input current above hardCurrent
  - Temperature outside the sensor range
  - Missing or malformed status replies

By default only problems are printed. Use --show-all to print every poll.
A statistics summary is printed every --stats-interval and on exit.`,
	RunE: runErrorDetection,
}

func init() {
	rootCmd.AddCommand(errorDetectionCmd)
	errorDetectionCmd.Flags().BoolVar(&showAll, "show-all", false, "Print every poll, not just problems")
	errorDetectionCmd.Flags().DurationVar(&statsInterval, "stats-interval", 10*time.Second, "Statistics summary interval")
	errorDetectionCmd.Flags().DurationVar(&pollInterval, "interval", time.Second, "Time between poll rounds")
	errorDetectionCmd.Flags().IntVarP(&pollCount, "count", "n", 0, "Number of poll rounds, 0 for continuous")
}

type watched struct {
	tracker *mppt.Tracker
	limits  mppt.Limits
}

func runErrorDetection(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := openSession(ctx, cfg)
	if err != nil {
		return withExitCode(2, err)
	}
	defer s.Close()

	out := cmd.OutOrStdout()
	found, err := mppt.Scan(ctx, s.disp, cfg.Bus.BaseAddress, cfg.Bus.Channels, cfg.DeviceOptions())
	if err != nil {
		return withExitCode(2, err)
	}

	var trackers []watched
	for _, f := range found {
		if f.ReadErr != nil {
			fmt.Fprintf(out, "%s, skipped\n", f)
			continue
		}
		w := watched{tracker: f.Tracker, limits: mppt.LimitsFromTable(f.Tracker.Memory().Table())}
		fmt.Fprintf(out, "%s  limits T<%.1fC Vout<%.2fV Iin<%.3fA\n",
			f, w.limits.MaxTemperature, w.limits.HardOutputVoltage, w.limits.HardCurrent)
		trackers = append(trackers, w)
	}
	if len(trackers) == 0 {
		return withExitCode(1, errNoTrackers)
	}
	fmt.Fprintln(out)

	stats := mppt.NewPollStatistics()
	defer func() {
		fmt.Fprintln(out)
		fmt.Fprint(out, stats.String())
	}()

	pollTicker := time.NewTicker(pollInterval)
	defer pollTicker.Stop()
	statsTicker := time.NewTicker(statsInterval)
	defer statsTicker.Stop()

	for round := 0; pollCount == 0 || round < pollCount; round++ {
		if round > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-statsTicker.C:
				fmt.Fprintln(out)
				fmt.Fprint(out, stats.String())
				fmt.Fprintln(out)
				round--
				continue
			case <-pollTicker.C:
			}
		}

		for _, w := range trackers {
			tel, err := w.tracker.Telemetry(ctx)
			if ctx.Err() != nil {
				return nil
			}
			if err != nil {
				stats.Update(err, nil)
				printPollError(out, w.tracker, err)
				continue
			}

			anomalies := w.limits.Check(tel)
			stats.Update(nil, anomalies)
			switch {
			case len(anomalies) > 0:
				printAnomalies(out, tel, anomalies)
			case showAll:
				fmt.Fprintf(out, "[%s] %s\n", tel.Timestamp.Format("15:04:05.000"), tel)
			}
		}
	}
	return nil
}

func printPollError(out io.Writer, t *mppt.Tracker, err error) {
	timestamp := time.Now().Format("15:04:05.000")
	fmt.Fprintf(out, "[%s] \033[1;31mPOLL ERROR:\033[0m 0x%03X %v\n\n", timestamp, t.Address(), err)
}

func printAnomalies(out io.Writer, tel mppt.Telemetry, anomalies []mppt.Anomaly) {
	timestamp := tel.Timestamp.Format("15:04:05.000")
	fmt.Fprintf(out, "[%s] \033[1;33mANOMALY:\033[0m %s\n", timestamp, tel)
	for i, a := range anomalies {
		fmt.Fprintf(out, "  Issue %d: %s: %s\n", i+1, a.Kind, a.Message)
	}
	fmt.Fprintln(out)
}
