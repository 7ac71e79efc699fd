// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Dilithium Power

package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dilithiumpower/mppt-config/pkg/mppt"
)

var errNoTrackers = errors.New("no trackers found")

var discoveryCmd = &cobra.Command{
	Use:     "discovery",
	Aliases: []string{"scan"},
	Short:   "Find trackers on the bus",
	Long: `Probe every channel above the base address and read the parameter memory of
each tracker that answers.

Each channel is probed with a remote request at its address. Trackers that
answer have their parameter memory read so the serial number and firmware
version can be shown. Channels that do not answer are skipped.

Examples:
  mpptctl discovery
  mpptctl discovery --base 0x600 --channels 4
  mpptctl discovery --simulate

Exit codes:
  0 - At least one tracker found
  1 - No trackers found
  2 - Connection error`,
	RunE: runDiscovery,
}

func init() {
	rootCmd.AddCommand(discoveryCmd)
}

func runDiscovery(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := openSession(ctx, cfg)
	if err != nil {
		return withExitCode(2, err)
	}
	defer s.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Connection: %s\n", s.Description())
	fmt.Fprintf(out, "Base: 0x%03X, channels: %d\n\n", cfg.Bus.BaseAddress, cfg.Bus.Channels)

	found, err := mppt.Scan(ctx, s.disp, cfg.Bus.BaseAddress, cfg.Bus.Channels, cfg.DeviceOptions())
	for _, f := range found {
		fmt.Fprintln(out, f)
	}
	if err != nil {
		return withExitCode(2, err)
	}

	fmt.Fprintf(out, "\n%d tracker(s) found\n", len(found))
	if len(found) == 0 {
		return withExitCode(1, errNoTrackers)
	}
	return nil
}
