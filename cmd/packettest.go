// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Dilithium Power

package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dilithiumpower/mppt-config/pkg/canbus"
	"github.com/dilithiumpower/mppt-config/pkg/mppt"
)

var (
	packetTestTimeout time.Duration
	packetTestProbe   bool
)

var packetTestCmd = &cobra.Command{
	Use:   "packet_test",
	Short: "Test the connection by waiting for any bus message",
	Long: `Wait for any valid bus message from the bridge until timeout.

Bridges send a heartbeat periodically, so an idle but connected bridge still
passes. With --probe, a status request is sent to the first tracker to provoke
traffic.

Exit codes:
  0 - Message received before timeout
  1 - Timeout reached without receiving a message
  2 - Connection error`,
	Args: cobra.NoArgs,
	RunE: runPacketTest,
}

func init() {
	rootCmd.AddCommand(packetTestCmd)
	packetTestCmd.Flags().DurationVar(&packetTestTimeout, "timeout", 10*time.Second, "Time to wait for a message")
	packetTestCmd.Flags().BoolVar(&packetTestProbe, "probe", false, "Probe the first tracker to provoke a reply")
}

func runPacketTest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := openSession(ctx, cfg)
	if err != nil {
		return withExitCode(2, err)
	}
	defer s.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Connection: %s\n", s.Description())
	fmt.Fprintf(out, "Timeout: %s\n", packetTestTimeout)
	fmt.Fprintf(out, "Waiting for a bus message...\n\n")

	if packetTestProbe {
		req, err := mppt.ProbeRequest(cfg.Bus.BaseAddress)
		if err != nil {
			return withExitCode(2, err)
		}
		if err := s.disp.Send(ctx, req); err != nil {
			return withExitCode(2, err)
		}
	}

	timer := time.NewTimer(packetTestTimeout)
	defer timer.Stop()

	select {
	case m, ok := <-s.bus.Inbound():
		if !ok {
			return withExitCode(2, errors.New("connection closed"))
		}
		fmt.Fprintf(out, "SUCCESS: Received message\n")
		fmt.Fprintf(out, "  Kind: %s\n", m.Kind)
		fmt.Fprintf(out, "  ID: 0x%03X\n", m.ID)
		fmt.Fprintf(out, "  Frame: %s\n", canbus.FormatFrame(m))
		return nil

	case <-timer.C:
		return withExitCode(1, fmt.Errorf("TIMEOUT: no message received within %s", packetTestTimeout))

	case <-ctx.Done():
		return withExitCode(1, ctx.Err())
	}
}
