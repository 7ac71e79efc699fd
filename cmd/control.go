// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Dilithium Power

package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var (
	controlChannel int
	ledsOff        bool
	rediscover     bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reboot a tracker",
	Long: `Send the reset command and wait for the tracker to initialize again.
With --rediscover the parameter memory is read once the tracker is back.`,
	Args: cobra.NoArgs,
	RunE: runReset,
}

var enableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Enable power tracking",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSetEnable(cmd, true)
	},
}

var disableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Disable power tracking",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSetEnable(cmd, false)
	},
}

var dutyCmd = &cobra.Command{
	Use:   "duty <value>",
	Short: "Force a fixed converter duty cycle (testMode only)",
	Long: `Force the converter duty cycle. The tracker ignores this command unless its
testMode parameter is set, so nothing is read back.`,
	Args: cobra.ExactArgs(1),
	RunE: runDuty,
}

func init() {
	for _, c := range []*cobra.Command{resetCmd, enableCmd, disableCmd, dutyCmd} {
		rootCmd.AddCommand(c)
		c.Flags().IntVarP(&controlChannel, "channel", "c", 0, "Tracker channel")
	}
	resetCmd.Flags().BoolVar(&rediscover, "rediscover", false, "Read parameter memory after the reset")
	enableCmd.Flags().BoolVar(&ledsOff, "leds-off", false, "Turn the status LEDs off")
	disableCmd.Flags().BoolVar(&ledsOff, "leds-off", false, "Turn the status LEDs off")
}

func runReset(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := openSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	t, err := s.tracker(controlChannel)
	if err != nil {
		return err
	}
	if _, err := t.Probe(ctx); err != nil {
		return err
	}

	if !rediscover {
		if err := t.Reset(ctx); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "tracker 0x%03X reset\n", t.Address())
		return nil
	}

	if err := t.ResetAndRediscover(ctx); err != nil {
		return err
	}
	tbl := t.Memory().Table()
	fmt.Fprintf(cmd.OutOrStdout(), "tracker 0x%03X reset, SN %d SW %d\n", t.Address(), tbl.SerialNumber(), tbl.FirmwareVersion())
	return nil
}

func runSetEnable(cmd *cobra.Command, enable bool) error {
	ctx := cmd.Context()
	s, err := openSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	t, err := s.tracker(controlChannel)
	if err != nil {
		return err
	}
	if err := t.SetEnable(ctx, enable, !ledsOff); err != nil {
		return err
	}

	// The status reply shows the input current collapse or recover
	tel, err := t.Telemetry(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), tel)
	return nil
}

func runDuty(cmd *cobra.Command, args []string) error {
	duty, err := strconv.ParseUint(args[0], 0, 16)
	if err != nil {
		return fmt.Errorf("invalid duty cycle %q: %w", args[0], err)
	}

	ctx := cmd.Context()
	s, err := openSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	t, err := s.tracker(controlChannel)
	if err != nil {
		return err
	}
	return t.SetDutyCycle(ctx, uint16(duty))
}
