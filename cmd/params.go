// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Dilithium Power

package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/dilithiumpower/mppt-config/pkg/eeprom"
	"github.com/dilithiumpower/mppt-config/pkg/mppt"
)

var (
	paramsChannel int
	paramsFile    string
	paramsSerial  int
	paramsNoReset bool
)

var paramsCmd = &cobra.Command{
	Use:   "params",
	Short: "Read and write tracker parameter memory",
	Long: `Read and write the parameter memory of one tracker.

Values are written only when they differ from the device, and every write is
read back to confirm it. Configuration files are CSV with a header row of
parameter names and one row per tracker keyed by serialNumber.`,
}

var paramsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List parameter slots in wire order",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		for i, p := range eeprom.Schema() {
			fmt.Fprintf(out, "%3d  %-6s %s\n", i, p.Type, p.Name)
		}
	},
}

var paramsReadCmd = &cobra.Command{
	Use:   "read [name...]",
	Short: "Read every parameter, or the named ones",
	RunE:  runParamsRead,
}

var paramsWriteCmd = &cobra.Command{
	Use:   "write <name> <value>",
	Short: "Write one parameter and confirm it",
	Args:  cobra.ExactArgs(2),
	RunE:  runParamsWrite,
}

var paramsLoadCmd = &cobra.Command{
	Use:   "load",
	Short: "Write the stored configuration for this tracker",
	Long: `Find the row for the tracker's serial number (or --serial) in the configuration
file and write every column except the firmware version. The file is fully
validated before anything is written. The tracker is reset afterwards so the
new values take effect.`,
	Args: cobra.NoArgs,
	RunE: runParamsLoad,
}

var paramsConfirmCmd = &cobra.Command{
	Use:   "confirm",
	Short: "Compare the tracker with its stored configuration",
	Args:  cobra.NoArgs,
	RunE:  runParamsConfirm,
}

var paramsSaveCmd = &cobra.Command{
	Use:   "save",
	Short: "Store the tracker's current parameters in the configuration file",
	Args:  cobra.NoArgs,
	RunE:  runParamsSave,
}

func init() {
	rootCmd.AddCommand(paramsCmd)
	paramsCmd.AddCommand(paramsListCmd, paramsReadCmd, paramsWriteCmd, paramsLoadCmd, paramsConfirmCmd, paramsSaveCmd)

	paramsCmd.PersistentFlags().IntVarP(&paramsChannel, "channel", "c", 0, "Tracker channel")
	paramsCmd.PersistentFlags().StringVarP(&paramsFile, "file", "f", "", "Configuration file (default from config)")

	paramsLoadCmd.Flags().IntVar(&paramsSerial, "serial", 0, "Load the row for this serial number instead of the tracker's")
	paramsConfirmCmd.Flags().IntVar(&paramsSerial, "serial", 0, "Compare against the row for this serial number")
	paramsLoadCmd.Flags().BoolVar(&paramsNoReset, "no-reset", false, "Do not reset the tracker after writing")
	paramsWriteCmd.Flags().BoolVar(&paramsNoReset, "no-reset", false, "Do not reset the tracker after writing")
}

func configFilePath() string {
	if paramsFile != "" {
		return paramsFile
	}
	return cfg.Parameters.File
}

func targetSerial(t *mppt.Tracker) int {
	if paramsSerial != 0 {
		return paramsSerial
	}
	return t.Memory().Table().SerialNumber()
}

// withTracker opens a session and discovers the selected tracker
func withTracker(cmd *cobra.Command, fn func(ctx context.Context, t *mppt.Tracker) error) error {
	ctx := cmd.Context()
	s, err := openSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	t, err := s.discover(ctx, paramsChannel)
	if err != nil {
		return err
	}
	return fn(ctx, t)
}

func runParamsRead(cmd *cobra.Command, args []string) error {
	for _, name := range args {
		if _, err := eeprom.IndexOf(name); err != nil {
			return err
		}
	}

	return withTracker(cmd, func(ctx context.Context, t *mppt.Tracker) error {
		out := cmd.OutOrStdout()
		tbl := t.Memory().Table()
		if len(args) == 0 {
			fmt.Fprint(out, tbl)
			return nil
		}
		for _, name := range args {
			v, _ := tbl.Value(name)
			typ, _ := tbl.Type(name)
			fmt.Fprintf(out, "%s %s = %s\n", typ, name, eeprom.FormatValue(typ, v))
		}
		return nil
	})
}

func runParamsWrite(cmd *cobra.Command, args []string) error {
	name := args[0]
	if _, err := eeprom.IndexOf(name); err != nil {
		return err
	}
	value, err := eeprom.ParseValue(args[1])
	if err != nil {
		return err
	}

	return withTracker(cmd, func(ctx context.Context, t *mppt.Tracker) error {
		res, err := t.Memory().WriteValueAndConfirm(ctx, name, value)
		if err != nil {
			return err
		}
		printResults(cmd.OutOrStdout(), []eeprom.WriteResult{res})
		if !res.Written || paramsNoReset {
			return nil
		}
		return t.ResetAndRediscover(ctx)
	})
}

func runParamsLoad(cmd *cobra.Command, args []string) error {
	path := configFilePath()
	return withTracker(cmd, func(ctx context.Context, t *mppt.Tracker) error {
		results, err := t.Memory().LoadFromFile(ctx, path, targetSerial(t))
		printResults(cmd.OutOrStdout(), results)
		if err != nil {
			return err
		}
		if paramsNoReset || !anyWritten(results) {
			return nil
		}
		return t.ResetAndRediscover(ctx)
	})
}

func runParamsConfirm(cmd *cobra.Command, args []string) error {
	path := configFilePath()
	return withTracker(cmd, func(ctx context.Context, t *mppt.Tracker) error {
		serial := targetSerial(t)
		mismatches, err := t.Memory().ConfirmFromFile(ctx, path, serial)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(mismatches) == 0 {
			fmt.Fprintf(out, "SN %d matches %s\n", serial, path)
			return nil
		}
		for _, m := range mismatches {
			fmt.Fprintf(out, "MISMATCH %-24s expected %g, device %g\n", m.Name, m.Expected, m.Actual)
		}
		return fmt.Errorf("%d parameter(s) differ from %s", len(mismatches), path)
	})
}

func runParamsSave(cmd *cobra.Command, args []string) error {
	path := configFilePath()
	return withTracker(cmd, func(ctx context.Context, t *mppt.Tracker) error {
		if err := t.Memory().SaveToFile(ctx, path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "SN %d saved to %s\n", t.Memory().Table().SerialNumber(), path)
		return nil
	})
}

func anyWritten(results []eeprom.WriteResult) bool {
	for _, r := range results {
		if r.Written {
			return true
		}
	}
	return false
}

func printResults(w io.Writer, results []eeprom.WriteResult) {
	schema := eeprom.Schema()
	for _, r := range results {
		typ := schema[r.Index].Type
		status := "unchanged"
		switch {
		case r.Written && r.Confirmed:
			status = "written"
		case r.Written:
			status = "NOT CONFIRMED (read " + eeprom.FormatValue(typ, r.ReadBack) + ")"
		}
		fmt.Fprintf(w, "%-24s %12s -> %-12s %s\n", r.Name,
			eeprom.FormatValue(typ, r.Previous), eeprom.FormatValue(typ, r.Target), status)
	}
}
