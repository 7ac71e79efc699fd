// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Dilithium Power

package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dilithiumpower/mppt-config/internal/monitor"
	"github.com/dilithiumpower/mppt-config/pkg/bridge"
	"github.com/dilithiumpower/mppt-config/pkg/mppt"
)

var (
	monitorListen string
	monitorAll    bool
)

var errBusClosed = errors.New("bus connection closed")

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Serve live tracker telemetry over HTTP",
	Long: `Discover trackers, then poll their telemetry and serve it:

  /ws            WebSocket stream of JSON frames, one per poll
  /api/trackers  JSON snapshot of the latest poll
  /metrics       Prometheus metrics for trackers and the bridge link

Only trackers found at startup are polled unless --all is given, in which case
every configured channel is polled and absent ones report offline.`,
	Args: cobra.NoArgs,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().StringVarP(&monitorListen, "listen", "l", "", "HTTP listen address (default from config)")
	monitorCmd.Flags().BoolVar(&monitorAll, "all", false, "Poll every channel, not only those found at startup")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	bridge.RegisterMetrics()

	ctx := cmd.Context()
	s, err := openSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	devices, err := monitoredDevices(ctx, s)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		return errNoTrackers
	}

	listen := cfg.Monitor.ListenAddr
	if monitorListen != "" {
		listen = monitorListen
	}
	mon := monitor.New(devices, monitor.Options{
		ListenAddr:   listen,
		PollInterval: cfg.Monitor.PollInterval,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return mon.Run(gctx)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-s.bus.Done():
			return errBusClosed
		}
	})
	return g.Wait()
}

func monitoredDevices(ctx context.Context, s *session) ([]mppt.Device, error) {
	var devices []mppt.Device
	if monitorAll {
		for ch := 0; ch < cfg.Bus.Channels; ch++ {
			t, err := s.tracker(ch)
			if err != nil {
				return nil, err
			}
			devices = append(devices, t)
		}
		return devices, nil
	}

	found, err := mppt.Scan(ctx, s.disp, cfg.Bus.BaseAddress, cfg.Bus.Channels, cfg.DeviceOptions())
	if err != nil {
		return nil, err
	}
	for _, f := range found {
		log.Info().Str("tracker", fmt.Sprint(f)).Msg("monitoring")
		devices = append(devices, f.Tracker)
	}
	return devices, nil
}
