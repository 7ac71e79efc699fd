// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Dilithium Power
//
// mpptctl - MPPT tracker configuration tool
//
// A CLI tool for discovering solar MPPT trackers behind a CAN Ethernet
// bridge, reading and writing their parameter memory, and monitoring their
// telemetry.

package main

import (
	"os"

	"github.com/dilithiumpower/mppt-config/cmd"
)

func main() {
	os.Exit(cmd.ExitCode(cmd.Execute()))
}
