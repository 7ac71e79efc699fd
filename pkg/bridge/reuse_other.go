// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Dilithium Power

//go:build !unix

package bridge

import "syscall"

func reuseAddrControl(network, address string, c syscall.RawConn) error {
	return nil
}
