// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE.md file.

// Package system holds socket options that need syscalls.
package system

import (
	"net"
	"syscall"
)

// ListenConfig returns a net.ListenConfig that sets SO_REUSEPORT if reusePort is true.
func ListenConfig(reusePort bool) *net.ListenConfig {
	listenConfig := new(net.ListenConfig)
	if reusePort {
		listenConfig.Control = func(network string, address string, rawConn syscall.RawConn) error {
			return SetReusePort(rawConn)
		}
	}
	return listenConfig
}
