// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE.md file.

//go:build !linux && !windows

// Net for other systems.

package system

import (
	"syscall"
)

// SetReusePort is not supported here. Listening works without it.
func SetReusePort(rawConn syscall.RawConn) error { return nil }
