// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE.md file.

// Flow control windows.

package hemi

import (
	"fmt"
)

const maxWindowSize = 1<<31 - 1 // RFC 9113: A sender MUST NOT allow a flow-control window to exceed 2^31-1 octets.

// Window tracks credit for one direction of a stream or a connection.
//
// A Window is owned by the manager goroutine of its connection and is not safe for concurrent use.
// Outbound items queued behind a window are flushed in arrival order as credit is replenished.
type Window struct {
	credit int64
	limit  int64
	debt   int64 // credit owed after a shrinking Adjust
}

func NewWindow(initial int64, limit int64) *Window {
	if limit <= 0 {
		limit = maxWindowSize
	}
	if initial > limit {
		initial = limit
	}
	return &Window{credit: initial, limit: limit}
}

func (w *Window) Credit() int64 { return w.credit }
func (w *Window) Limit() int64  { return w.limit }

// Reserve takes n units of credit, or none at all.
func (w *Window) Reserve(n int64) error {
	if n < 0 {
		return fmt.Errorf("reserve %d: negative size", n)
	}
	if n > w.credit {
		return ErrWouldBlock
	}
	w.credit -= n
	return nil
}

// Replenish adds n units of credit. Outstanding debt is paid first.
// Credit never rises above the limit; any excess is reported as a flow control violation.
func (w *Window) Replenish(n int64) error {
	if n < 0 {
		return fmt.Errorf("replenish %d: negative size", n)
	}
	if w.debt > 0 {
		if n <= w.debt {
			w.debt -= n
			return nil
		}
		n -= w.debt
		w.debt = 0
	}
	if excess := w.credit + n - w.limit; excess > 0 {
		w.credit = w.limit
		return flowControlError(0, fmt.Sprintf("window overflow by %d", excess))
	}
	w.credit += n
	return nil
}

// Release gives back credit that was reserved but will never be used.
func (w *Window) Release(n int64) {
	if n <= 0 {
		return
	}
	w.Replenish(n) // released credit was reserved from this window, so it cannot overflow unless the limit shrank
}

// Adjust applies a change of the initial window size. RFC 9113: A change to
// SETTINGS_INITIAL_WINDOW_SIZE can cause the available space in a flow-control window to become negative.
func (w *Window) Adjust(delta int64) error {
	if delta >= 0 {
		return w.Replenish(delta)
	}
	take := -delta
	if take <= w.credit {
		w.credit -= take
	} else {
		w.debt += take - w.credit
		w.credit = 0
	}
	return nil
}

// ReserveUpTo reserves as much of n as both windows allow and returns the amount reserved.
func ReserveUpTo(stream *Window, conn *Window, n int64) int64 {
	if n > stream.credit {
		n = stream.credit
	}
	if n > conn.credit {
		n = conn.credit
	}
	if n <= 0 {
		return 0
	}
	stream.credit -= n
	conn.credit -= n
	return n
}
