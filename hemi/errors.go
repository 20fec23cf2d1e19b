// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE.md file.

// Error taxonomy.

package hemi

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an *Error.
type ErrorKind uint8

const (
	KindProtocol    ErrorKind = iota + 1 // peer violated the protocol
	KindApplication                      // application violated the event order
	KindFlowControl                      // credit exceeded. a kind of protocol error
	KindTimeout                          // deadline exceeded
	KindLifespan                         // lifespan startup or shutdown failed
)

var errorKindNames = [...]string{
	KindProtocol:    "protocol error",
	KindApplication: "application error",
	KindFlowControl: "flow control violation",
	KindTimeout:     "timeout",
	KindLifespan:    "lifespan failure",
}

func (k ErrorKind) String() string {
	if int(k) < len(errorKindNames) && errorKindNames[k] != "" {
		return errorKindNames[k]
	}
	return "unknown error"
}

// Error is the error type for everything that goes wrong inside a connection or the lifespan.
type Error struct {
	Kind   ErrorKind
	Stream uint64 // 0 if the error is connection scoped
	Reason string
	Err    error // underlying cause, if any
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Stream != 0 {
		msg = fmt.Sprintf("%s on stream %d", msg, e.Stream)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}
func (e *Error) Unwrap() error { return e.Err }

// Is matches by kind only, so sentinels like ErrProtocol work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind == e.Kind {
		return true
	}
	return t.Kind == KindProtocol && e.Kind == KindFlowControl
}

var ( // sentinels for errors.Is
	ErrProtocol    = &Error{Kind: KindProtocol}
	ErrApplication = &Error{Kind: KindApplication}
	ErrFlowControl = &Error{Kind: KindFlowControl}
	ErrTimeout     = &Error{Kind: KindTimeout}
	ErrLifespan    = &Error{Kind: KindLifespan}
)

var (
	ErrWouldBlock   = errors.New("flow control credit exhausted")
	ErrStreamClosed = errors.New("stream is closed")
	ErrConnClosed   = errors.New("connection is closed")
	ErrNotReady     = errors.New("server has not completed lifespan startup")
	ErrServerClosed = errors.New("server is shut down")
)

func protocolError(stream uint64, reason string) *Error {
	return &Error{Kind: KindProtocol, Stream: stream, Reason: reason}
}
func applicationError(stream uint64, reason string) *Error {
	return &Error{Kind: KindApplication, Stream: stream, Reason: reason}
}
func flowControlError(stream uint64, reason string) *Error {
	return &Error{Kind: KindFlowControl, Stream: stream, Reason: reason}
}
func timeoutError(stream uint64, reason string) *Error {
	return &Error{Kind: KindTimeout, Stream: stream, Reason: reason}
}
// shutdownTimeoutError is the cause given to streams still open when the graceful shutdown period ends.
func shutdownTimeoutError() *Error {
	return &Error{Kind: KindTimeout, Reason: "graceful shutdown timeout", Err: ErrServerClosed}
}
func lifespanError(reason string, err error) *Error {
	return &Error{Kind: KindLifespan, Reason: reason, Err: err}
}

// errorKind returns the kind of err, or 0 if err is not an *Error.
func errorKind(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
