// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE.md file.

// Application contract.

package hemi

import (
	"context"

	"github.com/google/uuid"
)

// ScopeType tells an application what it is serving.
type ScopeType uint8

const (
	ScopeHTTP ScopeType = iota + 1
	ScopeWebSocket
	ScopeLifespan
)

func (t ScopeType) String() string {
	switch t {
	case ScopeHTTP:
		return "http"
	case ScopeWebSocket:
		return "websocket"
	case ScopeLifespan:
		return "lifespan"
	}
	return "unknown"
}

// Scope describes one application invocation.
type Scope struct {
	Type      ScopeType
	Protocol  Protocol
	ConnID    int64
	StreamID  uint64
	RequestID string        // x-request-id of the request, or a fresh uuid
	Request   *RequestStart // nil for lifespan
}

// Receive returns the next inbound event. Once the stream is gone it keeps returning *Disconnect.
type Receive func(ctx context.Context) (Event, error)

// Send hands an event to the server and returns once its bytes are written,
// or with an error if the stream or the connection is gone first.
type Send func(ctx context.Context, ev Event) error

// Application serves one stream, or the lifespan of the server.
type Application interface {
	Serve(ctx context.Context, scope *Scope, receive Receive, send Send) error
}

// AppFunc adapts a function to Application.
type AppFunc func(ctx context.Context, scope *Scope, receive Receive, send Send) error

func (f AppFunc) Serve(ctx context.Context, scope *Scope, receive Receive, send Send) error {
	return f(ctx, scope, receive, send)
}

func newScope(proto Protocol, connID int64, streamID uint64, req *RequestStart) *Scope {
	scope := &Scope{
		Type:      ScopeHTTP,
		Protocol:  proto,
		ConnID:    connID,
		StreamID:  streamID,
		RequestID: req.Headers.Get("x-request-id"),
		Request:   req,
	}
	if req.WebSocket {
		scope.Type = ScopeWebSocket
	}
	if scope.RequestID == "" {
		scope.RequestID = uuid.NewString()
	}
	return scope
}
