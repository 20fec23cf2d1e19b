// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE.md file.

// This is a hello app showing how to host an application on hypergate.

package hello

import (
	"context"
	"sync/atomic"

	. "github.com/hexinfra/hypergate/hemi"
)

func init() {
	RegisterApp("hello", func() Application {
		a := new(helloApp)
		a.onCreate()
		return a
	})
}

type handle func(ctx context.Context, scope *Scope, receive Receive, send Send) error

// helloApp
type helloApp struct {
	// States
	example string            // the index text
	mapper  map[string]handle // indexed by "METHOD path"
	started atomic.Bool       // lifespan startup has completed
}

func (a *helloApp) onCreate() {
	a.example = "hello, world"
	a.mapper = map[string]handle{
		"GET /":      a.index,
		"GET /foo":   a.handleFoo,
		"POST /echo": a.handleEcho,
		"GET /ws":    a.handleWebSocket,
	}
}

func (a *helloApp) Serve(ctx context.Context, scope *Scope, receive Receive, send Send) error {
	if scope.Type == ScopeLifespan {
		return a.lifespan(ctx, receive, send)
	}
	req := scope.Request
	if h, ok := a.mapper[req.Method+" "+req.Path]; ok {
		return h(ctx, scope, receive, send)
	}
	return a.notFound(ctx, scope, receive, send)
}

func (a *helloApp) lifespan(ctx context.Context, receive Receive, send Send) error {
	for {
		ev, err := receive(ctx)
		if err != nil {
			return err
		}
		switch ev.(type) {
		case *LifespanStartup:
			a.started.Store(true)
			if err := send(ctx, &LifespanComplete{}); err != nil {
				return err
			}
		case *LifespanShutdown:
			a.started.Store(false)
			return send(ctx, &LifespanComplete{})
		}
	}
}

func (a *helloApp) notFound(ctx context.Context, scope *Scope, receive Receive, send Send) error {
	if scope.Type == ScopeWebSocket {
		return sendText(ctx, send, 403, "websocket not accepted here")
	}
	return sendText(ctx, send, 404, "oops, target not found!")
}

func (a *helloApp) index(ctx context.Context, scope *Scope, receive Receive, send Send) error {
	return sendText(ctx, send, 200, a.example)
}

// handleFoo echoes the user agent and ends with a trailer.
func (a *helloApp) handleFoo(ctx context.Context, scope *Scope, receive Receive, send Send) error {
	head := &ResponseStart{
		Status:   200,
		Headers:  Headers{{Name: "content-type", Value: "text/plain; charset=utf-8"}, {Name: "trailer", Value: "y"}},
		Trailers: true,
	}
	if err := send(ctx, head); err != nil {
		return err
	}
	if err := send(ctx, &ResponseBody{Data: []byte(scope.Request.Headers.Get("user-agent")), MoreFollows: true}); err != nil {
		return err
	}
	if err := send(ctx, &ResponseBody{}); err != nil {
		return err
	}
	return send(ctx, &Trailer{Headers: Headers{{Name: "y", Value: "123"}}})
}

// handleEcho streams the request content back as it arrives.
func (a *helloApp) handleEcho(ctx context.Context, scope *Scope, receive Receive, send Send) error {
	head := &ResponseStart{Status: 200, Headers: Headers{{Name: "content-type", Value: "application/octet-stream"}}}
	if err := send(ctx, head); err != nil {
		return err
	}
	for {
		ev, err := receive(ctx)
		if err != nil {
			return err
		}
		switch ev := ev.(type) {
		case *RequestBody:
			if len(ev.Data) > 0 || !ev.MoreFollows {
				if err := send(ctx, &ResponseBody{Data: ev.Data, MoreFollows: ev.MoreFollows}); err != nil {
					return err
				}
			}
			if !ev.MoreFollows {
				return nil
			}
		case *Disconnect:
			return nil
		}
	}
}

// handleWebSocket accepts the upgrade and echoes every message until the peer closes.
func (a *helloApp) handleWebSocket(ctx context.Context, scope *Scope, receive Receive, send Send) error {
	if scope.Type != ScopeWebSocket {
		return sendText(ctx, send, 426, "websocket upgrade required")
	}
	if err := send(ctx, &ResponseStart{Status: 101}); err != nil {
		return err
	}
	for {
		ev, err := receive(ctx)
		if err != nil {
			return err
		}
		switch ev := ev.(type) {
		case *RequestBody:
			if err := send(ctx, &ResponseBody{Data: ev.Data, Text: ev.Text, MoreFollows: true}); err != nil {
				return err
			}
		case *Disconnect:
			return nil
		}
	}
}

func sendText(ctx context.Context, send Send, status int, text string) error {
	head := &ResponseStart{Status: status, Headers: Headers{{Name: "content-type", Value: "text/plain; charset=utf-8"}}}
	if err := send(ctx, head); err != nil {
		return err
	}
	return send(ctx, &ResponseBody{Data: []byte(text)})
}
