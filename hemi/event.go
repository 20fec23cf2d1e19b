// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE.md file.

// Protocol independent events exchanged between adapters and applications.

package hemi

import (
	"strings"
)

// Protocol is the HTTP version spoken on a connection.
type Protocol uint8

const (
	ProtoHTTP1 Protocol = iota + 1
	ProtoHTTP2
	ProtoHTTP3
)

func (p Protocol) String() string {
	switch p {
	case ProtoHTTP1:
		return "HTTP/1"
	case ProtoHTTP2:
		return "HTTP/2"
	case ProtoHTTP3:
		return "HTTP/3"
	default:
		return "unknown"
	}
}

// Header is a field with a lower-cased name.
type Header struct {
	Name  string
	Value string
}

// Headers is an ordered list of fields. Names are lower-cased.
type Headers []Header

// Get returns the first value of name, or "".
func (h Headers) Get(name string) string {
	for _, f := range h {
		if f.Name == name {
			return f.Value
		}
	}
	return ""
}
func (h Headers) Has(name string) bool {
	for _, f := range h {
		if f.Name == name {
			return true
		}
	}
	return false
}
func (h Headers) Values(name string) []string {
	var values []string
	for _, f := range h {
		if f.Name == name {
			values = append(values, f.Value)
		}
	}
	return values
}

// Contains reports whether the comma separated list under name has token, case insensitively.
func (h Headers) Contains(name string, token string) bool {
	for _, f := range h {
		if f.Name != name {
			continue
		}
		for _, item := range strings.Split(f.Value, ",") {
			if strings.EqualFold(strings.TrimSpace(item), token) {
				return true
			}
		}
	}
	return false
}
func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	c := make(Headers, len(h))
	copy(c, h)
	return c
}

// Event is one unit exchanged between a stream and its application task.
type Event interface {
	eventName() string
}

// RequestStart opens a stream. It is passed to the application inside Scope.
type RequestStart struct {
	Method    string
	Scheme    string
	Authority string
	Path      string // percent-decoded
	RawPath   string
	Query     string
	Headers   Headers
	Version   string // "1.0", "1.1", "2", "3"
	Client    string // host:port
	Server    string // host:port
	WebSocket bool   // request asks for a websocket upgrade
}

// RequestBody carries request content. After a websocket upgrade each RequestBody is one message.
type RequestBody struct {
	Data        []byte
	MoreFollows bool
	Text        bool // websocket text message
}

// ResponseStart begins a response. Status 101 accepts a websocket upgrade.
type ResponseStart struct {
	Status   int
	Headers  Headers
	Trailers bool // a Trailer event will end the response
}

// ResponseBody carries response content. After a websocket upgrade each ResponseBody is one message,
// and MoreFollows false also closes the websocket.
type ResponseBody struct {
	Data        []byte
	MoreFollows bool
	Text        bool
}

// Disconnect tells the application that its stream is gone.
type Disconnect struct {
	Reason error // nil if the stream ended normally
	Code   int   // websocket close code, if any
}

// Trailer carries trailing fields. From the peer it precedes the end of the request body.
// From the application it ends the response.
type Trailer struct {
	Headers Headers
}

// Lifespan events.
type (
	LifespanStartup  struct{}
	LifespanShutdown struct{}
	LifespanComplete struct{}
	LifespanFailed   struct {
		Message string
	}
)

func (*RequestStart) eventName() string     { return "request.start" }
func (*RequestBody) eventName() string      { return "request.body" }
func (*ResponseStart) eventName() string    { return "response.start" }
func (*ResponseBody) eventName() string     { return "response.body" }
func (*Disconnect) eventName() string       { return "disconnect" }
func (*Trailer) eventName() string          { return "trailer" }
func (*LifespanStartup) eventName() string  { return "lifespan.startup" }
func (*LifespanShutdown) eventName() string { return "lifespan.shutdown" }
func (*LifespanComplete) eventName() string { return "lifespan.complete" }
func (*LifespanFailed) eventName() string   { return "lifespan.failed" }

// EventName returns a short name of ev for logs.
func EventName(ev Event) string {
	if ev == nil {
		return "nil"
	}
	return ev.eventName()
}

// StreamEvent is an event produced by an adapter for one stream.
type StreamEvent struct {
	Stream uint64
	Event  Event // nil when only Closed is reported
	Closed bool  // the stream reached a terminal state; no more events follow
}
