// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE.md file.

// Protocol independent stream state machine.

package hemi

import (
	"net/http"
)

// StreamState is the lifecycle state of a stream. States are ordered and a stream only moves forward.
type StreamState uint8

const (
	StateIdle StreamState = iota
	StateRequestReceiving
	StateRequestComplete
	StateResponseStarted
	StateResponseBodyStreaming
	StateHalfClosedWebSocket // entered only after an accepted upgrade
	StateClosed              // terminal
	StateReset               // terminal
)

var streamStateNames = [...]string{
	StateIdle:                  "idle",
	StateRequestReceiving:      "request-receiving",
	StateRequestComplete:       "request-complete",
	StateResponseStarted:       "response-started",
	StateResponseBodyStreaming: "response-body-streaming",
	StateHalfClosedWebSocket:   "half-closed-websocket",
	StateClosed:                "closed",
	StateReset:                 "reset",
}

func (s StreamState) String() string {
	if int(s) < len(streamStateNames) {
		return streamStateNames[s]
	}
	return "unknown"
}
func (s StreamState) Terminal() bool { return s >= StateClosed }

// outKind is the kind of a queued outbound item.
type outKind uint8

const (
	outHead    outKind = iota // response head. not flow controlled
	outData                   // content. flow controlled
	outTrailer                // trailing fields. not flow controlled
)

// outItem is an outbound unit waiting in a stream's queue.
type outItem struct {
	kind   outKind
	fields Headers
	status int
	data   []byte
	end    bool // last item of the response
	text   bool // websocket text message
	done   func(error)
}

// Stream is one request/response exchange. It is owned by its adapter.
type Stream struct {
	// Assocs
	sendWindow *Window // outbound credit
	recvWindow *Window // inbound window advertised to the peer
	// Stream states (non-zeros)
	id      uint64
	framing bodyFraming
	// Stream states (zeros)
	state        StreamState
	request      *RequestStart
	received     int64 // request content received so far
	buffered     int64 // request content delivered to the application but not yet consumed
	requestDone  bool  // end of request seen
	bodyDone     bool  // last response content queued
	responseDone bool  // response fully queued
	wantTrailers bool
	bodyless     bool
	websocket    bool // upgrade accepted
	cancelled    bool
	outq         []*outItem
}

func newStream(id uint64, sendWindow *Window, recvWindow *Window) *Stream {
	return &Stream{
		sendWindow: sendWindow,
		recvWindow: recvWindow,
		id:         id,
		framing:    bodyFraming{contentLength: -1},
	}
}

func (s *Stream) ID() uint64             { return s.id }
func (s *Stream) State() StreamState     { return s.state }
func (s *Stream) Request() *RequestStart { return s.request }

func (s *Stream) advance(to StreamState) {
	if to > s.state {
		s.state = to
	}
}

// openRequest handles the request head.
func (s *Stream) openRequest(req *RequestStart, framing bodyFraming, ended bool) ([]Event, error) {
	if s.state != StateIdle {
		return nil, protocolError(s.id, "request head on open stream")
	}
	if ended && framing.contentLength > 0 {
		return nil, protocolError(s.id, "request ended before content-length")
	}
	s.request, s.framing = req, framing
	s.advance(StateRequestReceiving)
	events := []Event{req}
	if ended {
		s.finishRequest()
		if !req.WebSocket {
			events = append(events, &RequestBody{})
		}
	}
	return events, nil
}

// receiveData handles request content. p is owned by the stream afterwards.
func (s *Stream) receiveData(p []byte, ended bool) ([]Event, error) {
	if s.state == StateIdle || s.state.Terminal() || s.requestDone {
		return nil, protocolError(s.id, "request content on closed stream")
	}
	n := int64(len(p))
	if s.recvWindow.Reserve(n) != nil {
		return nil, flowControlError(s.id, "receive window exceeded")
	}
	s.buffered += n
	s.received += n
	if cl := s.framing.contentLength; cl >= 0 && (s.received > cl || (ended && s.received != cl)) {
		return nil, protocolError(s.id, "content-length mismatch")
	}
	if ended {
		s.finishRequest()
	} else if n == 0 {
		return nil, nil
	}
	return []Event{&RequestBody{Data: p, MoreFollows: !ended}}, nil
}

// receiveMessage handles a websocket message after the upgrade.
func (s *Stream) receiveMessage(p []byte, text bool) ([]Event, error) {
	if s.state != StateHalfClosedWebSocket {
		return nil, protocolError(s.id, "websocket message on non-websocket stream")
	}
	n := int64(len(p))
	if s.recvWindow.Reserve(n) != nil {
		return nil, flowControlError(s.id, "websocket receive window exceeded")
	}
	s.buffered += n
	return []Event{&RequestBody{Data: p, MoreFollows: true, Text: text}}, nil
}

// receiveTrailers handles trailing fields which also end the request.
func (s *Stream) receiveTrailers(fields Headers) ([]Event, error) {
	if s.state == StateIdle || s.state.Terminal() || s.requestDone {
		return nil, protocolError(s.id, "trailers on closed stream")
	}
	if cl := s.framing.contentLength; cl >= 0 && s.received != cl {
		return nil, protocolError(s.id, "content-length mismatch")
	}
	s.finishRequest()
	return []Event{&Trailer{Headers: fields}, &RequestBody{}}, nil
}

func (s *Stream) finishRequest() {
	s.requestDone = true
	if s.state == StateRequestReceiving {
		s.advance(StateRequestComplete)
	}
}

// consume records that the application took n bytes and returns the credit to advertise.
func (s *Stream) consume(n int64) int64 {
	if n > s.buffered {
		n = s.buffered
	}
	if n <= 0 {
		return 0
	}
	s.buffered -= n
	s.recvWindow.Release(n)
	return n
}

// startResponse handles the application's ResponseStart.
func (s *Stream) startResponse(ev *ResponseStart) error {
	switch {
	case s.state.Terminal():
		return ErrStreamClosed
	case s.state == StateIdle:
		return applicationError(s.id, "response before request")
	case s.state >= StateResponseStarted:
		return applicationError(s.id, "response already started")
	}
	if ev.Status == http.StatusSwitchingProtocols && s.request.WebSocket {
		s.websocket = true
		s.advance(StateHalfClosedWebSocket)
		return nil
	}
	if ev.Status < 200 {
		return applicationError(s.id, "informational responses are not supported")
	}
	s.wantTrailers = ev.Trailers
	s.bodyless = bodyless(s.request.Method, ev.Status)
	s.advance(StateResponseStarted)
	return nil
}

// sendBody handles the application's ResponseBody.
func (s *Stream) sendBody(ev *ResponseBody) error {
	switch s.state {
	case StateHalfClosedWebSocket:
		if s.responseDone {
			return applicationError(s.id, "websocket message after close")
		}
		if !ev.MoreFollows {
			s.bodyDone, s.responseDone = true, true
		}
		return nil
	case StateResponseStarted, StateResponseBodyStreaming:
		if s.bodyDone {
			return applicationError(s.id, "response body after end of body")
		}
		s.advance(StateResponseBodyStreaming)
		if !ev.MoreFollows {
			s.bodyDone = true
			s.responseDone = !s.wantTrailers
		}
		return nil
	case StateClosed, StateReset:
		return ErrStreamClosed
	default:
		return applicationError(s.id, "response body before response start")
	}
}

// sendTrailer handles the application's Trailer.
func (s *Stream) sendTrailer(ev *Trailer) error {
	if s.state.Terminal() {
		return ErrStreamClosed
	}
	if s.state < StateResponseStarted || s.state == StateHalfClosedWebSocket || !s.wantTrailers || s.responseDone {
		return applicationError(s.id, "unexpected trailer")
	}
	s.advance(StateResponseBodyStreaming)
	s.bodyDone, s.responseDone = true, true
	return nil
}

// responded reports whether a response head was accepted.
func (s *Stream) responded() bool {
	return s.state >= StateResponseStarted && s.state != StateReset
}

func (s *Stream) push(item *outItem) { s.outq = append(s.outq, item) }

// pop removes the head item and completes it.
func (s *Stream) pop() {
	item := s.outq[0]
	s.outq[0] = nil
	s.outq = s.outq[1:]
	if item.done != nil {
		item.done(nil)
	}
}

// tryClose moves a fully flushed stream to Closed.
func (s *Stream) tryClose() bool {
	if s.responseDone && len(s.outq) == 0 && !s.state.Terminal() {
		s.advance(StateClosed)
		return true
	}
	return false
}

// reset moves a live stream to Reset. It fails pending sends with cause and returns
// the buffered inbound bytes the connection window must take back.
func (s *Stream) reset(cause error) (released int64, ok bool) {
	if s.state.Terminal() {
		return 0, false
	}
	s.advance(StateReset)
	s.cancelled = true
	for _, item := range s.outq {
		if item.done != nil {
			item.done(cause)
		}
	}
	s.outq = nil
	released, s.buffered = s.buffered, 0
	return released, true
}
