// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE.md file.

// HTTP/1 adapter, including websocket after an accepted upgrade.

package hemi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/hexinfra/hypergate/hemi/common/h1codec"
	"github.com/hexinfra/hypergate/hemi/common/wscodec"
)

// adapter1 serves one stream at a time. Pipelined requests wait in the parser until the current stream is closed.
type adapter1 struct {
	// Parent
	adapter_
	// Assocs
	parser *h1codec.Parser
	ws     *wscodec.Parser // set after an accepted upgrade
	stream *Stream         // current stream, if any
	// Conn states (zeros)
	out       []byte
	lastID    uint64
	keepAlive bool // current exchange may be followed by another
	chunked   bool // response content is chunked
	discard   bool // dropping the rest of a request body the application did not read
	upgraded  bool
}

func newAdapter1(info *connInfo, config *Config, logger *Logger) *adapter1 {
	a := new(adapter1)
	a.onInit(info, config, logger)
	a.parser = h1codec.NewParser(config.MaxHeadSize)
	return a
}

func (a *adapter1) Protocol() Protocol { return ProtoHTTP1 }
func (a *adapter1) Initiate()          {}

func (a *adapter1) Feed(in Inbound) ([]StreamEvent, error) {
	if len(in.Data) > 0 {
		if a.upgraded {
			a.ws.Feed(in.Data)
		} else {
			a.parser.Feed(in.Data)
		}
	}
	err := a.parse()
	return a.Events(), err
}

func (a *adapter1) parse() error {
	for !a.closing {
		if a.upgraded {
			return a.parseWebSocket()
		}
		if a.discard {
			end, err := a.skipBody()
			if err != nil {
				a.closing = true
				return nil
			}
			if !end {
				return nil
			}
			a.discard = false
			a.parser.Next()
			continue
		}
		s := a.stream
		if s == nil {
			head, err := a.parser.ReadHead()
			if err != nil {
				var perr *h1codec.ParseError
				if errors.As(err, &perr) {
					a.writeSimple(perr.Status)
					a.closing = true
					return protocolError(0, perr.Reason)
				}
				return err
			}
			if head == nil {
				return nil
			}
			if err := a.openStream(head); err != nil {
				return err
			}
			continue
		}
		if s.requestDone {
			return nil // the response comes first
		}
		room := s.recvWindow.Credit()
		if room == 0 {
			return nil
		}
		data, trailers, end, err := a.parser.ReadBody(int(room))
		if err != nil {
			return a.failRequest(protocolError(s.id, err.Error()))
		}
		if len(data) == 0 && !end {
			return nil
		}
		var evs []Event
		if end && len(trailers) > 0 {
			var fields Headers
			if fields, err = normalizeFields(s.id, fromH1Fields(trailers), false); err == nil {
				evs, err = s.receiveTrailers(fields)
			}
		} else {
			evs, err = s.receiveData(data, end)
		}
		if err != nil {
			return a.failRequest(err)
		}
		a.emitEvents(s.id, evs)
	}
	return nil
}

// skipBody drops request content and reports whether the body ended.
func (a *adapter1) skipBody() (bool, error) {
	for {
		data, _, end, err := a.parser.ReadBody(1 << 20)
		if err != nil || end {
			return end, err
		}
		if len(data) == 0 {
			return false, nil
		}
	}
}

func (a *adapter1) openStream(head *h1codec.Head) error {
	a.lastID++
	id := a.lastID
	if a.draining {
		a.writeSimple(http.StatusServiceUnavailable)
		a.closing = true
		return nil
	}
	req, framing, err := newRequest(id, head.Method, head.Target, head.Version, fromH1Fields(head.Fields), a.info)
	if err != nil {
		a.writeSimple(http.StatusBadRequest)
		a.closing = true
		return err
	}
	ended := framing.empty()
	if !ended {
		req.WebSocket = false
	}
	a.parser.SetBody(framing.contentLength, framing.chunked)
	a.keepAlive = keepAlive1(req)
	s := newStream(id, NewWindow(maxWindowSize, 0), NewWindow(int64(a.config.StreamWindow), int64(a.config.StreamWindow)))
	evs, err := s.openRequest(req, framing, ended)
	if err != nil {
		a.writeSimple(http.StatusBadRequest)
		a.closing = true
		return err
	}
	a.stream = s
	if !ended && req.Version == "1.1" && req.Headers.Get("expect") == "100-continue" {
		a.out = append(a.out, "HTTP/1.1 100 Continue\r\n\r\n"...)
	}
	a.emitEvents(id, evs)
	return nil
}

// failRequest handles a broken request body. The connection cannot be reused.
func (a *adapter1) failRequest(err error) error {
	if !a.stream.responded() {
		a.writeSimple(http.StatusBadRequest)
	}
	a.resetStream(err)
	a.closing = true
	return err
}

func (a *adapter1) parseWebSocket() error {
	s := a.stream
	need := int64(a.config.WebSocketMaxMessage)
	for s != nil && s.recvWindow.Credit() >= need {
		msg, ok, err := a.ws.Next()
		if err != nil {
			code := wscodec.CloseProtocolError
			switch {
			case errors.Is(err, wscodec.ErrTooBig):
				code = wscodec.CloseTooBig
			case errors.Is(err, wscodec.ErrBadUTF8):
				code = wscodec.CloseInvalidPayload
			}
			a.out = wscodec.AppendClose(a.out, code, "")
			perr := protocolError(s.id, err.Error())
			a.resetStream(perr)
			a.closing = true
			return perr
		}
		if !ok {
			return nil
		}
		switch msg.Opcode {
		case wscodec.OpPing:
			a.out = wscodec.AppendFrame(a.out, true, wscodec.OpPong, msg.Payload)
		case wscodec.OpPong:
		case wscodec.OpClose:
			code, _ := wscodec.ParseClose(msg.Payload)
			a.out = wscodec.AppendClose(a.out, code, "") // RFC 6455: the endpoint typically echos the status code it received.
			s.advance(StateClosed)
			a.closed(s.id, &Disconnect{Code: code})
			a.stream = nil
			a.closing = true
			return nil
		default:
			evs, err := s.receiveMessage(msg.Payload, msg.Opcode == wscodec.OpText)
			if err != nil {
				return a.failRequest(err)
			}
			a.emitEvents(s.id, evs)
		}
	}
	return nil
}

func (a *adapter1) Emit(id uint64, ev Event, done func(error)) error {
	s := a.stream
	if s == nil || s.id != id {
		return ErrStreamClosed
	}
	switch ev := ev.(type) {
	case *ResponseStart:
		fields, err := responseFields(id, ev, a.info)
		if err != nil {
			return err
		}
		if err := s.startResponse(ev); err != nil {
			return err
		}
		if s.websocket {
			a.writeHandshake(s, fields)
		} else {
			a.writeHead(s, ev.Status, fields)
		}
	case *ResponseBody:
		if err := s.sendBody(ev); err != nil {
			return err
		}
		if s.websocket {
			a.writeMessage(ev)
		} else {
			a.writeBody(s, ev)
		}
	case *Trailer:
		fields, err := trailerFields(id, ev.Headers)
		if err != nil {
			return err
		}
		if err := s.sendTrailer(ev); err != nil {
			return err
		}
		if a.chunked {
			a.out = h1codec.AppendLastChunk(a.out, toH1Fields(fields))
		}
	case *Disconnect:
		a.Reset(id, ev.Reason)
	default:
		return applicationError(id, "unexpected event "+EventName(ev))
	}
	if done != nil {
		done(nil)
	}
	a.afterWrite(s)
	return nil
}

func (a *adapter1) writeHead(s *Stream, status int, fields Headers) {
	a.chunked = false
	if fields.Contains("connection", "close") {
		a.keepAlive = false
	}
	out := make(Headers, 0, len(fields)+2)
	for _, f := range fields {
		if f.Name != "connection" && f.Name != "transfer-encoding" {
			out = append(out, f)
		}
	}
	switch {
	case s.bodyless, fields.Has("content-length"):
	case s.request.Version == "1.1":
		out = append(out, Header{"transfer-encoding", "chunked"})
		a.chunked = true
	default: // content is delimited by closing the connection
		a.keepAlive = false
	}
	if a.draining {
		a.keepAlive = false
	}
	if !a.keepAlive {
		out = append(out, Header{"connection", "close"})
	} else if s.request.Version == "1.0" {
		out = append(out, Header{"connection", "keep-alive"})
	}
	a.out = h1codec.AppendStatusLine(a.out, status)
	a.out = h1codec.AppendFields(a.out, toH1Fields(out))
}

func (a *adapter1) writeBody(s *Stream, ev *ResponseBody) {
	if s.bodyless {
		return
	}
	if !a.chunked {
		a.out = append(a.out, ev.Data...)
		return
	}
	a.out = h1codec.AppendChunk(a.out, ev.Data)
	if !ev.MoreFollows && !s.wantTrailers {
		a.out = h1codec.AppendLastChunk(a.out, nil)
	}
}

func (a *adapter1) writeHandshake(s *Stream, fields Headers) {
	out := make(Headers, 0, len(fields)+3)
	for _, f := range fields {
		switch f.Name {
		case "connection", "upgrade", "sec-websocket-accept", "content-length", "transfer-encoding":
		default:
			out = append(out, f)
		}
	}
	out = append(out,
		Header{"upgrade", "websocket"},
		Header{"connection", "Upgrade"},
		Header{"sec-websocket-accept", wscodec.AcceptKey(s.request.Headers.Get("sec-websocket-key"))},
	)
	a.out = h1codec.AppendStatusLine(a.out, http.StatusSwitchingProtocols)
	a.out = h1codec.AppendFields(a.out, toH1Fields(out))
	a.upgraded = true
	a.ws = wscodec.NewParser(a.config.WebSocketMaxMessage)
	a.ws.Feed(a.parser.Detach())
	window := int64(2 * a.config.WebSocketMaxMessage)
	s.recvWindow = NewWindow(window, window)
}

func (a *adapter1) writeMessage(ev *ResponseBody) {
	if len(ev.Data) > 0 || ev.MoreFollows {
		op := byte(wscodec.OpBinary)
		if ev.Text {
			op = wscodec.OpText
		}
		a.out = wscodec.AppendFrame(a.out, true, op, ev.Data)
	}
	if !ev.MoreFollows {
		a.out = wscodec.AppendClose(a.out, wscodec.CloseNormal, "")
		a.closing = true
	}
}

// afterWrite closes the stream once its response is complete.
func (a *adapter1) afterWrite(s *Stream) {
	if a.stream != s || !s.tryClose() {
		return
	}
	a.closed(s.id, nil)
	a.stream = nil
	if !a.keepAlive || a.draining || a.upgraded {
		a.closing = true
		return
	}
	if s.requestDone {
		a.parser.Next()
	} else {
		a.discard = true
	}
}

func (a *adapter1) Consume(id uint64, n int) {
	if s := a.stream; s != nil && s.id == id {
		s.consume(int64(n))
	}
}

func (a *adapter1) Abandon(id uint64, cause error) {
	s := a.stream
	if s == nil || s.id != id || s.state.Terminal() {
		return
	}
	switch {
	case s.websocket:
		code := wscodec.CloseNormal
		if cause != nil {
			code = wscodec.CloseInternalError
		}
		a.out = wscodec.AppendClose(a.out, code, "")
		s.advance(StateClosed)
		a.closed(id, nil)
		a.stream = nil
		a.closing = true
	case !s.responded():
		status := http.StatusInternalServerError
		if cause == nil && s.request.WebSocket {
			status = http.StatusForbidden
		}
		a.writeSimple(status)
		s.advance(StateClosed)
		a.closed(id, nil)
		a.stream = nil
		a.closing = true
	case s.responseDone:
	default: // the response is cut short. only closing the connection can tell the peer
		a.resetStream(cause)
		a.closing = true
	}
}

func (a *adapter1) Reset(id uint64, cause error) {
	s := a.stream
	if s == nil || s.id != id || s.state.Terminal() {
		return
	}
	a.goodbye(s, cause)
	a.resetStream(cause)
	a.closing = true
}

func (a *adapter1) goodbye(s *Stream, cause error) {
	switch {
	case s.websocket:
		a.out = wscodec.AppendClose(a.out, wscodec.CloseGoingAway, "")
	case !s.responded():
		a.answerTimeout(cause)
	}
}

// answerTimeout tells the client why an unanswered request is being dropped.
func (a *adapter1) answerTimeout(cause error) {
	switch {
	case errors.Is(cause, ErrServerClosed):
		a.writeSimple(http.StatusServiceUnavailable)
	case errorKind(cause) == KindTimeout:
		a.writeSimple(http.StatusRequestTimeout)
	}
}

func (a *adapter1) resetStream(cause error) {
	s := a.stream
	if _, ok := s.reset(cause); ok {
		a.closed(s.id, &Disconnect{Reason: cause})
	}
	a.stream = nil
}

func (a *adapter1) Drain() {
	a.draining = true
	if a.stream == nil && !a.discard {
		a.closing = true
	}
}

func (a *adapter1) Abort(cause error) {
	if s := a.stream; s != nil {
		a.goodbye(s, cause)
		a.resetStream(cause)
	} else if a.parser.Partial() {
		a.answerTimeout(cause)
	}
	a.closing = true
}

func (a *adapter1) Output() []Outbound {
	if len(a.out) == 0 {
		return nil
	}
	out := []Outbound{{Data: a.out}}
	a.out = nil
	return out
}

func (a *adapter1) StreamState(id uint64) (StreamState, bool) {
	if s := a.stream; s != nil && s.id == id {
		return s.state, true
	}
	return 0, false
}
func (a *adapter1) Idle() bool { return a.stream == nil && !a.discard }
func (a *adapter1) AwaitingHead() bool {
	return a.stream == nil && !a.discard && !a.upgraded && a.parser.Partial()
}
func (a *adapter1) Wants() bool {
	if a.closing {
		return false
	}
	if a.upgraded {
		return a.ws.Buffered() < 2*a.config.WebSocketMaxMessage
	}
	return a.parser.Buffered() < a.config.MaxHeadSize+a.config.StreamWindow
}

// writeSimple writes a complete response with the status text as content. The connection closes after it.
func (a *adapter1) writeSimple(status int) {
	text := http.StatusText(status)
	fields := []h1codec.Field{
		{Name: "content-type", Value: "text/plain; charset=utf-8"},
		{Name: "content-length", Value: strconv.Itoa(len(text))},
		{Name: "connection", Value: "close"},
		{Name: "date", Value: httpDate()},
	}
	if a.info.serverHeader != "" {
		fields = append(fields, h1codec.Field{Name: "server", Value: a.info.serverHeader})
	}
	a.out = h1codec.AppendStatusLine(a.out, status)
	a.out = h1codec.AppendFields(a.out, fields)
	a.out = append(a.out, text...)
}

func keepAlive1(req *RequestStart) bool {
	if req.Headers.Contains("connection", "close") {
		return false
	}
	if req.Version == "1.0" {
		return req.Headers.Contains("connection", "keep-alive")
	}
	return true
}

func fromH1Fields(fields []h1codec.Field) []Header {
	headers := make([]Header, len(fields))
	for i, f := range fields {
		headers[i] = Header{Name: f.Name, Value: f.Value}
	}
	return headers
}
func toH1Fields(headers Headers) []h1codec.Field {
	fields := make([]h1codec.Field, len(headers))
	for i, h := range headers {
		fields[i] = h1codec.Field{Name: h.Name, Value: h.Value}
	}
	return fields
}
