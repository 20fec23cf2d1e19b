// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE.md file.

// HTTP/2 adapter.

package hemi

import (
	"errors"
	"net/http"
	"strconv"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/hexinfra/hypergate/hemi/common/h2codec"
)

// adapter2 multiplexes streams over one HTTP/2 connection.
type adapter2 struct {
	// Parent
	adapter_
	// Assocs
	codec   *h2codec.Codec
	streams streamSet
	// Conn states (non-zeros)
	sendWindow        *Window // connection credit granted by the peer
	recvWindow        *Window // connection window advertised to the peer
	peerInitialWindow int64
	// Conn states (zeros)
	lastStreamID uint32 // highest client stream id seen
	gotSettings  bool
	goawaySent   bool
}

func newAdapter2(info *connInfo, config *Config, logger *Logger) *adapter2 {
	a := new(adapter2)
	a.onInit(info, config, logger)
	a.codec = h2codec.New(uint32(config.MaxFrameSize), uint32(config.MaxHeaderListSize))
	a.streams.init()
	a.sendWindow = NewWindow(h2codec.DefaultWindowSize, maxWindowSize)
	a.recvWindow = NewWindow(int64(config.ConnWindow), int64(config.ConnWindow))
	a.peerInitialWindow = h2codec.DefaultWindowSize
	return a
}

func (a *adapter2) Protocol() Protocol { return ProtoHTTP2 }

// Initiate writes the server connection preface.
func (a *adapter2) Initiate() {
	a.codec.WriteSettings(
		http2.Setting{ID: http2.SettingMaxConcurrentStreams, Val: uint32(a.config.MaxConcurrentStreams)},
		http2.Setting{ID: http2.SettingInitialWindowSize, Val: uint32(a.config.StreamWindow)},
		http2.Setting{ID: http2.SettingMaxFrameSize, Val: uint32(a.config.MaxFrameSize)},
		http2.Setting{ID: http2.SettingMaxHeaderListSize, Val: uint32(a.config.MaxHeaderListSize)},
		http2.Setting{ID: http2.SettingEnablePush, Val: 0},
	)
	if inc := a.config.ConnWindow - h2codec.DefaultWindowSize; inc > 0 {
		a.codec.WriteWindowUpdate(0, uint32(inc))
	}
}

func (a *adapter2) Feed(in Inbound) ([]StreamEvent, error) {
	if a.closing {
		return a.Events(), nil
	}
	a.codec.Feed(in.Data)
	for !a.closing {
		f, err := a.codec.Next()
		if err != nil {
			var se http2.StreamError
			if errors.As(err, &se) {
				a.onStreamError(se)
				continue
			}
			return a.Events(), a.connError(err)
		}
		if f == nil {
			break
		}
		if !a.gotSettings { // RFC 9113: the client connection preface ... MUST be followed by a SETTINGS frame
			if sf, ok := f.(*http2.SettingsFrame); !ok || sf.IsAck() {
				return a.Events(), a.fail(http2.ErrCodeProtocol, protocolError(0, "preface not followed by SETTINGS"))
			}
			a.gotSettings = true
		}
		switch f := f.(type) {
		case *http2.MetaHeadersFrame:
			err = a.onHeaders(f)
		case *http2.DataFrame:
			err = a.onData(f)
		default:
			err = a.HandleControl(f)
		}
		if err != nil {
			return a.Events(), err
		}
	}
	return a.Events(), nil
}

func (a *adapter2) onHeaders(f *http2.MetaHeadersFrame) error {
	id := f.StreamID
	if id%2 == 0 {
		return a.fail(http2.ErrCodeProtocol, protocolError(uint64(id), "even stream id from client"))
	}
	if s := a.streams.get(uint64(id)); s != nil { // trailers
		if !f.StreamEnded() {
			a.resetStream(s, http2.ErrCodeProtocol, protocolError(s.id, "trailers without END_STREAM"))
			return nil
		}
		headers, err := normalizeFields(s.id, fromHpack(f.Fields), true) // pseudo-headers are not tokens
		if err == nil {
			var evs []Event
			if evs, err = s.receiveTrailers(headers); err == nil {
				a.emitEvents(s.id, evs)
				return nil
			}
		}
		a.resetStream(s, http2.ErrCodeProtocol, err)
		return nil
	}
	if id <= a.lastStreamID {
		return a.fail(http2.ErrCodeStreamClosed, protocolError(uint64(id), "HEADERS on closed stream"))
	}
	a.lastStreamID = id
	if a.draining {
		a.refuse(id, http2.ErrCodeRefusedStream, "connection is draining")
		return nil
	}
	if a.streams.len() >= a.config.MaxConcurrentStreams { // RFC 9113: An endpoint that receives a HEADERS frame that causes its advertised concurrent stream limit to be exceeded MUST treat this as a stream error of type PROTOCOL_ERROR or REFUSED_STREAM.
		a.refuse(id, http2.ErrCodeRefusedStream, "concurrent stream limit exceeded")
		return nil
	}
	req, framing, err := newPseudoRequest(uint64(id), fromHpack(f.Fields), a.info)
	if err != nil {
		a.refuse(id, http2.ErrCodeProtocol, err.Error())
		return nil
	}
	s := newStream(uint64(id), NewWindow(a.peerInitialWindow, maxWindowSize), NewWindow(int64(a.config.StreamWindow), int64(a.config.StreamWindow)))
	evs, err := s.openRequest(req, framing, f.StreamEnded())
	if err != nil {
		a.refuse(id, http2.ErrCodeProtocol, err.Error())
		return nil
	}
	a.streams.add(s)
	a.emitEvents(s.id, evs)
	return nil
}

// refuse rejects a stream that never became live.
func (a *adapter2) refuse(id uint32, code http2.ErrCode, reason string) {
	a.codec.WriteRSTStream(id, code)
	a.logger.Debug().Uint32("stream", id).Str("code", code.String()).Msg("stream refused: " + reason)
}

func (a *adapter2) onData(f *http2.DataFrame) error {
	id := f.StreamID
	size := int64(f.Length) // RFC 9113: The entire DATA frame payload is included in flow control, including the Pad Length and Padding fields if present.
	if a.recvWindow.Reserve(size) != nil {
		return a.fail(http2.ErrCodeFlowControl, flowControlError(0, "connection receive window exceeded"))
	}
	s := a.streams.get(uint64(id))
	if s == nil {
		a.creditConn(size)
		if id > a.lastStreamID {
			return a.fail(http2.ErrCodeProtocol, protocolError(uint64(id), "DATA on idle stream"))
		}
		a.codec.WriteRSTStream(id, http2.ErrCodeStreamClosed)
		return nil
	}
	if size > s.recvWindow.Credit() {
		a.creditConn(size)
		a.resetStream(s, http2.ErrCodeFlowControl, flowControlError(s.id, "stream receive window exceeded"))
		return nil
	}
	data := f.Data()
	if pad := size - int64(len(data)); pad > 0 { // padding is acknowledged at once
		a.creditConn(pad)
		a.codec.WriteWindowUpdate(id, uint32(pad))
	}
	payload := make([]byte, len(data))
	copy(payload, data)
	evs, err := s.receiveData(payload, f.StreamEnded())
	if err != nil {
		code := http2.ErrCodeProtocol
		if errorKind(err) == KindFlowControl {
			code = http2.ErrCodeFlowControl
		}
		a.resetStream(s, code, err)
		return nil
	}
	a.emitEvents(s.id, evs)
	return nil
}

func (a *adapter2) onStreamError(se http2.StreamError) {
	if se.StreamID > a.lastStreamID {
		a.lastStreamID = se.StreamID
	}
	cause := protocolError(uint64(se.StreamID), se.Error())
	if s := a.streams.get(uint64(se.StreamID)); s != nil {
		a.resetStream(s, se.Code, cause)
		return
	}
	a.refuse(se.StreamID, se.Code, cause.Error())
}

// HandleControl applies a connection control frame.
func (a *adapter2) HandleControl(f http2.Frame) error {
	switch f := f.(type) {
	case *http2.SettingsFrame:
		if f.IsAck() {
			return nil
		}
		err := f.ForeachSetting(func(st http2.Setting) error {
			if err := st.Valid(); err != nil {
				return err
			}
			switch st.ID {
			case http2.SettingInitialWindowSize:
				delta := int64(st.Val) - a.peerInitialWindow
				a.peerInitialWindow = int64(st.Val)
				for _, s := range a.streams.order {
					if s.sendWindow.Adjust(delta) != nil {
						return http2.ConnectionError(http2.ErrCodeFlowControl)
					}
				}
			case http2.SettingMaxFrameSize:
				a.codec.SetMaxWriteFrameSize(st.Val)
			case http2.SettingHeaderTableSize:
				a.codec.SetHeaderTableSize(st.Val)
			}
			return nil
		})
		if err != nil {
			return a.connError(err)
		}
		a.codec.WriteSettingsAck()
		a.flush()
	case *http2.PingFrame:
		if !f.IsAck() {
			a.codec.WritePing(true, f.Data)
		}
	case *http2.WindowUpdateFrame:
		if f.StreamID == 0 {
			if err := a.sendWindow.Replenish(int64(f.Increment)); err != nil {
				return a.fail(http2.ErrCodeFlowControl, err)
			}
		} else if s := a.streams.get(uint64(f.StreamID)); s != nil {
			if err := s.sendWindow.Replenish(int64(f.Increment)); err != nil {
				a.resetStream(s, http2.ErrCodeFlowControl, err)
			}
		}
		a.flush()
	case *http2.RSTStreamFrame:
		if s := a.streams.get(uint64(f.StreamID)); s != nil {
			a.dropStream(s, protocolError(s.id, "stream reset by peer with "+f.ErrCode.String()))
		} else if f.StreamID > a.lastStreamID {
			return a.fail(http2.ErrCodeProtocol, protocolError(uint64(f.StreamID), "RST_STREAM on idle stream"))
		}
	case *http2.GoAwayFrame:
		if f.ErrCode != http2.ErrCodeNo {
			a.logger.Debug().Str("code", f.ErrCode.String()).Msg("peer sent GOAWAY")
		}
	case *http2.PushPromiseFrame: // RFC 9113: A client cannot push.
		return a.fail(http2.ErrCodeProtocol, protocolError(uint64(f.StreamID), "PUSH_PROMISE from client"))
	case *http2.PriorityFrame:
	default: // RFC 9113: Implementations MUST ignore and discard frames of unknown types.
	}
	return nil
}

func (a *adapter2) connError(err error) error {
	code := http2.ErrCodeProtocol
	var ce http2.ConnectionError
	if errors.As(err, &ce) {
		code = http2.ErrCode(ce)
	}
	kind := KindProtocol
	if code == http2.ErrCodeFlowControl {
		kind = KindFlowControl
	}
	return a.fail(code, &Error{Kind: kind, Reason: code.String(), Err: err})
}

// fail sends GOAWAY and tears down all streams.
func (a *adapter2) fail(code http2.ErrCode, cause error) error {
	if !a.closing {
		a.codec.WriteGoAway(a.lastStreamID, code, nil)
		a.dropAll(cause)
		a.closing = true
	}
	return cause
}

func (a *adapter2) Emit(id uint64, ev Event, done func(error)) error {
	s := a.streams.get(id)
	if s == nil {
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
		s.push(&outItem{kind: outHead, status: ev.Status, fields: fields, done: done})
	case *ResponseBody:
		if err := s.sendBody(ev); err != nil {
			return err
		}
		data := ev.Data
		if s.bodyless {
			data = nil
		}
		end := s.responseDone
		if len(data) == 0 && !end {
			if done != nil {
				done(nil)
			}
			return nil
		}
		s.push(&outItem{kind: outData, data: data, end: end, done: done})
	case *Trailer:
		fields, err := trailerFields(id, ev.Headers)
		if err != nil {
			return err
		}
		if err := s.sendTrailer(ev); err != nil {
			return err
		}
		s.push(&outItem{kind: outTrailer, fields: fields, end: true, done: done})
	case *Disconnect:
		a.Reset(id, ev.Reason)
		if done != nil {
			done(nil)
		}
		return nil
	default:
		return applicationError(id, "unexpected event "+EventName(ev))
	}
	a.flush()
	return nil
}

// flush writes what credit allows and closes streams whose responses are out.
func (a *adapter2) flush() {
	a.streams.flush(a.sendWindow, a.codec.MaxWriteFrameSize(), a.writeItem)
	var done []*Stream
	for _, s := range a.streams.order {
		if s.tryClose() {
			done = append(done, s)
		}
	}
	for _, s := range done {
		if !s.requestDone { // RFC 9113: A server can send a complete response prior to the client sending an entire request ... the server MAY request that the client abort transmission of a request without error by sending a RST_STREAM with an error code of NO_ERROR
			a.codec.WriteRSTStream(uint32(s.id), http2.ErrCodeNo)
		}
		a.creditConn(s.buffered) // content the application never consumed goes back to the connection
		s.buffered = 0
		a.closed(s.id, nil)
		a.streams.remove(s)
	}
}

func (a *adapter2) writeItem(s *Stream, item *outItem, chunk []byte, last bool) {
	id := uint32(s.id)
	switch item.kind {
	case outHead:
		fields := make([]hpack.HeaderField, 0, len(item.fields)+1)
		fields = append(fields, hpack.HeaderField{Name: ":status", Value: strconv.Itoa(item.status)})
		a.codec.WriteHeaders(id, false, append(fields, toHpack(item.fields)...))
	case outTrailer:
		a.codec.WriteHeaders(id, true, toHpack(item.fields))
	case outData:
		a.codec.WriteData(id, last && item.end, chunk)
	}
}

func (a *adapter2) Consume(id uint64, n int) {
	s := a.streams.get(id)
	if s == nil {
		return // credit of a closed or dropped stream was given back when it left
	}
	if m := s.consume(int64(n)); m > 0 {
		if !s.requestDone {
			a.codec.WriteWindowUpdate(uint32(id), uint32(m))
		}
		a.creditConn(m)
	}
}

// creditConn gives n bytes of the connection receive window back to the peer.
func (a *adapter2) creditConn(n int64) {
	if n <= 0 {
		return
	}
	a.recvWindow.Release(n)
	a.codec.WriteWindowUpdate(0, uint32(n))
}

func (a *adapter2) Abandon(id uint64, cause error) {
	s := a.streams.get(id)
	if s == nil || s.state.Terminal() {
		return
	}
	switch {
	case !s.responded():
		a.Emit(id, &ResponseStart{
			Status:  http.StatusInternalServerError,
			Headers: Headers{{Name: "content-type", Value: "text/plain; charset=utf-8"}},
		}, nil)
		a.Emit(id, &ResponseBody{Data: []byte(http.StatusText(http.StatusInternalServerError))}, nil)
	case s.responseDone: // queued output is still flushing
	default:
		a.resetStream(s, http2.ErrCodeInternal, cause)
	}
}

func (a *adapter2) Reset(id uint64, cause error) {
	if s := a.streams.get(id); s != nil {
		a.resetStream(s, http2.ErrCodeCancel, cause)
	}
}

func (a *adapter2) resetStream(s *Stream, code http2.ErrCode, cause error) {
	if !s.state.Terminal() {
		a.codec.WriteRSTStream(uint32(s.id), code)
	}
	a.dropStream(s, cause)
}

// dropStream resets s without telling the peer and releases its credit.
func (a *adapter2) dropStream(s *Stream, cause error) {
	if released, ok := s.reset(cause); ok {
		if !a.closing {
			a.creditConn(released)
		}
		a.closed(s.id, &Disconnect{Reason: cause})
	}
	a.streams.remove(s)
	a.flush() // credit of s may unblock others
}

func (a *adapter2) dropAll(cause error) {
	for len(a.streams.order) > 0 {
		s := a.streams.order[0]
		if released, ok := s.reset(cause); ok {
			a.recvWindow.Release(released)
			a.closed(s.id, &Disconnect{Reason: cause})
		}
		a.streams.remove(s)
	}
}

func (a *adapter2) Drain() {
	if a.draining {
		return
	}
	a.draining = true
	if !a.closing {
		a.codec.WriteGoAway(a.lastStreamID, http2.ErrCodeNo, nil)
		a.goawaySent = true
	}
}

func (a *adapter2) Abort(cause error) {
	code := http2.ErrCodeNo
	if k := errorKind(cause); k == KindProtocol || k == KindFlowControl {
		code = http2.ErrCodeProtocol
	}
	a.fail(code, cause)
}

func (a *adapter2) Output() []Outbound {
	if data := a.codec.Take(); data != nil {
		return []Outbound{{Data: data}}
	}
	return nil
}

func (a *adapter2) StreamState(id uint64) (StreamState, bool) {
	if s := a.streams.get(id); s != nil {
		return s.state, true
	}
	return 0, false
}
func (a *adapter2) Idle() bool         { return a.streams.len() == 0 }
func (a *adapter2) AwaitingHead() bool { return !a.gotSettings }
func (a *adapter2) Wants() bool {
	return !a.closing && a.codec.Buffered() < 2*a.config.MaxFrameSize+a.config.MaxHeaderListSize
}

func fromHpack(fields []hpack.HeaderField) []Header {
	headers := make([]Header, len(fields))
	for i, f := range fields {
		headers[i] = Header{Name: f.Name, Value: f.Value}
	}
	return headers
}
func toHpack(headers Headers) []hpack.HeaderField {
	fields := make([]hpack.HeaderField, len(headers))
	for i, h := range headers {
		fields[i] = hpack.HeaderField{Name: h.Name, Value: h.Value}
	}
	return fields
}
