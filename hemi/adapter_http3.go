// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE.md file.

// HTTP/3 adapter.

package hemi

import (
	"net/http"
	"strconv"

	"github.com/quic-go/qpack"

	"github.com/hexinfra/hypergate/hemi/common/h3codec"
)

// controlStreamID is the id of the server control stream. QUIC gives the first server uni stream id 3.
const controlStreamID = 3

// adapter3 maps QUIC streams to HTTP/3 streams. Flow control belongs to QUIC. The windows here
// bound what the adapter buffers: inbound by the application's consumption, outbound by the bytes
// the transport has not finished writing.
type adapter3 struct {
	// Parent
	adapter_
	// Assocs
	streams  streamSet
	requests map[uint64]*h3codec.Parser // request stream parsers
	uni      map[uint64]*uniStream3
	// Conn states (non-zeros)
	sendWindow *Window                  // connection bytes in flight
	unacked    map[uint64][]sentSegment // frames handed to the transport but not written yet, by stream
	// Conn states (zeros)
	out          []Outbound
	fins         map[uint64]bool // request streams the peer finished
	maxSeen      uint64          // highest request stream id opened, plus 4
	gotControl   bool
	gotSettings  bool
	peerMaxField uint64
}

// sentSegment is one frame handed to the transport. Its overhead bytes are written before its payload.
type sentSegment struct {
	overhead int
	payload  int
}

// uniStream3 is a client initiated unidirectional stream.
type uniStream3 struct {
	parser *h3codec.Parser
	typ    uint64
	typed  bool
	ignore bool
}

func newAdapter3(info *connInfo, config *Config, logger *Logger) *adapter3 {
	a := new(adapter3)
	a.onInit(info, config, logger)
	a.streams.init()
	a.requests = make(map[uint64]*h3codec.Parser)
	a.uni = make(map[uint64]*uniStream3)
	a.fins = make(map[uint64]bool)
	a.sendWindow = NewWindow(int64(config.ConnWindow), int64(config.ConnWindow))
	a.unacked = make(map[uint64][]sentSegment)
	return a
}

func (a *adapter3) Protocol() Protocol { return ProtoHTTP3 }

// Initiate opens the control stream with our SETTINGS.
func (a *adapter3) Initiate() {
	data := h3codec.AppendStreamType(nil, h3codec.StreamControl)
	data = h3codec.AppendSettings(data, [][2]uint64{
		{h3codec.SettingQPACKMaxTableCapacity, 0},
		{h3codec.SettingQPACKBlockedStreams, 0},
		{h3codec.SettingMaxFieldSectionSize, uint64(a.config.MaxHeaderListSize)},
	})
	a.out = append(a.out, Outbound{Stream: controlStreamID, Uni: true, Data: data})
}

func (a *adapter3) Feed(in Inbound) ([]StreamEvent, error) {
	if a.closing {
		return a.Events(), nil
	}
	if in.Acked > 0 {
		a.acked(in.Stream, in.Acked)
	}
	var err error
	switch in.Stream % 4 {
	case 0: // client bidirectional
		switch {
		case in.Reset:
			if s := a.streams.get(in.Stream); s != nil {
				a.resetStream(s, h3codec.ErrCodeRequestCancelled, protocolError(s.id, "stream reset by peer"))
			} else {
				a.releaseUnacked(in.Stream) // a finished stream may still have frames queued
			}
		case in.Open || in.Data != nil || in.End:
			a.feedRequest(in)
		}
	case 2: // client unidirectional
		err = a.feedUni(in)
	}
	if err == nil {
		for _, s := range append([]*Stream(nil), a.streams.order...) {
			if a.closing {
				break
			}
			if err = a.parseRequest(s); err != nil {
				break
			}
		}
	}
	return a.Events(), err
}

func (a *adapter3) feedRequest(in Inbound) {
	id := in.Stream
	p := a.requests[id]
	if p == nil {
		if id < a.maxSeen {
			return // stream is gone
		}
		a.maxSeen = id + 4
		if a.draining || a.streams.len() >= a.config.MaxConcurrentStreams {
			a.out = append(a.out, Outbound{Stream: id, Reset: true, Code: h3codec.ErrCodeRequestRejected})
			a.logger.Debug().Uint64("stream", id).Msg("request stream rejected")
			return
		}
		p = h3codec.NewParser(a.config.MaxHeaderListSize)
		a.requests[id] = p
		a.streams.add(newStream(id, NewWindow(int64(a.config.StreamWindow), int64(a.config.StreamWindow)), NewWindow(int64(a.config.StreamWindow), int64(a.config.StreamWindow))))
	}
	p.Feed(in.Data)
	if in.End {
		a.fins[id] = true
	}
}

// parseRequest takes what the stream's credit allows from its parser.
func (a *adapter3) parseRequest(s *Stream) error {
	p := a.requests[s.id]
	for p != nil && !s.state.Terminal() && !s.requestDone {
		if p.DataLeft() > 0 {
			room := s.recvWindow.Credit()
			if room == 0 {
				return nil
			}
			data := p.ReadData(int(room))
			if len(data) == 0 {
				if a.fins[s.id] {
					a.resetStream(s, h3codec.ErrCodeRequestIncomplete, protocolError(s.id, "request stream ended inside DATA"))
				}
				return nil
			}
			evs, err := s.receiveData(data, false)
			if err != nil {
				a.resetStream(s, h3codec.ErrCodeMessageError, err)
				return nil
			}
			a.emitEvents(s.id, evs)
			continue
		}
		f, ok, err := p.Next()
		if err != nil {
			a.resetStream(s, h3codec.ErrCodeExcessiveLoad, protocolError(s.id, err.Error()))
			return nil
		}
		if !ok {
			if !a.fins[s.id] {
				return nil
			}
			if s.state == StateIdle || p.Buffered() > 0 {
				a.resetStream(s, h3codec.ErrCodeRequestIncomplete, protocolError(s.id, "request stream ended early"))
				return nil
			}
			evs, err := s.receiveData(nil, true)
			if err != nil {
				a.resetStream(s, h3codec.ErrCodeMessageError, err)
				return nil
			}
			a.emitEvents(s.id, evs)
			return nil
		}
		switch f.Type {
		case h3codec.FrameHeaders:
			fields, err := h3codec.DecodeFields(f.Payload)
			if err != nil { // RFC 9204: If the decoder encounters an error ... it MUST treat this as a connection error of type QPACK_DECOMPRESSION_FAILED.
				return a.fail(h3codec.ErrCodeQPACKDecompressionFailed, protocolError(s.id, err.Error()))
			}
			if s.state == StateIdle {
				req, framing, err := newPseudoRequest(s.id, fromQpack(fields), a.info)
				if err == nil {
					var evs []Event
					if evs, err = s.openRequest(req, framing, false); err == nil {
						a.emitEvents(s.id, evs)
						continue
					}
				}
				a.resetStream(s, h3codec.ErrCodeMessageError, err)
				return nil
			}
			headers, err := normalizeFields(s.id, fromQpack(fields), true)
			if err == nil {
				var evs []Event
				if evs, err = s.receiveTrailers(headers); err == nil {
					a.emitEvents(s.id, evs)
					continue
				}
			}
			a.resetStream(s, h3codec.ErrCodeMessageError, err)
			return nil
		case h3codec.FrameData:
			if s.state == StateIdle { // RFC 9114: Receipt of a DATA frame before any HEADERS frame ... MUST be treated as a connection error of type H3_FRAME_UNEXPECTED.
				return a.fail(h3codec.ErrCodeFrameUnexpected, protocolError(s.id, "DATA before HEADERS"))
			}
		case h3codec.FrameSettings, h3codec.FrameGoAway, h3codec.FrameCancelPush, h3codec.FrameMaxPushID:
			return a.fail(h3codec.ErrCodeFrameUnexpected, protocolError(s.id, "control frame on request stream"))
		default: // RFC 9114: Frame types that were not defined ... MUST be ignored.
		}
	}
	return nil
}

func (a *adapter3) feedUni(in Inbound) error {
	u := a.uni[in.Stream]
	if u == nil {
		u = &uniStream3{parser: h3codec.NewParser(a.config.MaxFrameSize)}
		a.uni[in.Stream] = u
	}
	if (in.End || in.Reset) && u.typed && u.typ == h3codec.StreamControl { // RFC 9114: If either control stream is closed at any point, this MUST be treated as a connection error of type H3_CLOSED_CRITICAL_STREAM.
		return a.fail(h3codec.ErrCodeClosedCritical, protocolError(in.Stream, "control stream closed"))
	}
	if u.ignore || in.Reset {
		return nil
	}
	u.parser.Feed(in.Data)
	if !u.typed {
		typ, ok := u.parser.ReadStreamType()
		if !ok {
			return nil
		}
		u.typ, u.typed = typ, true
		switch typ {
		case h3codec.StreamControl:
			if a.gotControl {
				return a.fail(h3codec.ErrCodeStreamCreation, protocolError(in.Stream, "second control stream"))
			}
			a.gotControl = true
		case h3codec.StreamPush: // RFC 9114: Clients MUST NOT open push streams.
			return a.fail(h3codec.ErrCodeStreamCreation, protocolError(in.Stream, "push stream from client"))
		default: // QPACK streams carry nothing for a decoder with no dynamic table
			u.ignore = true
			u.parser.Discard()
			return nil
		}
	}
	for {
		f, ok, err := u.parser.Next()
		if err != nil {
			return a.fail(h3codec.ErrCodeFrameError, protocolError(in.Stream, err.Error()))
		}
		if !ok {
			return nil
		}
		if !a.gotSettings && f.Type != h3codec.FrameSettings { // RFC 9114: If the first frame of the control stream is any other frame type, this MUST be treated as a connection error of type H3_MISSING_SETTINGS.
			return a.fail(h3codec.ErrCodeMissingSettings, protocolError(in.Stream, "control stream without SETTINGS"))
		}
		switch f.Type {
		case h3codec.FrameSettings:
			if a.gotSettings {
				return a.fail(h3codec.ErrCodeFrameUnexpected, protocolError(in.Stream, "second SETTINGS"))
			}
			settings, err := h3codec.ParseSettings(f.Payload)
			if err != nil {
				return a.fail(h3codec.ErrCodeFrameError, protocolError(in.Stream, err.Error()))
			}
			for _, st := range settings {
				if st[0] == h3codec.SettingMaxFieldSectionSize {
					a.peerMaxField = st[1]
				}
			}
			a.gotSettings = true
		case h3codec.FrameGoAway, h3codec.FrameMaxPushID, h3codec.FrameCancelPush:
		case h3codec.FrameData, h3codec.FrameHeaders:
			return a.fail(h3codec.ErrCodeFrameUnexpected, protocolError(in.Stream, "request frame on control stream"))
		}
	}
}

// fail sends GOAWAY and resets all streams.
func (a *adapter3) fail(code uint64, cause error) error {
	if !a.closing {
		a.out = append(a.out, Outbound{Stream: controlStreamID, Uni: true, Data: h3codec.AppendGoAway(nil, a.maxSeen)})
		for len(a.streams.order) > 0 {
			a.resetStream(a.streams.order[0], code, cause)
		}
		a.closing = true
	}
	return cause
}

// acked gives the payload among n written bytes back to the send windows. Frame overhead was never reserved.
func (a *adapter3) acked(id uint64, n int) {
	segments, payload := a.unacked[id], 0
	for n > 0 && len(segments) > 0 {
		seg := &segments[0]
		take := min(n, seg.overhead)
		seg.overhead -= take
		n -= take
		take = min(n, seg.payload)
		seg.payload -= take
		n -= take
		payload += take
		if seg.overhead == 0 && seg.payload == 0 {
			segments = segments[1:]
		}
	}
	if len(segments) == 0 {
		delete(a.unacked, id)
	} else {
		a.unacked[id] = segments
	}
	if payload > 0 {
		a.sendWindow.Replenish(int64(payload))
		if s := a.streams.get(id); s != nil {
			s.sendWindow.Replenish(int64(payload))
		}
	}
	a.flush()
}

// releaseUnacked gives back the payload of a reset stream. The transport discards it unwritten.
func (a *adapter3) releaseUnacked(id uint64) {
	payload := 0
	for _, seg := range a.unacked[id] {
		payload += seg.payload
	}
	delete(a.unacked, id)
	if payload > 0 {
		a.sendWindow.Replenish(int64(payload))
	}
}

func (a *adapter3) Emit(id uint64, ev Event, done func(error)) error {
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

func (a *adapter3) flush() {
	a.streams.flush(a.sendWindow, a.config.MaxFrameSize, a.writeItem)
	var done []*Stream
	for _, s := range a.streams.order {
		if s.tryClose() {
			done = append(done, s)
		}
	}
	for _, s := range done {
		if !s.requestDone { // RFC 9114: the server MAY abort reading the request stream ... with error code H3_NO_ERROR
			a.out = append(a.out, Outbound{Stream: s.id, Stop: true, Code: h3codec.ErrCodeNoError})
		}
		a.closed(s.id, nil)
		a.removeStream(s)
	}
}

func (a *adapter3) writeItem(s *Stream, item *outItem, chunk []byte, last bool) {
	var data []byte
	payload := 0
	switch item.kind {
	case outHead:
		fields := make([]qpack.HeaderField, 0, len(item.fields)+1)
		fields = append(fields, qpack.HeaderField{Name: ":status", Value: strconv.Itoa(item.status)})
		data = a.fieldsFrame(s, append(fields, toQpack(item.fields)...))
	case outTrailer:
		data = a.fieldsFrame(s, toQpack(item.fields))
	case outData:
		if payload = len(chunk); payload > 0 {
			data = h3codec.AppendDataHeader(nil, payload)
			data = append(data, chunk...)
		}
	}
	if len(data) > 0 {
		a.unacked[s.id] = append(a.unacked[s.id], sentSegment{overhead: len(data) - payload, payload: payload})
	}
	a.out = append(a.out, Outbound{Stream: s.id, Data: data, End: last && item.end})
}

func (a *adapter3) fieldsFrame(s *Stream, fields []qpack.HeaderField) []byte {
	block, err := h3codec.EncodeFields(fields)
	if err != nil { // only invalid field names fail and those were validated
		a.logger.Error().Err(err).Uint64("stream", s.id).Msg("qpack encoding failed")
		return nil
	}
	return h3codec.AppendFrame(nil, h3codec.FrameHeaders, block)
}

func (a *adapter3) Consume(id uint64, n int) {
	if s := a.streams.get(id); s != nil && s.consume(int64(n)) > 0 {
		a.parseRequest(s)
	}
}

func (a *adapter3) Abandon(id uint64, cause error) {
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
	case s.responseDone:
	default:
		a.resetStream(s, h3codec.ErrCodeInternal, cause)
	}
}

func (a *adapter3) Reset(id uint64, cause error) {
	if s := a.streams.get(id); s != nil {
		a.resetStream(s, h3codec.ErrCodeRequestCancelled, cause)
	}
}

func (a *adapter3) resetStream(s *Stream, code uint64, cause error) {
	if _, ok := s.reset(cause); ok {
		a.out = append(a.out, Outbound{Stream: s.id, Reset: true, Code: code})
		a.closed(s.id, &Disconnect{Reason: cause})
	}
	a.releaseUnacked(s.id)
	a.removeStream(s)
}

func (a *adapter3) removeStream(s *Stream) {
	a.streams.remove(s)
	delete(a.requests, s.id)
	delete(a.fins, s.id)
}

func (a *adapter3) Drain() {
	if a.draining {
		return
	}
	a.draining = true
	if !a.closing { // RFC 9114: the GOAWAY frame contains ... a client-initiated bidirectional stream ID
		a.out = append(a.out, Outbound{Stream: controlStreamID, Uni: true, Data: h3codec.AppendGoAway(nil, a.maxSeen)})
	}
}

func (a *adapter3) Abort(cause error) {
	code := uint64(h3codec.ErrCodeNoError)
	if k := errorKind(cause); k == KindProtocol || k == KindFlowControl {
		code = h3codec.ErrCodeGeneralProtocol
	}
	a.fail(code, cause)
}

func (a *adapter3) Output() []Outbound {
	out := a.out
	a.out = nil
	return out
}

func (a *adapter3) StreamState(id uint64) (StreamState, bool) {
	if s := a.streams.get(id); s != nil {
		return s.state, true
	}
	return 0, false
}
func (a *adapter3) Idle() bool { return a.streams.len() == 0 }
func (a *adapter3) AwaitingHead() bool {
	for _, s := range a.streams.order {
		if s.state == StateIdle {
			return true
		}
	}
	return false
}
func (a *adapter3) Wants() bool {
	if a.closing {
		return false
	}
	buffered := 0
	for _, p := range a.requests {
		buffered += p.Buffered()
	}
	return buffered < a.config.ConnWindow+a.config.MaxHeaderListSize
}

func fromQpack(fields []qpack.HeaderField) []Header {
	headers := make([]Header, len(fields))
	for i, f := range fields {
		headers[i] = Header{Name: f.Name, Value: f.Value}
	}
	return headers
}
func toQpack(headers Headers) []qpack.HeaderField {
	fields := make([]qpack.HeaderField, len(headers))
	for i, h := range headers {
		fields[i] = qpack.HeaderField{Name: h.Name, Value: h.Value}
	}
	return fields
}
