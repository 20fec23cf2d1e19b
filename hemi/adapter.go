// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE.md file.

// Adapter interface and elements shared by adapters.

package hemi

// Inbound is a unit read from a transport.
type Inbound struct {
	Stream uint64 // QUIC stream id. 0 for byte stream transports
	Data   []byte
	Open   bool // Stream was just accepted. streams are announced in id order
	End    bool // peer finished sending on Stream
	Reset  bool // peer aborted Stream
	Acked  int  // bytes the transport finished writing on Stream
}

// Outbound is a unit to write to a transport.
type Outbound struct {
	Stream uint64 // QUIC stream id. 0 for byte stream transports
	Uni    bool   // Stream is a server initiated unidirectional stream
	Data   []byte
	End    bool   // finish sending on Stream after Data
	Reset  bool   // abort Stream with Code instead
	Stop   bool   // stop reading Stream with Code
	Code   uint64
}

// Adapter converts between the bytes of one connection and stream scoped events.
// Adapters are driven by one goroutine and are not safe for concurrent use.
//
// Operations other than Feed leave the events they produce pending. Events returns them.
// Output returns the bytes the operations produced.
type Adapter interface {
	Protocol() Protocol
	// Initiate queues the server's connection preface, if the protocol has one.
	Initiate()
	// Feed consumes inbound bytes and returns all pending events. An empty Inbound resumes parsing.
	// A non-nil error is fatal to the connection. Goodbye bytes are queued before it returns.
	Feed(in Inbound) ([]StreamEvent, error)
	// Emit queues an application event for stream id. done is called once the event's bytes are output,
	// or with an error if the stream is reset before that.
	Emit(id uint64, ev Event, done func(error)) error
	// Consume reports that the application took n bytes of request content.
	Consume(id uint64, n int)
	// Abandon ends a stream whose application failed or returned early.
	Abandon(id uint64, cause error)
	// Reset aborts a live stream and reports Disconnect for it.
	Reset(id uint64, cause error)
	// Drain refuses new streams from now on.
	Drain()
	// Abort tears the connection down, answering with a goodbye where the protocol allows.
	Abort(cause error)

	Events() []StreamEvent
	Output() []Outbound
	StreamState(id uint64) (StreamState, bool)
	// Idle reports whether no stream is live.
	Idle() bool
	// AwaitingHead reports whether a request head is partly received.
	AwaitingHead() bool
	// Wants reports whether the adapter can take more inbound bytes.
	Wants() bool
	// Closing reports whether the connection must be closed once output is written.
	Closing() bool
}

// newAdapter creates the adapter for proto.
func newAdapter(proto Protocol, info *connInfo, config *Config, logger *Logger) Adapter {
	switch proto {
	case ProtoHTTP2:
		return newAdapter2(info, config, logger)
	case ProtoHTTP3:
		return newAdapter3(info, config, logger)
	default:
		return newAdapter1(info, config, logger)
	}
}

// adapter_ is the parent of all adapters.
type adapter_ struct {
	// Assocs
	info   *connInfo
	config *Config
	logger *Logger
	// States (zeros)
	events   []StreamEvent
	draining bool
	closing  bool
}

func (a *adapter_) onInit(info *connInfo, config *Config, logger *Logger) {
	a.info = info
	a.config = config
	a.logger = logger
}

func (a *adapter_) event(id uint64, ev Event) {
	a.events = append(a.events, StreamEvent{Stream: id, Event: ev})
}
func (a *adapter_) emitEvents(id uint64, evs []Event) {
	for _, ev := range evs {
		a.event(id, ev)
	}
}
func (a *adapter_) closed(id uint64, ev Event) {
	a.events = append(a.events, StreamEvent{Stream: id, Event: ev, Closed: true})
}

func (a *adapter_) Events() []StreamEvent {
	events := a.events
	a.events = nil
	return events
}
func (a *adapter_) Closing() bool { return a.closing }

// streamSet holds the streams of a multiplexed connection in creation order
// and flushes their queued output round-robin.
type streamSet struct {
	byID  map[uint64]*Stream
	order []*Stream
	next  int // round-robin cursor
}

func (m *streamSet) init() {
	m.byID = make(map[uint64]*Stream)
}
func (m *streamSet) get(id uint64) *Stream { return m.byID[id] }
func (m *streamSet) len() int              { return len(m.order) }
func (m *streamSet) add(s *Stream) {
	m.byID[s.id] = s
	m.order = append(m.order, s)
}

// remove drops a stream that reached a terminal state.
func (m *streamSet) remove(s *Stream) {
	if !s.state.Terminal() {
		panic("remove of a live stream")
	}
	delete(m.byID, s.id)
	for i, t := range m.order {
		if t == s {
			m.order = append(m.order[:i], m.order[i+1:]...)
			if m.next > i {
				m.next--
			}
			break
		}
	}
	if m.next >= len(m.order) {
		m.next = 0
	}
}

// flush writes queued items round-robin. Each round gives every ready stream at most one frame,
// bounded by stream and connection credit, so a stream without credit never blocks the others.
func (m *streamSet) flush(conn *Window, maxFrame int, write func(s *Stream, item *outItem, chunk []byte, last bool)) {
	n := len(m.order)
	if n == 0 {
		return
	}
	start := m.next
	for {
		progressed := false
		for i := 0; i < n; i++ {
			s := m.order[(start+i)%n]
			if len(s.outq) == 0 {
				continue
			}
			item := s.outq[0]
			if item.kind != outData || len(item.data) == 0 {
				write(s, item, item.data, true)
				s.pop()
				progressed = true
				continue
			}
			want := int64(len(item.data))
			if want > int64(maxFrame) {
				want = int64(maxFrame)
			}
			got := ReserveUpTo(s.sendWindow, conn, want)
			if got == 0 {
				continue
			}
			chunk := item.data[:got]
			item.data = item.data[got:]
			last := len(item.data) == 0
			write(s, item, chunk, last)
			if last {
				s.pop()
			}
			progressed = true
		}
		if !progressed {
			break
		}
	}
	m.next = (start + 1) % n
}
