// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE.md file.

// Connection supervisor. A manager goroutine owns the adapter, a receiver goroutine reads the transport,
// and each stream runs the application in its own task goroutine.

package hemi

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ConnState is the lifecycle state of a connection.
type ConnState uint8

const (
	ConnAccepted ConnState = iota
	ConnActive
	ConnDraining
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnAccepted:
		return "accepted"
	case ConnActive:
		return "active"
	case ConnDraining:
		return "draining"
	case ConnClosed:
		return "closed"
	}
	return "unknown"
}

// connOp is an operation a task asks the manager to do.
type connOp struct {
	kind  uint8 // opXXX
	task  *streamTask
	event Event      // opEmit
	reply chan error // opEmit
	size  int        // opConsumed
	err   error      // opDone
}

const (
	opEmit = iota
	opConsumed
	opDone
)

// inbound is what the receiver hands to the manager.
type inbound struct {
	in  Inbound
	err error
}

// pendingSend is an emit whose bytes are not written yet.
type pendingSend struct {
	task  *streamTask
	since time.Time
}

// serverConn supervises one connection.
type serverConn struct {
	// Assocs
	server    *Server
	transport Transport
	adapter   Adapter
	logger    *Logger
	// Conn states (non-zeros)
	id       int64
	config   *Config
	ctx      context.Context // parent of task contexts
	cancel   context.CancelFunc
	incoming chan inbound
	ops      chan connOp
	done     chan struct{} // closed when the manager quits
	tasks    map[uint64]*streamTask
	sends    map[*pendingSend]struct{}
	// Conn states (zeros)
	group     errgroup.Group // tasks
	state     ConnState
	idleSince time.Time // zero if not idle
	headSince time.Time // zero if no head is partly received
	drainAt   time.Time
}

func newServerConn(server *Server, id int64, transport Transport, adapter Adapter, logger *Logger) *serverConn {
	c := new(serverConn)
	c.server = server
	c.transport = transport
	c.adapter = adapter
	c.logger = logger
	c.id = id
	c.config = server.config
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.incoming = make(chan inbound)
	c.ops = make(chan connOp)
	c.done = make(chan struct{})
	c.tasks = make(map[uint64]*streamTask)
	c.sends = make(map[*pendingSend]struct{})
	c.state = ConnAccepted
	return c
}

func (c *serverConn) setState(state ConnState) {
	c.state = state
	if DebugLevel() >= 1 {
		c.logger.Debug().Str("state", state.String()).Msg("conn state")
	}
	if hook := c.server.ConnStateHook; hook != nil {
		hook(c.id, state)
	}
}

// manager runs until the connection closes. drain is closed when the server shuts down.
func (c *serverConn) manager(drain <-chan struct{}) { // runner
	defer c.closeConn()
	c.setState(ConnActive)
	c.adapter.Initiate()
	if !c.flush() {
		return
	}
	go c.receiver()
	var acks <-chan Inbound
	if async, ok := c.transport.(asyncTransport); ok {
		acks = async.Acks()
	}
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		now := time.Now()
		c.track(now)
		if c.shouldClose() {
			return
		}
		c.armTimer(timer, now)
		var incoming chan inbound
		if c.adapter.Wants() {
			incoming = c.incoming
		}
		select {
		case r := <-incoming:
			if r.err != nil {
				c.lost(r.err)
				return
			}
			if !c.feed(r.in) {
				return
			}
		case in := <-acks: // always taken. acks free send credit
			if !c.feed(in) {
				return
			}
		case op := <-c.ops:
			c.handleOp(op)
		case <-drain:
			drain = nil
			c.startDrain()
		case now := <-timer.C:
			if !c.expire(now) {
				return
			}
		}
		if !c.feed(Inbound{}) { // resume parsing held back by credit or by a closed stream
			return
		}
	}
}

func (c *serverConn) receiver() { // runner
	for {
		in, err := c.transport.Read()
		select {
		case c.incoming <- inbound{in: in, err: err}:
		case <-c.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// feed passes in to the adapter and dispatches what it yields. It returns false if the connection must close.
func (c *serverConn) feed(in Inbound) bool {
	evs, err := c.adapter.Feed(in)
	c.dispatch(evs)
	if err != nil {
		c.logger.Warn().Err(err).Msg("connection error")
		c.flush()
		return false
	}
	return c.flush()
}

// flush writes the adapter's output and dispatches pending events.
func (c *serverConn) flush() bool {
	c.dispatch(c.adapter.Events())
	for _, out := range c.adapter.Output() {
		if err := c.transport.Write(out); err != nil {
			c.lost(fmt.Errorf("write: %w", err))
			return false
		}
	}
	return true
}

// lost handles a broken transport.
func (c *serverConn) lost(err error) {
	if DebugLevel() >= 1 {
		c.logger.Debug().Err(err).Msg("connection lost")
	}
	c.adapter.Abort(fmt.Errorf("%w: %w", ErrConnClosed, err))
	c.dispatch(c.adapter.Events())
	c.adapter.Output() // nowhere to write
}

func (c *serverConn) dispatch(evs []StreamEvent) {
	now := time.Now()
	for _, se := range evs {
		t := c.tasks[se.Stream]
		if req, ok := se.Event.(*RequestStart); ok && t == nil {
			c.startTask(se.Stream, req, now)
			continue
		}
		if t == nil {
			continue // task returned already
		}
		if se.Event != nil {
			if _, ok := se.Event.(*RequestBody); ok {
				t.lastInbound = now
			}
			t.queue.push(se.Event)
		}
		if se.Closed {
			t.closed = true
			t.queue.close()
		}
	}
}

func (c *serverConn) startTask(id uint64, req *RequestStart, now time.Time) {
	t := &streamTask{conn: c, id: id, queue: newEventQueue(), lastInbound: now}
	c.tasks[id] = t
	scope := newScope(c.adapter.Protocol(), c.id, id, req)
	ctx, cancel := context.WithCancel(c.ctx)
	c.group.Go(func() error {
		defer cancel()
		t.run(ctx, scope)
		return nil
	})
}

func (c *serverConn) handleOp(op connOp) {
	t := op.task
	switch op.kind {
	case opEmit:
		if t.closed {
			op.reply <- ErrStreamClosed
			return
		}
		pending := &pendingSend{task: t, since: time.Now()}
		finished := false
		err := c.adapter.Emit(t.id, op.event, func(err error) {
			finished = true
			delete(c.sends, pending)
			op.reply <- err
		})
		if err != nil {
			op.reply <- err
			if errorKind(err) == KindApplication {
				c.logger.Error().Err(err).Uint64("stream", t.id).Msg("application error")
				c.adapter.Abandon(t.id, err)
			}
			return
		}
		if !finished {
			c.sends[pending] = struct{}{}
		}
	case opConsumed:
		c.adapter.Consume(t.id, op.size)
	case opDone:
		delete(c.tasks, t.id)
		for pending := range c.sends {
			if pending.task == t {
				delete(c.sends, pending)
			}
		}
		c.adapter.Abandon(t.id, op.err)
	}
}

func (c *serverConn) startDrain() {
	if c.state != ConnActive {
		return
	}
	c.drainAt = time.Now()
	c.setState(ConnDraining)
	c.adapter.Drain()
}

// track updates the idle and head timestamps.
func (c *serverConn) track(now time.Time) {
	if c.adapter.Idle() && len(c.tasks) == 0 && !c.adapter.AwaitingHead() {
		if c.idleSince.IsZero() {
			c.idleSince = now
		}
	} else {
		c.idleSince = time.Time{}
	}
	if c.adapter.AwaitingHead() {
		if c.headSince.IsZero() {
			c.headSince = now
		}
	} else {
		c.headSince = time.Time{}
	}
}

func (c *serverConn) shouldClose() bool {
	switch {
	case c.adapter.Closing():
		return true
	case c.state == ConnDraining && c.adapter.Idle():
		return true
	}
	return false
}

// deadlines calls visit with every deadline in effect.
func (c *serverConn) deadlines(visit func(at time.Time, expire func())) {
	if !c.idleSince.IsZero() && c.state == ConnActive {
		visit(c.idleSince.Add(c.config.KeepAliveTimeout), func() {
			c.adapter.Abort(timeoutError(0, "keep-alive timeout"))
			c.state = ConnClosed // Active to Closed without draining
		})
	}
	if !c.headSince.IsZero() {
		visit(c.headSince.Add(c.config.HeaderTimeout), func() {
			c.adapter.Abort(timeoutError(0, "request head timeout"))
		})
	}
	if c.state == ConnDraining {
		visit(c.drainAt.Add(c.config.GracefulTimeout), func() {
			c.adapter.Abort(shutdownTimeoutError())
		})
	}
	for _, t := range c.tasks {
		if t.closed || t.queue.len() > 0 {
			continue
		}
		if state, ok := c.adapter.StreamState(t.id); ok && state == StateRequestReceiving {
			id := t.id
			visit(t.lastInbound.Add(c.config.BodyTimeout), func() {
				c.adapter.Reset(id, timeoutError(id, "request body timeout"))
			})
		}
	}
	for pending := range c.sends {
		id := pending.task.id
		visit(pending.since.Add(c.config.SendTimeout), func() {
			c.adapter.Reset(id, timeoutError(id, "send timeout"))
		})
	}
}

func (c *serverConn) armTimer(timer *time.Timer, now time.Time) {
	next := now.Add(time.Hour)
	c.deadlines(func(at time.Time, expire func()) {
		if at.Before(next) {
			next = at
		}
	})
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(next.Sub(now))
}

// expire runs the expired deadlines. It returns false if the connection must close.
func (c *serverConn) expire(now time.Time) bool {
	var expired []func()
	c.deadlines(func(at time.Time, expire func()) {
		if !at.After(now) {
			expired = append(expired, expire)
		}
	})
	for _, expire := range expired {
		expire()
	}
	if len(expired) > 0 && DebugLevel() >= 1 {
		c.logger.Debug().Int("deadlines", len(expired)).Msg("deadlines expired")
	}
	return c.flush() && c.state != ConnClosed
}

// closeConn cancels and awaits the tasks, then closes the transport.
func (c *serverConn) closeConn() {
	close(c.done)
	c.cancel()
	c.transport.Close()
	c.group.Wait()
	c.setState(ConnClosed)
	c.server.connClosed(c)
}

// streamTask runs the application for one stream.
type streamTask struct {
	// Assocs
	conn *serverConn
	// Stream states (non-zeros)
	id    uint64
	queue *eventQueue
	// Stream states (zeros)
	lastInbound time.Time // touched by manager only
	closed      bool      // touched by manager only
}

func (t *streamTask) run(ctx context.Context, scope *Scope) { // runner
	err := t.serve(ctx, scope)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrConnClosed) {
		t.conn.logger.Error().Err(err).Uint64("stream", t.id).Str("request_id", scope.RequestID).Msg("application failed")
	}
	select {
	case t.conn.ops <- connOp{kind: opDone, task: t, err: err}:
	case <-t.conn.done:
	}
}

func (t *streamTask) serve(ctx context.Context, scope *Scope) (err error) {
	defer func() {
		if x := recover(); x != nil {
			err = fmt.Errorf("application panic: %v", x)
			t.conn.logger.Error().Str("stack", string(debug.Stack())).Uint64("stream", t.id).Msg("application panic")
		}
	}()
	return t.conn.server.app.Serve(ctx, scope, t.receive, t.send)
}

func (t *streamTask) receive(ctx context.Context) (Event, error) {
	c := t.conn
	for {
		ev, ok, closed := t.queue.pop()
		if ok {
			if body, isBody := ev.(*RequestBody); isBody && len(body.Data) > 0 {
				select {
				case c.ops <- connOp{kind: opConsumed, task: t, size: len(body.Data)}:
				case <-c.done:
				}
			}
			return ev, nil
		}
		if closed {
			return &Disconnect{}, nil
		}
		select {
		case <-t.queue.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.done:
			return &Disconnect{Reason: ErrConnClosed}, nil
		}
	}
}

func (t *streamTask) send(ctx context.Context, ev Event) error {
	c := t.conn
	if ev == nil {
		return applicationError(t.id, "nil event")
	}
	reply := make(chan error, 1)
	select {
	case c.ops <- connOp{kind: opEmit, task: t, event: ev, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrConnClosed
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrConnClosed
	}
}

// eventQueue holds events for a task. Flow control bounds how much request content it holds.
type eventQueue struct {
	mutex  sync.Mutex
	events []Event
	closed bool
	ready  chan struct{} // signalled on push and close
}

func newEventQueue() *eventQueue {
	return &eventQueue{ready: make(chan struct{}, 1)}
}

func (q *eventQueue) push(ev Event) {
	q.mutex.Lock()
	q.events = append(q.events, ev)
	q.mutex.Unlock()
	q.signal()
}
func (q *eventQueue) close() {
	q.mutex.Lock()
	q.closed = true
	q.mutex.Unlock()
	q.signal()
}
func (q *eventQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// pop returns the head event. closed is true once the queue is closed and empty.
func (q *eventQueue) pop() (ev Event, ok bool, closed bool) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if len(q.events) == 0 {
		return nil, false, q.closed
	}
	ev = q.events[0]
	q.events[0] = nil
	q.events = q.events[1:]
	return ev, true, false
}
func (q *eventQueue) len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return len(q.events)
}
