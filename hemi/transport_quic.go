// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE.md file.

// QUIC transport for HTTP/3.

package hemi

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/hexinfra/hypergate/hemi/common/h3codec"
)

const quicReadSize = 16 << 10

// quicTransport is a Transport over a QUIC connection. Each stream has a reader goroutine and a writer goroutine.
type quicTransport struct {
	// Assocs
	conn quic.Connection
	// States
	writeTimeout time.Duration
	ctx          context.Context
	cancel       context.CancelFunc
	incoming     chan Inbound
	acks         chan Inbound
	broken       chan struct{} // closed when an accept loop fails
	brokenErr    error
	brokenOnce   sync.Once
	mutex        sync.Mutex
	writers      map[uint64]*quicWriter // indexed by stream id
}

// newQUICTransport starts the accept loops of conn. Streams are announced by Read in the order they were accepted.
func newQUICTransport(conn quic.Connection, writeTimeout time.Duration) *quicTransport {
	t := new(quicTransport)
	t.conn = conn
	t.writeTimeout = writeTimeout
	t.ctx, t.cancel = context.WithCancel(conn.Context())
	t.incoming = make(chan Inbound)
	t.acks = make(chan Inbound)
	t.broken = make(chan struct{})
	t.writers = make(map[uint64]*quicWriter)
	go t.acceptStreams()
	go t.acceptUniStreams()
	return t
}

func (t *quicTransport) acceptStreams() { // runner
	for {
		stream, err := t.conn.AcceptStream(t.ctx)
		if err != nil {
			t.fail(err)
			return
		}
		id := uint64(stream.StreamID())
		t.addWriter(id, stream)
		if !t.deliver(Inbound{Stream: id, Open: true}) {
			return
		}
		go t.reader(id, stream)
	}
}

func (t *quicTransport) acceptUniStreams() { // runner
	for {
		stream, err := t.conn.AcceptUniStream(t.ctx)
		if err != nil {
			t.fail(err)
			return
		}
		go t.reader(uint64(stream.StreamID()), stream)
	}
}

func (t *quicTransport) reader(id uint64, stream quic.ReceiveStream) { // runner
	for {
		buffer := make([]byte, quicReadSize)
		n, err := stream.Read(buffer)
		if n > 0 && !t.deliver(Inbound{Stream: id, Data: buffer[:n]}) {
			return
		}
		if err == nil {
			continue
		}
		if err == io.EOF {
			t.deliver(Inbound{Stream: id, End: true})
			return
		}
		var streamErr *quic.StreamError
		if errors.As(err, &streamErr) && streamErr.Remote {
			t.deliver(Inbound{Stream: id, Reset: true})
		}
		return
	}
}

func (t *quicTransport) deliver(in Inbound) bool {
	select {
	case t.incoming <- in:
		return true
	case <-t.ctx.Done():
		return false
	}
}

func (t *quicTransport) fail(err error) {
	t.brokenOnce.Do(func() {
		t.brokenErr = err
		close(t.broken)
	})
}

func (t *quicTransport) Read() (Inbound, error) {
	select {
	case in := <-t.incoming:
		return in, nil
	case <-t.broken:
		return Inbound{}, t.brokenErr
	}
}

// Acks reports bytes the writers finished writing.
func (t *quicTransport) Acks() <-chan Inbound { return t.acks }

func (t *quicTransport) Write(out Outbound) error {
	if out.Stop {
		t.mutex.Lock()
		w := t.writers[out.Stream]
		t.mutex.Unlock()
		if w != nil {
			if recv, ok := w.stream.(quic.ReceiveStream); ok {
				recv.CancelRead(quic.StreamErrorCode(out.Code))
			}
		}
		if len(out.Data) == 0 && !out.End && !out.Reset {
			return nil
		}
	}
	w, err := t.writerOf(out)
	if err != nil || w == nil {
		return err
	}
	w.push(out)
	return nil
}

// writerOf returns the writer of out's stream. The server control stream is opened on its first write.
func (t *quicTransport) writerOf(out Outbound) (*quicWriter, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if w := t.writers[out.Stream]; w != nil {
		return w, nil
	}
	if !out.Uni {
		return nil, nil // stream is gone
	}
	stream, err := t.conn.OpenUniStream()
	if err != nil {
		return nil, err
	}
	w := t.newWriter(out.Stream, stream)
	t.writers[out.Stream] = w
	return w, nil
}

func (t *quicTransport) addWriter(id uint64, stream quic.SendStream) {
	t.mutex.Lock()
	t.writers[id] = t.newWriter(id, stream)
	t.mutex.Unlock()
}

func (t *quicTransport) newWriter(id uint64, stream quic.SendStream) *quicWriter {
	w := &quicWriter{transport: t, id: id, stream: stream, ready: make(chan struct{}, 1)}
	go w.writer()
	return w
}

func (t *quicTransport) removeWriter(id uint64) {
	t.mutex.Lock()
	delete(t.writers, id)
	t.mutex.Unlock()
}

func (t *quicTransport) Close() error {
	t.cancel()
	return t.conn.CloseWithError(quic.ApplicationErrorCode(h3codec.ErrCodeNoError), "")
}
func (t *quicTransport) LocalAddr() net.Addr  { return t.conn.LocalAddr() }
func (t *quicTransport) RemoteAddr() net.Addr { return t.conn.RemoteAddr() }

// quicWriter writes the outbound units of one stream in order.
type quicWriter struct {
	// Assocs
	transport *quicTransport
	// States
	id     uint64
	stream quic.SendStream
	mutex  sync.Mutex
	queue  []Outbound
	ready  chan struct{}
}

func (w *quicWriter) push(out Outbound) {
	w.mutex.Lock()
	w.queue = append(w.queue, out)
	w.mutex.Unlock()
	select {
	case w.ready <- struct{}{}:
	default:
	}
}

func (w *quicWriter) pop() (Outbound, bool) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if len(w.queue) == 0 {
		return Outbound{}, false
	}
	out := w.queue[0]
	w.queue = w.queue[1:]
	return out, true
}

func (w *quicWriter) writer() { // runner
	t := w.transport
	defer t.removeWriter(w.id)
	for {
		out, ok := w.pop()
		if !ok {
			select {
			case <-w.ready:
				continue
			case <-t.ctx.Done():
				return
			}
		}
		if out.Reset {
			w.stream.CancelWrite(quic.StreamErrorCode(out.Code))
			if recv, ok := w.stream.(quic.ReceiveStream); ok {
				recv.CancelRead(quic.StreamErrorCode(out.Code))
			}
			return
		}
		if len(out.Data) > 0 {
			if t.writeTimeout > 0 {
				w.stream.SetWriteDeadline(time.Now().Add(t.writeTimeout))
			}
			n, err := w.stream.Write(out.Data)
			if n > 0 {
				select {
				case t.acks <- Inbound{Stream: w.id, Acked: n}:
				case <-t.ctx.Done():
					return
				}
			}
			if err != nil {
				w.stream.CancelWrite(quic.StreamErrorCode(h3codec.ErrCodeInternal))
				select { // the stream is lost. tell the adapter
				case t.acks <- Inbound{Stream: w.id, Reset: true}:
				case <-t.ctx.Done():
				}
				return
			}
		}
		if out.End {
			w.stream.Close()
			return
		}
	}
}
