// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE.md file.

// Transports move bytes between a connection and its supervisor.

package hemi

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"time"

	"golang.org/x/net/http2"
)

// Transport is the byte side of a connection. Read is called by one goroutine, Write by another.
type Transport interface {
	// Read blocks until inbound bytes or an error. QUIC transports tag units with the stream id.
	Read() (Inbound, error)
	Write(out Outbound) error
	Close() error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// asyncTransport is a Transport whose writes finish later. Acks reports the bytes each stream finished writing.
type asyncTransport interface {
	Acks() <-chan Inbound
}

const connReadSize = 64 << 10

// connTransport is a Transport over a net.Conn, cleartext or TLS.
type connTransport struct {
	netConn      net.Conn
	reader       io.Reader // netConn, or a bufio.Reader holding sniffed bytes
	writeTimeout time.Duration
	buffer       []byte
	readErr      error // returned after the bytes that came with it
}

// NewConnTransport returns a Transport over netConn. Each write must finish within writeTimeout.
func NewConnTransport(netConn net.Conn, writeTimeout time.Duration) Transport {
	return newConnTransport(netConn, netConn, writeTimeout)
}

func newConnTransport(netConn net.Conn, reader io.Reader, writeTimeout time.Duration) *connTransport {
	return &connTransport{
		netConn:      netConn,
		reader:       reader,
		writeTimeout: writeTimeout,
		buffer:       make([]byte, connReadSize),
	}
}

func (t *connTransport) Read() (Inbound, error) {
	if t.readErr != nil {
		return Inbound{}, t.readErr
	}
	n, err := t.reader.Read(t.buffer)
	if n > 0 {
		data := make([]byte, n)
		copy(data, t.buffer[:n])
		t.readErr = err
		return Inbound{Data: data}, nil
	}
	if err == nil {
		err = io.ErrNoProgress
	}
	return Inbound{}, err
}

func (t *connTransport) Write(out Outbound) error {
	if len(out.Data) == 0 {
		return nil
	}
	if t.writeTimeout > 0 {
		if err := t.netConn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
			return err
		}
	}
	_, err := t.netConn.Write(out.Data)
	return err
}

func (t *connTransport) Close() error         { return t.netConn.Close() }
func (t *connTransport) LocalAddr() net.Addr  { return t.netConn.LocalAddr() }
func (t *connTransport) RemoteAddr() net.Addr { return t.netConn.RemoteAddr() }

// sniffPreface peeks at the first bytes of a cleartext connection and reports whether they are the
// HTTP/2 client connection preface. The peeked bytes stay in the returned reader.
func sniffPreface(netConn net.Conn, timeout time.Duration) (bool, *bufio.Reader, error) {
	reader := bufio.NewReaderSize(netConn, connReadSize)
	if err := netConn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return false, nil, err
	}
	defer netConn.SetReadDeadline(time.Time{})
	preface := []byte(http2.ClientPreface)
	for n := 1; ; {
		p, err := reader.Peek(n)
		if err != nil {
			return false, nil, err
		}
		if !bytes.HasPrefix(preface, p) {
			return false, reader, nil
		}
		if n == len(preface) {
			return true, reader, nil
		}
		n = min(len(preface), max(n+1, reader.Buffered()))
	}
}
