// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE.md file.

// Package h2codec is a sans-I/O HTTP/2 frame codec for the server side of a connection.
// Frames are read and written with golang.org/x/net/http2 against in-memory buffers.
package h2codec

import (
	"bytes"
	"errors"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

const (
	DefaultMaxFrameSize   = 16384
	DefaultWindowSize     = 65535
	DefaultHeaderTable    = 4096
	frameHeaderLen        = 9
	flagEndHeaders        = 0x4
	frameTypeHeaders      = 0x1
	frameTypeContinuation = 0x9
)

var ErrBadPreface = errors.New("h2codec: bad client connection preface")

// Codec holds the read and write state of one HTTP/2 connection, including both HPACK tables.
type Codec struct {
	in            bytes.Buffer
	out           bytes.Buffer
	hbuf          bytes.Buffer
	framer        *http2.Framer
	henc          *hpack.Encoder
	prefaced      bool
	maxReadFrame  uint32
	maxWriteFrame uint32
}

func New(maxReadFrameSize uint32, maxHeaderListSize uint32) *Codec {
	if maxReadFrameSize < DefaultMaxFrameSize {
		maxReadFrameSize = DefaultMaxFrameSize
	}
	c := &Codec{maxReadFrame: maxReadFrameSize, maxWriteFrame: DefaultMaxFrameSize}
	c.framer = http2.NewFramer(&c.out, &c.in)
	c.framer.SetMaxReadFrameSize(maxReadFrameSize)
	c.framer.MaxHeaderListSize = maxHeaderListSize
	c.framer.ReadMetaHeaders = hpack.NewDecoder(DefaultHeaderTable, nil)
	c.henc = hpack.NewEncoder(&c.hbuf)
	return c
}

// Feed appends inbound bytes.
func (c *Codec) Feed(p []byte) { c.in.Write(p) }

// Buffered returns the number of inbound bytes not yet parsed.
func (c *Codec) Buffered() int { return c.in.Len() }

// Prefaced reports whether the client connection preface was received.
func (c *Codec) Prefaced() bool { return c.prefaced }

// Next returns the next complete frame, or nil, nil if more bytes are needed.
// HEADERS and their CONTINUATION frames are returned as one *http2.MetaHeadersFrame.
// Frame payloads are only valid until the following call.
func (c *Codec) Next() (http2.Frame, error) {
	if !c.prefaced {
		b := c.in.Bytes()
		n := len(b)
		if n > len(http2.ClientPreface) {
			n = len(http2.ClientPreface)
		}
		if string(b[:n]) != http2.ClientPreface[:n] {
			return nil, ErrBadPreface
		}
		if n < len(http2.ClientPreface) {
			return nil, nil
		}
		c.in.Next(n)
		c.prefaced = true
	}
	ready, err := c.ready()
	if !ready || err != nil {
		return nil, err
	}
	return c.framer.ReadFrame()
}

// ready reports whether a whole frame, or a whole header block, is buffered.
func (c *Codec) ready() (bool, error) {
	b := c.in.Bytes()
	for off := 0; ; {
		if len(b)-off < frameHeaderLen {
			return false, nil
		}
		size := uint32(b[off])<<16 | uint32(b[off+1])<<8 | uint32(b[off+2])
		if size > c.maxReadFrame { // RFC 9113: An endpoint MUST send an error code of FRAME_SIZE_ERROR if a frame exceeds the size defined in SETTINGS_MAX_FRAME_SIZE
			return false, http2.ConnectionError(http2.ErrCodeFrameSize)
		}
		end := off + frameHeaderLen + int(size)
		if len(b) < end {
			return false, nil
		}
		typ, flags := b[off+3], b[off+4]
		if (typ == frameTypeHeaders || typ == frameTypeContinuation) && flags&flagEndHeaders == 0 {
			off = end // header block continues in the next frame
			continue
		}
		return true, nil
	}
}

// SetMaxWriteFrameSize applies the peer's SETTINGS_MAX_FRAME_SIZE.
func (c *Codec) SetMaxWriteFrameSize(n uint32) { c.maxWriteFrame = n }

// SetHeaderTableSize applies the peer's SETTINGS_HEADER_TABLE_SIZE.
func (c *Codec) SetHeaderTableSize(n uint32) { c.henc.SetMaxDynamicTableSizeLimit(n) }

func (c *Codec) MaxWriteFrameSize() int { return int(c.maxWriteFrame) }

func (c *Codec) WriteSettings(settings ...http2.Setting) error {
	return c.framer.WriteSettings(settings...)
}
func (c *Codec) WriteSettingsAck() error { return c.framer.WriteSettingsAck() }
func (c *Codec) WritePing(ack bool, data [8]byte) error {
	return c.framer.WritePing(ack, data)
}
func (c *Codec) WriteWindowUpdate(streamID uint32, increment uint32) error {
	return c.framer.WriteWindowUpdate(streamID, increment)
}
func (c *Codec) WriteRSTStream(streamID uint32, code http2.ErrCode) error {
	return c.framer.WriteRSTStream(streamID, code)
}
func (c *Codec) WriteGoAway(lastStreamID uint32, code http2.ErrCode, debug []byte) error {
	return c.framer.WriteGoAway(lastStreamID, code, debug)
}
func (c *Codec) WriteData(streamID uint32, endStream bool, data []byte) error {
	return c.framer.WriteData(streamID, endStream, data)
}

// WriteHeaders encodes fields and writes them as HEADERS plus CONTINUATION frames as needed.
func (c *Codec) WriteHeaders(streamID uint32, endStream bool, fields []hpack.HeaderField) error {
	c.hbuf.Reset()
	for _, f := range fields {
		if err := c.henc.WriteField(f); err != nil {
			return err
		}
	}
	block := c.hbuf.Bytes()
	for first := true; first || len(block) > 0; first = false {
		frag := block
		if len(frag) > int(c.maxWriteFrame) {
			frag = frag[:c.maxWriteFrame]
		}
		block = block[len(frag):]
		endHeaders := len(block) == 0
		var err error
		if first {
			err = c.framer.WriteHeaders(http2.HeadersFrameParam{
				StreamID:      streamID,
				BlockFragment: frag,
				EndStream:     endStream,
				EndHeaders:    endHeaders,
			})
		} else {
			err = c.framer.WriteContinuation(streamID, endHeaders, frag)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Pending returns the number of outbound bytes not yet taken.
func (c *Codec) Pending() int { return c.out.Len() }

// Take returns and clears the outbound bytes.
func (c *Codec) Take() []byte {
	if c.out.Len() == 0 {
		return nil
	}
	p := make([]byte, c.out.Len())
	copy(p, c.out.Bytes())
	c.out.Reset()
	return p
}
