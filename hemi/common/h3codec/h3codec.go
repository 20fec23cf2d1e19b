// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE.md file.

// Package h3codec implements HTTP/3 framing (RFC 9114) over QUIC stream bytes.
// Field sections are QPACK encoded with the static table only.
package h3codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/quic-go/qpack"
	"github.com/quic-go/quic-go/quicvarint"
)

// Frame types.
const (
	FrameData       = 0x00
	FrameHeaders    = 0x01
	FrameCancelPush = 0x03
	FrameSettings   = 0x04
	FrameGoAway     = 0x07
	FrameMaxPushID  = 0x0d
)

// Unidirectional stream types.
const (
	StreamControl      = 0x00
	StreamPush         = 0x01
	StreamQPACKEncoder = 0x02
	StreamQPACKDecoder = 0x03
)

// Error codes.
const (
	ErrCodeNoError           = 0x100
	ErrCodeGeneralProtocol   = 0x101
	ErrCodeInternal          = 0x102
	ErrCodeStreamCreation    = 0x103
	ErrCodeClosedCritical    = 0x104
	ErrCodeFrameUnexpected   = 0x105
	ErrCodeFrameError        = 0x106
	ErrCodeExcessiveLoad     = 0x107
	ErrCodeIDError           = 0x108
	ErrCodeSettingsError     = 0x109
	ErrCodeMissingSettings   = 0x10a
	ErrCodeRequestRejected   = 0x10b
	ErrCodeRequestCancelled  = 0x10c
	ErrCodeRequestIncomplete = 0x10d
	ErrCodeMessageError      = 0x10e
	ErrCodeConnectError      = 0x10f
	ErrCodeVersionFallback   = 0x110

	ErrCodeQPACKDecompressionFailed = 0x200
)

// Settings identifiers.
const (
	SettingQPACKMaxTableCapacity = 0x01
	SettingMaxFieldSectionSize   = 0x06
	SettingQPACKBlockedStreams   = 0x07
)

var ErrFrameTooLarge = errors.New("h3codec: frame too large")

// Frame is one HTTP/3 frame. The payload of DATA is not part of it.
type Frame struct {
	Type    uint64
	Size    uint64
	Payload []byte
}

// Parser splits the bytes of one QUIC stream into frames.
type Parser struct {
	buf      []byte
	maxSize  int
	dataLeft uint64 // unread content of the current DATA frame
}

func NewParser(maxFrameSize int) *Parser {
	if maxFrameSize <= 0 {
		maxFrameSize = 1 << 20
	}
	return &Parser{maxSize: maxFrameSize}
}

func (p *Parser) Feed(b []byte)  { p.buf = append(p.buf, b...) }
func (p *Parser) Buffered() int { return len(p.buf) }

// Next returns the next frame, or false if more bytes are needed.
// A DATA frame is returned as soon as its header is in. Its content is taken with ReadData
// and Next returns nothing until all of it is taken. Other payloads larger than the limit are rejected.
func (p *Parser) Next() (Frame, bool, error) {
	if p.dataLeft > 0 {
		return Frame{}, false, nil
	}
	typ, n1, ok := readVarint(p.buf)
	if !ok {
		return Frame{}, false, nil
	}
	size, n2, ok := readVarint(p.buf[n1:])
	if !ok {
		return Frame{}, false, nil
	}
	if typ == FrameData {
		p.buf = p.buf[n1+n2:]
		p.dataLeft = size
		return Frame{Type: typ, Size: size}, true, nil
	}
	if size > uint64(p.maxSize) {
		return Frame{}, false, fmt.Errorf("%w: type %#x size %d", ErrFrameTooLarge, typ, size)
	}
	end := n1 + n2 + int(size)
	if len(p.buf) < end {
		return Frame{}, false, nil
	}
	payload := make([]byte, size)
	copy(payload, p.buf[n1+n2:end])
	p.buf = p.buf[end:]
	return Frame{Type: typ, Size: size, Payload: payload}, true, nil
}

// DataLeft reports the unread content of the current DATA frame.
func (p *Parser) DataLeft() uint64 { return p.dataLeft }

// ReadData takes up to max buffered bytes of the current DATA frame.
func (p *Parser) ReadData(max int) []byte {
	n := uint64(len(p.buf))
	if n > p.dataLeft {
		n = p.dataLeft
	}
	if n > uint64(max) {
		n = uint64(max)
	}
	if n == 0 {
		return nil
	}
	data := make([]byte, n)
	copy(data, p.buf[:n])
	p.buf = p.buf[n:]
	p.dataLeft -= n
	return data
}

// ReadStreamType reads the type prefix of a unidirectional stream.
func (p *Parser) ReadStreamType() (uint64, bool) {
	typ, n, ok := readVarint(p.buf)
	if !ok {
		return 0, false
	}
	p.buf = p.buf[n:]
	return typ, true
}

// Discard drops all buffered bytes.
func (p *Parser) Discard() { p.buf = p.buf[:0] }

func readVarint(b []byte) (uint64, int, bool) {
	if len(b) == 0 {
		return 0, 0, false
	}
	if need := 1 << (b[0] >> 6); len(b) < need {
		return 0, 0, false
	}
	r := bytes.NewReader(b)
	v, err := quicvarint.Read(r)
	if err != nil {
		return 0, 0, false
	}
	return v, len(b) - r.Len(), true
}

// AppendFrame appends a frame of typ with payload.
func AppendFrame(dst []byte, typ uint64, payload []byte) []byte {
	dst = quicvarint.Append(dst, typ)
	dst = quicvarint.Append(dst, uint64(len(payload)))
	return append(dst, payload...)
}

// AppendDataHeader appends the header of a DATA frame of size bytes.
func AppendDataHeader(dst []byte, size int) []byte {
	dst = quicvarint.Append(dst, FrameData)
	return quicvarint.Append(dst, uint64(size))
}

// AppendStreamType appends the type prefix of a unidirectional stream.
func AppendStreamType(dst []byte, typ uint64) []byte { return quicvarint.Append(dst, typ) }

// AppendSettings appends a SETTINGS frame. ids and values are paired.
func AppendSettings(dst []byte, settings [][2]uint64) []byte {
	var payload []byte
	for _, s := range settings {
		payload = quicvarint.Append(payload, s[0])
		payload = quicvarint.Append(payload, s[1])
	}
	return AppendFrame(dst, FrameSettings, payload)
}

// ParseSettings parses a SETTINGS payload.
func ParseSettings(payload []byte) ([][2]uint64, error) {
	var settings [][2]uint64
	r := bytes.NewReader(payload)
	for r.Len() > 0 {
		id, err := quicvarint.Read(r)
		if err != nil {
			return nil, err
		}
		value, err := quicvarint.Read(r)
		if err != nil {
			return nil, fmt.Errorf("h3codec: truncated setting %#x: %w", id, err)
		}
		settings = append(settings, [2]uint64{id, value})
	}
	return settings, nil
}

// AppendGoAway appends a GOAWAY frame carrying id.
func AppendGoAway(dst []byte, id uint64) []byte {
	return AppendFrame(dst, FrameGoAway, quicvarint.Append(nil, id))
}

// ParseGoAway parses a GOAWAY payload.
func ParseGoAway(payload []byte) (uint64, error) {
	r := bytes.NewReader(payload)
	id, err := quicvarint.Read(r)
	if err == nil && r.Len() != 0 {
		err = io.ErrShortBuffer
	}
	return id, err
}

// EncodeFields QPACK encodes a field section.
func EncodeFields(fields []qpack.HeaderField) ([]byte, error) {
	var buf bytes.Buffer
	enc := qpack.NewEncoder(&buf)
	for _, f := range fields {
		if err := enc.WriteField(f); err != nil {
			return nil, err
		}
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeFields decodes a QPACK field section.
func DecodeFields(block []byte) ([]qpack.HeaderField, error) {
	return qpack.NewDecoder(nil).DecodeFull(block)
}
