// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE.md file.

// Package wscodec implements the server side of the RFC 6455 framing.
package wscodec

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"unicode/utf8"
)

// Opcodes.
const (
	OpContinuation = 0x0
	OpText         = 0x1
	OpBinary       = 0x2
	OpClose        = 0x8
	OpPing         = 0x9
	OpPong         = 0xA
)

// Close codes.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	CloseProtocolError   = 1002
	CloseNoStatus        = 1005
	CloseInvalidPayload  = 1007
	ClosePolicyViolation = 1008
	CloseTooBig          = 1009
	CloseInternalError   = 1011
)

const acceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

var (
	ErrUnmasked     = errors.New("wscodec: client frame is not masked")
	ErrReservedBits = errors.New("wscodec: reserved bits set")
	ErrBadOpcode    = errors.New("wscodec: unknown opcode")
	ErrBadControl   = errors.New("wscodec: bad control frame")
	ErrBadFragment  = errors.New("wscodec: bad fragmentation")
	ErrTooBig       = errors.New("wscodec: message too big")
	ErrBadUTF8      = errors.New("wscodec: text message is not valid UTF-8")
)

// AcceptKey computes Sec-WebSocket-Accept for a Sec-WebSocket-Key.
func AcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(acceptGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// Message is a complete data message or a control frame.
type Message struct {
	Opcode  byte
	Payload []byte
}

// Parser parses masked client frames and reassembles fragmented messages.
type Parser struct {
	buf        []byte
	maxMessage int
	fragOp     byte
	frag       []byte
	fragmented bool
}

func NewParser(maxMessage int) *Parser {
	if maxMessage <= 0 {
		maxMessage = 1 << 20
	}
	return &Parser{maxMessage: maxMessage}
}

func (p *Parser) Feed(b []byte)  { p.buf = append(p.buf, b...) }
func (p *Parser) Buffered() int { return len(p.buf) }

// Next returns the next message, or false if more bytes are needed.
// Control frames are returned as soon as they arrive, even between fragments.
func (p *Parser) Next() (Message, bool, error) {
	for {
		fin, op, payload, ok, err := p.nextFrame()
		if !ok || err != nil {
			return Message{}, false, err
		}
		if op >= OpClose {
			return Message{Opcode: op, Payload: payload}, true, nil
		}
		switch {
		case op == OpContinuation && !p.fragmented:
			return Message{}, false, ErrBadFragment
		case op != OpContinuation && p.fragmented:
			return Message{}, false, ErrBadFragment
		case op != OpContinuation:
			p.fragOp = op
		}
		if len(p.frag)+len(payload) > p.maxMessage {
			return Message{}, false, ErrTooBig
		}
		p.frag = append(p.frag, payload...)
		if !fin {
			p.fragmented = true
			continue
		}
		msg := Message{Opcode: p.fragOp, Payload: p.frag}
		p.frag, p.fragmented = nil, false
		if msg.Opcode == OpText && !utf8.Valid(msg.Payload) {
			return Message{}, false, ErrBadUTF8
		}
		return msg, true, nil
	}
}

func (p *Parser) nextFrame() (fin bool, op byte, payload []byte, ok bool, err error) {
	b := p.buf
	if len(b) < 2 {
		return
	}
	fin = b[0]&0x80 != 0
	if b[0]&0x70 != 0 {
		err = ErrReservedBits
		return
	}
	op = b[0] & 0x0F
	switch op {
	case OpContinuation, OpText, OpBinary, OpClose, OpPing, OpPong:
	default:
		err = ErrBadOpcode
		return
	}
	if b[1]&0x80 == 0 { // RFC 6455: The server MUST close the connection upon receiving a frame that is not masked.
		err = ErrUnmasked
		return
	}
	size := uint64(b[1] & 0x7F)
	off := 2
	switch size {
	case 126:
		if len(b) < 4 {
			return
		}
		size, off = uint64(binary.BigEndian.Uint16(b[2:4])), 4
	case 127:
		if len(b) < 10 {
			return
		}
		size, off = binary.BigEndian.Uint64(b[2:10]), 10
	}
	if op >= OpClose && (!fin || size > 125) { // RFC 6455: All control frames MUST have a payload length of 125 bytes or less and MUST NOT be fragmented.
		err = ErrBadControl
		return
	}
	if size > uint64(p.maxMessage) {
		err = ErrTooBig
		return
	}
	end := off + 4 + int(size)
	if len(b) < end {
		return
	}
	var mask [4]byte
	copy(mask[:], b[off:off+4])
	payload = make([]byte, size)
	for i := range payload {
		payload[i] = b[off+4+i] ^ mask[i&3]
	}
	p.buf = b[end:]
	ok = true
	return
}

// AppendFrame appends an unmasked server frame.
func AppendFrame(dst []byte, fin bool, op byte, payload []byte) []byte {
	b0 := op
	if fin {
		b0 |= 0x80
	}
	dst = append(dst, b0)
	switch n := len(payload); {
	case n <= 125:
		dst = append(dst, byte(n))
	case n <= 0xFFFF:
		dst = append(dst, 126)
		dst = binary.BigEndian.AppendUint16(dst, uint16(n))
	default:
		dst = append(dst, 127)
		dst = binary.BigEndian.AppendUint64(dst, uint64(n))
	}
	return append(dst, payload...)
}

// AppendClose appends a close frame.
func AppendClose(dst []byte, code int, reason string) []byte {
	if code == 0 || code == CloseNoStatus {
		return AppendFrame(dst, true, OpClose, nil)
	}
	payload := binary.BigEndian.AppendUint16(nil, uint16(code))
	if len(reason) > 123 {
		reason = reason[:123]
	}
	payload = append(payload, reason...)
	return AppendFrame(dst, true, OpClose, payload)
}

// ParseClose parses the payload of a close frame.
func ParseClose(payload []byte) (code int, reason string) {
	if len(payload) < 2 {
		return CloseNoStatus, ""
	}
	return int(binary.BigEndian.Uint16(payload)), string(payload[2:])
}
