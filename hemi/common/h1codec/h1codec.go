// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE.md file.

// Package h1codec implements an incremental HTTP/1 request parser and response serializer.
// It does no I/O. Bytes are fed in and frames are taken out.
package h1codec

import (
	"bytes"
	"errors"
	"net/http"
	"strconv"
)

// Field is a header field as it appeared on the wire.
type Field struct {
	Name  string
	Value string
}

// Head is a parsed request head.
type Head struct {
	Method  string
	Target  string
	Version string // "HTTP/1.1" or "HTTP/1.0"
	Fields  []Field
}

// ParseError is a malformed message. Status is the response status to answer with.
type ParseError struct {
	Status int
	Reason string
}

func (e *ParseError) Error() string { return "h1codec: " + e.Reason }

var ErrNeedFraming = errors.New("h1codec: body framing not set")

const ( // parser states
	stateHead       = iota // waiting for a request head
	stateFraming           // head parsed, waiting for SetBody
	stateIdentity          // content delimited by length
	stateChunkSize         // waiting for a chunk-size line
	stateChunkData         // inside chunk-data
	stateChunkCRLF         // waiting for the CRLF after chunk-data
	stateTrailers          // waiting for the trailer section
	stateDone              // message complete, waiting for Next
)

const maxChunkLine = 4096

// Parser parses a sequence of pipelined requests.
type Parser struct {
	buf     []byte
	state   int
	maxHead int
	remain  int64 // content left in the current identity body or chunk
}

func NewParser(maxHead int) *Parser {
	if maxHead <= 0 {
		maxHead = 16384
	}
	return &Parser{maxHead: maxHead}
}

// Feed appends p to the parse buffer. p is copied.
func (p *Parser) Feed(b []byte) { p.buf = append(p.buf, b...) }

// Buffered returns the number of unparsed bytes.
func (p *Parser) Buffered() int { return len(p.buf) }

// Partial reports whether part of a request head has been received.
func (p *Parser) Partial() bool { return p.state == stateHead && len(bytes.TrimLeft(p.buf, "\r\n")) > 0 }

// InBody reports whether the parser is inside a request body.
func (p *Parser) InBody() bool { return p.state >= stateIdentity && p.state <= stateTrailers }

// ReadHead parses a request head. It returns nil, nil if more bytes are needed.
func (p *Parser) ReadHead() (*Head, error) {
	if p.state != stateHead {
		return nil, errors.New("h1codec: not expecting a head")
	}
	// RFC 9112: a server that is expecting to receive and parse a request-line SHOULD ignore at least one empty line (CRLF) received prior to the request-line.
	for len(p.buf) >= 2 && p.buf[0] == '\r' && p.buf[1] == '\n' {
		p.buf = p.buf[2:]
	}
	end := bytes.Index(p.buf, []byte("\r\n\r\n"))
	if end < 0 {
		if len(p.buf) > p.maxHead {
			return nil, &ParseError{http.StatusRequestHeaderFieldsTooLarge, "request head too large"}
		}
		return nil, nil
	}
	if end+4 > p.maxHead {
		return nil, &ParseError{http.StatusRequestHeaderFieldsTooLarge, "request head too large"}
	}
	text := p.buf[:end]
	p.buf = p.buf[end+4:]
	lines := bytes.Split(text, []byte("\r\n"))
	head, err := parseRequestLine(lines[0])
	if err != nil {
		return nil, err
	}
	for _, line := range lines[1:] {
		if len(line) == 0 {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' { // RFC 9112: A server that receives an obs-fold in a request message ... MUST either reject the message by sending a 400 (Bad Request)
			return nil, &ParseError{http.StatusBadRequest, "obsolete line folding"}
		}
		field, err := parseFieldLine(line)
		if err != nil {
			return nil, err
		}
		head.Fields = append(head.Fields, field)
	}
	p.state = stateFraming
	return head, nil
}

func parseRequestLine(line []byte) (*Head, error) {
	sp1 := bytes.IndexByte(line, ' ')
	if sp1 <= 0 {
		return nil, &ParseError{http.StatusBadRequest, "bad request line"}
	}
	rest := line[sp1+1:]
	sp2 := bytes.IndexByte(rest, ' ')
	if sp2 <= 0 {
		return nil, &ParseError{http.StatusBadRequest, "bad request line"}
	}
	version := string(rest[sp2+1:])
	if version != "HTTP/1.1" && version != "HTTP/1.0" {
		if len(version) == 8 && version[:5] == "HTTP/" {
			return nil, &ParseError{http.StatusHTTPVersionNotSupported, "unsupported version " + version}
		}
		return nil, &ParseError{http.StatusBadRequest, "bad request line"}
	}
	return &Head{Method: string(line[:sp1]), Target: string(rest[:sp2]), Version: version}, nil
}

func parseFieldLine(line []byte) (Field, error) {
	colon := bytes.IndexByte(line, ':')
	if colon <= 0 {
		return Field{}, &ParseError{http.StatusBadRequest, "bad field line"}
	}
	name := line[:colon]
	if c := name[len(name)-1]; c == ' ' || c == '\t' { // RFC 9112: No whitespace is allowed between the field name and colon.
		return Field{}, &ParseError{http.StatusBadRequest, "whitespace before colon"}
	}
	value := bytes.Trim(line[colon+1:], " \t")
	return Field{Name: string(name), Value: string(value)}, nil
}

// SetBody tells the parser how the body of the current request is delimited.
// length < 0 with chunked false means there is no body.
func (p *Parser) SetBody(length int64, chunked bool) {
	switch {
	case chunked:
		p.state = stateChunkSize
	case length > 0:
		p.state, p.remain = stateIdentity, length
	default:
		p.state = stateDone
	}
}

// ReadBody returns up to max bytes of content. end is true once the message is complete,
// in which case trailers holds trailer fields of a chunked body, if any.
// It returns no data and end false if more bytes are needed.
func (p *Parser) ReadBody(max int) (data []byte, trailers []Field, end bool, err error) {
	for {
		switch p.state {
		case stateFraming:
			return nil, nil, false, ErrNeedFraming
		case stateDone:
			return nil, nil, true, nil
		case stateIdentity, stateChunkData:
			if len(p.buf) == 0 || max <= 0 {
				return nil, nil, false, nil
			}
			n := int64(len(p.buf))
			if n > p.remain {
				n = p.remain
			}
			if n > int64(max) {
				n = int64(max)
			}
			data = make([]byte, n)
			copy(data, p.buf)
			p.buf = p.buf[n:]
			p.remain -= n
			if p.remain == 0 {
				if p.state == stateIdentity {
					p.state = stateDone
					return data, nil, true, nil
				}
				p.state = stateChunkCRLF
			}
			return data, nil, false, nil
		case stateChunkSize:
			eol := bytes.Index(p.buf, []byte("\r\n"))
			if eol < 0 {
				if len(p.buf) > maxChunkLine {
					return nil, nil, false, &ParseError{http.StatusBadRequest, "chunk size line too long"}
				}
				return nil, nil, false, nil
			}
			line := p.buf[:eol]
			if semi := bytes.IndexByte(line, ';'); semi >= 0 { // chunk-ext is ignored
				line = line[:semi]
			}
			line = bytes.TrimRight(line, " \t")
			if !hexDigits(line) { // chunk-size = 1*HEXDIG
				return nil, nil, false, &ParseError{http.StatusBadRequest, "bad chunk size"}
			}
			size, err := strconv.ParseInt(string(line), 16, 64)
			if err != nil || size < 0 {
				return nil, nil, false, &ParseError{http.StatusBadRequest, "bad chunk size"}
			}
			p.buf = p.buf[eol+2:]
			if size == 0 {
				p.state = stateTrailers
			} else {
				p.state, p.remain = stateChunkData, size
			}
		case stateChunkCRLF:
			if len(p.buf) < 2 {
				return nil, nil, false, nil
			}
			if p.buf[0] != '\r' || p.buf[1] != '\n' {
				return nil, nil, false, &ParseError{http.StatusBadRequest, "missing CRLF after chunk"}
			}
			p.buf = p.buf[2:]
			p.state = stateChunkSize
		case stateTrailers:
			if len(p.buf) >= 2 && p.buf[0] == '\r' && p.buf[1] == '\n' {
				p.buf = p.buf[2:]
				p.state = stateDone
				return nil, nil, true, nil
			}
			end := bytes.Index(p.buf, []byte("\r\n\r\n"))
			if end < 0 {
				if len(p.buf) > p.maxHead {
					return nil, nil, false, &ParseError{http.StatusRequestHeaderFieldsTooLarge, "trailer section too large"}
				}
				return nil, nil, false, nil
			}
			for _, line := range bytes.Split(p.buf[:end], []byte("\r\n")) {
				field, err := parseFieldLine(line)
				if err != nil {
					return nil, nil, false, err
				}
				trailers = append(trailers, field)
			}
			p.buf = p.buf[end+4:]
			p.state = stateDone
			return nil, trailers, true, nil
		default:
			return nil, nil, false, errors.New("h1codec: not in a body")
		}
	}
}

// Next resets the parser for the next pipelined request.
func (p *Parser) Next() {
	if p.state == stateDone {
		p.state = stateHead
	}
}

// Detach returns the unparsed bytes and empties the parser. Used when the connection switches protocols.
func (p *Parser) Detach() []byte {
	rest := p.buf
	p.buf = nil
	return rest
}

// AppendStatusLine appends "HTTP/1.1 200 OK\r\n" to dst.
func AppendStatusLine(dst []byte, status int) []byte {
	dst = append(dst, "HTTP/1.1 "...)
	dst = strconv.AppendInt(dst, int64(status), 10)
	dst = append(dst, ' ')
	dst = append(dst, http.StatusText(status)...)
	return append(dst, "\r\n"...)
}

// AppendFields appends field lines and the empty line ending a head or trailer section.
func AppendFields(dst []byte, fields []Field) []byte {
	for _, f := range fields {
		dst = append(dst, f.Name...)
		dst = append(dst, ": "...)
		dst = append(dst, f.Value...)
		dst = append(dst, "\r\n"...)
	}
	return append(dst, "\r\n"...)
}

// AppendChunk appends p as one chunk. Empty p appends nothing since a zero-size chunk ends the body.
func AppendChunk(dst []byte, p []byte) []byte {
	if len(p) == 0 {
		return dst
	}
	dst = strconv.AppendInt(dst, int64(len(p)), 16)
	dst = append(dst, "\r\n"...)
	dst = append(dst, p...)
	return append(dst, "\r\n"...)
}

// AppendLastChunk appends the last-chunk and the trailer section.
func AppendLastChunk(dst []byte, trailers []Field) []byte {
	dst = append(dst, "0\r\n"...)
	return AppendFields(dst, trailers)
}

func hexDigits(p []byte) bool {
	if len(p) == 0 {
		return false
	}
	for _, b := range p {
		if !('0' <= b && b <= '9' || 'a' <= b && b <= 'f' || 'A' <= b && b <= 'F') {
			return false
		}
	}
	return true
}
