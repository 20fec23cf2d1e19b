// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE.md file.

package hemi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testInfo1 = &connInfo{protocol: ProtoHTTP1, scheme: "http", client: "10.0.0.1:40000", server: "10.0.0.2:8080", serverHeader: "hypergate"}
var testInfo2 = &connInfo{protocol: ProtoHTTP2, scheme: "https", client: "10.0.0.1:40000", server: "10.0.0.2:8443"}

func TestNewRequest(t *testing.T) {
	fields := []Header{{"Host", "example.com"}, {"Content-Length", "3"}, {"X-Tag", "  a b  "}}
	req, framing, err := newRequest(1, "POST", "/a%20b/c?x=1&y=2", "HTTP/1.1", fields, testInfo1)
	require.NoError(t, err)
	assert.Equal(t, "POST", req.Method)
	assert.Equal(t, "http", req.Scheme)
	assert.Equal(t, "example.com", req.Authority)
	assert.Equal(t, "/a b/c", req.Path)
	assert.Equal(t, "/a%20b/c", req.RawPath)
	assert.Equal(t, "x=1&y=2", req.Query)
	assert.Equal(t, "1.1", req.Version)
	assert.Equal(t, "10.0.0.1:40000", req.Client)
	assert.Equal(t, "a b", req.Headers.Get("x-tag"), "names are lower-cased and values trimmed")
	assert.Equal(t, int64(3), framing.contentLength)
	assert.False(t, req.WebSocket)
}

func TestNewRequestAbsoluteForm(t *testing.T) {
	req, _, err := newRequest(1, "GET", "http://other.example/p?q", "HTTP/1.1", []Header{{"host", "example.com"}}, testInfo1)
	require.NoError(t, err)
	assert.Equal(t, "other.example", req.Authority)
	assert.Equal(t, "/p", req.Path)
	assert.Equal(t, "q", req.Query)
}

func TestNewRequestRejects(t *testing.T) {
	tests := []struct {
		name    string
		method  string
		target  string
		version string
		fields  []Header
	}{
		{"missing host", "GET", "/", "HTTP/1.1", nil},
		{"two hosts", "GET", "/", "HTTP/1.1", []Header{{"host", "a"}, {"host", "b"}}},
		{"bad version", "GET", "/", "HTTP/2.0", []Header{{"host", "a"}}},
		{"bad method", "G(T", "/", "HTTP/1.1", []Header{{"host", "a"}}},
		{"bad target", "GET", "abc", "HTTP/1.1", []Header{{"host", "a"}}},
		{"asterisk for GET", "GET", "*", "HTTP/1.1", []Header{{"host", "a"}}},
		{"conflicting lengths", "POST", "/", "HTTP/1.1", []Header{{"host", "a"}, {"content-length", "3"}, {"content-length", "4"}}},
		{"length with chunked", "POST", "/", "HTTP/1.1", []Header{{"host", "a"}, {"content-length", "3"}, {"transfer-encoding", "chunked"}}},
		{"gzip coding", "POST", "/", "HTTP/1.1", []Header{{"host", "a"}, {"transfer-encoding", "gzip, chunked"}}},
		{"signed length", "POST", "/", "HTTP/1.1", []Header{{"host", "a"}, {"content-length", "+3"}}},
		{"bad field name", "GET", "/", "HTTP/1.1", []Header{{"host", "a"}, {"bad name", "x"}}},
		{"control in value", "GET", "/", "HTTP/1.1", []Header{{"host", "a"}, {"x", "a\x00b"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := newRequest(1, tt.method, tt.target, tt.version, tt.fields, testInfo1)
			assert.ErrorIs(t, err, ErrProtocol)
		})
	}
}

func TestNewRequestChunkedAndRepeatedLength(t *testing.T) {
	_, framing, err := newRequest(1, "POST", "/", "HTTP/1.1", []Header{{"host", "a"}, {"transfer-encoding", "Chunked"}}, testInfo1)
	require.NoError(t, err)
	assert.True(t, framing.chunked)

	_, framing, err = newRequest(1, "POST", "/", "HTTP/1.1", []Header{{"host", "a"}, {"content-length", "7, 7"}}, testInfo1)
	require.NoError(t, err)
	assert.Equal(t, int64(7), framing.contentLength)
}

func TestWebSocketDetection(t *testing.T) {
	fields := []Header{
		{"host", "a"},
		{"upgrade", "websocket"},
		{"connection", "keep-alive, Upgrade"},
		{"sec-websocket-version", "13"},
		{"sec-websocket-key", "dGhlIHNhbXBsZSBub25jZQ=="},
	}
	req, _, err := newRequest(1, "GET", "/ws", "HTTP/1.1", fields, testInfo1)
	require.NoError(t, err)
	assert.True(t, req.WebSocket)

	req, _, err = newRequest(1, "GET", "/ws", "HTTP/1.1", fields[:4], testInfo1)
	require.NoError(t, err)
	assert.False(t, req.WebSocket, "a key is required")
}

func TestNewPseudoRequest(t *testing.T) {
	fields := []Header{{":method", "GET"}, {":scheme", "https"}, {":authority", "example.com"}, {":path", "/x?y=1"}, {"accept", "*/*"}}
	req, framing, err := newPseudoRequest(3, fields, testInfo2)
	require.NoError(t, err)
	assert.Equal(t, "example.com", req.Authority)
	assert.Equal(t, "/x", req.Path)
	assert.Equal(t, "y=1", req.Query)
	assert.Equal(t, "2", req.Version)
	assert.Equal(t, int64(-1), framing.contentLength)
	assert.Equal(t, Headers{{"accept", "*/*"}}, req.Headers)
}

func TestNewPseudoRequestRejects(t *testing.T) {
	base := func(extra ...Header) []Header {
		return append([]Header{{":method", "GET"}, {":scheme", "https"}, {":path", "/"}}, extra...)
	}
	tests := map[string][]Header{
		"unknown pseudo":       base(Header{":protocol", "x"})[:4],
		"duplicate pseudo":     {{":method", "GET"}, {":method", "GET"}, {":scheme", "https"}, {":path", "/"}},
		"pseudo after regular": {{":method", "GET"}, {":scheme", "https"}, {"accept", "*/*"}, {":path", "/"}},
		"missing path":         {{":method", "GET"}, {":scheme", "https"}},
		"connection field":     base(Header{"connection", "keep-alive"}),
		"te not trailers":      base(Header{"te", "gzip"}),
		"transfer-encoding":    base(Header{"transfer-encoding", "chunked"}),
		"uppercase name":       base(Header{"Accept", "*/*"}),
	}
	for name, fields := range tests {
		t.Run(name, func(t *testing.T) {
			_, _, err := newPseudoRequest(1, fields, testInfo2)
			assert.ErrorIs(t, err, ErrProtocol)
		})
	}
}

func TestResponseFields(t *testing.T) {
	fields, err := responseFields(1, &ResponseStart{Status: 200, Headers: Headers{{"Content-Type", "text/plain"}}}, testInfo1)
	require.NoError(t, err)
	assert.Equal(t, "text/plain", fields.Get("content-type"))
	assert.NotEmpty(t, fields.Get("date"))
	assert.Equal(t, "hypergate", fields.Get("server"))

	fields, err = responseFields(1, &ResponseStart{Status: 200, Headers: Headers{{"connection", "close"}, {"x", "1"}}}, testInfo2)
	require.NoError(t, err)
	assert.False(t, fields.Has("connection"), "hop-by-hop fields are stripped on multiplexed protocols")
	assert.False(t, fields.Has("server"))

	_, err = responseFields(1, &ResponseStart{Status: 600}, testInfo1)
	assert.ErrorIs(t, err, ErrApplication)
	_, err = responseFields(1, &ResponseStart{Status: 101}, testInfo2)
	assert.ErrorIs(t, err, ErrApplication)
	_, err = responseFields(1, &ResponseStart{Status: 200, Headers: Headers{{"x", "a\r\nb"}}}, testInfo1)
	assert.ErrorIs(t, err, ErrApplication)
}

func TestHeadersHelpers(t *testing.T) {
	h := Headers{{"a", "1"}, {"b", "x, Y"}, {"a", "2"}}
	assert.Equal(t, "1", h.Get("a"))
	assert.Equal(t, []string{"1", "2"}, h.Values("a"))
	assert.True(t, h.Has("b"))
	assert.True(t, h.Contains("b", "y"))
	assert.False(t, h.Contains("b", "z"))

	c := h.Clone()
	c[0].Value = "changed"
	assert.Equal(t, "1", h.Get("a"))
	assert.Nil(t, Headers(nil).Clone())
}
