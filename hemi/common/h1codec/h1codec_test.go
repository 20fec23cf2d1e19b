// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE.md file.

package h1codec

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadHeadIncremental(t *testing.T) {
	p := NewParser(0)
	raw := "GET /a?b=c HTTP/1.1\r\nHost: example.com\r\nX-Foo:  bar \r\n\r\n"
	for i := 0; i < len(raw)-1; i++ {
		p.Feed([]byte{raw[i]})
		head, err := p.ReadHead()
		require.NoError(t, err)
		require.Nil(t, head)
	}
	p.Feed([]byte{raw[len(raw)-1]})
	head, err := p.ReadHead()
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, "GET", head.Method)
	assert.Equal(t, "/a?b=c", head.Target)
	assert.Equal(t, "HTTP/1.1", head.Version)
	assert.Equal(t, []Field{{"Host", "example.com"}, {"X-Foo", "bar"}}, head.Fields)
	assert.Equal(t, 0, p.Buffered())
}

func TestReadHeadErrors(t *testing.T) {
	tests := []struct {
		raw    string
		status int
	}{
		{"GET / HTTP/2.0\r\n\r\n", http.StatusHTTPVersionNotSupported},
		{"GET /\r\n\r\n", http.StatusBadRequest},
		{"GET / HTTP/1.1\r\nHost : x\r\n\r\n", http.StatusBadRequest},
		{"GET / HTTP/1.1\r\nHost: x\r\n folded\r\n\r\n", http.StatusBadRequest},
		{"GET / HTTP/1.1\r\nnocolon\r\n\r\n", http.StatusBadRequest},
	}
	for _, tt := range tests {
		p := NewParser(0)
		p.Feed([]byte(tt.raw))
		_, err := p.ReadHead()
		var perr *ParseError
		if assert.ErrorAs(t, err, &perr, tt.raw) {
			assert.Equal(t, tt.status, perr.Status, tt.raw)
		}
	}
}

func TestReadHeadTooLarge(t *testing.T) {
	p := NewParser(32)
	p.Feed([]byte("GET / HTTP/1.1\r\nHost: a-very-long-host-name.example.com\r\n"))
	_, err := p.ReadHead()
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, http.StatusRequestHeaderFieldsTooLarge, perr.Status)
}

func TestIdentityBody(t *testing.T) {
	p := NewParser(0)
	p.Feed([]byte("POST / HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\n\r\nhel"))
	_, err := p.ReadHead()
	require.NoError(t, err)
	_, _, _, err = p.ReadBody(10)
	require.ErrorIs(t, err, ErrNeedFraming)
	p.SetBody(5, false)
	data, _, end, err := p.ReadBody(2)
	require.NoError(t, err)
	assert.Equal(t, "he", string(data))
	assert.False(t, end)
	data, _, end, err = p.ReadBody(10)
	require.NoError(t, err)
	assert.Equal(t, "l", string(data))
	assert.False(t, end)
	p.Feed([]byte("loGET"))
	data, _, end, err = p.ReadBody(10)
	require.NoError(t, err)
	assert.Equal(t, "lo", string(data))
	assert.True(t, end)
	p.Next()
	assert.Equal(t, 3, p.Buffered())
	assert.True(t, p.Partial())
}

func TestChunkedBodyWithTrailers(t *testing.T) {
	p := NewParser(0)
	p.Feed([]byte("POST / HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\n\r\n"))
	_, err := p.ReadHead()
	require.NoError(t, err)
	p.SetBody(-1, true)
	p.Feed([]byte("3;ext=1\r\nabc\r\n2\r\nde\r\n0\r\nX-Sum: 5\r\n\r\n"))
	var body []byte
	for {
		data, trailers, end, err := p.ReadBody(1024)
		require.NoError(t, err)
		body = append(body, data...)
		if end {
			assert.Equal(t, []Field{{"X-Sum", "5"}}, trailers)
			break
		}
	}
	assert.Equal(t, "abcde", string(body))
}

func TestChunkedBodyBadSize(t *testing.T) {
	for _, size := range []string{"zz", "+5", "-5", "0x5", "", " 5", "5 5"} {
		t.Run(size, func(t *testing.T) {
			p := NewParser(0)
			p.Feed([]byte("POST / HTTP/1.1\r\nHost: x\r\n\r\n" + size + "\r\nhello\r\n0\r\n\r\n"))
			_, err := p.ReadHead()
			require.NoError(t, err)
			p.SetBody(-1, true)
			_, _, _, err = p.ReadBody(1024)
			var perr *ParseError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, http.StatusBadRequest, perr.Status)
		})
	}
}

func TestChunkSizeWithExtension(t *testing.T) {
	p := NewParser(0)
	p.Feed([]byte("POST / HTTP/1.1\r\nHost: x\r\n\r\n5 ;name=value\r\nhello\r\n0\r\n\r\n"))
	_, err := p.ReadHead()
	require.NoError(t, err)
	p.SetBody(-1, true)
	data, _, done, err := p.ReadBody(1024)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.False(t, done)
}

func TestNoBody(t *testing.T) {
	p := NewParser(0)
	p.Feed([]byte("\r\nGET / HTTP/1.0\r\n\r\n"))
	head, err := p.ReadHead()
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.0", head.Version)
	p.SetBody(-1, false)
	_, _, end, err := p.ReadBody(1)
	require.NoError(t, err)
	assert.True(t, end)
}

func TestSerializer(t *testing.T) {
	var b []byte
	b = AppendStatusLine(b, 200)
	b = AppendFields(b, []Field{{"content-type", "text/plain"}, {"transfer-encoding", "chunked"}})
	b = AppendChunk(b, []byte("hello"))
	b = AppendChunk(b, nil)
	b = AppendLastChunk(b, []Field{{"x-done", "1"}})
	assert.Equal(t, "HTTP/1.1 200 OK\r\ncontent-type: text/plain\r\ntransfer-encoding: chunked\r\n\r\n5\r\nhello\r\n0\r\nx-done: 1\r\n\r\n", string(b))
}
