// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE.md file.

package h2codec

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

func clientBytes(t *testing.T, write func(fr *http2.Framer, enc *hpack.Encoder, hbuf *bytes.Buffer)) []byte {
	var out, hbuf bytes.Buffer
	out.WriteString(http2.ClientPreface)
	fr := http2.NewFramer(&out, nil)
	write(fr, hpack.NewEncoder(&hbuf), &hbuf)
	return out.Bytes()
}

func TestNextWaitsForWholeFrames(t *testing.T) {
	raw := clientBytes(t, func(fr *http2.Framer, enc *hpack.Encoder, hbuf *bytes.Buffer) {
		require.NoError(t, fr.WriteSettings(http2.Setting{ID: http2.SettingInitialWindowSize, Val: 1 << 20}))
		enc.WriteField(hpack.HeaderField{Name: ":method", Value: "POST"})
		enc.WriteField(hpack.HeaderField{Name: ":scheme", Value: "http"})
		enc.WriteField(hpack.HeaderField{Name: ":path", Value: "/upload"})
		enc.WriteField(hpack.HeaderField{Name: "x-long", Value: strings.Repeat("v", 100)})
		block := hbuf.Bytes()
		require.NoError(t, fr.WriteHeaders(http2.HeadersFrameParam{StreamID: 1, BlockFragment: block[:10]}))
		require.NoError(t, fr.WriteContinuation(1, true, block[10:]))
		require.NoError(t, fr.WriteData(1, true, []byte("payload")))
	})
	c := New(0, 0)
	var frames []http2.Frame
	for i := range raw {
		c.Feed(raw[i : i+1])
		for {
			f, err := c.Next()
			require.NoError(t, err)
			if f == nil {
				break
			}
			switch f := f.(type) {
			case *http2.DataFrame:
				assert.Equal(t, "payload", string(f.Data()))
			case *http2.MetaHeadersFrame:
				assert.Equal(t, "POST", f.PseudoValue("method"))
				assert.Equal(t, "/upload", f.PseudoValue("path"))
				assert.Len(t, f.RegularFields(), 1)
			}
			frames = append(frames, f)
		}
	}
	require.Len(t, frames, 3)
	assert.IsType(t, &http2.SettingsFrame{}, frames[0])
	assert.IsType(t, &http2.MetaHeadersFrame{}, frames[1])
	assert.IsType(t, &http2.DataFrame{}, frames[2])
	assert.Equal(t, 0, c.Buffered())
}

func TestBadPreface(t *testing.T) {
	c := New(0, 0)
	c.Feed([]byte("GET / HTTP/1.1\r\n"))
	_, err := c.Next()
	assert.ErrorIs(t, err, ErrBadPreface)
}

func TestFrameTooLarge(t *testing.T) {
	raw := clientBytes(t, func(fr *http2.Framer, enc *hpack.Encoder, hbuf *bytes.Buffer) {
		fr.AllowIllegalWrites = true
		require.NoError(t, fr.WriteData(1, false, make([]byte, DefaultMaxFrameSize+1)))
	})
	c := New(0, 0)
	c.Feed(raw[:len(http2.ClientPreface)+frameHeaderLen])
	_, err := c.Next()
	assert.Equal(t, http2.ConnectionError(http2.ErrCodeFrameSize), err)
}

func TestWriteHeadersSplitsBlock(t *testing.T) {
	c := New(0, 0)
	c.SetMaxWriteFrameSize(16)
	fields := []hpack.HeaderField{
		{Name: ":status", Value: "200"},
		{Name: "x-big", Value: strings.Repeat("z", 40)},
	}
	require.NoError(t, c.WriteHeaders(3, true, fields))
	require.NoError(t, c.WriteData(3, true, nil))
	out := c.Take()
	assert.Equal(t, 0, c.Pending())

	fr := http2.NewFramer(nil, bytes.NewReader(out))
	fr.ReadMetaHeaders = hpack.NewDecoder(DefaultHeaderTable, nil)
	f, err := fr.ReadFrame()
	require.NoError(t, err)
	mh, ok := f.(*http2.MetaHeadersFrame)
	require.True(t, ok)
	assert.True(t, mh.StreamEnded())
	assert.Equal(t, "200", mh.PseudoValue("status"))
	assert.Equal(t, strings.Repeat("z", 40), mh.RegularFields()[0].Value)
	f, err = fr.ReadFrame()
	require.NoError(t, err)
	assert.IsType(t, &http2.DataFrame{}, f)
}
