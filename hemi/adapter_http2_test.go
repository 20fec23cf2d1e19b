// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE.md file.

package hemi

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// h2Frame is a copy of what a test needs from a server frame.
type h2Frame struct {
	typ       http2.FrameType
	stream    uint32
	end       bool
	ack       bool
	data      string
	fields    map[string]string
	code      http2.ErrCode
	increment uint32
	settings  map[http2.SettingID]uint32
}

// h2Peer plays the client side of an HTTP/2 connection against an adapter.
type h2Peer struct {
	t       *testing.T
	adapter *adapter2
	out     bytes.Buffer
	writer  *http2.Framer
	hbuf    bytes.Buffer
	henc    *hpack.Encoder
	in      bytes.Buffer
	reader  *http2.Framer
}

func newH2Peer(t *testing.T, config *Config) *h2Peer {
	p := &h2Peer{t: t, adapter: newAdapter2(testInfo2, config, NopLogger())}
	p.writer = http2.NewFramer(&p.out, nil)
	p.henc = hpack.NewEncoder(&p.hbuf)
	p.reader = http2.NewFramer(io.Discard, &p.in)
	p.reader.ReadMetaHeaders = hpack.NewDecoder(4096, nil)
	return p
}

// open runs the preface exchange and drops the server's preface frames.
func (p *h2Peer) open(settings ...http2.Setting) {
	p.adapter.Initiate()
	p.out.WriteString(http2.ClientPreface)
	p.writer.WriteSettings(settings...)
	evs := p.send()
	require.Empty(p.t, evs)
	p.frames()
}

func (p *h2Peer) send() []StreamEvent {
	data := append([]byte(nil), p.out.Bytes()...)
	p.out.Reset()
	evs, err := p.adapter.Feed(Inbound{Data: data})
	require.NoError(p.t, err)
	return evs
}

func (p *h2Peer) headers(id uint32, end bool, fields ...string) {
	p.hbuf.Reset()
	for i := 0; i+1 < len(fields); i += 2 {
		p.henc.WriteField(hpack.HeaderField{Name: fields[i], Value: fields[i+1]})
	}
	p.writer.WriteHeaders(http2.HeadersFrameParam{StreamID: id, BlockFragment: p.hbuf.Bytes(), EndStream: end, EndHeaders: true})
}

func (p *h2Peer) get(id uint32, path string) {
	p.headers(id, true, ":method", "GET", ":scheme", "https", ":authority", "example.com", ":path", path)
}

// frames decodes everything the adapter has output so far.
func (p *h2Peer) frames() []h2Frame {
	for _, out := range p.adapter.Output() {
		p.in.Write(out.Data)
	}
	var frames []h2Frame
	for {
		f, err := p.reader.ReadFrame()
		if err == io.EOF {
			return frames
		}
		require.NoError(p.t, err)
		h := h2Frame{typ: f.Header().Type, stream: f.Header().StreamID}
		switch f := f.(type) {
		case *http2.MetaHeadersFrame:
			h.end = f.StreamEnded()
			h.fields = make(map[string]string)
			for _, field := range f.Fields {
				h.fields[field.Name] = field.Value
			}
		case *http2.DataFrame:
			h.end = f.StreamEnded()
			h.data = string(f.Data())
		case *http2.SettingsFrame:
			h.ack = f.IsAck()
			h.settings = make(map[http2.SettingID]uint32)
			f.ForeachSetting(func(s http2.Setting) error {
				h.settings[s.ID] = s.Val
				return nil
			})
		case *http2.PingFrame:
			h.ack = f.IsAck()
			h.data = string(f.Data[:])
		case *http2.WindowUpdateFrame:
			h.increment = f.Increment
		case *http2.RSTStreamFrame:
			h.code = f.ErrCode
		case *http2.GoAwayFrame:
			h.code = f.ErrCode
			h.stream = f.LastStreamID
		}
		frames = append(frames, h)
	}
}

func framesOf(frames []h2Frame, typ http2.FrameType) []h2Frame {
	var found []h2Frame
	for _, f := range frames {
		if f.typ == typ {
			found = append(found, f)
		}
	}
	return found
}

func TestAdapter2Preface(t *testing.T) {
	config := DefaultConfig()
	p := newH2Peer(t, config)
	p.adapter.Initiate()
	frames := p.frames()
	require.Len(t, frames, 2)
	assert.Equal(t, http2.FrameSettings, frames[0].typ)
	assert.False(t, frames[0].ack)
	assert.Equal(t, uint32(config.MaxConcurrentStreams), frames[0].settings[http2.SettingMaxConcurrentStreams])
	assert.Equal(t, uint32(config.StreamWindow), frames[0].settings[http2.SettingInitialWindowSize])
	assert.Equal(t, uint32(0), frames[0].settings[http2.SettingEnablePush])
	assert.Equal(t, http2.FrameWindowUpdate, frames[1].typ)
	assert.Equal(t, uint32(0), frames[1].stream)
	assert.Equal(t, uint32(config.ConnWindow-65535), frames[1].increment)
	assert.True(t, p.adapter.AwaitingHead())

	p.out.WriteString(http2.ClientPreface)
	p.writer.WriteSettings()
	evs := p.send()
	assert.Empty(t, evs)
	assert.False(t, p.adapter.AwaitingHead())
	acks := framesOf(p.frames(), http2.FrameSettings)
	require.Len(t, acks, 1)
	assert.True(t, acks[0].ack)
}

func TestAdapter2GetExchange(t *testing.T) {
	p := newH2Peer(t, DefaultConfig())
	p.open()
	p.get(1, "/hello")
	evs := p.send()
	require.Len(t, evs, 2)
	assert.Equal(t, uint64(1), evs[0].Stream)
	req := evs[0].Event.(*RequestStart)
	assert.Equal(t, "GET", req.Method)
	assert.Equal(t, "/hello", req.Path)
	assert.Equal(t, "example.com", req.Authority)
	assert.Equal(t, &RequestBody{}, evs[1].Event)

	mustEmit(t, p.adapter, 1, textResponse("hello")...)
	frames := p.frames()
	require.Len(t, frames, 2)
	assert.Equal(t, http2.FrameHeaders, frames[0].typ)
	assert.Equal(t, "200", frames[0].fields[":status"])
	assert.Equal(t, "5", frames[0].fields["content-length"])
	assert.False(t, frames[0].end)
	assert.Equal(t, http2.FrameData, frames[1].typ)
	assert.Equal(t, "hello", frames[1].data)
	assert.True(t, frames[1].end)

	closed := p.adapter.Events()
	require.Len(t, closed, 1)
	assert.True(t, closed[0].Closed)
	assert.Equal(t, uint64(1), closed[0].Stream)
	assert.True(t, p.adapter.Idle())
}

func TestAdapter2RequestBodyAndTrailers(t *testing.T) {
	p := newH2Peer(t, DefaultConfig())
	p.open()
	p.headers(1, false, ":method", "POST", ":scheme", "https", ":authority", "example.com", ":path", "/upload")
	p.writer.WriteData(1, false, []byte("abc"))
	p.headers(1, true, "x-checksum", "42")
	evs := p.send()
	require.Len(t, evs, 4)
	assert.IsType(t, &RequestStart{}, evs[0].Event)
	assert.Equal(t, &RequestBody{Data: []byte("abc"), MoreFollows: true}, evs[1].Event)
	assert.Equal(t, &Trailer{Headers: Headers{{"x-checksum", "42"}}}, evs[2].Event)
	assert.Equal(t, &RequestBody{}, evs[3].Event)
	state, ok := p.adapter.StreamState(1)
	require.True(t, ok)
	assert.Equal(t, StateRequestComplete, state)

	p.adapter.Consume(1, 3)
	updates := framesOf(p.frames(), http2.FrameWindowUpdate)
	require.Len(t, updates, 1) // the stream is half closed so only the connection is credited
	assert.Equal(t, uint32(0), updates[0].stream)
	assert.Equal(t, uint32(3), updates[0].increment)
}

func TestAdapter2StreamWithoutCreditDoesNotBlockOthers(t *testing.T) {
	p := newH2Peer(t, DefaultConfig())
	p.open(http2.Setting{ID: http2.SettingInitialWindowSize, Val: 0})
	p.get(1, "/a")
	p.get(3, "/b")
	require.Len(t, p.send(), 4)

	mustEmit(t, p.adapter, 1, textResponse("aaa")...)
	mustEmit(t, p.adapter, 3, textResponse("bbb")...)
	frames := p.frames()
	assert.Len(t, framesOf(frames, http2.FrameHeaders), 2)
	assert.Empty(t, framesOf(frames, http2.FrameData))

	p.writer.WriteWindowUpdate(3, 3)
	p.send()
	data := framesOf(p.frames(), http2.FrameData)
	require.Len(t, data, 1)
	assert.Equal(t, uint32(3), data[0].stream)
	assert.Equal(t, "bbb", data[0].data)
	assert.True(t, data[0].end)
	state, ok := p.adapter.StreamState(1)
	require.True(t, ok)
	assert.Equal(t, StateResponseBodyStreaming, state)

	p.writer.WriteWindowUpdate(1, 10)
	p.send()
	data = framesOf(p.frames(), http2.FrameData)
	require.Len(t, data, 1)
	assert.Equal(t, uint32(1), data[0].stream)
	assert.Equal(t, "aaa", data[0].data)
	assert.True(t, p.adapter.Idle())
}

func TestAdapter2FlushesRoundRobin(t *testing.T) {
	p := newH2Peer(t, DefaultConfig())
	p.open(http2.Setting{ID: http2.SettingInitialWindowSize, Val: 0})
	p.get(1, "/a")
	p.get(3, "/b")
	p.send()
	body := strings.Repeat("x", 40000)
	mustEmit(t, p.adapter, 1, textResponse(body)...)
	mustEmit(t, p.adapter, 3, textResponse(body)...)
	p.frames()

	p.writer.WriteSettings(http2.Setting{ID: http2.SettingInitialWindowSize, Val: 1 << 20})
	p.send()
	data := framesOf(p.frames(), http2.FrameData)
	require.Len(t, data, 4)
	total := 0
	for i, f := range data {
		total += len(f.data)
		if i > 0 {
			assert.NotEqual(t, data[i-1].stream, f.stream)
		}
	}
	assert.Equal(t, 65535, total) // the connection window is spent
	assert.Equal(t, int64(0), p.adapter.sendWindow.Credit())

	p.writer.WriteWindowUpdate(0, 1<<20)
	p.send()
	data = framesOf(p.frames(), http2.FrameData)
	total = 0
	for _, f := range data {
		total += len(f.data)
	}
	assert.Equal(t, 80000-65535, total)
	assert.True(t, p.adapter.Idle())
}

func TestAdapter2RefusesStreamsWhileDraining(t *testing.T) {
	p := newH2Peer(t, DefaultConfig())
	p.open()
	p.get(1, "/a")
	require.Len(t, p.send(), 2)

	p.adapter.Drain()
	goaways := framesOf(p.frames(), http2.FrameGoAway)
	require.Len(t, goaways, 1)
	assert.Equal(t, http2.ErrCodeNo, goaways[0].code)
	assert.Equal(t, uint32(1), goaways[0].stream)

	p.get(3, "/b")
	assert.Empty(t, p.send())
	resets := framesOf(p.frames(), http2.FrameRSTStream)
	require.Len(t, resets, 1)
	assert.Equal(t, uint32(3), resets[0].stream)
	assert.Equal(t, http2.ErrCodeRefusedStream, resets[0].code)

	mustEmit(t, p.adapter, 1, textResponse("ok")...) // in-flight streams finish
	data := framesOf(p.frames(), http2.FrameData)
	require.Len(t, data, 1)
	assert.Equal(t, "ok", data[0].data)
	assert.True(t, p.adapter.Idle())
}

func TestAdapter2PeerResetReleasesConnCredit(t *testing.T) {
	config := DefaultConfig()
	p := newH2Peer(t, config)
	p.open()
	p.headers(1, false, ":method", "POST", ":scheme", "https", ":authority", "example.com", ":path", "/upload")
	p.writer.WriteData(1, false, make([]byte, 1000))
	evs := p.send()
	require.Len(t, evs, 2)
	assert.Equal(t, int64(config.ConnWindow-1000), p.adapter.recvWindow.Credit())

	p.writer.WriteRSTStream(1, http2.ErrCodeCancel)
	evs = p.send()
	require.Len(t, evs, 1)
	assert.True(t, evs[0].Closed)
	disconnect := evs[0].Event.(*Disconnect)
	assert.Error(t, disconnect.Reason)
	assert.Equal(t, int64(config.ConnWindow), p.adapter.recvWindow.Credit())

	updates := framesOf(p.frames(), http2.FrameWindowUpdate)
	require.Len(t, updates, 1)
	assert.Equal(t, uint32(0), updates[0].stream)
	assert.Equal(t, uint32(1000), updates[0].increment)

	_, ok := p.adapter.StreamState(1)
	assert.False(t, ok)
	assert.ErrorIs(t, p.adapter.Emit(1, &ResponseStart{Status: 200}, nil), ErrStreamClosed)
}

func TestAdapter2UnreadBodyReturnsConnCredit(t *testing.T) {
	config := DefaultConfig()
	p := newH2Peer(t, config)
	p.open()
	for _, id := range []uint32{1, 3, 5} {
		p.headers(id, false, ":method", "POST", ":scheme", "https", ":authority", "example.com", ":path", "/ignored")
		p.writer.WriteData(id, true, make([]byte, 1000))
		evs := p.send()
		require.NotEmpty(t, evs)
		assert.Equal(t, int64(config.ConnWindow-1000), p.adapter.recvWindow.Credit())

		mustEmit(t, p.adapter, uint64(id), textResponse("ok")...) // the body is never consumed
		evs = p.adapter.Events()
		require.NotEmpty(t, evs)
		assert.True(t, evs[len(evs)-1].Closed)
		assert.Equal(t, int64(config.ConnWindow), p.adapter.recvWindow.Credit())

		updates := framesOf(p.frames(), http2.FrameWindowUpdate)
		require.Len(t, updates, 1)
		assert.Equal(t, uint32(0), updates[0].stream)
		assert.Equal(t, uint32(1000), updates[0].increment)
	}

	p.adapter.Consume(1, 1000) // late consumption of a closed stream
	assert.Equal(t, int64(config.ConnWindow), p.adapter.recvWindow.Credit())
	assert.Empty(t, framesOf(p.frames(), http2.FrameWindowUpdate))
}

func TestAdapter2StreamWindowOverflowResetsStream(t *testing.T) {
	config := DefaultConfig()
	config.StreamWindow = 65535
	p := newH2Peer(t, config)
	p.open()
	p.headers(1, false, ":method", "POST", ":scheme", "https", ":authority", "example.com", ":path", "/upload")
	chunk := make([]byte, 16384)
	for i := 0; i < 4; i++ { // 65536 bytes against a 65535 byte window
		p.writer.WriteData(1, false, chunk)
	}
	evs := p.send()
	last := evs[len(evs)-1]
	assert.True(t, last.Closed)
	assert.ErrorIs(t, last.Event.(*Disconnect).Reason, ErrFlowControl)

	resets := framesOf(p.frames(), http2.FrameRSTStream)
	require.Len(t, resets, 1)
	assert.Equal(t, http2.ErrCodeFlowControl, resets[0].code)
	assert.Equal(t, int64(config.ConnWindow), p.adapter.recvWindow.Credit())
	assert.False(t, p.adapter.Closing())
}

func TestAdapter2PingAck(t *testing.T) {
	p := newH2Peer(t, DefaultConfig())
	p.open()
	p.writer.WritePing(false, [8]byte{'h', 'y', 'p', 'e', 'r', 'g', 'a', 't'})
	p.send()
	pings := framesOf(p.frames(), http2.FramePing)
	require.Len(t, pings, 1)
	assert.True(t, pings[0].ack)
	assert.Equal(t, "hypergat", pings[0].data)
}

func TestAdapter2ConnWindowOverflowIsFatal(t *testing.T) {
	p := newH2Peer(t, DefaultConfig())
	p.open()
	p.get(1, "/a")
	p.writer.WriteWindowUpdate(0, maxWindowSize)
	data := append([]byte(nil), p.out.Bytes()...)
	p.out.Reset()
	evs, err := p.adapter.Feed(Inbound{Data: data})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFlowControl)
	assert.True(t, p.adapter.Closing())

	var disconnected bool
	for _, ev := range evs {
		if ev.Closed && ev.Stream == 1 {
			_, disconnected = ev.Event.(*Disconnect)
		}
	}
	assert.True(t, disconnected)
	goaways := framesOf(p.frames(), http2.FrameGoAway)
	require.Len(t, goaways, 1)
	assert.Equal(t, http2.ErrCodeFlowControl, goaways[0].code)
	assert.Equal(t, uint32(1), goaways[0].stream)
}

func TestAdapter2BadPreface(t *testing.T) {
	a := newAdapter2(testInfo2, DefaultConfig(), NopLogger())
	a.Initiate()
	a.Output()
	_, err := a.Feed(Inbound{Data: []byte("GET / HTTP/1.1\r\n\r\n")})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocol)
	assert.True(t, a.Closing())
}

func TestAdapter2AbandonAnswers500(t *testing.T) {
	p := newH2Peer(t, DefaultConfig())
	p.open()
	p.get(1, "/boom")
	p.send()
	p.adapter.Abandon(1, applicationError(1, "handler failed"))
	frames := p.frames()
	require.Len(t, frames, 2)
	assert.Equal(t, "500", frames[0].fields[":status"])
	assert.True(t, frames[1].end)
	assert.True(t, p.adapter.Idle())
}

func TestAdapter2ConcurrencyLimit(t *testing.T) {
	config := DefaultConfig()
	config.MaxConcurrentStreams = 1
	p := newH2Peer(t, config)
	p.open()
	p.get(1, "/a")
	p.get(3, "/b")
	evs := p.send()
	require.Len(t, evs, 2)
	assert.Equal(t, uint64(1), evs[0].Stream)
	resets := framesOf(p.frames(), http2.FrameRSTStream)
	require.Len(t, resets, 1)
	assert.Equal(t, uint32(3), resets[0].stream)
	assert.Equal(t, http2.ErrCodeRefusedStream, resets[0].code)
}
