// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE.md file.

// Server and its gates.

package hemi

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"golang.org/x/sync/errgroup"

	"github.com/hexinfra/hypergate/hemi/common/h3codec"
	"github.com/hexinfra/hypergate/hemi/common/system"
)

const tlsHandshakeTimeout = 10 * time.Second

// Server accepts connections on its gates and supervises them.
type Server struct {
	// ConnStateHook, if not nil, is called on every connection state change. It runs on the connection's manager.
	ConnStateHook func(connID int64, state ConnState)
	// Assocs
	config   *Config
	app      Application
	logger   *Logger
	lifespan *Lifespan
	// States
	tlsConfig  *tls.Config
	gates      []gate
	ready      atomic.Bool
	lastConnID atomic.Int64
	mutex      sync.Mutex
	conns      map[int64]*serverConn
	connGates  map[int64]*Gate_ // gate of each conn, if any
	connsWait  sync.WaitGroup
	drain      chan struct{} // closed when shutdown starts
	startOnce  sync.Once
	startErr   error
	listenOnce sync.Once
	listenErr  error
	shutOnce   sync.Once
	shutErr    error
}

func NewServer(config *Config, app Application, logger *Logger) *Server {
	s := new(Server)
	s.config = config
	s.app = app
	s.logger = logger
	s.lifespan = NewLifespan(app, config.LifespanTimeout, logger)
	s.conns = make(map[int64]*serverConn)
	s.connGates = make(map[int64]*Gate_)
	s.drain = make(chan struct{})
	return s
}

func (s *Server) Config() *Config     { return s.config }
func (s *Server) Lifespan() *Lifespan { return s.lifespan }

// Start runs lifespan startup. Connections are refused until it succeeds.
func (s *Server) Start(ctx context.Context) error {
	s.startOnce.Do(func() {
		if s.startErr = s.lifespan.Startup(ctx); s.startErr != nil {
			s.logger.Error().Err(s.startErr).Msg("lifespan startup failed")
			return
		}
		s.ready.Store(true)
	})
	return s.startErr
}

// Listen starts the server and opens its gates. Serve calls it if it was not called before.
func (s *Server) Listen(ctx context.Context) error {
	s.listenOnce.Do(func() {
		if s.listenErr = s.Start(ctx); s.listenErr != nil {
			return
		}
		if s.listenErr = s.openGates(); s.listenErr != nil {
			s.shutdownWithin()
		}
	})
	return s.listenErr
}

// Serve listens and serves until ctx is done. Then it shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(ctx); err != nil {
		return err
	}
	group, groupCtx := errgroup.WithContext(ctx)
	for _, g := range s.openedGates() {
		group.Go(g.serve)
	}
	group.Go(func() error {
		select {
		case <-groupCtx.Done():
			return s.shutdownWithin()
		case <-s.drain: // Shutdown was called directly
			return nil
		}
	})
	return group.Wait()
}

func (s *Server) shutdownWithin() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.GracefulTimeout+s.config.LifespanTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

func (s *Server) openGates() error {
	if s.config.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(s.config.CertFile, s.config.KeyFile)
		if err != nil {
			return err
		}
		s.tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	}
	var gates []gate
	if s.config.Bind != "" {
		g := new(tcpGate)
		g.init(s, int32(len(gates)), s.config.Bind)
		gates = append(gates, g)
	}
	if s.config.TLSBind != "" {
		g := new(tlsGate)
		g.init(s, int32(len(gates)), s.config.TLSBind)
		gates = append(gates, g)
	}
	if s.config.QUICBind != "" {
		g := new(quicGate)
		g.init(s, int32(len(gates)), s.config.QUICBind)
		gates = append(gates, g)
	}
	for i, g := range gates {
		if err := g.open(); err != nil {
			for _, opened := range gates[:i] {
				opened.shut()
			}
			return err
		}
		s.logger.Info().Str("address", g.addr().String()).Msg("gate opened")
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	select {
	case <-s.drain:
		for _, g := range gates {
			g.shut()
		}
		return ErrServerClosed
	default:
		s.gates = gates
		return nil
	}
}

func (s *Server) openedGates() []gate {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.gates
}

// Addrs returns the addresses the gates listen on.
func (s *Server) Addrs() []net.Addr {
	gates := s.openedGates()
	addrs := make([]net.Addr, 0, len(gates))
	for _, g := range gates {
		addrs = append(addrs, g.addr())
	}
	return addrs
}

// ServeConn serves one connection over transport until it closes.
func (s *Server) ServeConn(ctx context.Context, transport Transport, proto Protocol) error {
	if !s.ready.Load() {
		transport.Close()
		select {
		case <-s.drain:
			return ErrServerClosed
		default:
			return ErrNotReady
		}
	}
	c := s.startConn(transport, proto, "http", nil)
	if c == nil {
		return ErrServerClosed
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// startConn registers a connection and starts its manager. It returns nil if the server is shutting down.
func (s *Server) startConn(transport Transport, proto Protocol, scheme string, gate *Gate_) *serverConn {
	id := s.lastConnID.Add(1)
	logger := s.logger.connLogger(id, proto.String())
	info := &connInfo{
		protocol:     proto,
		scheme:       scheme,
		client:       addrString(transport.RemoteAddr()),
		server:       addrString(transport.LocalAddr()),
		serverHeader: s.config.ServerHeader,
	}
	c := newServerConn(s, id, transport, newAdapter(proto, info, s.config, logger), logger)

	s.mutex.Lock()
	select {
	case <-s.drain:
		s.mutex.Unlock()
		transport.Close()
		if gate != nil {
			gate.OnConnClosed()
		}
		return nil
	default:
	}
	s.conns[id] = c
	if gate != nil {
		s.connGates[id] = gate
	}
	s.connsWait.Add(1)
	s.mutex.Unlock()

	if DebugLevel() >= 2 {
		logger.Trace().Str("client", info.client).Msg("conn accepted")
	}
	go c.manager(s.drain)
	return c
}

func (s *Server) connClosed(c *serverConn) {
	s.mutex.Lock()
	gate := s.connGates[c.id]
	delete(s.conns, c.id)
	delete(s.connGates, c.id)
	s.mutex.Unlock()
	if gate != nil {
		gate.OnConnClosed()
	}
	s.connsWait.Done()
}

// NumConns returns the number of live connections.
func (s *Server) NumConns() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.conns)
}

// Shutdown stops accepting, drains every connection and waits for them, then runs lifespan shutdown.
// If ctx ends first, the remaining connections are left to their graceful timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutOnce.Do(func() {
		s.logger.Info().Msg("shutting down")
		s.mutex.Lock()
		close(s.drain)
		gates := s.gates
		s.mutex.Unlock()
		for _, g := range gates {
			g.shut()
		}

		waited := make(chan struct{})
		go func() {
			s.connsWait.Wait()
			close(waited)
		}()
		select {
		case <-waited:
		case <-ctx.Done():
			s.logger.Warn().Int("conns", s.NumConns()).Msg("connections did not close in time")
			s.shutErr = ctx.Err()
		}

		lifespanCtx, cancel := context.WithTimeout(context.Background(), s.config.LifespanTimeout)
		defer cancel()
		if err := s.lifespan.Shutdown(lifespanCtx); err != nil {
			s.logger.Error().Err(err).Msg("lifespan shutdown failed")
		}
		s.ready.Store(false)
		s.logger.Info().Msg("shutdown complete")
	})
	return s.shutErr
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}

// gate is a listener of the server.
type gate interface {
	open() error
	serve() error // runner
	shut() error
	addr() net.Addr
}

// Gate_ is the parent of all gates.
type Gate_ struct {
	// Assocs
	server *Server
	// States
	id       int32
	address  string
	isShut   atomic.Bool
	maxConns int32
	numConns atomic.Int32
}

func (g *Gate_) onInit(server *Server, id int32, address string) {
	g.server = server
	g.id = id
	g.address = address
	g.maxConns = server.config.MaxConnsPerGate
}

func (g *Gate_) ID() int32       { return g.id }
func (g *Gate_) MarkShut()       { g.isShut.Store(true) }
func (g *Gate_) IsShut() bool    { return g.isShut.Load() }
func (g *Gate_) NumConns() int32 { return g.numConns.Load() }

func (g *Gate_) DecConns() int32 { return g.numConns.Add(-1) }
func (g *Gate_) ReachLimit() bool {
	return g.numConns.Add(1) > g.maxConns && g.maxConns > 0
}

func (g *Gate_) OnConnClosed() { g.DecConns() }

func (g *Gate_) justClose(netConn net.Conn) {
	netConn.Close()
	g.OnConnClosed()
}

// tcpGate accepts cleartext connections. With H2C, a connection starting with the HTTP/2 preface speaks HTTP/2.
type tcpGate struct {
	// Parent
	Gate_
	// States
	listener net.Listener
}

func (g *tcpGate) init(server *Server, id int32, address string) {
	g.Gate_.onInit(server, id, address)
}

func (g *tcpGate) open() error {
	listener, err := system.ListenConfig(g.server.config.ReusePort).Listen(context.Background(), "tcp", g.address)
	if err != nil {
		return err
	}
	g.listener = listener
	return nil
}
func (g *tcpGate) shut() error {
	g.MarkShut()
	return g.listener.Close()
}
func (g *tcpGate) addr() net.Addr { return g.listener.Addr() }

func (g *tcpGate) serve() error { // runner
	for {
		netConn, err := g.listener.Accept()
		if err != nil {
			if g.IsShut() {
				return nil
			}
			g.server.logger.Warn().Err(err).Int32("gate", g.id).Msg("accept error")
			continue
		}
		if g.ReachLimit() {
			g.justClose(netConn)
			continue
		}
		if g.server.config.H2C {
			go g.sniff(netConn)
		} else {
			g.server.startConn(NewConnTransport(netConn, g.server.config.WriteTimeout), ProtoHTTP1, "http", &g.Gate_)
		}
	}
}

func (g *tcpGate) sniff(netConn net.Conn) { // runner
	isHTTP2, reader, err := sniffPreface(netConn, g.server.config.HeaderTimeout)
	if err != nil {
		g.justClose(netConn)
		return
	}
	proto := ProtoHTTP1
	if isHTTP2 {
		proto = ProtoHTTP2
	}
	g.server.startConn(newConnTransport(netConn, reader, g.server.config.WriteTimeout), proto, "http", &g.Gate_)
}

// tlsGate accepts TLS connections and picks the protocol by ALPN.
type tlsGate struct {
	// Parent
	Gate_
	// States
	listener net.Listener
}

func (g *tlsGate) init(server *Server, id int32, address string) {
	g.Gate_.onInit(server, id, address)
}

func (g *tlsGate) open() error {
	if g.server.tlsConfig == nil {
		return errors.New("tls gate needs cert_file and key_file")
	}
	listener, err := system.ListenConfig(g.server.config.ReusePort).Listen(context.Background(), "tcp", g.address)
	if err != nil {
		return err
	}
	tlsConfig := g.server.tlsConfig.Clone()
	tlsConfig.NextProtos = []string{"h2", "http/1.1"}
	g.listener = tls.NewListener(listener, tlsConfig)
	return nil
}
func (g *tlsGate) shut() error {
	g.MarkShut()
	return g.listener.Close()
}
func (g *tlsGate) addr() net.Addr { return g.listener.Addr() }

func (g *tlsGate) serve() error { // runner
	for {
		netConn, err := g.listener.Accept()
		if err != nil {
			if g.IsShut() {
				return nil
			}
			g.server.logger.Warn().Err(err).Int32("gate", g.id).Msg("accept error")
			continue
		}
		if g.ReachLimit() {
			g.justClose(netConn)
			continue
		}
		go g.handshake(netConn.(*tls.Conn))
	}
}

func (g *tlsGate) handshake(tlsConn *tls.Conn) { // runner
	if tlsConn.SetDeadline(time.Now().Add(tlsHandshakeTimeout)) != nil || tlsConn.Handshake() != nil {
		g.justClose(tlsConn)
		return
	}
	tlsConn.SetDeadline(time.Time{})
	proto := ProtoHTTP1
	if tlsConn.ConnectionState().NegotiatedProtocol == "h2" {
		proto = ProtoHTTP2
	}
	g.server.startConn(NewConnTransport(tlsConn, g.server.config.WriteTimeout), proto, "https", &g.Gate_)
}

// quicGate accepts QUIC connections for HTTP/3.
type quicGate struct {
	// Parent
	Gate_
	// States
	packetConn net.PacketConn
	listener   *quic.Listener
}

func (g *quicGate) init(server *Server, id int32, address string) {
	g.Gate_.onInit(server, id, address)
}

func (g *quicGate) open() error {
	if g.server.tlsConfig == nil {
		return errors.New("quic gate needs cert_file and key_file")
	}
	packetConn, err := system.ListenConfig(g.server.config.ReusePort).ListenPacket(context.Background(), "udp", g.address)
	if err != nil {
		return err
	}
	tlsConfig := g.server.tlsConfig.Clone()
	tlsConfig.NextProtos = []string{"h3"}
	tlsConfig.MinVersion = tls.VersionTLS13
	quicConfig := &quic.Config{
		MaxIncomingStreams:    int64(g.server.config.MaxConcurrentStreams),
		MaxIncomingUniStreams: 8,
		MaxIdleTimeout:        g.server.config.KeepAliveTimeout + g.server.config.GracefulTimeout,
	}
	listener, err := quic.Listen(packetConn, tlsConfig, quicConfig)
	if err != nil {
		packetConn.Close()
		return err
	}
	g.packetConn = packetConn
	g.listener = listener
	return nil
}
func (g *quicGate) shut() error {
	g.MarkShut()
	err := g.listener.Close()
	g.packetConn.Close()
	return err
}
func (g *quicGate) addr() net.Addr { return g.listener.Addr() }

func (g *quicGate) serve() error { // runner
	for {
		quicConn, err := g.listener.Accept(context.Background())
		if err != nil {
			if g.IsShut() {
				return nil
			}
			if errors.Is(err, quic.ErrServerClosed) {
				return err
			}
			g.server.logger.Warn().Err(err).Int32("gate", g.id).Msg("accept error")
			continue
		}
		if g.ReachLimit() {
			quicConn.CloseWithError(quic.ApplicationErrorCode(h3codec.ErrCodeExcessiveLoad), "too many connections")
			g.OnConnClosed()
			continue
		}
		g.server.startConn(newQUICTransport(quicConn, g.server.config.WriteTimeout), ProtoHTTP3, "https", &g.Gate_)
	}
}
