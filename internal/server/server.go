// Package server runs the device listeners: one TCP listener per protocol,
// a UDP socket for datagram dialects and an optional tunnel client.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
	proxyproto "github.com/pires/go-proxyproto"
	"nuha.dev/gpsgate/internal/conn"
	"nuha.dev/gpsgate/internal/metrics"
	"nuha.dev/gpsgate/internal/protocol"
	"nuha.dev/gpsgate/internal/session"
	"nuha.dev/gpsgate/internal/worker"
)

const (
	NEW_CONNECTION    string = "new_connection"
	CONNECTION_CLOSED string = "connection_closed"
	IDLE_TIMEOUT      string = "idle_timeout"
	BAD_FRAME         string = "bad_frame"
	DATAGRAM_DROPPED  string = "datagram_dropped"
	TUNNEL_ACCEPTED   string = "tunnel_accepted"
	TUNNEL_REJECTED   string = "tunnel_rejected"
)

const (
	DefaultTimeout = 600 * time.Second
	DefaultUDPIdle = 600 * time.Second
	stopTimeout    = 10 * time.Second
	maxDatagram    = 65535
)

// Handler consumes one frame. An error closes stream channels.
type Handler interface {
	Handle(ctx context.Context, proto string, dec protocol.Decoder, ch conn.Channel, frame []byte) error
}

// Endpoint is one protocol bound to a listen address.
type Endpoint struct {
	Protocol protocol.Protocol
	Decoder  protocol.Decoder
	Address  string
}

type TunnelConfig struct {
	Address  string
	Token    string
	Protocol string
}

type Config struct {
	ProxyProtocol bool
	// Timeout is the idle read deadline of stream connections.
	Timeout time.Duration
	// UDPIdle is how long a datagram session survives without traffic.
	UDPIdle time.Duration
	Workers int
	Queue   int
	Tunnel  TunnelConfig
}

type datagram struct {
	ep    *Endpoint
	ch    *conn.Packet
	frame []byte
}

type Server struct {
	log       log.Logger
	cfg       Config
	endpoints []*Endpoint
	sessions  *session.Registry
	handler   Handler
	metrics   *metrics.Metrics
	pool      *worker.Pool[datagram]
	cid       uint64

	mu        sync.Mutex
	started   bool
	closed    bool
	cancel    context.CancelFunc
	drained   context.CancelFunc
	listeners map[string]net.Listener
	packets   map[string]net.PacketConn
	conns     map[uint64]*conn.Conn
	wg        sync.WaitGroup
}

func New(cfg Config, endpoints []Endpoint, sessions *session.Registry, h Handler, m *metrics.Metrics) (*Server, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.UDPIdle <= 0 {
		cfg.UDPIdle = DefaultUDPIdle
	}
	s := &Server{cfg: cfg, sessions: sessions, handler: h, metrics: m}
	s.log = log.DefaultLogger
	s.log.Context = log.NewContext(nil).Str("module", "gps-server").Value()
	for i := range endpoints {
		ep := endpoints[i]
		if ep.Protocol.NewFramer == nil || ep.Decoder == nil {
			return nil, fmt.Errorf("protocol %q: missing framer or decoder", ep.Protocol.Name)
		}
		s.endpoints = append(s.endpoints, &ep)
	}
	if cfg.Tunnel.Address != "" && s.endpoint(cfg.Tunnel.Protocol) == nil {
		return nil, fmt.Errorf("tunnel protocol %q is not enabled", cfg.Tunnel.Protocol)
	}
	s.pool = worker.NewPool(cfg.Workers, cfg.Queue, s.processDatagram)
	s.listeners = make(map[string]net.Listener)
	s.packets = make(map[string]net.PacketConn)
	s.conns = make(map[uint64]*conn.Conn)
	m.GaugeFunc("server", "udp_queue_depth", "Datagrams waiting for a worker", func() float64 {
		return float64(s.pool.Stats().QueueDepth)
	})
	return s, nil
}

func (s *Server) endpoint(name string) *Endpoint {
	for _, ep := range s.endpoints {
		if ep.Protocol.Name == name {
			return ep
		}
	}
	return nil
}

// Start binds every listener and begins serving. Nothing is left bound
// when it fails.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("server already started")
	}
	s.started = true
	poolCtx, drained := context.WithCancel(context.WithoutCancel(ctx))
	s.drained = drained
	ctx, s.cancel = context.WithCancel(ctx)

	for _, ep := range s.endpoints {
		ln, err := net.Listen("tcp", ep.Address)
		if err != nil {
			s.unbind()
			return fmt.Errorf("%s tcp listen: %w", ep.Protocol.Name, err)
		}
		if s.cfg.ProxyProtocol {
			ln = &proxyproto.Listener{Listener: ln}
		}
		s.listeners[ep.Protocol.Name] = ln

		if ep.Protocol.Datagram {
			pc, err := net.ListenPacket("udp", ep.Address)
			if err != nil {
				s.unbind()
				return fmt.Errorf("%s udp listen: %w", ep.Protocol.Name, err)
			}
			s.packets[ep.Protocol.Name] = pc
		}
	}
	if err := s.pool.Start(poolCtx); err != nil {
		s.unbind()
		return err
	}

	for _, ep := range s.endpoints {
		ln := s.listeners[ep.Protocol.Name]
		s.log.Info().Str("protocol", ep.Protocol.Name).Str("address", ln.Addr().String()).Msg("accepting connections")
		s.wg.Add(1)
		go s.acceptLoop(ctx, ep, ln)
		if pc, ok := s.packets[ep.Protocol.Name]; ok {
			s.log.Info().Str("protocol", ep.Protocol.Name).Str("address", pc.LocalAddr().String()).Msg("reading datagrams")
			s.wg.Add(1)
			go s.readLoop(ctx, ep, pc)
		}
	}
	if len(s.packets) > 0 {
		s.wg.Add(1)
		go s.sweepLoop(ctx)
	}
	if s.cfg.Tunnel.Address != "" {
		s.wg.Add(1)
		go s.tunnelLoop(ctx, s.endpoint(s.cfg.Tunnel.Protocol))
	}
	return nil
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Close()
}

// Close stops the listeners, closes live connections and waits for queued
// datagrams to drain. UDP sockets stay open until then so acks still go out.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed || !s.started {
		s.closed = true
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cancel()
	for _, ln := range s.listeners {
		_ = ln.Close()
	}
	for _, pc := range s.packets {
		_ = pc.SetReadDeadline(time.Now())
	}
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	err := s.pool.Stop(stopTimeout)
	s.drained()
	s.mu.Lock()
	for _, pc := range s.packets {
		_ = pc.Close()
	}
	s.mu.Unlock()
	return err
}

func (s *Server) unbind() {
	for _, ln := range s.listeners {
		_ = ln.Close()
	}
	for _, pc := range s.packets {
		_ = pc.Close()
	}
}

// Addr returns the bound address of a protocol listener, network "tcp" or
// "udp".
func (s *Server) Addr(proto, network string) net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch network {
	case "tcp":
		if ln, ok := s.listeners[proto]; ok {
			return ln.Addr()
		}
	case "udp":
		if pc, ok := s.packets[proto]; ok {
			return pc.LocalAddr()
		}
	}
	return nil
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) nextCid() uint64 {
	return atomic.AddUint64(&s.cid, 1)
}

// track registers c for Close. It reports false once the server is closing.
func (s *Server) track(c *conn.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c.Cid()] = c
	return true
}

func (s *Server) untrack(c *conn.Conn) {
	s.mu.Lock()
	delete(s.conns, c.Cid())
	s.mu.Unlock()
}
