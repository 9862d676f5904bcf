package server

import (
	"context"
	"errors"
	"net"
	"time"

	"nuha.dev/gpsgate/internal/conn"
)

// readLoop hands every datagram to the worker owning its peer, so one
// peer's datagrams are decoded in arrival order.
func (s *Server) readLoop(ctx context.Context, ep *Endpoint, pc net.PacketConn) {
	defer s.wg.Done()
	name := ep.Protocol.Name
	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Error().Err(err).Str("protocol", name).Msg("failed to read datagram")
			continue
		}
		if n == 0 {
			continue
		}
		s.metrics.Frame(name, n)
		d := datagram{ep: ep, ch: conn.NewPacket(pc, addr), frame: append([]byte(nil), buf[:n]...)}
		if err := s.pool.Submit(d.ch.ID(), d); err != nil {
			s.log.Warn().Err(err).Str("event", DATAGRAM_DROPPED).Str("protocol", name).EmbedObject(d.ch).Msg("")
		}
	}
}

// processDatagram runs on the pool. A handler error only fails this
// datagram; the shared socket stays open.
func (s *Server) processDatagram(ctx context.Context, d datagram) error {
	return s.handler.Handle(ctx, d.ep.Protocol.Name, d.ep.Decoder, d.ch, d.frame)
}

// sweepLoop releases datagram sessions that went quiet.
func (s *Server) sweepLoop(ctx context.Context) {
	defer s.wg.Done()
	every := s.cfg.UDPIdle / 4
	if every < time.Second {
		every = time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := s.sessions.Sweep(s.cfg.UDPIdle); n > 0 {
				s.log.Debug().Int("released", n).Msg("idle datagram sessions")
			}
		}
	}
}
