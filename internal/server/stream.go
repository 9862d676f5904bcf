package server

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"nuha.dev/gpsgate/internal/conn"
	"nuha.dev/gpsgate/internal/protocol"
)

func (s *Server) acceptLoop(ctx context.Context, ep *Endpoint, ln net.Listener) {
	defer s.wg.Done()
	for {
		c, err := ln.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Error().Err(err).Str("protocol", ep.Protocol.Name).Msg("failed to accept new connection")
			time.Sleep(100 * time.Millisecond)
			continue
		}
		cid := s.nextCid()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			// behind a proxy the peer address is read from the stream here
			s.serve(ctx, ep, conn.NewConn(c, cid), "tcp")
		}()
	}
}

// serve reads frames off one stream until it ends, the idle deadline passes
// or the handler rejects a frame. Frames of one stream are handled in order.
func (s *Server) serve(ctx context.Context, ep *Endpoint, c *conn.Conn, transport string) {
	name := ep.Protocol.Name
	if !s.track(c) {
		_ = c.Close()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.metrics.Connected(name, transport, 1)
	s.log.Info().Str("event", NEW_CONNECTION).Str("protocol", name).Str("transport", transport).EmbedObject(c).Msg("")
	defer func() {
		cancel()
		_ = c.Close()
		s.untrack(c)
		s.sessions.Release(c)
		_, out := c.Stat()
		s.metrics.Written(name, int(out))
		s.metrics.Connected(name, transport, -1)
	}()

	framer := ep.Protocol.NewFramer()
	for {
		_ = c.SetReadDeadline(time.Now().Add(s.cfg.Timeout))
		frame, err := framer.ReadFrame(c)
		if err != nil {
			s.logClosed(c, name, err)
			return
		}
		s.metrics.Frame(name, len(frame))
		if err := s.handler.Handle(ctx, name, ep.Decoder, c, frame); err != nil {
			s.log.Info().Err(err).Str("event", CONNECTION_CLOSED).EmbedObject(c).Msg("handler failed")
			return
		}
	}
}

func (s *Server) logClosed(c *conn.Conn, name string, err error) {
	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF):
		s.log.Info().Str("event", CONNECTION_CLOSED).Str("protocol", name).EmbedObject(c).Msg("")
	case errors.As(err, &netErr) && netErr.Timeout():
		s.log.Info().Str("event", IDLE_TIMEOUT).Str("protocol", name).EmbedObject(c).Dur("timeout", s.cfg.Timeout).Msg("")
	case errors.Is(err, protocol.ErrBadFrame):
		s.log.Warn().Err(err).Str("event", BAD_FRAME).Str("protocol", name).EmbedObject(c).Msg("")
	case c.Closed() || errors.Is(err, net.ErrClosed):
		s.log.Debug().Str("event", CONNECTION_CLOSED).Str("protocol", name).EmbedObject(c).Msg("closed by server")
	default:
		s.log.Warn().Err(err).Str("event", CONNECTION_CLOSED).Str("protocol", name).EmbedObject(c).Msg("read failed")
	}
}
