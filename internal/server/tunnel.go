package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/hashicorp/yamux"
	"nuha.dev/gpsgate/internal/conn"
)

var errTunnelRejected = errors.New("tunnel token rejected")

// tunnelLoop keeps a yamux session to the relay open. The relay accepts
// device connections on our behalf and opens one stream per device.
func (s *Server) tunnelLoop(ctx context.Context, ep *Endpoint) {
	defer s.wg.Done()
	for {
		t0 := time.Now()
		err := s.runTunnel(ctx, ep)
		if ctx.Err() != nil {
			return
		}
		s.log.Error().Err(err).Str("address", s.cfg.Tunnel.Address).Msg("tunnel down")

		wait := 5 * time.Second
		if time.Since(t0) > 10*time.Second {
			wait = time.Second
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (s *Server) runTunnel(ctx context.Context, ep *Endpoint) error {
	var d net.Dialer
	yconn, err := d.DialContext(ctx, "tcp", s.cfg.Tunnel.Address)
	if err != nil {
		return fmt.Errorf("dial tunnel: %w", err)
	}
	if err := handshake(yconn, s.cfg.Tunnel.Token); err != nil {
		yconn.Close()
		s.log.Error().Err(err).Str("event", TUNNEL_REJECTED).Msg("")
		return err
	}
	s.log.Info().Str("event", TUNNEL_ACCEPTED).Str("address", s.cfg.Tunnel.Address).Msg("")

	session, err := yamux.Client(yconn, nil)
	if err != nil {
		yconn.Close()
		return fmt.Errorf("yamux client: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { session.Close() })
	defer stop()
	defer session.Close()

	for {
		stream, err := session.Accept()
		if err != nil {
			return fmt.Errorf("tunnel accept: %w", err)
		}
		cid := s.nextCid()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			c, err := conn.NewTunnelConn(stream, cid)
			if err != nil {
				s.log.Warn().Err(err).Uint64("cid", cid).Msg("tunnel stream")
				stream.Close()
				return
			}
			s.serve(ctx, ep, c, "tunnel")
		}()
	}
}

// handshake sends the token and expects '+' back.
func handshake(c net.Conn, token string) error {
	_ = c.SetDeadline(time.Now().Add(10 * time.Second))
	defer c.SetDeadline(time.Time{})
	if _, err := c.Write([]byte(token)); err != nil {
		return fmt.Errorf("send token: %w", err)
	}
	status := []byte{0}
	if _, err := c.Read(status); err != nil {
		return fmt.Errorf("read token status: %w", err)
	}
	if status[0] != '+' {
		return errTunnelRejected
	}
	return nil
}
