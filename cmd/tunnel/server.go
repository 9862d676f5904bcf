// tunnel is the public half of the device tunnel. Devices connect to the
// external address; each connection is carried to gpsgate as one yamux
// stream over the tunnel connection that gpsgate dials in.
package main

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/hashicorp/yamux"
	"github.com/phuslu/log"
	"github.com/spf13/pflag"
)

var (
	eaddr    = pflag.String("eaddr", ":5555", "address for device connections")
	taddr    = pflag.String("taddr", ":5556", "address for the tunnel connection")
	secret   = pflag.String("token", "token", "token expected from gpsgate")
	certfile = pflag.String("cert", "", "tls certificate file")
	keyfile  = pflag.String("key", "", "tls key file")
)

var logger = log.Logger{
	Level:   log.InfoLevel,
	Context: log.NewContext(nil).Str("module", "tunnel").Value(),
	Writer:  &log.ConsoleWriter{ColorOutput: true},
}

func main() {
	pflag.Parse()
	logger.Info().Str("external", *eaddr).Str("tunnel", *taddr).Msg("starting relay")

	ylistener, err := listenTunnel()
	if err != nil {
		logger.Fatal().Err(err).Msg("tunnel listener")
	}
	for {
		yconn, err := ylistener.Accept()
		if err != nil {
			logger.Error().Err(err).Msg("tunnel accept")
			time.Sleep(time.Second)
			continue
		}
		logger.Info().Str("remote", yconn.RemoteAddr().String()).Msg("tunnel connection")
		runServer(yconn)
		time.Sleep(2 * time.Second)
		logger.Info().Msg("waiting for a new tunnel")
	}
}

func listenTunnel() (net.Listener, error) {
	if *certfile == "" && *keyfile == "" {
		return net.Listen("tcp", *taddr)
	}
	cert, err := tls.LoadX509KeyPair(*certfile, *keyfile)
	if err != nil {
		return nil, err
	}
	return tls.Listen("tcp", *taddr, &tls.Config{Certificates: []tls.Certificate{cert}})
}

// runServer serves device connections until the tunnel session ends.
func runServer(yconn net.Conn) {
	token := make([]byte, 64)
	_ = yconn.SetReadDeadline(time.Now().Add(10 * time.Second))
	n, err := yconn.Read(token)
	if err != nil {
		logger.Warn().Err(err).Msg("read token")
		yconn.Close()
		return
	}
	_ = yconn.SetReadDeadline(time.Time{})
	if *secret != string(token[:n]) {
		_, _ = yconn.Write([]byte{'-'})
		yconn.Close()
		logger.Warn().Str("remote", yconn.RemoteAddr().String()).Msg("tunnel token rejected")
		return
	}
	_, _ = yconn.Write([]byte{'+'})

	session, err := yamux.Server(yconn, nil)
	if err != nil {
		logger.Error().Err(err).Msg("yamux server")
		yconn.Close()
		return
	}
	defer session.Close()

	listener, err := net.Listen("tcp", *eaddr)
	if err != nil {
		logger.Error().Err(err).Msg("external listener")
		return
	}
	go func() {
		<-session.CloseChan()
		logger.Warn().Msg("tunnel session closed")
		listener.Close()
	}()
	defer listener.Close()

	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		logger.Info().Str("remote", conn.RemoteAddr().String()).Msg("device connection")
		go forward(session, conn)
	}
}

// forward announces the device address on a new stream, then copies bytes
// both ways until either side closes.
func forward(session *yamux.Session, conn net.Conn) {
	defer conn.Close()
	tstream, err := session.OpenStream()
	if err != nil {
		logger.Error().Err(err).Msg("open stream")
		return
	}
	defer tstream.Close()

	done := make(chan error, 1)
	go func() {
		if _, err := fmt.Fprintf(tstream, "%s\n", conn.RemoteAddr()); err != nil {
			done <- err
			return
		}
		_, err := io.Copy(tstream, conn)
		tstream.Close()
		done <- err
	}()
	if _, err := io.Copy(conn, tstream); err != nil {
		logger.Debug().Err(err).Uint32("stream", tstream.StreamID()).Msg("copy to device")
	}
	conn.Close()
	if err := <-done; err != nil {
		logger.Debug().Err(err).Uint32("stream", tstream.StreamID()).Msg("copy to tunnel")
	}
}
