// Package conntest provides an in-memory conn.Channel for decoder tests.
package conntest

import (
	"net"
	"sync"
)

type Channel struct {
	Name     string
	Addr     net.Addr
	Packet   bool
	WriteErr error

	mu     sync.Mutex
	writes [][]byte
}

func NewStream(name string) *Channel {
	return &Channel{Name: name, Addr: &net.TCPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 40000}}
}

func NewDatagram(name string) *Channel {
	return &Channel{Name: name, Addr: &net.UDPAddr{IP: net.IPv4(192, 0, 2, 2), Port: 40001}, Packet: true}
}

func (c *Channel) ID() string { return c.Name }

func (c *Channel) RemoteAddr() net.Addr { return c.Addr }

func (c *Channel) Datagram() bool { return c.Packet }

func (c *Channel) Write(p []byte) (int, error) {
	if c.WriteErr != nil {
		return 0, c.WriteErr
	}
	c.mu.Lock()
	c.writes = append(c.writes, append([]byte(nil), p...))
	c.mu.Unlock()
	return len(p), nil
}

// Writes returns a copy of everything written so far.
func (c *Channel) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.writes...)
}

func (c *Channel) Reset() {
	c.mu.Lock()
	c.writes = nil
	c.mu.Unlock()
}
