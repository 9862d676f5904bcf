package conn

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnCountsBytes(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	c := NewConn(a, 7)
	assert.Equal(t, "tcp-7", c.ID())
	assert.False(t, c.Datagram())

	go func() {
		_, _ = b.Write([]byte("hello\n"))
		buf := make([]byte, 2)
		_, _ = b.Read(buf)
	}()

	p, err := c.Peek(1)
	require.NoError(t, err)
	assert.Equal(t, byte('h'), p[0])

	line, err := c.ReadSlice('\n')
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(line))

	_, err = c.Write([]byte("ok"))
	require.NoError(t, err)

	in, out := c.Stat()
	assert.Equal(t, uint64(6), in)
	assert.Equal(t, uint64(2), out)

	require.NoError(t, c.Close())
	assert.True(t, c.Closed())
}

func TestTunnelConnReadsAnnouncedAddress(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	go func() {
		_, _ = b.Write([]byte("10.0.0.1:5000\n*HQ,1#"))
	}()

	c, err := NewTunnelConn(a, 1)
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, "10.0.0.1:5000", c.RemoteAddr().String())

	frame, err := c.ReadSlice('#')
	require.NoError(t, err)
	assert.Equal(t, "*HQ,1#", string(frame))
}

func TestTunnelConnRejectsBadHeader(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	go func() {
		_, _ = b.Write([]byte("not-an-address\n"))
	}()
	_, err := NewTunnelConn(a, 1)
	assert.Error(t, err)
}

func TestPacket(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()
	peer, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer peer.Close()

	p := NewPacket(pc, peer.LocalAddr())
	q := NewPacket(pc, peer.LocalAddr())
	assert.Equal(t, p.ID(), q.ID())
	assert.True(t, p.Datagram())

	_, err = p.Write([]byte{0x67, 0x67})
	require.NoError(t, err)
	buf := make([]byte, 4)
	n, _, err := peer.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x67, 0x67}, buf[:n])
}
