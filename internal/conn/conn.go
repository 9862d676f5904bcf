package conn

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
)

// Channel is the transport handle a frame arrived on. Sessions are keyed by
// ID and decoders write acknowledgements through it.
type Channel interface {
	ID() string
	RemoteAddr() net.Addr
	Write(p []byte) (int, error)
	Datagram() bool
}

// Conn is a buffered stream connection with byte counters.
type Conn struct {
	cid     uint64
	tuple   []string
	r       *bufio.Reader
	raddr   net.Addr
	created time.Time
	byteIn  uint64
	byteOut uint64
	closed  uint32
	net.Conn
}

func NewConn(c net.Conn, cid uint64) *Conn {
	raddr := c.RemoteAddr()
	sourceip, sourceport, _ := net.SplitHostPort(raddr.String())
	targetip, targetport, _ := net.SplitHostPort(c.LocalAddr().String())

	return &Conn{
		cid:     cid,
		tuple:   []string{sourceip, sourceport, targetip, targetport},
		r:       bufio.NewReader(c),
		raddr:   raddr,
		created: time.Now(),
		Conn:    c,
	}
}

// NewTunnelConn wraps a tunnelled stream. The relay writes the device
// address as a "host:port" line before any device bytes.
func NewTunnelConn(c net.Conn, cid uint64) (*Conn, error) {
	tc := NewConn(c, cid)
	line, err := tc.r.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("tunnel header: %w", err)
	}
	raddr, err := net.ResolveTCPAddr("tcp", strings.TrimSpace(line))
	if err != nil {
		return nil, fmt.Errorf("tunnel header %q: %w", line, err)
	}
	tc.raddr = raddr
	tc.tuple[0], tc.tuple[1] = raddr.IP.String(), strconv.Itoa(raddr.Port)
	return tc, nil
}

func (c *Conn) ID() string {
	return "tcp-" + strconv.FormatUint(c.cid, 10)
}

func (c *Conn) Cid() uint64 {
	return c.cid
}

func (c *Conn) Datagram() bool {
	return false
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.raddr
}

func (c *Conn) Peek(n int) ([]byte, error) {
	return c.r.Peek(n)
}

func (c *Conn) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	atomic.AddUint64(&c.byteIn, uint64(n))
	return n, err
}

func (c *Conn) ReadSlice(delim byte) ([]byte, error) {
	d, err := c.r.ReadSlice(delim)
	atomic.AddUint64(&c.byteIn, uint64(len(d)))
	return d, err
}

func (c *Conn) Discard(n int) (int, error) {
	d, err := c.r.Discard(n)
	atomic.AddUint64(&c.byteIn, uint64(d))
	return d, err
}

func (c *Conn) ReadFull(buf []byte) (int, error) {
	return io.ReadFull(c, buf)
}

func (c *Conn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	atomic.AddUint64(&c.byteOut, uint64(n))
	return n, err
}

func (c *Conn) Close() error {
	atomic.StoreUint32(&c.closed, 1)
	return c.Conn.Close()
}

func (c *Conn) Closed() bool {
	return atomic.LoadUint32(&c.closed) == 1
}

func (c *Conn) Stat() (byteIn uint64, byteOut uint64) {
	return atomic.LoadUint64(&c.byteIn), atomic.LoadUint64(&c.byteOut)
}

func (c *Conn) Created() time.Time {
	return c.created
}

func (c *Conn) MarshalObject(e *log.Entry) {
	e.Uint64("cid", c.cid).Strs("socket", c.tuple)
}
