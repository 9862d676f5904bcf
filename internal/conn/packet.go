package conn

import (
	"net"

	"github.com/phuslu/log"
)

// Packet addresses one datagram peer on a shared socket. Every datagram from
// the same peer maps to the same ID.
type Packet struct {
	pc   net.PacketConn
	addr net.Addr
	id   string
}

func NewPacket(pc net.PacketConn, addr net.Addr) *Packet {
	return &Packet{pc: pc, addr: addr, id: "udp-" + pc.LocalAddr().String() + "-" + addr.String()}
}

func (p *Packet) ID() string {
	return p.id
}

func (p *Packet) RemoteAddr() net.Addr {
	return p.addr
}

func (p *Packet) Write(b []byte) (int, error) {
	return p.pc.WriteTo(b, p.addr)
}

func (p *Packet) Datagram() bool {
	return true
}

func (p *Packet) MarshalObject(e *log.Entry) {
	e.Str("peer", p.addr.String())
}
