package rudp

import (
	"net"
	"sync"
	"time"
)

// memAddr is a trivial net.Addr for the in-memory packet network below.
type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }

type memDatagram struct {
	data []byte
	from net.Addr
}

// memNetwork routes datagrams between any number of pipePacketConns by
// address, so a single server socket can be exercised against several
// independent client sockets without a real UDP stack.
type memNetwork struct {
	mu    sync.Mutex
	socks map[string]*pipePacketConn
}

func newMemNetwork() *memNetwork {
	return &memNetwork{socks: make(map[string]*pipePacketConn)}
}

func (n *memNetwork) listen(addr string) *pipePacketConn {
	p := &pipePacketConn{net: n, addr: memAddr(addr), inbox: make(chan memDatagram, 256), closed: make(chan struct{})}
	n.mu.Lock()
	n.socks[addr] = p
	n.mu.Unlock()
	return p
}

func (n *memNetwork) deliver(to string, dg memDatagram) {
	n.mu.Lock()
	dst, ok := n.socks[to]
	n.mu.Unlock()
	if !ok {
		return
	}
	select {
	case dst.inbox <- dg:
	case <-time.After(time.Second):
	}
}

// pipePacketConn is a minimal net.PacketConn backed by a channel, letting
// rudp's Conn/Listener be exercised end-to-end without a real UDP socket.
type pipePacketConn struct {
	net    *memNetwork
	addr   net.Addr
	inbox  chan memDatagram
	closed chan struct{}
}

func (p *pipePacketConn) ReadFrom(buf []byte) (int, net.Addr, error) {
	select {
	case dg := <-p.inbox:
		n := copy(buf, dg.data)
		return n, dg.from, nil
	case <-p.closed:
		return 0, nil, net.ErrClosed
	}
}

func (p *pipePacketConn) WriteTo(data []byte, addr net.Addr) (int, error) {
	select {
	case <-p.closed:
		return 0, net.ErrClosed
	default:
	}
	cp := append([]byte(nil), data...)
	p.net.deliver(addr.String(), memDatagram{data: cp, from: p.addr})
	return len(data), nil
}

func (p *pipePacketConn) Close() error {
	select {
	case <-p.closed:
	default:
		close(p.closed)
	}
	return nil
}

func (p *pipePacketConn) LocalAddr() net.Addr                { return p.addr }
func (p *pipePacketConn) SetDeadline(t time.Time) error      { return nil }
func (p *pipePacketConn) SetReadDeadline(t time.Time) error  { return nil }
func (p *pipePacketConn) SetWriteDeadline(t time.Time) error { return nil }
