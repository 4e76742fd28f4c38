package rudp

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/emberproto/ember/wire"
)

// ErrListenerClosed is returned by Accept once Stop has been called.
var ErrListenerClosed = errors.New("rudp: listener closed")

// AdmissionGate is consulted for every unknown peer sending a Hello. A
// non-nil return rejects the connection and is sent to the remote as the
// rejection payload (§4.5 "Server").
type AdmissionGate func(remote net.Addr, helloPayload []byte) []byte

// Listener demultiplexes one bound socket across many server-side Conns,
// keyed by remote address, mirroring the teacher's peer-map-plus-Accept
// shape (listen.go) generalized to a reliability-aware, gated handshake.
type Listener struct {
	sock     net.PacketConn
	tunables Tunables
	clock    Clock
	metrics  *Metrics

	mu    sync.RWMutex
	peers map[string]*Conn

	accepted chan *acceptedConn
	group    *errgroup.Group
	done     chan struct{}
	closeOnce sync.Once

	// Admit is consulted before a new server-side Conn is created. A nil
	// Admit accepts every handshake.
	Admit AdmissionGate

	// OnNewConnection fires once admission succeeds, with the handshake
	// payload past the 4-byte hello header.
	OnNewConnection func(conn *Conn, handshake []byte)
}

type acceptedConn struct {
	conn *Conn
	err  error
}

// Listen starts demultiplexing sock. Callers must call Accept in a loop
// until it returns ErrListenerClosed, and call Stop to release the socket.
func Listen(sock net.PacketConn, tunables Tunables, clock Clock, metrics *Metrics) *Listener {
	if clock == nil {
		clock = RealClock
	}
	l := &Listener{
		sock:     sock,
		tunables: tunables,
		clock:    clock,
		metrics:  metrics,
		peers:    make(map[string]*Conn),
		accepted: make(chan *acceptedConn, 16),
		done:     make(chan struct{}),
	}
	l.group = new(errgroup.Group)
	l.group.Go(l.readLoop)
	return l
}

// Accept waits for and returns the next admitted server-side Conn. Callers
// must keep calling it until ErrListenerClosed to avoid leaking the
// internal accept queue.
func (l *Listener) Accept() (*Conn, error) {
	select {
	case a, ok := <-l.accepted:
		if !ok {
			return nil, ErrListenerClosed
		}
		return a.conn, a.err
	case <-l.done:
		return nil, ErrListenerClosed
	}
}

// Stop closes the socket and every connected peer.
func (l *Listener) Stop() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.sock.Close()
		l.mu.Lock()
		peers := make([]*Conn, 0, len(l.peers))
		for _, c := range l.peers {
			peers = append(peers, c)
		}
		l.mu.Unlock()
		for _, c := range peers {
			c.Close()
		}
		l.group.Wait()
		close(l.accepted)
	})
	return err
}

// Peers returns a snapshot of the currently connected server-side Conns.
func (l *Listener) Peers() []*Conn {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Conn, 0, len(l.peers))
	for _, c := range l.peers {
		out = append(out, c)
	}
	return out
}

func (l *Listener) PeerByAddr(addr net.Addr) (*Conn, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.peers[addr.String()]
	return c, ok
}

func (l *Listener) readLoop() error {
	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := l.sock.ReadFrom(buf)
		if err != nil {
			select {
			case <-l.done:
				return nil
			default:
			}
			return err
		}
		data := append([]byte(nil), buf[:n]...)
		l.dispatch(addr, data)
	}
}

func (l *Listener) dispatch(addr net.Addr, data []byte) {
	l.mu.RLock()
	conn, known := l.peers[addr.String()]
	l.mu.RUnlock()

	if known {
		conn.deliverDatagram(data)
		return
	}

	// Unknown peers are ignored unless this is a well-formed Hello (§4.5).
	if len(data) < 4 || wire.SendOption(data[0]) != wire.Hello {
		return
	}
	handshake := data[4:]

	if l.Admit != nil {
		if rejection := l.Admit(addr, handshake); rejection != nil {
			l.sock.WriteTo(buildDisconnect(rejection), addr)
			return
		}
	}

	c := newConn(l.sock, addr, l.tunables, l.clock, true, l.metrics)
	// onTeardown, not the public OnDisconnected, so an application setting
	// OnDisconnected from OnNewConnection can't clobber this cleanup and
	// leak the peer-map entry.
	c.onTeardown = func() {
		l.mu.Lock()
		delete(l.peers, addr.String())
		l.mu.Unlock()
	}

	l.mu.Lock()
	l.peers[addr.String()] = c
	l.mu.Unlock()

	// The server-side connection is already Connected (§4.5): the hello's
	// own ack path runs normally once we replay this datagram through its
	// actions goroutine below.
	c.do(func() {
		atomic.StoreInt32(&c.state, int32(Connected))
		c.ka.start()
	})

	l.metrics.incPeers()

	select {
	case l.accepted <- &acceptedConn{conn: c}:
	case <-l.done:
		c.Close()
		return
	}
	if l.OnNewConnection != nil {
		l.OnNewConnection(c, handshake)
	}

	c.deliverDatagram(data)
}
