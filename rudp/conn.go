// Package rudp implements the reliability engine, keep-alive engine,
// protocol dispatcher and connection lifecycle of the transport: a single
// UDP socket carrying many independently-sequenced, independently-acked
// logical connections.
package rudp

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/emberproto/ember/wire"
)

const maxDatagramSize = 65527

// State is a connection's position in the lifecycle state machine (§4.5).
type State int32

const (
	NotConnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case NotConnected:
		return "NotConnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	default:
		return "Unknown"
	}
}

// Conn is one logical session, client- or server-side. All mutation of its
// reliability, keep-alive and lifecycle state happens on a single goroutine
// reached only through the actions channel, so the fields below are never
// touched concurrently despite Conn's exported methods being safe to call
// from any goroutine (§5 "one actions-channel-driven goroutine per
// connection").
type Conn struct {
	ID uuid.UUID

	sock         net.PacketConn
	remote       net.Addr
	tunables     Tunables
	clock        Clock
	serverOwned  bool // true when a Listener, not this Conn, owns sock's read loop

	actions chan func()
	done    chan struct{}
	closeOnce sync.Once

	rel *reliability
	ka  *keepAlive

	state int32 // State, accessed with sync/atomic for State()

	connectResult chan error

	metrics *Metrics

	// OnDataReceived is invoked for every payload delivered to the
	// application, reliable or unreliable.
	OnDataReceived func(data []byte, option wire.SendOption)

	// OnDisconnected fires once, exactly when the connection reaches
	// NotConnected, for every teardown except Close (§6 "close() ...
	// does not fire on_disconnected").
	OnDisconnected func(payload []byte, reason DisconnectReason)

	// OnInternalDisconnect is consulted before an internal (non-graceful)
	// close; its return value, if non-nil, is sent as a farewell payload.
	OnInternalDisconnect func(kind ErrorKind) []byte

	// onTeardown is an internal hook invoked on every teardown, including
	// Close, independent of the single-slot public OnDisconnected field a
	// Listener must not clobber for its own peer-map bookkeeping.
	onTeardown func()
}

func newConn(sock net.PacketConn, remote net.Addr, tunables Tunables, clock Clock, serverOwned bool, metrics *Metrics) *Conn {
	if clock == nil {
		clock = RealClock
	}
	c := &Conn{
		ID:          uuid.New(),
		sock:        sock,
		remote:      remote,
		tunables:    tunables,
		clock:       clock,
		serverOwned: serverOwned,
		actions:     make(chan func(), 64),
		done:        make(chan struct{}),
		rel:         newReliability(clock),
		ka:          newKeepAlive(clock, tunables),
		metrics:     metrics,
	}
	go c.run()
	if !serverOwned {
		go c.readLoop()
	}
	return c
}

// Connect dials a server-side listener over sock (already bound), sends the
// hello handshake carrying payload, and blocks until the hello is
// acknowledged, the remote disconnects during the handshake, or timeout
// elapses (§4.5 "Client").
func Connect(sock net.PacketConn, remote net.Addr, payload []byte, timeout time.Duration, tunables Tunables, clock Clock) (*Conn, error) {
	c := newConn(sock, remote, tunables, clock, false, nil)
	atomic.StoreInt32(&c.state, int32(Connecting))
	c.connectResult = make(chan error, 1)

	c.post(func() { c.sendReliableTracked(buildHello(c.rel.nextReliableID(), 0, payload)) })

	select {
	case err := <-c.connectResult:
		if err != nil {
			c.Close()
			return nil, err
		}
		return c, nil
	case <-time.After(timeout):
		c.Close()
		return nil, ErrHandshakeTimeout
	}
}

// State reports the connection's current lifecycle state.
func (c *Conn) State() State { return State(atomic.LoadInt32(&c.state)) }

// RemoteAddr returns the socket address of the far end.
func (c *Conn) RemoteAddr() net.Addr { return c.remote }

// Snapshot is a point-in-time, concurrency-safe view of a Conn's
// reliability/keep-alive state, for status endpoints (§6 "GET /peers").
type Snapshot struct {
	ID            uuid.UUID
	Remote        string
	State         State
	AvgRTTMillis  float64
	Outstanding   int
	PingsSinceAck int
}

// Snapshot reads the fields otherwise only safe to touch from the
// connection's own actions goroutine, via a single do() round trip.
func (c *Conn) Snapshot() Snapshot {
	s := Snapshot{ID: c.ID, Remote: c.remote.String(), State: c.State()}
	c.do(func() {
		s.AvgRTTMillis = c.rel.avgPingMs
		s.Outstanding = len(c.rel.outstanding)
		s.PingsSinceAck = c.ka.pingsSinceAck
	})
	return s
}

// post enqueues fn to run on the connection's single logical executor
// without waiting for it to complete.
func (c *Conn) post(fn func()) {
	select {
	case c.actions <- fn:
	case <-c.done:
	}
}

// do enqueues fn and blocks the caller until it has run.
func (c *Conn) do(fn func()) {
	wait := make(chan struct{})
	c.post(func() { fn(); close(wait) })
	select {
	case <-wait:
	case <-c.done:
	}
}

func (c *Conn) run() {
	ticker := time.NewTicker(retransmitTick)
	defer ticker.Stop()
	for {
		select {
		case fn := <-c.actions:
			fn()
		case <-ticker.C:
			c.tick()
		case <-c.done:
			return
		}
	}
}

// readLoop is only started for client-owned sockets; a Listener's socket is
// demultiplexed centrally and feeds server-side Conns via deliverDatagram.
func (c *Conn) readLoop() {
	buf := make([]byte, maxDatagramSize)
	for {
		n, _, err := c.sock.ReadFrom(buf)
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			c.post(func() { c.internalDisconnect(ErrSocketReceiveFailure, errors.Wrap(err, "rudp: socket read failed")) })
			return
		}
		data := append([]byte(nil), buf[:n]...)
		c.post(func() { c.handleDatagram(data) })
	}
}

// deliverDatagram is how a Listener hands a demultiplexed datagram to a
// server-side Conn.
func (c *Conn) deliverDatagram(data []byte) {
	c.post(func() { c.handleDatagram(data) })
}

func (c *Conn) tick() {
	if c.State() != Connected && c.State() != Connecting {
		return
	}
	for _, dec := range c.rel.sweep(c.tunables) {
		switch dec.action {
		case actionResend:
			if err := c.writeOut(dec.data); err != nil {
				c.internalDisconnect(ErrConnectionDisconnected, err)
				return
			}
			c.metrics.noteRetransmit(c.remote.String())
		case actionDisconnectTimeout:
			c.internalDisconnect(ErrReliablePacketWithoutResponse, errors.New("reliable packet without response"))
			return
		case actionDisconnectResendLimit:
			c.internalDisconnect(ErrReliablePacketWithoutResponse, errors.New("resend limit exceeded"))
			return
		}
	}
	c.metrics.setOutstanding(c.remote.String(), len(c.rel.outstanding))

	if c.State() == Connected && c.ka.due() {
		if c.ka.exceeded() {
			c.internalDisconnect(ErrPingsWithoutResponse, errors.New("pings without response"))
			return
		}
		id := c.rel.nextReliableID()
		frame := buildPing()
		stampID(frame, id)
		c.rel.track(id, frame, c.tunables)
		c.rel.markPing(id)
		c.ka.notePingSent()
		c.writeOut(frame)
		c.metrics.setOutstanding(c.remote.String(), len(c.rel.outstanding))
	}
}

func (c *Conn) handleDatagram(data []byte) {
	if len(data) == 0 {
		c.internalDisconnect(ErrZeroBytesReceived, errors.New("zero bytes received"))
		return
	}

	opt := wire.SendOption(data[0])
	switch opt {
	case wire.Ack:
		c.handleAckDatagram(data)
		return
	case wire.Disconnect:
		c.handleRemoteDisconnect(data[1:])
		return
	}

	f, ok := parseInbound(data)
	if !ok {
		return
	}

	if !f.option.HasReliableID() {
		// Fragment is reserved and, like any unrecognized header byte,
		// delivered as Unreliable (§4.4).
		c.deliver(f.payload, wire.Unreliable)
		return
	}

	// Reliable, Hello or Ping: ack first, then classify novelty.
	c.sendAckFor(f.id)
	c.metrics.noteAckSent(c.remote.String())
	result := c.rel.receive(f.id)
	if result == noveltyDuplicate {
		return
	}

	if f.option == wire.Reliable {
		c.deliver(f.payload, wire.Reliable)
	}
}

func (c *Conn) sendAckFor(id uint16) {
	mask := c.rel.ackBitmask(id)
	c.writeOut(buildAck(id, mask))
}

func (c *Conn) handleAckDatagram(data []byte) {
	f, ok := parseAck(data)
	if !ok {
		return
	}
	acked := c.rel.handleAck(f.id, f.mask, f.hasMask)
	c.ka.noteAck()
	c.ka.start()
	c.metrics.noteAckReceived(c.remote.String())
	for _, pkt := range acked {
		c.rel.sampleRTT(c.rel.rttSampleMs(pkt))
	}
	if len(acked) > 0 {
		c.metrics.setAvgRTT(c.remote.String(), c.rel.avgPingMs)
	}
	c.metrics.setOutstanding(c.remote.String(), len(c.rel.outstanding))

	if c.State() == Connecting && c.connectResult != nil {
		atomic.StoreInt32(&c.state, int32(Connected))
		c.ka.start()
		select {
		case c.connectResult <- nil:
		default:
		}
	}
}

func (c *Conn) deliver(payload []byte, opt wire.SendOption) {
	if c.OnDataReceived != nil {
		c.OnDataReceived(payload, opt)
	}
}

func (c *Conn) handleRemoteDisconnect(payload []byte) {
	if c.State() == Connecting && c.connectResult != nil {
		select {
		case c.connectResult <- ErrRemoteDisconnected:
		default:
		}
	}
	c.finish(DisconnectReason{Graceful: true}, payload, true)
}

// Send stamps and transmits a wire.Buffer built with wire.NewWithOption,
// routing it through reliability tracking when its SendOption carries an
// ID. b must have been constructed with wire.NewWithOption, not wire.New.
func (c *Conn) Send(b *wire.Buffer) error {
	option, ok := b.SendOption()
	if !ok {
		return ErrInvalidSendOption
	}
	return c.SendBytes(b.Payload(), option)
}

// SendBytes prepends the header for option and transmits payload.
// wire.Disconnect is rejected; use Disconnect instead.
func (c *Conn) SendBytes(payload []byte, option wire.SendOption) error {
	if option == wire.Disconnect {
		return ErrInvalidSendOption
	}
	if c.State() != Connected {
		return ErrNotConnected
	}
	var sendErr error
	c.do(func() {
		if c.State() != Connected {
			sendErr = ErrNotConnected
			return
		}
		frame := sendBytes(payload, option)
		if isReliableTracked(option) {
			id := c.rel.nextReliableID()
			stampID(frame, id)
			c.sendReliableTracked(frame)
		} else {
			if err := c.writeOut(frame); err != nil {
				sendErr = err
			}
		}
	})
	return sendErr
}

// sendReliableTracked stamps nothing itself (callers have already stamped
// the ID into bytes 1..2); it records the outstanding entry and transmits.
func (c *Conn) sendReliableTracked(frame []byte) {
	id := uint16(frame[1])<<8 | uint16(frame[2])
	c.rel.track(id, frame, c.tunables)
	c.ka.start()
	if err := c.writeOut(frame); err != nil {
		c.internalDisconnect(ErrSocketSendFailure, err)
	}
}

func (c *Conn) writeOut(data []byte) error {
	_, err := c.sock.WriteTo(data, c.remote)
	if err != nil {
		return errors.Wrap(err, "rudp: socket write failed")
	}
	return nil
}

// Disconnect performs a graceful shutdown: an unreliable disconnect
// datagram carrying payload is sent, then the connection closes locally.
// payload must not be built with a Reliable send option.
func (c *Conn) Disconnect(payload []byte) error {
	var sendErr error
	c.do(func() {
		if c.State() == NotConnected {
			sendErr = ErrNotConnected
			return
		}
		c.writeOut(buildDisconnect(payload))
		c.finish(DisconnectReason{Graceful: true}, payload, true)
	})
	return sendErr
}

// internalDisconnect implements the non-graceful close path: the policy
// callback is consulted for an optional farewell payload before the socket
// write and teardown.
func (c *Conn) internalDisconnect(kind ErrorKind, cause error) {
	if c.State() == NotConnected {
		return
	}
	var farewell []byte
	if c.OnInternalDisconnect != nil {
		farewell = c.OnInternalDisconnect(kind)
	}
	if farewell != nil {
		c.writeOut(buildDisconnect(farewell))
	}
	if c.State() == Connecting && c.connectResult != nil {
		select {
		case c.connectResult <- cause:
		default:
		}
	}
	c.finish(DisconnectReason{Graceful: false, Kind: kind, Err: cause}, farewell, true)
}

// finish transitions to NotConnected, resets reliability state and releases
// the run loop. notifyApp gates OnDisconnected; onTeardown always runs so
// internal bookkeeping (e.g. a Listener's peer map) can't be starved by an
// application overwriting OnDisconnected. Must only be called from the
// actions goroutine.
func (c *Conn) finish(reason DisconnectReason, payload []byte, notifyApp bool) {
	atomic.StoreInt32(&c.state, int32(NotConnected))
	c.rel.reset()
	if reason.Graceful {
		c.metrics.noteDisconnect(c.remote.String(), "graceful")
	} else {
		c.metrics.noteDisconnect(c.remote.String(), reason.Kind.String())
	}
	c.metrics.decPeers()
	c.metrics.forgetRemote(c.remote.String())
	if c.onTeardown != nil {
		c.onTeardown()
	}
	if notifyApp && c.OnDisconnected != nil {
		c.OnDisconnected(payload, reason)
	}
	c.closeOnce.Do(func() {
		close(c.done)
		if !c.serverOwned {
			c.sock.Close()
		}
	})
}

// Close tears the connection down immediately without sending a disconnect
// datagram, for callers that already know the remote is gone. Per §6 this
// is ungraceful and does not fire OnDisconnected.
func (c *Conn) Close() error {
	c.do(func() {
		if c.State() != NotConnected {
			c.finish(DisconnectReason{Graceful: false, Kind: ErrConnectionDisconnected}, nil, false)
		}
	})
	return nil
}
