package rudp

import (
	"net"
	"testing"
	"time"

	"github.com/emberproto/ember/wire"
)

func TestConnectAndExchangeReliableData(t *testing.T) {
	net := newMemNetwork()
	serverSock := net.listen("server:7777")
	clientSock := net.listen("client:1")

	listener := Listen(serverSock, DefaultTunables(), RealClock, nil)
	defer listener.Stop()

	var gotHandshake []byte
	handshakeSeen := make(chan struct{}, 1)
	listener.OnNewConnection = func(c *Conn, handshake []byte) {
		gotHandshake = append([]byte(nil), handshake...)
		handshakeSeen <- struct{}{}
	}

	acceptedServerConn := make(chan *Conn, 1)
	go func() {
		c, err := listener.Accept()
		if err == nil {
			acceptedServerConn <- c
		}
	}()

	client, err := Connect(clientSock, memAddr("server:7777"), []byte("hi"), 2*time.Second, DefaultTunables(), RealClock)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	if client.State() != Connected {
		t.Fatalf("client state = %v, want Connected", client.State())
	}

	select {
	case <-handshakeSeen:
	case <-time.After(time.Second):
		t.Fatal("listener never fired OnNewConnection")
	}
	if string(gotHandshake) != "hi" {
		t.Fatalf("handshake payload = %q, want %q", gotHandshake, "hi")
	}

	var serverConn *Conn
	select {
	case serverConn = <-acceptedServerConn:
	case <-time.After(time.Second):
		t.Fatal("listener never accepted the connection")
	}
	if serverConn.State() != Connected {
		t.Fatalf("server-side conn state = %v, want Connected", serverConn.State())
	}

	received := make(chan []byte, 1)
	serverConn.OnDataReceived = func(data []byte, opt wire.SendOption) {
		if opt == wire.Reliable {
			received <- append([]byte(nil), data...)
		}
	}

	buf := wire.NewWithOption(wire.Reliable, 8)
	buf.WriteString("payload")
	if err := client.Send(buf); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case got := <-received:
		view := wire.FromBytes(got)
		if s := view.ReadString(); s != "payload" {
			t.Fatalf("received payload = %q, want %q", s, "payload")
		}
	case <-time.After(time.Second):
		t.Fatal("server never received the reliable payload")
	}
}

func TestConnectTimesOutWhenServerUnreachable(t *testing.T) {
	netw := newMemNetwork()
	clientSock := netw.listen("client:2")

	_, err := Connect(clientSock, memAddr("nobody:0"), nil, 150*time.Millisecond, DefaultTunables(), RealClock)
	if err != ErrHandshakeTimeout {
		t.Fatalf("err = %v, want ErrHandshakeTimeout", err)
	}
}

func TestAdmissionGateRejection(t *testing.T) {
	netw := newMemNetwork()
	serverSock := netw.listen("server:8888")
	clientSock := netw.listen("client:3")

	listener := Listen(serverSock, DefaultTunables(), RealClock, nil)
	defer listener.Stop()
	listener.Admit = func(addr net.Addr, handshake []byte) []byte {
		return []byte("banned")
	}

	_, err := Connect(clientSock, memAddr("server:8888"), nil, 300*time.Millisecond, DefaultTunables(), RealClock)
	if err == nil {
		t.Fatal("expected connect to fail when admission gate rejects")
	}
}

func TestGracefulDisconnectFiresCallback(t *testing.T) {
	netw := newMemNetwork()
	serverSock := netw.listen("server:9999")
	clientSock := netw.listen("client:4")

	listener := Listen(serverSock, DefaultTunables(), RealClock, nil)
	defer listener.Stop()

	accepted := make(chan *Conn, 1)
	listener.OnNewConnection = func(c *Conn, handshake []byte) {}
	go func() {
		c, err := listener.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	client, err := Connect(clientSock, memAddr("server:9999"), nil, time.Second, DefaultTunables(), RealClock)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	var serverConn *Conn
	select {
	case serverConn = <-accepted:
	case <-time.After(time.Second):
		t.Fatal("listener never accepted")
	}

	disconnected := make(chan DisconnectReason, 1)
	serverConn.OnDisconnected = func(payload []byte, reason DisconnectReason) {
		disconnected <- reason
	}

	if err := client.Disconnect([]byte("bye")); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}

	select {
	case reason := <-disconnected:
		if !reason.Graceful {
			t.Fatal("expected a graceful disconnect reason")
		}
	case <-time.After(time.Second):
		t.Fatal("server conn never observed the disconnect")
	}

	// The app's own OnDisconnected above must not have clobbered the
	// listener's internal peer-map cleanup.
	deadline := time.Now().Add(time.Second)
	for {
		if _, known := listener.PeerByAddr(memAddr("client:4")); !known {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("listener leaked the peer-map entry after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCloseDoesNotFireOnDisconnected(t *testing.T) {
	netw := newMemNetwork()
	serverSock := netw.listen("server:9998")
	clientSock := netw.listen("client:5")

	listener := Listen(serverSock, DefaultTunables(), RealClock, nil)
	defer listener.Stop()

	client, err := Connect(clientSock, memAddr("server:9998"), nil, time.Second, DefaultTunables(), RealClock)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	fired := false
	client.OnDisconnected = func(payload []byte, reason DisconnectReason) {
		fired = true
	}

	if err := client.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if fired {
		t.Fatal("Close must not fire OnDisconnected (§6)")
	}
	if client.State() != NotConnected {
		t.Fatal("Close must still transition to NotConnected")
	}
}
