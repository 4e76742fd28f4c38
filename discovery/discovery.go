// Package discovery implements LAN server discovery: a server periodically
// announces itself on a UDP multicast group, and a client listens for
// those announcements to populate a server list without the user typing an
// address. This has no teacher analogue in the retrieved pack (the teacher
// proxies to servers named in its own config file); it is built the way
// ooni-minivpn's ICMP tooling uses golang.org/x/net for raw socket control,
// generalized here to ipv4.PacketConn's multicast group membership instead
// of ICMP framing.
package discovery

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"
)

// beaconMagic tags discovery datagrams so a listener can ignore any other
// multicast traffic sharing the group.
var beaconMagic = [2]byte{0x04, 0x02}

// Beacon is one server's announcement. Interface is never put on the wire;
// a Listener fills it in from the receiving socket's control message so
// callers know which local interface carried the beacon (§3.1, §4.9).
type Beacon struct {
	Name      string
	Addr      string // host:port the server actually listens on
	PeerCnt   int
	Interface string
}

func encodeBeacon(b Beacon) []byte {
	name := []byte(b.Name)
	addr := []byte(b.Addr)
	out := make([]byte, 2+2+len(name)+2+len(addr)+4)
	copy(out[0:2], beaconMagic[:])
	binary.BigEndian.PutUint16(out[2:4], uint16(len(name)))
	copy(out[4:4+len(name)], name)
	o := 4 + len(name)
	binary.BigEndian.PutUint16(out[o:o+2], uint16(len(addr)))
	copy(out[o+2:o+2+len(addr)], addr)
	o += 2 + len(addr)
	binary.BigEndian.PutUint32(out[o:o+4], uint32(b.PeerCnt))
	return out
}

func decodeBeacon(data []byte) (Beacon, bool) {
	if len(data) < 4 || data[0] != beaconMagic[0] || data[1] != beaconMagic[1] {
		return Beacon{}, false
	}
	nameLen := int(binary.BigEndian.Uint16(data[2:4]))
	o := 4
	if len(data) < o+nameLen+2 {
		return Beacon{}, false
	}
	name := string(data[o : o+nameLen])
	o += nameLen
	addrLen := int(binary.BigEndian.Uint16(data[o : o+2]))
	o += 2
	if len(data) < o+addrLen+4 {
		return Beacon{}, false
	}
	addr := string(data[o : o+addrLen])
	o += addrLen
	peerCnt := int(binary.BigEndian.Uint32(data[o : o+4]))
	return Beacon{Name: name, Addr: addr, PeerCnt: peerCnt}, true
}

// Announcer periodically multicasts a Beacon describing a running server.
type Announcer struct {
	conn  *net.UDPConn
	pconn *ipv4.PacketConn
	group *net.UDPAddr

	stop chan struct{}
}

// NewAnnouncer binds the port of groupAddr (e.g. "239.9.9.1:30000") and
// begins sending beacon to that group every interval until Stop is called.
// It does not join the group itself.
func NewAnnouncer(groupAddr string, interval time.Duration, beacon func() Beacon) (*Announcer, error) {
	group, err := net.ResolveUDPAddr("udp4", groupAddr)
	if err != nil {
		return nil, errors.Wrap(err, "discovery: resolve group address")
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: group.Port})
	if err != nil {
		return nil, errors.Wrap(err, "discovery: listen")
	}

	a := &Announcer{conn: conn, pconn: ipv4.NewPacketConn(conn), group: group, stop: make(chan struct{})}

	go a.run(interval, beacon)
	return a, nil
}

func (a *Announcer) run(interval time.Duration, beacon func() Beacon) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.pconn.WriteTo(encodeBeacon(beacon()), nil, a.group)
		case <-a.stop:
			return
		}
	}
}

// Stop halts announcing and releases the socket.
func (a *Announcer) Stop() error {
	close(a.stop)
	return a.conn.Close()
}

// Listener receives Beacon announcements on a joined multicast group.
type Listener struct {
	conn  *net.UDPConn
	pconn *ipv4.PacketConn

	beacons chan Beacon
	stop    chan struct{}
}

// Listen joins groupAddr on every multicast-capable interface and begins
// decoding beacons.
func Listen(groupAddr string) (*Listener, error) {
	group, err := net.ResolveUDPAddr("udp4", groupAddr)
	if err != nil {
		return nil, errors.Wrap(err, "discovery: resolve group address")
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: group.Port})
	if err != nil {
		return nil, errors.Wrap(err, "discovery: listen")
	}
	pconn := ipv4.NewPacketConn(conn)
	if err := pconn.SetControlMessage(ipv4.FlagInterface, true); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "discovery: enable interface control messages")
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "discovery: enumerate interfaces")
	}
	joined := 0
	for _, iface := range ifaces {
		if iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		if err := pconn.JoinGroup(&iface, group); err == nil {
			joined++
		}
	}
	if joined == 0 {
		conn.Close()
		return nil, fmt.Errorf("discovery: no multicast-capable interface could join %s", groupAddr)
	}

	l := &Listener{conn: conn, pconn: pconn, beacons: make(chan Beacon, 16), stop: make(chan struct{})}
	go l.run()
	return l, nil
}

func (l *Listener) run() {
	buf := make([]byte, 2048)
	for {
		n, cm, _, err := l.pconn.ReadFrom(buf)
		if err != nil {
			select {
			case <-l.stop:
				return
			default:
				continue
			}
		}
		b, ok := decodeBeacon(buf[:n])
		if !ok {
			continue
		}
		if cm != nil {
			if iface, err := net.InterfaceByIndex(cm.IfIndex); err == nil {
				b.Interface = iface.Name
			}
		}
		select {
		case l.beacons <- b:
		default:
		}
	}
}

// Beacons returns the channel of decoded beacons. Malformed datagrams on
// the group are dropped silently, the same discipline the transport uses
// for malformed application datagrams.
func (l *Listener) Beacons() <-chan Beacon { return l.beacons }

// Stop releases the socket.
func (l *Listener) Stop() error {
	close(l.stop)
	return l.conn.Close()
}
