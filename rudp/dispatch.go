package rudp

import (
	"encoding/binary"

	"github.com/emberproto/ember/wire"
)

// headerSize returns how many header bytes a frame carrying opt consumes
// ahead of the payload: 3 for the ID-carrying options, 1 otherwise.
func headerSize(opt wire.SendOption) int {
	if opt.HasReliableID() {
		return 3
	}
	return 1
}

// inboundFrame is one parsed datagram, ready for the reliability/novelty
// pipeline or direct delivery.
type inboundFrame struct {
	option  wire.SendOption
	id      uint16 // only meaningful when option carries an ID
	payload []byte
}

// parseInbound implements the §4.4/§6 wire layout for inbound datagrams. It
// returns false for anything too short to carry its declared header —
// callers must drop the datagram silently rather than treat this as an
// error, since malformed input is indistinguishable from adversarial noise.
func parseInbound(data []byte) (inboundFrame, bool) {
	if len(data) < 1 {
		return inboundFrame{}, false
	}
	opt := wire.SendOption(data[0])
	need := headerSize(opt)
	if len(data) < need {
		return inboundFrame{}, false
	}

	f := inboundFrame{option: opt}
	if need == 3 {
		f.id = binary.BigEndian.Uint16(data[1:3])
	}
	f.payload = data[need:]
	return f, true
}

// ackFrame is the parsed form of an Ack datagram. Both 3-byte (no mask) and
// 4-byte (with mask) forms are accepted per §6.
type ackFrame struct {
	id      uint16
	mask    byte
	hasMask bool
}

func parseAck(data []byte) (ackFrame, bool) {
	if len(data) < 3 || wire.SendOption(data[0]) != wire.Ack {
		return ackFrame{}, false
	}
	f := ackFrame{id: binary.BigEndian.Uint16(data[1:3])}
	if len(data) >= 4 {
		f.mask = data[3]
		f.hasMask = true
	}
	return f, true
}

// buildAck assembles the four-byte standard ack frame for id (§4.2.1).
func buildAck(id uint16, mask byte) []byte {
	return []byte{byte(wire.Ack), byte(id >> 8), byte(id), mask}
}

// buildHello assembles the `[8][id_hi][id_lo][version][payload...]` frame
// used for the initial handshake send (§4.5, §6).
func buildHello(id uint16, version uint8, payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	out[0] = byte(wire.Hello)
	out[1] = byte(id >> 8)
	out[2] = byte(id)
	out[3] = version
	copy(out[4:], payload)
	return out
}

// buildDisconnect assembles the `[9][payload...]` frame.
func buildDisconnect(payload []byte) []byte {
	out := make([]byte, 1+len(payload))
	out[0] = byte(wire.Disconnect)
	copy(out[1:], payload)
	return out
}

// buildPing assembles a bare reliable-tracked ping frame, ID to be stamped
// by the caller (§4.3).
func buildPing() []byte {
	return []byte{byte(wire.Ping), 0, 0}
}

// stampID writes a big-endian reliable ID into a frame built by
// buildHello/buildPing or any sendBytes call that reserved bytes 1..2.
func stampID(frame []byte, id uint16) {
	frame[1] = byte(id >> 8)
	frame[2] = byte(id)
}

// sendBytes prepends the 1- or 3-byte header required by option, per §4.4
// "send_bytes". The 3-byte form leaves the ID bytes zeroed for the caller
// (or the reliability engine) to stamp.
func sendBytes(payload []byte, option wire.SendOption) []byte {
	hs := headerSize(option)
	out := make([]byte, hs+len(payload))
	out[0] = byte(option)
	copy(out[hs:], payload)
	return out
}

// isReliableTracked reports whether option goes through the reliability
// path (3-byte header, outstanding tracking, ack) rather than being fired
// and forgotten.
func isReliableTracked(option wire.SendOption) bool {
	return option == wire.Reliable || option == wire.Hello || option == wire.Ping
}
