// Package wire implements the bit-exact framing format shared by both ends
// of an ember session: typed primitive readers/writers, the packed
// (variable-length) integer encoding, and the nested length-tagged message
// frames that can appear inside any payload.
//
// The encoding rules mirror the teacher's readwrite.go in spirit (typed
// Read/Write pairs over a byte cursor) but the cursor and growth policy are
// owned by Buffer itself instead of being threaded through bytes.Reader /
// bytes.Buffer, since a Buffer also has to support send-option preambles,
// nested message bookkeeping and read-only views into a parent's bytes.
package wire

import (
	"encoding/binary"
	"fmt"
	"math"
)

// SendOption is the one-byte packet type at the start of every datagram.
type SendOption uint8

const (
	Unreliable SendOption = 0
	Reliable   SendOption = 1
	Hello      SendOption = 8
	Disconnect SendOption = 9
	Ack        SendOption = 10
	Fragment   SendOption = 11
	Ping       SendOption = 12
)

func (o SendOption) String() string {
	switch o {
	case Unreliable:
		return "Unreliable"
	case Reliable:
		return "Reliable"
	case Hello:
		return "Hello"
	case Disconnect:
		return "Disconnect"
	case Ack:
		return "Ack"
	case Fragment:
		return "Fragment"
	case Ping:
		return "Ping"
	default:
		return fmt.Sprintf("SendOption(%d)", uint8(o))
	}
}

// HasReliableID reports whether packets of this SendOption carry a 2-byte
// reliable ID immediately after the header byte.
func (o SendOption) HasReliableID() bool {
	return o == Reliable || o == Hello || o == Ping
}

// preambleSize is the number of header bytes a Buffer constructed with the
// given SendOption reserves for itself before any payload write.
func preambleSize(opt SendOption) int {
	if opt.HasReliableID() {
		return 3 // header byte + 2-byte reliable ID placeholder
	}
	return 1
}

// Buffer is a growable byte array with independent reader and writer
// cursors, used both to build outgoing packets and to walk incoming ones.
type Buffer struct {
	data   []byte
	writer int
	reader int

	hasOption  bool
	sendOption SendOption
	headerSize int

	msgStarts []int

	isView     bool
	messageTag uint8

	// pool bookkeeping; zero value means "not pool-managed".
	pool     *Pool
	checked  bool
}

// New constructs an empty Buffer with no send-option preamble.
func New(capacity int) *Buffer {
	return &Buffer{data: make([]byte, capacity)}
}

// NewWithOption constructs a Buffer whose send-option header (and, for
// SendOptions that carry a reliable ID, two reserved ID bytes) is already
// written, so that callers only ever append payload bytes.
func NewWithOption(opt SendOption, capacity int) *Buffer {
	hdr := preambleSize(opt)
	if capacity < hdr {
		capacity = hdr
	}
	b := &Buffer{data: make([]byte, capacity)}
	b.applyPreamble(opt)
	return b
}

// FromBytes wraps an already-framed packet (e.g. a datagram just read off
// the socket) for decoding. The header byte, if any, is left for the caller
// to read explicitly with ReadUint8 — FromBytes never reserves a preamble.
func FromBytes(b []byte) *Buffer {
	data := make([]byte, len(b))
	copy(data, b)
	return &Buffer{data: data, writer: len(data)}
}

func (b *Buffer) applyPreamble(opt SendOption) {
	hdr := preambleSize(opt)
	b.writer = 0
	b.reader = 0
	b.ensure(hdr)
	b.data[0] = byte(opt)
	for i := 1; i < hdr; i++ {
		b.data[i] = 0
	}
	b.writer = hdr
	b.headerSize = hdr
	b.hasOption = true
	b.sendOption = opt
	b.msgStarts = b.msgStarts[:0]
}

// SendOption returns the header byte this Buffer was constructed with, if
// any.
func (b *Buffer) SendOption() (SendOption, bool) { return b.sendOption, b.hasOption }

// MessageTag returns the tag of the nested message this Buffer is a view
// of. Only meaningful when IsView is true.
func (b *Buffer) MessageTag() uint8 { return b.messageTag }

// IsView reports whether this Buffer is a read-only view into a parent
// Buffer's bytes, as returned by ReadMessage.
func (b *Buffer) IsView() bool { return b.isView }

// Length is the number of payload bytes written so far, excluding any
// send-option preamble.
func (b *Buffer) Length() int { return b.writer - b.headerSize }

// Bytes returns the full encoded packet, including any preamble, ready to
// hand to the socket. The reliable ID bytes (if reserved) are whatever was
// last stamped into them.
func (b *Buffer) Bytes() []byte { return b.data[:b.writer] }

// Payload returns the bytes written after the preamble.
func (b *Buffer) Payload() []byte { return b.data[b.headerSize:b.writer] }

// StampReliableID writes id (big-endian) into the two reserved ID bytes.
// It panics if this Buffer's SendOption doesn't carry a reliable ID.
func (b *Buffer) StampReliableID(id uint16) {
	if !b.hasOption || !b.sendOption.HasReliableID() {
		panic("wire: StampReliableID on a buffer with no reliable-ID preamble")
	}
	binary.BigEndian.PutUint16(b.data[1:3], id)
}

// Reset clears both cursors, the message-start stack, and (if this Buffer
// has a send-option) re-applies the preamble. It panics on a view.
func (b *Buffer) Reset() {
	b.mustNotBeView("Reset")
	if b.hasOption {
		b.applyPreamble(b.sendOption)
		return
	}
	b.writer = 0
	b.reader = 0
	b.msgStarts = b.msgStarts[:0]
}

func (b *Buffer) mustNotBeView(op string) {
	if b.isView {
		panic("wire: " + op + " on a view buffer")
	}
}

// ensure grows the backing array to hold at least need bytes, following
// the size ← size + size/2 + 1 policy until it fits. Views never grow.
func (b *Buffer) ensure(need int) {
	if need <= len(b.data) {
		return
	}
	size := len(b.data)
	if size == 0 {
		size = 1
	}
	for size < need {
		size = size + size/2 + 1
	}
	grown := make([]byte, size)
	copy(grown, b.data)
	b.data = grown
}

func (b *Buffer) writeBytes(p []byte) {
	b.mustNotBeView("write")
	b.ensure(b.writer + len(p))
	copy(b.data[b.writer:], p)
	b.writer += len(p)
}

func (b *Buffer) writeByte(v byte) { b.writeBytes([]byte{v}) }

func (b *Buffer) readBytes(n int) []byte {
	if b.reader+n > b.writer {
		panic(fmt.Sprintf("wire: short read: want %d bytes, have %d", n, b.writer-b.reader))
	}
	p := b.data[b.reader : b.reader+n]
	b.reader += n
	return p
}

func (b *Buffer) readByte() byte { return b.readBytes(1)[0] }

// Remaining reports how many unread payload bytes remain.
func (b *Buffer) Remaining() int { return b.writer - b.reader }

// --- primitives -------------------------------------------------------

func (b *Buffer) WriteUint8(v uint8) { b.writeByte(v) }
func (b *Buffer) ReadUint8() uint8   { return b.readByte() }

func (b *Buffer) WriteBool(v bool) {
	if v {
		b.writeByte(1)
	} else {
		b.writeByte(0)
	}
}
func (b *Buffer) ReadBool() bool { return b.readByte() != 0 }

func (b *Buffer) WriteUint16(v uint16)   { b.write16(v, binary.LittleEndian) }
func (b *Buffer) WriteUint16BE(v uint16) { b.write16(v, binary.BigEndian) }
func (b *Buffer) ReadUint16() uint16     { return b.read16(binary.LittleEndian) }
func (b *Buffer) ReadUint16BE() uint16   { return b.read16(binary.BigEndian) }

func (b *Buffer) write16(v uint16, order binary.ByteOrder) {
	var buf [2]byte
	order.PutUint16(buf[:], v)
	b.writeBytes(buf[:])
}
func (b *Buffer) read16(order binary.ByteOrder) uint16 { return order.Uint16(b.readBytes(2)) }

func (b *Buffer) WriteUint32(v uint32)   { b.write32(v, binary.LittleEndian) }
func (b *Buffer) WriteUint32BE(v uint32) { b.write32(v, binary.BigEndian) }
func (b *Buffer) ReadUint32() uint32     { return b.read32(binary.LittleEndian) }
func (b *Buffer) ReadUint32BE() uint32   { return b.read32(binary.BigEndian) }

func (b *Buffer) write32(v uint32, order binary.ByteOrder) {
	var buf [4]byte
	order.PutUint32(buf[:], v)
	b.writeBytes(buf[:])
}
func (b *Buffer) read32(order binary.ByteOrder) uint32 { return order.Uint32(b.readBytes(4)) }

func (b *Buffer) WriteUint64(v uint64)   { b.write64(v, binary.LittleEndian) }
func (b *Buffer) WriteUint64BE(v uint64) { b.write64(v, binary.BigEndian) }
func (b *Buffer) ReadUint64() uint64     { return b.read64(binary.LittleEndian) }
func (b *Buffer) ReadUint64BE() uint64   { return b.read64(binary.BigEndian) }

func (b *Buffer) write64(v uint64, order binary.ByteOrder) {
	var buf [8]byte
	order.PutUint64(buf[:], v)
	b.writeBytes(buf[:])
}
func (b *Buffer) read64(order binary.ByteOrder) uint64 { return order.Uint64(b.readBytes(8)) }

func (b *Buffer) WriteInt8(v int8)     { b.WriteUint8(uint8(v)) }
func (b *Buffer) ReadInt8() int8       { return int8(b.ReadUint8()) }
func (b *Buffer) WriteInt16(v int16)   { b.WriteUint16(uint16(v)) }
func (b *Buffer) ReadInt16() int16     { return int16(b.ReadUint16()) }
func (b *Buffer) WriteInt32(v int32)   { b.WriteUint32(uint32(v)) }
func (b *Buffer) ReadInt32() int32     { return int32(b.ReadUint32()) }
func (b *Buffer) WriteInt64(v int64)   { b.WriteUint64(uint64(v)) }
func (b *Buffer) ReadInt64() int64     { return int64(b.ReadUint64()) }

func (b *Buffer) WriteFloat32(v float32)   { b.WriteUint32(math.Float32bits(v)) }
func (b *Buffer) WriteFloat32BE(v float32) { b.WriteUint32BE(math.Float32bits(v)) }
func (b *Buffer) ReadFloat32() float32     { return math.Float32frombits(b.ReadUint32()) }
func (b *Buffer) ReadFloat32BE() float32   { return math.Float32frombits(b.ReadUint32BE()) }

// WriteString writes s as a packed-int length followed by its UTF-8 bytes.
func (b *Buffer) WriteString(s string) {
	b.WritePackedUint32(uint32(len(s)))
	b.writeBytes([]byte(s))
}

// ReadString reads a packed-int length followed by that many UTF-8 bytes.
func (b *Buffer) ReadString() string {
	n := b.ReadPackedUint32()
	return string(b.readBytes(int(n)))
}

// --- packed (varint) integers ------------------------------------------

const maxPackedBytes = 5

// WritePackedInt32 writes v as a sequence of 7-bit little-endian groups,
// each byte's high bit set when another byte follows. Negative values are
// cast to their unsigned two's-complement form first, so a peer that always
// reads unsigned sees the same bytes a signed reader would sign-extend.
func (b *Buffer) WritePackedInt32(v int32) {
	u := uint32(v)
	for {
		by := byte(u & 0x7f)
		u >>= 7
		if u != 0 {
			by |= 0x80
		}
		b.writeByte(by)
		if u == 0 {
			return
		}
	}
}

// WritePackedUint32 is WritePackedInt32 with an unsigned argument; the wire
// encoding is identical either way.
func (b *Buffer) WritePackedUint32(v uint32) { b.WritePackedInt32(int32(v)) }

// ReadPackedInt32 reads at most 5 bytes of a packed integer. When signed is
// true the result is sign-extended at bit 7·bytesRead (i.e. treated as a
// (7·bytesRead+1)-bit two's-complement value); when false the raw bits are
// returned unchanged.
func (b *Buffer) ReadPackedInt32(signed bool) int32 {
	var raw uint32
	var n int
	for n < maxPackedBytes {
		by := b.readByte()
		raw |= uint32(by&0x7f) << uint(7*n)
		n++
		if by&0x80 == 0 {
			break
		}
	}
	if signed {
		shift := uint(7 * n)
		if shift < 32 {
			signBit := uint32(1) << shift
			if raw&signBit != 0 {
				raw |= ^uint32(0) << shift
			}
		}
	}
	return int32(raw)
}

// ReadPackedUint32 is ReadPackedInt32(false) reinterpreted as unsigned.
func (b *Buffer) ReadPackedUint32() uint32 { return uint32(b.ReadPackedInt32(false)) }

// --- nested messages -----------------------------------------------------

// StartMessage reserves a 2-byte length placeholder, writes the tag byte,
// and pushes the reserved offset so a matching EndMessage/CancelMessage can
// find it.
func (b *Buffer) StartMessage(tag uint8) {
	b.mustNotBeView("StartMessage")
	start := b.writer
	b.WriteUint16(0) // length placeholder, backfilled by EndMessage
	b.WriteUint8(tag)
	b.msgStarts = append(b.msgStarts, start)
}

// EndMessage backfills the length field reserved by the matching
// StartMessage. It panics if there is no open message.
func (b *Buffer) EndMessage() {
	b.mustNotBeView("EndMessage")
	start := b.popMsgStart("EndMessage")
	length := b.writer - start - 3
	binary.LittleEndian.PutUint16(b.data[start:start+2], uint16(length))
}

// CancelMessage discards everything written since the matching
// StartMessage, restoring Length to its value just before that call.
func (b *Buffer) CancelMessage() {
	b.mustNotBeView("CancelMessage")
	start := b.popMsgStart("CancelMessage")
	b.writer = start
}

func (b *Buffer) popMsgStart(op string) int {
	if len(b.msgStarts) == 0 {
		panic("wire: " + op + " with no open message")
	}
	last := len(b.msgStarts) - 1
	start := b.msgStarts[last]
	b.msgStarts = b.msgStarts[:last]
	return start
}

// ReadMessage reads a nested message frame (length, tag) at the current
// reader position and returns a read-only view over its payload. The
// parent's reader cursor advances past the entire frame (header + payload),
// so sibling messages can be read in sequence.
func (b *Buffer) ReadMessage() *Buffer {
	length := b.ReadUint16()
	tag := b.ReadUint8()
	payload := b.readBytes(int(length))

	return &Buffer{
		data:       payload,
		writer:     len(payload),
		isView:     true,
		messageTag: tag,
	}
}
