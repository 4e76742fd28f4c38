package wire

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestUintRoundTrip(t *testing.T) {
	b := New(4)
	b.WriteUint8(0xAB)
	b.WriteUint16(0xBEEF)
	b.WriteUint16BE(0xBEEF)
	b.WriteUint32(0xDEADBEEF)
	b.WriteUint32BE(0xDEADBEEF)
	b.WriteUint64(0x0102030405060708)
	b.WriteUint64BE(0x0102030405060708)

	if got, want := b.ReadUint8(), uint8(0xAB); got != want {
		t.Errorf("ReadUint8 = %x, want %x", got, want)
	}
	if got, want := b.ReadUint16(), uint16(0xBEEF); got != want {
		t.Errorf("ReadUint16 = %x, want %x", got, want)
	}
	if got, want := b.ReadUint16BE(), uint16(0xBEEF); got != want {
		t.Errorf("ReadUint16BE = %x, want %x", got, want)
	}
	if got, want := b.ReadUint32(), uint32(0xDEADBEEF); got != want {
		t.Errorf("ReadUint32 = %x, want %x", got, want)
	}
	if got, want := b.ReadUint32BE(), uint32(0xDEADBEEF); got != want {
		t.Errorf("ReadUint32BE = %x, want %x", got, want)
	}
	if got, want := b.ReadUint64(), uint64(0x0102030405060708); got != want {
		t.Errorf("ReadUint64 = %x, want %x", got, want)
	}
	if got, want := b.ReadUint64BE(), uint64(0x0102030405060708); got != want {
		t.Errorf("ReadUint64BE = %x, want %x", got, want)
	}
}

func TestBoolEncoding(t *testing.T) {
	b := New(2)
	b.WriteBool(false)
	b.WriteBool(true)

	got := b.Bytes()
	want := []byte{0x00, 0x01}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("bool encoding mismatch (-want +got):\n%s", diff)
	}

	if b.ReadBool() != false {
		t.Error("ReadBool() #1 = true, want false")
	}
	if b.ReadBool() != true {
		t.Error("ReadBool() #2 = false, want true")
	}
}

func TestFloat32RoundTrip(t *testing.T) {
	values := []float32{0, 1.5, -3.14, math.MaxFloat32, math.SmallestNonzeroFloat32}
	b := New(4)
	for _, v := range values {
		b.WriteFloat32(v)
	}
	for _, want := range values {
		if got := b.ReadFloat32(); got != want {
			t.Errorf("ReadFloat32() = %v, want %v", got, want)
		}
	}
}

func TestStringRoundTrip(t *testing.T) {
	values := []string{"", "hi", "a string long enough to need more than one varint byte for its length " +
		"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"}
	b := New(4)
	for _, v := range values {
		b.WriteString(v)
	}
	for _, want := range values {
		if got := b.ReadString(); got != want {
			t.Errorf("ReadString() = %q, want %q", got, want)
		}
	}
}

func TestPackedIntPositive(t *testing.T) {
	b := New(4)
	b.WritePackedInt32(68000)

	got := b.Bytes()
	want := []byte{0xA0, 0x93, 0x04}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("68000 encoding mismatch (-want +got):\n%s", diff)
	}

	var concat uint64
	for i, by := range got {
		concat |= uint64(by) << uint(8*i)
	}
	if concat != 299936 {
		t.Errorf("unsigned-LE concatenation = %d, want 299936", concat)
	}

	if got := b.ReadPackedInt32(false); got != 68000 {
		t.Errorf("ReadPackedInt32(false) = %d, want 68000", got)
	}
}

func TestPackedIntNegative(t *testing.T) {
	b := New(8)
	b.WritePackedInt32(-68000)

	got := b.Bytes()
	if len(got) != 5 {
		t.Fatalf("-68000 encoded to %d bytes, want 5", len(got))
	}

	var concat uint64
	for i, by := range got {
		concat |= uint64(by) << uint(8*i)
	}
	if concat != 68719209696 {
		t.Errorf("unsigned-LE concatenation = %d, want 68719209696", concat)
	}

	if got := b.ReadPackedInt32(true); got != -68000 {
		t.Errorf("ReadPackedInt32(true) = %d, want -68000", got)
	}
}

func TestPackedIntSignedRoundTripAllInt32(t *testing.T) {
	samples := []int32{
		0, 1, -1, 63, 64, -64, 8191, -8192, math.MaxInt32, math.MinInt32,
		1 << 20, -(1 << 20), 1<<28 - 1, -(1 << 28),
	}
	for _, v := range samples {
		b := New(8)
		b.WritePackedInt32(v)
		if got := b.ReadPackedInt32(true); got != v {
			t.Errorf("signed round trip of %d = %d", v, got)
		}
	}
}

func TestPackedIntUnsignedRoundTripAllUint32(t *testing.T) {
	samples := []uint32{0, 1, 127, 128, 1 << 20, 1<<31 - 1, 1 << 31, math.MaxUint32}
	for _, v := range samples {
		b := New(8)
		b.WritePackedUint32(v)
		if got := b.ReadPackedUint32(); got != v {
			t.Errorf("unsigned round trip of %d = %d", v, got)
		}
	}
}

func TestNestedMessageWriteRead(t *testing.T) {
	b := New(4)
	b.StartMessage(1)
	b.WriteInt32(65534)
	b.EndMessage()

	got := b.Bytes()
	want := []byte{0x04, 0x00, 0x01, 0xFE, 0xFF, 0x00, 0x00}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("encoded nested message mismatch (-want +got):\n%s", diff)
	}
	if got, want := b.Length(), 7; got != want {
		t.Fatalf("Length() = %d, want %d", got, want)
	}

	view := b.ReadMessage()
	if got, want := view.MessageTag(), uint8(1); got != want {
		t.Errorf("MessageTag() = %d, want %d", got, want)
	}
	if got, want := view.Length(), 4; got != want {
		t.Errorf("view Length() = %d, want %d", got, want)
	}
	if got, want := view.ReadInt32(), int32(65534); got != want {
		t.Errorf("view payload = %d, want %d", got, want)
	}
}

func TestCancelMessageRestoresLength(t *testing.T) {
	b := New(4)
	b.StartMessage(1)
	b.WriteInt32(32)
	b.StartMessage(2)
	b.WriteInt32(2)
	b.CancelMessage()

	if got, want := b.Length(), 7; got != want {
		t.Fatalf("Length() after first cancel = %d, want %d", got, want)
	}

	b.CancelMessage()
	if got, want := b.Length(), 0; got != want {
		t.Fatalf("Length() after second cancel = %d, want %d", got, want)
	}
}

func TestViewRejectsWrites(t *testing.T) {
	b := New(4)
	b.StartMessage(1)
	b.WriteUint8(9)
	b.EndMessage()

	view := b.ReadMessage()

	defer func() {
		if recover() == nil {
			t.Fatal("write to a view buffer did not panic")
		}
	}()
	view.WriteUint8(1)
}

func TestWithOptionPreambleHiddenFromLength(t *testing.T) {
	b := NewWithOption(Unreliable, 8)
	if got, want := b.Length(), 0; got != want {
		t.Fatalf("Length() on fresh Unreliable buffer = %d, want %d", got, want)
	}
	b.WriteUint8(42)
	if got, want := b.Length(), 1; got != want {
		t.Fatalf("Length() after one write = %d, want %d", got, want)
	}
	if got, want := b.Bytes()[0], byte(Unreliable); got != want {
		t.Fatalf("preamble byte = %x, want %x", got, want)
	}

	rb := NewWithOption(Reliable, 8)
	rb.StampReliableID(0x0102)
	rb.WriteUint8(7)
	want := []byte{byte(Reliable), 0x01, 0x02, 7}
	if diff := cmp.Diff(want, rb.Bytes()); diff != "" {
		t.Fatalf("Reliable buffer mismatch (-want +got):\n%s", diff)
	}
}

func TestGrowthPolicy(t *testing.T) {
	b := New(1)
	for i := 0; i < 64; i++ {
		b.WriteUint8(byte(i))
	}
	if got, want := b.Length(), 64; got != want {
		t.Fatalf("Length() = %d, want %d", got, want)
	}
	for i := 0; i < 64; i++ {
		if got := b.ReadUint8(); got != byte(i) {
			t.Fatalf("byte %d = %d, want %d", i, got, i)
		}
	}
}
