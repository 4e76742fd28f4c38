package wire

import "testing"

func TestPoolRentRelease(t *testing.T) {
	p := NewPoolWithOption(Reliable, 8)

	b1 := p.Rent()
	if !b1.InUse() {
		t.Fatal("rented buffer reports InUse() == false")
	}
	b1.StampReliableID(5)
	b1.WriteUint8(1)

	p.Release(b1)
	if b1.InUse() {
		t.Fatal("released buffer still reports InUse() == true")
	}
	if got, want := b1.Length(), 0; got != want {
		t.Fatalf("released buffer Length() = %d, want %d", got, want)
	}
	if got, want := b1.Bytes()[0], byte(Reliable); got != want {
		t.Fatalf("released buffer preamble byte = %x, want %x", got, want)
	}

	// Double release is a no-op, not a panic.
	p.Release(b1)
}

func TestPoolReusesReleasedBuffers(t *testing.T) {
	p := NewPool(4)

	b1 := p.Rent()
	p.Release(b1)

	b2 := p.Rent()
	if b2 != b1 {
		t.Fatal("Rent() after Release() allocated a new Buffer instead of reusing the free one")
	}
}

func TestPoolReleaseOfForeignBufferIsNoop(t *testing.T) {
	p := NewPool(4)
	foreign := New(4)
	foreign.checked = true // pretend it's checked out of some other pool

	p.Release(foreign) // must not panic, must not be absorbed into p's free list
	if len(p.free) != 0 {
		t.Fatal("Release absorbed a buffer that was never rented from this pool")
	}
}
