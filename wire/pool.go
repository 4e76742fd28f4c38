package wire

import "sync"

// Pool is a free-list of Buffers rented and released by identity, as
// described in the design notes: a double Release is a no-op, and every
// Buffer remembers which Pool (if any) it was checked out of.
type Pool struct {
	mu        sync.Mutex
	capacity  int
	option    SendOption
	hasOption bool
	free      []*Buffer
}

// NewPool returns a Pool of plain (no send-option) Buffers of the given
// initial capacity.
func NewPool(capacity int) *Pool {
	return &Pool{capacity: capacity}
}

// NewPoolWithOption returns a Pool whose Buffers always carry opt's
// preamble, re-applied on every Release.
func NewPoolWithOption(opt SendOption, capacity int) *Pool {
	return &Pool{capacity: capacity, option: opt, hasOption: true}
}

// Rent returns a Buffer from the free-list, or a freshly allocated one if
// the list is empty.
func (p *Pool) Rent() *Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()

	var b *Buffer
	if n := len(p.free); n > 0 {
		b = p.free[n-1]
		p.free = p.free[:n-1]
	} else if p.hasOption {
		b = NewWithOption(p.option, p.capacity)
	} else {
		b = New(p.capacity)
	}

	b.pool = p
	b.checked = true
	return b
}

// Release resets b's cursors (and preamble, if any) and returns it to the
// free-list. Releasing a Buffer that isn't currently checked out of this
// pool, or that wasn't rented from a pool at all, is a no-op.
func (p *Pool) Release(b *Buffer) {
	if b == nil || b.pool != p || !b.checked {
		return
	}

	b.isView = false
	b.Reset()
	b.checked = false

	p.mu.Lock()
	p.free = append(p.free, b)
	p.mu.Unlock()
}

// InUse reports whether b is currently rented out of some Pool.
func (b *Buffer) InUse() bool { return b.checked }
