package wlock

import "sync"

// Done is the one-shot cancellation primitive shared between a Lock and its
// caller (spec §5 "Completion channels as cancellation"). Either side may
// close it; closing is idempotent, the closed state is observable without
// blocking, and every waiter on C() unblocks.
type Done struct {
	once sync.Once
	ch   chan struct{}
}

// NewDone returns a fresh, open Done.
func NewDone() *Done {
	return &Done{ch: make(chan struct{})}
}

// Close marks the signal closed. Safe to call more than once or
// concurrently.
func (d *Done) Close() {
	d.once.Do(func() { close(d.ch) })
}

// C returns the channel that closes exactly once, when Close is first
// called.
func (d *Done) C() <-chan struct{} {
	return d.ch
}

// Closed reports whether Close has already been called, without blocking.
func (d *Done) Closed() bool {
	select {
	case <-d.ch:
		return true
	default:
		return false
	}
}
