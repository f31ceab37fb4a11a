// Package clock provides a monotonically increasing counter used to
// tag each collective call with a unique epoch number, so a transport
// implementation can correlate concurrent per-sender/per-receiver
// exchanges belonging to the same call.
package clock

import "sync/atomic"

// AtomicClock is a lock-free monotonic counter.
type AtomicClock struct {
	atomic.Uint64
}

// NewAtomic returns a clock initialized to init.
func NewAtomic(init uint64) *AtomicClock {
	var ac AtomicClock
	ac.Set(init)
	return &ac
}

// Val returns the current value without advancing it.
func (ac *AtomicClock) Val() uint64 {
	return ac.Load()
}

// Next atomically advances the clock and returns the new value — the
// epoch number for the next collective call.
func (ac *AtomicClock) Next() uint64 {
	return ac.Add(1)
}

// Set forces the clock to t.
func (ac *AtomicClock) Set(t uint64) {
	ac.Store(t)
}
