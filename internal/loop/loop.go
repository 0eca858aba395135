// Package loop provides the single cooperative event loop that econn,
// ecall and mediaflow are driven from (see the concurrency model:
// one thread advances all timers, socket reads and callbacks, and
// nothing reenters or blocks inside a callback). It has no pion
// analogue — pion's PeerConnection instead relies on callers never
// calling back into it from its own callbacks, enforced by
// documentation rather than a scheduler type. We introduce this
// minimal dispatcher on the standard library because the spec's
// ordering guarantees (timer expiry enqueues rather than fires
// synchronously, callbacks never reenter the loop) need an explicit
// home; no library in the example corpus models a bespoke
// single-thread actor loop like this.
package loop

import "sync"

// Loop runs posted functions one at a time, in the order they were
// posted, on whichever goroutine is currently draining the queue. It
// is the thing a Timer's expiry handler,
// a socket reader, or an application call posts work onto so that
// Econn/Ecall/Mediaflow state is only ever touched from one place.
type Loop struct {
	mu      sync.Mutex
	pending []func()
	running bool
	closed  bool
}

// New returns a ready Loop. There is no background goroutine; the
// first Post made while nobody is draining drains the queue inline,
// so posted functions never run concurrently and callers need not
// manage a goroutine lifetime.
func New() *Loop {
	return &Loop{}
}

// Post enqueues fn. If no goroutine is currently draining the queue,
// the calling goroutine drains it (running fn and any work posted
// meanwhile) before returning; otherwise Post only enqueues and
// returns, and the draining goroutine runs fn. This keeps ordering
// strict: fn never reenters a caller still executing further up the
// stack, and functions run in FIFO post order.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.pending = append(l.pending, fn)
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.mu.Unlock()

	for {
		l.mu.Lock()
		if len(l.pending) == 0 {
			l.running = false
			l.mu.Unlock()
			return
		}
		next := l.pending[0]
		l.pending = l.pending[1:]
		l.mu.Unlock()

		next()
	}
}

// Close marks the loop closed; further Post calls are dropped. Any
// work already draining completes.
func (l *Loop) Close() {
	l.mu.Lock()
	l.closed = true
	l.pending = nil
	l.mu.Unlock()
}
