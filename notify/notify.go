// Package notify provides the Stream Wrapper's refresh latch: a single-shot
// broadcast primitive that every waiter observes at once, recreated lazily on
// the next wait.
package notify

import (
	"context"
	"sync"
)

// RefreshNotifier is completed every time a Wrapper's projection state has
// caught up with the stream's tail. Multiple concurrent waiters share the
// same underlying channel and are all released by the next call to
// NotifyRefresh; cancelling one waiter's context never prevents the others
// from being released.
//
// The zero value is ready to use.
type RefreshNotifier struct {
	mux    sync.Mutex
	latch  chan struct{}
	waited bool
}

// Wait returns a channel that is closed the next time NotifyRefresh is
// called. ctx is not consulted: the channel is shared by all waiters and
// closes on the next NotifyRefresh regardless, so a caller that wants to stop
// waiting early should also select on ctx.Done().
func (n *RefreshNotifier) Wait(ctx context.Context) <-chan struct{} {
	n.mux.Lock()
	defer n.mux.Unlock()

	if n.latch == nil {
		n.latch = make(chan struct{})
	}
	n.waited = true

	return n.latch
}

// Waiting reports whether at least one call to Wait is currently pending a
// notification.
func (n *RefreshNotifier) Waiting() bool {
	n.mux.Lock()
	defer n.mux.Unlock()
	return n.waited && n.latch != nil
}

// NotifyRefresh completes the current latch, releasing every waiter, and
// discards it so the next Wait call creates a fresh one. It is a no-op if
// nobody is currently waiting. Closing the channel (rather than sending on
// it) is what lets every waiter wake concurrently without NotifyRefresh
// blocking on any one of them.
func (n *RefreshNotifier) NotifyRefresh() {
	n.mux.Lock()
	defer n.mux.Unlock()

	if n.latch == nil {
		return
	}
	close(n.latch)
	n.latch = nil
	n.waited = false
}
