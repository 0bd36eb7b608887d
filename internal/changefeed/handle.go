// Package changefeed fans typed change events out to per-table subscribers,
// either in-process (Hub) or across processes (RedisFeed).
package changefeed

import (
	"context"
	"fmt"
	"sync"

	"github.com/estatedesk/estatesync/internal/remote"
)

// Feed publishes and delivers change events.
type Feed interface {
	Publish(ctx context.Context, ev remote.Event) error
	Subscribe(ctx context.Context, table string, fn func(remote.Event)) (remote.Subscription, error)
	Close() error
}

// Handle is a remote.Subscription backed by a callback. Deliver and the
// closing methods are serialised, so once Unsubscribe or Drop returns the
// callback will not run again. The callback must not unsubscribe its own
// handle.
type Handle struct {
	mu      sync.Mutex
	fn      func(remote.Event)
	closed  bool
	err     error
	done    chan struct{}
	onClose func()
}

var _ remote.Subscription = (*Handle)(nil)

// NewHandle returns an open handle that passes events to fn. onClose, if
// non-nil, runs once after the handle is closed.
func NewHandle(fn func(remote.Event), onClose func()) *Handle {
	return &Handle{fn: fn, done: make(chan struct{}), onClose: onClose}
}

// Deliver invokes the callback unless the handle is closed.
func (h *Handle) Deliver(ev remote.Event) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.fn(ev)
	return true
}

// Unsubscribe closes the handle. Calling it more than once is a no-op.
func (h *Handle) Unsubscribe() error {
	h.close(nil)
	return nil
}

// Drop closes the handle with cause wrapped in remote.ErrSubscriptionDropped.
func (h *Handle) Drop(cause error) {
	h.close(fmt.Errorf("%w: %v", remote.ErrSubscriptionDropped, cause))
}

// Done is closed once the handle is closed.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the reason the handle closed, nil if it was unsubscribed.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Closed reports whether the handle has been closed.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *Handle) close(err error) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.closed = true
	h.err = err
	h.mu.Unlock()

	close(h.done)
	if h.onClose != nil {
		h.onClose()
	}
	return true
}
