package changefeed

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/estatedesk/estatesync/internal/remote"
)

// Hub is an in-process Feed. Publish delivers synchronously to every open
// subscription of the event's table.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*Handle]struct{}
	closed bool
	logger *logrus.Entry
}

var _ Feed = (*Hub)(nil)

// NewHub creates an empty hub.
func NewHub(logger *logrus.Entry) *Hub {
	return &Hub{
		subs:   make(map[string]map[*Handle]struct{}),
		logger: logger.WithField("component", "changefeed_hub"),
	}
}

// Publish delivers ev to the subscribers of ev.Table.
func (h *Hub) Publish(_ context.Context, ev remote.Event) error {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return remote.ErrClosed
	}
	targets := make([]*Handle, 0, len(h.subs[ev.Table]))
	for s := range h.subs[ev.Table] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		s.Deliver(ev)
	}
	h.logger.WithFields(logrus.Fields{
		"table":       ev.Table,
		"kind":        ev.Kind,
		"subscribers": len(targets),
	}).Trace("change event published")
	return nil
}

// Subscribe registers fn for events on table.
func (h *Hub) Subscribe(_ context.Context, table string, fn func(remote.Event)) (remote.Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, remote.ErrClosed
	}
	var handle *Handle
	handle = NewHandle(fn, func() { h.remove(table, handle) })
	if h.subs[table] == nil {
		h.subs[table] = make(map[*Handle]struct{})
	}
	h.subs[table][handle] = struct{}{}
	return handle, nil
}

// Len returns the number of open subscriptions for table.
func (h *Hub) Len(table string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[table])
}

// Drop closes every open subscription with cause. The hub stays usable.
func (h *Hub) Drop(cause error) {
	for _, s := range h.snapshot() {
		s.Drop(cause)
	}
	h.logger.WithError(cause).Warn("dropped all subscriptions")
}

// Close drops every subscription and rejects further use.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()
	for _, s := range h.snapshot() {
		s.Drop(remote.ErrClosed)
	}
	return nil
}

func (h *Hub) snapshot() []*Handle {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*Handle
	for _, set := range h.subs {
		for s := range set {
			out = append(out, s)
		}
	}
	return out
}

func (h *Hub) remove(table string, s *Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[table], s)
	if len(h.subs[table]) == 0 {
		delete(h.subs, table)
	}
}
