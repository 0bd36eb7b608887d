// Package remotetest wraps a remote.Service with controls for tests: injected
// failures, blocking hooks, call counters, dropped subscriptions and late
// event delivery.
package remotetest

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/estatedesk/estatesync/internal/changefeed"
	"github.com/estatedesk/estatesync/internal/remote"
)

// Service is a controllable remote.Service.
type Service struct {
	remote.Service

	mu        sync.Mutex
	queryHook func(ctx context.Context, q remote.Query) error
	countHook func(ctx context.Context, table string) error
	failures  map[string][]error
	handles   []*changefeed.Handle
	raw       []func(remote.Event)

	queries    atomic.Int64
	counts     atomic.Int64
	subscribes atomic.Int64
}

// Wrap returns a controllable view of svc.
func Wrap(svc remote.Service) *Service {
	return &Service{Service: svc, failures: make(map[string][]error)}
}

// SetQueryHook installs fn to run before every Query. A non-nil error fails
// the call; fn may block to delay it.
func (s *Service) SetQueryHook(fn func(ctx context.Context, q remote.Query) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queryHook = fn
}

// SetCountHook installs fn to run before every Count, like SetQueryHook.
func (s *Service) SetCountHook(fn func(ctx context.Context, table string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.countHook = fn
}

// FailNext queues err for the next call of op ("query", "insert", "update",
// "delete", "count", "subscribe") on table. An empty table matches any.
func (s *Service) FailNext(op, table string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := op + "/" + table
	s.failures[key] = append(s.failures[key], err)
}

func (s *Service) takeFailure(op, table string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range []string{op + "/" + table, op + "/"} {
		if q := s.failures[key]; len(q) > 0 {
			s.failures[key] = q[1:]
			return q[0]
		}
	}
	return nil
}

// Queries returns the number of Query calls made.
func (s *Service) Queries() int { return int(s.queries.Load()) }

// Counts returns the number of Count calls made.
func (s *Service) Counts() int { return int(s.counts.Load()) }

// Subscribes returns the number of successful Subscribe calls.
func (s *Service) Subscribes() int { return int(s.subscribes.Load()) }

// ActiveSubscriptions returns the number of handles not yet closed.
func (s *Service) ActiveSubscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, h := range s.handles {
		if !h.Closed() {
			n++
		}
	}
	return n
}

// DropAll drops every open subscription with cause.
func (s *Service) DropAll(cause error) {
	s.mu.Lock()
	handles := append([]*changefeed.Handle(nil), s.handles...)
	s.mu.Unlock()
	for _, h := range handles {
		h.Drop(cause)
	}
}

// EmitLate calls every subscriber callback ever registered, bypassing the
// closed check, the way a late in-flight notification would arrive.
func (s *Service) EmitLate(ev remote.Event) {
	s.mu.Lock()
	raw := append(([]func(remote.Event))(nil), s.raw...)
	s.mu.Unlock()
	for _, fn := range raw {
		fn(ev)
	}
}

func (s *Service) Query(ctx context.Context, q remote.Query) ([]remote.Row, error) {
	s.queries.Add(1)
	s.mu.Lock()
	hook := s.queryHook
	s.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, q); err != nil {
			return nil, err
		}
	}
	if err := s.takeFailure("query", q.Table); err != nil {
		return nil, err
	}
	return s.Service.Query(ctx, q)
}

func (s *Service) Insert(ctx context.Context, table string, row remote.Row) (remote.Row, error) {
	if err := s.takeFailure("insert", table); err != nil {
		return nil, err
	}
	return s.Service.Insert(ctx, table, row)
}

func (s *Service) Update(ctx context.Context, table, id string, patch remote.Row) (remote.Row, error) {
	if err := s.takeFailure("update", table); err != nil {
		return nil, err
	}
	return s.Service.Update(ctx, table, id, patch)
}

func (s *Service) Delete(ctx context.Context, table, id string) error {
	if err := s.takeFailure("delete", table); err != nil {
		return err
	}
	return s.Service.Delete(ctx, table, id)
}

func (s *Service) Count(ctx context.Context, table string, filter remote.Filter) (int, error) {
	s.counts.Add(1)
	s.mu.Lock()
	hook := s.countHook
	s.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, table); err != nil {
			return 0, err
		}
	}
	if err := s.takeFailure("count", table); err != nil {
		return 0, err
	}
	return s.Service.Count(ctx, table, filter)
}

// Subscribe layers a droppable handle over the wrapped subscription.
func (s *Service) Subscribe(ctx context.Context, table string, fn func(remote.Event)) (remote.Subscription, error) {
	if err := s.takeFailure("subscribe", table); err != nil {
		return nil, err
	}
	var inner remote.Subscription
	handle := changefeed.NewHandle(fn, func() {
		if inner != nil {
			_ = inner.Unsubscribe()
		}
	})
	inner, err := s.Service.Subscribe(ctx, table, func(ev remote.Event) { handle.Deliver(ev) })
	if err != nil {
		return nil, err
	}
	s.subscribes.Add(1)
	s.mu.Lock()
	s.handles = append(s.handles, handle)
	s.raw = append(s.raw, fn)
	s.mu.Unlock()
	return handle, nil
}
