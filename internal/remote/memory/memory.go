// Package memory provides an in-process implementation of remote.Service.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/estatedesk/estatesync/internal/changefeed"
	"github.com/estatedesk/estatesync/internal/remote"
)

// Service keeps every table in memory. Server-side fields (id, created_at)
// are assigned on insert; created_at is strictly increasing even when the
// clock does not advance between inserts.
type Service struct {
	mu     sync.RWMutex
	tables map[string]map[string]remote.Row
	last   time.Time
	closed bool

	now  func() time.Time
	feed changefeed.Feed
}

var _ remote.Service = (*Service)(nil)

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the clock used for created_at.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithFeed publishes change events to feed instead of a private hub.
func WithFeed(feed changefeed.Feed) Option {
	return func(s *Service) { s.feed = feed }
}

// New creates an empty Service.
func New(logger *logrus.Entry, opts ...Option) *Service {
	s := &Service{
		tables: make(map[string]map[string]remote.Row),
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.feed == nil {
		s.feed = changefeed.NewHub(logger)
	}
	return s
}

// Feed returns the change feed the service publishes to.
func (s *Service) Feed() changefeed.Feed { return s.feed }

// Query returns matching rows in q.Order.
func (s *Service) Query(_ context.Context, q remote.Query) ([]remote.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, remote.ErrClosed
	}
	out := make([]remote.Row, 0, len(s.tables[q.Table]))
	for _, row := range s.tables[q.Table] {
		if q.Filter.Matches(row) {
			out = append(out, row)
		}
	}
	remote.SortRows(out, q.Order)
	for i, row := range out {
		out[i] = remote.Project(row, q.Columns)
	}
	return out, nil
}

// Insert stores a copy of row with a fresh id and created_at.
func (s *Service) Insert(ctx context.Context, table string, row remote.Row) (remote.Row, error) {
	if err := remote.ValidateRow(row); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, remote.ErrClosed
	}
	stored := remote.Normalize(row)
	stored[remote.FieldID] = uuid.NewString()
	stored[remote.FieldCreatedAt] = remote.FormatTimestamp(s.nextTimestamp())
	if s.tables[table] == nil {
		s.tables[table] = make(map[string]remote.Row)
	}
	s.tables[table][stored.ID()] = stored
	out := stored.Clone()
	s.mu.Unlock()

	s.publish(ctx, table, remote.EventInsert)
	return out, nil
}

// Update merges patch into the row. id and created_at cannot be changed.
func (s *Service) Update(ctx context.Context, table, id string, patch remote.Row) (remote.Row, error) {
	if err := remote.ValidateRow(patch); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, remote.ErrClosed
	}
	row, ok := s.tables[table][id]
	if !ok {
		s.mu.Unlock()
		return nil, remote.NotFoundf(table, id)
	}
	for k, v := range remote.Normalize(patch) {
		if k == remote.FieldID || k == remote.FieldCreatedAt {
			continue
		}
		row[k] = v
	}
	out := row.Clone()
	s.mu.Unlock()

	s.publish(ctx, table, remote.EventUpdate)
	return out, nil
}

// Delete removes the row.
func (s *Service) Delete(ctx context.Context, table, id string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return remote.ErrClosed
	}
	if _, ok := s.tables[table][id]; !ok {
		s.mu.Unlock()
		return remote.NotFoundf(table, id)
	}
	delete(s.tables[table], id)
	s.mu.Unlock()

	s.publish(ctx, table, remote.EventDelete)
	return nil
}

// Count returns the number of matching rows.
func (s *Service) Count(_ context.Context, table string, filter remote.Filter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, remote.ErrClosed
	}
	n := 0
	for _, row := range s.tables[table] {
		if filter.Matches(row) {
			n++
		}
	}
	return n, nil
}

// Subscribe registers fn on the service's change feed.
func (s *Service) Subscribe(ctx context.Context, table string, fn func(remote.Event)) (remote.Subscription, error) {
	return s.feed.Subscribe(ctx, table, fn)
}

// Close releases the feed and rejects further calls.
func (s *Service) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.feed.Close()
}

func (s *Service) nextTimestamp() time.Time {
	t := s.now().UTC().Truncate(time.Microsecond)
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t
}

func (s *Service) publish(ctx context.Context, table string, kind remote.EventKind) {
	_ = s.feed.Publish(ctx, remote.Event{Kind: kind, Table: table, At: s.now()})
}
