// Package resource keeps typed in-memory collections consistent with the
// remote data service: fetch, mutate-then-refetch, and refetch on change
// events delivered over a per-store subscription.
package resource

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/estatedesk/estatesync/internal/remote"
)

// ErrDeactivated is returned by Activate on a store that was deactivated.
var ErrDeactivated = errors.New("store deactivated")

// Store metrics.
var (
	fetchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "estatesync_store_fetches_total",
		Help: "Store fetches by table and outcome (applied, failed, stale, suppressed).",
	}, []string{"table", "outcome"})
	mutationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "estatesync_store_mutations_total",
		Help: "Store mutations by table, operation and outcome.",
	}, []string{"table", "op", "outcome"})
	activeStores = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "estatesync_store_active",
		Help: "Number of active stores per table.",
	}, []string{"table"})
)

func init() {
	prometheus.MustRegister(fetchesTotal, mutationsTotal, activeStores)
}

// Recorder receives the time of every applied fetch. checkpoint.Store
// satisfies it.
type Recorder interface {
	SetLastUpdated(ctx context.Context, key string, t time.Time) error
}

type settings struct {
	filter     remote.Filter
	logger     *logrus.Entry
	debounce   time.Duration
	minBackoff time.Duration
	maxBackoff time.Duration
	recorder   Recorder
	now        func() time.Time
}

// Option configures a Store.
type Option func(*settings)

// WithFilter sets the initial equality filter.
func WithFilter(f remote.Filter) Option {
	return func(s *settings) { s.filter = f.Clone() }
}

// WithLogger sets the logger.
func WithLogger(l *logrus.Entry) Option {
	return func(s *settings) { s.logger = l }
}

// WithDebounce sets the window in which change events collapse into one
// refetch. Zero coalesces only events that arrive before the scheduled
// refetch starts.
func WithDebounce(d time.Duration) Option {
	return func(s *settings) { s.debounce = d }
}

// WithReconnectBackoff sets the bounds of the exponential reconnect backoff.
func WithReconnectBackoff(min, max time.Duration) Option {
	return func(s *settings) {
		s.minBackoff = min
		s.maxBackoff = max
	}
}

// WithRecorder records the time of every applied fetch.
func WithRecorder(r Recorder) Option {
	return func(s *settings) { s.recorder = r }
}

// WithClock overrides the clock used for UpdatedAt.
func WithClock(now func() time.Time) Option {
	return func(s *settings) { s.now = now }
}

// Store owns one resource's collection, status and subscription. Only the
// most recently issued fetch may replace the collection; once deactivated
// nothing writes to it again.
type Store[T any] struct {
	svc    remote.Service
	def    Definition
	cfg    settings
	logger *logrus.Entry

	mu        sync.Mutex
	state     State[T]
	gen       uint64
	activated bool
	closed    bool
	changed   chan struct{}
	watcher   *watcher
	cancel    context.CancelFunc
}

// New creates an inactive store for def backed by svc.
func New[T any](svc remote.Service, def Definition, opts ...Option) *Store[T] {
	cfg := settings{
		logger:     logrus.NewEntry(logrus.StandardLogger()),
		debounce:   25 * time.Millisecond,
		minBackoff: 250 * time.Millisecond,
		maxBackoff: 30 * time.Second,
		now:        time.Now,
	}
	for _, o := range opts {
		o(&cfg)
	}
	return &Store[T]{
		svc:     svc,
		def:     def,
		cfg:     cfg,
		logger:  cfg.logger.WithFields(logrus.Fields{"component": "store", "resource": def.Name}),
		state:   State[T]{Phase: PhaseIdle, Filter: cfg.filter},
		changed: make(chan struct{}),
	}
}

// Definition returns the resource the store serves.
func (s *Store[T]) Definition() Definition { return s.def }

// Snapshot returns a copy of the current state.
func (s *Store[T]) Snapshot() State[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// Changes returns a channel closed at the next state change.
func (s *Store[T]) Changes() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

// WaitFor blocks until pred holds for the current state or ctx ends.
func (s *Store[T]) WaitFor(ctx context.Context, pred func(State[T]) bool) (State[T], error) {
	for {
		s.mu.Lock()
		st := s.state.clone()
		ch := s.changed
		s.mu.Unlock()
		if pred(st) {
			return st, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return st, ctx.Err()
		}
	}
}

// apply runs a transition. Callers hold s.mu.
func (s *Store[T]) apply(in input[T]) {
	s.state = s.state.next(in)
	close(s.changed)
	s.changed = make(chan struct{})
	s.logger.WithFields(logrus.Fields{
		"transition": in.kind.String(),
		"phase":      s.state.Phase,
	}).Trace("state transition")
}

// Fetch replaces the collection with the remote rows matching the current
// filter.
func (s *Store[T]) Fetch(ctx context.Context) error {
	return s.fetch(ctx, nil, true)
}

// FetchFiltered sets the filter and fetches.
func (s *Store[T]) FetchFiltered(ctx context.Context, f remote.Filter) error {
	return s.fetch(ctx, f.Clone(), false)
}

// fetch queries with filter, or with the filter in effect when the
// generation is taken if current is set.
func (s *Store[T]) fetch(ctx context.Context, filter remote.Filter, current bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrDeactivated
	}
	if current {
		filter = s.state.Filter
	}
	s.gen++
	gen := s.gen
	s.apply(input[T]{kind: fetchRequested, filter: filter})
	s.mu.Unlock()

	rows, err := s.svc.Query(ctx, remote.Query{
		Table:   s.def.Table,
		Filter:  filter,
		Order:   s.def.Order,
		Columns: s.def.Columns,
	})
	var items []T
	if err == nil {
		items, err = remote.DecodeAll[T](rows)
	}
	at := s.cfg.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		fetchesTotal.WithLabelValues(s.def.Table, "suppressed").Inc()
		return err
	case gen != s.gen:
		fetchesTotal.WithLabelValues(s.def.Table, "stale").Inc()
		s.logger.WithFields(logrus.Fields{"generation": gen, "latest": s.gen}).Debug("discarding stale fetch result")
		return err
	case err != nil:
		fetchesTotal.WithLabelValues(s.def.Table, "failed").Inc()
		s.apply(input[T]{kind: fetchFailed, err: err})
		s.logger.WithError(err).Warn("fetch failed, keeping last good collection")
		return err
	}
	fetchesTotal.WithLabelValues(s.def.Table, "applied").Inc()
	s.apply(input[T]{kind: fetchSucceeded, items: items, at: at})
	if s.cfg.recorder != nil {
		if rerr := s.cfg.recorder.SetLastUpdated(ctx, Key(s.def.Table, filter), at); rerr != nil {
			s.logger.WithError(rerr).Debug("recording checkpoint failed")
		}
	}
	return nil
}

// Create inserts row remotely, then refetches. It returns the inserted row
// as reported by the service.
func (s *Store[T]) Create(ctx context.Context, row remote.Row) (T, error) {
	var zero T
	if err := remote.ValidateRow(row); err != nil {
		return zero, s.mutationFailed("create", err)
	}
	out, err := s.svc.Insert(ctx, s.def.Table, row)
	if err != nil {
		return zero, s.mutationFailed("create", err)
	}
	s.mutationSucceeded("create")
	_ = s.Fetch(ctx)
	return remote.Decode[T](out)
}

// Update applies patch to the row with the given id, then refetches.
func (s *Store[T]) Update(ctx context.Context, id string, patch remote.Row) (T, error) {
	var zero T
	out, err := s.svc.Update(ctx, s.def.Table, id, patch)
	if err != nil {
		return zero, s.mutationFailed("update", err)
	}
	s.mutationSucceeded("update")
	_ = s.Fetch(ctx)
	return remote.Decode[T](out)
}

// Delete removes the row with the given id, then refetches. Deleting a
// missing row fails with remote.ErrNotFound.
func (s *Store[T]) Delete(ctx context.Context, id string) error {
	if err := s.svc.Delete(ctx, s.def.Table, id); err != nil {
		return s.mutationFailed("delete", err)
	}
	s.mutationSucceeded("delete")
	_ = s.Fetch(ctx)
	return nil
}

func (s *Store[T]) mutationFailed(op string, err error) error {
	mutationsTotal.WithLabelValues(s.def.Table, op, remote.Outcome(err)).Inc()
	s.mu.Lock()
	if !s.closed {
		s.apply(input[T]{kind: mutationFailed, err: err})
	}
	s.mu.Unlock()
	s.logger.WithError(err).WithField("op", op).Warn("mutation failed")
	return err
}

func (s *Store[T]) mutationSucceeded(op string) {
	mutationsTotal.WithLabelValues(s.def.Table, op, "ok").Inc()
}

// Activate opens the change subscription and performs the first fetch. It
// is a no-op on an already active store. The returned error is the first
// fetch's error; a failed subscription is retried in the background.
func (s *Store[T]) Activate(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrDeactivated
	}
	if s.activated {
		s.mu.Unlock()
		return nil
	}
	s.activated = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.watcher = newWatcher(watcherConfig{
		svc:        s.svc,
		table:      s.def.Table,
		debounce:   s.cfg.debounce,
		minBackoff: s.cfg.minBackoff,
		maxBackoff: s.cfg.maxBackoff,
		logger:     s.logger,
		isActive:   s.isActive,
		onEvent:    s.changeReceived,
		refetch:    s.Fetch,
	})
	s.state.Active = true
	w := s.watcher
	s.mu.Unlock()

	activeStores.WithLabelValues(s.def.Table).Inc()
	if err := w.start(runCtx); err != nil {
		s.logger.WithError(err).Warn("initial subscribe failed, retrying in background")
	}
	s.logger.Debug("store activated")
	return s.Fetch(ctx)
}

// Deactivate closes the subscription and suppresses every later state
// write, including resolutions of fetches already in flight.
func (s *Store[T]) Deactivate() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	wasActive := s.activated
	s.apply(input[T]{kind: deactivated})
	w, cancel := s.watcher, s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if w != nil {
		w.stop()
	}
	if wasActive {
		activeStores.WithLabelValues(s.def.Table).Dec()
	}
	s.logger.Debug("store deactivated")
	return nil
}

func (s *Store[T]) isActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activated && !s.closed
}

func (s *Store[T]) changeReceived(remote.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.apply(input[T]{kind: changeEventReceived})
}

// Status is the untyped summary of a store served by /status.
type Status struct {
	Resource  string        `json:"resource"`
	Table     string        `json:"table"`
	Key       string        `json:"key"`
	Phase     Phase         `json:"phase"`
	Count     int           `json:"count"`
	Loading   bool          `json:"loading"`
	Stale     bool          `json:"stale"`
	Active    bool          `json:"active"`
	Error     string        `json:"error,omitempty"`
	Filter    remote.Filter `json:"filter,omitempty"`
	UpdatedAt time.Time     `json:"updatedAt,omitzero"`

	// LastSynced is the recorded checkpoint for Key, which may predate this
	// process. Filled in by the caller that owns the checkpoint store.
	LastSynced time.Time `json:"lastSynced,omitzero"`
}

// Status summarizes the current state.
func (s *Store[T]) Status() Status {
	st := s.Snapshot()
	return Status{
		Resource:  s.def.Name,
		Table:     s.def.Table,
		Key:       Key(s.def.Table, st.Filter),
		Phase:     st.Phase,
		Count:     st.Len(),
		Loading:   st.Loading,
		Stale:     st.Stale,
		Active:    st.Active,
		Error:     st.ErrMessage(),
		Filter:    st.Filter,
		UpdatedAt: st.UpdatedAt,
	}
}
