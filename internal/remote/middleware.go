package remote

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Remote call metrics.
var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "estatesync_remote_requests_total",
		Help: "Total data service calls by backend, operation, table and outcome.",
	}, []string{"backend", "op", "table", "outcome"})
	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "estatesync_remote_request_duration_seconds",
		Help:    "Duration of data service calls.",
		Buckets: prometheus.DefBuckets,
	}, []string{"backend", "op", "table"})
)

func init() {
	prometheus.MustRegister(requestsTotal, requestDuration)
}

// Outcome classifies err for metric labels.
func Outcome(err error) string {
	var ve *ValidationError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.As(err, &ve):
		return "validation"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case IsTransport(err):
		return "transport"
	}
	return "error"
}

// instrumented records a counter and a latency histogram for every call.
type instrumented struct {
	Service
	backend string
}

// Instrument wraps svc with Prometheus metrics labelled with backend.
func Instrument(svc Service, backend string) Service {
	return &instrumented{Service: svc, backend: backend}
}

func (s *instrumented) observe(op, table string, start time.Time, err error) {
	requestDuration.WithLabelValues(s.backend, op, table).Observe(time.Since(start).Seconds())
	requestsTotal.WithLabelValues(s.backend, op, table, Outcome(err)).Inc()
}

func (s *instrumented) Query(ctx context.Context, q Query) ([]Row, error) {
	start := time.Now()
	rows, err := s.Service.Query(ctx, q)
	s.observe("query", q.Table, start, err)
	return rows, err
}

func (s *instrumented) Insert(ctx context.Context, table string, row Row) (Row, error) {
	start := time.Now()
	out, err := s.Service.Insert(ctx, table, row)
	s.observe("insert", table, start, err)
	return out, err
}

func (s *instrumented) Update(ctx context.Context, table, id string, patch Row) (Row, error) {
	start := time.Now()
	out, err := s.Service.Update(ctx, table, id, patch)
	s.observe("update", table, start, err)
	return out, err
}

func (s *instrumented) Delete(ctx context.Context, table, id string) error {
	start := time.Now()
	err := s.Service.Delete(ctx, table, id)
	s.observe("delete", table, start, err)
	return err
}

func (s *instrumented) Count(ctx context.Context, table string, filter Filter) (int, error) {
	start := time.Now()
	n, err := s.Service.Count(ctx, table, filter)
	s.observe("count", table, start, err)
	return n, err
}

func (s *instrumented) Subscribe(ctx context.Context, table string, fn func(Event)) (Subscription, error) {
	start := time.Now()
	sub, err := s.Service.Subscribe(ctx, table, fn)
	s.observe("subscribe", table, start, err)
	return sub, err
}

// limited waits on a RateLimiter before every call.
type limited struct {
	Service
	rl *RateLimiter
}

// WithRateLimit wraps svc so every call first waits on rl. Transport errors
// with retry hints feed back into rl.
func WithRateLimit(svc Service, rl *RateLimiter) Service {
	return &limited{Service: svc, rl: rl}
}

func (s *limited) wait(ctx context.Context, op, table string) error {
	if err := s.rl.Wait(ctx); err != nil {
		return &TransportError{Op: op, Table: table, Err: err}
	}
	return nil
}

func (s *limited) Query(ctx context.Context, q Query) ([]Row, error) {
	if err := s.wait(ctx, "query", q.Table); err != nil {
		return nil, err
	}
	rows, err := s.Service.Query(ctx, q)
	s.rl.Observe(err)
	return rows, err
}

func (s *limited) Insert(ctx context.Context, table string, row Row) (Row, error) {
	if err := s.wait(ctx, "insert", table); err != nil {
		return nil, err
	}
	out, err := s.Service.Insert(ctx, table, row)
	s.rl.Observe(err)
	return out, err
}

func (s *limited) Update(ctx context.Context, table, id string, patch Row) (Row, error) {
	if err := s.wait(ctx, "update", table); err != nil {
		return nil, err
	}
	out, err := s.Service.Update(ctx, table, id, patch)
	s.rl.Observe(err)
	return out, err
}

func (s *limited) Delete(ctx context.Context, table, id string) error {
	if err := s.wait(ctx, "delete", table); err != nil {
		return err
	}
	err := s.Service.Delete(ctx, table, id)
	s.rl.Observe(err)
	return err
}

func (s *limited) Count(ctx context.Context, table string, filter Filter) (int, error) {
	if err := s.wait(ctx, "count", table); err != nil {
		return 0, err
	}
	n, err := s.Service.Count(ctx, table, filter)
	s.rl.Observe(err)
	return n, err
}
