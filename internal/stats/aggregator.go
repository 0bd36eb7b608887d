// Package stats assembles the dashboard summary from parallel count queries.
package stats

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/estatedesk/estatesync/internal/remote"
	"github.com/estatedesk/estatesync/internal/resource"
)

// Stats is one published snapshot.
type Stats struct {
	Properties     int       `json:"properties"`
	PendingBills   int       `json:"pendingBills"`
	PendingRepairs int       `json:"pendingRepairs"`
	Staff          int       `json:"staff"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// metric is one count query feeding a Stats field.
type metric struct {
	name   string
	table  string
	filter remote.Filter
	set    func(*Stats, int)
}

var metrics = []metric{
	{"properties", resource.Properties.Table, nil, func(s *Stats, n int) { s.Properties = n }},
	{"pending_bills", resource.Bills.Table, remote.Filter{"status": resource.StatusPending}, func(s *Stats, n int) { s.PendingBills = n }},
	{"pending_repairs", resource.Repairs.Table, remote.Filter{"status": resource.StatusPending}, func(s *Stats, n int) { s.PendingRepairs = n }},
	{"staff", resource.Staff.Table, nil, func(s *Stats, n int) { s.Staff = n }},
}

// Aggregator publishes Stats all-or-nothing: a refresh in which any count
// fails leaves the previous snapshot in place.
type Aggregator struct {
	svc    remote.Service
	now    func() time.Time
	logger *logrus.Entry

	mu        sync.RWMutex
	snapshot  Stats
	published bool
	err       error
	gen       uint64 // last refresh started
	inflight  int

	desc map[string]*prometheus.Desc
}

// compile-time check
var _ prometheus.Collector = (*Aggregator)(nil)

// NewAggregator creates an aggregator with no published snapshot.
func NewAggregator(svc remote.Service, logger *logrus.Entry) *Aggregator {
	a := &Aggregator{
		svc:    svc,
		now:    time.Now,
		logger: logger.WithField("component", "stats"),
		desc:   make(map[string]*prometheus.Desc, len(metrics)),
	}
	for _, m := range metrics {
		a.desc[m.name] = prometheus.NewDesc(
			"estatesync_dashboard_"+m.name,
			"Dashboard count of "+m.name+" from the last published snapshot.",
			nil, nil,
		)
	}
	return a
}

// Refresh issues every count concurrently and publishes the result only if
// all of them succeed. The first error is returned and recorded. A refresh
// overtaken by a later one returns its own outcome without publishing.
func (a *Aggregator) Refresh(ctx context.Context) error {
	a.mu.Lock()
	a.gen++
	gen := a.gen
	a.inflight++
	a.mu.Unlock()

	counts := make([]int, len(metrics))
	g, gctx := errgroup.WithContext(ctx)
	for i, m := range metrics {
		g.Go(func() error {
			n, err := a.svc.Count(gctx, m.table, m.filter)
			if err != nil {
				return err
			}
			counts[i] = n
			return nil
		})
	}
	err := g.Wait()

	a.mu.Lock()
	defer a.mu.Unlock()
	a.inflight--
	if gen != a.gen {
		a.logger.WithFields(logrus.Fields{"generation": gen, "latest": a.gen}).Debug("discarding stale stats refresh")
		return err
	}
	if err != nil {
		a.err = err
		a.logger.WithError(err).Warn("stats refresh failed, keeping previous snapshot")
		return err
	}
	var next Stats
	for i, m := range metrics {
		m.set(&next, counts[i])
	}
	next.UpdatedAt = a.now()
	a.snapshot = next
	a.published = true
	a.err = nil
	a.logger.WithFields(logrus.Fields{
		"properties":      next.Properties,
		"pending_bills":   next.PendingBills,
		"pending_repairs": next.PendingRepairs,
		"staff":           next.Staff,
	}).Debug("stats published")
	return nil
}

// Snapshot returns the last published snapshot and whether one exists.
func (a *Aggregator) Snapshot() (Stats, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.snapshot, a.published
}

// Err returns the error of the most recent refresh, if it failed.
func (a *Aggregator) Err() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.err
}

// Loading reports whether a refresh is in flight.
func (a *Aggregator) Loading() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.inflight > 0
}

// Describe implements prometheus.Collector.
func (a *Aggregator) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range a.desc {
		ch <- d
	}
}

// Collect implements prometheus.Collector. Nothing is emitted before the
// first snapshot is published.
func (a *Aggregator) Collect(ch chan<- prometheus.Metric) {
	snap, ok := a.Snapshot()
	if !ok {
		return
	}
	values := map[string]int{
		"properties":      snap.Properties,
		"pending_bills":   snap.PendingBills,
		"pending_repairs": snap.PendingRepairs,
		"staff":           snap.Staff,
	}
	for name, v := range values {
		ch <- prometheus.MustNewConstMetric(a.desc[name], prometheus.GaugeValue, float64(v))
	}
}
