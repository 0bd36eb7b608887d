// Package collector exposes the live state of the resource stores as
// Prometheus metrics computed at scrape time.
package collector

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/estatedesk/estatesync/internal/resource"
)

// Source is anything that can summarize a store. *resource.Store satisfies it.
type Source interface {
	Status() resource.Status
}

var phases = []resource.Phase{resource.PhaseIdle, resource.PhaseLoading, resource.PhaseReady, resource.PhaseFailed}

// Registry holds the stores to report on and implements prometheus.Collector
// so it can be registered with a prometheus.Registry directly.
type Registry struct {
	sources []Source
	mu      sync.RWMutex
	logger  *logrus.Entry

	items       *prometheus.Desc
	phase       *prometheus.Desc
	stale       *prometheus.Desc
	lastUpdated *prometheus.Desc
}

// compile-time check
var _ prometheus.Collector = (*Registry)(nil)

// NewRegistry creates an empty Registry.
func NewRegistry(logger *logrus.Entry) *Registry {
	labels := []string{"resource", "key"}
	return &Registry{
		logger: logger.WithField("component", "store_collector"),
		items: prometheus.NewDesc("estatesync_store_items",
			"Number of items currently held by the store.", labels, nil),
		phase: prometheus.NewDesc("estatesync_store_phase",
			"Store phase (1 = current phase matches label, 0 otherwise).", append(labels, "phase"), nil),
		stale: prometheus.NewDesc("estatesync_store_stale",
			"Whether a change arrived after the last applied fetch.", labels, nil),
		lastUpdated: prometheus.NewDesc("estatesync_store_last_updated_timestamp_seconds",
			"Unix time of the last applied fetch.", labels, nil),
	}
}

// Register adds a store to the registry.
func (r *Registry) Register(s Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources = append(r.sources, s)
	st := s.Status()
	r.logger.WithFields(logrus.Fields{
		"resource": st.Resource,
		"key":      st.Key,
	}).Debug("registered store")
}

// Len returns the number of registered stores.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sources)
}

// Describe implements prometheus.Collector.
func (r *Registry) Describe(ch chan<- *prometheus.Desc) {
	ch <- r.items
	ch <- r.phase
	ch <- r.stale
	ch <- r.lastUpdated
}

// Collect implements prometheus.Collector.
func (r *Registry) Collect(ch chan<- prometheus.Metric) {
	r.mu.RLock()
	sources := make([]Source, len(r.sources))
	copy(sources, r.sources)
	r.mu.RUnlock()

	for _, s := range sources {
		st := s.Status()
		ch <- prometheus.MustNewConstMetric(r.items, prometheus.GaugeValue, float64(st.Count), st.Resource, st.Key)
		for _, p := range phases {
			v := 0.0
			if st.Phase == p {
				v = 1
			}
			ch <- prometheus.MustNewConstMetric(r.phase, prometheus.GaugeValue, v, st.Resource, st.Key, string(p))
		}
		stale := 0.0
		if st.Stale {
			stale = 1
		}
		ch <- prometheus.MustNewConstMetric(r.stale, prometheus.GaugeValue, stale, st.Resource, st.Key)
		if !st.UpdatedAt.IsZero() {
			ch <- prometheus.MustNewConstMetric(r.lastUpdated, prometheus.GaugeValue,
				float64(st.UpdatedAt.UnixNano())/1e9, st.Resource, st.Key)
		}
	}
}
