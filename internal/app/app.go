// Package app wires the backend, change feed, stores, mutation dispatcher,
// stats aggregator, scheduler and HTTP server into the estatesync daemon.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/estatedesk/estatesync/internal/checkpoint"
	"github.com/estatedesk/estatesync/internal/collector"
	"github.com/estatedesk/estatesync/internal/config"
	"github.com/estatedesk/estatesync/internal/mutation"
	"github.com/estatedesk/estatesync/internal/resource"
	"github.com/estatedesk/estatesync/internal/scheduler"
	"github.com/estatedesk/estatesync/internal/server"
	"github.com/estatedesk/estatesync/internal/stats"
)

var storesConfigured = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "estatesync_stores_configured",
	Help: "Number of stores the daemon keeps active.",
})

func init() {
	prometheus.MustRegister(storesConfigured)
}

// App is the main application orchestrator.
type App struct {
	config      *config.Config
	backend     *Backend
	checkpoints checkpoint.Store
	stores      []Managed
	dispatcher  *mutation.Dispatcher
	stats       *stats.Aggregator
	scheduler   *scheduler.Scheduler
	queue       *scheduler.TaskQueue
	server      *server.Server
	logger      *logrus.Entry
}

// New creates the application:
//  1. Opens the backend (and change feed for feed-less drivers).
//  2. Opens the checkpoint store.
//  3. Creates the configured stores.
//  4. Creates the dispatcher and stats aggregator.
//  5. Registers the periodic tasks.
//  6. Creates the HTTP server.
func New(ctx context.Context, cfg *config.Config, logger *logrus.Entry) (*App, error) {
	log := logger.WithField("component", "app")

	// --- 1. Backend ---
	backend, err := OpenBackend(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	// --- 2. Checkpoints ---
	cps, err := openCheckpoints(cfg, log)
	if err != nil {
		_ = backend.Service.Close()
		return nil, err
	}

	a := &App{
		config:      cfg,
		backend:     backend,
		checkpoints: cps,
		logger:      log,
	}

	// --- 3. Stores ---
	storeOpts := []resource.Option{
		resource.WithLogger(logger),
		resource.WithDebounce(cfg.Sync.Debounce()),
		resource.WithReconnectBackoff(cfg.Sync.ReconnectMin(), cfg.Sync.ReconnectMax()),
		resource.WithRecorder(cps),
	}
	var (
		bills   *resource.Store[resource.Bill]
		repairs *resource.Store[resource.Repair]
		seen    = map[string]bool{}
	)
	registry := collector.NewRegistry(logger)
	for _, sc := range cfg.Stores {
		def, err := resource.Lookup(sc.Resource)
		if err != nil {
			a.closeBackend()
			return nil, err
		}
		filter := storeFilter(sc)
		key := def.Name + "|" + resource.Key(def.Table, filter)
		if seen[key] {
			log.WithField("store", key).Warn("duplicate store configuration, skipping")
			continue
		}
		seen[key] = true
		st, err := newStore(backend.Service, def, append(storeOpts, resource.WithFilter(filter))...)
		if err != nil {
			a.closeBackend()
			return nil, err
		}
		a.stores = append(a.stores, st)
		registry.Register(st)
		if len(filter) == 0 {
			switch typed := st.(type) {
			case *resource.Store[resource.Bill]:
				bills = typed
			case *resource.Store[resource.Repair]:
				repairs = typed
			}
		}
	}
	storesConfigured.Set(float64(len(a.stores)))

	// --- 4. Mutations and stats ---
	// Mutations refetch through the unfiltered store when one is active;
	// otherwise an inactive store carries them.
	if bills == nil {
		bills = resource.New[resource.Bill](backend.Service, resource.Bills, storeOpts...)
	}
	if repairs == nil {
		repairs = resource.New[resource.Repair](backend.Service, resource.Repairs, storeOpts...)
	}
	a.dispatcher = mutation.NewDispatcher(bills, repairs, logger)
	a.stats = stats.NewAggregator(backend.Service, logger)

	// --- 5. Scheduler ---
	a.scheduler = scheduler.NewScheduler(logger)
	a.scheduler.AddTask(scheduler.NewTask("stats_refresh", cfg.Sync.StatsInterval(), a.stats.Refresh, logger))
	resync := scheduler.NewTask("resync", cfg.Sync.ResyncInterval(), a.Resync, logger)
	resync.Immediate = false
	a.scheduler.AddTask(resync)
	a.queue = scheduler.NewTaskQueue(cfg.Server.Webhook.QueueSize, cfg.Server.Webhook.Workers, logger)

	// --- 6. HTTP server ---
	opts := server.Options{
		Collectors: []prometheus.Collector{a.stats, registry},
		Status:     func() any { return a.Status() },
	}
	if cfg.Server.Webhook.Enabled {
		if backend.Feed == nil {
			log.WithField("driver", cfg.Backend.Driver).Warn("webhook disabled: driver has a native change feed")
		} else {
			opts.Webhook = server.NewWebhookHandler(cfg.Server.Webhook.SecretToken, backend.Feed, a.queue, logger)
		}
	}
	a.server = server.NewServer(cfg, opts, logger)

	return a, nil
}

// Dispatcher returns the mutation dispatcher.
func (a *App) Dispatcher() *mutation.Dispatcher { return a.dispatcher }

// Stats returns the stats aggregator.
func (a *App) Stats() *stats.Aggregator { return a.stats }

// Stores returns the configured stores.
func (a *App) Stores() []Managed { return a.stores }

// Resync refetches every store. Change events make this unnecessary in
// steady state; it repairs gaps such as events lost while a feed
// reconnected.
func (a *App) Resync(ctx context.Context) error {
	var firstErr error
	for _, st := range a.stores {
		if err := st.Fetch(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("resync %s: %w", st.Definition().Name, err)
		}
	}
	return firstErr
}

// StatusReport is served at /status.
type StatusReport struct {
	Stores      []resource.Status    `json:"stores"`
	Stats       *stats.Stats         `json:"stats,omitempty"`
	StatsError  string               `json:"statsError,omitempty"`
	Checkpoints map[string]time.Time `json:"checkpoints,omitempty"`
}

// Status collects the current state of every store.
func (a *App) Status() StatusReport {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rep := StatusReport{Stores: make([]resource.Status, 0, len(a.stores))}
	for _, st := range a.stores {
		status := st.Status()
		if last, err := a.checkpoints.GetLastUpdated(ctx, status.Key); err == nil {
			status.LastSynced = last
		} else {
			a.logger.WithError(err).WithField("key", status.Key).Debug("reading checkpoint failed")
		}
		rep.Stores = append(rep.Stores, status)
	}
	if snap, ok := a.stats.Snapshot(); ok {
		rep.Stats = &snap
	}
	if err := a.stats.Err(); err != nil {
		rep.StatsError = err.Error()
	}
	if cps, err := a.checkpoints.All(ctx); err == nil {
		rep.Checkpoints = cps
	} else {
		a.logger.WithError(err).Debug("reading checkpoints failed")
	}
	return rep
}

// Activate activates every store. Failed first fetches are logged; the
// stores keep their subscriptions and recover on the next change or resync.
func (a *App) Activate(ctx context.Context) {
	for _, st := range a.stores {
		log := a.logger.WithField("resource", st.Definition().Name)
		if err := st.Activate(ctx); err != nil {
			log.WithError(err).Warn("initial fetch failed")
			continue
		}
		log.Info("store active")
	}
}

// Run activates the stores, starts the scheduler, task queue and HTTP
// server, then blocks until ctx is cancelled and shuts everything down.
func (a *App) Run(ctx context.Context) error {
	ctx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	a.Activate(ctx)

	a.queue.Start(ctx)
	a.scheduler.Start(ctx)

	if err := a.server.Start(ctx); err != nil {
		cancelRun()
		a.shutdown()
		return fmt.Errorf("starting server: %w", err)
	}

	a.server.SetReady(true)
	a.logger.Info("estatesync is ready")

	<-ctx.Done()

	a.logger.Info("shutting down estatesync")
	a.server.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.server.Stop(shutdownCtx); err != nil {
		a.logger.WithError(err).Error("error during server shutdown")
	}

	cancelRun()
	a.shutdown()
	return nil
}

func (a *App) shutdown() {
	a.scheduler.Stop()
	for _, st := range a.stores {
		_ = st.Deactivate()
	}
	a.queue.Wait()
	a.closeBackend()
}

func (a *App) closeBackend() {
	if err := a.backend.Service.Close(); err != nil {
		a.logger.WithError(err).Error("error closing backend")
	}
	if a.checkpoints != nil {
		if err := a.checkpoints.Close(); err != nil {
			a.logger.WithError(err).Error("error closing checkpoint store")
		}
	}
}
