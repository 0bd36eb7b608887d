package resource

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/estatedesk/estatesync/internal/remote"
)

// Subscription metrics.
var (
	eventsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "estatesync_subscription_events_total",
		Help: "Change events received by active stores.",
	}, []string{"table", "kind"})
	eventsCoalesced = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "estatesync_subscription_events_coalesced_total",
		Help: "Change events folded into an already scheduled refetch.",
	}, []string{"table"})
	reconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "estatesync_subscription_reconnects_total",
		Help: "Subscription reconnect attempts by outcome.",
	}, []string{"table", "outcome"})
)

func init() {
	prometheus.MustRegister(eventsReceived, eventsCoalesced, reconnectsTotal)
}

type watcherConfig struct {
	svc        remote.Service
	table      string
	debounce   time.Duration
	minBackoff time.Duration
	maxBackoff time.Duration
	logger     *logrus.Entry
	isActive   func() bool
	onEvent    func(remote.Event)
	refetch    func(context.Context) error
}

// watcher holds one store's change subscription. Every event schedules a
// refetch; events that arrive while one is scheduled but not started are
// folded into it. A dropped subscription is reopened with exponential
// backoff and followed by one reconciling refetch.
type watcher struct {
	cfg    watcherConfig
	logger *logrus.Entry

	mu      sync.Mutex
	ctx     context.Context
	sub     remote.Subscription
	timer   *time.Timer
	pending bool
	stopped bool

	stopOnce sync.Once
	done     chan struct{}
}

func newWatcher(cfg watcherConfig) *watcher {
	if cfg.minBackoff <= 0 {
		cfg.minBackoff = 250 * time.Millisecond
	}
	if cfg.maxBackoff < cfg.minBackoff {
		cfg.maxBackoff = cfg.minBackoff
	}
	return &watcher{
		cfg:    cfg,
		logger: cfg.logger.WithField("table", cfg.table),
		done:   make(chan struct{}),
	}
}

// start subscribes and launches the supervision loop. The loop runs until
// ctx is cancelled, even when the first subscribe fails.
func (w *watcher) start(ctx context.Context) error {
	w.mu.Lock()
	w.ctx = ctx
	w.mu.Unlock()

	sub, err := w.cfg.svc.Subscribe(ctx, w.cfg.table, w.handle)
	if err == nil && !w.setSub(sub) {
		_ = sub.Unsubscribe()
		sub = nil
	}
	if err != nil {
		sub = nil
	}
	go w.loop(ctx, sub)
	return err
}

func (w *watcher) loop(ctx context.Context, sub remote.Subscription) {
	defer close(w.done)
	backoff := w.cfg.minBackoff
	for {
		if sub != nil {
			select {
			case <-ctx.Done():
				return
			case <-sub.Done():
			}
			if ctx.Err() != nil || !w.cfg.isActive() {
				return
			}
			w.logger.WithError(sub.Err()).Warn("subscription dropped, reconnecting")
			sub = nil
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		next, err := w.cfg.svc.Subscribe(ctx, w.cfg.table, w.handle)
		if err != nil {
			reconnectsTotal.WithLabelValues(w.cfg.table, "failed").Inc()
			w.logger.WithError(err).WithField("backoff", backoff).Warn("resubscribe failed")
			backoff = min(backoff*2, w.cfg.maxBackoff)
			continue
		}
		if !w.setSub(next) {
			_ = next.Unsubscribe()
			return
		}
		reconnectsTotal.WithLabelValues(w.cfg.table, "ok").Inc()
		w.logger.Info("subscription re-established")
		sub = next
		backoff = w.cfg.minBackoff
		w.schedule()
	}
}

func (w *watcher) setSub(sub remote.Subscription) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return false
	}
	w.sub = sub
	return true
}

// handle is the subscription callback.
func (w *watcher) handle(ev remote.Event) {
	if !w.cfg.isActive() {
		return
	}
	eventsReceived.WithLabelValues(w.cfg.table, string(ev.Kind)).Inc()
	w.cfg.onEvent(ev)
	w.schedule()
}

func (w *watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if w.pending {
		eventsCoalesced.WithLabelValues(w.cfg.table).Inc()
		return
	}
	w.pending = true
	w.timer = time.AfterFunc(w.cfg.debounce, w.fire)
}

func (w *watcher) fire() {
	w.mu.Lock()
	w.pending = false
	stopped, ctx := w.stopped, w.ctx
	w.mu.Unlock()
	if stopped || !w.cfg.isActive() {
		return
	}
	if err := w.cfg.refetch(ctx); err != nil {
		w.logger.WithError(err).Debug("change-triggered refetch failed")
	}
}

// stop closes the subscription exactly once and waits for the supervision
// loop to exit. The caller cancels the loop's context first.
func (w *watcher) stop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		w.stopped = true
		sub := w.sub
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
		if sub != nil {
			_ = sub.Unsubscribe()
		}
		<-w.done
	})
}
