package scheduler

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var (
	taskRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "estatesync_task_runs_total",
		Help: "Periodic task executions by outcome.",
	}, []string{"task", "outcome"})
	taskDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "estatesync_task_duration_seconds",
		Help:    "Periodic task execution time.",
		Buckets: prometheus.DefBuckets,
	}, []string{"task"})
)

func init() {
	prometheus.MustRegister(taskRuns, taskDuration)
}

// Task is a periodically executed unit of work such as a stats refresh or a
// safety resync of the active stores.
type Task struct {
	// Name is a human-readable identifier used in log messages and metrics.
	Name string
	// Interval is the period between successive runs.
	Interval time.Duration
	// Immediate runs the task once on start instead of waiting one interval.
	Immediate bool
	// RunFunc is the function executed each tick. Errors are logged but do not
	// stop the loop.
	RunFunc func(ctx context.Context) error
	logger  *logrus.Entry
}

// NewTask creates a periodic task that first runs on start.
func NewTask(name string, interval time.Duration, runFunc func(ctx context.Context) error, logger *logrus.Entry) *Task {
	return &Task{
		Name:      name,
		Interval:  interval,
		Immediate: true,
		RunFunc:   runFunc,
		logger:    logger.WithField("task", name),
	}
}

// Run executes the task until ctx is done.
func (t *Task) Run(ctx context.Context) {
	t.logger.WithField("interval", t.Interval).Info("task started")

	if t.Immediate {
		t.execute(ctx)
	}

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("task stopping (context cancelled)")
			return
		case <-ticker.C:
			t.execute(ctx)
		}
	}
}

// execute performs a single invocation and logs the outcome.
func (t *Task) execute(ctx context.Context) {
	start := time.Now()
	err := t.RunFunc(ctx)
	elapsed := time.Since(start)
	taskDuration.WithLabelValues(t.Name).Observe(elapsed.Seconds())

	log := t.logger.WithField("duration", elapsed.Round(time.Millisecond))
	if err != nil {
		taskRuns.WithLabelValues(t.Name, "failed").Inc()
		log.WithError(err).Error("task execution failed")
		return
	}
	taskRuns.WithLabelValues(t.Name, "ok").Inc()
	log.Debug("task execution completed")
}
