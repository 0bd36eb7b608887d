package scheduler

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var queueDropped = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "estatesync_task_queue_dropped_total",
	Help: "Queued tasks dropped because the queue was full.",
})

func init() {
	prometheus.MustRegister(queueDropped)
}

// TaskQueue is a bounded in-memory queue drained by a fixed number of
// workers. A full queue drops new work instead of blocking the producer.
type TaskQueue struct {
	ch      chan func(context.Context)
	workers int
	logger  *logrus.Entry
	wg      sync.WaitGroup
}

// NewTaskQueue creates a queue with the given buffer size and worker count.
func NewTaskQueue(bufferSize, workers int, logger *logrus.Entry) *TaskQueue {
	if bufferSize < 1 {
		bufferSize = 64
	}
	if workers < 1 {
		workers = 1
	}
	return &TaskQueue{
		ch:      make(chan func(context.Context), bufferSize),
		workers: workers,
		logger:  logger.WithField("component", "task_queue"),
	}
}

// Enqueue adds fn for asynchronous execution and reports whether it was
// accepted.
func (q *TaskQueue) Enqueue(fn func(context.Context)) bool {
	select {
	case q.ch <- fn:
		return true
	default:
		queueDropped.Inc()
		q.logger.Warn("task queue full, dropping task")
		return false
	}
}

// Len returns the number of tasks waiting.
func (q *TaskQueue) Len() int { return len(q.ch) }

// Start runs the workers until ctx is cancelled. It does not block.
func (q *TaskQueue) Start(ctx context.Context) {
	q.logger.WithField("workers", q.workers).Info("task queue started")
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.work(ctx)
		}()
	}
}

// Wait blocks until every worker has returned.
func (q *TaskQueue) Wait() { q.wg.Wait() }

func (q *TaskQueue) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-q.ch:
			q.run(ctx, fn)
		}
	}
}

func (q *TaskQueue) run(ctx context.Context, fn func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.WithField("panic", r).Error("queued task panicked")
		}
	}()
	fn(ctx)
}
