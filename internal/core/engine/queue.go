package engine

import (
	"context"
	"sync"

	"github.com/tandemtools/standman/internal/core/domain"
	"github.com/tandemtools/standman/internal/metrics"
	"go.uber.org/zap"
)

// queueCapacity bounds every destination queue. Enqueue blocks at the cap
// rather than dropping work.
const queueCapacity = 100

// queuedTask is one unit of serialized work against a destination. The
// worker acquires the owning stand's operation lock before running it.
type queuedTask struct {
	run   func(ctx context.Context) error
	stand *Stand
	label string
}

// destinationQueue is a bounded FIFO of tasks against one backing
// database, drained by exactly one worker so two stands sharing the
// destination never touch it at the same time.
type destinationQueue struct {
	addr    string
	log     *zap.SugaredLogger
	metrics *metrics.Metrics

	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []queuedTask
	closed bool
}

func newDestinationQueue(addr string, log *zap.SugaredLogger, m *metrics.Metrics) *destinationQueue {
	q := &destinationQueue{
		addr:    addr,
		log:     log.With("destination", addr),
		metrics: m,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// enqueue appends a task, blocking while the queue is at capacity.
func (q *destinationQueue) enqueue(t queuedTask) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.tasks) >= queueCapacity && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		q.log.Warnw("dropping task, queue is closed", "task", t.label)
		return
	}
	q.tasks = append(q.tasks, t)
	q.metrics.QueueDepth.WithLabelValues(q.addr).Set(float64(len(q.tasks)))
	q.cond.Broadcast()
}

// pending returns the labels of tasks waiting in the queue, in order.
func (q *destinationQueue) pending() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	labels := make([]string, len(q.tasks))
	for i, t := range q.tasks {
		labels[i] = t.label
	}
	return labels
}

func (q *destinationQueue) empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks) == 0
}

// close wakes the worker and any blocked producers; the worker drains
// nothing further and exits.
func (q *destinationQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// work is the queue's single worker loop. Task failures are classified
// and logged, never re-thrown: the enqueuing call has long returned. The
// worker only exits when the queue is closed.
func (q *destinationQueue) work(ctx context.Context) {
	q.log.Debugw("destination queue worker started")
	for {
		q.mu.Lock()
		for len(q.tasks) == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			q.log.Debugw("destination queue worker stopped")
			return
		}
		t := q.tasks[0]
		q.tasks = q.tasks[1:]
		q.metrics.QueueDepth.WithLabelValues(q.addr).Set(float64(len(q.tasks)))
		q.cond.Broadcast()
		q.mu.Unlock()

		q.log.Infow("task started", "task", t.label)
		t.stand.opMu.Lock()
		err := t.run(ctx)
		t.stand.opMu.Unlock()

		switch {
		case err == nil:
			q.metrics.TasksTotal.WithLabelValues(metrics.ResultOK).Inc()
			q.log.Infow("task completed", "task", t.label)
		case domain.IsInfrastructureError(err):
			// Expected operational condition: broken build or upstream
			// infrastructure, not a fault of this service.
			q.metrics.TasksTotal.WithLabelValues(metrics.ResultInfraFail).Inc()
			q.log.Errorw("task failed on upstream infrastructure", "task", t.label, "error", err)
		default:
			q.metrics.TasksTotal.WithLabelValues(metrics.ResultError).Inc()
			q.log.Errorw("task failed", "task", t.label, "error", err, "stand", t.stand.Name)
		}
	}
}
