// Package background runs deferred writes on a supervised worker that is
// drained on shutdown.
package background

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/support-desk/pkg/logger"
	"github.com/capitalize-ai/support-desk/pkg/metrics"
)

// ErrClosed is returned when submitting to a drained queue.
var ErrClosed = errors.New("background: queue closed")

// Task is a unit of deferred work.
type Task func(ctx context.Context) error

// Options configures a Queue.
type Options struct {
	Buffer      int           // pending task capacity; defaults to 256
	MaxAttempts int           // attempts per task; defaults to 3
	Backoff     time.Duration // base delay between attempts; defaults to 100ms
	Logger      *logger.Logger
}

type job struct {
	key  string // owner of the task, usually a ticket id
	name string
	run  Task
	done chan struct{} // closed after run when non-nil
}

// Queue executes tasks one at a time in submission order. Failed tasks are
// retried, then logged and kept under their key until that key is flushed
// or the queue is drained.
type Queue struct {
	jobs        chan job
	maxAttempts int
	backoff     time.Duration
	log         *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stateMu sync.RWMutex
	closed  bool

	failMu   sync.Mutex
	failures map[string][]error
}

// NewQueue starts a queue worker.
func NewQueue(opts Options) *Queue {
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 100 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = logger.Global()
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		jobs:        make(chan job, opts.Buffer),
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.Backoff,
		log:         opts.Logger,
		ctx:         ctx,
		cancel:      cancel,
		failures:    make(map[string][]error),
	}
	q.wg.Add(1)
	go q.work()
	return q
}

// Submit enqueues a named task owned by key. It blocks while the buffer is
// full.
func (q *Queue) Submit(ctx context.Context, key, name string, task Task) error {
	return q.enqueue(ctx, job{key: key, name: name, run: task})
}

// Flush waits until every task submitted before the call has finished,
// whatever its key, and returns the failures of key's tasks collected since
// key was last flushed. Failures of other keys stay queued for their owners.
func (q *Queue) Flush(ctx context.Context, key string) error {
	done := make(chan struct{})
	if err := q.enqueue(ctx, job{name: "flush", done: done}); err != nil {
		return err
	}
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return q.takeFailures(key)
}

// Drain stops accepting tasks, runs everything pending and stops the worker.
// Pending tasks still running when ctx expires are abandoned.
func (q *Queue) Drain(ctx context.Context) error {
	q.stateMu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.stateMu.Unlock()

	finished := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-ctx.Done():
		q.cancel()
		<-finished
		return fmt.Errorf("background: drain: %w", ctx.Err())
	}
	q.cancel()
	return q.takeAllFailures()
}

// Pending returns the number of queued tasks.
func (q *Queue) Pending() int {
	return len(q.jobs)
}

func (q *Queue) enqueue(ctx context.Context, j job) error {
	q.stateMu.RLock()
	defer q.stateMu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.jobs <- j:
		metrics.BackgroundQueueDepth.Set(float64(len(q.jobs)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) work() {
	defer q.wg.Done()
	for j := range q.jobs {
		metrics.BackgroundQueueDepth.Set(float64(len(q.jobs)))
		if j.run != nil {
			q.runJob(j)
		}
		if j.done != nil {
			close(j.done)
		}
	}
}

func (q *Queue) runJob(j job) {
	var err error
retry:
	for attempt := 1; attempt <= q.maxAttempts; attempt++ {
		if err = q.safeRun(j); err == nil {
			metrics.BackgroundTasksTotal.WithLabelValues(j.name, "success").Inc()
			return
		}
		if attempt == q.maxAttempts {
			break
		}
		q.log.Warn("background task failed, retrying",
			zap.String("task", j.name),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		select {
		case <-q.ctx.Done():
			break retry
		case <-time.After(q.backoff * time.Duration(attempt)):
		}
	}

	metrics.BackgroundTasksTotal.WithLabelValues(j.name, "failure").Inc()
	q.log.Error("background task failed",
		zap.String("task", j.name),
		zap.String("key", j.key),
		zap.Error(err),
	)

	q.failMu.Lock()
	q.failures[j.key] = append(q.failures[j.key], fmt.Errorf("%s: %w", j.name, err))
	q.failMu.Unlock()
}

func (q *Queue) safeRun(j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return j.run(q.ctx)
}

func (q *Queue) takeFailures(key string) error {
	q.failMu.Lock()
	defer q.failMu.Unlock()
	err := errors.Join(q.failures[key]...)
	delete(q.failures, key)
	return err
}

func (q *Queue) takeAllFailures() error {
	q.failMu.Lock()
	defer q.failMu.Unlock()
	keys := make([]string, 0, len(q.failures))
	for k := range q.failures {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var errs []error
	for _, k := range keys {
		errs = append(errs, q.failures[k]...)
	}
	clear(q.failures)
	return errors.Join(errs...)
}
