// Package writequeue serializes ledger-mutating jobs behind a single worker.
//
// The signing account's nonce ordering must be monotonic, so at most one job
// is ever in flight. Jobs run strictly in arrival order, each to completion,
// and the failure of one job never affects the jobs queued behind it.
package writequeue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// ErrQueueClosed is returned by Enqueue after Stop has been called
var ErrQueueClosed = errors.New("write queue is closed")

// Job is a unit of ledger work. The context it receives is never cancelled.
type Job func(ctx context.Context) (interface{}, error)

// Future delivers a job's single result to its caller
type Future struct {
	done  chan struct{}
	value interface{}
	err   error
}

// Done is closed once the job has finished
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the job finishes or ctx ends. Abandoning the wait does not
// cancel the job.
func (f *Future) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *Future) resolve(value interface{}, err error) {
	f.value = value
	f.err = err
	close(f.done)
}

type task struct {
	name       string
	job        Job
	future     *Future
	enqueuedAt time.Time
}

// Stats describes queue activity
type Stats struct {
	Pending       int       `json:"pending"`
	InFlight      bool      `json:"inFlight"`
	Processed     uint64    `json:"processed"`
	Failed        uint64    `json:"failed"`
	LastJob       string    `json:"lastJob,omitempty"`
	LastJobAt     time.Time `json:"lastJobAt,omitempty"`
	LastJobMillis int64     `json:"lastJobMillis,omitempty"`
}

// Observer receives per-job timing, e.g. for metrics
type Observer func(name string, wait, run time.Duration, err error)

// Queue is a FIFO drained by exactly one worker goroutine
type Queue struct {
	tasks    chan *task
	mu       sync.RWMutex
	closed   bool
	wg       sync.WaitGroup
	observer Observer

	inFlight  atomic.Bool
	processed atomic.Uint64
	failed    atomic.Uint64

	lastMu  sync.Mutex
	lastJob string
	lastAt  time.Time
	lastDur time.Duration
}

// New creates a queue buffering up to size pending jobs. Enqueue blocks
// while the buffer is full.
func New(size int, observer Observer) *Queue {
	if size <= 0 {
		size = 1024
	}
	return &Queue{
		tasks:    make(chan *task, size),
		observer: observer,
	}
}

// Start launches the worker
func (q *Queue) Start() {
	q.wg.Add(1)
	go q.run()
	log.Info("Write queue worker started")
}

// Enqueue appends a job and returns the future for its result
func (q *Queue) Enqueue(name string, job Job) (*Future, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return nil, ErrQueueClosed
	}

	f := &Future{done: make(chan struct{})}
	q.tasks <- &task{name: name, job: job, future: f, enqueuedAt: time.Now()}
	return f, nil
}

// Stop refuses new jobs and waits for queued ones to finish, up to timeout
func (q *Queue) Stop(timeout time.Duration) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.tasks)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("Write queue drained")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("write queue drain timed out with %d jobs pending", len(q.tasks))
	}
}

func (q *Queue) run() {
	defer q.wg.Done()

	for t := range q.tasks {
		q.execute(t)
	}
}

func (q *Queue) execute(t *task) {
	q.inFlight.Store(true)
	defer q.inFlight.Store(false)

	started := time.Now()
	value, err := q.safeRun(t)
	elapsed := time.Since(started)

	q.processed.Add(1)
	if err != nil {
		q.failed.Add(1)
		log.WithError(err).WithField("job", t.name).Warn("Write job failed")
	}

	q.lastMu.Lock()
	q.lastJob = t.name
	q.lastAt = time.Now()
	q.lastDur = elapsed
	q.lastMu.Unlock()

	if q.observer != nil {
		q.observer(t.name, started.Sub(t.enqueuedAt), elapsed, err)
	}

	t.future.resolve(value, err)
}

func (q *Queue) safeRun(t *task) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("write job %s panicked: %v", t.name, r)
		}
	}()
	return t.job(context.Background())
}

// Stats returns a point-in-time view of the queue
func (q *Queue) Stats() Stats {
	q.lastMu.Lock()
	defer q.lastMu.Unlock()

	return Stats{
		Pending:       len(q.tasks),
		InFlight:      q.inFlight.Load(),
		Processed:     q.processed.Load(),
		Failed:        q.failed.Load(),
		LastJob:       q.lastJob,
		LastJobAt:     q.lastAt,
		LastJobMillis: q.lastDur.Milliseconds(),
	}
}
