// Package queue holds sync jobs in FIFO order for a single consumer.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jun/drivesync/internal/metrics"
	"github.com/jun/drivesync/internal/model"
)

var (
	ErrAlreadyRunning = errors.New("queue consumer already running")
	ErrShutdown       = errors.New("queue is shut down")
)

// Processor handles one job and reports its outcome.
type Processor interface {
	Process(ctx context.Context, job model.SyncJob) model.BatchResult
}

// Queue is an in-memory FIFO of SyncJobs. Jobs are held until the queue is
// initialized and then handed to the processor one at a time. Jobs are never
// retried.
type Queue struct {
	proc Processor
	log  logrus.FieldLogger

	mu          sync.Mutex
	jobs        []model.SyncJob
	initialized bool
	running     bool
	closed      bool
	last        *model.BatchResult

	wake    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func New(proc Processor, log logrus.FieldLogger) *Queue {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Queue{
		proc:    proc,
		log:     log,
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Enqueue appends job to the tail of the queue.
func (q *Queue) Enqueue(job model.SyncJob) error {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrShutdown
	}
	q.jobs = append(q.jobs, job)
	depth := len(q.jobs)
	q.mu.Unlock()

	metrics.SetQueueDepth(depth)
	q.log.WithFields(logrus.Fields{"batch_id": job.BatchID, "records": len(job.Records), "depth": depth}).Debug("Job enqueued")
	q.signal()
	return nil
}

// SetInitialized opens or closes the gate in front of the consumer. Jobs
// enqueued while closed wait in order.
func (q *Queue) SetInitialized(v bool) {
	q.mu.Lock()
	q.initialized = v
	q.mu.Unlock()
	if v {
		q.signal()
	}
}

func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// LastResult returns the result of the most recently processed job.
func (q *Queue) LastResult() (model.BatchResult, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.last == nil {
		return model.BatchResult{}, false
	}
	return *q.last, true
}

// next pops the head job when the gate is open. stop is true once the queue
// is shut down and nothing more can be drained.
func (q *Queue) next() (job model.SyncJob, ok, stop bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.initialized && len(q.jobs) > 0 {
		job = q.jobs[0]
		q.jobs[0] = model.SyncJob{}
		q.jobs = q.jobs[1:]
		metrics.SetQueueDepth(len(q.jobs))
		return job, true, false
	}
	if q.closed {
		return job, false, true
	}
	return job, false, false
}

// Run consumes jobs until ctx is cancelled or the queue is shut down and
// drained. Only one Run may be active at a time.
func (q *Queue) Run(ctx context.Context) error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return ErrAlreadyRunning
	}
	q.running = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.running = false
		q.mu.Unlock()
	}()

	for {
		job, ok, stop := q.next()
		if stop {
			q.once.Do(func() { close(q.stopped) })
			return nil
		}
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-q.wake:
			}
			continue
		}
		q.process(ctx, job)
	}
}

func (q *Queue) process(ctx context.Context, job model.SyncJob) {
	// In-flight batches finish even when the consumer is being cancelled.
	result := q.proc.Process(context.WithoutCancel(ctx), job)

	q.mu.Lock()
	q.last = &result
	q.mu.Unlock()

	q.log.WithFields(logrus.Fields{
		"batch_id": job.BatchID,
		"success":  result.Success,
		"failed":   result.Failed,
		"waited":   result.StartedAt.Sub(job.EnqueuedAt).String(),
	}).Info("Job completed")

	if job.OnComplete != nil {
		job.OnComplete(result)
	}
}

// Shutdown stops accepting jobs and waits for the consumer to drain what is
// already queued, or for ctx to end. Drainable jobs are waited for even when
// the consumer has not started yet.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	wait := q.running || (q.initialized && len(q.jobs) > 0)
	q.mu.Unlock()
	q.signal()

	if !wait {
		return nil
	}
	select {
	case <-q.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
