// Package scheduler runs periodic sweeps that list changed provider files
// and enqueue them as sync jobs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jun/drivesync/internal/adapter"
	"github.com/jun/drivesync/internal/metrics"
	"github.com/jun/drivesync/internal/model"
	"github.com/jun/drivesync/internal/session"
)

var (
	// ErrNotReady is returned when no provider lister has been set.
	ErrNotReady = errors.New("scheduler has no provider lister")
	// ErrSweepInProgress is returned when a sweep is already running.
	ErrSweepInProgress = errors.New("sweep already in progress")
	// ErrLeaseHeld is returned when another replica holds the sweep lease.
	ErrLeaseHeld = errors.New("sweep lease held by another replica")

	errHalted = errors.New("sweep halted")
)

const (
	DefaultInterval = 5 * time.Minute
	DefaultPageSize = 100
	DefaultOverlap  = time.Second
	DefaultLease    = "provider-sweep"
)

// Enqueuer accepts jobs for processing.
type Enqueuer interface {
	Enqueue(job model.SyncJob) error
}

type Options struct {
	Interval time.Duration
	// Jitter spreads ticks by up to this fraction of Interval.
	Jitter   float64
	PageSize int
	Query    string
	// Overlap is subtracted from the watermark when listing, so files
	// modified at the boundary are read again rather than missed.
	// Negative disables it.
	Overlap time.Duration

	// Locker, when set, makes sweeps take a named lease first.
	Locker    session.Locker
	LeaseName string
	Holder    string

	// OnProviderError is told about listing failures; it reports whether
	// the error was an authorization failure it has handled.
	OnProviderError func(ctx context.Context, err error) bool

	Logger logrus.FieldLogger
}

// Report describes one sweep.
type Report struct {
	Since      time.Time `json:"since"`
	Watermark  time.Time `json:"watermark"`
	Advanced   bool      `json:"advanced"`
	Pages      int       `json:"pages"`
	Jobs       int       `json:"jobs"`
	Files      int       `json:"files"`
	Failed     int       `json:"failed"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Error      string    `json:"error,omitempty"`
}

type Scheduler struct {
	queue     Enqueuer
	watermark *WatermarkStore
	opts      Options
	log       logrus.FieldLogger

	mu     sync.Mutex
	lister adapter.FileLister
	cancel context.CancelFunc
	last   *Report

	sweeping sync.Mutex
	wg       sync.WaitGroup
}

func New(q Enqueuer, wm *WatermarkStore, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	switch {
	case opts.Overlap == 0:
		opts.Overlap = DefaultOverlap
	case opts.Overlap < 0:
		opts.Overlap = 0
	}
	if opts.LeaseName == "" {
		opts.LeaseName = DefaultLease
	}
	if opts.Holder == "" {
		opts.Holder = uuid.NewString()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Scheduler{
		queue:     q,
		watermark: wm,
		opts:      opts,
		log:       opts.Logger.WithField("component", "scheduler"),
	}
}

// SetLister installs the provider client used by sweeps. A nil lister
// disables sweeping.
func (s *Scheduler) SetLister(l adapter.FileLister) {
	s.mu.Lock()
	s.lister = l
	s.mu.Unlock()
}

func (s *Scheduler) currentLister() adapter.FileLister {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lister
}

// Running reports whether the periodic loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// LastReport returns the report of the most recent sweep.
func (s *Scheduler) LastReport() (Report, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Report{}, false
	}
	return *s.last, true
}

// Watermark returns the committed watermark.
func (s *Scheduler) Watermark(ctx context.Context) (time.Time, error) {
	return s.watermark.Load(ctx)
}

// Start runs one sweep immediately and then one per interval until Stop.
// It never waits for authentication: without a lister it returns ErrNotReady.
// Starting an already running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.currentLister() == nil {
		return ErrNotReady
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.loop(loopCtx)
	s.log.WithField("interval", s.opts.Interval.String()).Info("Periodic sync started")
	return nil
}

// Stop ends the periodic loop. A sweep in flight finishes its current
// provider call, does not commit a watermark, and leaves enqueued jobs to drain.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.log.Info("Periodic sync stopped")
}

func (s *Scheduler) nextDelay() time.Duration {
	if s.opts.Jitter <= 0 {
		return s.opts.Interval
	}
	spread := float64(s.opts.Interval) * s.opts.Jitter
	return s.opts.Interval + time.Duration((rand.Float64()*2-1)*spread)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	s.tick(ctx)
	timer := time.NewTimer(s.nextDelay())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.tick(ctx)
			timer.Reset(s.nextDelay())
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	_, err := s.sweep(context.WithoutCancel(ctx), ctx.Done(), time.Time{})
	switch {
	case err == nil:
	case errors.Is(err, ErrSweepInProgress), errors.Is(err, ErrLeaseHeld), errors.Is(err, errHalted):
		s.log.WithError(err).Debug("Sweep skipped")
	default:
		s.log.WithError(err).Warn("Sweep failed, retrying next tick")
	}
}

// Sweep lists every file changed since the watermark and waits for the
// resulting jobs to complete.
func (s *Scheduler) Sweep(ctx context.Context) (Report, error) {
	return s.sweep(ctx, ctx.Done(), time.Time{})
}

// SweepSince is Sweep with since as the lower bound instead of the stored
// watermark. The stored watermark still only moves forward.
func (s *Scheduler) SweepSince(ctx context.Context, since time.Time) (Report, error) {
	if since.IsZero() {
		return s.Sweep(ctx)
	}
	return s.sweep(ctx, ctx.Done(), since)
}

func (s *Scheduler) sweep(ctx context.Context, halt <-chan struct{}, override time.Time) (report Report, err error) {
	lister := s.currentLister()
	if lister == nil {
		return report, ErrNotReady
	}
	if !s.sweeping.TryLock() {
		metrics.ObserveSweep("skipped", 0)
		return report, ErrSweepInProgress
	}
	defer s.sweeping.Unlock()

	report.StartedAt = time.Now().UTC()
	defer func() {
		report.FinishedAt = time.Now().UTC()
		outcome := "success"
		if err != nil {
			report.Error = err.Error()
			outcome = "error"
			if errors.Is(err, ErrLeaseHeld) {
				outcome = "skipped"
			}
		}
		metrics.ObserveSweep(outcome, report.FinishedAt.Sub(report.StartedAt))
		s.mu.Lock()
		r := report
		s.last = &r
		s.mu.Unlock()
	}()

	if s.opts.Locker != nil {
		if _, err := s.opts.Locker.AcquireLock(ctx, s.opts.LeaseName, s.opts.Holder); err != nil {
			if errors.Is(err, session.ErrLockHeld) {
				return report, ErrLeaseHeld
			}
			return report, fmt.Errorf("acquire sweep lease: %w", err)
		}
		defer func() {
			if err := s.opts.Locker.ReleaseLock(context.WithoutCancel(ctx), s.opts.LeaseName, s.opts.Holder); err != nil {
				s.log.WithError(err).Warn("Failed to release sweep lease")
			}
		}()
	}

	committed, err := s.watermark.Load(ctx)
	if err != nil {
		return report, err
	}
	report.Since = committed
	if !override.IsZero() {
		report.Since = override
	}
	opts := adapter.ListOptions{PageSize: s.opts.PageSize, Query: s.opts.Query}
	if !report.Since.IsZero() {
		opts.ModifiedSince = report.Since.Add(-s.opts.Overlap)
	}

	var (
		pending  sync.WaitGroup
		failedMu sync.Mutex
		failed   int
		maxSeen  time.Time
	)
	_, listErr := adapter.Paginate(ctx, lister, opts, func(page *adapter.Page) error {
		report.Pages++
		if len(page.Files) > 0 {
			for _, rec := range page.Files {
				if mt, ok := modifiedTime(rec); ok && mt.After(maxSeen) {
					maxSeen = mt
				}
			}
			pending.Add(1)
			job := model.SyncJob{
				BatchID:    uuid.NewString(),
				Records:    page.Files,
				EnqueuedAt: time.Now().UTC(),
				OnComplete: func(r model.BatchResult) {
					failedMu.Lock()
					failed += r.Failed
					failedMu.Unlock()
					pending.Done()
				},
			}
			if err := s.queue.Enqueue(job); err != nil {
				pending.Done()
				return fmt.Errorf("enqueue batch: %w", err)
			}
			report.Jobs++
			report.Files += len(page.Files)
		}
		select {
		case <-halt:
			return errHalted
		default:
			return nil
		}
	})
	if listErr != nil {
		if !errors.Is(listErr, errHalted) && adapter.IsUnauthorized(listErr) && s.opts.OnProviderError != nil {
			s.opts.OnProviderError(ctx, listErr)
		}
		return report, fmt.Errorf("list changed files: %w", listErr)
	}

	done := make(chan struct{})
	go func() {
		pending.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-halt:
		return report, fmt.Errorf("waiting for %d jobs: %w", report.Jobs, errHalted)
	}
	report.Failed = failed

	report.Watermark = committed
	if !maxSeen.IsZero() {
		advanced, err := s.watermark.Advance(ctx, maxSeen)
		if err != nil {
			return report, err
		}
		report.Advanced = advanced
		if advanced {
			report.Watermark = maxSeen
		}
	}

	s.log.WithFields(logrus.Fields{
		"pages":     report.Pages,
		"files":     report.Files,
		"failed":    report.Failed,
		"watermark": report.Watermark,
	}).Info("Sweep completed")
	return report, nil
}

func modifiedTime(rec model.RawFileRecord) (time.Time, bool) {
	s, ok := rec["modifiedTime"].(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := adapter.ParseModifiedTime(s)
	return t, err == nil
}
