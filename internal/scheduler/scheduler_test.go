package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"github.com/jun/drivesync/internal/adapter"
	"github.com/jun/drivesync/internal/adapter/memory"
	"github.com/jun/drivesync/internal/model"
	"github.com/jun/drivesync/internal/session"
	"github.com/jun/drivesync/internal/settings"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// recordingLister wraps a lister, records options and can fail a given call.
type recordingLister struct {
	next   adapter.FileLister
	mu     sync.Mutex
	opts   []adapter.ListOptions
	failAt int
	err    error
}

func (r *recordingLister) ListFiles(ctx context.Context, opts adapter.ListOptions) (*adapter.Page, error) {
	r.mu.Lock()
	r.opts = append(r.opts, opts)
	n := len(r.opts)
	r.mu.Unlock()
	if r.failAt > 0 && n == r.failAt {
		return nil, r.err
	}
	return r.next.ListFiles(ctx, opts)
}

func (r *recordingLister) calls() []adapter.ListOptions {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]adapter.ListOptions(nil), r.opts...)
}

// instantQueue completes every job right away, or holds them when hold is set.
type instantQueue struct {
	mu   sync.Mutex
	jobs []model.SyncJob
	hold bool
}

func (q *instantQueue) Enqueue(job model.SyncJob) error {
	q.mu.Lock()
	q.jobs = append(q.jobs, job)
	hold := q.hold
	q.mu.Unlock()
	if !hold {
		go job.OnComplete(model.BatchResult{BatchID: job.BatchID, Success: len(job.Records)})
	}
	return nil
}

func (q *instantQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

func providerWith(n int) *memory.Provider {
	p := memory.NewProvider()
	for i := 0; i < n; i++ {
		p.Put(model.RawFileRecord{
			"id":           fmt.Sprintf("f%d", i),
			"name":         "n",
			"mimeType":     "text/plain",
			"modifiedTime": base.Add(-time.Duration(i) * time.Minute).Format(time.RFC3339),
		}, nil)
	}
	return p
}

func newTestScheduler(q Enqueuer, opts Options) (*Scheduler, *WatermarkStore) {
	logger, _ := test.NewNullLogger()
	opts.Logger = logger
	wm := NewWatermarkStore(settings.NewMemory())
	return New(q, wm, opts), wm
}

func TestStart_WithoutListerIsNotReady(t *testing.T) {
	s, _ := newTestScheduler(&instantQueue{}, Options{})
	if err := s.Start(context.Background()); !errors.Is(err, ErrNotReady) {
		t.Errorf("Expected ErrNotReady, got %v", err)
	}
	if _, err := s.Sweep(context.Background()); !errors.Is(err, ErrNotReady) {
		t.Errorf("Expected ErrNotReady from Sweep, got %v", err)
	}
}

func TestSweep_OneJobPerPageAndAdvancesWatermark(t *testing.T) {
	q := &instantQueue{}
	lister := &recordingLister{next: providerWith(5)}
	s, wm := newTestScheduler(q, Options{PageSize: 2, Query: "trashed = false"})
	s.SetLister(lister)

	report, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if report.Pages != 3 || report.Jobs != 3 || report.Files != 5 {
		t.Errorf("Unexpected report: %+v", report)
	}
	if q.count() != 3 {
		t.Errorf("Expected 3 jobs, got %d", q.count())
	}
	calls := lister.calls()
	if len(calls) != 3 {
		t.Fatalf("Expected exactly one list call per page, got %d", len(calls))
	}
	if !calls[0].ModifiedSince.IsZero() || calls[0].Query != "trashed = false" {
		t.Errorf("Unexpected first call options: %+v", calls[0])
	}
	if calls[1].PageCursor == "" {
		t.Error("Expected cursor to be passed forward")
	}

	got, _ := wm.Load(context.Background())
	if !got.Equal(base) {
		t.Errorf("Expected watermark %v, got %v", base, got)
	}
	if !report.Advanced {
		t.Error("Expected report to show the watermark advanced")
	}
}

func TestSweep_UsesWatermarkWithOverlap(t *testing.T) {
	lister := &recordingLister{next: providerWith(3)}
	s, wm := newTestScheduler(&instantQueue{}, Options{Overlap: time.Second})
	s.SetLister(lister)
	if _, err := wm.Advance(context.Background(), base.Add(-90*time.Second)); err != nil {
		t.Fatal(err)
	}

	report, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	want := base.Add(-91 * time.Second)
	if got := lister.calls()[0].ModifiedSince; !got.Equal(want) {
		t.Errorf("Expected ModifiedSince %v, got %v", want, got)
	}
	// f0 (base) and f1 (base-1m) are newer than the watermark.
	if report.Files != 2 {
		t.Errorf("Expected 2 changed files, got %d", report.Files)
	}
}

func TestSweep_FailureMidListingKeepsWatermark(t *testing.T) {
	boom := errors.New("backend unavailable")
	lister := &recordingLister{next: providerWith(5), failAt: 2, err: boom}
	s, wm := newTestScheduler(&instantQueue{}, Options{PageSize: 2})
	s.SetLister(lister)

	report, err := s.Sweep(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("Expected listing error, got %v", err)
	}
	if report.Jobs != 1 {
		t.Errorf("Expected the first page to be enqueued, got %d jobs", report.Jobs)
	}
	if got, _ := wm.Load(context.Background()); !got.IsZero() {
		t.Errorf("Expected watermark untouched, got %v", got)
	}
	last, ok := s.LastReport()
	if !ok || last.Error == "" {
		t.Errorf("Expected last report to carry the error, got %+v", last)
	}
}

func TestSweep_UnauthorizedIsReported(t *testing.T) {
	var reported error
	lister := &recordingLister{next: providerWith(1), failAt: 1, err: fmt.Errorf("list: %w", adapter.ErrUnauthorized)}
	s, _ := newTestScheduler(&instantQueue{}, Options{
		OnProviderError: func(_ context.Context, err error) bool {
			reported = err
			return true
		},
	})
	s.SetLister(lister)

	if _, err := s.Sweep(context.Background()); err == nil {
		t.Fatal("Expected error")
	}
	if !errors.Is(reported, adapter.ErrUnauthorized) {
		t.Errorf("Expected unauthorized error to reach the hook, got %v", reported)
	}
}

func TestSweep_WatermarkWaitsForJobs(t *testing.T) {
	q := &instantQueue{hold: true}
	s, wm := newTestScheduler(q, Options{})
	s.SetLister(providerWith(2))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.Sweep(ctx)
	if !errors.Is(err, errHalted) {
		t.Fatalf("Expected sweep to stop waiting, got %v", err)
	}
	if got, _ := wm.Load(context.Background()); !got.IsZero() {
		t.Errorf("Expected watermark untouched while jobs are pending, got %v", got)
	}
}

func TestSweep_SingleFlight(t *testing.T) {
	q := &instantQueue{hold: true}
	s, _ := newTestScheduler(q, Options{})
	s.SetLister(providerWith(1))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Sweep(ctx)
		close(done)
	}()
	for i := 0; i < 200 && q.count() == 0; i++ {
		time.Sleep(time.Millisecond)
	}

	if _, err := s.Sweep(context.Background()); !errors.Is(err, ErrSweepInProgress) {
		t.Errorf("Expected ErrSweepInProgress, got %v", err)
	}
	cancel()
	<-done
}

func TestSweep_LeaseHeldElsewhere(t *testing.T) {
	locker := session.NewMemoryLocker(time.Minute)
	if _, err := locker.AcquireLock(context.Background(), DefaultLease, "other-replica"); err != nil {
		t.Fatal(err)
	}
	s, _ := newTestScheduler(&instantQueue{}, Options{Locker: locker, Holder: "me"})
	s.SetLister(providerWith(1))

	if _, err := s.Sweep(context.Background()); !errors.Is(err, ErrLeaseHeld) {
		t.Errorf("Expected ErrLeaseHeld, got %v", err)
	}
}

func TestSweep_ReleasesLease(t *testing.T) {
	locker := session.NewMemoryLocker(time.Minute)
	s, _ := newTestScheduler(&instantQueue{}, Options{Locker: locker, Holder: "me"})
	s.SetLister(providerWith(1))

	if _, err := s.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if lease, _ := locker.GetLockStatus(context.Background(), DefaultLease); lease != nil {
		t.Errorf("Expected lease released, got %+v", lease)
	}
}

func TestSweepSince_OverridesLowerBound(t *testing.T) {
	lister := &recordingLister{next: providerWith(3)}
	s, wm := newTestScheduler(&instantQueue{}, Options{Overlap: -1})
	s.SetLister(lister)
	if _, err := wm.Advance(context.Background(), base); err != nil {
		t.Fatal(err)
	}

	since := base.Add(-24 * time.Hour)
	report, err := s.SweepSince(context.Background(), since)
	if err != nil {
		t.Fatalf("SweepSince failed: %v", err)
	}
	if got := lister.calls()[0].ModifiedSince; !got.Equal(since) {
		t.Errorf("Expected ModifiedSince %v, got %v", since, got)
	}
	if report.Files != 3 || report.Advanced {
		t.Errorf("Expected backfill of 3 files without moving the watermark, got %+v", report)
	}
	if got, _ := wm.Load(context.Background()); !got.Equal(base) {
		t.Errorf("Expected watermark to stay at %v, got %v", base, got)
	}
}

func TestStartStop(t *testing.T) {
	q := &instantQueue{}
	s, _ := newTestScheduler(q, Options{Interval: time.Hour})
	s.SetLister(providerWith(1))

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Errorf("Second Start should be a no-op, got %v", err)
	}
	if !s.Running() {
		t.Error("Expected scheduler to be running")
	}
	for i := 0; i < 200 && q.count() == 0; i++ {
		time.Sleep(time.Millisecond)
	}
	if q.count() != 1 {
		t.Errorf("Expected an immediate sweep, got %d jobs", q.count())
	}

	s.Stop()
	if s.Running() {
		t.Error("Expected scheduler to be stopped")
	}
	s.Stop()
}

func TestWatermarkStore_Monotonic(t *testing.T) {
	wm := NewWatermarkStore(settings.NewMemory())
	ctx := context.Background()

	if got, err := wm.Load(ctx); err != nil || !got.IsZero() {
		t.Fatalf("Expected zero watermark, got %v (%v)", got, err)
	}
	if ok, _ := wm.Advance(ctx, base); !ok {
		t.Error("Expected first advance to commit")
	}
	if ok, _ := wm.Advance(ctx, base.Add(-time.Hour)); ok {
		t.Error("Expected older watermark to be ignored")
	}
	if got, _ := wm.Load(ctx); !got.Equal(base) {
		t.Errorf("Expected %v, got %v", base, got)
	}
}

func TestNextDelayWithinJitter(t *testing.T) {
	s, _ := newTestScheduler(&instantQueue{}, Options{Interval: time.Minute, Jitter: 0.1})
	for i := 0; i < 100; i++ {
		d := s.nextDelay()
		if d < 54*time.Second || d > 66*time.Second {
			t.Fatalf("Delay %v outside jitter bounds", d)
		}
	}
}
