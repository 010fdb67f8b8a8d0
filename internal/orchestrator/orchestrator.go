// Package orchestrator connects the authentication lifecycle to the sync
// pipeline: it builds the provider client once a session exists, opens the
// queue and starts or stops periodic sweeps as authentication comes and goes.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jun/drivesync/internal/adapter"
	"github.com/jun/drivesync/internal/auth"
	"github.com/jun/drivesync/internal/model"
	"github.com/jun/drivesync/internal/queue"
	"github.com/jun/drivesync/internal/scheduler"
)

// ErrNotAuthenticated is returned when a sweep is requested without a session.
var ErrNotAuthenticated = errors.New("not authenticated with the provider")

const DefaultShutdownTimeout = 30 * time.Second

// Authenticator is the part of auth.Manager the orchestrator follows.
type Authenticator interface {
	Subscribe() (<-chan auth.Event, func())
	Session() model.Session
	State() auth.State
}

type Options struct {
	ShutdownTimeout time.Duration
	Logger          logrus.FieldLogger
}

type Orchestrator struct {
	auth    Authenticator
	factory adapter.ProviderFactory
	queue   *queue.Queue
	sched   *scheduler.Scheduler
	opts    Options
	log     logrus.FieldLogger

	mu       sync.Mutex
	provider adapter.Provider
	client   *http.Client
}

func New(a Authenticator, factory adapter.ProviderFactory, q *queue.Queue, s *scheduler.Scheduler, opts Options) *Orchestrator {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Orchestrator{
		auth:    a,
		factory: factory,
		queue:   q,
		sched:   s,
		opts:    opts,
		log:     opts.Logger.WithField("component", "orchestrator"),
	}
}

// SetAuth builds the provider client on top of an authenticated HTTP
// client, hands it to the scheduler and opens the queue.
func (o *Orchestrator) SetAuth(ctx context.Context, client *http.Client) error {
	if client == nil {
		return ErrNotAuthenticated
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.client == client && o.provider != nil {
		return nil
	}
	p, err := o.factory(ctx, client)
	if err != nil {
		return fmt.Errorf("build provider client: %w", err)
	}
	o.provider = p
	o.client = client
	o.sched.SetLister(p)
	o.queue.SetInitialized(true)
	return nil
}

// Provider returns the current provider client, or nil before SetAuth.
func (o *Orchestrator) Provider() adapter.Provider {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.provider
}

func (o *Orchestrator) clearAuth() {
	o.mu.Lock()
	o.provider = nil
	o.client = nil
	o.mu.Unlock()
	o.sched.SetLister(nil)
}

// StartPeriodicSync starts the scheduler loop. It fails with
// scheduler.ErrNotReady before SetAuth.
func (o *Orchestrator) StartPeriodicSync(ctx context.Context) error {
	return o.sched.Start(ctx)
}

// StopMonitoring stops periodic sweeps. Enqueued jobs still drain.
func (o *Orchestrator) StopMonitoring() {
	o.sched.Stop()
}

// Run consumes the queue and follows authentication events until ctx ends,
// then stops sweeping and drains the queue.
func (o *Orchestrator) Run(ctx context.Context) error {
	events, unsubscribe := o.auth.Subscribe()
	defer unsubscribe()

	// The consumer outlives ctx so shutdown can drain the queue.
	consumerCtx, stopConsumer := context.WithCancel(context.WithoutCancel(ctx))
	defer stopConsumer()
	consumer := make(chan error, 1)
	go func() { consumer <- o.queue.Run(consumerCtx) }()

	// The session may predate the subscription.
	if sess := o.auth.Session(); sess.Authenticated {
		o.onAuthenticated(ctx, sess.Client)
	}

	for {
		select {
		case <-ctx.Done():
			return o.shutdown(ctx)
		case err := <-consumer:
			o.StopMonitoring()
			if err != nil {
				return fmt.Errorf("queue consumer: %w", err)
			}
			return nil
		case ev, ok := <-events:
			if !ok {
				return o.shutdown(ctx)
			}
			o.handle(ctx, ev)
		}
	}
}

func (o *Orchestrator) handle(ctx context.Context, ev auth.Event) {
	log := o.log.WithField("event", ev.Type.String())
	switch ev.Type {
	case auth.EventAuthenticated:
		o.onAuthenticated(ctx, ev.Client)
	case auth.EventAuthenticationRequired, auth.EventAuthenticationFailed:
		if ev.Type == auth.EventAuthenticationFailed && o.auth.State() == auth.Authenticated {
			log.WithError(ev.Err).Info("Authentication attempt failed, current session kept")
			return
		}
		if ev.Err != nil {
			log = log.WithError(ev.Err)
		}
		log.Warn("Authentication lost, pausing sync")
		o.StopMonitoring()
		o.clearAuth()
	case auth.EventTokensUpdated:
		log.Debug("Tokens updated")
	}
}

func (o *Orchestrator) onAuthenticated(ctx context.Context, client *http.Client) {
	if err := o.SetAuth(ctx, client); err != nil {
		o.log.WithError(err).Error("Failed to set up provider client")
		return
	}
	if err := o.StartPeriodicSync(ctx); err != nil {
		o.log.WithError(err).Error("Failed to start periodic sync")
	}
}

func (o *Orchestrator) shutdown(ctx context.Context) error {
	o.StopMonitoring()
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.ShutdownTimeout)
	defer cancel()
	if err := o.queue.Shutdown(drainCtx); err != nil {
		return fmt.Errorf("drain queue: %w", err)
	}
	return nil
}

// SyncNow runs one sweep, bounded below by since when it is non-zero. It
// starts a queue consumer if none is running, so it also works without Run.
func (o *Orchestrator) SyncNow(ctx context.Context, since time.Time) (scheduler.Report, error) {
	if o.Provider() == nil {
		sess := o.auth.Session()
		if !sess.Authenticated {
			return scheduler.Report{}, ErrNotAuthenticated
		}
		if err := o.SetAuth(ctx, sess.Client); err != nil {
			return scheduler.Report{}, err
		}
	}

	consumerCtx, stopConsumer := context.WithCancel(ctx)
	defer stopConsumer()
	go func() {
		if err := o.queue.Run(consumerCtx); err != nil && !errors.Is(err, queue.ErrAlreadyRunning) && !errors.Is(err, context.Canceled) {
			o.log.WithError(err).Error("Queue consumer stopped")
		}
	}()

	return o.sched.SweepSince(ctx, since)
}

// Status is a point-in-time view of the engine.
type Status struct {
	AuthState     string             `json:"authState"`
	Authenticated bool               `json:"authenticated"`
	Syncing       bool               `json:"syncing"`
	QueueDepth    int                `json:"queueDepth"`
	Watermark     *time.Time         `json:"watermark,omitempty"`
	LastBatch     *model.BatchResult `json:"lastBatch,omitempty"`
	LastSweep     *scheduler.Report  `json:"lastSweep,omitempty"`
}

func (o *Orchestrator) Status(ctx context.Context) (Status, error) {
	st := Status{
		AuthState:     o.auth.State().String(),
		Authenticated: o.auth.Session().Authenticated,
		Syncing:       o.sched.Running(),
		QueueDepth:    o.queue.Depth(),
	}
	wm, err := o.sched.Watermark(ctx)
	if err != nil {
		return st, err
	}
	if !wm.IsZero() {
		st.Watermark = &wm
	}
	if r, ok := o.queue.LastResult(); ok {
		st.LastBatch = &r
	}
	if r, ok := o.sched.LastReport(); ok {
		st.LastSweep = &r
	}
	return st, nil
}
