package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"golang.org/x/oauth2"

	"github.com/jun/drivesync/internal/adapter"
	"github.com/jun/drivesync/internal/adapter/memory"
	"github.com/jun/drivesync/internal/auth"
	"github.com/jun/drivesync/internal/credential"
	"github.com/jun/drivesync/internal/crypto"
	"github.com/jun/drivesync/internal/model"
	"github.com/jun/drivesync/internal/processor"
	"github.com/jun/drivesync/internal/queue"
	"github.com/jun/drivesync/internal/scheduler"
	"github.com/jun/drivesync/internal/settings"
	"github.com/jun/drivesync/internal/store"
)

type fakeAuth struct {
	mu      sync.Mutex
	events  chan auth.Event
	session model.Session
	state   auth.State
}

func newFakeAuth() *fakeAuth {
	return &fakeAuth{events: make(chan auth.Event, 8), state: auth.AwaitingCredentials}
}

func (f *fakeAuth) Subscribe() (<-chan auth.Event, func()) { return f.events, func() {} }

func (f *fakeAuth) Session() model.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session
}

func (f *fakeAuth) State() auth.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeAuth) authenticate(c *http.Client) {
	f.mu.Lock()
	f.session = model.Session{Authenticated: true, Client: c}
	f.state = auth.Authenticated
	f.mu.Unlock()
}

type harness struct {
	auth     *fakeAuth
	provider *memory.Provider
	store    *store.Memory
	orch     *Orchestrator
	sched    *scheduler.Scheduler
	builds   int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger, _ := test.NewNullLogger()
	h := &harness{auth: newFakeAuth(), provider: memory.NewProvider(), store: store.NewMemory()}
	memory.Seed(h.provider, time.Now())

	proc := processor.New(h.store, processor.Options{Logger: logger})
	q := queue.New(proc, logger)
	h.sched = scheduler.New(q, scheduler.NewWatermarkStore(settings.NewMemory()), scheduler.Options{Interval: time.Hour, Logger: logger})
	factory := func(context.Context, *http.Client) (adapter.Provider, error) {
		h.builds++
		return h.provider, nil
	}
	h.orch = New(h.auth, factory, q, h.sched, Options{Logger: logger, ShutdownTimeout: time.Second})
	return h
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRun_AuthenticatedStartsSync(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.orch.Run(ctx) }()

	client := &http.Client{}
	h.auth.authenticate(client)
	h.auth.events <- auth.Event{Type: auth.EventAuthenticated, Client: client}

	eventually(t, func() bool {
		files, _, _, _ := h.store.Counts()
		return files == 5
	}, "expected seeded files to be synced")
	eventually(t, func() bool {
		st, _ := h.orch.Status(context.Background())
		return st.Watermark != nil && st.LastSweep != nil
	}, "expected watermark to be committed")

	st, err := h.orch.Status(context.Background())
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if !st.Syncing || !st.Authenticated || st.AuthState != "authenticated" {
		t.Errorf("Unexpected status: %+v", st)
	}
	if st.LastBatch == nil || st.LastBatch.Success != 5 {
		t.Errorf("Expected last batch with 5 successes, got %+v", st.LastBatch)
	}

	h.auth.events <- auth.Event{Type: auth.EventAuthenticationRequired}
	eventually(t, func() bool { return !h.sched.Running() }, "expected sync to stop after auth loss")
	if h.orch.Provider() != nil {
		t.Error("Expected provider to be cleared")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v", err)
	}
}

func TestRun_ExistingSession(t *testing.T) {
	h := newHarness(t)
	h.auth.authenticate(&http.Client{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.orch.Run(ctx) }()

	eventually(t, func() bool { return h.sched.Running() }, "expected sync to start from existing session")
	cancel()
	<-done
}

func TestSetAuth_ReusesProviderForSameClient(t *testing.T) {
	h := newHarness(t)
	client := &http.Client{}
	for i := 0; i < 2; i++ {
		if err := h.orch.SetAuth(context.Background(), client); err != nil {
			t.Fatal(err)
		}
	}
	if h.builds != 1 {
		t.Errorf("Expected one provider build, got %d", h.builds)
	}
	if err := h.orch.SetAuth(context.Background(), nil); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("Expected ErrNotAuthenticated for nil client, got %v", err)
	}
}

func TestStartPeriodicSync_BeforeAuth(t *testing.T) {
	h := newHarness(t)
	if err := h.orch.StartPeriodicSync(context.Background()); !errors.Is(err, scheduler.ErrNotReady) {
		t.Errorf("Expected ErrNotReady, got %v", err)
	}
}

func TestSyncNow(t *testing.T) {
	h := newHarness(t)
	if _, err := h.orch.SyncNow(context.Background(), time.Time{}); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("Expected ErrNotAuthenticated, got %v", err)
	}

	h.auth.authenticate(&http.Client{})
	report, err := h.orch.SyncNow(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("SyncNow failed: %v", err)
	}
	if report.Files != 5 || !report.Advanced {
		t.Errorf("Unexpected report: %+v", report)
	}
	if files, users, _, _ := h.store.Counts(); files != 5 || users != 2 {
		t.Errorf("Expected 5 files and 2 users, got %d and %d", files, users)
	}

	// Nothing changed since the watermark beyond the overlap window.
	report, err = h.orch.SyncNow(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("second SyncNow failed: %v", err)
	}
	if report.Files > 1 {
		t.Errorf("Expected only the boundary file to be re-read, got %d", report.Files)
	}
}

// newTokenEndpoint accepts only the code "valid-code"; everything else is
// rejected with invalid_grant.
func newTokenEndpoint(t *testing.T) oauth2.Endpoint {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		w.Header().Set("Content-Type", "application/json")
		if r.Form.Get("grant_type") == "authorization_code" && r.Form.Get("code") == "valid-code" {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"access_token": "access", "refresh_token": "refresh",
				"token_type": "Bearer", "expires_in": 3600,
			})
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	t.Cleanup(srv.Close)
	return oauth2.Endpoint{
		AuthURL:   srv.URL + "/auth",
		TokenURL:  srv.URL + "/token",
		AuthStyle: oauth2.AuthStyleInParams,
	}
}

func TestRun_RejectedCallbackKeepsSync(t *testing.T) {
	logger, _ := test.NewNullLogger()
	ctx := context.Background()

	creds := credential.NewStore(settings.NewMemory(), crypto.NewMockEncryptor())
	err := creds.SaveProviderSettings(ctx, model.ProviderSettings{
		ClientID: "client", ClientSecret: "secret", RedirectURI: "http://localhost:8080/auth/callback",
	})
	if err != nil {
		t.Fatal(err)
	}
	manager := auth.NewManager(creds, auth.Options{Endpoint: newTokenEndpoint(t), Logger: logger})
	manager.Initialize(ctx)

	provider := memory.NewProvider()
	memory.Seed(provider, time.Now())
	factory := func(context.Context, *http.Client) (adapter.Provider, error) { return provider, nil }
	q := queue.New(processor.New(store.NewMemory(), processor.Options{Logger: logger}), logger)
	sched := scheduler.New(q, scheduler.NewWatermarkStore(settings.NewMemory()), scheduler.Options{Interval: time.Hour, Logger: logger})
	orch := New(manager, factory, q, sched, Options{Logger: logger, ShutdownTimeout: time.Second})

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- orch.Run(runCtx) }()
	defer func() {
		cancel()
		<-done
	}()

	if err := manager.ExchangeAuthorizationCode(ctx, "valid-code"); err != nil {
		t.Fatalf("ExchangeAuthorizationCode failed: %v", err)
	}
	eventually(t, sched.Running, "expected periodic sync after authentication")

	// reloading the callback page replays the used code
	if err := manager.ExchangeAuthorizationCode(ctx, "valid-code-replayed"); !errors.Is(err, auth.ErrAuthenticationFailed) {
		t.Fatalf("Expected ErrAuthenticationFailed, got %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	st, err := orch.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if st.AuthState != "authenticated" || !st.Syncing {
		t.Errorf("Expected authenticated and syncing, got %+v", st)
	}
	if orch.Provider() == nil {
		t.Error("Provider should survive a rejected callback")
	}
}

func TestHandle_FailedAttemptWhileAuthenticated(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.orch.Run(ctx) }()

	client := &http.Client{}
	h.auth.authenticate(client)
	h.auth.events <- auth.Event{Type: auth.EventAuthenticated, Client: client}
	eventually(t, h.sched.Running, "expected sync to start")

	h.auth.events <- auth.Event{Type: auth.EventAuthenticationFailed, Err: auth.ErrAuthenticationFailed}
	h.auth.events <- auth.Event{Type: auth.EventTokensUpdated}
	time.Sleep(50 * time.Millisecond)
	if !h.sched.Running() || h.orch.Provider() == nil {
		t.Error("A failed attempt must not stop sync while the session is valid")
	}

	cancel()
	<-done
}
