// Package auth owns the provider OAuth client and the authentication
// lifecycle: configuration, token verification and refresh, and the
// authorization code exchange.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/jun/drivesync/internal/adapter"
	"github.com/jun/drivesync/internal/credential"
	"github.com/jun/drivesync/internal/metrics"
	"github.com/jun/drivesync/internal/model"
)

// DefaultScopes grants read access to file metadata and content.
var DefaultScopes = []string{
	"https://www.googleapis.com/auth/drive.readonly",
}

// CredentialStore is the persistence the manager depends on.
type CredentialStore interface {
	ProviderSettings(ctx context.Context) (*model.ProviderSettings, error)
	Token(ctx context.Context) (*oauth2.Token, error)
	MergeToken(ctx context.Context, delta *oauth2.Token) (*oauth2.Token, error)
	InvalidateToken(ctx context.Context) error
}

// Options configures a Manager. Zero values pick production defaults.
type Options struct {
	Scopes   []string
	Endpoint oauth2.Endpoint
	// HTTPClient is used for token endpoint calls and as the base transport
	// of the authenticated session client.
	HTTPClient *http.Client
	Verifier   IdentityVerifier
	Logger     logrus.FieldLogger
	Now        func() time.Time
}

// Manager drives the authentication state machine.
type Manager struct {
	creds      CredentialStore
	log        logrus.FieldLogger
	scopes     []string
	endpoint   oauth2.Endpoint
	httpClient *http.Client
	verifier   IdentityVerifier
	now        func() time.Time

	// one verification or refresh in flight
	verifyMu sync.Mutex

	mu          sync.RWMutex
	state       State
	config      *oauth2.Config
	session     model.Session
	identity    *Identity
	ready       chan struct{}
	readyClosed bool

	subMu     sync.Mutex
	subs      map[int]*subscriber
	nextSubID int
}

func NewManager(creds CredentialStore, opts Options) *Manager {
	m := &Manager{
		creds:      creds,
		log:        opts.Logger,
		scopes:     opts.Scopes,
		endpoint:   opts.Endpoint,
		httpClient: opts.HTTPClient,
		verifier:   opts.Verifier,
		now:        opts.Now,
		state:      Unconfigured,
		ready:      make(chan struct{}),
		subs:       make(map[int]*subscriber),
	}
	if m.log == nil {
		m.log = logrus.StandardLogger()
	}
	if len(m.scopes) == 0 {
		m.scopes = DefaultScopes
	}
	if m.verifier != nil {
		m.scopes = append(append([]string(nil), m.scopes...), "openid", "email")
	}
	if m.endpoint.TokenURL == "" {
		m.endpoint = google.Endpoint
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Session returns the current session view.
func (m *Manager) Session() model.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session
}

// IsReady reports whether an authenticated client is available.
func (m *Manager) IsReady() bool {
	return m.Session().Authenticated
}

// Identity returns the verified account, if an identity verifier is configured.
func (m *Manager) Identity() *Identity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.identity
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	if s != Authenticated {
		m.session = model.Session{}
	}
	m.mu.Unlock()

	if prev != s {
		m.log.WithFields(logrus.Fields{"from": prev.String(), "to": s.String()}).Info("auth state changed")
		metrics.AuthTransition(s.String())
	}
}

func (m *Manager) oauthConfig() *oauth2.Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// oauthContext carries the configured HTTP client into oauth2 calls.
func (m *Manager) oauthContext(ctx context.Context) context.Context {
	if m.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
}

// Initialize loads provider settings. It returns false and stays
// Unconfigured when none are stored; otherwise it builds the OAuth client,
// resolves the configuration signal and verifies the stored token.
func (m *Manager) Initialize(ctx context.Context) bool {
	p, err := m.creds.ProviderSettings(ctx)
	if err != nil {
		if !errors.Is(err, credential.ErrNotFound) {
			m.log.WithError(err).Warn("failed to load provider settings")
		}
		return false
	}

	m.mu.Lock()
	m.config = &oauth2.Config{
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		RedirectURL:  p.RedirectURI,
		Scopes:       m.scopes,
		Endpoint:     m.endpoint,
	}
	if !m.readyClosed {
		close(m.ready)
		m.readyClosed = true
	}
	m.mu.Unlock()

	m.VerifyAndInitializeAuth(ctx)
	return true
}

// WaitForConfiguration blocks until configuration succeeds or ctx ends.
// Every caller shares the same signal.
func (m *Manager) WaitForConfiguration(ctx context.Context) error {
	m.mu.RLock()
	ready := m.ready
	m.mu.RUnlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InvalidateConfiguration drops the OAuth client and re-arms the
// configuration signal.
func (m *Manager) InvalidateConfiguration() {
	m.mu.Lock()
	m.config = nil
	if m.readyClosed {
		m.ready = make(chan struct{})
		m.readyClosed = false
	}
	m.mu.Unlock()
	m.setState(Unconfigured)
	m.emit(Event{Type: EventAuthenticationRequired})
}

// MonitorConfiguration retries Initialize every interval until it succeeds
// or ctx is cancelled.
func (m *Manager) MonitorConfiguration(ctx context.Context, interval time.Duration) error {
	if m.Initialize(ctx) {
		return nil
	}
	m.log.Info("waiting for provider configuration")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if m.Initialize(ctx) {
				return nil
			}
		}
	}
}

// VerifyAndInitializeAuth checks the stored token, refreshing it when
// expired. Outcomes are reported through state and events only.
func (m *Manager) VerifyAndInitializeAuth(ctx context.Context) {
	m.verify(ctx, false)
}

func (m *Manager) expired(tok *oauth2.Token) bool {
	if tok.AccessToken == "" {
		return true
	}
	return !tok.Expiry.IsZero() && !m.now().Before(tok.Expiry)
}

func (m *Manager) verify(ctx context.Context, forceRefresh bool) {
	m.verifyMu.Lock()
	defer m.verifyMu.Unlock()

	cfg := m.oauthConfig()
	if cfg == nil {
		m.setState(Unconfigured)
		return
	}

	tok, err := m.creds.Token(ctx)
	if err != nil {
		if !errors.Is(err, credential.ErrNotFound) {
			m.log.WithError(err).Warn("failed to load stored token")
		}
		m.requireCredentials()
		return
	}

	if forceRefresh || m.expired(tok) {
		if tok.RefreshToken == "" {
			m.fail(ctx, ErrAuthenticationExpired)
			return
		}
		m.setState(TokenExpired)
		m.setState(Refreshing)

		fresh, err := m.refresh(ctx, cfg, tok.RefreshToken)
		if err != nil {
			m.fail(ctx, fmt.Errorf("%w: refresh: %v", ErrAuthenticationFailed, err))
			return
		}
		merged, err := m.creds.MergeToken(ctx, fresh)
		if err != nil {
			m.log.WithError(err).Error("failed to persist refreshed token")
			m.setState(AuthenticationFailed)
			m.emit(Event{Type: EventAuthenticationFailed, Err: err})
			m.requireCredentials()
			return
		}
		m.emit(Event{Type: EventTokensUpdated, Token: fresh})
		tok = merged
	}

	m.authenticate(cfg, tok)
}

// refresh performs exactly one token endpoint call.
func (m *Manager) refresh(ctx context.Context, cfg *oauth2.Config, refreshToken string) (*oauth2.Token, error) {
	return cfg.TokenSource(m.oauthContext(ctx), &oauth2.Token{RefreshToken: refreshToken}).Token()
}

func (m *Manager) requireCredentials() {
	m.setState(AwaitingCredentials)
	m.emit(Event{Type: EventAuthenticationRequired})
}

// fail invalidates stored tokens and asks for a new authorization.
func (m *Manager) fail(ctx context.Context, cause error) {
	m.log.WithError(cause).Warn("authentication lost")
	if err := m.creds.InvalidateToken(ctx); err != nil {
		m.log.WithError(err).Error("failed to invalidate stored token")
	}
	m.setState(AuthenticationFailed)
	m.emit(Event{Type: EventAuthenticationFailed, Err: cause})
	m.requireCredentials()
}

func (m *Manager) authenticate(cfg *oauth2.Config, tok *oauth2.Token) {
	src := &persistingSource{
		m:    m,
		base: cfg.TokenSource(m.oauthContext(context.Background()), tok),
		last: tok.AccessToken,
	}
	client := oauth2.NewClient(m.oauthContext(context.Background()), oauth2.ReuseTokenSource(tok, src))

	m.mu.Lock()
	m.session = model.Session{Authenticated: true, Client: client}
	m.mu.Unlock()
	m.setState(Authenticated)
	m.emit(Event{Type: EventAuthenticated, Client: client})
}

// ExchangeAuthorizationCode trades a one-time code for tokens. Unlike the
// background paths it returns errors to the caller.
func (m *Manager) ExchangeAuthorizationCode(ctx context.Context, code string) error {
	cfg := m.oauthConfig()
	if cfg == nil {
		return ErrConfigurationMissing
	}

	m.verifyMu.Lock()
	defer m.verifyMu.Unlock()

	tok, err := cfg.Exchange(m.oauthContext(ctx), code)
	if err != nil {
		err = fmt.Errorf("%w: code exchange: %v", ErrAuthenticationFailed, err)
		m.rejectExchange(err)
		return err
	}

	if m.verifier != nil {
		raw, _ := tok.Extra("id_token").(string)
		ident, err := m.verifier.Verify(ctx, cfg.ClientID, raw)
		if err != nil {
			err = fmt.Errorf("%w: id token: %v", ErrAuthenticationFailed, err)
			m.rejectExchange(err)
			return err
		}
		m.mu.Lock()
		m.identity = ident
		m.mu.Unlock()
	}

	merged, err := m.creds.MergeToken(ctx, tok)
	if err != nil {
		return fmt.Errorf("failed to persist token: %w", err)
	}
	m.emit(Event{Type: EventTokensUpdated, Token: tok})
	m.authenticate(cfg, merged)
	return nil
}

// rejectExchange reports a failed exchange. A session that is still valid,
// such as when a used code is replayed, is left alone and nothing is emitted.
func (m *Manager) rejectExchange(err error) {
	m.log.WithError(err).Warn("authorization code rejected")
	if m.State() == Authenticated {
		return
	}
	m.emit(Event{Type: EventAuthenticationFailed, Err: err})
	m.setState(AuthenticationFailed)
	m.setState(AwaitingCredentials)
}

// HandleProviderError reacts to a failed provider call. Authorization
// failures invalidate the session and trigger one refresh attempt; the
// return value reports whether err was such a failure.
func (m *Manager) HandleProviderError(ctx context.Context, err error) bool {
	if !adapter.IsUnauthorized(err) {
		return false
	}
	m.log.WithError(err).Warn("provider rejected credentials")
	m.setState(TokenExpired)
	m.verify(ctx, true)
	return true
}

// Invalidate discards stored tokens after an irrecoverable failure.
func (m *Manager) Invalidate(ctx context.Context, cause error) {
	m.verifyMu.Lock()
	defer m.verifyMu.Unlock()
	if cause == nil {
		cause = ErrAuthenticationFailed
	}
	m.fail(ctx, cause)
}

// AuthURL returns the consent page URL. Offline access with forced consent
// makes the provider issue a refresh token.
func (m *Manager) AuthURL(state string) (string, error) {
	cfg := m.oauthConfig()
	if cfg == nil {
		return "", ErrConfigurationMissing
	}
	return cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce), nil
}

// persistingSource stores tokens refreshed transparently by the session client.
type persistingSource struct {
	m    *Manager
	base oauth2.TokenSource

	mu   sync.Mutex
	last string
}

func (p *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := p.base.Token()
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	changed := tok.AccessToken != p.last
	p.last = tok.AccessToken
	p.mu.Unlock()

	if changed {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := p.m.creds.MergeToken(ctx, tok); err != nil {
			p.m.log.WithError(err).Error("failed to persist refreshed token")
		}
		p.m.emit(Event{Type: EventTokensUpdated, Token: tok})
	}
	return tok, nil
}
