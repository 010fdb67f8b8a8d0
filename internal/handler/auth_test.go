package handler_test

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"github.com/jun/drivesync/internal/auth"
	"github.com/jun/drivesync/internal/handler"
	"github.com/jun/drivesync/internal/logging"
)

func makeRequest(method, path string, query map[string]string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod:            method,
		Path:                  path,
		Headers:               map[string]string{},
		QueryStringParameters: query,
	}
}

type fakeFlow struct {
	configured  bool
	exchangeErr error
	codes       []string
}

func (f *fakeFlow) AuthURL(state string) (string, error) {
	if !f.configured {
		return "", auth.ErrConfigurationMissing
	}
	return "https://accounts.example.com/o/oauth2/auth?state=" + url.QueryEscape(state), nil
}

func (f *fakeFlow) ExchangeAuthorizationCode(_ context.Context, code string) error {
	f.codes = append(f.codes, code)
	return f.exchangeErr
}

func newAuthHandler(t *testing.T, flow *fakeFlow, frontend string) (*handler.AuthHandler, *auth.StateSigner) {
	t.Helper()
	signer, err := auth.NewStateSigner("test-secret", time.Minute)
	if err != nil {
		t.Fatalf("NewStateSigner: %v", err)
	}
	return handler.NewAuthHandler(flow, signer, frontend, logging.Discard()), signer
}

func TestLogin(t *testing.T) {
	h, signer := newAuthHandler(t, &fakeFlow{configured: true}, "http://localhost:3000")

	resp, err := h.Login(context.Background(), makeRequest("GET", "/auth/login", nil))
	if err != nil {
		t.Fatalf("Login returned error: %v", err)
	}
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("Expected 302, got %d", resp.StatusCode)
	}
	loc, err := url.Parse(resp.Headers["Location"])
	if err != nil {
		t.Fatalf("bad Location: %v", err)
	}
	if err := signer.Verify(loc.Query().Get("state")); err != nil {
		t.Errorf("state in redirect does not verify: %v", err)
	}
}

func TestLogin_Unconfigured(t *testing.T) {
	h, _ := newAuthHandler(t, &fakeFlow{}, "")

	resp, err := h.Login(context.Background(), makeRequest("GET", "/auth/login", nil))
	if err != nil {
		t.Fatalf("Login returned error: %v", err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", resp.StatusCode)
	}
}

func TestCallback(t *testing.T) {
	signer, _ := auth.NewStateSigner("test-secret", time.Minute)
	good, _ := signer.Sign()
	other, _ := auth.NewStateSigner("other-secret", time.Minute)
	forged, _ := other.Sign()

	tests := []struct {
		name        string
		query       map[string]string
		exchangeErr error
		frontend    string
		wantStatus  int
		wantCode    bool
	}{
		{name: "success redirects", query: map[string]string{"code": "c1", "state": good}, frontend: "http://localhost:3000", wantStatus: http.StatusFound, wantCode: true},
		{name: "success without frontend", query: map[string]string{"code": "c1", "state": good}, wantStatus: http.StatusOK, wantCode: true},
		{name: "denied", query: map[string]string{"error": "access_denied"}, wantStatus: http.StatusBadRequest},
		{name: "missing code", query: map[string]string{"state": good}, wantStatus: http.StatusBadRequest},
		{name: "forged state", query: map[string]string{"code": "c1", "state": forged}, wantStatus: http.StatusBadRequest},
		{name: "exchange fails", query: map[string]string{"code": "c1", "state": good}, exchangeErr: errors.New("invalid_grant"), wantStatus: http.StatusBadGateway, wantCode: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flow := &fakeFlow{configured: true, exchangeErr: tt.exchangeErr}
			h := handler.NewAuthHandler(flow, signer, tt.frontend, logging.Discard())

			resp, err := h.Callback(context.Background(), makeRequest("GET", "/auth/callback", tt.query))
			if err != nil {
				t.Fatalf("Callback returned error: %v", err)
			}
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("Expected %d, got %d (%s)", tt.wantStatus, resp.StatusCode, resp.Body)
			}
			if got := len(flow.codes) == 1; got != tt.wantCode {
				t.Errorf("exchange called = %v, want %v", got, tt.wantCode)
			}
			if tt.wantStatus == http.StatusFound && !strings.Contains(resp.Headers["Location"], "connected=true") {
				t.Errorf("unexpected Location %q", resp.Headers["Location"])
			}
		})
	}
}

func TestDemoLogin(t *testing.T) {
	h, _ := newAuthHandler(t, &fakeFlow{}, "")

	resp, _ := h.DemoLogin(context.Background(), makeRequest("GET", "/auth/demo-login", nil))
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("Expected 404 when demo is disabled, got %d", resp.StatusCode)
	}

	connected := false
	h.EnableDemo(func(context.Context) error {
		connected = true
		return nil
	})
	resp, err := h.DemoLogin(context.Background(), makeRequest("GET", "/auth/demo-login", nil))
	if err != nil {
		t.Fatalf("DemoLogin returned error: %v", err)
	}
	if resp.StatusCode != http.StatusOK || !connected {
		t.Errorf("Expected connected 200, got %d connected=%v", resp.StatusCode, connected)
	}
}
