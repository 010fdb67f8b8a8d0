package handler

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/sirupsen/logrus"

	"github.com/jun/drivesync/internal/auth"
)

// AuthFlow is the part of auth.Manager used by the OAuth endpoints.
type AuthFlow interface {
	AuthURL(state string) (string, error)
	ExchangeAuthorizationCode(ctx context.Context, code string) error
}

// AuthHandler serves the provider consent redirect and its callback.
type AuthHandler struct {
	flow        AuthFlow
	signer      *auth.StateSigner
	frontendURL string
	log         logrus.FieldLogger
	demo        func(ctx context.Context) error
}

// NewAuthHandler creates a new AuthHandler. After a successful callback the
// browser is sent to frontendURL, or shown a JSON body when it is empty.
func NewAuthHandler(flow AuthFlow, signer *auth.StateSigner, frontendURL string, log logrus.FieldLogger) *AuthHandler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &AuthHandler{flow: flow, signer: signer, frontendURL: strings.TrimRight(frontendURL, "/"), log: log}
}

// Login redirects to the provider consent page with a signed state.
func (h *AuthHandler) Login(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	state, err := h.signer.Sign()
	if err != nil {
		return events.APIGatewayProxyResponse{}, err
	}
	location, err := h.flow.AuthURL(state)
	if errors.Is(err, auth.ErrConfigurationMissing) {
		return textResponse(http.StatusServiceUnavailable, "Provider is not configured"), nil
	}
	if err != nil {
		return events.APIGatewayProxyResponse{}, err
	}
	return redirect(location), nil
}

// Callback checks the state and exchanges the authorization code.
func (h *AuthHandler) Callback(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	q := req.QueryStringParameters
	if reason := q["error"]; reason != "" {
		h.log.WithField("reason", reason).Warn("Consent was not granted")
		return textResponse(http.StatusBadRequest, "Authorization denied: "+reason), nil
	}
	code := q["code"]
	if code == "" {
		return textResponse(http.StatusBadRequest, "Missing code"), nil
	}
	if err := h.signer.Verify(q["state"]); err != nil {
		h.log.WithError(err).Warn("Rejected OAuth state")
		return textResponse(http.StatusBadRequest, "Invalid state"), nil
	}

	if err := h.flow.ExchangeAuthorizationCode(ctx, code); err != nil {
		h.log.WithError(err).Error("Code exchange failed")
		return textResponse(http.StatusBadGateway, "Failed to exchange code"), nil
	}

	if h.frontendURL == "" {
		return jsonResponse(http.StatusOK, map[string]bool{"connected": true}), nil
	}
	return redirect(h.frontendURL + "/?" + url.Values{"connected": {"true"}}.Encode()), nil
}

// EnableDemo turns on DemoLogin, which connects without the provider consent flow.
func (h *AuthHandler) EnableDemo(connect func(ctx context.Context) error) {
	h.demo = connect
}

// DemoLogin connects the engine to the seeded in-memory provider.
func (h *AuthHandler) DemoLogin(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	if h.demo == nil {
		return textResponse(http.StatusNotFound, "Not found"), nil
	}
	if err := h.demo(ctx); err != nil {
		return events.APIGatewayProxyResponse{}, err
	}
	if h.frontendURL == "" {
		return jsonResponse(http.StatusOK, map[string]bool{"connected": true}), nil
	}
	return redirect(h.frontendURL + "/?" + url.Values{"connected": {"true"}, "demo": {"true"}}.Encode()), nil
}
