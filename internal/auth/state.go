package auth

import (
	"errors"
	"net/http"

	"golang.org/x/oauth2"
)

var (
	// ErrConfigurationMissing means no provider settings are stored yet.
	ErrConfigurationMissing = errors.New("provider configuration missing")
	// ErrAuthenticationExpired means the token is stale and no refresh is possible.
	ErrAuthenticationExpired = errors.New("authentication expired")
	// ErrAuthenticationFailed wraps rejected refresh or code exchange attempts.
	ErrAuthenticationFailed = errors.New("authentication failed")
)

// State is a node in the authentication lifecycle.
type State int

const (
	Unconfigured State = iota
	AwaitingCredentials
	Authenticated
	TokenExpired
	Refreshing
	AuthenticationFailed
)

func (s State) String() string {
	switch s {
	case Unconfigured:
		return "unconfigured"
	case AwaitingCredentials:
		return "awaiting_credentials"
	case Authenticated:
		return "authenticated"
	case TokenExpired:
		return "token_expired"
	case Refreshing:
		return "refreshing"
	case AuthenticationFailed:
		return "authentication_failed"
	default:
		return "unknown"
	}
}

// EventType identifies a lifecycle notification.
type EventType int

const (
	EventAuthenticated EventType = iota
	EventAuthenticationRequired
	EventAuthenticationFailed
	EventTokensUpdated
)

func (t EventType) String() string {
	switch t {
	case EventAuthenticated:
		return "authenticated"
	case EventAuthenticationRequired:
		return "authenticationRequired"
	case EventAuthenticationFailed:
		return "authenticationFailed"
	case EventTokensUpdated:
		return "tokensUpdated"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers on every lifecycle transition of interest.
// Client is set for EventAuthenticated, Err for EventAuthenticationFailed and
// Token (the raw provider response) for EventTokensUpdated.
type Event struct {
	Type   EventType
	Client *http.Client
	Err    error
	Token  *oauth2.Token
}
