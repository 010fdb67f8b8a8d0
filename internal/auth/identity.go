package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
)

// Identity is the account the stored token belongs to.
type Identity struct {
	Subject string `json:"sub"`
	Email   string `json:"email"`
}

// IdentityVerifier validates the ID token returned by the code exchange.
type IdentityVerifier interface {
	Verify(ctx context.Context, clientID, rawIDToken string) (*Identity, error)
}

// OIDCVerifier checks ID tokens against an issuer's published keys.
type OIDCVerifier struct {
	issuer string
	keys   oidc.KeySet
}

// NewOIDCVerifier discovers the issuer's key set (e.g. https://accounts.google.com).
func NewOIDCVerifier(ctx context.Context, issuer string) (*OIDCVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover oidc issuer %s: %w", issuer, err)
	}
	var meta struct {
		JWKSURL string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("failed to read oidc metadata: %w", err)
	}
	return &OIDCVerifier{issuer: issuer, keys: oidc.NewRemoteKeySet(context.Background(), meta.JWKSURL)}, nil
}

func (v *OIDCVerifier) Verify(ctx context.Context, clientID, rawIDToken string) (*Identity, error) {
	if rawIDToken == "" {
		return nil, errors.New("token response has no id_token")
	}
	idToken, err := oidc.NewVerifier(v.issuer, v.keys, &oidc.Config{ClientID: clientID}).Verify(ctx, rawIDToken)
	if err != nil {
		return nil, err
	}
	var ident Identity
	if err := idToken.Claims(&ident); err != nil {
		return nil, fmt.Errorf("failed to decode id token claims: %w", err)
	}
	return &ident, nil
}
