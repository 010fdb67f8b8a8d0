// Package credential persists the provider OAuth registration and token
// record on top of a settings store.
package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/jun/drivesync/internal/crypto"
	"github.com/jun/drivesync/internal/model"
	"github.com/jun/drivesync/internal/settings"
)

// ErrNotFound is returned when no provider settings or token are stored.
var ErrNotFound = settings.ErrNotFound

// Store reads and writes credentials. Refresh tokens are encrypted at rest.
type Store struct {
	settings  settings.Store
	encryptor crypto.Encryptor
	now       func() time.Time

	// serializes token read-modify-write
	mu sync.Mutex
}

func NewStore(s settings.Store, enc crypto.Encryptor) *Store {
	return &Store{settings: s, encryptor: enc, now: time.Now}
}

// ProviderSettings returns the stored OAuth client registration.
func (s *Store) ProviderSettings(ctx context.Context) (*model.ProviderSettings, error) {
	var p model.ProviderSettings
	if err := settings.GetJSON(ctx, s.settings, model.SettingsKeyGoogle, &p); err != nil {
		return nil, err
	}
	if !p.Complete() {
		return nil, ErrNotFound
	}
	return &p, nil
}

// SaveProviderSettings stores the OAuth client registration.
func (s *Store) SaveProviderSettings(ctx context.Context, p model.ProviderSettings) error {
	if !p.Complete() {
		return fmt.Errorf("provider settings require client_id, client_secret and redirect_uri")
	}
	return settings.PutJSON(ctx, s.settings, model.SettingsKeyGoogle, p)
}

// Token loads the persisted token with its refresh token decrypted.
func (s *Store) Token(ctx context.Context) (*oauth2.Token, error) {
	rec, err := s.record(ctx)
	if err != nil {
		return nil, err
	}
	refresh, err := s.encryptor.Decrypt(ctx, rec.EncryptedRefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}
	return &oauth2.Token{
		AccessToken:  rec.AccessToken,
		RefreshToken: refresh,
		TokenType:    rec.TokenType,
		Expiry:       rec.Expiry,
	}, nil
}

func (s *Store) record(ctx context.Context) (*model.TokenRecord, error) {
	var rec model.TokenRecord
	if err := settings.GetJSON(ctx, s.settings, model.SettingsKeyTokens, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// MergeToken folds delta into the stored token and persists the result.
// A refresh token already on record is kept when delta carries none.
func (s *Store) MergeToken(ctx context.Context, delta *oauth2.Token) (*oauth2.Token, error) {
	if delta == nil {
		return nil, fmt.Errorf("nil token")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := *delta
	if merged.RefreshToken == "" {
		existing, err := s.Token(ctx)
		switch {
		case err == nil:
			merged.RefreshToken = existing.RefreshToken
		case !errors.Is(err, ErrNotFound):
			return nil, fmt.Errorf("failed to load existing token: %w", err)
		}
	}

	encrypted, err := s.encryptor.Encrypt(ctx, merged.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
	}
	rec := model.TokenRecord{
		AccessToken:           merged.AccessToken,
		EncryptedRefreshToken: encrypted,
		TokenType:             merged.TokenType,
		Expiry:                merged.Expiry,
		UpdatedAt:             s.now().UTC(),
	}
	if err := settings.PutJSON(ctx, s.settings, model.SettingsKeyTokens, rec); err != nil {
		return nil, fmt.Errorf("failed to save token: %w", err)
	}
	return &merged, nil
}

// InvalidateToken removes the stored token record.
func (s *Store) InvalidateToken(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.settings.Delete(ctx, model.SettingsKeyTokens); err != nil {
		return fmt.Errorf("failed to invalidate token: %w", err)
	}
	return nil
}
