package credential

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/jun/drivesync/internal/crypto"
	"github.com/jun/drivesync/internal/model"
	"github.com/jun/drivesync/internal/settings"
)

func testStore() (*Store, *settings.Memory) {
	mem := settings.NewMemory()
	return NewStore(mem, crypto.NewMockEncryptor()), mem
}

func TestStore_ProviderSettings(t *testing.T) {
	s, _ := testStore()
	ctx := context.Background()

	if _, err := s.ProviderSettings(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
	if err := s.SaveProviderSettings(ctx, model.ProviderSettings{ClientID: "id"}); err == nil {
		t.Fatal("Expected incomplete settings to be rejected")
	}

	want := model.ProviderSettings{ClientID: "id", ClientSecret: "secret", RedirectURI: "http://localhost/cb"}
	if err := s.SaveProviderSettings(ctx, want); err != nil {
		t.Fatalf("SaveProviderSettings failed: %v", err)
	}
	got, err := s.ProviderSettings(ctx)
	if err != nil {
		t.Fatalf("ProviderSettings failed: %v", err)
	}
	if *got != want {
		t.Errorf("Expected %+v, got %+v", want, *got)
	}
}

func TestStore_MergeTokenPreservesRefreshToken(t *testing.T) {
	s, mem := testStore()
	ctx := context.Background()
	expiry := time.Now().Add(time.Hour).Truncate(time.Second)

	if _, err := s.MergeToken(ctx, &oauth2.Token{AccessToken: "a1", RefreshToken: "r1", Expiry: expiry}); err != nil {
		t.Fatalf("MergeToken failed: %v", err)
	}

	// refresh responses usually omit the refresh token
	merged, err := s.MergeToken(ctx, &oauth2.Token{AccessToken: "a2", Expiry: expiry.Add(time.Hour)})
	if err != nil {
		t.Fatalf("MergeToken failed: %v", err)
	}
	if merged.RefreshToken != "r1" {
		t.Errorf("Expected refresh token r1 to be preserved, got %q", merged.RefreshToken)
	}

	tok, err := s.Token(ctx)
	if err != nil {
		t.Fatalf("Token failed: %v", err)
	}
	if tok.AccessToken != "a2" || tok.RefreshToken != "r1" {
		t.Errorf("Unexpected stored token %+v", tok)
	}

	var rec model.TokenRecord
	if err := settings.GetJSON(ctx, mem, model.SettingsKeyTokens, &rec); err != nil {
		t.Fatal(err)
	}
	if rec.EncryptedRefreshToken != "mock:r1" {
		t.Errorf("Expected encrypted refresh token at rest, got %q", rec.EncryptedRefreshToken)
	}

	// a new refresh token replaces the old one
	merged, _ = s.MergeToken(ctx, &oauth2.Token{AccessToken: "a3", RefreshToken: "r2"})
	if merged.RefreshToken != "r2" {
		t.Errorf("Expected r2, got %q", merged.RefreshToken)
	}
}

func TestStore_InvalidateToken(t *testing.T) {
	s, _ := testStore()
	ctx := context.Background()

	_, _ = s.MergeToken(ctx, &oauth2.Token{AccessToken: "a", RefreshToken: "r"})
	if err := s.InvalidateToken(ctx); err != nil {
		t.Fatalf("InvalidateToken failed: %v", err)
	}
	if _, err := s.Token(ctx); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after invalidation, got %v", err)
	}

	// merging after invalidation must not resurrect the old refresh token
	merged, err := s.MergeToken(ctx, &oauth2.Token{AccessToken: "b"})
	if err != nil {
		t.Fatalf("MergeToken failed: %v", err)
	}
	if merged.RefreshToken != "" {
		t.Errorf("Expected empty refresh token, got %q", merged.RefreshToken)
	}
}
