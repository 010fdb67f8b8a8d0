package model

import (
	"net/http"
	"time"
)

// Settings keys used in the settings store.
const (
	SettingsKeyGoogle    = "google"
	SettingsKeyTokens    = "google_tokens"
	SettingsKeyWatermark = "sync_watermark"
)

// ProviderSettings holds the OAuth client registration for the storage provider.
type ProviderSettings struct {
	ClientID     string `json:"client_id" dynamodbav:"client_id"`
	ClientSecret string `json:"client_secret" dynamodbav:"client_secret"`
	RedirectURI  string `json:"redirect_uri" dynamodbav:"redirect_uri"`
}

// Complete reports whether the settings are usable to build an OAuth client.
func (p ProviderSettings) Complete() bool {
	return p.ClientID != "" && p.ClientSecret != "" && p.RedirectURI != ""
}

// TokenRecord is the persisted OAuth token. RefreshToken is stored encrypted.
type TokenRecord struct {
	AccessToken           string    `json:"access_token"`
	EncryptedRefreshToken string    `json:"encrypted_refresh_token,omitempty"`
	TokenType             string    `json:"token_type,omitempty"`
	Expiry                time.Time `json:"expiry"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// Watermark is the last successfully synced modification time.
type Watermark struct {
	ModifiedTime time.Time `json:"modified_time"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Session is the in-memory view of the current authentication.
type Session struct {
	Authenticated bool
	Client        *http.Client
}

// RawFileRecord is the untrusted provider representation of a file.
type RawFileRecord map[string]any

// ID returns the record id when it is a non-empty string.
func (r RawFileRecord) ID() (string, bool) {
	id, ok := r["id"].(string)
	return id, ok && id != ""
}

// SyncStatus is the outcome of the last sync attempt for a file.
type SyncStatus string

const (
	SyncStatusSuccess SyncStatus = "success"
	SyncStatusError   SyncStatus = "error"
)

// ErrorLog records why a file could not be synced.
type ErrorLog struct {
	Error     string    `json:"error" dynamodbav:"error"`
	Timestamp time.Time `json:"timestamp" dynamodbav:"timestamp"`
	Details   string    `json:"details,omitempty" dynamodbav:"details,omitempty"`
}

// CanonicalFile is the sanitized, durable file record.
type CanonicalFile struct {
	ID                string         `json:"id" dynamodbav:"id"`
	Name              string         `json:"name" dynamodbav:"name"`
	MimeType          string         `json:"mimeType" dynamodbav:"mime_type"`
	IconLink          *string        `json:"iconLink,omitempty" dynamodbav:"icon_link,omitempty"`
	WebViewLink       *string        `json:"webViewLink,omitempty" dynamodbav:"web_view_link,omitempty"`
	Size              *string        `json:"size,omitempty" dynamodbav:"size,omitempty"`
	Shared            bool           `json:"shared" dynamodbav:"shared"`
	Trashed           bool           `json:"trashed" dynamodbav:"trashed"`
	CreatedTime       *time.Time     `json:"createdTime,omitempty" dynamodbav:"created_time,omitempty"`
	ModifiedTime      *time.Time     `json:"modifiedTime,omitempty" dynamodbav:"modified_time,omitempty"`
	Version           *string        `json:"version,omitempty" dynamodbav:"version,omitempty"`
	OwnerUserID       *string        `json:"ownerUserId,omitempty" dynamodbav:"owner_user_id,omitempty"`
	LastModifyingUser map[string]any `json:"lastModifyingUser,omitempty" dynamodbav:"last_modifying_user,omitempty"`
	Permissions       []any          `json:"permissions" dynamodbav:"permissions"`
	Capabilities      map[string]any `json:"capabilities,omitempty" dynamodbav:"capabilities,omitempty"`
	Metadata          map[string]any `json:"metadata" dynamodbav:"metadata"`
	SyncStatus        SyncStatus     `json:"syncStatus" dynamodbav:"sync_status"`
	LastSyncAttempt   time.Time      `json:"lastSyncAttempt" dynamodbav:"last_sync_attempt"`
	ErrorLog          *ErrorLog      `json:"errorLog,omitempty" dynamodbav:"error_log,omitempty"`
}

// User is a file owner keyed by the provider permission id.
type User struct {
	ID           string    `json:"id" dynamodbav:"id"`
	PermissionID string    `json:"permissionId" dynamodbav:"permission_id"`
	Email        string    `json:"email" dynamodbav:"email"`
	DisplayName  *string   `json:"displayName,omitempty" dynamodbav:"display_name,omitempty"`
	PhotoLink    *string   `json:"photoLink,omitempty" dynamodbav:"photo_link,omitempty"`
	CreatedAt    time.Time `json:"createdAt" dynamodbav:"created_at"`
	UpdatedAt    time.Time `json:"updatedAt" dynamodbav:"updated_at"`
}

// SyncJob is one page of discovered files awaiting processing.
type SyncJob struct {
	BatchID    string
	Records    []RawFileRecord
	EnqueuedAt time.Time

	// OnComplete is called by the queue once the batch has been processed.
	OnComplete func(BatchResult)
}

// ItemError identifies a file that failed during a batch.
type ItemError struct {
	FileID string `json:"fileId"`
	Error  string `json:"error"`
}

// BatchResult summarizes a processed batch.
type BatchResult struct {
	BatchID        string      `json:"batchId"`
	Success        int         `json:"success"`
	Failed         int         `json:"failed"`
	Errors         []ItemError `json:"errors"`
	UsersProcessed int         `json:"usersProcessed"`
	StartedAt      time.Time   `json:"startedAt"`
	FinishedAt     time.Time   `json:"finishedAt"`
}

// SyncLease is a time-bounded claim on running a sweep.
type SyncLease struct {
	Name      string `json:"name" dynamodbav:"name"`
	Holder    string `json:"holder" dynamodbav:"holder"`
	ExpiresAt int64  `json:"expires_at" dynamodbav:"expires_at"` // TTL (Unix timestamp)
}
