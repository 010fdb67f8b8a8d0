package adapter

import (
	"context"
	"time"

	"github.com/jun/drivesync/internal/model"
)

// ListOptions filters and pages a file listing.
type ListOptions struct {
	PageSize   int
	PageCursor string
	// ModifiedSince limits results to files modified strictly after it. Zero means no bound.
	ModifiedSince time.Time
	// Query is a provider filter expression ANDed with the modification bound.
	Query string
}

// Page is one listing response. HasMore is true iff NextCursor is non-empty.
type Page struct {
	Files      []model.RawFileRecord
	NextCursor string
	HasMore    bool
}

// FileLister lists files changed on the provider, newest first.
type FileLister interface {
	ListFiles(ctx context.Context, opts ListOptions) (*Page, error)
}

// Provider is a storage provider the sync engine can read from.
// Implementations must only be used with an authenticated session.
type Provider interface {
	FileLister

	// GetFile returns the metadata of a single file.
	GetFile(ctx context.Context, fileID string) (model.RawFileRecord, error)

	// GetFileContent downloads a file. Native documents are exported as exportMime.
	GetFileContent(ctx context.Context, fileID, exportMime string) ([]byte, error)
}
