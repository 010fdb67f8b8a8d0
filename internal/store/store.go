// Package store persists canonical files and their owners.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/jun/drivesync/internal/metrics"
	"github.com/jun/drivesync/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned by CreateUser when the permission id is taken.
	ErrConflict = errors.New("record already exists")
)

// Store is the canonical store written by the sync pipeline. Every write is
// a single-row idempotent operation.
type Store interface {
	// UpsertFile inserts or fully replaces the file with f.ID.
	UpsertFile(ctx context.Context, f *model.CanonicalFile) error
	GetFile(ctx context.Context, id string) (*model.CanonicalFile, error)

	FindUserByPermissionID(ctx context.Context, permissionID string) (*model.User, error)
	// CreateUser fails with ErrConflict if the permission id already exists.
	CreateUser(ctx context.Context, u *model.User) error
	// UpdateUser replaces the mutable profile fields of an existing user.
	UpdateUser(ctx context.Context, u *model.User) error
}

func observeDB(backend, operation string) func() {
	start := time.Now()
	return func() {
		metrics.ObserveStoreLatency(backend, operation, start)
	}
}
