package session

import (
	"context"
	"errors"

	"github.com/jun/drivesync/internal/model"
)

// ErrLockHeld is returned when another holder owns an unexpired lease.
var ErrLockHeld = errors.New("lease is held by another holder")

// ErrNotHolder is returned when renewing or releasing a lease owned by someone else.
var ErrNotHolder = errors.New("lease not found or not owned by holder")

// Locker hands out named, time-bounded leases. Replicas use them so only
// one of them sweeps the provider at a time.
type Locker interface {
	// AcquireLock claims name for holder. It succeeds when the lease is free,
	// expired, or already owned by holder.
	AcquireLock(ctx context.Context, name, holder string) (*model.SyncLease, error)

	// Heartbeat extends the lease if holder owns it.
	Heartbeat(ctx context.Context, name, holder string) (*model.SyncLease, error)

	// ReleaseLock removes the lease if holder owns it.
	ReleaseLock(ctx context.Context, name, holder string) error

	// GetLockStatus returns the live lease, or nil when none is held.
	GetLockStatus(ctx context.Context, name string) (*model.SyncLease, error)
}
