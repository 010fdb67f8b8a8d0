package session

import (
	"context"
	"sync"
	"time"

	"github.com/jun/drivesync/internal/model"
)

// MemoryLocker implements Locker in process, for DEV_MODE and tests.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]*model.SyncLease
	ttl    time.Duration
	now    func() time.Time
}

// NewMemoryLocker creates a MemoryLocker. A ttl of zero uses DefaultTTL.
func NewMemoryLocker(ttl time.Duration) *MemoryLocker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryLocker{leases: make(map[string]*model.SyncLease), ttl: ttl, now: time.Now}
}

func (m *MemoryLocker) expiry() int64 {
	return m.now().Add(m.ttl).Unix()
}

func (m *MemoryLocker) AcquireLock(_ context.Context, name, holder string) (*model.SyncLease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.leases[name]; ok {
		if existing.ExpiresAt > m.now().Unix() && existing.Holder != holder {
			return nil, ErrLockHeld
		}
	}
	lease := &model.SyncLease{Name: name, Holder: holder, ExpiresAt: m.expiry()}
	m.leases[name] = lease
	c := *lease
	return &c, nil
}

func (m *MemoryLocker) Heartbeat(_ context.Context, name, holder string) (*model.SyncLease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.leases[name]
	if !ok || existing.Holder != holder {
		return nil, ErrNotHolder
	}
	existing.ExpiresAt = m.expiry()
	c := *existing
	return &c, nil
}

func (m *MemoryLocker) ReleaseLock(_ context.Context, name, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.leases[name]
	if !ok || existing.Holder != holder {
		return ErrNotHolder
	}
	delete(m.leases, name)
	return nil
}

func (m *MemoryLocker) GetLockStatus(_ context.Context, name string) (*model.SyncLease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.leases[name]
	if !ok || existing.ExpiresAt < m.now().Unix() {
		return nil, nil
	}
	c := *existing
	return &c, nil
}
