package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jun/drivesync/internal/model"
)

// Memory is an in-process Store for DEV_MODE and tests.
type Memory struct {
	mu    sync.RWMutex
	files map[string]model.CanonicalFile
	users map[string]model.User // by permission id

	creates int
	updates int
}

func NewMemory() *Memory {
	return &Memory{
		files: make(map[string]model.CanonicalFile),
		users: make(map[string]model.User),
	}
}

// clone deep-copies through JSON so callers cannot alias stored maps.
func clone[T any](v T) (T, error) {
	var out T
	raw, err := json.Marshal(v)
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(raw, &out)
	return out, err
}

func (m *Memory) UpsertFile(_ context.Context, f *model.CanonicalFile) error {
	c, err := clone(*f)
	if err != nil {
		return fmt.Errorf("failed to store file %s: %w", f.ID, err)
	}
	m.mu.Lock()
	m.files[f.ID] = c
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetFile(_ context.Context, id string) (*model.CanonicalFile, error) {
	m.mu.RLock()
	f, ok := m.files[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	c, err := clone(f)
	return &c, err
}

func (m *Memory) FindUserByPermissionID(_ context.Context, permissionID string) (*model.User, error) {
	m.mu.RLock()
	u, ok := m.users[permissionID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (m *Memory) CreateUser(_ context.Context, u *model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.PermissionID]; ok {
		return ErrConflict
	}
	m.users[u.PermissionID] = *u
	m.creates++
	return nil
}

func (m *Memory) UpdateUser(_ context.Context, u *model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.PermissionID]; !ok {
		return ErrNotFound
	}
	m.users[u.PermissionID] = *u
	m.updates++
	return nil
}

// Counts returns the number of files and users plus user create/update calls.
func (m *Memory) Counts() (files, users, creates, updates int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.files), len(m.users), m.creates, m.updates
}
