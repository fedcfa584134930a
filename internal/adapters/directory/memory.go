// Package directory is an in-memory identity directory for local runs and tests.
package directory

import (
	"context"
	"sync"

	"subsidy/internal/domain"
	id "subsidy/pkg/domain"
	"subsidy/pkg/platform/sentinel"
)

type Memory struct {
	mu    sync.RWMutex
	users map[id.UserID]domain.User
}

func NewMemory(users ...domain.User) *Memory {
	m := &Memory{users: make(map[id.UserID]domain.User, len(users))}
	for _, u := range users {
		m.users[u.ID] = u
	}
	return m
}

// Put adds or replaces a user.
func (m *Memory) Put(u domain.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

func (m *Memory) GetUser(_ context.Context, userID id.UserID) (*domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return &u, nil
}

// ExistsWithRole is true only for active users holding role.
func (m *Memory) ExistsWithRole(_ context.Context, userID id.UserID, role domain.Role) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[userID]
	return ok && u.Active && u.Role == role, nil
}
