package capability

import (
	"context"
	"sync"

	"github.com/teranos/cachet/cache"
	"github.com/teranos/cachet/errors"
)

var _ Store = (*Memory)(nil)

// Memory keeps grants in process memory
type Memory struct {
	mu     sync.RWMutex
	grants map[string]Set
	access map[string]map[string][]cache.Key
}

// NewMemory creates an empty store
func NewMemory() *Memory {
	return &Memory{
		grants: make(map[string]Set),
		access: make(map[string]map[string][]cache.Key),
	}
}

func (m *Memory) Grant(_ context.Context, session string, keys ...cache.Key) error {
	if err := checkSession(session); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.grants[session]
	if !ok {
		s = make(Set)
		m.grants[session] = s
	}
	s.Add(keys...)
	return nil
}

func (m *Memory) Revoke(_ context.Context, session string, key cache.Key) error {
	if err := checkSession(session); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.grants[session], key)
	return nil
}

func (m *Memory) Has(_ context.Context, session string, key cache.Key) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.grants[session].Contains(key), nil
}

func (m *Memory) List(_ context.Context, session string) ([]cache.Key, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.grants[session].Keys(), nil
}

func (m *Memory) RecordAccess(_ context.Context, session, stateID string, keys []cache.Key) error {
	if err := checkSession(session); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.access[session] == nil {
		m.access[session] = make(map[string][]cache.Key)
	}
	m.access[session][stateID] = append([]cache.Key(nil), keys...)
	return nil
}

func (m *Memory) Access(_ context.Context, session, stateID string) ([]cache.Key, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys, ok := m.access[session][stateID]
	if !ok {
		return nil, errors.NewNotFoundError("session %s has not requested access to state %s", session, stateID)
	}
	return append([]cache.Key(nil), keys...), nil
}
