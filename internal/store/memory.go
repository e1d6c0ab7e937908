package store

import (
	"context"
	"crypto/subtle"
	"sort"
	"sync"
)

// Memory is an in-process Store. It mirrors the SQLite store's conflict
// semantics and is used by tests and by servers started without a database.
type Memory struct {
	mu    sync.RWMutex
	users map[string]string

	// failInsert, when set, is returned by every Insert.
	failInsert error
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{users: make(map[string]string)}
}

// FailInserts makes every subsequent Insert return err. Passing nil restores
// normal behaviour.
func (m *Memory) FailInserts(err error) {
	m.mu.Lock()
	m.failInsert = err
	m.mu.Unlock()
}

// Exists reports whether username has a record.
func (m *Memory) Exists(_ context.Context, username string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.users[username]
	return ok, nil
}

// Insert creates a record or returns ErrUsernameTaken.
func (m *Memory) Insert(_ context.Context, username, password string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failInsert != nil {
		return m.failInsert
	}
	if _, ok := m.users[username]; ok {
		return ErrUsernameTaken
	}
	m.users[username] = password
	return nil
}

// Authenticate reports whether password matches the record for username.
func (m *Memory) Authenticate(_ context.Context, username, password string) (bool, error) {
	m.mu.RLock()
	stored, ok := m.users[username]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(password)) == 1, nil
}

// Usernames lists every registered username in ascending order.
func (m *Memory) Usernames(_ context.Context) ([]string, error) {
	m.mu.RLock()
	names := make([]string, 0, len(m.users))
	for name := range m.users {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)
	return names, nil
}

// Close is a no-op.
func (m *Memory) Close() error {
	return nil
}
