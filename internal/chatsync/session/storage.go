package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bdobrica/chatsync/internal/chatsync/store"
)

// ErrNotFound is returned by Storage.Get when the key does not exist.
var ErrNotFound = errors.New("session: key not found")

// Storage is the durable key/value area the session is persisted into, the
// equivalent of a browser's localStorage.
type Storage interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Set creates or overwrites key.
	Set(ctx context.Context, key, value string) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// sqliteStorage keeps the keys in the local_storage table.
type sqliteStorage struct {
	db *store.Store
}

// NewSQLiteStorage returns a Storage backed by the chatsync database. The
// local_storage migration is applied by store.New.
func NewSQLiteStorage(db *store.Store) Storage {
	return &sqliteStorage{db: db}
}

func (s *sqliteStorage) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.DB().QueryRowContext(ctx,
		`SELECT value FROM local_storage WHERE key = ?`, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("session storage: get %q: %w", key, err)
	}
	return value, nil
}

func (s *sqliteStorage) Set(ctx context.Context, key, value string) error {
	_, err := s.db.DB().ExecContext(ctx, `
		INSERT INTO local_storage (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("session storage: set %q: %w", key, err)
	}
	return nil
}

func (s *sqliteStorage) Delete(ctx context.Context, key string) error {
	if _, err := s.db.DB().ExecContext(ctx, `DELETE FROM local_storage WHERE key = ?`, key); err != nil {
		return fmt.Errorf("session storage: delete %q: %w", key, err)
	}
	return nil
}

// MemoryStorage is a process-local Storage. It is safe for concurrent use.
type MemoryStorage struct {
	mu   sync.Mutex
	data map[string]string
}

// NewMemoryStorage returns an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{data: make(map[string]string)}
}

func (m *MemoryStorage) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *MemoryStorage) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *MemoryStorage) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}
