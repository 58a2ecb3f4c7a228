// Package store provides storage backends for BeeWell.
//
// The client keeps its state in a small key-value namespace, mirroring the
// browser's localStorage. Backends are an in-memory map, SQLite (default, one
// file in the state directory) and PostgreSQL.
package store

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
)

// ErrStoreClosed is returned by operations on a closed store.
var ErrStoreClosed = errors.New("store is closed")

// Store is a synchronous string key-value store.
type Store interface {
	// Get returns the value for key; ok is false when the key is absent.
	Get(key string) (value string, ok bool, err error)
	// Set creates or replaces the value for key.
	Set(key, value string) error
	// Remove deletes key; removing an absent key is not an error.
	Remove(key string) error
	// Close releases backend resources.
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string // database connection string or SQLite file path
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DSN types reported by DetectDSNType.
const (
	DSNTypeMemory   = "memory"
	DSNTypePostgres = "postgres"
	DSNTypeSQLite   = "sqlite"
)

// DetectDSNType classifies a DSN as memory, postgres or sqlite.
func DetectDSNType(dsn string) string {
	trimmed := strings.TrimSpace(dsn)
	switch {
	case trimmed == "" || trimmed == DSNTypeMemory || trimmed == ":memory:":
		return DSNTypeMemory
	case strings.HasPrefix(trimmed, "postgres://"), strings.HasPrefix(trimmed, "postgresql://"),
		strings.Contains(trimmed, "host="), strings.Contains(trimmed, "dbname="):
		return DSNTypePostgres
	default:
		return DSNTypeSQLite
	}
}

// Open selects and constructs a backend from the DSN.
func Open(dsn string) (Store, error) {
	switch DetectDSNType(dsn) {
	case DSNTypeMemory:
		slog.Debug("store.Open: using in-memory store")
		return NewInMemoryStore(), nil
	case DSNTypePostgres:
		slog.Debug("store.Open: using PostgreSQL store", "dsn_set", true)
		return NewPostgresStore(WithPostgresDSN(dsn))
	default:
		slog.Debug("store.Open: using SQLite store", "db_path", dsn)
		return NewSQLiteStore(WithSQLiteDSN(dsn))
	}
}

// InMemoryStore is a map-backed Store for tests and ephemeral sessions.
type InMemoryStore struct {
	mu     sync.RWMutex
	data   map[string]string
	closed bool
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{data: make(map[string]string)}
}

func (s *InMemoryStore) Get(key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", false, ErrStoreClosed
	}
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *InMemoryStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.data[key] = value
	return nil
}

func (s *InMemoryStore) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	delete(s.data, key)
	return nil
}

// Keys lists stored keys (for tests).
func (s *InMemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	return keys
}

func (s *InMemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
