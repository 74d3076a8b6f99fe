// Package store provides storage backends for MeliBridge.
//
// It persists the marketplace credential pair (settings table) and the
// processed-item ledger that prevents reprocessing across restarts. Backends:
// SQLite (default), PostgreSQL, and an in-memory store for tests.
package store

import (
	"strings"
	"sync"
)

// Store is the durable state surface shared by the credential manager, the
// inbound reconciler, and the outbound relay.
type Store interface {
	// GetSetting returns the value for key, or "" when the key is absent.
	GetSetting(key string) (string, error)

	// SetSetting upserts a settings value.
	SetSetting(key, value string) error

	// IsProcessed reports whether a ledger key has already been marked.
	IsProcessed(key string) (bool, error)

	// MarkProcessed inserts a ledger key. Inserting a duplicate is a no-op,
	// not an error. Entries are never removed.
	MarkProcessed(key string) error

	// Close releases the underlying database resources.
	Close() error
}

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string
}

// Option configures store construction.
type Option func(*Opts)

// WithSQLiteDSN sets a SQLite file path as the store DSN.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets a PostgreSQL connection string as the store DSN.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType classifies a DSN as "postgres" or "sqlite". File paths and
// file: URIs are treated as SQLite; postgres:// URLs and key=value connection
// strings as PostgreSQL.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// InMemoryStore is a non-durable Store used in tests.
type InMemoryStore struct {
	mu        sync.RWMutex
	settings  map[string]string
	processed map[string]struct{}
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		settings:  make(map[string]string),
		processed: make(map[string]struct{}),
	}
}

var _ Store = (*InMemoryStore)(nil)

func (s *InMemoryStore) GetSetting(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings[key], nil
}

func (s *InMemoryStore) SetSetting(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
	return nil
}

func (s *InMemoryStore) IsProcessed(key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.processed[key]
	return ok, nil
}

func (s *InMemoryStore) MarkProcessed(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed[key] = struct{}{}
	return nil
}

func (s *InMemoryStore) Close() error { return nil }
