// Package creds owns the process-wide marketplace credential pair.
//
// The pair is held in a single-writer cell: only the token-refresh path in the
// meli client replaces it. Every replacement is persisted to the store before
// the in-memory copy is swapped, so persisted and in-memory state never
// diverge across a refresh.
package creds

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/BTreeMap/MeliBridge/internal/models"
	"github.com/BTreeMap/MeliBridge/internal/store"
)

// Settings keys under which the credential pair is persisted.
const (
	SettingAccessToken  = "meli_access_token"
	SettingRefreshToken = "meli_refresh_token"
)

// Manager is the single-writer credential cell. Readers take a snapshot via
// Current; Replace is only called by the token-refresh interceptor.
type Manager struct {
	st store.Store

	mu   sync.RWMutex
	pair models.TokenPair
}

// NewManager loads the persisted credential pair, bootstrapping from the seed
// values on first run. A persisted value is never overwritten by an empty
// seed; a non-empty seed is persisted only when nothing is stored yet.
func NewManager(st store.Store, seed models.TokenPair) (*Manager, error) {
	m := &Manager{st: st}

	access, err := loadOrSeed(st, SettingAccessToken, seed.AccessToken)
	if err != nil {
		return nil, err
	}
	refresh, err := loadOrSeed(st, SettingRefreshToken, seed.RefreshToken)
	if err != nil {
		return nil, err
	}

	m.pair = models.TokenPair{AccessToken: access, RefreshToken: refresh}
	slog.Debug("creds.NewManager: credential pair loaded",
		"access_token_set", access != "", "refresh_token_set", refresh != "")
	return m, nil
}

func loadOrSeed(st store.Store, key, seed string) (string, error) {
	value, err := st.GetSetting(key)
	if err != nil {
		return "", fmt.Errorf("failed to load %s: %w", key, err)
	}
	if value != "" {
		return value, nil
	}
	if seed == "" {
		return "", nil
	}
	slog.Info("creds: bootstrapping setting from seed value", "key", key)
	if err := st.SetSetting(key, seed); err != nil {
		return "", fmt.Errorf("failed to bootstrap %s: %w", key, err)
	}
	return seed, nil
}

// Current returns a snapshot of the credential pair.
func (m *Manager) Current() models.TokenPair {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pair
}

// Replace persists the new pair and then swaps the in-memory copy. On a
// persistence failure the in-memory pair is left untouched and the error is
// returned, so a crash after persistence never loses a valid refresh token.
func (m *Manager) Replace(pair models.TokenPair) error {
	if err := m.st.SetSetting(SettingAccessToken, pair.AccessToken); err != nil {
		slog.Error("creds.Replace: failed to persist access token", "error", err)
		return fmt.Errorf("failed to persist access token: %w", err)
	}
	if err := m.st.SetSetting(SettingRefreshToken, pair.RefreshToken); err != nil {
		slog.Error("creds.Replace: failed to persist refresh token", "error", err)
		return fmt.Errorf("failed to persist refresh token: %w", err)
	}

	m.mu.Lock()
	m.pair = pair
	m.mu.Unlock()

	slog.Info("creds.Replace: credential pair rotated")
	return nil
}
