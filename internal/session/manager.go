// Package session manages the per-(migration, server) credential
// lifecycle: a decrypted in-memory projection of the stored token pair,
// refreshed ahead of expiry and written back through a persistence
// callback before any caller proceeds.
package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/skymigrate/pds-migrator/internal/pds"
	"github.com/skymigrate/pds-migrator/internal/secrets"
	"github.com/skymigrate/pds-migrator/internal/storage"
)

// Role identifies which server's credentials a manager handles.
type Role string

const (
	RoleSource      Role = "source"
	RoleDestination Role = "destination"
)

// ErrNoCredentials is returned when no refresh token is available and a
// fresh session cannot be established without re-authentication.
var ErrNoCredentials = errors.New("no session credentials available, re-authentication required")

// defaultAccessLifetime is assumed when a token's expiry claim cannot
// be read. Short enough that a stale guess only costs one refresh.
const defaultAccessLifetime = 30 * time.Minute

// sessionRetention is how long rotated session secrets stay readable
// at rest before their expiry clock clears them.
const sessionRetention = 14 * 24 * time.Hour

// Refresher performs the refresh-token exchange. Implemented by
// *pds.Client.
type Refresher interface {
	RefreshSession(ctx context.Context, refreshJwt string) (*pds.Session, error)
}

// Persister writes a rotated token pair back to the durable migration
// record. It is invoked synchronously after every refresh, before
// EnsureFresh returns, so a later handler in another process observes
// the rotated tokens.
type Persister interface {
	PersistTokens(ctx context.Context, migrationID string, role Role, pair storage.TokenPair) error
}

// Manager owns the live session tokens for one (migration, server role)
// pair.
type Manager struct {
	migrationID string
	role        Role
	refresher   Refresher
	cipher      *secrets.Cipher
	persist     Persister
	buffer      time.Duration

	mu              sync.Mutex
	access          string
	refresh         string
	accessExpiresAt time.Time
}

// NewManager rehydrates a manager from the stored token pair. Expired
// secrets decrypt to empty, which EnsureFresh treats as absent.
func NewManager(migrationID string, role Role, pair storage.TokenPair, cipher *secrets.Cipher, refresher Refresher, persist Persister, buffer time.Duration) (*Manager, error) {
	access, err := cipher.Open(pair.Access)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt access token: %w", err)
	}
	refresh, err := cipher.Open(pair.Refresh)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}

	return &Manager{
		migrationID:     migrationID,
		role:            role,
		refresher:       refresher,
		cipher:          cipher,
		persist:         persist,
		buffer:          buffer,
		access:          access,
		refresh:         refresh,
		accessExpiresAt: pair.AccessExpiresAt,
	}, nil
}

// GetAccessToken returns the cached access token without refreshing.
func (m *Manager) GetAccessToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.access
}

// GetRefreshToken returns the cached refresh token.
func (m *Manager) GetRefreshToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refresh
}

// SetTokens installs a freshly obtained token pair (initial login or
// account creation) and persists it before returning.
func (m *Manager) SetTokens(ctx context.Context, access, refresh string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.install(ctx, access, refresh)
}

// EnsureFresh guarantees the cached access token is valid for at least
// the safety buffer, performing a refresh-token exchange when it is
// not. The rotated pair is persisted before EnsureFresh returns.
func (m *Manager) EnsureFresh(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.access != "" && time.Now().Add(m.buffer).Before(m.accessExpiresAt) {
		return nil
	}
	if m.refresh == "" {
		return ErrNoCredentials
	}

	session, err := m.refresher.RefreshSession(ctx, m.refresh)
	if err != nil {
		// A racing refresh elsewhere may have consumed this refresh
		// token; the server rejects the stale exchange and the caller
		// retries with the persisted rotated pair.
		return fmt.Errorf("session refresh failed: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"migration_id": m.migrationID,
		"role":         m.role,
	}).Debug("Rotated session tokens")

	return m.install(ctx, session.AccessJwt, session.RefreshJwt)
}

// install swaps both tokens atomically and persists them. Callers hold
// m.mu.
func (m *Manager) install(ctx context.Context, access, refresh string) error {
	expiresAt := accessTokenExpiry(access)

	pair, err := m.seal(access, refresh, expiresAt)
	if err != nil {
		return err
	}
	if err := m.persist.PersistTokens(ctx, m.migrationID, m.role, pair); err != nil {
		return fmt.Errorf("failed to persist rotated tokens: %w", err)
	}

	m.access = access
	m.refresh = refresh
	m.accessExpiresAt = expiresAt
	return nil
}

func (m *Manager) seal(access, refresh string, expiresAt time.Time) (storage.TokenPair, error) {
	sealedAccess, err := m.cipher.Seal(access, sessionRetention)
	if err != nil {
		return storage.TokenPair{}, fmt.Errorf("failed to encrypt access token: %w", err)
	}
	sealedRefresh, err := m.cipher.Seal(refresh, sessionRetention)
	if err != nil {
		return storage.TokenPair{}, fmt.Errorf("failed to encrypt refresh token: %w", err)
	}
	return storage.TokenPair{
		Access:          sealedAccess,
		Refresh:         sealedRefresh,
		AccessExpiresAt: expiresAt,
	}, nil
}

// AccessToken implements pds.TokenSource: it refreshes when needed and
// returns a token valid for at least the safety buffer.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	if err := m.EnsureFresh(ctx); err != nil {
		return "", err
	}
	return m.GetAccessToken(), nil
}

// accessTokenExpiry reads the exp claim from a JWT without verifying
// it. The token is opaque to us otherwise; when the claim cannot be
// read a conservative default lifetime is assumed.
func accessTokenExpiry(token string) time.Time {
	parts := strings.Split(token, ".")
	if len(parts) == 3 {
		payload, err := base64.RawURLEncoding.DecodeString(parts[1])
		if err == nil {
			var claims struct {
				Exp int64 `json:"exp"`
			}
			if json.Unmarshal(payload, &claims) == nil && claims.Exp > 0 {
				return time.Unix(claims.Exp, 0)
			}
		}
	}
	return time.Now().Add(defaultAccessLifetime)
}
