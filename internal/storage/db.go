package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // Register SQLite driver
	"github.com/sirupsen/logrus"

	"github.com/skymigrate/pds-migrator/internal/secrets"
	"github.com/skymigrate/pds-migrator/pkg/types"
)

var (
	// ErrNotFound is returned when no migration matches the lookup.
	ErrNotFound = errors.New("migration not found")

	// ErrActiveMigrationExists is returned when a non-terminal
	// migration already exists for the identity.
	ErrActiveMigrationExists = errors.New("an active migration already exists for this identity")

	// ErrInvalidTransition is returned when a status change violates
	// the stage graph.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// TokenPair holds one server's encrypted session tokens. AccessExpiresAt
// tracks the short-lived access token's freshness and is distinct from
// the secrets' own retention expiry clocks.
type TokenPair struct {
	Access          secrets.Secret `json:"access"`
	Refresh         secrets.Secret `json:"refresh"`
	AccessExpiresAt time.Time      `json:"access_expires_at"`
}

// SecretSet is the encrypted secret envelope persisted with a
// migration. Each member carries its own expiry clock.
type SecretSet struct {
	NewPassword secrets.Secret `json:"new_password"`
	OldSession  TokenPair      `json:"old_session"`
	NewSession  TokenPair      `json:"new_session"`
	PLCToken    secrets.Secret `json:"plc_token"`
	RecoveryKey secrets.Secret `json:"recovery_key"`
}

// Migration represents a stored migration record
type Migration struct {
	ID           string
	DID          string
	AccessToken  string
	Direction    string
	OldPDSHost   string
	NewPDSHost   string
	OldHandle    string
	NewHandle    string
	Email        string
	Locale       string
	InviteCode   string
	WantedBackup bool

	Status         types.MigrationStatus
	Progress       types.ProgressData
	Secrets        SecretSet
	CurrentJobStep string
	Attempts       int
	LastError      string
	ErrorCode      string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store provides SQLite-based migration persistence
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewStore initializes a new SQLite store
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	store := &Store{db: db}

	if err := store.initSchema(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logrus.WithError(closeErr).Warn("Failed to close database connection after init error")
		}
		return nil, err
	}

	logrus.WithField("db_path", dbPath).Info("Initialized migration database")
	return store, nil
}

// initSchema applies all pending schema migrations
func (s *Store) initSchema() error {
	currentVersion := 0
	row := s.db.QueryRowContext(context.Background(), "SELECT COALESCE(MAX(version), 0) FROM schema_version")
	_ = row.Scan(&currentVersion) // Ignore error - schema_version table may not exist yet

	for _, migration := range Migrations {
		if migration.Version <= currentVersion {
			continue
		}

		logrus.WithField("version", migration.Version).Info("Applying schema migration")

		if _, err := s.db.ExecContext(context.Background(), migration.SQL); err != nil {
			return fmt.Errorf("failed to apply migration v%d: %w", migration.Version, err)
		}

		if _, err := s.db.ExecContext(context.Background(),
			"INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
			migration.Version,
			time.Now().Unix(),
		); err != nil {
			return fmt.Errorf("failed to record migration v%d: %w", migration.Version, err)
		}

		currentVersion = migration.Version
	}

	return nil
}

const migrationColumns = `id, did, access_token, direction, old_pds_host, new_pds_host,
	old_handle, new_handle, email, locale, invite_code, wanted_backup, status, progress_json,
	secrets_json, current_job_step, attempts, last_error, error_code, created_at, updated_at`

// CreateMigration inserts a new migration record, enforcing that at
// most one non-terminal migration exists per identity.
func (s *Store) CreateMigration(ctx context.Context, m *Migration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				logrus.WithError(rollbackErr).Warn("Failed to rollback transaction")
			}
		}
	}()

	var active int
	err = tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM migrations WHERE did = ? AND status NOT IN (?, ?, ?)",
		m.DID,
		string(types.StatusCompleted),
		string(types.StatusFailed),
		string(types.StatusCancelled),
	).Scan(&active)
	if err != nil {
		return fmt.Errorf("failed to check active migrations: %w", err)
	}
	if active > 0 {
		return ErrActiveMigrationExists
	}

	progressJSON, secretsJSON, err := marshalBlobs(m)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO migrations (`+migrationColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.DID, m.AccessToken, m.Direction, m.OldPDSHost, m.NewPDSHost,
		m.OldHandle, m.NewHandle, m.Email, m.Locale, m.InviteCode, m.WantedBackup, string(m.Status),
		progressJSON, secretsJSON, m.CurrentJobStep, m.Attempts, m.LastError, m.ErrorCode,
		m.CreatedAt.Unix(), m.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true

	return nil
}

// GetMigration retrieves a migration by ID
func (s *Store) GetMigration(ctx context.Context, id string) (*Migration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		"SELECT "+migrationColumns+" FROM migrations WHERE id = ?", id)
	return scanMigration(row)
}

// GetByAccessToken retrieves a migration by its public status token
func (s *Store) GetByAccessToken(ctx context.Context, token string) (*Migration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		"SELECT "+migrationColumns+" FROM migrations WHERE access_token = ?", token)
	return scanMigration(row)
}

// Transition moves a migration to a new status, enforcing the stage
// graph. The check runs against the currently stored status inside a
// transaction so concurrent handlers cannot race past it.
func (s *Store) Transition(ctx context.Context, id string, next types.MigrationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				logrus.WithError(rollbackErr).Warn("Failed to rollback transaction")
			}
		}
	}()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM migrations WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read current status: %w", err)
	}

	from := types.MigrationStatus(current)
	if !from.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, next)
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE migrations SET status = ?, attempts = 0, updated_at = ? WHERE id = ?",
		string(next), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true

	return nil
}

// MarkFailed transitions a migration to failed with the classified
// error details. Raw error text is retained alongside the code.
func (s *Store) MarkFailed(ctx context.Context, id, errMsg, errCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx,
		`UPDATE migrations SET status = ?, last_error = ?, error_code = ?, updated_at = ?
		 WHERE id = ? AND status NOT IN (?, ?, ?)`,
		string(types.StatusFailed), errMsg, errCode, time.Now().Unix(), id,
		string(types.StatusCompleted), string(types.StatusFailed), string(types.StatusCancelled))
	if err != nil {
		return fmt.Errorf("failed to mark migration failed: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: migration is already terminal", ErrInvalidTransition)
	}
	return nil
}

// SaveProgress checkpoints the progress map
func (s *Store) SaveProgress(ctx context.Context, id string, progress types.ProgressData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	progressJSON, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("failed to encode progress: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		"UPDATE migrations SET progress_json = ?, updated_at = ? WHERE id = ?",
		string(progressJSON), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to save progress: %w", err)
	}
	return nil
}

// SaveSecrets persists the full secret envelope. Writes are
// last-writer-wins; the refresh protocol tolerates that because a
// racing stale refresh token is rejected server-side.
func (s *Store) SaveSecrets(ctx context.Context, id string, set SecretSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	secretsJSON, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("failed to encode secrets: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		"UPDATE migrations SET secrets_json = ?, updated_at = ? WHERE id = ?",
		string(secretsJSON), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to save secrets: %w", err)
	}
	return nil
}

// UpdateTokenPair rewrites one server role's token pair inside the
// secret envelope, leaving the other role's secrets untouched. The
// read-modify-write runs in a transaction so concurrent rotations for
// different roles cannot clobber each other.
func (s *Store) UpdateTokenPair(ctx context.Context, id string, source bool, pair TokenPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				logrus.WithError(rollbackErr).Warn("Failed to rollback transaction")
			}
		}
	}()

	var secretsJSON sql.NullString
	err = tx.QueryRowContext(ctx, "SELECT secrets_json FROM migrations WHERE id = ?", id).Scan(&secretsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read secrets: %w", err)
	}

	var set SecretSet
	if secretsJSON.String != "" {
		if err := json.Unmarshal([]byte(secretsJSON.String), &set); err != nil {
			return fmt.Errorf("failed to decode secrets: %w", err)
		}
	}
	if source {
		set.OldSession = pair
	} else {
		set.NewSession = pair
	}

	updated, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("failed to encode secrets: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE migrations SET secrets_json = ?, updated_at = ? WHERE id = ?",
		string(updated), time.Now().Unix(), id); err != nil {
		return fmt.Errorf("failed to save secrets: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true

	return nil
}

// SetJobStep records the currently executing step and attempt counter
// for observability.
func (s *Store) SetJobStep(ctx context.Context, id, step string, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"UPDATE migrations SET current_job_step = ?, attempts = ?, updated_at = ? WHERE id = ?",
		step, attempts, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to set job step: %w", err)
	}
	return nil
}

// SetLastError records a retryable error without changing status.
func (s *Store) SetLastError(ctx context.Context, id, errMsg, errCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"UPDATE migrations SET last_error = ?, error_code = ?, updated_at = ? WHERE id = ?",
		errMsg, errCode, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to record error: %w", err)
	}
	return nil
}

// CountByStatuses returns how many migrations sit in any of the given
// statuses. Used by the admission controller.
func (s *Store) CountByStatuses(ctx context.Context, statuses ...types.MigrationStatus) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(statuses) == 0 {
		return 0, nil
	}

	query := "SELECT COUNT(*) FROM migrations WHERE status IN (?" + repeatPlaceholder(len(statuses)-1) + ")"
	args := make([]interface{}, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count migrations: %w", err)
	}
	return count, nil
}

// ListNonTerminal returns all migrations that still need work, for the
// startup resume scan.
func (s *Store) ListNonTerminal(ctx context.Context) ([]*Migration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+migrationColumns+" FROM migrations WHERE status NOT IN (?, ?, ?) ORDER BY created_at",
		string(types.StatusCompleted), string(types.StatusFailed), string(types.StatusCancelled))
	if err != nil {
		return nil, fmt.Errorf("failed to query migrations: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			logrus.WithError(closeErr).Warn("Failed to close database rows")
		}
	}()

	var records []*Migration
	for rows.Next() {
		m, err := scanMigration(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating migrations: %w", err)
	}
	return records, nil
}

// DeleteOldMigrations removes terminal records past the grace period.
// Non-terminal records are never deleted: a migration that entered the
// identity-directory stage keeps its record until a terminal outcome
// is recorded.
func (s *Store) DeleteOldMigrations(ctx context.Context, olderThan time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan).Unix()
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM migrations WHERE status IN (?, ?, ?) AND updated_at < ?",
		string(types.StatusCompleted), string(types.StatusFailed), string(types.StatusCancelled), cutoff)
	if err != nil {
		return fmt.Errorf("failed to delete old migrations: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if deleted > 0 {
		logrus.WithField("deleted_count", deleted).Debug("Cleaned up old migration records")
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}
	return nil
}

// Helper functions

func marshalBlobs(m *Migration) (string, string, error) {
	progressJSON, err := json.Marshal(m.Progress)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode progress: %w", err)
	}
	secretsJSON, err := json.Marshal(m.Secrets)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode secrets: %w", err)
	}
	return string(progressJSON), string(secretsJSON), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMigration(row rowScanner) (*Migration, error) {
	m := &Migration{}
	var status, progressJSON, secretsJSON string
	var locale, inviteCode, jobStep, lastError, errorCode sql.NullString
	var createdAtUnix, updatedAtUnix int64

	err := row.Scan(
		&m.ID, &m.DID, &m.AccessToken, &m.Direction, &m.OldPDSHost, &m.NewPDSHost,
		&m.OldHandle, &m.NewHandle, &m.Email, &locale, &inviteCode, &m.WantedBackup, &status,
		&progressJSON, &secretsJSON, &jobStep, &m.Attempts, &lastError, &errorCode,
		&createdAtUnix, &updatedAtUnix,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan migration: %w", err)
	}

	m.Status = types.MigrationStatus(status)
	m.Locale = locale.String
	m.InviteCode = inviteCode.String
	m.CurrentJobStep = jobStep.String
	m.LastError = lastError.String
	m.ErrorCode = errorCode.String
	m.CreatedAt = time.Unix(createdAtUnix, 0)
	m.UpdatedAt = time.Unix(updatedAtUnix, 0)

	if progressJSON != "" {
		if err := json.Unmarshal([]byte(progressJSON), &m.Progress); err != nil {
			return nil, fmt.Errorf("failed to decode progress: %w", err)
		}
	}
	if secretsJSON != "" {
		if err := json.Unmarshal([]byte(secretsJSON), &m.Secrets); err != nil {
			return nil, fmt.Errorf("failed to decode secrets: %w", err)
		}
	}
	return m, nil
}

func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}
