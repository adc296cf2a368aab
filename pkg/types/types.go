package types

import "time"

// MigrationRequest represents a request to start an account migration
type MigrationRequest struct {
	DID          string `json:"did" binding:"required"`
	Direction    string `json:"direction" binding:"required,oneof=outbound inbound"`
	OldPDSHost   string `json:"old_pds_host" binding:"required"`
	NewPDSHost   string `json:"new_pds_host" binding:"required"`
	OldHandle    string `json:"old_handle" binding:"required"`
	NewHandle    string `json:"new_handle" binding:"required"`
	OldPassword  string `json:"old_password" binding:"required"`
	Email        string `json:"email" binding:"required,email"`
	Locale       string `json:"locale,omitempty"`
	InviteCode   string `json:"invite_code,omitempty"`
	WantedBackup bool   `json:"wanted_backup,omitempty"`

	// AuthFactorToken carries the one-time second-factor code when the
	// source server demanded one on a previous submission attempt.
	AuthFactorToken string `json:"auth_factor_token,omitempty"`
}

// MigrationResponse represents the response to a migration request
type MigrationResponse struct {
	ID          string `json:"id"`
	AccessToken string `json:"access_token"`
	Status      string `json:"status"`
}

// MigrationStatus represents the stage a migration is currently in
type MigrationStatus string

const (
	StatusPendingDownload   MigrationStatus = "pending_download"
	StatusPendingBackup     MigrationStatus = "pending_backup"
	StatusBackupReady       MigrationStatus = "backup_ready"
	StatusPendingAccount    MigrationStatus = "pending_account"
	StatusAccountCreated    MigrationStatus = "account_created"
	StatusPendingRepo       MigrationStatus = "pending_repo"
	StatusPendingBlobs      MigrationStatus = "pending_blobs"
	StatusPendingPrefs      MigrationStatus = "pending_prefs"
	StatusPendingPLC        MigrationStatus = "pending_plc"
	StatusPendingActivation MigrationStatus = "pending_activation"
	StatusCompleted         MigrationStatus = "completed"
	StatusFailed            MigrationStatus = "failed"
	StatusCancelled         MigrationStatus = "cancelled"
)

// statusOrder assigns each status its position in the fixed stage graph.
// failed and cancelled are deliberately absent: they have no position.
var statusOrder = map[MigrationStatus]int{
	StatusPendingDownload:   0,
	StatusPendingBackup:     1,
	StatusBackupReady:       2,
	StatusPendingAccount:    3,
	StatusAccountCreated:    4,
	StatusPendingRepo:       5,
	StatusPendingBlobs:      6,
	StatusPendingPrefs:      7,
	StatusPendingPLC:        8,
	StatusPendingActivation: 9,
	StatusCompleted:         10,
}

// Ordinal returns the status position in the stage graph, or -1 for
// failed/cancelled/unknown statuses.
func (s MigrationStatus) Ordinal() int {
	if ord, ok := statusOrder[s]; ok {
		return ord
	}
	return -1
}

// Terminal reports whether the status is a terminal outcome.
func (s MigrationStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Before reports whether s comes strictly before other in the stage graph.
// Terminal and unknown statuses are never before anything.
func (s MigrationStatus) Before(other MigrationStatus) bool {
	a, b := s.Ordinal(), other.Ordinal()
	return a >= 0 && b >= 0 && a < b
}

// CanTransitionTo reports whether the stage graph permits moving from s
// to next. Forward moves only; failed is reachable from any non-terminal
// status; cancelled only from statuses strictly before the
// identity-directory stage.
func (s MigrationStatus) CanTransitionTo(next MigrationStatus) bool {
	if s.Terminal() {
		return false
	}
	switch next {
	case StatusFailed:
		return true
	case StatusCancelled:
		return s.Before(StatusPendingPLC)
	default:
		return s.Before(next)
	}
}

// Cancellable reports whether a migration in this status may still be
// cancelled by the user.
func (s MigrationStatus) Cancellable() bool {
	return s.CanTransitionTo(StatusCancelled)
}

// HeavyIO reports whether the status corresponds to a bulk-transfer
// stage subject to admission control.
func (s MigrationStatus) HeavyIO() bool {
	return s == StatusPendingDownload || s == StatusPendingBlobs
}

// BlobProgress tracks transfer progress for a single blob
type BlobProgress struct {
	ID               string    `json:"id"`
	TotalSize        int64     `json:"total_size"`
	BytesTransferred int64     `json:"bytes_transferred"`
	LastUpdate       time.Time `json:"last_update"`
}

// ReconciliationStats records the outcome of the post-transfer
// reconciliation pass
type ReconciliationStats struct {
	ExpectedBlobs int      `json:"expected_blobs"`
	ImportedBlobs int      `json:"imported_blobs"`
	Refetched     []string `json:"refetched,omitempty"`
	StillMissing  []string `json:"still_missing,omitempty"`
	Error         string   `json:"error,omitempty"`
}

// ProgressData is the free-form per-stage progress map persisted with a
// migration record
type ProgressData struct {
	TotalBlobs       int                     `json:"total_blobs,omitempty"`
	CompletedBlobs   int                     `json:"completed_blobs,omitempty"`
	BytesTransferred int64                   `json:"bytes_transferred,omitempty"`
	Blobs            map[string]BlobProgress `json:"blobs,omitempty"`
	FailedBlobs      []string                `json:"failed_blobs,omitempty"`
	Reconciliation   *ReconciliationStats    `json:"reconciliation,omitempty"`
	RepoBytes        int64                   `json:"repo_bytes,omitempty"`
	BackupObject     string                  `json:"backup_object,omitempty"`
	RecoveryKeySaved bool                    `json:"recovery_key_saved,omitempty"`
	PLCRequested     bool                    `json:"plc_requested,omitempty"`
	PLCSubmitted     bool                    `json:"plc_submitted,omitempty"`
}

// FailureAdvisory is the user-facing classification of a failure
type FailureAdvisory struct {
	Kind      string   `json:"kind"`
	Severity  string   `json:"severity"`
	Title     string   `json:"title"`
	Actions   []string `json:"actions,omitempty"`
	Retryable bool     `json:"retryable"`
}

// StatusResponse represents the response to a status query
type StatusResponse struct {
	ID             string           `json:"id"`
	DID            string           `json:"did"`
	Status         MigrationStatus  `json:"status"`
	CurrentJobStep string           `json:"current_job_step,omitempty"`
	Attempts       int              `json:"attempts"`
	Progress       *ProgressData    `json:"progress,omitempty"`
	Error          string           `json:"error,omitempty"`
	ErrorCode      string           `json:"error_code,omitempty"`
	Advisory       *FailureAdvisory `json:"advisory,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code,omitempty"`
}

// HealthResponse represents a health check response
type HealthResponse struct {
	Status           string    `json:"status"`
	Timestamp        time.Time `json:"timestamp"`
	Version          string    `json:"version"`
	ActiveMigrations int       `json:"active_migrations"`
}
