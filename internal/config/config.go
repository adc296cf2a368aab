// Package config loads all service configuration once at startup into
// an immutable struct that is passed down explicitly.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all tunables for the migration service. Constructed once
// by Load and never mutated afterwards.
type Config struct {
	Host   string
	Port   string
	DBPath string

	// SecretsKey is the master key material for encrypting secrets at
	// rest. Required.
	SecretsKey string

	// APITokensFile points at a newline-separated list of accepted
	// admin API bearer tokens. Optional: when empty, the admin surface
	// is open (development only).
	APITokensFile string

	// Blob transfer engine.
	BlobWorkers     int
	BlobRetries     int
	CheckpointEvery int
	ScratchDir      string

	// Protocol client.
	RequestRetries int

	// Stage orchestrator.
	StageAttempts    int
	StageRetryDelay  time.Duration
	AdmissionDelay   time.Duration
	AdmissionCeiling int

	// Session manager refresh safety buffer.
	TokenRefreshBuffer time.Duration

	// Optional local-backup object store. Backups are disabled when
	// BackupEndpoint is empty.
	BackupEndpoint  string
	BackupBucket    string
	BackupAccessKey string
	BackupSecretKey string

	// NotifyWebhookURL receives recovery-key delivery requests for the
	// external mail pipeline. Optional: when empty, keys are stored but
	// not delivered.
	NotifyWebhookURL string
}

// Load reads configuration from the environment and applies defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Host:               envOr("HOST", "0.0.0.0"),
		Port:               envOr("PORT", "8080"),
		DBPath:             envOr("DB_PATH", "migrator.db"),
		SecretsKey:         os.Getenv("SECRETS_KEY"),
		APITokensFile:      os.Getenv("API_TOKENS_FILE"),
		ScratchDir:         envOr("SCRATCH_DIR", os.TempDir()),
		BlobWorkers:        envIntOr("BLOB_WORKERS", 5),
		BlobRetries:        envIntOr("BLOB_RETRIES", 3),
		CheckpointEvery:    envIntOr("CHECKPOINT_EVERY", 10),
		RequestRetries:     envIntOr("REQUEST_RETRIES", 4),
		StageAttempts:      envIntOr("STAGE_ATTEMPTS", 5),
		StageRetryDelay:    envDurationOr("STAGE_RETRY_DELAY", 30*time.Second),
		AdmissionDelay:     envDurationOr("ADMISSION_DELAY", 15*time.Second),
		AdmissionCeiling:   envIntOr("ADMISSION_CEILING", 4),
		TokenRefreshBuffer: envDurationOr("TOKEN_REFRESH_BUFFER", 30*time.Second),
		BackupEndpoint:     os.Getenv("BACKUP_ENDPOINT"),
		BackupBucket:       envOr("BACKUP_BUCKET", "pds-backups"),
		BackupAccessKey:    os.Getenv("BACKUP_ACCESS_KEY"),
		BackupSecretKey:    os.Getenv("BACKUP_SECRET_KEY"),
		NotifyWebhookURL:   os.Getenv("NOTIFY_WEBHOOK_URL"),
	}

	if cfg.SecretsKey == "" {
		return nil, fmt.Errorf("SECRETS_KEY environment variable is required")
	}
	if cfg.BlobWorkers < 1 {
		return nil, fmt.Errorf("BLOB_WORKERS must be at least 1, got %d", cfg.BlobWorkers)
	}
	if cfg.AdmissionCeiling < 1 {
		return nil, fmt.Errorf("ADMISSION_CEILING must be at least 1, got %d", cfg.AdmissionCeiling)
	}
	if cfg.BackupEndpoint != "" && (cfg.BackupAccessKey == "" || cfg.BackupSecretKey == "") {
		return nil, fmt.Errorf("BACKUP_ENDPOINT is set but BACKUP_ACCESS_KEY or BACKUP_SECRET_KEY is missing")
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
