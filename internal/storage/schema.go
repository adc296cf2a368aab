// Package storage provides migration record persistence using SQLite.
// The stored record is the durable checkpoint log: any stage handler
// must be resumable purely from the last written status.
package storage

// Schema definitions for the migration database
const (
	// SchemaV1 is the initial database schema
	SchemaV1 = `
CREATE TABLE IF NOT EXISTS migrations (
	id TEXT PRIMARY KEY,
	did TEXT NOT NULL,
	access_token TEXT NOT NULL UNIQUE,
	direction TEXT NOT NULL,
	old_pds_host TEXT NOT NULL,
	new_pds_host TEXT NOT NULL,
	old_handle TEXT NOT NULL,
	new_handle TEXT NOT NULL,
	email TEXT NOT NULL,
	locale TEXT,
	invite_code TEXT,
	wanted_backup INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	progress_json TEXT,
	secrets_json TEXT,
	current_job_step TEXT,
	attempts INTEGER DEFAULT 0,
	last_error TEXT,
	error_code TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_migrations_did ON migrations(did);
CREATE INDEX IF NOT EXISTS idx_migrations_status ON migrations(status);
CREATE INDEX IF NOT EXISTS idx_migrations_updated_at ON migrations(updated_at);

CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY,
	applied_at INTEGER NOT NULL
);
`
)

// Migrations represents all available schema migrations
var Migrations = []struct {
	Version int
	SQL     string
}{
	{
		Version: 1,
		SQL:     SchemaV1,
	},
}
