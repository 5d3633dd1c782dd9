package persistence

import (
	"database/sql"
	"errors"
	"fmt"
)

// CurrentSchemaVersion defines the current schema version for migration support.
const CurrentSchemaVersion = 2

// initializeSchemaWithMigrations ensures the database schema is at the current version.
func initializeSchemaWithMigrations(db *sql.DB) error {
	currentVersion, err := GetSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	// An empty database gets the current schema directly.
	if currentVersion == 0 {
		if err := createSchema(db); err != nil {
			return err
		}
		return setSchemaVersion(db, CurrentSchemaVersion)
	}

	if currentVersion == CurrentSchemaVersion {
		return nil
	}
	if currentVersion > CurrentSchemaVersion {
		return fmt.Errorf("ledger schema version %d is newer than supported version %d", currentVersion, CurrentSchemaVersion)
	}
	return runMigrations(db, currentVersion, CurrentSchemaVersion)
}

// runMigrations applies database migrations from current version to target version.
func runMigrations(db *sql.DB, fromVersion, toVersion int) error {
	for version := fromVersion + 1; version <= toVersion; version++ {
		if err := runMigration(db, version); err != nil {
			return fmt.Errorf("migration to version %d failed: %w", version, err)
		}
		if err := setSchemaVersion(db, version); err != nil {
			return fmt.Errorf("failed to update schema version to %d: %w", version, err)
		}
	}
	return nil
}

func runMigration(db *sql.DB, version int) error {
	switch version {
	case 2:
		return migrateToVersion2(db)
	default:
		return fmt.Errorf("unknown migration version: %d", version)
	}
}

// migrateToVersion2 adds the policy report and re-verification result to attempts.
func migrateToVersion2(db *sql.DB) error {
	migrations := []string{
		"ALTER TABLE attempts ADD COLUMN policy_report TEXT NOT NULL DEFAULT ''",
		"ALTER TABLE attempts ADD COLUMN reverify TEXT NOT NULL DEFAULT ''",
	}
	for _, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			return fmt.Errorf("failed to execute migration: %s: %w", migration, err)
		}
	}
	return nil
}

// schemaV1 is the version 1 table layout, kept so migrations can be exercised.
//
//nolint:gochecknoglobals // DDL
var schemaV1 = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		repo TEXT NOT NULL DEFAULT '',
		branch TEXT NOT NULL,
		workflow TEXT NOT NULL,
		work_item_id TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		finished_at TEXT,
		state TEXT NOT NULL DEFAULT 'RUNNING',
		attempts INTEGER NOT NULL DEFAULT 0,
		last_run_url TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS attempts (
		run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		number INTEGER NOT NULL,
		mode TEXT NOT NULL,
		started_at TEXT NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		ci_run_id INTEGER NOT NULL DEFAULT 0,
		ci_run_url TEXT NOT NULL DEFAULT '',
		conclusion TEXT NOT NULL DEFAULT '',
		evidence TEXT NOT NULL DEFAULT '',
		prompt TEXT NOT NULL DEFAULT '',
		response TEXT NOT NULL DEFAULT '',
		verdict TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		paths TEXT NOT NULL DEFAULT '[]',
		commit_sha TEXT NOT NULL DEFAULT '',
		push_output TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (run_id, number)
	)`,
}

// createSchema creates all required tables and indices at the current version.
func createSchema(db *sql.DB) error {
	tables := append([]string{}, schemaV1...)
	indices := []string{
		"CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at)",
		"CREATE INDEX IF NOT EXISTS idx_runs_branch ON runs(branch)",
		"CREATE INDEX IF NOT EXISTS idx_attempts_verdict ON attempts(verdict)",
	}

	for _, ddl := range tables {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	if err := migrateToVersion2(db); err != nil {
		return err
	}
	for _, ddl := range indices {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

// setSchemaVersion records version as applied.
func setSchemaVersion(db *sql.DB, version int) error {
	_, err := db.Exec(`INSERT OR REPLACE INTO schema_version (version) VALUES (?)`, version)
	if err != nil {
		return fmt.Errorf("database exec error: %w", err)
	}
	return nil
}

// GetSchemaVersion returns the current schema version from the database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TEXT DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`)
	if err != nil {
		return 0, fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var version int
	err = db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("schema version scan error: %w", err)
	}
	return version, nil
}
