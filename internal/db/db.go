package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bcfeed/bcfeed/internal/config"
	_ "modernc.org/sqlite"
)

// CurrentSchemaVersion is the latest schema version.
// Bump this when adding migrations.
const CurrentSchemaVersion = 2

// FileName is the database file inside the base directory.
const FileName = "bcfeed.db"

// Init initializes the SQLite database at baseDir/bcfeed.db.
// The baseDir parameter allows tests to use t.TempDir() instead of ~/.bcfeed.
func Init(baseDir string) (*sql.DB, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	// Explicit chmod (best-effort, may not work on all platforms)
	_ = os.Chmod(baseDir, 0700)

	// Pragmas in the connection string apply to every pooled connection
	dbPath := filepath.Join(baseDir, FileName)
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := verifyWALMode(db); err != nil {
		db.Close()
		return nil, err
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	_ = os.Chmod(dbPath, 0600)

	return db, nil
}

// ConfigurePool applies connection pool settings from config.
// Only sets limits if explicitly configured (non-zero values).
func ConfigurePool(db *sql.DB, cfg *config.Config) {
	if cfg == nil {
		return
	}
	if cfg.DBMaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	}
	if cfg.DBMaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	}
}

// migrate applies schema migrations based on user_version.
func migrate(db *sql.DB) error {
	version, err := GetUserVersion(db)
	if err != nil {
		return err
	}

	// Migration 0 -> 1: Initial schema (v1)
	if version < 1 {
		schema := `
		CREATE TABLE IF NOT EXISTS releases (
		  id             TEXT PRIMARY KEY,
		  message_id     TEXT NOT NULL,
		  artist         TEXT NOT NULL DEFAULT '',
		  title          TEXT NOT NULL DEFAULT '',
		  source_url     TEXT NOT NULL,
		  page_name      TEXT NOT NULL DEFAULT '',
		  is_track       INTEGER NOT NULL DEFAULT 0,
		  received_at    INTEGER NOT NULL,
		  seen           INTEGER NOT NULL DEFAULT 0,
		  starred        INTEGER NOT NULL DEFAULT 0,
		  cache_status   TEXT NOT NULL DEFAULT 'EMPTY'
		                 CHECK (cache_status IN ('EMPTY', 'PRELOADING', 'CACHED', 'ERROR')),
		  cached_payload BLOB,
		  payload_type   TEXT,
		  cached_at      INTEGER,
		  last_error     TEXT,
		  retry_count    INTEGER NOT NULL DEFAULT 0,
		  claim_token    TEXT,
		  claim_epoch    INTEGER,
		  created_at     INTEGER NOT NULL,
		  updated_at     INTEGER NOT NULL,
		  CHECK ((cache_status = 'CACHED') = (cached_payload IS NOT NULL)),
		  CHECK ((cache_status = 'ERROR') = (last_error IS NOT NULL))
		);

		CREATE INDEX IF NOT EXISTS idx_releases_received
		ON releases(received_at DESC);

		CREATE INDEX IF NOT EXISTS idx_releases_status
		ON releases(cache_status);

		CREATE TABLE IF NOT EXISTS store_meta (
		  key   TEXT PRIMARY KEY,
		  value INTEGER NOT NULL
		);

		INSERT OR IGNORE INTO store_meta (key, value) VALUES ('cache_epoch', 0);

		CREATE TABLE IF NOT EXISTS ingest_runs (
		  id          TEXT PRIMARY KEY,
		  range_start INTEGER NOT NULL,
		  range_end   INTEGER NOT NULL,
		  inserted    INTEGER NOT NULL,
		  skipped     INTEGER NOT NULL,
		  rejected    INTEGER NOT NULL,
		  partial     INTEGER NOT NULL,
		  error       TEXT,
		  started_at  INTEGER NOT NULL,
		  finished_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_ingest_runs_started
		ON ingest_runs(started_at DESC);
		`
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("migration 1 failed: %w", err)
		}
		if err := SetUserVersion(db, 1); err != nil {
			return err
		}
	}

	// Migration 1 -> 2: millisecond timestamps, one release per source URL
	if version < 2 {
		schema := `
		UPDATE releases SET received_at = received_at * 1000;
		UPDATE ingest_runs SET range_start = range_start * 1000, range_end = range_end * 1000;

		DELETE FROM releases
		WHERE EXISTS (
		  SELECT 1 FROM releases AS older
		  WHERE older.source_url = releases.source_url
		    AND (older.received_at < releases.received_at
		         OR (older.received_at = releases.received_at AND older.id < releases.id))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_releases_source_url
		ON releases(source_url);
		`
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("migration 2 failed: %w", err)
		}
		if err := SetUserVersion(db, 2); err != nil {
			return err
		}
	}

	return nil
}

// verifyWALMode checks that WAL mode is active (set via connection string).
func verifyWALMode(db *sql.DB) error {
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to verify journal mode: %w", err)
	}
	if journalMode != "wal" {
		return fmt.Errorf("expected WAL mode, got %s", journalMode)
	}
	return nil
}

// GetUserVersion returns the current schema version (user_version pragma).
func GetUserVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get user_version: %w", err)
	}
	return version, nil
}

// SetUserVersion sets the schema version (user_version pragma).
func SetUserVersion(db *sql.DB, version int) error {
	_, err := db.Exec(fmt.Sprintf("PRAGMA user_version=%d", version))
	if err != nil {
		return fmt.Errorf("failed to set user_version: %w", err)
	}
	return nil
}
