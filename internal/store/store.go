package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrDuplicate    = errors.New("duplicate record")
	ErrDatabaseInit = errors.New("database initialization failed")
)

// Store owns the engine's persistence: events, mappings, sync logs,
// conflicts, webhook channels and sync leases.
type Store struct {
	conn *sql.DB
}

// New opens the database at dbPath and initializes the schema.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("%w: failed to create directory: %w", ErrDatabaseInit, err)
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %w", ErrDatabaseInit, err)
	}

	// Connection pool limits; SQLite serializes writes anyway but these
	// keep file descriptors bounded.
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(0)
	conn.SetConnMaxIdleTime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: failed to set pragma: %w", ErrDatabaseInit, err)
		}
	}

	s := &Store{conn: conn}

	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// Conn returns the underlying database connection.
func (s *Store) Conn() *sql.DB {
	return s.conn
}

// Ping checks the database connection.
func (s *Store) Ping() error {
	return s.conn.Ping()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS calendar_accounts (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			email TEXT NOT NULL,
			refresh_token TEXT,
			sync_enabled INTEGER NOT NULL DEFAULT 1,
			sync_error TEXT,
			last_sync_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_accounts_user_id ON calendar_accounts(user_id)`,

		`CREATE TABLE IF NOT EXISTS calendar_mappings (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			remote_calendar_id TEXT NOT NULL,
			direction TEXT NOT NULL DEFAULT 'both',
			default_resolution TEXT NOT NULL DEFAULT 'keep_remote',
			link_tasks INTEGER NOT NULL DEFAULT 0,
			sync_token TEXT,
			page_token TEXT,
			last_synced_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(account_id, remote_calendar_id),
			FOREIGN KEY (account_id) REFERENCES calendar_accounts(id) ON DELETE CASCADE
		)`,

		`CREATE INDEX IF NOT EXISTS idx_mappings_account_id ON calendar_mappings(account_id)`,

		`CREATE TABLE IF NOT EXISTS calendar_events (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			mapping_id TEXT NOT NULL,
			remote_event_id TEXT,
			remote_calendar_id TEXT,
			title TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			location TEXT NOT NULL DEFAULT '',
			starts_at DATETIME NOT NULL,
			ends_at DATETIME NOT NULL,
			all_day INTEGER NOT NULL DEFAULT 0,
			task_id TEXT,
			subject_id TEXT,
			study_minutes INTEGER NOT NULL DEFAULT 0,
			etag TEXT,
			remote_updated_at DATETIME,
			local_updated_at DATETIME NOT NULL,
			deleted_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (account_id) REFERENCES calendar_accounts(id) ON DELETE CASCADE
		)`,

		// No two local events may claim the same remote identity.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_events_remote_identity
			ON calendar_events(remote_event_id, remote_calendar_id)
			WHERE remote_event_id IS NOT NULL AND remote_calendar_id IS NOT NULL`,

		`CREATE INDEX IF NOT EXISTS idx_events_mapping_id ON calendar_events(mapping_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_account_time ON calendar_events(account_id, starts_at)`,

		// Recurrence-exception linkage lives in its own index table rather
		// than as a back-reference on the event row.
		`CREATE TABLE IF NOT EXISTS event_links (
			event_id TEXT PRIMARY KEY,
			original_event_id TEXT NOT NULL,
			FOREIGN KEY (event_id) REFERENCES calendar_events(id) ON DELETE CASCADE
		)`,

		`CREATE TABLE IF NOT EXISTS sync_logs (
			id TEXT PRIMARY KEY,
			sync_id TEXT NOT NULL,
			account_id TEXT NOT NULL,
			mode TEXT NOT NULL,
			status TEXT NOT NULL,
			events_processed INTEGER NOT NULL DEFAULT 0,
			events_created INTEGER NOT NULL DEFAULT 0,
			events_updated INTEGER NOT NULL DEFAULT 0,
			events_deleted INTEGER NOT NULL DEFAULT 0,
			conflicts_found INTEGER NOT NULL DEFAULT 0,
			error_code TEXT,
			error_message TEXT,
			started_at DATETIME NOT NULL,
			finished_at DATETIME,
			UNIQUE(sync_id),
			FOREIGN KEY (account_id) REFERENCES calendar_accounts(id) ON DELETE CASCADE
		)`,

		`CREATE INDEX IF NOT EXISTS idx_sync_logs_account_id ON sync_logs(account_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_logs_started_at ON sync_logs(started_at DESC)`,

		`CREATE TABLE IF NOT EXISTS sync_conflicts (
			id TEXT PRIMARY KEY,
			sync_id TEXT NOT NULL,
			account_id TEXT NOT NULL,
			mapping_id TEXT NOT NULL,
			event_id TEXT,
			remote_event_id TEXT,
			remote_calendar_id TEXT,
			kind TEXT NOT NULL,
			local_snapshot TEXT NOT NULL,
			remote_snapshot TEXT NOT NULL,
			detected_at DATETIME NOT NULL,
			resolution TEXT,
			resolved_at DATETIME,
			FOREIGN KEY (account_id) REFERENCES calendar_accounts(id) ON DELETE CASCADE
		)`,

		`CREATE INDEX IF NOT EXISTS idx_conflicts_account_unresolved
			ON sync_conflicts(account_id) WHERE resolved_at IS NULL`,
		`CREATE INDEX IF NOT EXISTS idx_conflicts_event_id ON sync_conflicts(event_id)`,

		`CREATE TABLE IF NOT EXISTS webhook_channels (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			mapping_id TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			resource_id TEXT NOT NULL,
			expiration DATETIME NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(channel_id, resource_id),
			FOREIGN KEY (account_id) REFERENCES calendar_accounts(id) ON DELETE CASCADE
		)`,

		`CREATE INDEX IF NOT EXISTS idx_webhook_channels_mapping ON webhook_channels(mapping_id)`,

		`CREATE TABLE IF NOT EXISTS sync_leases (
			account_id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			expires_at DATETIME NOT NULL
		)`,
	}

	for _, migration := range migrations {
		if _, err := s.conn.Exec(migration); err != nil {
			if !isDuplicateColumnError(err) {
				return fmt.Errorf("%w: migration failed: %w", ErrDatabaseInit, err)
			}
		}
	}

	return nil
}

// isDuplicateColumnError checks if the error is due to a duplicate column in ALTER TABLE.
func isDuplicateColumnError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "duplicate column") || strings.Contains(errStr, "already exists")
}

// isUniqueViolation checks if the error is a UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
