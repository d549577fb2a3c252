// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package store persists flows, detection history, event logs, users,
// preferences, and audit entries in SQLite. All writes run through a
// bounded retry that absorbs transient lock contention.
package store

import (
	"database/sql"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/LingshijunRenzy/ICS-guard/internal/errors"
	"github.com/LingshijunRenzy/ICS-guard/internal/logging"
)

const (
	lockRetryAttempts = 5
	lockRetryBase     = 100 * time.Millisecond
)

// Store wraps the shared database pool.
type Store struct {
	db     *sql.DB
	logger *logging.Logger
}

// Open opens (creating if needed) the database at path and ensures the
// schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "open database")
	}

	s := &Store{
		db:     db,
		logger: logging.WithComponent("store"),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the pool for tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS app_flows (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		flow_id TEXT NOT NULL UNIQUE,
		src_ip TEXT,
		dst_ip TEXT,
		src_port INTEGER,
		dst_port INTEGER,
		src_mac TEXT,
		dst_mac TEXT,
		protocol TEXT,
		start_time TEXT,
		end_time TEXT,
		pkt_count INTEGER,
		byte_count INTEGER,
		pkt_rate REAL,
		byte_rate REAL,
		func_code_entropy REAL,
		reg_addr_std REAL,
		detect_status TEXT NOT NULL DEFAULT 'pending',
		decision_level TEXT NOT NULL DEFAULT 'normal',
		prob REAL NOT NULL DEFAULT 0,
		anomaly_score REAL NOT NULL DEFAULT 0,
		detected_at TIMESTAMP,
		policy_effects TEXT,
		redirect_to TEXT,
		final_dst TEXT,
		blocked INTEGER NOT NULL DEFAULT 0,
		blocked_at TIMESTAMP,
		block_reason TEXT,
		path_hops TEXT,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_flows_src_created ON app_flows(src_ip, created_at);
	CREATE INDEX IF NOT EXISTS idx_flows_level_created ON app_flows(decision_level, created_at);

	CREATE TABLE IF NOT EXISTS flow_detection_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		flow_id TEXT NOT NULL,
		prob REAL NOT NULL,
		label TEXT NOT NULL,
		anomaly_score REAL NOT NULL,
		decision_level TEXT NOT NULL,
		payload_snapshot TEXT,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_detlogs_flow ON flow_detection_logs(flow_id, created_at);

	CREATE TABLE IF NOT EXISTS event_logs (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		severity TEXT NOT NULL,
		source TEXT NOT NULL,
		related_resource TEXT,
		payload TEXT,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_eventlogs_created ON event_logs(created_at);
	CREATE INDEX IF NOT EXISTS idx_eventlogs_type ON event_logs(event_type, created_at);

	CREATE TABLE IF NOT EXISTS app_users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'viewer',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS app_preferences (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		scope TEXT NOT NULL DEFAULT 'global',
		username TEXT NOT NULL DEFAULT '',
		key TEXT NOT NULL,
		value TEXT,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(scope, username, key)
	);

	CREATE TABLE IF NOT EXISTS audit_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT,
		action TEXT NOT NULL,
		resource TEXT,
		detail TEXT,
		success INTEGER NOT NULL DEFAULT 1,
		ip TEXT,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_logs(created_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return errors.Wrap(err, errors.KindInternal, "init schema")
	}
	return nil
}

// withRetry runs fn, retrying on transient SQLite lock errors with
// exponential backoff (base 100 ms, up to 5 attempts).
func (s *Store) withRetry(fn func() error) error {
	var err error
	for attempt := 0; attempt < lockRetryAttempts; attempt++ {
		err = fn()
		if err == nil || !isLockError(err) {
			return err
		}
		delay := lockRetryBase << attempt
		s.logger.Warn("database locked, retrying", "attempt", attempt+1, "delay", delay.String())
		time.Sleep(delay)
	}
	return errors.Wrap(err, errors.KindUnavailable, "storage busy after retries")
}

func isLockError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}
