package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite, following the teacher's
// WAL-mode, busy-timeout-tuned connection pattern.
type SQLiteStore struct {
	db           *sql.DB
	maxRetries   int
	retryBase    time.Duration
	queueRepo    *sqliteQueueRepo
	callbackRepo *sqliteCallbackRepo
	workerRepo   *sqliteWorkerRepo
	chatRepo     *sqliteChatRepo
	rbacRepo     *sqliteRBACRepo
}

// NewSQLite creates a new SQLite-backed Store.
func NewSQLite(dbPath string, maxRetries int, retryBase time.Duration) (Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db, maxRetries: maxRetries, retryBase: retryBase}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	s.queueRepo = &sqliteQueueRepo{s: s}
	s.callbackRepo = &sqliteCallbackRepo{s: s}
	s.workerRepo = &sqliteWorkerRepo{s: s}
	s.chatRepo = &sqliteChatRepo{s: s}
	s.rbacRepo = &sqliteRBACRepo{s: s}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;

	CREATE TABLE IF NOT EXISTS run_queue (
		run_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		status TEXT NOT NULL,
		lock_owner TEXT,
		lock_expires_at INTEGER,
		available_at INTEGER,
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL,
		payload BLOB,
		error_message TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_run_queue_claimable ON run_queue(status, available_at, lock_expires_at);
	CREATE INDEX IF NOT EXISTS idx_run_queue_created ON run_queue(created_at, run_id);

	CREATE TABLE IF NOT EXISTS run_bindings (
		run_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS run_callbacks (
		run_id TEXT NOT NULL,
		event_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		received_at INTEGER NOT NULL,
		PRIMARY KEY (run_id, event_id)
	);

	CREATE TABLE IF NOT EXISTS run_usage (
		run_id TEXT PRIMARY KEY,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		finalized INTEGER NOT NULL DEFAULT 0,
		finalized_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS todo_items (
		run_id TEXT NOT NULL,
		todo_id TEXT NOT NULL,
		status TEXT NOT NULL,
		content TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (run_id, todo_id)
	);

	CREATE TABLE IF NOT EXISTS todo_events (
		run_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		todo_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		ts INTEGER NOT NULL,
		PRIMARY KEY (run_id, seq)
	);

	CREATE TABLE IF NOT EXISTS human_loop_requests (
		question_id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		prompt TEXT NOT NULL,
		metadata_json TEXT,
		status TEXT NOT NULL,
		requested_at INTEGER NOT NULL,
		resolved_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_human_loop_status ON human_loop_requests(status, requested_at);
	CREATE INDEX IF NOT EXISTS idx_human_loop_run ON human_loop_requests(run_id, status);

	CREATE TABLE IF NOT EXISTS human_loop_responses (
		question_id TEXT PRIMARY KEY,
		answer TEXT NOT NULL,
		responded_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS session_workers (
		session_id TEXT PRIMARY KEY,
		container_id TEXT,
		workspace_s3_prefix TEXT NOT NULL,
		state TEXT NOT NULL,
		last_active_at INTEGER NOT NULL,
		stopped_at INTEGER,
		last_sync_status TEXT NOT NULL DEFAULT 'none',
		last_sync_at INTEGER,
		last_sync_error TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_session_workers_state ON session_workers(state, last_active_at);
	CREATE INDEX IF NOT EXISTS idx_session_workers_sync ON session_workers(last_sync_at);

	CREATE TABLE IF NOT EXISTS chat_sessions (
		chat_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chat_session_messages (
		chat_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (chat_id, seq)
	);

	CREATE TABLE IF NOT EXISTS rbac_policies (
		user_id TEXT NOT NULL,
		path_prefix TEXT NOT NULL,
		can_read INTEGER NOT NULL DEFAULT 0,
		can_write INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (user_id, path_prefix)
	);

	CREATE TABLE IF NOT EXISTS file_audit (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		action TEXT NOT NULL,
		path TEXT NOT NULL,
		allowed INTEGER NOT NULL,
		reason TEXT,
		ts INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_file_audit_user ON file_audit(user_id, ts);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Queue() QueueRepository         { return s.queueRepo }
func (s *SQLiteStore) Callbacks() CallbackRepository  { return s.callbackRepo }
func (s *SQLiteStore) Workers() WorkerRepository      { return s.workerRepo }
func (s *SQLiteStore) Chat() ChatRepository           { return s.chatRepo }
func (s *SQLiteStore) RBAC() RBACRepository           { return s.rbacRepo }

func nullTimeUnix(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func scanNullUnix(ns sql.NullInt64) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := time.Unix(ns.Int64, 0).UTC()
	return &t
}
