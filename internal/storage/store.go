package storage

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Migrations are append-only. Each entry is applied in a single transaction
// and recorded in schema_migrations with its checksum; a checksum mismatch
// on an already-applied version aborts startup.
type migration struct {
	version    int
	checksum   string
	statements []string
}

var migrations = []migration{
	{
		version:  1,
		checksum: "mc-v1-core-schema",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS chats (
				internal_id INTEGER PRIMARY KEY AUTOINCREMENT,
				channel TEXT NOT NULL,
				external_chat_id TEXT NOT NULL,
				chat_type TEXT NOT NULL CHECK(chat_type IN ('private', 'group', 'channel')),
				title TEXT NOT NULL DEFAULT '',
				last_message_time DATETIME,
				UNIQUE(channel, external_chat_id)
			);`,
			`CREATE TABLE IF NOT EXISTS messages (
				id TEXT PRIMARY KEY,
				chat_id INTEGER NOT NULL REFERENCES chats(internal_id),
				sender_name TEXT NOT NULL,
				content TEXT NOT NULL,
				is_from_bot INTEGER NOT NULL DEFAULT 0,
				timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);`,
			`CREATE TABLE IF NOT EXISTS sessions (
				chat_id INTEGER PRIMARY KEY REFERENCES chats(internal_id),
				messages_json TEXT NOT NULL DEFAULT '[]',
				updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);`,
			`CREATE TABLE IF NOT EXISTS scheduled_tasks (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				chat_id INTEGER NOT NULL,
				prompt TEXT NOT NULL,
				schedule_type TEXT NOT NULL CHECK(schedule_type IN ('cron', 'once')),
				schedule_value TEXT NOT NULL,
				next_run DATETIME NOT NULL,
				last_run DATETIME,
				status TEXT NOT NULL DEFAULT 'active' CHECK(status IN ('active', 'paused', 'completed', 'cancelled')),
				fail_count INTEGER NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);`,
			`CREATE TABLE IF NOT EXISTS task_run_logs (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				task_id INTEGER NOT NULL,
				chat_id INTEGER NOT NULL,
				started_at DATETIME NOT NULL,
				finished_at DATETIME NOT NULL,
				duration_ms INTEGER NOT NULL,
				success INTEGER NOT NULL,
				result_summary TEXT
			);`,
			`CREATE TABLE IF NOT EXISTS scheduled_task_dlq (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				task_id INTEGER NOT NULL,
				chat_id INTEGER NOT NULL,
				failed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				reason TEXT NOT NULL,
				payload_json TEXT NOT NULL DEFAULT '{}',
				status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending', 'replayed', 'skipped'))
			);`,
			`CREATE TABLE IF NOT EXISTS memories (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				chat_id INTEGER,
				chat_channel TEXT,
				external_chat_id TEXT,
				scope TEXT NOT NULL CHECK(scope IN ('global', 'chat')),
				category TEXT NOT NULL DEFAULT 'fact',
				content TEXT NOT NULL,
				confidence REAL NOT NULL DEFAULT 0.5,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				archived_at DATETIME,
				embedding_model TEXT,
				embedding_dim INTEGER,
				embedding_blob BLOB,
				CHECK ((scope = 'global') = (chat_id IS NULL))
			);`,
			`CREATE TABLE IF NOT EXISTS reflector_runs (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				ts DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				chat_id INTEGER NOT NULL,
				inserted INTEGER NOT NULL DEFAULT 0,
				updated INTEGER NOT NULL DEFAULT 0,
				skipped INTEGER NOT NULL DEFAULT 0,
				duration_ms INTEGER NOT NULL DEFAULT 0
			);`,
			`CREATE TABLE IF NOT EXISTS injection_logs (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				ts DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				chat_id INTEGER NOT NULL,
				candidates INTEGER NOT NULL,
				selected INTEGER NOT NULL,
				tokens_used INTEGER NOT NULL,
				budget_tokens INTEGER NOT NULL
			);`,
			`CREATE TABLE IF NOT EXISTS metrics_history (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				ts DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				name TEXT NOT NULL,
				value REAL NOT NULL
			);`,
			`CREATE TABLE IF NOT EXISTS sse_events (
				run_id TEXT NOT NULL,
				event_id INTEGER NOT NULL,
				name TEXT NOT NULL,
				payload_json TEXT NOT NULL DEFAULT '{}',
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				PRIMARY KEY (run_id, event_id)
			);`,
			`CREATE INDEX IF NOT EXISTS idx_messages_chat_time ON messages(chat_id, timestamp);`,
			`CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_due ON scheduled_tasks(status, next_run);`,
			`CREATE INDEX IF NOT EXISTS idx_dlq_chat_status ON scheduled_task_dlq(chat_id, status);`,
			`CREATE INDEX IF NOT EXISTS idx_memories_scope ON memories(scope, chat_id, archived_at);`,
			`CREATE INDEX IF NOT EXISTS idx_metrics_name_ts ON metrics_history(name, ts);`,
		},
	},
	{
		version:  2,
		checksum: "mc-v2-auth",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS auth_users (
				id INTEGER PRIMARY KEY CHECK(id = 1),
				password_hash TEXT NOT NULL,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);`,
			`CREATE TABLE IF NOT EXISTS auth_sessions (
				id TEXT PRIMARY KEY,
				issued_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				last_seen DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				expires_at DATETIME NOT NULL
			);`,
			`CREATE TABLE IF NOT EXISTS api_keys (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				name TEXT NOT NULL,
				secret_hash TEXT NOT NULL,
				scopes TEXT NOT NULL DEFAULT 'read',
				revoked INTEGER NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);`,
		},
	},
	{
		version:  3,
		checksum: "mc-v3-usage-fork",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS usage_log (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				ts DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				chat_id INTEGER NOT NULL,
				model TEXT NOT NULL,
				prompt_tokens INTEGER NOT NULL DEFAULT 0,
				completion_tokens INTEGER NOT NULL DEFAULT 0
			);`,
			`ALTER TABLE sessions ADD COLUMN parent_session_key TEXT;`,
			`ALTER TABLE sessions ADD COLUMN fork_point INTEGER;`,
			`CREATE INDEX IF NOT EXISTS idx_usage_chat_ts ON usage_log(chat_id, ts);`,
		},
	},
}

type Store struct {
	db *sql.DB
}

// Open creates or opens the SQLite database at path and runs migrations to
// completion. Any failed migration aborts startup.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migration_failed: %w", err)
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	latest := migrations[len(migrations)-1].version
	if maxVersion > latest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, latest)
	}

	// Verify checksums of everything already applied before touching anything.
	for _, m := range migrations {
		if m.version > maxVersion {
			continue
		}
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, m.version).Scan(&existing); err != nil {
			return fmt.Errorf("read checksum for version %d: %w", m.version, err)
		}
		if existing != m.checksum {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", m.version, existing, m.checksum)
		}
	}

	for _, m := range migrations {
		if m.version <= maxVersion {
			continue
		}
		for _, stmt := range m.statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				// ALTER TABLE ADD COLUMN is not idempotent in SQLite; tolerate
				// re-runs against a partially-known schema.
				if strings.Contains(err.Error(), "duplicate column name") {
					continue
				}
				return fmt.Errorf("apply migration v%d: %w", m.version, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);
		`, m.version, m.checksum); err != nil {
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}
