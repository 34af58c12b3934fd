// Package persistence is the host's sqlite store: dependency records, the
// generation attempt chain and the audit log.
package persistence

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

	"github.com/basket/kaihost/internal/bus"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "kh-v1-2026-10-01-extension-lifecycle"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1
)

type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".kaihost", "kaihost.db")
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
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

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite reports BUSY or LOCKED, backing off
// exponentially with jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) || attempt == maxRetries {
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
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func (s *Store) configurePragmas(ctx context.Context) error {
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
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
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS dependency_records (
			package TEXT PRIMARY KEY,
			scope TEXT NOT NULL CHECK(scope IN ('isolated-installable', 'system-required')),
			status TEXT NOT NULL CHECK(status IN ('unresolved', 'installing', 'resolved', 'failed')),
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			source TEXT,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS generation_requests (
			id TEXT PRIMARY KEY,
			prompt TEXT NOT NULL,
			name TEXT,
			fix_target TEXT,
			state TEXT NOT NULL,
			repairs INTEGER NOT NULL DEFAULT 0,
			outcome TEXT,
			extension_id TEXT,
			last_error TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS generation_attempts (
			request_id TEXT NOT NULL REFERENCES generation_requests(id) ON DELETE CASCADE,
			attempt INTEGER NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			failure TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (request_id, attempt)
		);`,
		`CREATE TABLE IF NOT EXISTS generation_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id TEXT NOT NULL REFERENCES generation_requests(id) ON DELETE CASCADE,
			state_from TEXT,
			state_to TEXT NOT NULL,
			repairs INTEGER NOT NULL DEFAULT 0,
			reason TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			audit_id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT,
			subject TEXT,
			action TEXT NOT NULL,
			decision TEXT NOT NULL,
			reason TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_generation_requests_state ON generation_requests(state, updated_at);`,
		`CREATE INDEX IF NOT EXISTS idx_generation_events_request ON generation_events(request_id, event_id);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_subject ON audit_log(subject, audit_id);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// AuditEntry is a row of the audit_log table.
type AuditEntry struct {
	AuditID   int64     `json:"audit_id"`
	TraceID   string    `json:"trace_id"`
	Subject   string    `json:"subject"`
	Action    string    `json:"action"`
	Decision  string    `json:"decision"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// ListAudit returns the newest audit entries, optionally filtered by subject.
func (s *Store) ListAudit(ctx context.Context, subject string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT audit_id, COALESCE(trace_id, ''), COALESCE(subject, ''),
			action, decision, COALESCE(reason, ''), created_at
		FROM audit_log
		WHERE (? = '' OR subject = ?)
		ORDER BY audit_id DESC
		LIMIT ?;
	`, subject, subject, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var ae AuditEntry
		if err := rows.Scan(&ae.AuditID, &ae.TraceID, &ae.Subject, &ae.Action, &ae.Decision, &ae.Reason, &ae.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		out = append(out, ae)
	}
	return out, rows.Err()
}

type RetentionResult struct {
	PurgedGenerationEvents int64 `json:"purged_generation_events"`
	PurgedAuditLogs        int64 `json:"purged_audit_logs"`
}

// RunRetention deletes generation events and audit rows older than the given
// windows. A zero window keeps everything in that category.
func (s *Store) RunRetention(ctx context.Context, eventDays, auditDays int) (RetentionResult, error) {
	var result RetentionResult
	if eventDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -eventDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM generation_events WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge generation_events: %w", err)
		}
		result.PurgedGenerationEvents, _ = res.RowsAffected()
	}
	if auditDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -auditDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge audit_log: %w", err)
		}
		result.PurgedAuditLogs, _ = res.RowsAffected()
	}
	return result, nil
}
