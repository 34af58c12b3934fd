package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/kaihost/internal/bus"
)

// Dependency record statuses.
const (
	DependencyUnresolved = "unresolved"
	DependencyInstalling = "installing"
	DependencyResolved   = "resolved"
	DependencyFailed     = "failed"
)

// Dependency scopes.
const (
	ScopeIsolated = "isolated-installable"
	ScopeSystem   = "system-required"
)

// ErrAttemptsExhausted is returned when a package has used up its install budget.
var ErrAttemptsExhausted = errors.New("dependency install attempts exhausted")

type DependencyRecord struct {
	Package   string    `json:"package"`
	Scope     string    `json:"scope"`
	Status    string    `json:"status"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	Source    string    `json:"source,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GetDependency returns nil, nil when pkg has no record.
func (s *Store) GetDependency(ctx context.Context, pkg string) (*DependencyRecord, error) {
	var r DependencyRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT package, scope, status, attempts, COALESCE(last_error, ''), COALESCE(source, ''), updated_at
		FROM dependency_records WHERE package = ?;
	`, pkg).Scan(&r.Package, &r.Scope, &r.Status, &r.Attempts, &r.LastError, &r.Source, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get dependency %s: %w", pkg, err)
	}
	return &r, nil
}

func (s *Store) ListDependencies(ctx context.Context) ([]DependencyRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT package, scope, status, attempts, COALESCE(last_error, ''), COALESCE(source, ''), updated_at
		FROM dependency_records
		ORDER BY package ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list dependencies: %w", err)
	}
	defer rows.Close()

	var out []DependencyRecord
	for rows.Next() {
		var r DependencyRecord
		if err := rows.Scan(&r.Package, &r.Scope, &r.Status, &r.Attempts, &r.LastError, &r.Source, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan dependency: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkSystemRequired records that pkg needs operator action. It never
// counts as an install attempt.
func (s *Store) MarkSystemRequired(ctx context.Context, pkg, remediation string) error {
	return retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO dependency_records (package, scope, status, last_error, updated_at)
			VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(package) DO UPDATE SET
				scope = excluded.scope,
				status = CASE WHEN dependency_records.status = 'resolved' THEN 'resolved' ELSE excluded.status END,
				last_error = excluded.last_error,
				updated_at = CURRENT_TIMESTAMP;
		`, pkg, ScopeSystem, DependencyUnresolved, remediation)
		if err != nil {
			return fmt.Errorf("mark system-required %s: %w", pkg, err)
		}
		return nil
	})
}

// BeginDependencyInstall claims one install attempt for pkg and moves it to
// installing. It returns ErrAttemptsExhausted once maxAttempts is reached.
func (s *Store) BeginDependencyInstall(ctx context.Context, pkg string, maxAttempts int) (int, error) {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	var attempts int
	err := retryOnBusy(ctx, 3, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin dependency tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO dependency_records (package, scope, status)
			VALUES (?, ?, ?)
			ON CONFLICT(package) DO NOTHING;
		`, pkg, ScopeIsolated, DependencyUnresolved); err != nil {
			return fmt.Errorf("seed dependency %s: %w", pkg, err)
		}
		err = tx.QueryRowContext(ctx, `
			UPDATE dependency_records
			SET attempts = attempts + 1, status = ?, scope = ?, updated_at = CURRENT_TIMESTAMP
			WHERE package = ? AND attempts < ?
			RETURNING attempts;
		`, DependencyInstalling, ScopeIsolated, pkg, maxAttempts).Scan(&attempts)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrAttemptsExhausted
		}
		if err != nil {
			return fmt.Errorf("claim dependency attempt %s: %w", pkg, err)
		}
		return tx.Commit()
	})
	return attempts, err
}

// FinishDependencyInstall records the outcome of an attempt claimed with
// BeginDependencyInstall. A resolved outcome gives the budget back.
func (s *Store) FinishDependencyInstall(ctx context.Context, pkg, source string, installErr error) error {
	status, lastErr := DependencyResolved, ""
	if installErr != nil {
		status, lastErr = DependencyFailed, installErr.Error()
	}
	var attempts int
	err := retryOnBusy(ctx, 3, func() error {
		err := s.db.QueryRowContext(ctx, `
			UPDATE dependency_records
			SET status = ?, last_error = ?, source = ?, updated_at = CURRENT_TIMESTAMP,
				attempts = CASE WHEN ? = 'resolved' THEN 0 ELSE attempts END
			WHERE package = ?
			RETURNING attempts;
		`, status, lastErr, source, status, pkg).Scan(&attempts)
		if err != nil {
			return fmt.Errorf("finish dependency %s: %w", pkg, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	topic := bus.TopicDependencyResolved
	if installErr != nil {
		topic = bus.TopicDependencyFailed
	}
	s.bus.Publish(topic, bus.DependencyEvent{Package: pkg, Scope: ScopeIsolated, Attempts: attempts, Error: lastErr})
	return nil
}

// ResetDependencyAttempts clears the install budget of pkg so an operator
// can retry it. A failed record goes back to unresolved.
func (s *Store) ResetDependencyAttempts(ctx context.Context, pkg string) error {
	return retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE dependency_records
			SET attempts = 0,
				status = CASE WHEN status = 'failed' THEN 'unresolved' ELSE status END,
				updated_at = CURRENT_TIMESTAMP
			WHERE package = ?;
		`, pkg)
		if err != nil {
			return fmt.Errorf("reset dependency %s: %w", pkg, err)
		}
		return nil
	})
}
