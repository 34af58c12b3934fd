package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/kaihost/internal/bus"
)

// Terminal generation states. Requests in any other state are in flight.
const (
	GenerationInstalled = "Installed"
	GenerationAbandoned = "Abandoned"
)

type GenerationRequest struct {
	ID          string    `json:"id"`
	Prompt      string    `json:"prompt"`
	Name        string    `json:"name,omitempty"`
	FixTarget   string    `json:"fix_target,omitempty"`
	State       string    `json:"state"`
	Repairs     int       `json:"repairs"`
	Outcome     string    `json:"outcome,omitempty"`
	ExtensionID string    `json:"extension_id,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type GenerationAttempt struct {
	RequestID string    `json:"request_id"`
	Attempt   int       `json:"attempt"`
	Source    string    `json:"source"`
	Failure   string    `json:"failure,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type GenerationEvent struct {
	EventID   int64     `json:"event_id"`
	RequestID string    `json:"request_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Repairs   int       `json:"repairs"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Store) CreateGenerationRequest(ctx context.Context, req GenerationRequest) error {
	return retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO generation_requests (id, prompt, name, fix_target, state, repairs)
			VALUES (?, ?, ?, ?, ?, ?);
		`, req.ID, req.Prompt, req.Name, req.FixTarget, req.State, req.Repairs)
		if err != nil {
			return fmt.Errorf("create generation request: %w", err)
		}
		return nil
	})
}

// TransitionGeneration moves a request to a new state and appends the
// transition to its event log in one transaction.
func (s *Store) TransitionGeneration(ctx context.Context, requestID, from, to string, repairs int, reason string) error {
	err := retryOnBusy(ctx, 3, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE generation_requests
			SET state = ?, repairs = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, to, repairs, requestID)
		if err != nil {
			return fmt.Errorf("update generation state: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("generation request not found: %s", requestID)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO generation_events (request_id, state_from, state_to, repairs, reason)
			VALUES (?, ?, ?, ?, ?);
		`, requestID, from, to, repairs, reason); err != nil {
			return fmt.Errorf("append generation event: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	s.bus.Publish(bus.TopicGenerationState, bus.GenerationStateEvent{
		RequestID: requestID,
		From:      from,
		To:        to,
		Repairs:   repairs,
		Reason:    reason,
	})
	return nil
}

// FinishGeneration stores the terminal outcome of a request.
func (s *Store) FinishGeneration(ctx context.Context, requestID, outcome, extensionID, lastErr string) error {
	return retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE generation_requests
			SET outcome = ?, extension_id = ?, last_error = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, outcome, extensionID, lastErr, requestID)
		if err != nil {
			return fmt.Errorf("finish generation: %w", err)
		}
		return nil
	})
}

// RecordGenerationAttempt upserts the candidate and failure of one attempt.
func (s *Store) RecordGenerationAttempt(ctx context.Context, a GenerationAttempt) error {
	return retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO generation_attempts (request_id, attempt, source, failure)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(request_id, attempt) DO UPDATE SET
				source = CASE WHEN excluded.source != '' THEN excluded.source ELSE generation_attempts.source END,
				failure = excluded.failure;
		`, a.RequestID, a.Attempt, a.Source, a.Failure)
		if err != nil {
			return fmt.Errorf("record generation attempt: %w", err)
		}
		return nil
	})
}

// GetGenerationRequest returns nil, nil for an unknown id.
func (s *Store) GetGenerationRequest(ctx context.Context, id string) (*GenerationRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+generationColumns+`
		FROM generation_requests WHERE id = ?;
	`, id)
	r, err := scanGeneration(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get generation request: %w", err)
	}
	return r, nil
}

// ListGenerationRequests returns the newest requests first.
func (s *Store) ListGenerationRequests(ctx context.Context, limit int) ([]GenerationRequest, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+generationColumns+`
		FROM generation_requests
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list generation requests: %w", err)
	}
	defer rows.Close()
	var out []GenerationRequest
	for rows.Next() {
		r, err := scanGeneration(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan generation request: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *Store) ListGenerationAttempts(ctx context.Context, requestID string) ([]GenerationAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, attempt, source, COALESCE(failure, ''), created_at
		FROM generation_attempts
		WHERE request_id = ?
		ORDER BY attempt ASC;
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list generation attempts: %w", err)
	}
	defer rows.Close()
	var out []GenerationAttempt
	for rows.Next() {
		var a GenerationAttempt
		if err := rows.Scan(&a.RequestID, &a.Attempt, &a.Source, &a.Failure, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan generation attempt: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) ListGenerationEvents(ctx context.Context, requestID string) ([]GenerationEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, request_id, COALESCE(state_from, ''), state_to, repairs, COALESCE(reason, ''), created_at
		FROM generation_events
		WHERE request_id = ?
		ORDER BY event_id ASC;
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list generation events: %w", err)
	}
	defer rows.Close()
	var out []GenerationEvent
	for rows.Next() {
		var ev GenerationEvent
		if err := rows.Scan(&ev.EventID, &ev.RequestID, &ev.From, &ev.To, &ev.Repairs, &ev.Reason, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan generation event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// RecoverInterruptedGenerations abandons requests left in flight by a
// previous process. Their provider calls died with it.
func (s *Store) RecoverInterruptedGenerations(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin recover tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, state, repairs FROM generation_requests
		WHERE state NOT IN (?, ?);
	`, GenerationInstalled, GenerationAbandoned)
	if err != nil {
		return 0, fmt.Errorf("query interrupted generations: %w", err)
	}
	type inflight struct {
		id, state string
		repairs   int
	}
	var pending []inflight
	for rows.Next() {
		var f inflight
		if err := rows.Scan(&f.id, &f.state, &f.repairs); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan interrupted generation: %w", err)
		}
		pending = append(pending, f)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate interrupted generations: %w", err)
	}

	const reason = "interrupted by host restart"
	for _, f := range pending {
		if _, err := tx.ExecContext(ctx, `
			UPDATE generation_requests
			SET state = ?, outcome = ?, last_error = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, GenerationAbandoned, GenerationAbandoned, reason, f.id); err != nil {
			return 0, fmt.Errorf("abandon interrupted generation: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO generation_events (request_id, state_from, state_to, repairs, reason)
			VALUES (?, ?, ?, ?, ?);
		`, f.id, f.state, GenerationAbandoned, f.repairs, reason); err != nil {
			return 0, fmt.Errorf("append recovery event: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit recover tx: %w", err)
	}
	return int64(len(pending)), nil
}

const generationColumns = `id, prompt, COALESCE(name, ''), COALESCE(fix_target, ''), state, repairs,
	COALESCE(outcome, ''), COALESCE(extension_id, ''), COALESCE(last_error, ''), created_at, updated_at`

func scanGeneration(scan func(dest ...any) error) (*GenerationRequest, error) {
	var r GenerationRequest
	if err := scan(&r.ID, &r.Prompt, &r.Name, &r.FixTarget, &r.State, &r.Repairs,
		&r.Outcome, &r.ExtensionID, &r.LastError, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}
