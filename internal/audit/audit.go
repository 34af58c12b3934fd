// Package audit appends lifecycle decisions to <home>/logs/audit.jsonl and,
// when a database is attached, to the audit_log table.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/basket/kaihost/internal/shared"
)

const (
	DecisionOK   = "ok"
	DecisionFail = "fail"
	DecisionDeny = "deny"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	TraceID   string `json:"trace_id,omitempty"`
	Action    string `json:"action"`
	Decision  string `json:"decision"`
	Subject   string `json:"subject,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Log is safe for concurrent use. A nil *Log discards everything.
type Log struct {
	mu   sync.Mutex
	file *os.File
	db   *sql.DB
}

func Open(homeDir string) (*Log, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Log{file: f}, nil
}

// SetDB mirrors subsequent records into the audit_log table.
func (l *Log) SetDB(db *sql.DB) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.db = db
}

func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Record appends one entry. Secrets in subject and reason are redacted first.
func (l *Log) Record(ctx context.Context, action, decision, subject, reason string) {
	if l == nil {
		return
	}
	subject = shared.Redact(subject)
	reason = shared.Redact(reason)
	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = ""
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		b, err := json.Marshal(entry{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			TraceID:   traceID,
			Action:    action,
			Decision:  decision,
			Subject:   subject,
			Reason:    reason,
		})
		if err == nil {
			_, _ = l.file.Write(append(b, '\n'))
		}
	}
	if l.db != nil {
		_, _ = l.db.ExecContext(context.WithoutCancel(ctx), `
			INSERT INTO audit_log (trace_id, subject, action, decision, reason)
			VALUES (?, ?, ?, ?, ?);
		`, traceID, subject, action, decision, reason)
	}
}
