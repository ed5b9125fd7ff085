// Package audit is the Black-Box trail: an append-only record of every
// routing attempt, approved or rejected. Completeness is a hard guarantee:
// a failed write is surfaced as a fatal WriteError, never swallowed.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/classmesh/classmesh/internal/envelope"
	"github.com/classmesh/classmesh/internal/persistence"
	"github.com/classmesh/classmesh/internal/shared"
)

// Decision classifies a routing attempt's outcome in the trail.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
	DecisionError    Decision = "error"
)

// WriteError reports a failed audit write. The trail's durability is
// non-negotiable, so callers treat this as fatal for the routing attempt.
type WriteError struct {
	EnvelopeID string
	Err        error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("audit write failed for envelope %s: %v", e.EnvelopeID, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

type entry struct {
	Timestamp  string `json:"timestamp"`
	EnvelopeID string `json:"envelope_id"`
	TraceID    string `json:"trace_id,omitempty"`
	From       string `json:"from"`
	To         string `json:"to"`
	Priority   int    `json:"priority"`
	Decision   string `json:"decision"`
	Delivered  bool   `json:"delivered"`
	Reason     string `json:"reason,omitempty"`
}

// Trail is the audit log. It writes one JSONL line per attempt and mirrors
// the row into the sqlite audit_log table.
type Trail struct {
	mu     sync.Mutex
	file   *os.File
	store  *persistence.Store // may be nil in tests
	logger *slog.Logger

	recorded atomic.Int64
	rejected atomic.Int64
}

// Open creates the trail under homeDir/logs/audit.jsonl.
func Open(homeDir string, store *persistence.Store, logger *slog.Logger) (*Trail, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit log dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &Trail{file: f, store: store, logger: logger}, nil
}

// Record appends exactly one trail entry for env. It is called once per
// routing attempt regardless of outcome; any persistence failure comes back
// as a *WriteError.
func (t *Trail) Record(ctx context.Context, env *envelope.Envelope, decision Decision, delivered bool, reason string) error {
	if decision != DecisionApproved {
		t.rejected.Add(1)
	}

	reason = shared.Redact(reason)

	t.mu.Lock()
	ev := entry{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		EnvelopeID: env.ID,
		TraceID:    shared.TraceID(ctx),
		From:       env.From,
		To:         env.To,
		Priority:   env.Priority,
		Decision:   string(decision),
		Delivered:  delivered,
		Reason:     reason,
	}
	b, err := json.Marshal(ev)
	if err == nil {
		_, err = t.file.Write(append(b, '\n'))
	}
	t.mu.Unlock()
	if err != nil {
		return &WriteError{EnvelopeID: env.ID, Err: err}
	}

	if t.store != nil {
		rec := persistence.AuditRecord{
			EnvelopeID: env.ID,
			TraceID:    shared.TraceID(ctx),
			FromAgent:  env.From,
			ToAgent:    env.To,
			Priority:   env.Priority,
			Decision:   string(decision),
			Delivered:  delivered,
			Reason:     reason,
			Content:    env.Content,
		}
		if err := t.store.AppendAudit(ctx, rec); err != nil {
			return &WriteError{EnvelopeID: env.ID, Err: err}
		}
	}

	t.recorded.Add(1)
	return nil
}

// Count returns the number of entries recorded since startup.
func (t *Trail) Count() int64 {
	return t.recorded.Load()
}

// RejectedCount returns the number of non-approved entries since startup.
func (t *Trail) RejectedCount() int64 {
	return t.rejected.Load()
}

// StoredCount returns the number of records in the sqlite mirror, or zero
// when the trail runs without a store.
func (t *Trail) StoredCount(ctx context.Context) (int64, error) {
	if t.store == nil {
		return 0, nil
	}
	return t.store.CountAudit(ctx)
}

// Recent returns the newest persisted records.
func (t *Trail) Recent(ctx context.Context, limit int) ([]persistence.AuditRecord, error) {
	if t.store == nil {
		return nil, nil
	}
	return t.store.ListAudit(ctx, limit)
}

// Close releases the JSONL file.
func (t *Trail) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return nil
	}
	err := t.file.Close()
	t.file = nil
	return err
}
