// Package persistence is the durable storage layer: the agent roster and the
// Black-Box audit trail, both in a single sqlite database.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/classmesh/classmesh/internal/shared"
)

const (
	schemaVersion  = 1
	schemaChecksum = "cm-v1-2026-08-roster-audit"
)

// AgentRecord is a row in the agents table.
type AgentRecord struct {
	AgentID   string    `json:"agent_id"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	Role      string    `json:"role"`
	Priority  int       `json:"priority"`
	Immutable bool      `json:"immutable"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AuditRecord is one routing attempt in the audit_log table. Exactly one row
// exists per envelope id, whether the attempt was delivered, rejected, or
// failed before delivery.
type AuditRecord struct {
	ID         int64     `json:"id"`
	EnvelopeID string    `json:"envelope_id"`
	TraceID    string    `json:"trace_id"`
	FromAgent  string    `json:"from_agent"`
	ToAgent    string    `json:"to_agent"`
	Priority   int       `json:"priority"`
	Decision   string    `json:"decision"` // approved | rejected | error
	Delivered  bool      `json:"delivered"`
	Reason     string    `json:"reason,omitempty"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store wraps the sqlite database.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns the database path under the user's home directory.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".classmesh", "classmesh.db")
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string) (*Store, error) {
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

	store := &Store{db: db}
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

// retryOnBusy retries f when sqlite returns BUSY or LOCKED, with exponential
// backoff and bounded jitter on top of the driver's busy_timeout.
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
		jitter := time.Duration(rand.Intn(int(delay / 2)))
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
	if maxVersion > schemaVersion {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersion)
	}
	if maxVersion == schemaVersion {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksum {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersion, existingChecksum, schemaChecksum)
		}
		return tx.Commit()
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			agent_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT '',
			priority INTEGER NOT NULL DEFAULT 5,
			immutable INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'active' CHECK(status IN ('initializing', 'active', 'shutting_down', 'error')),
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			envelope_id TEXT NOT NULL UNIQUE,
			trace_id TEXT,
			from_agent TEXT NOT NULL,
			to_agent TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 5,
			decision TEXT NOT NULL CHECK(decision IN ('approved', 'rejected', 'error')),
			delivered INTEGER NOT NULL DEFAULT 0,
			reason TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_from ON audit_log(from_agent, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_to ON audit_log(to_agent, created_at);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersion, schemaChecksum); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// SaveAgent inserts or refreshes an agent record. The roster survives
// restarts; duplicate-id rejection is the registry's concern, not the DB's.
func (s *Store) SaveAgent(ctx context.Context, rec AgentRecord) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agents (agent_id, name, type, role, priority, immutable, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			ON CONFLICT(agent_id) DO UPDATE SET
				name = excluded.name,
				type = excluded.type,
				role = excluded.role,
				priority = excluded.priority,
				immutable = excluded.immutable,
				status = excluded.status,
				updated_at = CURRENT_TIMESTAMP;
		`, rec.AgentID, rec.Name, rec.Type, rec.Role, rec.Priority, rec.Immutable, rec.Status)
		if err != nil {
			return fmt.Errorf("save agent: %w", err)
		}
		return nil
	})
}

// UpdateAgentStatus sets the status column for one agent.
func (s *Store) UpdateAgentStatus(ctx context.Context, agentID, status string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE agent_id = ?;
	`, status, agentID)
	if err != nil {
		return fmt.Errorf("update agent status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("agent status rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("agent %q not in roster", agentID)
	}
	return nil
}

// ListAgents returns the persisted roster.
func (s *Store) ListAgents(ctx context.Context) ([]AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, name, type, role, priority, immutable, status, created_at, updated_at
		FROM agents
		ORDER BY created_at ASC, agent_id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()

	var out []AgentRecord
	for rows.Next() {
		var rec AgentRecord
		if err := rows.Scan(&rec.AgentID, &rec.Name, &rec.Type, &rec.Role, &rec.Priority, &rec.Immutable, &rec.Status, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agent rows: %w", err)
	}
	return out, nil
}

// AppendAudit writes one audit row. The envelope id is unique; a second write
// for the same envelope is a bug and surfaces as an error. Content and reason
// are redacted before persistence.
func (s *Store) AppendAudit(ctx context.Context, rec AuditRecord) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO audit_log (envelope_id, trace_id, from_agent, to_agent, priority, decision, delivered, reason, content, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, rec.EnvelopeID, rec.TraceID, rec.FromAgent, rec.ToAgent, rec.Priority, rec.Decision, rec.Delivered,
			shared.Redact(rec.Reason), shared.Redact(rec.Content))
		if err != nil {
			return fmt.Errorf("append audit: %w", err)
		}
		return nil
	})
}

// AuditByEnvelope returns the audit row for one envelope id, or nil.
func (s *Store) AuditByEnvelope(ctx context.Context, envelopeID string) (*AuditRecord, error) {
	var rec AuditRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT id, envelope_id, COALESCE(trace_id, ''), from_agent, to_agent, priority, decision, delivered, reason, content, created_at
		FROM audit_log
		WHERE envelope_id = ?;
	`, envelopeID).Scan(&rec.ID, &rec.EnvelopeID, &rec.TraceID, &rec.FromAgent, &rec.ToAgent, &rec.Priority,
		&rec.Decision, &rec.Delivered, &rec.Reason, &rec.Content, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("audit by envelope: %w", err)
	}
	return &rec, nil
}

// ListAudit returns the most recent audit rows, newest first.
func (s *Store) ListAudit(ctx context.Context, limit int) ([]AuditRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, envelope_id, COALESCE(trace_id, ''), from_agent, to_agent, priority, decision, delivered, reason, content, created_at
		FROM audit_log
		ORDER BY id DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var rec AuditRecord
		if err := rows.Scan(&rec.ID, &rec.EnvelopeID, &rec.TraceID, &rec.FromAgent, &rec.ToAgent, &rec.Priority,
			&rec.Decision, &rec.Delivered, &rec.Reason, &rec.Content, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit rows: %w", err)
	}
	return out, nil
}

// CountAudit returns the number of audit rows.
func (s *Store) CountAudit(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM audit_log;`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count audit: %w", err)
	}
	return count, nil
}

// PruneAudit deletes audit rows older than cutoff and returns the number
// removed. Used by the retention sweeper; a zero retention config never
// calls this.
func (s *Store) PruneAudit(ctx context.Context, cutoff time.Time) (int64, error) {
	var removed int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, cutoff.UTC())
		if err != nil {
			return fmt.Errorf("prune audit: %w", err)
		}
		removed, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("prune rows affected: %w", err)
		}
		return nil
	})
	return removed, err
}
