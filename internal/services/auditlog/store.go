// Package auditlog persists the power-action audit trail in SQLite.
package auditlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fgeck/powerfleet/internal/models"
	"github.com/rs/zerolog"
	"github.com/siderolabs/go-retry/retry"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// Defaults for the append retry window.
const (
	DefaultAppendWindow = 2 * time.Second
	DefaultAppendStep   = 50 * time.Millisecond
)

// Service defines the interface for the audit event log.
type Service interface {
	Append(ctx context.Context, event models.AuditEvent) error
	ListRecent(ctx context.Context, limit int) ([]models.AuditEvent, error)
	ListByTarget(ctx context.Context, targetID string, limit int) ([]models.AuditEvent, error)
	ListByBatch(ctx context.Context, batchID string) ([]models.AuditEvent, error)
	Cleanup(ctx context.Context, retentionDays, maxRows int) (int64, error)
	Close() error
}

// Store implements Service on top of database/sql.
type Store struct {
	db           *sql.DB
	logger       zerolog.Logger
	appendWindow time.Duration
	appendStep   time.Duration
	now          func() time.Time
}

// Open opens (or creates) the SQLite database at path and ensures the schema.
// Use ":memory:" for a throwaway log.
func Open(ctx context.Context, logger zerolog.Logger, path string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	// Writers are serialised through a single connection.
	db.SetMaxOpenConns(1)

	s := NewWithDB(logger, db)
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Debug().Str("path", path).Msg("audit log opened")
	return s, nil
}

// NewWithDB wraps an existing database handle (for testing).
func NewWithDB(logger zerolog.Logger, db *sql.DB) *Store {
	return &Store{
		db:           db,
		logger:       logger,
		appendWindow: DefaultAppendWindow,
		appendStep:   DefaultAppendStep,
		now:          time.Now,
	}
}

func dsn(path string) string {
	if path == ":memory:" || strings.HasPrefix(path, "file:") {
		return path
	}
	return "file:" + path + "?_pragma=busy_timeout(1000)&_pragma=journal_mode(WAL)"
}

// EnsureSchema creates the events table and its indexes. It is idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS audit_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			batch_id TEXT NOT NULL,
			target_id TEXT NOT NULL,
			action TEXT NOT NULL,
			status TEXT NOT NULL,
			initiated_by TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			response_time_ms INTEGER,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_target ON audit_events(target_id, id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_batch ON audit_events(batch_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_created ON audit_events(created_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating audit schema: %w", err)
		}
	}
	return nil
}

// SetAppendWindow overrides how long Append keeps retrying a busy database.
func (s *Store) SetAppendWindow(window, step time.Duration) {
	s.appendWindow = window
	s.appendStep = step
}

// Append writes one event. A locked database is retried for a short
// window; any other failure is returned immediately.
func (s *Store) Append(ctx context.Context, event models.AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}
	if event.InitiatedBy == "" {
		event.InitiatedBy = models.DefaultInitiator
	}

	var responseTime sql.NullInt64
	if event.ResponseTimeMs != nil {
		responseTime = sql.NullInt64{Int64: *event.ResponseTimeMs, Valid: true}
	}

	err := retry.Constant(s.appendWindow, retry.WithUnits(s.appendStep)).RetryWithContext(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO audit_events(batch_id, target_id, action, status, initiated_by, detail, response_time_ms, created_at)
			VALUES (?,?,?,?,?,?,?,?)`,
			event.BatchID, event.TargetID, string(event.Action), string(event.Status),
			event.InitiatedBy, event.Detail, responseTime, event.Timestamp.UnixMilli(),
		)
		if err != nil && isBusy(err) {
			return retry.ExpectedError(err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("appending audit event for %s: %w", event.TargetID, err)
	}

	s.logger.Debug().
		Str("batch_id", event.BatchID).
		Str("target", event.TargetID).
		Str("action", string(event.Action)).
		Str("status", string(event.Status)).
		Msg("audit event recorded")

	return nil
}

func isBusy(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}

const selectColumns = `SELECT id, batch_id, target_id, action, status, initiated_by, detail, response_time_ms, created_at FROM audit_events`

// ListRecent returns the newest events first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]models.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.query(ctx, selectColumns+` ORDER BY id DESC LIMIT ?`, limit)
}

// ListByTarget returns the newest events for one target first.
func (s *Store) ListByTarget(ctx context.Context, targetID string, limit int) ([]models.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.query(ctx, selectColumns+` WHERE target_id = ? ORDER BY id DESC LIMIT ?`, targetID, limit)
}

// ListByBatch returns every event of one batch in insertion order.
func (s *Store) ListByBatch(ctx context.Context, batchID string) ([]models.AuditEvent, error) {
	return s.query(ctx, selectColumns+` WHERE batch_id = ? ORDER BY id ASC`, batchID)
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]models.AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	list := []models.AuditEvent{}
	for rows.Next() {
		var (
			e            models.AuditEvent
			action       string
			status       string
			responseTime sql.NullInt64
			createdAt    int64
		)
		if err := rows.Scan(&e.ID, &e.BatchID, &e.TargetID, &action, &status,
			&e.InitiatedBy, &e.Detail, &responseTime, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning audit event: %w", err)
		}
		e.Action = models.Action(action)
		e.Status = models.AuditStatus(status)
		if responseTime.Valid {
			v := responseTime.Int64
			e.ResponseTimeMs = &v
		}
		e.Timestamp = time.UnixMilli(createdAt)
		list = append(list, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading audit events: %w", err)
	}
	return list, nil
}

// Cleanup drops events older than retentionDays and keeps at most maxRows
// of the newest ones. A zero limit disables that rule. It returns the
// number of deleted rows.
func (s *Store) Cleanup(ctx context.Context, retentionDays, maxRows int) (int64, error) {
	var deleted int64

	if retentionDays > 0 {
		cutoff := s.now().AddDate(0, 0, -retentionDays).UnixMilli()
		res, err := s.db.ExecContext(ctx, `DELETE FROM audit_events WHERE created_at < ?`, cutoff)
		if err != nil {
			return deleted, fmt.Errorf("applying audit retention: %w", err)
		}
		n, _ := res.RowsAffected()
		deleted += n
	}

	if maxRows > 0 {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM audit_events WHERE id IN (SELECT id FROM audit_events ORDER BY id DESC LIMIT -1 OFFSET ?)`, maxRows)
		if err != nil {
			return deleted, fmt.Errorf("trimming audit log: %w", err)
		}
		n, _ := res.RowsAffected()
		deleted += n
	}

	if deleted > 0 {
		s.logger.Info().Int64("deleted", deleted).Msg("audit log cleaned up")
	}
	return deleted, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		return err
	}
	return nil
}
