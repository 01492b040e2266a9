// Package store provides durable SQLite-backed persistence for pulses, with
// the two covering indexes the scheduler's hot queries depend on.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kdlbs/reeve/internal/pulse"
)

// currentSchema is the schema version this build of the Store understands.
// Store.Open refuses to serve a database stamped with any other version.
const currentSchema = 1

// ErrUnknownSchema is returned by Open when the database's schema_version
// does not match currentSchema.
var ErrUnknownSchema = errors.New("store: database schema version is not recognized by this build")

// ErrNotFound is returned by Get when no pulse with the given id exists.
var ErrNotFound = errors.New("store: pulse not found")

// Store wraps a single-writer SQLite connection holding the pulses table.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path, applies
// the schema if this is a fresh database, and verifies the schema version
// otherwise.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	// SQLite only supports one writer; a single pooled connection avoids
	// "database is locked" errors under the daemon's single-writer model.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}
	if err := s.checkSchemaVersion(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS pulses (
	id                    INTEGER PRIMARY KEY AUTOINCREMENT,
	scheduled_at          DATETIME NOT NULL,
	prompt                TEXT NOT NULL,
	priority              TEXT NOT NULL,
	priority_rank         INTEGER NOT NULL,
	status                TEXT NOT NULL,
	session_id            TEXT NOT NULL DEFAULT '',
	sticky_notes          TEXT NOT NULL DEFAULT '[]',
	tags                  TEXT NOT NULL DEFAULT '[]',
	retry_count           INTEGER NOT NULL DEFAULT 0,
	max_retries           INTEGER NOT NULL DEFAULT 3,
	created_by            TEXT NOT NULL DEFAULT '',
	created_at            DATETIME NOT NULL,
	executed_at           DATETIME,
	execution_duration_ms INTEGER,
	error_message         TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_pulses_claim ON pulses(status, priority_rank, scheduled_at);
CREATE INDEX IF NOT EXISTS idx_pulses_upcoming ON pulses(scheduled_at, status);
`

func (s *Store) initSchema() error {
	if _, err := s.db.Exec(schemaSQL); err != nil {
		return err
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_version`).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		_, err := s.db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, currentSchema)
		return err
	}
	return nil
}

func (s *Store) checkSchemaVersion() error {
	var version int
	if err := s.db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&version); err != nil {
		return fmt.Errorf("store: read schema version: %w", err)
	}
	if version != currentSchema {
		return fmt.Errorf("%w: found version %d, expected %d", ErrUnknownSchema, version, currentSchema)
	}
	return nil
}

// Insert writes p as a new row and returns the assigned id. CreatedAt and
// Status are expected to already be set by the caller (the Queue).
func (s *Store) Insert(ctx context.Context, p *pulse.Pulse) (int64, error) {
	stickyNotes, err := json.Marshal(orEmpty(p.StickyNotes))
	if err != nil {
		return 0, err
	}
	tags, err := json.Marshal(orEmpty(p.Tags))
	if err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO pulses (scheduled_at, prompt, priority, priority_rank, status, session_id, sticky_notes, tags, retry_count, max_retries, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ScheduledAt.UTC(), p.Prompt, string(p.Priority), p.Priority.Rank(), string(p.Status), p.SessionID, string(stickyNotes), string(tags), p.RetryCount, p.MaxRetries, p.CreatedBy, p.CreatedAt.UTC())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

const selectColumns = `id, scheduled_at, prompt, priority, status, session_id, sticky_notes, tags, retry_count, max_retries, created_by, created_at, executed_at, execution_duration_ms, error_message`

func scanPulse(row interface{ Scan(...any) error }) (*pulse.Pulse, error) {
	var p pulse.Pulse
	var priority, status string
	var stickyNotes, tags string
	var executedAt sql.NullTime
	var durationMs sql.NullInt64

	err := row.Scan(&p.ID, &p.ScheduledAt, &p.Prompt, &priority, &status, &p.SessionID, &stickyNotes, &tags, &p.RetryCount, &p.MaxRetries, &p.CreatedBy, &p.CreatedAt, &executedAt, &durationMs, &p.ErrorMessage)
	if err != nil {
		return nil, err
	}

	p.Priority = pulse.Priority(priority)
	p.Status = pulse.Status(status)
	p.ScheduledAt = p.ScheduledAt.UTC()
	p.CreatedAt = p.CreatedAt.UTC()
	_ = json.Unmarshal([]byte(stickyNotes), &p.StickyNotes)
	_ = json.Unmarshal([]byte(tags), &p.Tags)
	if executedAt.Valid {
		t := executedAt.Time.UTC()
		p.ExecutedAt = &t
	}
	if durationMs.Valid {
		p.ExecutionDurationMs = &durationMs.Int64
	}
	return &p, nil
}

// Get returns the pulse with the given id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id int64) (*pulse.Pulse, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM pulses WHERE id = ?`, id)
	p, err := scanPulse(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// Due returns up to limit PENDING pulses whose scheduled_at <= now, ordered
// by priority rank (CRITICAL-first) then scheduled_at ascending (FIFO).
func (s *Store) Due(ctx context.Context, now time.Time, limit int) ([]*pulse.Pulse, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectColumns+` FROM pulses
		WHERE status = ? AND scheduled_at <= ?
		ORDER BY priority_rank ASC, scheduled_at ASC
		LIMIT ?
	`, string(pulse.StatusPending), now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAll(rows)
}

// Upcoming returns up to limit pulses whose status is in statuses, ordered
// by scheduled_at ascending.
func (s *Store) Upcoming(ctx context.Context, statuses []pulse.Status, limit int) ([]*pulse.Pulse, error) {
	if len(statuses) == 0 {
		statuses = []pulse.Status{pulse.StatusPending}
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, 0, len(statuses)+1)
	for i, st := range statuses {
		placeholders[i] = "?"
		args = append(args, string(st))
	}
	args = append(args, limit)

	query := `SELECT ` + selectColumns + ` FROM pulses WHERE status IN (` + strings.Join(placeholders, ",") + `) ORDER BY scheduled_at ASC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAll(rows)
}

func scanAll(rows *sql.Rows) ([]*pulse.Pulse, error) {
	var out []*pulse.Pulse
	for rows.Next() {
		p, err := scanPulse(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CASStatus atomically transitions a pulse from `from` to `to`, returning
// true iff the row was in `from` at the time of the update. This is the
// at-most-once claim guard (mark_processing) and is reused for cancel.
func (s *Store) CASStatus(ctx context.Context, id int64, from, to pulse.Status) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE pulses SET status = ? WHERE id = ? AND status = ?`, string(to), id, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Complete transitions a PROCESSING pulse to COMPLETED, stamping
// executed_at and execution_duration_ms. Returns false if not PROCESSING.
func (s *Store) Complete(ctx context.Context, id int64, executedAt time.Time, durationMs int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pulses SET status = ?, executed_at = ?, execution_duration_ms = ?
		WHERE id = ? AND status = ?
	`, string(pulse.StatusCompleted), executedAt.UTC(), durationMs, id, string(pulse.StatusProcessing))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Fail transitions a PROCESSING pulse to FAILED, stamping executed_at and
// error_message. Returns false if not PROCESSING.
func (s *Store) Fail(ctx context.Context, id int64, executedAt time.Time, errMsg string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pulses SET status = ?, executed_at = ?, error_message = ?
		WHERE id = ? AND status = ?
	`, string(pulse.StatusFailed), executedAt.UTC(), errMsg, id, string(pulse.StatusProcessing))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Reschedule updates scheduled_at iff the pulse is still PENDING.
func (s *Store) Reschedule(ctx context.Context, id int64, newScheduledAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pulses SET scheduled_at = ? WHERE id = ? AND status = ?
	`, newScheduledAt.UTC(), id, string(pulse.StatusPending))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ResetOrphaned resets PROCESSING pulses whose created_at is at or before
// olderThan back to PENDING, incrementing retry_count (the §7 startup
// reconciliation rule). The claim time is not stored, so age is measured
// from created_at. Returns the ids reset.
func (s *Store) ResetOrphaned(ctx context.Context, olderThan time.Time) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM pulses WHERE status = ? AND created_at <= ?
	`, string(pulse.StatusProcessing), olderThan.UTC())
	if err != nil {
		return nil, err
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE pulses SET status = ?, retry_count = retry_count + 1 WHERE id = ? AND status = ?
		`, string(pulse.StatusPending), id, string(pulse.StatusProcessing)); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// CountsByStatus returns the number of pulses in each status, for the
// status-echo endpoint.
func (s *Store) CountsByStatus(ctx context.Context) (map[pulse.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM pulses GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[pulse.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[pulse.Status(status)] = n
	}
	return counts, rows.Err()
}
