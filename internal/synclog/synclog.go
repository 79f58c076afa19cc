// Package synclog persists a durable record of completed sync runs so
// history survives restarts, unlike the in-memory counters.
package synclog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"

	"github.com/hearthkit/hearthsync/internal/loggy"
	"github.com/hearthkit/hearthsync/internal/ulid"
)

// Trigger identifies what started a sync run
type Trigger string

const (
	// TriggerTimer is the periodic background interval
	TriggerTimer Trigger = "timer"
	// TriggerNetwork is an offline-to-online transition
	TriggerNetwork Trigger = "network"
	// TriggerManual is an explicit user request
	TriggerManual Trigger = "manual"
	// TriggerEnqueue is a new local mutation while online
	TriggerEnqueue Trigger = "enqueue"
)

// Entry records the outcome of one sync run
type Entry struct {
	ID           string     `json:"id"`
	Trigger      Trigger    `json:"trigger"`
	Pushed       int        `json:"pushed"`
	Pulled       int        `json:"pulled"`
	Conflicts    int        `json:"conflicts"`
	Failed       int        `json:"failed"`
	Success      bool       `json:"success"`
	ErrorMessage string     `json:"error_message,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Duration returns the wall-clock duration of a completed run
func (e *Entry) Duration() time.Duration {
	if e.CompletedAt == nil {
		return 0
	}
	return e.CompletedAt.Sub(e.StartedAt)
}

// NewEntry creates a log entry for a run starting now
func NewEntry(trigger Trigger) *Entry {
	return &Entry{
		ID:        ulid.SyncID(),
		Trigger:   trigger,
		StartedAt: time.Now(),
	}
}

// Repository defines persistence operations for sync run history
type Repository interface {
	// Record persists a completed sync run
	Record(ctx context.Context, e *Entry) error

	// ListRecent returns the most recent runs, newest first
	ListRecent(ctx context.Context, limit int) ([]*Entry, error)

	// Last returns the most recent run, or ErrNotFound when none exist
	Last(ctx context.Context) (*Entry, error)

	// Prune deletes runs older than the cutoff and returns how many went
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}

// ErrNotFound is returned when no sync runs have been recorded
var ErrNotFound = sql.ErrNoRows

const entryColumns = "id, trigger_kind, pushed, pulled, conflicts, failed, success, error_message, started_at, completed_at"

// SQLRepository implements the Repository interface using a SQL database
type SQLRepository struct {
	db     *sql.DB
	logger *loggy.Logger
}

// NewSQLRepository creates a new SQL repository
func NewSQLRepository(db *sql.DB, logger *loggy.Logger) *SQLRepository {
	return &SQLRepository{
		db:     db,
		logger: logger,
	}
}

// Record persists a completed sync run
func (r *SQLRepository) Record(ctx context.Context, e *Entry) error {
	q := squirrel.Insert("sync_logs").
		Columns("id", "trigger_kind", "pushed", "pulled", "conflicts", "failed", "success", "error_message", "started_at", "completed_at").
		Values(e.ID, e.Trigger, e.Pushed, e.Pulled, e.Conflicts, e.Failed, e.Success, e.ErrorMessage, e.StartedAt, e.CompletedAt)

	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("building record sync log query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("executing record sync log query: %w", err)
	}

	return nil
}

// ListRecent returns the most recent runs, newest first
func (r *SQLRepository) ListRecent(ctx context.Context, limit int) ([]*Entry, error) {
	q := squirrel.Select(entryColumns).
		From("sync_logs").
		OrderBy("started_at DESC")

	if limit > 0 {
		q = q.Limit(uint64(limit))
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building list sync logs query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing list sync logs query: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sync log rows: %w", err)
	}

	return entries, nil
}

// Last returns the most recent run
func (r *SQLRepository) Last(ctx context.Context) (*Entry, error) {
	entries, err := r.ListRecent(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrNotFound
	}
	return entries[0], nil
}

// Prune deletes runs older than the cutoff
func (r *SQLRepository) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	q := squirrel.Delete("sync_logs").
		Where(squirrel.Lt{"started_at": olderThan})

	query, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("building prune sync logs query: %w", err)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("executing prune sync logs query: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading pruned row count: %w", err)
	}

	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		e           Entry
		completedAt sql.NullTime
	)

	err := row.Scan(
		&e.ID,
		&e.Trigger,
		&e.Pushed,
		&e.Pulled,
		&e.Conflicts,
		&e.Failed,
		&e.Success,
		&e.ErrorMessage,
		&e.StartedAt,
		&completedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning sync log row: %w", err)
	}

	if completedAt.Valid {
		t := completedAt.Time
		e.CompletedAt = &t
	}

	return &e, nil
}
