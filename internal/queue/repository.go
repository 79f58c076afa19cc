package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"

	"github.com/hearthkit/hearthsync/internal/loggy"
)

// Repository defines persistence operations for the operation queue
type Repository interface {
	// Insert persists a new operation and assigns its sequence number
	Insert(ctx context.Context, op *Operation) error

	// Get retrieves an operation by ID
	Get(ctx context.Context, opID string) (*Operation, error)

	// GetPendingUpdate returns the pending update operation for a document,
	// or ErrNotFound if there is none
	GetPendingUpdate(ctx context.Context, collection, documentID string) (*Operation, error)

	// GetPendingCreate returns the pending create operation for a document,
	// or ErrNotFound if there is none
	GetPendingCreate(ctx context.Context, collection, documentID string) (*Operation, error)

	// UpdatePayload replaces the payload of a pending operation
	UpdatePayload(ctx context.Context, opID string, payload map[string]any) error

	// DeletePending removes all pending operations for a document and
	// returns how many were removed
	DeletePending(ctx context.Context, collection, documentID string) (int64, error)

	// OldestPending returns the oldest pending operation for a document,
	// or ErrNotFound if there is none
	OldestPending(ctx context.Context, collection, documentID string) (*Operation, error)

	// SetStatus transitions an operation's lifecycle state
	SetStatus(ctx context.Context, opID string, status Status, attempts int, nextAttemptAt time.Time, lastError string) error

	// ResetInFlight returns every in-flight operation to pending and
	// reports how many were reset
	ResetInFlight(ctx context.Context) (int64, error)

	// Delete removes an operation outright (explicit discard)
	Delete(ctx context.Context, opID string) error

	// PendingCount returns the number of pending operations
	PendingCount(ctx context.Context) (int, error)

	// ListByStatus returns operations with the given status in queue order
	ListByStatus(ctx context.Context, status Status) ([]*Operation, error)

	// PendingDocuments returns the documents that have pending operations,
	// ordered by the sequence of their oldest pending operation
	PendingDocuments(ctx context.Context) ([]DocumentRef, error)
}

const operationColumns = "seq, id, kind, collection, document_id, payload, base_version, status, attempts, next_attempt_at, last_error, enqueued_at, updated_at"

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

// Insert persists a new operation and assigns its sequence number
func (r *SQLRepository) Insert(ctx context.Context, op *Operation) error {
	payload, err := marshalPayload(op.Payload)
	if err != nil {
		return err
	}

	q := squirrel.Insert("sync_operations").
		Columns("id", "kind", "collection", "document_id", "payload", "base_version", "status", "attempts", "next_attempt_at", "last_error", "enqueued_at", "updated_at").
		Values(op.ID, op.Kind, op.Collection, op.DocumentID, payload, op.BaseVersion, op.Status, op.Attempts, op.NextAttemptAt, op.LastError, op.EnqueuedAt, op.UpdatedAt)

	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("building insert operation query: %w", err)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("executing insert operation query: %w", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading operation sequence: %w", err)
	}
	op.Seq = seq

	return nil
}

// Get retrieves an operation by ID
func (r *SQLRepository) Get(ctx context.Context, opID string) (*Operation, error) {
	q := squirrel.Select(operationColumns).
		From("sync_operations").
		Where(squirrel.Eq{"id": opID}).
		Limit(1)

	return r.queryOne(ctx, q)
}

// GetPendingUpdate returns the pending update operation for a document
func (r *SQLRepository) GetPendingUpdate(ctx context.Context, collection, documentID string) (*Operation, error) {
	return r.pendingByKind(ctx, collection, documentID, KindUpdate)
}

// GetPendingCreate returns the pending create operation for a document
func (r *SQLRepository) GetPendingCreate(ctx context.Context, collection, documentID string) (*Operation, error) {
	return r.pendingByKind(ctx, collection, documentID, KindCreate)
}

func (r *SQLRepository) pendingByKind(ctx context.Context, collection, documentID string, kind Kind) (*Operation, error) {
	q := squirrel.Select(operationColumns).
		From("sync_operations").
		Where(squirrel.Eq{
			"collection":  collection,
			"document_id": documentID,
			"kind":        kind,
			"status":      StatusPending,
		}).
		OrderBy("seq DESC").
		Limit(1)

	return r.queryOne(ctx, q)
}

// UpdatePayload replaces the payload of a pending operation
func (r *SQLRepository) UpdatePayload(ctx context.Context, opID string, payload map[string]any) error {
	data, err := marshalPayload(payload)
	if err != nil {
		return err
	}

	q := squirrel.Update("sync_operations").
		Set("payload", data).
		Set("updated_at", time.Now()).
		Where(squirrel.Eq{"id": opID, "status": StatusPending})

	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("building update payload query: %w", err)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("executing update payload query: %w", err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}

	return nil
}

// DeletePending removes all pending operations for a document
func (r *SQLRepository) DeletePending(ctx context.Context, collection, documentID string) (int64, error) {
	q := squirrel.Delete("sync_operations").
		Where(squirrel.Eq{
			"collection":  collection,
			"document_id": documentID,
			"status":      StatusPending,
		})

	query, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("building delete pending query: %w", err)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("executing delete pending query: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading delete pending result: %w", err)
	}

	return n, nil
}

// OldestPending returns the oldest pending operation for a document
func (r *SQLRepository) OldestPending(ctx context.Context, collection, documentID string) (*Operation, error) {
	q := squirrel.Select(operationColumns).
		From("sync_operations").
		Where(squirrel.Eq{
			"collection":  collection,
			"document_id": documentID,
			"status":      StatusPending,
		}).
		OrderBy("seq ASC").
		Limit(1)

	return r.queryOne(ctx, q)
}

// SetStatus transitions an operation's lifecycle state
func (r *SQLRepository) SetStatus(ctx context.Context, opID string, status Status, attempts int, nextAttemptAt time.Time, lastError string) error {
	q := squirrel.Update("sync_operations").
		Set("status", status).
		Set("attempts", attempts).
		Set("next_attempt_at", nextAttemptAt).
		Set("last_error", lastError).
		Set("updated_at", time.Now()).
		Where(squirrel.Eq{"id": opID})

	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("building set status query: %w", err)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("executing set status query: %w", err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}

	return nil
}

// ResetInFlight returns operations left in flight by a crashed or
// interrupted process to pending
func (r *SQLRepository) ResetInFlight(ctx context.Context) (int64, error) {
	q := squirrel.Update("sync_operations").
		Set("status", StatusPending).
		Set("updated_at", time.Now()).
		Where(squirrel.Eq{"status": StatusInFlight})

	query, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("building reset in-flight query: %w", err)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("executing reset in-flight query: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting reset operations: %w", err)
	}
	return n, nil
}

// Delete removes an operation outright
func (r *SQLRepository) Delete(ctx context.Context, opID string) error {
	q := squirrel.Delete("sync_operations").Where(squirrel.Eq{"id": opID})

	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("building delete operation query: %w", err)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("executing delete operation query: %w", err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}

	return nil
}

// PendingCount returns the number of pending operations
func (r *SQLRepository) PendingCount(ctx context.Context) (int, error) {
	q := squirrel.Select("COUNT(*)").
		From("sync_operations").
		Where(squirrel.Eq{"status": StatusPending})

	query, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("building pending count query: %w", err)
	}

	var count int
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("executing pending count query: %w", err)
	}

	return count, nil
}

// ListByStatus returns operations with the given status in queue order
func (r *SQLRepository) ListByStatus(ctx context.Context, status Status) ([]*Operation, error) {
	q := squirrel.Select(operationColumns).
		From("sync_operations").
		Where(squirrel.Eq{"status": status}).
		OrderBy("seq ASC")

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building list operations query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing list operations query: %w", err)
	}
	defer rows.Close()

	var ops []*Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating operation rows: %w", err)
	}

	return ops, nil
}

// PendingDocuments returns the documents that have pending operations
func (r *SQLRepository) PendingDocuments(ctx context.Context) ([]DocumentRef, error) {
	q := squirrel.Select("collection", "document_id").
		From("sync_operations").
		Where(squirrel.Eq{"status": StatusPending}).
		GroupBy("collection", "document_id").
		OrderBy("MIN(seq) ASC")

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building pending documents query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing pending documents query: %w", err)
	}
	defer rows.Close()

	var refs []DocumentRef
	for rows.Next() {
		var ref DocumentRef
		if err := rows.Scan(&ref.Collection, &ref.DocumentID); err != nil {
			return nil, fmt.Errorf("scanning pending document row: %w", err)
		}
		refs = append(refs, ref)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating pending document rows: %w", err)
	}

	return refs, nil
}

func (r *SQLRepository) queryOne(ctx context.Context, q squirrel.SelectBuilder) (*Operation, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building operation query: %w", err)
	}

	row := r.db.QueryRowContext(ctx, query, args...)
	op, err := scanOperation(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return op, nil
}

// rowScanner abstracts *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (*Operation, error) {
	var (
		op          Operation
		payload     sql.NullString
		baseVersion sql.NullInt64
	)

	err := row.Scan(
		&op.Seq,
		&op.ID,
		&op.Kind,
		&op.Collection,
		&op.DocumentID,
		&payload,
		&baseVersion,
		&op.Status,
		&op.Attempts,
		&op.NextAttemptAt,
		&op.LastError,
		&op.EnqueuedAt,
		&op.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scanning operation row: %w", err)
	}

	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &op.Payload); err != nil {
			return nil, fmt.Errorf("decoding operation payload: %w", err)
		}
	}
	if baseVersion.Valid {
		v := baseVersion.Int64
		op.BaseVersion = &v
	}

	return &op, nil
}

func marshalPayload(payload map[string]any) (any, error) {
	if payload == nil {
		return nil, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding operation payload: %w", err)
	}
	return string(data), nil
}
