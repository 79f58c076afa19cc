package conflict

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"

	"github.com/hearthkit/hearthsync/internal/loggy"
)

// ErrNotFound is returned when a conflict does not exist
var ErrNotFound = sql.ErrNoRows

// Repository defines persistence operations for recorded conflicts
type Repository interface {
	// Create persists a newly detected conflict
	Create(ctx context.Context, c *Conflict) error

	// Get retrieves a conflict by ID
	Get(ctx context.Context, id string) (*Conflict, error)

	// MarkResolved records the resolution of a conflict
	MarkResolved(ctx context.Context, id string, status Status, tiebrokenFields []string, resolvedAt time.Time) error

	// ListUnresolved returns unresolved conflicts oldest first
	ListUnresolved(ctx context.Context) ([]*Conflict, error)

	// ListRecent returns the most recently detected conflicts
	ListRecent(ctx context.Context, limit int) ([]*Conflict, error)

	// UnresolvedCount returns the number of unresolved conflicts
	UnresolvedCount(ctx context.Context) (int, error)

	// HasUnresolved reports whether a document has an unresolved conflict
	HasUnresolved(ctx context.Context, collection, documentID string) (bool, error)
}

const conflictColumns = "id, collection, document_id, operation_id, local_snapshot, remote_snapshot, remote_version, policy, status, tiebroken_fields, detected_at, resolved_at"

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

// Create persists a newly detected conflict
func (r *SQLRepository) Create(ctx context.Context, c *Conflict) error {
	localSnap, err := json.Marshal(c.LocalSnapshot)
	if err != nil {
		return fmt.Errorf("encoding local snapshot: %w", err)
	}
	remoteSnap, err := json.Marshal(c.RemoteSnapshot)
	if err != nil {
		return fmt.Errorf("encoding remote snapshot: %w", err)
	}

	q := squirrel.Insert("conflicts").
		Columns("id", "collection", "document_id", "operation_id", "local_snapshot", "remote_snapshot", "remote_version", "policy", "status", "tiebroken_fields", "detected_at", "resolved_at").
		Values(c.ID, c.Collection, c.DocumentID, c.OperationID, string(localSnap), string(remoteSnap), c.RemoteSnapshot.Version, c.Policy, c.Status, strings.Join(c.TiebrokenFields, ","), c.DetectedAt, c.ResolvedAt)

	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("building create conflict query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("executing create conflict query: %w", err)
	}

	return nil
}

// Get retrieves a conflict by ID
func (r *SQLRepository) Get(ctx context.Context, id string) (*Conflict, error) {
	q := squirrel.Select(conflictColumns).
		From("conflicts").
		Where(squirrel.Eq{"id": id}).
		Limit(1)

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building get conflict query: %w", err)
	}

	c, err := scanConflict(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return c, nil
}

// MarkResolved records the resolution of a conflict
func (r *SQLRepository) MarkResolved(ctx context.Context, id string, status Status, tiebrokenFields []string, resolvedAt time.Time) error {
	q := squirrel.Update("conflicts").
		Set("status", status).
		Set("tiebroken_fields", strings.Join(tiebrokenFields, ",")).
		Set("resolved_at", resolvedAt).
		Where(squirrel.Eq{"id": id})

	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("building mark resolved query: %w", err)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("executing mark resolved query: %w", err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}

	return nil
}

// ListUnresolved returns unresolved conflicts oldest first
func (r *SQLRepository) ListUnresolved(ctx context.Context) ([]*Conflict, error) {
	q := squirrel.Select(conflictColumns).
		From("conflicts").
		Where(squirrel.Eq{"status": StatusUnresolved}).
		OrderBy("detected_at ASC")

	return r.queryMany(ctx, q)
}

// ListRecent returns the most recently detected conflicts
func (r *SQLRepository) ListRecent(ctx context.Context, limit int) ([]*Conflict, error) {
	q := squirrel.Select(conflictColumns).
		From("conflicts").
		OrderBy("detected_at DESC")

	if limit > 0 {
		q = q.Limit(uint64(limit))
	}

	return r.queryMany(ctx, q)
}

// UnresolvedCount returns the number of unresolved conflicts
func (r *SQLRepository) UnresolvedCount(ctx context.Context) (int, error) {
	q := squirrel.Select("COUNT(*)").
		From("conflicts").
		Where(squirrel.Eq{"status": StatusUnresolved})

	query, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("building unresolved count query: %w", err)
	}

	var count int
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("executing unresolved count query: %w", err)
	}

	return count, nil
}

// HasUnresolved reports whether a document has an unresolved conflict
func (r *SQLRepository) HasUnresolved(ctx context.Context, collection, documentID string) (bool, error) {
	q := squirrel.Select("COUNT(*)").
		From("conflicts").
		Where(squirrel.Eq{
			"collection":  collection,
			"document_id": documentID,
			"status":      StatusUnresolved,
		})

	query, args, err := q.ToSql()
	if err != nil {
		return false, fmt.Errorf("building has unresolved query: %w", err)
	}

	var count int
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return false, fmt.Errorf("executing has unresolved query: %w", err)
	}

	return count > 0, nil
}

func (r *SQLRepository) queryMany(ctx context.Context, q squirrel.SelectBuilder) ([]*Conflict, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building conflicts query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing conflicts query: %w", err)
	}
	defer rows.Close()

	var conflicts []*Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conflict rows: %w", err)
	}

	return conflicts, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConflict(row rowScanner) (*Conflict, error) {
	var (
		c             Conflict
		localSnap     string
		remoteSnap    string
		remoteVersion int64
		tiebroken     string
		resolvedAt    sql.NullTime
	)

	err := row.Scan(
		&c.ID,
		&c.Collection,
		&c.DocumentID,
		&c.OperationID,
		&localSnap,
		&remoteSnap,
		&remoteVersion,
		&c.Policy,
		&c.Status,
		&tiebroken,
		&c.DetectedAt,
		&resolvedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scanning conflict row: %w", err)
	}

	if err := json.Unmarshal([]byte(localSnap), &c.LocalSnapshot); err != nil {
		return nil, fmt.Errorf("decoding local snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(remoteSnap), &c.RemoteSnapshot); err != nil {
		return nil, fmt.Errorf("decoding remote snapshot: %w", err)
	}

	if tiebroken != "" {
		c.TiebrokenFields = strings.Split(tiebroken, ",")
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		c.ResolvedAt = &t
	}

	return &c, nil
}
