// Package cache stores the last server-confirmed state of synced
// documents. The engine is the only writer: entries change when a push is
// accepted or a remote change is applied, never from optimistic local
// edits. Conflict resolution reads its base snapshots from here.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"

	"github.com/hearthkit/hearthsync/internal/loggy"
)

// ErrNotFound is returned when a document is not cached
var ErrNotFound = sql.ErrNoRows

// Document is a cached copy of a synced document at a known version
type Document struct {
	Collection string         `json:"collection"`
	DocumentID string         `json:"document_id"`
	Fields     map[string]any `json:"fields"`
	Version    int64          `json:"version"`
	Deleted    bool           `json:"deleted"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Repository defines persistence operations for the document cache
type Repository interface {
	// Get retrieves a cached document
	Get(ctx context.Context, collection, documentID string) (*Document, error)

	// Put stores or replaces a cached document
	Put(ctx context.Context, doc *Document) error

	// MarkDeleted tombstones a cached document at the given version
	MarkDeleted(ctx context.Context, collection, documentID string, version int64, updatedAt time.Time) error

	// List returns all live documents in a collection
	List(ctx context.Context, collection string) ([]*Document, error)

	// Count returns the number of live cached documents
	Count(ctx context.Context) (int, error)
}

const documentColumns = "collection, doc_id, fields, version, deleted, updated_at"

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

// Get retrieves a cached document
func (r *SQLRepository) Get(ctx context.Context, collection, documentID string) (*Document, error) {
	q := squirrel.Select(documentColumns).
		From("documents").
		Where(squirrel.Eq{"collection": collection, "doc_id": documentID}).
		Limit(1)

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building get document query: %w", err)
	}

	doc, err := scanDocument(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return doc, nil
}

// Put stores or replaces a cached document
func (r *SQLRepository) Put(ctx context.Context, doc *Document) error {
	fields, err := json.Marshal(doc.Fields)
	if err != nil {
		return fmt.Errorf("encoding document fields: %w", err)
	}

	q := squirrel.Insert("documents").
		Columns("collection", "doc_id", "fields", "version", "deleted", "updated_at").
		Values(doc.Collection, doc.DocumentID, string(fields), doc.Version, doc.Deleted, doc.UpdatedAt).
		Suffix("ON CONFLICT(collection, doc_id) DO UPDATE SET fields = excluded.fields, version = excluded.version, deleted = excluded.deleted, updated_at = excluded.updated_at")

	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("building put document query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("executing put document query: %w", err)
	}

	return nil
}

// MarkDeleted tombstones a cached document at the given version
func (r *SQLRepository) MarkDeleted(ctx context.Context, collection, documentID string, version int64, updatedAt time.Time) error {
	q := squirrel.Update("documents").
		Set("deleted", true).
		Set("version", version).
		Set("updated_at", updatedAt).
		Where(squirrel.Eq{"collection": collection, "doc_id": documentID})

	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("building mark deleted query: %w", err)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("executing mark deleted query: %w", err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}

	return nil
}

// List returns all live documents in a collection
func (r *SQLRepository) List(ctx context.Context, collection string) ([]*Document, error) {
	q := squirrel.Select(documentColumns).
		From("documents").
		Where(squirrel.Eq{"collection": collection, "deleted": false}).
		OrderBy("doc_id ASC")

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building list documents query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing list documents query: %w", err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating document rows: %w", err)
	}

	return docs, nil
}

// Count returns the number of live cached documents
func (r *SQLRepository) Count(ctx context.Context) (int, error) {
	q := squirrel.Select("COUNT(*)").
		From("documents").
		Where(squirrel.Eq{"deleted": false})

	query, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("building count documents query: %w", err)
	}

	var count int
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("executing count documents query: %w", err)
	}

	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*Document, error) {
	var (
		doc    Document
		fields string
	)

	err := row.Scan(
		&doc.Collection,
		&doc.DocumentID,
		&fields,
		&doc.Version,
		&doc.Deleted,
		&doc.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scanning document row: %w", err)
	}

	if err := json.Unmarshal([]byte(fields), &doc.Fields); err != nil {
		return nil, fmt.Errorf("decoding document fields: %w", err)
	}

	return &doc, nil
}
