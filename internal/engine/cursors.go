package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
)

// CursorStore persists per-collection change feed positions so pulls
// resume where they left off across restarts
type CursorStore interface {
	// Get returns the saved cursor for a collection, or "" when the
	// collection has never been pulled
	Get(ctx context.Context, collection string) (string, error)

	// Set saves the cursor for a collection
	Set(ctx context.Context, collection, cursor string) error
}

// SQLCursorStore implements CursorStore using a SQL database
type SQLCursorStore struct {
	db *sql.DB
}

// NewSQLCursorStore creates a new SQL cursor store
func NewSQLCursorStore(db *sql.DB) *SQLCursorStore {
	return &SQLCursorStore{db: db}
}

// Get returns the saved cursor for a collection
func (s *SQLCursorStore) Get(ctx context.Context, collection string) (string, error) {
	q := squirrel.Select("cursor").
		From("sync_cursors").
		Where(squirrel.Eq{"collection": collection}).
		Limit(1)

	query, args, err := q.ToSql()
	if err != nil {
		return "", fmt.Errorf("building get cursor query: %w", err)
	}

	var cursor string
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&cursor); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("executing get cursor query: %w", err)
	}

	return cursor, nil
}

// Set saves the cursor for a collection
func (s *SQLCursorStore) Set(ctx context.Context, collection, cursor string) error {
	q := squirrel.Insert("sync_cursors").
		Columns("collection", "cursor", "updated_at").
		Values(collection, cursor, time.Now()).
		Suffix("ON CONFLICT(collection) DO UPDATE SET cursor = excluded.cursor, updated_at = excluded.updated_at")

	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("building set cursor query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("executing set cursor query: %w", err)
	}

	return nil
}
