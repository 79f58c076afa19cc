package conflict

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthkit/hearthsync/internal/loggy"
)

func newMockRepository(t *testing.T) (*SQLRepository, sqlmock.Sqlmock, func()) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err, "Failed to create mock database")

	repo := NewSQLRepository(db, loggy.NewNoopLogger())
	return repo, mock, func() { _ = db.Close() }
}

func conflictRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "collection", "document_id", "operation_id",
		"local_snapshot", "remote_snapshot", "remote_version",
		"policy", "status", "tiebroken_fields", "detected_at", "resolved_at",
	})
}

func TestSQLRepositoryCreate(t *testing.T) {
	repo, mock, done := newMockRepository(t)
	defer done()

	now := time.Now()
	c := &Conflict{
		ID:          "cf-01TEST",
		Collection:  "tasks",
		DocumentID:  "task1",
		OperationID: "op-01TEST",
		LocalSnapshot: Snapshot{
			Fields:  map[string]any{"title": "Buy milk"},
			Version: 3,
		},
		RemoteSnapshot: Snapshot{
			Fields:  map[string]any{"title": "Buy oat milk"},
			Version: 4,
		},
		Policy:     PolicyFieldMerge,
		Status:     StatusUnresolved,
		DetectedAt: now,
	}

	mock.ExpectExec("INSERT INTO conflicts").
		WithArgs(
			c.ID, c.Collection, c.DocumentID, c.OperationID,
			sqlmock.AnyArg(), sqlmock.AnyArg(), int64(4),
			string(PolicyFieldMerge), string(StatusUnresolved), "",
			sqlmock.AnyArg(), nil,
		).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, repo.Create(context.Background(), c))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLRepositoryGet(t *testing.T) {
	repo, mock, done := newMockRepository(t)
	defer done()

	now := time.Now()
	rows := conflictRows().AddRow(
		"cf-01TEST", "tasks", "task1", "op-01TEST",
		`{"fields":{"title":"Buy milk"},"version":3,"updated_at":"2025-06-01T12:00:00Z"}`,
		`{"fields":{"title":"Buy oat milk"},"version":4,"updated_at":"2025-06-01T12:01:00Z"}`,
		4, "field_merge", "unresolved", "", now, nil,
	)

	mock.ExpectQuery("SELECT .+ FROM conflicts").
		WithArgs("cf-01TEST").
		WillReturnRows(rows)

	c, err := repo.Get(context.Background(), "cf-01TEST")
	require.NoError(t, err)
	assert.Equal(t, "task1", c.DocumentID)
	assert.Equal(t, PolicyFieldMerge, c.Policy)
	assert.Equal(t, "Buy oat milk", c.RemoteSnapshot.Fields["title"])
	assert.EqualValues(t, 4, c.RemoteSnapshot.Version)
	assert.Nil(t, c.ResolvedAt)
	assert.Empty(t, c.TiebrokenFields)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLRepositoryGetNotFound(t *testing.T) {
	repo, mock, done := newMockRepository(t)
	defer done()

	mock.ExpectQuery("SELECT .+ FROM conflicts").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.Get(context.Background(), "cf-missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLRepositoryMarkResolved(t *testing.T) {
	repo, mock, done := newMockRepository(t)
	defer done()

	now := time.Now()
	mock.ExpectExec("UPDATE conflicts").
		WithArgs(string(StatusResolvedMerged), "title,notes", now, "cf-01TEST").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.MarkResolved(context.Background(), "cf-01TEST", StatusResolvedMerged, []string{"title", "notes"}, now)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLRepositoryMarkResolvedNotFound(t *testing.T) {
	repo, mock, done := newMockRepository(t)
	defer done()

	mock.ExpectExec("UPDATE conflicts").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.MarkResolved(context.Background(), "cf-missing", StatusResolvedLocal, nil, time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLRepositoryListUnresolved(t *testing.T) {
	repo, mock, done := newMockRepository(t)
	defer done()

	now := time.Now()
	rows := conflictRows().
		AddRow("cf-1", "tasks", "t1", "op-1",
			`{"fields":{},"version":1,"updated_at":"2025-06-01T12:00:00Z"}`,
			`{"fields":{},"version":2,"updated_at":"2025-06-01T12:01:00Z"}`,
			2, "manual", "unresolved", "", now.Add(-time.Hour), nil).
		AddRow("cf-2", "events", "e1", "op-2",
			`{"fields":{},"version":5,"updated_at":"2025-06-01T12:00:00Z"}`,
			`{"fields":{},"version":6,"updated_at":"2025-06-01T12:01:00Z"}`,
			6, "manual", "unresolved", "title", now, nil)

	mock.ExpectQuery("SELECT .+ FROM conflicts").
		WithArgs(string(StatusUnresolved)).
		WillReturnRows(rows)

	conflicts, err := repo.ListUnresolved(context.Background())
	require.NoError(t, err)
	require.Len(t, conflicts, 2)
	assert.Equal(t, "cf-1", conflicts[0].ID)
	assert.Equal(t, []string{"title"}, conflicts[1].TiebrokenFields)
}

func TestSQLRepositoryUnresolvedCount(t *testing.T) {
	repo, mock, done := newMockRepository(t)
	defer done()

	mock.ExpectQuery("SELECT COUNT").
		WithArgs(string(StatusUnresolved)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	count, err := repo.UnresolvedCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestSQLRepositoryHasUnresolved(t *testing.T) {
	repo, mock, done := newMockRepository(t)
	defer done()

	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	held, err := repo.HasUnresolved(context.Background(), "tasks", "task1")
	require.NoError(t, err)
	assert.True(t, held)
}
