package queue

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

func operationRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"seq", "id", "kind", "collection", "document_id", "payload",
		"base_version", "status", "attempts", "next_attempt_at",
		"last_error", "enqueued_at", "updated_at",
	})
}

func TestSQLRepositoryInsert(t *testing.T) {
	repo, mock, done := newMockRepository(t)
	defer done()

	now := time.Now()
	op := &Operation{
		ID:            "op-01TEST",
		Kind:          KindUpdate,
		Collection:    "tasks",
		DocumentID:    "task1",
		Payload:       map[string]any{"title": "Buy milk"},
		BaseVersion:   intPtr(3),
		Status:        StatusPending,
		NextAttemptAt: now,
		EnqueuedAt:    now,
		UpdatedAt:     now,
	}

	mock.ExpectExec("INSERT INTO sync_operations").
		WithArgs(
			op.ID, string(op.Kind), op.Collection, op.DocumentID,
			`{"title":"Buy milk"}`, op.BaseVersion, string(op.Status),
			0, sqlmock.AnyArg(), "", sqlmock.AnyArg(), sqlmock.AnyArg(),
		).
		WillReturnResult(sqlmock.NewResult(7, 1))

	require.NoError(t, repo.Insert(context.Background(), op))
	assert.EqualValues(t, 7, op.Seq, "sequence comes from the database")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLRepositoryOldestPending(t *testing.T) {
	repo, mock, done := newMockRepository(t)
	defer done()

	now := time.Now()
	rows := operationRows().AddRow(
		1, "op-01TEST", "update", "tasks", "task1", `{"title":"Buy milk"}`,
		3, "pending", 0, now, "", now, now,
	)

	mock.ExpectQuery("SELECT .+ FROM sync_operations").
		WithArgs("tasks", "task1", string(StatusPending)).
		WillReturnRows(rows)

	op, err := repo.OldestPending(context.Background(), "tasks", "task1")
	require.NoError(t, err)
	assert.Equal(t, "op-01TEST", op.ID)
	assert.Equal(t, KindUpdate, op.Kind)
	assert.Equal(t, "Buy milk", op.Payload["title"])
	require.NotNil(t, op.BaseVersion)
	assert.EqualValues(t, 3, *op.BaseVersion)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLRepositoryOldestPendingNotFound(t *testing.T) {
	repo, mock, done := newMockRepository(t)
	defer done()

	mock.ExpectQuery("SELECT .+ FROM sync_operations").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.OldestPending(context.Background(), "tasks", "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLRepositorySetStatusNotFound(t *testing.T) {
	repo, mock, done := newMockRepository(t)
	defer done()

	mock.ExpectExec("UPDATE sync_operations").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.SetStatus(context.Background(), "op-missing", StatusApplied, 0, time.Now(), "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLRepositoryResetInFlight(t *testing.T) {
	repo, mock, done := newMockRepository(t)
	defer done()

	mock.ExpectExec("UPDATE sync_operations").
		WithArgs(string(StatusPending), sqlmock.AnyArg(), string(StatusInFlight)).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := repo.ResetInFlight(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLRepositoryDeletePending(t *testing.T) {
	repo, mock, done := newMockRepository(t)
	defer done()

	mock.ExpectExec("DELETE FROM sync_operations").
		WithArgs("tasks", "task1", string(StatusPending)).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := repo.DeletePending(context.Background(), "tasks", "task1")
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLRepositoryPendingDocuments(t *testing.T) {
	repo, mock, done := newMockRepository(t)
	defer done()

	rows := sqlmock.NewRows([]string{"collection", "document_id"}).
		AddRow("tasks", "t1").
		AddRow("events", "e1")

	mock.ExpectQuery("SELECT collection, document_id FROM sync_operations").
		WithArgs(string(StatusPending)).
		WillReturnRows(rows)

	refs, err := repo.PendingDocuments(context.Background())
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, "tasks/t1", refs[0].String())
	assert.Equal(t, "events/e1", refs[1].String())
}
