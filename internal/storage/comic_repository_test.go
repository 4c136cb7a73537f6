package storage

import (
	"context"
	"errors"
	"net"
	"regexp"
	"syscall"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"comicpipe/internal/models"
)

var (
	ledgerSelect = regexp.QuoteMeta(`SELECT event_id FROM "comics"."processedevents" WHERE event_id = ANY($1::uuid[])`)
	comicSelect  = regexp.QuoteMeta(`SELECT id FROM "comics"."comiccollection" WHERE id = ANY($1::uuid[])`)
	comicInsert  = regexp.QuoteMeta(`INSERT INTO "comics"."comiccollection"`)
	comicUpdate  = regexp.QuoteMeta(`UPDATE "comics"."comiccollection" SET`)
	ledgerInsert = regexp.QuoteMeta(`INSERT INTO "comics"."processedevents" (event_id, processed_at_utc) VALUES ($1, $2)`)
)

type recordedSleeps struct {
	delays []time.Duration
}

func (s *recordedSleeps) sleep(_ context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return nil
}

func newTestComicRepo(t *testing.T) (*ComicRepository, sqlmock.Sqlmock, *recordedSleeps) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sleeps := &recordedSleeps{}
	policy := DefaultRetryPolicy()
	policy.sleep = sleeps.sleep

	repo := NewComicRepository(db, "comics", policy)
	repo.now = func() time.Time { return time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC) }
	return repo, mock, sleeps
}

func stateItem(title string) models.StateItem {
	return models.StateItem{
		Comic: models.ComicRecordEntity{
			ID:            uuid.New(),
			PublisherName: "Image",
			SeriesName:    "Saga",
			FullTitle:     title,
			ReleaseDate:   time.Date(2012, 3, 14, 0, 0, 0, 0, time.UTC),
			ImportedAt:    time.Date(2024, 2, 1, 11, 0, 0, 0, time.UTC),
		},
		EventID: uuid.New(),
	}
}

func emptyIDRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id"})
}

func TestUpsertBatchInsertsNewComics(t *testing.T) {
	repo, mock, _ := newTestComicRepo(t)
	a, b := stateItem("Saga #1"), stateItem("Saga #2")

	mock.ExpectBegin()
	mock.ExpectQuery(ledgerSelect).WillReturnRows(sqlmock.NewRows([]string{"event_id"}))
	mock.ExpectQuery(comicSelect).WillReturnRows(emptyIDRows())
	mock.ExpectExec(comicInsert).
		WithArgs(a.Comic.ID, "Image", "Saga", "Saga #1", sqlmock.AnyArg(), nil, nil, "", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(ledgerInsert).WithArgs(a.EventID, sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(comicInsert).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(ledgerInsert).WithArgs(b.EventID, sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.UpsertBatch(context.Background(), []models.StateItem{a, b})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertBatchIsIdempotent(t *testing.T) {
	repo, mock, _ := newTestComicRepo(t)
	a, b := stateItem("Saga #1"), stateItem("Saga #2")

	// both events already in the ledger: nothing is written
	mock.ExpectBegin()
	mock.ExpectQuery(ledgerSelect).
		WillReturnRows(sqlmock.NewRows([]string{"event_id"}).AddRow(a.EventID.String()).AddRow(b.EventID.String()))
	mock.ExpectRollback()

	err := repo.UpsertBatch(context.Background(), []models.StateItem{a, b})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertBatchPartialOverlap(t *testing.T) {
	repo, mock, _ := newTestComicRepo(t)
	done, fresh := stateItem("Saga #1"), stateItem("Saga #2")

	mock.ExpectBegin()
	mock.ExpectQuery(ledgerSelect).
		WillReturnRows(sqlmock.NewRows([]string{"event_id"}).AddRow(done.EventID.String()))
	mock.ExpectQuery(comicSelect).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(emptyIDRows().AddRow(fresh.Comic.ID.String()))
	mock.ExpectExec(comicUpdate).
		WithArgs(fresh.Comic.ID, "Image", "Saga", "Saga #2", sqlmock.AnyArg(), nil, nil, "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(ledgerInsert).WithArgs(fresh.EventID, sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.UpsertBatch(context.Background(), []models.StateItem{done, fresh})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertBatchDeduplicatesWithinBatch(t *testing.T) {
	repo, mock, _ := newTestComicRepo(t)
	a := stateItem("Saga #1")

	mock.ExpectBegin()
	mock.ExpectQuery(ledgerSelect).WillReturnRows(sqlmock.NewRows([]string{"event_id"}))
	mock.ExpectQuery(comicSelect).WillReturnRows(emptyIDRows())
	mock.ExpectExec(comicInsert).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(ledgerInsert).WithArgs(a.EventID, sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.UpsertBatch(context.Background(), []models.StateItem{a, a})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertBatchSameComicTwice(t *testing.T) {
	repo, mock, _ := newTestComicRepo(t)
	first := stateItem("Saga #1")
	second := first
	second.EventID = uuid.New()
	second.Comic.InCollection = func() *string { s := "yes"; return &s }()

	mock.ExpectBegin()
	mock.ExpectQuery(ledgerSelect).WillReturnRows(sqlmock.NewRows([]string{"event_id"}))
	mock.ExpectQuery(comicSelect).WillReturnRows(emptyIDRows())
	mock.ExpectExec(comicInsert).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(ledgerInsert).WithArgs(first.EventID, sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(comicUpdate).
		WithArgs(first.Comic.ID, "Image", "Saga", "Saga #1", sqlmock.AnyArg(), "yes", nil, "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(ledgerInsert).WithArgs(second.EventID, sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.UpsertBatch(context.Background(), []models.StateItem{first, second})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertBatchRetriesTransientErrors(t *testing.T) {
	repo, mock, sleeps := newTestComicRepo(t)
	a := stateItem("Saga #1")
	serialization := &pgconn.PgError{Code: "40001", Message: "could not serialize access"}

	mock.ExpectBegin().WillReturnError(serialization)
	mock.ExpectBegin().WillReturnError(serialization)
	mock.ExpectBegin()
	mock.ExpectQuery(ledgerSelect).WillReturnRows(sqlmock.NewRows([]string{"event_id"}))
	mock.ExpectQuery(comicSelect).WillReturnRows(emptyIDRows())
	mock.ExpectExec(comicInsert).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(ledgerInsert).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.UpsertBatch(context.Background(), []models.StateItem{a})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, sleeps.delays)
}

func TestUpsertBatchRetriesRefusedConnection(t *testing.T) {
	repo, mock, sleeps := newTestComicRepo(t)
	a := stateItem("Saga #1")
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}

	mock.ExpectBegin().WillReturnError(refused)
	mock.ExpectBegin().WillReturnError(refused)
	mock.ExpectBegin()
	mock.ExpectQuery(ledgerSelect).WillReturnRows(sqlmock.NewRows([]string{"event_id"}))
	mock.ExpectQuery(comicSelect).WillReturnRows(emptyIDRows())
	mock.ExpectExec(comicInsert).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(ledgerInsert).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.UpsertBatch(context.Background(), []models.StateItem{a})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Len(t, sleeps.delays, 2)
}

func TestUpsertBatchRetryReadsLedgerAgain(t *testing.T) {
	repo, mock, _ := newTestComicRepo(t)
	a := stateItem("Saga #1")

	// the first attempt loses a race on the ledger row; the second sees it and skips
	mock.ExpectBegin()
	mock.ExpectQuery(ledgerSelect).WillReturnRows(sqlmock.NewRows([]string{"event_id"}))
	mock.ExpectQuery(comicSelect).WillReturnRows(emptyIDRows())
	mock.ExpectExec(comicInsert).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(ledgerInsert).WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key"})
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectQuery(ledgerSelect).WillReturnRows(sqlmock.NewRows([]string{"event_id"}).AddRow(a.EventID.String()))
	mock.ExpectRollback()

	err := repo.UpsertBatch(context.Background(), []models.StateItem{a})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertBatchExhaustsRetries(t *testing.T) {
	repo, mock, sleeps := newTestComicRepo(t)
	a := stateItem("Saga #1")
	unavailable := &pgconn.PgError{Code: "08006", Message: "connection failure"}

	for i := 0; i < 3; i++ {
		mock.ExpectBegin().WillReturnError(unavailable)
	}

	err := repo.UpsertBatch(context.Background(), []models.StateItem{a})
	require.Error(t, err)

	var perr *PersistError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, 3, perr.Attempts)
	assert.Equal(t, "comics.upsert_batch", perr.Op)
	assert.ErrorIs(t, err, unavailable)
	assert.Len(t, sleeps.delays, 2)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertBatchFailsFastOnPermanentError(t *testing.T) {
	repo, mock, sleeps := newTestComicRepo(t)
	a := stateItem("Saga #1")

	mock.ExpectBegin()
	mock.ExpectQuery(ledgerSelect).WillReturnError(&pgconn.PgError{Code: "42P01", Message: "relation does not exist"})
	mock.ExpectRollback()

	err := repo.UpsertBatch(context.Background(), []models.StateItem{a})

	var perr *PersistError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, 1, perr.Attempts)
	assert.Empty(t, sleeps.delays)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertBatchEmpty(t *testing.T) {
	repo, mock, _ := newTestComicRepo(t)

	require.NoError(t, repo.UpsertBatch(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}
