package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"comicpipe/internal/config"
	"comicpipe/internal/models"
)

func postgresIntegrationDB(t *testing.T) (*sql.DB, string) {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("POSTGRES_TEST_DSN"))
	if dsn == "" {
		t.Skip("set POSTGRES_TEST_DSN to run Postgres integration tests")
	}

	db, err := Open(config.PostgresConfig{DSN: dsn, MaxOpenConns: 4})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ddl, err := os.ReadFile("../../migrations/0001_init.up.sql")
	require.NoError(t, err)

	schema := fmt.Sprintf("comics_it_%d", time.Now().UnixNano())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err = db.ExecContext(ctx, "CREATE SCHEMA "+quoteIdentifier(schema))
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, strings.ReplaceAll(string(ddl), "comics.", schema+"."))
	require.NoError(t, err, "apply schema")

	t.Cleanup(func() {
		_, _ = db.ExecContext(context.Background(), "DROP SCHEMA IF EXISTS "+quoteIdentifier(schema)+" CASCADE")
	})
	return db, schema
}

func TestPostgresUpsertBatchIntegration(t *testing.T) {
	db, schema := postgresIntegrationDB(t)
	ctx := context.Background()

	comics := NewComicRepository(db, schema, DefaultRetryPolicy())
	events := NewEventRepository(db, schema, DefaultRetryPolicy())

	item := models.StateItem{
		Comic: models.ComicRecordEntity{
			ID:            uuid.New(),
			PublisherName: "Dark Horse",
			SeriesName:    "Hellboy",
			FullTitle:     "Hellboy: Seed of Destruction #1",
			ReleaseDate:   time.Date(1994, 3, 1, 0, 0, 0, 0, time.UTC),
			Value:         decimal.NewNullDecimal(decimal.RequireFromString("45.00")),
			ImportedAt:    time.Now().UTC(),
		},
		EventID: uuid.New(),
	}

	require.NoError(t, comics.UpsertBatch(ctx, []models.StateItem{item}))
	// redelivery of the same event must not touch state again
	require.NoError(t, comics.UpsertBatch(ctx, []models.StateItem{item}))

	var ledgerRows int
	require.NoError(t, db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM "+qualifiedTable(schema, ProcessedEventsTable)).Scan(&ledgerRows))
	assert.Equal(t, 1, ledgerRows)

	// a new event for the same comic updates it in place
	again := item
	again.EventID = uuid.New()
	again.Comic.CoverArtPath = "covers/hellboy-1.jpg"
	require.NoError(t, comics.UpsertBatch(ctx, []models.StateItem{again}))

	var cover string
	require.NoError(t, db.QueryRowContext(ctx,
		"SELECT coverartpath FROM "+qualifiedTable(schema, ComicCollectionTable)+" WHERE id = $1", item.Comic.ID).Scan(&cover))
	assert.Equal(t, "covers/hellboy-1.jpg", cover)

	ev := models.EventEntity{
		ID:          uuid.New(),
		AggregateID: item.Comic.ID,
		EventType:   "ComicCsvRecordReceived",
		EventData:   `{"fullTitle":"Hellboy: Seed of Destruction #1"}`,
		OccurredAt:  time.Now().UTC(),
	}
	require.NoError(t, events.SaveBatch(ctx, []models.EventEntity{ev}))

	var eventRows int
	require.NoError(t, db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM "+qualifiedTable(schema, EventsTable)).Scan(&eventRows))
	assert.Equal(t, 1, eventRows)
}
