package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"comicpipe/internal/logger"
	"comicpipe/internal/metrics"
	"comicpipe/internal/models"
)

// maxEventsPerInsert keeps one statement well under the 65535 bind parameter limit.
const maxEventsPerInsert = 1000

var eventColumns = []string{"id", "aggregate_id", "event_type", "event_data", "occurred_at"}

// EventRepository appends events to the log. It never updates or deletes and
// does not deduplicate.
type EventRepository struct {
	db        *sql.DB
	retry     RetryPolicy
	chunkSize int
	log       zerolog.Logger

	table string
}

// NewEventRepository creates a repository over the events table of the given schema.
func NewEventRepository(db *sql.DB, schema string, retry RetryPolicy) *EventRepository {
	return &EventRepository{
		db:        db,
		retry:     retry,
		chunkSize: maxEventsPerInsert,
		log:       logger.WithComponent("event_repository"),
		table:     qualifiedTable(schema, EventsTable),
	}
}

// Save appends a single event.
func (r *EventRepository) Save(ctx context.Context, entity models.EventEntity) error {
	return r.SaveBatch(ctx, []models.EventEntity{entity})
}

// SaveBatch appends all entities in one transaction.
func (r *EventRepository) SaveBatch(ctx context.Context, entities []models.EventEntity) error {
	if len(entities) == 0 {
		return nil
	}

	err := r.retry.Do(ctx, "events.save_batch", func(ctx context.Context) error {
		return r.saveOnce(ctx, entities)
	})
	if err != nil {
		return err
	}

	metrics.EventsAppendedTotal.Add(float64(len(entities)))
	r.log.Info().Int("batch_size", len(entities)).Msg("events persisted")
	return nil
}

func (r *EventRepository) saveOnce(ctx context.Context, entities []models.EventEntity) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for start := 0; start < len(entities); start += r.chunkSize {
		end := min(start+r.chunkSize, len(entities))
		query, args := r.buildInsert(entities[start:end])
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert events: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (r *EventRepository) buildInsert(entities []models.EventEntity) (string, []any) {
	placeholders := make([]string, 0, len(entities))
	args := make([]any, 0, len(entities)*len(eventColumns))

	argi := 1
	for _, e := range entities {
		placeholders = append(placeholders, fmt.Sprintf("($%d, $%d, $%d, $%d::jsonb, $%d)", argi, argi+1, argi+2, argi+3, argi+4))
		args = append(args, e.ID, e.AggregateID, e.EventType, e.EventData, e.OccurredAt)
		argi += len(eventColumns)
	}

	query := "INSERT INTO " + r.table + " (" + strings.Join(eventColumns, ", ") + ") VALUES " +
		strings.Join(placeholders, ", ")
	return query, args
}
