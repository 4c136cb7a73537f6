package storage

import (
	"context"

	"comicpipe/internal/models"
)

// StateWriter applies comic state mutations, at most once per event id.
type StateWriter interface {
	UpsertBatch(ctx context.Context, items []models.StateItem) error
}

// EventWriter appends to the event log.
type EventWriter interface {
	Save(ctx context.Context, entity models.EventEntity) error
	SaveBatch(ctx context.Context, entities []models.EventEntity) error
}

var (
	_ StateWriter = (*ComicRepository)(nil)
	_ EventWriter = (*EventRepository)(nil)
)
