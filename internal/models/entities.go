package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventEntity is one row of the append-only event log. Rows are never updated or deleted.
type EventEntity struct {
	ID          uuid.UUID `json:"id"`
	AggregateID uuid.UUID `json:"aggregateId"`
	EventType   string    `json:"eventType"`
	EventData   string    `json:"eventData"`
	OccurredAt  time.Time `json:"occurredAt"`
}

// ComicRecordEntity is the materialized current view of a comic.
type ComicRecordEntity struct {
	ID             uuid.UUID           `json:"id"`
	PublisherName  string              `json:"publisherName"`
	SeriesName     string              `json:"seriesName"`
	FullTitle      string              `json:"fullTitle"`
	ReleaseDate    time.Time           `json:"releaseDate"`
	InCollection   *string             `json:"inCollection,omitempty"`
	Value          decimal.NullDecimal `json:"value"`
	CoverArtPath   string              `json:"coverArtPath"`
	ImportedAt     time.Time           `json:"importedAt"`
	LastUpdatedUTC time.Time           `json:"lastUpdatedUtc"`
}

// ProcessedEvent is a ledger row: its existence means the event already mutated state.
type ProcessedEvent struct {
	EventID        uuid.UUID `json:"eventId"`
	ProcessedAtUTC time.Time `json:"processedAtUtc"`
}

// StateItem pairs a comic with the idempotency key of the event that produced it.
type StateItem struct {
	Comic   ComicRecordEntity
	EventID uuid.UUID
}
