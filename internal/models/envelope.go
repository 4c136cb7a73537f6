package models

import (
	"time"
)

// Envelope wraps one ingested record on the bus
type Envelope[T any] struct {
	// ImportID correlates every record of one CSV import
	ImportID  string    `json:"importId"`
	Timestamp time.Time `json:"timestamp"`
	Payload   T         `json:"payload"`
}

// ComicEnvelope is the envelope carried on the comic-imported topic.
type ComicEnvelope = Envelope[*ComicRecord]

// DeadLetterEnvelope carries a record that failed validation or processing.
// It never re-enters the main pipeline.
type DeadLetterEnvelope[T any] struct {
	ImportID      string    `json:"importId"`
	Timestamp     time.Time `json:"timestamp"`
	Reason        string    `json:"reason"`
	EventType     string    `json:"eventType"`
	FailedPayload T         `json:"failedPayload"`
}

// Dead letter event types
const (
	DeadLetterIngestion   = "Ingestion"
	DeadLetterPersistence = "Persistence"
)

// NewEnvelope creates an envelope stamped with the current time
func NewEnvelope[T any](importID string, payload T) *Envelope[T] {
	return &Envelope[T]{
		ImportID:  importID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// NewDeadLetter creates a dead letter stamped with the current time
func NewDeadLetter[T any](importID, eventType, reason string, payload T) *DeadLetterEnvelope[T] {
	return &DeadLetterEnvelope[T]{
		ImportID:      importID,
		Timestamp:     time.Now().UTC(),
		Reason:        reason,
		EventType:     eventType,
		FailedPayload: payload,
	}
}
