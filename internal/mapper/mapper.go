// Package mapper translates decoded bus payloads into the two persistable shapes:
// the comic state entity and the immutable event entity.
package mapper

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"comicpipe/internal/models"
)

// Mapping errors. Both are non-retriable.
var (
	ErrInvalidPayload = errors.New("invalid payload")
	ErrMalformedDate  = errors.New("malformed release date")
)

// Name-based UUID namespaces. Changing them changes every derived id.
var (
	comicNamespace = uuid.MustParse("2f1b6c8e-6a4d-5f0e-9b71-3c9a2d0e4f11")
	eventNamespace = uuid.MustParse("8d3e7a52-1c6b-5e4f-a2d9-6b0f1e7c3a24")
)

// ComicID derives the state id of a comic from its natural key, so the same comic
// seen in a later import updates the existing row.
func ComicID(publisher, series, fullTitle string) uuid.UUID {
	key := models.NormalizeKey(publisher) + "|" + models.NormalizeKey(series) + "|" + models.NormalizeKey(fullTitle)
	return uuid.NewSHA1(comicNamespace, []byte(key))
}

// EventID derives the idempotency key of an envelope from its import id and payload.
// A redelivered message yields the same key; two records of one import do not.
func EventID(env *models.ComicEnvelope) (uuid.UUID, error) {
	if env == nil || env.Payload == nil {
		return uuid.Nil, ErrInvalidPayload
	}
	payload, err := json.Marshal(env.Payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	name := make([]byte, 0, len(env.ImportID)+1+len(payload))
	name = append(name, env.ImportID...)
	name = append(name, '\n')
	name = append(name, payload...)
	return uuid.NewSHA1(eventNamespace, name), nil
}

// ToStateEntity maps an envelope to the comic state entity.
// LastUpdatedUTC is left to the repository.
func ToStateEntity(env *models.ComicEnvelope) (models.ComicRecordEntity, error) {
	if env == nil || env.Payload == nil {
		return models.ComicRecordEntity{}, ErrInvalidPayload
	}
	p := env.Payload

	releaseDate, err := time.Parse(models.ReleaseDateLayout, strings.TrimSpace(p.ReleaseDate))
	if err != nil {
		return models.ComicRecordEntity{}, fmt.Errorf("%w: %q", ErrMalformedDate, p.ReleaseDate)
	}

	entity := models.ComicRecordEntity{
		ID:            ComicID(p.PublisherName, p.SeriesName, p.FullTitle),
		PublisherName: p.PublisherName,
		SeriesName:    p.SeriesName,
		FullTitle:     p.FullTitle,
		ReleaseDate:   releaseDate,
		InCollection:  p.InCollection,
		Value:         p.Value,
		ImportedAt:    env.Timestamp.UTC(),
	}
	if p.CoverArtPath != nil {
		entity.CoverArtPath = *p.CoverArtPath
	}
	return entity, nil
}

// ToEventEntity stamps a fresh event for the payload. It only fails when the
// payload cannot be serialized.
func ToEventEntity(payload any, aggregateID uuid.UUID, eventType string) (models.EventEntity, error) {
	if payload == nil {
		return models.EventEntity{}, ErrInvalidPayload
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return models.EventEntity{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return models.EventEntity{
		ID:          uuid.New(),
		AggregateID: aggregateID,
		EventType:   eventType,
		EventData:   string(data),
		OccurredAt:  time.Now().UTC(),
	}, nil
}

// Mapped is the result of mapping one envelope.
type Mapped struct {
	State models.StateItem
	Event models.EventEntity
}

// Map runs the full mapping for one envelope: state entity, idempotency key, event entity.
func Map(env *models.ComicEnvelope, eventType string) (Mapped, error) {
	comic, err := ToStateEntity(env)
	if err != nil {
		return Mapped{}, err
	}
	eventID, err := EventID(env)
	if err != nil {
		return Mapped{}, err
	}
	event, err := ToEventEntity(env.Payload, comic.ID, eventType)
	if err != nil {
		return Mapped{}, err
	}
	return Mapped{
		State: models.StateItem{Comic: comic, EventID: eventID},
		Event: event,
	}, nil
}
