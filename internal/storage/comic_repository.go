package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"comicpipe/internal/logger"
	"comicpipe/internal/metrics"
	"comicpipe/internal/models"
)

// ComicRepository maintains the comic collection and the processed-event ledger.
type ComicRepository struct {
	db    *sql.DB
	retry RetryPolicy
	now   func() time.Time
	log   zerolog.Logger

	comicsTable string
	ledgerTable string
}

// NewComicRepository creates a repository over the tables of the given schema.
func NewComicRepository(db *sql.DB, schema string, retry RetryPolicy) *ComicRepository {
	return &ComicRepository{
		db:          db,
		retry:       retry,
		now:         time.Now,
		log:         logger.WithComponent("comic_repository"),
		comicsTable: qualifiedTable(schema, ComicCollectionTable),
		ledgerTable: qualifiedTable(schema, ProcessedEventsTable),
	}
}

type upsertResult struct {
	inserted int
	updated  int
	skipped  int
}

// UpsertBatch applies every item whose event id is not yet in the ledger, and
// records those ids, in one transaction. Items already processed are skipped.
// Each retry re-reads the ledger.
func (r *ComicRepository) UpsertBatch(ctx context.Context, items []models.StateItem) error {
	if len(items) == 0 {
		return nil
	}

	var res upsertResult
	err := r.retry.Do(ctx, "comics.upsert_batch", func(ctx context.Context) error {
		var err error
		res, err = r.upsertOnce(ctx, items)
		return err
	})
	if err != nil {
		return err
	}

	metrics.ComicsWrittenTotal.WithLabelValues("inserted").Add(float64(res.inserted))
	metrics.ComicsWrittenTotal.WithLabelValues("updated").Add(float64(res.updated))
	metrics.LedgerSkippedTotal.Add(float64(res.skipped))

	r.log.Info().
		Int("batch_size", len(items)).
		Int("inserted", res.inserted).
		Int("updated", res.updated).
		Int("skipped", res.skipped).
		Msg("comic batch upserted")
	return nil
}

func (r *ComicRepository) upsertOnce(ctx context.Context, items []models.StateItem) (res upsertResult, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	processed, err := r.processedEventIDs(ctx, tx, items)
	if err != nil {
		return res, err
	}

	pending := make([]models.StateItem, 0, len(items))
	seen := make(map[uuid.UUID]struct{}, len(items))
	for _, item := range items {
		if _, ok := processed[item.EventID]; ok {
			continue
		}
		if _, ok := seen[item.EventID]; ok {
			continue
		}
		seen[item.EventID] = struct{}{}
		pending = append(pending, item)
	}
	res.skipped = len(items) - len(pending)

	if len(pending) == 0 {
		r.log.Info().Int("batch_size", len(items)).Msg("all events in batch already processed, skipping")
		_ = tx.Rollback()
		return res, nil
	}

	existing, err := r.existingComicIDs(ctx, tx, pending)
	if err != nil {
		return res, err
	}

	now := r.now().UTC()
	for _, item := range pending {
		c := item.Comic
		if _, ok := existing[c.ID]; ok {
			if err := r.updateComic(ctx, tx, c, now); err != nil {
				return res, err
			}
			res.updated++
		} else {
			if err := r.insertComic(ctx, tx, c, now); err != nil {
				return res, err
			}
			// a later item in this batch for the same comic becomes an update
			existing[c.ID] = struct{}{}
			res.inserted++
		}

		query := fmt.Sprintf("INSERT INTO %s (event_id, processed_at_utc) VALUES ($1, $2)", r.ledgerTable)
		if _, err := tx.ExecContext(ctx, query, item.EventID, now); err != nil {
			return res, fmt.Errorf("record processed event %s: %w", item.EventID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("commit: %w", err)
	}
	return res, nil
}

func (r *ComicRepository) processedEventIDs(ctx context.Context, tx *sql.Tx, items []models.StateItem) (map[uuid.UUID]struct{}, error) {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.EventID.String())
	}

	query := fmt.Sprintf("SELECT event_id FROM %s WHERE event_id = ANY($1::uuid[])", r.ledgerTable)
	return queryIDs(ctx, tx, query, ids, "read ledger")
}

func (r *ComicRepository) existingComicIDs(ctx context.Context, tx *sql.Tx, items []models.StateItem) (map[uuid.UUID]struct{}, error) {
	ids := make([]string, 0, len(items))
	seen := make(map[uuid.UUID]struct{}, len(items))
	for _, item := range items {
		if _, ok := seen[item.Comic.ID]; ok {
			continue
		}
		seen[item.Comic.ID] = struct{}{}
		ids = append(ids, item.Comic.ID.String())
	}

	query := fmt.Sprintf("SELECT id FROM %s WHERE id = ANY($1::uuid[])", r.comicsTable)
	return queryIDs(ctx, tx, query, ids, "read existing comics")
}

func queryIDs(ctx context.Context, tx *sql.Tx, query string, ids []string, what string) (map[uuid.UUID]struct{}, error) {
	rows, err := tx.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID]struct{})
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%s: %w", what, err)
		}
		out[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	return out, nil
}

func (r *ComicRepository) insertComic(ctx context.Context, tx *sql.Tx, c models.ComicRecordEntity, now time.Time) error {
	query := fmt.Sprintf(`INSERT INTO %s
		(id, publishername, seriesname, fulltitle, releasedate, incollection, value, coverartpath, importedat, lastupdatedutc)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`, r.comicsTable)

	importedAt := c.ImportedAt
	if importedAt.IsZero() {
		importedAt = now
	}
	_, err := tx.ExecContext(ctx, query,
		c.ID, c.PublisherName, c.SeriesName, c.FullTitle, c.ReleaseDate,
		c.InCollection, c.Value, c.CoverArtPath, importedAt, now,
	)
	if err != nil {
		return fmt.Errorf("insert comic %s: %w", c.ID, err)
	}
	r.log.Debug().Str("comic_id", c.ID.String()).Msg("inserted comic")
	return nil
}

func (r *ComicRepository) updateComic(ctx context.Context, tx *sql.Tx, c models.ComicRecordEntity, now time.Time) error {
	query := fmt.Sprintf(`UPDATE %s SET
		publishername = $2, seriesname = $3, fulltitle = $4, releasedate = $5,
		incollection = $6, value = $7, coverartpath = $8, lastupdatedutc = $9
		WHERE id = $1`, r.comicsTable)

	_, err := tx.ExecContext(ctx, query,
		c.ID, c.PublisherName, c.SeriesName, c.FullTitle, c.ReleaseDate,
		c.InCollection, c.Value, c.CoverArtPath, now,
	)
	if err != nil {
		return fmt.Errorf("update comic %s: %w", c.ID, err)
	}
	r.log.Debug().Str("comic_id", c.ID.String()).Msg("updated comic")
	return nil
}
