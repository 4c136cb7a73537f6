package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"comicpipe/internal/kafka"
	"comicpipe/internal/logger"
	"comicpipe/internal/metrics"
	"comicpipe/internal/models"
)

// CSV column headers
const (
	ColumnPublisher    = "Publisher Name"
	ColumnSeries       = "Series Name"
	ColumnFullTitle    = "Full Title"
	ColumnReleaseDate  = "Release Date"
	ColumnInCollection = "In Collection"
	ColumnValue        = "Value"
	ColumnCoverArtPath = "Cover Art Path"
)

var requiredColumns = []string{ColumnPublisher, ColumnSeries, ColumnFullTitle, ColumnReleaseDate, ColumnInCollection}

// Ingestion errors
var (
	ErrEmptyFile     = errors.New("csv file is empty")
	ErrMissingColumn = errors.New("csv header is missing a required column")
	ErrMalformedCSV  = errors.New("malformed csv")
)

const (
	defaultPublishBatch = 500
	defaultSourceSystem = "CsvImportService"
)

// Config holds the ingestor dependencies and topics
type Config struct {
	Publisher       kafka.Publisher
	Topic           string
	DeadLetterTopic string
	MetricsTopic    string

	// PublishBatch is how many rows are handed to the producer at once
	PublishBatch int
	SourceSystem string
}

// Summary reports the outcome of one import
type Summary struct {
	ImportID     string        `json:"importId"`
	Total        int           `json:"totalRecords"`
	Published    int           `json:"successfulRecords"`
	DeadLettered int           `json:"failedRecords"`
	Duration     time.Duration `json:"duration"`
}

// Ingestor turns CSV files into envelopes on the bus. Invalid rows become
// dead letters; every import ends with a BatchIngestionMetrics message.
type Ingestor struct {
	cfg Config
	now func() time.Time
}

// NewIngestor creates an ingestor, filling defaults for the tuning fields
func NewIngestor(cfg Config) (*Ingestor, error) {
	if cfg.Publisher == nil {
		return nil, errors.New("publisher is required")
	}
	if cfg.Topic == "" || cfg.DeadLetterTopic == "" || cfg.MetricsTopic == "" {
		return nil, errors.New("topic, dead letter topic and metrics topic are required")
	}
	if cfg.PublishBatch <= 0 {
		cfg.PublishBatch = defaultPublishBatch
	}
	if cfg.SourceSystem == "" {
		cfg.SourceSystem = defaultSourceSystem
	}
	return &Ingestor{
		cfg: cfg,
		now: time.Now,
	}, nil
}

// Ingest reads every row from r and publishes it under a fresh import id.
// triggeredBy names what started the import (upload, inbox).
func (i *Ingestor) Ingest(ctx context.Context, r io.Reader, triggeredBy string) (*Summary, error) {
	importID := uuid.New().String()
	started := i.now().UTC()
	log := logger.WithImportID("ingestor", importID)

	rows, err := ReadRecords(r)
	if err != nil {
		return nil, err
	}

	summary := &Summary{ImportID: importID, Total: len(rows)}
	pending := make([]kafka.Record, 0, i.cfg.PublishBatch)
	var pendingOK, pendingFailed int

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if err := i.cfg.Publisher.PublishBatch(ctx, pending); err != nil {
			return fmt.Errorf("publish import %s: %w", importID, err)
		}
		summary.Published += pendingOK
		summary.DeadLettered += pendingFailed
		metrics.IngestRecordsTotal.WithLabelValues("published").Add(float64(pendingOK))
		metrics.IngestRecordsTotal.WithLabelValues("dead_lettered").Add(float64(pendingFailed))
		pending = pending[:0]
		pendingOK, pendingFailed = 0, 0
		return nil
	}

	for idx := range rows {
		row := &rows[idx]
		if err := row.Validate(); err != nil {
			log.Debug().Int("row", idx+1).Err(err).Msg("row rejected")
			pending = append(pending, kafka.Record{
				Topic: i.cfg.DeadLetterTopic,
				Key:   models.DeadLetterKey(importID),
				Value: models.NewDeadLetter(importID, models.DeadLetterIngestion, "Validation failed: "+err.Error(), row),
			})
			pendingFailed++
		} else {
			rec := row.ToComicRecord()
			pending = append(pending, kafka.Record{
				Topic: i.cfg.Topic,
				Key:   models.PartitionKey(rec.PublisherName, rec.SeriesName, importID),
				Value: models.NewEnvelope(importID, rec),
			})
			pendingOK++
		}

		if len(pending) >= i.cfg.PublishBatch {
			if err := flush(); err != nil {
				return summary, err
			}
		}
	}
	if err := flush(); err != nil {
		return summary, err
	}

	completed := i.now().UTC()
	summary.Duration = completed.Sub(started)

	batchMetrics := &models.BatchIngestionMetrics{
		ImportID:          importID,
		StartedAt:         started,
		CompletedAt:       completed,
		TotalRecords:      summary.Total,
		SuccessfulRecords: summary.Published,
		FailedRecords:     summary.DeadLettered,
		Duration:          summary.Duration,
		SourceSystem:      i.cfg.SourceSystem,
		TriggeredBy:       triggeredBy,
	}
	if err := i.cfg.Publisher.PublishBatch(ctx, []kafka.Record{{
		Topic: i.cfg.MetricsTopic,
		Key:   importID,
		Value: batchMetrics,
	}}); err != nil {
		// the rows are already on the bus; only the summary is lost
		log.Warn().Err(err).Msg("failed to publish ingestion metrics")
	}

	metrics.IngestDuration.Observe(summary.Duration.Seconds())
	log.Info().
		Int("total", summary.Total).
		Int("published", summary.Published).
		Int("dead_lettered", summary.DeadLettered).
		Str("triggered_by", triggeredBy).
		Dur("duration", summary.Duration).
		Msg("import completed")

	return summary, nil
}

// ReadRecords parses a CSV stream into rows. The header row is matched by
// name, case-insensitively; extra columns are ignored.
func ReadRecords(r io.Reader) ([]models.ComicCsvRecord, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrEmptyFile
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCSV, err)
	}

	cols := make(map[string]int, len(header))
	for idx, name := range header {
		if idx == 0 {
			name = strings.TrimPrefix(name, "\ufeff")
		}
		cols[strings.ToLower(strings.TrimSpace(name))] = idx
	}
	for _, name := range requiredColumns {
		if _, ok := cols[strings.ToLower(name)]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrMissingColumn, name)
		}
	}

	field := func(row []string, name string) string {
		idx, ok := cols[strings.ToLower(name)]
		if !ok || idx >= len(row) {
			return ""
		}
		return row[idx]
	}

	var rows []models.ComicCsvRecord
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedCSV, err)
		}
		rows = append(rows, models.ComicCsvRecord{
			PublisherName: field(row, ColumnPublisher),
			SeriesName:    field(row, ColumnSeries),
			FullTitle:     field(row, ColumnFullTitle),
			ReleaseDate:   field(row, ColumnReleaseDate),
			InCollection:  field(row, ColumnInCollection),
			Value:         field(row, ColumnValue),
			CoverArtPath:  field(row, ColumnCoverArtPath),
		})
	}
	return rows, nil
}
