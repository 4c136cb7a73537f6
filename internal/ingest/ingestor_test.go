package ingest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"comicpipe/internal/kafka"
	"comicpipe/internal/models"
)

type fakePublisher struct {
	mu      sync.Mutex
	batches [][]kafka.Record
	failOn  int // fail the nth call (1-based), 0 never
	calls   int
}

func (f *fakePublisher) PublishBatch(ctx context.Context, records []kafka.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failOn == f.calls {
		return errors.New("broker unavailable")
	}
	batch := make([]kafka.Record, len(records))
	copy(batch, records)
	f.batches = append(f.batches, batch)
	return nil
}

func (f *fakePublisher) byTopic(topic string) []kafka.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []kafka.Record
	for _, b := range f.batches {
		for _, r := range b {
			if r.Topic == topic {
				out = append(out, r)
			}
		}
	}
	return out
}

func newTestIngestor(t *testing.T, pub *fakePublisher, batch int) *Ingestor {
	t.Helper()
	ing, err := NewIngestor(Config{
		Publisher:       pub,
		Topic:           "comic-imported",
		DeadLetterTopic: "comic-ingestion-dead-letter",
		MetricsTopic:    "comic-ingestion-metrics",
		PublishBatch:    batch,
	})
	require.NoError(t, err)
	return ing
}

const sampleCSV = `Publisher Name,Series Name,Full Title,Release Date,In Collection,Value
Image,Saga,Saga #1,2012-03-14,Yes,4.99
Image,Saga,Saga #2,2012-04-11,No,
Marvel Comics,The Amazing Spider-Man,ASM #1,not-a-date,Yes,
,Batman,Batman #1,1940-04-25,Yes,
`

func TestIngestPublishesValidRowsAndDeadLetters(t *testing.T) {
	pub := &fakePublisher{}
	ing := newTestIngestor(t, pub, 0)

	summary, err := ing.Ingest(context.Background(), strings.NewReader(sampleCSV), "UserUpload")
	require.NoError(t, err)

	assert.Equal(t, 4, summary.Total)
	assert.Equal(t, 2, summary.Published)
	assert.Equal(t, 2, summary.DeadLettered)
	assert.NotEmpty(t, summary.ImportID)

	imported := pub.byTopic("comic-imported")
	require.Len(t, imported, 2)
	assert.Equal(t, "image|saga|"+summary.ImportID, imported[0].Key)

	env, ok := imported[0].Value.(*models.ComicEnvelope)
	require.True(t, ok, "expected a comic envelope, got %T", imported[0].Value)
	assert.Equal(t, summary.ImportID, env.ImportID)
	assert.Equal(t, "Saga #1", env.Payload.FullTitle)
	assert.Equal(t, "4.99", env.Payload.Value.Decimal.String())

	second := imported[1].Value.(*models.ComicEnvelope)
	assert.False(t, second.Payload.Value.Valid)

	dead := pub.byTopic("comic-ingestion-dead-letter")
	require.Len(t, dead, 2)
	for _, d := range dead {
		assert.Equal(t, "dead|"+summary.ImportID, d.Key)
		dl, ok := d.Value.(*models.DeadLetterEnvelope[*models.ComicCsvRecord])
		require.True(t, ok, "expected a dead letter, got %T", d.Value)
		assert.Equal(t, models.DeadLetterIngestion, dl.EventType)
		assert.True(t, strings.HasPrefix(dl.Reason, "Validation failed: "), dl.Reason)
	}

	batchMetrics := pub.byTopic("comic-ingestion-metrics")
	require.Len(t, batchMetrics, 1)
	m := batchMetrics[0].Value.(*models.BatchIngestionMetrics)
	assert.Equal(t, summary.ImportID, batchMetrics[0].Key)
	assert.Equal(t, 4, m.TotalRecords)
	assert.Equal(t, 2, m.SuccessfulRecords)
	assert.Equal(t, 2, m.FailedRecords)
	assert.Equal(t, "UserUpload", m.TriggeredBy)
	assert.Equal(t, defaultSourceSystem, m.SourceSystem)
}

func TestIngestChunksPublishes(t *testing.T) {
	pub := &fakePublisher{}
	ing := newTestIngestor(t, pub, 2)

	_, err := ing.Ingest(context.Background(), strings.NewReader(sampleCSV), "UserUpload")
	require.NoError(t, err)

	// two row batches plus the metrics message
	require.Len(t, pub.batches, 3)
	assert.Len(t, pub.batches[0], 2)
	assert.Len(t, pub.batches[1], 2)
}

func TestIngestPublishFailure(t *testing.T) {
	pub := &fakePublisher{failOn: 2}
	ing := newTestIngestor(t, pub, 2)

	summary, err := ing.Ingest(context.Background(), strings.NewReader(sampleCSV), "UserUpload")
	require.Error(t, err)
	require.NotNil(t, summary)
	assert.Equal(t, 2, summary.Published)
	assert.Empty(t, pub.byTopic("comic-ingestion-metrics"))
}

func TestIngestMetricsFailureIsNotFatal(t *testing.T) {
	pub := &fakePublisher{failOn: 2}
	ing := newTestIngestor(t, pub, 0)

	summary, err := ing.Ingest(context.Background(), strings.NewReader(sampleCSV), "UserUpload")
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Total)
}

func TestIngestFreshImportIDs(t *testing.T) {
	pub := &fakePublisher{}
	ing := newTestIngestor(t, pub, 0)

	a, err := ing.Ingest(context.Background(), strings.NewReader(sampleCSV), "UserUpload")
	require.NoError(t, err)
	b, err := ing.Ingest(context.Background(), strings.NewReader(sampleCSV), "UserUpload")
	require.NoError(t, err)
	assert.NotEqual(t, a.ImportID, b.ImportID)
}

func TestReadRecords(t *testing.T) {
	t.Run("header matched by name", func(t *testing.T) {
		csv := "\ufeffin collection, Release Date ,Full Title,Series Name,Publisher Name,Cover Art Path,Extra\n" +
			"Yes,2012-03-14,Saga #1,Saga,Image,covers/saga1.jpg,ignored\n"
		rows, err := ReadRecords(strings.NewReader(csv))
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, models.ComicCsvRecord{
			PublisherName: "Image",
			SeriesName:    "Saga",
			FullTitle:     "Saga #1",
			ReleaseDate:   "2012-03-14",
			InCollection:  "Yes",
			CoverArtPath:  "covers/saga1.jpg",
		}, rows[0])
	})

	t.Run("short rows", func(t *testing.T) {
		csv := "Publisher Name,Series Name,Full Title,Release Date,In Collection\nImage,Saga\n"
		rows, err := ReadRecords(strings.NewReader(csv))
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, "", rows[0].FullTitle)
		assert.ErrorIs(t, rows[0].Validate(), models.ErrFullTitleRequired)
	})

	t.Run("empty", func(t *testing.T) {
		_, err := ReadRecords(strings.NewReader(""))
		assert.ErrorIs(t, err, ErrEmptyFile)
	})

	t.Run("missing column", func(t *testing.T) {
		_, err := ReadRecords(strings.NewReader("Publisher Name,Series Name\n"))
		assert.ErrorIs(t, err, ErrMissingColumn)
	})

	t.Run("malformed", func(t *testing.T) {
		csv := "Publisher Name,Series Name,Full Title,Release Date,In Collection\n\"Image,Saga\n"
		_, err := ReadRecords(strings.NewReader(csv))
		assert.ErrorIs(t, err, ErrMalformedCSV)
	})
}

func TestNewIngestorValidation(t *testing.T) {
	_, err := NewIngestor(Config{Topic: "a", DeadLetterTopic: "b", MetricsTopic: "c"})
	assert.Error(t, err)

	_, err = NewIngestor(Config{Publisher: &fakePublisher{}, Topic: "a"})
	assert.Error(t, err)
}
