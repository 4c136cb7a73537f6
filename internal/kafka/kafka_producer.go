package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"comicpipe/internal/config"
	"comicpipe/internal/logger"
	"comicpipe/internal/metrics"
	"comicpipe/internal/models"
)

// Producer errors
var (
	ErrProducerClosed  = errors.New("producer is closed")
	ErrSerializeFailed = errors.New("failed to serialize message")
	ErrMissingTopic    = errors.New("record has no topic")
)

// Record is one message to publish. Value is JSON encoded.
type Record struct {
	Topic   string
	Key     string
	Value   any
	Headers []kafka.Header
}

// Publisher is what the ingestor and the listener's dead-letter path need from a producer.
type Publisher interface {
	PublishBatch(ctx context.Context, records []Record) error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer is a Kafka producer with a writer pool, retry, and batching.
// Writers carry no topic; every record names its own.
type Producer struct {
	cfg     config.ProducerConfig
	writers []messageWriter
	pool    chan messageWriter
	closed  atomic.Bool

	messagesSent   atomic.Uint64
	messagesFailed atomic.Uint64
	bytesWritten   atomic.Uint64
}

// ProducerOption is a functional option for configuring the producer
type ProducerOption func(*Producer)

// withWriters replaces the kafka writers, for tests.
func withWriters(writers ...messageWriter) ProducerOption {
	return func(p *Producer) {
		p.writers = writers
	}
}

// NewProducer creates a new Kafka producer with the given configuration
func NewProducer(brokers []string, cfg config.ProducerConfig, opts ...ProducerOption) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}

	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}

	p := &Producer{cfg: cfg}
	for _, opt := range opts {
		opt(p)
	}

	if len(p.writers) == 0 {
		compression := getCompression(cfg.Compression)
		for i := 0; i < cfg.PoolSize; i++ {
			p.writers = append(p.writers, &kafka.Writer{
				Addr:                   kafka.TCP(brokers...),
				Balancer:               &kafka.Hash{}, // records of one key stay ordered on one partition
				BatchSize:              cfg.BatchSize,
				BatchTimeout:           cfg.BatchTimeout,
				WriteTimeout:           cfg.WriteTimeout,
				RequiredAcks:           kafka.RequiredAcks(cfg.RequiredAcks),
				Compression:            compression,
				MaxAttempts:            cfg.MaxRetries + 1,
				AllowAutoTopicCreation: true,
				Async:                  false,
			})
		}
	}

	p.pool = make(chan messageWriter, len(p.writers))
	for _, w := range p.writers {
		p.pool <- w
	}
	return p, nil
}

// getCompression returns the kafka compression codec
func getCompression(name string) compress.Compression {
	switch name {
	case "gzip":
		return compress.Gzip
	case "snappy":
		return compress.Snappy
	case "lz4":
		return compress.Lz4
	case "zstd":
		return compress.Zstd
	default:
		return compress.None
	}
}

// Publish sends one value to topic under key.
func (p *Producer) Publish(ctx context.Context, topic, key string, value any, headers ...kafka.Header) error {
	return p.PublishBatch(ctx, []Record{{Topic: topic, Key: key, Value: value, Headers: headers}})
}

// PublishBatch serializes every record and writes them in one call. Nothing is
// written if any record fails to serialize.
func (p *Producer) PublishBatch(ctx context.Context, records []Record) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}
	if len(records) == 0 {
		return nil
	}

	log := logger.WithComponent("kafka_producer")
	start := time.Now()

	messages := make([]kafka.Message, 0, len(records))
	for _, rec := range records {
		if rec.Topic == "" {
			p.messagesFailed.Add(uint64(len(records)))
			return ErrMissingTopic
		}
		data, err := models.EncodeEnvelope(rec.Value)
		if err != nil {
			log.Error().
				Err(err).
				Str("topic", rec.Topic).
				Str("key", rec.Key).
				Msg("failed to serialize record")
			p.messagesFailed.Add(uint64(len(records)))
			metrics.KafkaPublishTotal.WithLabelValues(rec.Topic, "failed").Add(float64(len(records)))
			return fmt.Errorf("%w: %v", ErrSerializeFailed, err)
		}
		messages = append(messages, kafka.Message{
			Topic:   rec.Topic,
			Key:     []byte(rec.Key),
			Value:   data,
			Headers: rec.Headers,
			Time:    start,
		})
	}

	var writer messageWriter
	select {
	case writer = <-p.pool:
		defer func() { p.pool <- writer }()
	case <-ctx.Done():
		p.messagesFailed.Add(uint64(len(messages)))
		return ctx.Err()
	}

	err := p.publishBatchWithRetry(ctx, writer, messages)
	duration := time.Since(start)
	metrics.KafkaPublishDuration.Observe(duration.Seconds())

	if err != nil {
		log.Error().
			Err(err).
			Int("batch_size", len(messages)).
			Dur("duration", duration).
			Msg("failed to publish batch to kafka")
		p.messagesFailed.Add(uint64(len(messages)))
		for _, msg := range messages {
			metrics.KafkaPublishTotal.WithLabelValues(msg.Topic, "failed").Inc()
		}
		return err
	}

	log.Debug().
		Int("batch_size", len(messages)).
		Dur("duration", duration).
		Msg("batch published to kafka")

	var bytesTotal uint64
	for _, msg := range messages {
		bytesTotal += uint64(len(msg.Value))
		metrics.KafkaPublishTotal.WithLabelValues(msg.Topic, "success").Inc()
	}
	p.messagesSent.Add(uint64(len(messages)))
	p.bytesWritten.Add(bytesTotal)
	metrics.KafkaBytesWritten.Add(float64(bytesTotal))
	return nil
}

// publishBatchWithRetry publishes a batch of messages with exponential backoff retry
func (p *Producer) publishBatchWithRetry(ctx context.Context, writer messageWriter, messages []kafka.Message) error {
	log := logger.WithComponent("kafka_producer")
	var lastErr error
	backoff := p.cfg.RetryBackoff

	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			log.Warn().
				Int("attempt", attempt).
				Int("batch_size", len(messages)).
				Dur("backoff", backoff).
				Msg("retrying kafka batch publish")

			metrics.KafkaPublishRetries.Inc()

			select {
			case <-time.After(backoff):
				backoff *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := writer.WriteMessages(ctx, messages...)
		if err == nil {
			return nil
		}

		lastErr = err
		log.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Int("batch_size", len(messages)).
			Msg("kafka batch publish attempt failed")

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
	}

	log.Error().
		Err(lastErr).
		Int("max_retries", p.cfg.MaxRetries+1).
		Int("batch_size", len(messages)).
		Msg("kafka batch publish failed after all retries")

	return fmt.Errorf("batch failed after %d attempts: %w", p.cfg.MaxRetries+1, lastErr)
}

// Close closes all writers in the pool
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	var errs []error
	for _, writer := range p.writers {
		if err := writer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats returns producer statistics
func (p *Producer) Stats() ProducerStats {
	return ProducerStats{
		MessagesSent:   p.messagesSent.Load(),
		MessagesFailed: p.messagesFailed.Load(),
		BytesWritten:   p.bytesWritten.Load(),
	}
}

// ProducerStats holds producer metrics
type ProducerStats struct {
	MessagesSent   uint64
	MessagesFailed uint64
	BytesWritten   uint64
}
