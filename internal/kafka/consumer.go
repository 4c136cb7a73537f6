package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"comicpipe/internal/config"
	"comicpipe/internal/logger"
)

// ErrEndOfData means the poll window elapsed without a message. It is not a failure.
var ErrEndOfData = errors.New("end of data")

const defaultPollTimeout = 250 * time.Millisecond

// Subscription is one consumer-group membership on one topic. Offsets advance
// only through Commit.
type Subscription interface {
	Fetch(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer opens subscriptions for the configured topic and group.
type Consumer struct {
	cfg         config.KafkaConfig
	pollTimeout time.Duration
	log         zerolog.Logger
}

// NewConsumer validates the kafka section and returns a consumer for it.
func NewConsumer(cfg config.KafkaConfig, pollTimeout time.Duration) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("topic is required")
	}
	if cfg.GroupID == "" {
		return nil, errors.New("group id is required")
	}
	if pollTimeout <= 0 {
		pollTimeout = defaultPollTimeout
	}
	return &Consumer{
		cfg:         cfg,
		pollTimeout: pollTimeout,
		log:         logger.WithComponent("kafka_consumer"),
	}, nil
}

// Subscribe joins the consumer group. Auto-commit is off: CommitInterval is zero
// so Commit is synchronous.
func (c *Consumer) Subscribe(ctx context.Context) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	log := c.log
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        c.cfg.Brokers,
		GroupID:        c.cfg.GroupID,
		Topic:          c.cfg.Topic,
		MinBytes:       c.cfg.MinBytes,
		MaxBytes:       c.cfg.MaxBytes,
		MaxWait:        c.cfg.MaxWait,
		StartOffset:    kafka.FirstOffset,
		CommitInterval: 0,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			log.Error().Msgf(msg, args...)
		}),
	})

	c.log.Info().
		Str("topic", c.cfg.Topic).
		Str("group_id", c.cfg.GroupID).
		Strs("brokers", c.cfg.Brokers).
		Msg("subscribed")

	return &readerSubscription{reader: reader, pollTimeout: c.pollTimeout}, nil
}

type readerSubscription struct {
	reader      *kafka.Reader
	pollTimeout time.Duration
}

// Fetch waits at most one poll window for the next message.
func (s *readerSubscription) Fetch(ctx context.Context) (kafka.Message, error) {
	pollCtx, cancel := context.WithTimeout(ctx, s.pollTimeout)
	defer cancel()

	msg, err := s.reader.FetchMessage(pollCtx)
	if err == nil {
		return msg, nil
	}
	if ctx.Err() != nil {
		return kafka.Message{}, ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return kafka.Message{}, ErrEndOfData
	}
	return kafka.Message{}, fmt.Errorf("fetch: %w", err)
}

func (s *readerSubscription) Commit(ctx context.Context, msgs ...kafka.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	if err := s.reader.CommitMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("commit offsets: %w", err)
	}
	return nil
}

func (s *readerSubscription) Close() error {
	return s.reader.Close()
}
