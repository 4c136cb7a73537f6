package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	kafkago "github.com/segmentio/kafka-go"

	"comicpipe/internal/alerts"
	"comicpipe/internal/kafka"
	"comicpipe/internal/logger"
	"comicpipe/internal/mapper"
	"comicpipe/internal/metrics"
	"comicpipe/internal/models"
	"comicpipe/internal/storage"
)

// Subscriber opens the subscription the listener consumes from.
type Subscriber interface {
	Subscribe(ctx context.Context) (kafka.Subscription, error)
}

// ReadinessChecker gates consumption on storage being usable.
type ReadinessChecker interface {
	IsReady(ctx context.Context) bool
}

// State is the lifecycle stage of a Listener.
type State int32

const (
	StateIdle State = iota
	StateWaitingForStorage
	StateConsuming
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaitingForStorage:
		return "waiting_for_storage"
	case StateConsuming:
		return "consuming"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Flush triggers, used as metric labels.
const (
	triggerSize     = "size"
	triggerTime     = "time"
	triggerShutdown = "shutdown"
)

// Config holds listener dependencies and tuning.
type Config struct {
	Subscriber Subscriber
	Readiness  ReadinessChecker
	Comics     storage.StateWriter
	Events     storage.EventWriter

	// DeadLetters receives messages that decode but cannot be mapped. Optional.
	DeadLetters     kafka.Publisher
	DeadLetterTopic string

	// Alerts is consulted after a failed flush. Optional.
	Alerts           alerts.AlertEngine
	BacklogThreshold int

	BatchSize         int
	FlushInterval     time.Duration
	ReadyDelay        time.Duration
	ConsumeErrorDelay time.Duration
	EventType         string
}

// Listener consumes comic envelopes and persists them through two buffers: the
// append-only event log and the comic state. Buffers are owned by the Run
// goroutine and are cleared only after the repository accepted them.
type Listener struct {
	cfg Config
	log zerolog.Logger

	state atomic.Int32

	eventBuf  []models.EventEntity
	stateBuf  []models.StateItem
	pending   []kafkago.Message
	lastFlush time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	runErr error

	consumed      atomic.Uint64
	buffered      atomic.Uint64
	skipped       atomic.Uint64
	deadLettered  atomic.Uint64
	flushes       atomic.Uint64
	failedFlushes atomic.Uint64
	committed     atomic.Uint64
}

// NewListener creates a listener, filling unset tuning with defaults.
func NewListener(cfg Config) *Listener {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 20 * time.Second
	}
	if cfg.ReadyDelay <= 0 {
		cfg.ReadyDelay = 2 * time.Second
	}
	if cfg.ConsumeErrorDelay <= 0 {
		cfg.ConsumeErrorDelay = time.Second
	}
	if cfg.EventType == "" {
		cfg.EventType = "ComicCsvRecordReceived"
	}
	if cfg.Alerts == nil {
		cfg.Alerts = alerts.NewNoopEngine()
	}

	return &Listener{
		cfg:      cfg,
		log:      logger.WithComponent("listener"),
		eventBuf: make([]models.EventEntity, 0, cfg.BatchSize),
		stateBuf: make([]models.StateItem, 0, cfg.BatchSize),
	}
}

// State returns the current lifecycle stage.
func (l *Listener) State() State {
	return State(l.state.Load())
}

func (l *Listener) setState(s State) {
	prev := State(l.state.Swap(int32(s)))
	if prev != s {
		l.log.Debug().Str("from", prev.String()).Str("to", s.String()).Msg("listener state changed")
	}
}

// Start runs the listener in the background until Stop or ctx cancellation.
func (l *Listener) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})

	go func() {
		defer close(l.done)
		l.runErr = l.Run(ctx)
	}()
}

// Stop cancels a started listener and waits for its final flush.
func (l *Listener) Stop() error {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return l.runErr
}

// Run blocks until ctx is cancelled. Cancellation is a clean exit.
func (l *Listener) Run(ctx context.Context) (err error) {
	defer l.setState(StateStopped)
	defer func() {
		if r := recover(); r != nil {
			l.log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("listener panic recovered")
			metrics.PanicsRecovered.WithLabelValues("listener").Inc()
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()

	l.log.Info().
		Int("batch_size", l.cfg.BatchSize).
		Dur("flush_interval", l.cfg.FlushInterval).
		Msg("listener starting")

	l.setState(StateWaitingForStorage)
	if err := l.waitForStorage(ctx); err != nil {
		l.log.Info().Msg("listener cancelled while waiting for storage")
		return nil
	}

	sub, err := l.cfg.Subscriber.Subscribe(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe: %w", err)
	}
	defer func() {
		if cerr := sub.Close(); cerr != nil {
			l.log.Warn().Err(cerr).Msg("failed to close subscription")
		}
	}()

	l.setState(StateConsuming)
	l.consume(ctx, sub)

	l.setState(StateDraining)
	l.drain(context.WithoutCancel(ctx), sub)

	l.log.Info().Msg("listener stopped")
	return nil
}

func (l *Listener) waitForStorage(ctx context.Context) error {
	if l.cfg.Readiness == nil {
		return nil
	}
	for !l.cfg.Readiness.IsReady(ctx) {
		l.log.Info().Dur("retry_in", l.cfg.ReadyDelay).Msg("waiting for database to be ready")
		if err := sleep(ctx, l.cfg.ReadyDelay); err != nil {
			return err
		}
	}
	l.log.Info().Msg("database ready")
	return nil
}

// consume runs the loop until ctx is cancelled. A panic inside the loop is
// recovered and the loop restarts with its buffers and pending offsets intact.
func (l *Listener) consume(ctx context.Context, sub kafka.Subscription) {
	for {
		if !l.runLoopRecovered(ctx, sub) {
			return
		}
		if sleep(ctx, l.cfg.ConsumeErrorDelay) != nil {
			return
		}
	}
}

func (l *Listener) runLoopRecovered(ctx context.Context, sub kafka.Subscription) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Int("comics", len(l.stateBuf)).
				Int("events", len(l.eventBuf)).
				Msg("consume loop panic recovered, restarting")
			metrics.PanicsRecovered.WithLabelValues("listener").Inc()
			panicked = true
		}
	}()
	l.runLoop(ctx, sub)
	return false
}

// runLoop fetches, buffers and flushes until ctx is cancelled.
func (l *Listener) runLoop(ctx context.Context, sub kafka.Subscription) {
	l.lastFlush = time.Now()

	for ctx.Err() == nil {
		msg, err := sub.Fetch(ctx)
		switch {
		case err == nil:
			l.pending = append(l.pending, msg)
			l.handle(ctx, msg)
		case errors.Is(err, kafka.ErrEndOfData):
			// nothing arrived this poll window; the time trigger still runs
		case ctx.Err() != nil:
			return
		default:
			metrics.ListenerConsumeErrors.Inc()
			l.log.Error().Err(err).Dur("retry_in", l.cfg.ConsumeErrorDelay).Msg("kafka consume error")
			if sleep(ctx, l.cfg.ConsumeErrorDelay) != nil {
				return
			}
		}

		if len(l.stateBuf) >= l.cfg.BatchSize {
			l.flushStates(ctx, triggerSize)
		}
		if len(l.eventBuf) >= l.cfg.BatchSize {
			l.flushEvents(ctx, triggerSize)
		}
		if time.Since(l.lastFlush) >= l.cfg.FlushInterval {
			l.flushStates(ctx, triggerTime)
			l.flushEvents(ctx, triggerTime)
			l.lastFlush = time.Now()
		}

		l.commitPending(ctx, sub)
	}
}

func (l *Listener) handle(ctx context.Context, msg kafkago.Message) {
	l.consumed.Add(1)
	log := l.log.With().
		Str("topic", msg.Topic).
		Int("partition", msg.Partition).
		Int64("offset", msg.Offset).
		Logger()

	if len(msg.Value) == 0 {
		log.Warn().Msg("message with null value, skipping")
		l.skip("null")
		return
	}

	env, err := models.DecodeEnvelope[*models.ComicRecord](msg.Value)
	if err != nil {
		log.Warn().Err(err).Msg("malformed payload, skipping")
		l.skip("malformed")
		return
	}

	mapped, err := mapper.Map(env, l.cfg.EventType)
	if err != nil {
		log.Warn().Err(err).Str("import_id", env.ImportID).Msg("record cannot be mapped, skipping")
		l.skip("invalid")
		l.deadLetter(ctx, env.ImportID, msg, err)
		return
	}

	l.stateBuf = append(l.stateBuf, mapped.State)
	l.eventBuf = append(l.eventBuf, mapped.Event)
	l.buffered.Add(1)
	metrics.ListenerMessagesTotal.WithLabelValues("buffered").Inc()
	l.updateBufferGauges()

	log.Debug().
		Str("import_id", env.ImportID).
		Str("event_id", mapped.State.EventID.String()).
		Str("title", mapped.State.Comic.FullTitle).
		Msg("record buffered")
}

func (l *Listener) skip(status string) {
	l.skipped.Add(1)
	metrics.ListenerMessagesTotal.WithLabelValues(status).Inc()
}

func (l *Listener) deadLetter(ctx context.Context, importID string, msg kafkago.Message, cause error) {
	if l.cfg.DeadLetters == nil || l.cfg.DeadLetterTopic == "" {
		return
	}

	dl := models.NewDeadLetter(importID, models.DeadLetterPersistence, cause.Error(), json.RawMessage(msg.Value))
	err := l.cfg.DeadLetters.PublishBatch(ctx, []kafka.Record{{
		Topic: l.cfg.DeadLetterTopic,
		Key:   models.DeadLetterKey(importID),
		Value: dl,
	}})
	if err != nil {
		l.log.Error().Err(err).Str("import_id", importID).Msg("failed to publish dead letter")
		return
	}
	l.deadLettered.Add(1)
}

// flushStates hands the state buffer to the repository and clears it on success.
func (l *Listener) flushStates(ctx context.Context, trigger string) bool {
	if len(l.stateBuf) == 0 {
		return true
	}
	n := len(l.stateBuf)
	start := time.Now()
	err := l.cfg.Comics.UpsertBatch(ctx, l.stateBuf)
	if !l.recordFlush(ctx, "comics", trigger, n, start, err) {
		return false
	}
	l.stateBuf = make([]models.StateItem, 0, l.cfg.BatchSize)
	l.updateBufferGauges()
	return true
}

// flushEvents hands the event buffer to the repository and clears it on success.
func (l *Listener) flushEvents(ctx context.Context, trigger string) bool {
	if len(l.eventBuf) == 0 {
		return true
	}
	n := len(l.eventBuf)
	start := time.Now()
	err := l.cfg.Events.SaveBatch(ctx, l.eventBuf)
	if !l.recordFlush(ctx, "events", trigger, n, start, err) {
		return false
	}
	l.eventBuf = make([]models.EventEntity, 0, l.cfg.BatchSize)
	l.updateBufferGauges()
	return true
}

func (l *Listener) recordFlush(ctx context.Context, buffer, trigger string, n int, start time.Time, err error) bool {
	duration := time.Since(start)
	metrics.ListenerFlushDuration.WithLabelValues(buffer).Observe(duration.Seconds())
	l.flushes.Add(1)

	if err != nil {
		l.failedFlushes.Add(1)
		metrics.ListenerFlushesTotal.WithLabelValues(buffer, trigger, "failed").Inc()
		l.log.Error().
			Err(err).
			Str("buffer", buffer).
			Str("trigger", trigger).
			Int("batch_size", n).
			Dur("duration", duration).
			Msg("flush failed, keeping buffer")
		l.checkBacklog(ctx, n)
		return false
	}

	metrics.ListenerFlushesTotal.WithLabelValues(buffer, trigger, "success").Inc()
	l.log.Info().
		Str("buffer", buffer).
		Str("trigger", trigger).
		Int("batch_size", n).
		Dur("duration", duration).
		Msg("buffer flushed")
	return true
}

func (l *Listener) checkBacklog(ctx context.Context, size int) {
	if l.cfg.BacklogThreshold <= 0 {
		return
	}
	rule := alerts.Rule{Name: alerts.BufferBacklog, Threshold: float64(l.cfg.BacklogThreshold)}
	if _, err := l.cfg.Alerts.Evaluate(ctx, rule, float64(size)); err != nil {
		l.log.Warn().Err(err).Msg("alert evaluation failed")
	}
}

func (l *Listener) updateBufferGauges() {
	metrics.ListenerBufferSize.WithLabelValues("comics").Set(float64(len(l.stateBuf)))
	metrics.ListenerBufferSize.WithLabelValues("events").Set(float64(len(l.eventBuf)))
}

// commitPending advances offsets once nothing fetched is held in memory.
func (l *Listener) commitPending(ctx context.Context, sub kafka.Subscription) {
	if len(l.pending) == 0 || len(l.stateBuf) > 0 || len(l.eventBuf) > 0 {
		return
	}
	if err := sub.Commit(ctx, l.pending...); err != nil {
		if ctx.Err() == nil {
			metrics.ListenerCommitErrors.Inc()
			l.log.Warn().Err(err).Int("messages", len(l.pending)).Msg("offset commit failed, will retry")
		}
		return
	}
	l.committed.Add(uint64(len(l.pending)))
	l.pending = l.pending[:0]
}

// drain makes one final attempt at both buffers, then commits what was persisted.
func (l *Listener) drain(ctx context.Context, sub kafka.Subscription) {
	l.log.Info().
		Int("comics", len(l.stateBuf)).
		Int("events", len(l.eventBuf)).
		Msg("final flush before shutdown")

	l.flushStates(ctx, triggerShutdown)
	l.flushEvents(ctx, triggerShutdown)
	l.commitPending(ctx, sub)

	if len(l.stateBuf) > 0 || len(l.eventBuf) > 0 {
		l.log.Error().
			Int("comics", len(l.stateBuf)).
			Int("events", len(l.eventBuf)).
			Msg("records not persisted at shutdown; they will be redelivered")
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Stats returns listener statistics
func (l *Listener) Stats() Stats {
	return Stats{
		Consumed:      l.consumed.Load(),
		Buffered:      l.buffered.Load(),
		Skipped:       l.skipped.Load(),
		DeadLettered:  l.deadLettered.Load(),
		Flushes:       l.flushes.Load(),
		FailedFlushes: l.failedFlushes.Load(),
		Committed:     l.committed.Load(),
	}
}

// Stats holds listener counters
type Stats struct {
	Consumed      uint64
	Buffered      uint64
	Skipped       uint64
	DeadLettered  uint64
	Flushes       uint64
	FailedFlushes uint64
	Committed     uint64
}
