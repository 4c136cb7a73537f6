package processor

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"comicpipe/internal/alerts"
	"comicpipe/internal/config"
	"comicpipe/internal/kafka"
	"comicpipe/internal/logger"
	"comicpipe/internal/storage"
	"comicpipe/internal/worker"
)

const (
	statsInterval   = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

// Processor runs the persistence service: readiness gate, listener,
// repositories and the metrics endpoint.
type Processor struct {
	cfg *config.Config

	db            *sql.DB
	producer      *kafka.Producer
	listener      *worker.Listener
	alerts        alerts.AlertEngine
	metricsServer *http.Server
}

// New constructs a Processor with given config.
func New(cfg *config.Config) *Processor {
	return &Processor{cfg: cfg}
}

// Run wires every component and blocks until ctx is cancelled or a component fails.
// The listener drains its buffers before Run returns.
func (p *Processor) Run(ctx context.Context) error {
	log := logger.WithComponent("processor")
	log.Info().Msg("persistence service starting")

	if err := p.init(); err != nil {
		p.close()
		return err
	}
	defer p.close()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return p.listener.Run(gctx)
	})

	g.Go(func() error {
		log.Info().Str("addr", p.metricsServer.Addr).Msg("starting metrics server")
		if err := p.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := p.metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("metrics server shutdown error")
		}
		return nil
	})

	g.Go(func() error {
		p.reportStats(gctx)
		return nil
	})

	err := g.Wait()
	log.Info().Err(err).Msg("persistence service stopped")
	return err
}

func (p *Processor) init() error {
	log := logger.WithComponent("processor")

	db, err := storage.Open(p.cfg.Postgres)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	p.db = db

	producer, err := kafka.NewProducer(p.cfg.Kafka.Brokers, p.cfg.Kafka.Producer)
	if err != nil {
		return fmt.Errorf("failed to initialize producer: %w", err)
	}
	p.producer = producer

	consumer, err := kafka.NewConsumer(p.cfg.Kafka, p.cfg.Listener.PollTimeout)
	if err != nil {
		return fmt.Errorf("failed to initialize consumer: %w", err)
	}

	retry := storage.RetryPolicyFromConfig(p.cfg.Postgres)
	gate := storage.NewReadinessGate(storage.ReadinessTarget{
		Name:       "comics",
		DB:         db,
		Schema:     p.cfg.Postgres.Schema,
		Tables:     storage.RequiredTables,
		MinVersion: p.cfg.Postgres.SchemaVersion,
	})

	p.alerts = alerts.NewThresholdEngine()
	p.listener = worker.NewListener(worker.Config{
		Subscriber:        consumer,
		Readiness:         gate,
		Comics:            storage.NewComicRepository(db, p.cfg.Postgres.Schema, retry),
		Events:            storage.NewEventRepository(db, p.cfg.Postgres.Schema, retry),
		DeadLetters:       producer,
		DeadLetterTopic:   p.cfg.Kafka.DeadLetterTopic,
		Alerts:            p.alerts,
		BacklogThreshold:  p.cfg.Alerts.BacklogThreshold,
		BatchSize:         p.cfg.Listener.BatchSize,
		FlushInterval:     p.cfg.Listener.FlushInterval,
		ReadyDelay:        p.cfg.Listener.DBReadyDelay,
		ConsumeErrorDelay: p.cfg.Listener.ConsumeErrorDelay,
		EventType:         p.cfg.Listener.EventType,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/stats", p.statsHandler)
	p.metricsServer = &http.Server{
		Addr:              p.cfg.HTTP.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Info().
		Strs("brokers", p.cfg.Kafka.Brokers).
		Str("topic", p.cfg.Kafka.Topic).
		Str("group_id", p.cfg.Kafka.GroupID).
		Str("schema", p.cfg.Postgres.Schema).
		Msg("persistence service initialized")
	return nil
}

func (p *Processor) close() {
	log := logger.WithComponent("processor")
	if p.producer != nil {
		if err := p.producer.Close(); err != nil {
			log.Error().Err(err).Msg("producer close error")
		}
	}
	if p.alerts != nil {
		p.alerts.Close()
	}
	if p.db != nil {
		if err := p.db.Close(); err != nil {
			log.Error().Err(err).Msg("database close error")
		}
	}
}

// reportStats periodically logs statistics
func (p *Processor) reportStats(ctx context.Context) {
	log := logger.WithComponent("processor")
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ls := p.listener.Stats()
			ps := p.producer.Stats()

			log.Info().
				Str("state", p.listener.State().String()).
				Uint64("consumed", ls.Consumed).
				Uint64("buffered", ls.Buffered).
				Uint64("skipped", ls.Skipped).
				Uint64("dead_lettered", ls.DeadLettered).
				Uint64("flushes", ls.Flushes).
				Uint64("failed_flushes", ls.FailedFlushes).
				Uint64("committed", ls.Committed).
				Uint64("producer_sent", ps.MessagesSent).
				Uint64("producer_failed", ps.MessagesFailed).
				Msg("stats")
		}
	}
}

type statsResponse struct {
	State    string              `json:"state"`
	Listener worker.Stats        `json:"listener"`
	Producer kafka.ProducerStats `json:"producer"`
}

// statsHandler returns current statistics
func (p *Processor) statsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(statsResponse{
		State:    p.listener.State().String(),
		Listener: p.listener.Stats(),
		Producer: p.producer.Stats(),
	})
}
