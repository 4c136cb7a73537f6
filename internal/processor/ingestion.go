package processor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"comicpipe/internal/config"
	"comicpipe/internal/handlers"
	"comicpipe/internal/ingest"
	"comicpipe/internal/kafka"
	"comicpipe/internal/logger"
	"comicpipe/internal/middleware"
)

// Ingestion runs the ingestion service: the CSV upload endpoint, the
// optional inbox watcher and the producer they share.
type Ingestion struct {
	cfg *config.Config

	producer      *kafka.Producer
	ingestor      *ingest.Ingestor
	httpServer    *http.Server
	metricsServer *http.Server
}

// NewIngestion constructs the ingestion service with given config.
func NewIngestion(cfg *config.Config) *Ingestion {
	return &Ingestion{cfg: cfg}
}

// Run serves uploads until ctx is cancelled or a server fails.
func (s *Ingestion) Run(ctx context.Context) error {
	log := logger.WithComponent("ingestion")
	log.Info().Msg("ingestion service starting")

	if err := s.init(); err != nil {
		s.close()
		return err
	}
	defer s.close()

	g, gctx := errgroup.WithContext(ctx)

	for _, srv := range []*http.Server{s.httpServer, s.metricsServer} {
		srv := srv
		g.Go(func() error {
			log.Info().Str("addr", srv.Addr).Msg("starting HTTP server")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server %s: %w", srv.Addr, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, srv := range []*http.Server{s.httpServer, s.metricsServer} {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Str("addr", srv.Addr).Msg("HTTP server shutdown error")
			}
		}
		return nil
	})

	if dir := s.cfg.HTTP.InboxDir; dir != "" {
		watcher, err := ingest.NewWatcher(dir, s.ingestor)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return watcher.Run(gctx)
		})
	}

	err := g.Wait()
	log.Info().Err(err).Msg("ingestion service stopped")
	return err
}

func (s *Ingestion) init() error {
	producer, err := kafka.NewProducer(s.cfg.Kafka.Brokers, s.cfg.Kafka.Producer)
	if err != nil {
		return fmt.Errorf("failed to initialize producer: %w", err)
	}
	s.producer = producer

	ingestor, err := ingest.NewIngestor(ingest.Config{
		Publisher:       producer,
		Topic:           s.cfg.Kafka.Topic,
		DeadLetterTopic: s.cfg.Kafka.DeadLetterTopic,
		MetricsTopic:    s.cfg.Kafka.MetricsTopic,
		PublishBatch:    s.cfg.Kafka.Producer.BatchSize,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize ingestor: %w", err)
	}
	s.ingestor = ingestor

	s.httpServer = &http.Server{
		Addr:              s.cfg.HTTP.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	s.metricsServer = &http.Server{
		Addr:              s.cfg.HTTP.MetricsAddr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

func (s *Ingestion) routes() http.Handler {
	limiter := rate.NewLimiter(rate.Limit(s.cfg.HTTP.RateLimit), s.cfg.HTTP.RateBurst)
	if s.cfg.HTTP.RateLimit <= 0 {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}

	mux := http.NewServeMux()
	mux.Handle(handlers.IngestPath, middleware.Chain(
		handlers.NewIngestHandler(handlers.IngestConfig{
			Importer:    s.ingestor,
			MaxBodySize: s.cfg.HTTP.MaxUploadBytes,
		}),
		middleware.Recovery,
		middleware.Logging,
		middleware.RateLimit(limiter),
	))
	return mux
}

func (s *Ingestion) close() {
	if s.producer != nil {
		if err := s.producer.Close(); err != nil {
			log := logger.WithComponent("ingestion")
			log.Error().Err(err).Msg("producer close error")
		}
	}
}
