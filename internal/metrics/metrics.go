package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comicpipe_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "comicpipe_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestsThrottled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comicpipe_http_requests_throttled_total",
			Help: "Total number of HTTP requests rejected by the rate limiter",
		},
		[]string{"endpoint"},
	)

	// Ingest metrics
	IngestRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comicpipe_ingest_records_total",
			Help: "Total number of CSV records ingested",
		},
		[]string{"status"}, // status: published, dead_lettered
	)

	IngestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "comicpipe_ingest_duration_seconds",
			Help:    "Time taken to ingest one CSV import",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	// Listener metrics
	ListenerMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comicpipe_listener_messages_total",
			Help: "Total number of messages consumed by the listener",
		},
		[]string{"status"}, // status: buffered, null, malformed, invalid
	)

	ListenerConsumeErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "comicpipe_listener_consume_errors_total",
			Help: "Total number of transport errors while consuming",
		},
	)

	ListenerFlushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comicpipe_listener_flushes_total",
			Help: "Total number of buffer flushes",
		},
		[]string{"buffer", "trigger", "status"}, // buffer: events, comics; trigger: size, time, shutdown
	)

	ListenerFlushDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "comicpipe_listener_flush_duration_seconds",
			Help:    "Time taken to flush one buffer",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"buffer"},
	)

	ListenerBufferSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "comicpipe_listener_buffer_size",
			Help: "Current number of records held in a listener buffer",
		},
		[]string{"buffer"},
	)

	ListenerCommitErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "comicpipe_listener_commit_errors_total",
			Help: "Total number of failed offset commits",
		},
	)

	// Storage metrics
	DatabaseReady = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "comicpipe_database_ready",
			Help: "Indicates whether the database is ready.",
		},
	)

	RepositoryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comicpipe_repository_attempts_total",
			Help: "Total number of repository attempts",
		},
		[]string{"op", "status"}, // status: success, retry, failed
	)

	LedgerSkippedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "comicpipe_ledger_skipped_total",
			Help: "Total number of state mutations skipped because the event was already processed",
		},
	)

	ComicsWrittenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comicpipe_comics_written_total",
			Help: "Total number of comic rows written",
		},
		[]string{"action"}, // action: inserted, updated
	)

	EventsAppendedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "comicpipe_events_appended_total",
			Help: "Total number of rows appended to the event log",
		},
	)

	// Kafka producer metrics
	KafkaPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comicpipe_kafka_publish_total",
			Help: "Total number of messages published to Kafka",
		},
		[]string{"topic", "status"}, // status: success, failed
	)

	KafkaPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "comicpipe_kafka_publish_duration_seconds",
			Help:    "Time taken to publish to Kafka",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	KafkaPublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "comicpipe_kafka_publish_retries_total",
			Help: "Total number of Kafka publish retries",
		},
	)

	KafkaBytesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "comicpipe_kafka_bytes_written_total",
			Help: "Total bytes written to Kafka",
		},
	)

	// Alerts
	AlertsFiredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comicpipe_alerts_fired_total",
			Help: "Total number of alert rule violations",
		},
		[]string{"rule"},
	)

	// Panic recovery
	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comicpipe_panics_recovered_total",
			Help: "Total number of panics recovered",
		},
		[]string{"component"},
	)
)
