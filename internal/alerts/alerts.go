package alerts

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"comicpipe/internal/logger"
	"comicpipe/internal/metrics"
)

// BufferBacklog fires when a listener buffer keeps growing because flushes fail.
const BufferBacklog = "buffer_backlog"

// Rule defines a simple threshold-based alert rule.
type Rule struct {
	Name      string
	Threshold float64
}

// AlertEngine is responsible for evaluating rules and emitting alerts.
type AlertEngine interface {
	Evaluate(ctx context.Context, rule Rule, value float64) (bool, error)
	Close() error
}

type noopEngine struct{}

func NewNoopEngine() AlertEngine { return &noopEngine{} }
func (n *noopEngine) Evaluate(ctx context.Context, rule Rule, value float64) (bool, error) {
	return value > rule.Threshold, nil
}
func (n *noopEngine) Close() error { return nil }

// ThresholdEngine logs and counts every violation. A rule that stays violated is
// logged at error level once per transition and at debug level afterwards.
type ThresholdEngine struct {
	log zerolog.Logger

	mu     sync.Mutex
	firing map[string]bool
}

// NewThresholdEngine creates an engine with no rule firing.
func NewThresholdEngine() *ThresholdEngine {
	return &ThresholdEngine{
		log:    logger.WithComponent("alerts"),
		firing: make(map[string]bool),
	}
}

func (e *ThresholdEngine) Evaluate(ctx context.Context, rule Rule, value float64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	violated := value > rule.Threshold

	e.mu.Lock()
	wasFiring := e.firing[rule.Name]
	e.firing[rule.Name] = violated
	e.mu.Unlock()

	switch {
	case violated && !wasFiring:
		metrics.AlertsFiredTotal.WithLabelValues(rule.Name).Inc()
		e.log.Error().
			Str("rule", rule.Name).
			Float64("threshold", rule.Threshold).
			Float64("value", value).
			Msg("alert firing")
	case violated:
		metrics.AlertsFiredTotal.WithLabelValues(rule.Name).Inc()
		e.log.Debug().
			Str("rule", rule.Name).
			Float64("value", value).
			Msg("alert still firing")
	case wasFiring:
		e.log.Info().
			Str("rule", rule.Name).
			Float64("value", value).
			Msg("alert resolved")
	}
	return violated, nil
}

func (e *ThresholdEngine) Close() error { return nil }
