package storage

import (
	"context"
	"time"

	"comicpipe/internal/config"
	"comicpipe/internal/logger"
	"comicpipe/internal/metrics"
)

// RetryPolicy bounds repository retries. The wait before attempt n+1 is Backoff*n.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration

	// sleep is swapped in tests
	sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy is three attempts with 500ms linear backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Backoff: 500 * time.Millisecond}
}

// RetryPolicyFromConfig builds a policy from the postgres section, falling back
// to the defaults for unset values.
func RetryPolicyFromConfig(cfg config.PostgresConfig) RetryPolicy {
	p := DefaultRetryPolicy()
	if cfg.MaxAttempts > 0 {
		p.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.RetryBackoff > 0 {
		p.Backoff = cfg.RetryBackoff
	}
	return p
}

// Do runs fn until it succeeds, fails with a non-transient error, or the attempts
// run out. Every failure is returned as a *PersistError.
func (p RetryPolicy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	log := logger.WithComponent("storage")

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			metrics.RepositoryAttemptsTotal.WithLabelValues(op, "success").Inc()
			if attempt > 1 {
				log.Info().Str("op", op).Int("attempt", attempt).Msg("operation succeeded after retry")
			}
			return nil
		}

		if ctx.Err() != nil || !IsTransient(err) {
			metrics.RepositoryAttemptsTotal.WithLabelValues(op, "failed").Inc()
			log.Error().Err(err).Str("op", op).Int("attempt", attempt).Msg("operation failed")
			return &PersistError{Op: op, Attempts: attempt, Err: err}
		}
		if attempt == attempts {
			break
		}

		metrics.RepositoryAttemptsTotal.WithLabelValues(op, "retry").Inc()
		delay := p.Backoff * time.Duration(attempt)
		log.Warn().
			Err(err).
			Str("op", op).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("transient failure, retrying")

		if serr := p.wait(ctx, delay); serr != nil {
			return &PersistError{Op: op, Attempts: attempt, Err: err}
		}
	}

	metrics.RepositoryAttemptsTotal.WithLabelValues(op, "failed").Inc()
	log.Error().Err(err).Str("op", op).Int("attempts", attempts).Msg("retry budget exhausted")
	return &PersistError{Op: op, Attempts: attempts, Err: err}
}

func (p RetryPolicy) wait(ctx context.Context, d time.Duration) error {
	if p.sleep != nil {
		return p.sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
