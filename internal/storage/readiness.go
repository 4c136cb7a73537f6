package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"comicpipe/internal/logger"
	"comicpipe/internal/metrics"
)

// DefaultMigrationsTable is the bookkeeping table written by golang-migrate style tooling.
const DefaultMigrationsTable = "schema_migrations"

// ReadinessTarget is one database the persist service depends on.
type ReadinessTarget struct {
	Name            string
	DB              *sql.DB
	Schema          string
	Tables          []string
	MigrationsTable string
	// MinVersion is the lowest applied migration version the code understands.
	MinVersion int64
}

// ReadinessGate answers whether every target is reachable, fully migrated and
// has its tables. It never returns an error; failures read as not ready.
type ReadinessGate struct {
	targets []ReadinessTarget
	log     zerolog.Logger
}

// NewReadinessGate creates a gate over the given targets.
func NewReadinessGate(targets ...ReadinessTarget) *ReadinessGate {
	return &ReadinessGate{
		targets: targets,
		log:     logger.WithComponent("readiness"),
	}
}

// IsReady re-evaluates every target on each call.
func (g *ReadinessGate) IsReady(ctx context.Context) (ready bool) {
	defer func() {
		if r := recover(); r != nil {
			metrics.PanicsRecovered.WithLabelValues("readiness").Inc()
			g.log.Error().Interface("panic", r).Msg("readiness check panicked")
			ready = false
		}
		if ready {
			metrics.DatabaseReady.Set(1)
		} else {
			metrics.DatabaseReady.Set(0)
		}
	}()

	if len(g.targets) == 0 {
		g.log.Warn().Msg("no readiness targets configured")
		return false
	}

	for _, t := range g.targets {
		if err := g.check(ctx, t); err != nil {
			g.log.Info().Err(err).Str("target", t.Name).Msg("database not ready")
			return false
		}
	}
	return true
}

func (g *ReadinessGate) check(ctx context.Context, t ReadinessTarget) error {
	if t.DB == nil {
		return errors.New("no connection pool")
	}
	if err := t.DB.PingContext(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	if err := checkMigrations(ctx, t); err != nil {
		return err
	}
	return checkTables(ctx, t)
}

func checkMigrations(ctx context.Context, t ReadinessTarget) error {
	table := t.MigrationsTable
	if table == "" {
		table = DefaultMigrationsTable
	}

	query := fmt.Sprintf("SELECT version, dirty FROM %s ORDER BY version DESC LIMIT 1", quoteIdentifier(table))
	var (
		version int64
		dirty   bool
	)
	err := t.DB.QueryRowContext(ctx, query).Scan(&version, &dirty)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.New("pending migrations: none applied")
	}
	if err != nil {
		return fmt.Errorf("read migration version: %w", err)
	}
	if dirty {
		return fmt.Errorf("pending migrations: version %d is dirty", version)
	}
	if version < t.MinVersion {
		return fmt.Errorf("pending migrations: at version %d, need %d", version, t.MinVersion)
	}
	return nil
}

func checkTables(ctx context.Context, t ReadinessTarget) error {
	if len(t.Tables) == 0 {
		return nil
	}

	const query = `SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = $1 AND table_name = ANY($2)`
	var count int
	if err := t.DB.QueryRowContext(ctx, query, t.Schema, pq.Array(t.Tables)).Scan(&count); err != nil {
		return fmt.Errorf("list tables: %w", err)
	}
	if count < len(t.Tables) {
		return fmt.Errorf("required tables missing in schema %q: found %d of %d", t.Schema, count, len(t.Tables))
	}
	return nil
}
