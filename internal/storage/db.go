package storage

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver

	"comicpipe/internal/config"
)

// Table names inside the configured schema.
const (
	EventsTable          = "events"
	ComicCollectionTable = "comiccollection"
	ProcessedEventsTable = "processedevents"
)

// RequiredTables lists every table the persist service writes to.
var RequiredTables = []string{EventsTable, ComicCollectionTable, ProcessedEventsTable}

// Open creates a connection pool for the configured DSN. It does not dial;
// reachability is checked by the readiness gate.
func Open(cfg config.PostgresConfig) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("open postgres: empty dsn")
	}
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	return db, nil
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

// qualifiedTable returns schema.table, both quoted. An empty schema leaves the
// table to the connection's search_path.
func qualifiedTable(schema, table string) string {
	if strings.TrimSpace(schema) == "" {
		return quoteIdentifier(table)
	}
	return quoteIdentifier(schema) + "." + quoteIdentifier(table)
}
