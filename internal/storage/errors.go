package storage

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// PersistError is the fatal outcome of a repository call: either the error was
// not transient or the retry budget ran out.
type PersistError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("%s failed after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying with a fresh transaction.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"): // connection exception
			return true
		case strings.HasPrefix(pgErr.Code, "40"): // serialization failure, deadlock
			return true
		case strings.HasPrefix(pgErr.Code, "53"): // insufficient resources
			return true
		case strings.HasPrefix(pgErr.Code, "57P0"): // server shutting down
			return true
		case pgErr.Code == "23505":
			// a concurrent flush wrote the same ledger row; the next attempt sees it
			return true
		}
		return false
	}

	if pgconn.SafeToRetry(err) {
		return true
	}

	// refused or reset while connecting: the server is restarting or briefly unreachable
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
