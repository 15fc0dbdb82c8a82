// Package reliability classifies storage failures as transient or permanent.
package reliability

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// IsTransientDBError reports whether err is a database failure worth retrying.
// Cancellation is never transient.
func IsTransientDBError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return IsTransientSQLState(pgErr.Code)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return pgconn.SafeToRetry(err)
}

// IsTransientSQLState classifies a PostgreSQL SQLSTATE code.
func IsTransientSQLState(code string) bool {
	if strings.HasPrefix(code, "08") { // connection exception class
		return true
	}
	switch code {
	case "40001", "40P01", // serialization failure, deadlock
		"53300",                   // too many connections
		"57P01", "57P02", "57P03": // admin shutdown, crash shutdown, cannot connect now
		return true
	default:
		return false
	}
}
