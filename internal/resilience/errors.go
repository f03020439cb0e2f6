// Package resilience retries database calls that fail for transient reasons.
package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
)

// TransientError marks an error as safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps err as transient.
func NewTransientError(err error) *TransientError {
	return &TransientError{Err: err}
}

// transientClasses are SQLSTATE classes a server reports when the same
// statement may succeed on a later attempt.
var transientClasses = []string{
	"08", // connection exception
	"53", // insufficient resources
	"57", // operator intervention (admin shutdown, crash recovery)
}

// transientCodes are individual SQLSTATE codes outside transientClasses.
var transientCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
}

// IsTransient reports whether err is worth retrying: an explicit
// TransientError, a PostgreSQL error with a transient SQLSTATE, a network
// timeout, or a dropped connection.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return IsTransientSQLState(pgErr.Code)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset by peer",
		"broken pipe",
		"i/o timeout",
		"conn closed",
		"unexpected eof",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsTransientSQLState reports whether a five-character SQLSTATE code
// describes a condition that may clear on retry.
func IsTransientSQLState(code string) bool {
	if transientCodes[code] {
		return true
	}
	if len(code) < 2 {
		return false
	}
	for _, class := range transientClasses {
		if code[:2] == class {
			return true
		}
	}
	return false
}
