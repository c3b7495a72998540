// Package errs defines the error taxonomy shared by every market-data
// component: invalid input, adapter transient/permanent failures, and
// store-level invariant violations. Callers classify with errors.Is.
package errs

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgconn"
)

// Sentinel errors. Wrap with fmt.Errorf("...: %w", ErrX) at the call site so
// errors.Is/errors.As keep working through the whole chain.
var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrAdapterTransient  = errors.New("adapter transient failure")
	ErrAdapterPermanent  = errors.New("adapter permanent failure")
	ErrAdapterExhausted  = errors.New("adapter retries exhausted")
	ErrInvariantViolated = errors.New("invariant violated")
	ErrResolverEmpty     = errors.New("resolved window is empty")
	ErrUnknownVenue      = errors.New("no adapter registered for venue")
)

// Wrap builds an error from format/args that wraps sentinel, so errors.Is
// matches the sentinel. The args are formatted as text only: a lower-level
// error passed among them is not reachable through errors.Is/errors.As.
func Wrap(sentinel error, format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), sentinel)
}

// connectionKeywords are substrings of error messages that indicate a
// transient network/connection problem rather than a permanent failure.
// Grounded on Andrew50-peripheral's isConnectionError classifier.
var connectionKeywords = []string{
	"connection refused",
	"connection reset",
	"connection closed",
	"unexpected eof",
	"broken pipe",
	"no such host",
	"network is unreachable",
	"timeout",
	"connection lost",
	"server closed the connection",
	"context deadline exceeded",
}

// IsTransient reports whether err looks like a retryable network/server
// condition as opposed to a permanent rejection (bad request, not found).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAdapterTransient) {
		return true
	}
	if errors.Is(err, ErrAdapterPermanent) {
		return false
	}
	// Postgres connection-exception classes (08xxx) and admin/crash/cannot-
	// connect-now shutdown codes, matching isConnectionError's SQLSTATE list.
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"):
			return true
		case pgErr.Code == "57P01", pgErr.Code == "57P02", pgErr.Code == "57P03":
			return true
		}
	}
	lower := strings.ToLower(err.Error())
	for _, kw := range connectionKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
