// Package dberror classifies key-value store errors so callers can tell an
// unreachable store apart from a definitive answer.
package dberror

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrorType classifies store errors for appropriate handling.
type ErrorType int

const (
	ErrorTypeUnknown ErrorType = iota
	// ErrorTypeConnectivity indicates the store is unreachable.
	ErrorTypeConnectivity
	// ErrorTypeTimeout indicates the operation timed out.
	ErrorTypeTimeout
	// ErrorTypeAuth indicates authentication/authorization failure.
	ErrorTypeAuth
	// ErrorTypeQuery indicates a malformed statement or missing schema.
	ErrorTypeQuery
)

func (t ErrorType) String() string {
	switch t {
	case ErrorTypeConnectivity:
		return "connectivity"
	case ErrorTypeTimeout:
		return "timeout"
	case ErrorTypeAuth:
		return "auth"
	case ErrorTypeQuery:
		return "query"
	default:
		return "unknown"
	}
}

// IsTransient returns true if the error is likely transient and worth retrying.
// Caller cancellation is never transient.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch Classify(err) {
	case ErrorTypeConnectivity, ErrorTypeTimeout:
		return true
	default:
		return false
	}
}

// IsUnavailable reports whether err means the store could not give an answer
// at all, as opposed to a definitive result such as a missing key.
func IsUnavailable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	switch Classify(err) {
	case ErrorTypeConnectivity, ErrorTypeTimeout, ErrorTypeAuth:
		return true
	default:
		return false
	}
}

// Classify determines the type of store error.
func Classify(err error) ErrorType {
	if err == nil {
		return ErrorTypeUnknown
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrorTypeTimeout
		}
		return ErrorTypeConnectivity
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTypeTimeout
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "57P"):
			return ErrorTypeConnectivity
		case strings.HasPrefix(pgErr.Code, "28"):
			return ErrorTypeAuth
		case strings.HasPrefix(pgErr.Code, "42"):
			return ErrorTypeQuery
		}
	}

	errStr := strings.ToLower(err.Error())
	for _, p := range []struct {
		typ      ErrorType
		patterns []string
	}{
		{ErrorTypeConnectivity, connectivityPatterns},
		{ErrorTypeTimeout, timeoutPatterns},
		{ErrorTypeAuth, authPatterns},
		{ErrorTypeQuery, queryPatterns},
	} {
		for _, pattern := range p.patterns {
			if strings.Contains(errStr, pattern) {
				return p.typ
			}
		}
	}
	return ErrorTypeUnknown
}

var (
	connectivityPatterns = []string{
		"connection refused",
		"connection reset",
		"connection closed",
		"no such host",
		"dial tcp",
		"dial unix",
		"eof",
		"broken pipe",
		"network is unreachable",
		"no route to host",
		"read/write on closed",
		"pool is closed",
		"closed pool",
		"store is closed",
		"pebble: closed",
		"server shutdown",
	}
	timeoutPatterns = []string{
		"timeout",
		"deadline exceeded",
		"timed out",
	}
	authPatterns = []string{
		"password authentication failed",
		"authentication failed",
		"permission denied",
	}
	queryPatterns = []string{
		"syntax error",
		"does not exist",
	}
)
