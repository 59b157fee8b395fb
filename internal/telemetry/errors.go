package telemetry

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// Write failure classes surfaced in registry diagnostics and ingest logs.
// Operators alert on these instead of raw driver error strings.
const (
	WriteErrorClassConnection = "connection"
	WriteErrorClassTimeout    = "timeout"
	WriteErrorClassContention = "contention"
	WriteErrorClassConstraint = "constraint"
	WriteErrorClassUnknown    = "unknown"
)

// writeErrorSubstrings classifies driver errors whose type information was
// lost to wrapping or string conversion. Checked in order; connection
// fragments come first because pgx and net wrap them most aggressively.
var writeErrorSubstrings = []struct {
	class     string
	fragments []string
}{
	{WriteErrorClassConnection, []string{"connection refused", "broken pipe", "no such host"}},
	{WriteErrorClassTimeout, []string{"timeout", "deadline exceeded"}},
	{WriteErrorClassContention, []string{"sqlite_busy", "database is locked"}},
	{WriteErrorClassConstraint, []string{
		"violates foreign key constraint",
		"violates unique constraint",
		"violates check constraint",
		"duplicate key",
	}},
}

// ClassifyWriteError maps a span or metric write failure to one of the
// defined classes. Typed checks run before string matching; a net.Error can
// be both a timeout and a connection failure, and timeout wins.
func ClassifyWriteError(err error) string {
	if err == nil {
		return WriteErrorClassUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return WriteErrorClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return WriteErrorClassTimeout
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return WriteErrorClassConnection
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) {
		return WriteErrorClassConnection
	}

	msg := strings.ToLower(err.Error())
	for _, entry := range writeErrorSubstrings {
		for _, fragment := range entry.fragments {
			if strings.Contains(msg, fragment) {
				return entry.class
			}
		}
	}

	return WriteErrorClassUnknown
}
