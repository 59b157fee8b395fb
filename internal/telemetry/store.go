package telemetry

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrNotImplemented = errors.New("telemetry store method not implemented")
var ErrNotFound = errors.New("telemetry store record not found")
var ErrInvalidCursor = errors.New("span cursor is invalid")

// Store is the persistence contract for spans, metrics, and tool profiles.
// Implementations must be safe for concurrent use.
type Store interface {
	UpsertSpan(ctx context.Context, span *Span) (UpsertOutcome, error)
	UpsertMetric(ctx context.Context, metric *Metric) (bool, error)
	GetSpan(ctx context.Context, customerID, traceID, spanID string) (*Span, error)
	QuerySpans(ctx context.Context, filter SpanFilter) (*SpanResult, error)
	ListObservations(ctx context.Context, filter ObservationFilter) ([]Observation, error)
	GetToolProfile(ctx context.Context, customerID, vendor string) (*ToolProfile, error)
	ListToolProfiles(ctx context.Context, customerID string) ([]*ToolProfile, error)
	DeleteToolProfile(ctx context.Context, customerID, vendor string) error
	TouchToolProfiles(ctx context.Context, touches []ProfileTouch) error
	Close() error
}

type SpanFilter struct {
	CustomerID string
	TeamID     string
	UserID     string
	Vendor     string
	Model      string
	TraceID    string
	Status     string
	KeyHash    string
	From       time.Time
	To         time.Time
	Limit      int
	Cursor     string
}

type SpanResult struct {
	Items      []*Span
	NextCursor string
}

// ObservationFilter selects the span slice a rollup window aggregates over.
type ObservationFilter struct {
	CustomerID string
	TeamID     string
	Vendor     string
	From       time.Time
	To         time.Time
}

// Observation is the narrow span projection the rollup engine consumes.
// Completed distinguishes a closed span from an open one: a closed span with
// duration zero is still a latency sample, an open span never is.
type Observation struct {
	StartTime    time.Time
	DurationMS   int64
	Completed    bool
	IsError      bool
	InputTokens  int64
	OutputTokens int64
	Vendor       string
	Model        string
	Operation    string
}

func encodeSpanCursor(startTime time.Time, traceID, spanID string) string {
	if startTime.IsZero() || spanID == "" {
		return ""
	}
	raw := startTime.UTC().Format(time.RFC3339Nano) + "|" + traceID + "|" + spanID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeSpanCursor(cursor string) (time.Time, string, string, error) {
	payload, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", "", fmt.Errorf("%w: decode base64 cursor", ErrInvalidCursor)
	}
	parts := strings.SplitN(string(payload), "|", 3)
	if len(parts) != 3 || strings.TrimSpace(parts[2]) == "" {
		return time.Time{}, "", "", fmt.Errorf("%w: missing span id", ErrInvalidCursor)
	}
	startTime, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(parts[0]))
	if err != nil {
		return time.Time{}, "", "", fmt.Errorf("%w: parse start_time", ErrInvalidCursor)
	}
	return startTime.UTC(), strings.TrimSpace(parts[1]), strings.TrimSpace(parts[2]), nil
}
