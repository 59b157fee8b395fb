// Package telemetry holds the span and metric records produced by ingestion,
// the tool profile registry derived from them, and the storage contract both
// are persisted through.
package telemetry

import (
	"encoding/json"
	"strings"
	"time"
)

// Span status values as stored. These mirror the OTLP status enum names.
const (
	StatusUnset = "UNSET"
	StatusOK    = "OK"
	StatusError = "ERROR"
)

// Span is one ingested telemetry span after attribution and normalization.
// Identity is (CustomerID, TraceID, SpanID); re-exports of the same span are
// merged rather than duplicated. Span and resource attributes are stored as
// separate flat JSON objects so a span attribute never shadows a resource
// attribute with the same key.
type Span struct {
	CustomerID         string
	TeamID             string
	UserID             string
	TraceID            string
	SpanID             string
	ParentSpanID       string
	Name               string
	Kind               string
	Vendor             string
	Category           string
	Model              string
	Operation          string
	StartTime          time.Time
	EndTime            time.Time
	DurationMS         int64
	StatusCode         string
	StatusMessage      string
	InputTokens        int
	OutputTokens       int
	KeyHash            string
	SpanAttributes     string
	ResourceAttributes string
	CreatedAt          time.Time
}

// Metric is one ingested number data point. ID is a content hash computed at
// ingest time so replayed exports collapse onto the same row.
type Metric struct {
	ID         string
	CustomerID string
	TeamID     string
	Vendor     string
	Name       string
	Unit       string
	Type       string
	Value      float64
	Timestamp  time.Time
	Attributes string
	CreatedAt  time.Time
}

// Metric type values as stored.
const (
	MetricTypeSum   = "sum"
	MetricTypeGauge = "gauge"
)

// ToolProfile is the per-customer registry entry for one observed vendor.
// Counters are maintained by the registry from upsert outcomes, never by
// rescanning spans.
type ToolProfile struct {
	CustomerID  string
	Vendor      string
	DisplayName string
	Category    string
	IsLLM       bool
	FirstSeenAt time.Time
	LastSeenAt  time.Time
	TotalSpans  int64
	TotalTraces int64
	ErrorCount  int64
}

// UpsertOutcome reports what a span upsert actually changed, so profile
// counters can be advanced exactly once per logical event.
type UpsertOutcome struct {
	// Inserted is true when the span row did not exist before.
	Inserted bool
	// ErrorDelta is +1 when the span became an error, -1 when a re-export
	// cleared a previously stored error status, and 0 otherwise.
	ErrorDelta int
}

// ProfileTouch is one registry update derived from a span upsert.
type ProfileTouch struct {
	CustomerID  string
	Vendor      string
	DisplayName string
	Category    string
	IsLLM       bool
	TraceID     string
	SeenAt      time.Time
	SpanDelta   int64
	ErrorDelta  int64
}

// Normalize fills defaults so every stored span has a usable identity and
// timeline even when the exporter omitted fields.
func (s *Span) Normalize(now time.Time) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if s.StartTime.IsZero() {
		s.StartTime = now
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.Vendor == "" {
		s.Vendor = "unknown"
	}
	if s.StatusCode == "" {
		s.StatusCode = StatusUnset
	}
	if !s.EndTime.IsZero() && s.DurationMS == 0 {
		s.DurationMS = s.EndTime.Sub(s.StartTime).Milliseconds()
	}
	if s.SpanAttributes == "" {
		s.SpanAttributes = "{}"
	}
	if s.ResourceAttributes == "" {
		s.ResourceAttributes = "{}"
	}
}

// spanState is the stored slice of a span row consulted during merge.
type spanState struct {
	EndTime            time.Time
	DurationMS         int64
	StatusCode         string
	StatusMessage      string
	InputTokens        int
	OutputTokens       int
	Model              string
	Operation          string
	SpanAttributes     string
	ResourceAttributes string
}

// mergeSpan resolves a re-exported span against the stored row and returns the
// merged state plus the error-count delta the registry must apply.
//
// The incoming export wins timing and status when the stored end time is null
// or not later than the incoming one, so a span first seen open and later seen
// closed settles on the closed state. Both attribute maps always merge
// key-wise.
func mergeSpan(existing spanState, incoming *Span) (spanState, int) {
	merged := existing

	fresher := existing.EndTime.IsZero() ||
		(!incoming.EndTime.IsZero() && !incoming.EndTime.Before(existing.EndTime))
	if fresher {
		merged.EndTime = incoming.EndTime
		merged.StatusCode = incoming.StatusCode
		merged.StatusMessage = incoming.StatusMessage
		if incoming.InputTokens > 0 {
			merged.InputTokens = incoming.InputTokens
		}
		if incoming.OutputTokens > 0 {
			merged.OutputTokens = incoming.OutputTokens
		}
		if !merged.EndTime.IsZero() {
			merged.DurationMS = merged.EndTime.Sub(incoming.StartTime).Milliseconds()
		}
	}
	if merged.StatusCode == "" {
		merged.StatusCode = StatusUnset
	}
	if merged.Model == "" {
		merged.Model = incoming.Model
	}
	if merged.Operation == "" {
		merged.Operation = incoming.Operation
	}
	merged.SpanAttributes = MergeAttributes(existing.SpanAttributes, incoming.SpanAttributes)
	merged.ResourceAttributes = MergeAttributes(existing.ResourceAttributes, incoming.ResourceAttributes)

	errorDelta := 0
	if existing.StatusCode != StatusError && merged.StatusCode == StatusError {
		errorDelta = 1
	}
	if existing.StatusCode == StatusError && merged.StatusCode != StatusError {
		errorDelta = -1
	}
	return merged, errorDelta
}

// MergeAttributes combines two JSON attribute objects key-wise, with keys from
// the incoming object winning. Either side failing to parse falls back to the
// other side rather than erroring, since attribute payloads are advisory.
func MergeAttributes(existing, incoming string) string {
	existingMap := decodeAttributeObject(existing)
	incomingMap := decodeAttributeObject(incoming)
	if existingMap == nil && incomingMap == nil {
		return "{}"
	}
	if existingMap == nil {
		return compactAttributeObject(incomingMap)
	}
	if incomingMap == nil {
		return compactAttributeObject(existingMap)
	}
	for key, value := range incomingMap {
		existingMap[key] = value
	}
	return compactAttributeObject(existingMap)
}

func decodeAttributeObject(raw string) map[string]any {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil
	}
	return payload
}

func compactAttributeObject(payload map[string]any) string {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "{}"
	}
	return string(encoded)
}
