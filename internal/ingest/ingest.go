// Package ingest turns decoded OTLP export payloads into canonical telemetry
// records: it attributes each record to a tenant, resolves its vendor,
// extracts token usage, and persists through the span/metric store with
// partial-success reporting.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/toolscope/telemetry/internal/otlp"
	"github.com/toolscope/telemetry/internal/telemetry"
	"github.com/toolscope/telemetry/internal/tenant"
	"github.com/toolscope/telemetry/internal/vendors"
)

// Rejection reasons reported per record. Every record either lands in the
// store or is accounted for under one of these.
const (
	ReasonMissingIdentity  = "missing_identity"
	ReasonStoreUnavailable = "store_unavailable"
)

// TeamAttributeKey is the resource attribute consulted for team attribution
// when the reporting credential is customer-wide.
const TeamAttributeKey = "toolscope.team_id"

// userAttributeKeys are consulted in order for user attribution when the
// credential does not name a user.
var userAttributeKeys = []string{"gen_ai.user", "user.id"}

type Rejection struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// Report is the partial-success outcome of one export payload. Accepted
// counts both fresh inserts and idempotent replays; Rejected lists record
// indexes in payload order (spans first, then metric points).
type Report struct {
	AcceptedSpans   int         `json:"accepted_spans"`
	AcceptedMetrics int         `json:"accepted_metrics"`
	Rejected        []Rejection `json:"rejected,omitempty"`
}

type Options struct {
	// Concurrency bounds parallel store upserts per payload.
	Concurrency int
}

type Normalizer struct {
	store       telemetry.Store
	registry    *telemetry.Registry
	resolver    *vendors.Resolver
	logger      *slog.Logger
	concurrency int
}

func NewNormalizer(store telemetry.Store, registry *telemetry.Registry, logger *slog.Logger, options Options) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := options.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Normalizer{
		store:       store,
		registry:    registry,
		resolver:    vendors.NewResolver(),
		logger:      logger,
		concurrency: concurrency,
	}
}

// Ingest persists every span and metric point in the request under the given
// credential. One bad record never rejects the payload; the report says what
// landed and what did not.
func (n *Normalizer) Ingest(ctx context.Context, credential tenant.Credential, request *otlp.ExportRequest) *Report {
	report := &Report{}
	if request == nil {
		return report
	}

	var (
		mu    sync.Mutex
		group errgroup.Group
	)
	group.SetLimit(n.concurrency)

	index := 0
	for _, resourceSpans := range request.ResourceSpans {
		resourceAttrs := resourceSpans.Resource.Attributes
		for _, scopeSpans := range resourceSpans.ScopeSpans {
			for _, wireSpan := range scopeSpans.Spans {
				recordIndex := index
				index++
				wireSpan := wireSpan

				if wireSpan.TraceID == "" || wireSpan.SpanID == "" {
					mu.Lock()
					report.Rejected = append(report.Rejected, Rejection{Index: recordIndex, Reason: ReasonMissingIdentity})
					mu.Unlock()
					continue
				}

				span, info := n.canonicalSpan(credential, resourceAttrs, &wireSpan)
				group.Go(func() error {
					outcome, err := n.store.UpsertSpan(ctx, span)
					mu.Lock()
					defer mu.Unlock()
					if err != nil {
						n.logger.Warn("span upsert failed",
							"trace_id", span.TraceID,
							"span_id", span.SpanID,
							"error_class", telemetry.ClassifyWriteError(err),
							"error", err)
						report.Rejected = append(report.Rejected, Rejection{Index: recordIndex, Reason: ReasonStoreUnavailable})
						return nil
					}
					report.AcceptedSpans++
					n.touchRegistry(span, info, outcome)
					return nil
				})
			}
		}
	}

	for _, resourceMetrics := range request.ResourceMetrics {
		resourceAttrs := resourceMetrics.Resource.Attributes
		for _, scopeMetrics := range resourceMetrics.ScopeMetrics {
			for _, wireMetric := range scopeMetrics.Metrics {
				points, metricType := metricPoints(&wireMetric)
				for _, point := range points {
					recordIndex := index
					index++
					point := point
					name := wireMetric.Name
					unit := wireMetric.Unit

					if name == "" {
						mu.Lock()
						report.Rejected = append(report.Rejected, Rejection{Index: recordIndex, Reason: ReasonMissingIdentity})
						mu.Unlock()
						continue
					}

					metric := n.canonicalMetric(credential, resourceAttrs, name, unit, metricType, point)
					group.Go(func() error {
						if _, err := n.store.UpsertMetric(ctx, metric); err != nil {
							n.logger.Warn("metric upsert failed",
								"metric", metric.Name,
								"error_class", telemetry.ClassifyWriteError(err),
								"error", err)
							mu.Lock()
							report.Rejected = append(report.Rejected, Rejection{Index: recordIndex, Reason: ReasonStoreUnavailable})
							mu.Unlock()
							return nil
						}
						mu.Lock()
						report.AcceptedMetrics++
						mu.Unlock()
						return nil
					})
				}
			}
		}
	}

	_ = group.Wait()
	return report
}

func (n *Normalizer) canonicalSpan(credential tenant.Credential, resourceAttrs []otlp.KeyValue, wireSpan *otlp.Span) (*telemetry.Span, vendors.Info) {
	resourceFlat := otlp.Flatten(resourceAttrs)
	spanFlat := otlp.Flatten(wireSpan.Attributes)
	// Extraction view only. Span attributes take precedence for field
	// lookups; both maps are persisted separately and unshadowed.
	attrs := otlp.FlattenAll(resourceAttrs, wireSpan.Attributes)
	info := n.resolver.Resolve(attrs["service.name"], attrs)

	span := &telemetry.Span{
		CustomerID:         credential.CustomerID,
		TeamID:             teamFor(credential, attrs),
		UserID:             userFor(credential, attrs),
		TraceID:            wireSpan.TraceID,
		SpanID:             wireSpan.SpanID,
		ParentSpanID:       wireSpan.ParentSpanID,
		Name:               wireSpan.Name,
		Kind:               wireSpan.Kind.String(),
		Vendor:             info.ID,
		Category:           info.Category,
		Model:              modelFor(attrs),
		Operation:          operationFor(attrs, wireSpan.Name),
		StartTime:          otlp.UnixNanoTime(wireSpan.StartTimeUnixNano),
		EndTime:            otlp.UnixNanoTime(wireSpan.EndTimeUnixNano),
		StatusCode:         wireSpan.Status.Code.String(),
		StatusMessage:      wireSpan.Status.Message,
		InputTokens:        tokenCount(attrs, "gen_ai.usage.input_tokens", "gen_ai.usage.prompt_tokens"),
		OutputTokens:       tokenCount(attrs, "gen_ai.usage.output_tokens", "gen_ai.usage.completion_tokens"),
		KeyHash:            credential.KeyHash,
		SpanAttributes:     encodeAttributes(spanFlat),
		ResourceAttributes: encodeAttributes(resourceFlat),
	}
	return span, info
}

func (n *Normalizer) canonicalMetric(credential tenant.Credential, resourceAttrs []otlp.KeyValue, name, unit, metricType string, point otlp.NumberDataPoint) *telemetry.Metric {
	attrs := otlp.FlattenAll(resourceAttrs, point.Attributes)
	info := n.resolver.Resolve(attrs["service.name"], attrs)

	return &telemetry.Metric{
		ID:         MetricID(name, point.TimeUnixNano.String(), attrs),
		CustomerID: credential.CustomerID,
		TeamID:     teamFor(credential, attrs),
		Vendor:     info.ID,
		Name:       name,
		Unit:       unit,
		Type:       metricType,
		Value:      point.Value(),
		Timestamp:  otlp.UnixNanoTime(point.TimeUnixNano),
		Attributes: encodeAttributes(attrs),
	}
}

func (n *Normalizer) touchRegistry(span *telemetry.Span, info vendors.Info, outcome telemetry.UpsertOutcome) {
	if n.registry == nil {
		return
	}
	if !outcome.Inserted && outcome.ErrorDelta == 0 {
		// Pure replay: nothing for the registry to count.
		return
	}

	touch := telemetry.ProfileTouch{
		CustomerID:  span.CustomerID,
		Vendor:      span.Vendor,
		DisplayName: info.DisplayName,
		Category:    info.Category,
		IsLLM:       info.IsLLM,
		SeenAt:      span.StartTime,
		ErrorDelta:  int64(outcome.ErrorDelta),
	}
	if outcome.Inserted {
		touch.SpanDelta = 1
		touch.TraceID = span.TraceID
	}
	n.registry.Enqueue(touch)
}

// MetricID derives the idempotency key of a metric data point from its name,
// timestamp, and canonical attribute rendering, so replayed exports collapse
// onto one row.
func MetricID(name, timeUnixNano string, attrs map[string]string) string {
	keys := make([]string, 0, len(attrs))
	for key := range attrs {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var builder strings.Builder
	builder.WriteString(name)
	builder.WriteByte('|')
	builder.WriteString(timeUnixNano)
	for _, key := range keys {
		builder.WriteByte('|')
		builder.WriteString(key)
		builder.WriteByte('=')
		builder.WriteString(attrs[key])
	}

	sum := sha256.Sum256([]byte(builder.String()))
	return hex.EncodeToString(sum[:])
}

// teamFor applies attribution precedence: a team-scoped credential pins the
// team; a customer-wide credential defers to the span's own resource
// attribute; otherwise the record is customer-level.
func teamFor(credential tenant.Credential, attrs map[string]string) string {
	if credential.TeamID != "" {
		return credential.TeamID
	}
	if credential.CustomerWide {
		return strings.TrimSpace(attrs[TeamAttributeKey])
	}
	return ""
}

// userFor resolves the user a span belongs to: a credential-scoped user wins,
// otherwise the span's own user attributes are consulted.
func userFor(credential tenant.Credential, attrs map[string]string) string {
	if credential.UserID != "" {
		return credential.UserID
	}
	for _, key := range userAttributeKeys {
		if user := strings.TrimSpace(attrs[key]); user != "" {
			return user
		}
	}
	return ""
}

func modelFor(attrs map[string]string) string {
	for _, key := range []string{"gen_ai.response.model", "gen_ai.request.model"} {
		if model := strings.TrimSpace(attrs[key]); model != "" {
			return model
		}
	}
	return ""
}

func operationFor(attrs map[string]string, spanName string) string {
	if operation := strings.TrimSpace(attrs["gen_ai.operation.name"]); operation != "" {
		return operation
	}
	// Conventional span names look like "chat gpt-4o"; the leading word is
	// the operation.
	name := strings.TrimSpace(spanName)
	if name == "" {
		return ""
	}
	if idx := strings.IndexByte(name, ' '); idx > 0 {
		return name[:idx]
	}
	return name
}

// tokenCount parses the first present token attribute; malformed values count
// as zero rather than rejecting the span.
func tokenCount(attrs map[string]string, keys ...string) int {
	for _, key := range keys {
		raw, ok := attrs[key]
		if !ok {
			continue
		}
		value, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || value < 0 {
			return 0
		}
		return value
	}
	return 0
}

func metricPoints(wireMetric *otlp.Metric) ([]otlp.NumberDataPoint, string) {
	switch {
	case wireMetric.Sum != nil:
		return wireMetric.Sum.DataPoints, telemetry.MetricTypeSum
	case wireMetric.Gauge != nil:
		return wireMetric.Gauge.DataPoints, telemetry.MetricTypeGauge
	default:
		return nil, ""
	}
}

func encodeAttributes(attrs map[string]string) string {
	if len(attrs) == 0 {
		return "{}"
	}
	encoded, err := json.Marshal(attrs)
	if err != nil {
		return "{}"
	}
	return string(encoded)
}
