package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/toolscope/telemetry/internal/otlp"
	"github.com/toolscope/telemetry/internal/telemetry"
	"github.com/toolscope/telemetry/internal/tenant"
)

// captureStore records upserts and lets tests script outcomes and failures.
type captureStore struct {
	mu      sync.Mutex
	spans   []*telemetry.Span
	metrics []*telemetry.Metric
	outcome telemetry.UpsertOutcome
	spanErr error
}

func (s *captureStore) UpsertSpan(_ context.Context, span *telemetry.Span) (telemetry.UpsertOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.spanErr != nil {
		return telemetry.UpsertOutcome{}, s.spanErr
	}
	s.spans = append(s.spans, span)
	return s.outcome, nil
}

func (s *captureStore) UpsertMetric(_ context.Context, metric *telemetry.Metric) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = append(s.metrics, metric)
	return true, nil
}

func (s *captureStore) storedSpans() []*telemetry.Span {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*telemetry.Span, len(s.spans))
	copy(out, s.spans)
	return out
}

func (s *captureStore) storedMetrics() []*telemetry.Metric {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*telemetry.Metric, len(s.metrics))
	copy(out, s.metrics)
	return out
}

func (s *captureStore) GetSpan(context.Context, string, string, string) (*telemetry.Span, error) {
	return nil, telemetry.ErrNotImplemented
}
func (s *captureStore) QuerySpans(context.Context, telemetry.SpanFilter) (*telemetry.SpanResult, error) {
	return nil, telemetry.ErrNotImplemented
}
func (s *captureStore) ListObservations(context.Context, telemetry.ObservationFilter) ([]telemetry.Observation, error) {
	return nil, telemetry.ErrNotImplemented
}
func (s *captureStore) GetToolProfile(context.Context, string, string) (*telemetry.ToolProfile, error) {
	return nil, telemetry.ErrNotImplemented
}
func (s *captureStore) ListToolProfiles(context.Context, string) ([]*telemetry.ToolProfile, error) {
	return nil, telemetry.ErrNotImplemented
}
func (s *captureStore) DeleteToolProfile(context.Context, string, string) error {
	return telemetry.ErrNotImplemented
}
func (s *captureStore) TouchToolProfiles(context.Context, []telemetry.ProfileTouch) error {
	return telemetry.ErrNotImplemented
}
func (s *captureStore) Close() error { return nil }

func strAttr(key, value string) otlp.KeyValue {
	return otlp.KeyValue{Key: key, Value: otlp.AnyValue{StringValue: &value}}
}

func wireSpan(traceID, spanID string, attrs ...otlp.KeyValue) otlp.Span {
	return otlp.Span{
		TraceID:           traceID,
		SpanID:            spanID,
		Name:              "chat gpt-4o",
		Kind:              otlp.SpanKindClient,
		StartTimeUnixNano: json.Number("1700000000000000000"),
		EndTimeUnixNano:   json.Number("1700000002000000000"),
		Attributes:        attrs,
	}
}

func spanRequest(resourceAttrs []otlp.KeyValue, spans ...otlp.Span) *otlp.ExportRequest {
	return &otlp.ExportRequest{
		ResourceSpans: []otlp.ResourceSpans{{
			Resource:   otlp.Resource{Attributes: resourceAttrs},
			ScopeSpans: []otlp.ScopeSpans{{Spans: spans}},
		}},
	}
}

func TestIngestPartialSuccess(t *testing.T) {
	t.Parallel()

	store := &captureStore{outcome: telemetry.UpsertOutcome{Inserted: true}}
	normalizer := NewNormalizer(store, nil, nil, Options{})

	request := spanRequest(
		[]otlp.KeyValue{strAttr("service.name", "openai")},
		wireSpan("trace-1", "span-1"),
		wireSpan("trace-1", ""),
		wireSpan("trace-1", "span-3"),
	)

	report := normalizer.Ingest(context.Background(), tenant.Credential{CustomerID: "cust-1"}, request)
	if report.AcceptedSpans != 2 {
		t.Fatalf("accepted %d spans, want 2", report.AcceptedSpans)
	}
	if len(report.Rejected) != 1 {
		t.Fatalf("rejected %d records, want 1", len(report.Rejected))
	}
	if report.Rejected[0].Index != 1 || report.Rejected[0].Reason != ReasonMissingIdentity {
		t.Fatalf("unexpected rejection: %+v", report.Rejected[0])
	}
	if got := len(store.storedSpans()); got != 2 {
		t.Fatalf("stored %d spans, want 2", got)
	}
}

func TestIngestStoreFailureReportedPerRecord(t *testing.T) {
	t.Parallel()

	store := &captureStore{spanErr: errors.New("dial tcp: connection refused")}
	normalizer := NewNormalizer(store, nil, nil, Options{})

	request := spanRequest(nil, wireSpan("trace-1", "span-1"))
	report := normalizer.Ingest(context.Background(), tenant.Credential{CustomerID: "cust-1"}, request)

	if report.AcceptedSpans != 0 {
		t.Fatalf("accepted %d spans, want 0", report.AcceptedSpans)
	}
	if len(report.Rejected) != 1 || report.Rejected[0].Reason != ReasonStoreUnavailable {
		t.Fatalf("unexpected rejections: %+v", report.Rejected)
	}
}

func TestIngestTeamAttributionPrecedence(t *testing.T) {
	t.Parallel()

	t.Run("credential team wins", func(t *testing.T) {
		t.Parallel()

		store := &captureStore{outcome: telemetry.UpsertOutcome{Inserted: true}}
		normalizer := NewNormalizer(store, nil, nil, Options{})

		request := spanRequest(
			[]otlp.KeyValue{strAttr(TeamAttributeKey, "team-from-attr")},
			wireSpan("trace-1", "span-1"),
		)
		normalizer.Ingest(context.Background(), tenant.Credential{CustomerID: "cust-1", TeamID: "team-7"}, request)

		spans := store.storedSpans()
		if len(spans) != 1 || spans[0].TeamID != "team-7" {
			t.Fatalf("team attribution: %+v", spans)
		}
	})

	t.Run("customer-wide falls back to attribute", func(t *testing.T) {
		t.Parallel()

		store := &captureStore{outcome: telemetry.UpsertOutcome{Inserted: true}}
		normalizer := NewNormalizer(store, nil, nil, Options{})

		request := spanRequest(
			[]otlp.KeyValue{strAttr(TeamAttributeKey, "team-from-attr")},
			wireSpan("trace-1", "span-1"),
		)
		normalizer.Ingest(context.Background(), tenant.Credential{CustomerID: "cust-1", CustomerWide: true}, request)

		spans := store.storedSpans()
		if len(spans) != 1 || spans[0].TeamID != "team-from-attr" {
			t.Fatalf("team attribution: %+v", spans)
		}
	})

	t.Run("scoped credential without team stays customer-level", func(t *testing.T) {
		t.Parallel()

		store := &captureStore{outcome: telemetry.UpsertOutcome{Inserted: true}}
		normalizer := NewNormalizer(store, nil, nil, Options{})

		request := spanRequest(
			[]otlp.KeyValue{strAttr(TeamAttributeKey, "team-from-attr")},
			wireSpan("trace-1", "span-1"),
		)
		normalizer.Ingest(context.Background(), tenant.Credential{CustomerID: "cust-1"}, request)

		spans := store.storedSpans()
		if len(spans) != 1 || spans[0].TeamID != "" {
			t.Fatalf("team attribution: %+v", spans)
		}
	})
}

func TestIngestUserAttributionPrecedence(t *testing.T) {
	t.Parallel()

	t.Run("credential user wins", func(t *testing.T) {
		t.Parallel()

		store := &captureStore{outcome: telemetry.UpsertOutcome{Inserted: true}}
		normalizer := NewNormalizer(store, nil, nil, Options{})

		request := spanRequest(nil, wireSpan("trace-1", "span-1", strAttr("gen_ai.user", "user-from-attr")))
		normalizer.Ingest(context.Background(), tenant.Credential{CustomerID: "cust-1", UserID: "user-9"}, request)

		spans := store.storedSpans()
		if len(spans) != 1 || spans[0].UserID != "user-9" {
			t.Fatalf("user attribution: %+v", spans)
		}
	})

	t.Run("falls back to gen_ai.user", func(t *testing.T) {
		t.Parallel()

		store := &captureStore{outcome: telemetry.UpsertOutcome{Inserted: true}}
		normalizer := NewNormalizer(store, nil, nil, Options{})

		request := spanRequest(nil, wireSpan("trace-1", "span-1",
			strAttr("gen_ai.user", "user-from-attr"),
			strAttr("user.id", "user-from-id"),
		))
		normalizer.Ingest(context.Background(), tenant.Credential{CustomerID: "cust-1"}, request)

		spans := store.storedSpans()
		if len(spans) != 1 || spans[0].UserID != "user-from-attr" {
			t.Fatalf("user attribution: %+v", spans)
		}
	})

	t.Run("falls back to user.id when gen_ai.user absent", func(t *testing.T) {
		t.Parallel()

		store := &captureStore{outcome: telemetry.UpsertOutcome{Inserted: true}}
		normalizer := NewNormalizer(store, nil, nil, Options{})

		request := spanRequest(nil, wireSpan("trace-1", "span-1", strAttr("user.id", "user-from-id")))
		normalizer.Ingest(context.Background(), tenant.Credential{CustomerID: "cust-1"}, request)

		spans := store.storedSpans()
		if len(spans) != 1 || spans[0].UserID != "user-from-id" {
			t.Fatalf("user attribution: %+v", spans)
		}
	})

	t.Run("no user anywhere stays unattributed", func(t *testing.T) {
		t.Parallel()

		store := &captureStore{outcome: telemetry.UpsertOutcome{Inserted: true}}
		normalizer := NewNormalizer(store, nil, nil, Options{})

		normalizer.Ingest(context.Background(), tenant.Credential{CustomerID: "cust-1"}, spanRequest(nil, wireSpan("trace-1", "span-1")))

		spans := store.storedSpans()
		if len(spans) != 1 || spans[0].UserID != "" {
			t.Fatalf("user attribution: %+v", spans)
		}
	})
}

func TestIngestStoresAttributeScopesSeparately(t *testing.T) {
	t.Parallel()

	store := &captureStore{outcome: telemetry.UpsertOutcome{Inserted: true}}
	normalizer := NewNormalizer(store, nil, nil, Options{})

	request := spanRequest(
		[]otlp.KeyValue{
			strAttr("service.name", "billing-agent"),
			strAttr("deployment.environment", "prod"),
		},
		wireSpan("trace-1", "span-1",
			strAttr("gen_ai.request.model", "gpt-4o"),
			strAttr("deployment.environment", "span-override"),
		),
	)
	normalizer.Ingest(context.Background(), tenant.Credential{CustomerID: "cust-1"}, request)

	spans := store.storedSpans()
	if len(spans) != 1 {
		t.Fatalf("stored %d spans, want 1", len(spans))
	}

	var spanAttrs, resourceAttrs map[string]string
	if err := json.Unmarshal([]byte(spans[0].SpanAttributes), &spanAttrs); err != nil {
		t.Fatalf("span attributes not valid JSON: %v", err)
	}
	if err := json.Unmarshal([]byte(spans[0].ResourceAttributes), &resourceAttrs); err != nil {
		t.Fatalf("resource attributes not valid JSON: %v", err)
	}

	if spanAttrs["gen_ai.request.model"] != "gpt-4o" || spanAttrs["deployment.environment"] != "span-override" {
		t.Fatalf("span attributes = %v", spanAttrs)
	}
	if _, ok := spanAttrs["service.name"]; ok {
		t.Fatalf("resource attribute leaked into span scope: %v", spanAttrs)
	}
	// The span-level override must not clobber the resource value.
	if resourceAttrs["service.name"] != "billing-agent" || resourceAttrs["deployment.environment"] != "prod" {
		t.Fatalf("resource attributes = %v", resourceAttrs)
	}
}

func TestIngestTokenAndModelExtraction(t *testing.T) {
	t.Parallel()

	store := &captureStore{outcome: telemetry.UpsertOutcome{Inserted: true}}
	normalizer := NewNormalizer(store, nil, nil, Options{})

	request := spanRequest(
		[]otlp.KeyValue{strAttr("service.name", "openai")},
		wireSpan("trace-1", "span-1",
			strAttr("gen_ai.system", "openai"),
			strAttr("gen_ai.request.model", "gpt-4o-mini"),
			strAttr("gen_ai.response.model", "gpt-4o-mini-2024"),
			strAttr("gen_ai.usage.input_tokens", "120"),
			strAttr("gen_ai.usage.output_tokens", "not-a-number"),
		),
	)
	normalizer.Ingest(context.Background(), tenant.Credential{CustomerID: "cust-1"}, request)

	spans := store.storedSpans()
	if len(spans) != 1 {
		t.Fatalf("stored %d spans, want 1", len(spans))
	}
	span := spans[0]
	if span.Vendor != "openai" {
		t.Fatalf("vendor = %q, want openai", span.Vendor)
	}
	if span.Model != "gpt-4o-mini-2024" {
		t.Fatalf("model = %q, response model should win", span.Model)
	}
	if span.Operation != "chat" {
		t.Fatalf("operation = %q, want chat", span.Operation)
	}
	if span.InputTokens != 120 {
		t.Fatalf("input tokens = %d, want 120", span.InputTokens)
	}
	if span.OutputTokens != 0 {
		t.Fatalf("malformed output tokens should count as 0, got %d", span.OutputTokens)
	}
}

func TestIngestReplaySkipsRegistry(t *testing.T) {
	t.Parallel()

	store := &captureStore{outcome: telemetry.UpsertOutcome{Inserted: false, ErrorDelta: 0}}
	registry := telemetry.NewRegistry(store, 8)
	normalizer := NewNormalizer(store, registry, nil, Options{})

	request := spanRequest(nil, wireSpan("trace-1", "span-1"))
	normalizer.Ingest(context.Background(), tenant.Credential{CustomerID: "cust-1"}, request)

	if got := registry.QueueLen(); got != 0 {
		t.Fatalf("replay enqueued %d touches, want 0", got)
	}

	store.mu.Lock()
	store.outcome = telemetry.UpsertOutcome{Inserted: true, ErrorDelta: 1}
	store.mu.Unlock()

	normalizer.Ingest(context.Background(), tenant.Credential{CustomerID: "cust-1"}, spanRequest(nil, wireSpan("trace-1", "span-2")))
	if got := registry.QueueLen(); got != 1 {
		t.Fatalf("insert enqueued %d touches, want 1", got)
	}
}

func TestIngestMetricPoints(t *testing.T) {
	t.Parallel()

	store := &captureStore{}
	normalizer := NewNormalizer(store, nil, nil, Options{})

	value := 42.5
	request := &otlp.ExportRequest{
		ResourceMetrics: []otlp.ResourceMetrics{{
			Resource: otlp.Resource{Attributes: []otlp.KeyValue{strAttr("service.name", "openai")}},
			ScopeMetrics: []otlp.ScopeMetrics{{
				Metrics: []otlp.Metric{{
					Name: "gen_ai.client.token.usage",
					Unit: "1",
					Sum: &otlp.DataPoints{DataPoints: []otlp.NumberDataPoint{{
						TimeUnixNano: json.Number("1700000000000000000"),
						AsDouble:     &value,
					}}},
				}},
			}},
		}},
	}

	report := normalizer.Ingest(context.Background(), tenant.Credential{CustomerID: "cust-1"}, request)
	if report.AcceptedMetrics != 1 {
		t.Fatalf("accepted %d metrics, want 1", report.AcceptedMetrics)
	}

	metrics := store.storedMetrics()
	if len(metrics) != 1 {
		t.Fatalf("stored %d metrics, want 1", len(metrics))
	}
	metric := metrics[0]
	if metric.Type != telemetry.MetricTypeSum || metric.Value != 42.5 {
		t.Fatalf("unexpected metric: %+v", metric)
	}
	if metric.ID == "" {
		t.Fatal("metric idempotency key not derived")
	}
}

func TestMetricIDDeterministic(t *testing.T) {
	t.Parallel()

	a := MetricID("gen_ai.client.token.usage", "1700000000000000000", map[string]string{
		"service.name":  "openai",
		"gen_ai.system": "openai",
	})
	b := MetricID("gen_ai.client.token.usage", "1700000000000000000", map[string]string{
		"gen_ai.system": "openai",
		"service.name":  "openai",
	})
	if a != b {
		t.Fatalf("attribute order changed the key: %q vs %q", a, b)
	}

	c := MetricID("gen_ai.client.token.usage", "1700000000000000001", map[string]string{
		"service.name":  "openai",
		"gen_ai.system": "openai",
	})
	if a == c {
		t.Fatal("different timestamps must produce different keys")
	}
}
