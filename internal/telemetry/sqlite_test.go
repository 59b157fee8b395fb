package telemetry

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "toolscope.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func testSpan(traceID, spanID string) *Span {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return &Span{
		CustomerID:         "cust-1",
		TeamID:             "team-7",
		TraceID:            traceID,
		SpanID:             spanID,
		Name:               "chat gpt-4o",
		Kind:               "client",
		Vendor:             "openai",
		Category:           "llm",
		Model:              "gpt-4o",
		Operation:          "chat",
		StartTime:          start,
		EndTime:            start.Add(time.Second),
		StatusCode:         StatusOK,
		InputTokens:        120,
		OutputTokens:       30,
		KeyHash:            "abc123",
		SpanAttributes:     `{"gen_ai.request.model":"gpt-4o"}`,
		ResourceAttributes: `{"service.name":"billing-agent"}`,
	}
}

func TestUpsertSpanInsertThenIdempotentReplay(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	outcome, err := store.UpsertSpan(ctx, testSpan("t1", "s1"))
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if !outcome.Inserted || outcome.ErrorDelta != 0 {
		t.Fatalf("unexpected first outcome: %+v", outcome)
	}

	outcome, err = store.UpsertSpan(ctx, testSpan("t1", "s1"))
	if err != nil {
		t.Fatalf("replay upsert: %v", err)
	}
	if outcome.Inserted || outcome.ErrorDelta != 0 {
		t.Fatalf("replay should not insert or shift errors: %+v", outcome)
	}

	result, err := store.QuerySpans(ctx, SpanFilter{CustomerID: "cust-1"})
	if err != nil {
		t.Fatalf("query spans: %v", err)
	}
	if len(result.Items) != 1 {
		t.Fatalf("expected 1 stored span, got %d", len(result.Items))
	}
}

func TestUpsertSpanOpenThenClosed(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	open := testSpan("t1", "s1")
	open.EndTime = time.Time{}
	open.DurationMS = 0
	open.StatusCode = StatusUnset
	open.InputTokens = 0
	open.OutputTokens = 0
	if _, err := store.UpsertSpan(ctx, open); err != nil {
		t.Fatalf("open upsert: %v", err)
	}

	closed := testSpan("t1", "s1")
	closed.StatusCode = StatusError
	closed.StatusMessage = "overloaded"
	closed.SpanAttributes = `{"gen_ai.usage.output_tokens":"30"}`
	outcome, err := store.UpsertSpan(ctx, closed)
	if err != nil {
		t.Fatalf("closed upsert: %v", err)
	}
	if outcome.Inserted {
		t.Fatal("closed export should update, not insert")
	}
	if outcome.ErrorDelta != 1 {
		t.Fatalf("errorDelta = %d, want 1", outcome.ErrorDelta)
	}

	stored, err := store.GetSpan(ctx, "cust-1", "t1", "s1")
	if err != nil {
		t.Fatalf("get span: %v", err)
	}
	if stored.EndTime.IsZero() || stored.DurationMS != 1000 {
		t.Fatalf("timing not settled: end=%v duration=%d", stored.EndTime, stored.DurationMS)
	}
	if stored.StatusCode != StatusError || stored.StatusMessage != "overloaded" {
		t.Fatalf("status not settled: %+v", stored)
	}
	if stored.InputTokens != 120 || stored.OutputTokens != 30 {
		t.Fatalf("tokens not settled: in=%d out=%d", stored.InputTokens, stored.OutputTokens)
	}
	// Span attributes from both exports must survive.
	for _, key := range []string{"gen_ai.request.model", "gen_ai.usage.output_tokens"} {
		if !jsonHasKey(stored.SpanAttributes, key) {
			t.Fatalf("span attribute %q lost in merge: %s", key, stored.SpanAttributes)
		}
	}
	if !jsonHasKey(stored.ResourceAttributes, "service.name") {
		t.Fatalf("resource attributes lost in merge: %s", stored.ResourceAttributes)
	}
}

func TestUpsertSpanKeepsAttributeScopesSeparate(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	// The same key can carry different values per scope; neither may
	// shadow the other.
	span := testSpan("t1", "s1")
	span.SpanAttributes = `{"service.name":"span-scoped","gen_ai.request.model":"gpt-4o"}`
	span.ResourceAttributes = `{"service.name":"billing-agent"}`
	if _, err := store.UpsertSpan(ctx, span); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	stored, err := store.GetSpan(ctx, "cust-1", "t1", "s1")
	if err != nil {
		t.Fatalf("get span: %v", err)
	}
	if got := decodeAttributeObject(stored.SpanAttributes)["service.name"]; got != "span-scoped" {
		t.Fatalf("span-scoped service.name = %v", got)
	}
	if got := decodeAttributeObject(stored.ResourceAttributes)["service.name"]; got != "billing-agent" {
		t.Fatalf("resource-scoped service.name = %v", got)
	}
}

func TestGetSpanNotFound(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	if _, err := store.GetSpan(context.Background(), "cust-1", "missing", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestQuerySpansTenantIsolation(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	mine := testSpan("t1", "s1")
	if _, err := store.UpsertSpan(ctx, mine); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	other := testSpan("t1", "s1")
	other.CustomerID = "cust-2"
	if _, err := store.UpsertSpan(ctx, other); err != nil {
		t.Fatalf("upsert other tenant: %v", err)
	}

	result, err := store.QuerySpans(ctx, SpanFilter{CustomerID: "cust-1"})
	if err != nil {
		t.Fatalf("query spans: %v", err)
	}
	if len(result.Items) != 1 || result.Items[0].CustomerID != "cust-1" {
		t.Fatalf("tenant isolation violated: %+v", result.Items)
	}

	if _, err := store.GetSpan(ctx, "cust-3", "t1", "s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-tenant get should miss, got %v", err)
	}
}

func TestQuerySpansCursorPagination(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 7; i++ {
		span := testSpan("t1", fmt.Sprintf("s%02d", i))
		span.StartTime = base.Add(time.Duration(i) * time.Minute)
		span.EndTime = span.StartTime.Add(time.Second)
		if _, err := store.UpsertSpan(ctx, span); err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}

	seen := map[string]bool{}
	cursor := ""
	pages := 0
	for {
		result, err := store.QuerySpans(ctx, SpanFilter{CustomerID: "cust-1", Limit: 3, Cursor: cursor})
		if err != nil {
			t.Fatalf("query page %d: %v", pages, err)
		}
		for _, span := range result.Items {
			if seen[span.SpanID] {
				t.Fatalf("span %q returned twice", span.SpanID)
			}
			seen[span.SpanID] = true
		}
		pages++
		if result.NextCursor == "" {
			break
		}
		cursor = result.NextCursor
	}
	if len(seen) != 7 {
		t.Fatalf("paged %d spans, want 7", len(seen))
	}
	if pages != 3 {
		t.Fatalf("paged in %d pages, want 3", pages)
	}
}

func TestQuerySpansRejectsInvalidCursor(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	_, err := store.QuerySpans(context.Background(), SpanFilter{CustomerID: "cust-1", Cursor: "!!not-base64!!"})
	if !errors.Is(err, ErrInvalidCursor) {
		t.Fatalf("expected ErrInvalidCursor, got %v", err)
	}
}

func TestUpsertMetricDeduplicates(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	metric := &Metric{
		ID:         "m1",
		CustomerID: "cust-1",
		Vendor:     "openai",
		Name:       "gen_ai.client.token.usage",
		Unit:       "{token}",
		Type:       MetricTypeSum,
		Value:      42,
		Timestamp:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}

	inserted, err := store.UpsertMetric(ctx, metric)
	if err != nil {
		t.Fatalf("first metric upsert: %v", err)
	}
	if !inserted {
		t.Fatal("first upsert should insert")
	}

	inserted, err = store.UpsertMetric(ctx, metric)
	if err != nil {
		t.Fatalf("replay metric upsert: %v", err)
	}
	if inserted {
		t.Fatal("replayed metric should be deduplicated")
	}
}

func TestListObservationsWindow(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	inside := testSpan("t1", "s1")
	inside.StartTime = base
	inside.EndTime = base.Add(time.Second)
	errored := testSpan("t1", "s2")
	errored.StartTime = base.Add(time.Minute)
	errored.EndTime = errored.StartTime.Add(time.Second)
	errored.StatusCode = StatusError
	outside := testSpan("t2", "s3")
	outside.StartTime = base.Add(2 * time.Hour)
	outside.EndTime = outside.StartTime.Add(time.Second)

	for _, span := range []*Span{inside, errored, outside} {
		if _, err := store.UpsertSpan(ctx, span); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	observations, err := store.ListObservations(ctx, ObservationFilter{
		CustomerID: "cust-1",
		From:       base,
		To:         base.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("list observations: %v", err)
	}
	if len(observations) != 2 {
		t.Fatalf("expected 2 observations in window, got %d", len(observations))
	}
	if observations[0].IsError || !observations[1].IsError {
		t.Fatalf("error flags wrong: %+v", observations)
	}
	if observations[0].InputTokens != 120 || observations[0].OutputTokens != 30 {
		t.Fatalf("token projection wrong: %+v", observations[0])
	}
}

func TestListObservationsFlagsOpenAndInstantSpans(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	open := testSpan("t1", "s1")
	open.StartTime = base
	open.EndTime = time.Time{}
	open.DurationMS = 0
	open.StatusCode = StatusUnset
	// Closed in under a millisecond: still a completed span.
	instant := testSpan("t1", "s2")
	instant.StartTime = base.Add(time.Minute)
	instant.EndTime = instant.StartTime
	instant.DurationMS = 0

	for _, span := range []*Span{open, instant} {
		if _, err := store.UpsertSpan(ctx, span); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	observations, err := store.ListObservations(ctx, ObservationFilter{
		CustomerID: "cust-1",
		From:       base,
		To:         base.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("list observations: %v", err)
	}
	if len(observations) != 2 {
		t.Fatalf("expected 2 observations, got %d", len(observations))
	}
	if observations[0].Completed {
		t.Fatalf("open span reported completed: %+v", observations[0])
	}
	if !observations[1].Completed || observations[1].DurationMS != 0 {
		t.Fatalf("instant span not reported completed: %+v", observations[1])
	}
}

func TestTouchToolProfilesCountsDistinctTraces(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	seenAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	touches := []ProfileTouch{
		{CustomerID: "cust-1", Vendor: "openai", DisplayName: "OpenAI", Category: "llm", IsLLM: true, TraceID: "t1", SeenAt: seenAt, SpanDelta: 1},
		{CustomerID: "cust-1", Vendor: "openai", DisplayName: "OpenAI", Category: "llm", IsLLM: true, TraceID: "t1", SeenAt: seenAt.Add(time.Minute), SpanDelta: 1, ErrorDelta: 1},
		{CustomerID: "cust-1", Vendor: "openai", DisplayName: "OpenAI", Category: "llm", IsLLM: true, TraceID: "t2", SeenAt: seenAt.Add(2 * time.Minute), SpanDelta: 1},
	}
	if err := store.TouchToolProfiles(ctx, touches); err != nil {
		t.Fatalf("touch profiles: %v", err)
	}

	profile, err := store.GetToolProfile(ctx, "cust-1", "openai")
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if profile.TotalSpans != 3 {
		t.Fatalf("total spans = %d, want 3", profile.TotalSpans)
	}
	if profile.TotalTraces != 2 {
		t.Fatalf("total traces = %d, want 2 (distinct)", profile.TotalTraces)
	}
	if profile.ErrorCount != 1 {
		t.Fatalf("error count = %d, want 1", profile.ErrorCount)
	}
	if !profile.LastSeenAt.After(profile.FirstSeenAt) {
		t.Fatalf("seen range not advanced: first=%v last=%v", profile.FirstSeenAt, profile.LastSeenAt)
	}
	if !profile.IsLLM || profile.DisplayName != "OpenAI" {
		t.Fatalf("identity fields wrong: %+v", profile)
	}
}

func TestDeleteToolProfileCascades(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.UpsertSpan(ctx, testSpan("t1", "s1")); err != nil {
		t.Fatalf("upsert span: %v", err)
	}
	if _, err := store.UpsertMetric(ctx, &Metric{
		ID: "m1", CustomerID: "cust-1", Vendor: "openai",
		Name: "gen_ai.client.token.usage", Type: MetricTypeSum, Value: 42,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("upsert metric: %v", err)
	}
	if err := store.TouchToolProfiles(ctx, []ProfileTouch{
		{CustomerID: "cust-1", Vendor: "openai", DisplayName: "OpenAI", TraceID: "t1", SpanDelta: 1},
	}); err != nil {
		t.Fatalf("touch profiles: %v", err)
	}

	if err := store.DeleteToolProfile(ctx, "cust-1", "openai"); err != nil {
		t.Fatalf("delete profile: %v", err)
	}

	if _, err := store.GetToolProfile(ctx, "cust-1", "openai"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("profile still present: %v", err)
	}
	result, err := store.QuerySpans(ctx, SpanFilter{CustomerID: "cust-1"})
	if err != nil {
		t.Fatalf("query spans after delete: %v", err)
	}
	if len(result.Items) != 0 {
		t.Fatalf("spans not cascaded: %d remaining", len(result.Items))
	}

	if err := store.DeleteToolProfile(ctx, "cust-1", "openai"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete should report ErrNotFound, got %v", err)
	}
}

func TestListToolProfilesOrdersBySpanVolume(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	if err := store.TouchToolProfiles(ctx, []ProfileTouch{
		{CustomerID: "cust-1", Vendor: "openai", DisplayName: "OpenAI", SpanDelta: 2},
		{CustomerID: "cust-1", Vendor: "anthropic", DisplayName: "Anthropic", SpanDelta: 5},
		{CustomerID: "cust-2", Vendor: "google", DisplayName: "Google", SpanDelta: 9},
	}); err != nil {
		t.Fatalf("touch profiles: %v", err)
	}

	profiles, err := store.ListToolProfiles(ctx, "cust-1")
	if err != nil {
		t.Fatalf("list profiles: %v", err)
	}
	if len(profiles) != 2 {
		t.Fatalf("expected 2 profiles for cust-1, got %d", len(profiles))
	}
	if profiles[0].Vendor != "anthropic" || profiles[1].Vendor != "openai" {
		t.Fatalf("unexpected order: %s, %s", profiles[0].Vendor, profiles[1].Vendor)
	}
}

func jsonHasKey(raw, key string) bool {
	payload := decodeAttributeObject(raw)
	_, ok := payload[key]
	return ok
}
