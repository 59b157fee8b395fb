package observability

import (
	"context"
	"log/slog"

	oteltrace "go.opentelemetry.io/otel/trace"
)

// Attribute keys added to log records emitted inside a recording span.
const (
	logAttrTraceID = "trace_id"
	logAttrSpanID  = "span_id"
)

// NewTraceLogHandler wraps inner so every log record emitted under an active,
// recording span carries that span's trace and span ids. Ingest and
// governance handlers log through this, which lets one slow export be chased
// from its log lines into the trace backend. A nil inner falls back to
// slog.Default().Handler().
func NewTraceLogHandler(inner slog.Handler) slog.Handler {
	if inner == nil {
		inner = slog.Default().Handler()
	}
	return &traceLogHandler{inner: inner}
}

type traceLogHandler struct {
	inner slog.Handler
}

func (h *traceLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *traceLogHandler) Handle(ctx context.Context, record slog.Record) error {
	span := oteltrace.SpanFromContext(ctx)
	if span != nil && span.SpanContext().IsValid() && span.IsRecording() {
		sc := span.SpanContext()
		record.AddAttrs(
			slog.String(logAttrTraceID, sc.TraceID().String()),
			slog.String(logAttrSpanID, sc.SpanID().String()),
		)
	}
	return h.inner.Handle(ctx, record)
}

func (h *traceLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &traceLogHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *traceLogHandler) WithGroup(name string) slog.Handler {
	return &traceLogHandler{inner: h.inner.WithGroup(name)}
}
