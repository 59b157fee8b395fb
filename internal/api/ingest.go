package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/toolscope/telemetry/internal/ingest"
	"github.com/toolscope/telemetry/internal/otlp"
)

const defaultIngestBodyLimit = 8 << 20

// IngestHandler accepts one OTLP JSON export payload per request and responds
// with a partial-success report. A payload that decodes always returns 200;
// per-record failures are listed in the report rather than failing the export.
func IngestHandler(normalizer *ingest.Normalizer, maxBodyBytes int64, logger *slog.Logger) http.Handler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultIngestBodyLimit
	}
	if logger == nil {
		logger = slog.Default()
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		if normalizer == nil {
			writeError(w, http.StatusServiceUnavailable, "ingestion is not configured")
			return
		}
		credential, ok := requireTenant(w, r)
		if !ok {
			return
		}

		defer r.Body.Close()
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

		request, err := otlp.Decode(r.Body)
		if err != nil {
			var maxBytesErr *http.MaxBytesError
			if errors.As(err, &maxBytesErr) {
				writeError(w, http.StatusRequestEntityTooLarge, "export payload too large")
				return
			}
			writeError(w, http.StatusBadRequest, "invalid otlp json payload")
			return
		}

		report := normalizer.Ingest(r.Context(), credential, request)
		if len(report.Rejected) > 0 {
			logger.Info(
				"export accepted with rejections",
				"customer_id", credential.CustomerID,
				"accepted_spans", report.AcceptedSpans,
				"accepted_metrics", report.AcceptedMetrics,
				"rejected", len(report.Rejected),
			)
		}
		writeJSON(w, http.StatusOK, report)
	})
}
