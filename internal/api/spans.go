package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/toolscope/telemetry/internal/telemetry"
)

type spansResponse struct {
	Items      []spanSummary `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type spanSummary struct {
	TraceID       string     `json:"trace_id"`
	SpanID        string     `json:"span_id"`
	ParentSpanID  string     `json:"parent_span_id,omitempty"`
	Name          string     `json:"name"`
	Kind          string     `json:"kind,omitempty"`
	Vendor        string     `json:"vendor"`
	Category      string     `json:"category,omitempty"`
	Model         string     `json:"model,omitempty"`
	Operation     string     `json:"operation,omitempty"`
	TeamID        string     `json:"team_id,omitempty"`
	UserID        string     `json:"user_id,omitempty"`
	StartTime     time.Time  `json:"start_time"`
	EndTime       *time.Time `json:"end_time,omitempty"`
	DurationMS    int64      `json:"duration_ms"`
	Status        string     `json:"status"`
	StatusMessage string     `json:"status_message,omitempty"`
	InputTokens   int        `json:"input_tokens"`
	OutputTokens  int        `json:"output_tokens"`
	KeyHash       string     `json:"key_hash,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

type spanDetail struct {
	spanSummary
	SpanAttributes     any `json:"span_attributes,omitempty"`
	ResourceAttributes any `json:"resource_attributes,omitempty"`
}

func SpansHandler(store telemetry.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if store == nil {
			writeError(w, http.StatusServiceUnavailable, "span store is not configured")
			return
		}
		credential, ok := requireTenant(w, r)
		if !ok {
			return
		}

		filter, err := parseSpanFilter(r, credential.CustomerID)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		result, err := store.QuerySpans(r.Context(), filter)
		if err != nil {
			switch {
			case errors.Is(err, telemetry.ErrInvalidCursor):
				writeError(w, http.StatusBadRequest, err.Error())
			case errors.Is(err, telemetry.ErrNotImplemented):
				writeError(w, http.StatusNotImplemented, "span query is not implemented")
			default:
				writeError(w, http.StatusInternalServerError, "failed to query spans")
			}
			return
		}

		items := make([]spanSummary, 0, len(result.Items))
		for _, item := range result.Items {
			items = append(items, summarizeSpan(item))
		}

		writeJSON(w, http.StatusOK, spansResponse{
			Items:      items,
			NextCursor: result.NextCursor,
		})
	})
}

// SpanDetailHandler serves GET /api/spans/{trace_id}/{span_id}.
func SpanDetailHandler(store telemetry.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if store == nil {
			writeError(w, http.StatusServiceUnavailable, "span store is not configured")
			return
		}
		credential, ok := requireTenant(w, r)
		if !ok {
			return
		}

		traceID, spanID, ok := parseSpanPath(r.URL.Path)
		if !ok {
			http.NotFound(w, r)
			return
		}

		item, err := store.GetSpan(r.Context(), credential.CustomerID, traceID, spanID)
		if err != nil {
			switch {
			case errors.Is(err, telemetry.ErrNotFound):
				writeError(w, http.StatusNotFound, "span not found")
			case errors.Is(err, telemetry.ErrNotImplemented):
				writeError(w, http.StatusNotImplemented, "span detail is not implemented")
			default:
				writeError(w, http.StatusInternalServerError, "failed to read span")
			}
			return
		}

		writeJSON(w, http.StatusOK, detailSpan(item))
	})
}

func parseSpanFilter(r *http.Request, customerID string) (telemetry.SpanFilter, error) {
	query := r.URL.Query()
	limit, err := parseIntQuery(query.Get("limit"), "limit", 0, 500)
	if err != nil {
		return telemetry.SpanFilter{}, err
	}

	from, err := parseTimeQuery(query.Get("from"), false)
	if err != nil {
		return telemetry.SpanFilter{}, fmt.Errorf("invalid from: %w", err)
	}
	to, err := parseTimeQuery(query.Get("to"), true)
	if err != nil {
		return telemetry.SpanFilter{}, fmt.Errorf("invalid to: %w", err)
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return telemetry.SpanFilter{}, fmt.Errorf("to must be greater than or equal to from")
	}

	status := strings.ToUpper(strings.TrimSpace(query.Get("status")))
	switch status {
	case "", telemetry.StatusUnset, telemetry.StatusOK, telemetry.StatusError:
	default:
		return telemetry.SpanFilter{}, fmt.Errorf("status must be one of UNSET, OK, ERROR")
	}

	return telemetry.SpanFilter{
		CustomerID: customerID,
		TeamID:     strings.TrimSpace(query.Get("team_id")),
		UserID:     strings.TrimSpace(query.Get("user_id")),
		Vendor:     strings.TrimSpace(query.Get("vendor")),
		Model:      strings.TrimSpace(query.Get("model")),
		TraceID:    strings.TrimSpace(query.Get("trace_id")),
		Status:     status,
		KeyHash:    strings.TrimSpace(strings.ToLower(query.Get("key_hash"))),
		From:       from,
		To:         to,
		Limit:      limit,
		Cursor:     strings.TrimSpace(query.Get("cursor")),
	}, nil
}

func parseSpanPath(path string) (string, string, bool) {
	prefix := "/api/spans/"
	if !strings.HasPrefix(path, prefix) {
		return "", "", false
	}
	suffix := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	parts := strings.Split(suffix, "/")
	if len(parts) != 2 {
		return "", "", false
	}
	traceID := strings.TrimSpace(parts[0])
	spanID := strings.TrimSpace(parts[1])
	if traceID == "" || spanID == "" {
		return "", "", false
	}
	return traceID, spanID, true
}

func summarizeSpan(item *telemetry.Span) spanSummary {
	summary := spanSummary{
		TraceID:       item.TraceID,
		SpanID:        item.SpanID,
		ParentSpanID:  item.ParentSpanID,
		Name:          item.Name,
		Kind:          item.Kind,
		Vendor:        item.Vendor,
		Category:      item.Category,
		Model:         item.Model,
		Operation:     item.Operation,
		TeamID:        item.TeamID,
		UserID:        item.UserID,
		StartTime:     item.StartTime,
		DurationMS:    item.DurationMS,
		Status:        item.StatusCode,
		StatusMessage: item.StatusMessage,
		InputTokens:   item.InputTokens,
		OutputTokens:  item.OutputTokens,
		KeyHash:       item.KeyHash,
		CreatedAt:     item.CreatedAt,
	}
	if !item.EndTime.IsZero() {
		endTime := item.EndTime
		summary.EndTime = &endTime
	}
	return summary
}

func detailSpan(item *telemetry.Span) spanDetail {
	return spanDetail{
		spanSummary:        summarizeSpan(item),
		SpanAttributes:     decodeJSONField(item.SpanAttributes),
		ResourceAttributes: decodeJSONField(item.ResourceAttributes),
	}
}

func parseIntQuery(raw, name string, min, max int) (int, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	if parsed < min {
		return 0, fmt.Errorf("%s must be >= %d", name, min)
	}
	if max != 0 && parsed > max {
		return 0, fmt.Errorf("%s must be <= %d", name, max)
	}
	return parsed, nil
}

func parseTimeQuery(raw string, endOfDay bool) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, nil
	}

	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02",
	}
	for _, layout := range layouts {
		if layout == "2006-01-02" {
			parsed, err := time.ParseInLocation(layout, value, time.UTC)
			if err == nil {
				if endOfDay {
					return parsed.Add(24*time.Hour - time.Nanosecond), nil
				}
				return parsed, nil
			}
			continue
		}
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("expected RFC3339 or YYYY-MM-DD")
}

func decodeJSONField(raw string) any {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return raw
	}
	return decoded
}
