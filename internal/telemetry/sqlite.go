package telemetry

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/toolscope/telemetry/migrations"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	Path string
	db   *sql.DB
	// SQLite allows only one writer at a time; serialize writes to avoid
	// SQLITE_BUSY contention when upserts arrive concurrently.
	writeMu sync.Mutex
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %q: %w", path, err)
	}

	store := &SQLiteStore{
		Path: path,
		db:   db,
	}

	if err := store.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the underlying handle so sibling stores can share one file.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) configure() error {
	if _, err := s.db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		return fmt.Errorf("enable sqlite WAL mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA synchronous = NORMAL;`); err != nil {
		return fmt.Errorf("set sqlite synchronous mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		return fmt.Errorf("set sqlite busy timeout: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
		return fmt.Errorf("enable sqlite foreign keys: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ensureSchema() error {
	if err := migrations.Apply(context.Background(), s.db, migrations.DriverSQLite); err != nil {
		return fmt.Errorf("ensure sqlite schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpsertSpan(ctx context.Context, span *Span) (UpsertOutcome, error) {
	if span == nil {
		return UpsertOutcome{}, nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	row := *span
	row.Normalize(time.Now().UTC())

	var outcome UpsertOutcome
	err := retrySQLiteBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin sqlite upsert transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		var (
			endTimeText   sql.NullString
			durationMS    sql.NullInt64
			statusCode    string
			statusMessage sql.NullString
			inputTokens   sql.NullInt64
			outputTokens  sql.NullInt64
			model         sql.NullString
			operation     sql.NullString
			spanAttrs     sql.NullString
			resourceAttrs sql.NullString
		)
		scanErr := tx.QueryRowContext(ctx, `
SELECT CAST(end_time AS TEXT), duration_ms, status_code, status_message, input_tokens, output_tokens, model, operation, span_attributes, resource_attributes
FROM spans
WHERE customer_id = ? AND trace_id = ? AND span_id = ?`,
			row.CustomerID, row.TraceID, row.SpanID,
		).Scan(&endTimeText, &durationMS, &statusCode, &statusMessage, &inputTokens, &outputTokens, &model, &operation, &spanAttrs, &resourceAttrs)

		switch {
		case scanErr == sql.ErrNoRows:
			if _, err := tx.ExecContext(ctx, `
INSERT INTO spans (
    customer_id, team_id, user_id, trace_id, span_id, parent_span_id,
    name, kind, vendor, category, model, operation,
    start_time, end_time, duration_ms, status_code, status_message,
    input_tokens, output_tokens, key_hash, span_attributes, resource_attributes, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				row.CustomerID, nullIfEmpty(row.TeamID), nullIfEmpty(row.UserID), row.TraceID, row.SpanID, nullIfEmpty(row.ParentSpanID),
				row.Name, row.Kind, row.Vendor, nullIfEmpty(row.Category), nullIfEmpty(row.Model), nullIfEmpty(row.Operation),
				row.StartTime.UTC(), nullIfZeroTime(row.EndTime), row.DurationMS, row.StatusCode, nullIfEmpty(row.StatusMessage),
				row.InputTokens, row.OutputTokens, nullIfEmpty(row.KeyHash), row.SpanAttributes, row.ResourceAttributes, row.CreatedAt.UTC(),
			); err != nil {
				return fmt.Errorf("insert span %s/%s: %w", row.TraceID, row.SpanID, err)
			}
			outcome = UpsertOutcome{Inserted: true}
			if row.StatusCode == StatusError {
				outcome.ErrorDelta = 1
			}
		case scanErr != nil:
			return fmt.Errorf("read existing span %s/%s: %w", row.TraceID, row.SpanID, scanErr)
		default:
			existing := spanState{
				StatusCode: statusCode,
			}
			if endTimeText.Valid {
				parsed, err := parseSQLiteTimestamp(endTimeText.String)
				if err != nil {
					return fmt.Errorf("parse stored end_time %q: %w", endTimeText.String, err)
				}
				existing.EndTime = parsed
			}
			if durationMS.Valid {
				existing.DurationMS = durationMS.Int64
			}
			if statusMessage.Valid {
				existing.StatusMessage = statusMessage.String
			}
			if inputTokens.Valid {
				existing.InputTokens = int(inputTokens.Int64)
			}
			if outputTokens.Valid {
				existing.OutputTokens = int(outputTokens.Int64)
			}
			if model.Valid {
				existing.Model = model.String
			}
			if operation.Valid {
				existing.Operation = operation.String
			}
			if spanAttrs.Valid {
				existing.SpanAttributes = spanAttrs.String
			}
			if resourceAttrs.Valid {
				existing.ResourceAttributes = resourceAttrs.String
			}

			merged, errorDelta := mergeSpan(existing, &row)
			if _, err := tx.ExecContext(ctx, `
UPDATE spans SET
    end_time = ?, duration_ms = ?, status_code = ?, status_message = ?,
    input_tokens = ?, output_tokens = ?, model = ?, operation = ?,
    span_attributes = ?, resource_attributes = ?
WHERE customer_id = ? AND trace_id = ? AND span_id = ?`,
				nullIfZeroTime(merged.EndTime), merged.DurationMS, merged.StatusCode, nullIfEmpty(merged.StatusMessage),
				merged.InputTokens, merged.OutputTokens, nullIfEmpty(merged.Model), nullIfEmpty(merged.Operation),
				merged.SpanAttributes, merged.ResourceAttributes,
				row.CustomerID, row.TraceID, row.SpanID,
			); err != nil {
				return fmt.Errorf("update span %s/%s: %w", row.TraceID, row.SpanID, err)
			}
			outcome = UpsertOutcome{ErrorDelta: errorDelta}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit sqlite upsert transaction: %w", err)
		}
		return nil
	})
	if err != nil {
		return UpsertOutcome{}, err
	}
	return outcome, nil
}

func (s *SQLiteStore) UpsertMetric(ctx context.Context, metric *Metric) (bool, error) {
	if metric == nil {
		return false, nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	row := *metric
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	if row.Attributes == "" {
		row.Attributes = "{}"
	}

	var inserted bool
	err := retrySQLiteBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO metrics (
    customer_id, id, team_id, vendor, name, unit, metric_type, value, timestamp, attributes, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			row.CustomerID, row.ID, nullIfEmpty(row.TeamID), row.Vendor, row.Name, nullIfEmpty(row.Unit),
			row.Type, row.Value, row.Timestamp.UTC(), row.Attributes, row.CreatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("insert metric %q: %w", row.ID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("read metric insert row count: %w", err)
		}
		inserted = affected > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

const spanSelectColumns = `
customer_id,
team_id,
user_id,
trace_id,
span_id,
parent_span_id,
name,
kind,
vendor,
category,
model,
operation,
CAST(start_time AS TEXT),
CAST(end_time AS TEXT),
duration_ms,
status_code,
status_message,
input_tokens,
output_tokens,
key_hash,
span_attributes,
resource_attributes,
CAST(created_at AS TEXT)
`

func (s *SQLiteStore) GetSpan(ctx context.Context, customerID, traceID, spanID string) (*Span, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+spanSelectColumns+" FROM spans WHERE customer_id = ? AND trace_id = ? AND span_id = ? LIMIT 1",
		customerID, traceID, spanID)
	span, err := scanSpanRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get span %s/%s: %w", traceID, spanID, err)
	}
	return span, nil
}

func (s *SQLiteStore) QuerySpans(ctx context.Context, filter SpanFilter) (*SpanResult, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	whereSQL, args, err := buildSpanWhere(filter)
	if err != nil {
		return nil, err
	}
	args = append(args, limit+1)

	query := "SELECT " + spanSelectColumns + " FROM spans WHERE " + whereSQL +
		" ORDER BY start_time DESC, trace_id DESC, span_id DESC LIMIT ?"
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query spans: %w", err)
	}
	defer rows.Close()

	items := make([]*Span, 0, limit+1)
	for rows.Next() {
		span, err := scanSpanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan span row: %w", err)
		}
		items = append(items, span)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate span rows: %w", err)
	}

	nextCursor := ""
	if len(items) > limit {
		items = items[:limit]
		last := items[len(items)-1]
		nextCursor = encodeSpanCursor(last.StartTime, last.TraceID, last.SpanID)
	}

	return &SpanResult{
		Items:      items,
		NextCursor: nextCursor,
	}, nil
}

func (s *SQLiteStore) ListObservations(ctx context.Context, filter ObservationFilter) ([]Observation, error) {
	whereSQL, args := buildObservationWhere(filter)
	query := `
SELECT
	CAST(start_time AS TEXT),
	duration_ms,
	end_time IS NOT NULL,
	status_code,
	input_tokens,
	output_tokens,
	vendor,
	COALESCE(model, ''),
	COALESCE(operation, '')
FROM spans
WHERE ` + whereSQL + `
ORDER BY start_time ASC, trace_id ASC, span_id ASC
`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query observations: %w", err)
	}
	defer rows.Close()

	observations := make([]Observation, 0)
	for rows.Next() {
		var (
			startTimeText string
			completed     int
			statusCode    string
			obs           Observation
		)
		if err := rows.Scan(&startTimeText, &obs.DurationMS, &completed, &statusCode, &obs.InputTokens, &obs.OutputTokens, &obs.Vendor, &obs.Model, &obs.Operation); err != nil {
			return nil, fmt.Errorf("scan observation row: %w", err)
		}
		obs.Completed = completed != 0
		startTime, err := parseSQLiteTimestamp(startTimeText)
		if err != nil {
			return nil, fmt.Errorf("parse observation start_time %q: %w", startTimeText, err)
		}
		obs.StartTime = startTime
		obs.IsError = statusCode == StatusError
		observations = append(observations, obs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate observation rows: %w", err)
	}

	return observations, nil
}

func (s *SQLiteStore) GetToolProfile(ctx context.Context, customerID, vendor string) (*ToolProfile, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT customer_id, vendor, display_name, COALESCE(category, ''), is_llm,
       CAST(first_seen_at AS TEXT), CAST(last_seen_at AS TEXT),
       total_spans, total_traces, error_count
FROM tool_profiles
WHERE customer_id = ? AND vendor = ?
LIMIT 1`, customerID, vendor)

	profile, err := scanToolProfileRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get tool profile %q: %w", vendor, err)
	}
	return profile, nil
}

func (s *SQLiteStore) ListToolProfiles(ctx context.Context, customerID string) ([]*ToolProfile, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT customer_id, vendor, display_name, COALESCE(category, ''), is_llm,
       CAST(first_seen_at AS TEXT), CAST(last_seen_at AS TEXT),
       total_spans, total_traces, error_count
FROM tool_profiles
WHERE customer_id = ?
ORDER BY total_spans DESC, vendor ASC`, customerID)
	if err != nil {
		return nil, fmt.Errorf("list tool profiles: %w", err)
	}
	defer rows.Close()

	profiles := make([]*ToolProfile, 0)
	for rows.Next() {
		profile, err := scanToolProfileRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tool profile row: %w", err)
		}
		profiles = append(profiles, profile)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tool profile rows: %w", err)
	}
	return profiles, nil
}

// DeleteToolProfile removes a vendor's profile and all telemetry attributed to
// it for the customer. Deletion order keeps membership rows from orphaning.
func (s *SQLiteStore) DeleteToolProfile(ctx context.Context, customerID, vendor string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return retrySQLiteBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin sqlite delete transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		res, err := tx.ExecContext(ctx, `DELETE FROM tool_profiles WHERE customer_id = ? AND vendor = ?`, customerID, vendor)
		if err != nil {
			return fmt.Errorf("delete tool profile %q: %w", vendor, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("read delete row count: %w", err)
		}
		if affected == 0 {
			return ErrNotFound
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM profile_traces WHERE customer_id = ? AND vendor = ?`, customerID, vendor); err != nil {
			return fmt.Errorf("delete profile trace memberships for %q: %w", vendor, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM spans WHERE customer_id = ? AND vendor = ?`, customerID, vendor); err != nil {
			return fmt.Errorf("delete spans for %q: %w", vendor, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM metrics WHERE customer_id = ? AND vendor = ?`, customerID, vendor); err != nil {
			return fmt.Errorf("delete metrics for %q: %w", vendor, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit sqlite delete transaction: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) TouchToolProfiles(ctx context.Context, touches []ProfileTouch) error {
	if len(touches) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return retrySQLiteBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin sqlite touch transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		for _, touch := range touches {
			if touch.CustomerID == "" || touch.Vendor == "" {
				continue
			}
			seenAt := touch.SeenAt
			if seenAt.IsZero() {
				seenAt = time.Now().UTC()
			}

			if _, err := tx.ExecContext(ctx, `
INSERT INTO tool_profiles (
    customer_id, vendor, display_name, category, is_llm,
    first_seen_at, last_seen_at, total_spans, total_traces, error_count
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
ON CONFLICT (customer_id, vendor) DO UPDATE SET
    last_seen_at = MAX(last_seen_at, excluded.last_seen_at),
    total_spans = total_spans + excluded.total_spans,
    error_count = MAX(0, error_count + excluded.error_count)`,
				touch.CustomerID, touch.Vendor, touch.DisplayName, nullIfEmpty(touch.Category), boolToInt(touch.IsLLM),
				seenAt.UTC(), seenAt.UTC(), touch.SpanDelta, touch.ErrorDelta,
			); err != nil {
				return fmt.Errorf("touch tool profile %q: %w", touch.Vendor, err)
			}

			if touch.TraceID == "" {
				continue
			}
			res, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO profile_traces (customer_id, vendor, trace_id) VALUES (?, ?, ?)`,
				touch.CustomerID, touch.Vendor, touch.TraceID)
			if err != nil {
				return fmt.Errorf("record trace membership for %q: %w", touch.Vendor, err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("read membership row count: %w", err)
			}
			if affected > 0 {
				if _, err := tx.ExecContext(ctx, `
UPDATE tool_profiles SET total_traces = total_traces + 1 WHERE customer_id = ? AND vendor = ?`,
					touch.CustomerID, touch.Vendor); err != nil {
					return fmt.Errorf("advance trace count for %q: %w", touch.Vendor, err)
				}
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit sqlite touch transaction: %w", err)
		}
		return nil
	})
}

func buildSpanWhere(filter SpanFilter) (string, []any, error) {
	where := make([]string, 0, 10)
	args := make([]any, 0, 10)

	if filter.CustomerID != "" {
		where = append(where, "customer_id = ?")
		args = append(args, filter.CustomerID)
	}
	if filter.TeamID != "" {
		where = append(where, "team_id = ?")
		args = append(args, filter.TeamID)
	}
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Vendor != "" {
		where = append(where, "vendor = ?")
		args = append(args, filter.Vendor)
	}
	if filter.Model != "" {
		where = append(where, "model = ?")
		args = append(args, filter.Model)
	}
	if filter.TraceID != "" {
		where = append(where, "trace_id = ?")
		args = append(args, filter.TraceID)
	}
	if filter.Status != "" {
		where = append(where, "status_code = ?")
		args = append(args, filter.Status)
	}
	if filter.KeyHash != "" {
		where = append(where, "key_hash = ?")
		args = append(args, filter.KeyHash)
	}
	if !filter.From.IsZero() {
		where = append(where, "start_time >= ?")
		args = append(args, filter.From.UTC())
	}
	if !filter.To.IsZero() {
		where = append(where, "start_time <= ?")
		args = append(args, filter.To.UTC())
	}
	if filter.Cursor != "" {
		startTime, traceID, spanID, err := decodeSpanCursor(filter.Cursor)
		if err != nil {
			return "", nil, err
		}
		where = append(where, "(start_time < ? OR (start_time = ? AND (trace_id < ? OR (trace_id = ? AND span_id < ?))))")
		args = append(args, startTime.UTC(), startTime.UTC(), traceID, traceID, spanID)
	}

	if len(where) == 0 {
		return "1=1", args, nil
	}
	return strings.Join(where, " AND "), args, nil
}

func buildObservationWhere(filter ObservationFilter) (string, []any) {
	where := make([]string, 0, 5)
	args := make([]any, 0, 5)

	if filter.CustomerID != "" {
		where = append(where, "customer_id = ?")
		args = append(args, filter.CustomerID)
	}
	if filter.TeamID != "" {
		where = append(where, "team_id = ?")
		args = append(args, filter.TeamID)
	}
	if filter.Vendor != "" {
		where = append(where, "vendor = ?")
		args = append(args, filter.Vendor)
	}
	if !filter.From.IsZero() {
		where = append(where, "start_time >= ?")
		args = append(args, filter.From.UTC())
	}
	if !filter.To.IsZero() {
		where = append(where, "start_time < ?")
		args = append(args, filter.To.UTC())
	}

	if len(where) == 0 {
		return "1=1", args
	}
	return strings.Join(where, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSpanRow(scanner rowScanner) (*Span, error) {
	var (
		item          Span
		teamID        sql.NullString
		userID        sql.NullString
		parentSpanID  sql.NullString
		category      sql.NullString
		model         sql.NullString
		operation     sql.NullString
		startTimeText sql.NullString
		endTimeText   sql.NullString
		statusMessage sql.NullString
		keyHash       sql.NullString
		spanAttrs     sql.NullString
		resourceAttrs sql.NullString
		createdAtText sql.NullString
	)

	if err := scanner.Scan(
		&item.CustomerID,
		&teamID,
		&userID,
		&item.TraceID,
		&item.SpanID,
		&parentSpanID,
		&item.Name,
		&item.Kind,
		&item.Vendor,
		&category,
		&model,
		&operation,
		&startTimeText,
		&endTimeText,
		&item.DurationMS,
		&item.StatusCode,
		&statusMessage,
		&item.InputTokens,
		&item.OutputTokens,
		&keyHash,
		&spanAttrs,
		&resourceAttrs,
		&createdAtText,
	); err != nil {
		return nil, err
	}

	if teamID.Valid {
		item.TeamID = teamID.String
	}
	if userID.Valid {
		item.UserID = userID.String
	}
	if parentSpanID.Valid {
		item.ParentSpanID = parentSpanID.String
	}
	if category.Valid {
		item.Category = category.String
	}
	if model.Valid {
		item.Model = model.String
	}
	if operation.Valid {
		item.Operation = operation.String
	}
	if statusMessage.Valid {
		item.StatusMessage = statusMessage.String
	}
	if keyHash.Valid {
		item.KeyHash = keyHash.String
	}
	if spanAttrs.Valid {
		item.SpanAttributes = spanAttrs.String
	}
	if resourceAttrs.Valid {
		item.ResourceAttributes = resourceAttrs.String
	}

	if startTimeText.Valid {
		parsed, err := parseSQLiteTimestamp(startTimeText.String)
		if err != nil {
			return nil, fmt.Errorf("parse start_time %q: %w", startTimeText.String, err)
		}
		item.StartTime = parsed
	}
	if endTimeText.Valid && strings.TrimSpace(endTimeText.String) != "" {
		parsed, err := parseSQLiteTimestamp(endTimeText.String)
		if err != nil {
			return nil, fmt.Errorf("parse end_time %q: %w", endTimeText.String, err)
		}
		item.EndTime = parsed
	}
	if createdAtText.Valid {
		parsed, err := parseSQLiteTimestamp(createdAtText.String)
		if err != nil {
			return nil, fmt.Errorf("parse created_at %q: %w", createdAtText.String, err)
		}
		item.CreatedAt = parsed
	}

	return &item, nil
}

func scanToolProfileRow(scanner rowScanner) (*ToolProfile, error) {
	var (
		item          ToolProfile
		isLLM         int
		firstSeenText string
		lastSeenText  string
	)
	if err := scanner.Scan(
		&item.CustomerID,
		&item.Vendor,
		&item.DisplayName,
		&item.Category,
		&isLLM,
		&firstSeenText,
		&lastSeenText,
		&item.TotalSpans,
		&item.TotalTraces,
		&item.ErrorCount,
	); err != nil {
		return nil, err
	}
	item.IsLLM = isLLM != 0

	firstSeen, err := parseSQLiteTimestamp(firstSeenText)
	if err != nil {
		return nil, fmt.Errorf("parse first_seen_at %q: %w", firstSeenText, err)
	}
	item.FirstSeenAt = firstSeen

	lastSeen, err := parseSQLiteTimestamp(lastSeenText)
	if err != nil {
		return nil, fmt.Errorf("parse last_seen_at %q: %w", lastSeenText, err)
	}
	item.LastSeenAt = lastSeen

	return &item, nil
}

func parseSQLiteTimestamp(raw string) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, nil
	}

	withTZLayouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05-07:00",
		"2006-01-02 15:04:05 -0700 MST",
	}
	for _, layout := range withTZLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC(), nil
		}
	}

	withoutTZLayouts := []string{
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
	}
	for _, layout := range withoutTZLayouts {
		if parsed, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return parsed.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("unsupported sqlite datetime format")
}

const (
	sqliteBusyMaxRetries     = 12
	sqliteBusyInitialBackoff = 5 * time.Millisecond
	sqliteBusyMaxBackoff     = 250 * time.Millisecond
)

// retrySQLiteBusy retries transient lock contention so concurrent upserts are
// not dropped.
func retrySQLiteBusy(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		err   error
		timer *time.Timer
	)
	stopTimer := func() {
		if timer == nil {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
	defer stopTimer()

	for retries := 0; ; retries++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isSQLiteBusyError(err) || retries >= sqliteBusyMaxRetries {
			return err
		}

		wait := sqliteBusyInitialBackoff << retries
		if wait > sqliteBusyMaxBackoff {
			wait = sqliteBusyMaxBackoff
		}

		if timer == nil {
			timer = time.NewTimer(wait)
		} else {
			stopTimer()
			timer.Reset(wait)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "sqlite_busy") || strings.Contains(value, "database is locked")
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullIfZeroTime(value time.Time) any {
	if value.IsZero() {
		return nil
	}
	return value.UTC()
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
