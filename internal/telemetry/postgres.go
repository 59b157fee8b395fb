package telemetry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/toolscope/telemetry/migrations"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

type PostgresStore struct {
	DSN string
	db  *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}

	store := &PostgresStore{
		DSN: dsn,
		db:  db,
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

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the underlying handle so sibling stores can share one pool.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) configure() error {
	if s.db == nil {
		return fmt.Errorf("postgres database is not initialized")
	}

	s.db.SetMaxOpenConns(20)
	s.db.SetMaxIdleConns(10)
	s.db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

func (s *PostgresStore) ensureSchema() error {
	if err := migrations.Apply(context.Background(), s.db, migrations.DriverPostgres); err != nil {
		return fmt.Errorf("ensure postgres schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpsertSpan(ctx context.Context, span *Span) (UpsertOutcome, error) {
	if span == nil {
		return UpsertOutcome{}, nil
	}

	row := *span
	row.Normalize(time.Now().UTC())

	outcome, err := s.upsertSpanTx(ctx, &row)
	if err != nil {
		// Two first-export transactions can race past the row lookup; the
		// loser hits the primary key and is replayed as an update.
		if isPostgresUniqueViolation(err) {
			return s.upsertSpanTx(ctx, &row)
		}
		return UpsertOutcome{}, err
	}
	return outcome, nil
}

func (s *PostgresStore) upsertSpanTx(ctx context.Context, row *Span) (UpsertOutcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return UpsertOutcome{}, fmt.Errorf("begin postgres upsert transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var (
		endTime       sql.NullTime
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
SELECT end_time, duration_ms, status_code, status_message, input_tokens, output_tokens, model, operation, span_attributes::text, resource_attributes::text
FROM spans
WHERE customer_id = $1 AND trace_id = $2 AND span_id = $3
FOR UPDATE`,
		row.CustomerID, row.TraceID, row.SpanID,
	).Scan(&endTime, &durationMS, &statusCode, &statusMessage, &inputTokens, &outputTokens, &model, &operation, &spanAttrs, &resourceAttrs)

	var outcome UpsertOutcome
	switch {
	case scanErr == sql.ErrNoRows:
		if _, err := tx.ExecContext(ctx, `
INSERT INTO spans (
    customer_id, team_id, user_id, trace_id, span_id, parent_span_id,
    name, kind, vendor, category, model, operation,
    start_time, end_time, duration_ms, status_code, status_message,
    input_tokens, output_tokens, key_hash, span_attributes, resource_attributes, created_at
) VALUES (
    $1, $2, $3, $4, $5, $6,
    $7, $8, $9, $10, $11, $12,
    $13, $14, $15, $16, $17,
    $18, $19, $20, NULLIF($21, '')::jsonb, NULLIF($22, '')::jsonb, $23
)`,
			row.CustomerID, nullIfEmptyTrimmed(row.TeamID), nullIfEmptyTrimmed(row.UserID), row.TraceID, row.SpanID, nullIfEmptyTrimmed(row.ParentSpanID),
			row.Name, row.Kind, row.Vendor, nullIfEmptyTrimmed(row.Category), nullIfEmptyTrimmed(row.Model), nullIfEmptyTrimmed(row.Operation),
			row.StartTime.UTC(), nullIfZeroTime(row.EndTime), row.DurationMS, row.StatusCode, nullIfEmptyTrimmed(row.StatusMessage),
			row.InputTokens, row.OutputTokens, nullIfEmptyTrimmed(row.KeyHash), row.SpanAttributes, row.ResourceAttributes, row.CreatedAt.UTC(),
		); err != nil {
			return UpsertOutcome{}, fmt.Errorf("insert span %s/%s: %w", row.TraceID, row.SpanID, err)
		}
		outcome = UpsertOutcome{Inserted: true}
		if row.StatusCode == StatusError {
			outcome.ErrorDelta = 1
		}
	case scanErr != nil:
		return UpsertOutcome{}, fmt.Errorf("read existing span %s/%s: %w", row.TraceID, row.SpanID, scanErr)
	default:
		existing := spanState{
			StatusCode: statusCode,
		}
		if endTime.Valid {
			existing.EndTime = endTime.Time.UTC()
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

		merged, errorDelta := mergeSpan(existing, row)
		if _, err := tx.ExecContext(ctx, `
UPDATE spans SET
    end_time = $1, duration_ms = $2, status_code = $3, status_message = $4,
    input_tokens = $5, output_tokens = $6, model = $7, operation = $8,
    span_attributes = NULLIF($9, '')::jsonb, resource_attributes = NULLIF($10, '')::jsonb
WHERE customer_id = $11 AND trace_id = $12 AND span_id = $13`,
			nullIfZeroTime(merged.EndTime), merged.DurationMS, merged.StatusCode, nullIfEmptyTrimmed(merged.StatusMessage),
			merged.InputTokens, merged.OutputTokens, nullIfEmptyTrimmed(merged.Model), nullIfEmptyTrimmed(merged.Operation),
			merged.SpanAttributes, merged.ResourceAttributes,
			row.CustomerID, row.TraceID, row.SpanID,
		); err != nil {
			return UpsertOutcome{}, fmt.Errorf("update span %s/%s: %w", row.TraceID, row.SpanID, err)
		}
		outcome = UpsertOutcome{ErrorDelta: errorDelta}
	}

	if err := tx.Commit(); err != nil {
		return UpsertOutcome{}, fmt.Errorf("commit postgres upsert transaction: %w", err)
	}
	return outcome, nil
}

func (s *PostgresStore) UpsertMetric(ctx context.Context, metric *Metric) (bool, error) {
	if metric == nil {
		return false, nil
	}

	row := *metric
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	if row.Attributes == "" {
		row.Attributes = "{}"
	}

	res, err := s.db.ExecContext(ctx, `
INSERT INTO metrics (
    customer_id, id, team_id, vendor, name, unit, metric_type, value, timestamp, attributes, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, '')::jsonb, $11)
ON CONFLICT (customer_id, id) DO NOTHING`,
		row.CustomerID, row.ID, nullIfEmptyTrimmed(row.TeamID), row.Vendor, row.Name, nullIfEmptyTrimmed(row.Unit),
		row.Type, row.Value, row.Timestamp.UTC(), row.Attributes, row.CreatedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("insert metric %q: %w", row.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read metric insert row count: %w", err)
	}
	return affected > 0, nil
}

const postgresSpanSelectColumns = `
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
start_time,
end_time,
duration_ms,
status_code,
status_message,
input_tokens,
output_tokens,
key_hash,
span_attributes::text,
resource_attributes::text,
created_at
`

func (s *PostgresStore) GetSpan(ctx context.Context, customerID, traceID, spanID string) (*Span, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+postgresSpanSelectColumns+" FROM spans WHERE customer_id = $1 AND trace_id = $2 AND span_id = $3 LIMIT 1",
		customerID, traceID, spanID)
	span, err := scanPostgresSpanRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get span %s/%s: %w", traceID, spanID, err)
	}
	return span, nil
}

func (s *PostgresStore) QuerySpans(ctx context.Context, filter SpanFilter) (*SpanResult, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	builder := newPostgresWhereBuilder()
	if filter.CustomerID != "" {
		builder.addComparison("customer_id", "=", filter.CustomerID)
	}
	if filter.TeamID != "" {
		builder.addComparison("team_id", "=", filter.TeamID)
	}
	if filter.UserID != "" {
		builder.addComparison("user_id", "=", filter.UserID)
	}
	if filter.Vendor != "" {
		builder.addComparison("vendor", "=", filter.Vendor)
	}
	if filter.Model != "" {
		builder.addComparison("model", "=", filter.Model)
	}
	if filter.TraceID != "" {
		builder.addComparison("trace_id", "=", filter.TraceID)
	}
	if filter.Status != "" {
		builder.addComparison("status_code", "=", filter.Status)
	}
	if filter.KeyHash != "" {
		builder.addComparison("key_hash", "=", filter.KeyHash)
	}
	if !filter.From.IsZero() {
		builder.addComparison("start_time", ">=", filter.From.UTC())
	}
	if !filter.To.IsZero() {
		builder.addComparison("start_time", "<=", filter.To.UTC())
	}
	if filter.Cursor != "" {
		startTime, traceID, spanID, err := decodeSpanCursor(filter.Cursor)
		if err != nil {
			return nil, err
		}
		startPlaceholder := builder.addArg(startTime.UTC())
		tracePlaceholder := builder.addArg(traceID)
		spanPlaceholder := builder.addArg(spanID)
		builder.addCondition("(start_time, trace_id, span_id) < (" + startPlaceholder + ", " + tracePlaceholder + ", " + spanPlaceholder + ")")
	}

	limitPlaceholder := builder.addArg(limit + 1)
	query := "SELECT " + postgresSpanSelectColumns + " FROM spans WHERE " + builder.where() +
		" ORDER BY start_time DESC, trace_id DESC, span_id DESC LIMIT " + limitPlaceholder

	rows, err := s.db.QueryContext(ctx, query, builder.args...)
	if err != nil {
		return nil, fmt.Errorf("query spans: %w", err)
	}
	defer rows.Close()

	items := make([]*Span, 0, limit+1)
	for rows.Next() {
		span, err := scanPostgresSpanRow(rows)
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

func (s *PostgresStore) ListObservations(ctx context.Context, filter ObservationFilter) ([]Observation, error) {
	builder := newPostgresWhereBuilder()
	if filter.CustomerID != "" {
		builder.addComparison("customer_id", "=", filter.CustomerID)
	}
	if filter.TeamID != "" {
		builder.addComparison("team_id", "=", filter.TeamID)
	}
	if filter.Vendor != "" {
		builder.addComparison("vendor", "=", filter.Vendor)
	}
	if !filter.From.IsZero() {
		builder.addComparison("start_time", ">=", filter.From.UTC())
	}
	if !filter.To.IsZero() {
		builder.addComparison("start_time", "<", filter.To.UTC())
	}

	query := `
SELECT
	start_time,
	duration_ms,
	end_time IS NOT NULL,
	status_code,
	input_tokens,
	output_tokens,
	vendor,
	COALESCE(model, ''),
	COALESCE(operation, '')
FROM spans
WHERE ` + builder.where() + `
ORDER BY start_time ASC, trace_id ASC, span_id ASC
`

	rows, err := s.db.QueryContext(ctx, query, builder.args...)
	if err != nil {
		return nil, fmt.Errorf("query observations: %w", err)
	}
	defer rows.Close()

	observations := make([]Observation, 0)
	for rows.Next() {
		var (
			startTime  time.Time
			statusCode string
			obs        Observation
		)
		if err := rows.Scan(&startTime, &obs.DurationMS, &obs.Completed, &statusCode, &obs.InputTokens, &obs.OutputTokens, &obs.Vendor, &obs.Model, &obs.Operation); err != nil {
			return nil, fmt.Errorf("scan observation row: %w", err)
		}
		obs.StartTime = startTime.UTC()
		obs.IsError = statusCode == StatusError
		observations = append(observations, obs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate observation rows: %w", err)
	}

	return observations, nil
}

func (s *PostgresStore) GetToolProfile(ctx context.Context, customerID, vendor string) (*ToolProfile, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT customer_id, vendor, display_name, COALESCE(category, ''), is_llm,
       first_seen_at, last_seen_at, total_spans, total_traces, error_count
FROM tool_profiles
WHERE customer_id = $1 AND vendor = $2
LIMIT 1`, customerID, vendor)

	profile, err := scanPostgresToolProfileRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get tool profile %q: %w", vendor, err)
	}
	return profile, nil
}

func (s *PostgresStore) ListToolProfiles(ctx context.Context, customerID string) ([]*ToolProfile, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT customer_id, vendor, display_name, COALESCE(category, ''), is_llm,
       first_seen_at, last_seen_at, total_spans, total_traces, error_count
FROM tool_profiles
WHERE customer_id = $1
ORDER BY total_spans DESC, vendor ASC`, customerID)
	if err != nil {
		return nil, fmt.Errorf("list tool profiles: %w", err)
	}
	defer rows.Close()

	profiles := make([]*ToolProfile, 0)
	for rows.Next() {
		profile, err := scanPostgresToolProfileRow(rows)
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

func (s *PostgresStore) DeleteToolProfile(ctx context.Context, customerID, vendor string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin postgres delete transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx, `DELETE FROM tool_profiles WHERE customer_id = $1 AND vendor = $2`, customerID, vendor)
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

	if _, err := tx.ExecContext(ctx, `DELETE FROM profile_traces WHERE customer_id = $1 AND vendor = $2`, customerID, vendor); err != nil {
		return fmt.Errorf("delete profile trace memberships for %q: %w", vendor, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM spans WHERE customer_id = $1 AND vendor = $2`, customerID, vendor); err != nil {
		return fmt.Errorf("delete spans for %q: %w", vendor, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM metrics WHERE customer_id = $1 AND vendor = $2`, customerID, vendor); err != nil {
		return fmt.Errorf("delete metrics for %q: %w", vendor, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit postgres delete transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) TouchToolProfiles(ctx context.Context, touches []ProfileTouch) error {
	if len(touches) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin postgres touch transaction: %w", err)
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
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9)
ON CONFLICT (customer_id, vendor) DO UPDATE SET
    last_seen_at = GREATEST(tool_profiles.last_seen_at, EXCLUDED.last_seen_at),
    total_spans = tool_profiles.total_spans + EXCLUDED.total_spans,
    error_count = GREATEST(0, tool_profiles.error_count + EXCLUDED.error_count)`,
			touch.CustomerID, touch.Vendor, touch.DisplayName, nullIfEmptyTrimmed(touch.Category), touch.IsLLM,
			seenAt.UTC(), seenAt.UTC(), touch.SpanDelta, touch.ErrorDelta,
		); err != nil {
			return fmt.Errorf("touch tool profile %q: %w", touch.Vendor, err)
		}

		if touch.TraceID == "" {
			continue
		}
		res, err := tx.ExecContext(ctx, `
INSERT INTO profile_traces (customer_id, vendor, trace_id) VALUES ($1, $2, $3)
ON CONFLICT (customer_id, vendor, trace_id) DO NOTHING`,
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
UPDATE tool_profiles SET total_traces = total_traces + 1 WHERE customer_id = $1 AND vendor = $2`,
				touch.CustomerID, touch.Vendor); err != nil {
				return fmt.Errorf("advance trace count for %q: %w", touch.Vendor, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit postgres touch transaction: %w", err)
	}
	return nil
}

type postgresWhereBuilder struct {
	conditions []string
	args       []any
}

func newPostgresWhereBuilder() *postgresWhereBuilder {
	return &postgresWhereBuilder{
		conditions: make([]string, 0, 8),
		args:       make([]any, 0, 8),
	}
}

func (b *postgresWhereBuilder) addArg(value any) string {
	b.args = append(b.args, value)
	return fmt.Sprintf("$%d", len(b.args))
}

func (b *postgresWhereBuilder) addComparison(column, operator string, value any) {
	placeholder := b.addArg(value)
	b.conditions = append(b.conditions, column+" "+operator+" "+placeholder)
}

func (b *postgresWhereBuilder) addCondition(condition string) {
	b.conditions = append(b.conditions, condition)
}

func (b *postgresWhereBuilder) where() string {
	if len(b.conditions) == 0 {
		return "1=1"
	}
	return strings.Join(b.conditions, " AND ")
}

func scanPostgresSpanRow(scanner rowScanner) (*Span, error) {
	var (
		item          Span
		teamID        sql.NullString
		userID        sql.NullString
		parentSpanID  sql.NullString
		category      sql.NullString
		model         sql.NullString
		operation     sql.NullString
		startTime     sql.NullTime
		endTime       sql.NullTime
		statusMessage sql.NullString
		keyHash       sql.NullString
		spanAttrs     sql.NullString
		resourceAttrs sql.NullString
		createdAt     sql.NullTime
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
		&startTime,
		&endTime,
		&item.DurationMS,
		&item.StatusCode,
		&statusMessage,
		&item.InputTokens,
		&item.OutputTokens,
		&keyHash,
		&spanAttrs,
		&resourceAttrs,
		&createdAt,
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
	if startTime.Valid {
		item.StartTime = startTime.Time.UTC()
	}
	if endTime.Valid {
		item.EndTime = endTime.Time.UTC()
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
	if item.SpanAttributes == "" {
		item.SpanAttributes = "{}"
	}
	if resourceAttrs.Valid {
		item.ResourceAttributes = resourceAttrs.String
	}
	if item.ResourceAttributes == "" {
		item.ResourceAttributes = "{}"
	}
	if createdAt.Valid {
		item.CreatedAt = createdAt.Time.UTC()
	}

	return &item, nil
}

func scanPostgresToolProfileRow(scanner rowScanner) (*ToolProfile, error) {
	var (
		item      ToolProfile
		firstSeen time.Time
		lastSeen  time.Time
	)
	if err := scanner.Scan(
		&item.CustomerID,
		&item.Vendor,
		&item.DisplayName,
		&item.Category,
		&item.IsLLM,
		&firstSeen,
		&lastSeen,
		&item.TotalSpans,
		&item.TotalTraces,
		&item.ErrorCount,
	); err != nil {
		return nil, err
	}
	item.FirstSeenAt = firstSeen.UTC()
	item.LastSeenAt = lastSeen.UTC()
	return &item, nil
}

func isPostgresUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullIfEmptyTrimmed(value string) any {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return value
}
