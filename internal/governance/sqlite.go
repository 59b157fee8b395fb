package governance

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// SQLiteKeyStore persists keys and guardrails on a shared sqlite handle.
// Writes serialize behind writeMu; combined with per-key transactions this
// gives the reservation path its read-modify-write atomicity.
type SQLiteKeyStore struct {
	db      *sql.DB
	writeMu sync.Mutex
}

// NewSQLiteKeyStore wraps an already-migrated sqlite handle, typically the
// one backing the span store.
func NewSQLiteKeyStore(db *sql.DB) *SQLiteKeyStore {
	return &SQLiteKeyStore{db: db}
}

const keySelectColumns = `
customer_id, key_hash, name,
COALESCE(team_id, ''), COALESCE(user_id, ''),
disabled, budget_usd, COALESCE(budget_reset, ''),
spent_usd, CAST(spend_reset_at AS TEXT),
allowed_models, rpm_limit,
CAST(created_at AS TEXT), CAST(updated_at AS TEXT)`

func (s *SQLiteKeyStore) CreateKey(ctx context.Context, key *Key) error {
	if key == nil || key.CustomerID == "" || key.KeyHash == "" {
		return fmt.Errorf("create key: customer id and key hash are required")
	}

	now := time.Now().UTC()
	key.CreatedAt = now
	key.UpdatedAt = now
	if key.BudgetReset != "" && key.SpendResetAt == nil {
		next := NextReset(key.BudgetReset, now)
		key.SpendResetAt = &next
	}

	allowedModels, err := encodeAllowedModels(key.AllowedModels)
	if err != nil {
		return fmt.Errorf("create key: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return retryBusy(ctx, func() error {
		_, execErr := s.db.ExecContext(ctx, `
INSERT INTO api_keys (
    customer_id, key_hash, name, team_id, user_id, disabled,
    budget_usd, budget_reset, spent_usd, spend_reset_at,
    allowed_models, rpm_limit, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			key.CustomerID, key.KeyHash, key.Name,
			nullableString(key.TeamID), nullableString(key.UserID), boolAsInt(key.Disabled),
			nullableFloat(key.BudgetUSD), nullableString(key.BudgetReset),
			key.SpentUSD, nullableTime(key.SpendResetAt),
			allowedModels, nullableInt(key.RPMLimit), now, now,
		)
		if execErr != nil {
			if isUniqueViolation(execErr) {
				return ErrKeyExists
			}
			return fmt.Errorf("insert key: %w", execErr)
		}
		return nil
	})
}

func (s *SQLiteKeyStore) GetKey(ctx context.Context, customerID, keyHash string) (*Key, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+keySelectColumns+`
FROM api_keys
WHERE customer_id = ? AND key_hash = ?
LIMIT 1`, customerID, keyHash)

	key, err := scanKeyRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get key: %w", err)
	}
	return key, nil
}

func (s *SQLiteKeyStore) ListKeys(ctx context.Context, customerID string) ([]*Key, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+keySelectColumns+`
FROM api_keys
WHERE customer_id = ?
ORDER BY created_at ASC, key_hash ASC`, customerID)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	keys := make([]*Key, 0)
	for rows.Next() {
		key, scanErr := scanKeyRow(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan key row: %w", scanErr)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate key rows: %w", err)
	}
	return keys, nil
}

func (s *SQLiteKeyStore) SetKeyDisabled(ctx context.Context, customerID, keyHash string, disabled bool) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return retryBusy(ctx, func() error {
		result, err := s.db.ExecContext(ctx, `
UPDATE api_keys SET disabled = ?, updated_at = ?
WHERE customer_id = ? AND key_hash = ?`,
			boolAsInt(disabled), time.Now().UTC(), customerID, keyHash)
		if err != nil {
			return fmt.Errorf("update key disabled: %w", err)
		}
		return requireRow(result, ErrKeyNotFound)
	})
}

func (s *SQLiteKeyStore) DeleteKey(ctx context.Context, customerID, keyHash string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return retryBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin delete key: %w", err)
		}
		defer tx.Rollback()

		result, err := tx.ExecContext(ctx, `
DELETE FROM api_keys WHERE customer_id = ? AND key_hash = ?`, customerID, keyHash)
		if err != nil {
			return fmt.Errorf("delete key: %w", err)
		}
		if err := requireRow(result, ErrKeyNotFound); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
DELETE FROM key_guardrails WHERE customer_id = ? AND key_hash = ?`, customerID, keyHash); err != nil {
			return fmt.Errorf("delete key assignments: %w", err)
		}
		return tx.Commit()
	})
}

func (s *SQLiteKeyStore) CreateGuardrail(ctx context.Context, guardrail *Guardrail) error {
	if guardrail == nil || guardrail.ID == "" || guardrail.CustomerID == "" {
		return fmt.Errorf("create guardrail: id and customer id are required")
	}
	now := time.Now().UTC()
	guardrail.CreatedAt = now
	guardrail.UpdatedAt = now

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return retryBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
INSERT INTO guardrails (id, customer_id, name, limit_usd, reset_interval, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
			guardrail.ID, guardrail.CustomerID, guardrail.Name,
			nullableFloat(guardrail.LimitUSD), nullableString(guardrail.ResetInterval), now, now)
		if err != nil {
			return fmt.Errorf("insert guardrail: %w", err)
		}
		return nil
	})
}

func (s *SQLiteKeyStore) ListGuardrails(ctx context.Context, customerID string) ([]*Guardrail, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, customer_id, name, limit_usd, COALESCE(reset_interval, ''),
       CAST(created_at AS TEXT), CAST(updated_at AS TEXT)
FROM guardrails
WHERE customer_id = ?
ORDER BY created_at ASC, id ASC`, customerID)
	if err != nil {
		return nil, fmt.Errorf("list guardrails: %w", err)
	}
	defer rows.Close()

	guardrails := make([]*Guardrail, 0)
	for rows.Next() {
		guardrail, scanErr := scanGuardrailRow(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan guardrail row: %w", scanErr)
		}
		guardrails = append(guardrails, guardrail)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate guardrail rows: %w", err)
	}
	return guardrails, nil
}

func (s *SQLiteKeyStore) DeleteGuardrail(ctx context.Context, customerID, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return retryBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin delete guardrail: %w", err)
		}
		defer tx.Rollback()

		result, err := tx.ExecContext(ctx, `
DELETE FROM guardrails WHERE customer_id = ? AND id = ?`, customerID, id)
		if err != nil {
			return fmt.Errorf("delete guardrail: %w", err)
		}
		if err := requireRow(result, ErrGuardrailNotFound); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
DELETE FROM key_guardrails WHERE customer_id = ? AND guardrail_id = ?`, customerID, id); err != nil {
			return fmt.Errorf("delete guardrail assignments: %w", err)
		}
		return tx.Commit()
	})
}

func (s *SQLiteKeyStore) AssignGuardrail(ctx context.Context, customerID, keyHash, guardrailID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return retryBusy(ctx, func() error {
		var exists int
		err := s.db.QueryRowContext(ctx, `
SELECT 1 FROM guardrails WHERE customer_id = ? AND id = ?`, customerID, guardrailID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrGuardrailNotFound
		}
		if err != nil {
			return fmt.Errorf("lookup guardrail: %w", err)
		}

		if _, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO key_guardrails (customer_id, key_hash, guardrail_id)
VALUES (?, ?, ?)`, customerID, keyHash, guardrailID); err != nil {
			return fmt.Errorf("assign guardrail: %w", err)
		}
		return nil
	})
}

func (s *SQLiteKeyStore) UnassignGuardrail(ctx context.Context, customerID, keyHash, guardrailID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return retryBusy(ctx, func() error {
		if _, err := s.db.ExecContext(ctx, `
DELETE FROM key_guardrails
WHERE customer_id = ? AND key_hash = ? AND guardrail_id = ?`, customerID, keyHash, guardrailID); err != nil {
			return fmt.Errorf("unassign guardrail: %w", err)
		}
		return nil
	})
}

func (s *SQLiteKeyStore) GuardrailsForKey(ctx context.Context, customerID, keyHash string) ([]*Guardrail, error) {
	return guardrailsForKeyQuery(ctx, s.db, customerID, keyHash)
}

// ReserveSpend is the atomic check-and-increment. The whole decision runs
// under writeMu and one transaction, so two concurrent reservations against
// the same key serialize and the limit can be overshot by at most one
// in-flight request's cost.
func (s *SQLiteKeyStore) ReserveSpend(ctx context.Context, customerID, keyHash string, estimatedCost float64, model string, now time.Time) (*Decision, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var decision *Decision
	err := retryBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin reserve: %w", err)
		}
		defer tx.Rollback()

		row := tx.QueryRowContext(ctx, `
SELECT `+keySelectColumns+`
FROM api_keys
WHERE customer_id = ? AND key_hash = ?
LIMIT 1`, customerID, keyHash)

		key, scanErr := scanKeyRow(row)
		if errors.Is(scanErr, sql.ErrNoRows) {
			decision = &Decision{Reason: ReasonKeyNotFound}
			return nil
		}
		if scanErr != nil {
			return fmt.Errorf("load key: %w", scanErr)
		}

		guardrails, err := guardrailsForKeyQuery(ctx, tx, customerID, keyHash)
		if err != nil {
			return err
		}

		wasReset := resetIfDue(key, now)
		decision = evaluate(key, guardrails, estimatedCost, model)

		if decision.Allowed {
			_, err = tx.ExecContext(ctx, `
UPDATE api_keys SET spent_usd = ?, spend_reset_at = ?, updated_at = ?
WHERE customer_id = ? AND key_hash = ?`,
				decision.SpentUSD, nullableTime(key.SpendResetAt), now.UTC(), customerID, keyHash)
		} else if wasReset {
			// Persist the period rollover even when the request is denied.
			_, err = tx.ExecContext(ctx, `
UPDATE api_keys SET spent_usd = ?, spend_reset_at = ?, updated_at = ?
WHERE customer_id = ? AND key_hash = ?`,
				key.SpentUSD, nullableTime(key.SpendResetAt), now.UTC(), customerID, keyHash)
		}
		if err != nil {
			return fmt.Errorf("apply reservation: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return decision, nil
}

// SettleSpend reconciles an estimate against the actual cost once known. The
// counter never goes negative.
func (s *SQLiteKeyStore) SettleSpend(ctx context.Context, customerID, keyHash string, estimatedCost, actualCost float64) error {
	delta := actualCost - estimatedCost
	if delta == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return retryBusy(ctx, func() error {
		result, err := s.db.ExecContext(ctx, `
UPDATE api_keys SET spent_usd = MAX(0, spent_usd + ?), updated_at = ?
WHERE customer_id = ? AND key_hash = ?`,
			delta, time.Now().UTC(), customerID, keyHash)
		if err != nil {
			return fmt.Errorf("settle spend: %w", err)
		}
		return requireRow(result, ErrKeyNotFound)
	})
}

func (s *SQLiteKeyStore) Close() error {
	// The handle is shared with the span store, which owns its lifecycle.
	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func guardrailsForKeyQuery(ctx context.Context, q queryer, customerID, keyHash string) ([]*Guardrail, error) {
	rows, err := q.QueryContext(ctx, `
SELECT g.id, g.customer_id, g.name, g.limit_usd, COALESCE(g.reset_interval, ''),
       CAST(g.created_at AS TEXT), CAST(g.updated_at AS TEXT)
FROM guardrails g
JOIN key_guardrails kg ON kg.guardrail_id = g.id AND kg.customer_id = g.customer_id
WHERE kg.customer_id = ? AND kg.key_hash = ?
ORDER BY g.id ASC`, customerID, keyHash)
	if err != nil {
		return nil, fmt.Errorf("guardrails for key: %w", err)
	}
	defer rows.Close()

	guardrails := make([]*Guardrail, 0)
	for rows.Next() {
		guardrail, scanErr := scanGuardrailRow(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan guardrail row: %w", scanErr)
		}
		guardrails = append(guardrails, guardrail)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate guardrail rows: %w", err)
	}
	return guardrails, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKeyRow(scanner rowScanner) (*Key, error) {
	var (
		key           Key
		budget        sql.NullFloat64
		spendResetAt  sql.NullString
		allowedModels sql.NullString
		rpmLimit      sql.NullInt64
		createdAt     string
		updatedAt     string
	)
	if err := scanner.Scan(
		&key.CustomerID, &key.KeyHash, &key.Name,
		&key.TeamID, &key.UserID,
		&key.Disabled, &budget, &key.BudgetReset,
		&key.SpentUSD, &spendResetAt,
		&allowedModels, &rpmLimit,
		&createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	if budget.Valid {
		value := budget.Float64
		key.BudgetUSD = &value
	}
	if spendResetAt.Valid && strings.TrimSpace(spendResetAt.String) != "" {
		parsed, err := parseTimestamp(spendResetAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse spend_reset_at: %w", err)
		}
		key.SpendResetAt = &parsed
	}
	if allowedModels.Valid && strings.TrimSpace(allowedModels.String) != "" {
		if err := json.Unmarshal([]byte(allowedModels.String), &key.AllowedModels); err != nil {
			return nil, fmt.Errorf("decode allowed_models: %w", err)
		}
	}
	if rpmLimit.Valid {
		key.RPMLimit = int(rpmLimit.Int64)
	}

	var err error
	if key.CreatedAt, err = parseTimestamp(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if key.UpdatedAt, err = parseTimestamp(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &key, nil
}

func scanGuardrailRow(scanner rowScanner) (*Guardrail, error) {
	var (
		guardrail Guardrail
		limit     sql.NullFloat64
		createdAt string
		updatedAt string
	)
	if err := scanner.Scan(
		&guardrail.ID, &guardrail.CustomerID, &guardrail.Name,
		&limit, &guardrail.ResetInterval,
		&createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	if limit.Valid {
		value := limit.Float64
		guardrail.LimitUSD = &value
	}

	var err error
	if guardrail.CreatedAt, err = parseTimestamp(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if guardrail.UpdatedAt, err = parseTimestamp(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &guardrail, nil
}

func encodeAllowedModels(models []string) (any, error) {
	if models == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(models)
	if err != nil {
		return nil, fmt.Errorf("encode allowed_models: %w", err)
	}
	return string(encoded), nil
}

func requireRow(result sql.Result, missing error) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return missing
	}
	return nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableFloat(value *float64) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullableInt(value int) any {
	if value <= 0 {
		return nil
	}
	return value
}

func nullableTime(value *time.Time) any {
	if value == nil || value.IsZero() {
		return nil
	}
	return value.UTC()
}

func boolAsInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func parseTimestamp(raw string) (time.Time, error) {
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
	busyMaxRetries     = 12
	busyInitialBackoff = 5 * time.Millisecond
	busyMaxBackoff     = 250 * time.Millisecond
)

func retryBusy(ctx context.Context, fn func() error) error {
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
		if !isBusyError(err) || retries >= busyMaxRetries {
			return err
		}

		wait := busyInitialBackoff << retries
		if wait > busyMaxBackoff {
			wait = busyMaxBackoff
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

func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "sqlite_busy") || strings.Contains(value, "database is locked")
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "unique constraint") || strings.Contains(value, "constraint failed")
}
