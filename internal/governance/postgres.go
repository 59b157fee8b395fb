package governance

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresKeyStore persists keys and guardrails on a shared postgres handle.
// Reservation atomicity comes from SELECT ... FOR UPDATE row locks instead of
// a process-wide mutex, so multiple instances can govern the same keys.
type PostgresKeyStore struct {
	db *sql.DB
}

// NewPostgresKeyStore wraps an already-migrated postgres handle, typically
// the one backing the span store.
func NewPostgresKeyStore(db *sql.DB) *PostgresKeyStore {
	return &PostgresKeyStore{db: db}
}

const pgKeySelectColumns = `
customer_id, key_hash, name,
COALESCE(team_id, ''), COALESCE(user_id, ''),
disabled, budget_usd, COALESCE(budget_reset, ''),
spent_usd, spend_reset_at,
allowed_models::text, rpm_limit,
created_at, updated_at`

func (s *PostgresKeyStore) CreateKey(ctx context.Context, key *Key) error {
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

	_, err = s.db.ExecContext(ctx, `
INSERT INTO api_keys (
    customer_id, key_hash, name, team_id, user_id, disabled,
    budget_usd, budget_reset, spent_usd, spend_reset_at,
    allowed_models, rpm_limit, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::jsonb, $12, $13, $14)`,
		key.CustomerID, key.KeyHash, key.Name,
		nullableString(key.TeamID), nullableString(key.UserID), key.Disabled,
		nullableFloat(key.BudgetUSD), nullableString(key.BudgetReset),
		key.SpentUSD, nullableTime(key.SpendResetAt),
		allowedModels, nullableInt(key.RPMLimit), now, now,
	)
	if err != nil {
		if isPGUniqueViolation(err) {
			return ErrKeyExists
		}
		return fmt.Errorf("insert key: %w", err)
	}
	return nil
}

func (s *PostgresKeyStore) GetKey(ctx context.Context, customerID, keyHash string) (*Key, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+pgKeySelectColumns+`
FROM api_keys
WHERE customer_id = $1 AND key_hash = $2
LIMIT 1`, customerID, keyHash)

	key, err := scanPGKeyRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get key: %w", err)
	}
	return key, nil
}

func (s *PostgresKeyStore) ListKeys(ctx context.Context, customerID string) ([]*Key, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+pgKeySelectColumns+`
FROM api_keys
WHERE customer_id = $1
ORDER BY created_at ASC, key_hash ASC`, customerID)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	keys := make([]*Key, 0)
	for rows.Next() {
		key, scanErr := scanPGKeyRow(rows)
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

func (s *PostgresKeyStore) SetKeyDisabled(ctx context.Context, customerID, keyHash string, disabled bool) error {
	result, err := s.db.ExecContext(ctx, `
UPDATE api_keys SET disabled = $1, updated_at = $2
WHERE customer_id = $3 AND key_hash = $4`,
		disabled, time.Now().UTC(), customerID, keyHash)
	if err != nil {
		return fmt.Errorf("update key disabled: %w", err)
	}
	return requireRow(result, ErrKeyNotFound)
}

func (s *PostgresKeyStore) DeleteKey(ctx context.Context, customerID, keyHash string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete key: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
DELETE FROM api_keys WHERE customer_id = $1 AND key_hash = $2`, customerID, keyHash)
	if err != nil {
		return fmt.Errorf("delete key: %w", err)
	}
	if err := requireRow(result, ErrKeyNotFound); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
DELETE FROM key_guardrails WHERE customer_id = $1 AND key_hash = $2`, customerID, keyHash); err != nil {
		return fmt.Errorf("delete key assignments: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresKeyStore) CreateGuardrail(ctx context.Context, guardrail *Guardrail) error {
	if guardrail == nil || guardrail.ID == "" || guardrail.CustomerID == "" {
		return fmt.Errorf("create guardrail: id and customer id are required")
	}
	now := time.Now().UTC()
	guardrail.CreatedAt = now
	guardrail.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
INSERT INTO guardrails (id, customer_id, name, limit_usd, reset_interval, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		guardrail.ID, guardrail.CustomerID, guardrail.Name,
		nullableFloat(guardrail.LimitUSD), nullableString(guardrail.ResetInterval), now, now)
	if err != nil {
		return fmt.Errorf("insert guardrail: %w", err)
	}
	return nil
}

func (s *PostgresKeyStore) ListGuardrails(ctx context.Context, customerID string) ([]*Guardrail, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, customer_id, name, limit_usd, COALESCE(reset_interval, ''), created_at, updated_at
FROM guardrails
WHERE customer_id = $1
ORDER BY created_at ASC, id ASC`, customerID)
	if err != nil {
		return nil, fmt.Errorf("list guardrails: %w", err)
	}
	defer rows.Close()

	guardrails := make([]*Guardrail, 0)
	for rows.Next() {
		guardrail, scanErr := scanPGGuardrailRow(rows)
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

func (s *PostgresKeyStore) DeleteGuardrail(ctx context.Context, customerID, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete guardrail: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
DELETE FROM guardrails WHERE customer_id = $1 AND id = $2`, customerID, id)
	if err != nil {
		return fmt.Errorf("delete guardrail: %w", err)
	}
	if err := requireRow(result, ErrGuardrailNotFound); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
DELETE FROM key_guardrails WHERE customer_id = $1 AND guardrail_id = $2`, customerID, id); err != nil {
		return fmt.Errorf("delete guardrail assignments: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresKeyStore) AssignGuardrail(ctx context.Context, customerID, keyHash, guardrailID string) error {
	var exists int
	err := s.db.QueryRowContext(ctx, `
SELECT 1 FROM guardrails WHERE customer_id = $1 AND id = $2`, customerID, guardrailID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrGuardrailNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup guardrail: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `
INSERT INTO key_guardrails (customer_id, key_hash, guardrail_id)
VALUES ($1, $2, $3)
ON CONFLICT (customer_id, key_hash, guardrail_id) DO NOTHING`, customerID, keyHash, guardrailID); err != nil {
		return fmt.Errorf("assign guardrail: %w", err)
	}
	return nil
}

func (s *PostgresKeyStore) UnassignGuardrail(ctx context.Context, customerID, keyHash, guardrailID string) error {
	if _, err := s.db.ExecContext(ctx, `
DELETE FROM key_guardrails
WHERE customer_id = $1 AND key_hash = $2 AND guardrail_id = $3`, customerID, keyHash, guardrailID); err != nil {
		return fmt.Errorf("unassign guardrail: %w", err)
	}
	return nil
}

func (s *PostgresKeyStore) GuardrailsForKey(ctx context.Context, customerID, keyHash string) ([]*Guardrail, error) {
	return s.guardrailsForKey(ctx, s.db, customerID, keyHash)
}

// ReserveSpend locks the key row for the duration of the decision, so the
// limit can be overshot by at most one in-flight request's cost even across
// multiple processes.
func (s *PostgresKeyStore) ReserveSpend(ctx context.Context, customerID, keyHash string, estimatedCost float64, model string, now time.Time) (*Decision, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin reserve: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
SELECT `+pgKeySelectColumns+`
FROM api_keys
WHERE customer_id = $1 AND key_hash = $2
FOR UPDATE`, customerID, keyHash)

	key, scanErr := scanPGKeyRow(row)
	if errors.Is(scanErr, sql.ErrNoRows) {
		return &Decision{Reason: ReasonKeyNotFound}, nil
	}
	if scanErr != nil {
		return nil, fmt.Errorf("load key: %w", scanErr)
	}

	guardrails, err := s.guardrailsForKey(ctx, tx, customerID, keyHash)
	if err != nil {
		return nil, err
	}

	wasReset := resetIfDue(key, now)
	decision := evaluate(key, guardrails, estimatedCost, model)

	if decision.Allowed {
		_, err = tx.ExecContext(ctx, `
UPDATE api_keys SET spent_usd = $1, spend_reset_at = $2, updated_at = $3
WHERE customer_id = $4 AND key_hash = $5`,
			decision.SpentUSD, nullableTime(key.SpendResetAt), now.UTC(), customerID, keyHash)
	} else if wasReset {
		_, err = tx.ExecContext(ctx, `
UPDATE api_keys SET spent_usd = $1, spend_reset_at = $2, updated_at = $3
WHERE customer_id = $4 AND key_hash = $5`,
			key.SpentUSD, nullableTime(key.SpendResetAt), now.UTC(), customerID, keyHash)
	}
	if err != nil {
		return nil, fmt.Errorf("apply reservation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit reservation: %w", err)
	}
	return decision, nil
}

func (s *PostgresKeyStore) SettleSpend(ctx context.Context, customerID, keyHash string, estimatedCost, actualCost float64) error {
	delta := actualCost - estimatedCost
	if delta == 0 {
		return nil
	}

	result, err := s.db.ExecContext(ctx, `
UPDATE api_keys SET spent_usd = GREATEST(0, spent_usd + $1), updated_at = $2
WHERE customer_id = $3 AND key_hash = $4`,
		delta, time.Now().UTC(), customerID, keyHash)
	if err != nil {
		return fmt.Errorf("settle spend: %w", err)
	}
	return requireRow(result, ErrKeyNotFound)
}

func (s *PostgresKeyStore) Close() error {
	// The handle is shared with the span store, which owns its lifecycle.
	return nil
}

func (s *PostgresKeyStore) guardrailsForKey(ctx context.Context, q queryer, customerID, keyHash string) ([]*Guardrail, error) {
	rows, err := q.QueryContext(ctx, `
SELECT g.id, g.customer_id, g.name, g.limit_usd, COALESCE(g.reset_interval, ''), g.created_at, g.updated_at
FROM guardrails g
JOIN key_guardrails kg ON kg.guardrail_id = g.id AND kg.customer_id = g.customer_id
WHERE kg.customer_id = $1 AND kg.key_hash = $2
ORDER BY g.id ASC`, customerID, keyHash)
	if err != nil {
		return nil, fmt.Errorf("guardrails for key: %w", err)
	}
	defer rows.Close()

	guardrails := make([]*Guardrail, 0)
	for rows.Next() {
		guardrail, scanErr := scanPGGuardrailRow(rows)
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

func scanPGKeyRow(scanner rowScanner) (*Key, error) {
	var (
		key           Key
		budget        sql.NullFloat64
		spendResetAt  sql.NullTime
		allowedModels sql.NullString
		rpmLimit      sql.NullInt64
	)
	if err := scanner.Scan(
		&key.CustomerID, &key.KeyHash, &key.Name,
		&key.TeamID, &key.UserID,
		&key.Disabled, &budget, &key.BudgetReset,
		&key.SpentUSD, &spendResetAt,
		&allowedModels, &rpmLimit,
		&key.CreatedAt, &key.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if budget.Valid {
		value := budget.Float64
		key.BudgetUSD = &value
	}
	if spendResetAt.Valid {
		value := spendResetAt.Time.UTC()
		key.SpendResetAt = &value
	}
	if allowedModels.Valid && strings.TrimSpace(allowedModels.String) != "" {
		if err := json.Unmarshal([]byte(allowedModels.String), &key.AllowedModels); err != nil {
			return nil, fmt.Errorf("decode allowed_models: %w", err)
		}
	}
	if rpmLimit.Valid {
		key.RPMLimit = int(rpmLimit.Int64)
	}
	key.CreatedAt = key.CreatedAt.UTC()
	key.UpdatedAt = key.UpdatedAt.UTC()
	return &key, nil
}

func scanPGGuardrailRow(scanner rowScanner) (*Guardrail, error) {
	var (
		guardrail Guardrail
		limit     sql.NullFloat64
	)
	if err := scanner.Scan(
		&guardrail.ID, &guardrail.CustomerID, &guardrail.Name,
		&limit, &guardrail.ResetInterval,
		&guardrail.CreatedAt, &guardrail.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if limit.Valid {
		value := limit.Float64
		guardrail.LimitUSD = &value
	}
	guardrail.CreatedAt = guardrail.CreatedAt.UTC()
	guardrail.UpdatedAt = guardrail.UpdatedAt.UTC()
	return &guardrail, nil
}

func isPGUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
