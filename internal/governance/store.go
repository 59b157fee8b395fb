package governance

import (
	"context"
	"errors"
	"time"
)

var (
	ErrKeyNotFound       = errors.New("key not found")
	ErrGuardrailNotFound = errors.New("guardrail not found")
	ErrKeyExists         = errors.New("key already exists")
)

// Budget reset cadences. An empty cadence means the spend counter never
// resets on its own.
const (
	ResetDaily   = "daily"
	ResetWeekly  = "weekly"
	ResetMonthly = "monthly"
)

// Key is one governed API key. The raw secret is never stored; KeyHash is
// its lowercase hex SHA-256. Scope is at most one of TeamID or UserID within
// the customer. Nil BudgetUSD means unlimited; nil AllowedModels means every
// model is allowed; RPMLimit zero means unthrottled.
type Key struct {
	CustomerID    string     `json:"customer_id"`
	KeyHash       string     `json:"key_hash"`
	Name          string     `json:"name"`
	TeamID        string     `json:"team_id,omitempty"`
	UserID        string     `json:"user_id,omitempty"`
	Disabled      bool       `json:"disabled"`
	BudgetUSD     *float64   `json:"budget_usd,omitempty"`
	BudgetReset   string     `json:"budget_reset,omitempty"`
	SpentUSD      float64    `json:"spent_usd"`
	SpendResetAt  *time.Time `json:"spend_reset_at,omitempty"`
	AllowedModels []string   `json:"allowed_models,omitempty"`
	RPMLimit      int        `json:"rpm_limit,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Guardrail is a reusable spend ceiling assignable to many keys. A key's
// effective limit is the minimum of its own budget and every assigned
// guardrail limit; nil LimitUSD contributes nothing to that minimum.
type Guardrail struct {
	ID            string    `json:"id"`
	CustomerID    string    `json:"customer_id"`
	Name          string    `json:"name"`
	LimitUSD      *float64  `json:"limit_usd,omitempty"`
	ResetInterval string    `json:"reset_interval,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// KeyStore persists keys, guardrails, and their assignments, and owns the
// atomic spend reservation. ReserveSpend is the only mutation path for
// SpentUSD besides SettleSpend; both serialize per key row so concurrent
// reservations cannot jointly overshoot the limit by more than one in-flight
// request's cost.
type KeyStore interface {
	CreateKey(ctx context.Context, key *Key) error
	GetKey(ctx context.Context, customerID, keyHash string) (*Key, error)
	ListKeys(ctx context.Context, customerID string) ([]*Key, error)
	SetKeyDisabled(ctx context.Context, customerID, keyHash string, disabled bool) error
	DeleteKey(ctx context.Context, customerID, keyHash string) error

	CreateGuardrail(ctx context.Context, guardrail *Guardrail) error
	ListGuardrails(ctx context.Context, customerID string) ([]*Guardrail, error)
	DeleteGuardrail(ctx context.Context, customerID, id string) error
	AssignGuardrail(ctx context.Context, customerID, keyHash, guardrailID string) error
	UnassignGuardrail(ctx context.Context, customerID, keyHash, guardrailID string) error
	GuardrailsForKey(ctx context.Context, customerID, keyHash string) ([]*Guardrail, error)

	ReserveSpend(ctx context.Context, customerID, keyHash string, estimatedCost float64, model string, now time.Time) (*Decision, error)
	SettleSpend(ctx context.Context, customerID, keyHash string, estimatedCost, actualCost float64) error

	Close() error
}
