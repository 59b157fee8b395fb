package governance

import (
	"strings"
	"time"
)

// Denial reasons. These are stable strings suitable for direct display; a
// deny is a normal decision outcome, never an error.
const (
	ReasonDisabled        = "disabled"
	ReasonModelNotAllowed = "model_not_allowed"
	ReasonBudgetExceeded  = "budget_exceeded"
	ReasonRateLimited     = "rate_limited"
	ReasonKeyNotFound     = "key_not_found"
)

// Decision is the outcome of one governance check.
type Decision struct {
	Allowed           bool     `json:"allowed"`
	Reason            string   `json:"reason,omitempty"`
	SpentUSD          float64  `json:"spent_usd"`
	EffectiveLimitUSD *float64 `json:"effective_limit_usd,omitempty"`
	RetryAfterSeconds int      `json:"retry_after_seconds,omitempty"`
}

func deny(reason string, key *Key) *Decision {
	decision := &Decision{Reason: reason}
	if key != nil {
		decision.SpentUSD = key.SpentUSD
		decision.EffectiveLimitUSD = effectiveLimit(key, nil)
	}
	return decision
}

// evaluate applies the deny ladder against a key whose spend counter has
// already been reset if its period elapsed. It never mutates the key; the
// caller commits the spend increment only on Allow.
func evaluate(key *Key, guardrails []*Guardrail, estimatedCost float64, model string) *Decision {
	if key.Disabled {
		return deny(ReasonDisabled, key)
	}
	if !modelAllowed(key, model) {
		return deny(ReasonModelNotAllowed, key)
	}

	limit := effectiveLimit(key, guardrails)
	if limit != nil && key.SpentUSD+estimatedCost > *limit {
		return &Decision{
			Reason:            ReasonBudgetExceeded,
			SpentUSD:          key.SpentUSD,
			EffectiveLimitUSD: limit,
		}
	}

	return &Decision{
		Allowed:           true,
		SpentUSD:          key.SpentUSD + estimatedCost,
		EffectiveLimitUSD: limit,
	}
}

// effectiveLimit is the minimum of the key's own budget and every assigned
// guardrail limit. Nil entries mean unlimited and drop out of the minimum; a
// fully nil set returns nil.
func effectiveLimit(key *Key, guardrails []*Guardrail) *float64 {
	var limit *float64
	consider := func(candidate *float64) {
		if candidate == nil {
			return
		}
		if limit == nil || *candidate < *limit {
			value := *candidate
			limit = &value
		}
	}

	consider(key.BudgetUSD)
	for _, guardrail := range guardrails {
		consider(guardrail.LimitUSD)
	}
	return limit
}

func modelAllowed(key *Key, model string) bool {
	if key.AllowedModels == nil {
		return true
	}
	model = strings.TrimSpace(strings.ToLower(model))
	for _, allowed := range key.AllowedModels {
		if strings.TrimSpace(strings.ToLower(allowed)) == model {
			return true
		}
	}
	return false
}

// resetIfDue zeroes the spend counter when the reset boundary has passed and
// schedules the next one. Returns true when the key changed and needs to be
// written back.
func resetIfDue(key *Key, now time.Time) bool {
	if key.BudgetReset == "" {
		return false
	}
	if key.SpendResetAt == nil {
		next := NextReset(key.BudgetReset, now)
		key.SpendResetAt = &next
		return true
	}
	if now.Before(*key.SpendResetAt) {
		return false
	}
	key.SpentUSD = 0
	next := NextReset(key.BudgetReset, now)
	key.SpendResetAt = &next
	return true
}

// NextReset returns the boundary after now for a cadence. Boundaries are
// anchored in UTC: daily resets at midnight, weekly on Monday at midnight,
// monthly on the first of the next month.
func NextReset(cadence string, now time.Time) time.Time {
	now = now.UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	switch cadence {
	case ResetWeekly:
		// time.Weekday numbers Sunday as 0; Monday is day 1 of the cycle.
		daysUntilMonday := (8 - int(now.Weekday())) % 7
		if daysUntilMonday == 0 {
			daysUntilMonday = 7
		}
		return midnight.AddDate(0, 0, daysUntilMonday)
	case ResetMonthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	default:
		return midnight.AddDate(0, 0, 1)
	}
}
