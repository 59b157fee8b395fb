package governance

import (
	"testing"
	"time"
)

func usd(value float64) *float64 { return &value }

func TestEvaluateDenyLadder(t *testing.T) {
	t.Parallel()

	t.Run("disabled wins over everything", func(t *testing.T) {
		t.Parallel()
		key := &Key{Disabled: true, BudgetUSD: usd(100)}
		decision := evaluate(key, nil, 1, "gpt-4o")
		if decision.Allowed || decision.Reason != ReasonDisabled {
			t.Fatalf("decision = %+v", decision)
		}
	})

	t.Run("model allow-list", func(t *testing.T) {
		t.Parallel()
		key := &Key{AllowedModels: []string{"gpt-4o", "gpt-4o-mini"}}

		if decision := evaluate(key, nil, 1, "claude-sonnet-4"); decision.Allowed || decision.Reason != ReasonModelNotAllowed {
			t.Fatalf("decision = %+v", decision)
		}
		if decision := evaluate(key, nil, 1, "GPT-4O"); !decision.Allowed {
			t.Fatalf("model matching should be case-insensitive: %+v", decision)
		}
	})

	t.Run("empty allow-list denies all models", func(t *testing.T) {
		t.Parallel()
		key := &Key{AllowedModels: []string{}}
		if decision := evaluate(key, nil, 1, "gpt-4o"); decision.Allowed {
			t.Fatalf("decision = %+v", decision)
		}
	})

	t.Run("nil budget is unlimited", func(t *testing.T) {
		t.Parallel()
		key := &Key{SpentUSD: 1e9}
		decision := evaluate(key, nil, 1e6, "gpt-4o")
		if !decision.Allowed {
			t.Fatalf("decision = %+v", decision)
		}
		if decision.EffectiveLimitUSD != nil {
			t.Fatalf("unlimited key should report no limit: %+v", decision)
		}
	})

	t.Run("budget exceeded", func(t *testing.T) {
		t.Parallel()
		key := &Key{BudgetUSD: usd(10), SpentUSD: 9.5}
		decision := evaluate(key, nil, 1, "gpt-4o")
		if decision.Allowed || decision.Reason != ReasonBudgetExceeded {
			t.Fatalf("decision = %+v", decision)
		}
		// Spending exactly up to the limit is allowed.
		if decision := evaluate(key, nil, 0.5, "gpt-4o"); !decision.Allowed || decision.SpentUSD != 10 {
			t.Fatalf("decision = %+v", decision)
		}
	})
}

func TestEffectiveLimitIsMostRestrictive(t *testing.T) {
	t.Parallel()

	key := &Key{BudgetUSD: usd(50)}
	guardrails := []*Guardrail{
		{ID: "g1", LimitUSD: usd(20)},
		{ID: "g2", LimitUSD: nil},
		{ID: "g3", LimitUSD: usd(35)},
	}

	limit := effectiveLimit(key, guardrails)
	if limit == nil || *limit != 20 {
		t.Fatalf("effective limit = %v, want 20", limit)
	}

	key.SpentUSD = 19.5
	if decision := evaluate(key, guardrails, 1, "gpt-4o"); decision.Allowed {
		t.Fatalf("guardrail should gate before key budget: %+v", decision)
	}

	if limit := effectiveLimit(&Key{}, []*Guardrail{{LimitUSD: nil}}); limit != nil {
		t.Fatalf("all-nil limits should be unlimited, got %v", limit)
	}
}

func TestNextResetBoundaries(t *testing.T) {
	t.Parallel()

	// Thursday 2026-03-05 15:30 UTC.
	now := time.Date(2026, 3, 5, 15, 30, 0, 0, time.UTC)

	cases := []struct {
		cadence string
		want    time.Time
	}{
		{ResetDaily, time.Date(2026, 3, 6, 0, 0, 0, 0, time.UTC)},
		{ResetWeekly, time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)},
		{ResetMonthly, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		if got := NextReset(tc.cadence, now); !got.Equal(tc.want) {
			t.Fatalf("NextReset(%s) = %v, want %v", tc.cadence, got, tc.want)
		}
	}

	// From a Monday the weekly boundary is the following Monday, not today.
	monday := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	if got := NextReset(ResetWeekly, monday); !got.Equal(time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("NextReset(weekly) from Monday = %v", got)
	}

	// Month rollover across a year boundary.
	december := time.Date(2026, 12, 20, 0, 0, 0, 0, time.UTC)
	if got := NextReset(ResetMonthly, december); !got.Equal(time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("NextReset(monthly) in December = %v", got)
	}
}

func TestResetIfDue(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 5, 15, 30, 0, 0, time.UTC)

	t.Run("no cadence never resets", func(t *testing.T) {
		t.Parallel()
		key := &Key{SpentUSD: 42}
		if resetIfDue(key, now) {
			t.Fatal("key without cadence should not change")
		}
		if key.SpentUSD != 42 {
			t.Fatalf("spend changed: %v", key.SpentUSD)
		}
	})

	t.Run("elapsed boundary zeroes spend", func(t *testing.T) {
		t.Parallel()
		past := now.Add(-time.Hour)
		key := &Key{SpentUSD: 42, BudgetReset: ResetDaily, SpendResetAt: &past}
		if !resetIfDue(key, now) {
			t.Fatal("elapsed boundary should reset")
		}
		if key.SpentUSD != 0 {
			t.Fatalf("spend not zeroed: %v", key.SpentUSD)
		}
		if want := time.Date(2026, 3, 6, 0, 0, 0, 0, time.UTC); key.SpendResetAt == nil || !key.SpendResetAt.Equal(want) {
			t.Fatalf("next boundary = %v, want %v", key.SpendResetAt, want)
		}
	})

	t.Run("future boundary leaves spend alone", func(t *testing.T) {
		t.Parallel()
		future := now.Add(time.Hour)
		key := &Key{SpentUSD: 42, BudgetReset: ResetDaily, SpendResetAt: &future}
		if resetIfDue(key, now) {
			t.Fatal("future boundary should not reset")
		}
		if key.SpentUSD != 42 {
			t.Fatalf("spend changed: %v", key.SpentUSD)
		}
	})
}
