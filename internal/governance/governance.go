// Package governance enforces per-key spend budgets, guardrail policies,
// model allow-lists, and request rates. A key moves between Active and
// Blocked as its spend crosses the effective limit and its reset cadence
// elapses; disabling is a separate manual axis.
//
// Spend mutation is a strict reserve-then-settle cycle: CheckAndReserve
// atomically charges the estimated cost before the billable call, Settle
// reconciles the difference once the actual cost is known.
package governance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
)

const rateStateSweepInterval = 2 * time.Minute

// Governor is the decision front for key governance. Budget checks are
// delegated to the KeyStore's transactional reservation; request rates are
// tracked in a per-process sliding window.
type Governor struct {
	keys   KeyStore
	logger *slog.Logger
	nowFn  func() time.Time

	mu          sync.Mutex
	keyRequests map[string][]time.Time
	lastSweep   time.Time
}

func NewGovernor(keys KeyStore, logger *slog.Logger) *Governor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Governor{
		keys:        keys,
		logger:      logger,
		nowFn:       func() time.Time { return time.Now().UTC() },
		keyRequests: map[string][]time.Time{},
	}
}

// CheckAndReserve runs the deny ladder for one prospective billable call:
// key existence, request rate, then the store's atomic budget reservation.
// A deny is a decision, not an error; errors mean the store failed.
func (g *Governor) CheckAndReserve(ctx context.Context, customerID, keyHash string, estimatedCost float64, model string) (*Decision, error) {
	if customerID == "" || keyHash == "" {
		return nil, fmt.Errorf("check and reserve: customer id and key hash are required")
	}
	now := g.nowFn()

	key, err := g.keys.GetKey(ctx, customerID, keyHash)
	if errors.Is(err, ErrKeyNotFound) {
		return &Decision{Reason: ReasonKeyNotFound}, nil
	}
	if err != nil {
		return nil, err
	}

	if key.RPMLimit > 0 {
		if retryAfter := g.takeRateSlot(customerID, keyHash, key.RPMLimit, now); retryAfter > 0 {
			return &Decision{
				Reason:            ReasonRateLimited,
				SpentUSD:          key.SpentUSD,
				RetryAfterSeconds: retryAfter,
			}, nil
		}
	}

	decision, err := g.keys.ReserveSpend(ctx, customerID, keyHash, estimatedCost, model, now)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		g.logger.Debug("governance deny",
			"customer_id", customerID,
			"reason", decision.Reason,
			"model", model)
	}
	return decision, nil
}

// Settle reconciles a prior reservation against the actual cost.
func (g *Governor) Settle(ctx context.Context, customerID, keyHash string, estimatedCost, actualCost float64) error {
	return g.keys.SettleSpend(ctx, customerID, keyHash, estimatedCost, actualCost)
}

func (g *Governor) CreateKey(ctx context.Context, key *Key) error {
	return g.keys.CreateKey(ctx, key)
}

func (g *Governor) GetKey(ctx context.Context, customerID, keyHash string) (*Key, error) {
	return g.keys.GetKey(ctx, customerID, keyHash)
}

func (g *Governor) ListKeys(ctx context.Context, customerID string) ([]*Key, error) {
	return g.keys.ListKeys(ctx, customerID)
}

func (g *Governor) SetKeyDisabled(ctx context.Context, customerID, keyHash string, disabled bool) error {
	return g.keys.SetKeyDisabled(ctx, customerID, keyHash, disabled)
}

func (g *Governor) DeleteKey(ctx context.Context, customerID, keyHash string) error {
	return g.keys.DeleteKey(ctx, customerID, keyHash)
}

// CreateGuardrail assigns a fresh id when the caller did not provide one.
func (g *Governor) CreateGuardrail(ctx context.Context, guardrail *Guardrail) error {
	if guardrail != nil && guardrail.ID == "" {
		guardrail.ID = uuid.NewString()
	}
	return g.keys.CreateGuardrail(ctx, guardrail)
}

func (g *Governor) ListGuardrails(ctx context.Context, customerID string) ([]*Guardrail, error) {
	return g.keys.ListGuardrails(ctx, customerID)
}

func (g *Governor) DeleteGuardrail(ctx context.Context, customerID, id string) error {
	return g.keys.DeleteGuardrail(ctx, customerID, id)
}

func (g *Governor) AssignGuardrail(ctx context.Context, customerID, keyHash, guardrailID string) error {
	return g.keys.AssignGuardrail(ctx, customerID, keyHash, guardrailID)
}

func (g *Governor) UnassignGuardrail(ctx context.Context, customerID, keyHash, guardrailID string) error {
	return g.keys.UnassignGuardrail(ctx, customerID, keyHash, guardrailID)
}

func (g *Governor) GuardrailsForKey(ctx context.Context, customerID, keyHash string) ([]*Guardrail, error) {
	return g.keys.GuardrailsForKey(ctx, customerID, keyHash)
}

// takeRateSlot applies a one-minute sliding window per key. Returns 0 when
// the request fits, otherwise the seconds to wait before a slot frees up.
func (g *Governor) takeRateSlot(customerID, keyHash string, limit int, now time.Time) int {
	slot := customerID + "|" + keyHash

	g.mu.Lock()
	defer g.mu.Unlock()
	g.maybeSweepRateState(now)

	events := pruneOldRequests(g.keyRequests[slot], now)
	if len(events) >= limit {
		g.keyRequests[slot] = events
		return retryAfterSeconds(events, now)
	}
	g.keyRequests[slot] = append(events, now)
	return 0
}

func (g *Governor) maybeSweepRateState(now time.Time) {
	if !g.lastSweep.IsZero() && now.Sub(g.lastSweep) < rateStateSweepInterval {
		return
	}
	for slot, events := range g.keyRequests {
		pruned := pruneOldRequests(events, now)
		if len(pruned) == 0 {
			delete(g.keyRequests, slot)
			continue
		}
		g.keyRequests[slot] = pruned
	}
	g.lastSweep = now
}

func pruneOldRequests(events []time.Time, now time.Time) []time.Time {
	if len(events) == 0 {
		return nil
	}
	cutoff := now.Add(-1 * time.Minute)
	keepIdx := 0
	for keepIdx < len(events) && events[keepIdx].Before(cutoff) {
		keepIdx++
	}
	if keepIdx >= len(events) {
		return nil
	}
	out := make([]time.Time, len(events)-keepIdx)
	copy(out, events[keepIdx:])
	return out
}

func retryAfterSeconds(events []time.Time, now time.Time) int {
	if len(events) == 0 {
		return 1
	}
	wait := events[0].Add(time.Minute).Sub(now).Seconds()
	if wait <= 1 {
		return 1
	}
	return int(math.Ceil(wait))
}
