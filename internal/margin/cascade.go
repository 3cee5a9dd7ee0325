package margin

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/papertrade/paper-engine/internal/metrics"
	"github.com/papertrade/paper-engine/internal/model"
	"github.com/papertrade/paper-engine/internal/store"
)

// ReasonUtilization prefixes the reason of margin calls opened by the
// cascade.
const ReasonUtilization = "utilization breach"

// Closer force-closes a position in full. The lifecycle manager implements
// it; the engine only decides what to close.
type Closer interface {
	Liquidate(ctx context.Context, tx store.Tx, p *model.OptionPosition) error
}

// CascadeResult reports one ProcessMarginCalls run.
type CascadeResult struct {
	Triggered          bool            `json:"triggered"`
	Success            bool            `json:"success"`
	Message            string          `json:"message"`
	Liquidated         int             `json:"liquidated"`
	LiquidatedIDs      []string        `json:"liquidated_ids,omitempty"`
	InitialUtilization decimal.Decimal `json:"initial_utilization"`
	FinalUtilization   decimal.Decimal `json:"final_utilization"`
	Restricted         bool            `json:"restricted"`
	MarginCallID       string          `json:"margin_call_id,omitempty"`
}

// ProcessMarginCalls runs the liquidation cascade when utilization is at or
// above the trigger. Open unsecured shorts are closed through closer, largest
// marginRequired first, re-evaluating after each, until utilization is under
// the target or nothing is left.
//
// A pending margin call is recorded when the cascade starts. It resolves as
// liquidated once the target is reached; otherwise it stays pending and the
// account is restricted from opening new unsecured shorts.
func (e *Engine) ProcessMarginCalls(ctx context.Context, tx store.Tx, accountID string, closer Closer) (*CascadeResult, error) {
	ev, err := e.evaluate(ctx, tx, accountID)
	if err != nil {
		return nil, err
	}
	initial := ev.status.UtilizationPercentage
	res := &CascadeResult{InitialUtilization: initial, FinalUtilization: initial}

	if initial.LessThan(TriggerUtilization) {
		restricted := ev.status.Restricted && !initial.LessThan(TargetUtilization)
		if err := e.persist(ctx, tx, ev, restricted); err != nil {
			return nil, err
		}
		res.Success = true
		res.Restricted = restricted
		res.Message = fmt.Sprintf("utilization %s%% is below %s%%, no action needed",
			initial.StringFixed(2), TriggerUtilization)
		return res, nil
	}
	res.Triggered = true

	candidates := make([]model.OptionPosition, 0, len(ev.positions))
	for _, p := range ev.positions {
		if p.IsNakedShort() {
			// Rank by the requirement at current marks, not the stored one.
			if req, ok := ev.requirements[p.ID]; ok {
				p.MarginRequired = req
			}
			candidates = append(candidates, p)
		}
	}
	// Stable on top of the store's open-time order.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].MarginRequired.GreaterThan(candidates[j].MarginRequired)
	})

	now := e.marker.Now().UTC()
	call, err := e.openCall(ctx, tx, ev, now)
	if err != nil {
		return nil, err
	}
	res.MarginCallID = call.ID

	if len(candidates) == 0 {
		slog.Error("margin breach with no unsecured shorts to liquidate",
			"account_id", accountID, "utilization", initial.String(),
			"err", ErrInconsistentState)
		if err := e.persist(ctx, tx, ev, true); err != nil {
			return nil, err
		}
		res.Restricted = true
		res.Message = fmt.Sprintf("%v: utilization %s%% with no unsecured short positions",
			ErrInconsistentState, initial.StringFixed(2))
		return res, nil
	}

	for i := range candidates {
		c := &candidates[i]
		if err := closer.Liquidate(ctx, tx, c); err != nil {
			return nil, fmt.Errorf("liquidate %s: %w", c.ID, err)
		}
		res.Liquidated++
		res.LiquidatedIDs = append(res.LiquidatedIDs, c.ID)
		metrics.LiquidationsTotal.Inc()
		slog.Warn("position liquidated",
			"account_id", accountID, "position_id", c.ID,
			"margin_required", c.MarginRequired.String())

		if ev, err = e.evaluate(ctx, tx, accountID); err != nil {
			return nil, err
		}
		res.FinalUtilization = ev.status.UtilizationPercentage
		if res.FinalUtilization.LessThan(TargetUtilization) {
			break
		}
	}

	reached := res.FinalUtilization.LessThan(TargetUtilization)
	if reached {
		if err := tx.ResolveMarginCall(ctx, accountID, call.ID, model.MarginCallLiquidated, now); err != nil {
			return nil, err
		}
	}
	if err := e.persist(ctx, tx, ev, !reached); err != nil {
		return nil, err
	}

	res.Success = reached
	res.Restricted = !reached
	if reached {
		res.Message = fmt.Sprintf("liquidated %d position(s), utilization %s%% → %s%%",
			res.Liquidated, initial.StringFixed(2), res.FinalUtilization.StringFixed(2))
	} else {
		res.Message = fmt.Sprintf("liquidated %d position(s) but utilization is still %s%%; account restricted",
			res.Liquidated, res.FinalUtilization.StringFixed(2))
		slog.Error("liquidation cascade exhausted candidates above target",
			"account_id", accountID, "utilization", res.FinalUtilization.String())
	}
	return res, nil
}

// openCall returns the account's pending utilization call, creating one if
// none is open, so repeated sweeps over a stuck account do not pile up
// records.
func (e *Engine) openCall(ctx context.Context, tx store.Tx, ev *evaluation, now time.Time) (*model.MarginCall, error) {
	pending, err := tx.ListMarginCalls(ctx, ev.account.ID, model.MarginCallPending)
	if err != nil {
		return nil, err
	}
	for i := range pending {
		if strings.HasPrefix(pending[i].Reason, ReasonUtilization) {
			return &pending[i], nil
		}
	}

	// Amount is the margin in use above the target level.
	excess := ev.status.MarginUsed.Sub(ev.status.MarginCapacity.Mul(TargetUtilization).Div(hundred))
	reason := fmt.Sprintf("%s: %s%% at or above %s%%", ReasonUtilization,
		ev.status.UtilizationPercentage.StringFixed(2), TriggerUtilization)
	call := &model.MarginCall{
		ID:        uuid.New().String(),
		AccountID: ev.account.ID,
		Amount:    decimal.Max(excess, decimal.Zero).Round(2),
		Reason:    reason,
		Status:    model.MarginCallPending,
		CreatedAt: now,
	}
	if err := tx.CreateMarginCall(ctx, call); err != nil {
		return nil, err
	}
	metrics.MarginCallsTotal.WithLabelValues("utilization").Inc()
	return call, nil
}
