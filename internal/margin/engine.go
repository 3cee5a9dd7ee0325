package margin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/papertrade/paper-engine/internal/metrics"
	"github.com/papertrade/paper-engine/internal/model"
	"github.com/papertrade/paper-engine/internal/pricing"
	"github.com/papertrade/paper-engine/internal/store"
)

// ErrInsufficientCollateral is returned when a secured short is requested
// without enough uncommitted shares or cash behind it.
var ErrInsufficientCollateral = errors.New("margin: insufficient collateral")

// fanOut bounds concurrent oracle lookups per evaluation.
const fanOut = 8

// Engine evaluates margin for one account at a time. Every method works
// inside the caller's atomic unit so reads reflect the latest committed
// state plus the unit's own writes.
type Engine struct {
	marker Marker
}

// NewEngine creates a margin engine.
func NewEngine(marker Marker) *Engine {
	return &Engine{marker: marker}
}

// evaluation is a status snapshot plus what it was derived from.
type evaluation struct {
	account   *model.Account
	status    model.MarginStatus
	positions []model.OptionPosition // open
	// requirements holds the current naked requirement per unsecured short.
	requirements map[string]decimal.Decimal
}

func (e *Engine) evaluate(ctx context.Context, tx store.Tx, accountID string) (*evaluation, error) {
	acct, err := tx.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	holdings, err := tx.ListHoldings(ctx, accountID)
	if err != nil {
		return nil, err
	}
	positions, err := tx.ListOptionPositions(ctx, accountID, model.StatusOpen)
	if err != nil {
		return nil, err
	}

	holdingValues := make([]decimal.Decimal, len(holdings))
	marks := make([]*pricing.OptionQuote, len(positions))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fanOut)
	for i, h := range holdings {
		i, h := i, h
		g.Go(func() error {
			px, err := e.marker.Spot(gctx, h.Instrument)
			if err != nil {
				return fmt.Errorf("mark %s: %w", h.Instrument, err)
			}
			holdingValues[i] = px.Mul(h.Quantity)
			return nil
		})
	}
	for i, p := range positions {
		i, p := i, p
		if p.Side == model.Short && p.Secured {
			continue
		}
		g.Go(func() error {
			q, err := e.marker.Mark(gctx, p.Underlying, p.Kind, p.Strike, p.Expiration)
			if err != nil {
				return fmt.Errorf("mark option %s: %w", p.ID, err)
			}
			marks[i] = q
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	holdingsValue := decimal.Zero
	for _, v := range holdingValues {
		holdingsValue = holdingsValue.Add(v)
	}

	longValue, used := decimal.Zero, decimal.Zero
	reqs := make(map[string]decimal.Decimal)
	for i, p := range positions {
		q := marks[i]
		if q == nil {
			continue
		}
		if p.Side == model.Long {
			longValue = longValue.Add(q.Price.Mul(p.Units()))
			continue
		}
		req := NakedRequirement(p.Kind, q.Price, q.Spot, p.Strike, p.Quantity)
		reqs[p.ID] = req
		used = used.Add(req)
	}

	return &evaluation{
		account:      acct,
		status:       Compute(accountID, acct.Cash, holdingsValue, longValue, used, acct.Restricted),
		positions:    positions,
		requirements: reqs,
	}, nil
}

// Status returns the account's current margin snapshot without writing.
func (e *Engine) Status(ctx context.Context, tx store.Tx, accountID string) (*model.MarginStatus, error) {
	ev, err := e.evaluate(ctx, tx, accountID)
	if err != nil {
		return nil, err
	}
	return &ev.status, nil
}

// Refresh recomputes the snapshot and persists it: the account's margin
// figures, each unsecured short's requirement at current marks, and the
// restriction flag, which clears once utilization is back under target.
func (e *Engine) Refresh(ctx context.Context, tx store.Tx, accountID string) (*model.MarginStatus, error) {
	ev, err := e.evaluate(ctx, tx, accountID)
	if err != nil {
		return nil, err
	}
	restricted := ev.status.Restricted && !ev.status.UtilizationPercentage.LessThan(TargetUtilization)
	if err := e.persist(ctx, tx, ev, restricted); err != nil {
		return nil, err
	}
	return &ev.status, nil
}

func (e *Engine) persist(ctx context.Context, tx store.Tx, ev *evaluation, restricted bool) error {
	for i := range ev.positions {
		p := &ev.positions[i]
		req, ok := ev.requirements[p.ID]
		if !ok || req.Equal(p.MarginRequired) {
			continue
		}
		p.MarginRequired = req
		if err := tx.UpdateOptionPosition(ctx, p); err != nil {
			return err
		}
	}
	if ev.status.Restricted && !restricted {
		slog.Info("account restriction lifted",
			"account_id", ev.account.ID, "utilization", ev.status.UtilizationPercentage.String())
	}
	if ev.status.UtilizationPercentage.LessThan(TargetUtilization) {
		if err := e.satisfyUtilizationCalls(ctx, tx, ev.account.ID); err != nil {
			return err
		}
	}
	ev.status.Restricted = restricted
	util, _ := ev.status.UtilizationPercentage.Float64()
	metrics.MarginUtilization.Observe(util)
	return tx.UpdateMargin(ctx, ev.account.ID, ev.status.AvailableMargin, ev.status.MarginUsed, restricted)
}

// satisfyUtilizationCalls resolves pending utilization calls once the
// account is back under target without a liquidation.
func (e *Engine) satisfyUtilizationCalls(ctx context.Context, tx store.Tx, accountID string) error {
	pending, err := tx.ListMarginCalls(ctx, accountID, model.MarginCallPending)
	if err != nil {
		return err
	}
	now := e.marker.Now().UTC()
	for _, mc := range pending {
		if !strings.HasPrefix(mc.Reason, ReasonUtilization) {
			continue
		}
		if err := tx.ResolveMarginCall(ctx, accountID, mc.ID, model.MarginCallSatisfied, now); err != nil {
			return err
		}
	}
	return nil
}

// Requirement values the naked requirement of opening quantity contracts at
// the given per-share premium.
func (e *Engine) Requirement(ctx context.Context, underlying string, kind model.OptionKind, strike, premium decimal.Decimal, quantity int64) (decimal.Decimal, error) {
	spot, err := e.marker.Spot(ctx, model.Equity(underlying))
	if err != nil {
		return decimal.Zero, err
	}
	return NakedRequirement(kind, premium, spot, strike, quantity), nil
}

// CheckAdmission verifies that a new unsecured short with the given
// requirement fits: marginUsed + requirement ≤ availableMargin, and the
// account is not restricted.
func (e *Engine) CheckAdmission(ctx context.Context, tx store.Tx, accountID string, requirement decimal.Decimal) (*model.MarginStatus, error) {
	ev, err := e.evaluate(ctx, tx, accountID)
	if err != nil {
		return nil, err
	}
	st := ev.status
	if st.Restricted {
		return &st, fmt.Errorf("%w: utilization %s%% is above %s%%",
			ErrRestricted, st.UtilizationPercentage.StringFixed(2), TargetUtilization)
	}
	need := st.MarginUsed.Add(requirement)
	if need.GreaterThan(st.AvailableMargin) {
		return &st, fmt.Errorf("%w: requires %s, available %s (short by %s)",
			ErrInsufficientMargin, need.StringFixed(2), st.AvailableMargin.StringFixed(2),
			need.Sub(st.AvailableMargin).StringFixed(2))
	}
	return &st, nil
}

// collateral tallies what existing secured shorts already commit.
type collateral struct {
	shares map[string]decimal.Decimal // underlying → units under covered calls
	cash   decimal.Decimal            // strike value under cash-secured puts
}

func committed(positions []model.OptionPosition) collateral {
	c := collateral{shares: make(map[string]decimal.Decimal)}
	for _, p := range positions {
		if p.Status != model.StatusOpen || p.Side != model.Short || !p.Secured {
			continue
		}
		if p.Kind == model.Call {
			c.shares[p.Underlying] = c.shares[p.Underlying].Add(p.Units())
		} else {
			c.cash = c.cash.Add(p.Strike.Mul(p.Units()))
		}
	}
	return c
}

func heldShares(ctx context.Context, tx store.Tx, accountID, underlying string) (decimal.Decimal, error) {
	h, err := tx.GetHolding(ctx, accountID, model.Equity(underlying))
	if errors.Is(err, store.ErrNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return h.Quantity, nil
}

// CheckCollateral verifies a secured short can be opened: a covered call
// needs quantity×100 shares not already covering another call; a
// cash-secured put needs strike×100×quantity cash not already reserved.
func (e *Engine) CheckCollateral(ctx context.Context, tx store.Tx, accountID, underlying string, kind model.OptionKind, strike decimal.Decimal, quantity int64) error {
	positions, err := tx.ListOptionPositions(ctx, accountID, model.StatusOpen)
	if err != nil {
		return err
	}
	c := committed(positions)
	units := decimal.NewFromInt(quantity).Mul(model.ContractSize)

	if kind == model.Call {
		held, err := heldShares(ctx, tx, accountID, underlying)
		if err != nil {
			return err
		}
		free := held.Sub(c.shares[underlying])
		if free.LessThan(units) {
			return fmt.Errorf("%w: covered call needs %s shares of %s, %s uncommitted",
				ErrInsufficientCollateral, units, underlying, decimal.Max(free, decimal.Zero))
		}
		return nil
	}

	acct, err := tx.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	need := strike.Mul(units)
	free := acct.Cash.Sub(c.cash)
	if free.LessThan(need) {
		return fmt.Errorf("%w: cash-secured put needs %s cash, %s unreserved",
			ErrInsufficientCollateral, need.StringFixed(2), decimal.Max(free, decimal.Zero).StringFixed(2))
	}
	return nil
}

// ReevaluateCollateral re-checks every secured short against the holdings
// and cash now in the account. Collateral is allocated in open order; a
// position that no longer fits loses its secured flag and takes on its naked
// requirement. Positions are never upgraded. Returns the positions now
// carrying the downgraded contracts.
func (e *Engine) ReevaluateCollateral(ctx context.Context, tx store.Tx, accountID string) ([]model.OptionPosition, error) {
	acct, err := tx.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	positions, err := tx.ListOptionPositions(ctx, accountID, model.StatusOpen)
	if err != nil {
		return nil, err
	}

	sharesLeft := make(map[string]decimal.Decimal)
	cashLeft := acct.Cash
	var downgraded []model.OptionPosition

	for _, p := range positions {
		if p.Side != model.Short || !p.Secured {
			continue
		}
		covered := false
		if p.Kind == model.Call {
			left, ok := sharesLeft[p.Underlying]
			if !ok {
				if left, err = heldShares(ctx, tx, accountID, p.Underlying); err != nil {
					return nil, err
				}
			}
			if !left.LessThan(p.Units()) {
				left = left.Sub(p.Units())
				covered = true
			}
			sharesLeft[p.Underlying] = left
		} else {
			need := p.Strike.Mul(p.Units())
			if !cashLeft.LessThan(need) {
				cashLeft = cashLeft.Sub(need)
				covered = true
			}
		}
		if covered {
			continue
		}

		q, err := e.marker.Mark(ctx, p.Underlying, p.Kind, p.Strike, p.Expiration)
		if err != nil {
			return nil, fmt.Errorf("mark option %s: %w", p.ID, err)
		}
		p.Secured = false
		p.MarginRequired = NakedRequirement(p.Kind, q.Price, q.Spot, p.Strike, p.Quantity)
		kept, err := e.downgrade(ctx, tx, &p)
		if err != nil {
			return nil, err
		}
		slog.Warn("secured position lost its collateral",
			"account_id", accountID, "position_id", p.ID, "kind", p.Kind,
			"underlying", p.Underlying, "margin_required", p.MarginRequired.String(),
			"merged_into", kept.ID)
		downgraded = append(downgraded, *kept)
	}
	return downgraded, nil
}

// downgrade persists p, already flagged unsecured. An open naked short with
// the same terms absorbs p's contracts and p is closed, so no two open
// positions share a merge key. Returns the position left holding the
// contracts.
func (e *Engine) downgrade(ctx context.Context, tx store.Tx, p *model.OptionPosition) (*model.OptionPosition, error) {
	existing, err := tx.FindOpenOptionPosition(ctx, p.Key())
	switch {
	case errors.Is(err, store.ErrNotFound):
		return p, tx.UpdateOptionPosition(ctx, p)
	case err != nil:
		return nil, err
	case existing.ID == p.ID:
		return p, tx.UpdateOptionPosition(ctx, p)
	}

	existing.Absorb(p.Quantity, p.EntryPrice, p.MarginRequired)
	if err := tx.UpdateOptionPosition(ctx, existing); err != nil {
		return nil, err
	}
	now := e.marker.Now().UTC()
	p.Status = model.StatusClosed
	p.MarginRequired = decimal.Zero
	p.ClosedAt = &now
	if err := tx.UpdateOptionPosition(ctx, p); err != nil {
		return nil, err
	}
	return existing, nil
}
