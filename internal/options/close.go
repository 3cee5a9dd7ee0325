package options

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/papertrade/paper-engine/internal/contract"
	"github.com/papertrade/paper-engine/internal/events"
	"github.com/papertrade/paper-engine/internal/metrics"
	"github.com/papertrade/paper-engine/internal/model"
	"github.com/papertrade/paper-engine/internal/store"
)

// CloseRequest closes some or all of a position. Zero Quantity closes it in
// full.
type CloseRequest struct {
	AccountID  string
	PositionID string
	Quantity   int64
}

// CloseResult reports an executed close.
type CloseResult struct {
	Result
	Position       model.OptionPosition `json:"position"`
	Contract       string               `json:"contract"`
	Closed         int64                `json:"closed"`
	Price          decimal.Decimal      `json:"price"` // per share
	Proceeds       decimal.Decimal      `json:"proceeds"`
	RealizedPnL    decimal.Decimal      `json:"realized_pnl"`
	MarginReleased decimal.Decimal      `json:"margin_released"`
	Cash           decimal.Decimal      `json:"cash"`
	Margin         *model.MarginStatus  `json:"margin,omitempty"`
}

// ownedOpen loads the position and checks it belongs to the account and is
// still open.
func ownedOpen(ctx context.Context, tx store.Tx, accountID, positionID string) (*model.OptionPosition, error) {
	p, err := tx.GetOptionPosition(ctx, positionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, positionID)
	}
	if err != nil {
		return nil, err
	}
	if p.AccountID != accountID {
		return nil, fmt.Errorf("%w: %s does not belong to account %s", ErrPositionNotFound, positionID, accountID)
	}
	if p.Status != model.StatusOpen {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotOpen, positionID, p.Status)
	}
	return p, nil
}

// marginShare is the part of a position's requirement attributable to
// quantity of its contracts.
func marginShare(p *model.OptionPosition, quantity int64) decimal.Decimal {
	if quantity >= p.Quantity {
		return p.MarginRequired
	}
	return p.MarginRequired.Div(p.Contracts()).Mul(decimal.NewFromInt(quantity))
}

// ClosePosition closes contracts of an open position at the current mark.
// Longs receive the proceeds; shorts pay the buy-back from cash and release
// their margin in proportion to the contracts closed.
func (m *Manager) ClosePosition(ctx context.Context, req CloseRequest) (*CloseResult, error) {
	switch {
	case req.PositionID == "":
		return nil, m.reject("close_option", fmt.Errorf("%w: position id is required", ErrInvalidInput))
	case req.Quantity < 0:
		return nil, m.reject("close_option", fmt.Errorf("%w: quantity must not be negative", ErrInvalidInput))
	}

	var res *CloseResult
	err := m.exec(ctx, "close_option", req.AccountID, func(tx store.Tx) error {
		acct, err := m.account(ctx, tx, req.AccountID)
		if err != nil {
			return err
		}
		p, err := ownedOpen(ctx, tx, acct.ID, req.PositionID)
		if err != nil {
			return err
		}
		qty := req.Quantity
		if qty == 0 {
			qty = p.Quantity
		}
		if qty > p.Quantity {
			return fmt.Errorf("%w: cannot close %d of %d contracts", ErrInvalidInput, qty, p.Quantity)
		}

		q, err := m.pricer.Mark(ctx, p.Underlying, p.Kind, p.Strike, p.Expiration)
		if err != nil {
			return err
		}
		units := decimal.NewFromInt(qty).Mul(model.ContractSize)
		value := q.Price.Mul(units)
		var pnl, released, amount decimal.Decimal

		if p.Side == model.Long {
			acct.Cash = acct.Cash.Add(value)
			amount = value
			pnl = q.Price.Sub(p.EntryPrice).Mul(units)
		} else {
			if acct.Cash.LessThan(value) {
				return fmt.Errorf("%w: buy-back costs %s, cash %s",
					ErrInsufficientFunds, value.StringFixed(2), acct.Cash.StringFixed(2))
			}
			acct.Cash = acct.Cash.Sub(value)
			amount = value.Neg()
			pnl = p.EntryPrice.Sub(q.Price).Mul(units)
			released = marginShare(p, qty)
		}
		if err := tx.UpdateCash(ctx, acct.ID, acct.Cash); err != nil {
			return err
		}

		now := m.now()
		if qty == p.Quantity {
			// A fully closed position keeps its last quantity for history.
			p.Status = model.StatusClosed
			p.ClosedAt = &now
			p.MarginRequired = decimal.Zero
		} else {
			p.Quantity -= qty
			p.MarginRequired = p.MarginRequired.Sub(released)
		}
		if err := tx.UpdateOptionPosition(ctx, p); err != nil {
			return err
		}

		symbol := contract.ForPosition(p)
		if err := tx.InsertTransaction(ctx, &model.Transaction{
			ID:          uuid.New().String(),
			AccountID:   acct.ID,
			Instrument:  symbol,
			PositionID:  p.ID,
			Type:        model.TxClose,
			Quantity:    decimal.NewFromInt(qty),
			Price:       q.Price,
			Amount:      amount,
			RealizedPnL: pnl,
			MarginDelta: released.Neg(),
			Secured:     p.Secured,
			Timestamp:   now,
		}); err != nil {
			return err
		}

		if p.Side == model.Short {
			if _, err := m.margin.ReevaluateCollateral(ctx, tx, acct.ID); err != nil {
				return err
			}
		}
		st, err := m.margin.Refresh(ctx, tx, acct.ID)
		if err != nil {
			return err
		}

		res = &CloseResult{
			Result: ok(fmt.Sprintf("closed %d of %s at %s, P/L %s",
				qty, symbol, q.Price.StringFixed(2), pnl.StringFixed(2))),
			Position:       *p,
			Contract:       symbol,
			Closed:         qty,
			Price:          q.Price,
			Proceeds:       amount,
			RealizedPnL:    pnl,
			MarginReleased: released,
			Cash:           acct.Cash,
			Margin:         st,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.OptionTradesTotal.WithLabelValues("close", string(res.Position.Kind), string(res.Position.Side)).Inc()
	slog.Info("option closed",
		"account_id", req.AccountID, "position_id", req.PositionID, "contract", res.Contract,
		"quantity", res.Closed, "price", res.Price.String(), "pnl", res.RealizedPnL.String())
	m.publish(ctx, events.OptionClosed, req.AccountID, res)
	return res, nil
}

// Liquidate force-closes a position in full at the current mark. A buy-back
// the cash cannot cover is still executed: cash is clamped at zero and the
// shortfall recorded as a margin call. It runs inside the caller's unit and
// under the caller's lock.
func (m *Manager) Liquidate(ctx context.Context, tx store.Tx, target *model.OptionPosition) error {
	p, err := ownedOpen(ctx, tx, target.AccountID, target.ID)
	if err != nil {
		return err
	}
	acct, err := tx.GetAccount(ctx, p.AccountID)
	if err != nil {
		return err
	}
	q, err := m.pricer.Mark(ctx, p.Underlying, p.Kind, p.Strike, p.Expiration)
	if err != nil {
		return err
	}

	cost := q.Price.Mul(p.Units())
	var pnl decimal.Decimal
	amount := cost
	if p.Side == model.Short {
		paid, _, err := m.recordShortfall(ctx, tx, acct, cost, ReasonLiquidationShortfall+" on "+contract.ForPosition(p))
		if err != nil {
			return err
		}
		amount = paid.Neg()
		pnl = p.EntryPrice.Sub(q.Price).Mul(p.Units())
	} else {
		acct.Cash = acct.Cash.Add(cost)
		if err := tx.UpdateCash(ctx, acct.ID, acct.Cash); err != nil {
			return err
		}
		pnl = q.Price.Sub(p.EntryPrice).Mul(p.Units())
	}

	now := m.now()
	released := p.MarginRequired
	qty := p.Quantity
	p.Status = model.StatusLiquidated
	p.ClosedAt = &now
	p.MarginRequired = decimal.Zero
	if err := tx.UpdateOptionPosition(ctx, p); err != nil {
		return err
	}

	return tx.InsertTransaction(ctx, &model.Transaction{
		ID:          uuid.New().String(),
		AccountID:   acct.ID,
		Instrument:  contract.ForPosition(p),
		PositionID:  p.ID,
		Type:        model.TxLiquidate,
		Quantity:    decimal.NewFromInt(qty),
		Price:       q.Price,
		Amount:      amount,
		RealizedPnL: pnl,
		MarginDelta: released.Neg(),
		Secured:     p.Secured,
		Timestamp:   now,
	})
}
