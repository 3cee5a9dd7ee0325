package options

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/papertrade/paper-engine/internal/contract"
	"github.com/papertrade/paper-engine/internal/events"
	"github.com/papertrade/paper-engine/internal/holdings"
	"github.com/papertrade/paper-engine/internal/metrics"
	"github.com/papertrade/paper-engine/internal/model"
	"github.com/papertrade/paper-engine/internal/pricing"
	"github.com/papertrade/paper-engine/internal/store"
)

// Settlement outcomes.
const (
	OutcomeExercised = "exercised"
	OutcomeExpired   = "expired"
	OutcomeAssigned  = "assigned"
	// OutcomeCashSettled is an assignment paid in cash, either because the
	// short was unsecured or because its collateral was gone.
	OutcomeCashSettled = "cash_settled"
)

// Settlement is the outcome for one position.
type Settlement struct {
	PositionID  string          `json:"position_id"`
	AccountID   string          `json:"account_id"`
	Contract    string          `json:"contract"`
	Outcome     string          `json:"outcome"`
	Spot        decimal.Decimal `json:"spot"`
	Intrinsic   decimal.Decimal `json:"intrinsic"`
	CashDelta   decimal.Decimal `json:"cash_delta"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Shortfall   decimal.Decimal `json:"shortfall,omitempty"`
}

// SettlementReport summarizes a sweep.
type SettlementReport struct {
	Result
	Settled     []Settlement `json:"settled"`
	Failed      int          `json:"failed"`
	Outstanding int          `json:"outstanding"` // positions seen past expiry
}

// SettleExpired settles every open position whose expiration date has
// passed. Each position is its own atomic unit under its account's lock; a
// failure leaves that position open for the next sweep.
func (m *Manager) SettleExpired(ctx context.Context) (*SettlementReport, error) {
	y, mo, d := m.now().Date()
	today := time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
	due, err := m.store.ListExpiredOptionPositions(ctx, today)
	if err != nil {
		return nil, fmt.Errorf("list expired positions: %w", err)
	}

	report := &SettlementReport{Outstanding: len(due)}
	touched := make(map[string]struct{})
	for _, p := range due {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s, err := m.settleOne(ctx, p.AccountID, p.ID)
		if err != nil {
			report.Failed++
			metrics.SettlementsTotal.WithLabelValues("failed").Inc()
			slog.Error("settlement failed", "account_id", p.AccountID, "position_id", p.ID, "err", err)
			continue
		}
		if s == nil {
			continue
		}
		touched[p.AccountID] = struct{}{}
		report.Settled = append(report.Settled, *s)
		metrics.SettlementsTotal.WithLabelValues(s.Outcome).Inc()
		m.publish(ctx, events.OptionSettled, p.AccountID, s)
		if s.Shortfall.IsPositive() {
			m.publish(ctx, events.MarginCall, p.AccountID, map[string]string{
				"position_id": s.PositionID,
				"amount":      s.Shortfall.String(),
				"reason":      ReasonAssignmentShortfall + " on " + s.Contract,
			})
		}
	}

	// Assignments move cash and shares, so margin may now be breached.
	for id := range touched {
		if _, err := m.ProcessMarginCalls(ctx, id); err != nil {
			slog.Error("post-settlement margin check failed", "account_id", id, "err", err)
		}
	}

	report.Result = ok(fmt.Sprintf("settled %d of %d expired position(s)", len(report.Settled), len(due)))
	if report.Failed > 0 {
		report.Message += fmt.Sprintf(", %d failed", report.Failed)
	}
	slog.Info("settlement sweep complete",
		"due", len(due), "settled", len(report.Settled), "failed", report.Failed)
	return report, nil
}

// settleOne settles a single position. It returns nil when the position was
// already settled by someone else.
func (m *Manager) settleOne(ctx context.Context, accountID, positionID string) (*Settlement, error) {
	var out *Settlement
	err := m.exec(ctx, "settle", accountID, func(tx store.Tx) error {
		out = nil
		p, err := tx.GetOptionPosition(ctx, positionID)
		if err != nil {
			return err
		}
		if p.Status != model.StatusOpen {
			return nil
		}
		acct, err := tx.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		spot, err := m.pricer.Spot(ctx, model.Equity(p.Underlying))
		if err != nil {
			return err
		}

		s := &Settlement{
			PositionID: p.ID,
			AccountID:  accountID,
			Contract:   contract.ForPosition(p),
			Spot:       spot,
			Intrinsic:  pricing.IntrinsicValue(p.Kind, spot, p.Strike),
		}
		rec := model.Transaction{
			ID:          uuid.New().String(),
			AccountID:   accountID,
			Instrument:  s.Contract,
			PositionID:  p.ID,
			Quantity:    p.Contracts(),
			Price:       s.Intrinsic,
			MarginDelta: p.MarginRequired.Neg(),
			Secured:     p.Secured,
			Timestamp:   m.now(),
		}
		itm := s.Intrinsic.IsPositive()
		value := s.Intrinsic.Mul(p.Units())

		switch {
		case p.Side == model.Long && itm:
			acct.Cash = acct.Cash.Add(value)
			if err := tx.UpdateCash(ctx, accountID, acct.Cash); err != nil {
				return err
			}
			s.Outcome = OutcomeExercised
			s.CashDelta = value
			s.RealizedPnL = value
			rec.Type = model.TxExercise
			p.Status = model.StatusExercised
		case p.Side == model.Long:
			s.Outcome = OutcomeExpired
			s.RealizedPnL = p.EntryCost().Neg()
			rec.Type = model.TxExpire
			p.Status = model.StatusExpired
		case !itm:
			s.Outcome = OutcomeExpired
			s.RealizedPnL = p.EntryCost()
			rec.Type = model.TxExpire
			p.Status = model.StatusExpired
		default:
			if err := m.assign(ctx, tx, acct, p, s); err != nil {
				return err
			}
			rec.Type = model.TxAssign
			rec.Price = p.Strike
			p.Status = model.StatusExercised
		}
		rec.Amount = s.CashDelta
		rec.RealizedPnL = s.RealizedPnL

		now := rec.Timestamp
		p.ClosedAt = &now
		p.MarginRequired = decimal.Zero
		if err := tx.UpdateOptionPosition(ctx, p); err != nil {
			return err
		}
		if err := tx.InsertTransaction(ctx, &rec); err != nil {
			return err
		}
		if p.Side == model.Short && itm {
			if _, err := m.margin.ReevaluateCollateral(ctx, tx, accountID); err != nil {
				return err
			}
		}
		out = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out != nil {
		slog.Info("option settled",
			"account_id", accountID, "position_id", positionID, "contract", out.Contract,
			"outcome", out.Outcome, "spot", out.Spot.String(), "pnl", out.RealizedPnL.String())
	}
	return out, nil
}

// assign settles an in-the-money short. A covered call delivers shares at
// the strike and a cash-secured put takes shares at the strike; the share
// trade carries the cash movement. When the collateral is no longer there,
// or the short was never secured, the intrinsic value is debited in cash.
func (m *Manager) assign(ctx context.Context, tx store.Tx, acct *model.Account, p *model.OptionPosition, s *Settlement) error {
	debit := s.Intrinsic.Mul(p.Units())
	s.RealizedPnL = p.EntryCost().Sub(debit)

	if p.Secured {
		inst := model.Equity(p.Underlying)
		var err error
		if p.Kind == model.Call {
			_, err = m.trader.Sell(ctx, tx, acct.ID, inst, p.Units(), p.Strike)
		} else {
			_, err = m.trader.Buy(ctx, tx, acct.ID, inst, p.Units(), p.Strike)
		}
		switch {
		case err == nil:
			s.Outcome = OutcomeAssigned
			return nil
		case errors.Is(err, holdings.ErrInsufficientQuantity), errors.Is(err, holdings.ErrInsufficientFunds):
			slog.Warn("secured assignment lacks collateral, settling in cash",
				"account_id", acct.ID, "position_id", p.ID, "err", err)
		default:
			return err
		}
	}

	paid, call, err := m.recordShortfall(ctx, tx, acct, debit, ReasonAssignmentShortfall+" on "+s.Contract)
	if err != nil {
		return err
	}
	s.Outcome = OutcomeCashSettled
	s.CashDelta = paid.Neg()
	if call != nil {
		s.Shortfall = call.Amount
	}
	return nil
}
