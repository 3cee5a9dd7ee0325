package options

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/papertrade/paper-engine/internal/events"
	"github.com/papertrade/paper-engine/internal/margin"
	"github.com/papertrade/paper-engine/internal/model"
	"github.com/papertrade/paper-engine/internal/store"
)

// CascadeResult reports an explicit margin call run. Success and Message
// come from the cascade itself.
type CascadeResult struct {
	*margin.CascadeResult
	Code Code `json:"code,omitempty"`
}

// ProcessMarginCalls runs the liquidation cascade for one account.
func (m *Manager) ProcessMarginCalls(ctx context.Context, accountID string) (*CascadeResult, error) {
	var res *margin.CascadeResult
	err := m.exec(ctx, "process_margin_calls", accountID, func(tx store.Tx) error {
		if _, err := m.account(ctx, tx, accountID); err != nil {
			return err
		}
		var err error
		res, err = m.margin.ProcessMarginCalls(ctx, tx, accountID, m)
		return err
	})
	if err != nil {
		return nil, err
	}
	if res.Triggered {
		m.publishCascade(ctx, accountID, res)
	}
	out := &CascadeResult{CascadeResult: res}
	if !res.Success {
		out.Code = CodeInsufficientMargin
		if res.Liquidated == 0 {
			out.Code = CodeInconsistentState
		}
	}
	return out, nil
}

func (m *Manager) publishCascade(ctx context.Context, accountID string, res *margin.CascadeResult) {
	for _, id := range res.LiquidatedIDs {
		m.publish(ctx, events.OptionLiquidated, accountID, map[string]string{"position_id": id})
	}
	m.publish(ctx, events.MarginCascade, accountID, res)
}

// RiskSweep runs the cascade for every account holding unsecured shorts.
// Prices move without anyone trading, so breaches are only found by
// looking. Failures are logged per account and do not stop the sweep.
func (m *Manager) RiskSweep(ctx context.Context) error {
	ids, err := m.store.ListAccountsWithNakedShorts(ctx)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}
	var breached, failed int
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := m.ProcessMarginCalls(ctx, id)
		if err != nil {
			failed++
			slog.Error("risk sweep failed for account", "account_id", id, "err", err)
			continue
		}
		if res.Triggered {
			breached++
		}
	}
	slog.Info("risk sweep complete", "accounts", len(ids), "breached", breached, "failed", failed)
	return nil
}

// DepositResult reports a deposit.
type DepositResult struct {
	Result
	Amount    decimal.Decimal    `json:"amount"`
	Cash      decimal.Decimal    `json:"cash"`
	Satisfied []model.MarginCall `json:"satisfied,omitempty"`
}

// Deposit credits cash. Pending shortfall calls are paid from it oldest
// first, each only when the cash covers it in full.
func (m *Manager) Deposit(ctx context.Context, accountID string, amount decimal.Decimal) (*DepositResult, error) {
	if !amount.IsPositive() {
		return nil, m.reject("deposit", fmt.Errorf("%w: deposit amount must be positive", ErrInvalidInput))
	}

	var res *DepositResult
	err := m.exec(ctx, "deposit", accountID, func(tx store.Tx) error {
		acct, err := m.account(ctx, tx, accountID)
		if err != nil {
			return err
		}
		now := m.now()
		acct.Cash = acct.Cash.Add(amount)
		if err := tx.InsertTransaction(ctx, &model.Transaction{
			ID:        uuid.New().String(),
			AccountID: acct.ID,
			Type:      model.TxDeposit,
			Amount:    amount,
			Timestamp: now,
		}); err != nil {
			return err
		}

		pending, err := tx.ListMarginCalls(ctx, acct.ID, model.MarginCallPending)
		if err != nil {
			return err
		}
		var satisfied []model.MarginCall
		for _, mc := range pending {
			if strings.HasPrefix(mc.Reason, margin.ReasonUtilization) {
				continue
			}
			if acct.Cash.LessThan(mc.Amount) {
				break
			}
			acct.Cash = acct.Cash.Sub(mc.Amount)
			if err := tx.InsertTransaction(ctx, &model.Transaction{
				ID:        uuid.New().String(),
				AccountID: acct.ID,
				Type:      model.TxMarginPayment,
				Amount:    mc.Amount.Neg(),
				Timestamp: now,
			}); err != nil {
				return err
			}
			if err := tx.ResolveMarginCall(ctx, acct.ID, mc.ID, model.MarginCallSatisfied, now); err != nil {
				return err
			}
			mc.Status = model.MarginCallSatisfied
			mc.ResolvedAt = &now
			satisfied = append(satisfied, mc)
		}
		if err := tx.UpdateCash(ctx, acct.ID, acct.Cash); err != nil {
			return err
		}
		if _, err := m.margin.Refresh(ctx, tx, acct.ID); err != nil {
			return err
		}

		msg := fmt.Sprintf("deposited %s", amount.StringFixed(2))
		if len(satisfied) > 0 {
			msg += fmt.Sprintf(", satisfied %d margin call(s)", len(satisfied))
		}
		res = &DepositResult{Result: ok(msg), Amount: amount, Cash: acct.Cash, Satisfied: satisfied}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("deposit", "account_id", accountID, "amount", amount.String(), "satisfied", len(res.Satisfied))
	m.publish(ctx, events.AccountDeposit, accountID, res)
	return res, nil
}

// ResetResult reports an account reset.
type ResetResult struct {
	Result
	Cash            decimal.Decimal `json:"cash"`
	ClosedPositions int             `json:"closed_positions"`
	ClearedHoldings int             `json:"cleared_holdings"`
	ResolvedCalls   int             `json:"resolved_calls"`
}

// ResetAccount returns an account to its initial state: open positions are
// closed at zero value, holdings removed, pending calls resolved and cash
// set back to the initial balance. Only a reset marker is written to the
// ledger.
func (m *Manager) ResetAccount(ctx context.Context, accountID string) (*ResetResult, error) {
	var res *ResetResult
	err := m.exec(ctx, "reset_account", accountID, func(tx store.Tx) error {
		acct, err := m.account(ctx, tx, accountID)
		if err != nil {
			return err
		}
		now := m.now()

		open, err := tx.ListOptionPositions(ctx, acct.ID, model.StatusOpen)
		if err != nil {
			return err
		}
		for i := range open {
			p := &open[i]
			p.Status = model.StatusClosed
			p.ClosedAt = &now
			p.MarginRequired = decimal.Zero
			if err := tx.UpdateOptionPosition(ctx, p); err != nil {
				return err
			}
		}

		held, err := tx.ListHoldings(ctx, acct.ID)
		if err != nil {
			return err
		}
		for i := range held {
			h := &held[i]
			h.Quantity = decimal.Zero
			h.AvgCost = decimal.Zero
			h.UpdatedAt = now
			if err := tx.SaveHolding(ctx, h); err != nil {
				return err
			}
		}

		pending, err := tx.ListMarginCalls(ctx, acct.ID, model.MarginCallPending)
		if err != nil {
			return err
		}
		for _, mc := range pending {
			if err := tx.ResolveMarginCall(ctx, acct.ID, mc.ID, model.MarginCallSatisfied, now); err != nil {
				return err
			}
		}

		cash := m.cfg.InitialCash
		if err := tx.UpdateCash(ctx, acct.ID, cash); err != nil {
			return err
		}
		if err := tx.UpdateMargin(ctx, acct.ID, cash.Mul(margin.CapacityRatio), decimal.Zero, false); err != nil {
			return err
		}
		if err := tx.InsertTransaction(ctx, &model.Transaction{
			ID:        uuid.New().String(),
			AccountID: acct.ID,
			Type:      model.TxReset,
			Amount:    cash.Sub(acct.Cash),
			Timestamp: now,
		}); err != nil {
			return err
		}

		res = &ResetResult{
			Result:          ok(fmt.Sprintf("account reset to %s", cash.StringFixed(2))),
			Cash:            cash,
			ClosedPositions: len(open),
			ClearedHoldings: len(held),
			ResolvedCalls:   len(pending),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Warn("account reset", "account_id", accountID,
		"closed_positions", res.ClosedPositions, "cleared_holdings", res.ClearedHoldings)
	m.publish(ctx, events.AccountReset, accountID, res)
	return res, nil
}
