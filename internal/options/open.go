package options

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/papertrade/paper-engine/internal/contract"
	"github.com/papertrade/paper-engine/internal/events"
	"github.com/papertrade/paper-engine/internal/limits"
	"github.com/papertrade/paper-engine/internal/margin"
	"github.com/papertrade/paper-engine/internal/metrics"
	"github.com/papertrade/paper-engine/internal/model"
	"github.com/papertrade/paper-engine/internal/pricing"
	"github.com/papertrade/paper-engine/internal/store"
)

// OpenRequest opens or adds to an option position. Secured only applies to
// shorts: a covered call for calls, cash-secured for puts.
type OpenRequest struct {
	AccountID  string
	Underlying string
	Kind       model.OptionKind
	Side       model.Side
	Strike     decimal.Decimal
	Expiration time.Time
	Quantity   int64
	Secured    bool
}

// OpenResult reports an executed open.
type OpenResult struct {
	Result
	Position       model.OptionPosition `json:"position"`
	Contract       string               `json:"contract"`
	Price          decimal.Decimal      `json:"price"`   // per share
	Premium        decimal.Decimal      `json:"premium"` // paid (long) or received (short)
	MarginRequired decimal.Decimal      `json:"margin_required"`
	Merged         bool                 `json:"merged"`
	Cash           decimal.Decimal      `json:"cash"`
	Margin         *model.MarginStatus  `json:"margin,omitempty"`
}

func (r *OpenRequest) normalize(now time.Time) error {
	r.Underlying = strings.ToUpper(strings.TrimSpace(r.Underlying))
	switch {
	case r.AccountID == "":
		return fmt.Errorf("%w: account id is required", ErrInvalidInput)
	case r.Underlying == "":
		return fmt.Errorf("%w: underlying is required", ErrInvalidInput)
	case !r.Kind.Valid():
		return fmt.Errorf("%w: option kind must be call or put", ErrInvalidInput)
	case !r.Side.Valid():
		return fmt.Errorf("%w: side must be long or short", ErrInvalidInput)
	case !r.Strike.IsPositive():
		return fmt.Errorf("%w: strike must be positive", ErrInvalidInput)
	case r.Quantity <= 0:
		return fmt.Errorf("%w: quantity must be a positive number of contracts", ErrInvalidInput)
	case r.Expiration.IsZero():
		return fmt.Errorf("%w: expiration is required", ErrInvalidInput)
	}
	y, mo, d := r.Expiration.UTC().Date()
	r.Expiration = time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
	if pricing.IsExpired(now, r.Expiration) {
		return pricing.ErrExpired
	}
	if r.Side == model.Long {
		r.Secured = false
	}
	return nil
}

// TradeOption opens quantity contracts. Premium moves through cash at the
// theoretical price; unsecured shorts must fit into available margin and
// secured shorts must be fully collateralized. A position with the same
// merge key absorbs the new contracts at a quantity-weighted entry price.
func (m *Manager) TradeOption(ctx context.Context, req OpenRequest) (*OpenResult, error) {
	if err := req.normalize(m.now()); err != nil {
		return nil, m.reject("open_option", err)
	}

	var res *OpenResult
	err := m.exec(ctx, "open_option", req.AccountID, func(tx store.Tx) error {
		acct, err := m.account(ctx, tx, req.AccountID)
		if err != nil {
			return err
		}
		q, err := m.pricer.QuoteOption(ctx, req.Underlying, req.Kind, req.Strike, req.Expiration)
		if err != nil {
			return err
		}
		if !q.Price.IsPositive() {
			return fmt.Errorf("%w: contract has no theoretical value", ErrInvalidInput)
		}

		open, err := tx.ListOptionPositions(ctx, acct.ID, model.StatusOpen)
		if err != nil {
			return err
		}
		if err := m.cfg.Limits.CheckOpen(req.Underlying, req.Side, req.Quantity, limits.ExposureOf(open)); err != nil {
			return err
		}

		units := decimal.NewFromInt(req.Quantity).Mul(model.ContractSize)
		premium := q.Price.Mul(units)
		requirement := decimal.Zero

		switch {
		case req.Side == model.Long:
			if acct.Cash.LessThan(premium) {
				return fmt.Errorf("%w: premium %s exceeds cash %s",
					ErrInsufficientFunds, premium.StringFixed(2), acct.Cash.StringFixed(2))
			}
			acct.Cash = acct.Cash.Sub(premium)
		case req.Secured:
			if err := m.margin.CheckCollateral(ctx, tx, acct.ID, req.Underlying, req.Kind, req.Strike, req.Quantity); err != nil {
				return err
			}
			acct.Cash = acct.Cash.Add(premium)
		default:
			requirement = margin.NakedRequirement(req.Kind, q.Price, q.Spot, req.Strike, req.Quantity)
			if _, err := m.margin.CheckAdmission(ctx, tx, acct.ID, requirement); err != nil {
				return err
			}
			acct.Cash = acct.Cash.Add(premium)
		}
		if err := tx.UpdateCash(ctx, acct.ID, acct.Cash); err != nil {
			return err
		}

		now := m.now()
		pos := &model.OptionPosition{
			ID:             uuid.New().String(),
			AccountID:      acct.ID,
			Underlying:     req.Underlying,
			Kind:           req.Kind,
			Side:           req.Side,
			Strike:         req.Strike,
			Expiration:     req.Expiration,
			Quantity:       req.Quantity,
			EntryPrice:     q.Price,
			MarginRequired: requirement,
			Secured:        req.Secured,
			Status:         model.StatusOpen,
			OpenedAt:       now,
		}
		merged := false
		existing, err := tx.FindOpenOptionPosition(ctx, pos.Key())
		switch {
		case err == nil:
			merged = true
			existing.Absorb(req.Quantity, q.Price, requirement)
			pos = existing
			if err := tx.UpdateOptionPosition(ctx, pos); err != nil {
				return err
			}
		case errors.Is(err, store.ErrNotFound):
			if err := tx.CreateOptionPosition(ctx, pos); err != nil {
				return err
			}
		default:
			return err
		}

		symbol := contract.Format(req.Underlying, req.Kind, req.Strike, req.Expiration)
		amount := premium
		if req.Side == model.Long {
			amount = premium.Neg()
		}
		if err := tx.InsertTransaction(ctx, &model.Transaction{
			ID:          uuid.New().String(),
			AccountID:   acct.ID,
			Instrument:  symbol,
			PositionID:  pos.ID,
			Type:        model.TxOpen,
			Quantity:    decimal.NewFromInt(req.Quantity),
			Price:       q.Price,
			Amount:      amount,
			MarginDelta: requirement,
			Secured:     req.Secured,
			Timestamp:   now,
		}); err != nil {
			return err
		}

		if req.Side == model.Long {
			// Premium paid may have been backing a cash-secured put.
			if _, err := m.margin.ReevaluateCollateral(ctx, tx, acct.ID); err != nil {
				return err
			}
		}
		st, err := m.margin.Refresh(ctx, tx, acct.ID)
		if err != nil {
			return err
		}

		res = &OpenResult{
			Result: ok(fmt.Sprintf("opened %d %s %s at %s",
				req.Quantity, sideWord(req), symbol, q.Price.StringFixed(2))),
			Position:       *pos,
			Contract:       symbol,
			Price:          q.Price,
			Premium:        premium,
			MarginRequired: requirement,
			Merged:         merged,
			Cash:           acct.Cash,
			Margin:         st,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.OptionTradesTotal.WithLabelValues("open", string(req.Kind), string(req.Side)).Inc()
	slog.Info("option opened",
		"account_id", req.AccountID, "position_id", res.Position.ID, "contract", res.Contract,
		"side", req.Side, "quantity", req.Quantity, "price", res.Price.String(),
		"secured", req.Secured, "merged", res.Merged)
	m.publish(ctx, events.OptionOpened, req.AccountID, res)
	return res, nil
}

func sideWord(req OpenRequest) string {
	switch {
	case req.Side == model.Long:
		return "long"
	case req.Secured && req.Kind == model.Call:
		return "covered short"
	case req.Secured:
		return "cash-secured short"
	}
	return "naked short"
}
