package options

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/papertrade/paper-engine/internal/events"
	"github.com/papertrade/paper-engine/internal/holdings"
	"github.com/papertrade/paper-engine/internal/margin"
	"github.com/papertrade/paper-engine/internal/model"
	"github.com/papertrade/paper-engine/internal/store"
)

// HoldingRequest buys or sells an equity or crypto instrument at the
// oracle's current price.
type HoldingRequest struct {
	AccountID string
	Symbol    string
	Class     model.AssetClass
	Quantity  decimal.Decimal
}

// HoldingResult reports an executed holding trade together with its effect
// on secured shorts and margin.
type HoldingResult struct {
	Result
	holdings.Fill
	Downgraded []model.OptionPosition `json:"downgraded,omitempty"`
	Cascade    *margin.CascadeResult  `json:"cascade,omitempty"`
}

// BuyHolding purchases units of an instrument.
func (m *Manager) BuyHolding(ctx context.Context, req HoldingRequest) (*HoldingResult, error) {
	return m.tradeHolding(ctx, "buy_holding", req, m.trader.Buy)
}

// SellHolding sells units of an instrument. Selling shares that back a
// covered call downgrades the call to naked, which may start the cascade.
func (m *Manager) SellHolding(ctx context.Context, req HoldingRequest) (*HoldingResult, error) {
	return m.tradeHolding(ctx, "sell_holding", req, m.trader.Sell)
}

type tradeFunc func(ctx context.Context, tx store.Tx, accountID string, inst model.Instrument, qty, price decimal.Decimal) (*holdings.Fill, error)

func (m *Manager) tradeHolding(ctx context.Context, op string, req HoldingRequest, trade tradeFunc) (*HoldingResult, error) {
	if req.Class == "" {
		req.Class = model.AssetEquity
	}
	switch {
	case req.Symbol == "":
		return nil, m.reject(op, fmt.Errorf("%w: symbol is required", ErrInvalidInput))
	case !req.Class.Valid():
		return nil, m.reject(op, fmt.Errorf("%w: asset class must be equity or crypto", ErrInvalidInput))
	case !req.Quantity.IsPositive():
		return nil, m.reject(op, holdings.ErrInvalidQuantity)
	}
	inst := model.NewInstrument(req.Symbol, req.Class)

	var res *HoldingResult
	err := m.exec(ctx, op, req.AccountID, func(tx store.Tx) error {
		acct, err := m.account(ctx, tx, req.AccountID)
		if err != nil {
			return err
		}
		price, err := m.pricer.Spot(ctx, inst)
		if err != nil {
			return err
		}
		fill, err := trade(ctx, tx, acct.ID, inst, req.Quantity, price)
		if err != nil {
			return err
		}
		downgraded, err := m.margin.ReevaluateCollateral(ctx, tx, acct.ID)
		if err != nil {
			return err
		}
		cascade, err := m.margin.ProcessMarginCalls(ctx, tx, acct.ID, m)
		if err != nil {
			return err
		}

		res = &HoldingResult{
			Result: ok(fmt.Sprintf("%s %s %s at %s",
				fill.Transaction.Type, req.Quantity, inst, price.StringFixed(2))),
			Fill:       *fill,
			Downgraded: downgraded,
		}
		if cascade.Triggered {
			res.Cascade = cascade
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("holding traded",
		"account_id", req.AccountID, "instrument", inst.String(), "type", res.Transaction.Type,
		"quantity", req.Quantity.String(), "price", res.Transaction.Price.String(),
		"downgraded", len(res.Downgraded))
	m.publish(ctx, events.HoldingTraded, req.AccountID, res)
	if res.Cascade != nil {
		m.publishCascade(ctx, req.AccountID, res.Cascade)
	}
	return res, nil
}
