// Package holdings executes equity and crypto trades against the ledger.
//
// A Trader works inside a caller's atomic unit: it checks resources, moves
// cash and units, maintains the weighted-average cost basis and appends the
// transaction. Pricing and locking belong to the caller.
package holdings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/papertrade/paper-engine/internal/metrics"
	"github.com/papertrade/paper-engine/internal/model"
	"github.com/papertrade/paper-engine/internal/store"
)

var (
	// ErrInvalidQuantity is returned for non-positive quantities.
	ErrInvalidQuantity = errors.New("holdings: quantity must be positive")

	// ErrInvalidPrice is returned for non-positive prices.
	ErrInvalidPrice = errors.New("holdings: price must be positive")

	// ErrInsufficientFunds is returned when a buy costs more than the cash.
	ErrInsufficientFunds = errors.New("holdings: insufficient funds")

	// ErrInsufficientQuantity is returned when selling more than is held.
	ErrInsufficientQuantity = errors.New("holdings: insufficient quantity")
)

// Fill is the outcome of one executed trade.
type Fill struct {
	Holding     model.Holding     `json:"holding"`
	Transaction model.Transaction `json:"transaction"`
	Cash        decimal.Decimal   `json:"cash"`
}

// Trader executes holding trades.
type Trader struct {
	now func() time.Time
}

// NewTrader creates a trader that timestamps with now (time.Now when nil).
func NewTrader(now func() time.Time) *Trader {
	if now == nil {
		now = time.Now
	}
	return &Trader{now: now}
}

// Buy purchases qty units at price. The account must exist in tx and hold
// enough cash; nothing is written otherwise.
func (t *Trader) Buy(ctx context.Context, tx store.Tx, accountID string, inst model.Instrument, qty, price decimal.Decimal) (*Fill, error) {
	if err := validate(qty, price); err != nil {
		return nil, err
	}
	acct, err := tx.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	cost := qty.Mul(price)
	if acct.Cash.LessThan(cost) {
		return nil, fmt.Errorf("%w: need %s, have %s", ErrInsufficientFunds, cost.StringFixed(2), acct.Cash.StringFixed(2))
	}

	h, err := tx.GetHolding(ctx, accountID, inst)
	if errors.Is(err, store.ErrNotFound) {
		h = &model.Holding{AccountID: accountID, Instrument: inst}
	} else if err != nil {
		return nil, err
	}
	h.ApplyBuy(qty, price)

	cash := acct.Cash.Sub(cost)
	if err := tx.UpdateCash(ctx, accountID, cash); err != nil {
		return nil, err
	}
	if err := tx.SaveHolding(ctx, h); err != nil {
		return nil, err
	}

	rec := model.Transaction{
		ID:         uuid.New().String(),
		AccountID:  accountID,
		Instrument: inst.String(),
		Type:       model.TxBuy,
		Quantity:   qty,
		Price:      price,
		Amount:     cost.Neg(),
		Timestamp:  t.now().UTC(),
	}
	if err := tx.InsertTransaction(ctx, &rec); err != nil {
		return nil, err
	}

	metrics.HoldingTradesTotal.WithLabelValues("buy", string(inst.Class)).Inc()
	return &Fill{Holding: *h, Transaction: rec, Cash: cash}, nil
}

// Sell disposes of qty units at price, realizing P/L against the average
// cost. The cost basis of the remaining units is unchanged.
func (t *Trader) Sell(ctx context.Context, tx store.Tx, accountID string, inst model.Instrument, qty, price decimal.Decimal) (*Fill, error) {
	if err := validate(qty, price); err != nil {
		return nil, err
	}
	acct, err := tx.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	h, err := tx.GetHolding(ctx, accountID, inst)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: no %s held", ErrInsufficientQuantity, inst.Symbol)
	} else if err != nil {
		return nil, err
	}
	if h.Quantity.LessThan(qty) {
		return nil, fmt.Errorf("%w: have %s, selling %s", ErrInsufficientQuantity, h.Quantity, qty)
	}

	proceeds := qty.Mul(price)
	pnl := price.Sub(h.AvgCost).Mul(qty)
	h.Quantity = h.Quantity.Sub(qty)
	if h.Quantity.IsZero() {
		h.AvgCost = decimal.Zero
	}

	cash := acct.Cash.Add(proceeds)
	if err := tx.UpdateCash(ctx, accountID, cash); err != nil {
		return nil, err
	}
	if err := tx.SaveHolding(ctx, h); err != nil {
		return nil, err
	}

	rec := model.Transaction{
		ID:          uuid.New().String(),
		AccountID:   accountID,
		Instrument:  inst.String(),
		Type:        model.TxSell,
		Quantity:    qty,
		Price:       price,
		Amount:      proceeds,
		RealizedPnL: pnl,
		Timestamp:   t.now().UTC(),
	}
	if err := tx.InsertTransaction(ctx, &rec); err != nil {
		return nil, err
	}

	metrics.HoldingTradesTotal.WithLabelValues("sell", string(inst.Class)).Inc()
	return &Fill{Holding: *h, Transaction: rec, Cash: cash}, nil
}

func validate(qty, price decimal.Decimal) error {
	if !qty.IsPositive() {
		return ErrInvalidQuantity
	}
	if !price.IsPositive() {
		return ErrInvalidPrice
	}
	return nil
}
