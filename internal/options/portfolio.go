package options

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/papertrade/paper-engine/internal/contract"
	"github.com/papertrade/paper-engine/internal/margin"
	"github.com/papertrade/paper-engine/internal/model"
	"github.com/papertrade/paper-engine/internal/pricing"
	"github.com/papertrade/paper-engine/internal/store"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	pricingFanOut       = 8
)

var hundred = decimal.NewFromInt(100)

type snapshot struct {
	account   model.Account
	holdings  []model.Holding
	positions []model.OptionPosition
}

func (m *Manager) load(ctx context.Context, accountID string, status model.PositionStatus) (*snapshot, error) {
	var snap *snapshot
	err := m.store.Atomic(ctx, func(tx store.Tx) error {
		acct, err := m.account(ctx, tx, accountID)
		if err != nil {
			return err
		}
		held, err := tx.ListHoldings(ctx, acct.ID)
		if err != nil {
			return err
		}
		positions, err := tx.ListOptionPositions(ctx, acct.ID, status)
		if err != nil {
			return err
		}
		snap = &snapshot{account: *acct, holdings: held, positions: positions}
		return nil
	})
	return snap, err
}

// Portfolio returns the account with every holding and open position marked
// to market, plus the margin status derived from the same marks. Pricing
// failures are reported per line; margin is omitted when any line could not
// be priced.
func (m *Manager) Portfolio(ctx context.Context, accountID string) (*model.Portfolio, error) {
	snap, err := m.load(ctx, accountID, model.StatusOpen)
	if err != nil {
		return nil, err
	}

	hv := make([]model.HoldingView, len(snap.holdings))
	pv := make([]model.PositionView, len(snap.positions))
	quotes := make([]*pricing.OptionQuote, len(snap.positions))

	var g errgroup.Group
	g.SetLimit(pricingFanOut)
	for i, h := range snap.holdings {
		i, h := i, h
		g.Go(func() error {
			price, err := m.pricer.Spot(ctx, h.Instrument)
			hv[i] = holdingView(h, price, err)
			return nil
		})
	}
	for i, p := range snap.positions {
		i, p := i, p
		g.Go(func() error {
			q, err := m.pricer.Mark(ctx, p.Underlying, p.Kind, p.Strike, p.Expiration)
			if err == nil {
				quotes[i] = q
			}
			pv[i] = m.positionView(p, q, err)
			return nil
		})
	}
	_ = g.Wait()

	out := &model.Portfolio{
		Account:  snap.account,
		Holdings: hv,
		Options:  pv,
		TotalPnL: decimal.Zero,
	}
	complete := true
	holdingsValue, longValue, used := decimal.Zero, decimal.Zero, decimal.Zero
	for _, v := range hv {
		if v.PriceError != "" {
			complete = false
			continue
		}
		holdingsValue = holdingsValue.Add(v.MarketValue)
		out.TotalPnL = out.TotalPnL.Add(v.UnrealizedPnL)
	}
	for i, v := range pv {
		q := quotes[i]
		if q == nil {
			complete = false
			continue
		}
		out.TotalPnL = out.TotalPnL.Add(v.UnrealizedPnL)
		p := snap.positions[i]
		switch {
		case p.Side == model.Long:
			longValue = longValue.Add(v.MarketValue)
		case !p.Secured:
			used = used.Add(margin.NakedRequirement(p.Kind, q.Price, q.Spot, p.Strike, p.Quantity))
		}
	}
	if complete {
		st := margin.Compute(accountID, snap.account.Cash, holdingsValue, longValue, used, snap.account.Restricted)
		out.Margin = &st
	}
	return out, nil
}

// ListPositions returns the account's positions in status (all when empty).
// Open positions are enriched with live marks.
func (m *Manager) ListPositions(ctx context.Context, accountID string, status model.PositionStatus) ([]model.PositionView, error) {
	snap, err := m.load(ctx, accountID, status)
	if err != nil {
		return nil, err
	}
	views := make([]model.PositionView, len(snap.positions))
	var g errgroup.Group
	g.SetLimit(pricingFanOut)
	for i, p := range snap.positions {
		i, p := i, p
		if p.Status != model.StatusOpen {
			views[i] = model.PositionView{OptionPosition: p, Contract: contract.ForPosition(&p)}
			continue
		}
		g.Go(func() error {
			q, err := m.pricer.Mark(ctx, p.Underlying, p.Kind, p.Strike, p.Expiration)
			views[i] = m.positionView(p, q, err)
			return nil
		})
	}
	_ = g.Wait()
	return views, nil
}

func holdingView(h model.Holding, price decimal.Decimal, err error) model.HoldingView {
	v := model.HoldingView{Holding: h}
	if err != nil {
		v.PriceError = err.Error()
		return v
	}
	v.CurrentPrice = price
	v.MarketValue = price.Mul(h.Quantity).Round(2)
	v.UnrealizedPnL = price.Sub(h.AvgCost).Mul(h.Quantity).Round(2)
	if h.AvgCost.IsPositive() {
		v.PercentChange = price.Sub(h.AvgCost).Div(h.AvgCost).Mul(hundred).Round(2)
	}
	return v
}

func (m *Manager) positionView(p model.OptionPosition, q *pricing.OptionQuote, err error) model.PositionView {
	v := model.PositionView{
		OptionPosition: p,
		Contract:       contract.ForPosition(&p),
		DaysToExpiry:   decimal.NewFromFloat(pricing.DaysToExpiry(m.now(), p.Expiration)).Round(2),
	}
	if err != nil {
		v.PriceError = err.Error()
		return v
	}
	units := p.Units()
	v.SpotPrice = q.Spot
	v.CurrentPrice = q.Price
	v.Moneyness = q.Moneyness
	v.MarketValue = q.Price.Mul(units).Round(2)
	diff := q.Price.Sub(p.EntryPrice)
	if p.Side == model.Short {
		diff = diff.Neg()
	}
	v.UnrealizedPnL = diff.Mul(units).Round(2)
	if p.EntryPrice.IsPositive() {
		v.PercentChange = diff.Div(p.EntryPrice).Mul(hundred).Round(2)
	}
	return v
}

// MarginStatus returns the account's current margin snapshot.
func (m *Manager) MarginStatus(ctx context.Context, accountID string) (*model.MarginStatus, error) {
	var st *model.MarginStatus
	err := m.store.Atomic(ctx, func(tx store.Tx) error {
		if _, err := m.account(ctx, tx, accountID); err != nil {
			return err
		}
		var err error
		st, err = m.margin.Status(ctx, tx, accountID)
		return err
	})
	return st, err
}

// Quote returns the oracle price of an instrument.
func (m *Manager) Quote(ctx context.Context, symbol string, class model.AssetClass) (model.Instrument, decimal.Decimal, error) {
	if class == "" {
		class = model.AssetEquity
	}
	if strings.TrimSpace(symbol) == "" || !class.Valid() {
		return model.Instrument{}, decimal.Zero, fmt.Errorf("%w: symbol and a valid asset class are required", ErrInvalidInput)
	}
	inst := model.NewInstrument(symbol, class)
	price, err := m.pricer.Spot(ctx, inst)
	return inst, price, err
}

// QuoteOption returns the theoretical valuation of a contract that has not
// expired.
func (m *Manager) QuoteOption(ctx context.Context, underlying string, kind model.OptionKind, strike decimal.Decimal, expiration time.Time) (*pricing.OptionQuote, error) {
	underlying = strings.ToUpper(strings.TrimSpace(underlying))
	switch {
	case underlying == "":
		return nil, fmt.Errorf("%w: underlying is required", ErrInvalidInput)
	case !kind.Valid():
		return nil, fmt.Errorf("%w: option kind must be call or put", ErrInvalidInput)
	case !strike.IsPositive():
		return nil, fmt.Errorf("%w: strike must be positive", ErrInvalidInput)
	case expiration.IsZero():
		return nil, fmt.Errorf("%w: expiration is required", ErrInvalidInput)
	}
	return m.pricer.QuoteOption(ctx, underlying, kind, strike, expiration)
}

// Transactions returns the newest ledger entries, newest first.
func (m *Manager) Transactions(ctx context.Context, accountID string, limit int) ([]model.Transaction, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return m.store.ListTransactions(ctx, accountID, limit)
}

// MarginCalls returns every margin call of the account, newest first.
func (m *Manager) MarginCalls(ctx context.Context, accountID string) ([]model.MarginCall, error) {
	return m.store.ListMarginCalls(ctx, accountID)
}
