// Package margin computes naked margin requirements, account margin status
// and runs the forced-liquidation cascade.
//
// Portfolio value is cash plus the mark-to-market value of holdings plus the
// theoretical value of long options. Half of it is margin capacity. Margin
// used is the naked requirement of every open unsecured short, valued at
// current marks. Secured shorts contribute nothing; their collateral is
// already inside portfolio value.
package margin

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papertrade/paper-engine/internal/model"
	"github.com/papertrade/paper-engine/internal/pricing"
)

var (
	// ErrInsufficientMargin is returned when a new requirement does not fit
	// into the available margin.
	ErrInsufficientMargin = errors.New("margin: insufficient available margin")

	// ErrRestricted is returned for new unsecured shorts while the account is
	// restricted after a cascade that did not reach its target.
	ErrRestricted = errors.New("margin: account restricted to closing transactions")

	// ErrInconsistentState marks a breach with nothing left to liquidate.
	ErrInconsistentState = errors.New("margin: inconsistent ledger state")
)

var (
	// CapacityRatio is the share of portfolio value usable as margin.
	CapacityRatio = decimal.NewFromFloat(0.5)

	// NakedRate is the share of the reference price (spot for calls, strike
	// for puts) required per unit on top of the premium.
	NakedRate = decimal.NewFromFloat(0.20)

	// TriggerUtilization starts the liquidation cascade.
	TriggerUtilization = decimal.NewFromInt(95)

	// TargetUtilization stops the cascade and lifts a restriction.
	TargetUtilization = decimal.NewFromInt(80)

	hundred = decimal.NewFromInt(100)
)

// Marker values instruments and option contracts. *pricing.Pricer
// implements it.
type Marker interface {
	Spot(ctx context.Context, inst model.Instrument) (decimal.Decimal, error)
	Mark(ctx context.Context, underlying string, kind model.OptionKind, strike decimal.Decimal, expiration time.Time) (*pricing.OptionQuote, error)
	Now() time.Time
}

// NakedRequirement is the margin a naked short needs:
// per contract, premium×100 plus 20% of spot (calls) or strike (puts) ×100,
// times quantity.
func NakedRequirement(kind model.OptionKind, premium, spot, strike decimal.Decimal, quantity int64) decimal.Decimal {
	ref := spot
	if kind == model.Put {
		ref = strike
	}
	perContract := premium.Mul(model.ContractSize).Add(NakedRate.Mul(ref).Mul(model.ContractSize))
	return perContract.Mul(decimal.NewFromInt(quantity))
}

// Utilization is marginUsed as a percentage of capacity. With no capacity,
// any margin in use counts as fully utilized.
func Utilization(used, capacity decimal.Decimal) decimal.Decimal {
	if !capacity.IsPositive() {
		if used.IsPositive() {
			return hundred
		}
		return decimal.Zero
	}
	return used.Div(capacity).Mul(hundred).Round(2)
}

// Compute assembles a status snapshot from its components.
func Compute(accountID string, cash, holdingsValue, longOptionsValue, used decimal.Decimal, restricted bool) model.MarginStatus {
	pv := cash.Add(holdingsValue).Add(longOptionsValue)
	capacity := pv.Mul(CapacityRatio)
	return model.MarginStatus{
		AccountID:             accountID,
		Cash:                  cash,
		HoldingsValue:         holdingsValue.Round(2),
		LongOptionsValue:      longOptionsValue.Round(2),
		PortfolioValue:        pv.Round(2),
		MarginCapacity:        capacity.Round(2),
		MarginUsed:            used.Round(2),
		AvailableMargin:       capacity.Sub(used).Round(2),
		UtilizationPercentage: Utilization(used, capacity),
		Restricted:            restricted,
	}
}
