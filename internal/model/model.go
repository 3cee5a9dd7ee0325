// Package model defines the core domain types shared across the paper engine.
// All monetary values are shopspring/decimal, never float64.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ContractSize is the number of underlying units per option contract.
var ContractSize = decimal.NewFromInt(100)

// AssetClass distinguishes the two directly held instrument families.
type AssetClass string

const (
	AssetEquity AssetClass = "equity"
	AssetCrypto AssetClass = "crypto"
)

func (a AssetClass) Valid() bool { return a == AssetEquity || a == AssetCrypto }

// Instrument identifies something the pricing oracle can quote.
type Instrument struct {
	Symbol string     `json:"symbol"`
	Class  AssetClass `json:"class"`
}

// NewInstrument normalizes the symbol: equities upper case, crypto lower case
// coin identifiers.
func NewInstrument(symbol string, class AssetClass) Instrument {
	symbol = strings.TrimSpace(symbol)
	if class == AssetCrypto {
		return Instrument{Symbol: strings.ToLower(symbol), Class: class}
	}
	return Instrument{Symbol: strings.ToUpper(symbol), Class: AssetEquity}
}

// Equity is shorthand for an equity instrument.
func Equity(symbol string) Instrument { return NewInstrument(symbol, AssetEquity) }

func (i Instrument) String() string { return string(i.Class) + ":" + i.Symbol }

// OptionKind is call or put.
type OptionKind string

const (
	Call OptionKind = "call"
	Put  OptionKind = "put"
)

func (k OptionKind) Valid() bool { return k == Call || k == Put }

// ParseOptionKind accepts call/put in any case, plus the single letters C/P.
func ParseOptionKind(s string) (OptionKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "call", "c":
		return Call, nil
	case "put", "p":
		return Put, nil
	}
	return "", fmt.Errorf("unknown option kind %q", s)
}

// Side is long (bought) or short (written).
type Side string

const (
	Long  Side = "long"
	Short Side = "short"
)

func (s Side) Valid() bool { return s == Long || s == Short }

// PositionStatus is the option position state machine. Every state other than
// StatusOpen is terminal.
type PositionStatus string

const (
	StatusOpen       PositionStatus = "open"
	StatusClosed     PositionStatus = "closed"
	StatusExpired    PositionStatus = "expired"
	StatusExercised  PositionStatus = "exercised"
	StatusLiquidated PositionStatus = "liquidated"
)

// Terminal reports whether no further transition is allowed.
func (s PositionStatus) Terminal() bool { return s != StatusOpen }

// CanTransition reports whether from → to is a legal transition.
func CanTransition(from, to PositionStatus) bool {
	if from != StatusOpen {
		return false
	}
	switch to {
	case StatusClosed, StatusExpired, StatusExercised, StatusLiquidated:
		return true
	}
	return false
}

// TxType classifies a ledger transaction.
type TxType string

const (
	TxOpen      TxType = "open"
	TxClose     TxType = "close"
	TxExercise  TxType = "exercise"
	TxAssign    TxType = "assign"
	TxExpire    TxType = "expire"
	TxLiquidate TxType = "liquidate"
	TxBuy       TxType = "buy"
	TxSell      TxType = "sell"
	TxDeposit   TxType = "deposit"
	TxReset     TxType = "reset"
	// TxMarginPayment records cash applied to an outstanding margin call.
	TxMarginPayment TxType = "margin_payment"
)

// MarginCallStatus is the lifecycle of a margin call record.
type MarginCallStatus string

const (
	MarginCallPending    MarginCallStatus = "pending"
	MarginCallSatisfied  MarginCallStatus = "satisfied"
	MarginCallLiquidated MarginCallStatus = "liquidated"
)

// Account holds the cash and margin figures of one trader.
type Account struct {
	ID            string          `json:"id" db:"id"`
	Cash          decimal.Decimal `json:"cash" db:"cash"`
	MarginBalance decimal.Decimal `json:"margin_balance" db:"margin_balance"` // available margin at last recompute
	MarginUsed    decimal.Decimal `json:"margin_used" db:"margin_used"`
	Restricted    bool            `json:"restricted" db:"restricted"` // new naked shorts blocked
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// Holding is an equity or crypto position. (AccountID, Instrument) is unique.
type Holding struct {
	AccountID  string          `json:"account_id" db:"account_id"`
	Instrument Instrument      `json:"instrument"`
	Quantity   decimal.Decimal `json:"quantity" db:"quantity"`
	AvgCost    decimal.Decimal `json:"avg_cost" db:"avg_cost"`
	UpdatedAt  time.Time       `json:"updated_at" db:"updated_at"`
}

// ApplyBuy folds a purchase into the weighted-average cost basis.
func (h *Holding) ApplyBuy(qty, price decimal.Decimal) {
	total := h.Quantity.Add(qty)
	if total.IsZero() {
		h.Quantity = decimal.Zero
		h.AvgCost = decimal.Zero
		return
	}
	h.AvgCost = h.Quantity.Mul(h.AvgCost).Add(qty.Mul(price)).Div(total)
	h.Quantity = total
}

// OptionPosition is one single-leg option contract line.
type OptionPosition struct {
	ID             string          `json:"id" db:"id"`
	AccountID      string          `json:"account_id" db:"account_id"`
	Underlying     string          `json:"underlying" db:"underlying"`
	Kind           OptionKind      `json:"kind" db:"kind"`
	Side           Side            `json:"side" db:"side"`
	Strike         decimal.Decimal `json:"strike" db:"strike"`
	Expiration     time.Time       `json:"expiration" db:"expiration"`
	Quantity       int64           `json:"quantity" db:"quantity"`
	EntryPrice     decimal.Decimal `json:"entry_price" db:"entry_price"` // per share
	MarginRequired decimal.Decimal `json:"margin_required" db:"margin_required"`
	Secured        bool            `json:"secured" db:"secured"`
	Status         PositionStatus  `json:"status" db:"status"`
	OpenedAt       time.Time       `json:"opened_at" db:"opened_at"`
	ClosedAt       *time.Time      `json:"closed_at,omitempty" db:"closed_at"`
}

// Key returns the merge key of the position.
func (p *OptionPosition) Key() PositionKey {
	return PositionKey{
		AccountID:  p.AccountID,
		Underlying: p.Underlying,
		Kind:       p.Kind,
		Side:       p.Side,
		Strike:     p.Strike.String(),
		Expiration: p.Expiration.Format(DateLayout),
		Secured:    p.Secured,
	}
}

// Contracts returns the quantity as a decimal.
func (p *OptionPosition) Contracts() decimal.Decimal { return decimal.NewFromInt(p.Quantity) }

// Units returns the number of underlying units covered (quantity × 100).
func (p *OptionPosition) Units() decimal.Decimal { return p.Contracts().Mul(ContractSize) }

// EntryCost returns the premium paid or received for the whole position.
func (p *OptionPosition) EntryCost() decimal.Decimal { return p.EntryPrice.Mul(p.Units()) }

// Absorb folds quantity contracts at price into p. Entry price becomes the
// quantity-weighted average; margin requirements add.
func (p *OptionPosition) Absorb(quantity int64, price, requirement decimal.Decimal) {
	oldQty := decimal.NewFromInt(p.Quantity)
	addQty := decimal.NewFromInt(quantity)
	p.EntryPrice = p.EntryPrice.Mul(oldQty).Add(price.Mul(addQty)).Div(oldQty.Add(addQty))
	p.Quantity += quantity
	p.MarginRequired = p.MarginRequired.Add(requirement)
}

// IsNakedShort reports whether the position consumes margin.
func (p *OptionPosition) IsNakedShort() bool {
	return p.Side == Short && !p.Secured && p.Status == StatusOpen
}

// DateLayout is the canonical expiration date format.
const DateLayout = "2006-01-02"

// PositionKey identifies positions that merge when opened twice.
type PositionKey struct {
	AccountID  string
	Underlying string
	Kind       OptionKind
	Side       Side
	Strike     string
	Expiration string
	Secured    bool
}

// Transaction is an immutable record of a ledger mutation.
// Once created, these are never modified or deleted.
type Transaction struct {
	ID          string          `json:"id" db:"id"`
	AccountID   string          `json:"account_id" db:"account_id"`
	Instrument  string          `json:"instrument" db:"instrument"` // symbol or option contract
	PositionID  string          `json:"position_id,omitempty" db:"position_id"`
	Type        TxType          `json:"type" db:"type"`
	Quantity    decimal.Decimal `json:"quantity" db:"quantity"`
	Price       decimal.Decimal `json:"price" db:"price"`
	Amount      decimal.Decimal `json:"amount" db:"amount"` // signed cash delta
	RealizedPnL decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`
	MarginDelta decimal.Decimal `json:"margin_delta" db:"margin_delta"`
	Secured     bool            `json:"secured" db:"secured"`
	Timestamp   time.Time       `json:"timestamp" db:"timestamp"`
}

// MarginCall is an audit record of a margin shortfall.
type MarginCall struct {
	ID         string           `json:"id" db:"id"`
	AccountID  string           `json:"account_id" db:"account_id"`
	Amount     decimal.Decimal  `json:"amount" db:"amount"`
	Reason     string           `json:"reason" db:"reason"`
	Status     MarginCallStatus `json:"status" db:"status"`
	CreatedAt  time.Time        `json:"created_at" db:"created_at"`
	ResolvedAt *time.Time       `json:"resolved_at,omitempty" db:"resolved_at"`
}

// MarginStatus is a point-in-time margin snapshot of one account.
type MarginStatus struct {
	AccountID             string          `json:"account_id"`
	Cash                  decimal.Decimal `json:"cash"`
	HoldingsValue         decimal.Decimal `json:"holdings_value"`
	LongOptionsValue      decimal.Decimal `json:"long_options_value"`
	PortfolioValue        decimal.Decimal `json:"portfolio_value"`
	MarginCapacity        decimal.Decimal `json:"margin_capacity"` // 0.5 × portfolio value
	MarginUsed            decimal.Decimal `json:"margin_used"`
	AvailableMargin       decimal.Decimal `json:"available_margin"`
	UtilizationPercentage decimal.Decimal `json:"utilization_percentage"`
	Restricted            bool            `json:"restricted"`
}

// Moneyness classifies an option relative to spot.
type Moneyness string

const (
	ITM Moneyness = "ITM"
	ATM Moneyness = "ATM"
	OTM Moneyness = "OTM"
)

// PositionView is an option position enriched with live market data.
type PositionView struct {
	OptionPosition
	Contract      string          `json:"contract"`
	SpotPrice     decimal.Decimal `json:"spot_price"`
	CurrentPrice  decimal.Decimal `json:"current_price"` // per share
	DaysToExpiry  decimal.Decimal `json:"days_to_expiry"`
	Moneyness     Moneyness       `json:"moneyness"`
	MarketValue   decimal.Decimal `json:"market_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	PercentChange decimal.Decimal `json:"percent_change"`
	PriceError    string          `json:"price_error,omitempty"`
}

// HoldingView is a holding enriched with its mark-to-market value.
type HoldingView struct {
	Holding
	CurrentPrice  decimal.Decimal `json:"current_price"`
	MarketValue   decimal.Decimal `json:"market_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	PercentChange decimal.Decimal `json:"percent_change"`
	PriceError    string          `json:"price_error,omitempty"`
}

// Portfolio aggregates holdings, option positions and margin for an account.
type Portfolio struct {
	Account  Account         `json:"account"`
	Holdings []HoldingView   `json:"holdings"`
	Options  []PositionView  `json:"options"`
	Margin   *MarginStatus   `json:"margin,omitempty"`
	TotalPnL decimal.Decimal `json:"total_pnl"`
}
