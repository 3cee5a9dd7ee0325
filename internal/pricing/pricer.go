package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papertrade/paper-engine/internal/model"
	"github.com/papertrade/paper-engine/internal/oracle"
)

// RateSource supplies the risk-free rate for a duration in days.
type RateSource interface {
	Rate(ctx context.Context, days float64) float64
}

// FixedRate is a RateSource returning a constant.
type FixedRate float64

func (r FixedRate) Rate(context.Context, float64) float64 { return float64(r) }

// OptionQuote is the theoretical valuation of one contract at a point in time.
type OptionQuote struct {
	Underlying    string           `json:"underlying"`
	Kind          model.OptionKind `json:"kind"`
	Strike        decimal.Decimal  `json:"strike"`
	Expiration    time.Time        `json:"expiration"`
	Spot          decimal.Decimal  `json:"spot"`
	Price         decimal.Decimal  `json:"price"` // per share
	Intrinsic     decimal.Decimal  `json:"intrinsic"`
	Moneyness     model.Moneyness  `json:"moneyness"`
	Delta         decimal.Decimal  `json:"delta"`
	Volatility    decimal.Decimal  `json:"volatility"`
	Rate          decimal.Decimal  `json:"rate"`
	DaysToExpiry  decimal.Decimal  `json:"days_to_expiry"`
	YearsToExpiry decimal.Decimal  `json:"years_to_expiry"`
	Expired       bool             `json:"expired"`
}

// PerContract returns the contract premium (per-share price × 100).
func (q *OptionQuote) PerContract() decimal.Decimal { return q.Price.Mul(model.ContractSize) }

// Config tunes a Pricer.
type Config struct {
	DefaultVolatility float64 // used when history is unavailable
	VolatilityWindow  int     // days of history for the estimate
}

// Pricer values options from oracle spot prices, a historical volatility
// estimate and the yield curve.
type Pricer struct {
	oracle oracle.Oracle
	rates  RateSource
	cfg    Config
	now    func() time.Time
}

// NewPricer creates a pricer.
func NewPricer(o oracle.Oracle, rates RateSource, cfg Config) *Pricer {
	if cfg.DefaultVolatility <= 0 {
		cfg.DefaultVolatility = 0.30
	}
	if cfg.VolatilityWindow <= 0 {
		cfg.VolatilityWindow = 30
	}
	return &Pricer{oracle: o, rates: rates, cfg: cfg, now: time.Now}
}

// WithClock overrides the time source. Intended for tests and replays.
func (p *Pricer) WithClock(now func() time.Time) *Pricer {
	p.now = now
	return p
}

// Now returns the pricer's current time.
func (p *Pricer) Now() time.Time { return p.now() }

// Spot returns the current oracle price of an instrument.
func (p *Pricer) Spot(ctx context.Context, inst model.Instrument) (decimal.Decimal, error) {
	price, err := p.oracle.Quote(ctx, inst)
	if err != nil {
		return decimal.Zero, err
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", oracle.ErrNoPrice, inst)
	}
	return price, nil
}

// Volatility estimates annualized volatility from the oracle history,
// falling back to the configured default.
func (p *Pricer) Volatility(ctx context.Context, inst model.Instrument) float64 {
	points, err := p.oracle.History(ctx, inst, p.cfg.VolatilityWindow)
	if err != nil {
		slog.Debug("volatility history unavailable, using default",
			"instrument", inst.String(), "err", err)
		return p.cfg.DefaultVolatility
	}
	periods := 252.0
	if inst.Class == model.AssetCrypto {
		periods = 365
	}
	vol, err := HistoricalVolatility(points, periods)
	if err != nil {
		return p.cfg.DefaultVolatility
	}
	return vol
}

// QuoteOption prices a contract that has not expired. Errors with
// ErrExpired otherwise; this is the quote used to trade.
func (p *Pricer) QuoteOption(ctx context.Context, underlying string, kind model.OptionKind, strike decimal.Decimal, expiration time.Time) (*OptionQuote, error) {
	now := p.now()
	years, err := YearsToExpiry(now, expiration)
	if err != nil {
		return nil, err
	}
	inst := model.Equity(underlying)
	spot, err := p.Spot(ctx, inst)
	if err != nil {
		return nil, err
	}
	return p.quote(ctx, inst, kind, strike, expiration, spot, years, DaysToExpiry(now, expiration))
}

// Mark values a contract for risk purposes. Contracts past their cutoff but
// not yet settled are marked at intrinsic value instead of failing.
func (p *Pricer) Mark(ctx context.Context, underlying string, kind model.OptionKind, strike decimal.Decimal, expiration time.Time) (*OptionQuote, error) {
	now := p.now()
	inst := model.Equity(underlying)
	spot, err := p.Spot(ctx, inst)
	if err != nil {
		return nil, err
	}
	days := DaysToExpiry(now, expiration)
	if days <= 0 {
		intrinsic := IntrinsicValue(kind, spot, strike)
		return &OptionQuote{
			Underlying: inst.Symbol,
			Kind:       kind,
			Strike:     strike,
			Expiration: expiration,
			Spot:       spot,
			Price:      intrinsic,
			Intrinsic:  intrinsic,
			Moneyness:  Classify(kind, spot, strike),
			Expired:    true,
		}, nil
	}
	return p.quote(ctx, inst, kind, strike, expiration, spot, days/DaysPerYear, days)
}

func (p *Pricer) quote(ctx context.Context, inst model.Instrument, kind model.OptionKind, strike decimal.Decimal, expiration time.Time, spot decimal.Decimal, years, days float64) (*OptionQuote, error) {
	if !strike.IsPositive() {
		return nil, ErrInvalidInput
	}
	vol := p.Volatility(ctx, inst)
	rate := p.rates.Rate(ctx, days)

	price, err := Price(kind, spot, strike, years, rate, vol)
	if err != nil {
		return nil, err
	}
	s, _ := spot.Float64()
	k, _ := strike.Float64()
	delta, _ := Delta(kind, Inputs{Spot: s, Strike: k, Years: years, Rate: rate, Volatility: vol})

	return &OptionQuote{
		Underlying:    inst.Symbol,
		Kind:          kind,
		Strike:        strike,
		Expiration:    expiration,
		Spot:          spot,
		Price:         price,
		Intrinsic:     IntrinsicValue(kind, spot, strike),
		Moneyness:     Classify(kind, spot, strike),
		Delta:         decimal.NewFromFloat(delta).Round(4),
		Volatility:    decimal.NewFromFloat(vol).Round(4),
		Rate:          decimal.NewFromFloat(rate).Round(5),
		DaysToExpiry:  decimal.NewFromFloat(days).Round(2),
		YearsToExpiry: decimal.NewFromFloat(years).Round(6),
	}, nil
}
