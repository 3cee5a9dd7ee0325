// Package pricing values single-leg equity options.
//
// The closed-form Black-Scholes model runs in float64 (it needs exp, log and
// the normal CDF); inputs and outputs cross the package boundary as decimals,
// rounded to PriceScale places.
package pricing

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"

	"github.com/papertrade/paper-engine/internal/model"
)

var (
	// ErrExpired is returned when time to expiry is not positive.
	ErrExpired = errors.New("pricing: expiration must be in the future")

	// ErrInvalidInput is returned for non-positive spot, strike or volatility.
	ErrInvalidInput = errors.New("pricing: spot, strike and volatility must be positive")

	// PriceScale is the number of decimal places kept on per-share prices.
	PriceScale int32 = 4
)

// Inputs are the Black-Scholes model parameters.
type Inputs struct {
	Spot       float64 // S
	Strike     float64 // K
	Years      float64 // T, time to expiry in years
	Rate       float64 // r, continuously compounded risk-free rate
	Volatility float64 // σ, annualized
}

func (in Inputs) validate() error {
	if in.Years <= 0 {
		return ErrExpired
	}
	if in.Spot <= 0 || in.Strike <= 0 || in.Volatility <= 0 {
		return ErrInvalidInput
	}
	return nil
}

func (in Inputs) d1d2() (float64, float64) {
	sqrtT := math.Sqrt(in.Years)
	d1 := (math.Log(in.Spot/in.Strike) + (in.Rate+0.5*in.Volatility*in.Volatility)*in.Years) / (in.Volatility * sqrtT)
	return d1, d1 - in.Volatility*sqrtT
}

// BlackScholes returns the theoretical per-share value of a European option.
func BlackScholes(kind model.OptionKind, in Inputs) (float64, error) {
	if err := in.validate(); err != nil {
		return 0, err
	}
	d1, d2 := in.d1d2()
	discount := math.Exp(-in.Rate * in.Years)

	var price float64
	if kind == model.Call {
		price = in.Spot*normCDF(d1) - in.Strike*discount*normCDF(d2)
	} else {
		price = in.Strike*discount*normCDF(-d2) - in.Spot*normCDF(-d1)
	}
	// Deep out-of-the-money round-off can go a hair negative.
	return math.Max(price, 0), nil
}

// Delta returns ∂V/∂S.
func Delta(kind model.OptionKind, in Inputs) (float64, error) {
	if err := in.validate(); err != nil {
		return 0, err
	}
	d1, _ := in.d1d2()
	if kind == model.Call {
		return normCDF(d1), nil
	}
	return normCDF(d1) - 1, nil
}

// Price is BlackScholes over decimals: price(kind, spot, strike, T, r, σ).
func Price(kind model.OptionKind, spot, strike decimal.Decimal, years, rate, vol float64) (decimal.Decimal, error) {
	s, _ := spot.Float64()
	k, _ := strike.Float64()
	v, err := BlackScholes(kind, Inputs{Spot: s, Strike: k, Years: years, Rate: rate, Volatility: vol})
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromFloat(v).Round(PriceScale), nil
}

func normCDF(x float64) float64 {
	return 0.5 * math.Erfc(-x/math.Sqrt2)
}
