package pricing

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/papertrade/paper-engine/internal/model"
)

// DaysPerYear converts calendar days to years.
const DaysPerYear = 365.25

// ATMBand is the relative distance from strike inside which an option is
// classified at-the-money.
var ATMBand = decimal.NewFromFloat(0.005)

// IntrinsicValue is max(spot-strike, 0) for calls and max(strike-spot, 0) for puts.
func IntrinsicValue(kind model.OptionKind, spot, strike decimal.Decimal) decimal.Decimal {
	var v decimal.Decimal
	if kind == model.Call {
		v = spot.Sub(strike)
	} else {
		v = strike.Sub(spot)
	}
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}

// Classify returns ITM, ATM or OTM. Anything within ATMBand of the strike is ATM.
func Classify(kind model.OptionKind, spot, strike decimal.Decimal) model.Moneyness {
	if strike.IsPositive() && spot.Sub(strike).Abs().Div(strike).LessThanOrEqual(ATMBand) {
		return model.ATM
	}
	if IntrinsicValue(kind, spot, strike).IsPositive() {
		return model.ITM
	}
	return model.OTM
}

// ExpiryCutoff is the instant an option stops trading: the end of its
// expiration date, UTC.
func ExpiryCutoff(expiration time.Time) time.Time {
	y, m, d := expiration.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}

// DaysToExpiry returns calendar days (fractional) from now to the cutoff.
func DaysToExpiry(now, expiration time.Time) float64 {
	return ExpiryCutoff(expiration).Sub(now).Hours() / 24
}

// YearsToExpiry converts DaysToExpiry to years. Returns ErrExpired when the
// cutoff has passed.
func YearsToExpiry(now, expiration time.Time) (float64, error) {
	days := DaysToExpiry(now, expiration)
	if days <= 0 {
		return 0, ErrExpired
	}
	return days / DaysPerYear, nil
}

// IsExpired reports whether expiration settlement is due.
func IsExpired(now, expiration time.Time) bool {
	return !now.Before(ExpiryCutoff(expiration))
}
