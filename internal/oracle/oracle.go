// Package oracle provides current and historical prices for equities and
// crypto coins. The Oracle interface is what the pricing and margin layers
// consume; Client implements it against the quote service's HTTP API.
package oracle

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papertrade/paper-engine/internal/model"
)

var (
	// ErrNoPrice is returned when the service knows the instrument but has
	// no usable price for it.
	ErrNoPrice = errors.New("oracle: no price available")

	// ErrNotFound is returned for unknown instruments.
	ErrNotFound = errors.New("oracle: instrument not found")

	// ErrRateLimited is returned while the client is backing off after the
	// service signalled rate limiting.
	ErrRateLimited = errors.New("oracle: rate limited")

	// ErrUnavailable wraps transport and server-side failures.
	ErrUnavailable = errors.New("oracle: service unavailable")
)

// PricePoint is one observation of a historical series.
type PricePoint struct {
	Time  time.Time       `json:"time"`
	Price decimal.Decimal `json:"price"`
}

// Oracle supplies prices. Implementations own their caching policy.
type Oracle interface {
	// Quote returns the current price of the instrument.
	Quote(ctx context.Context, inst model.Instrument) (decimal.Decimal, error)

	// History returns daily prices for the last `days` days, oldest first.
	History(ctx context.Context, inst model.Instrument, days int) ([]PricePoint, error)
}

// coinTickers maps common coin identifiers to their exchange ticker.
var coinTickers = map[string]string{
	"bitcoin":     "BTC",
	"ethereum":    "ETH",
	"solana":      "SOL",
	"cardano":     "ADA",
	"dogecoin":    "DOGE",
	"ripple":      "XRP",
	"litecoin":    "LTC",
	"polkadot":    "DOT",
	"chainlink":   "LINK",
	"avalanche-2": "AVAX",
}

// Ticker returns the quote service ticker for an instrument. Crypto coins are
// quoted against USD, e.g. "bitcoin" and "btc" both become "BTC-USD".
func Ticker(inst model.Instrument) string {
	if inst.Class != model.AssetCrypto {
		return strings.ToUpper(inst.Symbol)
	}
	sym := strings.ToLower(inst.Symbol)
	if t, ok := coinTickers[sym]; ok {
		return t + "-USD"
	}
	upper := strings.ToUpper(sym)
	if strings.HasSuffix(upper, "-USD") {
		return upper
	}
	return upper + "-USD"
}
