// Package contract handles option contract symbol parsing, validation and
// formatting in the OCC style used by US listed options.
package contract

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papertrade/paper-engine/internal/model"
)

// symbolRegex matches: {root}{YYMMDD}{C|P}{strike×1000, 8 digits}
// Example: AAPL250117C00150000
var symbolRegex = regexp.MustCompile(
	`^([A-Z][A-Z0-9.]{0,5})(\d{6})([CP])(\d{8})$`,
)

var (
	ErrInvalidSymbol = errors.New("contract: invalid option symbol")
	ErrInvalidStrike = errors.New("contract: strike must be positive")
)

var strikeScale = decimal.NewFromInt(1000)

// Contract represents a parsed single-leg option contract.
type Contract struct {
	Symbol     string           `json:"symbol"`
	Underlying string           `json:"underlying"`
	Kind       model.OptionKind `json:"kind"`
	Strike     decimal.Decimal  `json:"strike"`
	Expiration time.Time        `json:"expiration"`
}

// Parse parses and validates an option symbol.
// Format: {root}{YYMMDD}{C|P}{strike×1000 zero-padded to 8 digits}
func Parse(symbol string) (*Contract, error) {
	symbol = strings.ToUpper(strings.ReplaceAll(symbol, " ", ""))
	matches := symbolRegex.FindStringSubmatch(symbol)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected {root}{YYMMDD}{C|P}{strike×1000})",
			ErrInvalidSymbol, symbol)
	}

	expiry, err := time.Parse("060102", matches[2])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid date %s", ErrInvalidSymbol, matches[2])
	}

	kind := model.Call
	if matches[3] == "P" {
		kind = model.Put
	}

	raw, err := decimal.NewFromString(matches[4])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid strike %s", ErrInvalidSymbol, matches[4])
	}
	strike := raw.Div(strikeScale)
	if !strike.IsPositive() {
		return nil, ErrInvalidStrike
	}

	return &Contract{
		Symbol:     symbol,
		Underlying: matches[1],
		Kind:       kind,
		Strike:     strike,
		Expiration: expiry.UTC(),
	}, nil
}

// Format builds the option symbol for the given terms.
func Format(underlying string, kind model.OptionKind, strike decimal.Decimal, expiration time.Time) string {
	letter := "C"
	if kind == model.Put {
		letter = "P"
	}
	millis := strike.Mul(strikeScale).Round(0).IntPart()
	return fmt.Sprintf("%s%s%s%08d",
		strings.ToUpper(underlying), expiration.Format("060102"), letter, millis)
}

// ForPosition returns the option symbol of a position.
func ForPosition(p *model.OptionPosition) string {
	return Format(p.Underlying, p.Kind, p.Strike, p.Expiration)
}
