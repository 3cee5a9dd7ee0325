package contract

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papertrade/paper-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestParse_ValidCall(t *testing.T) {
	c, err := Parse("AAPL250117C00150000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Underlying != "AAPL" {
		t.Errorf("underlying = %q, want AAPL", c.Underlying)
	}
	if c.Kind != model.Call {
		t.Errorf("kind = %q, want call", c.Kind)
	}
	if !c.Strike.Equal(d(150)) {
		t.Errorf("strike = %s, want 150", c.Strike)
	}
	want := time.Date(2025, 1, 17, 0, 0, 0, 0, time.UTC)
	if !c.Expiration.Equal(want) {
		t.Errorf("expiration = %s, want %s", c.Expiration, want)
	}
}

func TestParse_FractionalPutStrike(t *testing.T) {
	c, err := Parse("spy 261218P00412500")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Kind != model.Put {
		t.Errorf("kind = %q, want put", c.Kind)
	}
	if !c.Strike.Equal(d(412.5)) {
		t.Errorf("strike = %s, want 412.5", c.Strike)
	}
	if c.Symbol != "SPY261218P00412500" {
		t.Errorf("symbol not normalized: %q", c.Symbol)
	}
}

func TestParse_InvalidFormats(t *testing.T) {
	cases := []string{
		"",
		"AAPL",
		"AAPL250117X00150000",
		"AAPL250117C150000",
		"TOOLONGROOT250117C00150000",
		"AAPL251317C00150000", // month 13
	}
	for _, s := range cases {
		if _, err := Parse(s); !errors.Is(err, ErrInvalidSymbol) {
			t.Errorf("Parse(%q) error = %v, want ErrInvalidSymbol", s, err)
		}
	}
}

func TestParse_ZeroStrike(t *testing.T) {
	_, err := Parse("AAPL250117C00000000")
	if !errors.Is(err, ErrInvalidStrike) {
		t.Errorf("expected ErrInvalidStrike, got %v", err)
	}
}

func TestFormat_RoundTrip(t *testing.T) {
	exp := time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC)
	sym := Format("msft", model.Put, d(87.5), exp)
	if sym != "MSFT260320P00087500" {
		t.Fatalf("Format = %q", sym)
	}

	c, err := Parse(sym)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Underlying != "MSFT" || c.Kind != model.Put || !c.Strike.Equal(d(87.5)) || !c.Expiration.Equal(exp) {
		t.Errorf("round trip mismatch: %+v", c)
	}
}

func TestForPosition(t *testing.T) {
	p := &model.OptionPosition{
		Underlying: "XYZ",
		Kind:       model.Call,
		Strike:     d(160),
		Expiration: time.Date(2026, 11, 20, 0, 0, 0, 0, time.UTC),
	}
	if got := ForPosition(p); got != "XYZ261120C00160000" {
		t.Errorf("ForPosition = %q", got)
	}
}
