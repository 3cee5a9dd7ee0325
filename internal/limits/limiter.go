// Package limits enforces option position limits per account.
//
// Two limits apply when a position is opened:
//   - per underlying: total open contracts (long and short) on one
//     underlying symbol
//   - short exposure: total open short contracts across all underlyings,
//     secured or not
//
// Closing, settling and liquidating never hit a limit; they only shrink
// exposure.
package limits

import (
	"errors"
	"fmt"

	"github.com/papertrade/paper-engine/internal/model"
)

var (
	// ErrUnderlyingLimitExceeded is returned when an open would push the
	// contracts held on one underlying beyond the per-underlying maximum.
	ErrUnderlyingLimitExceeded = errors.New("limits: per-underlying contract limit exceeded")

	// ErrShortLimitExceeded is returned when an open would push the account's
	// total short contracts beyond the maximum.
	ErrShortLimitExceeded = errors.New("limits: short contract limit exceeded")
)

// PositionLimiter enforces contract count limits. A zero maximum disables
// that limit.
type PositionLimiter struct {
	// MaxPerUnderlying caps open contracts on a single underlying.
	MaxPerUnderlying int64

	// MaxShortContracts caps open short contracts across the account.
	MaxShortContracts int64
}

// NewPositionLimiter creates a limiter with the given maxima.
func NewPositionLimiter(maxPerUnderlying, maxShortContracts int64) *PositionLimiter {
	if maxPerUnderlying < 0 {
		maxPerUnderlying = 0
	}
	if maxShortContracts < 0 {
		maxShortContracts = 0
	}
	return &PositionLimiter{
		MaxPerUnderlying:  maxPerUnderlying,
		MaxShortContracts: maxShortContracts,
	}
}

// Exposure summarizes an account's open contracts.
type Exposure struct {
	PerUnderlying map[string]int64
	Short         int64
}

// ExposureOf sums the open positions. Positions in a terminal state are
// ignored.
func ExposureOf(positions []model.OptionPosition) Exposure {
	e := Exposure{PerUnderlying: make(map[string]int64)}
	for _, p := range positions {
		if p.Status != model.StatusOpen {
			continue
		}
		e.PerUnderlying[p.Underlying] += p.Quantity
		if p.Side == model.Short {
			e.Short += p.Quantity
		}
	}
	return e
}

// CheckOpen validates opening quantity contracts on underlying against the
// account's current exposure. Returns nil if the open is within limits.
func (l *PositionLimiter) CheckOpen(underlying string, side model.Side, quantity int64, current Exposure) error {
	if l == nil {
		return nil
	}

	// 1. Per-underlying limit.
	if l.MaxPerUnderlying > 0 {
		next := current.PerUnderlying[underlying] + quantity
		if next > l.MaxPerUnderlying {
			return fmt.Errorf("%w: %s would hold %d contracts (max %d)",
				ErrUnderlyingLimitExceeded, underlying, next, l.MaxPerUnderlying)
		}
	}

	// 2. Aggregate short contracts.
	if side == model.Short && l.MaxShortContracts > 0 {
		next := current.Short + quantity
		if next > l.MaxShortContracts {
			return fmt.Errorf("%w: %d short contracts (max %d)",
				ErrShortLimitExceeded, next, l.MaxShortContracts)
		}
	}

	return nil
}
