package options

import (
	"context"
	"errors"

	"github.com/papertrade/paper-engine/internal/contract"
	"github.com/papertrade/paper-engine/internal/holdings"
	"github.com/papertrade/paper-engine/internal/limits"
	"github.com/papertrade/paper-engine/internal/margin"
	"github.com/papertrade/paper-engine/internal/oracle"
	"github.com/papertrade/paper-engine/internal/pricing"
	"github.com/papertrade/paper-engine/internal/store"
)

// Code classifies a failed operation.
type Code string

const (
	CodeInvalidInput           Code = "invalid_input"
	CodePricingUnavailable     Code = "pricing_unavailable"
	CodeInsufficientFunds      Code = "insufficient_funds"
	CodeInsufficientMargin     Code = "insufficient_margin"
	CodeInsufficientCollateral Code = "insufficient_collateral"
	CodeLimitExceeded          Code = "limit_exceeded"
	CodeNotFound               Code = "not_found"
	CodeConflict               Code = "conflict"
	CodeInconsistentState      Code = "inconsistent_state"
	CodeInternal               Code = "internal"
)

// Result is the envelope every operation reports.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Code    Code   `json:"code,omitempty"`
}

// Failure builds the envelope for an error.
func Failure(err error) Result {
	return Result{Success: false, Message: err.Error(), Code: Classify(err)}
}

func ok(msg string) Result { return Result{Success: true, Message: msg} }

var codes = []struct {
	code Code
	errs []error
}{
	{CodeInvalidInput, []error{
		ErrInvalidInput, holdings.ErrInvalidQuantity, holdings.ErrInvalidPrice,
		pricing.ErrExpired, pricing.ErrInvalidInput,
		contract.ErrInvalidSymbol, contract.ErrInvalidStrike,
	}},
	{CodePricingUnavailable, []error{
		oracle.ErrNoPrice, oracle.ErrNotFound, oracle.ErrRateLimited, oracle.ErrUnavailable,
		context.DeadlineExceeded,
	}},
	{CodeInsufficientFunds, []error{
		ErrInsufficientFunds, holdings.ErrInsufficientFunds, holdings.ErrInsufficientQuantity,
	}},
	{CodeInsufficientMargin, []error{margin.ErrInsufficientMargin, margin.ErrRestricted}},
	{CodeInsufficientCollateral, []error{margin.ErrInsufficientCollateral}},
	{CodeLimitExceeded, []error{limits.ErrUnderlyingLimitExceeded, limits.ErrShortLimitExceeded}},
	{CodeNotFound, []error{ErrPositionNotFound, store.ErrNotFound}},
	{CodeConflict, []error{ErrNotOpen}},
	{CodeInconsistentState, []error{margin.ErrInconsistentState}},
}

// Classify maps an error to its result code.
func Classify(err error) Code {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		for _, target := range c.errs {
			if errors.Is(err, target) {
				return c.code
			}
		}
	}
	return CodeInternal
}
