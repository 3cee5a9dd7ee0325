// Package options runs the option position lifecycle for paper trading
// accounts: opening and closing contracts, equity and crypto trades that
// back secured shorts, expiration settlement, the margin cascade, deposits
// and account resets.
//
// Every mutating operation holds the account's lock and runs as one atomic
// ledger unit. Oracle errors abort the unit, so nothing is written. Events
// are published after commit.
package options

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/papertrade/paper-engine/internal/events"
	"github.com/papertrade/paper-engine/internal/holdings"
	"github.com/papertrade/paper-engine/internal/limits"
	"github.com/papertrade/paper-engine/internal/margin"
	"github.com/papertrade/paper-engine/internal/metrics"
	"github.com/papertrade/paper-engine/internal/model"
	"github.com/papertrade/paper-engine/internal/pricing"
	"github.com/papertrade/paper-engine/internal/store"
)

var (
	// ErrInvalidInput is returned for malformed requests.
	ErrInvalidInput = errors.New("options: invalid input")

	// ErrPositionNotFound is returned for unknown positions and for positions
	// owned by another account.
	ErrPositionNotFound = errors.New("options: position not found")

	// ErrNotOpen is returned when closing a position in a terminal state.
	ErrNotOpen = errors.New("options: position is not open")

	// ErrInsufficientFunds is returned when cash does not cover a premium or
	// a buy-back.
	ErrInsufficientFunds = errors.New("options: insufficient funds")
)

// Reasons recorded on margin calls that represent uncollected cash.
const (
	ReasonAssignmentShortfall  = "assignment shortfall"
	ReasonLiquidationShortfall = "liquidation shortfall"
)

// Pricer values instruments and contracts. *pricing.Pricer implements it.
type Pricer interface {
	margin.Marker
	QuoteOption(ctx context.Context, underlying string, kind model.OptionKind, strike decimal.Decimal, expiration time.Time) (*pricing.OptionQuote, error)
}

// Config holds the manager's tunables.
type Config struct {
	InitialCash decimal.Decimal
	Limits      *limits.PositionLimiter // nil disables position limits
}

// Manager executes lifecycle operations.
type Manager struct {
	store  store.Store
	pricer Pricer
	margin *margin.Engine
	trader *holdings.Trader
	events events.Publisher
	cfg    Config
	locks  *keyedMutex
}

// NewManager creates a lifecycle manager. A nil publisher discards events.
func NewManager(st store.Store, pricer Pricer, cfg Config, pub events.Publisher) *Manager {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Manager{
		store:  st,
		pricer: pricer,
		margin: margin.NewEngine(pricer),
		trader: holdings.NewTrader(pricer.Now),
		events: pub,
		cfg:    cfg,
		locks:  newKeyedMutex(),
	}
}

// exec runs fn as one atomic unit under the account lock and records the
// operation's latency and rejection code.
func (m *Manager) exec(ctx context.Context, op, accountID string, fn func(tx store.Tx) error) error {
	start := time.Now()
	defer metrics.ObserveSince(op, start)

	unlock := m.locks.Lock(accountID)
	defer unlock()

	err := m.store.Atomic(ctx, fn)
	if err != nil {
		code := Classify(err)
		metrics.RejectedTotal.WithLabelValues(op, string(code)).Inc()
		if code == CodeInternal {
			slog.Error("operation failed", "op", op, "account_id", accountID, "err", err)
		} else {
			slog.Info("operation rejected", "op", op, "account_id", accountID, "code", code, "err", err)
		}
	}
	return err
}

// reject records a request refused before any ledger work.
func (m *Manager) reject(op string, err error) error {
	metrics.RejectedTotal.WithLabelValues(op, string(Classify(err))).Inc()
	return err
}

// publish emits an event after commit. Delivery is best effort.
func (m *Manager) publish(ctx context.Context, typ events.Type, accountID string, data any) {
	m.events.Publish(ctx, events.Event{
		Type:      typ,
		AccountID: accountID,
		Timestamp: m.pricer.Now().UTC(),
		Data:      data,
	})
}

func (m *Manager) now() time.Time { return m.pricer.Now().UTC() }

func (m *Manager) account(ctx context.Context, tx store.Tx, accountID string) (*model.Account, error) {
	if accountID == "" {
		return nil, fmt.Errorf("%w: account id is required", ErrInvalidInput)
	}
	return tx.GetOrCreateAccount(ctx, accountID, m.cfg.InitialCash)
}

// recordShortfall clamps cash to zero when a forced debit exceeds it and
// opens a margin call for the remainder. It returns the cash actually
// debited.
func (m *Manager) recordShortfall(ctx context.Context, tx store.Tx, acct *model.Account, debit decimal.Decimal, reason string) (decimal.Decimal, *model.MarginCall, error) {
	if acct.Cash.GreaterThanOrEqual(debit) {
		acct.Cash = acct.Cash.Sub(debit)
		return debit, nil, tx.UpdateCash(ctx, acct.ID, acct.Cash)
	}
	paid := decimal.Max(acct.Cash, decimal.Zero)
	call := &model.MarginCall{
		ID:        uuid.New().String(),
		AccountID: acct.ID,
		Amount:    debit.Sub(paid).Round(2),
		Reason:    reason,
		Status:    model.MarginCallPending,
		CreatedAt: m.now(),
	}
	if err := tx.CreateMarginCall(ctx, call); err != nil {
		return decimal.Zero, nil, err
	}
	acct.Cash = decimal.Zero
	if err := tx.UpdateCash(ctx, acct.ID, acct.Cash); err != nil {
		return decimal.Zero, nil, err
	}
	metrics.MarginCallsTotal.WithLabelValues("shortfall").Inc()
	slog.Warn("forced debit exceeds cash, margin call recorded",
		"account_id", acct.ID, "debit", debit.String(), "shortfall", call.Amount.String(),
		"reason", reason)
	return paid, call, nil
}
