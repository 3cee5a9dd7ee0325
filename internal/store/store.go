// Package store defines the ledger persistence interface for the paper engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache for history listings), and in-memory (for testing and development).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papertrade/paper-engine/internal/model"
)

// ErrNotFound is returned by lookups that match nothing.
var ErrNotFound = errors.New("store: not found")

// Store is the ledger. Every mutation happens inside Atomic; the read-only
// methods serve history and sweep queries and may be served from a cache.
type Store interface {
	// Atomic runs fn as one all-or-nothing unit. Reads inside fn observe the
	// latest committed state; if fn returns an error nothing it wrote is kept.
	Atomic(ctx context.Context, fn func(tx Tx) error) error

	// GetAccount returns the committed account, or ErrNotFound.
	GetAccount(ctx context.Context, id string) (*model.Account, error)

	// ListTransactions returns the newest `limit` transactions, newest first.
	ListTransactions(ctx context.Context, accountID string, limit int) ([]model.Transaction, error)

	// ListMarginCalls returns every margin call of the account, newest first.
	ListMarginCalls(ctx context.Context, accountID string) ([]model.MarginCall, error)

	// ListExpiredOptionPositions returns open positions whose expiration
	// date is strictly before `before`, across all accounts.
	ListExpiredOptionPositions(ctx context.Context, before time.Time) ([]model.OptionPosition, error)

	// ListAccountsWithNakedShorts returns IDs of accounts holding at least one
	// open, unsecured short option position.
	ListAccountsWithNakedShorts(ctx context.Context) ([]string, error)
}

// Tx is the set of ledger primitives available inside an atomic unit.
type Tx interface {
	// --- Accounts ---

	// GetOrCreateAccount returns the account, creating it with initialCash
	// on first use. Implementations lock the account row for the unit.
	GetOrCreateAccount(ctx context.Context, id string, initialCash decimal.Decimal) (*model.Account, error)

	// GetAccount returns the account or ErrNotFound.
	GetAccount(ctx context.Context, id string) (*model.Account, error)

	// UpdateCash sets the cash balance.
	UpdateCash(ctx context.Context, id string, cash decimal.Decimal) error

	// UpdateMargin sets the margin snapshot and restriction flag.
	UpdateMargin(ctx context.Context, id string, balance, used decimal.Decimal, restricted bool) error

	// --- Holdings ---

	// GetHolding returns the holding or ErrNotFound.
	GetHolding(ctx context.Context, accountID string, inst model.Instrument) (*model.Holding, error)

	// ListHoldings returns every non-zero holding of the account.
	ListHoldings(ctx context.Context, accountID string) ([]model.Holding, error)

	// SaveHolding upserts a holding; a zero quantity removes it.
	SaveHolding(ctx context.Context, h *model.Holding) error

	// --- Option positions ---

	// GetOptionPosition returns the position or ErrNotFound.
	GetOptionPosition(ctx context.Context, id string) (*model.OptionPosition, error)

	// ListOptionPositions returns the account's positions in the given
	// status (all when status is empty), ordered by open time then ID.
	ListOptionPositions(ctx context.Context, accountID string, status model.PositionStatus) ([]model.OptionPosition, error)

	// FindOpenOptionPosition returns the open position with the merge key,
	// or ErrNotFound.
	FindOpenOptionPosition(ctx context.Context, key model.PositionKey) (*model.OptionPosition, error)

	// CreateOptionPosition inserts a new position.
	CreateOptionPosition(ctx context.Context, p *model.OptionPosition) error

	// UpdateOptionPosition persists quantity, price, margin, secured flag
	// and status changes.
	UpdateOptionPosition(ctx context.Context, p *model.OptionPosition) error

	// --- Audit ---

	// InsertTransaction appends an immutable transaction record.
	InsertTransaction(ctx context.Context, t *model.Transaction) error

	// CreateMarginCall records a margin call.
	CreateMarginCall(ctx context.Context, mc *model.MarginCall) error

	// ListMarginCalls returns the account's margin calls in the given status,
	// oldest first.
	ListMarginCalls(ctx context.Context, accountID string, status model.MarginCallStatus) ([]model.MarginCall, error)

	// ResolveMarginCall moves a margin call to a resolved status.
	ResolveMarginCall(ctx context.Context, accountID, id string, status model.MarginCallStatus, at time.Time) error
}
