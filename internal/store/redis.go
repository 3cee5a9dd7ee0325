package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/papertrade/paper-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for account snapshots and history listings. Atomic units always run
// against the primary; every account an atomic unit touched is invalidated
// once it commits. Reads feeding trading decisions go through Tx and never
// see the cache.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	var tracked *trackingTx
	err := s.primary.Atomic(ctx, func(tx Tx) error {
		// A retried unit starts with a fresh set.
		tracked = &trackingTx{Tx: tx, touched: make(map[string]struct{})}
		return fn(tracked)
	})
	if err != nil || tracked == nil {
		return err
	}
	s.invalidate(ctx, tracked.accounts()...)
	return nil
}

func (s *CachedStore) invalidate(ctx context.Context, accountIDs ...string) {
	if len(accountIDs) == 0 {
		return
	}
	keys := make([]string, 0, 3*len(accountIDs))
	for _, id := range accountIDs {
		keys = append(keys, accountKey(id), transactionsKey(id), marginCallsKey(id))
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		slog.Warn("cache invalidation failed", "accounts", accountIDs, "err", err)
	}
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	data, err := s.rdb.Get(ctx, accountKey(id)).Bytes()
	if err == nil {
		var a model.Account
		if json.Unmarshal(data, &a) == nil {
			return &a, nil
		}
	}

	a, err := s.primary.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(a); err == nil {
		s.rdb.Set(ctx, accountKey(id), data, s.ttl)
	}
	return a, nil
}

func (s *CachedStore) ListTransactions(ctx context.Context, accountID string, limit int) ([]model.Transaction, error) {
	// One hash per account, one field per page size, so a single DEL clears
	// every cached page.
	key, field := transactionsKey(accountID), strconv.Itoa(limit)
	data, err := s.rdb.HGet(ctx, key, field).Bytes()
	if err == nil {
		var txs []model.Transaction
		if json.Unmarshal(data, &txs) == nil {
			return txs, nil
		}
	}

	txs, err := s.primary.ListTransactions(ctx, accountID, limit)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(txs); err == nil {
		pipe := s.rdb.TxPipeline()
		pipe.HSet(ctx, key, field, data)
		pipe.Expire(ctx, key, s.ttl)
		_, _ = pipe.Exec(ctx)
	}
	return txs, nil
}

func (s *CachedStore) ListMarginCalls(ctx context.Context, accountID string) ([]model.MarginCall, error) {
	data, err := s.rdb.Get(ctx, marginCallsKey(accountID)).Bytes()
	if err == nil {
		var calls []model.MarginCall
		if json.Unmarshal(data, &calls) == nil {
			return calls, nil
		}
	}

	calls, err := s.primary.ListMarginCalls(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(calls); err == nil {
		s.rdb.Set(ctx, marginCallsKey(accountID), data, s.ttl)
	}
	return calls, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListExpiredOptionPositions(ctx context.Context, before time.Time) ([]model.OptionPosition, error) {
	return s.primary.ListExpiredOptionPositions(ctx, before)
}

func (s *CachedStore) ListAccountsWithNakedShorts(ctx context.Context) ([]string, error) {
	return s.primary.ListAccountsWithNakedShorts(ctx)
}

// trackingTx records every account a unit writes to.
type trackingTx struct {
	Tx
	mu      sync.Mutex
	touched map[string]struct{}
}

func (t *trackingTx) touch(id string) {
	t.mu.Lock()
	t.touched[id] = struct{}{}
	t.mu.Unlock()
}

func (t *trackingTx) accounts() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.touched))
	for id := range t.touched {
		ids = append(ids, id)
	}
	return ids
}

func (t *trackingTx) GetOrCreateAccount(ctx context.Context, id string, initialCash decimal.Decimal) (*model.Account, error) {
	t.touch(id)
	return t.Tx.GetOrCreateAccount(ctx, id, initialCash)
}

func (t *trackingTx) UpdateCash(ctx context.Context, id string, cash decimal.Decimal) error {
	t.touch(id)
	return t.Tx.UpdateCash(ctx, id, cash)
}

func (t *trackingTx) UpdateMargin(ctx context.Context, id string, balance, used decimal.Decimal, restricted bool) error {
	t.touch(id)
	return t.Tx.UpdateMargin(ctx, id, balance, used, restricted)
}

func (t *trackingTx) InsertTransaction(ctx context.Context, tr *model.Transaction) error {
	t.touch(tr.AccountID)
	return t.Tx.InsertTransaction(ctx, tr)
}

func (t *trackingTx) CreateMarginCall(ctx context.Context, mc *model.MarginCall) error {
	t.touch(mc.AccountID)
	return t.Tx.CreateMarginCall(ctx, mc)
}

func (t *trackingTx) ResolveMarginCall(ctx context.Context, accountID, id string, status model.MarginCallStatus, at time.Time) error {
	t.touch(accountID)
	return t.Tx.ResolveMarginCall(ctx, accountID, id, status, at)
}

// --- Cache helpers ---

func accountKey(id string) string      { return fmt.Sprintf("account:%s", id) }
func transactionsKey(id string) string { return fmt.Sprintf("transactions:%s", id) }
func marginCallsKey(id string) string  { return fmt.Sprintf("margin_calls:%s", id) }
