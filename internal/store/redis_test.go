package store

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papertrade/paper-engine/internal/model"
)

// unreachableRedis returns a client whose every command fails fast, so the
// cache degrades to the primary store.
func unreachableRedis(t *testing.T) *redis.Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestCachedStore_FallsBackToPrimary(t *testing.T) {
	ctx := context.Background()
	primary := NewMemoryStore()
	cs := NewCachedStore(primary, unreachableRedis(t), time.Minute)

	err := cs.Atomic(ctx, func(tx Tx) error {
		if _, err := tx.GetOrCreateAccount(ctx, "acct", d(1000)); err != nil {
			return err
		}
		return tx.InsertTransaction(ctx, &model.Transaction{ID: "t1", AccountID: "acct", Type: model.TxDeposit})
	})
	require.NoError(t, err)

	a, err := cs.GetAccount(ctx, "acct")
	require.NoError(t, err)
	assert.True(t, a.Cash.Equal(d(1000)))

	txs, err := cs.ListTransactions(ctx, "acct", 10)
	require.NoError(t, err)
	require.Len(t, txs, 1)

	_, err = cs.GetAccount(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTrackingTx_RecordsTouchedAccounts(t *testing.T) {
	ctx := context.Background()
	primary := NewMemoryStore()

	var touched []string
	_ = primary.Atomic(ctx, func(tx Tx) error {
		tt := &trackingTx{Tx: tx, touched: make(map[string]struct{})}
		_, _ = tt.GetOrCreateAccount(ctx, "a", d(1))
		_, _ = tt.GetOrCreateAccount(ctx, "b", d(1))
		_ = tt.UpdateCash(ctx, "a", d(2))
		_ = tt.CreateMarginCall(ctx, &model.MarginCall{ID: "m", AccountID: "c"})
		touched = tt.accounts()
		return nil
	})

	assert.ElementsMatch(t, []string{"a", "b", "c"}, touched)
}
