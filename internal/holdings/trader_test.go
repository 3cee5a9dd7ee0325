package holdings

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papertrade/paper-engine/internal/model"
	"github.com/papertrade/paper-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var aapl = model.Equity("AAPL")

func seed(t *testing.T, cash float64) *store.MemoryStore {
	t.Helper()
	ms := store.NewMemoryStore()
	err := ms.Atomic(context.Background(), func(tx store.Tx) error {
		_, err := tx.GetOrCreateAccount(context.Background(), "acct", d(cash))
		return err
	})
	require.NoError(t, err)
	return ms
}

func run(ms *store.MemoryStore, fn func(ctx context.Context, tx store.Tx) error) error {
	ctx := context.Background()
	return ms.Atomic(ctx, func(tx store.Tx) error { return fn(ctx, tx) })
}

func TestBuy_WeightedAverageCost(t *testing.T) {
	ms := seed(t, 100000)
	tr := NewTrader(nil)

	require.NoError(t, run(ms, func(ctx context.Context, tx store.Tx) error {
		_, err := tr.Buy(ctx, tx, "acct", aapl, d(10), d(100))
		return err
	}))

	var fill *Fill
	require.NoError(t, run(ms, func(ctx context.Context, tx store.Tx) error {
		var err error
		fill, err = tr.Buy(ctx, tx, "acct", aapl, d(30), d(120))
		return err
	}))

	// (10*100 + 30*120) / 40 = 115
	assert.True(t, fill.Holding.Quantity.Equal(d(40)))
	assert.True(t, fill.Holding.AvgCost.Equal(d(115)), "avg = %s", fill.Holding.AvgCost)
	assert.True(t, fill.Cash.Equal(d(100000-1000-3600)))
	assert.Equal(t, model.TxBuy, fill.Transaction.Type)
	assert.True(t, fill.Transaction.Amount.Equal(d(-3600)))
}

func TestBuy_InsufficientFundsWritesNothing(t *testing.T) {
	ms := seed(t, 500)
	tr := NewTrader(nil)

	err := run(ms, func(ctx context.Context, tx store.Tx) error {
		_, err := tr.Buy(ctx, tx, "acct", aapl, d(10), d(100))
		return err
	})
	require.ErrorIs(t, err, ErrInsufficientFunds)

	a, _ := ms.GetAccount(context.Background(), "acct")
	assert.True(t, a.Cash.Equal(d(500)))
	txs, _ := ms.ListTransactions(context.Background(), "acct", 0)
	assert.Empty(t, txs)
}

func TestSell_RealizesPnLAndKeepsAverage(t *testing.T) {
	ms := seed(t, 10000)
	tr := NewTrader(func() time.Time { return time.Date(2026, 1, 2, 15, 0, 0, 0, time.UTC) })

	var fill *Fill
	require.NoError(t, run(ms, func(ctx context.Context, tx store.Tx) error {
		if _, err := tr.Buy(ctx, tx, "acct", aapl, d(20), d(50)); err != nil {
			return err
		}
		var err error
		fill, err = tr.Sell(ctx, tx, "acct", aapl, d(5), d(60))
		return err
	}))

	assert.True(t, fill.Holding.Quantity.Equal(d(15)))
	assert.True(t, fill.Holding.AvgCost.Equal(d(50)))
	assert.True(t, fill.Transaction.RealizedPnL.Equal(d(50)))
	assert.True(t, fill.Cash.Equal(d(10000-1000+300)))
}

func TestSell_FullQuantityRemovesHolding(t *testing.T) {
	ms := seed(t, 10000)
	tr := NewTrader(nil)

	require.NoError(t, run(ms, func(ctx context.Context, tx store.Tx) error {
		if _, err := tr.Buy(ctx, tx, "acct", aapl, d(3), d(10)); err != nil {
			return err
		}
		_, err := tr.Sell(ctx, tx, "acct", aapl, d(3), d(9))
		return err
	}))

	_ = run(ms, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.GetHolding(ctx, "acct", aapl)
		assert.ErrorIs(t, err, store.ErrNotFound)
		return nil
	})
}

func TestSell_Rejections(t *testing.T) {
	ms := seed(t, 10000)
	tr := NewTrader(nil)

	err := run(ms, func(ctx context.Context, tx store.Tx) error {
		_, err := tr.Sell(ctx, tx, "acct", aapl, d(1), d(10))
		return err
	})
	assert.ErrorIs(t, err, ErrInsufficientQuantity)

	err = run(ms, func(ctx context.Context, tx store.Tx) error {
		_, err := tr.Sell(ctx, tx, "acct", aapl, d(0), d(10))
		return err
	})
	assert.ErrorIs(t, err, ErrInvalidQuantity)

	err = run(ms, func(ctx context.Context, tx store.Tx) error {
		_, err := tr.Buy(ctx, tx, "acct", aapl, d(1), d(-1))
		return err
	})
	assert.ErrorIs(t, err, ErrInvalidPrice)
}
