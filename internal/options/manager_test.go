package options

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papertrade/paper-engine/internal/events"
	"github.com/papertrade/paper-engine/internal/limits"
	"github.com/papertrade/paper-engine/internal/model"
	"github.com/papertrade/paper-engine/internal/oracle"
	"github.com/papertrade/paper-engine/internal/pricing"
	"github.com/papertrade/paper-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var (
	testNow = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	testExp = time.Date(2026, 6, 19, 0, 0, 0, 0, time.UTC)
)

// fakePricer quotes fixed spots and per-share option prices. Contracts past
// their cutoff are marked at intrinsic value like the real pricer does.
type fakePricer struct {
	mu     sync.Mutex
	now    time.Time
	spots  map[string]decimal.Decimal
	prices map[string]decimal.Decimal
	err    error
}

func newFakePricer() *fakePricer {
	return &fakePricer{
		now:    testNow,
		spots:  map[string]decimal.Decimal{},
		prices: map[string]decimal.Decimal{},
	}
}

func optionKey(underlying string, kind model.OptionKind, strike decimal.Decimal) string {
	return fmt.Sprintf("%s|%s|%s", underlying, kind, strike.String())
}

func (f *fakePricer) setSpot(symbol string, v float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spots[symbol] = d(v)
}

func (f *fakePricer) setPrice(underlying string, kind model.OptionKind, strike, v float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[optionKey(underlying, kind, d(strike))] = d(v)
}

func (f *fakePricer) setNow(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}

func (f *fakePricer) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakePricer) Spot(_ context.Context, inst model.Instrument) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return decimal.Zero, f.err
	}
	v, ok := f.spots[inst.Symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", oracle.ErrNotFound, inst)
	}
	return v, nil
}

func (f *fakePricer) Mark(ctx context.Context, underlying string, kind model.OptionKind, strike decimal.Decimal, expiration time.Time) (*pricing.OptionQuote, error) {
	spot, err := f.Spot(ctx, model.Equity(underlying))
	if err != nil {
		return nil, err
	}
	q := &pricing.OptionQuote{
		Underlying: underlying,
		Kind:       kind,
		Strike:     strike,
		Expiration: expiration,
		Spot:       spot,
		Intrinsic:  pricing.IntrinsicValue(kind, spot, strike),
		Moneyness:  pricing.Classify(kind, spot, strike),
	}
	if pricing.IsExpired(f.Now(), expiration) {
		q.Price = q.Intrinsic
		q.Expired = true
		return q, nil
	}
	f.mu.Lock()
	price, ok := f.prices[optionKey(underlying, kind, strike)]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no option price for %s", oracle.ErrNoPrice, underlying)
	}
	q.Price = price
	return q, nil
}

func (f *fakePricer) QuoteOption(ctx context.Context, underlying string, kind model.OptionKind, strike decimal.Decimal, expiration time.Time) (*pricing.OptionQuote, error) {
	if pricing.IsExpired(f.Now(), expiration) {
		return nil, pricing.ErrExpired
	}
	return f.Mark(ctx, underlying, kind, strike, expiration)
}

// recorder collects published events.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(_ context.Context, ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

const acct = "acct"

type fixture struct {
	ms     *store.MemoryStore
	pricer *fakePricer
	pub    *recorder
	mgr    *Manager
}

func newFixture(t *testing.T, cash float64, opts ...func(*Config)) *fixture {
	t.Helper()
	cfg := Config{InitialCash: d(cash)}
	for _, o := range opts {
		o(&cfg)
	}
	f := &fixture{ms: store.NewMemoryStore(), pricer: newFakePricer(), pub: &recorder{}}
	f.mgr = NewManager(f.ms, f.pricer, cfg, f.pub)
	return f
}

func (f *fixture) account(t *testing.T) *model.Account {
	t.Helper()
	a, err := f.ms.GetAccount(context.Background(), acct)
	require.NoError(t, err)
	assert.False(t, a.Cash.IsNegative(), "cash went negative: %s", a.Cash)
	return a
}

func (f *fixture) position(t *testing.T, id string) *model.OptionPosition {
	t.Helper()
	var p *model.OptionPosition
	require.NoError(t, f.ms.Atomic(context.Background(), func(tx store.Tx) error {
		var err error
		p, err = tx.GetOptionPosition(context.Background(), id)
		return err
	}))
	return p
}

func (f *fixture) open(t *testing.T, req OpenRequest) *OpenResult {
	t.Helper()
	if req.AccountID == "" {
		req.AccountID = acct
	}
	if req.Expiration.IsZero() {
		req.Expiration = testExp
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}
	res, err := f.mgr.TradeOption(context.Background(), req)
	require.NoError(t, err)
	require.True(t, res.Success)
	return res
}

func (f *fixture) buy(t *testing.T, symbol string, qty float64) *HoldingResult {
	t.Helper()
	res, err := f.mgr.BuyHolding(context.Background(), HoldingRequest{AccountID: acct, Symbol: symbol, Quantity: d(qty)})
	require.NoError(t, err)
	return res
}

func TestTradeOption_NakedShortCallReservesMargin(t *testing.T) {
	f := newFixture(t, 100000)
	f.pricer.setSpot("XYZ", 140)
	f.pricer.setPrice("XYZ", model.Call, 150, 2)

	res := f.open(t, OpenRequest{Underlying: "xyz", Kind: model.Call, Side: model.Short, Strike: d(150)})

	assert.True(t, res.MarginRequired.Equal(d(3000)), "requirement %s", res.MarginRequired)
	assert.True(t, res.Premium.Equal(d(200)))
	assert.Equal(t, "XYZ260619C00150000", res.Contract)
	assert.False(t, res.Position.Secured)
	assert.True(t, f.account(t).Cash.Equal(d(100200)))

	require.NotNil(t, res.Margin)
	assert.True(t, res.Margin.MarginUsed.Equal(d(3000)))
	assert.True(t, res.Margin.UtilizationPercentage.IsPositive())

	txs, err := f.ms.ListTransactions(context.Background(), acct, 10)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, model.TxOpen, txs[0].Type)
	assert.True(t, txs[0].Amount.Equal(d(200)))
	assert.True(t, txs[0].MarginDelta.Equal(d(3000)))

	assert.Contains(t, f.pub.types(), events.OptionOpened)
}

func TestTradeOption_CoveredCallLosesCoverWhenSharesSold(t *testing.T) {
	f := newFixture(t, 100000)
	f.pricer.setSpot("XYZ", 150)
	f.pricer.setPrice("XYZ", model.Call, 160, 3)
	f.buy(t, "XYZ", 100)

	res := f.open(t, OpenRequest{Underlying: "XYZ", Kind: model.Call, Side: model.Short, Strike: d(160), Secured: true})

	assert.True(t, res.Position.Secured)
	assert.True(t, res.MarginRequired.IsZero())
	assert.True(t, f.account(t).Cash.Equal(d(85300)))
	assert.True(t, res.Margin.MarginUsed.IsZero())

	// Selling half the shares leaves the call uncovered.
	sold, err := f.mgr.SellHolding(context.Background(), HoldingRequest{AccountID: acct, Symbol: "XYZ", Quantity: d(50)})
	require.NoError(t, err)
	require.Len(t, sold.Downgraded, 1)
	// 3×100 + 0.20×150×100 = 3300
	assert.True(t, sold.Downgraded[0].MarginRequired.Equal(d(3300)))

	p := f.position(t, res.Position.ID)
	assert.False(t, p.Secured)
	assert.True(t, p.MarginRequired.Equal(d(3300)))
}

func TestSettleExpired_UnsecuredAssignmentShortfallRaisesMarginCall(t *testing.T) {
	f := newFixture(t, 5000)
	f.pricer.setSpot("BBB", 55)
	f.pricer.setSpot("ABC", 100)
	f.pricer.setPrice("BBB", model.Put, 50, 1.5)

	// (1.5×100 + 0.20×50×100) × 2 = 2300
	res := f.open(t, OpenRequest{Underlying: "BBB", Kind: model.Put, Side: model.Short, Strike: d(50), Quantity: 2})
	require.True(t, res.MarginRequired.Equal(d(2300)))
	f.buy(t, "ABC", 52) // cash 5300 → 100
	require.True(t, f.account(t).Cash.Equal(d(100)))

	f.pricer.setNow(testExp.Add(48 * time.Hour))
	f.pricer.setSpot("BBB", 40)

	report, err := f.mgr.SettleExpired(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Settled, 1)
	s := report.Settled[0]
	assert.Equal(t, OutcomeCashSettled, s.Outcome)
	assert.True(t, s.CashDelta.Equal(d(-100)))
	assert.True(t, s.Shortfall.Equal(d(1900)))
	assert.True(t, s.RealizedPnL.Equal(d(-1700)))

	assert.True(t, f.account(t).Cash.IsZero())
	assert.Equal(t, model.StatusExercised, f.position(t, res.Position.ID).Status)

	calls, err := f.ms.ListMarginCalls(context.Background(), acct)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, model.MarginCallPending, calls[0].Status)
	assert.True(t, calls[0].Amount.Equal(d(1900)))
	assert.Contains(t, f.pub.types(), events.MarginCall)

	// A deposit pays the outstanding shortfall first.
	dep, err := f.mgr.Deposit(context.Background(), acct, d(2500))
	require.NoError(t, err)
	require.Len(t, dep.Satisfied, 1)
	assert.True(t, dep.Cash.Equal(d(600)))
	assert.True(t, f.account(t).Cash.Equal(d(600)))

	calls, err = f.ms.ListMarginCalls(context.Background(), acct)
	require.NoError(t, err)
	assert.Equal(t, model.MarginCallSatisfied, calls[0].Status)

	txs, err := f.ms.ListTransactions(context.Background(), acct, 1)
	require.NoError(t, err)
	assert.Equal(t, model.TxMarginPayment, txs[0].Type)
	assert.True(t, txs[0].Amount.Equal(d(-1900)))
}

func TestProcessMarginCalls_LiquidatesLargestFirst(t *testing.T) {
	f := newFixture(t, 20000)
	f.pricer.setSpot("XYZ", 100)
	f.pricer.setPrice("XYZ", model.Call, 110, 1)
	f.pricer.setSpot("ABC", 50)
	f.pricer.setPrice("ABC", model.Call, 55, 0.5)

	xyz := f.open(t, OpenRequest{Underlying: "XYZ", Kind: model.Call, Side: model.Short, Strike: d(110)}) // 2100
	abc := f.open(t, OpenRequest{Underlying: "ABC", Kind: model.Call, Side: model.Short, Strike: d(55)})  // 1050

	// XYZ rallies: 95×100 + 0.20×200×100 = 13500; used 14550 on a
	// capacity of 10075.
	f.pricer.setSpot("XYZ", 200)
	f.pricer.setPrice("XYZ", model.Call, 110, 95)

	res, err := f.mgr.ProcessMarginCalls(context.Background(), acct)
	require.NoError(t, err)
	require.True(t, res.Triggered)
	assert.True(t, res.Success)
	assert.Empty(t, res.Code)
	assert.Equal(t, 1, res.Liquidated)
	assert.Equal(t, []string{xyz.Position.ID}, res.LiquidatedIDs)
	assert.True(t, res.FinalUtilization.LessThan(d(80)))

	assert.Equal(t, model.StatusLiquidated, f.position(t, xyz.Position.ID).Status)
	assert.Equal(t, model.StatusOpen, f.position(t, abc.Position.ID).Status)
	// 20150 − 9500 buy-back
	assert.True(t, f.account(t).Cash.Equal(d(10650)))

	txs, err := f.ms.ListTransactions(context.Background(), acct, 1)
	require.NoError(t, err)
	assert.Equal(t, model.TxLiquidate, txs[0].Type)
	assert.True(t, txs[0].RealizedPnL.Equal(d(-9400)))

	types := f.pub.types()
	assert.Contains(t, types, events.OptionLiquidated)
	assert.Contains(t, types, events.MarginCascade)
}

func TestRiskSweep_OnlyBreachedAccountsLiquidate(t *testing.T) {
	f := newFixture(t, 20000)
	f.pricer.setSpot("XYZ", 100)
	f.pricer.setPrice("XYZ", model.Call, 110, 1)
	f.pricer.setSpot("ABC", 50)
	f.pricer.setPrice("ABC", model.Call, 55, 0.5)

	xyz := f.open(t, OpenRequest{Underlying: "XYZ", Kind: model.Call, Side: model.Short, Strike: d(110)})
	calm := f.open(t, OpenRequest{AccountID: "calm", Underlying: "ABC", Kind: model.Call, Side: model.Short, Strike: d(55)})

	f.pricer.setSpot("XYZ", 200)
	f.pricer.setPrice("XYZ", model.Call, 110, 95)

	require.NoError(t, f.mgr.RiskSweep(context.Background()))

	assert.Equal(t, model.StatusLiquidated, f.position(t, xyz.Position.ID).Status)
	assert.Equal(t, model.StatusOpen, f.position(t, calm.Position.ID).Status)

	calls, err := f.ms.ListMarginCalls(context.Background(), "calm")
	require.NoError(t, err)
	assert.Empty(t, calls)
}

func TestLiquidate_ShortfallClampsCashAndRecordsCall(t *testing.T) {
	f := newFixture(t, 10000)
	f.pricer.setSpot("XYZ", 100)
	f.pricer.setPrice("XYZ", model.Call, 110, 1)
	f.pricer.setSpot("ABC", 99)

	f.open(t, OpenRequest{Underlying: "XYZ", Kind: model.Call, Side: model.Short, Strike: d(110)})
	f.buy(t, "ABC", 100) // cash 10100 → 200

	f.pricer.setSpot("XYZ", 150)
	f.pricer.setPrice("XYZ", model.Call, 110, 45)

	res, err := f.mgr.ProcessMarginCalls(context.Background(), acct)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Liquidated)
	assert.True(t, f.account(t).Cash.IsZero())

	calls, err := f.ms.ListMarginCalls(context.Background(), acct)
	require.NoError(t, err)
	require.Len(t, calls, 2)
	byStatus := map[model.MarginCallStatus]model.MarginCall{}
	for _, c := range calls {
		byStatus[c.Status] = c
	}
	assert.Contains(t, byStatus[model.MarginCallPending].Reason, ReasonLiquidationShortfall)
	assert.True(t, byStatus[model.MarginCallPending].Amount.Equal(d(4300)))
	assert.Contains(t, byStatus[model.MarginCallLiquidated].Reason, "utilization")
}

func TestClosePosition_RoundTripAtUnchangedPrice(t *testing.T) {
	f := newFixture(t, 100000)
	f.pricer.setSpot("XYZ", 100)
	f.pricer.setPrice("XYZ", model.Call, 100, 5)

	opened := f.open(t, OpenRequest{Underlying: "XYZ", Kind: model.Call, Side: model.Long, Strike: d(100), Quantity: 3})
	require.True(t, f.account(t).Cash.Equal(d(98500)))

	closed, err := f.mgr.ClosePosition(context.Background(), CloseRequest{AccountID: acct, PositionID: opened.Position.ID})
	require.NoError(t, err)
	assert.True(t, closed.RealizedPnL.IsZero())
	assert.Equal(t, int64(3), closed.Closed)
	assert.Equal(t, model.StatusClosed, closed.Position.Status)
	assert.True(t, f.account(t).Cash.Equal(d(100000)))
}

func TestClosePosition_PartialShortReleasesMarginProportionally(t *testing.T) {
	f := newFixture(t, 100000)
	f.pricer.setSpot("BBB", 55)
	f.pricer.setPrice("BBB", model.Put, 50, 1.5)

	opened := f.open(t, OpenRequest{Underlying: "BBB", Kind: model.Put, Side: model.Short, Strike: d(50), Quantity: 2})
	require.True(t, opened.MarginRequired.Equal(d(2300)))

	f.pricer.setPrice("BBB", model.Put, 50, 1)
	closed, err := f.mgr.ClosePosition(context.Background(), CloseRequest{AccountID: acct, PositionID: opened.Position.ID, Quantity: 1})
	require.NoError(t, err)
	assert.True(t, closed.MarginReleased.Equal(d(1150)), "released %s", closed.MarginReleased)
	assert.True(t, closed.RealizedPnL.Equal(d(50)))
	assert.True(t, closed.Proceeds.Equal(d(-100)))

	p := f.position(t, opened.Position.ID)
	assert.Equal(t, model.StatusOpen, p.Status)
	assert.Equal(t, int64(1), p.Quantity)
	// Refreshed at the new mark: 1×100 + 0.20×50×100
	assert.True(t, p.MarginRequired.Equal(d(1100)), "remaining %s", p.MarginRequired)
	// 100000 + 300 − 100
	assert.True(t, f.account(t).Cash.Equal(d(100200)))
}

func TestTradeOption_MergesAtWeightedEntryPrice(t *testing.T) {
	f := newFixture(t, 100000)
	f.pricer.setSpot("XYZ", 100)
	f.pricer.setPrice("XYZ", model.Call, 100, 2)
	first := f.open(t, OpenRequest{Underlying: "XYZ", Kind: model.Call, Side: model.Long, Strike: d(100)})

	f.pricer.setPrice("XYZ", model.Call, 100, 5)
	second := f.open(t, OpenRequest{Underlying: "XYZ", Kind: model.Call, Side: model.Long, Strike: d(100), Quantity: 2})

	assert.True(t, second.Merged)
	assert.Equal(t, first.Position.ID, second.Position.ID)
	assert.Equal(t, int64(3), second.Position.Quantity)
	// (1×2 + 2×5) / 3 = 4
	assert.True(t, second.Position.EntryPrice.Equal(d(4)), "entry %s", second.Position.EntryPrice)
}

func TestTradeOption_SecuredAndNakedDoNotMerge(t *testing.T) {
	f := newFixture(t, 100000)
	f.pricer.setSpot("BBB", 55)
	f.pricer.setPrice("BBB", model.Put, 50, 1.5)

	a := f.open(t, OpenRequest{Underlying: "BBB", Kind: model.Put, Side: model.Short, Strike: d(50), Secured: true})
	b := f.open(t, OpenRequest{Underlying: "BBB", Kind: model.Put, Side: model.Short, Strike: d(50)})
	assert.False(t, b.Merged)
	assert.NotEqual(t, a.Position.ID, b.Position.ID)
}

func TestSellHolding_UncoveredCallMergesIntoNakedShort(t *testing.T) {
	f := newFixture(t, 100000)
	f.pricer.setSpot("XYZ", 100)
	f.pricer.setPrice("XYZ", model.Call, 120, 2)

	naked := f.open(t, OpenRequest{Underlying: "XYZ", Kind: model.Call, Side: model.Short, Strike: d(120)})
	f.buy(t, "XYZ", 100)
	covered := f.open(t, OpenRequest{Underlying: "XYZ", Kind: model.Call, Side: model.Short, Strike: d(120), Secured: true})
	require.False(t, covered.Merged)
	require.NotEqual(t, naked.Position.ID, covered.Position.ID)

	sold, err := f.mgr.SellHolding(context.Background(), HoldingRequest{AccountID: acct, Symbol: "XYZ", Quantity: d(100)})
	require.NoError(t, err)
	require.Len(t, sold.Downgraded, 1)
	assert.Equal(t, naked.Position.ID, sold.Downgraded[0].ID)

	var open []model.OptionPosition
	require.NoError(t, f.ms.Atomic(context.Background(), func(tx store.Tx) error {
		var err error
		open, err = tx.ListOptionPositions(context.Background(), acct, model.StatusOpen)
		return err
	}))
	require.Len(t, open, 1)
	assert.Equal(t, naked.Position.ID, open[0].ID)
	assert.Equal(t, int64(2), open[0].Quantity)
	assert.False(t, open[0].Secured)
	assert.True(t, open[0].EntryPrice.Equal(d(2)))
	assert.True(t, open[0].MarginRequired.Equal(naked.MarginRequired.Mul(d(2))),
		"requirement %s", open[0].MarginRequired)

	gone := f.position(t, covered.Position.ID)
	assert.Equal(t, model.StatusClosed, gone.Status)
	assert.True(t, gone.MarginRequired.IsZero())
	assert.NotNil(t, gone.ClosedAt)
}

func TestTradeOption_LongOpenStripsCashSecuredPut(t *testing.T) {
	f := newFixture(t, 10000)
	f.pricer.setSpot("XYZ", 100)
	f.pricer.setPrice("XYZ", model.Put, 90, 1)
	f.pricer.setPrice("XYZ", model.Call, 100, 5)

	// 90×100 reserved out of 10100.
	csp := f.open(t, OpenRequest{Underlying: "XYZ", Kind: model.Put, Side: model.Short, Strike: d(90), Secured: true})
	require.True(t, csp.Position.Secured)

	// 1500 premium leaves 8600, short of the 9000 the put needs.
	res := f.open(t, OpenRequest{Underlying: "XYZ", Kind: model.Call, Side: model.Long, Strike: d(100), Quantity: 3})
	require.True(t, f.account(t).Cash.Equal(d(8600)))

	p := f.position(t, csp.Position.ID)
	assert.False(t, p.Secured)
	assert.True(t, p.MarginRequired.IsPositive())
	require.NotNil(t, res.Margin)
	assert.True(t, res.Margin.MarginUsed.Equal(p.MarginRequired), "used %s", res.Margin.MarginUsed)
}

func TestTradeOption_Rejections(t *testing.T) {
	tests := []struct {
		name string
		cash float64
		opts []func(*Config)
		prep func(f *fixture)
		req  OpenRequest
		code Code
	}{
		{
			name: "long without cash",
			cash: 100,
			req:  OpenRequest{Underlying: "XYZ", Kind: model.Call, Side: model.Long, Strike: d(150)},
			code: CodeInsufficientFunds,
		},
		{
			name: "naked short beyond available margin",
			cash: 1000,
			req:  OpenRequest{Underlying: "XYZ", Kind: model.Call, Side: model.Short, Strike: d(150)},
			code: CodeInsufficientMargin,
		},
		{
			name: "covered call without shares",
			cash: 100000,
			req:  OpenRequest{Underlying: "XYZ", Kind: model.Call, Side: model.Short, Strike: d(150), Secured: true},
			code: CodeInsufficientCollateral,
		},
		{
			name: "cash-secured put without cash",
			cash: 1000,
			req:  OpenRequest{Underlying: "XYZ", Kind: model.Put, Side: model.Short, Strike: d(150), Secured: true},
			code: CodeInsufficientCollateral,
		},
		{
			name: "expired contract",
			cash: 100000,
			req:  OpenRequest{Underlying: "XYZ", Kind: model.Call, Side: model.Long, Strike: d(150), Expiration: testNow.AddDate(0, 0, -1)},
			code: CodeInvalidInput,
		},
		{
			name: "negative quantity",
			cash: 100000,
			req:  OpenRequest{Underlying: "XYZ", Kind: model.Call, Side: model.Long, Strike: d(150), Quantity: -1},
			code: CodeInvalidInput,
		},
		{
			name: "unknown kind",
			cash: 100000,
			req:  OpenRequest{Underlying: "XYZ", Kind: "straddle", Side: model.Long, Strike: d(150)},
			code: CodeInvalidInput,
		},
		{
			name: "oracle down",
			cash: 100000,
			prep: func(f *fixture) { f.pricer.err = oracle.ErrUnavailable },
			req:  OpenRequest{Underlying: "XYZ", Kind: model.Call, Side: model.Long, Strike: d(150)},
			code: CodePricingUnavailable,
		},
		{
			name: "short contract limit",
			cash: 100000,
			opts: []func(*Config){func(c *Config) { c.Limits = limits.NewPositionLimiter(0, 10) }},
			req:  OpenRequest{Underlying: "XYZ", Kind: model.Call, Side: model.Short, Strike: d(150), Quantity: 11},
			code: CodeLimitExceeded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.cash, tt.opts...)
			f.pricer.setSpot("XYZ", 140)
			f.pricer.setPrice("XYZ", model.Call, 150, 2)
			f.pricer.setPrice("XYZ", model.Put, 150, 12)
			if tt.prep != nil {
				tt.prep(f)
			}
			req := tt.req
			req.AccountID = acct
			if req.Expiration.IsZero() {
				req.Expiration = testExp
			}
			if req.Quantity == 0 {
				req.Quantity = 1
			}

			res, err := f.mgr.TradeOption(context.Background(), req)
			require.Error(t, err)
			assert.Nil(t, res)
			assert.Equal(t, tt.code, Classify(err), "err: %v", err)

			fail := Failure(err)
			assert.False(t, fail.Success)
			assert.NotEmpty(t, fail.Message)

			// Nothing was written, not even the lazily created account.
			_, err = f.ms.GetAccount(context.Background(), acct)
			assert.ErrorIs(t, err, store.ErrNotFound)
		})
	}
}

func TestClosePosition_Rejections(t *testing.T) {
	f := newFixture(t, 100000)
	f.pricer.setSpot("XYZ", 100)
	f.pricer.setPrice("XYZ", model.Call, 100, 5)
	opened := f.open(t, OpenRequest{Underlying: "XYZ", Kind: model.Call, Side: model.Long, Strike: d(100), Quantity: 2})
	ctx := context.Background()

	_, err := f.mgr.ClosePosition(ctx, CloseRequest{AccountID: "other", PositionID: opened.Position.ID})
	assert.Equal(t, CodeNotFound, Classify(err))

	_, err = f.mgr.ClosePosition(ctx, CloseRequest{AccountID: acct, PositionID: "missing"})
	assert.Equal(t, CodeNotFound, Classify(err))

	_, err = f.mgr.ClosePosition(ctx, CloseRequest{AccountID: acct, PositionID: opened.Position.ID, Quantity: 3})
	assert.Equal(t, CodeInvalidInput, Classify(err))

	_, err = f.mgr.ClosePosition(ctx, CloseRequest{AccountID: acct, PositionID: opened.Position.ID})
	require.NoError(t, err)
	_, err = f.mgr.ClosePosition(ctx, CloseRequest{AccountID: acct, PositionID: opened.Position.ID})
	assert.Equal(t, CodeConflict, Classify(err))
}

func TestSettleExpired_LongAndShortOutcomes(t *testing.T) {
	f := newFixture(t, 10000)
	f.pricer.setSpot("XYZ", 100)
	f.pricer.setPrice("XYZ", model.Call, 100, 5)
	f.pricer.setPrice("XYZ", model.Put, 90, 1)
	f.pricer.setSpot("ABC", 150)
	f.pricer.setPrice("ABC", model.Call, 200, 1)

	call := f.open(t, OpenRequest{Underlying: "XYZ", Kind: model.Call, Side: model.Long, Strike: d(100)})
	put := f.open(t, OpenRequest{Underlying: "XYZ", Kind: model.Put, Side: model.Long, Strike: d(90)})
	short := f.open(t, OpenRequest{Underlying: "ABC", Kind: model.Call, Side: model.Short, Strike: d(200)})
	require.True(t, f.account(t).Cash.Equal(d(9500)))

	// Not yet due on expiration day itself.
	f.pricer.setNow(testExp.Add(12 * time.Hour))
	report, err := f.mgr.SettleExpired(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Settled)

	f.pricer.setNow(testExp.Add(25 * time.Hour))
	f.pricer.setSpot("XYZ", 120)
	report, err = f.mgr.SettleExpired(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Settled, 3)

	outcomes := map[string]Settlement{}
	for _, s := range report.Settled {
		outcomes[s.PositionID] = s
	}
	assert.Equal(t, OutcomeExercised, outcomes[call.Position.ID].Outcome)
	// Exercise books the full intrinsic value as profit: 20×100.
	assert.True(t, outcomes[call.Position.ID].RealizedPnL.Equal(d(2000)))
	assert.Equal(t, OutcomeExpired, outcomes[put.Position.ID].Outcome)
	assert.True(t, outcomes[put.Position.ID].RealizedPnL.Equal(d(-100)))
	assert.Equal(t, OutcomeExpired, outcomes[short.Position.ID].Outcome)
	assert.True(t, outcomes[short.Position.ID].RealizedPnL.Equal(d(100)))

	assert.Equal(t, model.StatusExercised, f.position(t, call.Position.ID).Status)
	assert.Equal(t, model.StatusExpired, f.position(t, put.Position.ID).Status)
	assert.Equal(t, model.StatusExpired, f.position(t, short.Position.ID).Status)
	assert.True(t, f.account(t).Cash.Equal(d(11500)))

	txs, err := f.ms.ListTransactions(context.Background(), acct, 0)
	require.NoError(t, err)
	var exercised []model.Transaction
	for _, tx := range txs {
		if tx.Type == model.TxExercise {
			exercised = append(exercised, tx)
		}
	}
	require.Len(t, exercised, 1)
	assert.True(t, exercised[0].Amount.Equal(d(2000)))
	assert.True(t, exercised[0].RealizedPnL.Equal(d(2000)))

	// A second sweep finds nothing.
	report, err = f.mgr.SettleExpired(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Settled)
}

func TestSettleExpired_SecuredAssignmentsDeliverShares(t *testing.T) {
	f := newFixture(t, 30000)
	f.pricer.setSpot("XYZ", 150)
	f.pricer.setPrice("XYZ", model.Call, 160, 3)
	f.pricer.setSpot("BBB", 55)
	f.pricer.setPrice("BBB", model.Put, 50, 2)

	f.buy(t, "XYZ", 100) // 30000 → 15000
	cc := f.open(t, OpenRequest{Underlying: "XYZ", Kind: model.Call, Side: model.Short, Strike: d(160), Secured: true})
	csp := f.open(t, OpenRequest{Underlying: "BBB", Kind: model.Put, Side: model.Short, Strike: d(50), Secured: true})
	require.True(t, f.account(t).Cash.Equal(d(15500)))

	f.pricer.setNow(testExp.Add(30 * time.Hour))
	f.pricer.setSpot("XYZ", 170)
	f.pricer.setSpot("BBB", 45)

	report, err := f.mgr.SettleExpired(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Settled, 2)
	for _, s := range report.Settled {
		assert.Equal(t, OutcomeAssigned, s.Outcome)
	}
	assert.Equal(t, model.StatusExercised, f.position(t, cc.Position.ID).Status)
	assert.Equal(t, model.StatusExercised, f.position(t, csp.Position.ID).Status)

	// +16000 for the called-away shares, −5000 for the put shares.
	assert.True(t, f.account(t).Cash.Equal(d(26500)), "cash %s", f.account(t).Cash)

	var held []model.Holding
	require.NoError(t, f.ms.Atomic(context.Background(), func(tx store.Tx) error {
		var err error
		held, err = tx.ListHoldings(context.Background(), acct)
		return err
	}))
	require.Len(t, held, 1)
	assert.Equal(t, "BBB", held[0].Instrument.Symbol)
	assert.True(t, held[0].Quantity.Equal(d(100)))
	assert.True(t, held[0].AvgCost.Equal(d(50)))
}

func TestPortfolio_MarksEverything(t *testing.T) {
	f := newFixture(t, 10000)
	f.pricer.setSpot("XYZ", 100)
	f.pricer.setPrice("XYZ", model.Call, 100, 5)
	f.buy(t, "XYZ", 10)
	f.open(t, OpenRequest{Underlying: "XYZ", Kind: model.Call, Side: model.Long, Strike: d(100)})

	f.pricer.setSpot("XYZ", 110)
	f.pricer.setPrice("XYZ", model.Call, 100, 7)

	pf, err := f.mgr.Portfolio(context.Background(), acct)
	require.NoError(t, err)
	require.Len(t, pf.Holdings, 1)
	require.Len(t, pf.Options, 1)
	assert.True(t, pf.Holdings[0].UnrealizedPnL.Equal(d(100)))
	assert.True(t, pf.Options[0].UnrealizedPnL.Equal(d(200)))
	assert.True(t, pf.Options[0].PercentChange.Equal(d(40)))
	assert.Equal(t, model.ITM, pf.Options[0].Moneyness)
	assert.True(t, pf.TotalPnL.Equal(d(300)))

	require.NotNil(t, pf.Margin)
	// 8500 cash + 1100 shares + 700 long call
	assert.True(t, pf.Margin.PortfolioValue.Equal(d(10300)))
	assert.True(t, pf.Margin.MarginUsed.IsZero())

	f.pricer.err = oracle.ErrUnavailable
	pf, err = f.mgr.Portfolio(context.Background(), acct)
	require.NoError(t, err)
	assert.NotEmpty(t, pf.Holdings[0].PriceError)
	assert.Nil(t, pf.Margin)
}

func TestListPositions_FiltersByStatus(t *testing.T) {
	f := newFixture(t, 100000)
	f.pricer.setSpot("XYZ", 100)
	f.pricer.setPrice("XYZ", model.Call, 100, 5)
	f.pricer.setPrice("XYZ", model.Put, 95, 2)
	a := f.open(t, OpenRequest{Underlying: "XYZ", Kind: model.Call, Side: model.Long, Strike: d(100)})
	f.open(t, OpenRequest{Underlying: "XYZ", Kind: model.Put, Side: model.Long, Strike: d(95)})
	_, err := f.mgr.ClosePosition(context.Background(), CloseRequest{AccountID: acct, PositionID: a.Position.ID})
	require.NoError(t, err)

	all, err := f.mgr.ListPositions(context.Background(), acct, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	open, err := f.mgr.ListPositions(context.Background(), acct, model.StatusOpen)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, model.Put, open[0].Kind)
	assert.True(t, open[0].CurrentPrice.Equal(d(2)))
	assert.Equal(t, "XYZ260619P00095000", open[0].Contract)
}

func TestResetAccount(t *testing.T) {
	f := newFixture(t, 50000)
	f.pricer.setSpot("XYZ", 100)
	f.pricer.setPrice("XYZ", model.Call, 110, 1)
	f.buy(t, "XYZ", 10)
	opened := f.open(t, OpenRequest{Underlying: "XYZ", Kind: model.Call, Side: model.Short, Strike: d(110)})

	res, err := f.mgr.ResetAccount(context.Background(), acct)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ClosedPositions)
	assert.Equal(t, 1, res.ClearedHoldings)

	a := f.account(t)
	assert.True(t, a.Cash.Equal(d(50000)))
	assert.True(t, a.MarginUsed.IsZero())
	assert.False(t, a.Restricted)
	assert.Equal(t, model.StatusClosed, f.position(t, opened.Position.ID).Status)

	txs, err := f.ms.ListTransactions(context.Background(), acct, 1)
	require.NoError(t, err)
	assert.Equal(t, model.TxReset, txs[0].Type)
	assert.Contains(t, f.pub.types(), events.AccountReset)
}

func TestDeposit_RejectsNonPositive(t *testing.T) {
	f := newFixture(t, 1000)
	_, err := f.mgr.Deposit(context.Background(), acct, decimal.Zero)
	assert.Equal(t, CodeInvalidInput, Classify(err))
}

func TestTradeOption_ConcurrentOpensSerializePerAccount(t *testing.T) {
	f := newFixture(t, 100000)
	f.pricer.setSpot("XYZ", 100)
	f.pricer.setPrice("XYZ", model.Call, 100, 2)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.mgr.TradeOption(context.Background(), OpenRequest{
				AccountID: acct, Underlying: "XYZ", Kind: model.Call, Side: model.Long,
				Strike: d(100), Expiration: testExp, Quantity: 1,
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.True(t, f.account(t).Cash.Equal(d(96000)))
	views, err := f.mgr.ListPositions(context.Background(), acct, model.StatusOpen)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, int64(20), views[0].Quantity)
}
