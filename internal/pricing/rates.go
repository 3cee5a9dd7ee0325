package pricing

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papertrade/paper-engine/internal/model"
	"github.com/papertrade/paper-engine/internal/oracle"
)

// Bucket is a duration bucket of the yield curve.
type Bucket struct {
	Name    string
	MaxDays float64 // inclusive upper bound; the last bucket is unbounded
	Ticker  string  // treasury yield index quoted in percent
}

// DefaultBuckets maps durations onto the treasury yield indices the quote
// service carries: 13-week bill, 5-year, 10-year and 30-year notes.
var DefaultBuckets = []Bucket{
	{Name: "30d", MaxDays: 30, Ticker: "^IRX"},
	{Name: "90d", MaxDays: 90, Ticker: "^IRX"},
	{Name: "180d", MaxDays: 180, Ticker: "^IRX"},
	{Name: "1y", MaxDays: 365, Ticker: "^IRX"},
	{Name: "2y", MaxDays: 730, Ticker: "^FVX"},
	{Name: "5y", MaxDays: 1826, Ticker: "^FVX"},
	{Name: "10y", MaxDays: 3652, Ticker: "^TNX"},
	{Name: ">10y", MaxDays: 0, Ticker: "^TYX"},
}

// BucketFor returns the bucket a duration falls into.
func BucketFor(days float64) Bucket {
	for _, b := range DefaultBuckets {
		if b.MaxDays > 0 && days <= b.MaxDays {
			return b
		}
	}
	return DefaultBuckets[len(DefaultBuckets)-1]
}

type cachedRate struct {
	rate      float64
	fetchedAt time.Time
}

// YieldCurve supplies risk-free rates keyed by duration bucket. Each yield
// index is fetched at most once per refresh interval; lookup failures fall
// back to the last fetched value for that index, then to the default rate.
type YieldCurve struct {
	oracle   oracle.Oracle
	fallback float64
	refresh  time.Duration
	now      func() time.Time

	mu    sync.Mutex
	rates map[string]cachedRate
}

// NewYieldCurve creates a yield curve backed by the oracle.
func NewYieldCurve(o oracle.Oracle, fallback float64, refresh time.Duration) *YieldCurve {
	if refresh <= 0 {
		refresh = 15 * time.Minute
	}
	return &YieldCurve{
		oracle:   o,
		fallback: fallback,
		refresh:  refresh,
		now:      time.Now,
		rates:    make(map[string]cachedRate),
	}
}

// Rate returns the annualized risk-free rate (e.g. 0.045) for the duration.
func (y *YieldCurve) Rate(ctx context.Context, days float64) float64 {
	bucket := BucketFor(days)

	y.mu.Lock()
	cached, ok := y.rates[bucket.Ticker]
	y.mu.Unlock()
	if ok && y.now().Sub(cached.fetchedAt) < y.refresh {
		return cached.rate
	}

	if y.oracle == nil {
		return y.fallback
	}

	var rate float64
	pct, err := y.oracle.Quote(ctx, model.Equity(bucket.Ticker))
	switch {
	case err == nil && pct.IsPositive():
		rate, _ = pct.Div(decimal.NewFromInt(100)).Float64()
	case ok:
		rate = cached.rate
		slog.Warn("yield lookup failed, using last known rate",
			"bucket", bucket.Name, "ticker", bucket.Ticker, "rate", rate, "err", err)
	default:
		rate = y.fallback
		slog.Warn("yield lookup failed, using default rate",
			"bucket", bucket.Name, "ticker", bucket.Ticker, "rate", rate, "err", err)
	}

	// Failures are cached too so the index is retried once per interval.
	y.mu.Lock()
	y.rates[bucket.Ticker] = cachedRate{rate: rate, fetchedAt: y.now()}
	y.mu.Unlock()
	return rate
}
