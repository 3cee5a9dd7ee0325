package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/papertrade/paper-engine/internal/metrics"
	"github.com/papertrade/paper-engine/internal/model"
)

// Client talks to the quote service (GET /quote, GET /historical).
// It is safe for concurrent use: caches are concurrent, identical in-flight
// requests are collapsed, and the rate-limit backoff is mutex guarded.
type Client struct {
	baseURL    string
	httpClient *http.Client

	quotes     *ttlCache
	history    *ttlCache
	quoteTTL   time.Duration
	historyTTL time.Duration
	group      singleflight.Group

	mu            sync.Mutex
	cooldownUntil time.Time
	cooldown      time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTimeout sets the per-request HTTP timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithCacheTTL sets the quote and history cache lifetimes.
func WithCacheTTL(quote, history time.Duration) ClientOption {
	return func(c *Client) {
		c.quoteTTL = quote
		c.historyTTL = history
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithRateLimitCooldown sets how long the client fails fast after a 429.
func WithRateLimitCooldown(d time.Duration) ClientOption {
	return func(c *Client) {
		c.cooldown = d
	}
}

// NewClient creates a quote service client.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		quoteTTL:   5 * time.Minute,
		historyTTL: 24 * time.Hour,
		cooldown:   30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}

	var err error
	if c.quotes, err = newTTLCache(1<<14, c.quoteTTL); err != nil {
		return nil, fmt.Errorf("quote cache: %w", err)
	}
	if c.history, err = newTTLCache(1<<12, c.historyTTL); err != nil {
		return nil, fmt.Errorf("history cache: %w", err)
	}
	return c, nil
}

// Close releases cache resources.
func (c *Client) Close() {
	c.quotes.close()
	c.history.close()
}

// --- Wire types ---

type quoteResponse struct {
	Symbol             string   `json:"symbol"`
	RegularMarketPrice *float64 `json:"regularMarketPrice"`
	PreviousClose      *float64 `json:"previousClose"`
	Error              string   `json:"error"`
}

type chartResponse struct {
	Chart struct {
		Result []struct {
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Close []*float64 `json:"close"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
	} `json:"chart"`
	Error string `json:"error"`
}

// Quote returns the latest price. Falls back to the previous close when the
// regular market price is missing (weekends, halted symbols).
func (c *Client) Quote(ctx context.Context, inst model.Instrument) (decimal.Decimal, error) {
	ticker := Ticker(inst)
	key := "quote:" + ticker
	if v, ok := c.quotes.get(key); ok {
		return v.(decimal.Decimal), nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		var resp quoteResponse
		q := url.Values{"symbol": {ticker}}
		if err := c.getJSON(ctx, "/quote", q, &resp); err != nil {
			return nil, err
		}

		var raw *float64
		switch {
		case resp.RegularMarketPrice != nil && *resp.RegularMarketPrice > 0:
			raw = resp.RegularMarketPrice
		case resp.PreviousClose != nil && *resp.PreviousClose > 0:
			raw = resp.PreviousClose
		default:
			return nil, fmt.Errorf("%w: %s", ErrNoPrice, ticker)
		}

		price := decimal.NewFromFloat(*raw)
		c.quotes.set(key, price)
		return price, nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	return v.(decimal.Decimal), nil
}

// History returns daily closes for the last `days` days, oldest first.
// Null closes (holidays, partial sessions) are skipped.
func (c *Client) History(ctx context.Context, inst model.Instrument, days int) ([]PricePoint, error) {
	if days <= 0 {
		days = 30
	}
	ticker := Ticker(inst)
	key := "history:" + ticker + ":" + strconv.Itoa(days)
	if v, ok := c.history.get(key); ok {
		return v.([]PricePoint), nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		var resp chartResponse
		q := url.Values{
			"symbol":   {ticker},
			"period":   {strconv.Itoa(days) + "d"},
			"interval": {"1d"},
		}
		if err := c.getJSON(ctx, "/historical", q, &resp); err != nil {
			return nil, err
		}
		if len(resp.Chart.Result) == 0 || len(resp.Chart.Result[0].Indicators.Quote) == 0 {
			return nil, fmt.Errorf("%w: empty history for %s", ErrNoPrice, ticker)
		}

		res := resp.Chart.Result[0]
		closes := res.Indicators.Quote[0].Close
		points := make([]PricePoint, 0, len(res.Timestamp))
		for i, ts := range res.Timestamp {
			if i >= len(closes) || closes[i] == nil || *closes[i] <= 0 {
				continue
			}
			points = append(points, PricePoint{
				Time:  time.Unix(ts, 0).UTC(),
				Price: decimal.NewFromFloat(*closes[i]),
			})
		}

		c.history.set(key, points)
		return points, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]PricePoint), nil
}

// getJSON performs a GET and decodes the body into dst. Errors are mapped
// onto the package sentinels so callers can classify them.
func (c *Client) getJSON(ctx context.Context, path string, q url.Values, dst interface{}) error {
	if err := c.checkCooldown(); err != nil {
		return err
	}

	endpoint := c.baseURL + path + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.OracleLatency.WithLabelValues(path).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.OracleErrors.WithLabelValues(path, "transport").Inc()
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		metrics.OracleErrors.WithLabelValues(path, "read").Inc()
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		c.startCooldown()
		metrics.OracleErrors.WithLabelValues(path, "rate_limited").Inc()
		return ErrRateLimited
	case resp.StatusCode == http.StatusNotFound:
		metrics.OracleErrors.WithLabelValues(path, "not_found").Inc()
		return fmt.Errorf("%w: %s", ErrNotFound, q.Get("symbol"))
	case resp.StatusCode >= 400:
		metrics.OracleErrors.WithLabelValues(path, strconv.Itoa(resp.StatusCode)).Inc()
		slog.Warn("quote service error", "path", path, "status", resp.StatusCode, "symbol", q.Get("symbol"))
		return fmt.Errorf("%w: %s returned %d", ErrUnavailable, path, resp.StatusCode)
	}

	if err := json.Unmarshal(body, dst); err != nil {
		metrics.OracleErrors.WithLabelValues(path, "decode").Inc()
		return fmt.Errorf("%w: decode %s: %v", ErrUnavailable, path, err)
	}
	return nil
}

func (c *Client) checkCooldown() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if time.Now().Before(c.cooldownUntil) {
		return ErrRateLimited
	}
	return nil
}

func (c *Client) startCooldown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cooldownUntil = time.Now().Add(c.cooldown)
	slog.Warn("quote service rate limited, backing off", "until", c.cooldownUntil)
}

// IsRetryable reports whether err is a transient oracle failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUnavailable)
}

// --- Cache ---

type ttlCache struct {
	c   *ristretto.Cache
	ttl time.Duration
}

func newTTLCache(maxItems int64, ttl time.Duration) (*ttlCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxItems * 10,
		MaxCost:     maxItems,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &ttlCache{c: c, ttl: ttl}, nil
}

func (c *ttlCache) get(key string) (interface{}, bool) {
	if c.ttl <= 0 {
		return nil, false
	}
	return c.c.Get(key)
}

func (c *ttlCache) set(key string, val interface{}) {
	if c.ttl <= 0 {
		return
	}
	c.c.SetWithTTL(key, val, 1, c.ttl)
	c.c.Wait()
}

func (c *ttlCache) close() { c.c.Close() }
