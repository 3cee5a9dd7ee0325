package pricing

import (
	"errors"
	"math"

	"github.com/papertrade/paper-engine/internal/oracle"
)

// ErrInsufficientHistory is returned when too few observations exist to
// estimate volatility.
var ErrInsufficientHistory = errors.New("pricing: insufficient price history")

const (
	minReturns = 5
	minVol     = 0.05
	maxVol     = 5.0
)

// HistoricalVolatility is the annualized sample standard deviation of log
// returns, clamped to [5%, 500%].
func HistoricalVolatility(points []oracle.PricePoint, periodsPerYear float64) (float64, error) {
	returns := make([]float64, 0, len(points))
	for i := 1; i < len(points); i++ {
		prev, _ := points[i-1].Price.Float64()
		cur, _ := points[i].Price.Float64()
		if prev <= 0 || cur <= 0 {
			continue
		}
		returns = append(returns, math.Log(cur/prev))
	}
	if len(returns) < minReturns {
		return 0, ErrInsufficientHistory
	}

	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var ss float64
	for _, r := range returns {
		ss += (r - mean) * (r - mean)
	}
	stdev := math.Sqrt(ss / float64(len(returns)-1))

	vol := stdev * math.Sqrt(periodsPerYear)
	return math.Min(math.Max(vol, minVol), maxVol), nil
}
