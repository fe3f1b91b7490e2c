// Package builtins provides the signal generators that ship with quantlab:
// momentum, mean reversion and statistical arbitrage.
package builtins

import (
	"errors"
	"math"

	"quantlab/internal/domain"
	"quantlab/internal/stats"
	"quantlab/internal/strategy"
)

// Compile-time interface check.
var _ strategy.Strategy = (*Momentum)(nil)

// Momentum is long while the close is strictly above its rolling mean and
// short otherwise.
type Momentum struct {
	name   string
	window int
}

// NewMomentum creates a Momentum strategy over a rolling window of closes.
func NewMomentum(window int) (*Momentum, error) {
	if window <= 0 {
		return nil, strategy.InvalidConfigf("momentum window must be positive, got %d", window)
	}
	return &Momentum{name: "momentum", window: window}, nil
}

// Name returns "momentum" unless renamed with WithName.
func (s *Momentum) Name() string {
	return s.name
}

// WithName returns a copy of the strategy reporting the given name.
func (s *Momentum) WithName(name string) *Momentum {
	c := *s
	c.name = name
	return &c
}

// Generate returns +1 where close > rolling mean and -1 elsewhere, including
// the warm-up rows where the mean is undefined.
func (s *Momentum) Generate(prices *domain.PriceTable) (domain.SignalSeries, error) {
	if err := checkTable(prices); err != nil {
		return nil, err
	}
	n := prices.Len()
	if n < s.window {
		return domain.FlatSeries(n), nil
	}

	mean := stats.RollingMean(prices.Close, s.window, s.window)
	signals := make(domain.SignalSeries, n)
	for i := range signals {
		// A NaN mean compares false, leaving the bar short.
		if prices.Close[i] > mean[i] {
			signals[i] = domain.SignalLong
		} else {
			signals[i] = domain.SignalShort
		}
	}
	return signals, nil
}

var errNilTable = errors.New("nil price table")

func checkTable(prices *domain.PriceTable) error {
	if prices == nil {
		return errNilTable
	}
	return prices.Validate()
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
