package builtins

import (
	"quantlab/internal/domain"
	"quantlab/internal/stats"
	"quantlab/internal/strategy"
)

// Compile-time interface check.
var _ strategy.Strategy = (*MeanReversion)(nil)

// MeanReversion buys when the close falls a threshold fraction below its
// rolling mean and sells when it rises the same fraction above it.
type MeanReversion struct {
	name      string
	window    int
	threshold float64
}

// NewMeanReversion creates a MeanReversion strategy. threshold is a fraction
// of the rolling mean, e.g. 0.05 for a 5% band.
func NewMeanReversion(window int, threshold float64) (*MeanReversion, error) {
	if window <= 0 {
		return nil, strategy.InvalidConfigf("mean reversion window must be positive, got %d", window)
	}
	if threshold < 0 || !isFinite(threshold) {
		return nil, strategy.InvalidConfigf("mean reversion threshold must be a non-negative number, got %v", threshold)
	}
	return &MeanReversion{name: "mean-reversion", window: window, threshold: threshold}, nil
}

// Name returns "mean-reversion" unless renamed with WithName.
func (s *MeanReversion) Name() string {
	return s.name
}

// WithName returns a copy of the strategy reporting the given name.
func (s *MeanReversion) WithName(name string) *MeanReversion {
	c := *s
	c.name = name
	return &c
}

// Generate returns +1 below the lower band, -1 above the upper band and 0
// inside it or while the rolling mean is undefined.
func (s *MeanReversion) Generate(prices *domain.PriceTable) (domain.SignalSeries, error) {
	if err := checkTable(prices); err != nil {
		return nil, err
	}
	n := prices.Len()
	if n < s.window {
		return domain.FlatSeries(n), nil
	}

	mean := stats.RollingMean(prices.Close, s.window, s.window)
	signals := make(domain.SignalSeries, n)
	for i, c := range prices.Close {
		switch {
		case c < mean[i]*(1-s.threshold):
			signals[i] = domain.SignalLong
		case c > mean[i]*(1+s.threshold):
			signals[i] = domain.SignalShort
		}
	}
	return signals, nil
}
