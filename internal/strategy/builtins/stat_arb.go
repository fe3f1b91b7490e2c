package builtins

import (
	"log/slog"
	"math"

	"quantlab/internal/domain"
	"quantlab/internal/stats"
	"quantlab/internal/strategy"
)

// Compile-time interface check.
var _ strategy.Strategy = (*StatArb)(nil)

// StatArbParams configures the pairs-trading strategy.
type StatArbParams struct {
	// LookbackPeriod is the minimum number of paired observations, the
	// hedge-ratio window cap and the z-score window.
	LookbackPeriod int
	EntryZScore    float64
	ExitZScore     float64
	// MaxPositionHold is the number of bars a position may be held after
	// its entry before it is forced flat.
	MaxPositionHold int
	MinHalfLife     float64
	// ConfidenceLevel is the p-value the cointegration test must beat.
	ConfidenceLevel float64
}

// DefaultStatArbParams returns the standard pairs-trading configuration.
func DefaultStatArbParams() StatArbParams {
	return StatArbParams{
		LookbackPeriod:  60,
		EntryZScore:     2.0,
		ExitZScore:      0.5,
		MaxPositionHold: 20,
		MinHalfLife:     5,
		ConfidenceLevel: 0.05,
	}
}

func (p StatArbParams) validate() error {
	switch {
	case p.LookbackPeriod < 2:
		return strategy.InvalidConfigf("stat-arb lookback must be at least 2, got %d", p.LookbackPeriod)
	case !(p.EntryZScore > 0) || math.IsInf(p.EntryZScore, 0):
		return strategy.InvalidConfigf("stat-arb entry z-score must be positive, got %v", p.EntryZScore)
	case math.IsNaN(p.ExitZScore) || p.ExitZScore < 0 || p.ExitZScore > p.EntryZScore:
		return strategy.InvalidConfigf("stat-arb exit z-score must be in [0, %v], got %v", p.EntryZScore, p.ExitZScore)
	case p.MaxPositionHold < 1:
		return strategy.InvalidConfigf("stat-arb max position hold must be at least 1, got %d", p.MaxPositionHold)
	case p.MinHalfLife < 0 || math.IsNaN(p.MinHalfLife):
		return strategy.InvalidConfigf("stat-arb min half-life must be non-negative, got %v", p.MinHalfLife)
	case !(p.ConfidenceLevel > 0 && p.ConfidenceLevel < 1):
		return strategy.InvalidConfigf("stat-arb confidence level must be in (0, 1), got %v", p.ConfidenceLevel)
	}
	return nil
}

// StatArb trades the spread between a symbol and its joined benchmark. It
// only trades pairs whose regression residual passes an ADF unit-root test,
// sizes the spread with a median rolling hedge ratio, rejects spreads that
// revert too slowly and caps how long a position is held.
//
// The cointegration gate and hedge ratio are estimated over the whole table,
// so signals are in-sample with respect to those two estimates.
type StatArb struct {
	name   string
	params StatArbParams
	log    *slog.Logger
}

// hedgeState is derived per Generate call and never stored on the strategy.
type hedgeState struct {
	pValue    float64
	ratio     float64
	intercept float64
	halfLife  float64
}

// NewStatArb creates a StatArb strategy. A nil logger uses slog.Default().
func NewStatArb(params StatArbParams, log *slog.Logger) (*StatArb, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &StatArb{
		name:   "stat-arb",
		params: params,
		log:    log.With("strategy", "stat-arb"),
	}, nil
}

// Name returns "stat-arb" unless renamed with WithName.
func (s *StatArb) Name() string {
	return s.name
}

// WithName returns a copy of the strategy reporting the given name.
func (s *StatArb) WithName(name string) *StatArb {
	c := *s
	c.name = name
	c.log = c.log.With("name", name)
	return &c
}

// Generate returns the capped pairs-trading signal. Tables without a
// benchmark column, pairs that fail the cointegration gate and spreads with
// an unusable half-life all yield a flat series.
func (s *StatArb) Generate(prices *domain.PriceTable) (domain.SignalSeries, error) {
	if err := checkTable(prices); err != nil {
		return nil, err
	}
	n := prices.Len()
	if !prices.HasBenchmark() {
		s.log.Debug("no benchmark column, staying flat", "symbol", prices.Symbol)
		return domain.FlatSeries(n), nil
	}

	y, x := pairedCloses(prices.Close, prices.BenchmarkClose)
	if len(y) < s.params.LookbackPeriod {
		return domain.FlatSeries(n), nil
	}

	hs, ok := s.estimate(x, y)
	if !ok {
		return domain.FlatSeries(n), nil
	}
	s.log.Debug("pair accepted",
		"symbol", prices.Symbol,
		"benchmark", prices.Benchmark,
		"p_value", hs.pValue,
		"hedge_ratio", hs.ratio,
		"half_life", hs.halfLife,
	)

	spread := make([]float64, n)
	for i := range spread {
		spread[i] = prices.Close[i] - hs.ratio*prices.BenchmarkClose[i] - hs.intercept
	}

	raw := s.zScoreSignals(spread)
	return capHolding(raw, s.params.MaxPositionHold), nil
}

// estimate runs the cointegration gate, the hedge-ratio estimation and the
// half-life filter. ok is false when the pair must not be traded.
func (s *StatArb) estimate(x, y []float64) (hedgeState, bool) {
	var hs hedgeState

	fit, err := stats.SimpleOLS(x, y)
	if err != nil {
		return hs, false
	}
	resid := make([]float64, len(y))
	for i := range y {
		resid[i] = y[i] - fit.Predict(x[i])
	}
	adf, err := stats.ADF(resid, stats.DefaultADFMaxLag(len(resid)))
	if err != nil {
		s.log.Debug("cointegration test failed", "error", err)
		return hs, false
	}
	hs.pValue = adf.PValue
	if !(adf.PValue < s.params.ConfidenceLevel) {
		s.log.Debug("pair not cointegrated", "p_value", adf.PValue)
		return hs, false
	}

	ratio, intercept, ok := rollingHedgeRatio(x, y, min(s.params.LookbackPeriod, len(y)-1))
	if !ok {
		return hs, false
	}
	hs.ratio, hs.intercept = ratio, intercept

	spread := make([]float64, len(y))
	for i := range y {
		spread[i] = y[i] - ratio*x[i] - intercept
	}
	hs.halfLife = halfLife(spread)
	if math.IsInf(hs.halfLife, 1) || hs.halfLife < s.params.MinHalfLife {
		s.log.Debug("spread half-life rejected", "half_life", hs.halfLife)
		return hs, false
	}
	return hs, true
}

// zScoreSignals maps the rolling z-score of the spread to entry and exit
// signals.
func (s *StatArb) zScoreSignals(spread []float64) domain.SignalSeries {
	window := s.params.LookbackPeriod
	minPeriods := max(window/2, 1)
	mean := stats.RollingMean(spread, window, minPeriods)
	std := stats.RollingStd(spread, window, minPeriods)

	signals := make(domain.SignalSeries, len(spread))
	for i := range spread {
		z := 0.0
		if std[i] > 0 && isFinite(spread[i]) {
			z = (spread[i] - mean[i]) / std[i]
		}
		switch {
		case math.Abs(z) < s.params.ExitZScore:
			signals[i] = domain.SignalFlat
		case z > s.params.EntryZScore:
			signals[i] = domain.SignalShort
		case z < -s.params.EntryZScore:
			signals[i] = domain.SignalLong
		}
	}
	return signals
}

// pairedCloses returns the rows where both closes are present, in order.
func pairedCloses(primary, benchmark []float64) (y, x []float64) {
	for i := range primary {
		if isFinite(primary[i]) && isFinite(benchmark[i]) {
			y = append(y, primary[i])
			x = append(x, benchmark[i])
		}
	}
	return y, x
}

// rollingHedgeRatio fits y on x over every trailing window [i-window, i) and
// returns the median slope together with the last window's intercept.
func rollingHedgeRatio(x, y []float64, window int) (ratio, intercept float64, ok bool) {
	if window < 2 {
		return 0, 0, false
	}
	slopes := make([]float64, 0, len(y)-window)
	for i := window; i < len(y); i++ {
		fit, err := stats.SimpleOLS(x[i-window:i], y[i-window:i])
		if err != nil {
			continue
		}
		slopes = append(slopes, fit.Slope)
		intercept = fit.Intercept
	}
	if len(slopes) == 0 {
		return 0, 0, false
	}
	return stats.Median(slopes), intercept, true
}

// halfLife regresses the spread's first difference on its lagged level and
// returns -ln2/slope, or +Inf when the spread does not revert.
func halfLife(spread []float64) float64 {
	lagged := make([]float64, 0, len(spread))
	delta := make([]float64, 0, len(spread))
	for i := 1; i < len(spread); i++ {
		if isFinite(spread[i]) && isFinite(spread[i-1]) {
			lagged = append(lagged, spread[i-1])
			delta = append(delta, spread[i]-spread[i-1])
		}
	}
	fit, err := stats.SimpleOLS(lagged, delta)
	if err != nil || !(fit.Slope < 0) {
		return math.Inf(1)
	}
	return -math.Ln2 / fit.Slope
}

// capHolding forces the signal flat once maxHold bars have passed since the
// last change in the uncapped signal. Entries are detected on the uncapped
// series, so a forced flat does not restart the clock.
func capHolding(raw domain.SignalSeries, maxHold int) domain.SignalSeries {
	out := make(domain.SignalSeries, len(raw))
	lastEntry := 0
	prev := domain.SignalFlat
	for i, sig := range raw {
		if sig != prev {
			lastEntry = i
		}
		prev = sig
		if i-lastEntry >= maxHold {
			out[i] = domain.SignalFlat
			continue
		}
		out[i] = sig
	}
	return out
}
