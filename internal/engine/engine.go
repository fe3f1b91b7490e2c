// Package engine runs strategies over a price table and scores the resulting
// equity curves.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"quantlab/internal/domain"
	"quantlab/internal/strategy"
)

var (
	// ErrEmptyTable is returned by Run when the price table has no rows.
	ErrEmptyTable = errors.New("engine: empty price table")

	// ErrDuplicateStrategy is returned by Run when two strategies share a
	// name.
	ErrDuplicateStrategy = errors.New("engine: duplicate strategy name")

	// ErrInvalidCapital is returned by NewEngine for a non-positive capital.
	ErrInvalidCapital = errors.New("engine: initial capital must be positive")

	// ErrBadSignal is wrapped when a strategy returns a signal series of the
	// wrong length or with values outside {-1, 0, 1}.
	ErrBadSignal = errors.New("engine: invalid signal series")
)

// Status labels passed to a Recorder.
const (
	StatusOK       = "ok"
	StatusFailed   = "failed"
	StatusCanceled = "canceled"
)

// Recorder observes completed strategy runs.
type Recorder interface {
	ObserveRun(strategy, status string, elapsed time.Duration)
}

// Outcome is the result of one strategy run. Exactly one of Result and Err
// is set.
type Outcome struct {
	Result *domain.ResultTable
	Err    error
}

// Engine runs strategies concurrently against a shared price table.
type Engine struct {
	capital    float64
	maxWorkers int
	recorder   Recorder
	log        *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxWorkers bounds the number of strategies run at once. n <= 0 means
// GOMAXPROCS.
func WithMaxWorkers(n int) Option {
	return func(e *Engine) { e.maxWorkers = n }
}

// WithRecorder reports every strategy run to r.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// NewEngine creates an Engine that scores every strategy against the same
// notional capital.
func NewEngine(initialCapital float64, opts ...Option) (*Engine, error) {
	if !(initialCapital > 0) || math.IsInf(initialCapital, 1) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCapital, initialCapital)
	}
	e := &Engine{
		capital: initialCapital,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.maxWorkers <= 0 {
		e.maxWorkers = runtime.GOMAXPROCS(0)
	}
	e.log = e.log.With("component", "engine")
	return e, nil
}

// InitialCapital returns the capital every equity curve starts from.
func (e *Engine) InitialCapital() float64 {
	return e.capital
}

// Run backtests each strategy on its own copy of prices and returns one
// Outcome per strategy name. The returned error is non-nil only for invalid
// input detected before any strategy starts; failures inside a strategy are
// reported in its Outcome and do not affect the others. Strategies that have
// not started when ctx is cancelled get ctx.Err() as their Outcome error.
func (e *Engine) Run(ctx context.Context, strategies []strategy.Strategy, prices *domain.PriceTable) (map[string]Outcome, error) {
	if prices == nil || prices.Len() == 0 {
		return nil, ErrEmptyTable
	}
	if err := prices.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	names := make([]string, len(strategies))
	seen := make(map[string]bool, len(strategies))
	for i, s := range strategies {
		name, err := strategyName(s)
		if err != nil {
			return nil, fmt.Errorf("engine: strategy %d: %w", i, err)
		}
		if seen[name] {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateStrategy, name)
		}
		seen[name] = true
		names[i] = name
	}

	outcomes := make([]Outcome, len(strategies))
	sem := make(chan struct{}, e.maxWorkers)

	var g errgroup.Group
	for i, s := range strategies {
		name := names[i]
		g.Go(func() error {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				outcomes[i] = Outcome{Err: ctx.Err()}
				e.observe(name, StatusCanceled, 0)
				return nil
			}
			defer func() { <-sem }()

			if err := ctx.Err(); err != nil {
				outcomes[i] = Outcome{Err: err}
				e.observe(name, StatusCanceled, 0)
				return nil
			}

			start := time.Now()
			result, err := e.runOne(s, prices)
			elapsed := time.Since(start)
			if err != nil {
				e.log.Warn("strategy failed", "strategy", name, "error", err)
				outcomes[i] = Outcome{Err: err}
				e.observe(name, StatusFailed, elapsed)
				return nil
			}
			e.log.Info("strategy completed",
				"strategy", name,
				"rows", result.Len(),
				"final_equity", result.FinalEquity(),
				"elapsed", elapsed,
			)
			outcomes[i] = Outcome{Result: result}
			e.observe(name, StatusOK, elapsed)
			return nil
		})
	}
	// Tasks never return errors; failures live in outcomes.
	_ = g.Wait()

	out := make(map[string]Outcome, len(strategies))
	for i, name := range names {
		out[name] = outcomes[i]
	}
	return out, nil
}

// strategyName rejects nil strategies, including typed nil pointers whose
// Name panics.
func strategyName(s strategy.Strategy) (name string, err error) {
	if s == nil {
		return "", errors.New("strategy is nil")
	}
	defer func() {
		if r := recover(); r != nil {
			name, err = "", fmt.Errorf("name lookup panicked: %v", r)
		}
	}()
	return s.Name(), nil
}

// runOne isolates a single strategy: it works on a private copy of the table
// and converts a panic into an error.
func (e *Engine) runOne(s strategy.Strategy, shared *domain.PriceTable) (result *domain.ResultTable, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("strategy %q panicked: %v", s.Name(), r)
		}
	}()
	return Backtest(s, shared.Clone(), e.capital)
}

func (e *Engine) observe(name, status string, elapsed time.Duration) {
	if e.recorder != nil {
		e.recorder.ObserveRun(name, status, elapsed)
	}
}

// Backtest runs one strategy over prices and derives the result table. The
// table is referenced by the result, so callers sharing it should pass a
// copy.
func Backtest(s strategy.Strategy, prices *domain.PriceTable, capital float64) (*domain.ResultTable, error) {
	signals, err := s.Generate(prices)
	if err != nil {
		return nil, fmt.Errorf("strategy %q: %w", s.Name(), err)
	}
	if len(signals) != prices.Len() {
		return nil, fmt.Errorf("%w: strategy %q returned %d signals for %d rows", ErrBadSignal, s.Name(), len(signals), prices.Len())
	}
	for i, v := range signals {
		if !v.Valid() {
			return nil, fmt.Errorf("%w: strategy %q returned %d at row %d", ErrBadSignal, s.Name(), v, i)
		}
	}
	result := ApplySignals(prices, signals, capital)
	result.Strategy = s.Name()
	return result, nil
}

// ApplySignals turns a signal series into returns and equity curves. Each
// signal is applied to the next bar's return, so row t earns
// signal[t-1]*period_return[t]. Row 0 has no return and both equity curves
// start at capital; missing returns leave equity unchanged.
func ApplySignals(prices *domain.PriceTable, signals domain.SignalSeries, capital float64) *domain.ResultTable {
	n := prices.Len()
	r := &domain.ResultTable{
		InitialCapital:     capital,
		Prices:             prices,
		Signal:             signals,
		PeriodReturn:       pctChange(prices.Close),
		StrategyReturn:     make([]float64, n),
		CumulativeStrategy: make([]float64, n),
		CumulativeMarket:   make([]float64, n),
	}
	for t := range r.StrategyReturn {
		if t == 0 {
			r.StrategyReturn[t] = math.NaN()
			continue
		}
		r.StrategyReturn[t] = float64(signals[t-1]) * r.PeriodReturn[t]
	}
	compound(r.CumulativeStrategy, r.StrategyReturn, capital)
	compound(r.CumulativeMarket, r.PeriodReturn, capital)
	return r
}

func pctChange(x []float64) []float64 {
	out := make([]float64, len(x))
	for i := range x {
		if i == 0 {
			out[i] = math.NaN()
			continue
		}
		v := x[i]/x[i-1] - 1
		if math.IsInf(v, 0) {
			v = math.NaN()
		}
		out[i] = v
	}
	return out
}

func compound(dst, returns []float64, capital float64) {
	equity := capital
	for i, r := range returns {
		if !math.IsNaN(r) {
			equity *= 1 + r
		}
		dst[i] = equity
	}
}
