// Package runner ties a backtest run together: it selects strategies, runs
// them through the engine, scores every result and persists what the
// configured stores accept.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"quantlab/internal/domain"
	"quantlab/internal/engine"
	"quantlab/internal/store"
	"quantlab/internal/strategy"
	"quantlab/internal/util"
)

// EquityRecorder receives the final equity of each successful run.
type EquityRecorder interface {
	RecordFinalEquity(strategy string, equity float64)
}

// Job describes one backtest request.
type Job struct {
	// RunID labels persisted results and reports. Empty means a new UUID.
	RunID  string
	Market domain.Market
	Prices *domain.PriceTable
	// Strategies names the strategies to run; empty means all registered.
	Strategies []string
	// Factors is optional; when set factor exposures are added to reports.
	Factors *domain.FactorTable
}

// StrategyReport is the scored outcome of one strategy. Err is set when the
// strategy failed, in which case Result and Report are zero.
type StrategyReport struct {
	Strategy string
	Result   *domain.ResultTable
	Report   domain.RiskReport
	Err      error
}

// Runner executes Jobs.
type Runner struct {
	registry   *strategy.Registry
	engine     *engine.Engine
	results    store.ResultStore
	reports    store.ReportStore
	equity     EquityRecorder
	confidence float64
	log        *slog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithResultStore persists every successful result table.
func WithResultStore(s store.ResultStore) Option {
	return func(r *Runner) { r.results = s }
}

// WithReportStore persists every risk report.
func WithReportStore(s store.ReportStore) Option {
	return func(r *Runner) { r.reports = s }
}

// WithEquityRecorder reports final equity per strategy.
func WithEquityRecorder(e EquityRecorder) Option {
	return func(r *Runner) { r.equity = e }
}

// WithConfidence sets the VaR confidence level. The default is 0.95.
func WithConfidence(c float64) Option {
	return func(r *Runner) {
		if c > 0 && c < 1 {
			r.confidence = c
		}
	}
}

// WithLogger sets the runner logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.log = l
		}
	}
}

// New creates a Runner over the strategies in reg.
func New(reg *strategy.Registry, eng *engine.Engine, opts ...Option) *Runner {
	r := &Runner{
		registry:   reg,
		engine:     eng,
		confidence: 0.95,
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Strategies lists the registered strategy names.
func (r *Runner) Strategies() []string {
	return r.registry.List()
}

// Run backtests the job and returns one report per strategy, sorted by name,
// together with the run ID used. Invalid input fails the whole job; a failed
// strategy only fails its own report. Persistence errors are joined into the
// returned error after every report has been produced.
func (r *Runner) Run(ctx context.Context, job Job) (string, []StrategyReport, error) {
	strategies, err := r.registry.Select(job.Strategies...)
	if err != nil {
		return "", nil, err
	}
	runID := job.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	market := job.Market
	if market == "" {
		market = domain.MarketUS
	}
	periods := util.NewTradingCalendar(market).PeriodsPerYear()
	log := r.log.With("run_id", runID)

	outcomes, err := r.engine.Run(ctx, strategies, job.Prices)
	if err != nil {
		return runID, nil, err
	}

	names := make([]string, 0, len(outcomes))
	for name := range outcomes {
		names = append(names, name)
	}
	sort.Strings(names)

	var (
		out     = make([]StrategyReport, 0, len(names))
		persist []error
	)
	for _, name := range names {
		o := outcomes[name]
		if o.Err != nil {
			out = append(out, StrategyReport{Strategy: name, Err: o.Err})
			continue
		}
		report := engine.Summarize(runID, o.Result, r.confidence, job.Factors, engine.WithPeriodsPerYear(periods))
		out = append(out, StrategyReport{Strategy: name, Result: o.Result, Report: report})

		log.Info("strategy scored",
			"strategy", name,
			"final_equity", report.Metrics["final_equity"],
			"sharpe_ratio", report.Metrics["sharpe_ratio"],
			"max_drawdown", report.Metrics["max_drawdown"],
			"historical_var", report.Metrics["historical_var"],
		)
		if r.equity != nil {
			r.equity.RecordFinalEquity(name, o.Result.FinalEquity())
		}
		if r.results != nil {
			if err := r.results.WriteResult(ctx, runID, o.Result); err != nil {
				persist = append(persist, fmt.Errorf("writing result %s: %w", name, err))
			}
		}
		if r.reports != nil {
			if err := r.reports.SaveReport(ctx, report); err != nil {
				persist = append(persist, fmt.Errorf("saving report %s: %w", name, err))
			}
		}
	}
	if err := errors.Join(persist...); err != nil {
		log.Error("persisting run failed", "error", err)
		return runID, out, err
	}
	return runID, out, nil
}
