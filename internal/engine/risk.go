package engine

import (
	"math"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"quantlab/internal/domain"
	"quantlab/internal/stats"
)

// minEVTExceedances is the number of losses required before a generalized
// Pareto tail is fitted.
const minEVTExceedances = 10

// RiskEngine computes risk statistics from one backtest result. None of its
// methods fail: short or degenerate input yields a zero report.
type RiskEngine struct {
	result         *domain.ResultTable
	periodsPerYear float64
}

// RiskOption configures a RiskEngine.
type RiskOption func(*RiskEngine)

// WithPeriodsPerYear sets the annualisation factor for Sharpe and Sortino
// ratios. The default is 252.
func WithPeriodsPerYear(n float64) RiskOption {
	return func(r *RiskEngine) {
		if n > 0 {
			r.periodsPerYear = n
		}
	}
}

// NewRiskEngine creates a RiskEngine over result. result is only read.
func NewRiskEngine(result *domain.ResultTable, opts ...RiskOption) *RiskEngine {
	r := &RiskEngine{result: result, periodsPerYear: 252}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// returns yields the non-missing strategy returns.
func (r *RiskEngine) returns() []float64 {
	if r.result == nil {
		return nil
	}
	return stats.DropNaN(r.result.StrategyReturn)
}

// ---------------------------------------------------------------------------
// Tail risk
// ---------------------------------------------------------------------------

// TailRisk holds left-tail loss estimates expressed as (negative) returns.
type TailRisk struct {
	HistoricalVaR  float64
	ParametricVaR  float64
	ConditionalVaR float64
	EVTVaR         float64
}

// Metrics flattens the report.
func (t TailRisk) Metrics() map[string]float64 {
	return map[string]float64{
		"historical_var":  t.HistoricalVaR,
		"parametric_var":  t.ParametricVaR,
		"conditional_var": t.ConditionalVaR,
		"evt_var":         t.EVTVaR,
	}
}

// TailRisk estimates value at risk four ways at the given confidence level
// (e.g. 0.95). Parametric and EVT estimates fall back to the historical VaR
// when they cannot be computed.
//
// The EVT estimate fits a generalized Pareto distribution with location fixed
// at 0 to the loss magnitudes, so only shape and scale are estimated. A fit
// that also estimates the location gives a different value on the same
// sample.
func (r *RiskEngine) TailRisk(confidence float64) TailRisk {
	rets := r.returns()
	if len(rets) < 2 || !(confidence > 0 && confidence < 1) {
		return TailRisk{}
	}
	p := 1 - confidence

	hist := stats.Percentile(rets, p)
	out := TailRisk{
		HistoricalVaR:  hist,
		ParametricVaR:  hist,
		ConditionalVaR: hist,
		EVTVaR:         hist,
	}

	mean, std := stat.MeanStdDev(rets, nil)
	if std > 1e-12 && isFinite(std) {
		q := distuv.Normal{Mu: mean, Sigma: std}.Quantile(p)
		if isFinite(q) {
			out.ParametricVaR = q
		}
	}

	var tail []float64
	for _, v := range rets {
		if v <= hist {
			tail = append(tail, v)
		}
	}
	if len(tail) > 0 {
		out.ConditionalVaR = stat.Mean(tail, nil)
	}

	var losses []float64
	for _, v := range rets {
		if v < 0 {
			losses = append(losses, -v)
		}
	}
	if len(losses) > minEVTExceedances {
		if g, err := stats.FitGPD(losses); err == nil {
			if q := g.Quantile(p); isFinite(q) {
				out.EVTVaR = -q
			}
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Drawdown
// ---------------------------------------------------------------------------

// DrawdownReport summarises the strategy equity curve's drawdowns.
type DrawdownReport struct {
	MaxDrawdown float64
	AvgDrawdown float64
	// AvgRecoveryDays is the mean calendar length of completed drawdown
	// episodes.
	AvgRecoveryDays float64
	// Frequency is completed episodes per observation.
	Frequency float64
	// Series is the drawdown at every row, always <= 0.
	Series []float64
}

// Metrics flattens the report, omitting the series.
func (d DrawdownReport) Metrics() map[string]float64 {
	return map[string]float64{
		"max_drawdown":          d.MaxDrawdown,
		"average_drawdown":      d.AvgDrawdown,
		"average_recovery_time": d.AvgRecoveryDays,
		"drawdown_frequency":    d.Frequency,
	}
}

// Drawdown measures peak-to-trough declines of the strategy equity curve. A
// table whose dates and equity curve differ in length yields a zero report.
func (r *RiskEngine) Drawdown() DrawdownReport {
	if r.result == nil || len(r.result.CumulativeStrategy) < 2 {
		return DrawdownReport{}
	}
	equity := r.result.CumulativeStrategy
	dates := r.result.Dates()
	if len(dates) != len(equity) {
		return DrawdownReport{}
	}

	series := make([]float64, len(equity))
	peak := math.Inf(-1)
	for i, v := range equity {
		peak = math.Max(peak, v)
		if peak > 0 && isFinite(v) {
			series[i] = math.Min((v-peak)/peak, 0)
		}
	}

	var (
		out       = DrawdownReport{Series: series}
		negSum    float64
		negCount  int
		inDD      bool
		ddStart   time.Time
		recovered []float64
	)
	for i, v := range series {
		out.MaxDrawdown = math.Min(out.MaxDrawdown, v)
		if v < 0 {
			negSum += v
			negCount++
		}
		// Row 0 has no predecessor and cannot open an episode.
		if i == 0 {
			continue
		}
		switch {
		case v < 0 && series[i-1] >= 0:
			inDD, ddStart = true, dates[i]
		case v >= 0 && series[i-1] < 0 && inDD:
			recovered = append(recovered, math.Floor(dates[i].Sub(ddStart).Hours()/24))
			inDD = false
		}
	}
	if negCount > 0 {
		out.AvgDrawdown = negSum / float64(negCount)
	}
	if len(recovered) > 0 {
		out.AvgRecoveryDays = stat.Mean(recovered, nil)
		out.Frequency = float64(len(recovered)) / float64(len(equity))
	}
	return out
}

// ---------------------------------------------------------------------------
// Factor exposures
// ---------------------------------------------------------------------------

// FactorExposure holds regression betas of strategy returns on factor
// returns. Betas is empty when the regression could not be run.
type FactorExposure struct {
	Betas    map[string]float64
	RSquared float64
}

// Metrics flattens the report as beta_<name> plus r_squared.
func (f FactorExposure) Metrics() map[string]float64 {
	m := make(map[string]float64, len(f.Betas)+1)
	for name, b := range f.Betas {
		m["beta_"+name] = b
	}
	m["r_squared"] = f.RSquared
	return m
}

// FactorExposures regresses strategy returns on the factor returns over their
// common dates, with an intercept reported as "alpha".
func (r *RiskEngine) FactorExposures(factors *domain.FactorTable) FactorExposure {
	empty := FactorExposure{Betas: map[string]float64{}}
	if r.result == nil || factors == nil || len(factors.Names) == 0 || factors.Validate() != nil {
		return empty
	}
	if len(r.returns()) < 2 || len(r.result.StrategyReturn) != len(r.result.Dates()) {
		return empty
	}

	byDay := make(map[int64]int, len(factors.Dates))
	for i, d := range factors.Dates {
		byDay[dayKey(d)] = i
	}

	k := len(factors.Names)
	var (
		y    []float64
		rows []float64
	)
	for i, d := range r.result.Dates() {
		ret := r.result.StrategyReturn[i]
		j, ok := byDay[dayKey(d)]
		if !ok || math.IsNaN(ret) {
			continue
		}
		row := make([]float64, 0, k+1)
		row = append(row, 1)
		complete := true
		for _, col := range factors.Columns {
			if math.IsNaN(col[j]) {
				complete = false
				break
			}
			row = append(row, col[j])
		}
		if !complete {
			continue
		}
		y = append(y, ret)
		rows = append(rows, row...)
	}
	n := len(y)
	if n < 2 {
		return empty
	}

	x := mat.NewDense(n, k+1, rows)
	yv := mat.NewVecDense(n, y)

	var xtx mat.Dense
	xtx.Mul(x.T(), x)
	pinv, err := stats.PseudoInverse(&xtx)
	if err != nil {
		return empty
	}
	var xty, beta mat.VecDense
	xty.MulVec(x.T(), yv)
	beta.MulVec(pinv, &xty)

	var fitted mat.VecDense
	fitted.MulVec(x, &beta)
	mean := stat.Mean(y, nil)
	var rss, tss float64
	for i, v := range y {
		rss += (v - fitted.AtVec(i)) * (v - fitted.AtVec(i))
		tss += (v - mean) * (v - mean)
	}

	out := FactorExposure{Betas: make(map[string]float64, k+1)}
	out.Betas["alpha"] = beta.AtVec(0)
	for j, name := range factors.Names {
		out.Betas[name] = beta.AtVec(j + 1)
	}
	for _, b := range out.Betas {
		if !isFinite(b) {
			return empty
		}
	}
	if r2 := 1 - rss/tss; isFinite(r2) && r2 > 0 {
		out.RSquared = r2
	}
	return out
}

// ---------------------------------------------------------------------------
// Ratios
// ---------------------------------------------------------------------------

// SharpeRatio is the annualised mean over population standard deviation of
// strategy returns, or 0 when returns do not vary.
func (r *RiskEngine) SharpeRatio() float64 {
	rets := r.returns()
	if len(rets) < 2 || stat.StdDev(rets, nil) == 0 {
		return 0
	}
	mean, variance := stat.PopMeanVariance(rets, nil)
	if variance == 0 {
		return 0
	}
	return mean / math.Sqrt(variance) * math.Sqrt(r.periodsPerYear)
}

// SortinoRatio is the annualised excess mean return over the sample standard
// deviation of losing returns. riskFree is an annual rate. It is 0 when the
// downside deviation is zero or undefined.
func (r *RiskEngine) SortinoRatio(riskFree float64) float64 {
	rets := r.returns()
	var downside []float64
	for _, v := range rets {
		if v < 0 {
			downside = append(downside, v)
		}
	}
	if len(downside) < 2 {
		return 0
	}
	dd := stat.StdDev(downside, nil)
	if !(dd > 0) {
		return 0
	}
	excess := stat.Mean(rets, nil) - riskFree/r.periodsPerYear
	return excess / dd * math.Sqrt(r.periodsPerYear)
}

// TotalReturn is the final strategy equity over initial capital, minus one.
func (r *RiskEngine) TotalReturn() float64 {
	if r.result == nil || r.result.InitialCapital == 0 {
		return 0
	}
	return r.result.FinalEquity()/r.result.InitialCapital - 1
}

// ---------------------------------------------------------------------------
// Summary
// ---------------------------------------------------------------------------

// Summarize merges the tail-risk, drawdown, ratio and optional factor
// reports for one result into a RiskReport. factors may be nil.
func Summarize(runID string, result *domain.ResultTable, confidence float64, factors *domain.FactorTable, opts ...RiskOption) domain.RiskReport {
	re := NewRiskEngine(result, opts...)
	metrics := make(map[string]float64)
	for k, v := range re.TailRisk(confidence).Metrics() {
		metrics[k] = v
	}
	for k, v := range re.Drawdown().Metrics() {
		metrics[k] = v
	}
	if factors != nil {
		for k, v := range re.FactorExposures(factors).Metrics() {
			metrics[k] = v
		}
	}
	metrics["sharpe_ratio"] = re.SharpeRatio()
	metrics["sortino_ratio"] = re.SortinoRatio(0)
	metrics["total_return"] = re.TotalReturn()
	metrics["final_equity"] = result.FinalEquity()

	report := domain.RiskReport{
		RunID:     runID,
		Metrics:   metrics,
		CreatedAt: time.Now().UTC(),
	}
	if result != nil {
		report.Strategy = result.Strategy
	}
	return report
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func dayKey(t time.Time) int64 {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix()
}
