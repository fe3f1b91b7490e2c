// Package metrics exposes Prometheus instrumentation for backtest runs, data
// fetches and report persistence.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements engine.Recorder using Prometheus.
type Recorder struct {
	runsTotal   *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	barsFetched *prometheus.CounterVec
	finalEquity *prometheus.GaugeVec
}

// New creates a Recorder registered on reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Recorder{
		runsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantlab_strategy_runs_total",
				Help: "Total number of strategy backtests by outcome",
			},
			[]string{"strategy", "status"},
		),
		runDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "quantlab_strategy_run_duration_seconds",
				Help:    "Duration of a single strategy backtest in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"strategy"},
		),
		barsFetched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantlab_bars_fetched_total",
				Help: "Total number of bars returned by data providers",
			},
			[]string{"provider"},
		),
		finalEquity: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "quantlab_final_equity",
				Help: "Final strategy equity of the latest backtest",
			},
			[]string{"strategy"},
		),
	}
}

// ObserveRun records a completed strategy run.
func (r *Recorder) ObserveRun(strategy, status string, elapsed time.Duration) {
	r.runsTotal.WithLabelValues(strategy, status).Inc()
	if elapsed > 0 {
		r.runDuration.WithLabelValues(strategy).Observe(elapsed.Seconds())
	}
}

// RecordBarsFetched counts bars returned by a provider.
func (r *Recorder) RecordBarsFetched(provider string, n int) {
	r.barsFetched.WithLabelValues(provider).Add(float64(n))
}

// RecordFinalEquity sets the latest final equity for a strategy.
func (r *Recorder) RecordFinalEquity(strategy string, equity float64) {
	r.finalEquity.WithLabelValues(strategy).Set(equity)
}
