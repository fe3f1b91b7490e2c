// Package httpapi provides a read-only JSON API over stored bars, backtest
// result tables and risk reports.
package httpapi

import (
	"math"

	"quantlab/internal/config"
	"quantlab/internal/domain"
)

// BarJSON is the JSON representation of a daily bar. Missing values are
// null.
type BarJSON struct {
	Date   string   `json:"date"`
	Open   *float64 `json:"open"`
	High   *float64 `json:"high"`
	Low    *float64 `json:"low"`
	Close  *float64 `json:"close"`
	Volume *float64 `json:"volume"`
}

// ResultRowJSON is one row of a backtest result table.
type ResultRowJSON struct {
	Date               string   `json:"date"`
	Close              *float64 `json:"close"`
	BenchmarkClose     *float64 `json:"benchmarkClose,omitempty"`
	Signal             int      `json:"signal"`
	PeriodReturn       *float64 `json:"periodReturn"`
	StrategyReturn     *float64 `json:"strategyReturn"`
	CumulativeStrategy *float64 `json:"cumulativeStrategy"`
	CumulativeMarket   *float64 `json:"cumulativeMarket"`
}

// ResultJSON is a full backtest result table.
type ResultJSON struct {
	RunID          string          `json:"runId"`
	Strategy       string          `json:"strategy"`
	Symbol         string          `json:"symbol"`
	Benchmark      string          `json:"benchmark,omitempty"`
	InitialCapital float64         `json:"initialCapital"`
	FinalEquity    *float64        `json:"finalEquity"`
	Rows           []ResultRowJSON `json:"rows"`
}

// ReportJSON is a stored risk report.
type ReportJSON struct {
	RunID     string              `json:"runId"`
	Strategy  string              `json:"strategy"`
	CreatedAt string              `json:"createdAt"`
	Metrics   map[string]*float64 `json:"metrics"`
}

// num maps non-finite values to null.
func num(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func barToJSON(b domain.Bar) BarJSON {
	return BarJSON{
		Date:   b.Timestamp.Format(config.DateLayout),
		Open:   num(b.Open),
		High:   num(b.High),
		Low:    num(b.Low),
		Close:  num(b.Close),
		Volume: num(b.Volume),
	}
}

func resultToJSON(runID string, r *domain.ResultTable) ResultJSON {
	p := r.Prices
	out := ResultJSON{
		RunID:          runID,
		Strategy:       r.Strategy,
		Symbol:         p.Symbol,
		Benchmark:      p.Benchmark,
		InitialCapital: r.InitialCapital,
		FinalEquity:    num(r.FinalEquity()),
		Rows:           make([]ResultRowJSON, r.Len()),
	}
	for i := range out.Rows {
		row := ResultRowJSON{
			Date:               p.Dates[i].Format(config.DateLayout),
			Close:              num(p.Close[i]),
			Signal:             int(r.Signal[i]),
			PeriodReturn:       num(r.PeriodReturn[i]),
			StrategyReturn:     num(r.StrategyReturn[i]),
			CumulativeStrategy: num(r.CumulativeStrategy[i]),
			CumulativeMarket:   num(r.CumulativeMarket[i]),
		}
		if p.HasBenchmark() {
			row.BenchmarkClose = num(p.BenchmarkClose[i])
		}
		out.Rows[i] = row
	}
	return out
}

func reportToJSON(r domain.RiskReport) ReportJSON {
	out := ReportJSON{
		RunID:     r.RunID,
		Strategy:  r.Strategy,
		CreatedAt: r.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		Metrics:   make(map[string]*float64, len(r.Metrics)),
	}
	for k, v := range r.Metrics {
		out.Metrics[k] = num(v)
	}
	return out
}
