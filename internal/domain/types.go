// Package domain defines the core data types shared across quantlab: bars,
// price tables, signals, backtest result tables and risk reports.
package domain

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

// Market identifies the exchange group a symbol trades on.
type Market string

const (
	MarketUS Market = "us"
	MarketCN Market = "cn"
)

// Bar is a single OHLCV observation for a symbol.
type Bar struct {
	Symbol    string
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// ---------------------------------------------------------------------------
// Signals
// ---------------------------------------------------------------------------

// Signal is a desired position for one bar: short, flat or long.
type Signal int8

const (
	SignalShort Signal = -1
	SignalFlat  Signal = 0
	SignalLong  Signal = 1
)

// Valid reports whether s is one of the three allowed positions.
func (s Signal) Valid() bool {
	return s == SignalShort || s == SignalFlat || s == SignalLong
}

// SignalSeries holds one Signal per row of the PriceTable it was generated
// from.
type SignalSeries []Signal

// FlatSeries returns an all-flat series of length n.
func FlatSeries(n int) SignalSeries {
	return make(SignalSeries, n)
}

// ---------------------------------------------------------------------------
// PriceTable
// ---------------------------------------------------------------------------

var (
	// ErrUnorderedDates is returned when table dates are not strictly
	// increasing.
	ErrUnorderedDates = errors.New("dates must be strictly increasing")

	// ErrRaggedTable is returned when the columns of a table differ in length.
	ErrRaggedTable = errors.New("table columns differ in length")
)

// PriceTable is a columnar, date-ordered OHLCV table. BenchmarkClose is nil
// unless a second asset has been joined. Missing values are NaN.
type PriceTable struct {
	Symbol    string
	Benchmark string

	Dates          []time.Time
	Open           []float64
	High           []float64
	Low            []float64
	Close          []float64
	Volume         []float64
	BenchmarkClose []float64
}

// NewPriceTable builds a PriceTable from bars. Bars are sorted by timestamp;
// duplicate timestamps are rejected.
func NewPriceTable(symbol string, bars []Bar) (*PriceTable, error) {
	sorted := make([]Bar, len(bars))
	copy(sorted, bars)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	t := &PriceTable{
		Symbol: symbol,
		Dates:  make([]time.Time, len(sorted)),
		Open:   make([]float64, len(sorted)),
		High:   make([]float64, len(sorted)),
		Low:    make([]float64, len(sorted)),
		Close:  make([]float64, len(sorted)),
		Volume: make([]float64, len(sorted)),
	}
	for i, b := range sorted {
		t.Dates[i] = b.Timestamp
		t.Open[i] = b.Open
		t.High[i] = b.High
		t.Low[i] = b.Low
		t.Close[i] = b.Close
		t.Volume[i] = b.Volume
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Len returns the number of rows.
func (t *PriceTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Dates)
}

// HasBenchmark reports whether a benchmark close column is present.
func (t *PriceTable) HasBenchmark() bool {
	return t != nil && t.BenchmarkClose != nil
}

// Validate checks the table invariants: equal column lengths and strictly
// increasing dates.
func (t *PriceTable) Validate() error {
	n := len(t.Dates)
	cols := [][]float64{t.Open, t.High, t.Low, t.Close, t.Volume}
	for _, c := range cols {
		if len(c) != n {
			return ErrRaggedTable
		}
	}
	if t.BenchmarkClose != nil && len(t.BenchmarkClose) != n {
		return ErrRaggedTable
	}
	for i := 1; i < n; i++ {
		if !t.Dates[i].After(t.Dates[i-1]) {
			return fmt.Errorf("row %d (%s): %w", i, t.Dates[i].Format("2006-01-02"), ErrUnorderedDates)
		}
	}
	return nil
}

// Clone returns a deep copy of the table.
func (t *PriceTable) Clone() *PriceTable {
	c := &PriceTable{
		Symbol:    t.Symbol,
		Benchmark: t.Benchmark,
		Dates:     append([]time.Time(nil), t.Dates...),
		Open:      cloneFloats(t.Open),
		High:      cloneFloats(t.High),
		Low:       cloneFloats(t.Low),
		Close:     cloneFloats(t.Close),
		Volume:    cloneFloats(t.Volume),
	}
	if t.BenchmarkClose != nil {
		c.BenchmarkClose = cloneFloats(t.BenchmarkClose)
	}
	return c
}

// JoinBenchmark inner-joins the close of a second asset onto the table by
// date. Rows without a benchmark bar on the same date are dropped. A matched
// bar with a missing close takes the last known benchmark close; rows before
// the first known close are dropped.
func (t *PriceTable) JoinBenchmark(symbol string, bars []Bar) (*PriceTable, error) {
	closes := make(map[int64]float64, len(bars))
	for _, b := range bars {
		closes[dayKey(b.Timestamp)] = b.Close
	}

	out := &PriceTable{Symbol: t.Symbol, Benchmark: symbol, BenchmarkClose: []float64{}}
	last := math.NaN()
	for i, d := range t.Dates {
		c, ok := closes[dayKey(d)]
		if !ok {
			continue
		}
		if !math.IsNaN(c) {
			last = c
		}
		if math.IsNaN(last) {
			continue
		}
		out.Dates = append(out.Dates, d)
		out.Open = append(out.Open, t.Open[i])
		out.High = append(out.High, t.High[i])
		out.Low = append(out.Low, t.Low[i])
		out.Close = append(out.Close, t.Close[i])
		out.Volume = append(out.Volume, t.Volume[i])
		out.BenchmarkClose = append(out.BenchmarkClose, last)
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

func dayKey(ts time.Time) int64 {
	y, m, d := ts.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix()
}

func cloneFloats(v []float64) []float64 {
	if v == nil {
		return nil
	}
	return append([]float64(nil), v...)
}

// ---------------------------------------------------------------------------
// Backtest results
// ---------------------------------------------------------------------------

// ResultTable is a PriceTable extended with the signal and the return and
// equity columns derived from it by one backtest run.
type ResultTable struct {
	Strategy       string
	InitialCapital float64
	Prices         *PriceTable

	Signal             SignalSeries
	PeriodReturn       []float64
	StrategyReturn     []float64
	CumulativeStrategy []float64
	CumulativeMarket   []float64
}

// Len returns the number of rows.
func (r *ResultTable) Len() int {
	if r == nil || r.Prices == nil {
		return 0
	}
	return r.Prices.Len()
}

// Dates returns the row dates.
func (r *ResultTable) Dates() []time.Time {
	if r == nil || r.Prices == nil {
		return nil
	}
	return r.Prices.Dates
}

// FinalEquity returns the last value of the strategy equity curve, or the
// initial capital for an empty table.
func (r *ResultTable) FinalEquity() float64 {
	if r == nil || len(r.CumulativeStrategy) == 0 {
		if r == nil {
			return 0
		}
		return r.InitialCapital
	}
	return r.CumulativeStrategy[len(r.CumulativeStrategy)-1]
}

// ---------------------------------------------------------------------------
// Factors and reports
// ---------------------------------------------------------------------------

// FactorTable holds one return column per named factor, indexed by date.
// Columns[j] belongs to Names[j].
type FactorTable struct {
	Dates   []time.Time
	Names   []string
	Columns [][]float64
}

// Validate checks that every factor column matches the date index.
func (f *FactorTable) Validate() error {
	if len(f.Names) != len(f.Columns) {
		return fmt.Errorf("factor table has %d names and %d columns: %w", len(f.Names), len(f.Columns), ErrRaggedTable)
	}
	for j, c := range f.Columns {
		if len(c) != len(f.Dates) {
			return fmt.Errorf("factor %q: %w", f.Names[j], ErrRaggedTable)
		}
	}
	return nil
}

// RiskReport is a flat bag of named risk metrics for one strategy run.
type RiskReport struct {
	RunID     string
	Strategy  string
	Metrics   map[string]float64
	CreatedAt time.Time
}
