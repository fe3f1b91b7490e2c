package store

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"quantlab/internal/domain"
)

// Compile-time interface checks.
var _ BarStore = (*ParquetStore)(nil)
var _ ResultStore = (*ParquetStore)(nil)

// ParquetStore implements BarStore and ResultStore using Parquet files on
// disk.
type ParquetStore struct {
	DataDir string
}

// NewParquetStore creates a new ParquetStore rooted at the given data directory.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// BarRecord is the Parquet schema for daily bar data.
type BarRecord struct {
	Symbol    string  `parquet:"symbol,dict"`
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Open      float64 `parquet:"open"`
	High      float64 `parquet:"high"`
	Low       float64 `parquet:"low"`
	Close     float64 `parquet:"close"`
	Volume    float64 `parquet:"volume"`
}

// ResultRecord is the Parquet schema for one row of a backtest result table.
// Run-level fields repeat on every row and compress away.
type ResultRecord struct {
	Strategy       string  `parquet:"strategy,dict"`
	Symbol         string  `parquet:"symbol,dict"`
	Benchmark      string  `parquet:"benchmark,dict"`
	InitialCapital float64 `parquet:"initial_capital"`

	Timestamp      int64   `parquet:"timestamp,timestamp(millisecond)"`
	Open           float64 `parquet:"open"`
	High           float64 `parquet:"high"`
	Low            float64 `parquet:"low"`
	Close          float64 `parquet:"close"`
	Volume         float64 `parquet:"volume"`
	BenchmarkClose float64 `parquet:"benchmark_close"`

	Signal             int32   `parquet:"signal"`
	PeriodReturn       float64 `parquet:"period_return"`
	StrategyReturn     float64 `parquet:"strategy_return"`
	CumulativeStrategy float64 `parquet:"cumulative_strategy"`
	CumulativeMarket   float64 `parquet:"cumulative_market"`
}

// ---------------------------------------------------------------------------
// BarStore implementation
// ---------------------------------------------------------------------------

// WriteBars writes bar data to Parquet files organized by symbol and year,
// merging with any bars already on disk. Each symbol+year combination
// produces a separate file at:
//
//	<DataDir>/<market>/daily/<SYMBOL>/<YYYY>.parquet
func (s *ParquetStore) WriteBars(_ context.Context, market domain.Market, bars []domain.Bar) error {
	type key struct {
		symbol string
		year   int
	}
	groups := make(map[key][]BarRecord)
	for _, b := range bars {
		ts := b.Timestamp.UTC()
		k := key{symbol: strings.ToUpper(b.Symbol), year: ts.Year()}
		groups[k] = append(groups[k], BarRecord{
			Symbol:    k.symbol,
			Timestamp: ts.UnixMilli(),
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
		})
	}

	for k, records := range groups {
		path := s.barPath(k.symbol, market, k.year)

		existing, err := readParquetFile[BarRecord](path)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("reading bars for %s/%d: %w", k.symbol, k.year, err)
		}
		merged := mergeBarRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing bars for %s/%d: %w", k.symbol, k.year, err)
		}
	}
	return nil
}

// ReadBars reads bar data from the year files overlapping [start, end].
func (s *ParquetStore) ReadBars(_ context.Context, symbol string, market domain.Market, start, end time.Time) ([]domain.Bar, error) {
	years, err := s.years(symbol, market)
	if err != nil {
		return nil, err
	}

	var bars []domain.Bar
	for _, year := range years {
		if year < start.UTC().Year() || (!end.IsZero() && year > end.UTC().Year()) {
			continue
		}
		records, err := readParquetFile[BarRecord](s.barPath(symbol, market, year))
		if err != nil {
			return nil, fmt.Errorf("reading bars for %s/%d: %w", symbol, year, err)
		}
		for _, r := range records {
			ts := time.UnixMilli(r.Timestamp).UTC()
			if !inRange(ts, start, end) {
				continue
			}
			bars = append(bars, domain.Bar{
				Symbol:    r.Symbol,
				Timestamp: ts,
				Open:      r.Open,
				High:      r.High,
				Low:       r.Low,
				Close:     r.Close,
				Volume:    r.Volume,
			})
		}
	}
	return bars, nil
}

// ListSymbols lists all symbols that have bar data in the given market.
func (s *ParquetStore) ListSymbols(_ context.Context, market domain.Market) ([]string, error) {
	dir := filepath.Join(s.DataDir, string(market), "daily")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var symbols []string
	for _, e := range entries {
		if e.IsDir() {
			symbols = append(symbols, e.Name())
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

// years returns the sorted years with a bar file for symbol.
func (s *ParquetStore) years(symbol string, market domain.Market) ([]int, error) {
	dir := filepath.Join(s.DataDir, string(market), "daily", strings.ToUpper(symbol))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var years []int
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), ".parquet")
		if !ok || e.IsDir() {
			continue
		}
		if y, err := strconv.Atoi(name); err == nil {
			years = append(years, y)
		}
	}
	sort.Ints(years)
	return years, nil
}

// ---------------------------------------------------------------------------
// ResultStore implementation
// ---------------------------------------------------------------------------

// WriteResult writes a result table to
//
//	<DataDir>/results/<runID>/<strategy>.parquet
func (s *ParquetStore) WriteResult(_ context.Context, runID string, r *domain.ResultTable) error {
	path, err := s.resultPath(runID, r.Strategy)
	if err != nil {
		return err
	}
	p := r.Prices
	records := make([]ResultRecord, r.Len())
	for i := range records {
		bench := math.NaN()
		if p.HasBenchmark() {
			bench = p.BenchmarkClose[i]
		}
		records[i] = ResultRecord{
			Strategy:           r.Strategy,
			Symbol:             p.Symbol,
			Benchmark:          p.Benchmark,
			InitialCapital:     r.InitialCapital,
			Timestamp:          p.Dates[i].UnixMilli(),
			Open:               p.Open[i],
			High:               p.High[i],
			Low:                p.Low[i],
			Close:              p.Close[i],
			Volume:             p.Volume[i],
			BenchmarkClose:     bench,
			Signal:             int32(r.Signal[i]),
			PeriodReturn:       r.PeriodReturn[i],
			StrategyReturn:     r.StrategyReturn[i],
			CumulativeStrategy: r.CumulativeStrategy[i],
			CumulativeMarket:   r.CumulativeMarket[i],
		}
	}
	if err := writeParquetFile(path, records); err != nil {
		return fmt.Errorf("writing result %s/%s: %w", runID, r.Strategy, err)
	}
	return nil
}

// ReadResult loads a result table written by WriteResult.
func (s *ParquetStore) ReadResult(_ context.Context, runID, strategy string) (*domain.ResultTable, error) {
	path, err := s.resultPath(runID, strategy)
	if err != nil {
		return nil, err
	}
	records, err := readParquetFile[ResultRecord](path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("result %s/%s: %w", runID, strategy, ErrNoData)
		}
		return nil, fmt.Errorf("reading result %s/%s: %w", runID, strategy, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("result %s/%s: %w", runID, strategy, ErrNoData)
	}

	n := len(records)
	first := records[0]
	p := &domain.PriceTable{
		Symbol:    first.Symbol,
		Benchmark: first.Benchmark,
		Dates:     make([]time.Time, n),
		Open:      make([]float64, n),
		High:      make([]float64, n),
		Low:       make([]float64, n),
		Close:     make([]float64, n),
		Volume:    make([]float64, n),
	}
	if first.Benchmark != "" {
		p.BenchmarkClose = make([]float64, n)
	}
	r := &domain.ResultTable{
		Strategy:           first.Strategy,
		InitialCapital:     first.InitialCapital,
		Prices:             p,
		Signal:             make(domain.SignalSeries, n),
		PeriodReturn:       make([]float64, n),
		StrategyReturn:     make([]float64, n),
		CumulativeStrategy: make([]float64, n),
		CumulativeMarket:   make([]float64, n),
	}
	for i, rec := range records {
		p.Dates[i] = time.UnixMilli(rec.Timestamp).UTC()
		p.Open[i], p.High[i], p.Low[i], p.Close[i], p.Volume[i] = rec.Open, rec.High, rec.Low, rec.Close, rec.Volume
		if p.BenchmarkClose != nil {
			p.BenchmarkClose[i] = rec.BenchmarkClose
		}
		r.Signal[i] = domain.Signal(rec.Signal)
		r.PeriodReturn[i] = rec.PeriodReturn
		r.StrategyReturn[i] = rec.StrategyReturn
		r.CumulativeStrategy[i] = rec.CumulativeStrategy
		r.CumulativeMarket[i] = rec.CumulativeMarket
	}
	return r, nil
}

// ---------------------------------------------------------------------------
// Path helpers
// ---------------------------------------------------------------------------

// barPath returns the filesystem path for a bar Parquet file.
// Layout: <dataDir>/<market>/daily/<SYMBOL>/<YYYY>.parquet
func (s *ParquetStore) barPath(symbol string, market domain.Market, year int) string {
	return filepath.Join(s.DataDir, string(market), "daily", strings.ToUpper(symbol), strconv.Itoa(year)+".parquet")
}

// resultPath returns the filesystem path for a result Parquet file.
// Layout: <dataDir>/results/<runID>/<strategy>.parquet
func (s *ParquetStore) resultPath(runID, strategy string) (string, error) {
	for _, part := range []string{runID, strategy} {
		if part == "" || part == "." || part == ".." || strings.ContainsAny(part, `/\`) {
			return "", fmt.Errorf("store: invalid result path component %q", part)
		}
	}
	return filepath.Join(s.DataDir, "results", runID, strategy+".parquet"), nil
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return parquet.ReadFile[T](path)
}

// mergeBarRecords deduplicates bar records by timestamp, preferring new
// records over existing ones. Results are sorted by timestamp.
func mergeBarRecords(existing, incoming []BarRecord) []BarRecord {
	seen := make(map[int64]BarRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.Timestamp] = r
	}
	for _, r := range incoming {
		seen[r.Timestamp] = r
	}

	merged := make([]BarRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}
