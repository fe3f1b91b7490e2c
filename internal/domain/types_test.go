package domain

import (
	"errors"
	"math"
	"testing"
	"time"
)

func day(i int) time.Time {
	return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, i)
}

func TestTypesExist(t *testing.T) {
	// Verify Bar can be instantiated with zero values.
	bar := Bar{}
	if bar.Symbol != "" {
		t.Error("expected empty Symbol for zero-value Bar")
	}
	if !bar.Timestamp.IsZero() {
		t.Error("expected zero Timestamp for zero-value Bar")
	}
	if bar.Open != 0 || bar.High != 0 || bar.Low != 0 || bar.Close != 0 || bar.Volume != 0 {
		t.Error("expected zero OHLCV values for zero-value Bar")
	}

	// Verify enum constants are defined correctly.
	if SignalShort != -1 || SignalFlat != 0 || SignalLong != 1 {
		t.Error("Signal constants have unexpected values")
	}
	if MarketUS != "us" || MarketCN != "cn" {
		t.Error("Market constants have unexpected values")
	}
	if Signal(2).Valid() || !SignalShort.Valid() {
		t.Error("Signal.Valid misclassifies values")
	}

	flat := FlatSeries(3)
	for i, s := range flat {
		if s != SignalFlat {
			t.Errorf("FlatSeries()[%d] = %d, want 0", i, s)
		}
	}
}

func TestNewPriceTableSortsBars(t *testing.T) {
	bars := []Bar{
		{Symbol: "AAPL", Timestamp: day(2), Close: 3},
		{Symbol: "AAPL", Timestamp: day(0), Close: 1},
		{Symbol: "AAPL", Timestamp: day(1), Close: 2},
	}
	tbl, err := NewPriceTable("AAPL", bars)
	if err != nil {
		t.Fatalf("NewPriceTable: %v", err)
	}
	if tbl.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", tbl.Len())
	}
	for i, want := range []float64{1, 2, 3} {
		if tbl.Close[i] != want {
			t.Errorf("Close[%d] = %v, want %v", i, tbl.Close[i], want)
		}
	}
	if tbl.HasBenchmark() {
		t.Error("HasBenchmark() = true for a table without benchmark")
	}
}

func TestNewPriceTableRejectsDuplicates(t *testing.T) {
	bars := []Bar{
		{Timestamp: day(0), Close: 1},
		{Timestamp: day(0), Close: 2},
	}
	_, err := NewPriceTable("X", bars)
	if !errors.Is(err, ErrUnorderedDates) {
		t.Fatalf("NewPriceTable error = %v, want ErrUnorderedDates", err)
	}
}

func TestValidateRagged(t *testing.T) {
	tbl := &PriceTable{
		Dates: []time.Time{day(0), day(1)},
		Open:  []float64{1, 2}, High: []float64{1, 2}, Low: []float64{1, 2},
		Close: []float64{1}, Volume: []float64{1, 2},
	}
	if err := tbl.Validate(); !errors.Is(err, ErrRaggedTable) {
		t.Fatalf("Validate() = %v, want ErrRaggedTable", err)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	tbl, err := NewPriceTable("X", []Bar{{Timestamp: day(0), Close: 1}, {Timestamp: day(1), Close: 2}})
	if err != nil {
		t.Fatalf("NewPriceTable: %v", err)
	}
	c := tbl.Clone()
	c.Close[0] = 99
	if tbl.Close[0] != 1 {
		t.Errorf("mutating clone changed original: Close[0] = %v", tbl.Close[0])
	}
}

func TestJoinBenchmarkInnerJoin(t *testing.T) {
	var bars []Bar
	for i := 0; i < 6; i++ {
		bars = append(bars, Bar{Symbol: "AAPL", Timestamp: day(i), Close: float64(10 + i)})
	}
	tbl, err := NewPriceTable("AAPL", bars)
	if err != nil {
		t.Fatalf("NewPriceTable: %v", err)
	}

	// Benchmark starts on day 1, misses day 3 and has no close on day 4.
	bench := []Bar{
		{Symbol: "SPY", Timestamp: day(1), Close: 100},
		{Symbol: "SPY", Timestamp: day(2), Close: 101},
		{Symbol: "SPY", Timestamp: day(4), Close: math.NaN()},
		{Symbol: "SPY", Timestamp: day(5), Close: 104},
	}
	joined, err := tbl.JoinBenchmark("SPY", bench)
	if err != nil {
		t.Fatalf("JoinBenchmark: %v", err)
	}
	if joined.Len() != 4 {
		t.Fatalf("joined Len() = %d, want 4", joined.Len())
	}
	wantBench := []float64{100, 101, 101, 104}
	wantClose := []float64{11, 12, 14, 15}
	for i := range wantBench {
		if joined.BenchmarkClose[i] != wantBench[i] {
			t.Errorf("BenchmarkClose[%d] = %v, want %v", i, joined.BenchmarkClose[i], wantBench[i])
		}
		if joined.Close[i] != wantClose[i] {
			t.Errorf("Close[%d] = %v, want %v", i, joined.Close[i], wantClose[i])
		}
	}
	for _, d := range joined.Dates {
		if d.Equal(day(3)) {
			t.Error("day without a benchmark bar was kept")
		}
	}
	if joined.Benchmark != "SPY" || !joined.HasBenchmark() {
		t.Errorf("benchmark metadata not set: %q", joined.Benchmark)
	}
}

func TestJoinBenchmarkLeadingMissingClose(t *testing.T) {
	var bars []Bar
	for i := 0; i < 3; i++ {
		bars = append(bars, Bar{Symbol: "AAPL", Timestamp: day(i), Close: float64(10 + i)})
	}
	tbl, err := NewPriceTable("AAPL", bars)
	if err != nil {
		t.Fatalf("NewPriceTable: %v", err)
	}
	joined, err := tbl.JoinBenchmark("SPY", []Bar{
		{Symbol: "SPY", Timestamp: day(0), Close: math.NaN()},
		{Symbol: "SPY", Timestamp: day(1), Close: 50},
		{Symbol: "SPY", Timestamp: day(2), Close: 51},
	})
	if err != nil {
		t.Fatalf("JoinBenchmark: %v", err)
	}
	if joined.Len() != 2 || joined.Close[0] != 11 || joined.BenchmarkClose[0] != 50 {
		t.Errorf("joined = %v / %v, want rows from day 1", joined.Close, joined.BenchmarkClose)
	}
}

func TestResultTableFinalEquity(t *testing.T) {
	r := &ResultTable{InitialCapital: 1000}
	if got := r.FinalEquity(); got != 1000 {
		t.Errorf("FinalEquity() on empty table = %v, want 1000", got)
	}
	r.CumulativeStrategy = []float64{1000, 1010, 990}
	if got := r.FinalEquity(); got != 990 {
		t.Errorf("FinalEquity() = %v, want 990", got)
	}
}

func TestFactorTableValidate(t *testing.T) {
	f := &FactorTable{
		Dates:   []time.Time{day(0), day(1)},
		Names:   []string{"mkt"},
		Columns: [][]float64{{0.1, math.NaN()}},
	}
	if err := f.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
	f.Columns[0] = []float64{0.1}
	if err := f.Validate(); !errors.Is(err, ErrRaggedTable) {
		t.Fatalf("Validate() = %v, want ErrRaggedTable", err)
	}
}
