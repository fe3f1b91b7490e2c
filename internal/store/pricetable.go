package store

import (
	"context"
	"fmt"
	"time"

	"quantlab/internal/domain"
)

// LoadPriceTable reads symbol from bars and, when benchmark is not empty,
// joins the benchmark's close onto it.
func LoadPriceTable(ctx context.Context, bars BarStore, market domain.Market, symbol, benchmark string, start, end time.Time) (*domain.PriceTable, error) {
	primary, err := bars.ReadBars(ctx, symbol, market, start, end)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", symbol, err)
	}
	if len(primary) == 0 {
		return nil, fmt.Errorf("%s/%s: %w", market, symbol, ErrNoData)
	}
	table, err := domain.NewPriceTable(symbol, primary)
	if err != nil {
		return nil, fmt.Errorf("building %s table: %w", symbol, err)
	}
	if benchmark == "" {
		return table, nil
	}

	bench, err := bars.ReadBars(ctx, benchmark, market, start, end)
	if err != nil {
		return nil, fmt.Errorf("reading benchmark %s: %w", benchmark, err)
	}
	if len(bench) == 0 {
		return nil, fmt.Errorf("%s/%s: %w", market, benchmark, ErrNoData)
	}
	return table.JoinBenchmark(benchmark, bench)
}
