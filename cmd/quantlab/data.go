package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"quantlab/internal/config"
	"quantlab/internal/domain"
	"quantlab/internal/gather"
	"quantlab/internal/metrics"
	"quantlab/internal/store"
)

// loadPrices builds the backtest price table from the configured source.
func loadPrices(ctx context.Context, cfg *config.Config, rec *metrics.Recorder, log *slog.Logger) (*domain.PriceTable, error) {
	d := cfg.Data
	if d.Symbol == "" {
		return nil, fmt.Errorf("data.symbol is required")
	}
	start, end, err := d.Range()
	if err != nil {
		return nil, err
	}
	market := domain.Market(d.Market)

	switch d.Source {
	case "parquet":
		return store.LoadPriceTable(ctx, store.NewParquetStore(cfg.Storage.DataDir), market, d.Symbol, d.Benchmark, start, end)
	case "sqlite":
		s, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, err
		}
		defer s.Close()
		return store.LoadPriceTable(ctx, s, market, d.Symbol, d.Benchmark, start, end)
	case "csv":
		if d.CSVPath == "" {
			return nil, fmt.Errorf("data.csv_path is required for the csv source")
		}
		benchPath := d.BenchmarkCSVPath
		if benchPath == "" {
			benchPath = d.CSVPath
			if d.Benchmark != "" {
				multi, err := gather.HasSymbolColumn(d.CSVPath)
				if err != nil {
					return nil, err
				}
				if !multi {
					return nil, fmt.Errorf("data.benchmark_csv_path is required: %s has no Symbol column to hold %s", d.CSVPath, d.Benchmark)
				}
			}
		}
		return fetchTable(ctx, gather.NewCSVProvider(d.CSVPath), gather.NewCSVProvider(benchPath), d, start, end)
	case "alpaca":
		cache, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, err
		}
		defer cache.Close()
		p := gather.NewCachedProvider(gather.NewAlpacaProvider(cfg.Alpaca, rec, log), cache, market, log)
		return fetchTable(ctx, p, p, d, start, end)
	default:
		return nil, fmt.Errorf("unknown data source %q", d.Source)
	}
}

// fetchTable reads the symbol from primary and, when configured, joins the
// benchmark read from bench.
func fetchTable(ctx context.Context, primary, bench gather.Provider, d config.DataConfig, start, end time.Time) (*domain.PriceTable, error) {
	bars, err := primary.FetchBars(ctx, d.Symbol, start, end)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", d.Symbol, err)
	}
	table, err := domain.NewPriceTable(d.Symbol, bars)
	if err != nil {
		return nil, err
	}
	if d.Benchmark == "" {
		return table, nil
	}
	benchBars, err := bench.FetchBars(ctx, d.Benchmark, start, end)
	if err != nil {
		return nil, fmt.Errorf("loading benchmark %s: %w", d.Benchmark, err)
	}
	return table.JoinBenchmark(d.Benchmark, benchBars)
}
