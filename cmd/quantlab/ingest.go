package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"quantlab/internal/domain"
	"quantlab/internal/gather"
	"quantlab/internal/metrics"
	"quantlab/internal/store"
)

var ingestFlags struct {
	source  string
	csvPath string
	symbols []string
	start   string
	end     string
	workers int
}

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Load daily bars from CSV or Alpaca into the Parquet and SQLite stores",
	RunE:  runIngest,
}

func init() {
	f := ingestCmd.Flags()
	f.StringVar(&ingestFlags.source, "source", "", "csv or alpaca (default csv when --csv is set, else alpaca)")
	f.StringVar(&ingestFlags.csvPath, "csv", "", "CSV file to read (default data.csv_path)")
	f.StringSliceVar(&ingestFlags.symbols, "symbols", nil, "symbols to ingest (default data.symbol and data.benchmark)")
	f.StringVar(&ingestFlags.start, "start", "", "first date (default data.start_date)")
	f.StringVar(&ingestFlags.end, "end", "", "last date (default data.end_date, or the latest finished trading day for alpaca)")
	f.IntVar(&ingestFlags.workers, "workers", 4, "symbols fetched concurrently")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	if ingestFlags.start != "" {
		cfg.Data.StartDate = ingestFlags.start
	}
	if ingestFlags.end != "" {
		cfg.Data.EndDate = ingestFlags.end
	}
	if ingestFlags.csvPath != "" {
		cfg.Data.CSVPath = ingestFlags.csvPath
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	start, end, err := cfg.Data.Range()
	if err != nil {
		return err
	}

	symbols := ingestFlags.symbols
	if len(symbols) == 0 {
		for _, s := range []string{cfg.Data.Symbol, cfg.Data.Benchmark} {
			if s != "" {
				symbols = append(symbols, s)
			}
		}
	}
	if len(symbols) == 0 {
		return fmt.Errorf("no symbols to ingest: pass --symbols or set data.symbol")
	}

	source := ingestFlags.source
	if source == "" {
		source = "alpaca"
		if cfg.Data.CSVPath != "" {
			source = "csv"
		}
	}

	rec := metrics.New(prometheus.NewRegistry())
	var provider gather.Provider
	switch source {
	case "csv":
		if cfg.Data.CSVPath == "" {
			return fmt.Errorf("--csv or data.csv_path is required for the csv source")
		}
		provider = gather.NewCSVProvider(cfg.Data.CSVPath)
	case "alpaca":
		provider = gather.NewAlpacaProvider(cfg.Alpaca, rec, log)
		if end.IsZero() {
			day, err := gather.LatestFinishedTradingDay(gather.NewCalendarClient(cfg.Alpaca), time.Now())
			if err != nil {
				log.Warn("trading calendar unavailable, fetching to latest bar", "error", err)
			} else {
				end = day
			}
		}
	default:
		return fmt.Errorf("unknown ingest source %q", source)
	}

	sqliteStore, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		return err
	}
	defer sqliteStore.Close()

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ingester := gather.NewIngester(provider, domain.Market(cfg.Data.Market), ingestFlags.workers, log,
		store.NewParquetStore(cfg.Storage.DataDir), sqliteStore)
	n, err := ingester.Run(ctx, symbols, start, end)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "ingested %d bars for %d symbols from %s\n", n, len(symbols), provider.Name())
	return nil
}
