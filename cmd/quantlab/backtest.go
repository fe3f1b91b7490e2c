package main

import (
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"quantlab/internal/domain"
	"quantlab/internal/engine"
	"quantlab/internal/metrics"
	"quantlab/internal/runner"
	"quantlab/internal/store"
	"quantlab/internal/strategy/builtins"
)

var backtestFlags struct {
	symbol     string
	benchmark  string
	source     string
	csvPath    string
	start      string
	end        string
	capital    float64
	runID      string
	strategies []string
	write      bool
	save       bool
}

var backtestCmd = &cobra.Command{
	Use:   "backtest",
	Short: "Run the enabled strategies over one symbol and print risk metrics",
	RunE:  runBacktest,
}

func init() {
	f := backtestCmd.Flags()
	f.StringVar(&backtestFlags.symbol, "symbol", "", "override data.symbol")
	f.StringVar(&backtestFlags.benchmark, "benchmark", "", "override data.benchmark")
	f.StringVar(&backtestFlags.source, "source", "", "override data.source (csv|alpaca|parquet|sqlite)")
	f.StringVar(&backtestFlags.csvPath, "csv", "", "override data.csv_path")
	f.StringVar(&backtestFlags.start, "start", "", "override data.start_date (YYYY-MM-DD)")
	f.StringVar(&backtestFlags.end, "end", "", "override data.end_date (YYYY-MM-DD)")
	f.Float64Var(&backtestFlags.capital, "capital", 0, "override backtest.initial_capital")
	f.StringVar(&backtestFlags.runID, "run-id", "", "label for persisted results (default a new UUID)")
	f.StringSliceVar(&backtestFlags.strategies, "strategies", nil, "strategies to run (default all enabled)")
	f.BoolVar(&backtestFlags.write, "write-results", false, "write result tables to Parquet")
	f.BoolVar(&backtestFlags.save, "save-reports", false, "save risk reports to SQLite")
	rootCmd.AddCommand(backtestCmd)
}

func runBacktest(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	fl := cmd.Flags()
	override := func(name string, dst *string, v string) {
		if fl.Changed(name) {
			*dst = v
		}
	}
	override("symbol", &cfg.Data.Symbol, backtestFlags.symbol)
	override("benchmark", &cfg.Data.Benchmark, backtestFlags.benchmark)
	override("source", &cfg.Data.Source, backtestFlags.source)
	override("csv", &cfg.Data.CSVPath, backtestFlags.csvPath)
	override("start", &cfg.Data.StartDate, backtestFlags.start)
	override("end", &cfg.Data.EndDate, backtestFlags.end)
	if fl.Changed("capital") {
		cfg.Backtest.InitialCapital = backtestFlags.capital
	}
	if fl.Changed("write-results") {
		cfg.Backtest.WriteResults = backtestFlags.write
	}
	if fl.Changed("save-reports") {
		cfg.Backtest.SaveReports = backtestFlags.save
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rec := metrics.New(prometheus.NewRegistry())
	prices, err := loadPrices(ctx, cfg, rec, log)
	if err != nil {
		return err
	}
	log.Info("prices loaded", "symbol", prices.Symbol, "benchmark", prices.Benchmark, "rows", prices.Len())

	registry, err := builtins.NewRegistry(cfg.Strategies, log)
	if err != nil {
		return err
	}
	eng, err := engine.NewEngine(cfg.Backtest.InitialCapital,
		engine.WithMaxWorkers(cfg.Backtest.MaxWorkers),
		engine.WithRecorder(rec),
		engine.WithLogger(log),
	)
	if err != nil {
		return err
	}

	opts := []runner.Option{runner.WithConfidence(cfg.Risk.ConfidenceLevel), runner.WithLogger(log)}
	if cfg.Backtest.WriteResults {
		opts = append(opts, runner.WithResultStore(store.NewParquetStore(cfg.Storage.DataDir)))
	}
	if cfg.Backtest.SaveReports {
		reports, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			return err
		}
		defer reports.Close()
		opts = append(opts, runner.WithReportStore(reports))
	}

	runID, reports, err := runner.New(registry, eng, opts...).Run(ctx, runner.Job{
		RunID:      backtestFlags.runID,
		Market:     domain.Market(cfg.Data.Market),
		Prices:     prices,
		Strategies: backtestFlags.strategies,
	})
	if reports != nil {
		printReports(cmd.OutOrStdout(), runID, reports)
	}
	return err
}

// summaryMetrics are the columns of the printed report.
var summaryMetrics = []string{
	"final_equity", "total_return", "sharpe_ratio", "sortino_ratio",
	"max_drawdown", "historical_var", "conditional_var",
}

func printReports(w io.Writer, runID string, reports []runner.StrategyReport) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintf(tw, "run %s\n", runID)
	fmt.Fprint(tw, "strategy")
	for _, m := range summaryMetrics {
		fmt.Fprintf(tw, "\t%s", m)
	}
	fmt.Fprintln(tw)
	for _, rep := range reports {
		fmt.Fprint(tw, rep.Strategy)
		if rep.Err != nil {
			fmt.Fprintf(tw, "\tfailed: %v\n", rep.Err)
			continue
		}
		for _, m := range summaryMetrics {
			fmt.Fprintf(tw, "\t%.4f", rep.Report.Metrics[m])
		}
		fmt.Fprintln(tw)
	}
}
