package main

import (
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"quantlab/internal/api"
	"quantlab/internal/engine"
	"quantlab/internal/httpapi"
	"quantlab/internal/metrics"
	"quantlab/internal/runner"
	"quantlab/internal/store"
	"quantlab/internal/strategy/builtins"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve backtests over gRPC plus metrics and stored data over HTTP until interrupted",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.New(reg)

	parquetStore := store.NewParquetStore(cfg.Storage.DataDir)
	sqliteStore, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		return err
	}
	defer sqliteStore.Close()

	var bars store.BarStore = parquetStore
	if cfg.Data.Source == "sqlite" {
		bars = sqliteStore
	}

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
	opts := []runner.Option{
		runner.WithConfidence(cfg.Risk.ConfidenceLevel),
		runner.WithEquityRecorder(rec),
		runner.WithLogger(log),
	}
	if cfg.Backtest.WriteResults {
		opts = append(opts, runner.WithResultStore(parquetStore))
	}
	if cfg.Backtest.SaveReports {
		opts = append(opts, runner.WithReportStore(sqliteStore))
	}

	rest := httpapi.NewServer(bars, parquetStore, sqliteStore, log)
	srv := api.NewServer(cfg.Server, api.NewService(bars, runner.New(registry, eng, opts...), log), reg, log,
		api.WithREST(rest.Handler()))

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return srv.ListenAndServe(ctx)
}
