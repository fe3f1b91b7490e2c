package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"quantlab/internal/config"
	"quantlab/internal/domain"
	"quantlab/internal/runner"
	"quantlab/internal/store"
)

// Service implements BacktestServer over a BarStore and a Runner.
type Service struct {
	bars   store.BarStore
	runner *runner.Runner
	log    *slog.Logger
}

var _ BacktestServer = (*Service)(nil)

// NewService creates a Service that loads prices from bars.
func NewService(bars store.BarStore, r *runner.Runner, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{bars: bars, runner: r, log: log.With("component", "api")}
}

// Run backtests the request:
//
//	symbol      string, required
//	benchmark   string, joins a second asset for pair strategies
//	market      "us" (default) or "cn"
//	start, end  YYYY-MM-DD, end optional
//	strategies  list of names, default all
//	run_id      string, default a new UUID
//
// The response is {"run_id": ..., "results": {strategy: {"status": "ok",
// "metrics": {...}} | {"status": "failed", "error": ...}}}. Non-finite
// metrics are returned as null.
func (s *Service) Run(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	symbol := fields["symbol"].GetStringValue()
	if symbol == "" {
		return nil, status.Error(codes.InvalidArgument, "symbol is required")
	}
	market := domain.Market(fields["market"].GetStringValue())
	switch market {
	case "":
		market = domain.MarketUS
	case domain.MarketUS, domain.MarketCN:
	default:
		return nil, status.Errorf(codes.InvalidArgument, "unknown market %q", market)
	}
	start, err := parseDate(fields["start"].GetStringValue())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "start: %v", err)
	}
	end, err := parseDate(fields["end"].GetStringValue())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "end: %v", err)
	}
	var names []string
	for _, v := range fields["strategies"].GetListValue().GetValues() {
		names = append(names, v.GetStringValue())
	}

	prices, err := store.LoadPriceTable(ctx, s.bars, market, symbol, fields["benchmark"].GetStringValue(), start, end)
	if errors.Is(err, store.ErrNoData) {
		return nil, status.Error(codes.NotFound, err.Error())
	}
	if err != nil {
		return nil, status.Errorf(codes.Internal, "loading prices: %v", err)
	}

	runID, reports, err := s.runner.Run(ctx, runner.Job{
		RunID:      fields["run_id"].GetStringValue(),
		Market:     market,
		Prices:     prices,
		Strategies: names,
	})
	if reports == nil && err != nil {
		return nil, toStatus(err)
	}
	if err != nil {
		// Results were produced; only persistence failed.
		s.log.Warn("run completed with errors", "run_id", runID, "error", err)
	}

	results := make(map[string]any, len(reports))
	for _, rep := range reports {
		if rep.Err != nil {
			results[rep.Strategy] = map[string]any{"status": "failed", "error": rep.Err.Error()}
			continue
		}
		metrics := make(map[string]any, len(rep.Report.Metrics))
		for k, v := range rep.Report.Metrics {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				metrics[k] = nil
				continue
			}
			metrics[k] = v
		}
		results[rep.Strategy] = map[string]any{"status": "ok", "metrics": metrics}
	}
	s.log.Info("backtest served", "run_id", runID, "symbol", symbol, "rows", prices.Len(), "strategies", len(reports))

	resp, err := structpb.NewStruct(map[string]any{"run_id": runID, "results": results})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding response: %v", err)
	}
	return resp, nil
}

// ListStrategies returns the registered strategy names.
func (s *Service) ListStrategies(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	names := s.runner.Strategies()
	list := make([]any, len(names))
	for i, n := range names {
		list[i] = n
	}
	resp, err := structpb.NewStruct(map[string]any{"strategies": list})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding response: %v", err)
	}
	return resp, nil
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(config.DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("want YYYY-MM-DD: %w", err)
	}
	return t, nil
}

// toStatus maps a job-level runner error. Those are input errors unless the
// request context ended.
func toStatus(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.InvalidArgument, err.Error())
	}
}
