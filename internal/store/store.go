// Package store defines storage interfaces for persisting and retrieving
// bars, backtest result tables and risk reports, with Parquet and SQLite
// implementations.
package store

import (
	"context"
	"errors"
	"time"

	"quantlab/internal/domain"
)

// ErrNoData is returned when a lookup matches nothing.
var ErrNoData = errors.New("store: no data")

// BarStore persists and retrieves daily OHLCV bars.
type BarStore interface {
	// WriteBars persists a batch of bars for one market, replacing bars
	// with the same symbol and date.
	WriteBars(ctx context.Context, market domain.Market, bars []domain.Bar) error

	// ReadBars returns bars for the given symbol and market within
	// [start, end], ordered by date. A zero end means no upper bound.
	ReadBars(ctx context.Context, symbol string, market domain.Market, start, end time.Time) ([]domain.Bar, error)

	// ListSymbols returns all distinct symbols available in the given market.
	ListSymbols(ctx context.Context, market domain.Market) ([]string, error)
}

// ResultStore persists backtest result tables.
type ResultStore interface {
	// WriteResult stores one strategy's result table under a run ID.
	WriteResult(ctx context.Context, runID string, result *domain.ResultTable) error

	// ReadResult loads a result table written by WriteResult.
	ReadResult(ctx context.Context, runID, strategy string) (*domain.ResultTable, error)
}

// ReportStore persists risk reports.
type ReportStore interface {
	// SaveReport stores a report, replacing metrics with the same run,
	// strategy and name.
	SaveReport(ctx context.Context, report domain.RiskReport) error

	// ListReports returns the reports of a run ordered by strategy. An empty
	// runID lists every run.
	ListReports(ctx context.Context, runID string) ([]domain.RiskReport, error)
}

func inRange(ts, start, end time.Time) bool {
	if ts.Before(start) {
		return false
	}
	return end.IsZero() || !ts.After(end)
}
