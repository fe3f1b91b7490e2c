package store

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"

	"quantlab/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ BarStore = (*SQLiteStore)(nil)
var _ ReportStore = (*SQLiteStore)(nil)

const dateLayout = "2006-01-02"

// migrations run in order on every open; each must be idempotent.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS market_data (
		symbol TEXT NOT NULL,
		market TEXT NOT NULL,
		date   TEXT NOT NULL,
		open   REAL,
		high   REAL,
		low    REAL,
		close  REAL,
		volume REAL,
		PRIMARY KEY (symbol, market, date)
	)`,
	`CREATE TABLE IF NOT EXISTS risk_reports (
		run_id     TEXT NOT NULL,
		strategy   TEXT NOT NULL,
		metric     TEXT NOT NULL,
		value      REAL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (run_id, strategy, metric)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_risk_reports_created ON risk_reports (created_at)`,
}

// SQLiteStore implements BarStore and ReportStore backed by a SQLite
// database. Bars are kept one row per symbol, market and date.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, applies the
// schema and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// SQLite serialises writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	for _, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrating %s: %w", dbPath, err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// BarStore implementation
// ---------------------------------------------------------------------------

// WriteBars upserts bars in a single transaction.
func (s *SQLiteStore) WriteBars(ctx context.Context, market domain.Market, bars []domain.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO market_data
		(symbol, market, date, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, b := range bars {
		_, err := stmt.ExecContext(ctx,
			strings.ToUpper(b.Symbol), string(market), b.Timestamp.UTC().Format(dateLayout),
			nullable(b.Open), nullable(b.High), nullable(b.Low), nullable(b.Close), nullable(b.Volume),
		)
		if err != nil {
			return fmt.Errorf("inserting %s %s: %w", b.Symbol, b.Timestamp.Format(dateLayout), err)
		}
	}
	return tx.Commit()
}

// ReadBars returns bars for symbol within [start, end] ordered by date.
func (s *SQLiteStore) ReadBars(ctx context.Context, symbol string, market domain.Market, start, end time.Time) ([]domain.Bar, error) {
	query := `SELECT date, open, high, low, close, volume FROM market_data
		WHERE symbol = ? AND market = ? AND date >= ?`
	args := []any{strings.ToUpper(symbol), string(market), start.UTC().Format(dateLayout)}
	if !end.IsZero() {
		query += ` AND date <= ?`
		args = append(args, end.UTC().Format(dateLayout))
	}
	query += ` ORDER BY date`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bars []domain.Bar
	for rows.Next() {
		var (
			date                           string
			open, high, low, closePx, volm sql.NullFloat64
		)
		if err := rows.Scan(&date, &open, &high, &low, &closePx, &volm); err != nil {
			return nil, err
		}
		ts, err := time.Parse(dateLayout, date)
		if err != nil {
			return nil, fmt.Errorf("parsing stored date %q: %w", date, err)
		}
		bars = append(bars, domain.Bar{
			Symbol:    strings.ToUpper(symbol),
			Timestamp: ts,
			Open:      orNaN(open),
			High:      orNaN(high),
			Low:       orNaN(low),
			Close:     orNaN(closePx),
			Volume:    orNaN(volm),
		})
	}
	return bars, rows.Err()
}

// ListSymbols returns the distinct symbols stored for market.
func (s *SQLiteStore) ListSymbols(ctx context.Context, market domain.Market) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT symbol FROM market_data WHERE market = ? ORDER BY symbol`, string(market))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, err
		}
		symbols = append(symbols, sym)
	}
	return symbols, rows.Err()
}

// ---------------------------------------------------------------------------
// ReportStore implementation
// ---------------------------------------------------------------------------

// SaveReport upserts every metric of the report.
func (s *SQLiteStore) SaveReport(ctx context.Context, report domain.RiskReport) error {
	if report.RunID == "" || report.Strategy == "" {
		return fmt.Errorf("store: report needs a run ID and strategy")
	}
	created := report.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO risk_reports
		(run_id, strategy, metric, value, created_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for name, v := range report.Metrics {
		if _, err := stmt.ExecContext(ctx, report.RunID, report.Strategy, name, nullable(v), created.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("saving metric %s: %w", name, err)
		}
	}
	return tx.Commit()
}

// ListReports returns reports grouped by run and strategy.
func (s *SQLiteStore) ListReports(ctx context.Context, runID string) ([]domain.RiskReport, error) {
	query := `SELECT run_id, strategy, metric, value, created_at FROM risk_reports`
	var args []any
	if runID != "" {
		query += ` WHERE run_id = ?`
		args = append(args, runID)
	}
	query += ` ORDER BY run_id, strategy, metric`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reports []domain.RiskReport
	for rows.Next() {
		var (
			run, strategy, metric, created string
			value                          sql.NullFloat64
		)
		if err := rows.Scan(&run, &strategy, &metric, &value, &created); err != nil {
			return nil, err
		}
		if n := len(reports); n == 0 || reports[n-1].RunID != run || reports[n-1].Strategy != strategy {
			ts, _ := time.Parse(time.RFC3339Nano, created)
			reports = append(reports, domain.RiskReport{
				RunID:     run,
				Strategy:  strategy,
				Metrics:   make(map[string]float64),
				CreatedAt: ts,
			})
		}
		reports[len(reports)-1].Metrics[metric] = orNaN(value)
	}
	return reports, rows.Err()
}

// nullable maps NaN to NULL; SQLite has no NaN.
func nullable(v float64) any {
	if math.IsNaN(v) {
		return nil
	}
	return v
}

func orNaN(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}
