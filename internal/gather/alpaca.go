package gather

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"quantlab/internal/config"
	"quantlab/internal/domain"
	"quantlab/internal/util"
)

// barsClient is the subset of the Alpaca market-data client used here.
type barsClient interface {
	GetBars(symbol string, req marketdata.GetBarsRequest) ([]marketdata.Bar, error)
}

// CalendarClient is the subset of the Alpaca trading client used here.
type CalendarClient interface {
	GetCalendar(req alpaca.GetCalendarRequest) ([]alpaca.CalendarDay, error)
}

// AlpacaProvider fetches split and dividend adjusted daily bars for US
// equities from the Alpaca market-data API. Calls are rate limited and
// retried with exponential backoff.
type AlpacaProvider struct {
	client     barsClient
	feed       string
	limiter    *util.RateLimiter
	maxRetries int
	baseDelay  time.Duration
	recorder   BarsRecorder
	log        *slog.Logger
}

// NewAlpacaProvider creates an AlpacaProvider from the alpaca config section.
// recorder may be nil.
func NewAlpacaProvider(cfg config.Alpaca, recorder BarsRecorder, log *slog.Logger) *AlpacaProvider {
	opts := marketdata.ClientOpts{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
	}
	if cfg.DataURL != "" {
		opts.BaseURL = cfg.DataURL
	}
	return newAlpacaProvider(marketdata.NewClient(opts), cfg, recorder, log)
}

func newAlpacaProvider(client barsClient, cfg config.Alpaca, recorder BarsRecorder, log *slog.Logger) *AlpacaProvider {
	if log == nil {
		log = slog.Default()
	}
	return &AlpacaProvider{
		client:     client,
		feed:       cfg.Feed,
		limiter:    util.NewRateLimiter(cfg.RateLimitPerMin),
		maxRetries: cfg.MaxRetries + 1,
		baseDelay:  time.Second,
		recorder:   recorder,
		log:        log.With("provider", "alpaca"),
	}
}

// Name returns the provider identifier.
func (p *AlpacaProvider) Name() string { return "alpaca" }

// FetchBars fetches daily bars for symbol. A zero end leaves the range open.
func (p *AlpacaProvider) FetchBars(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
	symbol = strings.ToUpper(symbol)
	req := marketdata.GetBarsRequest{
		TimeFrame:  marketdata.OneDay,
		Adjustment: marketdata.Adjustment("all"),
		Start:      start,
		End:        end,
		Feed:       marketdata.Feed(p.feed),
	}

	var raw []marketdata.Bar
	err := util.Retry(ctx, p.maxRetries, p.baseDelay, func() error {
		if err := p.limiter.Wait(ctx); err != nil {
			return util.Permanent(err)
		}
		var err error
		raw, err = p.client.GetBars(symbol, req)
		if err != nil {
			p.log.Warn("GetBars failed", "symbol", symbol, "error", err)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("GetBars %s: %w", symbol, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("alpaca %s: %w", symbol, ErrNoBars)
	}

	bars := make([]domain.Bar, len(raw))
	for i, ab := range raw {
		y, m, d := ab.Timestamp.UTC().Date()
		bars[i] = domain.Bar{
			Symbol:    symbol,
			Timestamp: time.Date(y, m, d, 0, 0, 0, 0, time.UTC),
			Open:      ab.Open,
			High:      ab.High,
			Low:       ab.Low,
			Close:     ab.Close,
			Volume:    float64(ab.Volume),
		}
	}
	if p.recorder != nil {
		p.recorder.RecordBarsFetched(p.Name(), len(bars))
	}
	p.log.Debug("bars fetched", "symbol", symbol, "bars", len(bars))
	return bars, nil
}

// ---------------------------------------------------------------------------
// Trading calendar
// ---------------------------------------------------------------------------

// NewCalendarClient creates an Alpaca trading API client for calendar
// lookups.
func NewCalendarClient(cfg config.Alpaca) CalendarClient {
	return alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
		BaseURL:   cfg.TradingURL,
	})
}

// LatestFinishedTradingDay returns the most recent trading day whose session
// has ended as of now, using the Alpaca trading calendar. A session counts as
// finished after 20:05 New York time so extended-hours bars have settled.
func LatestFinishedTradingDay(client CalendarClient, now time.Time) (time.Time, error) {
	et, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.Time{}, fmt.Errorf("loading ET timezone: %w", err)
	}
	now = now.In(et)

	calendar, err := client.GetCalendar(alpaca.GetCalendarRequest{
		Start: now.AddDate(0, 0, -7),
		End:   now,
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("GetCalendar: %w", err)
	}
	if len(calendar) == 0 {
		return time.Time{}, fmt.Errorf("no trading days returned from calendar")
	}

	today := now.Format(config.DateLayout)
	cutoff := time.Date(now.Year(), now.Month(), now.Day(), 20, 5, 0, 0, et)
	for i := len(calendar) - 1; i >= 0; i-- {
		day := calendar[i]
		if day.Date > today || (day.Date == today && !now.After(cutoff)) {
			continue
		}
		t, err := time.Parse(config.DateLayout, day.Date)
		if err != nil {
			continue
		}
		return t, nil
	}
	return time.Time{}, fmt.Errorf("could not determine latest finished trading day")
}
