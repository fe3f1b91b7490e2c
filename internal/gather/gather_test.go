package gather

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"quantlab/internal/config"
	"quantlab/internal/domain"
	"quantlab/internal/store"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

const sampleCSV = `date,OPEN,High,low,Close,Adj Close,Volume
2024-01-04,102,103,101,102.5,102.5,1200
2024-01-02,100,101,99,100.5,100.5,1000
2024-01-03,101,102,,101.5,101.5,
2024-01-04,102,103,101,102.75,102.75,1300
`

func TestReadCSV(t *testing.T) {
	bars, err := ReadCSV(strings.NewReader(sampleCSV), "spy")
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	if len(bars) != 3 {
		t.Fatalf("ReadCSV returned %d bars, want 3 (deduplicated)", len(bars))
	}
	for i, want := range []time.Time{day(2024, 1, 2), day(2024, 1, 3), day(2024, 1, 4)} {
		if !bars[i].Timestamp.Equal(want) {
			t.Errorf("bars[%d] at %v, want %v", i, bars[i].Timestamp, want)
		}
	}
	if bars[0].Symbol != "SPY" || bars[0].Open != 100 || bars[0].Volume != 1000 {
		t.Errorf("first bar = %+v", bars[0])
	}
	if !math.IsNaN(bars[1].Low) || !math.IsNaN(bars[1].Volume) {
		t.Errorf("empty cells = %v / %v, want NaN", bars[1].Low, bars[1].Volume)
	}
	if bars[2].Close != 102.75 {
		t.Errorf("duplicate date close = %v, want the later row 102.75", bars[2].Close)
	}
}

func TestReadCSVSymbolColumn(t *testing.T) {
	in := "Symbol,Date,Close\nKO,2024-01-02,60\nPEP,2024-01-02,170\nko,2024-01-03,61\n"
	bars, err := ReadCSV(strings.NewReader(in), "KO")
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	if len(bars) != 2 || bars[1].Close != 61 {
		t.Errorf("KO bars = %+v", bars)
	}
	if !math.IsNaN(bars[0].Open) {
		t.Errorf("absent Open column = %v, want NaN", bars[0].Open)
	}
}

func TestReadCSVErrors(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"no date", "Open,Close\n1,2\n"},
		{"no close", "Date,Open\n2024-01-02,1\n"},
		{"bad date", "Date,Close\nyesterday,1\n"},
		{"bad number", "Date,Close\n2024-01-02,abc\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ReadCSV(strings.NewReader(tt.in), "X"); err == nil {
				t.Error("expected an error")
			}
		})
	}
	if _, err := ReadCSV(strings.NewReader(""), "X"); !errors.Is(err, ErrNoBars) {
		t.Errorf("empty input err = %v, want ErrNoBars", err)
	}
}

func TestCSVProviderRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spy.csv")
	if err := os.WriteFile(path, []byte(sampleCSV), 0o644); err != nil {
		t.Fatal(err)
	}
	p := NewCSVProvider(path)
	ctx := context.Background()

	bars, err := p.FetchBars(ctx, "SPY", day(2024, 1, 3), time.Time{})
	if err != nil {
		t.Fatalf("FetchBars: %v", err)
	}
	if len(bars) != 2 {
		t.Errorf("open-ended range returned %d bars, want 2", len(bars))
	}

	bars, err = p.FetchBars(ctx, "SPY", day(2024, 1, 1), day(2024, 1, 2))
	if err != nil || len(bars) != 1 {
		t.Errorf("bounded range = %d bars, %v; want 1", len(bars), err)
	}

	if _, err := p.FetchBars(ctx, "SPY", day(2025, 1, 1), time.Time{}); !errors.Is(err, ErrNoBars) {
		t.Errorf("empty range err = %v, want ErrNoBars", err)
	}
	if _, err := NewCSVProvider(filepath.Join(t.TempDir(), "missing.csv")).FetchBars(ctx, "SPY", time.Time{}, time.Time{}); err == nil {
		t.Error("missing file should fail")
	}
}

// ---------------------------------------------------------------------------
// Alpaca
// ---------------------------------------------------------------------------

type fakeBarsClient struct {
	mu      sync.Mutex
	fails   int
	calls   int
	lastReq marketdata.GetBarsRequest
	bars    []marketdata.Bar
}

func (f *fakeBarsClient) GetBars(_ string, req marketdata.GetBarsRequest) ([]marketdata.Bar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastReq = req
	if f.calls <= f.fails {
		return nil, errors.New("503 service unavailable")
	}
	return f.bars, nil
}

type countingRecorder struct {
	mu sync.Mutex
	n  map[string]int
}

func (r *countingRecorder) RecordBarsFetched(provider string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.n == nil {
		r.n = make(map[string]int)
	}
	r.n[provider] += n
}

func testAlpacaConfig() config.Alpaca {
	return config.Alpaca{Feed: "iex", RateLimitPerMin: 0, MaxRetries: 2}
}

func TestHasSymbolColumn(t *testing.T) {
	dir := t.TempDir()
	single := filepath.Join(dir, "spy.csv")
	multi := filepath.Join(dir, "pair.csv")
	if err := os.WriteFile(single, []byte(sampleCSV), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(multi, []byte("symbol,date,close\nKO,2024-01-02,60\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if ok, err := HasSymbolColumn(single); err != nil || ok {
		t.Errorf("single-symbol file = %v, %v; want false", ok, err)
	}
	if ok, err := HasSymbolColumn(multi); err != nil || !ok {
		t.Errorf("multi-symbol file = %v, %v; want true", ok, err)
	}
	if _, err := HasSymbolColumn(filepath.Join(dir, "missing.csv")); err == nil {
		t.Error("missing file should fail")
	}
}

func TestAlpacaProviderFetchBars(t *testing.T) {
	ny, _ := time.LoadLocation("America/New_York")
	client := &fakeBarsClient{
		fails: 1,
		bars: []marketdata.Bar{
			{Timestamp: time.Date(2024, 1, 2, 0, 0, 0, 0, ny), Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 100},
			{Timestamp: time.Date(2024, 1, 3, 0, 0, 0, 0, ny), Open: 1.5, High: 2, Low: 1, Close: 1.8, Volume: 200},
		},
	}
	rec := &countingRecorder{}
	p := newAlpacaProvider(client, testAlpacaConfig(), rec, nil)
	p.baseDelay = time.Millisecond

	bars, err := p.FetchBars(context.Background(), "aapl", day(2024, 1, 1), time.Time{})
	if err != nil {
		t.Fatalf("FetchBars: %v", err)
	}
	if client.calls != 2 {
		t.Errorf("GetBars called %d times, want 2 (one retry)", client.calls)
	}
	if client.lastReq.TimeFrame != marketdata.OneDay || string(client.lastReq.Feed) != "iex" {
		t.Errorf("request = %+v", client.lastReq)
	}
	if len(bars) != 2 || bars[0].Symbol != "AAPL" || bars[1].Volume != 200 {
		t.Fatalf("bars = %+v", bars)
	}
	// New York midnight is 05:00 UTC; bars are keyed by trading day.
	if !bars[0].Timestamp.Equal(day(2024, 1, 2)) {
		t.Errorf("timestamp = %v, want 2024-01-02 UTC", bars[0].Timestamp)
	}
	if rec.n["alpaca"] != 2 {
		t.Errorf("recorded %d bars, want 2", rec.n["alpaca"])
	}
}

func TestAlpacaProviderErrors(t *testing.T) {
	ctx := context.Background()

	p := newAlpacaProvider(&fakeBarsClient{fails: 10}, testAlpacaConfig(), nil, nil)
	p.baseDelay = time.Millisecond
	if _, err := p.FetchBars(ctx, "AAPL", day(2024, 1, 1), time.Time{}); err == nil {
		t.Error("persistent failure should return an error")
	}

	empty := newAlpacaProvider(&fakeBarsClient{}, testAlpacaConfig(), nil, nil)
	if _, err := empty.FetchBars(ctx, "ZZZZ", day(2024, 1, 1), time.Time{}); !errors.Is(err, ErrNoBars) {
		t.Errorf("empty response err = %v, want ErrNoBars", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	slow := newAlpacaProvider(&fakeBarsClient{}, config.Alpaca{RateLimitPerMin: 1, MaxRetries: 3}, nil, nil)
	_ = slow.limiter.Wait(ctx) // use up the single token
	if _, err := slow.FetchBars(cancelled, "AAPL", day(2024, 1, 1), time.Time{}); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled err = %v, want context.Canceled", err)
	}
}

type fakeCalendar struct {
	days []alpaca.CalendarDay
	err  error
}

func (f fakeCalendar) GetCalendar(alpaca.GetCalendarRequest) ([]alpaca.CalendarDay, error) {
	return f.days, f.err
}

func TestLatestFinishedTradingDay(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("no tz data: %v", err)
	}
	cal := fakeCalendar{days: []alpaca.CalendarDay{
		{Date: "2024-03-07"}, {Date: "2024-03-08"}, {Date: "2024-03-11"},
	}}

	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"during session", time.Date(2024, 3, 11, 14, 0, 0, 0, ny), day(2024, 3, 8)},
		{"after cutoff", time.Date(2024, 3, 11, 21, 0, 0, 0, ny), day(2024, 3, 11)},
		{"weekend", time.Date(2024, 3, 9, 12, 0, 0, 0, ny), day(2024, 3, 8)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := LatestFinishedTradingDay(cal, tt.now)
			if err != nil {
				t.Fatalf("LatestFinishedTradingDay: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}

	if _, err := LatestFinishedTradingDay(fakeCalendar{}, time.Now()); err == nil {
		t.Error("empty calendar should fail")
	}
}

// ---------------------------------------------------------------------------
// Cache and ingest
// ---------------------------------------------------------------------------

type staticProvider struct {
	mu    sync.Mutex
	calls int
	bars  map[string][]domain.Bar
}

func (p *staticProvider) Name() string { return "static" }

func (p *staticProvider) FetchBars(_ context.Context, symbol string, _, _ time.Time) ([]domain.Bar, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	bars, ok := p.bars[symbol]
	if !ok {
		return nil, ErrNoBars
	}
	return bars, nil
}

func barsFor(symbol string, closes ...float64) []domain.Bar {
	out := make([]domain.Bar, len(closes))
	for i, c := range closes {
		out[i] = domain.Bar{Symbol: symbol, Timestamp: day(2024, 1, 2).AddDate(0, 0, i), Open: c, High: c, Low: c, Close: c, Volume: 1}
	}
	return out
}

func TestCachedProvider(t *testing.T) {
	ctx := context.Background()
	upstream := &staticProvider{bars: map[string][]domain.Bar{"KO": barsFor("KO", 60, 61)}}
	cache := store.NewParquetStore(t.TempDir())
	p := NewCachedProvider(upstream, cache, domain.MarketUS, nil)

	for i := 0; i < 2; i++ {
		bars, err := p.FetchBars(ctx, "KO", day(2024, 1, 1), time.Time{})
		if err != nil {
			t.Fatalf("FetchBars #%d: %v", i, err)
		}
		if len(bars) != 2 || bars[1].Close != 61 {
			t.Fatalf("FetchBars #%d = %+v", i, bars)
		}
	}
	if upstream.calls != 1 {
		t.Errorf("upstream called %d times, want 1", upstream.calls)
	}
	if p.Name() != "cached-static" {
		t.Errorf("Name() = %q", p.Name())
	}
	if _, err := p.FetchBars(ctx, "PEP", day(2024, 1, 1), time.Time{}); !errors.Is(err, ErrNoBars) {
		t.Errorf("unknown symbol err = %v, want ErrNoBars", err)
	}
}

func TestIngesterRun(t *testing.T) {
	ctx := context.Background()
	upstream := &staticProvider{bars: map[string][]domain.Bar{
		"KO":  barsFor("KO", 60, 61, 62),
		"PEP": barsFor("PEP", 170, 171),
	}}
	parquetStore := store.NewParquetStore(t.TempDir())
	sqliteStore, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "bars.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer sqliteStore.Close()

	g := NewIngester(upstream, domain.MarketUS, 2, nil, parquetStore, sqliteStore)
	if g.Name() != "ingest-static" {
		t.Errorf("Name() = %q", g.Name())
	}
	n, err := g.Run(ctx, []string{"KO", "PEP", "MISSING"}, day(2024, 1, 1), time.Time{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n != 5 {
		t.Errorf("Run ingested %d bars, want 5", n)
	}
	for _, s := range []store.BarStore{parquetStore, sqliteStore} {
		symbols, err := s.ListSymbols(ctx, domain.MarketUS)
		if err != nil || len(symbols) != 2 {
			t.Errorf("%T ListSymbols = %v, %v", s, symbols, err)
		}
	}
}

type failingProvider struct{}

func (failingProvider) Name() string { return "failing" }

func (failingProvider) FetchBars(context.Context, string, time.Time, time.Time) ([]domain.Bar, error) {
	return nil, errors.New("upstream down")
}

func TestIngesterRunError(t *testing.T) {
	g := NewIngester(failingProvider{}, domain.MarketUS, 1, nil, store.NewParquetStore(t.TempDir()))
	if _, err := g.Run(context.Background(), []string{"KO"}, day(2024, 1, 1), time.Time{}); err == nil {
		t.Error("Run should surface provider errors")
	}
}
