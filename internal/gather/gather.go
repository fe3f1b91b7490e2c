// Package gather fetches daily bars from external sources and ingests them
// into the bar stores.
package gather

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"quantlab/internal/domain"
	"quantlab/internal/store"
)

// ErrNoBars is returned by a provider that has no data for the request.
var ErrNoBars = errors.New("gather: no bars returned")

// Provider fetches daily bars for one symbol. A zero end means "up to the
// latest available bar". Bars are returned in ascending date order.
type Provider interface {
	Name() string
	FetchBars(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error)
}

// BarsRecorder counts bars returned by providers.
type BarsRecorder interface {
	RecordBarsFetched(provider string, n int)
}

// ---------------------------------------------------------------------------
// Ingester: fetch symbols from a provider and persist them
// ---------------------------------------------------------------------------

// Ingester copies bars for a list of symbols from a Provider into one or more
// BarStores.
type Ingester struct {
	provider   Provider
	stores     []store.BarStore
	market     domain.Market
	maxWorkers int
	log        *slog.Logger
}

// NewIngester creates an Ingester writing to every store in stores.
func NewIngester(p Provider, market domain.Market, maxWorkers int, log *slog.Logger, stores ...store.BarStore) *Ingester {
	if log == nil {
		log = slog.Default()
	}
	return &Ingester{
		provider:   p,
		stores:     stores,
		market:     market,
		maxWorkers: max(maxWorkers, 1),
		log:        log.With("gatherer", p.Name()),
	}
}

// Name returns the ingester identifier.
func (g *Ingester) Name() string { return "ingest-" + g.provider.Name() }

// Run fetches every symbol over [start, end] and writes the bars to all
// stores. Symbols with no data are logged and skipped. The first fetch or
// write error cancels the remaining symbols.
func (g *Ingester) Run(ctx context.Context, symbols []string, start, end time.Time) (int, error) {
	runStart := time.Now()
	counts := make([]int, len(symbols))

	grp, ctx := errgroup.WithContext(ctx)
	grp.SetLimit(g.maxWorkers)
	for i, sym := range symbols {
		grp.Go(func() error {
			bars, err := g.provider.FetchBars(ctx, sym, start, end)
			if errors.Is(err, ErrNoBars) {
				g.log.Warn("no bars", "symbol", sym)
				return nil
			}
			if err != nil {
				return fmt.Errorf("fetching %s: %w", sym, err)
			}
			for _, s := range g.stores {
				if err := s.WriteBars(ctx, g.market, bars); err != nil {
					return fmt.Errorf("writing %s: %w", sym, err)
				}
			}
			counts[i] = len(bars)
			g.log.Debug("symbol ingested", "symbol", sym, "bars", len(bars))
			return nil
		})
	}
	err := grp.Wait()

	total := 0
	for _, n := range counts {
		total += n
	}
	g.log.Info("ingest complete",
		"symbols", len(symbols),
		"bars", total,
		"elapsed", time.Since(runStart).Round(time.Millisecond),
	)
	return total, err
}
