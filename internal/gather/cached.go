package gather

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"quantlab/internal/domain"
	"quantlab/internal/store"
)

// CachedProvider serves bars from a BarStore and falls back to an upstream
// Provider on a cache miss, writing what it fetched back to the store.
type CachedProvider struct {
	upstream Provider
	cache    store.BarStore
	market   domain.Market
	log      *slog.Logger
}

// NewCachedProvider wraps upstream with cache.
func NewCachedProvider(upstream Provider, cache store.BarStore, market domain.Market, log *slog.Logger) *CachedProvider {
	if log == nil {
		log = slog.Default()
	}
	return &CachedProvider{
		upstream: upstream,
		cache:    cache,
		market:   market,
		log:      log.With("provider", "cached-"+upstream.Name()),
	}
}

// Name returns the upstream name with a cache prefix.
func (p *CachedProvider) Name() string { return "cached-" + p.upstream.Name() }

// FetchBars returns cached bars when any exist for the range; otherwise it
// fetches from upstream and stores the result.
func (p *CachedProvider) FetchBars(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
	cached, err := p.cache.ReadBars(ctx, symbol, p.market, start, end)
	if err != nil {
		return nil, fmt.Errorf("reading cache for %s: %w", symbol, err)
	}
	if len(cached) > 0 {
		p.log.Debug("cache hit", "symbol", symbol, "bars", len(cached))
		return cached, nil
	}

	bars, err := p.upstream.FetchBars(ctx, symbol, start, end)
	if err != nil {
		return nil, err
	}
	if err := p.cache.WriteBars(ctx, p.market, bars); err != nil {
		// The fetched bars are still usable.
		p.log.Warn("cache write failed", "symbol", symbol, "error", err)
	}
	return bars, nil
}
