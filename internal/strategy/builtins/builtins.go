package builtins

import (
	"log/slog"

	"quantlab/internal/config"
	"quantlab/internal/strategy"
)

// FromConfig builds the enabled built-in strategies, in the order momentum,
// mean reversion, stat-arb. A configured name replaces the default one.
func FromConfig(cfg config.StrategiesConfig, log *slog.Logger) ([]strategy.Strategy, error) {
	var out []strategy.Strategy

	if cfg.Momentum.Enabled {
		s, err := NewMomentum(cfg.Momentum.Window)
		if err != nil {
			return nil, err
		}
		if cfg.Momentum.Name != "" {
			s = s.WithName(cfg.Momentum.Name)
		}
		out = append(out, s)
	}

	if cfg.MeanReversion.Enabled {
		s, err := NewMeanReversion(cfg.MeanReversion.Window, cfg.MeanReversion.Threshold)
		if err != nil {
			return nil, err
		}
		if cfg.MeanReversion.Name != "" {
			s = s.WithName(cfg.MeanReversion.Name)
		}
		out = append(out, s)
	}

	if cfg.StatArb.Enabled {
		s, err := NewStatArb(StatArbParams{
			LookbackPeriod:  cfg.StatArb.LookbackPeriod,
			EntryZScore:     cfg.StatArb.EntryZScore,
			ExitZScore:      cfg.StatArb.ExitZScore,
			MaxPositionHold: cfg.StatArb.MaxPositionHold,
			MinHalfLife:     cfg.StatArb.MinHalfLife,
			ConfidenceLevel: cfg.StatArb.ConfidenceLevel,
		}, log)
		if err != nil {
			return nil, err
		}
		if cfg.StatArb.Name != "" {
			s = s.WithName(cfg.StatArb.Name)
		}
		out = append(out, s)
	}

	return out, nil
}

// NewRegistry returns a registry holding the enabled built-in strategies.
func NewRegistry(cfg config.StrategiesConfig, log *slog.Logger) (*strategy.Registry, error) {
	strategies, err := FromConfig(cfg, log)
	if err != nil {
		return nil, err
	}
	reg := strategy.NewRegistry()
	for _, s := range strategies {
		if err := reg.Register(s); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
