// Package strategy defines the Strategy interface for signal generators and
// provides a Registry for managing multiple strategy implementations.
package strategy

import (
	"errors"
	"fmt"
	"sort"

	"quantlab/internal/domain"
)

// ErrInvalidConfig is wrapped by constructors that reject their parameters.
var ErrInvalidConfig = errors.New("invalid strategy configuration")

// Strategy is the interface that all signal generators must implement.
//
// Generate must be deterministic and free of side effects, and the signal at
// row t may only depend on rows at or before t. When the table is shorter
// than the strategy's lookback, Generate returns an all-flat series rather
// than an error.
type Strategy interface {
	// Name returns the unique identifier for this strategy.
	Name() string

	// Generate returns one signal per row of prices.
	Generate(prices *domain.PriceTable) (domain.SignalSeries, error)
}

// InvalidConfigf returns an error wrapping ErrInvalidConfig.
func InvalidConfigf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// Registry holds a named collection of strategies for lookup and enumeration.
type Registry struct {
	strategies map[string]Strategy
}

// NewRegistry creates an empty strategy Registry.
func NewRegistry() *Registry {
	return &Registry{
		strategies: make(map[string]Strategy),
	}
}

// Register adds a strategy to the registry, keyed by its Name(). It returns
// an error if the name is already taken.
func (r *Registry) Register(s Strategy) error {
	if _, ok := r.strategies[s.Name()]; ok {
		return InvalidConfigf("strategy %q registered twice", s.Name())
	}
	r.strategies[s.Name()] = s
	return nil
}

// Get retrieves a strategy by name. The second return value indicates whether
// the strategy was found.
func (r *Registry) Get(name string) (Strategy, bool) {
	s, ok := r.strategies[name]
	return s, ok
}

// List returns a sorted slice of all registered strategy names.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Select returns the named strategies in the given order, or every
// registered strategy sorted by name when names is empty.
func (r *Registry) Select(names ...string) ([]Strategy, error) {
	if len(names) == 0 {
		names = r.List()
	}
	out := make([]Strategy, 0, len(names))
	for _, name := range names {
		s, ok := r.strategies[name]
		if !ok {
			return nil, fmt.Errorf("unknown strategy %q", name)
		}
		out = append(out, s)
	}
	return out, nil
}
