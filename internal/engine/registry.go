package engine

import (
	"fmt"
	"sort"

	"market-relay/internal/interfaces"
)

// Factory creates a fresh strategy instance for one running strategy.
type Factory func() interfaces.Strategy

// Registry is the strategy dispatch table, populated once at startup.
type Registry struct {
	factories map[string]Factory
	wrap      func(interfaces.Strategy) interfaces.Strategy
}

// NewRegistry returns a registry holding the built-in strategies.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("limit", newLimitStrategy)
	r.Register("spread", newSpreadStrategy)
	return r
}

// Register adds or replaces a strategy factory.
func (r *Registry) Register(name string, f Factory) {
	r.factories[name] = f
}

// WithMiddleware wraps every strategy the registry creates.
func (r *Registry) WithMiddleware(wrap func(interfaces.Strategy) interfaces.Strategy) *Registry {
	r.wrap = wrap
	return r
}

// New instantiates the named strategy.
func (r *Registry) New(name string) (interfaces.Strategy, error) {
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
	s := f()
	if r.wrap != nil {
		s = r.wrap(s)
	}
	return s, nil
}

// Names lists registered strategies in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
