package strategy

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/warp/disposal-engine/engine"
)

// =============================================================================
// REGISTRY
// =============================================================================

// Registry holds one Weighted strategy per known name.
type Registry struct {
	strategies map[string]*Weighted
}

// NewRegistry builds every known strategy. Names missing from weights use
// their defaults.
func NewRegistry(weights map[string]Weights) (*Registry, error) {
	defaults := Defaults()
	r := &Registry{strategies: make(map[string]*Weighted, len(Names))}
	for _, name := range Names {
		w, ok := weights[name]
		if !ok {
			w = defaults[name]
		}
		s, err := NewWeighted(name, w)
		if err != nil {
			return nil, fmt.Errorf("strategy %s: %w", name, err)
		}
		r.strategies[name] = s
	}
	return r, nil
}

// DefaultRegistry returns a registry with the built-in weights.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(Defaults())
	if err != nil {
		panic(err) // built-in weights are valid
	}
	return r
}

// Get returns the strategy with the given name.
func (r *Registry) Get(name string) (*Weighted, bool) {
	s, ok := r.strategies[strings.ToLower(strings.TrimSpace(name))]
	return s, ok
}

// All returns every strategy in display order.
func (r *Registry) All() []*Weighted {
	out := make([]*Weighted, 0, len(Names))
	for _, name := range Names {
		out = append(out, r.strategies[name])
	}
	return out
}

// =============================================================================
// SELECTOR
// =============================================================================

// SelectorConfig tunes strategy inference.
type SelectorConfig struct {
	Default              string
	LargeAmountThreshold decimal.Decimal
	SmallPackageCases    int
}

func DefaultSelectorConfig() SelectorConfig {
	return SelectorConfig{
		Default:              Intelligent,
		LargeAmountThreshold: decimal.NewFromInt(10_000_000),
		SmallPackageCases:    50,
	}
}

// Selection is the outcome of choosing a strategy.
type Selection struct {
	Strategy  *Weighted
	Requested string // name the caller asked for, empty when inferred
	Inferred  bool
	Fallback  bool // requested name was unknown
	Reason    string
}

// Selector resolves strategy names and infers a strategy from package attributes.
type Selector struct {
	registry *Registry
	cfg      SelectorConfig
	logger   *slog.Logger
}

func NewSelector(registry *Registry, cfg SelectorConfig, logger *slog.Logger) *Selector {
	if registry == nil {
		registry = DefaultRegistry()
	}
	if _, ok := registry.Get(cfg.Default); !ok {
		cfg.Default = Intelligent
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{registry: registry, cfg: cfg, logger: logger}
}

// Registry returns the strategies the selector chooses from.
func (s *Selector) Registry() *Registry { return s.registry }

// Select resolves name, or infers when name is empty. An unknown name falls
// back to the default strategy with a warning; it never fails.
func (s *Selector) Select(name string, pkg engine.CasePackage) Selection {
	if strings.TrimSpace(name) == "" {
		chosen, reason := s.infer(pkg)
		st, _ := s.registry.Get(chosen)
		return Selection{Strategy: st, Inferred: true, Reason: reason}
	}

	if st, ok := s.registry.Get(name); ok {
		return Selection{Strategy: st, Requested: name, Reason: "requested"}
	}

	st, _ := s.registry.Get(s.cfg.Default)
	s.logger.Warn("unknown strategy, using default",
		"requested", name,
		"default", st.Name(),
		"package_id", pkg.ID,
	)
	return Selection{
		Strategy:  st,
		Requested: name,
		Fallback:  true,
		Reason:    fmt.Sprintf("unknown strategy %q, fell back to %s", name, st.Name()),
	}
}

func (s *Selector) infer(pkg engine.CasePackage) (string, string) {
	switch {
	case !s.cfg.LargeAmountThreshold.IsZero() && pkg.TotalAmount.GreaterThanOrEqual(s.cfg.LargeAmountThreshold):
		return Performance, fmt.Sprintf("amount %s at or above %s", pkg.TotalAmount.StringFixed(2), s.cfg.LargeAmountThreshold.StringFixed(2))
	case pkg.Urgent:
		return LoadBalanced, "urgent package"
	case strings.TrimSpace(pkg.Region) != "" && pkg.CaseCount <= s.cfg.SmallPackageCases:
		return Geographic, fmt.Sprintf("%d cases concentrated in %s", pkg.CaseCount, pkg.Region)
	default:
		return s.cfg.Default, "default"
	}
}
