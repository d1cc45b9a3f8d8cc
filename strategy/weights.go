package strategy

import (
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/warp/disposal-engine/engine"
	"gopkg.in/yaml.v3"
)

// Strategy names. The set is closed; weight files may only tune these.
const (
	Intelligent  = "intelligent"
	Performance  = "performance"
	Geographic   = "geographic"
	LoadBalanced = "load_balanced"
)

// Names lists every strategy in display order.
var Names = []string{Intelligent, Performance, Geographic, LoadBalanced}

// IsKnown reports whether name is one of the built-in strategies.
func IsKnown(name string) bool {
	for _, n := range Names {
		if n == name {
			return true
		}
	}
	return false
}

// Weights holds the relative importance of each scoring dimension.
type Weights struct {
	Geographic   float64 `yaml:"geographic" json:"geographic"`
	Capacity     float64 `yaml:"capacity" json:"capacity"`
	Experience   float64 `yaml:"experience" json:"experience"`
	Performance  float64 `yaml:"performance" json:"performance"`
	Availability float64 `yaml:"availability" json:"availability"`
}

// For returns the weight of one dimension.
func (w Weights) For(d engine.Dimension) float64 {
	switch d {
	case engine.DimGeographic:
		return w.Geographic
	case engine.DimCapacity:
		return w.Capacity
	case engine.DimExperience:
		return w.Experience
	case engine.DimPerformance:
		return w.Performance
	case engine.DimAvailability:
		return w.Availability
	}
	return 0
}

func (w Weights) Sum() float64 {
	return w.Geographic + w.Capacity + w.Experience + w.Performance + w.Availability
}

// Normalized scales the weights to sum to 1. Negative or all-zero weights
// are rejected.
func (w Weights) Normalized() (Weights, error) {
	for _, d := range engine.Dimensions {
		v := w.For(d)
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return Weights{}, &engine.ValidationError{Field: "weights." + string(d), Message: "must be a non-negative number"}
		}
	}
	sum := w.Sum()
	if sum <= 0 {
		return Weights{}, &engine.ValidationError{Field: "weights", Message: "must not all be zero"}
	}
	return Weights{
		Geographic:   w.Geographic / sum,
		Capacity:     w.Capacity / sum,
		Experience:   w.Experience / sum,
		Performance:  w.Performance / sum,
		Availability: w.Availability / sum,
	}, nil
}

// Defaults returns the built-in weights for every strategy.
func Defaults() map[string]Weights {
	return map[string]Weights{
		// Favors proven recovery and experience.
		Intelligent: {Geographic: 0.15, Capacity: 0.15, Experience: 0.25, Performance: 0.30, Availability: 0.15},
		// Large amounts: recovery record dominates.
		Performance: {Geographic: 0.05, Capacity: 0.10, Experience: 0.20, Performance: 0.55, Availability: 0.10},
		// Small, regional packages: local presence first.
		Geographic: {Geographic: 0.50, Capacity: 0.15, Experience: 0.10, Performance: 0.15, Availability: 0.10},
		// Urgent packages: whoever has room now.
		LoadBalanced: {Geographic: 0.10, Capacity: 0.35, Experience: 0.10, Performance: 0.15, Availability: 0.30},
	}
}

// =============================================================================
// WEIGHT FILE
// =============================================================================

// weightsFile is the YAML layout:
//
//	strategies:
//	  intelligent:
//	    performance: 0.4
//	    experience: 0.2
type weightsFile struct {
	Strategies map[string]Weights `yaml:"strategies"`
}

// LoadWeights reads per-strategy weight overrides from a YAML file and merges
// them over Defaults. A strategy listed in the file replaces its defaults
// entirely. An empty path or a missing file returns Defaults.
func LoadWeights(path string) (map[string]Weights, error) {
	weights := Defaults()
	if path == "" {
		return weights, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return weights, nil
		}
		return nil, fmt.Errorf("reading weights: %w", err)
	}

	var file weightsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing weights: %w", err)
	}

	names := make([]string, 0, len(file.Strategies))
	for name := range file.Strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if !IsKnown(name) {
			return nil, &engine.ValidationError{Field: "strategies." + name, Message: "unknown strategy"}
		}
		if _, err := file.Strategies[name].Normalized(); err != nil {
			return nil, fmt.Errorf("strategy %s: %w", name, err)
		}
		weights[name] = file.Strategies[name]
	}
	return weights, nil
}
