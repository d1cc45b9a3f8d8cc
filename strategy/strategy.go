/*
Package strategy ranks candidate organizations for a case package.

PURPOSE:
  A Strategy turns the scoring package's sub-scores into an overall score,
  orders candidates and explains the result. All built-in strategies are
  the same Weighted type carrying different Weights; the set of names is
  closed (weights.go).

RANKING:
  1. Score every organization concurrently (pure, no shared state)
  2. overall = sum(weight[d] * score[d]), weights normalized to sum 1
  3. Round to 4 decimals
  4. Sort: overall desc, performance desc, load asc, organization id asc

EXPLANATION:
  Dimensions above 0.8 are strengths, below 0.4 weaknesses. The overall
  score maps to a recommendation band:
    >= 0.8 highly recommended, >= 0.6 recommended, >= 0.4 acceptable,
    otherwise not recommended.

SEE ALSO:
  - selector.go: Chooses a strategy by name or by package attributes
  - scoring/: The sub-score functions
*/
package strategy

import (
	"math"
	"runtime"
	"sort"

	"github.com/warp/disposal-engine/engine"
	"github.com/warp/disposal-engine/scoring"
	"golang.org/x/sync/errgroup"
)

// Strategy ranks candidates and assesses a single organization.
type Strategy interface {
	Name() string
	Rank(pkg engine.CasePackage, orgs []engine.Organization) []engine.AssignmentCandidate
	Assess(org engine.Organization, pkg engine.CasePackage) engine.MatchingAssessment
}

const (
	StrengthThreshold = 0.8
	WeaknessThreshold = 0.4
)

// Recommendation bands.
const (
	HighlyRecommended = "highly recommended"
	Recommended       = "recommended"
	Acceptable        = "acceptable"
	NotRecommended    = "not recommended"
)

var strengthText = map[engine.Dimension]string{
	engine.DimGeographic:   "serves the package region",
	engine.DimCapacity:     "low current load",
	engine.DimExperience:   "extensive case experience",
	engine.DimPerformance:  "strong recovery record",
	engine.DimAvailability: "ample remaining capacity",
}

var weaknessText = map[engine.Dimension]string{
	engine.DimGeographic:   "outside the package region",
	engine.DimCapacity:     "heavily loaded",
	engine.DimExperience:   "limited case experience",
	engine.DimPerformance:  "weak recovery record",
	engine.DimAvailability: "little remaining capacity",
}

// =============================================================================
// WEIGHTED STRATEGY
// =============================================================================

// Weighted is a named weighting of the scoring dimensions.
type Weighted struct {
	name    string
	weights Weights // normalized
}

var _ Strategy = (*Weighted)(nil)

// NewWeighted builds a strategy. Weights are normalized to sum to 1.
func NewWeighted(name string, w Weights) (*Weighted, error) {
	norm, err := w.Normalized()
	if err != nil {
		return nil, err
	}
	return &Weighted{name: name, weights: norm}, nil
}

func (s *Weighted) Name() string { return s.name }

// Weights returns the normalized weights.
func (s *Weighted) Weights() Weights { return s.weights }

// Score computes the rounded overall score and per-dimension scores.
func (s *Weighted) Score(org engine.Organization, pkg engine.CasePackage) (float64, map[engine.Dimension]float64) {
	raw := scoring.Breakdown(org, pkg)
	scores := make(map[engine.Dimension]float64, len(raw))
	for _, d := range engine.Dimensions {
		scores[d] = round4(raw[d])
	}
	return round4(s.weigh(raw)), scores
}

// Overall is the unrounded weighted score. Minimum-score gates compare
// against this value, never the rounded one.
func (s *Weighted) Overall(org engine.Organization, pkg engine.CasePackage) float64 {
	return s.weigh(scoring.Breakdown(org, pkg))
}

func (s *Weighted) weigh(raw map[engine.Dimension]float64) float64 {
	overall := 0.0
	for _, d := range engine.Dimensions {
		overall += s.weights.For(d) * raw[d]
	}
	return scoring.Clamp(overall)
}

// Candidate scores and explains one organization. Rank is left at 0.
func (s *Weighted) Candidate(org engine.Organization, pkg engine.CasePackage) engine.AssignmentCandidate {
	overall, scores := s.Score(org, pkg)
	c := engine.AssignmentCandidate{
		OrganizationID:   org.ID,
		OrganizationName: org.Name,
		Score:            overall,
		Scores:           scores,
		Strengths:        []string{},
		Weaknesses:       []string{},
		Recommendation:   RecommendationFor(overall),
	}
	for _, d := range engine.Dimensions {
		switch v := scores[d]; {
		case v > StrengthThreshold:
			c.Strengths = append(c.Strengths, strengthText[d])
		case v < WeaknessThreshold:
			c.Weaknesses = append(c.Weaknesses, weaknessText[d])
		}
	}
	return c
}

// Rank scores every organization and returns candidates best first.
// The caller filters eligibility beforehand.
func (s *Weighted) Rank(pkg engine.CasePackage, orgs []engine.Organization) []engine.AssignmentCandidate {
	candidates := make([]engine.AssignmentCandidate, len(orgs))
	load := make(map[engine.OrganizationID]float64, len(orgs))
	for _, o := range orgs {
		load[o.ID] = o.CurrentLoad
	}

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range orgs {
		g.Go(func() error {
			candidates[i] = s.Candidate(orgs[i], pkg)
			return nil
		})
	}
	_ = g.Wait() // scoring never fails

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if pa, pb := a.Scores[engine.DimPerformance], b.Scores[engine.DimPerformance]; pa != pb {
			return pa > pb
		}
		if la, lb := load[a.OrganizationID], load[b.OrganizationID]; la != lb {
			return la < lb
		}
		return a.OrganizationID < b.OrganizationID
	})
	for i := range candidates {
		candidates[i].Rank = i + 1
	}
	return candidates
}

// Assess produces the detailed breakdown for one organization, including
// whether it would pass the eligibility filter.
func (s *Weighted) Assess(org engine.Organization, pkg engine.CasePackage) engine.MatchingAssessment {
	eligible, reason := scoring.Eligible(org, pkg)
	return engine.MatchingAssessment{
		AssignmentCandidate: s.Candidate(org, pkg),
		PackageID:           pkg.ID,
		Strategy:            s.name,
		Eligible:            eligible,
		IneligibleReason:    reason,
	}
}

// RecommendationFor maps an overall score to its band.
func RecommendationFor(score float64) string {
	switch {
	case score >= 0.8:
		return HighlyRecommended
	case score >= 0.6:
		return Recommended
	case score >= 0.4:
		return Acceptable
	default:
		return NotRecommended
	}
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
