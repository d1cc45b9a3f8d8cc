package assignment

import (
	"context"
	"fmt"

	"github.com/warp/disposal-engine/engine"
)

// DefaultRecommendationLimit applies when the caller passes no limit.
const DefaultRecommendationLimit = 5

// Recommendation is a read-only ranking for human review.
type Recommendation struct {
	PackageID  engine.PackageID
	Strategy   string
	Fallback   bool
	Reason     string
	Candidates []engine.AssignmentCandidate
}

// Recommend ranks eligible organizations for a package without mutating
// anything. Rule include/exclude lists are not applied.
func (s *Service) Recommend(ctx context.Context, packageID engine.PackageID, limit int, strategyName string) (Recommendation, error) {
	if limit <= 0 {
		limit = DefaultRecommendationLimit
	}
	pkg, err := s.Packages.GetPackage(ctx, packageID)
	if err != nil {
		return Recommendation{}, err
	}
	orgs, err := s.Directory.ListEligibleOrganizations(ctx)
	if err != nil {
		return Recommendation{}, fmt.Errorf("failed to list organizations: %w", err)
	}

	sel := s.Selector.Select(strategyName, *pkg)
	ranked := sel.Strategy.Rank(*pkg, eligibleOrganizations(*pkg, orgs))
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return Recommendation{
		PackageID:  pkg.ID,
		Strategy:   sel.Strategy.Name(),
		Fallback:   sel.Fallback,
		Reason:     sel.Reason,
		Candidates: ranked,
	}, nil
}

// Assess explains how one organization scores for one package. Ineligible
// organizations are reported with Eligible=false, not as an error.
func (s *Service) Assess(ctx context.Context, organizationID engine.OrganizationID, packageID engine.PackageID, strategyName string) (engine.MatchingAssessment, error) {
	pkg, err := s.Packages.GetPackage(ctx, packageID)
	if err != nil {
		return engine.MatchingAssessment{}, err
	}
	org, err := s.Directory.GetOrganization(ctx, organizationID)
	if err != nil {
		return engine.MatchingAssessment{}, err
	}
	sel := s.Selector.Select(strategyName, *pkg)
	return sel.Strategy.Assess(*org, *pkg), nil
}
