package assignment

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/warp/disposal-engine/engine"
	"github.com/warp/disposal-engine/rules"
	"github.com/warp/disposal-engine/scoring"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// BATCH ASSIGN
// =============================================================================

// BatchAssign runs the single-package workflow for every id. Organizations
// and rules are fetched once; the organization list is shared by every
// package and tracks the load each commit adds, so an organization filled
// earlier in the batch is filtered out for the rest of it. Each package
// picks the first enabled matching rule by priority; strategyName, when set,
// overrides the rule's strategy. One package's failure never affects
// another's. Results keep input order.
func (s *Service) BatchAssign(ctx context.Context, packageIDs []engine.PackageID, strategyName string, actor engine.Actor) (engine.BatchResult, error) {
	return s.BatchAssignFunc(ctx, packageIDs, strategyName, actor, nil)
}

// BatchAssignFunc is BatchAssign with a callback invoked once per finished
// package. Calls are serialized.
func (s *Service) BatchAssignFunc(ctx context.Context, packageIDs []engine.PackageID, strategyName string, actor engine.Actor, onResult func(engine.AssignmentResult)) (engine.BatchResult, error) {
	orgs, err := s.Directory.ListEligibleOrganizations(ctx)
	if err != nil {
		return engine.BatchResult{}, fmt.Errorf("failed to list organizations: %w", err)
	}
	view := newOrgView(orgs)
	allRules, err := s.Rules.ListRules(ctx)
	if err != nil {
		return engine.BatchResult{}, fmt.Errorf("failed to list rules: %w", err)
	}

	results := make([]engine.AssignmentResult, len(packageIDs))
	var mu sync.Mutex

	parallelism := s.Parallelism
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}
	var g errgroup.Group
	g.SetLimit(parallelism)

	for i, id := range packageIDs {
		g.Go(func() error {
			results[i] = s.assignOne(ctx, id, allRules, view, strategyName, actor)
			if onResult != nil {
				mu.Lock()
				onResult(results[i])
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait() // workers convert every error into a result

	batch := summarize(results)
	s.logger().Info("batch assignment finished",
		"total", batch.Total,
		"succeeded", batch.SuccessCount,
		"failed", batch.FailedCount,
		"strategy", strategyName,
		"actor_id", actor.ID,
	)
	return batch, nil
}

func (s *Service) assignOne(ctx context.Context, id engine.PackageID, allRules []engine.AssignmentRule, view *orgView, strategyName string, actor engine.Actor) (result engine.AssignmentResult) {
	result = engine.AssignmentResult{PackageID: id}
	defer func() {
		if r := recover(); r != nil {
			result = failed(engine.AssignmentResult{PackageID: id}, fmt.Errorf("panic: %v", r))
		}
	}()

	if err := ctx.Err(); err != nil {
		return failed(result, err)
	}

	pkg, err := s.Packages.GetPackage(ctx, id)
	if err != nil {
		return failed(result, err)
	}
	rule, ok := rules.SelectRule(allRules, *pkg)
	if !ok {
		result.Failure = engine.FailureRuleMismatch
		result.Reason = "no enabled rule matches this package"
		return result
	}

	res, err := s.assign(ctx, *pkg, rule, view, strategyName, actor)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger().Warn("batch item failed", "package_id", id, "error", err)
	}
	return res
}

func summarize(results []engine.AssignmentResult) engine.BatchResult {
	b := engine.BatchResult{Total: len(results), Results: results}
	for _, r := range results {
		if r.Success {
			b.SuccessCount++
		} else {
			b.FailedCount++
		}
	}
	if b.Total > 0 {
		b.SuccessRate = float64(b.SuccessCount) / float64(b.Total)
	}
	b.Summary = fmt.Sprintf("%d of %d packages assigned (%.1f%% success), %d failed",
		b.SuccessCount, b.Total, b.SuccessRate*100, b.FailedCount)
	return b
}

// =============================================================================
// ORGANIZATION VIEW
// =============================================================================

// orgView is the organization list one workflow run ranks against. A
// candidate is reserved before its package is committed: the reservation
// re-checks eligibility at the current load and adds the package's load
// share, so concurrent packages cannot overfill an organization.
type orgView struct {
	mu   sync.Mutex
	orgs []engine.Organization
}

func newOrgView(orgs []engine.Organization) *orgView {
	v := &orgView{orgs: make([]engine.Organization, len(orgs))}
	copy(v.orgs, orgs)
	return v
}

func (v *orgView) snapshot() []engine.Organization {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]engine.Organization, len(v.orgs))
	copy(out, v.orgs)
	return out
}

// reserve adds pkg's load share to id if the organization is still eligible.
func (v *orgView) reserve(id engine.OrganizationID, pkg engine.CasePackage) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.orgs {
		if v.orgs[i].ID != id {
			continue
		}
		if ok, _ := scoring.Eligible(v.orgs[i], pkg); !ok {
			return false
		}
		v.orgs[i].CurrentLoad += engine.LoadShare(v.orgs[i], pkg)
		return true
	}
	return false
}

// release undoes a reservation whose commit failed.
func (v *orgView) release(id engine.OrganizationID, pkg engine.CasePackage) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.orgs {
		if v.orgs[i].ID == id {
			v.orgs[i].CurrentLoad = max(0, v.orgs[i].CurrentLoad-engine.LoadShare(v.orgs[i], pkg))
			return
		}
	}
}

// =============================================================================
// SWEEP
// =============================================================================

// AssignPublished batch-assigns every package currently in PUBLISHED.
func (s *Service) AssignPublished(ctx context.Context, strategyName string, actor engine.Actor) (engine.BatchResult, error) {
	pkgs, err := s.Packages.ListPackages(ctx, engine.PackageFilter{Statuses: []engine.Status{engine.StatusPublished}})
	if err != nil {
		return engine.BatchResult{}, fmt.Errorf("failed to list published packages: %w", err)
	}
	ids := make([]engine.PackageID, len(pkgs))
	for i, p := range pkgs {
		ids[i] = p.ID
	}
	return s.BatchAssign(ctx, ids, strategyName, actor)
}
