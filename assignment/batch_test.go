package assignment_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/disposal-engine/engine"
	"github.com/warp/disposal-engine/strategy"
)

func TestBatchAssign_MissingPackageIsolated(t *testing.T) {
	// GIVEN: A batch of 4 ids where the third does not exist
	// WHEN: Batch assigning
	// THEN: 3 succeed, 1 fails with NotFound, results keep input order

	f := newFixture(t)
	f.addOrg(t, strongOrg("org-1"))
	f.addRule(t, engine.AssignmentRule{ID: "r-1", Enabled: true})
	for _, id := range []string{"pkg-a", "pkg-b", "pkg-d"} {
		f.publishedPackage(t, id)
	}

	ids := []engine.PackageID{"pkg-a", "pkg-b", "pkg-missing", "pkg-d"}
	batch, err := f.svc.BatchAssign(f.ctx, ids, "", operator)
	require.NoError(t, err)

	assert.Equal(t, 4, batch.Total)
	assert.Equal(t, 3, batch.SuccessCount)
	assert.Equal(t, 1, batch.FailedCount)
	assert.InDelta(t, 0.75, batch.SuccessRate, 1e-9)
	assert.Contains(t, batch.Summary, "3 of 4")

	require.Len(t, batch.Results, 4)
	for i, id := range ids {
		assert.Equal(t, id, batch.Results[i].PackageID)
	}
	assert.Equal(t, engine.FailureNotFound, batch.Results[2].Failure)
	for _, i := range []int{0, 1, 3} {
		assert.True(t, batch.Results[i].Success, "package %s", ids[i])
	}
}

func TestBatchAssign_PicksRuleByPriorityAndOverridesStrategy(t *testing.T) {
	f := newFixture(t)
	f.addOrg(t, strongOrg("org-1"))
	f.addRule(t, engine.AssignmentRule{ID: "r-zj", Priority: 1, Enabled: true, TargetRegions: []string{"Zhejiang"}})
	f.addRule(t, engine.AssignmentRule{ID: "r-gd", Priority: 2, Enabled: true, TargetRegions: []string{"Guangdong"}, Strategy: strategy.Geographic})
	f.publishedPackage(t, "pkg-1")

	batch, err := f.svc.BatchAssign(f.ctx, []engine.PackageID{"pkg-1"}, strategy.Performance, operator)
	require.NoError(t, err)

	res := batch.Results[0]
	assert.True(t, res.Success)
	assert.Equal(t, engine.RuleID("r-gd"), res.RuleID)
	assert.Equal(t, strategy.Performance, res.Strategy)
	assert.Equal(t, int64(0), f.rule(t, "r-zj").UsageCount)
}

func TestBatchAssign_StopsAtFullLoad(t *testing.T) {
	// GIVEN: One organization at 80% of a 100-case month, three 20-case packages
	// WHEN: Batch assigning them, serially and with parallel workers
	// THEN: Only the first fits; the rest find no suitable organization and
	//       the organization ends at exactly 100%, as with one-by-one AutoAssign

	for _, parallelism := range []int{1, 4} {
		t.Run(fmt.Sprintf("parallelism=%d", parallelism), func(t *testing.T) {
			f := newFixture(t)
			f.svc.Parallelism = parallelism
			org := strongOrg("org-1")
			org.MonthlyCapacity = 100
			org.CurrentLoad = 80
			f.addOrg(t, org)
			f.addRule(t, engine.AssignmentRule{ID: "r-1", Enabled: true})
			ids := []engine.PackageID{"pkg-1", "pkg-2", "pkg-3"}
			for _, id := range ids {
				f.publishedPackage(t, string(id))
			}

			batch, err := f.svc.BatchAssign(f.ctx, ids, "", operator)
			require.NoError(t, err)

			assert.Equal(t, 1, batch.SuccessCount)
			assert.Equal(t, 2, batch.FailedCount)
			for _, r := range batch.Results {
				if !r.Success {
					assert.Equal(t, engine.FailureNoEligibleCandidate, r.Failure)
					assert.Equal(t, "no suitable organization", r.Reason)
				}
			}

			stored, err := f.mem.GetOrganization(f.ctx, "org-1")
			require.NoError(t, err)
			assert.InDelta(t, 100.0, stored.CurrentLoad, 1e-9)
		})
	}
}

func TestBatchAssign_MatchesSequentialAutoAssign(t *testing.T) {
	// GIVEN: Two identical stores, each with one organization at 80% load
	// WHEN: One batch-assigns three packages, the other auto-assigns them in turn
	// THEN: Both assign the same packages and leave the same load

	setup := func(t *testing.T) *fixture {
		f := newFixture(t)
		f.svc.Parallelism = 1
		org := strongOrg("org-1")
		org.MonthlyCapacity = 100
		org.CurrentLoad = 80
		f.addOrg(t, org)
		f.addRule(t, engine.AssignmentRule{ID: "r-1", Enabled: true})
		for _, id := range []string{"pkg-1", "pkg-2", "pkg-3"} {
			f.publishedPackage(t, id)
		}
		return f
	}
	ids := []engine.PackageID{"pkg-1", "pkg-2", "pkg-3"}

	batched := setup(t)
	batch, err := batched.svc.BatchAssign(batched.ctx, ids, "", operator)
	require.NoError(t, err)

	serial := setup(t)
	var serialSuccess []bool
	for _, id := range ids {
		res, err := serial.svc.AutoAssign(serial.ctx, id, "r-1", operator)
		require.NoError(t, err)
		serialSuccess = append(serialSuccess, res.Success)
	}

	var batchSuccess []bool
	for _, r := range batch.Results {
		batchSuccess = append(batchSuccess, r.Success)
	}
	assert.Equal(t, serialSuccess, batchSuccess)

	a, err := batched.mem.GetOrganization(batched.ctx, "org-1")
	require.NoError(t, err)
	b, err := serial.mem.GetOrganization(serial.ctx, "org-1")
	require.NoError(t, err)
	assert.InDelta(t, b.CurrentLoad, a.CurrentLoad, 1e-9)
}

func TestBatchAssign_NoMatchingRule(t *testing.T) {
	f := newFixture(t)
	f.addOrg(t, strongOrg("org-1"))
	f.addRule(t, engine.AssignmentRule{ID: "r-zj", Enabled: true, TargetRegions: []string{"Zhejiang"}})
	f.publishedPackage(t, "pkg-1")

	batch, err := f.svc.BatchAssign(f.ctx, []engine.PackageID{"pkg-1"}, "", operator)
	require.NoError(t, err)
	assert.Equal(t, engine.FailureRuleMismatch, batch.Results[0].Failure)
	assert.Equal(t, 0.0, batch.SuccessRate)
}

func TestBatchAssign_MixedFailuresAndProgress(t *testing.T) {
	// GIVEN: One assignable package, one still in DRAFT
	// WHEN: Batch assigning with a progress callback
	// THEN: The draft fails with InvalidTransition; the callback sees both

	f := newFixture(t)
	f.addOrg(t, strongOrg("org-1"))
	f.addRule(t, engine.AssignmentRule{ID: "r-1", Enabled: true})
	f.publishedPackage(t, "pkg-ok")
	_, err := f.svc.Lifecycle.Create(f.ctx, engine.CasePackage{ID: "pkg-draft", Name: "draft", Region: "Guangdong"}, operator)
	require.NoError(t, err)

	var mu sync.Mutex
	seen := map[engine.PackageID]bool{}
	batch, err := f.svc.BatchAssignFunc(f.ctx, []engine.PackageID{"pkg-ok", "pkg-draft"}, "", operator, func(r engine.AssignmentResult) {
		mu.Lock()
		defer mu.Unlock()
		seen[r.PackageID] = true
	})
	require.NoError(t, err)

	assert.Len(t, seen, 2)
	assert.True(t, batch.Results[0].Success)
	assert.Equal(t, engine.FailureInvalidTransition, batch.Results[1].Failure)
}

func TestBatchAssign_CancelledContext(t *testing.T) {
	f := newFixture(t)
	f.addOrg(t, strongOrg("org-1"))
	f.addRule(t, engine.AssignmentRule{ID: "r-1", Enabled: true})
	f.publishedPackage(t, "pkg-1")

	ctx, cancel := context.WithCancel(f.ctx)
	cancel()

	batch, err := f.svc.BatchAssign(ctx, []engine.PackageID{"pkg-1"}, "", operator)
	require.NoError(t, err)
	assert.Equal(t, 1, batch.FailedCount)
	assert.Equal(t, engine.StatusPublished, f.pkg(t, "pkg-1").Status)
}

type failingDirectory struct{ engine.Directory }

func (failingDirectory) ListEligibleOrganizations(context.Context) ([]engine.Organization, error) {
	return nil, errors.New("directory down")
}

func TestBatchAssign_DirectoryFailure(t *testing.T) {
	f := newFixture(t)
	f.svc.Directory = failingDirectory{}

	_, err := f.svc.BatchAssign(f.ctx, []engine.PackageID{"pkg-1"}, "", operator)
	assert.ErrorContains(t, err, "directory down")
}

func TestAssignPublished_SweepsOnlyPublished(t *testing.T) {
	f := newFixture(t)
	f.addOrg(t, strongOrg("org-1"))
	f.addRule(t, engine.AssignmentRule{ID: "r-1", Enabled: true})
	f.publishedPackage(t, "pkg-1")
	f.publishedPackage(t, "pkg-2")
	_, err := f.svc.Lifecycle.Create(f.ctx, engine.CasePackage{ID: "pkg-draft", Name: "draft"}, operator)
	require.NoError(t, err)

	batch, err := f.svc.AssignPublished(f.ctx, "", engine.SystemActor)
	require.NoError(t, err)
	assert.Equal(t, 2, batch.Total)
	assert.Equal(t, 2, batch.SuccessCount)
	assert.Equal(t, engine.StatusDraft, f.pkg(t, "pkg-draft").Status)
}

// =============================================================================
// RECOMMEND & ASSESS
// =============================================================================

func TestRecommend_ReadOnlyAndLimited(t *testing.T) {
	f := newFixture(t)
	f.addOrg(t, strongOrg("org-1"))
	f.addOrg(t, strongOrg("org-2"))
	f.addOrg(t, middlingOrg("org-3"))
	full := strongOrg("org-full")
	full.CurrentLoad = 100
	f.addOrg(t, full)
	before := f.publishedPackage(t, "pkg-1")

	rec, err := f.svc.Recommend(f.ctx, "pkg-1", 2, "")
	require.NoError(t, err)

	require.Len(t, rec.Candidates, 2)
	assert.Equal(t, engine.OrganizationID("org-1"), rec.Candidates[0].OrganizationID)
	assert.Equal(t, engine.OrganizationID("org-2"), rec.Candidates[1].OrganizationID)
	assert.Equal(t, strategy.Geographic, rec.Strategy, "small regional package")
	assert.Len(t, rec.Candidates[0].Scores, 5)

	all, err := f.svc.Recommend(f.ctx, "pkg-1", 0, strategy.Intelligent)
	require.NoError(t, err)
	assert.Len(t, all.Candidates, 3, "full organization excluded")

	assert.Equal(t, before.Version, f.pkg(t, "pkg-1").Version)
}

func TestRecommend_UnknownStrategyFallsBack(t *testing.T) {
	f := newFixture(t)
	f.addOrg(t, strongOrg("org-1"))
	f.publishedPackage(t, "pkg-1")

	rec, err := f.svc.Recommend(f.ctx, "pkg-1", 5, "fastest")
	require.NoError(t, err)
	assert.True(t, rec.Fallback)
	assert.Equal(t, strategy.Intelligent, rec.Strategy)
}

func TestAssess_IneligibleReportedNotError(t *testing.T) {
	f := newFixture(t)
	inactive := strongOrg("org-1")
	inactive.MembershipActive = false
	f.addOrg(t, inactive)
	f.publishedPackage(t, "pkg-1")

	a, err := f.svc.Assess(f.ctx, "org-1", "pkg-1", strategy.Performance)
	require.NoError(t, err)
	assert.False(t, a.Eligible)
	assert.Equal(t, "membership inactive", a.IneligibleReason)
	assert.Equal(t, strategy.Performance, a.Strategy)

	_, err = f.svc.Assess(f.ctx, "org-missing", "pkg-1", "")
	assert.ErrorIs(t, err, engine.ErrOrganizationNotFound)
}
