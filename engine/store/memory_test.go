package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/disposal-engine/engine"
	"github.com/warp/disposal-engine/engine/store"
)

func TestMemory_SavePackage_VersionCAS(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	created, err := mem.CreatePackage(ctx, engine.CasePackage{ID: "pkg-1", Name: "P", Status: engine.StatusDraft})
	require.NoError(t, err)
	assert.Equal(t, int64(1), created.Version)

	created.Description = "updated"
	saved, err := mem.SavePackage(ctx, created, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), saved.Version)

	_, err = mem.SavePackage(ctx, created, 1)
	assert.ErrorIs(t, err, engine.ErrConcurrentModification)

	// Status changes must go through CommitTransition
	saved.Status = engine.StatusPublished
	_, err = mem.SavePackage(ctx, saved, 2)
	assert.ErrorIs(t, err, engine.ErrValidation)
}

func TestMemory_CreatePackage_DuplicateID(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	_, err := mem.CreatePackage(ctx, engine.CasePackage{ID: "pkg-1"})
	require.NoError(t, err)
	_, err = mem.CreatePackage(ctx, engine.CasePackage{ID: "pkg-1"})
	assert.ErrorIs(t, err, engine.ErrDuplicateID)
}

func TestMemory_CommitTransition_ConflictAppendsNothing(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	pkg, err := mem.CreatePackage(ctx, engine.CasePackage{ID: "pkg-1", Status: engine.StatusDraft})
	require.NoError(t, err)

	rec := engine.FlowRecord{ID: "f-1", PackageID: "pkg-1", Event: engine.FlowPublished}
	pkg.Status = engine.StatusPublished
	_, err = mem.CommitTransition(ctx, pkg, 7, rec)
	assert.ErrorIs(t, err, engine.ErrConcurrentModification)

	page, err := mem.Query(ctx, engine.FlowFilter{})
	require.NoError(t, err)
	assert.Equal(t, 0, page.Total)
}

func TestMemory_GetPackage_ReturnsCopy(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	_, err := mem.CreatePackage(ctx, engine.CasePackage{ID: "pkg-1", CaseIDs: []engine.CaseID{"c-1"}})
	require.NoError(t, err)

	got, err := mem.GetPackage(ctx, "pkg-1")
	require.NoError(t, err)
	got.CaseIDs[0] = "mutated"

	again, _ := mem.GetPackage(ctx, "pkg-1")
	assert.Equal(t, engine.CaseID("c-1"), again.CaseIDs[0])
}

func TestMemory_ListRules_PriorityThenID(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	for _, r := range []engine.AssignmentRule{
		{ID: "b", Priority: 2}, {ID: "c", Priority: 1}, {ID: "a", Priority: 2},
	} {
		_, err := mem.CreateRule(ctx, r)
		require.NoError(t, err)
	}

	rules, err := mem.ListRules(ctx)
	require.NoError(t, err)
	var ids []engine.RuleID
	for _, r := range rules {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []engine.RuleID{"c", "a", "b"}, ids)
}

func TestMemory_SaveRule_StaleVersion(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	rule, err := mem.CreateRule(ctx, engine.AssignmentRule{ID: "r-1"})
	require.NoError(t, err)

	rule.RecordAttempt(time.Now())
	_, err = mem.SaveRule(ctx, rule, rule.Version)
	require.NoError(t, err)

	_, err = mem.SaveRule(ctx, rule, rule.Version)
	assert.True(t, engine.IsRetryable(err))
}

func TestMemory_Query_FiltersAndPaginates(t *testing.T) {
	// GIVEN: Flow records across two packages, one containing case c-9
	// WHEN: Querying by case, event set, time range and page
	// THEN: Records are filtered, ordered by time then id, and paginated

	mem := store.NewMemory()
	ctx := context.Background()

	_, err := mem.CreatePackage(ctx, engine.CasePackage{ID: "pkg-1", CaseIDs: []engine.CaseID{"c-9"}})
	require.NoError(t, err)
	_, err = mem.CreatePackage(ctx, engine.CasePackage{ID: "pkg-2"})
	require.NoError(t, err)

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	amount := decimal.NewFromInt(10)
	records := []engine.FlowRecord{
		{ID: "f-3", PackageID: "pkg-1", Event: engine.FlowAssigned, OccurredAt: base.Add(2 * time.Hour), ActorID: "sys", OrganizationID: "org-1", Amount: &amount},
		{ID: "f-1", PackageID: "pkg-1", Event: engine.FlowCreated, OccurredAt: base, ActorID: "u-1"},
		{ID: "f-2", PackageID: "pkg-1", Event: engine.FlowPublished, OccurredAt: base.Add(time.Hour), ActorID: "u-1"},
		{ID: "f-4", PackageID: "pkg-2", Event: engine.FlowCreated, OccurredAt: base, ActorID: "u-2"},
		{ID: "f-5", PackageID: "pkg-2", Event: engine.FlowAssignmentFailed, OccurredAt: base, CaseID: "c-9"},
	}
	for _, r := range records {
		require.NoError(t, mem.Append(ctx, r))
	}

	page, err := mem.Query(ctx, engine.FlowFilter{CaseID: "c-9"})
	require.NoError(t, err)
	assert.Equal(t, 4, page.Total)
	assert.Equal(t, engine.FlowRecordID("f-1"), page.Records[0].ID)
	assert.Equal(t, engine.FlowRecordID("f-5"), page.Records[1].ID)

	page, err = mem.Query(ctx, engine.FlowFilter{Events: []engine.FlowEvent{engine.FlowCreated}})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)

	from := base.Add(30 * time.Minute)
	page, err = mem.Query(ctx, engine.FlowFilter{PackageID: "pkg-1", From: &from})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)

	page, err = mem.Query(ctx, engine.FlowFilter{OrganizationID: "org-1"})
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.True(t, page.Records[0].Amount.Equal(amount))

	page, err = mem.Query(ctx, engine.FlowFilter{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	require.Len(t, page.Records, 2)
	assert.Equal(t, engine.FlowRecordID("f-5"), page.Records[0].ID)
	assert.Equal(t, engine.FlowRecordID("f-2"), page.Records[1].ID)

	page, err = mem.Query(ctx, engine.FlowFilter{ActorID: "u-1"})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
}

func TestMemory_AdjustLoad_ClampsAtZero(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	require.NoError(t, mem.SaveOrganization(ctx, engine.Organization{ID: "org-1", CurrentLoad: 5}))
	require.NoError(t, mem.AdjustLoad(ctx, "org-1", -20))

	org, err := mem.GetOrganization(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, 0.0, org.CurrentLoad)

	assert.True(t, engine.IsNotFound(mem.AdjustLoad(ctx, "missing", 1)))
}

func TestMemory_ListEligibleOrganizations_ActiveOnly(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	require.NoError(t, mem.SaveOrganization(ctx, engine.Organization{ID: "b", MembershipActive: true}))
	require.NoError(t, mem.SaveOrganization(ctx, engine.Organization{ID: "a", MembershipActive: true}))
	require.NoError(t, mem.SaveOrganization(ctx, engine.Organization{ID: "c"}))

	orgs, err := mem.ListEligibleOrganizations(ctx)
	require.NoError(t, err)
	require.Len(t, orgs, 2)
	assert.Equal(t, engine.OrganizationID("a"), orgs[0].ID)
}
