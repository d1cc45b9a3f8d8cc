package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/disposal-engine/api"
	"github.com/warp/disposal-engine/assignment"
	"github.com/warp/disposal-engine/engine"
	"github.com/warp/disposal-engine/engine/store"
)

// =============================================================================
// TEST HARNESS
// =============================================================================

type testServer struct {
	srv     *httptest.Server
	mem     *store.Memory
	handler *api.Handler
	svc     *assignment.Service
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mem := store.NewMemory()
	svc := assignment.NewService(mem, nil, nil)
	h := api.NewHandler(mem, svc, nil)
	srv := httptest.NewServer(api.NewRouter(h, []string{"*"}))
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, mem: mem, handler: h, svc: svc}
}

// do sends a JSON request as actor "alice" and decodes the response into out
// when out is non-nil.
func (ts *testServer) do(t *testing.T, method, path string, body, out any) int {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, rdr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(api.HeaderActorID, "alice")
	req.Header.Set(api.HeaderActorName, "Alice")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func strongOrgJSON(id string) map[string]any {
	return map[string]any{
		"id":                  id,
		"name":                "Strong " + id,
		"type":                "law_firm",
		"region":              "Guangdong/Shenzhen",
		"monthly_capacity":    200,
		"current_load":        10,
		"historical_cases":    300,
		"member_years":        6,
		"recovery_rate":       0.85,
		"avg_processing_days": 30,
	}
}

func middlingOrgJSON(id string) map[string]any {
	return map[string]any{
		"id":                  id,
		"name":                "Middling " + id,
		"type":                "collection_agency",
		"region":              "Guangdong/Guangzhou",
		"monthly_capacity":    200,
		"current_load":        50,
		"historical_cases":    100,
		"member_years":        2,
		"recovery_rate":       0.6,
		"avg_processing_days": 90,
	}
}

func (ts *testServer) publishedPackage(t *testing.T, id string) api.PackageDTO {
	t.Helper()
	var created api.PackageDTO
	status := ts.do(t, http.MethodPost, "/api/packages", map[string]any{
		"id":           id,
		"name":         "Package " + id,
		"case_count":   20,
		"total_amount": "5000000",
		"region":       "Guangdong/Shenzhen",
		"case_type":    "credit_card",
	}, &created)
	require.Equal(t, http.StatusCreated, status)

	var published api.PackageDTO
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/packages/"+id+"/publish", nil, &published))
	return published
}

// =============================================================================
// PACKAGES & TRANSITIONS
// =============================================================================

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	var body map[string]string
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/healthz", nil, &body))
	assert.Equal(t, "ok", body["status"])
}

func TestPackageLifecycleOverHTTP(t *testing.T) {
	// GIVEN: A freshly created package
	// WHEN: Publishing it twice
	// THEN: The first publish succeeds; the second is a 409 listing next statuses

	ts := newTestServer(t)

	var created api.PackageDTO
	status := ts.do(t, http.MethodPost, "/api/packages", map[string]any{
		"name":         "Q2 cards",
		"case_count":   2,
		"total_amount": "12500.50",
		"case_ids":     []string{"c-1", "c-2"},
	}, &created)
	require.Equal(t, http.StatusCreated, status)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "DRAFT", created.Status)
	assert.Equal(t, "12500.5", created.TotalAmount)
	assert.Equal(t, int64(1), created.Version)

	var published api.PackageDTO
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/packages/"+created.ID+"/publish", nil, &published))
	assert.Equal(t, "PUBLISHED", published.Status)
	assert.Equal(t, int64(2), published.Version)

	var errResp struct {
		Error   string         `json:"error"`
		Code    string         `json:"code"`
		Details map[string]any `json:"details"`
	}
	assert.Equal(t, http.StatusConflict, ts.do(t, http.MethodPost, "/api/packages/"+created.ID+"/publish", nil, &errResp))
	assert.Equal(t, api.CodeInvalidTransition, errResp.Code)
	assert.ElementsMatch(t, []any{"ASSIGNED", "DRAFT"}, errResp.Details["next_statuses"])

	var next api.NextStatusesDTO
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/packages/"+created.ID+"/next-statuses", nil, &next))
	assert.Equal(t, "PUBLISHED", next.Status)
	assert.False(t, next.Terminal)

	// Published packages cannot be deleted
	var delErr api.ErrorResponse
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodDelete, "/api/packages/"+created.ID, nil, &delErr))
	assert.Equal(t, api.CodeValidation, delErr.Code)
}

func TestPackageValidationAndNotFound(t *testing.T) {
	ts := newTestServer(t)

	var errResp api.ErrorResponse
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/packages", map[string]any{
		"name": "bad", "total_amount": "12,5",
	}, &errResp))
	assert.Equal(t, api.CodeValidation, errResp.Code)

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/packages/missing", nil, &errResp))
	assert.Equal(t, api.CodeNotFound, errResp.Code)

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/packages?status=OPEN", nil, &errResp))
}

func TestDeleteDraftPackage(t *testing.T) {
	ts := newTestServer(t)

	var created api.PackageDTO
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/packages", map[string]any{"name": "tmp"}, &created))
	assert.Equal(t, http.StatusNoContent, ts.do(t, http.MethodDelete, "/api/packages/"+created.ID, nil, nil))
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/packages/"+created.ID, nil, nil))
}

func TestListPackagesFiltersByStatus(t *testing.T) {
	ts := newTestServer(t)
	ts.publishedPackage(t, "pkg-1")
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/packages", map[string]any{"id": "pkg-2", "name": "draft"}, nil))

	var pkgs []api.PackageDTO
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/packages?status=published", nil, &pkgs))
	require.Len(t, pkgs, 1)
	assert.Equal(t, "pkg-1", pkgs[0].ID)

	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/packages", nil, &pkgs))
	assert.Len(t, pkgs, 2)
}

func TestManualAssign(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/organizations", strongOrgJSON("org-1"), nil))
	inactive := strongOrgJSON("org-off")
	inactive["membership_active"] = false
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/organizations", inactive, nil))
	ts.publishedPackage(t, "pkg-1")

	var errResp api.ErrorResponse
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/packages/pkg-1/assign",
		map[string]any{"organization_id": "org-off"}, &errResp))
	assert.Equal(t, "membership inactive", errResp.Details)

	var assigned api.PackageDTO
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/packages/pkg-1/assign",
		map[string]any{"organization_id": "org-1"}, &assigned))
	assert.Equal(t, "ASSIGNED", assigned.Status)
	assert.Equal(t, "org-1", assigned.AssignedOrgID)

	// Reject sends it back with the reason on the flow record
	var rejected api.PackageDTO
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/packages/pkg-1/reject",
		map[string]any{"reason": "conflict of interest"}, &rejected))
	assert.Equal(t, "PUBLISHED", rejected.Status)
	assert.Empty(t, rejected.AssignedOrgID)

	var page api.FlowPageDTO
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/flow?package_id=pkg-1&event=rejected", nil, &page))
	require.Equal(t, 1, page.Total)
	assert.Equal(t, "conflict of interest", page.Records[0].Description)
	assert.Equal(t, "alice", page.Records[0].ActorID)
}

func TestChangeStatusByTarget(t *testing.T) {
	// GIVEN: A package assigned by hand
	// WHEN: Moving it to PUBLISHED with a mismatched event, then with "return"
	// THEN: The mismatch is a 409 and nothing changes; the return commits

	ts := newTestServer(t)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/organizations", strongOrgJSON("org-1"), nil))
	ts.publishedPackage(t, "pkg-1")
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/packages/pkg-1/assign",
		map[string]any{"organization_id": "org-1"}, nil))

	var errResp api.ErrorResponse
	assert.Equal(t, http.StatusConflict, ts.do(t, http.MethodPost, "/api/packages/pkg-1/status",
		map[string]any{"status": "PUBLISHED", "event": "complete"}, &errResp))
	assert.Equal(t, api.CodeInvalidTransition, errResp.Code)

	var pkg api.PackageDTO
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/packages/pkg-1", nil, &pkg))
	assert.Equal(t, "ASSIGNED", pkg.Status)

	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/packages/pkg-1/status",
		map[string]any{"status": "published", "event": "return", "reason": "documents incomplete"}, &pkg))
	assert.Equal(t, "PUBLISHED", pkg.Status)
	assert.Empty(t, pkg.AssignedOrgID)

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/packages/pkg-1/status",
		map[string]any{"status": "ASSIGNED"}, &errResp))
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/packages/pkg-1/status",
		map[string]any{}, &errResp))
}

// =============================================================================
// ASSIGNMENT
// =============================================================================

func TestAutoAssignOverHTTP(t *testing.T) {
	// GIVEN: One strong organization, an amount rule with min 0.7, a 5M package
	// WHEN: Auto-assigning via the API
	// THEN: The package is ASSIGNED and the flow shows created, published, assigned

	ts := newTestServer(t)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/organizations", strongOrgJSON("org-1"), nil))
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/rules", map[string]any{
		"id":                  "r-amount",
		"name":                "Amount",
		"type":                "amount",
		"min_matching_score":  0.7,
		"target_amount_range": "1000000-10000000",
	}, nil))
	ts.publishedPackage(t, "pkg-1")

	var result api.AssignmentResultDTO
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/packages/pkg-1/auto-assign",
		map[string]any{"rule_id": "r-amount"}, &result))
	assert.True(t, result.Success, result.Reason)
	assert.Equal(t, "org-1", result.OrganizationID)
	assert.GreaterOrEqual(t, result.Score, 0.7)

	var pkg api.PackageDTO
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/packages/pkg-1", nil, &pkg))
	assert.Equal(t, "ASSIGNED", pkg.Status)

	var page api.FlowPageDTO
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/packages/pkg-1/flow", nil, &page))
	events := make([]string, len(page.Records))
	for i, rec := range page.Records {
		events[i] = rec.Event
		assert.Equal(t, "alice", rec.ActorID)
	}
	assert.ElementsMatch(t, []string{"created", "published", "assigned"}, events)

	var rule api.RuleDTO
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/rules/r-amount", nil, &rule))
	assert.Equal(t, int64(1), rule.UsageCount)
	assert.Equal(t, int64(1), rule.SuccessCount)
	assert.Equal(t, 1.0, rule.SuccessRate)

	// Assigning again is an invalid transition
	var errResp api.ErrorResponse
	assert.Equal(t, http.StatusConflict, ts.do(t, http.MethodPost, "/api/packages/pkg-1/auto-assign",
		map[string]any{"rule_id": "r-amount"}, &errResp))
	assert.Equal(t, api.CodeInvalidTransition, errResp.Code)
}

func TestAutoAssignBelowThresholdIsNotAnError(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/organizations", middlingOrgJSON("org-1"), nil))
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/rules", map[string]any{
		"id": "r-strict", "name": "Strict", "min_matching_score": 0.9,
	}, nil))
	ts.publishedPackage(t, "pkg-1")

	var result api.AssignmentResultDTO
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/packages/pkg-1/auto-assign",
		map[string]any{"rule_id": "r-strict"}, &result))
	assert.False(t, result.Success)
	assert.Equal(t, string(engine.FailureBelowThreshold), result.Failure)
	assert.Contains(t, result.Reason, "below minimum")
}

func TestAutoAssignRequestErrors(t *testing.T) {
	ts := newTestServer(t)
	ts.publishedPackage(t, "pkg-1")

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/packages/pkg-1/auto-assign", map[string]any{}, nil))

	var errResp api.ErrorResponse
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/api/packages/pkg-1/auto-assign",
		map[string]any{"rule_id": "nope"}, &errResp))
	assert.Equal(t, api.CodeNotFound, errResp.Code)
}

func TestRecommendationsAndAssessment(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/organizations", strongOrgJSON("org-1"), nil))
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/organizations", middlingOrgJSON("org-2"), nil))
	before := ts.publishedPackage(t, "pkg-1")

	var rec api.RecommendationDTO
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/packages/pkg-1/recommendations?limit=1&strategy=performance", nil, &rec))
	assert.Equal(t, "performance", rec.Strategy)
	require.Len(t, rec.Candidates, 1)
	assert.Equal(t, "org-1", rec.Candidates[0].OrganizationID)
	assert.Len(t, rec.Candidates[0].Scores, 5)

	var pkg api.PackageDTO
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/packages/pkg-1", nil, &pkg))
	assert.Equal(t, before.Version, pkg.Version, "recommendations are read-only")

	var a api.AssessmentDTO
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/assessments?organization_id=org-2&package_id=pkg-1", nil, &a))
	assert.True(t, a.Eligible)
	assert.Equal(t, "org-2", a.OrganizationID)

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/assessments?package_id=pkg-1", nil, nil))
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/packages/pkg-1/recommendations?limit=-1", nil, nil))
}

func TestBatchAssignOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/organizations", strongOrgJSON("org-1"), nil))
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/rules", map[string]any{"id": "r-1", "name": "Any"}, nil))
	ts.publishedPackage(t, "pkg-1")
	ts.publishedPackage(t, "pkg-2")

	var batch api.BatchResultDTO
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/assignments/batch",
		map[string]any{"package_ids": []string{"pkg-1", "missing"}}, &batch))
	assert.Equal(t, 2, batch.Total)
	assert.Equal(t, 1, batch.SuccessCount)
	assert.Equal(t, string(engine.FailureNotFound), batch.Results[1].Failure)

	// An empty list sweeps whatever is still PUBLISHED
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/assignments/batch", map[string]any{}, &batch))
	assert.Equal(t, 1, batch.Total)
	assert.Equal(t, "pkg-2", batch.Results[0].PackageID)
	assert.True(t, batch.Results[0].Success)
}

// =============================================================================
// RULES
// =============================================================================

func TestRuleCRUD(t *testing.T) {
	ts := newTestServer(t)

	var created api.RuleDTO
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/rules", map[string]any{
		"id": "r-1", "name": "Guangdong", "type": "region", "priority": 2, "target_regions": []string{"Guangdong"},
	}, &created))
	assert.Equal(t, int64(1), created.Version)
	require.NotNil(t, created.Enabled)
	assert.True(t, *created.Enabled)

	var errResp api.ErrorResponse
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/rules", map[string]any{
		"name": "Reversed", "target_amount_range": "100-10",
	}, &errResp))
	assert.Equal(t, api.CodeValidation, errResp.Code)

	assert.Equal(t, http.StatusConflict, ts.do(t, http.MethodPost, "/api/rules", map[string]any{"id": "r-1", "name": "Dup"}, &errResp))
	assert.Equal(t, api.CodeDuplicateID, errResp.Code)

	var updated api.RuleDTO
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPut, "/api/rules/r-1", map[string]any{
		"name": "Guangdong v2", "priority": 1, "version": 1,
	}, &updated))
	assert.Equal(t, "Guangdong v2", updated.Name)
	assert.Equal(t, int64(2), updated.Version)

	assert.Equal(t, http.StatusConflict, ts.do(t, http.MethodPut, "/api/rules/r-1", map[string]any{
		"name": "stale", "version": 1,
	}, &errResp))
	assert.Equal(t, api.CodeConcurrentModification, errResp.Code)

	var list []api.RuleDTO
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/rules", nil, &list))
	assert.Len(t, list, 1)

	assert.Equal(t, http.StatusNoContent, ts.do(t, http.MethodDelete, "/api/rules/r-1", nil, nil))
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/rules/r-1", nil, nil))
}

func TestRuleDryRun(t *testing.T) {
	// GIVEN: A Zhejiang-only rule and a Guangdong package
	// WHEN: Testing the rule
	// THEN: It does not match, and no counters change

	ts := newTestServer(t)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/organizations", strongOrgJSON("org-1"), nil))
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/rules", map[string]any{
		"id": "r-zj", "name": "Zhejiang", "target_regions": []string{"Zhejiang"},
	}, nil))
	ts.publishedPackage(t, "pkg-1")

	var res api.RuleTestDTO
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/rules/r-zj/test", map[string]any{"package_id": "pkg-1"}, &res))
	assert.False(t, res.Matched)
	assert.False(t, res.WouldApply)
	assert.NotEmpty(t, res.Reasons)
	assert.Equal(t, []string{"org-1"}, res.AllowedOrganizations)

	var rule api.RuleDTO
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/rules/r-zj", nil, &rule))
	assert.Zero(t, rule.UsageCount)
}

// =============================================================================
// REFERENCE DATA
// =============================================================================

func TestStrategiesAndStateMachine(t *testing.T) {
	ts := newTestServer(t)

	var strategies []api.StrategyDTO
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/strategies", nil, &strategies))
	names := make([]string, len(strategies))
	for i, s := range strategies {
		names[i] = s.Name
	}
	assert.Equal(t, []string{"intelligent", "performance", "geographic", "load_balanced"}, names)

	var sm api.StateMachineDTO
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/state-machine", nil, &sm))
	assert.Len(t, sm.Statuses, 7)
	assert.Len(t, sm.Transitions, len(engine.Transitions()))
	assert.ElementsMatch(t, []string{"COMPLETED", "CANCELLED"}, sm.Terminal)
}

func TestFlowQueryValidation(t *testing.T) {
	ts := newTestServer(t)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/flow?from=yesterday", nil, nil))
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet,
		"/api/flow?from=2025-06-02T00:00:00Z&to=2025-06-01T00:00:00Z", nil, nil))

	var page api.FlowPageDTO
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/flow?limit=10", nil, &page))
	assert.Equal(t, 0, page.Total)
	assert.Equal(t, 10, page.Limit)
}

// =============================================================================
// SCENARIOS & SCHEDULER
// =============================================================================

func TestLoadScenario(t *testing.T) {
	ts := newTestServer(t)

	var list []api.ScenarioDTO
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/scenarios", nil, &list))
	assert.Len(t, list, len(api.Scenarios()))

	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/scenarios/load",
		map[string]any{"scenario_id": "regional-network"}, nil))

	var current api.ScenarioDTO
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/scenarios/current", nil, &current))
	assert.Equal(t, "regional-network", current.ID)

	var published []api.PackageDTO
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/packages?status=PUBLISHED", nil, &published))
	assert.Len(t, published, 3)

	var drafts []api.PackageDTO
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/packages?status=DRAFT", nil, &drafts))
	require.Len(t, drafts, 1)
	assert.Equal(t, "pkg-draft", drafts[0].ID)

	var orgs []map[string]any
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/organizations", nil, &orgs))
	assert.Len(t, orgs, 4)

	// Loading another scenario replaces everything
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/scenarios/load",
		map[string]any{"scenario_id": "threshold-gate"}, nil))
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/organizations", nil, &orgs))
	assert.Len(t, orgs, 3)

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/scenarios/load",
		map[string]any{"scenario_id": "nope"}, nil))
}

func TestEveryScenarioLoads(t *testing.T) {
	for _, s := range api.Scenarios() {
		t.Run(s.ID, func(t *testing.T) {
			ts := newTestServer(t)
			require.NoError(t, ts.handler.LoadScenarioByID(context.Background(), s.ID))
		})
	}
}

func TestThresholdGateScenarioRejects(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.handler.LoadScenarioByID(context.Background(), "threshold-gate"))

	var result api.AssignmentResultDTO
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/packages/pkg-gated/auto-assign",
		map[string]any{"rule_id": "rule-strict"}, &result))
	assert.False(t, result.Success)
	assert.Equal(t, string(engine.FailureBelowThreshold), result.Failure)
}

func TestSchedulerSweepsPublishedPackages(t *testing.T) {
	// GIVEN: The batch backlog scenario
	// WHEN: The scheduler runs one sweep
	// THEN: Every published package is attempted as the system actor

	ts := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, ts.handler.LoadScenarioByID(ctx, "batch-backlog"))

	sched := api.NewAssignmentScheduler(ts.svc, nil)
	assert.Nil(t, sched.LastRun())

	run := sched.RunOnce(ctx)
	require.NoError(t, run.Err)
	assert.Equal(t, 8, run.Result.Total)
	assert.Equal(t, run.Result.Total, run.Result.SuccessCount+run.Result.FailedCount)

	pkg, err := ts.mem.GetPackage(ctx, "pkg-b01")
	require.NoError(t, err)
	assert.Equal(t, engine.StatusAssigned, pkg.Status)

	page, err := ts.mem.Query(ctx, engine.FlowFilter{PackageID: "pkg-b01", Events: []engine.FlowEvent{engine.FlowAssigned}})
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.True(t, page.Records[0].System)
	assert.Equal(t, engine.SystemActor.ID, page.Records[0].ActorID)

	require.NotNil(t, sched.LastRun())
	assert.Equal(t, 8, sched.LastRun().Result.Total)
}

func TestSchedulerStartStop(t *testing.T) {
	ts := newTestServer(t)
	sched := api.NewAssignmentScheduler(ts.svc, nil)
	sched.Enabled = false
	sched.Start()
	sched.Stop()
	assert.Nil(t, sched.LastRun())

	sched.Enabled = true
	sched.Start()
	sched.Stop()
	// Start runs one sweep immediately; Stop waits for it.
	assert.NotNil(t, sched.LastRun())
}
