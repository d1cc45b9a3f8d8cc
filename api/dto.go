/*
dto.go - Data Transfer Objects for the REST API

PURPOSE:
  Defines the JSON shapes for API requests and responses. DTOs decouple
  the API contract from internal engine types, allowing independent
  evolution.

CONVERSION:
  Packages, rules and organizations reuse the factory JSON types so the
  API, demo bundles and CLI share one wire format. Everything else is
  converted by the to*DTO helpers at the bottom of this file.

JSON CONVENTIONS:
  - snake_case field names
  - Timestamps as RFC3339
  - Money as decimal strings ("1250000.50"), never floats
  - Scores as floats in [0,1], rounded to 4 places by the strategy

SEE ALSO:
  - handlers.go: Uses these types
  - factory/definitions.go: Shared JSON types
*/
package api

import (
	"time"

	"github.com/warp/disposal-engine/engine"
	"github.com/warp/disposal-engine/factory"
	"github.com/warp/disposal-engine/rules"
	"github.com/warp/disposal-engine/strategy"
)

// =============================================================================
// PACKAGE DTOs
// =============================================================================

// PackageDTO represents a case package in API responses.
type PackageDTO struct {
	factory.PackageJSON
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NextStatusesDTO lists where a package can go from its current status.
type NextStatusesDTO struct {
	PackageID    string   `json:"package_id"`
	Status       string   `json:"status"`
	NextStatuses []string `json:"next_statuses"`
	Terminal     bool     `json:"terminal"`
}

// TransitionRequest is the optional body of a status transition.
type TransitionRequest struct {
	Reason string `json:"reason,omitempty"`
}

// StatusChangeRequest moves a package to a target status. Event is needed
// only when more than one edge leads there (reject vs return).
type StatusChangeRequest struct {
	Status string `json:"status"`
	Event  string `json:"event,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ManualAssignRequest assigns a published package to a chosen organization.
type ManualAssignRequest struct {
	OrganizationID string `json:"organization_id"`
	Reason         string `json:"reason,omitempty"`
}

// =============================================================================
// ASSIGNMENT DTOs
// =============================================================================

// CandidateDTO is one ranked organization.
type CandidateDTO struct {
	OrganizationID   string             `json:"organization_id"`
	OrganizationName string             `json:"organization_name"`
	Score            float64            `json:"score"`
	Scores           map[string]float64 `json:"scores"`
	Rank             int                `json:"rank,omitempty"`
	Strengths        []string           `json:"strengths"`
	Weaknesses       []string           `json:"weaknesses"`
	Recommendation   string             `json:"recommendation"`
}

// RecommendationDTO is a read-only ranking for one package.
type RecommendationDTO struct {
	PackageID  string         `json:"package_id"`
	Strategy   string         `json:"strategy"`
	Fallback   bool           `json:"fallback"`
	Reason     string         `json:"reason"`
	Candidates []CandidateDTO `json:"candidates"`
}

// AssessmentDTO explains how one organization scores for one package.
type AssessmentDTO struct {
	CandidateDTO
	PackageID        string `json:"package_id"`
	Strategy         string `json:"strategy"`
	Eligible         bool   `json:"eligible"`
	IneligibleReason string `json:"ineligible_reason,omitempty"`
}

// AutoAssignRequest names the rule governing an automatic assignment.
type AutoAssignRequest struct {
	RuleID string `json:"rule_id"`
}

// BatchAssignRequest assigns many packages at once. An empty id list
// sweeps every PUBLISHED package.
type BatchAssignRequest struct {
	PackageIDs []string `json:"package_ids"`
	Strategy   string   `json:"strategy,omitempty"`
}

// AssignmentResultDTO is the outcome of one assignment attempt.
type AssignmentResultDTO struct {
	PackageID        string  `json:"package_id"`
	Success          bool    `json:"success"`
	OrganizationID   string  `json:"organization_id,omitempty"`
	OrganizationName string  `json:"organization_name,omitempty"`
	Score            float64 `json:"score"`
	Strategy         string  `json:"strategy,omitempty"`
	RuleID           string  `json:"rule_id,omitempty"`
	Reason           string  `json:"reason,omitempty"`
	Failure          string  `json:"failure,omitempty"`
}

// BatchResultDTO aggregates a batch run.
type BatchResultDTO struct {
	Total        int                   `json:"total"`
	SuccessCount int                   `json:"success_count"`
	FailedCount  int                   `json:"failed_count"`
	SuccessRate  float64               `json:"success_rate"`
	Summary      string                `json:"summary"`
	Results      []AssignmentResultDTO `json:"results"`
}

// =============================================================================
// RULE DTOs
// =============================================================================

// RuleDTO represents an assignment rule with its statistics.
type RuleDTO struct {
	factory.RuleJSON
	SuccessRate float64   `json:"success_rate"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RuleTestRequest names the package a rule is tested against.
type RuleTestRequest struct {
	PackageID string `json:"package_id"`
}

// CriterionDTO is one evaluated rule condition.
type CriterionDTO struct {
	Name    string `json:"name"`
	Matched bool   `json:"matched"`
	Detail  string `json:"detail"`
}

// RuleTestDTO is the dry-run diagnostic for a rule and a package.
type RuleTestDTO struct {
	RuleID               string         `json:"rule_id"`
	PackageID            string         `json:"package_id"`
	Enabled              bool           `json:"enabled"`
	Matched              bool           `json:"matched"`
	WouldApply           bool           `json:"would_apply"`
	Reasons              []string       `json:"reasons"`
	Criteria             []CriterionDTO `json:"criteria"`
	AllowedOrganizations []string       `json:"allowed_organizations"`
}

// =============================================================================
// FLOW DTOs
// =============================================================================

// FlowRecordDTO is one audit entry.
type FlowRecordDTO struct {
	ID             string    `json:"id"`
	PackageID      string    `json:"package_id"`
	CaseID         string    `json:"case_id,omitempty"`
	OrganizationID string    `json:"organization_id,omitempty"`
	Event          string    `json:"event"`
	OccurredAt     time.Time `json:"occurred_at"`
	ActorID        string    `json:"actor_id"`
	ActorName      string    `json:"actor_name,omitempty"`
	FromStatus     string    `json:"from_status,omitempty"`
	ToStatus       string    `json:"to_status,omitempty"`
	Amount         *string   `json:"amount,omitempty"`
	Description    string    `json:"description"`
	System         bool      `json:"system"`
}

// FlowPageDTO is one page of flow records.
type FlowPageDTO struct {
	Records []FlowRecordDTO `json:"records"`
	Total   int             `json:"total"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
}

// =============================================================================
// REFERENCE DTOs
// =============================================================================

// StrategyDTO describes one strategy and its normalized weights.
type StrategyDTO struct {
	Name    string           `json:"name"`
	Weights strategy.Weights `json:"weights"`
}

// TransitionDTO is one edge of the status graph.
type TransitionDTO struct {
	From  string `json:"from"`
	Event string `json:"event"`
	To    string `json:"to"`
}

// StateMachineDTO describes the full status graph.
type StateMachineDTO struct {
	Statuses    []string        `json:"statuses"`
	Terminal    []string        `json:"terminal"`
	Transitions []TransitionDTO `json:"transitions"`
}

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest selects a scenario to load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toPackageDTO(f *factory.Factory, p engine.CasePackage) PackageDTO {
	return PackageDTO{
		PackageJSON: f.PackageToJSON(p),
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

func toRuleDTO(f *factory.Factory, r engine.AssignmentRule) RuleDTO {
	return RuleDTO{
		RuleJSON:    f.RuleToJSON(r),
		SuccessRate: r.SuccessRate(),
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

func toCandidateDTO(c engine.AssignmentCandidate) CandidateDTO {
	scores := make(map[string]float64, len(c.Scores))
	for d, v := range c.Scores {
		scores[string(d)] = v
	}
	return CandidateDTO{
		OrganizationID:   string(c.OrganizationID),
		OrganizationName: c.OrganizationName,
		Score:            c.Score,
		Scores:           scores,
		Rank:             c.Rank,
		Strengths:        nonNil(c.Strengths),
		Weaknesses:       nonNil(c.Weaknesses),
		Recommendation:   c.Recommendation,
	}
}

func toAssessmentDTO(a engine.MatchingAssessment) AssessmentDTO {
	return AssessmentDTO{
		CandidateDTO:     toCandidateDTO(a.AssignmentCandidate),
		PackageID:        string(a.PackageID),
		Strategy:         a.Strategy,
		Eligible:         a.Eligible,
		IneligibleReason: a.IneligibleReason,
	}
}

func toResultDTO(r engine.AssignmentResult) AssignmentResultDTO {
	return AssignmentResultDTO{
		PackageID:        string(r.PackageID),
		Success:          r.Success,
		OrganizationID:   string(r.OrganizationID),
		OrganizationName: r.OrganizationName,
		Score:            r.Score,
		Strategy:         r.Strategy,
		RuleID:           string(r.RuleID),
		Reason:           r.Reason,
		Failure:          string(r.Failure),
	}
}

func toBatchDTO(b engine.BatchResult) BatchResultDTO {
	out := BatchResultDTO{
		Total:        b.Total,
		SuccessCount: b.SuccessCount,
		FailedCount:  b.FailedCount,
		SuccessRate:  b.SuccessRate,
		Summary:      b.Summary,
		Results:      make([]AssignmentResultDTO, len(b.Results)),
	}
	for i, r := range b.Results {
		out.Results[i] = toResultDTO(r)
	}
	return out
}

func toRuleTestDTO(t rules.TestResult) RuleTestDTO {
	out := RuleTestDTO{
		RuleID:               string(t.RuleID),
		PackageID:            string(t.PackageID),
		Enabled:              t.Enabled,
		Matched:              t.Verdict.Matched,
		WouldApply:           t.WouldApply,
		Reasons:              nonNil(t.Verdict.Reasons),
		Criteria:             make([]CriterionDTO, len(t.Verdict.Criteria)),
		AllowedOrganizations: make([]string, len(t.AllowedOrganizations)),
	}
	for i, c := range t.Verdict.Criteria {
		out.Criteria[i] = CriterionDTO{Name: c.Name, Matched: c.Matched, Detail: c.Detail}
	}
	for i, id := range t.AllowedOrganizations {
		out.AllowedOrganizations[i] = string(id)
	}
	return out
}

func toFlowRecordDTO(rec engine.FlowRecord) FlowRecordDTO {
	dto := FlowRecordDTO{
		ID:             string(rec.ID),
		PackageID:      string(rec.PackageID),
		CaseID:         string(rec.CaseID),
		OrganizationID: string(rec.OrganizationID),
		Event:          string(rec.Event),
		OccurredAt:     rec.OccurredAt,
		ActorID:        rec.ActorID,
		ActorName:      rec.ActorName,
		FromStatus:     string(rec.FromStatus),
		ToStatus:       string(rec.ToStatus),
		Description:    rec.Description,
		System:         rec.System,
	}
	if rec.Amount != nil {
		s := rec.Amount.String()
		dto.Amount = &s
	}
	return dto
}

func toFlowPageDTO(p engine.FlowPage) FlowPageDTO {
	out := FlowPageDTO{
		Records: make([]FlowRecordDTO, len(p.Records)),
		Total:   p.Total,
		Limit:   p.Limit,
		Offset:  p.Offset,
	}
	for i, rec := range p.Records {
		out.Records[i] = toFlowRecordDTO(rec)
	}
	return out
}

func statusStrings(ss []engine.Status) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}

func nonNil(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}
