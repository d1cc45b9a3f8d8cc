/*
Package engine provides the core types and contracts of the disposal assignment engine.

PURPOSE:
  This package holds everything the rest of the system agrees on: the case
  package and organization model, assignment rules, the transient candidate
  and result types produced by strategies and the workflow, the status state
  machine, the flow (audit) log contract and the lifecycle service that is the
  only code allowed to change a package's status.

KEY CONCEPTS IN THIS FILE (types.go):
  - CasePackage: A bundle of delinquent-debt cases disposed as one unit
  - Organization: An external law firm or collection agency
  - AssignmentRule: A named, conditionally applicable assignment policy
  - AssignmentCandidate / MatchingAssessment: Strategy output
  - AssignmentResult / BatchResult: Workflow output
  - Actor: Who performed an operation (passed explicitly, never looked up)

DESIGN PRINCIPLES:
  1. Precision: Monetary amounts use decimal.Decimal
  2. Optimistic concurrency: Packages and rules carry a Version counter
  3. Explicit actors: Every mutation names its actor
  4. Auditability: Every committed transition writes exactly one FlowRecord

SEE ALSO:
  - statemachine.go: Legal status transitions
  - lifecycle.go: Status mutations
  - store.go: Persistence contracts
*/
package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type PackageID string
type OrganizationID string
type RuleID string
type CaseID string
type FlowRecordID string

// =============================================================================
// CASE PACKAGE
// =============================================================================

// CasePackage is a bundle of delinquent-debt cases handled as one disposal unit.
type CasePackage struct {
	ID          PackageID
	Name        string
	CaseCount   int
	TotalAmount decimal.Decimal
	Status      Status

	SourceOrgID   OrganizationID
	AssignedOrgID OrganizationID // empty until assigned

	// Region is free text of the form "Province/City". Description may also
	// carry location hints but is never parsed for matching.
	Region      string
	Description string
	CaseType    string
	Urgent      bool

	// CaseIDs lists the individual cases bundled in this package, if known.
	CaseIDs []CaseID

	// Version is bumped on every successful save. Writers must present the
	// version they loaded.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsAssigned reports whether the package currently has a disposal organization.
func (p CasePackage) IsAssigned() bool { return p.AssignedOrgID != "" }

// HasCase reports whether the case belongs to this package.
func (p CasePackage) HasCase(id CaseID) bool {
	for _, c := range p.CaseIDs {
		if c == id {
			return true
		}
	}
	return false
}

// =============================================================================
// ORGANIZATION
// =============================================================================

type OrganizationType string

const (
	OrgLawFirm          OrganizationType = "law_firm"
	OrgCollectionAgency OrganizationType = "collection_agency"
)

// Contact is how the organization is reached.
type Contact struct {
	Name  string
	Phone string
	Email string
}

// Organization is an external disposal organization. The engine mostly reads
// organizations; CurrentLoad may change as a side effect of assignment.
type Organization struct {
	ID               OrganizationID
	Name             string
	Type             OrganizationType
	Region           string
	MonthlyCapacity  int     // cases per month, 0 = unknown
	CurrentLoad      float64 // percentage, 100 = full
	MembershipActive bool
	Contact          Contact

	// History. Nil means unknown; scoring substitutes neutral defaults.
	HistoricalCases   *int
	MemberYears       *float64
	RecoveryRate      *float64 // 0..1
	AvgProcessingDays *float64
}

// =============================================================================
// ASSIGNMENT RULE
// =============================================================================

type RuleType string

const (
	RuleAuto   RuleType = "auto"
	RuleRegion RuleType = "region"
	RuleAmount RuleType = "amount"
	RuleManual RuleType = "manual"
)

// AssignmentRule is a named policy governing automatic assignment eligibility
// and the minimum score a candidate needs.
type AssignmentRule struct {
	ID          RuleID
	Name        string
	Type        RuleType
	Description string

	// Priority orders automatic evaluation: lower is evaluated first.
	Priority int
	Enabled  bool

	// MinMatchingScore is on the same [0,1] scale as candidate scores.
	MinMatchingScore float64

	// Strategy optionally pins a strategy by name. Empty means infer.
	Strategy string

	// Declarative conditions. Empty values impose no constraint.
	TargetAmountRange string // "min-max"
	TargetRegions     []string
	TargetCaseTypes   []string
	IncludeOrgIDs     []OrganizationID
	ExcludeOrgIDs     []OrganizationID

	// Statistics. UsageCount >= SuccessCount >= 0.
	UsageCount   int64
	SuccessCount int64
	LastUsedAt   *time.Time

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RecordAttempt counts one assignment attempt against the rule.
func (r *AssignmentRule) RecordAttempt(at time.Time) {
	r.UsageCount++
	r.LastUsedAt = &at
}

// RecordSuccess counts one committed assignment. A success without a prior
// attempt is also counted as an attempt so usage never trails success.
func (r *AssignmentRule) RecordSuccess() {
	r.SuccessCount++
	if r.UsageCount < r.SuccessCount {
		r.UsageCount = r.SuccessCount
	}
}

// SuccessRate is SuccessCount/UsageCount, 0 when unused.
func (r AssignmentRule) SuccessRate() float64 {
	if r.UsageCount == 0 {
		return 0
	}
	return float64(r.SuccessCount) / float64(r.UsageCount)
}

// =============================================================================
// SCORING OUTPUT
// =============================================================================

// Dimension names one normalized sub-score.
type Dimension string

const (
	DimGeographic   Dimension = "geographic"
	DimCapacity     Dimension = "capacity"
	DimExperience   Dimension = "experience"
	DimPerformance  Dimension = "performance"
	DimAvailability Dimension = "availability"
)

// Dimensions lists every dimension in display order.
var Dimensions = []Dimension{DimGeographic, DimCapacity, DimExperience, DimPerformance, DimAvailability}

// AssignmentCandidate is one ranked organization for a package.
type AssignmentCandidate struct {
	OrganizationID   OrganizationID
	OrganizationName string
	Score            float64
	Scores           map[Dimension]float64
	Rank             int
	Strengths        []string
	Weaknesses       []string
	Recommendation   string
}

// MatchingAssessment is the detailed breakdown for one organization.
type MatchingAssessment struct {
	AssignmentCandidate
	PackageID        PackageID
	Strategy         string
	Eligible         bool
	IneligibleReason string
}

// =============================================================================
// WORKFLOW OUTPUT
// =============================================================================

// FailureKind classifies an unsuccessful assignment.
type FailureKind string

const (
	FailureNone                   FailureKind = ""
	FailureNotFound               FailureKind = "not_found"
	FailureRuleMismatch           FailureKind = "rule_mismatch"
	FailureNoEligibleCandidate    FailureKind = "no_eligible_candidate"
	FailureBelowThreshold         FailureKind = "below_threshold"
	FailureConcurrentModification FailureKind = "concurrent_modification"
	FailureInvalidTransition      FailureKind = "invalid_transition"
	FailureInternal               FailureKind = "internal"
)

// AssignmentResult describes the outcome of one assignment attempt.
type AssignmentResult struct {
	PackageID        PackageID
	Success          bool
	OrganizationID   OrganizationID
	OrganizationName string
	Score            float64
	Strategy         string
	RuleID           RuleID
	Reason           string
	Failure          FailureKind
}

// BatchResult aggregates a batch run. Results keep the input order.
type BatchResult struct {
	Total        int
	SuccessCount int
	FailedCount  int
	SuccessRate  float64
	Summary      string
	Results      []AssignmentResult
}

// =============================================================================
// ACTOR
// =============================================================================

// Actor identifies who performed an operation.
type Actor struct {
	ID     string
	Name   string
	System bool
}

// SystemActor is used by scheduled and automatic operations.
var SystemActor = Actor{ID: "system", Name: "System", System: true}
