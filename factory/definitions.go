/*
Package factory provides JSON to Go conversion for engine definitions.

PURPOSE:
  Converts JSON definitions of organizations, assignment rules and case
  packages into engine types, validating them on the way in. Operators
  can describe rules and demo data without code changes, and the API and
  the CLI share one wire shape.

JSON SCHEMA (rule):
  {
    "id": "large-amount",
    "name": "Large amounts",
    "type": "amount",
    "priority": 1,
    "enabled": true,
    "min_matching_score": 0.7,
    "strategy": "performance",
    "target_amount_range": "1000000-10000000",
    "target_regions": ["Guangdong"],
    "target_case_types": ["credit_card"],
    "include_org_ids": [],
    "exclude_org_ids": ["org-9"]
  }

JSON SCHEMA (bundle):
  {
    "organizations": [ ... ],
    "rules":         [ ... ],
    "packages":      [ ... ]
  }

KEY FEATURES:
  - Rules are checked with rules.Validate
  - Packages are checked with engine.ValidatePackage
  - Amounts travel as decimal strings
  - "enabled" and "membership_active" default to true when omitted

USAGE:
  f := factory.New()
  rule, err := f.ParseRule(jsonString)

  bundle, err := f.ParseBundle(data)
  for _, o := range bundle.Organizations { store.SaveOrganization(ctx, o) }

SEE ALSO:
  - rules/rules.go: Rule validation
  - api/scenarios.go: Demo bundles
*/
package factory

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/disposal-engine/engine"
	"github.com/warp/disposal-engine/rules"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// RuleJSON is the JSON representation of an assignment rule.
type RuleJSON struct {
	ID                string     `json:"id,omitempty"`
	Name              string     `json:"name"`
	Type              string     `json:"type,omitempty"` // auto, region, amount, manual
	Description       string     `json:"description,omitempty"`
	Priority          int        `json:"priority"`
	Enabled           *bool      `json:"enabled,omitempty"` // default true
	MinMatchingScore  float64    `json:"min_matching_score"`
	Strategy          string     `json:"strategy,omitempty"`
	TargetAmountRange string     `json:"target_amount_range,omitempty"`
	TargetRegions     []string   `json:"target_regions,omitempty"`
	TargetCaseTypes   []string   `json:"target_case_types,omitempty"`
	IncludeOrgIDs     []string   `json:"include_org_ids,omitempty"`
	ExcludeOrgIDs     []string   `json:"exclude_org_ids,omitempty"`
	UsageCount        int64      `json:"usage_count,omitempty"`
	SuccessCount      int64      `json:"success_count,omitempty"`
	LastUsedAt        *time.Time `json:"last_used_at,omitempty"`
	Version           int64      `json:"version,omitempty"`
}

// PackageJSON is the JSON representation of a case package.
type PackageJSON struct {
	ID            string   `json:"id,omitempty"`
	Name          string   `json:"name"`
	CaseCount     int      `json:"case_count"`
	TotalAmount   string   `json:"total_amount"`
	Status        string   `json:"status,omitempty"`
	SourceOrgID   string   `json:"source_org_id,omitempty"`
	AssignedOrgID string   `json:"assigned_org_id,omitempty"`
	Region        string   `json:"region,omitempty"`
	Description   string   `json:"description,omitempty"`
	CaseType      string   `json:"case_type,omitempty"`
	Urgent        bool     `json:"urgent,omitempty"`
	CaseIDs       []string `json:"case_ids,omitempty"`
	Version       int64    `json:"version,omitempty"`
}

// OrganizationJSON is the JSON representation of a disposal organization.
type OrganizationJSON struct {
	ID                string       `json:"id"`
	Name              string       `json:"name"`
	Type              string       `json:"type,omitempty"`
	Region            string       `json:"region,omitempty"`
	MonthlyCapacity   int          `json:"monthly_capacity"`
	CurrentLoad       float64      `json:"current_load"`
	MembershipActive  *bool        `json:"membership_active,omitempty"` // default true
	Contact           *ContactJSON `json:"contact,omitempty"`
	HistoricalCases   *int         `json:"historical_cases,omitempty"`
	MemberYears       *float64     `json:"member_years,omitempty"`
	RecoveryRate      *float64     `json:"recovery_rate,omitempty"`
	AvgProcessingDays *float64     `json:"avg_processing_days,omitempty"`
}

// ContactJSON represents organization contact details.
type ContactJSON struct {
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

// BundleJSON groups definitions loaded together.
type BundleJSON struct {
	Organizations []OrganizationJSON `json:"organizations,omitempty"`
	Rules         []RuleJSON         `json:"rules,omitempty"`
	Packages      []PackageJSON      `json:"packages,omitempty"`
}

// Bundle is a converted and validated BundleJSON.
type Bundle struct {
	Organizations []engine.Organization
	Rules         []engine.AssignmentRule
	Packages      []engine.CasePackage
}

// =============================================================================
// FACTORY
// =============================================================================

// Factory converts JSON definitions to engine types.
type Factory struct{}

// New creates a new factory.
func New() *Factory {
	return &Factory{}
}

// ParseRule parses a JSON string into a validated rule.
func (f *Factory) ParseRule(jsonStr string) (engine.AssignmentRule, error) {
	var rj RuleJSON
	if err := json.Unmarshal([]byte(jsonStr), &rj); err != nil {
		return engine.AssignmentRule{}, fmt.Errorf("failed to parse rule JSON: %w", err)
	}
	return f.RuleFromJSON(rj)
}

// RuleFromJSON converts and validates a rule. Statistics are not taken
// from the input.
func (f *Factory) RuleFromJSON(rj RuleJSON) (engine.AssignmentRule, error) {
	rule := engine.AssignmentRule{
		ID:                engine.RuleID(rj.ID),
		Name:              rj.Name,
		Type:              engine.RuleType(rj.Type),
		Description:       rj.Description,
		Priority:          rj.Priority,
		Enabled:           rj.Enabled == nil || *rj.Enabled,
		MinMatchingScore:  rj.MinMatchingScore,
		Strategy:          rj.Strategy,
		TargetAmountRange: rj.TargetAmountRange,
		TargetRegions:     rj.TargetRegions,
		TargetCaseTypes:   rj.TargetCaseTypes,
		IncludeOrgIDs:     orgIDs(rj.IncludeOrgIDs),
		ExcludeOrgIDs:     orgIDs(rj.ExcludeOrgIDs),
	}
	if err := rules.Validate(rule); err != nil {
		return engine.AssignmentRule{}, err
	}
	return rule, nil
}

// RuleToJSON converts a rule to its JSON form, statistics included.
func (f *Factory) RuleToJSON(r engine.AssignmentRule) RuleJSON {
	enabled := r.Enabled
	return RuleJSON{
		ID:                string(r.ID),
		Name:              r.Name,
		Type:              string(r.Type),
		Description:       r.Description,
		Priority:          r.Priority,
		Enabled:           &enabled,
		MinMatchingScore:  r.MinMatchingScore,
		Strategy:          r.Strategy,
		TargetAmountRange: r.TargetAmountRange,
		TargetRegions:     r.TargetRegions,
		TargetCaseTypes:   r.TargetCaseTypes,
		IncludeOrgIDs:     orgIDStrings(r.IncludeOrgIDs),
		ExcludeOrgIDs:     orgIDStrings(r.ExcludeOrgIDs),
		UsageCount:        r.UsageCount,
		SuccessCount:      r.SuccessCount,
		LastUsedAt:        r.LastUsedAt,
		Version:           r.Version,
	}
}

// PackageFromJSON converts and validates a new package. Status, assignment
// and version are owned by the lifecycle and ignored here.
func (f *Factory) PackageFromJSON(pj PackageJSON) (engine.CasePackage, error) {
	amount := decimal.Zero
	if pj.TotalAmount != "" {
		var err error
		amount, err = decimal.NewFromString(pj.TotalAmount)
		if err != nil {
			return engine.CasePackage{}, &engine.ValidationError{Field: "total_amount", Message: fmt.Sprintf("invalid decimal %q", pj.TotalAmount)}
		}
	}

	pkg := engine.CasePackage{
		ID:          engine.PackageID(pj.ID),
		Name:        pj.Name,
		CaseCount:   pj.CaseCount,
		TotalAmount: amount,
		SourceOrgID: engine.OrganizationID(pj.SourceOrgID),
		Region:      pj.Region,
		Description: pj.Description,
		CaseType:    pj.CaseType,
		Urgent:      pj.Urgent,
	}
	for _, c := range pj.CaseIDs {
		pkg.CaseIDs = append(pkg.CaseIDs, engine.CaseID(c))
	}
	if err := engine.ValidatePackage(pkg); err != nil {
		return engine.CasePackage{}, err
	}
	return pkg, nil
}

// PackageToJSON converts a package to its JSON form.
func (f *Factory) PackageToJSON(p engine.CasePackage) PackageJSON {
	pj := PackageJSON{
		ID:            string(p.ID),
		Name:          p.Name,
		CaseCount:     p.CaseCount,
		TotalAmount:   p.TotalAmount.String(),
		Status:        string(p.Status),
		SourceOrgID:   string(p.SourceOrgID),
		AssignedOrgID: string(p.AssignedOrgID),
		Region:        p.Region,
		Description:   p.Description,
		CaseType:      p.CaseType,
		Urgent:        p.Urgent,
		Version:       p.Version,
	}
	for _, c := range p.CaseIDs {
		pj.CaseIDs = append(pj.CaseIDs, string(c))
	}
	return pj
}

// OrganizationFromJSON converts and validates an organization.
func (f *Factory) OrganizationFromJSON(oj OrganizationJSON) (engine.Organization, error) {
	org := engine.Organization{
		ID:                engine.OrganizationID(oj.ID),
		Name:              oj.Name,
		Type:              engine.OrganizationType(oj.Type),
		Region:            oj.Region,
		MonthlyCapacity:   oj.MonthlyCapacity,
		CurrentLoad:       oj.CurrentLoad,
		MembershipActive:  oj.MembershipActive == nil || *oj.MembershipActive,
		HistoricalCases:   oj.HistoricalCases,
		MemberYears:       oj.MemberYears,
		RecoveryRate:      oj.RecoveryRate,
		AvgProcessingDays: oj.AvgProcessingDays,
	}
	if oj.Contact != nil {
		org.Contact = engine.Contact{Name: oj.Contact.Name, Phone: oj.Contact.Phone, Email: oj.Contact.Email}
	}
	if err := ValidateOrganization(org); err != nil {
		return engine.Organization{}, err
	}
	return org, nil
}

// OrganizationToJSON converts an organization to its JSON form.
func (f *Factory) OrganizationToJSON(o engine.Organization) OrganizationJSON {
	active := o.MembershipActive
	oj := OrganizationJSON{
		ID:                string(o.ID),
		Name:              o.Name,
		Type:              string(o.Type),
		Region:            o.Region,
		MonthlyCapacity:   o.MonthlyCapacity,
		CurrentLoad:       o.CurrentLoad,
		MembershipActive:  &active,
		HistoricalCases:   o.HistoricalCases,
		MemberYears:       o.MemberYears,
		RecoveryRate:      o.RecoveryRate,
		AvgProcessingDays: o.AvgProcessingDays,
	}
	if o.Contact != (engine.Contact{}) {
		oj.Contact = &ContactJSON{Name: o.Contact.Name, Phone: o.Contact.Phone, Email: o.Contact.Email}
	}
	return oj
}

// ValidateOrganization checks ranges on the fields scoring reads.
func ValidateOrganization(o engine.Organization) error {
	switch {
	case o.ID == "":
		return &engine.ValidationError{Field: "id", Message: "is required"}
	case o.Name == "":
		return &engine.ValidationError{Field: "name", Message: "is required"}
	case o.MonthlyCapacity < 0:
		return &engine.ValidationError{Field: "monthly_capacity", Message: "must not be negative"}
	case o.CurrentLoad < 0:
		return &engine.ValidationError{Field: "current_load", Message: "must not be negative"}
	case o.HistoricalCases != nil && *o.HistoricalCases < 0:
		return &engine.ValidationError{Field: "historical_cases", Message: "must not be negative"}
	case o.MemberYears != nil && *o.MemberYears < 0:
		return &engine.ValidationError{Field: "member_years", Message: "must not be negative"}
	case o.RecoveryRate != nil && (*o.RecoveryRate < 0 || *o.RecoveryRate > 1):
		return &engine.ValidationError{Field: "recovery_rate", Message: "must be within [0,1]"}
	case o.AvgProcessingDays != nil && *o.AvgProcessingDays < 0:
		return &engine.ValidationError{Field: "avg_processing_days", Message: "must not be negative"}
	}
	return nil
}

// =============================================================================
// BUNDLES
// =============================================================================

// ParseBundle parses and validates a bundle. The first invalid entry fails
// the whole bundle.
func (f *Factory) ParseBundle(data []byte) (Bundle, error) {
	var bj BundleJSON
	if err := json.Unmarshal(data, &bj); err != nil {
		return Bundle{}, fmt.Errorf("failed to parse bundle JSON: %w", err)
	}

	var b Bundle
	for i, oj := range bj.Organizations {
		o, err := f.OrganizationFromJSON(oj)
		if err != nil {
			return Bundle{}, fmt.Errorf("organizations[%d]: %w", i, err)
		}
		b.Organizations = append(b.Organizations, o)
	}
	for i, rj := range bj.Rules {
		r, err := f.RuleFromJSON(rj)
		if err != nil {
			return Bundle{}, fmt.Errorf("rules[%d]: %w", i, err)
		}
		b.Rules = append(b.Rules, r)
	}
	for i, pj := range bj.Packages {
		p, err := f.PackageFromJSON(pj)
		if err != nil {
			return Bundle{}, fmt.Errorf("packages[%d]: %w", i, err)
		}
		b.Packages = append(b.Packages, p)
	}
	return b, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func orgIDs(ss []string) []engine.OrganizationID {
	if ss == nil {
		return nil
	}
	out := make([]engine.OrganizationID, len(ss))
	for i, s := range ss {
		out[i] = engine.OrganizationID(s)
	}
	return out
}

func orgIDStrings(ids []engine.OrganizationID) []string {
	if ids == nil {
		return nil
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
