/*
Package rules evaluates assignment rules against case packages.

PURPOSE:
  An AssignmentRule carries declarative conditions. This package decides
  whether a rule applies to a package, which organizations the rule allows,
  and whether a rule is well-formed enough to be saved.

CRITERIA:
  amount:    "min-max" inclusive. Absent or malformed at evaluation time
             means no amount constraint; the reason notes it.
  region:    Package region equals a target, or its province equals a
             province-only target. Case-insensitive.
  case_type: Case-insensitive set membership.
  Empty lists impose no constraint.

ORGANIZATION FILTER:
  Exclude wins over include. An empty include list allows everyone not
  excluded.

EVALUATION vs SAVE:
  Match never rejects a rule for being malformed. Validate does, and is
  called before a rule is stored, so malformed ranges only reach Match
  through data written by other means.

SEE ALSO:
  - assignment/: Calls SelectRule and Match before ranking
*/
package rules

import (
	"fmt"
	"sort"
	"strings"

	"github.com/warp/disposal-engine/engine"
	"github.com/warp/disposal-engine/scoring"
	"github.com/warp/disposal-engine/strategy"
)

// Criterion names.
const (
	CriterionAmount   = "amount"
	CriterionRegion   = "region"
	CriterionCaseType = "case_type"
)

// Criterion is the outcome of one condition.
type Criterion struct {
	Name    string
	Matched bool
	Detail  string
}

// Verdict is the outcome of evaluating a rule against a package.
type Verdict struct {
	Matched  bool
	Reasons  []string
	Criteria []Criterion
}

// Match evaluates the rule's conditions against pkg. It ignores Enabled;
// callers that run rules automatically check that themselves.
func Match(rule engine.AssignmentRule, pkg engine.CasePackage) Verdict {
	criteria := []Criterion{
		matchAmount(rule, pkg),
		matchRegion(rule, pkg),
		matchCaseType(rule, pkg),
	}

	v := Verdict{Matched: true, Criteria: criteria}
	for _, c := range criteria {
		if !c.Matched {
			v.Matched = false
		}
	}
	for _, c := range criteria {
		if v.Matched || !c.Matched {
			v.Reasons = append(v.Reasons, c.Detail)
		}
	}
	return v
}

func matchAmount(rule engine.AssignmentRule, pkg engine.CasePackage) Criterion {
	c := Criterion{Name: CriterionAmount, Matched: true}
	if strings.TrimSpace(rule.TargetAmountRange) == "" {
		c.Detail = "no amount constraint"
		return c
	}
	r, err := ParseAmountRange(rule.TargetAmountRange)
	if err != nil {
		c.Detail = fmt.Sprintf("amount range %q malformed, not applied", rule.TargetAmountRange)
		return c
	}
	c.Matched = r.Contains(pkg.TotalAmount)
	if c.Matched {
		c.Detail = fmt.Sprintf("amount %s within %s", pkg.TotalAmount.String(), r)
	} else {
		c.Detail = fmt.Sprintf("amount %s outside %s", pkg.TotalAmount.String(), r)
	}
	return c
}

func matchRegion(rule engine.AssignmentRule, pkg engine.CasePackage) Criterion {
	c := Criterion{Name: CriterionRegion, Matched: true}
	if len(rule.TargetRegions) == 0 {
		c.Detail = "no region constraint"
		return c
	}
	region := scoring.ParseRegion(pkg.Region)
	for _, target := range rule.TargetRegions {
		if region.Matches(scoring.ParseRegion(target)) {
			c.Detail = fmt.Sprintf("region %q matches %q", pkg.Region, target)
			return c
		}
	}
	c.Matched = false
	c.Detail = fmt.Sprintf("region %q not in %s", pkg.Region, strings.Join(rule.TargetRegions, ", "))
	return c
}

func matchCaseType(rule engine.AssignmentRule, pkg engine.CasePackage) Criterion {
	c := Criterion{Name: CriterionCaseType, Matched: true}
	if len(rule.TargetCaseTypes) == 0 {
		c.Detail = "no case type constraint"
		return c
	}
	for _, ct := range rule.TargetCaseTypes {
		if strings.EqualFold(strings.TrimSpace(ct), strings.TrimSpace(pkg.CaseType)) {
			c.Detail = fmt.Sprintf("case type %q allowed", pkg.CaseType)
			return c
		}
	}
	c.Matched = false
	c.Detail = fmt.Sprintf("case type %q not in %s", pkg.CaseType, strings.Join(rule.TargetCaseTypes, ", "))
	return c
}

// =============================================================================
// ORGANIZATION FILTER
// =============================================================================

// Allows reports whether the rule's include/exclude lists admit id.
func Allows(rule engine.AssignmentRule, id engine.OrganizationID) bool {
	for _, ex := range rule.ExcludeOrgIDs {
		if ex == id {
			return false
		}
	}
	if len(rule.IncludeOrgIDs) == 0 {
		return true
	}
	for _, in := range rule.IncludeOrgIDs {
		if in == id {
			return true
		}
	}
	return false
}

// FilterOrganizations keeps the organizations the rule allows, in input order.
func FilterOrganizations(rule engine.AssignmentRule, orgs []engine.Organization) []engine.Organization {
	out := make([]engine.Organization, 0, len(orgs))
	for _, o := range orgs {
		if Allows(rule, o.ID) {
			out = append(out, o)
		}
	}
	return out
}

// =============================================================================
// DIAGNOSTICS
// =============================================================================

// TestResult is the side-effect-free diagnostic for one rule and package.
type TestResult struct {
	RuleID               engine.RuleID
	PackageID            engine.PackageID
	Enabled              bool
	Verdict              Verdict
	AllowedOrganizations []engine.OrganizationID

	// WouldApply is true when automatic evaluation would pick this rule up:
	// enabled and matched.
	WouldApply bool
}

// Test evaluates the rule regardless of Enabled and lists the allowed
// organizations. No counters change.
func Test(rule engine.AssignmentRule, pkg engine.CasePackage, orgs []engine.Organization) TestResult {
	v := Match(rule, pkg)
	allowed := []engine.OrganizationID{}
	for _, o := range FilterOrganizations(rule, orgs) {
		allowed = append(allowed, o.ID)
	}
	return TestResult{
		RuleID:               rule.ID,
		PackageID:            pkg.ID,
		Enabled:              rule.Enabled,
		Verdict:              v,
		AllowedOrganizations: allowed,
		WouldApply:           rule.Enabled && v.Matched,
	}
}

// SelectRule returns the first enabled rule, by priority then id, that
// matches pkg.
func SelectRule(rs []engine.AssignmentRule, pkg engine.CasePackage) (engine.AssignmentRule, bool) {
	ordered := append([]engine.AssignmentRule(nil), rs...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority < ordered[j].Priority
		}
		return ordered[i].ID < ordered[j].ID
	})
	for _, r := range ordered {
		if r.Enabled && Match(r, pkg).Matched {
			return r, true
		}
	}
	return engine.AssignmentRule{}, false
}

// =============================================================================
// VALIDATION
// =============================================================================

var knownTypes = map[engine.RuleType]bool{
	engine.RuleAuto:   true,
	engine.RuleRegion: true,
	engine.RuleAmount: true,
	engine.RuleManual: true,
}

// Validate checks a rule before it is saved. Single-bound, reversed and
// otherwise malformed amount ranges are rejected here.
func Validate(rule engine.AssignmentRule) error {
	if strings.TrimSpace(rule.Name) == "" {
		return &engine.ValidationError{Field: "name", Message: "is required"}
	}
	if rule.Type != "" && !knownTypes[rule.Type] {
		return &engine.ValidationError{Field: "type", Message: fmt.Sprintf("unknown rule type %q", rule.Type)}
	}
	if rule.MinMatchingScore < 0 || rule.MinMatchingScore > 1 {
		return &engine.ValidationError{Field: "min_matching_score", Message: "must be within [0,1]"}
	}
	if rule.Priority < 0 {
		return &engine.ValidationError{Field: "priority", Message: "must not be negative"}
	}
	if strings.TrimSpace(rule.TargetAmountRange) != "" {
		if _, err := ParseAmountRange(rule.TargetAmountRange); err != nil {
			return &engine.ValidationError{Field: "target_amount_range", Message: err.Error()}
		}
	}
	if rule.Strategy != "" && !strategy.IsKnown(rule.Strategy) {
		return &engine.ValidationError{Field: "strategy", Message: fmt.Sprintf("unknown strategy %q", rule.Strategy)}
	}
	for _, r := range rule.TargetRegions {
		if strings.TrimSpace(r) == "" {
			return &engine.ValidationError{Field: "target_regions", Message: "contains an empty entry"}
		}
	}
	for _, id := range rule.IncludeOrgIDs {
		if id == "" {
			return &engine.ValidationError{Field: "include_org_ids", Message: "contains an empty entry"}
		}
	}
	for _, id := range rule.ExcludeOrgIDs {
		if id == "" {
			return &engine.ValidationError{Field: "exclude_org_ids", Message: "contains an empty entry"}
		}
	}
	return nil
}
