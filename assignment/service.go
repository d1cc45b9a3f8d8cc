/*
Package assignment turns ranked candidates into committed, audited assignments.

PURPOSE:
  Orchestrates the automatic assignment workflow on top of the rule engine,
  the strategies and the package lifecycle.

AUTO-ASSIGN FLOW:
  ┌─────────────────────────────────────────────────────────────────────┐
  │                                                                     │
  │  load pkg+rule ──▶ assign edge? ──▶ usage++ ──▶ rule matches?        │
  │       │               │ no            (CAS)        │ no             │
  │   NotFound     InvalidTransition             RuleMismatch           │
  │                                                    │ yes            │
  │                                                    ▼                │
  │  select strategy ──▶ filter orgs ──▶ rank ──▶ top >= min score?     │
  │                          │ none                    │ no             │
  │                 NoEligibleCandidate          BelowThreshold         │
  │                                                    │ yes            │
  │                                                    ▼                │
  │          Lifecycle.Assign (version CAS + flow record) ──▶ success++ │
  │                     │ conflict                                      │
  │            ConcurrentModification                                   │
  └─────────────────────────────────────────────────────────────────────┘

RESULTS vs ERRORS:
  Business rejections (RuleMismatch, NoEligibleCandidate, BelowThreshold)
  return a result with Success=false and a nil error, and append an
  assignment_failed flow record. NotFound, InvalidTransition and
  ConcurrentModification return the typed error together with a result
  carrying the matching Failure kind.

COUNTERS:
  Rule usage and success counters change through read-modify-CAS with a
  bounded retry so concurrent assignments never lose increments.

SEE ALSO:
  - batch.go: Batch assignment and the scheduled sweep
  - recommend.go: Read-only ranking and assessment
*/
package assignment

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/warp/disposal-engine/engine"
	"github.com/warp/disposal-engine/rules"
	"github.com/warp/disposal-engine/scoring"
	"github.com/warp/disposal-engine/strategy"
)

// MaxCounterRetries bounds the CAS loop on rule counters.
const MaxCounterRetries = 5

// DefaultParallelism is the batch worker count when none is configured.
const DefaultParallelism = 4

// Service runs assignment workflows.
type Service struct {
	Directory engine.Directory
	Packages  engine.PackageStore
	Rules     engine.RuleStore
	Flow      engine.FlowLog
	Lifecycle *engine.Lifecycle
	Selector  *strategy.Selector

	// Parallelism bounds concurrent packages in a batch.
	Parallelism int

	Now    func() time.Time
	Logger *slog.Logger
}

// NewService wires a service over a single backing store.
func NewService(store engine.Store, selector *strategy.Selector, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if selector == nil {
		selector = strategy.NewSelector(nil, strategy.DefaultSelectorConfig(), logger)
	}
	return &Service{
		Directory: store,
		Packages:  store,
		Rules:     store,
		Flow:      store,
		Lifecycle: &engine.Lifecycle{Packages: store, Flow: store, Directory: store, Logger: logger},
		Selector:  selector,
		Logger:    logger,
	}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// =============================================================================
// AUTO-ASSIGN
// =============================================================================

// AutoAssign assigns one package under one rule.
func (s *Service) AutoAssign(ctx context.Context, packageID engine.PackageID, ruleID engine.RuleID, actor engine.Actor) (engine.AssignmentResult, error) {
	result := engine.AssignmentResult{PackageID: packageID, RuleID: ruleID}

	pkg, err := s.Packages.GetPackage(ctx, packageID)
	if err != nil {
		return failed(result, err), err
	}
	rule, err := s.Rules.GetRule(ctx, ruleID)
	if err != nil {
		return failed(result, err), err
	}
	return s.assign(ctx, *pkg, *rule, nil, "", actor)
}

// assign runs the workflow for a loaded package and rule. view nil means
// fetch from the directory; strategyName empty means the rule's strategy or
// inference.
func (s *Service) assign(ctx context.Context, pkg engine.CasePackage, rule engine.AssignmentRule, view *orgView, strategyName string, actor engine.Actor) (engine.AssignmentResult, error) {
	result := engine.AssignmentResult{PackageID: pkg.ID, RuleID: rule.ID}

	if _, ok := engine.Next(pkg.Status, engine.EventAssign); !ok {
		err := &engine.TransitionError{PackageID: pkg.ID, From: pkg.Status, Event: engine.EventAssign}
		return failed(result, err), err
	}

	if _, err := s.updateRule(ctx, rule.ID, func(r *engine.AssignmentRule) { r.RecordAttempt(s.now()) }); err != nil {
		return failed(result, err), err
	}

	if !rule.Enabled {
		return s.reject(ctx, result, pkg, actor, engine.FailureRuleMismatch, "", fmt.Sprintf("rule %s is disabled", rule.ID)), nil
	}
	if v := rules.Match(rule, pkg); !v.Matched {
		return s.reject(ctx, result, pkg, actor, engine.FailureRuleMismatch, "", "rule does not match: "+strings.Join(v.Reasons, "; ")), nil
	}

	name := strategyName
	if name == "" {
		name = rule.Strategy
	}
	sel := s.Selector.Select(name, pkg)
	result.Strategy = sel.Strategy.Name()

	if view == nil {
		orgs, err := s.Directory.ListEligibleOrganizations(ctx)
		if err != nil {
			err = fmt.Errorf("failed to list organizations: %w", err)
			return failed(result, err), err
		}
		view = newOrgView(orgs)
	}

	// A failed reservation means another package took the headroom since
	// the snapshot; rank again against the updated loads.
	var top engine.AssignmentCandidate
	for {
		candidates := eligibleOrganizations(pkg, rules.FilterOrganizations(rule, view.snapshot()))
		if len(candidates) == 0 {
			return s.reject(ctx, result, pkg, actor, engine.FailureNoEligibleCandidate, "", "no suitable organization"), nil
		}

		top = sel.Strategy.Rank(pkg, candidates)[0]
		result.OrganizationID = top.OrganizationID
		result.OrganizationName = top.OrganizationName
		result.Score = top.Score

		raw := sel.Strategy.Overall(organizationByID(candidates, top.OrganizationID), pkg)
		if raw < rule.MinMatchingScore {
			reason := fmt.Sprintf("best candidate score %.4f below minimum %.4f", top.Score, rule.MinMatchingScore)
			if top.Score >= rule.MinMatchingScore {
				// the rounded score hides the gap
				reason = fmt.Sprintf("best candidate score %g below minimum %g", raw, rule.MinMatchingScore)
			}
			return s.reject(ctx, result, pkg, actor, engine.FailureBelowThreshold, top.OrganizationID, reason), nil
		}

		if view.reserve(top.OrganizationID, pkg) {
			break
		}
	}

	description := fmt.Sprintf("assigned to %s by rule %s using %s strategy (score %.4f)",
		top.OrganizationName, rule.ID, sel.Strategy.Name(), top.Score)
	if _, err := s.Lifecycle.Assign(ctx, pkg, top.OrganizationID, actor, description); err != nil {
		view.release(top.OrganizationID, pkg)
		return failed(result, err), err
	}

	// The assignment is committed; a counter failure does not undo it.
	if _, err := s.updateRule(ctx, rule.ID, func(r *engine.AssignmentRule) { r.RecordSuccess() }); err != nil {
		s.logger().Error("failed to record rule success",
			"rule_id", rule.ID, "package_id", pkg.ID, "error", err)
	}

	s.logger().Info("package assigned",
		"package_id", pkg.ID,
		"organization_id", top.OrganizationID,
		"rule_id", rule.ID,
		"strategy", sel.Strategy.Name(),
		"score", top.Score,
		"actor_id", actor.ID,
	)

	result.Success = true
	result.Reason = description
	return result, nil
}

// eligibleOrganizations applies the hard filter. Inactive, full and
// zero-availability organizations never reach ranking.
func eligibleOrganizations(pkg engine.CasePackage, orgs []engine.Organization) []engine.Organization {
	out := make([]engine.Organization, 0, len(orgs))
	for _, o := range orgs {
		if ok, _ := scoring.Eligible(o, pkg); ok {
			out = append(out, o)
		}
	}
	return out
}

func organizationByID(orgs []engine.Organization, id engine.OrganizationID) engine.Organization {
	for _, o := range orgs {
		if o.ID == id {
			return o
		}
	}
	return engine.Organization{}
}

// reject builds a business-rule rejection and records it in the flow log.
func (s *Service) reject(ctx context.Context, result engine.AssignmentResult, pkg engine.CasePackage, actor engine.Actor, kind engine.FailureKind, org engine.OrganizationID, reason string) engine.AssignmentResult {
	result.Success = false
	result.Failure = kind
	result.Reason = reason

	rec := engine.NewFlowRecord(pkg.ID, engine.FlowAssignmentFailed, actor, s.now())
	rec.OrganizationID = org
	rec.Description = fmt.Sprintf("%s: %s", kind, reason)
	if err := s.Flow.Append(ctx, rec); err != nil {
		s.logger().Warn("failed to record assignment failure", "package_id", pkg.ID, "error", err)
	}

	s.logger().Info("assignment rejected",
		"package_id", pkg.ID, "rule_id", result.RuleID, "failure", kind, "reason", reason)
	return result
}

func failed(result engine.AssignmentResult, err error) engine.AssignmentResult {
	result.Success = false
	result.Failure = engine.FailureFor(err)
	result.Reason = err.Error()
	return result
}

// =============================================================================
// RULE COUNTERS
// =============================================================================

// updateRule applies mutate to the latest stored rule and saves it with a
// version check, retrying on conflict.
func (s *Service) updateRule(ctx context.Context, id engine.RuleID, mutate func(*engine.AssignmentRule)) (engine.AssignmentRule, error) {
	var lastErr error
	for attempt := 0; attempt < MaxCounterRetries; attempt++ {
		rule, err := s.Rules.GetRule(ctx, id)
		if err != nil {
			return engine.AssignmentRule{}, err
		}
		expected := rule.Version
		mutate(rule)
		rule.UpdatedAt = s.now()

		saved, err := s.Rules.SaveRule(ctx, *rule, expected)
		if err == nil {
			return saved, nil
		}
		if !engine.IsRetryable(err) {
			return engine.AssignmentRule{}, err
		}
		lastErr = err
	}
	return engine.AssignmentRule{}, fmt.Errorf("rule %s counters: %d attempts: %w", id, MaxCounterRetries, lastErr)
}
