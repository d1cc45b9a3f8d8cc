/*
store.go - Persistence contracts for packages, rules and organizations

PURPOSE:
  Defines the interface between the engine and whatever durable store backs
  it. Any store with transactional single-row updates and an append-only log
  satisfies these contracts.

KEY INTERFACES:
  Directory:    Organization lookups (read-mostly)
  LoadTracker:  Optional; lets assignment adjust an organization's load
  PackageStore: Case packages with optimistic version checks
  RuleStore:    Assignment rules with optimistic version checks
  FlowLog:      Append-only audit log (flow.go)

OPTIMISTIC CONCURRENCY:
  Save methods take the version the caller loaded. The store succeeds only
  if the stored version still equals it, then bumps the version by one.
  Otherwise it returns an error wrapping ErrConcurrentModification.

    saved, err := packages.SavePackage(ctx, pkg, pkg.Version)
    if engine.IsRetryable(err) {
        // reload and retry
    }

ATOMIC TRANSITIONS:
  CommitTransition() performs the version check, the package write and the
  flow record append as one unit. Either both are visible or neither is.

NOT FOUND:
  Get methods return an error wrapping the matching not-found sentinel.

IMPLEMENTATIONS:
  - engine/store/memory.go: In-memory for testing and development
  - store/sqlite/sqlite.go: SQLite with migrations
*/
package engine

import "context"

// =============================================================================
// ORGANIZATION DIRECTORY
// =============================================================================

// Directory supplies candidate organizations.
type Directory interface {
	// ListEligibleOrganizations returns organizations with active membership,
	// ordered by id. Load and availability are filtered by the caller.
	ListEligibleOrganizations(ctx context.Context) ([]Organization, error)

	GetOrganization(ctx context.Context, id OrganizationID) (*Organization, error)
}

// OrganizationStore adds administration on top of Directory.
type OrganizationStore interface {
	Directory
	ListOrganizations(ctx context.Context) ([]Organization, error)
	SaveOrganization(ctx context.Context, org Organization) error
}

// LoadTracker is implemented by directories that track organization load.
type LoadTracker interface {
	// AdjustLoad adds delta percentage points to the organization's load,
	// clamped at zero.
	AdjustLoad(ctx context.Context, id OrganizationID, delta float64) error
}

// =============================================================================
// PACKAGE STORE
// =============================================================================

// PackageFilter selects packages. Zero values impose no constraint.
type PackageFilter struct {
	Statuses      []Status
	AssignedOrgID OrganizationID
	Limit         int
	Offset        int
}

// MatchesStatus reports whether s passes the status set.
func (f PackageFilter) MatchesStatus(s Status) bool {
	if len(f.Statuses) == 0 {
		return true
	}
	for _, want := range f.Statuses {
		if want == s {
			return true
		}
	}
	return false
}

// PackageStore persists case packages.
type PackageStore interface {
	GetPackage(ctx context.Context, id PackageID) (*CasePackage, error)

	// ListPackages returns matching packages ordered by creation time then id.
	ListPackages(ctx context.Context, filter PackageFilter) ([]CasePackage, error)

	// CreatePackage stores a new package at version 1.
	CreatePackage(ctx context.Context, pkg CasePackage) (CasePackage, error)

	// SavePackage writes pkg if the stored version equals expectedVersion.
	// Status changes must go through CommitTransition.
	SavePackage(ctx context.Context, pkg CasePackage, expectedVersion int64) (CasePackage, error)

	// CommitTransition writes pkg and appends rec atomically under the same
	// version check as SavePackage.
	CommitTransition(ctx context.Context, pkg CasePackage, expectedVersion int64, rec FlowRecord) (CasePackage, error)

	// DeletePackage removes a package if the stored version equals expectedVersion.
	DeletePackage(ctx context.Context, id PackageID, expectedVersion int64) error
}

// =============================================================================
// RULE STORE
// =============================================================================

// RuleStore persists assignment rules.
type RuleStore interface {
	GetRule(ctx context.Context, id RuleID) (*AssignmentRule, error)

	// ListRules returns every rule ordered by priority then id.
	ListRules(ctx context.Context) ([]AssignmentRule, error)

	CreateRule(ctx context.Context, rule AssignmentRule) (AssignmentRule, error)
	SaveRule(ctx context.Context, rule AssignmentRule, expectedVersion int64) (AssignmentRule, error)
	DeleteRule(ctx context.Context, id RuleID) error
}

// =============================================================================
// COMBINED STORE
// =============================================================================

// Store is implemented by backends that hold everything.
type Store interface {
	OrganizationStore
	LoadTracker
	PackageStore
	RuleStore
	FlowLog
}
