/*
lifecycle.go - Case package status lifecycle

PURPOSE:
  Lifecycle is the only code that changes a package's status. Every change:
  1. Looks up the edge in the state machine (statemachine.go)
  2. Applies the side effects of the event (assigned organization, load)
  3. Commits package + flow record atomically with a version check

TRANSITION FLOW:
  ┌────────────────────────────────────────────────────────────────┐
  │                                                                │
  │  load pkg ──▶ Next(status, event) ──▶ mutate ──▶ CommitTransition
  │                     │                                 │        │
  │                     ▼                                 ▼        │
  │             TransitionError            ConflictError (409)     │
  │                                                                │
  └────────────────────────────────────────────────────────────────┘

LOAD TRACKING:
  When the Directory also implements LoadTracker, assignment raises the
  organization's load by the package's share of its monthly capacity, and
  reject/return/complete release the same share. Load updates happen after
  the commit; a failed update is logged and does not undo the transition.

EXAMPLE:
  lc := &engine.Lifecycle{Packages: store, Flow: store, Directory: store}
  pkg, err := lc.Publish(ctx, "pkg-001", actor)

SEE ALSO:
  - statemachine.go: The transition table
  - assignment/service.go: Calls Assign after ranking
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Lifecycle applies status transitions to case packages.
type Lifecycle struct {
	Packages  PackageStore
	Flow      FlowLog
	Directory Directory // optional; enables load tracking

	// Now defaults to time.Now.
	Now    func() time.Time
	Logger *slog.Logger
}

func (l *Lifecycle) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l *Lifecycle) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

// =============================================================================
// CREATE & DELETE
// =============================================================================

// Create stores a new package in DRAFT and records a created flow entry.
func (l *Lifecycle) Create(ctx context.Context, pkg CasePackage, actor Actor) (CasePackage, error) {
	if err := ValidatePackage(pkg); err != nil {
		return CasePackage{}, err
	}
	if pkg.ID == "" {
		pkg.ID = PackageID(uuid.NewString())
	}
	now := l.now()
	pkg.Status = StatusDraft
	pkg.AssignedOrgID = ""
	pkg.CreatedAt = now
	pkg.UpdatedAt = now

	created, err := l.Packages.CreatePackage(ctx, pkg)
	if err != nil {
		return CasePackage{}, fmt.Errorf("failed to create package: %w", err)
	}

	rec := NewFlowRecord(created.ID, FlowCreated, actor, now)
	rec.ToStatus = StatusDraft
	amount := created.TotalAmount
	rec.Amount = &amount
	rec.Description = fmt.Sprintf("package %q created with %d cases", created.Name, created.CaseCount)
	if err := l.Flow.Append(ctx, rec); err != nil {
		return CasePackage{}, fmt.Errorf("failed to record creation: %w", err)
	}
	return created, nil
}

// ValidatePackage checks the fields a new package must carry.
func ValidatePackage(pkg CasePackage) error {
	if pkg.Name == "" {
		return &ValidationError{Field: "name", Message: "is required"}
	}
	if pkg.CaseCount < 0 {
		return &ValidationError{Field: "case_count", Message: "must not be negative"}
	}
	if pkg.TotalAmount.IsNegative() {
		return &ValidationError{Field: "total_amount", Message: "must not be negative"}
	}
	if len(pkg.CaseIDs) > 0 && len(pkg.CaseIDs) != pkg.CaseCount {
		return &ValidationError{Field: "case_ids", Message: fmt.Sprintf("has %d ids for %d cases", len(pkg.CaseIDs), pkg.CaseCount)}
	}
	return nil
}

// Delete removes a package that is still in DRAFT.
func (l *Lifecycle) Delete(ctx context.Context, id PackageID) error {
	pkg, err := l.Packages.GetPackage(ctx, id)
	if err != nil {
		return err
	}
	if pkg.Status != StatusDraft {
		return fmt.Errorf("%w: %s is %s", ErrPackageNotDraft, id, pkg.Status)
	}
	return l.Packages.DeletePackage(ctx, id, pkg.Version)
}

// =============================================================================
// TRANSITIONS
// =============================================================================

func (l *Lifecycle) Publish(ctx context.Context, id PackageID, actor Actor) (CasePackage, error) {
	return l.Transition(ctx, id, EventPublish, actor, "")
}

func (l *Lifecycle) Withdraw(ctx context.Context, id PackageID, actor Actor) (CasePackage, error) {
	return l.Transition(ctx, id, EventWithdraw, actor, "")
}

func (l *Lifecycle) Accept(ctx context.Context, id PackageID, actor Actor) (CasePackage, error) {
	return l.Transition(ctx, id, EventAccept, actor, "")
}

func (l *Lifecycle) Reject(ctx context.Context, id PackageID, actor Actor, reason string) (CasePackage, error) {
	return l.Transition(ctx, id, EventReject, actor, reason)
}

func (l *Lifecycle) Return(ctx context.Context, id PackageID, actor Actor, reason string) (CasePackage, error) {
	return l.Transition(ctx, id, EventReturn, actor, reason)
}

func (l *Lifecycle) Start(ctx context.Context, id PackageID, actor Actor) (CasePackage, error) {
	return l.Transition(ctx, id, EventStart, actor, "")
}

func (l *Lifecycle) Complete(ctx context.Context, id PackageID, actor Actor) (CasePackage, error) {
	return l.Transition(ctx, id, EventComplete, actor, "")
}

func (l *Lifecycle) Cancel(ctx context.Context, id PackageID, actor Actor, reason string) (CasePackage, error) {
	return l.Transition(ctx, id, EventCancel, actor, reason)
}

// Transition loads the package and applies event. Assignment is not
// reachable from here; it needs an organization and goes through Assign.
func (l *Lifecycle) Transition(ctx context.Context, id PackageID, event Event, actor Actor, description string) (CasePackage, error) {
	if event == EventAssign {
		return CasePackage{}, &ValidationError{Field: "event", Message: "assign requires an organization"}
	}
	pkg, err := l.Packages.GetPackage(ctx, id)
	if err != nil {
		return CasePackage{}, err
	}
	return l.apply(ctx, *pkg, event, "", actor, description)
}

// MoveTo moves a package to target. With EventNone the event is the one on
// the edge from the current status to target; otherwise (current, target,
// event) must be an edge of the table. ASSIGNED is reached only through
// Assign.
func (l *Lifecycle) MoveTo(ctx context.Context, id PackageID, target Status, event Event, actor Actor, description string) (CasePackage, error) {
	if !target.Valid() {
		return CasePackage{}, &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", target)}
	}
	if target == StatusAssigned || event == EventAssign {
		return CasePackage{}, &ValidationError{Field: "status", Message: "assign requires an organization"}
	}
	pkg, err := l.Packages.GetPackage(ctx, id)
	if err != nil {
		return CasePackage{}, err
	}
	if event == EventNone {
		event = RequiredEvent(pkg.Status, target)
	}
	if err := Validate(pkg.Status, target, event); err != nil {
		var te *TransitionError
		if errors.As(err, &te) {
			te.PackageID = pkg.ID
		}
		return CasePackage{}, err
	}
	return l.apply(ctx, *pkg, event, "", actor, description)
}

// Assign moves a PUBLISHED package to ASSIGNED with org as its disposal
// organization. pkg must be the snapshot the caller loaded; its Version is
// the version checked at commit.
func (l *Lifecycle) Assign(ctx context.Context, pkg CasePackage, org OrganizationID, actor Actor, description string) (CasePackage, error) {
	if org == "" {
		return CasePackage{}, &ValidationError{Field: "organization_id", Message: "is required"}
	}
	return l.apply(ctx, pkg, EventAssign, org, actor, description)
}

func (l *Lifecycle) apply(ctx context.Context, pkg CasePackage, event Event, org OrganizationID, actor Actor, description string) (CasePackage, error) {
	from := pkg.Status
	to, ok := Next(from, event)
	if !ok {
		return CasePackage{}, &TransitionError{PackageID: pkg.ID, From: from, Event: event}
	}

	previousOrg := pkg.AssignedOrgID
	switch event {
	case EventAssign:
		pkg.AssignedOrgID = org
	case EventReject, EventReturn:
		pkg.AssignedOrgID = ""
	}

	now := l.now()
	pkg.Status = to
	pkg.UpdatedAt = now

	rec := NewFlowRecord(pkg.ID, FlowEventFor(event), actor, now)
	rec.FromStatus = from
	rec.ToStatus = to
	rec.OrganizationID = pkg.AssignedOrgID
	if rec.OrganizationID == "" {
		rec.OrganizationID = previousOrg
	}
	amount := pkg.TotalAmount
	rec.Amount = &amount
	rec.Description = description
	if rec.Description == "" {
		rec.Description = fmt.Sprintf("%s: %s -> %s", event, from, to)
	}

	saved, err := l.Packages.CommitTransition(ctx, pkg, pkg.Version, rec)
	if err != nil {
		return CasePackage{}, err
	}

	switch event {
	case EventAssign:
		l.adjustLoad(ctx, saved, org, +1)
	case EventReject, EventReturn, EventComplete:
		l.adjustLoad(ctx, saved, previousOrg, -1)
	}
	return saved, nil
}

// =============================================================================
// LOAD TRACKING
// =============================================================================

// LoadShare is the load percentage a package adds to an organization.
// Zero when the organization's capacity is unknown.
func LoadShare(org Organization, pkg CasePackage) float64 {
	if org.MonthlyCapacity <= 0 {
		return 0
	}
	return float64(pkg.CaseCount) / float64(org.MonthlyCapacity) * 100
}

func (l *Lifecycle) adjustLoad(ctx context.Context, pkg CasePackage, orgID OrganizationID, sign float64) {
	tracker, ok := l.Directory.(LoadTracker)
	if !ok || orgID == "" {
		return
	}
	org, err := l.Directory.GetOrganization(ctx, orgID)
	if err != nil {
		l.logger().Warn("load tracking skipped", "package_id", pkg.ID, "organization_id", orgID, "error", err)
		return
	}
	delta := sign * LoadShare(*org, pkg)
	if delta == 0 {
		return
	}
	if err := tracker.AdjustLoad(ctx, orgID, delta); err != nil {
		l.logger().Warn("load adjustment failed", "package_id", pkg.ID, "organization_id", orgID, "delta", delta, "error", err)
	}
}
