/*
flow.go - Immutable flow (audit) records for case packages

PURPOSE:
  Every committed status transition and every significant assignment event
  produces exactly one FlowRecord. Records are append-only: the FlowLog
  contract has no update or delete.

QUERIES:
  FlowFilter narrows by package, case, organization, actor, event set and a
  closed time range. Results are ordered by OccurredAt then ID and paginated.

  A CaseID filter matches records that carry that case id directly, or
  records of any package the case belongs to (the store resolves
  membership).

SEE ALSO:
  - lifecycle.go: Writes transition records
  - assignment/service.go: Writes assignment_failed records
*/
package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// FlowEvent classifies a flow record.
type FlowEvent string

const (
	FlowCreated          FlowEvent = "created"
	FlowPublished        FlowEvent = "published"
	FlowWithdrawn        FlowEvent = "withdrawn"
	FlowAssigned         FlowEvent = "assigned"
	FlowAccepted         FlowEvent = "accepted"
	FlowRejected         FlowEvent = "rejected"
	FlowReturned         FlowEvent = "returned"
	FlowStarted          FlowEvent = "started"
	FlowCompleted        FlowEvent = "completed"
	FlowCancelled        FlowEvent = "cancelled"
	FlowAssignmentFailed FlowEvent = "assignment_failed"
)

// flowEventFor maps state machine events to the record they produce.
var flowEventFor = map[Event]FlowEvent{
	EventPublish:  FlowPublished,
	EventWithdraw: FlowWithdrawn,
	EventAssign:   FlowAssigned,
	EventAccept:   FlowAccepted,
	EventReject:   FlowRejected,
	EventReturn:   FlowReturned,
	EventStart:    FlowStarted,
	EventComplete: FlowCompleted,
	EventCancel:   FlowCancelled,
}

// FlowEventFor returns the flow event recorded for a state machine event.
func FlowEventFor(e Event) FlowEvent {
	return flowEventFor[e]
}

// FlowRecord is one immutable audit entry.
type FlowRecord struct {
	ID             FlowRecordID
	PackageID      PackageID
	CaseID         CaseID         // optional
	OrganizationID OrganizationID // optional
	Event          FlowEvent
	OccurredAt     time.Time
	ActorID        string
	ActorName      string
	FromStatus     Status // empty when not a transition
	ToStatus       Status
	Amount         *decimal.Decimal
	Description    string
	System         bool
}

// NewFlowRecord stamps a record with a fresh id and the actor's attribution.
func NewFlowRecord(pkgID PackageID, event FlowEvent, actor Actor, at time.Time) FlowRecord {
	return FlowRecord{
		ID:         FlowRecordID(uuid.NewString()),
		PackageID:  pkgID,
		Event:      event,
		OccurredAt: at,
		ActorID:    actor.ID,
		ActorName:  actor.Name,
		System:     actor.System,
	}
}

// =============================================================================
// FLOW LOG
// =============================================================================

const (
	DefaultFlowPageSize = 50
	MaxFlowPageSize     = 500
)

// FlowFilter selects flow records. Zero values impose no constraint.
type FlowFilter struct {
	PackageID      PackageID
	CaseID         CaseID
	OrganizationID OrganizationID
	ActorID        string
	Events         []FlowEvent
	From           *time.Time
	To             *time.Time
	Limit          int
	Offset         int
}

// PageLimit returns the effective page size.
func (f FlowFilter) PageLimit() int {
	switch {
	case f.Limit <= 0:
		return DefaultFlowPageSize
	case f.Limit > MaxFlowPageSize:
		return MaxFlowPageSize
	default:
		return f.Limit
	}
}

// MatchesEvent reports whether e passes the event set.
func (f FlowFilter) MatchesEvent(e FlowEvent) bool {
	if len(f.Events) == 0 {
		return true
	}
	for _, want := range f.Events {
		if want == e {
			return true
		}
	}
	return false
}

// InRange reports whether t falls within [From, To].
func (f FlowFilter) InRange(t time.Time) bool {
	if f.From != nil && t.Before(*f.From) {
		return false
	}
	if f.To != nil && t.After(*f.To) {
		return false
	}
	return true
}

// FlowPage is one page of query results. Total counts all matches.
type FlowPage struct {
	Records []FlowRecord
	Total   int
	Limit   int
	Offset  int
}

// FlowLog stores flow records. Append-only.
type FlowLog interface {
	Append(ctx context.Context, rec FlowRecord) error
	Query(ctx context.Context, filter FlowFilter) (FlowPage, error)
}
