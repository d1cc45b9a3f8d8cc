/*
statemachine.go - Case package status state machine

PURPOSE:
  An explicit table of legal (current status, event) -> next status edges.
  Every package status mutation is validated against this table; nothing
  bypasses it.

STATUS FLOW:
  ┌────────────────────────────────────────────────────────────────────┐
  │                                                                    │
  │   DRAFT ──publish──▶ PUBLISHED ──assign──▶ ASSIGNED ──accept──▶    │
  │     │  ◀──withdraw──     ▲                    │                    │
  │     │                    └───reject/return────┘                    │
  │   cancel                                                           │
  │     ▼                                                              │
  │  CANCELLED        ACCEPTED ──start──▶ IN_PROGRESS ──complete──▶    │
  │                                                       COMPLETED    │
  └────────────────────────────────────────────────────────────────────┘

  COMPLETED and CANCELLED are terminal.

SEE ALSO:
  - lifecycle.go: Applies transitions and writes flow records
*/
package engine

// =============================================================================
// STATUS & EVENT
// =============================================================================

type Status string

const (
	StatusDraft      Status = "DRAFT"
	StatusPublished  Status = "PUBLISHED"
	StatusAssigned   Status = "ASSIGNED"
	StatusAccepted   Status = "ACCEPTED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusDraft, StatusPublished, StatusAssigned, StatusAccepted,
	StatusInProgress, StatusCompleted, StatusCancelled,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

type Event string

const (
	EventNone     Event = ""
	EventPublish  Event = "publish"
	EventWithdraw Event = "withdraw"
	EventAssign   Event = "assign"
	EventAccept   Event = "accept"
	EventReject   Event = "reject"
	EventReturn   Event = "return"
	EventStart    Event = "start"
	EventComplete Event = "complete"
	EventCancel   Event = "cancel"
)

// Transition is one edge of the state machine.
type Transition struct {
	From  Status
	Event Event
	To    Status
}

// transitions is ordered; lookups that may match several edges return the first.
var transitions = []Transition{
	{StatusDraft, EventPublish, StatusPublished},
	{StatusDraft, EventCancel, StatusCancelled},
	{StatusPublished, EventAssign, StatusAssigned},
	{StatusPublished, EventWithdraw, StatusDraft},
	{StatusAssigned, EventAccept, StatusAccepted},
	{StatusAssigned, EventReject, StatusPublished},
	{StatusAssigned, EventReturn, StatusPublished},
	{StatusAccepted, EventStart, StatusInProgress},
	{StatusInProgress, EventComplete, StatusCompleted},
}

// Transitions returns a copy of the transition table.
func Transitions() []Transition {
	out := make([]Transition, len(transitions))
	copy(out, transitions)
	return out
}

// =============================================================================
// QUERIES
// =============================================================================

// Next returns the status reached from current by event.
func Next(current Status, event Event) (Status, bool) {
	for _, t := range transitions {
		if t.From == current && t.Event == event {
			return t.To, true
		}
	}
	return "", false
}

// Validate accepts a transition only if the table has an edge for exactly
// (current, event) and that edge leads to target.
func Validate(current, target Status, event Event) error {
	next, ok := Next(current, event)
	if !ok || next != target {
		return &TransitionError{From: current, To: target, Event: event}
	}
	return nil
}

// PossibleNextStatuses returns every status reachable from current by one edge.
// Terminal statuses return an empty slice.
func PossibleNextStatuses(current Status) []Status {
	seen := make(map[Status]bool)
	out := []Status{}
	for _, t := range transitions {
		if t.From == current && !seen[t.To] {
			seen[t.To] = true
			out = append(out, t.To)
		}
	}
	return out
}

// RequiredEvent returns the event that moves current to target in one hop,
// or EventNone when no direct edge exists.
func RequiredEvent(current, target Status) Event {
	for _, t := range transitions {
		if t.From == current && t.To == target {
			return t.Event
		}
	}
	return EventNone
}

// IsTerminal reports whether no edge leaves s.
func IsTerminal(s Status) bool {
	return len(PossibleNextStatuses(s)) == 0
}
