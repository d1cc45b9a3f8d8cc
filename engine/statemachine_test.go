package engine_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/disposal-engine/engine"
)

// =============================================================================
// STATE MACHINE QUERIES
// =============================================================================

func TestPossibleNextStatuses_TerminalStates_Empty(t *testing.T) {
	// GIVEN: The terminal statuses
	// WHEN: Asking for reachable statuses
	// THEN: Nothing is reachable

	assert.Empty(t, engine.PossibleNextStatuses(engine.StatusCompleted))
	assert.Empty(t, engine.PossibleNextStatuses(engine.StatusCancelled))
	assert.True(t, engine.IsTerminal(engine.StatusCompleted))
	assert.True(t, engine.IsTerminal(engine.StatusCancelled))
}

func TestPossibleNextStatuses_AllStates(t *testing.T) {
	want := map[engine.Status][]engine.Status{
		engine.StatusDraft:      {engine.StatusPublished, engine.StatusCancelled},
		engine.StatusPublished:  {engine.StatusAssigned, engine.StatusDraft},
		engine.StatusAssigned:   {engine.StatusAccepted, engine.StatusPublished},
		engine.StatusAccepted:   {engine.StatusInProgress},
		engine.StatusInProgress: {engine.StatusCompleted},
		engine.StatusCompleted:  {},
		engine.StatusCancelled:  {},
	}

	got := make(map[engine.Status][]engine.Status)
	for _, s := range engine.Statuses {
		got[s] = engine.PossibleNextStatuses(s)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("next statuses mismatch (-want +got):\n%s", diff)
	}
}

func TestRequiredEvent(t *testing.T) {
	tests := []struct {
		name    string
		current engine.Status
		target  engine.Status
		want    engine.Event
	}{
		{"draft to published", engine.StatusDraft, engine.StatusPublished, engine.EventPublish},
		{"draft to completed has no edge", engine.StatusDraft, engine.StatusCompleted, engine.EventNone},
		{"published to assigned", engine.StatusPublished, engine.StatusAssigned, engine.EventAssign},
		{"published back to draft", engine.StatusPublished, engine.StatusDraft, engine.EventWithdraw},
		{"assigned back to published", engine.StatusAssigned, engine.StatusPublished, engine.EventReject},
		{"in progress to completed", engine.StatusInProgress, engine.StatusCompleted, engine.EventComplete},
		{"completed is terminal", engine.StatusCompleted, engine.StatusDraft, engine.EventNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, engine.RequiredEvent(tt.current, tt.target))
		})
	}
}

func TestValidate_EdgeMustMatchEventAndTarget(t *testing.T) {
	// GIVEN: Legal and illegal (current, target, event) triples
	// WHEN: Validating
	// THEN: Only exact edges pass; everything else is an InvalidTransition

	assert.NoError(t, engine.Validate(engine.StatusDraft, engine.StatusPublished, engine.EventPublish))
	assert.NoError(t, engine.Validate(engine.StatusAssigned, engine.StatusPublished, engine.EventReturn))

	// Right event, wrong target
	err := engine.Validate(engine.StatusDraft, engine.StatusAssigned, engine.EventPublish)
	require.Error(t, err)
	assert.True(t, engine.IsInvalidTransition(err))

	// Event not available from this state
	err = engine.Validate(engine.StatusAssigned, engine.StatusAssigned, engine.EventAssign)
	require.Error(t, err)

	var te *engine.TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, engine.StatusAssigned, te.From)
	assert.Equal(t, engine.EventAssign, te.Event)
}

func TestNext_EveryEdgeRoundTripsThroughRequiredEvent(t *testing.T) {
	for _, tr := range engine.Transitions() {
		to, ok := engine.Next(tr.From, tr.Event)
		require.True(t, ok, "%s -%s->", tr.From, tr.Event)
		assert.Equal(t, tr.To, to)
		assert.NoError(t, engine.Validate(tr.From, tr.To, tr.Event))
	}
}

func TestStatus_Valid(t *testing.T) {
	assert.True(t, engine.StatusInProgress.Valid())
	assert.False(t, engine.Status("ARCHIVED").Valid())
}
