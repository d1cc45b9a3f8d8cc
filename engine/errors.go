/*
errors.go - Centralized error types for the assignment engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers classify errors with errors.Is / errors.As and the helpers below.

ERROR CATEGORIES:
  1. Not found - Referenced package, rule or organization is absent (404)
  2. Validation - Malformed rule condition, out-of-range score (400)
  3. Concurrency - Version mismatch on save; retryable by re-fetching (409)
  4. Invalid transition - State machine rejected the move (409, distinct code)

  Business-rule rejections (rule mismatch, below threshold, no eligible
  candidate) are NOT errors. They are AssignmentResult values with
  Success=false and a Failure kind.

USAGE:
    if engine.IsRetryable(err) {
        // re-fetch the package and try again
    }

SEE ALSO:
  - statemachine.go: Produces TransitionError
  - api/errors.go: Maps these errors to HTTP status codes
*/
package engine

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrPackageNotFound is returned when a referenced case package doesn't exist.
	ErrPackageNotFound = errors.New("case package not found")

	// ErrRuleNotFound is returned when a referenced assignment rule doesn't exist.
	ErrRuleNotFound = errors.New("assignment rule not found")

	// ErrOrganizationNotFound is returned when a referenced organization doesn't exist.
	ErrOrganizationNotFound = errors.New("organization not found")

	// ErrConcurrentModification is returned when optimistic locking detects a conflict.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrInvalidTransition is returned when the state machine has no edge for
	// the requested (status, event) pair.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrValidation is returned for malformed input such as a reversed amount range.
	ErrValidation = errors.New("validation failed")

	// ErrPackageNotDraft is returned when deleting a package that left DRAFT.
	ErrPackageNotDraft = errors.New("case package is not in draft")

	// ErrDuplicateID is returned when creating an entity whose ID already exists.
	ErrDuplicateID = errors.New("duplicate id")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// TransitionError describes a rejected status transition.
type TransitionError struct {
	PackageID PackageID
	From      Status
	To        Status
	Event     Event
}

func (e *TransitionError) Error() string {
	if e.To == "" {
		return fmt.Sprintf("invalid transition: no %q edge from %s", e.Event, e.From)
	}
	return fmt.Sprintf("invalid transition: %s -%s-> %s is not allowed", e.From, e.Event, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// NotFoundError names the missing entity. Kind selects the sentinel it unwraps to.
type NotFoundError struct {
	Kind string // "package", "rule" or "organization"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	switch e.Kind {
	case "rule":
		return ErrRuleNotFound
	case "organization":
		return ErrOrganizationNotFound
	default:
		return ErrPackageNotFound
	}
}

// PackageNotFound builds a NotFoundError for a package.
func PackageNotFound(id PackageID) error { return &NotFoundError{Kind: "package", ID: string(id)} }

// RuleNotFound builds a NotFoundError for a rule.
func RuleNotFound(id RuleID) error { return &NotFoundError{Kind: "rule", ID: string(id)} }

// OrganizationNotFound builds a NotFoundError for an organization.
func OrganizationNotFound(id OrganizationID) error {
	return &NotFoundError{Kind: "organization", ID: string(id)}
}

// ConflictError provides details about a version mismatch.
type ConflictError struct {
	Entity   string
	ID       string
	Expected int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s changed since version %d", e.Entity, e.ID, e.Expected)
}

func (e *ConflictError) Unwrap() error {
	return ErrConcurrentModification
}

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed after re-fetching.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrPackageNotDraft) ||
		errors.Is(err, ErrDuplicateID)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrPackageNotFound) ||
		errors.Is(err, ErrRuleNotFound) ||
		errors.Is(err, ErrOrganizationNotFound)
}

// IsInvalidTransition returns true if the state machine rejected the move.
func IsInvalidTransition(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}

// FailureFor maps an error to the failure kind reported in results.
func FailureFor(err error) FailureKind {
	switch {
	case err == nil:
		return FailureNone
	case IsNotFound(err):
		return FailureNotFound
	case IsRetryable(err):
		return FailureConcurrentModification
	case IsInvalidTransition(err):
		return FailureInvalidTransition
	default:
		return FailureInternal
	}
}
