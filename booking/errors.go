/*
errors.go - Centralized error types for the booking engine

PURPOSE:
  All error kinds in one place for consistency and discoverability.
  Callers classify with errors.Is / errors.As; the helpers at the bottom
  encode the retry policy.

ERROR CATEGORIES:
  1. Transition errors - Invalid state machine moves (never retried)
  2. Concurrency errors - Optimistic transaction conflicts (retried, bounded)
  3. Persistence errors - Storage collaborator failures (sweep skips, manual
     actions surface a retryable error)
  4. Dispatch errors - Side-effect failures (logged and retried asynchronously,
     never affect booking state)

USAGE:
  if errors.Is(err, booking.ErrInvalidTransition) {
      // surface reason to caller, do not retry
  }

SEE ALSO:
  - statemachine.go: Produces InvalidTransitionError
  - ledger.go: Produces invariant violations
  - sweep/sweeper.go: Applies the retry policy
*/
package booking

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidTransition is returned when a state machine move is attempted
	// from a terminal or incompatible state. Surfaced to the caller, never retried.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrConcurrentModification is returned when the optimistic version check
	// detects that the booking changed under the transaction.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrPersistenceUnavailable is returned when the storage collaborator fails.
	ErrPersistenceUnavailable = errors.New("persistence unavailable")

	// ErrSideEffectDispatch is returned when a notification or admin-task
	// dispatch fails. Never propagates into the booking transaction.
	ErrSideEffectDispatch = errors.New("side effect dispatch failed")

	// ErrDuplicateReference is returned when a ledger entry with the same
	// booking+type+day reference already exists. Expected on sweep re-runs.
	ErrDuplicateReference = errors.New("duplicate ledger reference")

	// ErrDuplicateAdminTask is returned when an escalation task already exists
	// for the same booking and day.
	ErrDuplicateAdminTask = errors.New("duplicate admin task")

	// ErrRentOutstanding is returned by Complete when rent is still due and
	// the force-with-debt override is not set.
	ErrRentOutstanding = errors.New("rent outstanding")

	// ErrDepositAlreadyRecorded is returned by RecordDepositPaid when the
	// deposit ledger entry already exists. Treated as an idempotent no-op.
	ErrDepositAlreadyRecorded = errors.New("deposit already recorded")

	// ErrDepositInvariant is returned when a write would make DepositRemaining
	// negative or drift from the deduction ledger sum. Money math never
	// silently swallows this: the booking transaction aborts.
	ErrDepositInvariant = errors.New("deposit invariant violated")

	// ErrBookingNotFound is returned when a referenced booking doesn't exist.
	ErrBookingNotFound = errors.New("booking not found")

	// ErrCarNotFound is returned when a referenced car doesn't exist.
	ErrCarNotFound = errors.New("car not found")

	// ErrEntryNotFound is returned when a referenced ledger entry doesn't exist.
	ErrEntryNotFound = errors.New("ledger entry not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InvalidTransitionError explains which move was rejected and why.
type InvalidTransitionError struct {
	BookingID BookingID
	From      Status
	To        Status
	Reason    string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s for booking %s: %s",
		e.From, e.To, e.BookingID, e.Reason)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// DepositInvariantError reports the figures behind an invariant violation.
type DepositInvariantError struct {
	BookingID        BookingID
	DepositAmount    Money
	DepositRemaining Money
	DeductionSum     Money
}

func (e *DepositInvariantError) Error() string {
	return fmt.Sprintf("deposit invariant violated for booking %s: amount=%s remaining=%s deductions=%s",
		e.BookingID, e.DepositAmount, e.DepositRemaining, e.DeductionSum)
}

func (e *DepositInvariantError) Unwrap() error { return ErrDepositInvariant }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrPersistenceUnavailable)
}

// IsClientError returns true if the error is due to an invalid caller action.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrRentOutstanding) ||
		errors.Is(err, ErrDepositAlreadyRecorded) ||
		errors.Is(err, ErrDuplicateReference)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrBookingNotFound) ||
		errors.Is(err, ErrCarNotFound) ||
		errors.Is(err, ErrEntryNotFound)
}
