/*
statemachine.go - Booking status transitions

PURPOSE:
  Pure transition functions for the booking lifecycle. Each function takes a
  booking value, validates the move against the closed transition table, and
  returns an updated copy with a StatusHistory entry appended. Nothing here
  touches storage; persistence and side effects belong to the callers.

STATE MACHINE:

  requested ──confirm──▶ confirmed ──deposit paid──▶ in_use ──complete──▶ completed
      │                      │                          │
      └──────cancel──────────┘                          └──sweep──▶ terminated

  Terminated is also reachable directly from confirmed: the sweep's rent clock
  starts at confirmation, and a booking can cross the deduction threshold
  before the deposit-paid transition is recorded.

INVARIANTS:
  - No transition is valid from a terminal state (completed/cancelled/terminated).
  - Every transition appends exactly one StatusChange.
  - Cancel is rejected from in_use: an active rental must be completed or
    terminated, never cancelled.

SEE ALSO:
  - overdue.go: The sweep-driven path to terminated
  - engine.go: Transactional wrappers around these functions
*/
package booking

import (
	"fmt"
	"time"
)

// allowedTransitions is the closed transition table. A (from, to) pair absent
// from this map is invalid by definition.
var allowedTransitions = map[Status][]Status{
	StatusRequested: {StatusConfirmed, StatusCancelled},
	StatusConfirmed: {StatusInUse, StatusCancelled, StatusTerminated},
	StatusInUse:     {StatusCompleted, StatusTerminated},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// transition applies a validated move and appends the history record.
func transition(b Booking, to Status, actor Actor, now time.Time, note string) (Booking, error) {
	if b.Status.IsTerminal() {
		return b, &InvalidTransitionError{
			BookingID: b.ID,
			From:      b.Status,
			To:        to,
			Reason:    fmt.Sprintf("booking is %s and cannot change state", b.Status),
		}
	}
	if !CanTransition(b.Status, to) {
		return b, &InvalidTransitionError{
			BookingID: b.ID,
			From:      b.Status,
			To:        to,
			Reason:    "move not permitted by lifecycle",
		}
	}

	b.StatusHistory = append(b.StatusHistory, StatusChange{
		From:          b.Status,
		To:            to,
		ChangedBy:     actor.ID,
		ChangedByType: actor.Type,
		ChangedAt:     now,
		Note:          note,
	})
	b.Status = to
	b.UpdatedAt = now
	return b, nil
}

// =============================================================================
// MANUAL TRANSITIONS
// =============================================================================

// Confirm moves requested -> confirmed and starts the rent clock.
func Confirm(b Booking, actor Actor, now time.Time) (Booking, error) {
	if b.Status != StatusRequested {
		return b, &InvalidTransitionError{
			BookingID: b.ID,
			From:      b.Status,
			To:        StatusConfirmed,
			Reason:    "only a requested booking can be confirmed",
		}
	}
	b, err := transition(b, StatusConfirmed, actor, now, "Booking confirmed by owner")
	if err != nil {
		return b, err
	}
	b.ConfirmedAt = &now
	return b, nil
}

// RecordDepositPaid records the security deposit and moves confirmed -> in_use.
// If the deposit was already recorded (status is already in_use) it returns
// ErrDepositAlreadyRecorded; callers treat that as an idempotent no-op.
// The returned ledger entry must be appended in the same transaction that
// persists the booking.
func RecordDepositPaid(b Booking, method string, actor Actor, now time.Time) (Booking, LedgerEntry, error) {
	if b.Status == StatusInUse {
		return b, LedgerEntry{}, ErrDepositAlreadyRecorded
	}
	if b.Status != StatusConfirmed {
		return b, LedgerEntry{}, &InvalidTransitionError{
			BookingID: b.ID,
			From:      b.Status,
			To:        StatusInUse,
			Reason:    "deposit can only be collected on a confirmed booking",
		}
	}

	b, err := transition(b, StatusInUse, actor, now, "Deposit collected — starting rental")
	if err != nil {
		return b, LedgerEntry{}, err
	}
	b.DepositRemaining = b.DepositAmount

	entry := LedgerEntry{
		BookingID: b.ID,
		Amount:    b.DepositAmount,
		Type:      EntryDeposit,
		Method:    method,
		Status:    EntrySuccess,
		Reference: "deposit_" + DayStamp(now),
		CreatedBy: actor.ID,
		CreatedAt: now,
	}
	return b, entry, nil
}

// Cancel moves requested/confirmed -> cancelled. An in_use booking cannot be
// cancelled; it must be completed or terminated instead.
func Cancel(b Booking, reason string, actor Actor, now time.Time) (Booking, error) {
	if b.Status == StatusInUse {
		return b, &InvalidTransitionError{
			BookingID: b.ID,
			From:      b.Status,
			To:        StatusCancelled,
			Reason:    "an active rental must be completed or terminated, not cancelled",
		}
	}
	b, err := transition(b, StatusCancelled, actor, now, "Cancelled: "+reason)
	if err != nil {
		return b, err
	}
	b.CancelReason = reason
	b.CancelledAt = &now
	return b, nil
}

// Complete moves in_use -> completed. Outstanding rent blocks completion
// unless forceWithDebt is set, in which case the residual moves into
// DebtAmount and the override is recorded in the history note.
func Complete(b Booking, actor Actor, forceWithDebt bool, now time.Time) (Booking, error) {
	if b.Status != StatusInUse {
		return b, &InvalidTransitionError{
			BookingID: b.ID,
			From:      b.Status,
			To:        StatusCompleted,
			Reason:    "only an active rental can be completed",
		}
	}

	note := "Rental completed"
	if b.RentDueAmount.IsPositive() {
		if !forceWithDebt {
			return b, fmt.Errorf("%w: %s still due on booking %s",
				ErrRentOutstanding, b.RentDueAmount, b.ID)
		}
		b.DebtAmount = b.DebtAmount.Add(b.RentDueAmount)
		note = fmt.Sprintf("Force-completed with %s residual recorded as debt", b.RentDueAmount)
		b.RentDueAmount = ZeroMoney()
	}

	b, err := transition(b, StatusCompleted, actor, now, note)
	if err != nil {
		return b, err
	}
	b.CompletedAt = &now
	return b, nil
}
