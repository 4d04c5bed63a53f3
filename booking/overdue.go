/*
overdue.go - Overdue-rent evaluation (the reconciliation entry point)

PURPOSE:
  EvaluateOverdue is the pure function at the heart of the reconciliation
  sweep. Given a booking and the sweep time, it applies the first matching
  rule and returns everything the caller must persist atomically: the updated
  booking, an optional deduction ledger entry, an optional admin task, and
  the side effects to dispatch after commit.

RULES (mutually exclusive per pass, in order):
  1. Reminder:  daysSinceConfirm >= 5, no reminder sent, rent due
                -> stamp ReminderSentAt, emit reminder notice, stop.
  2. Deduction: reminder sent >= 3 days ago, rent still due
                -> liquidate deposit against overdue rent, carry shortfall
                   into DebtAmount, terminate the booking, release the car,
                   create one admin escalation task.
  3. No-op:     anything else is left untouched this cycle.

  A booking qualifying for the reminder never reaches the deduction check in
  the same pass. This mirrors the production rule ordering deliberately; see
  DESIGN.md for the open product question around it.

IDEMPOTENCY:
  - A second reminder is impossible: ReminderSentAt is already set.
  - A second deduction for the same day is rejected by the per-day ledger
    reference (auto_deduction_<date>), and a terminated booking short-circuits
    evaluation entirely.

SEE ALSO:
  - sweep/sweeper.go: Batches bookings through this function
  - ledger.go: Deposit invariant enforced before commit
*/
package booking

import (
	"fmt"
	"time"
)

// Sweep thresholds, in whole days. The reminder fires after the first five
// unpaid days; the deduction fires three days after the reminder.
const (
	ReminderAfterDays  = 5
	DeductionGraceDays = 3
)

// ReminderMessage is the driver-facing notice sent by the reminder rule.
const ReminderMessage = "Please clear rent for the first 5 days within 3 days to avoid deposit deduction."

// =============================================================================
// OUTCOME
// =============================================================================

type OverdueAction string

const (
	ActionNone     OverdueAction = "none"
	ActionReminder OverdueAction = "reminder"
	ActionDeduct   OverdueAction = "deduct"
)

// ReminderNotice is the payload handed to the notification dispatcher.
type ReminderNotice struct {
	BookingID BookingID
	DriverID  DriverID
	Kind      string
	Message   string
}

// OverdueOutcome carries everything a single booking's sweep pass produced.
// Booking, Entry and Task must be persisted in one atomic transaction;
// Reminder is dispatched only after that transaction commits.
type OverdueOutcome struct {
	Action     OverdueAction
	Booking    Booking
	Entry      *LedgerEntry
	Task       *AdminTask
	ReleaseCar bool
	Reminder   *ReminderNotice
}

// =============================================================================
// EVALUATION
// =============================================================================

// EvaluateOverdue applies the sweep rules to one booking. Pure: no clocks,
// no storage, no randomness. now is the sweep's single timestamp so that a
// whole batch shares one calendar day.
func EvaluateOverdue(b Booking, now time.Time) OverdueOutcome {
	none := OverdueOutcome{Action: ActionNone, Booking: b}

	// Terminal bookings and bookings whose rent clock never started are
	// untouchable. The status query normally filters these out already;
	// this guard protects against races with manual actions.
	if b.Status.IsTerminal() {
		return none
	}
	if b.Status != StatusConfirmed && b.Status != StatusInUse {
		return none
	}
	if b.ConfirmedAt == nil {
		return none
	}

	daysSinceConfirm := DaysBetween(*b.ConfirmedAt, now)

	// Rule 1: reminder. Fires once, then yields this pass entirely.
	if daysSinceConfirm >= ReminderAfterDays && b.ReminderSentAt == nil && b.RentDueAmount.IsPositive() {
		b.ReminderSentAt = &now
		b.UpdatedAt = now
		return OverdueOutcome{
			Action:  ActionReminder,
			Booking: b,
			Reminder: &ReminderNotice{
				BookingID: b.ID,
				DriverID:  b.DriverID,
				Kind:      "rent_reminder",
				Message:   ReminderMessage,
			},
		}
	}

	// Rule 2: deduction.
	if b.ReminderSentAt == nil || !b.RentDueAmount.IsPositive() {
		return none
	}
	if DaysBetween(*b.ReminderSentAt, now) < DeductionGraceDays {
		return none
	}

	overdueDays := daysSinceConfirm - ReminderAfterDays
	if overdueDays <= 0 {
		return none
	}

	unpaidForOverdue := b.RentDueAmount.Min(b.DailyRate.MulInt(overdueDays))
	if !unpaidForOverdue.IsPositive() {
		return none
	}

	deduction := b.DepositRemaining.Min(unpaidForOverdue)

	b.DepositRemaining = b.DepositRemaining.Sub(deduction)
	b.RentDueAmount = b.RentDueAmount.Sub(deduction).ClampZero()
	if deduction.LessThan(unpaidForOverdue) {
		// Deposit exhausted: the uncollectable remainder carries forward.
		b.DebtAmount = b.DebtAmount.Add(unpaidForOverdue.Sub(deduction))
	}
	b.LastAutoDeductionAt = &now
	b.TerminationAutoAt = &now

	b, err := transition(b, StatusTerminated, SystemActor, now,
		fmt.Sprintf("Auto-terminated after %d overdue days", overdueDays))
	if err != nil {
		// Unreachable given the guards above; keep the booking untouched
		// rather than half-applied.
		return none
	}

	out := OverdueOutcome{
		Action:     ActionDeduct,
		Booking:    b,
		ReleaseCar: b.CarID != "",
		Task: &AdminTask{
			BookingID: b.ID,
			Type:      TaskAutoTermination,
			Message: fmt.Sprintf("Auto-terminated booking %s. Deducted %s from deposit.",
				b.ID, deduction),
			CreatedAt: now,
			Processed: false,
		},
		Reminder: &ReminderNotice{
			BookingID: b.ID,
			DriverID:  b.DriverID,
			Kind:      "auto_termination",
			Message:   fmt.Sprintf("Your booking was terminated; %s was deducted from your deposit.", deduction),
		},
	}

	// A zero deduction (deposit already empty) still terminates the booking,
	// but the ledger only records positive monetary events.
	if deduction.IsPositive() {
		out.Entry = &LedgerEntry{
			BookingID: b.ID,
			Amount:    deduction,
			Type:      EntryDeduction,
			Method:    "deposit_adjustment",
			Status:    EntrySuccess,
			Reference: "auto_deduction_" + DayStamp(now),
			CreatedBy: SystemActor.ID,
			CreatedAt: now,
		}
	}
	return out
}
