/*
ledger.go - Deposit ledger invariants and rent settlement

PURPOSE:
  The per-booking ledger is the immutable record of monetary events. The
  booking row caches DepositRemaining for query speed, but the ledger is the
  source of truth: this file verifies the two never drift and handles the
  cash-rent declaration/settlement flow.

CRITICAL INVARIANTS:
  1. 0 <= DepositRemaining <= DepositAmount, always.
  2. Once the deposit entry is on the ledger:
       DepositAmount - DepositRemaining == sum of deduction-type entries.
     Before it (deposit never collected, e.g. a confirmed booking the sweep
     terminates), DepositRemaining is still zero and no deductions may exist.
  3. Entries are never edited or deleted. The one sanctioned mutation is
     settling a pending rent declaration, which flips Status and nothing else.

  Any write that would break 1 or 2 aborts the booking's transaction with
  ErrDepositInvariant; money math is never partially applied.

RENT FLOW:
  Driver declares a cash payment  -> rent entry, status pending (no effect
                                     on RentDueAmount yet)
  Owner verifies the cash         -> entry settles, RentDueAmount drops

SEE ALSO:
  - overdue.go: Produces deduction entries
  - store/sqlite: Unique reference index backs invariant enforcement
*/
package booking

import (
	"fmt"
	"time"
)

// =============================================================================
// INVARIANT CHECKS
// =============================================================================

// DeductionSum totals the settled deduction entries in a booking's ledger.
func DeductionSum(entries []LedgerEntry) Money {
	sum := ZeroMoney()
	for _, e := range entries {
		if e.Type == EntryDeduction && e.Status == EntrySuccess {
			sum = sum.Add(e.Amount)
		}
	}
	return sum
}

// SettledRentSum totals the settled rent entries in a booking's ledger.
// Used by the owner earnings report.
func SettledRentSum(entries []LedgerEntry) Money {
	sum := ZeroMoney()
	for _, e := range entries {
		if e.Type == EntryRent && e.Status == EntrySuccess {
			sum = sum.Add(e.Amount)
		}
	}
	return sum
}

// VerifyDepositInvariant checks the booking's cached deposit figures against
// its ledger. Called on the write path before committing any money-affecting
// transaction.
//
// The amount/remaining/deduction identity only applies once the deposit has
// actually been collected (a settled deposit entry is on the ledger). A
// confirmed booking whose driver never paid has DepositRemaining zero and an
// empty ledger; the sweep must still be able to terminate it.
func VerifyDepositInvariant(b Booking, entries []LedgerEntry) error {
	deducted := DeductionSum(entries)
	violation := func() error {
		return &DepositInvariantError{
			BookingID:        b.ID,
			DepositAmount:    b.DepositAmount,
			DepositRemaining: b.DepositRemaining,
			DeductionSum:     deducted,
		}
	}

	if b.DepositRemaining.IsNegative() || b.DepositRemaining.GreaterThan(b.DepositAmount) {
		return violation()
	}
	if !depositCollected(entries) {
		// Nothing to liquidate yet: the cached remaining must still be zero
		// and no deduction can have happened.
		if !b.DepositRemaining.IsZero() || !deducted.IsZero() {
			return violation()
		}
		return nil
	}
	if !b.DepositAmount.Sub(b.DepositRemaining).Equal(deducted) {
		return violation()
	}
	return nil
}

// depositCollected reports whether a settled deposit entry is on the ledger.
func depositCollected(entries []LedgerEntry) bool {
	for _, e := range entries {
		if e.Type == EntryDeposit && e.Status == EntrySuccess {
			return true
		}
	}
	return false
}

// =============================================================================
// RENT DECLARATION / SETTLEMENT
// =============================================================================

// DeclareRentPayment builds a pending rent entry for a driver's declared cash
// payment. RentDueAmount is untouched until the owner settles the entry.
// The reference embeds the entry id: declarations are not idempotent events,
// a driver can legitimately hand over cash twice in one day.
func DeclareRentPayment(b Booking, entryID EntryID, amount Money, actor Actor, now time.Time) (LedgerEntry, error) {
	if b.Status.IsTerminal() {
		return LedgerEntry{}, &InvalidTransitionError{
			BookingID: b.ID,
			From:      b.Status,
			To:        b.Status,
			Reason:    "cannot declare rent on a closed booking",
		}
	}
	if !amount.IsPositive() {
		return LedgerEntry{}, fmt.Errorf("rent declaration amount must be positive, got %s", amount)
	}
	return LedgerEntry{
		ID:        entryID,
		BookingID: b.ID,
		Amount:    amount,
		Type:      EntryRent,
		Method:    "cash",
		Status:    EntryPending,
		Reference: fmt.Sprintf("driver_declared_cash_%s", entryID),
		CreatedBy: actor.ID,
		CreatedAt: now,
	}, nil
}

// SettleRentPayment marks a pending rent entry as verified and reduces the
// booking's outstanding rent, clamped at zero (overpayment is not refunded
// through this path).
func SettleRentPayment(b Booking, entry LedgerEntry, now time.Time) (Booking, LedgerEntry, error) {
	if entry.Type != EntryRent {
		return b, entry, fmt.Errorf("cannot settle %s entry %s as rent", entry.Type, entry.ID)
	}
	if entry.Status != EntryPending {
		return b, entry, fmt.Errorf("rent entry %s already settled", entry.ID)
	}
	entry.Status = EntrySuccess
	b.RentDueAmount = b.RentDueAmount.Sub(entry.Amount).ClampZero()
	b.UpdatedAt = now
	return b, entry, nil
}
