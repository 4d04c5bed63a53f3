/*
sweeper_test.go - Batch behavior of the reconciliation sweep

ORGANIZATION:
  1. Mixed batch - Counts and persisted outcomes for one pass
  2. Idempotency - Re-running the same calendar day changes nothing
  3. Partial-failure isolation - One broken booking never blocks the rest
*/
package sweep_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/drivelane/booking-engine/booking"
	"github.com/drivelane/booking-engine/booking/store"
	"github.com/drivelane/booking-engine/sweep"
)

var sweepTime = time.Date(2026, time.April, 2, 3, 0, 0, 0, time.UTC)

// =============================================================================
// TEST INFRASTRUCTURE
// =============================================================================

type captureDispatcher struct {
	mu      sync.Mutex
	notices []booking.ReminderNotice
}

func (d *captureDispatcher) DispatchNotice(n booking.ReminderNotice) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notices = append(d.notices, n)
}

func (d *captureDispatcher) kinds() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var kinds []string
	for _, n := range d.notices {
		kinds = append(kinds, n.Kind)
	}
	return kinds
}

func newTestSweeper(t *testing.T) (*sweep.Sweeper, *store.TxMemory, *captureDispatcher) {
	t.Helper()
	mem := store.NewTxMemory()
	d := &captureDispatcher{}
	s := sweep.NewSweeper(mem, mem, d, zap.NewNop())
	s.Concurrency = 2
	return s, mem, d
}

// seedSweepBooking inserts an in_use booking confirmed confirmedDaysAgo days
// before sweepTime, optionally with a reminder reminderDaysAgo days ago.
func seedSweepBooking(t *testing.T, mem *store.TxMemory, id string, confirmedDaysAgo, reminderDaysAgo int, rentDue int) booking.Booking {
	t.Helper()
	confirmedAt := sweepTime.Add(-time.Duration(confirmedDaysAgo) * 24 * time.Hour)
	b := booking.Booking{
		ID:               booking.BookingID(id),
		DriverID:         booking.DriverID("driver-" + id[3:]),
		OwnerID:          "owner-1",
		CarID:            booking.CarID("car-" + id[3:]),
		Status:           booking.StatusInUse,
		DailyRate:        booking.NewMoneyFromInt(300),
		RentDueAmount:    booking.NewMoneyFromInt(rentDue),
		DepositAmount:    booking.NewMoneyFromInt(1000),
		DepositRemaining: booking.NewMoneyFromInt(1000),
		DebtAmount:       booking.ZeroMoney(),
		ConfirmedAt:      &confirmedAt,
		CreatedAt:        confirmedAt,
	}
	if reminderDaysAgo >= 0 {
		sentAt := sweepTime.Add(-time.Duration(reminderDaysAgo) * 24 * time.Hour)
		b.ReminderSentAt = &sentAt
	}
	ctx := context.Background()
	require.NoError(t, mem.CreateBooking(ctx, b))
	require.NoError(t, mem.SaveCar(ctx, booking.Car{
		ID: b.CarID, OwnerID: b.OwnerID, Available: false, CurrentBookingID: b.ID,
	}))
	// An in_use booking implies a collected deposit on the ledger.
	require.NoError(t, mem.AppendLedgerEntry(ctx, booking.LedgerEntry{
		ID: booking.EntryID("dep-" + id), BookingID: b.ID,
		Amount: b.DepositAmount, Type: booking.EntryDeposit,
		Status: booking.EntrySuccess, Method: "online",
		Reference: "deposit_" + booking.DayStamp(confirmedAt), CreatedAt: confirmedAt,
	}))
	return b
}

// =============================================================================
// MIXED BATCH
// =============================================================================

func TestSweep_MixedBatch(t *testing.T) {
	// GIVEN: Three eligible bookings — one due a reminder, one due a
	//        deduction, one fully paid
	// WHEN: One sweep pass runs
	// THEN: Report counts each outcome; the reminder and termination are
	//       persisted; the paid-up booking is untouched

	s, mem, d := newTestSweeper(t)
	ctx := context.Background()

	remindMe := seedSweepBooking(t, mem, "bk-remind", 5, -1, 900)
	deductMe := seedSweepBooking(t, mem, "bk-deduct", 8, 3, 900)
	paidUp := seedSweepBooking(t, mem, "bk-paid", 20, -1, 0)

	report, err := s.Run(ctx, sweepTime)
	require.NoError(t, err)

	assert.Equal(t, 3, report.Processed)
	assert.Equal(t, 1, report.Reminded)
	assert.Equal(t, 1, report.Deducted)
	assert.Equal(t, 0, report.Failed)

	// Reminder persisted, status unchanged
	got, err := mem.GetBooking(ctx, remindMe.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ReminderSentAt)
	assert.Equal(t, booking.StatusInUse, got.Status)

	// Deduction persisted: terminated, deposit drained by 900, ledger entry,
	// admin task, car released
	got, err = mem.GetBooking(ctx, deductMe.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.StatusTerminated, got.Status)
	assert.True(t, got.DepositRemaining.Equal(booking.NewMoneyFromInt(100)))
	assert.True(t, got.RentDueAmount.IsZero())

	entries, err := mem.LedgerEntries(ctx, deductMe.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2, "seeded deposit plus the new deduction")
	assert.Equal(t, booking.EntryDeduction, entries[1].Type)
	assert.Equal(t, "auto_deduction_"+booking.DayStamp(sweepTime), entries[1].Reference)

	tasks, err := mem.AdminTasks(ctx, true)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, deductMe.ID, tasks[0].BookingID)

	car, err := mem.GetCar(ctx, deductMe.CarID)
	require.NoError(t, err)
	assert.True(t, car.Available)
	assert.Empty(t, car.CurrentBookingID)

	// Paid-up booking untouched
	got, err = mem.GetBooking(ctx, paidUp.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.StatusInUse, got.Status)
	assert.Nil(t, got.ReminderSentAt)

	// Side effects dispatched after commit
	assert.ElementsMatch(t, []string{"rent_reminder", "auto_termination"}, d.kinds())

	// Audit row
	run, ok, err := mem.GetSweepRun(ctx, booking.DayStamp(sweepTime))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, booking.SweepCompleted, run.Status)
	assert.Equal(t, 3, run.Processed)
	assert.Equal(t, 1, run.Deducted)
	require.NotNil(t, run.CompletedAt)
}

func TestSweep_ConfirmedBookingsAreEligible(t *testing.T) {
	// GIVEN: A booking still in confirmed (deposit not yet recorded) whose
	//        rent clock crossed the reminder threshold
	// WHEN: The sweep runs
	// THEN: The reminder fires — eligibility is confirmed OR in_use

	s, mem, _ := newTestSweeper(t)
	ctx := context.Background()

	b := seedSweepBooking(t, mem, "bk-conf", 5, -1, 900)
	b, err := mem.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	b.Status = booking.StatusConfirmed
	require.NoError(t, mem.UpdateBooking(ctx, b))

	report, err := s.Run(ctx, sweepTime)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reminded)
}

func TestSweep_ReminderWritesNotificationRecord(t *testing.T) {
	// GIVEN: A booking due a reminder
	// WHEN: The sweep runs, then runs again the same day
	// THEN: Exactly one durable notification record exists — written in the
	//       booking's transaction, not duplicated on re-run

	s, mem, _ := newTestSweeper(t)
	ctx := context.Background()

	b := seedSweepBooking(t, mem, "bk-remind", 5, -1, 900)

	_, err := s.Run(ctx, sweepTime)
	require.NoError(t, err)

	records, err := mem.NotificationsByBooking(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "rent_reminder", records[0].Kind)
	assert.Equal(t, string(b.DriverID), records[0].UserID)
	assert.Equal(t, sweepTime, records[0].CreatedAt)

	_, err = s.Run(ctx, sweepTime)
	require.NoError(t, err)

	records, err = mem.NotificationsByBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Len(t, records, 1, "re-run must not duplicate the record")
}

func TestSweep_TerminatesConfirmedBookingWithUncollectedDeposit(t *testing.T) {
	// GIVEN: A confirmed booking whose deposit was never collected
	//        (DepositRemaining zero, no deposit entry) that crossed the
	//        deduction threshold
	// WHEN: The sweep runs
	// THEN: The booking terminates with the full unpaid rent as debt — there
	//       is nothing to deduct, so no ledger entry is written — and the
	//       escalation, car release, and notice record all land

	s, mem, d := newTestSweeper(t)
	ctx := context.Background()

	confirmedAt := sweepTime.Add(-8 * 24 * time.Hour)
	remindedAt := sweepTime.Add(-3 * 24 * time.Hour)
	b := booking.Booking{
		ID:               "bk-conf",
		DriverID:         "driver-conf",
		OwnerID:          "owner-1",
		CarID:            "car-conf",
		Status:           booking.StatusConfirmed,
		DailyRate:        booking.NewMoneyFromInt(300),
		RentDueAmount:    booking.NewMoneyFromInt(900),
		DepositAmount:    booking.NewMoneyFromInt(1000),
		DepositRemaining: booking.ZeroMoney(),
		DebtAmount:       booking.ZeroMoney(),
		ConfirmedAt:      &confirmedAt,
		ReminderSentAt:   &remindedAt,
		CreatedAt:        confirmedAt,
	}
	require.NoError(t, mem.CreateBooking(ctx, b))
	require.NoError(t, mem.SaveCar(ctx, booking.Car{
		ID: b.CarID, OwnerID: b.OwnerID, Available: false, CurrentBookingID: b.ID,
	}))

	report, err := s.Run(ctx, sweepTime)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Deducted)
	assert.Equal(t, 0, report.Failed)

	got, err := mem.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.StatusTerminated, got.Status)
	assert.True(t, got.DebtAmount.Equal(booking.NewMoneyFromInt(900)), "full shortfall carried as debt")
	assert.True(t, got.DepositRemaining.IsZero())

	entries, err := mem.LedgerEntries(ctx, b.ID)
	require.NoError(t, err)
	assert.Empty(t, entries, "a zero deduction writes no ledger entry")

	tasks, err := mem.AdminTasks(ctx, true)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	car, err := mem.GetCar(ctx, b.CarID)
	require.NoError(t, err)
	assert.True(t, car.Available)

	records, err := mem.NotificationsByBooking(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "auto_termination", records[0].Kind)

	assert.Equal(t, []string{"auto_termination"}, d.kinds())
}

func TestSweep_DeductionFromPartiallyConsumedDeposit(t *testing.T) {
	// GIVEN: An active booking whose deposit was already partially liquidated
	//        on an earlier day: 1000 collected, 600 deducted, 400 remaining
	// WHEN: The sweep deducts for 900 of unpaid rent
	// THEN: Only the 400 left in escrow moves; the 500 shortfall becomes debt
	//       and the outstanding rent drops by the deducted amount only

	s, mem, _ := newTestSweeper(t)
	ctx := context.Background()

	b := seedSweepBooking(t, mem, "bk-part", 8, 3, 900)
	b, err := mem.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	b.DepositRemaining = booking.NewMoneyFromInt(400)
	require.NoError(t, mem.UpdateBooking(ctx, b))

	earlier := sweepTime.Add(-48 * time.Hour)
	require.NoError(t, mem.AppendLedgerEntry(ctx, booking.LedgerEntry{
		ID: "e-prior", BookingID: b.ID, Amount: booking.NewMoneyFromInt(600),
		Type: booking.EntryDeduction, Status: booking.EntrySuccess,
		Reference: "auto_deduction_" + booking.DayStamp(earlier), CreatedAt: earlier,
	}))

	report, err := s.Run(ctx, sweepTime)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Deducted)
	assert.Equal(t, 0, report.Failed)

	got, err := mem.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.StatusTerminated, got.Status)
	assert.True(t, got.DepositRemaining.IsZero())
	assert.True(t, got.DebtAmount.Equal(booking.NewMoneyFromInt(500)))
	assert.True(t, got.RentDueAmount.Equal(booking.NewMoneyFromInt(500)))

	entries, err := mem.LedgerEntries(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	last := entries[2]
	assert.Equal(t, booking.EntryDeduction, last.Type)
	assert.True(t, last.Amount.Equal(booking.NewMoneyFromInt(400)))
	assert.Equal(t, "auto_deduction_"+booking.DayStamp(sweepTime), last.Reference)
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

func TestSweep_SecondRunSameDayIsHarmless(t *testing.T) {
	// GIVEN: A pass that already reminded one booking and terminated another
	// WHEN: The sweep runs again with the same timestamp (crash-and-rerun)
	// THEN: No second reminder, no second deduction entry, no second task,
	//       and the audit row keeps its original id

	s, mem, d := newTestSweeper(t)
	ctx := context.Background()

	seedSweepBooking(t, mem, "bk-remind", 5, -1, 900)
	deductMe := seedSweepBooking(t, mem, "bk-deduct", 8, 3, 900)

	_, err := s.Run(ctx, sweepTime)
	require.NoError(t, err)

	firstRun, ok, err := mem.GetSweepRun(ctx, booking.DayStamp(sweepTime))
	require.NoError(t, err)
	require.True(t, ok)
	noticesAfterFirst := len(d.kinds())

	report, err := s.Run(ctx, sweepTime)
	require.NoError(t, err)

	assert.Equal(t, 0, report.Reminded, "reminder must not repeat")
	assert.Equal(t, 0, report.Deducted, "deduction must not repeat")
	assert.Equal(t, 0, report.Failed)

	entries, err := mem.LedgerEntries(ctx, deductMe.ID)
	require.NoError(t, err)
	assert.True(t, booking.DeductionSum(entries).Equal(booking.NewMoneyFromInt(900)),
		"exactly one deduction across both passes")

	tasks, err := mem.AdminTasks(ctx, false)
	require.NoError(t, err)
	assert.Len(t, tasks, 1, "exactly one admin task across both passes")

	assert.Equal(t, noticesAfterFirst, len(d.kinds()), "no duplicate notices")

	secondRun, ok, err := mem.GetSweepRun(ctx, booking.DayStamp(sweepTime))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, firstRun.ID, secondRun.ID, "one audit row per day")
}

// =============================================================================
// PARTIAL-FAILURE ISOLATION
// =============================================================================

// brokenUpdateStore fails UpdateBooking for one booking id. Everything else
// passes through to the memory store.
type brokenUpdateStore struct {
	*store.TxMemory
	failID booking.BookingID
}

func (b *brokenUpdateStore) RunTransaction(ctx context.Context, fn func(booking.Store) error) error {
	return b.TxMemory.RunTransaction(ctx, func(s booking.Store) error {
		return fn(&brokenUpdateView{Store: s, failID: b.failID})
	})
}

type brokenUpdateView struct {
	booking.Store
	failID booking.BookingID
}

func (v *brokenUpdateView) UpdateBooking(ctx context.Context, b booking.Booking) error {
	if b.ID == v.failID {
		return booking.ErrPersistenceUnavailable
	}
	return v.Store.UpdateBooking(ctx, b)
}

func TestSweep_PartialFailureIsolation(t *testing.T) {
	// GIVEN: Two bookings due a reminder, one of which always fails to persist
	// WHEN: The sweep runs
	// THEN: The healthy booking's reminder commits; the broken one is counted
	//       as failed and left untouched for the next cycle

	mem := store.NewTxMemory()
	d := &captureDispatcher{}
	ctx := context.Background()

	healthy := seedSweepBooking(t, mem, "bk-good", 5, -1, 900)
	broken := seedSweepBooking(t, mem, "bk-bad", 5, -1, 900)

	flaky := &brokenUpdateStore{TxMemory: mem, failID: broken.ID}
	s := sweep.NewSweeper(flaky, mem, d, zap.NewNop())
	s.Concurrency = 1
	s.MaxAttempts = 2

	report, err := s.Run(ctx, sweepTime)
	require.NoError(t, err, "batch errors are per-booking, the pass itself succeeds")

	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, 1, report.Reminded)
	assert.Equal(t, 1, report.Failed)

	got, err := mem.GetBooking(ctx, healthy.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.ReminderSentAt)

	got, err = mem.GetBooking(ctx, broken.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ReminderSentAt, "failed booking rolls back cleanly")

	assert.Equal(t, []string{"rent_reminder"}, d.kinds(), "no notice for the failed booking")
}
