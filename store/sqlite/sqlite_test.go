/*
sqlite_test.go - Persistence guarantees the engine and sweep lean on

ORGANIZATION:
  1. Round-trips - Bookings, history, ledger, cars survive the schema
  2. Optimistic concurrency - Version compare-and-increment
  3. Uniqueness - Ledger references, admin tasks, sweep runs
  4. Transactions - Rollback leaves no partial writes

Every test runs against ":memory:" so the suite needs no filesystem.
*/
package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drivelane/booking-engine/booking"
	"github.com/drivelane/booking-engine/store/sqlite"
)

var storeNow = time.Date(2026, time.May, 4, 9, 30, 0, 0, time.UTC)

// =============================================================================
// TEST FIXTURES
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	st, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func storedBooking(id string) booking.Booking {
	return booking.Booking{
		ID:               booking.BookingID(id),
		DriverID:         "driver-1",
		OwnerID:          "owner-1",
		CarID:            "car-1",
		Status:           booking.StatusRequested,
		DailyRate:        booking.NewMoneyFromInt(50),
		RentDueAmount:    booking.NewMoneyFromInt(250),
		DepositAmount:    booking.NewMoneyFromInt(200),
		DepositRemaining: booking.ZeroMoney(),
		DebtAmount:       booking.ZeroMoney(),
		StatusHistory: []booking.StatusChange{
			{From: "", To: booking.StatusRequested, ChangedBy: "driver-1", ChangedByType: "driver", ChangedAt: storeNow, Note: "Booking requested"},
		},
		CreatedAt: storeNow,
		UpdatedAt: storeNow,
	}
}

func rentEntry(id, bookingID, reference string, status booking.EntryStatus) booking.LedgerEntry {
	return booking.LedgerEntry{
		ID:        booking.EntryID(id),
		BookingID: booking.BookingID(bookingID),
		Amount:    booking.NewMoneyFromInt(300),
		Type:      booking.EntryRent,
		Method:    "cash",
		Status:    status,
		Reference: reference,
		CreatedBy: "driver-1",
		CreatedAt: storeNow,
	}
}

// =============================================================================
// ROUND-TRIPS
// =============================================================================

func TestStore_BookingRoundTrip(t *testing.T) {
	// GIVEN: A freshly created booking with one history record
	// WHEN: Reading it back
	// THEN: Every field, the history and the nil timestamps survive

	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateBooking(ctx, storedBooking("bk-1")))

	got, err := st.GetBooking(ctx, "bk-1")
	require.NoError(t, err)
	assert.Equal(t, booking.StatusRequested, got.Status)
	assert.True(t, got.DailyRate.Equal(booking.NewMoneyFromInt(50)))
	assert.True(t, got.RentDueAmount.Equal(booking.NewMoneyFromInt(250)))
	assert.Nil(t, got.ConfirmedAt)
	assert.Nil(t, got.ReminderSentAt)
	assert.Equal(t, int64(0), got.Version)

	require.Len(t, got.StatusHistory, 1)
	assert.Equal(t, booking.StatusRequested, got.StatusHistory[0].To)
	assert.Equal(t, "driver", got.StatusHistory[0].ChangedByType)
	assert.Equal(t, "Booking requested", got.StatusHistory[0].Note)
}

func TestStore_GetBookingNotFound(t *testing.T) {
	st := newTestStore(t)
	_, err := st.GetBooking(context.Background(), "missing")
	assert.ErrorIs(t, err, booking.ErrBookingNotFound)
}

func TestStore_QueryByStatusDriverOwner(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	a := storedBooking("bk-a")
	b := storedBooking("bk-b")
	b.DriverID = "driver-2"
	b.Status = booking.StatusInUse
	require.NoError(t, st.CreateBooking(ctx, a))
	require.NoError(t, st.CreateBooking(ctx, b))

	inUse, err := st.QueryByStatus(ctx, booking.StatusConfirmed, booking.StatusInUse)
	require.NoError(t, err)
	require.Len(t, inUse, 1)
	assert.Equal(t, booking.BookingID("bk-b"), inUse[0].ID)

	byDriver, err := st.QueryByDriver(ctx, "driver-1")
	require.NoError(t, err)
	require.Len(t, byDriver, 1)
	assert.Equal(t, booking.BookingID("bk-a"), byDriver[0].ID)

	byOwner, err := st.QueryByOwner(ctx, "owner-1")
	require.NoError(t, err)
	assert.Len(t, byOwner, 2)
}

func TestStore_CarRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.SaveCar(ctx, booking.Car{
		ID: "car-1", OwnerID: "owner-1", Available: false, CurrentBookingID: "bk-1",
	}))

	car, err := st.GetCar(ctx, "car-1")
	require.NoError(t, err)
	assert.False(t, car.Available)
	assert.Equal(t, booking.BookingID("bk-1"), car.CurrentBookingID)

	// Release: upsert flips the flag and clears the occupant
	car.Available = true
	car.CurrentBookingID = ""
	require.NoError(t, st.SaveCar(ctx, car))

	car, err = st.GetCar(ctx, "car-1")
	require.NoError(t, err)
	assert.True(t, car.Available)
	assert.Empty(t, car.CurrentBookingID)

	_, err = st.GetCar(ctx, "car-404")
	assert.ErrorIs(t, err, booking.ErrCarNotFound)
}

// =============================================================================
// OPTIMISTIC CONCURRENCY
// =============================================================================

func TestStore_UpdateBookingIncrementsVersion(t *testing.T) {
	// GIVEN: A booking at version 0
	// WHEN: Updating with the version we read
	// THEN: The write lands and the stored version is 1

	st := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.CreateBooking(ctx, storedBooking("bk-1")))

	b, err := st.GetBooking(ctx, "bk-1")
	require.NoError(t, err)
	b.Status = booking.StatusConfirmed
	confirmedAt := storeNow
	b.ConfirmedAt = &confirmedAt
	b.StatusHistory = append(b.StatusHistory, booking.StatusChange{
		From: booking.StatusRequested, To: booking.StatusConfirmed,
		ChangedBy: "owner-1", ChangedAt: storeNow,
	})
	require.NoError(t, st.UpdateBooking(ctx, b))

	got, err := st.GetBooking(ctx, "bk-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, booking.StatusConfirmed, got.Status)
	require.NotNil(t, got.ConfirmedAt)
	assert.True(t, got.ConfirmedAt.Equal(storeNow))

	// Only the appended history tail was inserted, no duplicates
	require.Len(t, got.StatusHistory, 2)
	assert.Equal(t, booking.StatusConfirmed, got.StatusHistory[1].To)
}

func TestStore_UpdateBookingStaleVersionRejected(t *testing.T) {
	// GIVEN: Two readers holding the same version
	// WHEN: The second writes after the first already committed
	// THEN: ErrConcurrentModification, and the loser's changes never land

	st := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.CreateBooking(ctx, storedBooking("bk-1")))

	first, err := st.GetBooking(ctx, "bk-1")
	require.NoError(t, err)
	second := first

	first.Status = booking.StatusConfirmed
	require.NoError(t, st.UpdateBooking(ctx, first))

	second.Status = booking.StatusCancelled
	err = st.UpdateBooking(ctx, second)
	assert.ErrorIs(t, err, booking.ErrConcurrentModification)

	got, err := st.GetBooking(ctx, "bk-1")
	require.NoError(t, err)
	assert.Equal(t, booking.StatusConfirmed, got.Status, "the losing write must not land")
}

func TestStore_UpdateUnknownBooking(t *testing.T) {
	st := newTestStore(t)
	err := st.UpdateBooking(context.Background(), storedBooking("ghost"))
	assert.ErrorIs(t, err, booking.ErrBookingNotFound)
}

// =============================================================================
// LEDGER
// =============================================================================

func TestStore_DuplicateLedgerReferenceRejected(t *testing.T) {
	// GIVEN: A deduction entry for today already on the ledger
	// WHEN: Appending a second entry with the same booking, type and reference
	// THEN: ErrDuplicateReference — the unique index is the idempotency backstop

	st := newTestStore(t)
	ctx := context.Background()
	ref := "auto_deduction_" + booking.DayStamp(storeNow)

	first := rentEntry("e-1", "bk-1", ref, booking.EntrySuccess)
	first.Type = booking.EntryDeduction
	require.NoError(t, st.AppendLedgerEntry(ctx, first))

	dup := rentEntry("e-2", "bk-1", ref, booking.EntrySuccess)
	dup.Type = booking.EntryDeduction
	assert.ErrorIs(t, st.AppendLedgerEntry(ctx, dup), booking.ErrDuplicateReference)

	// Same reference on a different booking is fine
	other := rentEntry("e-3", "bk-2", ref, booking.EntrySuccess)
	other.Type = booking.EntryDeduction
	assert.NoError(t, st.AppendLedgerEntry(ctx, other))
}

func TestStore_SettleLedgerEntry(t *testing.T) {
	// GIVEN: A pending rent declaration
	// WHEN: Settling it
	// THEN: Status flips to success; settling again or settling a deposit fails

	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.AppendLedgerEntry(ctx, rentEntry("e-1", "bk-1", "driver_declared_cash_e-1", booking.EntryPending)))
	require.NoError(t, st.SettleLedgerEntry(ctx, "bk-1", "e-1"))

	got, err := st.GetLedgerEntry(ctx, "bk-1", "e-1")
	require.NoError(t, err)
	assert.Equal(t, booking.EntrySuccess, got.Status)
	assert.True(t, got.Amount.Equal(booking.NewMoneyFromInt(300)), "amount stays immutable")

	// Already settled
	assert.ErrorIs(t, st.SettleLedgerEntry(ctx, "bk-1", "e-1"), booking.ErrEntryNotFound)

	// Wrong entry type
	dep := rentEntry("e-2", "bk-1", "deposit_2026-05-04", booking.EntryPending)
	dep.Type = booking.EntryDeposit
	require.NoError(t, st.AppendLedgerEntry(ctx, dep))
	assert.ErrorIs(t, st.SettleLedgerEntry(ctx, "bk-1", "e-2"), booking.ErrEntryNotFound)
}

func TestStore_LedgerEntriesOrdered(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	later := rentEntry("e-2", "bk-1", "ref-2", booking.EntrySuccess)
	later.CreatedAt = storeNow.Add(time.Hour)
	require.NoError(t, st.AppendLedgerEntry(ctx, later))
	require.NoError(t, st.AppendLedgerEntry(ctx, rentEntry("e-1", "bk-1", "ref-1", booking.EntrySuccess)))

	entries, err := st.LedgerEntries(ctx, "bk-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, booking.EntryID("e-1"), entries[0].ID, "oldest first")
	assert.Equal(t, booking.EntryID("e-2"), entries[1].ID)
}

// =============================================================================
// ADMIN TASKS
// =============================================================================

func TestStore_AdminTaskUniquePerBookingAndDay(t *testing.T) {
	// GIVEN: An auto-termination task recorded for a booking today
	// WHEN: A re-run tries to record another for the same booking and day
	// THEN: ErrDuplicateAdminTask; a different day is accepted

	st := newTestStore(t)
	ctx := context.Background()

	task := booking.AdminTask{
		ID: "task-1", BookingID: "bk-1", Type: booking.TaskAutoTermination,
		Message: "Auto-terminated booking bk-1. Deducted 900 from deposit.", CreatedAt: storeNow,
	}
	require.NoError(t, st.SaveAdminTask(ctx, task))

	dup := task
	dup.ID = "task-2"
	assert.ErrorIs(t, st.SaveAdminTask(ctx, dup), booking.ErrDuplicateAdminTask)

	nextDay := task
	nextDay.ID = "task-3"
	nextDay.CreatedAt = storeNow.Add(24 * time.Hour)
	assert.NoError(t, st.SaveAdminTask(ctx, nextDay))

	unprocessed, err := st.AdminTasks(ctx, true)
	require.NoError(t, err)
	assert.Len(t, unprocessed, 2)
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

func TestStore_NotificationRoundTrip(t *testing.T) {
	// GIVEN: Two notices recorded for one booking, one for another
	// WHEN: Reading them back by booking
	// THEN: Only that booking's records return, oldest first

	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.SaveNotification(ctx, booking.NotificationRecord{
		ID: "n-2", BookingID: "bk-1", UserID: "driver-1",
		Kind: "auto_termination", Message: "Your booking was terminated; 900 was deducted from your deposit.",
		CreatedAt: storeNow.Add(72 * time.Hour),
	}))
	require.NoError(t, st.SaveNotification(ctx, booking.NotificationRecord{
		ID: "n-1", BookingID: "bk-1", UserID: "driver-1",
		Kind: "rent_reminder", Message: "Rent is overdue.", CreatedAt: storeNow,
	}))
	require.NoError(t, st.SaveNotification(ctx, booking.NotificationRecord{
		ID: "n-3", BookingID: "bk-2", UserID: "driver-2",
		Kind: "rent_reminder", Message: "Rent is overdue.", CreatedAt: storeNow,
	}))

	records, err := st.NotificationsByBooking(ctx, "bk-1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, booking.NotificationID("n-1"), records[0].ID, "oldest first")
	assert.Equal(t, "rent_reminder", records[0].Kind)
	assert.Equal(t, booking.NotificationID("n-2"), records[1].ID)
	assert.True(t, records[1].CreatedAt.Equal(storeNow.Add(72*time.Hour)))
}

// =============================================================================
// SWEEP RUNS
// =============================================================================

func TestStore_SweepRunUpsertPerDay(t *testing.T) {
	// GIVEN: A running sweep audit row for today
	// WHEN: The same day is saved again with final counts
	// THEN: One row, original id preserved, counts updated

	st := newTestStore(t)
	ctx := context.Background()
	day := booking.DayStamp(storeNow)

	require.NoError(t, st.SaveSweepRun(ctx, booking.SweepRun{
		ID: "run-1", Day: day, Status: booking.SweepRunning,
		StartedAt: storeNow, CreatedAt: storeNow,
	}))

	completedAt := storeNow.Add(time.Minute)
	require.NoError(t, st.SaveSweepRun(ctx, booking.SweepRun{
		ID: "run-1", Day: day, Status: booking.SweepCompleted,
		Processed: 5, Reminded: 2, Deducted: 1,
		StartedAt: storeNow, CompletedAt: &completedAt, CreatedAt: storeNow,
	}))

	run, ok, err := st.GetSweepRun(ctx, day)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "run-1", run.ID)
	assert.Equal(t, booking.SweepCompleted, run.Status)
	assert.Equal(t, 5, run.Processed)
	assert.Equal(t, 2, run.Reminded)
	require.NotNil(t, run.CompletedAt)

	_, ok, err = st.GetSweepRun(ctx, "1999-01-01")
	require.NoError(t, err)
	assert.False(t, ok)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestStore_RunTransactionRollsBackOnError(t *testing.T) {
	// GIVEN: A transaction that updates a booking and appends a ledger entry
	// WHEN: The callback returns an error after both writes
	// THEN: Neither write is visible afterwards

	st := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.CreateBooking(ctx, storedBooking("bk-1")))

	sentinel := booking.ErrDepositInvariant
	err := st.RunTransaction(ctx, func(s booking.Store) error {
		b, err := s.GetBooking(ctx, "bk-1")
		if err != nil {
			return err
		}
		b.Status = booking.StatusConfirmed
		if err := s.UpdateBooking(ctx, b); err != nil {
			return err
		}
		if err := s.AppendLedgerEntry(ctx, rentEntry("e-1", "bk-1", "ref-1", booking.EntrySuccess)); err != nil {
			return err
		}
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	got, err := st.GetBooking(ctx, "bk-1")
	require.NoError(t, err)
	assert.Equal(t, booking.StatusRequested, got.Status, "update rolled back")
	assert.Equal(t, int64(0), got.Version)

	entries, err := st.LedgerEntries(ctx, "bk-1")
	require.NoError(t, err)
	assert.Empty(t, entries, "ledger append rolled back")
}

func TestStore_RunTransactionCommits(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.CreateBooking(ctx, storedBooking("bk-1")))

	err := st.RunTransaction(ctx, func(s booking.Store) error {
		b, err := s.GetBooking(ctx, "bk-1")
		if err != nil {
			return err
		}
		b.Status = booking.StatusConfirmed
		return s.UpdateBooking(ctx, b)
	})
	require.NoError(t, err)

	got, err := st.GetBooking(ctx, "bk-1")
	require.NoError(t, err)
	assert.Equal(t, booking.StatusConfirmed, got.Status)
	assert.Equal(t, int64(1), got.Version)
}
