/*
store.go - Persistence interfaces for the booking engine

PURPOSE:
  Defines the contract between the engine and its storage collaborator.
  The engine never talks to a database directly; everything goes through
  these interfaces so the core stays storage-agnostic.

KEY INTERFACES:
  Store:   Reads and writes for bookings, ledger entries, cars, admin tasks
  TxStore: Adds the unit-of-work boundary (RunTransaction)

UNIT OF WORK:
  All writes for a single booking (booking update + ledger append + car
  update + admin task) happen inside one RunTransaction call. The store
  guarantees all-or-nothing within that call. Across bookings there is no
  such guarantee: the sweep relies on per-booking isolation.

OPTIMISTIC CONCURRENCY:
  UpdateBooking compares the Version it was handed against the persisted
  row. A mismatch means someone else committed first; the store returns
  ErrConcurrentModification and the caller retries from a fresh read.

APPEND-ONLY LEDGER:
  AppendLedgerEntry is the only ledger write. There is no update and no
  delete; SettleLedgerEntry flips a pending rent entry to success and is
  the single sanctioned status mutation. Duplicate (booking, type,
  reference) writes fail with ErrDuplicateReference.

IMPLEMENTATIONS:
  - store/sqlite: Production SQLite store
  - booking/store: In-memory store for tests

SEE ALSO:
  - engine.go: Drives these interfaces
  - sweep/sweeper.go: Per-booking RunTransaction usage
*/
package booking

import "context"

// Store handles persistence for bookings and their satellites.
type Store interface {
	// GetBooking returns the booking or ErrBookingNotFound.
	GetBooking(ctx context.Context, id BookingID) (Booking, error)

	// QueryByStatus returns all bookings in any of the given statuses.
	QueryByStatus(ctx context.Context, statuses ...Status) ([]Booking, error)

	// QueryByDriver returns all bookings for a driver, newest first.
	QueryByDriver(ctx context.Context, driverID DriverID) ([]Booking, error)

	// QueryByOwner returns all bookings for an owner, newest first.
	QueryByOwner(ctx context.Context, ownerID OwnerID) ([]Booking, error)

	// CreateBooking persists a new booking record.
	CreateBooking(ctx context.Context, b Booking) error

	// UpdateBooking persists a mutation. The booking's Version must match
	// the stored row or ErrConcurrentModification is returned; on success
	// the stored version is incremented.
	UpdateBooking(ctx context.Context, b Booking) error

	// AppendLedgerEntry appends one immutable monetary event. Returns
	// ErrDuplicateReference if (booking, type, reference) already exists.
	AppendLedgerEntry(ctx context.Context, entry LedgerEntry) error

	// LedgerEntries returns a booking's ledger, oldest first.
	LedgerEntries(ctx context.Context, id BookingID) ([]LedgerEntry, error)

	// GetLedgerEntry returns one entry or ErrEntryNotFound.
	GetLedgerEntry(ctx context.Context, id BookingID, entryID EntryID) (LedgerEntry, error)

	// SettleLedgerEntry flips a pending rent entry to success. This is the
	// only mutation the ledger permits.
	SettleLedgerEntry(ctx context.Context, id BookingID, entryID EntryID) error

	// GetCar returns the car or ErrCarNotFound.
	GetCar(ctx context.Context, id CarID) (Car, error)

	// SaveCar upserts the car's availability state. Only ever called from
	// inside a booking transaction.
	SaveCar(ctx context.Context, c Car) error

	// SaveAdminTask persists an escalation task. Returns ErrDuplicateAdminTask
	// if a task for the same booking and calendar day already exists.
	SaveAdminTask(ctx context.Context, task AdminTask) error

	// AdminTasks returns escalation tasks, optionally filtered to unprocessed.
	AdminTasks(ctx context.Context, unprocessedOnly bool) ([]AdminTask, error)

	// SaveNotification persists the durable record of a notice, in the same
	// transaction as the transition that produced it.
	SaveNotification(ctx context.Context, n NotificationRecord) error

	// NotificationsByBooking returns a booking's notification records,
	// oldest first.
	NotificationsByBooking(ctx context.Context, id BookingID) ([]NotificationRecord, error)
}

// TxStore wraps Store with the unit-of-work boundary.
type TxStore interface {
	Store

	// RunTransaction executes fn against a transactional view of the store.
	// If fn returns an error the transaction rolls back and the error is
	// returned unchanged; otherwise it commits.
	RunTransaction(ctx context.Context, fn func(Store) error) error
}
