/*
engine.go - Transactional booking operations

PURPOSE:
  The Engine wraps the pure state machine with the optimistic transaction
  discipline every caller must follow: read fresh state, apply the pure
  transition, write everything atomically, retry on conflict. Manual actions
  (confirm, cancel, complete, deposit, rent) and the reconciliation sweep all
  go through the same discipline so neither can ever commit against a stale
  read of the other.

RETRY POLICY:
  ErrConcurrentModification and ErrPersistenceUnavailable are retried with
  exponential backoff up to MaxAttempts. Everything else surfaces immediately:
  InvalidTransition is a caller mistake, invariant violations are bugs, and
  neither gets better by retrying.

CAR OWNERSHIP:
  The car availability flag is only ever mutated inside a booking transaction:
  - Confirm:            car occupied, back-reference set
  - Complete/Terminate: car released, back-reference cleared
  - Cancel (from confirmed): car released

SIDE EFFECTS:
  Notifications are enqueued after the transaction commits, never inside it.
  A dispatch failure is logged and left to the dispatcher's retry loop; it
  cannot roll back a committed transition.

SEE ALSO:
  - statemachine.go: The pure transitions
  - sweep/sweeper.go: The batch counterpart of this file
*/
package booking

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Notifier is the notification collaborator. Enqueue is fire-and-forget from
// the engine's perspective; delivery mechanics live elsewhere.
type Notifier interface {
	Enqueue(ctx context.Context, userID string, kind string, payload map[string]string) error
}

// DefaultMaxAttempts bounds the optimistic retry loop for manual actions.
const DefaultMaxAttempts = 3

// Engine exposes the booking operations consumed by the serving layer.
type Engine struct {
	Store       TxStore
	Notifier    Notifier
	Log         *zap.Logger
	MaxAttempts int

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

func NewEngine(store TxStore, notifier Notifier, log *zap.Logger) *Engine {
	return &Engine{
		Store:       store,
		Notifier:    notifier,
		Log:         log,
		MaxAttempts: DefaultMaxAttempts,
		Now:         time.Now,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// withRetry runs fn as one optimistic transaction, retrying bounded times on
// conflict. Each attempt re-reads inside a fresh transaction.
func (e *Engine) withRetry(ctx context.Context, fn func(Store) error) error {
	attempts := e.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}

	var err error
	for i := 0; i < attempts; i++ {
		err = e.Store.RunTransaction(ctx, fn)
		if err == nil || !IsRetryable(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(50*(1<<i)) * time.Millisecond):
		}
	}
	return err
}

// =============================================================================
// MANUAL STATUS ACTIONS
// =============================================================================

// BookingRequest carries the fields a driver supplies when requesting a rental.
type BookingRequest struct {
	DriverID      DriverID
	OwnerID       OwnerID
	CarID         CarID
	DailyRate     Money
	DepositAmount Money
	RentDue       Money
}

// RequestBooking creates a new booking in requested status.
func (e *Engine) RequestBooking(ctx context.Context, req BookingRequest) (Booking, error) {
	now := e.now()
	b := Booking{
		ID:               BookingID(uuid.NewString()),
		DriverID:         req.DriverID,
		OwnerID:          req.OwnerID,
		CarID:            req.CarID,
		Status:           StatusRequested,
		DailyRate:        req.DailyRate,
		RentDueAmount:    req.RentDue,
		DepositAmount:    req.DepositAmount,
		DepositRemaining: ZeroMoney(),
		DebtAmount:       ZeroMoney(),
		StatusHistory: []StatusChange{{
			From:          "",
			To:            StatusRequested,
			ChangedBy:     string(req.DriverID),
			ChangedByType: "driver",
			ChangedAt:     now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := e.withRetry(ctx, func(s Store) error {
		return s.CreateBooking(ctx, b)
	})
	if err != nil {
		return Booking{}, err
	}

	e.enqueue(ctx, string(b.OwnerID), "booking_requested", map[string]string{
		"bookingId": string(b.ID),
	})
	return b, nil
}

// ConfirmBooking moves a requested booking to confirmed, occupies the car,
// and starts the rent clock.
func (e *Engine) ConfirmBooking(ctx context.Context, id BookingID, actorID string) (Booking, error) {
	var result Booking
	now := e.now()
	err := e.withRetry(ctx, func(s Store) error {
		b, err := s.GetBooking(ctx, id)
		if err != nil {
			return err
		}
		b, err = Confirm(b, actorFor(b, actorID), now)
		if err != nil {
			return err
		}
		if b.CarID != "" {
			car, err := s.GetCar(ctx, b.CarID)
			if err != nil {
				return err
			}
			car.Available = false
			car.CurrentBookingID = b.ID
			if err := s.SaveCar(ctx, car); err != nil {
				return err
			}
		}
		if err := s.UpdateBooking(ctx, b); err != nil {
			return err
		}
		result = b
		return nil
	})
	if err != nil {
		return Booking{}, err
	}

	e.enqueue(ctx, string(result.DriverID), "booking_confirmed", map[string]string{
		"bookingId": string(result.ID),
	})
	return result, nil
}

// RecordDepositPaid records the security deposit and starts the rental.
// Calling it twice is an idempotent no-op: the current booking is returned
// unchanged.
func (e *Engine) RecordDepositPaid(ctx context.Context, id BookingID, method string, actorID string) (Booking, error) {
	var result Booking
	now := e.now()
	err := e.withRetry(ctx, func(s Store) error {
		b, err := s.GetBooking(ctx, id)
		if err != nil {
			return err
		}
		b, entry, err := RecordDepositPaid(b, method, actorFor(b, actorID), now)
		if errors.Is(err, ErrDepositAlreadyRecorded) {
			result = b
			return nil
		}
		if err != nil {
			return err
		}
		entry.ID = EntryID(uuid.NewString())

		if err := s.AppendLedgerEntry(ctx, entry); err != nil {
			if errors.Is(err, ErrDuplicateReference) {
				// Deposit already written by a racing request; no-op.
				result = b
				return nil
			}
			return err
		}

		entries, err := s.LedgerEntries(ctx, b.ID)
		if err != nil {
			return err
		}
		if err := VerifyDepositInvariant(b, entries); err != nil {
			return err
		}
		if err := s.UpdateBooking(ctx, b); err != nil {
			return err
		}
		result = b
		return nil
	})
	if err != nil {
		return Booking{}, err
	}

	e.enqueue(ctx, string(result.OwnerID), "deposit_collected", map[string]string{
		"bookingId": string(result.ID),
		"amount":    result.DepositAmount.String(),
	})
	return result, nil
}

// CancelBooking cancels a requested or confirmed booking. A car occupied by
// the confirmation is released in the same transaction.
func (e *Engine) CancelBooking(ctx context.Context, id BookingID, reason string, actorID string) (Booking, error) {
	var result Booking
	now := e.now()
	err := e.withRetry(ctx, func(s Store) error {
		b, err := s.GetBooking(ctx, id)
		if err != nil {
			return err
		}
		wasConfirmed := b.Status == StatusConfirmed
		b, err = Cancel(b, reason, actorFor(b, actorID), now)
		if err != nil {
			return err
		}
		if wasConfirmed && b.CarID != "" {
			if err := releaseCar(ctx, s, b); err != nil {
				return err
			}
		}
		if err := s.UpdateBooking(ctx, b); err != nil {
			return err
		}
		result = b
		return nil
	})
	if err != nil {
		return Booking{}, err
	}

	e.enqueue(ctx, string(result.OwnerID), "booking_cancelled", map[string]string{
		"bookingId": string(result.ID),
		"reason":    reason,
	})
	return result, nil
}

// CompleteBooking closes out an active rental and releases the car.
// Outstanding rent blocks completion unless forceWithDebt is set.
func (e *Engine) CompleteBooking(ctx context.Context, id BookingID, actorID string, forceWithDebt bool) (Booking, error) {
	var result Booking
	now := e.now()
	err := e.withRetry(ctx, func(s Store) error {
		b, err := s.GetBooking(ctx, id)
		if err != nil {
			return err
		}
		b, err = Complete(b, actorFor(b, actorID), forceWithDebt, now)
		if err != nil {
			return err
		}
		if b.CarID != "" {
			if err := releaseCar(ctx, s, b); err != nil {
				return err
			}
		}
		if err := s.UpdateBooking(ctx, b); err != nil {
			return err
		}
		result = b
		return nil
	})
	if err != nil {
		return Booking{}, err
	}

	e.enqueue(ctx, string(result.DriverID), "booking_completed", map[string]string{
		"bookingId": string(result.ID),
	})
	return result, nil
}

// =============================================================================
// RENT PAYMENTS
// =============================================================================

// DeclareRentPayment records a driver's declared cash payment as a pending
// rent entry. Outstanding rent is untouched until the owner settles it.
func (e *Engine) DeclareRentPayment(ctx context.Context, id BookingID, amount Money, actorID string) (LedgerEntry, error) {
	var result LedgerEntry
	var ownerID OwnerID
	now := e.now()
	err := e.withRetry(ctx, func(s Store) error {
		b, err := s.GetBooking(ctx, id)
		if err != nil {
			return err
		}
		ownerID = b.OwnerID
		entryID := EntryID(uuid.NewString())
		entry, err := DeclareRentPayment(b, entryID, amount, actorFor(b, actorID), now)
		if err != nil {
			return err
		}
		if err := s.AppendLedgerEntry(ctx, entry); err != nil {
			return err
		}
		result = entry
		return nil
	})
	if err != nil {
		return LedgerEntry{}, err
	}

	e.enqueue(ctx, string(ownerID), "rent_declared", map[string]string{
		"bookingId": string(id),
		"amount":    amount.String(),
	})
	return result, nil
}

// ConfirmRentPayment settles a pending rent declaration, reducing the
// booking's outstanding rent in the same transaction.
func (e *Engine) ConfirmRentPayment(ctx context.Context, id BookingID, entryID EntryID, actorID string) (Booking, error) {
	var result Booking
	now := e.now()
	err := e.withRetry(ctx, func(s Store) error {
		b, err := s.GetBooking(ctx, id)
		if err != nil {
			return err
		}
		entry, err := s.GetLedgerEntry(ctx, id, entryID)
		if err != nil {
			return err
		}
		b, _, err = SettleRentPayment(b, entry, now)
		if err != nil {
			return err
		}
		if err := s.SettleLedgerEntry(ctx, id, entryID); err != nil {
			return err
		}
		if err := s.UpdateBooking(ctx, b); err != nil {
			return err
		}
		result = b
		return nil
	})
	if err != nil {
		return Booking{}, err
	}

	e.enqueue(ctx, string(result.DriverID), "rent_confirmed", map[string]string{
		"bookingId": string(result.ID),
	})
	return result, nil
}

// =============================================================================
// READS
// =============================================================================

func (e *Engine) GetBooking(ctx context.Context, id BookingID) (Booking, error) {
	return e.Store.GetBooking(ctx, id)
}

func (e *Engine) BookingsByDriver(ctx context.Context, driverID DriverID) ([]Booking, error) {
	return e.Store.QueryByDriver(ctx, driverID)
}

func (e *Engine) BookingsByOwner(ctx context.Context, ownerID OwnerID) ([]Booking, error) {
	return e.Store.QueryByOwner(ctx, ownerID)
}

func (e *Engine) BookingsByStatus(ctx context.Context, statuses ...Status) ([]Booking, error) {
	return e.Store.QueryByStatus(ctx, statuses...)
}

func (e *Engine) LedgerEntries(ctx context.Context, id BookingID) ([]LedgerEntry, error) {
	return e.Store.LedgerEntries(ctx, id)
}

func (e *Engine) AdminTasks(ctx context.Context, unprocessedOnly bool) ([]AdminTask, error) {
	return e.Store.AdminTasks(ctx, unprocessedOnly)
}

// OwnerEarnings sums the settled rent across an owner's bookings.
type OwnerEarnings struct {
	OwnerID      OwnerID
	Total        Money
	BookingCount int
}

func (e *Engine) GetOwnerEarnings(ctx context.Context, ownerID OwnerID) (OwnerEarnings, error) {
	bookings, err := e.Store.QueryByOwner(ctx, ownerID)
	if err != nil {
		return OwnerEarnings{}, err
	}
	earnings := OwnerEarnings{OwnerID: ownerID, Total: ZeroMoney()}
	for _, b := range bookings {
		entries, err := e.Store.LedgerEntries(ctx, b.ID)
		if err != nil {
			return OwnerEarnings{}, err
		}
		settled := SettledRentSum(entries)
		if settled.IsPositive() {
			earnings.Total = earnings.Total.Add(settled)
			earnings.BookingCount++
		}
	}
	return earnings, nil
}

// =============================================================================
// INTERNAL
// =============================================================================

// actorFor resolves the role of the caller against the booking's participants.
// The history record carries the resolved role, so "owner cancelled" and
// "driver cancelled" stay distinguishable in the audit trail.
func actorFor(b Booking, actorID string) Actor {
	switch actorID {
	case string(b.DriverID):
		return Actor{ID: actorID, Type: "driver"}
	case string(b.OwnerID):
		return Actor{ID: actorID, Type: "owner"}
	case SystemActor.ID:
		return SystemActor
	}
	return Actor{ID: actorID, Type: "admin"}
}

func releaseCar(ctx context.Context, s Store, b Booking) error {
	car, err := s.GetCar(ctx, b.CarID)
	if err != nil {
		if errors.Is(err, ErrCarNotFound) {
			return nil
		}
		return err
	}
	car.Available = true
	car.CurrentBookingID = ""
	return s.SaveCar(ctx, car)
}

func (e *Engine) enqueue(ctx context.Context, userID, kind string, payload map[string]string) {
	if e.Notifier == nil {
		return
	}
	if err := e.Notifier.Enqueue(ctx, userID, kind, payload); err != nil && e.Log != nil {
		e.Log.Warn("notification enqueue failed",
			zap.String("kind", kind),
			zap.String("user", userID),
			zap.Error(err))
	}
}
