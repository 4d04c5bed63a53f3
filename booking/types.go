/*
Package booking provides the core booking lifecycle engine.

PURPOSE:
  This package contains the domain types and pure logic for a peer-to-peer
  vehicle rental booking: the status state machine, the escrow-style deposit
  ledger, and the overdue-rent evaluation that drives the reconciliation sweep.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: A decimal monetary amount (never float)
  - Booking: The rental record with its cached deposit/rent/debt figures
  - LedgerEntry: An immutable monetary event tied to a booking
  - StatusChange: One append-only status history record
  - AdminTask: An escalation record created on automatic termination

DESIGN PRINCIPLES:
  1. Immutability: Ledger entries are never edited once written (the single
     sanctioned exception is settling a pending rent declaration, which flips
     Status and nothing else)
  2. Precision: Uses decimal.Decimal to avoid floating-point errors in money
  3. Type Safety: Closed status enumeration, typed identifiers
  4. Auditability: Every transition appends a StatusChange; every monetary
     event carries reference, actor, and timestamp

USAGE:
  b, err := booking.Confirm(b, booking.SystemActor, time.Now())
  out := booking.EvaluateOverdue(b, time.Now())

SEE ALSO:
  - statemachine.go: Manual transitions (confirm, cancel, complete, deposit)
  - overdue.go: The reconciliation entry point (reminder/deduction rules)
  - ledger.go: Deposit invariants and rent settlement
  - store.go: Persistence interfaces
*/
package booking

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Decimal monetary amount
// =============================================================================

type Money struct {
	Value decimal.Decimal
}

func NewMoney(value float64) Money        { return Money{Value: decimal.NewFromFloat(value)} }
func NewMoneyFromInt(value int) Money     { return Money{Value: decimal.NewFromInt(int64(value))} }
func ZeroMoney() Money                    { return Money{Value: decimal.Zero} }

// ParseMoney parses a decimal string. The storage scan path goes through
// this so a corrupt money column surfaces as an error instead of silently
// entering money math as zero.
func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("invalid money value %q: %w", s, err)
	}
	return Money{Value: d}, nil
}

// MustParseMoney is ParseMoney for trusted literals. Panics on bad input.
func MustParseMoney(s string) Money {
	m, err := ParseMoney(s)
	if err != nil {
		panic(err)
	}
	return m
}

func (m Money) Add(o Money) Money           { return Money{Value: m.Value.Add(o.Value)} }
func (m Money) Sub(o Money) Money           { return Money{Value: m.Value.Sub(o.Value)} }
func (m Money) Mul(s decimal.Decimal) Money { return Money{Value: m.Value.Mul(s)} }
func (m Money) MulInt(n int) Money          { return Money{Value: m.Value.Mul(decimal.NewFromInt(int64(n)))} }
func (m Money) Neg() Money                  { return Money{Value: m.Value.Neg()} }
func (m Money) IsZero() bool                { return m.Value.IsZero() }
func (m Money) IsNegative() bool            { return m.Value.IsNegative() }
func (m Money) IsPositive() bool            { return m.Value.IsPositive() }
func (m Money) GreaterThan(o Money) bool    { return m.Value.GreaterThan(o.Value) }
func (m Money) LessThan(o Money) bool       { return m.Value.LessThan(o.Value) }
func (m Money) Equal(o Money) bool          { return m.Value.Equal(o.Value) }
func (m Money) Min(o Money) Money           { if m.LessThan(o) { return m }; return o }
func (m Money) Max(o Money) Money           { if m.GreaterThan(o) { return m }; return o }
func (m Money) String() string              { return m.Value.String() }

// ClampZero floors a money value at zero. Used when reducing rent due:
// the remainder is never allowed to go negative.
func (m Money) ClampZero() Money {
	if m.IsNegative() {
		return ZeroMoney()
	}
	return m
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type BookingID string
type DriverID string
type OwnerID string
type CarID string
type EntryID string
type TaskID string

// =============================================================================
// STATUS - Closed state enumeration
// =============================================================================

type Status string

const (
	StatusRequested  Status = "requested"
	StatusConfirmed  Status = "confirmed"
	StatusInUse      Status = "in_use"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusTerminated Status = "terminated"
)

// IsTerminal reports whether no further transitions are valid from s.
// Terminal records are retained forever for audit; they are never mutated.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusTerminated
}

func (s Status) Valid() bool {
	switch s {
	case StatusRequested, StatusConfirmed, StatusInUse,
		StatusCompleted, StatusCancelled, StatusTerminated:
		return true
	}
	return false
}

// =============================================================================
// ACTOR - Who performed a change
// =============================================================================

type Actor struct {
	ID   string
	Type string // "driver", "owner", "system", "admin"
}

var SystemActor = Actor{ID: "system", Type: "system"}

// =============================================================================
// STATUS CHANGE - Append-only history record
// =============================================================================

type StatusChange struct {
	From          Status
	To            Status
	ChangedBy     string
	ChangedByType string // "driver", "owner", "system", "admin"
	ChangedAt     time.Time
	Note          string
}

// =============================================================================
// BOOKING - The rental record
// =============================================================================

type Booking struct {
	ID       BookingID
	DriverID DriverID
	OwnerID  OwnerID
	CarID    CarID

	Status Status

	// Money figures. DepositRemaining is a cached derivation:
	// DepositAmount minus the sum of deduction-type ledger entries.
	// It must never go negative; shortfalls accumulate in DebtAmount.
	DailyRate        Money
	RentDueAmount    Money
	DepositAmount    Money
	DepositRemaining Money
	DebtAmount       Money

	// Milestone timestamps driving the reconciliation sweep.
	ConfirmedAt         *time.Time
	ReminderSentAt      *time.Time
	LastAutoDeductionAt *time.Time
	TerminationAutoAt   *time.Time
	CancelledAt         *time.Time
	CompletedAt         *time.Time

	CancelReason string

	StatusHistory []StatusChange

	// Version supports optimistic compare-and-update. Every persisted
	// mutation increments it; a stale version aborts the transaction.
	Version int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// LEDGER ENTRY - Immutable monetary event (booking sub-ledger)
// =============================================================================

type EntryType string

const (
	EntryDeposit   EntryType = "deposit"   // Refundable security collected before use
	EntryDeduction EntryType = "deduction" // Deposit liquidated against overdue rent
	EntryRent      EntryType = "rent"      // Rent payment (declared or settled)
)

type EntryStatus string

const (
	EntryPending EntryStatus = "pending" // Declared but not yet verified (cash rent)
	EntrySuccess EntryStatus = "success"
)

type LedgerEntry struct {
	ID        EntryID
	BookingID BookingID
	Amount    Money // Always > 0
	Type      EntryType
	Method    string // e.g. "cash_at_pickup", "online", "deposit_adjustment"
	Status    EntryStatus
	Reference string // Idempotency key: unique per booking+type+day
	CreatedBy string
	CreatedAt time.Time
}

// =============================================================================
// CAR - Availability owned by the booking transaction
// =============================================================================

// Car carries only the fields the engine touches. The availability flag is
// mutated exclusively inside a booking transaction: occupied on confirmation,
// released on completion, cancellation, or termination.
type Car struct {
	ID               CarID
	OwnerID          OwnerID
	Available        bool
	CurrentBookingID BookingID // empty when available
}

// =============================================================================
// NOTIFICATION RECORD - Durable copy of a sweep-issued notice
// =============================================================================

type NotificationID string

// NotificationRecord is the persisted form of a notice. It is written in the
// same transaction as the transition that produced it; delivery through the
// dispatcher is fire-and-forget, so the record is the audit anchor that
// survives a crash between commit and dispatch.
type NotificationRecord struct {
	ID        NotificationID
	BookingID BookingID
	UserID    string
	Kind      string // "rent_reminder", "auto_termination"
	Message   string
	CreatedAt time.Time
}

// =============================================================================
// ADMIN TASK - Escalation on automatic termination
// =============================================================================

const TaskAutoTermination = "auto_termination"

type AdminTask struct {
	ID        TaskID
	BookingID BookingID
	Type      string
	Message   string
	CreatedAt time.Time
	Processed bool
}

// =============================================================================
// TIME HELPERS
// =============================================================================

// DaysBetween returns the whole number of 24h days from start to end,
// truncated toward zero. Mirrors the elapsed-day arithmetic the sweep
// rules are defined on.
func DaysBetween(start, end time.Time) int {
	return int(end.Sub(start).Hours() / 24)
}

// DayStamp formats t as the calendar-day component of idempotency
// references, e.g. "auto_deduction_2026-09-01".
func DayStamp(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
