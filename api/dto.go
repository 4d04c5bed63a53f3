/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request types carry validator/v10 struct tags; handlers run them through
  the shared validator instance before touching the engine.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/drivelane/booking-engine/booking"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// CreateBookingRequest is the driver's rental request.
type CreateBookingRequest struct {
	DriverID      string  `json:"driver_id" validate:"required"`
	OwnerID       string  `json:"owner_id" validate:"required"`
	CarID         string  `json:"car_id" validate:"required"`
	DailyRate     float64 `json:"daily_rate" validate:"required,gt=0"`
	DepositAmount float64 `json:"deposit_amount" validate:"required,gt=0"`
	RentDue       float64 `json:"rent_due" validate:"gte=0"`
}

// ActorRequest identifies who is performing a status action.
type ActorRequest struct {
	ActorID string `json:"actor_id" validate:"required"`
}

// DepositRequest records the security deposit payment.
type DepositRequest struct {
	ActorID string `json:"actor_id" validate:"required"`
	Method  string `json:"method" validate:"required,oneof=cash_at_pickup online"`
}

// CancelRequest cancels a requested or confirmed booking.
type CancelRequest struct {
	ActorID string `json:"actor_id" validate:"required"`
	Reason  string `json:"reason" validate:"required"`
}

// CompleteRequest closes out a rental.
type CompleteRequest struct {
	ActorID       string `json:"actor_id" validate:"required"`
	ForceWithDebt bool   `json:"force_with_debt"`
}

// DeclareRentRequest declares a cash rent payment made outside the platform.
type DeclareRentRequest struct {
	ActorID string  `json:"actor_id" validate:"required"`
	Amount  float64 `json:"amount" validate:"required,gt=0"`
}

// ConfirmRentRequest settles a pending rent declaration.
type ConfirmRentRequest struct {
	ActorID string `json:"actor_id" validate:"required"`
	EntryID string `json:"entry_id" validate:"required"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// BookingDTO represents a booking in API responses.
type BookingDTO struct {
	ID               string  `json:"id"`
	DriverID         string  `json:"driver_id"`
	OwnerID          string  `json:"owner_id"`
	CarID            string  `json:"car_id"`
	Status           string  `json:"status"`
	DailyRate        string  `json:"daily_rate"`
	RentDue          string  `json:"rent_due"`
	DepositAmount    string  `json:"deposit_amount"`
	DepositRemaining string  `json:"deposit_remaining"`
	Debt             string  `json:"debt"`
	ConfirmedAt      *string `json:"confirmed_at,omitempty"`
	ReminderSentAt   *string `json:"reminder_sent_at,omitempty"`
	TerminatedAt     *string `json:"terminated_at,omitempty"`
	CancelledAt      *string `json:"cancelled_at,omitempty"`
	CompletedAt      *string `json:"completed_at,omitempty"`
	CancelReason     string  `json:"cancel_reason,omitempty"`

	StatusHistory []StatusChangeDTO `json:"status_history,omitempty"`

	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// StatusChangeDTO is one status history record.
type StatusChangeDTO struct {
	From          string `json:"from"`
	To            string `json:"to"`
	ChangedBy     string `json:"changed_by"`
	ChangedByType string `json:"changed_by_type,omitempty"`
	ChangedAt     string `json:"changed_at"`
	Note          string `json:"note,omitempty"`
}

// LedgerEntryDTO represents one monetary event.
type LedgerEntryDTO struct {
	ID        string `json:"id"`
	BookingID string `json:"booking_id"`
	Amount    string `json:"amount"`
	Type      string `json:"type"`
	Method    string `json:"method"`
	Status    string `json:"status"`
	Reference string `json:"reference"`
	CreatedBy string `json:"created_by"`
	CreatedAt string `json:"created_at"`
}

// AdminTaskDTO is an escalation task for the operations team.
type AdminTaskDTO struct {
	ID        string `json:"id"`
	BookingID string `json:"booking_id"`
	Type      string `json:"type"`
	Message   string `json:"message"`
	Processed bool   `json:"processed"`
	CreatedAt string `json:"created_at"`
}

// EarningsDTO summarizes settled rent for an owner.
type EarningsDTO struct {
	OwnerID      string `json:"owner_id"`
	Total        string `json:"total"`
	BookingCount int    `json:"booking_count"`
}

// SweepRunDTO is the per-day sweep audit record.
type SweepRunDTO struct {
	ID          string `json:"id"`
	Day         string `json:"day"`
	Status      string `json:"status"`
	Processed   int    `json:"processed"`
	Reminded    int    `json:"reminded"`
	Deducted    int    `json:"deducted"`
	Failed      int    `json:"failed"`
	Error       string `json:"error,omitempty"`
	StartedAt   string `json:"started_at"`
	CompletedAt string `json:"completed_at,omitempty"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func toBookingDTO(b booking.Booking) BookingDTO {
	dto := BookingDTO{
		ID:               string(b.ID),
		DriverID:         string(b.DriverID),
		OwnerID:          string(b.OwnerID),
		CarID:            string(b.CarID),
		Status:           string(b.Status),
		DailyRate:        b.DailyRate.String(),
		RentDue:          b.RentDueAmount.String(),
		DepositAmount:    b.DepositAmount.String(),
		DepositRemaining: b.DepositRemaining.String(),
		Debt:             b.DebtAmount.String(),
		CancelReason:     b.CancelReason,
		ConfirmedAt:      formatTimePtr(b.ConfirmedAt),
		ReminderSentAt:   formatTimePtr(b.ReminderSentAt),
		TerminatedAt:     formatTimePtr(b.TerminationAutoAt),
		CancelledAt:      formatTimePtr(b.CancelledAt),
		CompletedAt:      formatTimePtr(b.CompletedAt),
		CreatedAt:        b.CreatedAt.Format(time.RFC3339),
		UpdatedAt:        b.UpdatedAt.Format(time.RFC3339),
	}
	for _, c := range b.StatusHistory {
		dto.StatusHistory = append(dto.StatusHistory, StatusChangeDTO{
			From:          string(c.From),
			To:            string(c.To),
			ChangedBy:     c.ChangedBy,
			ChangedByType: c.ChangedByType,
			ChangedAt:     c.ChangedAt.Format(time.RFC3339),
			Note:          c.Note,
		})
	}
	return dto
}

func toBookingDTOs(bookings []booking.Booking) []BookingDTO {
	dtos := make([]BookingDTO, len(bookings))
	for i, b := range bookings {
		dtos[i] = toBookingDTO(b)
	}
	return dtos
}

func toLedgerEntryDTO(e booking.LedgerEntry) LedgerEntryDTO {
	return LedgerEntryDTO{
		ID:        string(e.ID),
		BookingID: string(e.BookingID),
		Amount:    e.Amount.String(),
		Type:      string(e.Type),
		Method:    e.Method,
		Status:    string(e.Status),
		Reference: e.Reference,
		CreatedBy: e.CreatedBy,
		CreatedAt: e.CreatedAt.Format(time.RFC3339),
	}
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}
