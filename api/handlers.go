/*
handlers.go - HTTP API handlers for the booking engine

PURPOSE:
  Exposes the booking lifecycle engine via REST API. Handles HTTP
  request/response, JSON serialization, validation, and delegates to the
  engine and the sweep.

ENDPOINTS:
  Bookings:
    POST   /api/bookings                     Request a booking
    GET    /api/bookings/{id}                Get booking details
    GET    /api/bookings/{id}/ledger         Booking ledger, oldest first
    POST   /api/bookings/{id}/confirm        Owner confirms, rent clock starts
    POST   /api/bookings/{id}/deposit        Driver pays the security deposit
    POST   /api/bookings/{id}/cancel         Cancel (requested/confirmed only)
    POST   /api/bookings/{id}/complete       Complete (force_with_debt override)
    POST   /api/bookings/{id}/rent/declare   Driver declares a cash rent payment
    POST   /api/bookings/{id}/rent/confirm   Owner settles a declared payment

  Queries:
    GET    /api/drivers/{id}/bookings        Driver's bookings, newest first
    GET    /api/owners/{id}/bookings         Owner's bookings, newest first
    GET    /api/owners/{id}/earnings         Settled rent summary

  Admin:
    GET    /api/admin/tasks                  Escalation tasks (?unprocessed=true)
    POST   /api/admin/sweep                  Trigger a sweep pass now
    GET    /api/admin/sweep/runs/{day}       Sweep audit record for a day

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid transitions
  - 404: Booking/car/entry not found
  - 409: Concurrent modification, duplicate reference
  - 503: Storage unavailable
  - 500: Everything else

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/drivelane/booking-engine/booking"
	"github.com/drivelane/booking-engine/sweep"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine  *booking.Engine
	Sweeper *sweep.Sweeper
	Runs    booking.SweepRunStore
	Log     *zap.Logger

	validate *validator.Validate
}

// NewHandler creates a new handler around the engine and the sweep.
func NewHandler(engine *booking.Engine, sweeper *sweep.Sweeper, runs booking.SweepRunStore, log *zap.Logger) *Handler {
	return &Handler{
		Engine:   engine,
		Sweeper:  sweeper,
		Runs:     runs,
		Log:      log,
		validate: validator.New(),
	}
}

// =============================================================================
// BOOKING HANDLERS
// =============================================================================

// CreateBooking creates a booking in requested status.
func (h *Handler) CreateBooking(w http.ResponseWriter, r *http.Request) {
	var req CreateBookingRequest
	if !h.decode(w, r, &req) {
		return
	}

	b, err := h.Engine.RequestBooking(r.Context(), booking.BookingRequest{
		DriverID:      booking.DriverID(req.DriverID),
		OwnerID:       booking.OwnerID(req.OwnerID),
		CarID:         booking.CarID(req.CarID),
		DailyRate:     booking.NewMoney(req.DailyRate),
		DepositAmount: booking.NewMoney(req.DepositAmount),
		RentDue:       booking.NewMoney(req.RentDue),
	})
	if err != nil {
		h.writeEngineError(w, "Failed to create booking", err)
		return
	}

	writeJSON(w, http.StatusCreated, toBookingDTO(b))
}

// GetBooking returns a single booking with its status history.
func (h *Handler) GetBooking(w http.ResponseWriter, r *http.Request) {
	id := booking.BookingID(chi.URLParam(r, "id"))

	b, err := h.Engine.GetBooking(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, "Failed to get booking", err)
		return
	}

	writeJSON(w, http.StatusOK, toBookingDTO(b))
}

// GetLedger returns a booking's monetary events, oldest first.
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	id := booking.BookingID(chi.URLParam(r, "id"))

	entries, err := h.Engine.LedgerEntries(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, "Failed to get ledger", err)
		return
	}

	dtos := make([]LedgerEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toLedgerEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": dtos})
}

// ConfirmBooking moves a requested booking to confirmed.
func (h *Handler) ConfirmBooking(w http.ResponseWriter, r *http.Request) {
	id := booking.BookingID(chi.URLParam(r, "id"))

	var req ActorRequest
	if !h.decode(w, r, &req) {
		return
	}

	b, err := h.Engine.ConfirmBooking(r.Context(), id, req.ActorID)
	if err != nil {
		h.writeEngineError(w, "Failed to confirm booking", err)
		return
	}

	writeJSON(w, http.StatusOK, toBookingDTO(b))
}

// RecordDeposit records the security deposit and starts the rental.
func (h *Handler) RecordDeposit(w http.ResponseWriter, r *http.Request) {
	id := booking.BookingID(chi.URLParam(r, "id"))

	var req DepositRequest
	if !h.decode(w, r, &req) {
		return
	}

	b, err := h.Engine.RecordDepositPaid(r.Context(), id, req.Method, req.ActorID)
	if err != nil {
		h.writeEngineError(w, "Failed to record deposit", err)
		return
	}

	writeJSON(w, http.StatusOK, toBookingDTO(b))
}

// CancelBooking cancels a requested or confirmed booking.
func (h *Handler) CancelBooking(w http.ResponseWriter, r *http.Request) {
	id := booking.BookingID(chi.URLParam(r, "id"))

	var req CancelRequest
	if !h.decode(w, r, &req) {
		return
	}

	b, err := h.Engine.CancelBooking(r.Context(), id, req.Reason, req.ActorID)
	if err != nil {
		h.writeEngineError(w, "Failed to cancel booking", err)
		return
	}

	writeJSON(w, http.StatusOK, toBookingDTO(b))
}

// CompleteBooking closes out an active rental.
func (h *Handler) CompleteBooking(w http.ResponseWriter, r *http.Request) {
	id := booking.BookingID(chi.URLParam(r, "id"))

	var req CompleteRequest
	if !h.decode(w, r, &req) {
		return
	}

	b, err := h.Engine.CompleteBooking(r.Context(), id, req.ActorID, req.ForceWithDebt)
	if err != nil {
		h.writeEngineError(w, "Failed to complete booking", err)
		return
	}

	writeJSON(w, http.StatusOK, toBookingDTO(b))
}

// =============================================================================
// RENT PAYMENT HANDLERS
// =============================================================================

// DeclareRent records a driver's declared cash rent payment as pending.
func (h *Handler) DeclareRent(w http.ResponseWriter, r *http.Request) {
	id := booking.BookingID(chi.URLParam(r, "id"))

	var req DeclareRentRequest
	if !h.decode(w, r, &req) {
		return
	}

	entry, err := h.Engine.DeclareRentPayment(r.Context(), id, booking.NewMoney(req.Amount), req.ActorID)
	if err != nil {
		h.writeEngineError(w, "Failed to declare rent payment", err)
		return
	}

	writeJSON(w, http.StatusCreated, toLedgerEntryDTO(entry))
}

// ConfirmRent settles a pending rent declaration.
func (h *Handler) ConfirmRent(w http.ResponseWriter, r *http.Request) {
	id := booking.BookingID(chi.URLParam(r, "id"))

	var req ConfirmRentRequest
	if !h.decode(w, r, &req) {
		return
	}

	b, err := h.Engine.ConfirmRentPayment(r.Context(), id, booking.EntryID(req.EntryID), req.ActorID)
	if err != nil {
		h.writeEngineError(w, "Failed to confirm rent payment", err)
		return
	}

	writeJSON(w, http.StatusOK, toBookingDTO(b))
}

// =============================================================================
// QUERY HANDLERS
// =============================================================================

// DriverBookings returns a driver's bookings, newest first.
func (h *Handler) DriverBookings(w http.ResponseWriter, r *http.Request) {
	driverID := booking.DriverID(chi.URLParam(r, "id"))

	bookings, err := h.Engine.BookingsByDriver(r.Context(), driverID)
	if err != nil {
		h.writeEngineError(w, "Failed to list bookings", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"bookings": toBookingDTOs(bookings)})
}

// OwnerBookings returns an owner's bookings, newest first.
func (h *Handler) OwnerBookings(w http.ResponseWriter, r *http.Request) {
	ownerID := booking.OwnerID(chi.URLParam(r, "id"))

	bookings, err := h.Engine.BookingsByOwner(r.Context(), ownerID)
	if err != nil {
		h.writeEngineError(w, "Failed to list bookings", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"bookings": toBookingDTOs(bookings)})
}

// OwnerEarnings returns the settled rent summary for an owner.
func (h *Handler) OwnerEarnings(w http.ResponseWriter, r *http.Request) {
	ownerID := booking.OwnerID(chi.URLParam(r, "id"))

	earnings, err := h.Engine.GetOwnerEarnings(r.Context(), ownerID)
	if err != nil {
		h.writeEngineError(w, "Failed to compute earnings", err)
		return
	}

	writeJSON(w, http.StatusOK, EarningsDTO{
		OwnerID:      string(earnings.OwnerID),
		Total:        earnings.Total.String(),
		BookingCount: earnings.BookingCount,
	})
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// ListAdminTasks returns escalation tasks. ?unprocessed=true filters to open ones.
func (h *Handler) ListAdminTasks(w http.ResponseWriter, r *http.Request) {
	unprocessedOnly := r.URL.Query().Get("unprocessed") == "true"

	tasks, err := h.Engine.AdminTasks(r.Context(), unprocessedOnly)
	if err != nil {
		h.writeEngineError(w, "Failed to list admin tasks", err)
		return
	}

	dtos := make([]AdminTaskDTO, len(tasks))
	for i, t := range tasks {
		dtos[i] = AdminTaskDTO{
			ID:        string(t.ID),
			BookingID: string(t.BookingID),
			Type:      t.Type,
			Message:   t.Message,
			Processed: t.Processed,
			CreatedAt: t.CreatedAt.Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": dtos})
}

// TriggerSweep runs a reconciliation pass immediately and returns the report.
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	report, err := h.Sweeper.Run(r.Context(), time.Now())
	if err != nil {
		h.writeEngineError(w, "Sweep failed", err)
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// GetSweepRun returns the audit record for one calendar day (YYYY-MM-DD).
func (h *Handler) GetSweepRun(w http.ResponseWriter, r *http.Request) {
	day := chi.URLParam(r, "day")
	if _, err := time.Parse("2006-01-02", day); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid day format (use YYYY-MM-DD)", err)
		return
	}

	run, ok, err := h.Runs.GetSweepRun(r.Context(), day)
	if err != nil {
		h.writeEngineError(w, "Failed to get sweep run", err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "No sweep run for that day", nil)
		return
	}

	dto := SweepRunDTO{
		ID:        run.ID,
		Day:       run.Day,
		Status:    string(run.Status),
		Processed: run.Processed,
		Reminded:  run.Reminded,
		Deducted:  run.Deducted,
		Failed:    run.Failed,
		Error:     run.Error,
		StartedAt: run.StartedAt.Format(time.RFC3339),
	}
	if run.CompletedAt != nil {
		dto.CompletedAt = run.CompletedAt.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// HELPERS
// =============================================================================

// decode parses and validates the request body. Writes the error response
// itself and returns false when the body is unusable.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

// writeEngineError maps domain errors onto HTTP statuses.
func (h *Handler) writeEngineError(w http.ResponseWriter, message string, err error) {
	switch {
	case booking.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, booking.ErrConcurrentModification):
		writeError(w, http.StatusConflict, message, err)
	case booking.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	case errors.Is(err, booking.ErrPersistenceUnavailable):
		writeError(w, http.StatusServiceUnavailable, message, err)
	default:
		if h.Log != nil {
			h.Log.Error("request failed", zap.String("message", message), zap.Error(err))
		}
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
