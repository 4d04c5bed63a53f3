/*
Package sweep implements the overdue-rent reconciliation sweep.

PURPOSE:
  The sweep is the time-triggered process that advances booking state:
  it scans every booking whose rent clock is running, feeds each through
  booking.EvaluateOverdue, and persists each outcome as an independent
  per-booking transaction.

BATCH MODEL:
  - Bounded concurrency: a fixed-size worker pool, no ordering guarantee.
  - Partial-failure isolation: one booking's failure never blocks or rolls
    back another's. Failures are counted, logged, and skipped - never
    silently dropped.
  - Per-booking atomicity: ledger entry + booking update + car release +
    admin task commit together or not at all.
  - Per-booking retry: conflicts and transient storage errors retry with
    backoff a bounded number of times, re-reading fresh state each attempt.

IDEMPOTENCY:
  Re-running the sweep for the same calendar day is harmless by
  construction: ReminderSentAt blocks a second reminder, the per-day ledger
  reference blocks a second deduction, and terminated bookings fall out of
  the eligibility query.

SIDE EFFECTS:
  Notifications are handed to the dispatcher only after a booking's
  transaction commits. A dispatch failure is the dispatcher's problem;
  it never affects the committed transition.

SEE ALSO:
  - booking/overdue.go: The pure rule evaluation
  - scheduler.go: The 24h trigger around Run
*/
package sweep

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/drivelane/booking-engine/booking"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Dispatcher consumes post-commit side effects. Implemented by dispatch.Dispatcher.
type Dispatcher interface {
	DispatchNotice(notice booking.ReminderNotice)
}

// Report is the sweep summary returned to the scheduler and surfaced on the
// admin API.
type Report struct {
	Processed int `json:"processed"`
	Reminded  int `json:"reminded"`
	Deducted  int `json:"deducted"`
	Failed    int `json:"failed"`
}

const (
	defaultConcurrency = 8
	defaultMaxAttempts = 3
	defaultTxTimeout   = 5 * time.Second
)

// Sweeper drives one reconciliation pass over the eligible booking set.
type Sweeper struct {
	Store      booking.TxStore
	Runs       booking.SweepRunStore
	Dispatcher Dispatcher
	Log        *zap.Logger
	Metrics    *Metrics

	// Concurrency bounds the worker pool; MaxAttempts bounds per-booking
	// retries; TxTimeout bounds each per-booking transaction.
	Concurrency int
	MaxAttempts int
	TxTimeout   time.Duration
}

func NewSweeper(store booking.TxStore, runs booking.SweepRunStore, d Dispatcher, log *zap.Logger) *Sweeper {
	return &Sweeper{
		Store:       store,
		Runs:        runs,
		Dispatcher:  d,
		Log:         log,
		Concurrency: defaultConcurrency,
		MaxAttempts: defaultMaxAttempts,
		TxTimeout:   defaultTxTimeout,
	}
}

// Run executes one sweep pass with now as the single batch timestamp.
// All per-booking idempotency references derive from now's calendar day.
func (s *Sweeper) Run(ctx context.Context, now time.Time) (Report, error) {
	day := booking.DayStamp(now)
	started := time.Now()

	run := booking.SweepRun{
		ID:        uuid.NewString(),
		Day:       day,
		Status:    booking.SweepRunning,
		StartedAt: started,
		CreatedAt: started,
	}
	if existing, ok, err := s.Runs.GetSweepRun(ctx, day); err == nil && ok {
		// Second pass for the same day: keep the original run id so the
		// audit row stays unique per day.
		run.ID = existing.ID
		run.CreatedAt = existing.CreatedAt
	}
	if err := s.Runs.SaveSweepRun(ctx, run); err != nil {
		return Report{}, err
	}

	eligible, err := s.Store.QueryByStatus(ctx, booking.StatusConfirmed, booking.StatusInUse)
	if err != nil {
		run.Status = booking.SweepFailed
		run.Error = err.Error()
		s.Runs.SaveSweepRun(ctx, run)
		return Report{}, err
	}

	s.log().Info("sweep started",
		zap.String("day", day),
		zap.Int("eligible", len(eligible)))

	report := s.processBatch(ctx, eligible, now)

	completed := time.Now()
	run.Status = booking.SweepCompleted
	run.Processed = report.Processed
	run.Reminded = report.Reminded
	run.Deducted = report.Deducted
	run.Failed = report.Failed
	run.CompletedAt = &completed
	if err := s.Runs.SaveSweepRun(ctx, run); err != nil {
		s.log().Error("failed to record sweep run", zap.Error(err))
	}

	if s.Metrics != nil {
		s.Metrics.ObserveRun(report, time.Since(started))
	}
	s.log().Info("sweep completed",
		zap.String("day", day),
		zap.Int("processed", report.Processed),
		zap.Int("reminded", report.Reminded),
		zap.Int("deducted", report.Deducted),
		zap.Int("failed", report.Failed))

	return report, nil
}

// processBatch fans the eligible set across the worker pool. Bookings are
// processed independently; the only shared state is the counter.
func (s *Sweeper) processBatch(ctx context.Context, eligible []booking.Booking, now time.Time) Report {
	concurrency := s.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	var (
		mu     sync.Mutex
		report Report
		wg     sync.WaitGroup
		sem    = make(chan struct{}, concurrency)
	)

	for _, b := range eligible {
		select {
		case <-ctx.Done():
			// Remaining bookings are left for the next cycle; nothing is
			// half-applied because each transaction is atomic.
			wg.Wait()
			return report
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(id booking.BookingID) {
			defer wg.Done()
			defer func() { <-sem }()

			action, err := s.processBooking(ctx, id, now)

			mu.Lock()
			defer mu.Unlock()
			report.Processed++
			switch {
			case err != nil:
				report.Failed++
			case action == booking.ActionReminder:
				report.Reminded++
			case action == booking.ActionDeduct:
				report.Deducted++
			}
		}(b.ID)
	}

	wg.Wait()
	return report
}

// processBooking runs one booking through rule evaluation and persistence as
// a single optimistic transaction, retried with backoff on conflict. State is
// re-read inside each attempt so a manual action racing the sweep can never
// be clobbered from a stale read.
func (s *Sweeper) processBooking(ctx context.Context, id booking.BookingID, now time.Time) (booking.OverdueAction, error) {
	attempts := s.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	txTimeout := s.TxTimeout
	if txTimeout <= 0 {
		txTimeout = defaultTxTimeout
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		var action booking.OverdueAction
		action, err = s.attemptBooking(ctx, id, now, txTimeout)
		if err == nil {
			return action, nil
		}
		if !booking.IsRetryable(err) && !errors.Is(err, context.DeadlineExceeded) {
			break
		}
		select {
		case <-ctx.Done():
			return booking.ActionNone, s.skip(id, ctx.Err())
		case <-time.After(time.Duration(100*(1<<attempt)) * time.Millisecond):
		}
	}
	return booking.ActionNone, s.skip(id, err)
}

// skip records a failed-and-skipped booking: logged and counted, never
// silently dropped. The booking is picked up again next cycle.
func (s *Sweeper) skip(id booking.BookingID, err error) error {
	s.log().Warn("sweep skipped booking",
		zap.String("booking", string(id)),
		zap.Error(err))
	if s.Metrics != nil {
		s.Metrics.Failures.Inc()
	}
	return err
}

func (s *Sweeper) attemptBooking(ctx context.Context, id booking.BookingID, now time.Time, txTimeout time.Duration) (booking.OverdueAction, error) {
	txCtx, cancel := context.WithTimeout(ctx, txTimeout)
	defer cancel()

	var outcome booking.OverdueOutcome
	err := s.Store.RunTransaction(txCtx, func(st booking.Store) error {
		b, err := st.GetBooking(txCtx, id)
		if err != nil {
			return err
		}

		outcome = booking.EvaluateOverdue(b, now)
		switch outcome.Action {
		case booking.ActionNone:
			return nil

		case booking.ActionReminder:
			if err := st.UpdateBooking(txCtx, outcome.Booking); err != nil {
				return err
			}
			return recordNotice(txCtx, st, outcome.Reminder, now)

		case booking.ActionDeduct:
			return s.applyDeduction(txCtx, st, &outcome, now)
		}
		return nil
	})
	if err != nil {
		return booking.ActionNone, err
	}

	// Post-commit side effects only.
	if outcome.Reminder != nil && s.Dispatcher != nil {
		s.Dispatcher.DispatchNotice(*outcome.Reminder)
	}
	return outcome.Action, nil
}

// applyDeduction persists the full termination outcome atomically: ledger
// entry, invariant check, booking update, car release, admin task,
// notification record.
func (s *Sweeper) applyDeduction(ctx context.Context, st booking.Store, outcome *booking.OverdueOutcome, now time.Time) error {
	b := outcome.Booking

	if outcome.Entry != nil {
		entry := *outcome.Entry
		entry.ID = booking.EntryID(uuid.NewString())
		if err := st.AppendLedgerEntry(ctx, entry); err != nil {
			if errors.Is(err, booking.ErrDuplicateReference) {
				// A previous pass already deducted for this day; the booking
				// read must have been stale. Drop the whole outcome.
				return booking.ErrConcurrentModification
			}
			return err
		}
	}

	entries, err := st.LedgerEntries(ctx, b.ID)
	if err != nil {
		return err
	}
	if err := booking.VerifyDepositInvariant(b, entries); err != nil {
		// Money math never partially applies: abort this booking's
		// transaction and report it, leaving the record untouched.
		return err
	}

	if err := st.UpdateBooking(ctx, b); err != nil {
		return err
	}

	if outcome.ReleaseCar {
		car, err := st.GetCar(ctx, b.CarID)
		if err != nil && !errors.Is(err, booking.ErrCarNotFound) {
			return err
		}
		if err == nil {
			car.Available = true
			car.CurrentBookingID = ""
			if err := st.SaveCar(ctx, car); err != nil {
				return err
			}
		}
	}

	if outcome.Task != nil {
		task := *outcome.Task
		task.ID = booking.TaskID(uuid.NewString())
		if err := st.SaveAdminTask(ctx, task); err != nil {
			if errors.Is(err, booking.ErrDuplicateAdminTask) {
				// Escalation already on file for this booking+day.
				return nil
			}
			return err
		}
	}
	return recordNotice(ctx, st, outcome.Reminder, now)
}

// recordNotice writes the durable copy of a notice inside the booking's
// transaction. Dispatch to the driver stays post-commit; the record is what
// survives a crash between commit and dispatch.
func recordNotice(ctx context.Context, st booking.Store, n *booking.ReminderNotice, now time.Time) error {
	if n == nil {
		return nil
	}
	return st.SaveNotification(ctx, booking.NotificationRecord{
		ID:        booking.NotificationID(uuid.NewString()),
		BookingID: n.BookingID,
		UserID:    string(n.DriverID),
		Kind:      n.Kind,
		Message:   n.Message,
		CreatedAt: now,
	})
}

func (s *Sweeper) log() *zap.Logger {
	if s.Log != nil {
		return s.Log
	}
	return zap.NewNop()
}
