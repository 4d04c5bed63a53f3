/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements booking.Store, booking.TxStore and booking.SweepRunStore using
  SQLite. In production the same patterns apply to PostgreSQL - only minor
  SQL dialect differences.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE on ledger_entries, except the single sanctioned
    status flip performed by SettleLedgerEntry (pending rent -> success).
  - status_history rows are only ever inserted, never touched again.

KEY TABLES:
  bookings:       The rental records with cached money figures and version
  status_history: Append-only transition log per booking
  ledger_entries: Immutable monetary events
  cars:           Availability flag owned by booking transactions
  admin_tasks:    Escalation records, unique per booking+day
  notifications:  Durable copies of sweep-issued notices
  sweep_runs:     Per-day reconciliation audit, unique per day

INDEXES:
  - idx_ledger_reference (UNIQUE): per-booking/type/reference dedupe; this is
    what makes a second same-day auto-deduction physically impossible
  - idx_admin_tasks_booking_day (UNIQUE): one escalation per termination event
  - idx_sweep_runs_day (UNIQUE): day-level sweep idempotency
  - idx_bookings_status: the sweep's eligibility query (hot path)

CONCURRENCY:
  Optimistic: UpdateBooking compares-and-increments the version column.
  SQLite is opened with WAL for reader/writer concurrency; a sync.RWMutex
  serializes writers in-process.

USAGE:
  st, err := sqlite.New("./data/bookings.db")
  if err != nil { ... }
  defer st.Close()
  engine := booking.NewEngine(st, notifier, log)

SEE ALSO:
  - booking/store.go: Interface definitions
  - booking/store/memory.go: In-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/drivelane/booking-engine/booking"
	_ "github.com/mattn/go-sqlite3"
)

// Store implements the storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	st := &Store{db: db}
	if err := st.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return st, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS bookings (
		id TEXT PRIMARY KEY,
		driver_id TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		car_id TEXT,
		status TEXT NOT NULL,
		daily_rate TEXT NOT NULL,
		rent_due_amount TEXT NOT NULL,
		deposit_amount TEXT NOT NULL,
		deposit_remaining TEXT NOT NULL,
		debt_amount TEXT NOT NULL,
		confirmed_at TEXT,
		reminder_sent_at TEXT,
		last_auto_deduction_at TEXT,
		termination_auto_at TEXT,
		cancelled_at TEXT,
		completed_at TEXT,
		cancel_reason TEXT,
		version INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- The sweep's eligibility query (hot path)
	CREATE INDEX IF NOT EXISTS idx_bookings_status ON bookings(status);
	CREATE INDEX IF NOT EXISTS idx_bookings_driver ON bookings(driver_id);
	CREATE INDEX IF NOT EXISTS idx_bookings_owner ON bookings(owner_id);

	-- Append-only transition log
	CREATE TABLE IF NOT EXISTS status_history (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		booking_id TEXT NOT NULL,
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		changed_by TEXT NOT NULL,
		changed_by_type TEXT NOT NULL DEFAULT '',
		changed_at TEXT NOT NULL,
		note TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_status_history_booking
		ON status_history(booking_id, seq);

	-- Immutable monetary events
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		booking_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		entry_type TEXT NOT NULL,
		method TEXT,
		status TEXT NOT NULL,
		reference TEXT NOT NULL,
		created_by TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- CRITICAL: per-booking/type/reference dedupe. The sweep's deduction
	-- reference embeds the calendar day, so re-running a sweep for the same
	-- day cannot write a second deduction.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_reference
		ON ledger_entries(booking_id, entry_type, reference);

	CREATE INDEX IF NOT EXISTS idx_ledger_booking
		ON ledger_entries(booking_id, created_at);

	CREATE TABLE IF NOT EXISTS cars (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		available BOOLEAN NOT NULL DEFAULT TRUE,
		current_booking_id TEXT
	);

	CREATE TABLE IF NOT EXISTS admin_tasks (
		id TEXT PRIMARY KEY,
		booking_id TEXT NOT NULL,
		task_type TEXT NOT NULL,
		message TEXT NOT NULL,
		created_at TEXT NOT NULL,
		processed BOOLEAN NOT NULL DEFAULT FALSE
	);

	-- One escalation per termination event (booking + calendar day)
	CREATE UNIQUE INDEX IF NOT EXISTS idx_admin_tasks_booking_day
		ON admin_tasks(booking_id, DATE(created_at));

	CREATE INDEX IF NOT EXISTS idx_admin_tasks_processed
		ON admin_tasks(processed);

	CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		booking_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		message TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_notifications_booking
		ON notifications(booking_id, created_at);

	CREATE TABLE IF NOT EXISTS sweep_runs (
		id TEXT PRIMARY KEY,
		day TEXT NOT NULL,
		status TEXT NOT NULL,
		processed INTEGER NOT NULL DEFAULT 0,
		reminded INTEGER NOT NULL DEFAULT 0,
		deducted INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT,
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_sweep_runs_day
		ON sweep_runs(day);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runner abstracts *sql.DB and *sql.Tx so the same query helpers serve both
// the autocommit path and the transactional view.
type runner interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// BOOKINGS
// =============================================================================

const bookingColumns = `id, driver_id, owner_id, car_id, status, daily_rate,
	rent_due_amount, deposit_amount, deposit_remaining, debt_amount,
	confirmed_at, reminder_sent_at, last_auto_deduction_at, termination_auto_at,
	cancelled_at, completed_at, cancel_reason, version, created_at, updated_at`

func (s *Store) GetBooking(ctx context.Context, id booking.BookingID) (booking.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getBooking(ctx, s.db, id)
}

func getBooking(ctx context.Context, r runner, id booking.BookingID) (booking.Booking, error) {
	row := r.QueryRowContext(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE id = ?`, id)
	b, err := scanBooking(row)
	if err == sql.ErrNoRows {
		return booking.Booking{}, booking.ErrBookingNotFound
	}
	if err != nil {
		return booking.Booking{}, storageErr("get booking", err)
	}
	b.StatusHistory, err = loadHistory(ctx, r, id)
	if err != nil {
		return booking.Booking{}, err
	}
	return b, nil
}

func (s *Store) QueryByStatus(ctx context.Context, statuses ...booking.Status) ([]booking.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryBookings(ctx, s.db,
		`SELECT `+bookingColumns+` FROM bookings WHERE status IN (`+placeholders(len(statuses))+`) ORDER BY created_at DESC`,
		statusArgs(statuses)...)
}

func (s *Store) QueryByDriver(ctx context.Context, driverID booking.DriverID) ([]booking.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryBookings(ctx, s.db,
		`SELECT `+bookingColumns+` FROM bookings WHERE driver_id = ? ORDER BY created_at DESC`, driverID)
}

func (s *Store) QueryByOwner(ctx context.Context, ownerID booking.OwnerID) ([]booking.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryBookings(ctx, s.db,
		`SELECT `+bookingColumns+` FROM bookings WHERE owner_id = ? ORDER BY created_at DESC`, ownerID)
}

func queryBookings(ctx context.Context, r runner, query string, args ...any) ([]booking.Booking, error) {
	rows, err := r.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("query bookings", err)
	}
	defer rows.Close()

	var result []booking.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, storageErr("scan booking", err)
		}
		result = append(result, b)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate bookings", err)
	}
	for i := range result {
		result[i].StatusHistory, err = loadHistory(ctx, r, result[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (s *Store) CreateBooking(ctx context.Context, b booking.Booking) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createBooking(ctx, s.db, b)
}

func createBooking(ctx context.Context, r runner, b booking.Booking) error {
	_, err := r.ExecContext(ctx, `
		INSERT INTO bookings (`+bookingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.DriverID, b.OwnerID, b.CarID, b.Status,
		b.DailyRate.String(), b.RentDueAmount.String(), b.DepositAmount.String(),
		b.DepositRemaining.String(), b.DebtAmount.String(),
		nullTime(b.ConfirmedAt), nullTime(b.ReminderSentAt),
		nullTime(b.LastAutoDeductionAt), nullTime(b.TerminationAutoAt),
		nullTime(b.CancelledAt), nullTime(b.CompletedAt),
		b.CancelReason, b.Version,
		b.CreatedAt.UTC().Format(time.RFC3339), b.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return storageErr("create booking", err)
	}
	return insertHistory(ctx, r, b.ID, b.StatusHistory, 0)
}

func (s *Store) UpdateBooking(ctx context.Context, b booking.Booking) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateBooking(ctx, s.db, b)
}

// updateBooking is the optimistic compare-and-update: the WHERE clause pins
// the version the caller read, and a zero row count means somebody else
// committed first.
func updateBooking(ctx context.Context, r runner, b booking.Booking) error {
	res, err := r.ExecContext(ctx, `
		UPDATE bookings SET
			status = ?, daily_rate = ?, rent_due_amount = ?, deposit_amount = ?,
			deposit_remaining = ?, debt_amount = ?,
			confirmed_at = ?, reminder_sent_at = ?, last_auto_deduction_at = ?,
			termination_auto_at = ?, cancelled_at = ?, completed_at = ?,
			cancel_reason = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		b.Status, b.DailyRate.String(), b.RentDueAmount.String(), b.DepositAmount.String(),
		b.DepositRemaining.String(), b.DebtAmount.String(),
		nullTime(b.ConfirmedAt), nullTime(b.ReminderSentAt), nullTime(b.LastAutoDeductionAt),
		nullTime(b.TerminationAutoAt), nullTime(b.CancelledAt), nullTime(b.CompletedAt),
		b.CancelReason, b.UpdatedAt.UTC().Format(time.RFC3339),
		b.ID, b.Version,
	)
	if err != nil {
		return storageErr("update booking", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("update booking", err)
	}
	if n == 0 {
		var exists int
		if err := r.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM bookings WHERE id = ?`, b.ID).Scan(&exists); err != nil {
			return storageErr("update booking", err)
		}
		if exists == 0 {
			return booking.ErrBookingNotFound
		}
		return booking.ErrConcurrentModification
	}

	// Persist only the history tail this mutation appended.
	var existing int
	if err := r.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM status_history WHERE booking_id = ?`, b.ID).Scan(&existing); err != nil {
		return storageErr("count history", err)
	}
	return insertHistory(ctx, r, b.ID, b.StatusHistory, existing)
}

func insertHistory(ctx context.Context, r runner, id booking.BookingID, history []booking.StatusChange, from int) error {
	if from > len(history) {
		from = len(history)
	}
	for _, h := range history[from:] {
		_, err := r.ExecContext(ctx, `
			INSERT INTO status_history (booking_id, from_status, to_status, changed_by, changed_by_type, changed_at, note)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id, h.From, h.To, h.ChangedBy, h.ChangedByType, h.ChangedAt.UTC().Format(time.RFC3339), h.Note)
		if err != nil {
			return storageErr("insert history", err)
		}
	}
	return nil
}

func loadHistory(ctx context.Context, r runner, id booking.BookingID) ([]booking.StatusChange, error) {
	rows, err := r.QueryContext(ctx, `
		SELECT from_status, to_status, changed_by, changed_by_type, changed_at, note
		FROM status_history WHERE booking_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, storageErr("load history", err)
	}
	defer rows.Close()

	var result []booking.StatusChange
	for rows.Next() {
		var h booking.StatusChange
		var changedAt string
		if err := rows.Scan(&h.From, &h.To, &h.ChangedBy, &h.ChangedByType, &changedAt, &h.Note); err != nil {
			return nil, storageErr("scan history", err)
		}
		h.ChangedAt, _ = time.Parse(time.RFC3339, changedAt)
		result = append(result, h)
	}
	return result, rows.Err()
}

// =============================================================================
// LEDGER
// =============================================================================

func (s *Store) AppendLedgerEntry(ctx context.Context, entry booking.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendEntry(ctx, s.db, entry)
}

func appendEntry(ctx context.Context, r runner, entry booking.LedgerEntry) error {
	_, err := r.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, booking_id, amount, entry_type, method, status, reference, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.BookingID, entry.Amount.String(), entry.Type, entry.Method,
		entry.Status, entry.Reference, entry.CreatedBy,
		entry.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return booking.ErrDuplicateReference
		}
		return storageErr("append ledger entry", err)
	}
	return nil
}

func (s *Store) LedgerEntries(ctx context.Context, id booking.BookingID) ([]booking.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return loadEntries(ctx, s.db, id)
}

func loadEntries(ctx context.Context, r runner, id booking.BookingID) ([]booking.LedgerEntry, error) {
	rows, err := r.QueryContext(ctx, `
		SELECT id, booking_id, amount, entry_type, method, status, reference, created_by, created_at
		FROM ledger_entries WHERE booking_id = ? ORDER BY created_at, id`, id)
	if err != nil {
		return nil, storageErr("load ledger", err)
	}
	defer rows.Close()

	var result []booking.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (s *Store) GetLedgerEntry(ctx context.Context, id booking.BookingID, entryID booking.EntryID) (booking.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getEntry(ctx, s.db, id, entryID)
}

func getEntry(ctx context.Context, r runner, id booking.BookingID, entryID booking.EntryID) (booking.LedgerEntry, error) {
	rows, err := r.QueryContext(ctx, `
		SELECT id, booking_id, amount, entry_type, method, status, reference, created_by, created_at
		FROM ledger_entries WHERE booking_id = ? AND id = ?`, id, entryID)
	if err != nil {
		return booking.LedgerEntry{}, storageErr("get ledger entry", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return booking.LedgerEntry{}, booking.ErrEntryNotFound
	}
	return scanEntry(rows)
}

func (s *Store) SettleLedgerEntry(ctx context.Context, id booking.BookingID, entryID booking.EntryID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return settleEntry(ctx, s.db, id, entryID)
}

// settleEntry is the single sanctioned ledger mutation: a pending rent
// declaration becomes settled. Amount, type and reference stay immutable.
func settleEntry(ctx context.Context, r runner, id booking.BookingID, entryID booking.EntryID) error {
	res, err := r.ExecContext(ctx, `
		UPDATE ledger_entries SET status = ?
		WHERE booking_id = ? AND id = ? AND entry_type = ? AND status = ?`,
		booking.EntrySuccess, id, entryID, booking.EntryRent, booking.EntryPending)
	if err != nil {
		return storageErr("settle ledger entry", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("settle ledger entry", err)
	}
	if n == 0 {
		return booking.ErrEntryNotFound
	}
	return nil
}

// =============================================================================
// CARS
// =============================================================================

func (s *Store) GetCar(ctx context.Context, id booking.CarID) (booking.Car, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getCar(ctx, s.db, id)
}

func getCar(ctx context.Context, r runner, id booking.CarID) (booking.Car, error) {
	var c booking.Car
	var current sql.NullString
	err := r.QueryRowContext(ctx,
		`SELECT id, owner_id, available, current_booking_id FROM cars WHERE id = ?`, id).
		Scan(&c.ID, &c.OwnerID, &c.Available, &current)
	if err == sql.ErrNoRows {
		return booking.Car{}, booking.ErrCarNotFound
	}
	if err != nil {
		return booking.Car{}, storageErr("get car", err)
	}
	c.CurrentBookingID = booking.BookingID(current.String)
	return c, nil
}

func (s *Store) SaveCar(ctx context.Context, c booking.Car) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveCar(ctx, s.db, c)
}

func saveCar(ctx context.Context, r runner, c booking.Car) error {
	_, err := r.ExecContext(ctx, `
		INSERT INTO cars (id, owner_id, available, current_booking_id)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner_id = excluded.owner_id,
			available = excluded.available,
			current_booking_id = excluded.current_booking_id`,
		c.ID, c.OwnerID, c.Available, nullString(string(c.CurrentBookingID)))
	if err != nil {
		return storageErr("save car", err)
	}
	return nil
}

// =============================================================================
// ADMIN TASKS
// =============================================================================

func (s *Store) SaveAdminTask(ctx context.Context, task booking.AdminTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveTask(ctx, s.db, task)
}

func saveTask(ctx context.Context, r runner, task booking.AdminTask) error {
	_, err := r.ExecContext(ctx, `
		INSERT INTO admin_tasks (id, booking_id, task_type, message, created_at, processed)
		VALUES (?, ?, ?, ?, ?, ?)`,
		task.ID, task.BookingID, task.Type, task.Message,
		task.CreatedAt.UTC().Format(time.RFC3339), task.Processed)
	if err != nil {
		if isUniqueConstraintError(err) {
			return booking.ErrDuplicateAdminTask
		}
		return storageErr("save admin task", err)
	}
	return nil
}

func (s *Store) AdminTasks(ctx context.Context, unprocessedOnly bool) ([]booking.AdminTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return loadTasks(ctx, s.db, unprocessedOnly)
}

func loadTasks(ctx context.Context, r runner, unprocessedOnly bool) ([]booking.AdminTask, error) {
	query := `SELECT id, booking_id, task_type, message, created_at, processed
		FROM admin_tasks`
	if unprocessedOnly {
		query += ` WHERE processed = FALSE`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.QueryContext(ctx, query)
	if err != nil {
		return nil, storageErr("load admin tasks", err)
	}
	defer rows.Close()

	var result []booking.AdminTask
	for rows.Next() {
		var t booking.AdminTask
		var createdAt string
		if err := rows.Scan(&t.ID, &t.BookingID, &t.Type, &t.Message, &createdAt, &t.Processed); err != nil {
			return nil, storageErr("scan admin task", err)
		}
		t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		result = append(result, t)
	}
	return result, rows.Err()
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

func (s *Store) SaveNotification(ctx context.Context, n booking.NotificationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveNotification(ctx, s.db, n)
}

func saveNotification(ctx context.Context, r runner, n booking.NotificationRecord) error {
	_, err := r.ExecContext(ctx, `
		INSERT INTO notifications (id, booking_id, user_id, kind, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		n.ID, n.BookingID, n.UserID, n.Kind, n.Message,
		n.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return storageErr("save notification", err)
	}
	return nil
}

func (s *Store) NotificationsByBooking(ctx context.Context, id booking.BookingID) ([]booking.NotificationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return loadNotifications(ctx, s.db, id)
}

func loadNotifications(ctx context.Context, r runner, id booking.BookingID) ([]booking.NotificationRecord, error) {
	rows, err := r.QueryContext(ctx, `
		SELECT id, booking_id, user_id, kind, message, created_at
		FROM notifications WHERE booking_id = ? ORDER BY created_at, id`, id)
	if err != nil {
		return nil, storageErr("load notifications", err)
	}
	defer rows.Close()

	var result []booking.NotificationRecord
	for rows.Next() {
		var n booking.NotificationRecord
		var createdAt string
		if err := rows.Scan(&n.ID, &n.BookingID, &n.UserID, &n.Kind, &n.Message, &createdAt); err != nil {
			return nil, storageErr("scan notification", err)
		}
		n.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		result = append(result, n)
	}
	return result, rows.Err()
}

// =============================================================================
// SWEEP RUNS
// =============================================================================

func (s *Store) SaveSweepRun(ctx context.Context, run booking.SweepRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sweep_runs (id, day, status, processed, reminded, deducted, failed, error, started_at, completed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(day) DO UPDATE SET
			status = excluded.status,
			processed = excluded.processed,
			reminded = excluded.reminded,
			deducted = excluded.deducted,
			failed = excluded.failed,
			error = excluded.error,
			completed_at = excluded.completed_at`,
		run.ID, run.Day, run.Status, run.Processed, run.Reminded, run.Deducted, run.Failed,
		run.Error, run.StartedAt.UTC().Format(time.RFC3339),
		nullTime(run.CompletedAt), run.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return storageErr("save sweep run", err)
	}
	return nil
}

func (s *Store) GetSweepRun(ctx context.Context, day string) (booking.SweepRun, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var run booking.SweepRun
	var errMsg, completedAt sql.NullString
	var startedAt, createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, day, status, processed, reminded, deducted, failed, error, started_at, completed_at, created_at
		FROM sweep_runs WHERE day = ?`, day).
		Scan(&run.ID, &run.Day, &run.Status, &run.Processed, &run.Reminded, &run.Deducted,
			&run.Failed, &errMsg, &startedAt, &completedAt, &createdAt)
	if err == sql.ErrNoRows {
		return booking.SweepRun{}, false, nil
	}
	if err != nil {
		return booking.SweepRun{}, false, storageErr("get sweep run", err)
	}
	run.Error = errMsg.String
	run.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
	run.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if completedAt.Valid {
		t, _ := time.Parse(time.RFC3339, completedAt.String)
		run.CompletedAt = &t
	}
	return run, true, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// RunTransaction executes fn within one SQLite transaction. Rollback on
// error, commit otherwise. The in-process write lock is held throughout so
// the version check and the write are atomic against other goroutines.
func (s *Store) RunTransaction(ctx context.Context, fn func(booking.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin transaction", err)
	}

	view := &txView{tx: tx}
	if err := fn(view); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit transaction", err)
	}
	return nil
}

// txView implements booking.Store against an open *sql.Tx.
type txView struct {
	tx *sql.Tx
}

func (v *txView) GetBooking(ctx context.Context, id booking.BookingID) (booking.Booking, error) {
	return getBooking(ctx, v.tx, id)
}

func (v *txView) QueryByStatus(ctx context.Context, statuses ...booking.Status) ([]booking.Booking, error) {
	return queryBookings(ctx, v.tx,
		`SELECT `+bookingColumns+` FROM bookings WHERE status IN (`+placeholders(len(statuses))+`) ORDER BY created_at DESC`,
		statusArgs(statuses)...)
}

func (v *txView) QueryByDriver(ctx context.Context, driverID booking.DriverID) ([]booking.Booking, error) {
	return queryBookings(ctx, v.tx,
		`SELECT `+bookingColumns+` FROM bookings WHERE driver_id = ? ORDER BY created_at DESC`, driverID)
}

func (v *txView) QueryByOwner(ctx context.Context, ownerID booking.OwnerID) ([]booking.Booking, error) {
	return queryBookings(ctx, v.tx,
		`SELECT `+bookingColumns+` FROM bookings WHERE owner_id = ? ORDER BY created_at DESC`, ownerID)
}

func (v *txView) CreateBooking(ctx context.Context, b booking.Booking) error {
	return createBooking(ctx, v.tx, b)
}

func (v *txView) UpdateBooking(ctx context.Context, b booking.Booking) error {
	return updateBooking(ctx, v.tx, b)
}

func (v *txView) AppendLedgerEntry(ctx context.Context, entry booking.LedgerEntry) error {
	return appendEntry(ctx, v.tx, entry)
}

func (v *txView) LedgerEntries(ctx context.Context, id booking.BookingID) ([]booking.LedgerEntry, error) {
	return loadEntries(ctx, v.tx, id)
}

func (v *txView) GetLedgerEntry(ctx context.Context, id booking.BookingID, entryID booking.EntryID) (booking.LedgerEntry, error) {
	return getEntry(ctx, v.tx, id, entryID)
}

func (v *txView) SettleLedgerEntry(ctx context.Context, id booking.BookingID, entryID booking.EntryID) error {
	return settleEntry(ctx, v.tx, id, entryID)
}

func (v *txView) GetCar(ctx context.Context, id booking.CarID) (booking.Car, error) {
	return getCar(ctx, v.tx, id)
}

func (v *txView) SaveCar(ctx context.Context, c booking.Car) error {
	return saveCar(ctx, v.tx, c)
}

func (v *txView) SaveAdminTask(ctx context.Context, task booking.AdminTask) error {
	return saveTask(ctx, v.tx, task)
}

func (v *txView) AdminTasks(ctx context.Context, unprocessedOnly bool) ([]booking.AdminTask, error) {
	return loadTasks(ctx, v.tx, unprocessedOnly)
}

func (v *txView) SaveNotification(ctx context.Context, n booking.NotificationRecord) error {
	return saveNotification(ctx, v.tx, n)
}

func (v *txView) NotificationsByBooking(ctx context.Context, id booking.BookingID) ([]booking.NotificationRecord, error) {
	return loadNotifications(ctx, v.tx, id)
}

// =============================================================================
// SCAN / HELPERS
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanBooking(row scanner) (booking.Booking, error) {
	var b booking.Booking
	var carID, cancelReason sql.NullString
	var dailyRate, rentDue, depositAmount, depositRemaining, debtAmount string
	var confirmedAt, reminderAt, deductionAt, terminationAt, cancelledAt, completedAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&b.ID, &b.DriverID, &b.OwnerID, &carID, &b.Status,
		&dailyRate, &rentDue, &depositAmount, &depositRemaining, &debtAmount,
		&confirmedAt, &reminderAt, &deductionAt, &terminationAt,
		&cancelledAt, &completedAt, &cancelReason, &b.Version, &createdAt, &updatedAt)
	if err != nil {
		return booking.Booking{}, err
	}

	b.CarID = booking.CarID(carID.String)
	b.CancelReason = cancelReason.String
	for _, f := range []struct {
		dst *booking.Money
		raw string
	}{
		{&b.DailyRate, dailyRate},
		{&b.RentDueAmount, rentDue},
		{&b.DepositAmount, depositAmount},
		{&b.DepositRemaining, depositRemaining},
		{&b.DebtAmount, debtAmount},
	} {
		m, err := booking.ParseMoney(f.raw)
		if err != nil {
			return booking.Booking{}, err
		}
		*f.dst = m
	}
	b.ConfirmedAt = parseNullTime(confirmedAt)
	b.ReminderSentAt = parseNullTime(reminderAt)
	b.LastAutoDeductionAt = parseNullTime(deductionAt)
	b.TerminationAutoAt = parseNullTime(terminationAt)
	b.CancelledAt = parseNullTime(cancelledAt)
	b.CompletedAt = parseNullTime(completedAt)
	b.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	b.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return b, nil
}

func scanEntry(row scanner) (booking.LedgerEntry, error) {
	var e booking.LedgerEntry
	var amount, createdAt string
	var method sql.NullString
	if err := row.Scan(&e.ID, &e.BookingID, &amount, &e.Type, &method,
		&e.Status, &e.Reference, &e.CreatedBy, &createdAt); err != nil {
		return booking.LedgerEntry{}, storageErr("scan ledger entry", err)
	}
	var err error
	if e.Amount, err = booking.ParseMoney(amount); err != nil {
		return booking.LedgerEntry{}, storageErr("scan ledger entry", err)
	}
	e.Method = method.String
	e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return e, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func statusArgs(statuses []booking.Status) []any {
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = s
	}
	return args
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// storageErr classifies a database failure as PersistenceUnavailable so the
// sweep can skip-and-continue and manual actions surface a retryable error.
func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", booking.ErrPersistenceUnavailable, op, err)
}
