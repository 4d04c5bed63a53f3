// Package store provides an in-memory booking.Store implementation
// for tests and development.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/drivelane/booking-engine/booking"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu       sync.RWMutex
	bookings map[booking.BookingID]booking.Booking
	ledgers  map[booking.BookingID][]booking.LedgerEntry
	refs     map[string]bool // bookingID|type|reference
	cars     map[booking.CarID]booking.Car
	tasks    []booking.AdminTask
	taskKeys map[string]bool // bookingID|day
	notices  map[booking.BookingID][]booking.NotificationRecord
	runs     map[string]booking.SweepRun
}

func NewMemory() *Memory {
	return &Memory{
		bookings: make(map[booking.BookingID]booking.Booking),
		ledgers:  make(map[booking.BookingID][]booking.LedgerEntry),
		refs:     make(map[string]bool),
		cars:     make(map[booking.CarID]booking.Car),
		taskKeys: make(map[string]bool),
		notices:  make(map[booking.BookingID][]booking.NotificationRecord),
		runs:     make(map[string]booking.SweepRun),
	}
}

func refKey(e booking.LedgerEntry) string {
	return fmt.Sprintf("%s|%s|%s", e.BookingID, e.Type, e.Reference)
}

func taskKey(t booking.AdminTask) string {
	return fmt.Sprintf("%s|%s", t.BookingID, booking.DayStamp(t.CreatedAt))
}

// =============================================================================
// BOOKINGS
// =============================================================================

func (m *Memory) GetBooking(_ context.Context, id booking.BookingID) (booking.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getBookingLocked(id)
}

func (m *Memory) getBookingLocked(id booking.BookingID) (booking.Booking, error) {
	b, ok := m.bookings[id]
	if !ok {
		return booking.Booking{}, booking.ErrBookingNotFound
	}
	return cloneBooking(b), nil
}

func (m *Memory) QueryByStatus(_ context.Context, statuses ...booking.Status) ([]booking.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	want := make(map[booking.Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var result []booking.Booking
	for _, b := range m.bookings {
		if want[b.Status] {
			result = append(result, cloneBooking(b))
		}
	}
	sortByCreated(result)
	return result, nil
}

func (m *Memory) QueryByDriver(_ context.Context, driverID booking.DriverID) ([]booking.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []booking.Booking
	for _, b := range m.bookings {
		if b.DriverID == driverID {
			result = append(result, cloneBooking(b))
		}
	}
	sortByCreated(result)
	return result, nil
}

func (m *Memory) QueryByOwner(_ context.Context, ownerID booking.OwnerID) ([]booking.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []booking.Booking
	for _, b := range m.bookings {
		if b.OwnerID == ownerID {
			result = append(result, cloneBooking(b))
		}
	}
	sortByCreated(result)
	return result, nil
}

func (m *Memory) CreateBooking(_ context.Context, b booking.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createBookingLocked(b)
}

func (m *Memory) createBookingLocked(b booking.Booking) error {
	if _, exists := m.bookings[b.ID]; exists {
		return fmt.Errorf("booking %s already exists", b.ID)
	}
	m.bookings[b.ID] = cloneBooking(b)
	return nil
}

func (m *Memory) UpdateBooking(_ context.Context, b booking.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateBookingLocked(b)
}

func (m *Memory) updateBookingLocked(b booking.Booking) error {
	stored, ok := m.bookings[b.ID]
	if !ok {
		return booking.ErrBookingNotFound
	}
	if stored.Version != b.Version {
		return booking.ErrConcurrentModification
	}
	b.Version++
	m.bookings[b.ID] = cloneBooking(b)
	return nil
}

// =============================================================================
// LEDGER
// =============================================================================

func (m *Memory) AppendLedgerEntry(_ context.Context, entry booking.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendEntryLocked(entry)
}

func (m *Memory) appendEntryLocked(entry booking.LedgerEntry) error {
	k := refKey(entry)
	if m.refs[k] {
		return booking.ErrDuplicateReference
	}
	m.refs[k] = true
	m.ledgers[entry.BookingID] = append(m.ledgers[entry.BookingID], entry)
	return nil
}

func (m *Memory) LedgerEntries(_ context.Context, id booking.BookingID) ([]booking.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]booking.LedgerEntry, len(m.ledgers[id]))
	copy(result, m.ledgers[id])
	return result, nil
}

func (m *Memory) GetLedgerEntry(_ context.Context, id booking.BookingID, entryID booking.EntryID) (booking.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, e := range m.ledgers[id] {
		if e.ID == entryID {
			return e, nil
		}
	}
	return booking.LedgerEntry{}, booking.ErrEntryNotFound
}

func (m *Memory) SettleLedgerEntry(_ context.Context, id booking.BookingID, entryID booking.EntryID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settleEntryLocked(id, entryID)
}

func (m *Memory) settleEntryLocked(id booking.BookingID, entryID booking.EntryID) error {
	entries := m.ledgers[id]
	for i, e := range entries {
		if e.ID == entryID {
			entries[i].Status = booking.EntrySuccess
			return nil
		}
	}
	return booking.ErrEntryNotFound
}

// =============================================================================
// CARS
// =============================================================================

func (m *Memory) GetCar(_ context.Context, id booking.CarID) (booking.Car, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.cars[id]
	if !ok {
		return booking.Car{}, booking.ErrCarNotFound
	}
	return c, nil
}

func (m *Memory) SaveCar(_ context.Context, c booking.Car) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cars[c.ID] = c
	return nil
}

// =============================================================================
// ADMIN TASKS
// =============================================================================

func (m *Memory) SaveAdminTask(_ context.Context, task booking.AdminTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveTaskLocked(task)
}

func (m *Memory) saveTaskLocked(task booking.AdminTask) error {
	k := taskKey(task)
	if m.taskKeys[k] {
		return booking.ErrDuplicateAdminTask
	}
	m.taskKeys[k] = true
	m.tasks = append(m.tasks, task)
	return nil
}

func (m *Memory) AdminTasks(_ context.Context, unprocessedOnly bool) ([]booking.AdminTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []booking.AdminTask
	for _, t := range m.tasks {
		if unprocessedOnly && t.Processed {
			continue
		}
		result = append(result, t)
	}
	return result, nil
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

func (m *Memory) SaveNotification(_ context.Context, n booking.NotificationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveNoticeLocked(n)
}

func (m *Memory) saveNoticeLocked(n booking.NotificationRecord) error {
	m.notices[n.BookingID] = append(m.notices[n.BookingID], n)
	return nil
}

func (m *Memory) NotificationsByBooking(_ context.Context, id booking.BookingID) ([]booking.NotificationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]booking.NotificationRecord, len(m.notices[id]))
	copy(result, m.notices[id])
	return result, nil
}

// =============================================================================
// SWEEP RUNS
// =============================================================================

func (m *Memory) SaveSweepRun(_ context.Context, run booking.SweepRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.Day] = run
	return nil
}

func (m *Memory) GetSweepRun(_ context.Context, day string) (booking.SweepRun, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[day]
	return run, ok, nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with the unit-of-work boundary. A transaction is
// simulated with a snapshot taken under the lock and restored on error.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

func (tm *TxMemory) RunTransaction(_ context.Context, fn func(booking.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()
	view := &txMemoryView{parent: tm}

	if err := fn(view); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	bookings map[booking.BookingID]booking.Booking
	ledgers  map[booking.BookingID][]booking.LedgerEntry
	refs     map[string]bool
	cars     map[booking.CarID]booking.Car
	tasks    []booking.AdminTask
	taskKeys map[string]bool
	notices  map[booking.BookingID][]booking.NotificationRecord
}

func (tm *TxMemory) snapshot() memorySnapshot {
	s := memorySnapshot{
		bookings: make(map[booking.BookingID]booking.Booking, len(tm.bookings)),
		ledgers:  make(map[booking.BookingID][]booking.LedgerEntry, len(tm.ledgers)),
		refs:     make(map[string]bool, len(tm.refs)),
		cars:     make(map[booking.CarID]booking.Car, len(tm.cars)),
		tasks:    append([]booking.AdminTask{}, tm.tasks...),
		taskKeys: make(map[string]bool, len(tm.taskKeys)),
		notices:  make(map[booking.BookingID][]booking.NotificationRecord, len(tm.notices)),
	}
	for k, v := range tm.bookings {
		s.bookings[k] = cloneBooking(v)
	}
	for k, v := range tm.ledgers {
		s.ledgers[k] = append([]booking.LedgerEntry{}, v...)
	}
	for k, v := range tm.refs {
		s.refs[k] = v
	}
	for k, v := range tm.cars {
		s.cars[k] = v
	}
	for k, v := range tm.taskKeys {
		s.taskKeys[k] = v
	}
	for k, v := range tm.notices {
		s.notices[k] = append([]booking.NotificationRecord{}, v...)
	}
	return s
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.bookings = s.bookings
	tm.ledgers = s.ledgers
	tm.refs = s.refs
	tm.cars = s.cars
	tm.tasks = s.tasks
	tm.taskKeys = s.taskKeys
	tm.notices = s.notices
}

// txMemoryView routes writes at the parent's locked internals. The outer
// lock is held for the duration of the transaction.
type txMemoryView struct {
	parent *TxMemory
}

func (tv *txMemoryView) GetBooking(_ context.Context, id booking.BookingID) (booking.Booking, error) {
	return tv.parent.getBookingLocked(id)
}

func (tv *txMemoryView) QueryByStatus(_ context.Context, statuses ...booking.Status) ([]booking.Booking, error) {
	want := make(map[booking.Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var result []booking.Booking
	for _, b := range tv.parent.bookings {
		if want[b.Status] {
			result = append(result, cloneBooking(b))
		}
	}
	sortByCreated(result)
	return result, nil
}

func (tv *txMemoryView) QueryByDriver(_ context.Context, driverID booking.DriverID) ([]booking.Booking, error) {
	var result []booking.Booking
	for _, b := range tv.parent.bookings {
		if b.DriverID == driverID {
			result = append(result, cloneBooking(b))
		}
	}
	sortByCreated(result)
	return result, nil
}

func (tv *txMemoryView) QueryByOwner(_ context.Context, ownerID booking.OwnerID) ([]booking.Booking, error) {
	var result []booking.Booking
	for _, b := range tv.parent.bookings {
		if b.OwnerID == ownerID {
			result = append(result, cloneBooking(b))
		}
	}
	sortByCreated(result)
	return result, nil
}

func (tv *txMemoryView) CreateBooking(_ context.Context, b booking.Booking) error {
	return tv.parent.createBookingLocked(b)
}

func (tv *txMemoryView) UpdateBooking(_ context.Context, b booking.Booking) error {
	return tv.parent.updateBookingLocked(b)
}

func (tv *txMemoryView) AppendLedgerEntry(_ context.Context, entry booking.LedgerEntry) error {
	return tv.parent.appendEntryLocked(entry)
}

func (tv *txMemoryView) LedgerEntries(_ context.Context, id booking.BookingID) ([]booking.LedgerEntry, error) {
	result := make([]booking.LedgerEntry, len(tv.parent.ledgers[id]))
	copy(result, tv.parent.ledgers[id])
	return result, nil
}

func (tv *txMemoryView) GetLedgerEntry(_ context.Context, id booking.BookingID, entryID booking.EntryID) (booking.LedgerEntry, error) {
	for _, e := range tv.parent.ledgers[id] {
		if e.ID == entryID {
			return e, nil
		}
	}
	return booking.LedgerEntry{}, booking.ErrEntryNotFound
}

func (tv *txMemoryView) SettleLedgerEntry(_ context.Context, id booking.BookingID, entryID booking.EntryID) error {
	return tv.parent.settleEntryLocked(id, entryID)
}

func (tv *txMemoryView) GetCar(_ context.Context, id booking.CarID) (booking.Car, error) {
	c, ok := tv.parent.cars[id]
	if !ok {
		return booking.Car{}, booking.ErrCarNotFound
	}
	return c, nil
}

func (tv *txMemoryView) SaveCar(_ context.Context, c booking.Car) error {
	tv.parent.cars[c.ID] = c
	return nil
}

func (tv *txMemoryView) SaveAdminTask(_ context.Context, task booking.AdminTask) error {
	return tv.parent.saveTaskLocked(task)
}

func (tv *txMemoryView) AdminTasks(_ context.Context, unprocessedOnly bool) ([]booking.AdminTask, error) {
	var result []booking.AdminTask
	for _, t := range tv.parent.tasks {
		if unprocessedOnly && t.Processed {
			continue
		}
		result = append(result, t)
	}
	return result, nil
}

func (tv *txMemoryView) SaveNotification(_ context.Context, n booking.NotificationRecord) error {
	return tv.parent.saveNoticeLocked(n)
}

func (tv *txMemoryView) NotificationsByBooking(_ context.Context, id booking.BookingID) ([]booking.NotificationRecord, error) {
	result := make([]booking.NotificationRecord, len(tv.parent.notices[id]))
	copy(result, tv.parent.notices[id])
	return result, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func cloneBooking(b booking.Booking) booking.Booking {
	b.StatusHistory = append([]booking.StatusChange{}, b.StatusHistory...)
	return b
}

func sortByCreated(bs []booking.Booking) {
	sort.Slice(bs, func(i, j int) bool {
		return bs[i].CreatedAt.After(bs[j].CreatedAt)
	})
}
