/*
run.go - Sweep run audit records

PURPOSE:
  Every reconciliation sweep writes one run record per calendar day. The
  record doubles as the day-level idempotency anchor (unique per day) and
  as the audit trail surfaced to operators.
*/
package booking

import (
	"context"
	"time"
)

type SweepRunStatus string

const (
	SweepRunning   SweepRunStatus = "running"
	SweepCompleted SweepRunStatus = "completed"
	SweepFailed    SweepRunStatus = "failed"
)

// SweepRun is the per-day audit record of a reconciliation pass.
type SweepRun struct {
	ID     string
	Day    string // calendar day, "2006-01-02"
	Status SweepRunStatus

	Processed int
	Reminded  int
	Deducted  int
	Failed    int

	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
}

// SweepRunStore persists sweep run records. Implemented alongside Store.
type SweepRunStore interface {
	// SaveSweepRun upserts the run record for its day.
	SaveSweepRun(ctx context.Context, run SweepRun) error

	// GetSweepRun returns the run for a calendar day, if any.
	GetSweepRun(ctx context.Context, day string) (SweepRun, bool, error)
}
