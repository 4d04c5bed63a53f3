/*
scheduler.go - Time trigger for the reconciliation sweep

PURPOSE:
  Runs the sweep on a fixed interval (production: every 24 hours) in a
  background goroutine. The scheduler owns nothing but the timer; all the
  interesting behavior lives in Sweeper.Run.

DESIGN:
  - Ticker loop with a stop channel and WaitGroup for clean shutdown
  - Runs once immediately on Start, then on every tick
  - RunNow for tests and the admin trigger endpoint

USAGE:
  sched := sweep.NewScheduler(sweeper, 24*time.Hour, log)
  sched.Start()
  defer sched.Stop()
*/
package sweep

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scheduler invokes the sweep on a fixed interval.
type Scheduler struct {
	Sweeper  *Sweeper
	Interval time.Duration
	Enabled  bool
	Log      *zap.Logger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewScheduler(sweeper *Sweeper, interval time.Duration, log *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Scheduler{
		Sweeper:  sweeper,
		Interval: interval,
		Enabled:  true,
		Log:      log,
		stop:     make(chan struct{}),
	}
}

// Start begins the scheduler.
func (sc *Scheduler) Start() {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if !sc.Enabled {
		sc.log().Info("sweep scheduler disabled, not starting")
		return
	}

	sc.ticker = time.NewTicker(sc.Interval)
	sc.wg.Add(1)
	go sc.run()

	sc.log().Info("sweep scheduler started", zap.Duration("interval", sc.Interval))
}

// Stop stops the scheduler and waits for an in-flight pass to finish.
func (sc *Scheduler) Stop() {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.ticker != nil {
		sc.ticker.Stop()
		close(sc.stop)
		sc.wg.Wait()
		sc.log().Info("sweep scheduler stopped")
	}
}

func (sc *Scheduler) run() {
	defer sc.wg.Done()

	// Run immediately on start
	sc.runOnce()

	for {
		select {
		case <-sc.ticker.C:
			sc.runOnce()
		case <-sc.stop:
			return
		}
	}
}

func (sc *Scheduler) runOnce() {
	if _, err := sc.Sweeper.Run(context.Background(), time.Now()); err != nil {
		sc.log().Error("sweep run failed", zap.Error(err))
	}
}

// RunNow triggers an immediate pass (admin endpoint, tests).
func (sc *Scheduler) RunNow(ctx context.Context, now time.Time) (Report, error) {
	return sc.Sweeper.Run(ctx, now)
}

func (sc *Scheduler) log() *zap.Logger {
	if sc.Log != nil {
		return sc.Log
	}
	return zap.NewNop()
}
