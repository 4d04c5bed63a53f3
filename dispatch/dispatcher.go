/*
Package dispatch delivers side effects produced by booking transitions.

PURPOSE:
  The transactional core emits notification requests (rent reminders,
  termination notices, lifecycle events) and this package delivers them to
  the external notification system. Delivery is decoupled from the booking
  transaction: a failure here is logged and retried asynchronously, and can
  never roll back a committed transition.

RETRY MODEL:
  Each notice is dispatched on its own goroutine with bounded attempts and
  a fixed backoff. Exhausted notices are logged at error level and dropped;
  the booking state they describe is already durable, so the worst case is
  a missed push notification, not lost money.

IMPLEMENTATIONS:
  - LogNotifier:  Writes the notice to the structured log (default wiring)
  - AMQPNotifier: Publishes to a RabbitMQ topic exchange (enabled by config)
*/
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/drivelane/booking-engine/booking"
	"go.uber.org/zap"
)

const (
	defaultAttempts = 3
	defaultBackoff  = 2 * time.Second
)

// Dispatcher fans notices out to the configured Notifier with async retry.
type Dispatcher struct {
	Notifier booking.Notifier
	Log      *zap.Logger
	Attempts int
	Backoff  time.Duration

	wg sync.WaitGroup
}

func NewDispatcher(n booking.Notifier, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		Notifier: n,
		Log:      log,
		Attempts: defaultAttempts,
		Backoff:  defaultBackoff,
	}
}

// DispatchNotice delivers a sweep notice asynchronously. Fire-and-forget
// from the caller's perspective.
func (d *Dispatcher) DispatchNotice(notice booking.ReminderNotice) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.deliver(notice)
	}()
}

func (d *Dispatcher) deliver(notice booking.ReminderNotice) {
	attempts := d.Attempts
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	backoff := d.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}

	payload := map[string]string{
		"bookingId": string(notice.BookingID),
		"message":   notice.Message,
	}

	var err error
	for i := 0; i < attempts; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = d.Notifier.Enqueue(ctx, string(notice.DriverID), notice.Kind, payload)
		cancel()
		if err == nil {
			return
		}
		time.Sleep(backoff)
	}

	d.log().Error("notification dropped after retries",
		zap.String("kind", notice.Kind),
		zap.String("booking", string(notice.BookingID)),
		zap.Error(err))
}

// Close waits for in-flight deliveries to finish. Called on shutdown.
func (d *Dispatcher) Close() {
	d.wg.Wait()
}

func (d *Dispatcher) log() *zap.Logger {
	if d.Log != nil {
		return d.Log
	}
	return zap.NewNop()
}

// =============================================================================
// LOG NOTIFIER - Default delivery target
// =============================================================================

// LogNotifier writes notices to the structured log. Used in development and
// as the fallback when no message broker is configured.
type LogNotifier struct {
	Log *zap.Logger
}

func (n *LogNotifier) Enqueue(_ context.Context, userID, kind string, payload map[string]string) error {
	log := n.Log
	if log == nil {
		log = zap.NewNop()
	}
	log.Info("notification enqueued",
		zap.String("user", userID),
		zap.String("kind", kind),
		zap.Any("payload", payload))
	return nil
}
