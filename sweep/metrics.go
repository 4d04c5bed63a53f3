/*
metrics.go - Prometheus instrumentation for the sweep

PURPOSE:
  Counters and a duration histogram so operators can see sweep health at a
  glance: how many bookings each pass touched, how many reminders and
  deductions fired, and how many bookings were skipped on failure.
*/
package sweep

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Runs      prometheus.Counter
	Processed prometheus.Counter
	Reminded  prometheus.Counter
	Deducted  prometheus.Counter
	Failures  prometheus.Counter
	Duration  prometheus.Histogram
}

// NewMetrics builds and registers the sweep metric set.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Runs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sweep_runs_total",
			Help: "Completed reconciliation sweep passes.",
		}),
		Processed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sweep_bookings_processed_total",
			Help: "Bookings evaluated by the sweep.",
		}),
		Reminded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sweep_reminders_total",
			Help: "Rent reminders issued by the sweep.",
		}),
		Deducted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sweep_deductions_total",
			Help: "Deposit deductions (auto-terminations) performed by the sweep.",
		}),
		Failures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sweep_booking_failures_total",
			Help: "Bookings skipped after exhausting retries.",
		}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sweep_duration_seconds",
			Help:    "Wall time of a full sweep pass.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.Runs, m.Processed, m.Reminded, m.Deducted, m.Failures, m.Duration)
	return m
}

func (m *Metrics) ObserveRun(r Report, elapsed time.Duration) {
	m.Runs.Inc()
	m.Processed.Add(float64(r.Processed))
	m.Reminded.Add(float64(r.Reminded))
	m.Deducted.Add(float64(r.Deducted))
	m.Duration.Observe(elapsed.Seconds())
}
