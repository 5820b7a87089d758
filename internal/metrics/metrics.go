// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	RunSucceeded = "succeeded"
	RunDegraded  = "degraded"
	RunErrored   = "errored"
)

const (
	OutcomeGranted = "granted"
	OutcomeDenied  = "denied"
	OutcomeError   = "error"
)

var (
	initOnce sync.Once

	catchupRunsCounter          *prometheus.CounterVec
	catchupEventsAppliedCounter *prometheus.CounterVec
	catchupFailuresCounter      *prometheus.CounterVec
	catchupRunDurationMetric    prometheus.Histogram
	catchupRemainingGauge       *prometheus.GaugeVec
	reservationOpsCounter       *prometheus.CounterVec
)

// Init registers metrics on the default Prometheus registry exactly once.
func Init() {
	initOnce.Do(func() {
		catchupRunsCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catchup_runs_total",
				Help: "Total number of catch-up runs by result.",
			},
			[]string{"result"},
		)

		catchupEventsAppliedCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catchup_events_applied_total",
				Help: "Total number of events applied by projector.",
			},
			[]string{"projector"},
		)

		catchupFailuresCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catchup_projector_failures_total",
				Help: "Total number of projector faults recorded during catch-up.",
			},
			[]string{"projector"},
		)

		catchupRunDurationMetric = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "catchup_run_duration_seconds",
				Help:    "Wall-clock duration of catch-up runs in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		)

		catchupRemainingGauge = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "catchup_events_remaining",
				Help: "Events left in the current batch by projector.",
			},
			[]string{"projector"},
		)

		reservationOpsCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reservation_operations_total",
				Help: "Total number of reservation operations by operation and outcome.",
			},
			[]string{"operation", "outcome"},
		)

		prometheus.MustRegister(
			catchupRunsCounter,
			catchupEventsAppliedCounter,
			catchupFailuresCounter,
			catchupRunDurationMetric,
			catchupRemainingGauge,
			reservationOpsCounter,
		)

		// Ensure counter vectors are visible at /metrics before first increment.
		for _, result := range []string{RunSucceeded, RunDegraded, RunErrored} {
			catchupRunsCounter.WithLabelValues(result)
		}
		for _, op := range []string{"reserve", "reserve_any", "confirm", "cancel"} {
			for _, outcome := range []string{OutcomeGranted, OutcomeDenied, OutcomeError} {
				reservationOpsCounter.WithLabelValues(op, outcome)
			}
		}
	})
}

func IncCatchupRun(result string) {
	Init()
	catchupRunsCounter.WithLabelValues(result).Inc()
}

func AddEventsApplied(projector string, n int) {
	if n <= 0 {
		return
	}
	Init()
	catchupEventsAppliedCounter.WithLabelValues(projector).Add(float64(n))
}

func IncProjectorFailure(projector string) {
	Init()
	catchupFailuresCounter.WithLabelValues(projector).Inc()
}

func ObserveCatchupRunDuration(d time.Duration) {
	Init()
	catchupRunDurationMetric.Observe(d.Seconds())
}

func SetEventsRemaining(projector string, remaining int64) {
	Init()
	catchupRemainingGauge.WithLabelValues(projector).Set(float64(remaining))
}

func IncReservationOp(operation, outcome string) {
	Init()
	reservationOpsCounter.WithLabelValues(operation, outcome).Inc()
}
