package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "opd"

var (
	once sync.Once

	bookingTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "booking_transitions_total",
			Help:      "Booking lifecycle transitions by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	slotConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "booking_slot_conflicts_total",
			Help:      "Booking attempts rejected because the slot was already taken.",
		},
	)

	txRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "db_tx_retries_total",
			Help:      "Transactions retried after a conflict or transient failure.",
		},
	)

	modificationDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "modification_decisions_total",
			Help:      "Schedule modification decisions by request type, role and decision.",
		},
		[]string{"type", "role", "decision"},
	)

	noShowsSwept = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "booking_no_shows_swept_total",
			Help:      "Bookings marked no-show by the sweep job.",
		},
	)

	panicsRecovered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_panics_recovered_total",
			Help:      "Handler panics converted into 500 responses.",
		},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route and status.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

// Register registers metrics (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(bookingTransitions, slotConflicts, txRetries,
			modificationDecisions, noShowsSwept, panicsRecovered, httpDuration)
	})
}

func IncBookingTransition(kind, outcome string) {
	bookingTransitions.WithLabelValues(kind, outcome).Inc()
}

func IncSlotConflict() {
	slotConflicts.Inc()
}

func IncTxRetry() {
	txRetries.Inc()
}

func IncModificationDecision(reqType, role, decision string) {
	modificationDecisions.WithLabelValues(reqType, role, decision).Inc()
}

func AddNoShowsSwept(n int) {
	noShowsSwept.Add(float64(n))
}

func IncPanicRecovered() {
	panicsRecovered.Inc()
}

func ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	httpDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}
