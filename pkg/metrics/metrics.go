package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SlotClaims records claim attempts by result (won|lost).
	SlotClaims = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matchslot_slot_claims_total",
			Help: "Total number of slot claim attempts",
		},
		[]string{"result"},
	)

	// BookingsConfirmed counts slots that reached BOOKED.
	BookingsConfirmed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "matchslot_bookings_confirmed_total",
			Help: "Total number of confirmed bookings",
		},
	)

	// OffersCancelled counts offers that ended CANCELLED.
	OffersCancelled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "matchslot_offers_cancelled_total",
			Help: "Total number of cancelled match offers",
		},
	)

	// StaleHoldsReleased counts holds reverted to OPEN by the expiry sweep.
	StaleHoldsReleased = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "matchslot_stale_holds_released_total",
			Help: "Total number of stale slot holds released",
		},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "matchslot_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
