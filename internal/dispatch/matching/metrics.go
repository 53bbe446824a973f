package matching

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dispatch_time_seconds",
		Help:    "Time spent finding and reserving a taxi for a dispatch request.",
		Buckets: prometheus.DefBuckets,
	}, []string{"result"})

	reservationAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_reservation_attempts_total",
		Help: "Conditional reservation attempts grouped by outcome.",
	}, []string{"result"})

	candidatesFound = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispatch_candidates",
		Help:    "Number of in-radius candidates returned by a nearest taxi search.",
		Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
	})
)
