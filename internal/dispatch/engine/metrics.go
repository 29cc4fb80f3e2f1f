package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	searchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dispatch_search_seconds",
		Help:    "Time spent searching for candidates.",
		Buckets: prometheus.DefBuckets,
	}, []string{"result"})

	searchRings = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispatch_search_rings",
		Help:    "Rings expanded per candidate search.",
		Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10},
	})

	locationReadErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_location_read_errors_total",
		Help: "Cell reads that failed during candidate search.",
	})

	offersIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_offers_issued_total",
		Help: "Offers issued to candidates.",
	})

	resolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_offer_resolutions_total",
		Help: "Offer resolution attempts grouped by outcome and result.",
	}, []string{"outcome", "result"})

	dispatchOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_rounds_total",
		Help: "Dispatch rounds grouped by result.",
	}, []string{"result"})

	offersExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_offers_expired_total",
		Help: "Offers resolved as expired by the deadline sweep.",
	})
)
