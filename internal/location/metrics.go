package location

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ingestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "location_samples_total",
		Help: "Location samples ingested grouped by source and result.",
	}, []string{"source", "result"})

	evictedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "location_evicted_total",
		Help: "Stale location samples removed by the eviction loop.",
	})
)
