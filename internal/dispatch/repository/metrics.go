package repository

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var updateConflicts = promauto.NewCounter(prometheus.CounterOpts{
	Name: "dispatch_request_cas_conflicts_total",
	Help: "Optimistic request updates that lost a race and were retried.",
})
