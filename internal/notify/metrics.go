package notify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	routedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "servicematch_notify_events_total",
		Help: "Lifecycle events routed by type",
	}, []string{"type"})
	notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "servicematch_notify_deliveries_total",
		Help: "Notifications by kind and delivery result",
	}, []string{"kind", "result"})
)
