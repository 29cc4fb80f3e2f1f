package eventbus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	publishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventbus_publish_total",
		Help: "Publish attempts grouped by topic and result.",
	}, []string{"topic", "result"})

	publishExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventbus_publish_exhausted_total",
		Help: "Publishes that failed after exhausting retries.",
	}, []string{"topic"})

	consumeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventbus_consume_total",
		Help: "Deliveries handled grouped by topic, consumer group and result.",
	}, []string{"topic", "group", "result"})
)
