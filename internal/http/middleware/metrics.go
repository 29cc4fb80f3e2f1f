package middleware

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var rateLimitDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "servicematch_http_rate_limit_decisions_total",
	Help: "Rate limiter outcomes by scope",
}, []string{"scope", "result"})
