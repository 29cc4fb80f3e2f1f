package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "servicematch_realtime_connections",
		Help: "Live client connections",
	})
	activeRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "servicematch_realtime_rooms",
		Help: "Rooms with at least one member",
	})
	connectionsReplaced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "servicematch_realtime_connections_replaced_total",
		Help: "Connections closed because the same user connected again",
	})
	deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "servicematch_realtime_deliveries_total",
		Help: "Outbound message deliveries by result",
	}, []string{"result"})
	clientMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "servicematch_realtime_client_messages_total",
		Help: "Inbound client protocol messages by type",
	}, []string{"type"})
)
