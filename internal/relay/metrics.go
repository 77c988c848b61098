package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Non-fatal signaling failures are dropped silently on the wire; the
// counters below keep them observable for operators.
var (
	metricRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshcall_messages_relayed_total",
		Help: "Signaling messages accepted from clients, by type.",
	}, []string{"type"})

	metricRouteMiss = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshcall_route_misses_total",
		Help: "Target-addressed messages dropped because the target left the room.",
	})

	metricInvalid = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshcall_invalid_messages_total",
		Help: "Inbound messages dropped as malformed.",
	})

	metricBackpressureKicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshcall_backpressure_disconnects_total",
		Help: "Members disconnected because their send buffer overflowed.",
	})

	metricRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meshcall_rooms",
		Help: "Rooms currently alive.",
	})

	metricMembers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meshcall_members",
		Help: "Members currently connected across all rooms.",
	})
)
