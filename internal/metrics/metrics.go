// Package metrics provides Prometheus instrumentation for the signaling
// server: gauges for occupancy, counters for matches and relayed traffic,
// and a histogram for pool wait time.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectedUsers tracks the current number of authenticated users with
	// a live transport.
	ConnectedUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "signaling_connected_users",
		Help: "Current number of authenticated users with a live connection",
	})

	// WaitingPoolSize tracks the current number of users awaiting a match.
	WaitingPoolSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "signaling_waiting_pool_size",
		Help: "Current number of users in the waiting pool",
	})

	// ActiveRooms tracks the current number of active paired rooms.
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "signaling_active_rooms",
		Help: "Current number of active rooms",
	})

	// MatchesTotal counts rooms created by the matchmaker.
	MatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "signaling_matches_total",
		Help: "Total number of matches made",
	})

	// MatchWaitSeconds records per-user time spent in the waiting pool
	// before a match.
	MatchWaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "signaling_match_wait_seconds",
		Help:    "Time spent in the waiting pool before a match",
		Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 120},
	})

	// RelayedMessages counts forwarded events, labeled by event type.
	RelayedMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "signaling_relayed_messages_total",
		Help: "Total number of relayed events",
	}, []string{"type"})

	// RoomEndReasons counts room teardowns, labeled by end reason.
	RoomEndReasons = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "signaling_room_end_reasons_total",
		Help: "Total number of room teardowns by reason",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(
		ConnectedUsers,
		WaitingPoolSize,
		ActiveRooms,
		MatchesTotal,
		MatchWaitSeconds,
		RelayedMessages,
		RoomEndReasons,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
