// ABOUTME: Prometheus metrics for the relay
// ABOUTME: Tracks live connections, dispatched events, and fan-out volume

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsActive counts currently open websocket sessions.
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "parley_relay_connections_active",
		Help: "Number of live websocket connections.",
	})

	// EventsDispatched counts inbound protocol events by name.
	EventsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_relay_events_dispatched_total",
		Help: "Inbound protocol events dispatched, by event name.",
	}, []string{"event"})

	// FanoutPushes counts individual event deliveries to connections.
	FanoutPushes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parley_relay_fanout_pushes_total",
		Help: "Events pushed to individual live connections.",
	})

	// EventsDropped counts events dropped because a session's send buffer
	// was full.
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parley_relay_events_dropped_total",
		Help: "Events dropped for slow connections.",
	})
)
