package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "board",
			Subsystem: "sync",
			Name:      "active_connections",
			Help:      "Number of websocket connections currently joined, per room",
		},
		[]string{"room"},
	)

	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "board",
			Subsystem: "sync",
			Name:      "events_received_total",
			Help:      "Total inbound client events",
		},
		[]string{"event"},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "board",
			Subsystem: "sync",
			Name:      "events_dropped_total",
			Help:      "Inbound events dropped before any state change",
		},
		[]string{"reason"},
	)

	BroadcastsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "board",
			Subsystem: "sync",
			Name:      "broadcasts_total",
			Help:      "Events fanned out to room members",
		},
		[]string{"event"},
	)

	SnapshotSaveFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "board",
			Subsystem: "store",
			Name:      "snapshot_save_failures_total",
			Help:      "Room snapshot writes that failed and were logged",
		},
	)
)
