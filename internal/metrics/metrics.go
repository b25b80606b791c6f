// Package metrics holds the Prometheus collectors for the collaboration engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsActive is the number of joined WebSocket connections.
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "collab_connections_active",
		Help: "Number of joined collaboration connections",
	})

	// HandshakeRejections counts refused upgrades by HTTP status.
	HandshakeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_handshake_rejections_total",
		Help: "Refused WebSocket upgrades by status code",
	}, []string{"status"})

	// MessagesTotal counts inbound protocol messages by type and result.
	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_messages_total",
		Help: "Inbound protocol messages by type and result",
	}, []string{"type", "result"})

	// BroadcastDropped counts messages not delivered because a peer queue was full.
	BroadcastDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_broadcast_dropped_total",
		Help: "Messages dropped for slow consumers",
	})

	// Evictions counts connections closed by the liveness monitor.
	Evictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_liveness_evictions_total",
		Help: "Connections evicted for missing a heartbeat",
	})

	// DocumentsResident is the number of project documents held in memory.
	DocumentsResident = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "collab_documents_resident",
		Help: "Project documents currently resident in memory",
	})

	// DocumentLoads counts document loads by result.
	DocumentLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_document_loads_total",
		Help: "Project document loads by result",
	}, []string{"result"})

	// DocumentPersists counts snapshot writes by reason and result.
	DocumentPersists = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_document_persists_total",
		Help: "Project document snapshot writes by reason and result",
	}, []string{"reason", "result"})

	// LoadDuration tracks how long document loads take.
	LoadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "collab_document_load_duration_seconds",
		Help:    "Project document load duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})
)
