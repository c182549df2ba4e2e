package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "portal_chat_sessions_connected",
			Help: "Currently connected chat sessions",
		},
	)

	MessagesCommitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "portal_chat_messages_committed_total",
			Help: "Messages persisted on first occurrence",
		},
	)

	DedupHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_chat_dedup_hits_total",
			Help: "Sends resolved against an already committed message",
		},
		[]string{"path"}, // "cache", "lookup" or "conflict"
	)

	DeliveriesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "portal_chat_deliveries_dropped_total",
			Help: "Fan-out deliveries dropped because a session queue was full",
		},
	)

	SendErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_chat_send_errors_total",
			Help: "message.send requests refused",
		},
		[]string{"code"},
	)

	ReceiptsRecorded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "portal_chat_read_receipts_total",
			Help: "Read receipts written",
		},
	)
)
