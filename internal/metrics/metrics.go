// Package metrics exposes the Prometheus collectors shared across the
// core's components, following the package-level-vars-plus-registry
// shape of the teacher's ws/metrics.go.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// C5 Session Plane
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "core_ws_connections_active",
		Help: "Current number of live WebSocket connections.",
	})
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "core_ws_connections_total",
		Help: "Total WebSocket connections established.",
	})
	HandshakeFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "core_ws_handshake_failures_total",
		Help: "WebSocket handshake failures by reason.",
	}, []string{"reason"})

	// C4 Event Manager
	EventsDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "core_events_delivered_total",
		Help: "Events delivered directly to a live connection, by kind.",
	}, []string{"kind"})
	EventsPending = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "core_events_pending_total",
		Help: "Events that fell back to the pending-notification flag set, by kind.",
	}, []string{"kind"})

	// C6 Chat Pipeline
	MessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "core_chat_messages_sent_total",
		Help: "Chat messages accepted into the pending-message store.",
	})
	MessagesRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "core_chat_messages_rejected_total",
		Help: "Chat messages rejected, by reason.",
	}, []string{"reason"})
	MessagesAcked = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "core_chat_messages_acked_total",
		Help: "Message acknowledgements processed, by side.",
	}, []string{"side"})

	// C7 Moderation Engine
	ModerationQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "core_moderation_queue_depth",
		Help: "Pending items per moderation queue.",
	}, []string{"queue"})
	ModerationDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "core_moderation_decisions_total",
		Help: "Final moderation decisions, by outcome.",
	}, []string{"outcome"})
	ClassifierLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "core_moderation_classifier_latency_seconds",
		Help:    "Classifier call latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"classifier"})
	ClassifierRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "core_moderation_classifier_retries_total",
		Help: "Classifier call retries, by classifier.",
	}, []string{"classifier"})

	// C8 Push Notifier
	PushSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "core_push_sent_total",
		Help: "Push notifications sent, by priority.",
	}, []string{"priority"})
	PushFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "core_push_failed_total",
		Help: "Push notification send failures, by action taken.",
	}, []string{"action"})
	PushQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "core_push_queue_depth",
		Help: "Items waiting in the push notifier channels, by priority.",
	}, []string{"priority"})

	// C9 Backup Link
	BackupFilesSynced = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "core_backup_files_synced_total",
		Help: "Files successfully synced over the backup link.",
	})
	BackupContentSynced = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "core_backup_content_synced_total",
		Help: "Content blobs successfully synced over the backup link.",
	})
	BackupReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "core_backup_reconnects_total",
		Help: "Backup link reconnect attempts.",
	})

	// C2 Location Index
	LocationIndexCells = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "core_location_index_nonempty_cells",
		Help: "Current number of non-empty location index cells.",
	})
)

// Registry builds a fresh prometheus.Registry with all collectors
// registered, mirroring the teacher's single-call registration in
// ws/metrics.go's init/ registerMetrics.
func Registry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		ConnectionsActive, ConnectionsTotal, HandshakeFailures,
		EventsDelivered, EventsPending,
		MessagesSent, MessagesRejected, MessagesAcked,
		ModerationQueueDepth, ModerationDecisions, ClassifierLatency, ClassifierRetries,
		PushSent, PushFailed, PushQueueDepth,
		BackupFilesSynced, BackupContentSynced, BackupReconnects,
		LocationIndexCells,
	)
	return reg
}

// Handler returns the HTTP handler to mount at the metrics address.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
