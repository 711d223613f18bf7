package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmsync_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dmsync_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Mailbox metrics
	MessagesStored = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dmsync_mailbox_messages_stored_total",
			Help: "Total messages persisted by the mailbox",
		},
	)

	MailboxReads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmsync_mailbox_reads_total",
			Help: "Total mailbox read requests",
		},
		[]string{"kind"}, // "since", "recent" or "activity"
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmsync_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"endpoint"},
	)

	// Sync engine metrics
	SyncCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmsync_sync_cycles_total",
			Help: "Fetch cycles run by the sync engine",
		},
		[]string{"result"}, // "ok", "error" or "cancelled"
	)

	SyncCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dmsync_sync_cycle_duration_seconds",
			Help:    "Duration of one fetch-merge cycle",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	SyncMessagesMerged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dmsync_sync_messages_merged_total",
			Help: "New messages merged into conversation logs",
		},
	)

	SyncDuplicatesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dmsync_sync_duplicates_dropped_total",
			Help: "Fetched messages dropped because their id was already known",
		},
	)

	SyncBackfills = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dmsync_sync_backfills_total",
			Help: "Wider history fetches triggered by the recency check",
		},
	)

	SyncActiveConversations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dmsync_sync_active_conversations",
			Help: "Conversations with a running sync loop",
		},
	)

	Sends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmsync_sends_total",
			Help: "Outbound messages submitted through the engine",
		},
		[]string{"result"}, // "ok", "invalid" or "error"
	)
)
