package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "admp_messages_sent_total",
		Help: "Total number of messages accepted into inboxes, by signature status.",
	}, []string{"signature_status"})
	MessagesPulled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "admp_messages_pulled_total",
		Help: "Total number of messages leased to pulling agents.",
	})
	MessagesAcked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "admp_messages_acked_total",
		Help: "Total number of acknowledged messages.",
	})
	MessagesNacked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "admp_messages_nacked_total",
		Help: "Total number of nacks by action.",
	}, []string{"action"})
	GroupFanout = promauto.NewCounter(prometheus.CounterOpts{
		Name: "admp_group_fanout_deliveries_total",
		Help: "Total number of per-member deliveries produced by group posts.",
	})
	WebhookAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "admp_webhook_attempts_total",
		Help: "Total number of webhook delivery attempts by outcome.",
	}, []string{"outcome"})
	WebhookExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "admp_webhook_exhausted_total",
		Help: "Total number of messages whose webhook retries were exhausted.",
	})
	SweepRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "admp_sweep_runs_total",
		Help: "Total number of sweep executions by sweep name and outcome.",
	}, []string{"sweep", "outcome"})
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "admp_sweep_duration_seconds",
		Help:    "Duration of full sweep ticks.",
		Buckets: prometheus.DefBuckets,
	})
	DIDResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "admp_did_resolutions_total",
		Help: "Total number of did:web resolutions by outcome.",
	}, []string{"outcome"})
	DIDCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "admp_did_cache_hits_total",
		Help: "Total number of did:web key lookups served from the cache.",
	})
	AuthRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "admp_auth_rejections_total",
		Help: "Total number of authentication gate rejections by error code.",
	}, []string{"code"})
	AgentsRegistered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "admp_agents_registered_total",
		Help: "Total number of agent registrations, shadow agents included.",
	})
	AgentsOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "admp_agents_online",
		Help: "Number of agents whose heartbeat status is online.",
	})
	QueuedMessages = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "admp_messages_queued",
		Help: "Number of messages currently queued, refreshed each sweep tick.",
	})
	LeasedMessages = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "admp_messages_leased",
		Help: "Number of messages currently leased, refreshed each sweep tick.",
	})
)
