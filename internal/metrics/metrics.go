package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Messages enqueued counter
	MessagesEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duraq_messages_enqueued_total",
			Help: "Total number of messages enqueued",
		},
		[]string{"queue"},
	)

	// Messages claimed counter
	MessagesClaimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duraq_messages_claimed_total",
			Help: "Total number of messages claimed by consumers",
		},
		[]string{"queue"},
	)

	// Claims that found no eligible message
	ClaimsEmpty = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duraq_claims_empty_total",
			Help: "Total number of claim calls that returned no message",
		},
		[]string{"queue"},
	)

	// Messages completed successfully
	MessagesCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duraq_messages_completed_total",
			Help: "Total number of messages completed successfully",
		},
		[]string{"queue"},
	)

	// Messages rescheduled for retry after a reported failure
	MessagesRetried = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duraq_messages_retried_total",
			Help: "Total number of messages rescheduled with backoff",
		},
		[]string{"queue"},
	)

	// Messages migrated to the dead-letter archive
	MessagesDeadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duraq_messages_dead_lettered_total",
			Help: "Total number of messages moved to the dead-letter archive",
		},
		[]string{"queue"},
	)

	// Dead-lettered messages re-enqueued by an operator
	MessagesRedriven = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duraq_messages_redriven_total",
			Help: "Total number of dead-lettered messages re-enqueued by operators",
		},
		[]string{"queue"},
	)

	// Expired claims returned to pending by the reaper
	MessagesReclaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "duraq_messages_reclaimed_total",
			Help: "Total number of expired claims requeued by the reaper",
		},
	)

	// Expired claims dead-lettered by the reaper
	ReclaimDeadLettered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "duraq_reclaim_dead_lettered_total",
			Help: "Total number of expired claims dead-lettered by the reaper",
		},
	)

	// Time spent holding a claim before successful completion
	ProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "duraq_processing_duration_seconds",
			Help:    "Claim-to-completion duration for successful messages",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	// Reaper run duration
	ReaperDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "duraq_reaper_duration_seconds",
			Help:    "Time taken for a reaper pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Reaper errors counter
	ReaperErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "duraq_reaper_errors_total",
			Help: "Total number of reaper errors",
		},
	)
)
