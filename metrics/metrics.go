package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Labels.
	LabelVersion   = "version"
	LabelCommit    = "commit"
	LabelDate      = "date"
	LabelReason    = "reason"
	LabelOutcome   = "outcome"
	LabelDirection = "direction"
	LabelTPDU      = "tpdu"
	LabelStore     = "store"

	// Frame directions.
	DirectionRead  = "read"
	DirectionWrite = "write"

	// Relay outcomes.
	OutcomeTransferred = "transferred"
	OutcomeRejected    = "rejected"
	OutcomeDeferred    = "deferred"
	OutcomeFailed      = "failed"
)

var (
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "amhs_mta_build_info",
		Help: "Build information of the AMHS MTA",
	}, []string{LabelVersion, LabelCommit, LabelDate})

	MessagesAdmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "amhs_mta_messages_admitted_total",
		Help: "Messages accepted and stored by the admission service.",
	})
	MessagesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "amhs_mta_messages_rejected_total",
		Help: "Messages rejected during admission.",
	}, []string{LabelReason})

	RelayAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "amhs_mta_relay_attempts_total",
		Help: "Outbound relay attempts by outcome.",
	}, []string{LabelOutcome})
	DeadLetters = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "amhs_mta_dead_letters_total",
		Help: "Messages moved to FAILED by the relay engine.",
	}, []string{LabelReason})
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "amhs_mta_relay_sweep_duration_seconds",
		Help:    "Duration of relay sweeps.",
		Buckets: prometheus.DefBuckets,
	})
	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "amhs_mta_store_errors_total",
		Help: "Persistence failures seen by background engines.",
	}, []string{LabelStore})

	Frames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "amhs_mta_frames_total",
		Help: "RFC1006 frames read and written.",
	}, []string{LabelDirection, LabelTPDU})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "amhs_mta_inbound_queue_depth",
		Help: "Items waiting in the priority inbound queue.",
	})

	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "amhs_mta_active_connections",
		Help: "Inbound connections currently being served.",
	})

	ReportsGenerated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "amhs_mta_delivery_reports_total",
		Help: "Delivery and non-delivery reports generated.",
	}, []string{LabelOutcome})
	MessagesPurged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "amhs_mta_messages_purged_total",
		Help: "Messages removed by the archive purge.",
	})
)
