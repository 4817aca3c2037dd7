package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for VaultLedger.
type Metrics struct {
	// --- Core processing ---
	CoreCommandsApplied  *prometheus.CounterVec
	CoreCommandsRejected *prometheus.CounterVec
	CoreCommandDuration  *prometheus.HistogramVec
	CoreJournals         *prometheus.CounterVec
	CoreStateHashDur     prometheus.Histogram
	CoreSequence         prometheus.Gauge
	CoreRollbacks        prometheus.Counter

	// --- Domain state ---
	VehicleSharePrice     *prometheus.GaugeVec
	VehicleTotalBaseHeld  *prometheus.GaugeVec
	VehicleTotalDebt      *prometheus.GaugeVec
	PoolNetAssetValue     *prometheus.GaugeVec
	PoolTotalSupply       *prometheus.GaugeVec
	InsuranceOpenClaims   *prometheus.GaugeVec
	InsuranceClaimsPaid   *prometheus.CounterVec
	ProfitCollected       *prometheus.CounterVec
	WithdrawFeesCollected *prometheus.CounterVec

	// --- Latency ---
	IngestToApply       *prometheus.HistogramVec
	ApplyToPersist      prometheus.Histogram
	NATSPullLatency     *prometheus.HistogramVec
	PersistBatchDur     prometheus.Histogram
	ProjectionUpdateDur *prometheus.HistogramVec

	// --- Channel & backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	DedupTier2Errors      prometheus.Counter

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates all metrics on the default registerer.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all metrics on reg. Tests pass a fresh
// prometheus.NewRegistry() to avoid duplicate registration.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}
	ingestBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		CoreCommandsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_core_commands_applied_total",
			Help: "Commands successfully applied by core",
		}, []string{"kind"}),
		CoreCommandsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_core_commands_rejected_total",
			Help: "Commands rejected (duplicate, validation, domain error)",
		}, []string{"kind", "reason"}),
		CoreCommandDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_core_command_apply_duration_seconds",
			Help:    "Time to apply a single command in core",
			Buckets: latencyBuckets,
		}, []string{"kind"}),
		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_core_journals_generated_total",
			Help: "Asset journal entries generated",
		}, []string{"journal_type"}),
		CoreStateHashDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_core_state_hash_duration_seconds",
			Help:    "Time to compute state hash",
			Buckets: latencyBuckets,
		}),
		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "vault_core_sequence",
			Help: "Next sequence number to assign",
		}),
		CoreRollbacks: f.NewCounter(prometheus.CounterOpts{
			Name: "vault_core_rollbacks_total",
			Help: "Commands whose effects were rolled back",
		}),

		VehicleSharePrice: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_vehicle_share_price",
			Help: "Vehicle share price in base units per share",
		}, []string{"vehicle"}),
		VehicleTotalBaseHeld: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_vehicle_total_base_held",
			Help: "Base asset backing vehicle shares (raw units)",
		}, []string{"vehicle"}),
		VehicleTotalDebt: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_vehicle_total_debt",
			Help: "Principal lent to the vehicle by all creditors (raw units)",
		}, []string{"vehicle"}),
		PoolNetAssetValue: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_pool_net_asset_value",
			Help: "Pool net asset value (raw units)",
		}, []string{"pool", "kind"}),
		PoolTotalSupply: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_pool_total_supply",
			Help: "Pool share supply (raw units)",
		}, []string{"pool", "kind"}),
		InsuranceOpenClaims: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_insurance_open_claims",
			Help: "Active claims per insurance vault",
		}, []string{"insurer"}),
		InsuranceClaimsPaid: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_insurance_claim_payments_total",
			Help: "ProcessClaim runs that paid a vehicle",
		}, []string{"insurer"}),
		ProfitCollected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_profit_collections_total",
			Help: "Profit recognition events per vehicle",
		}, []string{"vehicle"}),
		WithdrawFeesCollected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_withdraw_fees_charged_total",
			Help: "Withdrawals that paid a non-zero fee",
		}, []string{"pool"}),

		IngestToApply: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_ingest_to_apply_seconds",
			Help:    "Latency from ingestion to core apply",
			Buckets: ingestBuckets,
		}, []string{"source"}),
		ApplyToPersist: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_apply_to_persist_seconds",
			Help:    "Latency from core apply to durable write",
			Buckets: prometheus.DefBuckets,
		}),
		NATSPullLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_nats_pull_latency_seconds",
			Help:    "Time spent fetching a batch from JetStream",
			Buckets: prometheus.DefBuckets,
		}, []string{"subject"}),
		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_persist_batch_duration_seconds",
			Help:    "Time to write one persistence batch",
			Buckets: prometheus.DefBuckets,
		}),
		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_projection_update_duration_seconds",
			Help:    "Time to update a projection",
			Buckets: prometheus.DefBuckets,
		}, []string{"projection"}),

		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_channel_size",
			Help: "Items queued in an internal channel",
		}, []string{"channel"}),
		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_channel_capacity",
			Help: "Capacity of an internal channel",
		}, []string{"channel"}),
		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_channel_utilization",
			Help: "Size / capacity of an internal channel",
		}, []string{"channel"}),
		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_projection_drops_total",
			Help: "Outputs dropped because the projection channel was full",
		}, []string{"projection"}),
		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "vault_publish_drops_total",
			Help: "Outbound events dropped because the publish buffer was full",
		}),
		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "vault_persist_backpressure_total",
			Help: "Times the core blocked on a full persist channel",
		}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_idempotency_duplicates_total",
			Help: "Duplicate commands detected",
		}, []string{"kind", "tier"}),
		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "vault_dedup_lru_size",
			Help: "Entries in the idempotency LRU",
		}),
		DedupLRUEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "vault_dedup_lru_evictions_total",
			Help: "Idempotency LRU evictions",
		}),
		DedupTier2Errors: f.NewCounter(prometheus.CounterOpts{
			Name: "vault_dedup_tier2_errors_total",
			Help: "Postgres idempotency lookups that failed",
		}),

		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "vault_persist_events_written_total",
			Help: "Events written to the event log",
		}),
		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "vault_persist_journals_written_total",
			Help: "Journal rows written",
		}),
		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_persist_batch_size",
			Help:    "Events per persistence batch",
			Buckets: prometheus.LinearBuckets(1, 16, 8),
		}),
		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_persist_errors_total",
			Help: "Persistence failures",
		}, []string{"stage"}),
		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "vault_persist_retry_total",
			Help: "Persistence retries",
		}),
		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "vault_persist_last_sequence",
			Help: "Last durably written sequence",
		}),

		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "vault_snapshot_taken_total",
			Help: "Snapshots written",
		}),
		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_snapshot_duration_seconds",
			Help:    "Time to capture and write a snapshot",
			Buckets: prometheus.DefBuckets,
		}),
		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "vault_snapshot_size_bytes",
			Help: "Size of the last snapshot",
		}),
		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "vault_snapshot_last_sequence",
			Help: "Sequence of the last snapshot",
		}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_query_requests_total",
			Help: "Query API requests",
		}, []string{"route"}),
		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_query_duration_seconds",
			Help:    "Query API latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_query_errors_total",
			Help: "Query API errors",
		}, []string{"route", "code"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
