package metrics

import "github.com/prometheus/client_golang/prometheus"

// Key constants are exported primarily for documentation reasons. Typically,
// they will not be used programmatically outside of defining the collectors.

// Keys for keepsake snapshot metrics.
const (
	SnapshotPublishTotalKey      = "keepsake_snapshot_publish_total"
	SnapshotPublishSecondsKey    = "keepsake_snapshot_publish_seconds"
	SnapshotBytesKey             = "keepsake_snapshot_bytes"
	SnapshotPrunedTotalKey       = "keepsake_snapshot_pruned_total"
	SnapshotSkippedCorruptKey    = "keepsake_snapshot_skipped_corrupt_total"
	FlushCyclesTotalKey          = "keepsake_flush_cycles_total"
	FlushRequestsTotalKey        = "keepsake_flush_requests_total"
	FlushAttemptsTotalKey        = "keepsake_flush_attempts_total"
	StoreRecordsKey              = "keepsake_store_records"
	StoreQuarantinedRecordsKey   = "keepsake_store_quarantined_records"
	StoreRepairedRecordsTotalKey = "keepsake_store_repaired_records_total"
	StoreStateKey                = "keepsake_store_state"
	UserLockSlowTotalKey         = "keepsake_userlock_slow_sections_total"

	Fail = "fail"
	Ok   = "ok"
)

// Collectors for keepsake metrics.
var (
	SnapshotPublishTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: SnapshotPublishTotalKey,
		Help: "Cumulative number of snapshot publish attempts.",
	}, []string{"status"})
	SnapshotPublishSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    SnapshotPublishSecondsKey,
		Help:    "Duration of snapshot stage, verify and publish.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms to ~40s
	})
	SnapshotBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: SnapshotBytesKey,
		Help: "Encoded size of the most recently published snapshot.",
	})
	SnapshotPrunedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: SnapshotPrunedTotalKey,
		Help: "Cumulative number of stale snapshot entries pruned from the remote log.",
	}, []string{"status"})
	SnapshotSkippedCorruptTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: SnapshotSkippedCorruptKey,
		Help: "Cumulative number of unreadable snapshots skipped while loading.",
	})
	FlushCyclesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: FlushCyclesTotalKey,
		Help: "Cumulative number of flush cycles.",
	}, []string{"status"})
	FlushRequestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: FlushRequestsTotalKey,
		Help: "Cumulative number of flush requests.",
	})
	FlushAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: FlushAttemptsTotalKey,
		Help: "Cumulative number of publish attempts made by flush cycles.",
	}, []string{"status"})
	StoreRecords = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: StoreRecordsKey,
		Help: "Number of records held in memory.",
	})
	StoreQuarantinedRecords = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: StoreQuarantinedRecordsKey,
		Help: "Number of unrecognized records carried in quarantine.",
	})
	StoreRepairedRecordsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: StoreRepairedRecordsTotalKey,
		Help: "Cumulative number of records repaired during hydration.",
	})
	StoreState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: StoreStateKey,
		Help: "Current lifecycle state of the store.",
	})
	UserLockSlowTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: UserLockSlowTotalKey,
		Help: "Cumulative number of user lock sections which ran longer than the warning threshold.",
	})
)

// KeepsakeCollectors lists collectors used by keepsake.
func KeepsakeCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		SnapshotPublishTotal,
		SnapshotPublishSeconds,
		SnapshotBytes,
		SnapshotPrunedTotal,
		SnapshotSkippedCorruptTotal,
		FlushCyclesTotal,
		FlushRequestsTotal,
		FlushAttemptsTotal,
		StoreRecords,
		StoreQuarantinedRecords,
		StoreRepairedRecordsTotal,
		StoreState,
		UserLockSlowTotal,
	}
}
