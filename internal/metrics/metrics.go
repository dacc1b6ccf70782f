package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ApplyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kvdb",
		Subsystem: "statemachine",
		Name:      "apply_total",
		Help:      "Total commands applied, by command and result",
	}, []string{"command", "result"})

	ApplyDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "kvdb",
		Subsystem: "statemachine",
		Name:      "apply_duration_seconds",
		Help:      "Time spent in StateMachine.Apply",
		Buckets:   prometheus.ExponentialBuckets(0.000001, 2, 20),
	}, []string{"command"})

	StateMachineHealthy = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "kvdb",
		Subsystem: "statemachine",
		Name:      "healthy",
		Help:      "Whether the state machine accepts commands (1) or is degraded (0)",
	})

	StorageKeysTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "kvdb",
		Subsystem: "statemachine",
		Name:      "keys_total",
		Help:      "Keys held by the state machine at the last snapshot",
	})

	AppliedIndex = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "kvdb",
		Subsystem: "log",
		Name:      "applied_index",
		Help:      "Last applied log index",
	})

	SnapshotIndex = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "kvdb",
		Subsystem: "log",
		Name:      "snapshot_index",
		Help:      "Index of the latest snapshot",
	})

	CorruptEntriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kvdb",
		Subsystem: "log",
		Name:      "corrupt_entries_total",
		Help:      "Log entries that did not decode to a command",
	})

	SnapshotsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kvdb",
		Subsystem: "log",
		Name:      "snapshots_total",
		Help:      "Total snapshots taken",
	})

	SnapshotDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kvdb",
		Subsystem: "log",
		Name:      "snapshot_duration_seconds",
		Help:      "Time to create snapshot",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
	})

	SnapshotSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "kvdb",
		Subsystem: "log",
		Name:      "snapshot_size_bytes",
		Help:      "Size of last snapshot in bytes",
	})

	WALWritesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kvdb",
		Subsystem: "wal",
		Name:      "writes_total",
		Help:      "Total WAL entry writes",
	})

	WALWriteDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kvdb",
		Subsystem: "wal",
		Name:      "write_duration_seconds",
		Help:      "WAL batch write duration",
		Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 20),
	})

	WALSyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kvdb",
		Subsystem: "wal",
		Name:      "sync_duration_seconds",
		Help:      "WAL sync duration",
		Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 20),
	})

	GRPCRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kvdb",
		Subsystem: "grpc",
		Name:      "requests_total",
		Help:      "Total gRPC requests",
	}, []string{"service", "method", "code"})

	GRPCRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "kvdb",
		Subsystem: "grpc",
		Name:      "request_duration_seconds",
		Help:      "gRPC request duration",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 20),
	}, []string{"service", "method"})
)
