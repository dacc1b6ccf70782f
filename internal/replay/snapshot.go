package replay

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"kvdb/internal/metrics"
	"kvdb/internal/statemachine"
	"kvdb/internal/storage"
)

func (d *Driver) maybeTriggerSnapshot(appliedIndex uint64) error {
	if d.snapCount == 0 {
		return nil
	}

	snapIndex := d.log.Snapshot().Metadata.Index
	if appliedIndex <= snapIndex {
		return nil
	}

	if appliedIndex-snapIndex >= d.snapCount {
		slog.Debug("snapshot threshold reached",
			"last_applied", appliedIndex,
			"snap_index", snapIndex,
			"snap_count", d.snapCount,
		)
		return d.triggerSnapshot(appliedIndex)
	}

	return nil
}

// TriggerSnapshot snapshots the state at the current applied index.
func (d *Driver) TriggerSnapshot() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.triggerSnapshot(d.applied.Load())
}

func (d *Driver) triggerSnapshot(appliedIndex uint64) error {
	if appliedIndex == 0 {
		slog.Debug("skip snapshot: no applied entries")
		return nil
	}

	start := time.Now()

	data, err := d.sm.Snapshot()
	if err != nil {
		if errors.Is(err, statemachine.ErrLockFailure) {
			d.markDegraded(appliedIndex, err)
			return fmt.Errorf("%w: snapshot at %d: %v", ErrDegraded, appliedIndex, err)
		}
		return fmt.Errorf("state machine snapshot: %w", err)
	}

	snap, err := d.log.CreateSnapshot(appliedIndex, data)
	if err != nil {
		if errors.Is(err, storage.ErrSnapOutOfDate) {
			slog.Debug("snapshot already exists", "index", appliedIndex)
			return nil
		}
		return fmt.Errorf("create snapshot: %w", err)
	}

	compactIndex := uint64(1)
	if appliedIndex > d.snapCount {
		compactIndex = appliedIndex - d.snapCount
	}
	if err := d.log.Compact(compactIndex); err != nil {
		slog.Warn("compact failed", "compact_index", compactIndex, "error", err)
	}

	if n, err := d.sm.Len(); err == nil {
		metrics.StorageKeysTotal.Set(float64(n))
	}
	metrics.SnapshotsTotal.Inc()
	metrics.SnapshotSize.Set(float64(len(data)))
	metrics.SnapshotIndex.Set(float64(snap.Metadata.Index))
	metrics.SnapshotDuration.Observe(time.Since(start).Seconds())

	slog.Info("triggered snapshot",
		"node_id", d.nodeID,
		"index", snap.Metadata.Index,
		"term", snap.Metadata.Term,
		"compact_index", compactIndex,
		"data_size", len(data),
	)

	return nil
}
