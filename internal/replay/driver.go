// Package replay drives the state machine from the command log: it restores
// the latest snapshot, replays committed entries in log order and takes
// periodic snapshots so the log can be compacted.
package replay

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"kvdb/internal/command"
	"kvdb/internal/metrics"
	"kvdb/internal/statemachine"

	"go.etcd.io/raft/v3/raftpb"
)

const defaultTerm = 1

type Config struct {
	NodeID uint64
	// SnapCount is the number of applied entries between snapshots. Zero
	// disables snapshotting.
	SnapCount uint64
	// Term stamped on entries created by Submit.
	Term uint64
}

// Result is the outcome of applying one log entry. Err carries the
// state machine's per-command error (ErrNotFound, ErrDecode).
type Result struct {
	Index uint64
	Value []byte
	Err   error
}

type Driver struct {
	// mu serializes appends and applies so log order equals apply order.
	mu sync.Mutex

	sm  StateMachine
	log Log

	nodeID    uint64
	snapCount uint64
	term      uint64

	applied  atomic.Uint64
	degraded atomic.Bool
}

func New(sm StateMachine, log Log, cfg Config) *Driver {
	term := cfg.Term
	if term == 0 {
		term = defaultTerm
	}
	d := &Driver{
		sm:        sm,
		log:       log,
		nodeID:    cfg.NodeID,
		snapCount: cfg.SnapCount,
		term:      term,
	}
	metrics.StateMachineHealthy.Set(1)
	return d
}

func (d *Driver) AppliedIndex() uint64 {
	return d.applied.Load()
}

func (d *Driver) Healthy() bool {
	return !d.degraded.Load() && d.sm.Healthy()
}

// Recover restores the latest snapshot and replays every entry after it.
func (d *Driver) Recover() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	slog.Info("recovering state", "node_id", d.nodeID)

	snap := d.log.Snapshot()
	snapIndex := snap.Metadata.Index
	if snapIndex > 0 {
		if err := d.sm.Restore(snap.Data); err != nil {
			return fmt.Errorf("restore state machine from snapshot: %w", err)
		}
		d.setApplied(snapIndex)
		metrics.SnapshotIndex.Set(float64(snapIndex))
		slog.Info("restored state from snapshot", "node_id", d.nodeID, "index", snapIndex)
	}

	entries, err := d.log.EntriesAfter(d.applied.Load())
	if err != nil {
		return fmt.Errorf("entries after %d: %w", d.applied.Load(), err)
	}
	if len(entries) == 0 {
		slog.Debug("no entries to replay", "snap_index", snapIndex)
		return nil
	}

	if _, err := d.applyLocked(entries); err != nil {
		return err
	}

	slog.Info("replayed entries",
		"node_id", d.nodeID,
		"count", len(entries),
		"last_index", d.applied.Load(),
	)
	return nil
}

// ApplyEntries applies committed entries in order. Entries at or below the
// applied index are skipped, so redelivery is harmless.
func (d *Driver) ApplyEntries(entries []raftpb.Entry) ([]Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.applyLocked(entries)
}

// Submit appends cmd to the log as the next entry and applies it. Any entries
// already in the log but not yet applied are applied first.
func (d *Driver) Submit(cmd command.Command) (Result, error) {
	data, err := command.Encode(cmd)
	if err != nil {
		return Result{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.degraded.Load() {
		return Result{}, ErrDegraded
	}

	if pending, err := d.log.EntriesAfter(d.applied.Load()); err != nil {
		return Result{}, fmt.Errorf("pending entries: %w", err)
	} else if len(pending) > 0 {
		if _, err := d.applyLocked(pending); err != nil {
			return Result{}, err
		}
	}

	entry := raftpb.Entry{
		Type:  raftpb.EntryNormal,
		Term:  d.term,
		Index: d.log.LastIndex() + 1,
		Data:  data,
	}
	if err := d.log.Append([]raftpb.Entry{entry}); err != nil {
		return Result{}, fmt.Errorf("append entry %d: %w", entry.Index, err)
	}

	results, err := d.applyLocked([]raftpb.Entry{entry})
	if len(results) == 0 {
		return Result{Index: entry.Index}, err
	}
	return results[0], err
}

func (d *Driver) applyLocked(entries []raftpb.Entry) ([]Result, error) {
	if d.degraded.Load() {
		return nil, ErrDegraded
	}
	if len(entries) > 0 {
		slog.Debug("applying entries", "count", len(entries), "first", entries[0].Index)
	}

	results := make([]Result, 0, len(entries))
	for _, entry := range entries {
		if entry.Index <= d.applied.Load() {
			continue
		}

		switch entry.Type {
		case raftpb.EntryNormal:
			if len(entry.Data) == 0 {
				break
			}
			res, err := d.applyNormal(entry)
			if err != nil {
				return results, err
			}
			results = append(results, res)
		default:
			slog.Debug("skipping non-command entry",
				"node_id", d.nodeID,
				"index", entry.Index,
				"type", entry.Type,
			)
		}

		d.setApplied(entry.Index)
	}

	if err := d.maybeTriggerSnapshot(d.applied.Load()); err != nil {
		return results, err
	}
	return results, nil
}

func (d *Driver) applyNormal(entry raftpb.Entry) (Result, error) {
	label := commandLabel(entry.Data)

	start := time.Now()
	value, err := d.sm.Apply(entry.Data)
	metrics.ApplyDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		metrics.ApplyTotal.WithLabelValues(label, "ok").Inc()
	case errors.Is(err, statemachine.ErrNotFound):
		metrics.ApplyTotal.WithLabelValues(label, "not_found").Inc()
	case errors.Is(err, statemachine.ErrDecode):
		metrics.ApplyTotal.WithLabelValues(label, "corrupt").Inc()
		metrics.CorruptEntriesTotal.Inc()
		slog.Warn("corrupt log entry",
			"node_id", d.nodeID,
			"index", entry.Index,
			"term", entry.Term,
			"error", err,
		)
	case errors.Is(err, statemachine.ErrLockFailure):
		metrics.ApplyTotal.WithLabelValues(label, "lock_failure").Inc()
		d.markDegraded(entry.Index, err)
		return Result{}, fmt.Errorf("%w: entry %d: %v", ErrDegraded, entry.Index, err)
	default:
		metrics.ApplyTotal.WithLabelValues(label, "error").Inc()
		return Result{}, fmt.Errorf("apply entry %d: %w", entry.Index, err)
	}

	return Result{Index: entry.Index, Value: value, Err: err}, nil
}

func (d *Driver) markDegraded(index uint64, err error) {
	d.degraded.Store(true)
	metrics.StateMachineHealthy.Set(0)
	slog.Error("state machine degraded",
		"node_id", d.nodeID,
		"index", index,
		"error", err,
	)
}

func (d *Driver) setApplied(index uint64) {
	d.applied.Store(index)
	metrics.AppliedIndex.Set(float64(index))
}

// commandLabel names the command by its tag byte without decoding it.
func commandLabel(data []byte) string {
	if len(data) == 0 {
		return "empty"
	}
	switch tag := command.Tag(data[0]); tag {
	case command.TagSet, command.TagGet:
		return tag.String()
	default:
		return "unknown"
	}
}
