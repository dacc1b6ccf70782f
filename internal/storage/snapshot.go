package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"kvdb/internal/metrics"

	"go.etcd.io/etcd/pkg/v3/pbutil"
	"go.etcd.io/raft/v3/raftpb"
)

// CreateSnapshot records data as the state at index, which must already be in
// the log. Entries up to index stay in the log until Compact.
func (s *Storage) CreateSnapshot(index uint64, data []byte) (raftpb.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	last, err := s.ms.LastIndex()
	if err != nil {
		return raftpb.Snapshot{}, err
	}
	if index > last {
		return raftpb.Snapshot{}, fmt.Errorf("snapshot index %d beyond last index %d", index, last)
	}

	snap, err := s.ms.CreateSnapshot(index, nil, data)
	if err != nil {
		return raftpb.Snapshot{}, err
	}

	if err := s.persistSnapshotLocked(snap); err != nil {
		return raftpb.Snapshot{}, err
	}

	slog.Info("saved snapshot",
		"index", snap.Metadata.Index,
		"term", snap.Metadata.Term,
		"data_size", len(snap.Data),
	)
	return snap, nil
}

// InstallSnapshot adopts a snapshot produced elsewhere. It must be ahead of
// the local log; the log restarts right after it.
func (s *Storage) InstallSnapshot(snap raftpb.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if snap.Metadata.Index == 0 {
		return fmt.Errorf("install snapshot: zero index")
	}
	last, err := s.ms.LastIndex()
	if err != nil {
		return err
	}
	if snap.Metadata.Index <= last {
		return fmt.Errorf("install snapshot at %d with last index %d: %w", snap.Metadata.Index, last, ErrSnapOutOfDate)
	}

	if err := s.persistSnapshotLocked(snap); err != nil {
		return err
	}
	if err := s.ms.ApplySnapshot(snap); err != nil {
		return fmt.Errorf("MemoryStorage.ApplySnapshot: %w", err)
	}

	slog.Info("installed snapshot",
		"index", snap.Metadata.Index,
		"term", snap.Metadata.Term,
		"data_size", len(snap.Data),
	)
	return nil
}

func (s *Storage) persistSnapshotLocked(snap raftpb.Snapshot) error {
	if err := s.saveSnapshotData(snap); err != nil {
		return fmt.Errorf("save snapshot data: %w", err)
	}

	payload := pbutil.MustMarshal(&snap.Metadata)
	if err := s.log.Write(s.nextWALIdx, marshalRecord(RecordTypeSnapshot, payload)); err != nil {
		return fmt.Errorf("wal.Write(%d): %w", s.nextWALIdx, err)
	}
	s.nextWALIdx++

	start := time.Now()
	if err := s.log.Sync(); err != nil {
		return fmt.Errorf("wal.Sync: %w", err)
	}
	metrics.WALSyncDuration.Observe(time.Since(start).Seconds())

	s.snap = snap
	return nil
}

// Compact drops entries up to and including compactIndex. It never goes past
// the latest snapshot.
func (s *Storage) Compact(compactIndex uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if compactIndex > s.snap.Metadata.Index {
		compactIndex = s.snap.Metadata.Index
	}
	if compactIndex == 0 {
		return nil
	}

	if err := s.ms.Compact(compactIndex); err != nil && !errors.Is(err, ErrCompacted) {
		return fmt.Errorf("MemoryStorage.Compact: %w", err)
	}

	walIdx := s.findWALIndexForCompaction(compactIndex)
	if walIdx > 0 {
		if err := s.log.TruncateFront(walIdx); err != nil {
			return fmt.Errorf("wal.TruncateFront: %w", err)
		}

		for ri, wi := range s.entryIndex {
			if wi < walIdx {
				delete(s.entryIndex, ri)
			}
		}
	}

	s.cleanupOldSnapshots()

	slog.Debug("compacted log", "compact_index", compactIndex, "wal_index", walIdx)
	return nil
}

func (s *Storage) findWALIndexForCompaction(compactIndex uint64) uint64 {
	if walIdx, ok := s.entryIndex[compactIndex]; ok {
		return walIdx
	}

	var best uint64
	for ri, wi := range s.entryIndex {
		if ri <= compactIndex && wi > best {
			best = wi
		}
	}
	return best
}

func (s *Storage) snapshotPath(index uint64) string {
	return filepath.Join(s.dir, snapshotFolder, fmt.Sprintf("%016x", index))
}

func (s *Storage) saveSnapshotData(snap raftpb.Snapshot) error {
	f, err := os.Create(s.snapshotPath(snap.Metadata.Index))
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(snap.Data); err != nil {
		return err
	}

	return f.Sync()
}

func (s *Storage) loadSnapshotData(index uint64) ([]byte, error) {
	return os.ReadFile(s.snapshotPath(index))
}

func (s *Storage) cleanupOldSnapshots() {
	snapDir := filepath.Join(s.dir, snapshotFolder)
	entries, err := os.ReadDir(snapDir)
	if err != nil {
		return
	}

	current := s.snap.Metadata.Index

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		var idx uint64
		if _, err := fmt.Sscanf(e.Name(), "%016x", &idx); err != nil {
			continue
		}
		if idx < current {
			path := filepath.Join(snapDir, e.Name())
			if err := os.Remove(path); err != nil {
				slog.Warn("failed to remove old snapshot", "path", path, "error", err)
			}
		}
	}
}
