// Package storage keeps the ordered command log that feeds the state machine,
// together with the snapshots that allow the log to be compacted.
package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"kvdb/internal/metrics"

	"github.com/tidwall/wal"
	"go.etcd.io/etcd/pkg/v3/pbutil"
	etcdraft "go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"
)

const (
	snapshotFolder = "snapshot"
	walFolder      = "wal"
)

var (
	ErrNonContiguous = errors.New("storage: entries are not contiguous with the log")
	ErrCorruptLog    = errors.New("storage: corrupt log")
	ErrCompacted     = etcdraft.ErrCompacted
	ErrSnapOutOfDate = etcdraft.ErrSnapOutOfDate
)

type Storage struct {
	mu sync.Mutex

	dir string
	log *wal.Log
	ms  *etcdraft.MemoryStorage

	snap raftpb.Snapshot

	nextWALIdx uint64
	// raft index -> WAL index of the record that holds the entry
	entryIndex map[uint64]uint64
}

func Open(dir string, noSync bool) (*Storage, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}

	if err := os.MkdirAll(filepath.Join(dir, snapshotFolder), 0o750); err != nil {
		return nil, fmt.Errorf("mkdir snapshot dir: %w", err)
	}

	opts := *wal.DefaultOptions
	opts.NoSync = noSync
	log, err := wal.Open(filepath.Join(dir, walFolder), &opts)
	if err != nil {
		return nil, fmt.Errorf("wal.Open: %w", err)
	}

	s := &Storage{
		dir:        dir,
		log:        log,
		ms:         etcdraft.NewMemoryStorage(),
		entryIndex: make(map[uint64]uint64),
		nextWALIdx: 1,
	}

	if err := s.replay(); err != nil {
		log.Close()
		return nil, err
	}

	return s, nil
}

func (s *Storage) replay() error {
	empty, err := s.log.IsEmpty()
	if err != nil {
		return fmt.Errorf("wal.IsEmpty: %w", err)
	}
	if empty {
		return nil
	}

	first, err := s.log.FirstIndex()
	if err != nil {
		return fmt.Errorf("wal.FirstIndex: %w", err)
	}
	last, err := s.log.LastIndex()
	if err != nil {
		return fmt.Errorf("wal.LastIndex: %w", err)
	}

	var allEntries []raftpb.Entry

	for idx := first; idx <= last; idx++ {
		data, err := s.log.Read(idx)
		if err != nil {
			return fmt.Errorf("wal.Read(%d): %w", idx, err)
		}

		recType, payload, err := unmarshalRecord(data)
		if err != nil {
			return fmt.Errorf("%w: record %d: %v", ErrCorruptLog, idx, err)
		}

		switch recType {
		case RecordTypeEntry:
			var e raftpb.Entry
			if !pbutil.MaybeUnmarshal(&e, payload) {
				return fmt.Errorf("%w: entry record %d", ErrCorruptLog, idx)
			}
			s.entryIndex[e.Index] = idx
			allEntries = append(allEntries, e)

		case RecordTypeSnapshot:
			var meta raftpb.SnapshotMetadata
			if !pbutil.MaybeUnmarshal(&meta, payload) {
				return fmt.Errorf("%w: snapshot record %d", ErrCorruptLog, idx)
			}

			data, err := s.loadSnapshotData(meta.Index)
			if err != nil {
				slog.Warn("snapshot data file missing, skipping",
					"index", meta.Index,
					"error", err,
				)
				break
			}
			s.snap = raftpb.Snapshot{Metadata: meta, Data: data}
			slog.Debug("found valid snapshot", "index", meta.Index)

		default:
			return fmt.Errorf("%w: record %d has unknown type %d", ErrCorruptLog, idx, recType)
		}

		s.nextWALIdx = idx + 1
	}

	snapIndex := s.snap.Metadata.Index
	if !etcdraft.IsEmptySnap(s.snap) {
		if err := s.ms.ApplySnapshot(s.snap); err != nil {
			return fmt.Errorf("apply snapshot: %w", err)
		}
	}

	var entries []raftpb.Entry
	for _, e := range allEntries {
		if e.Index > snapIndex {
			entries = append(entries, e)
		}
	}

	if len(entries) > 0 {
		if err := checkContiguous(snapIndex, entries); err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptLog, err)
		}
		if err := s.ms.Append(entries); err != nil {
			return fmt.Errorf("append entries: %w", err)
		}
	}

	slog.Info("replayed WAL",
		"wal_first", first,
		"wal_last", last,
		"entries", len(entries),
		"snap_index", snapIndex,
	)

	return nil
}

func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.log != nil {
		err := s.log.Close()
		s.log = nil
		return err
	}
	return nil
}

// Append persists entries at the tail of the log. The first entry must
// directly follow LastIndex.
func (s *Storage) Append(entries []raftpb.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	last, err := s.ms.LastIndex()
	if err != nil {
		return fmt.Errorf("MemoryStorage.LastIndex: %w", err)
	}
	if err := checkContiguous(last, entries); err != nil {
		return err
	}

	start := time.Now()
	var batch wal.Batch
	for i := range entries {
		payload := pbutil.MustMarshal(&entries[i])
		batch.Write(s.nextWALIdx+uint64(i), marshalRecord(RecordTypeEntry, payload))
	}
	if err := s.log.WriteBatch(&batch); err != nil {
		return fmt.Errorf("wal.WriteBatch: %w", err)
	}
	metrics.WALWritesTotal.Add(float64(len(entries)))
	metrics.WALWriteDuration.Observe(time.Since(start).Seconds())

	for i := range entries {
		s.entryIndex[entries[i].Index] = s.nextWALIdx
		s.nextWALIdx++
	}

	if err := s.ms.Append(entries); err != nil {
		return fmt.Errorf("MemoryStorage.Append: %w", err)
	}
	return nil
}

// EntriesAfter returns every entry with an index greater than index.
func (s *Storage) EntriesAfter(index uint64) ([]raftpb.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	first, err := s.ms.FirstIndex()
	if err != nil {
		return nil, err
	}
	last, err := s.ms.LastIndex()
	if err != nil {
		return nil, err
	}

	lo := index + 1
	if lo > last {
		return nil, nil
	}
	if lo < first {
		return nil, fmt.Errorf("entries after %d: %w", index, ErrCompacted)
	}

	return s.ms.Entries(lo, last+1, math.MaxUint64)
}

func (s *Storage) FirstIndex() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	first, _ := s.ms.FirstIndex()
	return first
}

func (s *Storage) LastIndex() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, _ := s.ms.LastIndex()
	return last
}

func (s *Storage) Snapshot() raftpb.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func (s *Storage) SnapshotIndex() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.Metadata.Index
}

func checkContiguous(after uint64, entries []raftpb.Entry) error {
	expected := after + 1
	for _, e := range entries {
		if e.Index != expected {
			return fmt.Errorf("%w: want index %d, got %d", ErrNonContiguous, expected, e.Index)
		}
		expected++
	}
	return nil
}
