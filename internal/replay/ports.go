package replay

import "go.etcd.io/raft/v3/raftpb"

//go:generate mockgen -source=$GOFILE -destination=mocks_test.go -package=$GOPACKAGE

// StateMachine is the part of *statemachine.StateMachine the driver needs.
type StateMachine interface {
	Apply(raw []byte) ([]byte, error)
	Snapshot() ([]byte, error)
	Restore(data []byte) error
	Len() (int, error)
	Healthy() bool
}

// Log is the ordered command log, implemented by *storage.Storage.
type Log interface {
	Append(entries []raftpb.Entry) error
	EntriesAfter(index uint64) ([]raftpb.Entry, error)
	LastIndex() uint64
	Snapshot() raftpb.Snapshot
	CreateSnapshot(index uint64, data []byte) (raftpb.Snapshot, error)
	Compact(compactIndex uint64) error
}
