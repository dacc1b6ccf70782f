// Package statemachine applies encoded commands to an in-memory key-value
// table. Apply is safe for concurrent use; ordering across calls is the
// caller's concern.
package statemachine

import (
	"fmt"
	"log/slog"

	"kvdb/internal/command"
)

type StateMachine struct {
	id    uint64
	table *guard
}

func New(nodeID uint64) *StateMachine {
	return &StateMachine{
		id:    nodeID,
		table: newGuard(),
	}
}

func (sm *StateMachine) ID() uint64 {
	return sm.id
}

// Apply decodes raw and executes it. Set returns an empty, non-nil slice;
// Get returns the stored value or ErrNotFound.
func (sm *StateMachine) Apply(raw []byte) ([]byte, error) {
	cmd, err := command.Decode(raw)
	if err != nil {
		return nil, &DecodeError{Err: err}
	}

	switch c := cmd.(type) {
	case command.Set:
		return sm.applySet(c)
	case command.Get:
		return sm.applyGet(c)
	default:
		return nil, &DecodeError{Err: fmt.Errorf("%w: unsupported command %T", command.ErrDecoding, cmd)}
	}
}

func (sm *StateMachine) applySet(c command.Set) ([]byte, error) {
	err := sm.table.write(func(table map[string]string) {
		table[c.Key] = c.Value
	})
	if err != nil {
		slog.Error("set failed", "node_id", sm.id, "key", c.Key, "error", err)
		return nil, err
	}
	return []byte{}, nil
}

func (sm *StateMachine) applyGet(c command.Get) ([]byte, error) {
	var (
		value string
		found bool
	)
	err := sm.table.read(func(table map[string]string) error {
		value, found = table[c.Key]
		return nil
	})
	if err != nil {
		slog.Error("get failed", "node_id", sm.id, "key", c.Key, "error", err)
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, c.Key)
	}
	return []byte(value), nil
}

func (sm *StateMachine) Len() (int, error) {
	var n int
	err := sm.table.read(func(table map[string]string) error {
		n = len(table)
		return nil
	})
	return n, err
}

// Healthy reports false once the table guard has been poisoned.
func (sm *StateMachine) Healthy() bool {
	return sm.table.healthy()
}
