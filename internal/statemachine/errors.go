package statemachine

import (
	"errors"
	"fmt"
)

var (
	// ErrDecode matches any *DecodeError.
	ErrDecode = errors.New("statemachine: decode command")

	ErrNotFound = errors.New("statemachine: key not found")

	ErrLockFailure = errors.New("statemachine: lock failure")

	ErrInvalidSnapshot = errors.New("statemachine: invalid snapshot")
)

// DecodeError is returned by Apply when the raw bytes are not a command.
// The log entry that produced them should be treated as corrupt.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%v: %v", ErrDecode, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }
