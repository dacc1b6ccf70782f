package statemachine

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// guard mediates all access to the table. A panic inside a critical section
// poisons the guard: the panic is returned as ErrLockFailure and every later
// acquisition fails the same way until reset installs a fresh table.
type guard struct {
	mu       sync.RWMutex
	table    map[string]string
	poisoned atomic.Bool
	cause    atomic.Pointer[string]
}

func newGuard() *guard {
	return &guard{table: make(map[string]string)}
}

func (g *guard) read(fn func(table map[string]string) error) (err error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	defer g.recoverInto(&err)

	if g.poisoned.Load() {
		return g.poisonedErr()
	}
	return fn(g.table)
}

func (g *guard) write(fn func(table map[string]string)) (err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	defer g.recoverInto(&err)

	if g.poisoned.Load() {
		return g.poisonedErr()
	}
	fn(g.table)
	return nil
}

// reset replaces the table and clears poisoning.
func (g *guard) reset(table map[string]string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.table = table
	g.poisoned.Store(false)
	g.cause.Store(nil)
}

func (g *guard) healthy() bool {
	return !g.poisoned.Load()
}

func (g *guard) recoverInto(err *error) {
	r := recover()
	if r == nil {
		return
	}
	cause := fmt.Sprint(r)
	g.cause.Store(&cause)
	g.poisoned.Store(true)
	*err = fmt.Errorf("%w: panic in critical section: %s", ErrLockFailure, cause)
}

func (g *guard) poisonedErr() error {
	if cause := g.cause.Load(); cause != nil {
		return fmt.Errorf("%w: poisoned by earlier panic: %s", ErrLockFailure, *cause)
	}
	return fmt.Errorf("%w: poisoned", ErrLockFailure)
}
