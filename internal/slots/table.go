// File: internal/slots/table.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package slots

import (
	"errors"
	"math/rand/v2"
	"sync"
	"time"
)

// ErrExhausted is returned when no free id was found within the attempt budget.
var ErrExhausted = errors.New("slots: id space exhausted")

const (
	// DefaultMaxAttempts bounds id draws per Insert.
	DefaultMaxAttempts = 128
	// narrowAttempts is how many failed draws use a shrinking decimal span
	// (10, 100, 1000, ...) before falling back to the raw value.
	narrowAttempts = 8
)

// Source produces candidate ids. *rand.Rand satisfies it.
type Source interface {
	Int32() int32
}

// Table maps uint32 ids to values under a single lock. The source has its own
// lock because *rand.Rand is not safe for concurrent use.
type Table[T any] struct {
	mu    sync.Mutex
	items map[uint32]T

	rngMu sync.Mutex
	rng   Source

	maxAttempts int
}

// New creates an empty table backed by a PCG generator. maxAttempts <= 0
// selects DefaultMaxAttempts; seed == 0 seeds from the clock.
func New[T any](maxAttempts int, seed uint64) *Table[T] {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return NewWithSource[T](maxAttempts, rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)))
}

// NewWithSource creates an empty table drawing ids from src.
func NewWithSource[T any](maxAttempts int, src Source) *Table[T] {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Table[T]{
		items:       make(map[uint32]T),
		rng:         src,
		maxAttempts: maxAttempts,
	}
}

// Insert draws a free id and stores the value returned by build under it.
// build runs with the table lock held; if it fails nothing is stored.
func (t *Table[T]) Insert(build func(id uint32) (T, error)) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, err := t.nextIDLocked()
	if err != nil {
		return 0, err
	}
	v, err := build(id)
	if err != nil {
		return 0, err
	}
	t.items[id] = v
	return id, nil
}

// nextIDLocked must be called with t.mu held.
func (t *Table[T]) nextIDLocked() (uint32, error) {
	t.rngMu.Lock()
	defer t.rngMu.Unlock()

	span := int32(10)
	for failures := 0; failures < t.maxAttempts; {
		candidate := t.rng.Int32()
		if candidate < 0 {
			candidate = -candidate
		}
		if failures < narrowAttempts {
			candidate %= span
			span *= 10
		}
		if _, taken := t.items[uint32(candidate)]; candidate == 0 || taken {
			failures++
			continue
		}
		return uint32(candidate), nil
	}
	return 0, ErrExhausted
}

// Get looks up id.
func (t *Table[T]) Get(id uint32) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.items[id]
	return v, ok
}

// Delete removes id if match accepts the stored value (nil match accepts
// anything). release runs under the table lock before removal, so the
// caller's unregister/close happens inside the teardown window.
func (t *Table[T]) Delete(id uint32, match func(T) bool, release func(T)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.items[id]
	if !ok || (match != nil && !match(v)) {
		return false
	}
	if release != nil {
		release(v)
	}
	delete(t.items, id)
	return true
}

// Len returns the number of live entries.
func (t *Table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}

// Snapshot copies the current values so callers can iterate without holding
// the lock.
func (t *Table[T]) Snapshot() []T {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]T, 0, len(t.items))
	for _, v := range t.items {
		out = append(out, v)
	}
	return out
}

// IDs returns the live ids in no particular order.
func (t *Table[T]) IDs() []uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]uint32, 0, len(t.items))
	for id := range t.items {
		out = append(out, id)
	}
	return out
}
