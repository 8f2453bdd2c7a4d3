// File: internal/concurrency/reentrant.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Owner-keyed reentrant mutex used to guard a client between "in use by a
// worker" and "deleted".

package concurrency

import (
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrNotOwner is returned when Release is called by an owner that does
	// not currently hold the lock.
	ErrNotOwner = errors.New("concurrency: release by non-holder")
	// ErrLockState reports an invalid owner or a corrupted hold counter.
	ErrLockState = errors.New("concurrency: invalid lock state")
)

// Owner identifies a logical lock holder. Goroutines are not addressable in
// Go, so every worker (and every external caller) carries its own Owner.
type Owner uint64

var ownerSeq atomic.Uint64

// NewOwner returns a process-unique, non-zero Owner.
func NewOwner() Owner {
	return Owner(ownerSeq.Add(1))
}

// ReentrantLock may be acquired repeatedly by the same Owner; the underlying
// mutex is released only when the hold count returns to zero.
type ReentrantLock struct {
	mu sync.Mutex

	book   sync.Mutex
	holder Owner
	holds  map[Owner]int
}

// Acquire blocks until o holds the lock. Nested calls by the current holder
// return immediately.
func (l *ReentrantLock) Acquire(o Owner) error {
	if o == 0 {
		return ErrLockState
	}
	if l.reenter(o) {
		return nil
	}
	l.mu.Lock()
	return l.take(o)
}

// TryAcquire is the non-blocking variant of Acquire.
func (l *ReentrantLock) TryAcquire(o Owner) bool {
	if o == 0 {
		return false
	}
	if l.reenter(o) {
		return true
	}
	if !l.mu.TryLock() {
		return false
	}
	return l.take(o) == nil
}

func (l *ReentrantLock) reenter(o Owner) bool {
	l.book.Lock()
	defer l.book.Unlock()
	if l.holder != o {
		return false
	}
	l.holds[o]++
	return true
}

func (l *ReentrantLock) take(o Owner) error {
	l.book.Lock()
	defer l.book.Unlock()
	if l.holds == nil {
		l.holds = make(map[Owner]int, 1)
	}
	if l.holder != 0 || l.holds[o] != 0 {
		// the mutex was free yet bookkeeping says otherwise
		l.mu.Unlock()
		return ErrLockState
	}
	l.holder = o
	l.holds[o] = 1
	return nil
}

// Release drops one hold. At zero the mutex is unlocked and, if forget is
// set, the owner's bookkeeping entry is removed.
func (l *ReentrantLock) Release(o Owner, forget bool) error {
	l.book.Lock()
	defer l.book.Unlock()
	if o == 0 {
		return ErrLockState
	}
	if l.holder != o {
		return ErrNotOwner
	}
	n := l.holds[o]
	if n <= 0 {
		return ErrLockState
	}
	n--
	l.holds[o] = n
	if n > 0 {
		return nil
	}
	l.holder = 0
	if forget {
		delete(l.holds, o)
	}
	l.mu.Unlock()
	return nil
}

// Held reports how many holds o currently has.
func (l *ReentrantLock) Held(o Owner) int {
	l.book.Lock()
	defer l.book.Unlock()
	if l.holder != o {
		return 0
	}
	return l.holds[o]
}

// Tracked returns the number of owners with a bookkeeping entry. Owners
// released with forget set are not counted.
func (l *ReentrantLock) Tracked() int {
	l.book.Lock()
	defer l.book.Unlock()
	return len(l.holds)
}
