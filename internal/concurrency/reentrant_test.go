package concurrency

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReentrantLockNesting(t *testing.T) {
	var l ReentrantLock
	o := NewOwner()

	require.NoError(t, l.Acquire(o))
	require.NoError(t, l.Acquire(o))
	assert.Equal(t, 2, l.Held(o))

	other := NewOwner()
	assert.False(t, l.TryAcquire(other), "lock must stay held while count > 0")

	require.NoError(t, l.Release(o, false))
	assert.False(t, l.TryAcquire(other))
	require.NoError(t, l.Release(o, false))

	assert.True(t, l.TryAcquire(other))
	require.NoError(t, l.Release(other, false))
}

func TestReentrantLockReleaseErrors(t *testing.T) {
	var l ReentrantLock
	o := NewOwner()

	assert.ErrorIs(t, l.Release(o, false), ErrNotOwner)
	assert.ErrorIs(t, l.Acquire(0), ErrLockState)

	require.NoError(t, l.Acquire(o))
	assert.ErrorIs(t, l.Release(NewOwner(), false), ErrNotOwner)
	require.NoError(t, l.Release(o, false))
	assert.ErrorIs(t, l.Release(o, false), ErrNotOwner)
}

func TestReentrantLockForget(t *testing.T) {
	var l ReentrantLock
	a, b := NewOwner(), NewOwner()

	require.NoError(t, l.Acquire(a))
	require.NoError(t, l.Release(a, false))
	require.NoError(t, l.Acquire(b))
	require.NoError(t, l.Release(b, true))

	assert.Equal(t, 1, l.Tracked(), "only the non-forgotten owner keeps an entry")
}

func TestReentrantLockExcludesOtherOwners(t *testing.T) {
	var l ReentrantLock
	holder := NewOwner()
	require.NoError(t, l.Acquire(holder))

	acquired := make(chan struct{})
	go func() {
		o := NewOwner()
		_ = l.Acquire(o)
		close(acquired)
		_ = l.Release(o, true)
	}()

	select {
	case <-acquired:
		t.Fatal("second owner acquired a held lock")
	case <-time.After(50 * time.Millisecond):
	}
	require.NoError(t, l.Release(holder, false))
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second owner never acquired the lock")
	}
}

func TestReentrantLockCounter(t *testing.T) {
	var (
		l       ReentrantLock
		wg      sync.WaitGroup
		counter int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o := NewOwner()
			for j := 0; j < 500; j++ {
				assert.NoError(t, l.Acquire(o))
				assert.NoError(t, l.Acquire(o))
				counter++
				assert.NoError(t, l.Release(o, false))
				assert.NoError(t, l.Release(o, false))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 8*500, counter)
}
