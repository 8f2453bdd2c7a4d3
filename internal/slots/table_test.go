package slots

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertPrefersSmallIDs(t *testing.T) {
	tbl := New[string](0, 42)
	id, err := tbl.Insert(func(id uint32) (string, error) { return "a", nil })
	require.NoError(t, err)
	assert.NotZero(t, id)
	assert.Less(t, id, uint32(1_000_000_000))

	v, ok := tbl.Get(id)
	require.True(t, ok)
	assert.Equal(t, "a", v)
}

func TestInsertBuildFailureStoresNothing(t *testing.T) {
	tbl := New[int](0, 7)
	boom := errors.New("boom")
	_, err := tbl.Insert(func(uint32) (int, error) { return 0, boom })
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, tbl.Len())
}

func TestInsertTerminatesWhenSpaceExhausted(t *testing.T) {
	// With a single attempt every draw is reduced modulo 10, so occupying
	// 1..9 leaves only the rejected id 0.
	tbl := New[int](1, 99)
	for id := uint32(1); id <= 9; id++ {
		tbl.items[id] = int(id)
	}
	for i := 0; i < 50; i++ {
		_, err := tbl.Insert(func(uint32) (int, error) { return 0, nil })
		require.ErrorIs(t, err, ErrExhausted)
	}
	assert.Equal(t, 9, tbl.Len())
}

func TestDeleteMatchesValue(t *testing.T) {
	tbl := New[*int](0, 3)
	a, b := new(int), new(int)
	id, err := tbl.Insert(func(uint32) (*int, error) { return a, nil })
	require.NoError(t, err)

	released := 0
	assert.False(t, tbl.Delete(id, func(v *int) bool { return v == b }, func(*int) { released++ }))
	assert.Zero(t, released)

	assert.True(t, tbl.Delete(id, func(v *int) bool { return v == a }, func(*int) { released++ }))
	assert.Equal(t, 1, released)
	assert.False(t, tbl.Delete(id, nil, nil))
}

func TestConcurrentInsertDeleteUniqueIDs(t *testing.T) {
	tbl := New[uint32](0, 11)
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		live = map[uint32]bool{}
	)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id, err := tbl.Insert(func(id uint32) (uint32, error) { return id, nil })
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				assert.False(t, live[id], "duplicate live id %d", id)
				live[id] = true
				mu.Unlock()
				if i%2 == 0 {
					mu.Lock()
					delete(live, id)
					mu.Unlock()
					assert.True(t, tbl.Delete(id, nil, nil))
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, len(live), tbl.Len())
	for _, id := range tbl.IDs() {
		v, ok := tbl.Get(id)
		require.True(t, ok)
		assert.Equal(t, id, v)
	}
}

type scripted struct{ vals []int32 }

func (s *scripted) Int32() int32 {
	v := s.vals[0]
	if len(s.vals) > 1 {
		s.vals = s.vals[1:]
	}
	return v
}

func TestNarrowingSpanThenRawValue(t *testing.T) {
	// 3 is free on the first draw; later draws collide and walk the spans.
	src := &scripted{vals: []int32{13, 13, 113, 1013, 0, 0, 0, 0, 0, 0, 0, 123456789}}
	tbl := NewWithSource[int](0, src)

	id, err := tbl.Insert(func(uint32) (int, error) { return 1, nil })
	require.NoError(t, err)
	assert.Equal(t, uint32(3), id)

	// 13%10=3 taken, 113%100=13 free.
	id, err = tbl.Insert(func(uint32) (int, error) { return 2, nil })
	require.NoError(t, err)
	assert.Equal(t, uint32(13), id)

	// 1013%10=3, then zeros count as failures until the raw value is used.
	id, err = tbl.Insert(func(uint32) (int, error) { return 3, nil })
	require.NoError(t, err)
	assert.Equal(t, uint32(123456789), id)
}

func TestFreedIDIsReused(t *testing.T) {
	tbl := NewWithSource[int](1, &scripted{vals: []int32{5}})
	id, err := tbl.Insert(func(uint32) (int, error) { return 1, nil })
	require.NoError(t, err)
	require.Equal(t, uint32(5), id)

	_, err = tbl.Insert(func(uint32) (int, error) { return 2, nil })
	require.ErrorIs(t, err, ErrExhausted)

	require.True(t, tbl.Delete(id, nil, nil))
	id, err = tbl.Insert(func(uint32) (int, error) { return 3, nil })
	require.NoError(t, err)
	assert.Equal(t, uint32(5), id)
}
