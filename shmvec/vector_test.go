package shmvec

import (
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushBackThenIterate(t *testing.T) {
	v, err := New[int](16)
	require.NoError(t, err)
	assert.True(t, v.Empty())
	assert.Equal(t, 16, v.Capacity())

	for i := 0; i < 10; i++ {
		idx, ok := v.PushBack(i * 2)
		require.True(t, ok)
		assert.Equal(t, i, idx)
	}
	assert.Equal(t, 10, v.Size())

	for i := 0; i < 10; i++ {
		assert.Equal(t, i*2, *v.At(i))
	}

	sum := 0
	require.NoError(t, v.Each(func(i int, val int) error {
		sum += val
		return nil
	}))
	assert.Equal(t, 90, sum)
}

func TestAllocateReservesContiguousBlocks(t *testing.T) {
	v, err := New[int64](100)
	require.NoError(t, err)

	off1, ok := v.Allocate(5)
	require.True(t, ok)
	for i := 0; i < 5; i++ {
		*v.At(off1 + i) = int64(100 + i)
	}

	off2, ok := v.Allocate(10)
	require.True(t, ok)
	for i := 0; i < 10; i++ {
		*v.At(off2 + i) = int64(200 + i)
	}

	assert.Equal(t, 15, v.Size())
	for i := 0; i < 5; i++ {
		assert.Equal(t, int64(100+i), *v.At(off1+i))
	}
	for i := 0; i < 10; i++ {
		assert.Equal(t, int64(200+i), *v.At(off2+i))
	}
}

func TestAllocateRejectsOverflow(t *testing.T) {
	v, err := New[int](4)
	require.NoError(t, err)

	_, ok := v.Allocate(5)
	assert.False(t, ok)
	assert.True(t, v.Empty(), "a failed allocate must not touch the size counter")
}

func TestMultiThreadedPushBack(t *testing.T) {
	const nGoroutines = 8
	const perGoroutine = 1000
	const total = nGoroutines * perGoroutine

	v, err := New[int](total)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(nGoroutines)
	for g := 0; g < nGoroutines; g++ {
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				_, ok := v.PushBack(g*perGoroutine + i)
				require.True(t, ok)
			}
		}(g)
	}
	wg.Wait()

	require.Equal(t, total, v.Size())

	var seen []int
	require.NoError(t, v.Each(func(i int, val int) error {
		seen = append(seen, val)
		return nil
	}))
	sort.Ints(seen)
	for i, val := range seen {
		assert.Equal(t, i, val)
	}
}

func TestClearResetsSize(t *testing.T) {
	v, err := New[int](4)
	require.NoError(t, err)

	_, ok := v.PushBack(1)
	require.True(t, ok)
	v.Clear()
	assert.True(t, v.Empty())

	idx, ok := v.PushBack(9)
	require.True(t, ok)
	assert.Equal(t, 0, idx)
}

func TestFromBytesRejectsUndersizedRegion(t *testing.T) {
	mem := make([]byte, 2)
	_, err := FromBytes[int](mem, 16, true)
	require.Error(t, err)
}

func TestNewRejectsNonFlatElementType(t *testing.T) {
	type withPointer struct {
		P *int
	}
	_, err := New[withPointer](4)
	require.Error(t, err)
}
