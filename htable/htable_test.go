package htable

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joycode-art/goshmap/status"
)

func eqUint64(a, b uint64) bool { return a == b }

func TestVisitInsertThenRead(t *testing.T) {
	tbl, err := New[uint64, uint64](16, Uint64Hash, eqUint64)
	require.NoError(t, err)

	st, err := tbl.Visit(context.Background(), 42, CreateIfMiss, func(idx int, v *uint64, isNew bool) error {
		assert.True(t, isNew)
		*v = 100
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, status.OK, st)

	st, err = tbl.Visit(context.Background(), 42, AccessExist, func(idx int, v *uint64, isNew bool) error {
		assert.False(t, isNew)
		assert.Equal(t, uint64(100), *v)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, status.OK, st)
}

func TestVisitAccessExistMissing(t *testing.T) {
	tbl, err := New[uint64, uint64](16, Uint64Hash, eqUint64)
	require.NoError(t, err)

	st, err := tbl.Visit(context.Background(), 7, AccessExist, func(idx int, v *uint64, isNew bool) error {
		t.Fatal("visitor should not run for a missing key in AccessExist mode")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, status.NotFound, st)
}

// identityMod4 forces collisions in a 4-bucket table: keys {0,4,8,12} all
// probe starting at slot 0 and must resolve via linear probing across the
// whole table, exercising the collision-chain scenario from spec.md §8.
func identityMod4(k uint64) uint64 { return k % 4 }

func TestVisitCollisionChain(t *testing.T) {
	tbl, err := New[uint64, uint64](4, identityMod4, eqUint64)
	require.NoError(t, err)

	keys := []uint64{0, 4, 8, 12}
	for _, k := range keys {
		st, err := tbl.Visit(context.Background(), k, CreateIfMiss, func(idx int, v *uint64, isNew bool) error {
			require.True(t, isNew)
			*v = k * 10
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, status.OK, st)
	}

	// A fifth distinct key with the same starting probe finds the table full.
	st, err := tbl.Visit(context.Background(), 16, CreateIfMiss, func(idx int, v *uint64, isNew bool) error {
		t.Fatal("table is full, visitor should not run")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, status.NotFound, st)

	for _, k := range keys {
		st, err := tbl.Visit(context.Background(), k, AccessExist, func(idx int, v *uint64, isNew bool) error {
			assert.Equal(t, k*10, *v)
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, status.OK, st)
	}
}

func TestVisitConcurrentIncrements(t *testing.T) {
	tbl, err := New[uint64, uint64](8, Uint64Hash, eqUint64)
	require.NoError(t, err)

	_, err = tbl.Visit(context.Background(), 1, CreateIfMiss, func(idx int, v *uint64, isNew bool) error {
		*v = 0
		return nil
	})
	require.NoError(t, err)

	const goroutines = 8
	const perGoroutine = 1000

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				_, err := tbl.Visit(context.Background(), 1, AccessExist, func(idx int, v *uint64, isNew bool) error {
					*v++
					return nil
				})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	_, err = tbl.Visit(context.Background(), 1, AccessExist, func(idx int, v *uint64, isNew bool) error {
		assert.Equal(t, uint64(goroutines*perGoroutine), *v)
		return nil
	})
	require.NoError(t, err)
}

func TestVisitRollbackRestoresOnFailure(t *testing.T) {
	tbl, err := New[uint64, uint64](16, Uint64Hash, eqUint64, WithRollback(true))
	require.NoError(t, err)

	_, err = tbl.Visit(context.Background(), 5, CreateIfMiss, func(idx int, v *uint64, isNew bool) error {
		*v = 9
		return nil
	})
	require.NoError(t, err)

	st, err := tbl.Visit(context.Background(), 5, AccessExist, func(idx int, v *uint64, isNew bool) error {
		*v = 999
		return assertErr
	})
	require.Error(t, err)
	assert.Equal(t, status.VisitorFailed, st)

	_, err = tbl.Visit(context.Background(), 5, AccessExist, func(idx int, v *uint64, isNew bool) error {
		assert.Equal(t, uint64(9), *v)
		return nil
	})
	require.NoError(t, err)
}

func TestVisitInsertFailureLeavesSlotEmpty(t *testing.T) {
	tbl, err := New[uint64, uint64](4, identityMod4, eqUint64)
	require.NoError(t, err)

	st, err := tbl.Visit(context.Background(), 100, CreateIfMiss, func(idx int, v *uint64, isNew bool) error {
		return assertErr
	})
	require.Error(t, err)
	assert.Equal(t, status.VisitorFailed, st)

	// The slot must be free for the same key to succeed afterward, since a
	// failed insert must not leak a stuck bucket.
	st, err = tbl.Visit(context.Background(), 100, CreateIfMiss, func(idx int, v *uint64, isNew bool) error {
		*v = 1
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, status.OK, st)
}

func TestVisitTimeoutUnderContention(t *testing.T) {
	tbl, err := New[uint64, uint64](4, identityMod4, eqUint64, WithDefaultTimeout(30*time.Millisecond))
	require.NoError(t, err)

	holder := make(chan struct{})
	release := make(chan struct{})
	go func() {
		tbl.Visit(context.Background(), 1, CreateIfMiss, func(idx int, v *uint64, isNew bool) error {
			close(holder)
			<-release
			return nil
		})
	}()
	<-holder
	defer close(release)

	st, err := tbl.Visit(context.Background(), 1, AccessExist, func(idx int, v *uint64, isNew bool) error {
		t.Fatal("visitor should not run while the bucket is held")
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, status.Timeout, st)
}

func TestVisitPanicReportsException(t *testing.T) {
	tbl, err := New[uint64, uint64](16, Uint64Hash, eqUint64)
	require.NoError(t, err)

	st, err := tbl.Visit(context.Background(), 1, CreateIfMiss, func(idx int, v *uint64, isNew bool) error {
		panic("boom")
	})
	require.Error(t, err)
	assert.Equal(t, status.Exception, st)
}

func TestTravelVisitsAllPopulatedBuckets(t *testing.T) {
	tbl, err := New[uint64, uint64](16, Uint64Hash, eqUint64)
	require.NoError(t, err)

	inserted := map[uint64]uint64{1: 10, 2: 20, 3: 30}
	for k, v := range inserted {
		_, err := tbl.Visit(context.Background(), k, CreateIfMiss, func(idx int, val *uint64, isNew bool) error {
			*val = v
			return nil
		})
		require.NoError(t, err)
	}

	type kv struct {
		K, V uint64
	}
	var seen []kv
	st, err := tbl.Travel(context.Background(), func(idx int, k uint64, v uint64) error {
		seen = append(seen, kv{k, v})
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, status.OK, st)

	var want []kv
	for k, v := range inserted {
		want = append(want, kv{k, v})
	}
	sort.Slice(want, func(i, j int) bool { return want[i].K < want[j].K })
	sort.Slice(seen, func(i, j int) bool { return seen[i].K < seen[j].K })

	if diff := cmp.Diff(want, seen); diff != "" {
		t.Fatalf("traversal set mismatch (-want +got):\n%s", diff)
	}
}

func TestFromBytesRejectsUndersizedRegion(t *testing.T) {
	mem := make([]byte, 4)
	_, err := FromBytes[uint64, uint64](mem, 16, Uint64Hash, eqUint64)
	require.Error(t, err)
}

func TestNewRejectsNonFlatValueType(t *testing.T) {
	type withPointer struct {
		P *int
	}
	_, err := New[uint64, withPointer](4, Uint64Hash, eqUint64)
	require.Error(t, err)
}

var assertErr = errAssert{}

type errAssert struct{}

func (errAssert) Error() string { return "visitor failed" }
