package oracle

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLockTableShards(t *testing.T) {
	lt := NewLockTable(100, 2, 2)
	require.Equal(t, int64(4), lt.KeysPerLock())
	require.Equal(t, 25, lt.NumShards())
	require.Equal(t, int64(0), lt.ShardOf(3))
	require.Equal(t, int64(1), lt.ShardOf(4))

	odd := NewLockTable(10, 1, 2)
	require.Equal(t, 3, odd.NumShards())
}

func TestKeyLockRange(t *testing.T) {
	lt := NewLockTable(64, 1, 2)

	l := lt.AcquireRange(0, 6, 17)
	require.Equal(t, []int64{1, 2, 3, 4}, l.Shards())
	require.True(t, l.Covers(6))
	require.True(t, l.Covers(16))
	require.False(t, l.Covers(17+3))
	l.Release()
	require.False(t, l.Held())
	l.Release()

	l = lt.Acquire(0, 9)
	l.Extend(9 + 10)
	require.Equal(t, []int64{2, 3, 4}, l.Shards())
	// Extending within held shards is a no-op.
	l.Extend(12)
	require.Equal(t, []int64{2, 3, 4}, l.Shards())
	l.Release()

	l = lt.AcquireKeys(0, []int64{40, 1, 41, 2, 20})
	require.Equal(t, []int64{0, 5, 10}, l.Shards())
	l.Release()
}

func TestKeyLockExcludes(t *testing.T) {
	lt := NewLockTable(64, 1, 2)
	l := lt.Acquire(0, 5)

	acquired := make(chan struct{})
	go func() {
		other := lt.Acquire(0, 6) // same shard
		close(acquired)
		other.Release()
	}()

	select {
	case <-acquired:
		t.Fatal("second holder acquired a held shard")
	case <-time.After(50 * time.Millisecond):
	}

	// A different shard is free.
	free := lt.Acquire(0, 40)
	free.Release()

	l.Release()
	select {
	case <-acquired:
	case <-time.After(5 * time.Second):
		t.Fatal("waiter never acquired the released shard")
	}
}

func TestKeyLockRelock(t *testing.T) {
	lt := NewLockTable(64, 2, 2)
	l := lt.Acquire(0, 5)
	l.Relock(1, 50)
	require.Equal(t, 1, l.CF())
	require.Equal(t, []int64{12}, l.Shards())

	// The old shard is free again.
	other := lt.Acquire(0, 5)
	other.Release()
	l.Release()
}

func TestColumnFamilyBarrierExclusive(t *testing.T) {
	lt := NewLockTable(64, 2, 2)
	l := lt.Acquire(1, 5)

	barrierTaken := make(chan struct{})
	go func() {
		lt.LockColumnFamily(1)
		close(barrierTaken)
	}()
	select {
	case <-barrierTaken:
		t.Fatal("barrier taken while a key lock is held")
	case <-time.After(50 * time.Millisecond):
	}

	// Other column families are unaffected.
	unrelated := lt.Acquire(0, 5)
	unrelated.Release()

	l.Release()
	<-barrierTaken

	keyTaken := make(chan struct{})
	go func() {
		k := lt.Acquire(1, 30)
		close(keyTaken)
		k.Release()
	}()
	select {
	case <-keyTaken:
		t.Fatal("key lock taken while the barrier is held")
	case <-time.After(50 * time.Millisecond):
	}
	lt.UnlockColumnFamily(1)
	<-keyTaken
}

// TestLockOrderLiveness mixes point locks with relocks, range locks,
// extensions and barrier holds from many goroutines and requires the whole
// mix to finish before a wall-clock deadline.
func TestLockOrderLiveness(t *testing.T) {
	const (
		maxKey  = 256
		numCFs  = 3
		workers = 16
		ops     = 2000
	)
	lt := NewLockTable(maxKey, numCFs, 2)
	var inFlight [numCFs][maxKey]atomic.Int32

	var wg sync.WaitGroup
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(uint64(w), 7))
			for range ops {
				cf := rng.IntN(numCFs)
				switch rng.IntN(5) {
				case 0:
					k := rng.Int64N(maxKey)
					l := lt.Acquire(cf, k)
					l.Relock(rng.IntN(numCFs), rng.Int64N(maxKey))
					l.Release()
				case 1:
					lo := rng.Int64N(maxKey - 20)
					l := lt.AcquireRange(cf, lo, lo+1+rng.Int64N(20))
					for _, s := range l.Shards() {
						if inFlight[cf][s].Add(1) != 1 {
							t.Errorf("shard %d of cf %d held twice", s, cf)
						}
					}
					for _, s := range l.Shards() {
						inFlight[cf][s].Add(-1)
					}
					l.Release()
				case 2:
					lo := rng.Int64N(maxKey - 40)
					l := lt.Acquire(cf, lo)
					l.Extend(lo + 1 + rng.Int64N(40))
					l.Release()
				case 3:
					if cf > 0 && rng.IntN(10) == 0 {
						lt.LockColumnFamily(cf)
						lt.UnlockColumnFamily(cf)
					}
				default:
					keys := []int64{rng.Int64N(maxKey), rng.Int64N(maxKey), rng.Int64N(maxKey)}
					l := lt.AcquireKeys(cf, keys)
					l.Release()
				}
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(60 * time.Second):
		t.Fatal("lock mix did not terminate; suspected deadlock")
	}
}
