package oracle

import (
	"slices"
	"sync"

	"github.com/cockroachdb/errors"
)

// LockTable partitions each column family's key space into shards of
// 2^log2KeysPerLock consecutive keys with one mutex per shard. Two distinct
// keys in the same shard are serialized even when only one is touched; that
// coarsening keeps the lock count proportional to maxKey >> log2KeysPerLock.
//
// Lock order: a column family barrier (shared) before any of its shards, and
// shards in strictly ascending index. A goroutine holds at most one KeyLock
// at a time, so it takes each barrier at most once.
//
// The barrier is exclusive: LockColumnFamily waits for every KeyLock on the
// family to be released and blocks new ones until UnlockColumnFamily.
type LockTable struct {
	maxKey          int64
	log2KeysPerLock uint
	shards          [][]sync.Mutex // [cf][key >> log2KeysPerLock]
	barriers        []sync.RWMutex // [cf]
}

// NewLockTable creates the shard mutexes for numCFs column families of
// maxKey keys each.
func NewLockTable(maxKey int64, numCFs int, log2KeysPerLock uint) *LockTable {
	if numCFs <= 0 {
		numCFs = 1
	}
	if maxKey <= 0 {
		maxKey = 1
	}
	if log2KeysPerLock > 30 {
		log2KeysPerLock = 2
	}
	numShards := (maxKey + (1 << log2KeysPerLock) - 1) >> log2KeysPerLock
	lt := &LockTable{
		maxKey:          maxKey,
		log2KeysPerLock: log2KeysPerLock,
		shards:          make([][]sync.Mutex, numCFs),
		barriers:        make([]sync.RWMutex, numCFs),
	}
	for cf := range lt.shards {
		lt.shards[cf] = make([]sync.Mutex, numShards)
	}
	return lt
}

// KeysPerLock returns the number of keys covered by one shard.
func (lt *LockTable) KeysPerLock() int64 { return 1 << lt.log2KeysPerLock }

// NumShards returns the number of shards per column family.
func (lt *LockTable) NumShards() int { return len(lt.shards[0]) }

// ShardOf returns the shard index covering key.
func (lt *LockTable) ShardOf(key int64) int64 { return key >> lt.log2KeysPerLock }

func (lt *LockTable) checkKey(cf int, key int64) {
	if cf < 0 || cf >= len(lt.shards) || key < 0 || key >= lt.maxKey {
		panic(errors.AssertionFailedf("locks: (cf %d, key %d) outside %d column families x %d keys",
			cf, key, len(lt.shards), lt.maxKey))
	}
}

// Acquire blocks until the shard covering key in cf is held.
func (lt *LockTable) Acquire(cf int, key int64) *KeyLock {
	lt.checkKey(cf, key)
	l := &KeyLock{lt: lt}
	l.lock(cf, []int64{lt.ShardOf(key)})
	return l
}

// AcquireRange blocks until every shard touched by [lo, hi) in cf is held.
func (lt *LockTable) AcquireRange(cf int, lo, hi int64) *KeyLock {
	if hi <= lo {
		panic(errors.AssertionFailedf("locks: empty range [%d, %d)", lo, hi))
	}
	lt.checkKey(cf, lo)
	lt.checkKey(cf, hi-1)
	shards := make([]int64, 0, lt.ShardOf(hi-1)-lt.ShardOf(lo)+1)
	for s := lt.ShardOf(lo); s <= lt.ShardOf(hi-1); s++ {
		shards = append(shards, s)
	}
	l := &KeyLock{lt: lt}
	l.lock(cf, shards)
	return l
}

// AcquireKeys blocks until the shards covering every key in keys are held.
func (lt *LockTable) AcquireKeys(cf int, keys []int64) *KeyLock {
	shards := make([]int64, 0, len(keys))
	for _, k := range keys {
		lt.checkKey(cf, k)
		shards = append(shards, lt.ShardOf(k))
	}
	slices.Sort(shards)
	l := &KeyLock{lt: lt}
	l.lock(cf, slices.Compact(shards))
	return l
}

// LockColumnFamily takes the barrier of cf exclusively.
func (lt *LockTable) LockColumnFamily(cf int) { lt.barriers[cf].Lock() }

// UnlockColumnFamily releases the exclusive barrier of cf.
func (lt *LockTable) UnlockColumnFamily(cf int) { lt.barriers[cf].Unlock() }

// KeyLock is a scoped handle over an ascending set of shard mutexes in one
// column family, plus a shared hold on that family's barrier. It can be
// released and reacquired on a different key within a retry loop.
type KeyLock struct {
	lt     *LockTable
	cf     int
	shards []int64
	held   bool
}

// shards must be ascending and free of duplicates.
func (l *KeyLock) lock(cf int, shards []int64) {
	l.lt.barriers[cf].RLock()
	mus := l.lt.shards[cf]
	for _, s := range shards {
		mus[s].Lock()
	}
	l.cf = cf
	l.shards = shards
	l.held = true
}

// CF returns the column family the lock is held in.
func (l *KeyLock) CF() int { return l.cf }

// Held reports whether the handle currently holds its shards.
func (l *KeyLock) Held() bool { return l != nil && l.held }

// Shards returns the held shard indexes in ascending order.
func (l *KeyLock) Shards() []int64 { return l.shards }

// Covers reports whether key's shard is held.
func (l *KeyLock) Covers(key int64) bool {
	if !l.Held() {
		return false
	}
	_, found := slices.BinarySearch(l.shards, l.lt.ShardOf(key))
	return found
}

// Extend acquires every shard up to and including the one covering hi-1
// that lies above the highest shard already held. Extending upward keeps
// the ascending acquisition order.
func (l *KeyLock) Extend(hi int64) {
	if !l.Held() {
		panic(errors.AssertionFailedf("locks: Extend on a released lock"))
	}
	l.lt.checkKey(l.cf, hi-1)
	mus := l.lt.shards[l.cf]
	for s := l.shards[len(l.shards)-1] + 1; s <= l.lt.ShardOf(hi-1); s++ {
		mus[s].Lock()
		l.shards = append(l.shards, s)
	}
}

// Release unlocks the shards in descending order, then the barrier. It is
// a no-op on a released handle.
func (l *KeyLock) Release() {
	if !l.Held() {
		return
	}
	mus := l.lt.shards[l.cf]
	for i := len(l.shards) - 1; i >= 0; i-- {
		mus[l.shards[i]].Unlock()
	}
	l.lt.barriers[l.cf].RUnlock()
	l.shards = nil
	l.held = false
}

// Relock releases whatever the handle holds and then acquires the shard of
// key in cf. Nothing is held in between, so a goroutine never waits on one
// shard while holding another out of order.
func (l *KeyLock) Relock(cf int, key int64) {
	l.Release()
	l.lt.checkKey(cf, key)
	l.lock(cf, []int64{l.lt.ShardOf(key)})
}

// RelockRange releases whatever the handle holds and then acquires every
// shard touched by [lo, hi) in cf.
func (l *KeyLock) RelockRange(cf int, lo, hi int64) {
	l.Release()
	*l = *l.lt.AcquireRange(cf, lo, hi)
}

// RelockKeys releases whatever the handle holds and then acquires the
// shards covering keys in cf.
func (l *KeyLock) RelockKeys(cf int, keys []int64) {
	l.Release()
	*l = *l.lt.AcquireKeys(cf, keys)
}
