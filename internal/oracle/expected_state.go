// Package oracle tracks what the store is expected to contain while many
// goroutines mutate it concurrently.
//
// ExpectedState maintains one entry per (column family, key). Each entry
// holds the key's committed value generation, or one of two sentinels, plus
// a pending flag set while a mutation is in flight. Mutations are two-phase:
// the caller marks the entry pending before issuing the store call and
// commits the final state after the call returns. Readers of a pending entry
// see UnknownSentinel and must not draw conclusions from the store's answer.
//
// Every mutation of an entry must happen while holding the key's shard lock
// from LockTable, or the column family barrier for ClearColumnFamily.
package oracle

import (
	"sync/atomic"

	"github.com/aalhour/dbstress/internal/codec"
	"github.com/cockroachdb/errors"
	"github.com/zeebo/xxh3"
)

const (
	// UnknownSentinel means the oracle has no opinion about the key.
	UnknownSentinel uint32 = 0xfffffffe

	// DeletionSentinel means the key is logically absent.
	DeletionSentinel uint32 = 0xffffffff

	// SentinelRange bounds value generations: real generations are drawn
	// from [0, SentinelRange).
	SentinelRange = UnknownSentinel

	// Bits 0-31 hold the value generation, bit 32 the pending flag.
	genMask    uint64 = 0xffffffff
	pendingBit uint64 = 1 << 32

	allowOverwriteSeed uint64 = 1000
)

// IsValueGen reports whether gen is a real generation rather than a sentinel.
func IsValueGen(gen uint32) bool {
	return gen < SentinelRange
}

// ExpectedState is the expected-value oracle.
type ExpectedState struct {
	maxKey             int64
	numColumnFamilies  int
	noOverwritePercent int

	// values[cf*maxKey + key]
	values []atomic.Uint64
}

// NewExpectedState allocates entries for maxKey keys in each of numCFs
// column families, all starting as UnknownSentinel. noOverwritePercent is
// the approximate share of keys for which AllowsOverwrite is false.
func NewExpectedState(maxKey int64, numCFs int, noOverwritePercent int) *ExpectedState {
	if numCFs <= 0 {
		numCFs = 1
	}
	if maxKey <= 0 {
		maxKey = 1
	}
	es := &ExpectedState{
		maxKey:             maxKey,
		numColumnFamilies:  numCFs,
		noOverwritePercent: max(0, min(noOverwritePercent, 100)),
		values:             make([]atomic.Uint64, maxKey*int64(numCFs)),
	}
	for i := range es.values {
		es.values[i].Store(uint64(UnknownSentinel))
	}
	return es
}

// MaxKey returns the exclusive upper bound of the key space.
func (es *ExpectedState) MaxKey() int64 { return es.maxKey }

// NumColumnFamilies returns the number of column families tracked.
func (es *ExpectedState) NumColumnFamilies() int { return es.numColumnFamilies }

func (es *ExpectedState) slot(cf int, key int64) *atomic.Uint64 {
	if cf < 0 || cf >= es.numColumnFamilies || key < 0 || key >= es.maxKey {
		panic(errors.AssertionFailedf("oracle: (cf %d, key %d) outside %d column families x %d keys",
			cf, key, es.numColumnFamilies, es.maxKey))
	}
	return &es.values[int64(cf)*es.maxKey+key]
}

// Get returns the key's committed generation, DeletionSentinel, or
// UnknownSentinel when the key has never been written or a mutation is in
// flight.
func (es *ExpectedState) Get(cf int, key int64) uint32 {
	v := es.slot(cf, key).Load()
	if v&pendingBit != 0 {
		return UnknownSentinel
	}
	return uint32(v & genMask)
}

// Raw returns the stored generation ignoring the pending flag, and the flag.
func (es *ExpectedState) Raw(cf int, key int64) (gen uint32, pending bool) {
	v := es.slot(cf, key).Load()
	return uint32(v & genMask), v&pendingBit != 0
}

// Put records a write of gen. It is called with pending=true before the
// store write is issued and with pending=false once it succeeded.
func (es *ExpectedState) Put(cf int, key int64, gen uint32, pending bool) {
	s := es.slot(cf, key)
	if pending {
		s.Store(s.Load() | pendingBit)
		return
	}
	s.Store(uint64(gen))
}

// Delete records a deletion, two-phase like Put. It returns whether the key
// held a real value before the call.
func (es *ExpectedState) Delete(cf int, key int64, pending bool) bool {
	s := es.slot(cf, key)
	prev := s.Load()
	existed := IsValueGen(uint32(prev & genMask))
	if pending {
		s.Store(prev | pendingBit)
	} else {
		s.Store(uint64(DeletionSentinel))
	}
	return existed
}

// SingleDelete records a single deletion. It only differs from Delete in
// the store call the caller issues.
func (es *ExpectedState) SingleDelete(cf int, key int64, pending bool) bool {
	return es.Delete(cf, key, pending)
}

// DeleteRange records the deletion of [lo, hi). On the committing call it
// returns how many keys in the range held a real value beforehand.
func (es *ExpectedState) DeleteRange(cf int, lo, hi int64, pending bool) int {
	covered := 0
	for key := lo; key < hi; key++ {
		if es.Delete(cf, key, pending) && !pending {
			covered++
		}
	}
	return covered
}

// Exists reports whether the key holds a committed real value.
func (es *ExpectedState) Exists(cf int, key int64) bool {
	return IsValueGen(es.Get(cf, key))
}

// AllowsOverwrite reports whether key may be Put while it already exists.
// The policy derives from the key alone and is the same in every column
// family. Keys that disallow overwrite are removed with SingleDelete.
func (es *ExpectedState) AllowsOverwrite(key int64) bool {
	if es.noOverwritePercent == 0 {
		return true
	}
	var buf [codec.KeySize]byte
	h := xxh3.HashSeed(codec.AppendKey(buf[:0], key), allowOverwriteSeed)
	return h%100 >= uint64(es.noOverwritePercent)
}

// ClearColumnFamily resets every entry of cf to UnknownSentinel. The caller
// must hold the column family barrier exclusively.
func (es *ExpectedState) ClearColumnFamily(cf int) {
	if cf < 0 || cf >= es.numColumnFamilies {
		panic(errors.AssertionFailedf("oracle: column family %d out of range", cf))
	}
	start := int64(cf) * es.maxKey
	for i := start; i < start+es.maxKey; i++ {
		es.values[i].Store(uint64(UnknownSentinel))
	}
}
