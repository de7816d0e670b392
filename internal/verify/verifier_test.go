package verify

import (
	"bytes"
	"sync"
	"testing"

	"github.com/aalhour/dbstress/internal/codec"
	"github.com/aalhour/dbstress/internal/logging"
	"github.com/aalhour/dbstress/internal/oracle"
	"github.com/aalhour/dbstress/internal/store"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

type kv struct{ k, v []byte }

// sliceIter iterates an in-memory list. The list need not be sorted, which
// lets tests model an iterator that goes backwards.
type sliceIter struct {
	kvs   []kv
	pos   int
	seeks int
	err   error
}

func (it *sliceIter) Seek(key []byte) {
	it.seeks++
	for it.pos = 0; it.pos < len(it.kvs); it.pos++ {
		if bytes.Compare(it.kvs[it.pos].k, key) >= 0 {
			return
		}
	}
}
func (it *sliceIter) Valid() bool   { return it.err == nil && it.pos < len(it.kvs) }
func (it *sliceIter) Key() []byte   { return it.kvs[it.pos].k }
func (it *sliceIter) Value() []byte { return it.kvs[it.pos].v }
func (it *sliceIter) Next()         { it.pos++ }
func (it *sliceIter) Error() error  { return it.err }
func (it *sliceIter) Close() error  { return nil }

var _ store.Iterator = (*sliceIter)(nil)

func newTestVerifier(maxKey int64) (*Verifier, *oracle.ExpectedState) {
	es := oracle.NewExpectedState(maxKey, 2, 0)
	return New(es, codec.DefaultValueCodec(), &Latch{}, logging.Discard), es
}

func value(gen uint32) []byte {
	return codec.DefaultValueCodec().Generate(gen, codec.MaxValueLen)
}

func TestVerifyValueUnknownPasses(t *testing.T) {
	v, _ := newTestVerifier(10)
	require.True(t, v.VerifyValue(0, 1, []byte("garbage"), nil, true))
	require.True(t, v.VerifyValue(0, 1, nil, store.ErrNotFound, true))
	require.False(t, v.Latch.Failed())
}

func TestVerifyValueWriteThenRead(t *testing.T) {
	v, es := newTestVerifier(10)
	es.Put(0, 5, 42, true)
	es.Put(0, 5, 42, false)

	require.True(t, v.VerifyValue(0, 5, value(42), nil, true))
	require.False(t, v.Latch.Failed())
}

func TestVerifyValueDeleteThenRead(t *testing.T) {
	v, es := newTestVerifier(10)
	es.Put(0, 5, 42, false)
	es.Delete(0, 5, true)
	es.Delete(0, 5, false)

	require.True(t, v.VerifyValue(0, 5, nil, store.ErrNotFound, true))
	require.False(t, v.Latch.Failed())
}

func TestVerifyValueMismatches(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(es *oracle.ExpectedState)
		dbValue []byte
		status  error
		strict  bool
		wantMsg string
	}{
		{
			name:    "unexpected value",
			setup:   func(es *oracle.ExpectedState) { es.Delete(0, 3, false) },
			dbValue: value(7),
			strict:  true,
			wantMsg: MsgUnexpectedValue,
		},
		{
			name:    "length",
			setup:   func(es *oracle.ExpectedState) { es.Put(0, 3, 7, false) },
			dbValue: value(7)[:4],
			wantMsg: MsgLengthMismatch,
		},
		{
			name:  "content",
			setup: func(es *oracle.ExpectedState) { es.Put(0, 3, 7, false) },
			dbValue: func() []byte {
				b := value(7)
				b[len(b)-1] ^= 0xff
				return b
			}(),
			wantMsg: MsgContentMismatch,
		},
		{
			name:    "stale value",
			setup:   func(es *oracle.ExpectedState) { es.Put(0, 3, 7, false) },
			dbValue: value(10), // same length as value(7)
			wantMsg: MsgContentMismatch,
		},
		{
			name:    "not found",
			setup:   func(es *oracle.ExpectedState) { es.Put(0, 3, 7, false) },
			status:  store.ErrNotFound,
			wantMsg: MsgValueNotFound,
		},
		{
			name:    "read error",
			setup:   func(es *oracle.ExpectedState) { es.Put(0, 3, 7, false) },
			status:  errors.New("io error"),
			wantMsg: MsgValueNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, es := newTestVerifier(10)
			tt.setup(es)
			require.False(t, v.VerifyValue(0, 3, tt.dbValue, tt.status, tt.strict))
			require.True(t, v.Latch.Failed())
			f, ok := v.Latch.First()
			require.True(t, ok)
			require.Equal(t, 0, f.CF)
			require.Equal(t, int64(3), f.Key)
			require.Contains(t, f.Msg, tt.wantMsg)
			require.True(t, errors.Is(v.Latch.Err(), ErrVerificationFailed))
		})
	}
}

func TestVerifyValueNonStrictDeletion(t *testing.T) {
	v, es := newTestVerifier(10)
	es.Delete(0, 3, false)
	require.True(t, v.VerifyValue(0, 3, value(1), nil, false))
	require.False(t, v.Latch.Failed())
}

func TestVerifyValueShortCircuitsAfterFailure(t *testing.T) {
	v, es := newTestVerifier(10)
	es.Put(0, 1, 1, false)
	es.Put(0, 2, 2, false)

	require.False(t, v.VerifyValue(0, 1, nil, store.ErrNotFound, true))
	require.True(t, v.VerifyValue(0, 2, nil, store.ErrNotFound, true))
	f, _ := v.Latch.First()
	require.Equal(t, int64(1), f.Key)
	require.Equal(t, 1, v.Latch.Count())
}

// A pending entry reads as unknown, so whatever the store returns while a
// write is in flight is accepted.
func TestNoFalsePositiveUnderPending(t *testing.T) {
	v, es := newTestVerifier(10)
	es.Put(0, 4, 10, false)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			// Observations a reader may make mid-mutation: old value,
			// new value, or nothing at all.
			v.VerifyValue(0, 4, value(10), nil, true)
			v.VerifyValue(0, 4, value(11), nil, true)
			v.VerifyValue(0, 4, nil, store.ErrNotFound, true)
		}
	}()

	es.Put(0, 4, 11, true)
	for i := 0; i < 1000; i++ {
		require.True(t, v.VerifyValue(0, 4, value(10), nil, true))
		require.True(t, v.VerifyValue(0, 4, nil, store.ErrNotFound, true))
	}
	es.Delete(0, 4, true)
	for i := 0; i < 1000; i++ {
		require.True(t, v.VerifyValue(0, 4, value(11), nil, true))
	}
	close(stop)
	wg.Wait()
	require.False(t, v.Latch.Failed())
}

func TestVerifyWithIterator(t *testing.T) {
	v, es := newTestVerifier(1 << 10)
	var kvs []kv
	for k := int64(0); k < 1<<10; k++ {
		switch k % 3 {
		case 0:
			es.Put(0, k, uint32(k), false)
			kvs = append(kvs, kv{codec.Key(k), value(uint32(k))})
		case 1:
			es.Delete(0, k, false)
		}
	}
	it := &sliceIter{kvs: kvs}
	seen := v.VerifyWithIterator(0, it, 100, 1<<10, 7)
	require.False(t, v.Latch.Failed())
	require.Equal(t, len(kvs)-34, seen)
	// One initial seek plus one per 256-key prefix boundary in [100, 1024).
	require.Equal(t, 4, it.seeks)
}

func TestVerifyWithIteratorDetectsMissingKey(t *testing.T) {
	v, es := newTestVerifier(16)
	es.Put(0, 3, 3, false)
	es.Put(0, 4, 4, false)
	it := &sliceIter{kvs: []kv{{codec.Key(4), value(4)}}}
	v.VerifyWithIterator(0, it, 0, 16, 8)
	f, ok := v.Latch.First()
	require.True(t, ok)
	require.Equal(t, int64(3), f.Key)
	require.Contains(t, f.Msg, MsgValueNotFound)
}

func TestVerifyWithIteratorOutOfRangeKey(t *testing.T) {
	v, es := newTestVerifier(16)
	es.Put(0, 5, 5, false)
	// The iterator yields key 2 right after key 5.
	it := &sliceIter{kvs: []kv{{codec.Key(5), value(5)}, {codec.Key(2), value(2)}}}
	v.VerifyWithIterator(0, it, 5, 8, 7)
	f, ok := v.Latch.First()
	require.True(t, ok)
	require.Equal(t, MsgOutOfRangeKey, f.Msg)
	require.Equal(t, int64(6), f.Key)
}

func TestVerifyWithIteratorError(t *testing.T) {
	v, es := newTestVerifier(16)
	es.Put(0, 1, 1, false)
	it := &sliceIter{err: errors.New("corruption")}
	v.VerifyWithIterator(0, it, 0, 4, 8)
	f, ok := v.Latch.First()
	require.True(t, ok)
	require.Contains(t, f.Msg, "corruption")
}

func TestVerifyWithGet(t *testing.T) {
	v, es := newTestVerifier(32)
	data := map[int64][]byte{}
	for k := int64(0); k < 32; k += 2 {
		es.Put(1, k, uint32(k+100), false)
		data[k] = value(uint32(k + 100))
	}
	get := func(key []byte) ([]byte, error) {
		k, err := codec.KeyToInt(key)
		require.NoError(t, err)
		if b, ok := data[k]; ok {
			return b, nil
		}
		return nil, store.ErrNotFound
	}
	require.Equal(t, 16, v.VerifyWithGet(1, get, 0, 32))
	require.False(t, v.Latch.Failed())

	// A lost write: the oracle says key 5 holds a value.
	es.Put(1, 5, 9, false)
	v.VerifyWithGet(1, get, 0, 32)
	f, ok := v.Latch.First()
	require.True(t, ok)
	require.Equal(t, int64(5), f.Key)
}

func TestThreadRange(t *testing.T) {
	var covered int64
	prev := int64(0)
	for tid := 0; tid < 3; tid++ {
		lo, hi := ThreadRange(tid, 3, 100)
		require.Equal(t, prev, lo)
		covered += hi - lo
		prev = hi
	}
	require.Equal(t, int64(100), covered)
	lo, hi := ThreadRange(2, 3, 100)
	require.Equal(t, int64(66), lo)
	require.Equal(t, int64(100), hi)
}

func TestLatchFirstWriterWins(t *testing.T) {
	var l Latch
	require.NoError(t, l.Err())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l.Set(Failure{CF: i, Key: int64(i), Msg: "x"})
		}(i)
	}
	wg.Wait()
	require.True(t, l.Failed())
	require.Equal(t, 8, l.Count())
	f1, _ := l.First()
	l.Set(Failure{CF: 99, Msg: "later"})
	f2, _ := l.First()
	require.Equal(t, f1, f2)
}
