package pebblestore

import (
	"testing"

	"github.com/aalhour/dbstress/internal/codec"
	"github.com/aalhour/dbstress/internal/logging"
	"github.com/aalhour/dbstress/internal/store"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/require"
)

func openMem(t *testing.T, fs vfs.FS) *Store {
	t.Helper()
	s, err := Open("db", Options{FS: fs, Logger: logging.Discard})
	require.NoError(t, err)
	return s
}

func scan(t *testing.T, s *Store, cf store.ColumnFamily, ro *store.ReadOptions) map[int64]string {
	t.Helper()
	it, err := s.NewIterator(ro, cf)
	require.NoError(t, err)
	defer func() { require.NoError(t, it.Close()) }()
	out := map[int64]string{}
	for it.Seek(codec.Key(0)); it.Valid(); it.Next() {
		k, err := codec.KeyToInt(it.Key())
		require.NoError(t, err)
		out[k] = string(it.Value())
	}
	require.NoError(t, it.Error())
	return out
}

func TestPointOperations(t *testing.T) {
	s := openMem(t, vfs.NewMem())
	defer s.Close()
	cf := s.DefaultColumnFamily()

	_, err := s.Get(nil, cf, codec.Key(5))
	require.True(t, errors.Is(err, store.ErrNotFound))

	require.NoError(t, s.Put(&store.WriteOptions{Sync: true}, cf, codec.Key(5), []byte("a")))
	v, err := s.Get(nil, cf, codec.Key(5))
	require.NoError(t, err)
	require.Equal(t, []byte("a"), v)

	require.NoError(t, s.Delete(nil, cf, codec.Key(5)))
	_, err = s.Get(nil, cf, codec.Key(5))
	require.True(t, errors.Is(err, store.ErrNotFound))

	require.NoError(t, s.Put(nil, cf, codec.Key(6), []byte("b")))
	require.NoError(t, s.SingleDelete(nil, cf, codec.Key(6)))
	_, err = s.Get(nil, cf, codec.Key(6))
	require.True(t, errors.Is(err, store.ErrNotFound))
}

func TestMergeIsLastOperandWins(t *testing.T) {
	s := openMem(t, vfs.NewMem())
	defer s.Close()
	cf := s.DefaultColumnFamily()

	require.NoError(t, s.Put(nil, cf, codec.Key(1), []byte("base")))
	require.NoError(t, s.Merge(nil, cf, codec.Key(1), []byte("m1")))
	require.NoError(t, s.Merge(nil, cf, codec.Key(1), []byte("m2")))
	require.NoError(t, s.Merge(nil, cf, codec.Key(2), []byte("only")))
	require.NoError(t, s.DB().Flush())
	require.NoError(t, s.Merge(nil, cf, codec.Key(2), []byte("after-flush")))

	v, err := s.Get(nil, cf, codec.Key(1))
	require.NoError(t, err)
	require.Equal(t, []byte("m2"), v)
	v, err = s.Get(nil, cf, codec.Key(2))
	require.NoError(t, err)
	require.Equal(t, []byte("after-flush"), v)
}

func TestMultiGet(t *testing.T) {
	s := openMem(t, vfs.NewMem())
	defer s.Close()
	cf := s.DefaultColumnFamily()
	require.NoError(t, s.Put(nil, cf, codec.Key(3), []byte("three")))

	vals, errs := s.MultiGet(nil, cf, [][]byte{codec.Key(3), codec.Key(4)})
	require.NoError(t, errs[0])
	require.Equal(t, []byte("three"), vals[0])
	require.True(t, errors.Is(errs[1], store.ErrNotFound))
}

func TestColumnFamilyIsolationAndDrop(t *testing.T) {
	s := openMem(t, vfs.NewMem())
	defer s.Close()
	def := s.DefaultColumnFamily()
	cf1, err := s.CreateColumnFamily("1")
	require.NoError(t, err)
	cf2, err := s.CreateColumnFamily("2")
	require.NoError(t, err)
	_, err = s.CreateColumnFamily("2")
	require.Error(t, err)

	for k := int64(0); k < 10; k++ {
		require.NoError(t, s.Put(nil, def, codec.Key(k), []byte("d")))
		require.NoError(t, s.Put(nil, cf1, codec.Key(k), []byte("one")))
		require.NoError(t, s.Put(nil, cf2, codec.Key(k), []byte("two")))
	}
	require.Len(t, scan(t, s, cf1, nil), 10)

	require.NoError(t, s.DropColumnFamily(cf1))
	_, err = s.Get(nil, cf1, codec.Key(1))
	require.True(t, errors.Is(err, store.ErrColumnFamilyDropped))
	require.Error(t, s.DropColumnFamily(def))

	fresh, err := s.CreateColumnFamily("1")
	require.NoError(t, err)
	require.Greater(t, fresh.ID(), cf2.ID())
	require.Empty(t, scan(t, s, fresh, nil))
	require.Len(t, scan(t, s, cf2, nil), 10)
	require.Len(t, scan(t, s, def, nil), 10)
}

func TestIteratorUpperBound(t *testing.T) {
	s := openMem(t, vfs.NewMem())
	defer s.Close()
	cf, err := s.CreateColumnFamily("bounded")
	require.NoError(t, err)
	for k := int64(0); k < 300; k++ {
		require.NoError(t, s.Put(nil, cf, codec.Key(k), []byte("v")))
	}
	upper, ok := codec.NextPrefix(codec.Key(255)[:7])
	require.True(t, ok)
	got := scan(t, s, cf, &store.ReadOptions{UpperBound: upper})
	require.Len(t, got, 256)
	_, ok = got[256]
	require.False(t, ok)
}

func TestDeleteRange(t *testing.T) {
	s := openMem(t, vfs.NewMem())
	defer s.Close()
	cf := s.DefaultColumnFamily()
	for k := int64(0); k < 20; k++ {
		require.NoError(t, s.Put(nil, cf, codec.Key(k), []byte("v")))
	}
	require.NoError(t, s.DeleteRange(nil, cf, codec.Key(10), codec.Key(15)))
	got := scan(t, s, cf, nil)
	require.Len(t, got, 15)
	_, ok := got[12]
	require.False(t, ok)
}

func TestTransaction(t *testing.T) {
	s := openMem(t, vfs.NewMem())
	defer s.Close()
	cf := s.DefaultColumnFamily()
	require.NoError(t, s.Put(nil, cf, codec.Key(3), []byte("old")))

	txn := s.BeginTransaction(nil)
	require.NoError(t, txn.Put(cf, codec.Key(1), []byte("one")))
	require.NoError(t, txn.Merge(cf, codec.Key(2), []byte("two")))
	require.NoError(t, txn.Delete(cf, codec.Key(3)))
	_, err := s.Get(nil, cf, codec.Key(1))
	require.True(t, errors.Is(err, store.ErrNotFound))
	require.NoError(t, txn.Commit())

	got := scan(t, s, cf, nil)
	require.Equal(t, map[int64]string{1: "one", 2: "two"}, got)

	txn = s.BeginTransaction(nil)
	require.NoError(t, txn.Put(cf, codec.Key(9), []byte("nine")))
	txn.Rollback()
	_, err = s.Get(nil, cf, codec.Key(9))
	require.True(t, errors.Is(err, store.ErrNotFound))
}

func TestIngestExternalFile(t *testing.T) {
	fs := vfs.NewMem()
	s := openMem(t, fs)
	defer s.Close()
	cf, err := s.CreateColumnFamily("ingest")
	require.NoError(t, err)
	require.NoError(t, s.Put(nil, cf, codec.Key(12), []byte("old")))

	path := "db/.0.sst"
	w, err := s.NewExternalFileWriter(cf, path)
	require.NoError(t, err)
	for k := int64(10); k < 20; k++ {
		require.NoError(t, w.Put(codec.Key(k), []byte("new")))
	}
	require.Error(t, w.Put(codec.Key(11), nil))
	require.NoError(t, w.Finish())
	require.NoError(t, s.IngestExternalFile(cf, []string{path}, store.IngestOptions{MoveFiles: true}))

	v, err := s.Get(nil, cf, codec.Key(12))
	require.NoError(t, err)
	require.Equal(t, []byte("new"), v)
	_, err = s.Get(nil, s.DefaultColumnFamily(), codec.Key(12))
	require.True(t, errors.Is(err, store.ErrNotFound))

	// Removing a file that no longer exists is not an error.
	require.NoError(t, s.RemoveFile(path))
}

func TestReopenReservesColumnFamilyIDs(t *testing.T) {
	fs := vfs.NewMem()
	s := openMem(t, fs)
	var last store.ColumnFamily
	for i := 0; i < 3; i++ {
		cf, err := s.CreateColumnFamily(string(rune('a' + i)))
		require.NoError(t, err)
		require.NoError(t, s.Put(nil, cf, codec.Key(1), []byte("v")))
		last = cf
	}
	require.NoError(t, s.Close())

	s = openMem(t, fs)
	defer s.Close()
	cf, err := s.CreateColumnFamily("a")
	require.NoError(t, err)
	require.Greater(t, cf.ID(), last.ID())
}
