// Package memstore is an in-memory store.Store.
//
// Each column family is a copy-on-write B-tree. Mutations run under a
// store-wide lock; iterators read a lazily cloned snapshot, so they never
// block writers and see a consistent view. Merge is last-operand-wins.
package memstore

import (
	"bytes"
	"os"
	"sync"
	"sync/atomic"

	"github.com/aalhour/dbstress/internal/compression"
	"github.com/aalhour/dbstress/internal/logging"
	"github.com/aalhour/dbstress/internal/sstfile"
	"github.com/aalhour/dbstress/internal/store"
	"github.com/cockroachdb/errors"
	"github.com/google/btree"
)

const btreeDegree = 16

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("memstore: closed")

// Options configure a Store.
type Options struct {
	// StagingCompression is used by external file writers.
	StagingCompression compression.Type
	Logger             logging.Logger
}

type item struct {
	key, value []byte
}

func itemLess(a, b item) bool { return bytes.Compare(a.key, b.key) < 0 }

type family struct {
	id      uint32
	name    string
	dropped atomic.Bool
	tree    *btree.BTreeG[item]
}

func (f *family) ID() uint32   { return f.id }
func (f *family) Name() string { return f.name }

// Store is an in-memory store.Store.
type Store struct {
	opts Options

	mu       sync.RWMutex
	families map[uint32]*family
	byName   map[string]*family
	nextID   uint32
	closed   bool
}

var _ store.Store = (*Store)(nil)

// Open returns an empty store holding only the default column family.
func Open(opts Options) *Store {
	opts.Logger = logging.OrDefault(opts.Logger)
	s := &Store{
		opts:     opts,
		families: map[uint32]*family{},
		byName:   map[string]*family{},
	}
	s.addFamilyLocked("default")
	return s
}

func (s *Store) addFamilyLocked(name string) *family {
	f := &family{id: s.nextID, name: name, tree: btree.NewG(btreeDegree, itemLess)}
	s.nextID++
	s.families[f.id] = f
	s.byName[name] = f
	return f
}

// familyLocked resolves a handle. s.mu must be held.
func (s *Store) familyLocked(cf store.ColumnFamily) (*family, error) {
	if s.closed {
		return nil, ErrClosed
	}
	f, ok := cf.(*family)
	if !ok || f == nil {
		return nil, errors.AssertionFailedf("memstore: foreign column family handle %T", cf)
	}
	if f.dropped.Load() || s.families[f.id] != f {
		return nil, errors.Wrapf(store.ErrColumnFamilyDropped, "memstore: column family %q (id %d)", f.name, f.id)
	}
	return f, nil
}

func clone(b []byte) []byte { return append([]byte(nil), b...) }

// Get implements store.Store.
func (s *Store) Get(_ *store.ReadOptions, cf store.ColumnFamily, key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, err := s.familyLocked(cf)
	if err != nil {
		return nil, err
	}
	it, ok := f.tree.Get(item{key: key})
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(it.value), nil
}

// MultiGet implements store.Store. All keys are read from the same state.
func (s *Store) MultiGet(_ *store.ReadOptions, cf store.ColumnFamily, keys [][]byte) ([][]byte, []error) {
	values := make([][]byte, len(keys))
	errs := make([]error, len(keys))
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, err := s.familyLocked(cf)
	for i, k := range keys {
		if err != nil {
			errs[i] = err
			continue
		}
		if it, ok := f.tree.Get(item{key: k}); ok {
			values[i] = clone(it.value)
		} else {
			errs[i] = store.ErrNotFound
		}
	}
	return values, errs
}

// NewIterator implements store.Store.
func (s *Store) NewIterator(ro *store.ReadOptions, cf store.ColumnFamily) (store.Iterator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.familyLocked(cf)
	if err != nil {
		return nil, err
	}
	it := &iterator{tree: f.tree.Clone()}
	if ro != nil && ro.UpperBound != nil {
		it.upper = clone(ro.UpperBound)
	}
	return it, nil
}

func (s *Store) mutate(cf store.ColumnFamily, fn func(f *family)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.familyLocked(cf)
	if err != nil {
		return err
	}
	fn(f)
	return nil
}

// Put implements store.Store.
func (s *Store) Put(_ *store.WriteOptions, cf store.ColumnFamily, key, value []byte) error {
	return s.mutate(cf, func(f *family) {
		f.tree.ReplaceOrInsert(item{key: clone(key), value: clone(value)})
	})
}

// Merge implements store.Store with last-operand-wins semantics.
func (s *Store) Merge(wo *store.WriteOptions, cf store.ColumnFamily, key, value []byte) error {
	return s.Put(wo, cf, key, value)
}

// Delete implements store.Store.
func (s *Store) Delete(_ *store.WriteOptions, cf store.ColumnFamily, key []byte) error {
	return s.mutate(cf, func(f *family) {
		f.tree.Delete(item{key: key})
	})
}

// SingleDelete implements store.Store.
func (s *Store) SingleDelete(wo *store.WriteOptions, cf store.ColumnFamily, key []byte) error {
	return s.Delete(wo, cf, key)
}

// DeleteRange implements store.Store.
func (s *Store) DeleteRange(_ *store.WriteOptions, cf store.ColumnFamily, start, end []byte) error {
	if bytes.Compare(start, end) >= 0 {
		return errors.Newf("memstore: empty range [%x, %x)", start, end)
	}
	return s.mutate(cf, func(f *family) {
		var doomed []item
		f.tree.AscendRange(item{key: start}, item{key: end}, func(it item) bool {
			doomed = append(doomed, it)
			return true
		})
		for _, it := range doomed {
			f.tree.Delete(it)
		}
	})
}

// DefaultColumnFamily implements store.Store.
func (s *Store) DefaultColumnFamily() store.ColumnFamily {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.families[0]
}

// CreateColumnFamily implements store.Store. IDs are never reused.
func (s *Store) CreateColumnFamily(name string) (store.ColumnFamily, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if _, ok := s.byName[name]; ok {
		return nil, errors.Newf("memstore: column family %q already exists", name)
	}
	f := s.addFamilyLocked(name)
	s.opts.Logger.Debugf("%screated column family %q (id %d)", logging.NSStore, name, f.id)
	return f, nil
}

// DropColumnFamily implements store.Store. The default family cannot be
// dropped.
func (s *Store) DropColumnFamily(cf store.ColumnFamily) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.familyLocked(cf)
	if err != nil {
		return err
	}
	if f.id == 0 {
		return errors.New("memstore: cannot drop the default column family")
	}
	f.dropped.Store(true)
	delete(s.families, f.id)
	delete(s.byName, f.name)
	s.opts.Logger.Debugf("%sdropped column family %q (id %d)", logging.NSStore, f.name, f.id)
	return nil
}

// BeginTransaction implements store.Store.
func (s *Store) BeginTransaction(_ *store.WriteOptions) store.Transaction {
	return &txn{s: s}
}

// NewExternalFileWriter implements store.Store.
func (s *Store) NewExternalFileWriter(cf store.ColumnFamily, path string) (store.ExternalFileWriter, error) {
	s.mu.RLock()
	_, err := s.familyLocked(cf)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "memstore: create %s", path)
	}
	return &fileWriter{
		f: f,
		w: sstfile.NewWriter(f, sstfile.WriterOptions{Compression: s.opts.StagingCompression}),
	}, nil
}

// IngestExternalFile implements store.Store. Entries of all files are
// applied at once; with MoveFiles the files are removed afterwards.
func (s *Store) IngestExternalFile(cf store.ColumnFamily, paths []string, opts store.IngestOptions) error {
	var all []sstfile.Entry
	for _, p := range paths {
		entries, _, err := sstfile.ReadFile(p)
		if err != nil {
			return errors.Wrap(err, "memstore: ingest")
		}
		all = append(all, entries...)
	}
	if err := s.mutate(cf, func(f *family) {
		for _, e := range all {
			f.tree.ReplaceOrInsert(item{key: e.Key, value: e.Value})
		}
	}); err != nil {
		return err
	}
	s.opts.Logger.Debugf("%singested %d entries from %d files", logging.NSIngest, len(all), len(paths))
	if opts.MoveFiles {
		for _, p := range paths {
			if err := s.RemoveFile(p); err != nil {
				return err
			}
		}
	}
	return nil
}

// RemoveFile implements store.Store.
func (s *Store) RemoveFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "memstore: remove %s", path)
	}
	return nil
}

// Close implements store.Store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	return nil
}

type fileWriter struct {
	f *os.File
	w *sstfile.Writer
}

func (fw *fileWriter) Put(key, value []byte) error {
	return fw.w.Add(key, value)
}

func (fw *fileWriter) Finish() error {
	if err := fw.w.Finish(); err != nil {
		_ = fw.f.Close()
		return err
	}
	if err := fw.f.Sync(); err != nil {
		_ = fw.f.Close()
		return errors.Wrap(err, "memstore: sync staging file")
	}
	return errors.Wrap(fw.f.Close(), "memstore: close staging file")
}

func (fw *fileWriter) Abandon() {
	fw.w.Abandon()
	_ = fw.f.Close()
	_ = os.Remove(fw.f.Name())
}
