// Package pebblestore adapts a Pebble database to store.Store.
//
// Pebble has a single key space, so column families are emulated: every key
// is stored behind a 4-byte big-endian column family id. Dropping a family
// range-deletes its id prefix, and ids are never reused within a process,
// so a recreated family never observes its predecessor's data.
package pebblestore

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"sync"

	"github.com/aalhour/dbstress/internal/logging"
	"github.com/aalhour/dbstress/internal/store"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

const cfPrefixLen = 4

// Options configure Open.
type Options struct {
	// FS defaults to vfs.Default. Tests use vfs.NewMem().
	FS vfs.FS
	// DisableWAL turns off Pebble's write-ahead log for the whole database.
	DisableWAL bool
	// MemTableSize overrides Pebble's default when non-zero.
	MemTableSize uint64
	// LogEvents logs Pebble's flush, compaction and ingest events at DEBUG.
	LogEvents bool
	Logger    logging.Logger
}

type columnFamily struct {
	id     uint32
	name   string
	prefix [cfPrefixLen]byte
}

func (c *columnFamily) ID() uint32   { return c.id }
func (c *columnFamily) Name() string { return c.name }

func newColumnFamily(id uint32, name string) *columnFamily {
	c := &columnFamily{id: id, name: name}
	binary.BigEndian.PutUint32(c.prefix[:], id)
	return c
}

// Store is a store.Store backed by Pebble.
type Store struct {
	db     *pebble.DB
	dir    string
	opts   *pebble.Options
	logger logging.Logger

	mu       sync.RWMutex
	families map[uint32]*columnFamily
	byName   map[string]*columnFamily
	nextID   uint32
}

var _ store.Store = (*Store)(nil)

// Open opens (creating if needed) a Pebble database in dir.
func Open(dir string, o Options) (*Store, error) {
	logger := logging.OrDefault(o.Logger)
	popts := &pebble.Options{
		FS:                 o.FS,
		DisableWAL:         o.DisableWAL,
		Merger:             LastOperandWins,
		Logger:             pebbleLogger{logger},
		FormatMajorVersion: pebble.FormatNewest,
	}
	if o.MemTableSize > 0 {
		popts.MemTableSize = o.MemTableSize
	}
	if o.LogEvents {
		el := pebble.MakeLoggingEventListener(pebbleLogger{logger})
		popts.EventListener = &el
	}
	popts = popts.EnsureDefaults()

	db, err := pebble.Open(dir, popts)
	if err != nil {
		return nil, errors.Wrapf(err, "pebblestore: open %s", dir)
	}
	s := &Store{
		db:       db,
		dir:      dir,
		opts:     popts,
		logger:   logger,
		families: map[uint32]*columnFamily{},
		byName:   map[string]*columnFamily{},
	}
	// Families left behind by an earlier run keep their ids reserved.
	s.nextID, err = s.highestPrefix()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	def := newColumnFamily(0, "default")
	s.families[0], s.byName[def.name] = def, def
	if s.nextID == 0 {
		s.nextID = 1
	}
	return s, nil
}

func (s *Store) highestPrefix() (uint32, error) {
	it, err := s.db.NewIter(nil)
	if err != nil {
		return 0, errors.Wrap(err, "pebblestore: scan column families")
	}
	defer it.Close()
	if !it.Last() {
		return 0, errors.Wrap(it.Error(), "pebblestore: scan column families")
	}
	if len(it.Key()) < cfPrefixLen {
		return 0, errors.Newf("pebblestore: key %x has no column family prefix", it.Key())
	}
	id := binary.BigEndian.Uint32(it.Key())
	if id == math.MaxUint32 {
		return 0, errors.New("pebblestore: column family ids exhausted")
	}
	return id + 1, nil
}

// DB exposes the underlying database.
func (s *Store) DB() *pebble.DB { return s.db }

func (s *Store) family(cf store.ColumnFamily) (*columnFamily, error) {
	c, ok := cf.(*columnFamily)
	if !ok || c == nil {
		return nil, errors.AssertionFailedf("pebblestore: foreign column family handle %T", cf)
	}
	s.mu.RLock()
	live := s.families[c.id] == c
	s.mu.RUnlock()
	if !live {
		return nil, errors.Wrapf(store.ErrColumnFamilyDropped, "pebblestore: column family %q (id %d)", c.name, c.id)
	}
	return c, nil
}

func (c *columnFamily) key(k []byte) []byte {
	b := make([]byte, 0, cfPrefixLen+len(k))
	b = append(b, c.prefix[:]...)
	return append(b, k...)
}

// bounds returns the key span of the family.
func (c *columnFamily) bounds() (lo, hi []byte) {
	lo = c.prefix[:]
	hi = binary.BigEndian.AppendUint32(nil, c.id+1)
	if c.id == math.MaxUint32 {
		hi = []byte{0xff, 0xff, 0xff, 0xff, 0xff}
	}
	return lo, hi
}

func writeOpts(wo *store.WriteOptions) *pebble.WriteOptions {
	if wo != nil && wo.Sync {
		return pebble.Sync
	}
	return pebble.NoSync
}

func getValue(v []byte, closer io.Closer, err error) ([]byte, error) {
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	out := append([]byte(nil), v...)
	return out, closer.Close()
}

// Get implements store.Store.
func (s *Store) Get(_ *store.ReadOptions, cf store.ColumnFamily, key []byte) ([]byte, error) {
	c, err := s.family(cf)
	if err != nil {
		return nil, err
	}
	return getValue(s.db.Get(c.key(key)))
}

// MultiGet implements store.Store. All keys are read from one snapshot.
func (s *Store) MultiGet(_ *store.ReadOptions, cf store.ColumnFamily, keys [][]byte) ([][]byte, []error) {
	values := make([][]byte, len(keys))
	errs := make([]error, len(keys))
	c, err := s.family(cf)
	if err != nil {
		for i := range errs {
			errs[i] = err
		}
		return values, errs
	}
	snap := s.db.NewSnapshot()
	defer snap.Close()
	for i, k := range keys {
		values[i], errs[i] = getValue(snap.Get(c.key(k)))
	}
	return values, errs
}

// NewIterator implements store.Store.
func (s *Store) NewIterator(ro *store.ReadOptions, cf store.ColumnFamily) (store.Iterator, error) {
	c, err := s.family(cf)
	if err != nil {
		return nil, err
	}
	lo, hi := c.bounds()
	if ro != nil && ro.UpperBound != nil {
		hi = c.key(ro.UpperBound)
	}
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return nil, errors.Wrap(err, "pebblestore: new iterator")
	}
	return &iterator{it: it, cf: c}, nil
}

// Put implements store.Store.
func (s *Store) Put(wo *store.WriteOptions, cf store.ColumnFamily, key, value []byte) error {
	c, err := s.family(cf)
	if err != nil {
		return err
	}
	return s.db.Set(c.key(key), value, writeOpts(wo))
}

// Merge implements store.Store through the LastOperandWins merger.
func (s *Store) Merge(wo *store.WriteOptions, cf store.ColumnFamily, key, value []byte) error {
	c, err := s.family(cf)
	if err != nil {
		return err
	}
	return s.db.Merge(c.key(key), value, writeOpts(wo))
}

// Delete implements store.Store.
func (s *Store) Delete(wo *store.WriteOptions, cf store.ColumnFamily, key []byte) error {
	c, err := s.family(cf)
	if err != nil {
		return err
	}
	return s.db.Delete(c.key(key), writeOpts(wo))
}

// SingleDelete implements store.Store.
func (s *Store) SingleDelete(wo *store.WriteOptions, cf store.ColumnFamily, key []byte) error {
	c, err := s.family(cf)
	if err != nil {
		return err
	}
	return s.db.SingleDelete(c.key(key), writeOpts(wo))
}

// DeleteRange implements store.Store.
func (s *Store) DeleteRange(wo *store.WriteOptions, cf store.ColumnFamily, start, end []byte) error {
	c, err := s.family(cf)
	if err != nil {
		return err
	}
	if bytes.Compare(start, end) >= 0 {
		return errors.Newf("pebblestore: empty range [%x, %x)", start, end)
	}
	return s.db.DeleteRange(c.key(start), c.key(end), writeOpts(wo))
}

// DefaultColumnFamily implements store.Store.
func (s *Store) DefaultColumnFamily() store.ColumnFamily {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.families[0]
}

// CreateColumnFamily implements store.Store.
func (s *Store) CreateColumnFamily(name string) (store.ColumnFamily, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byName[name]; ok {
		return nil, errors.Newf("pebblestore: column family %q already exists", name)
	}
	if s.nextID == math.MaxUint32 {
		return nil, errors.New("pebblestore: column family ids exhausted")
	}
	c := newColumnFamily(s.nextID, name)
	s.nextID++
	s.families[c.id], s.byName[name] = c, c
	s.logger.Debugf("%screated column family %q (id %d)", logging.NSStore, name, c.id)
	return c, nil
}

// DropColumnFamily implements store.Store. The family's keys are removed
// with a single range deletion.
func (s *Store) DropColumnFamily(cf store.ColumnFamily) error {
	c, err := s.family(cf)
	if err != nil {
		return err
	}
	if c.id == 0 {
		return errors.New("pebblestore: cannot drop the default column family")
	}
	s.mu.Lock()
	delete(s.families, c.id)
	delete(s.byName, c.name)
	s.mu.Unlock()

	lo, hi := c.bounds()
	if err := s.db.DeleteRange(lo, hi, pebble.NoSync); err != nil {
		return errors.Wrapf(err, "pebblestore: drop column family %q", c.name)
	}
	s.logger.Debugf("%sdropped column family %q (id %d)", logging.NSStore, c.name, c.id)
	return nil
}

// BeginTransaction implements store.Store with a Pebble batch.
func (s *Store) BeginTransaction(wo *store.WriteOptions) store.Transaction {
	return &txn{s: s, b: s.db.NewBatch(), wo: writeOpts(wo)}
}

// RemoveFile implements store.Store.
func (s *Store) RemoveFile(path string) error {
	if err := s.opts.FS.Remove(path); err != nil && !oserror.IsNotExist(err) {
		return errors.Wrapf(err, "pebblestore: remove %s", path)
	}
	return nil
}

// Close implements store.Store.
func (s *Store) Close() error {
	return s.db.Close()
}

type iterator struct {
	it *pebble.Iterator
	cf *columnFamily
}

func (i *iterator) Seek(key []byte) { i.it.SeekGE(i.cf.key(key)) }
func (i *iterator) Valid() bool     { return i.it.Valid() }
func (i *iterator) Key() []byte     { return i.it.Key()[cfPrefixLen:] }
func (i *iterator) Value() []byte   { return i.it.Value() }
func (i *iterator) Next()           { i.it.Next() }
func (i *iterator) Error() error    { return i.it.Error() }
func (i *iterator) Close() error    { return i.it.Close() }

type txn struct {
	s    *Store
	b    *pebble.Batch
	wo   *pebble.WriteOptions
	done bool
}

func (t *txn) apply(cf store.ColumnFamily, fn func(c *columnFamily) error) error {
	if t.done {
		return errors.New("pebblestore: transaction already finished")
	}
	c, err := t.s.family(cf)
	if err != nil {
		return err
	}
	return fn(c)
}

func (t *txn) Put(cf store.ColumnFamily, key, value []byte) error {
	return t.apply(cf, func(c *columnFamily) error { return t.b.Set(c.key(key), value, nil) })
}

func (t *txn) Merge(cf store.ColumnFamily, key, value []byte) error {
	return t.apply(cf, func(c *columnFamily) error { return t.b.Merge(c.key(key), value, nil) })
}

func (t *txn) Delete(cf store.ColumnFamily, key []byte) error {
	return t.apply(cf, func(c *columnFamily) error { return t.b.Delete(c.key(key), nil) })
}

func (t *txn) SingleDelete(cf store.ColumnFamily, key []byte) error {
	return t.apply(cf, func(c *columnFamily) error { return t.b.SingleDelete(c.key(key), nil) })
}

func (t *txn) Commit() error {
	if t.done {
		return errors.New("pebblestore: transaction already finished")
	}
	t.done = true
	err := t.b.Commit(t.wo)
	return errors.CombineErrors(err, t.b.Close())
}

func (t *txn) Rollback() {
	if t.done {
		return
	}
	t.done = true
	_ = t.b.Close()
}
