package store

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

var (
	// ErrInjectedReadError is returned when a read error is injected.
	ErrInjectedReadError = errors.New("store: injected read error")

	// ErrInjectedWriteError is returned when a write error is injected.
	ErrInjectedWriteError = errors.New("store: injected write error")
)

// FaultInjectionStore wraps a Store and injects failures into it.
//
// Write errors exercise the harness's fatal path. Dropped writes are
// acknowledged without being applied, which is the lost-write anomaly the
// verifier must catch.
type FaultInjectionStore struct {
	Store

	mu               sync.RWMutex
	injectReadError  bool
	injectWriteError bool
	dropWrites       bool
	failAfter        int64

	mutations atomic.Int64
}

// NewFaultInjectionStore wraps base.
func NewFaultInjectionStore(base Store) *FaultInjectionStore {
	return &FaultInjectionStore{Store: base}
}

// InjectReadError makes every subsequent read fail.
func (s *FaultInjectionStore) InjectReadError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.injectReadError = true
}

// InjectWriteError makes every subsequent mutation fail.
func (s *FaultInjectionStore) InjectWriteError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.injectWriteError = true
}

// FailWritesAfter lets n more mutations through and fails the rest.
func (s *FaultInjectionStore) FailWritesAfter(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAfter = s.mutations.Load() + n
}

// DropWrites makes Put and Merge report success without applying anything.
func (s *FaultInjectionStore) DropWrites() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropWrites = true
}

// ClearErrors disables all injection.
func (s *FaultInjectionStore) ClearErrors() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.injectReadError = false
	s.injectWriteError = false
	s.dropWrites = false
	s.failAfter = 0
}

// Mutations returns the number of mutations attempted through the wrapper.
func (s *FaultInjectionStore) Mutations() int64 { return s.mutations.Load() }

func (s *FaultInjectionStore) readErr() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.injectReadError {
		return ErrInjectedReadError
	}
	return nil
}

func (s *FaultInjectionStore) writeErr() error {
	n := s.mutations.Add(1)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.injectWriteError || (s.failAfter > 0 && n > s.failAfter) {
		return ErrInjectedWriteError
	}
	return nil
}

func (s *FaultInjectionStore) dropping() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dropWrites
}

// Get implements Store.
func (s *FaultInjectionStore) Get(ro *ReadOptions, cf ColumnFamily, key []byte) ([]byte, error) {
	if err := s.readErr(); err != nil {
		return nil, err
	}
	return s.Store.Get(ro, cf, key)
}

// MultiGet implements Store.
func (s *FaultInjectionStore) MultiGet(
	ro *ReadOptions, cf ColumnFamily, keys [][]byte,
) ([][]byte, []error) {
	if err := s.readErr(); err != nil {
		errs := make([]error, len(keys))
		for i := range errs {
			errs[i] = err
		}
		return make([][]byte, len(keys)), errs
	}
	return s.Store.MultiGet(ro, cf, keys)
}

// NewIterator implements Store.
func (s *FaultInjectionStore) NewIterator(ro *ReadOptions, cf ColumnFamily) (Iterator, error) {
	if err := s.readErr(); err != nil {
		return nil, err
	}
	return s.Store.NewIterator(ro, cf)
}

// Put implements Store.
func (s *FaultInjectionStore) Put(wo *WriteOptions, cf ColumnFamily, key, value []byte) error {
	if err := s.writeErr(); err != nil {
		return err
	}
	if s.dropping() {
		return nil
	}
	return s.Store.Put(wo, cf, key, value)
}

// Merge implements Store.
func (s *FaultInjectionStore) Merge(wo *WriteOptions, cf ColumnFamily, key, value []byte) error {
	if err := s.writeErr(); err != nil {
		return err
	}
	if s.dropping() {
		return nil
	}
	return s.Store.Merge(wo, cf, key, value)
}

// Delete implements Store.
func (s *FaultInjectionStore) Delete(wo *WriteOptions, cf ColumnFamily, key []byte) error {
	if err := s.writeErr(); err != nil {
		return err
	}
	return s.Store.Delete(wo, cf, key)
}

// SingleDelete implements Store.
func (s *FaultInjectionStore) SingleDelete(wo *WriteOptions, cf ColumnFamily, key []byte) error {
	if err := s.writeErr(); err != nil {
		return err
	}
	return s.Store.SingleDelete(wo, cf, key)
}

// DeleteRange implements Store.
func (s *FaultInjectionStore) DeleteRange(wo *WriteOptions, cf ColumnFamily, start, end []byte) error {
	if err := s.writeErr(); err != nil {
		return err
	}
	return s.Store.DeleteRange(wo, cf, start, end)
}

// BeginTransaction implements Store. Injected write errors surface on
// Commit.
func (s *FaultInjectionStore) BeginTransaction(wo *WriteOptions) Transaction {
	return &faultTxn{Transaction: s.Store.BeginTransaction(wo), s: s}
}

// IngestExternalFile implements Store.
func (s *FaultInjectionStore) IngestExternalFile(cf ColumnFamily, paths []string, opts IngestOptions) error {
	if err := s.writeErr(); err != nil {
		return err
	}
	return s.Store.IngestExternalFile(cf, paths, opts)
}

// CreateColumnFamily implements Store.
func (s *FaultInjectionStore) CreateColumnFamily(name string) (ColumnFamily, error) {
	if err := s.writeErr(); err != nil {
		return nil, err
	}
	return s.Store.CreateColumnFamily(name)
}

// DropColumnFamily implements Store.
func (s *FaultInjectionStore) DropColumnFamily(cf ColumnFamily) error {
	if err := s.writeErr(); err != nil {
		return err
	}
	return s.Store.DropColumnFamily(cf)
}

type faultTxn struct {
	Transaction
	s *FaultInjectionStore
}

func (t *faultTxn) Commit() error {
	if err := t.s.writeErr(); err != nil {
		t.Transaction.Rollback()
		return err
	}
	if t.s.dropping() {
		t.Transaction.Rollback()
		return nil
	}
	return t.Transaction.Commit()
}
