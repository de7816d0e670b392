package memstore

import (
	"github.com/aalhour/dbstress/internal/store"
	"github.com/cockroachdb/errors"
)

type opKind int

const (
	opPut opKind = iota
	opDelete
)

type txnOp struct {
	kind       opKind
	cf         store.ColumnFamily
	key, value []byte
}

// txn buffers mutations and applies them under one store lock on Commit.
type txn struct {
	s    *Store
	ops  []txnOp
	done bool
}

func (t *txn) add(kind opKind, cf store.ColumnFamily, key, value []byte) error {
	if t.done {
		return errors.New("memstore: transaction already finished")
	}
	t.ops = append(t.ops, txnOp{kind: kind, cf: cf, key: clone(key), value: clone(value)})
	return nil
}

func (t *txn) Put(cf store.ColumnFamily, key, value []byte) error {
	return t.add(opPut, cf, key, value)
}

func (t *txn) Merge(cf store.ColumnFamily, key, value []byte) error {
	return t.add(opPut, cf, key, value)
}

func (t *txn) Delete(cf store.ColumnFamily, key []byte) error {
	return t.add(opDelete, cf, key, nil)
}

func (t *txn) SingleDelete(cf store.ColumnFamily, key []byte) error {
	return t.add(opDelete, cf, key, nil)
}

// Commit applies every buffered mutation or none of them.
func (t *txn) Commit() error {
	if t.done {
		return errors.New("memstore: transaction already finished")
	}
	t.done = true
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	fams := make([]*family, len(t.ops))
	for i, op := range t.ops {
		f, err := s.familyLocked(op.cf)
		if err != nil {
			return errors.Wrap(err, "memstore: commit")
		}
		fams[i] = f
	}
	for i, op := range t.ops {
		switch op.kind {
		case opPut:
			fams[i].tree.ReplaceOrInsert(item{key: op.key, value: op.value})
		case opDelete:
			fams[i].tree.Delete(item{key: op.key})
		}
	}
	return nil
}

func (t *txn) Rollback() {
	t.done = true
	t.ops = nil
}
