package memstore

import (
	"bytes"

	"github.com/google/btree"
)

const iterBatch = 64

// iterator walks a cloned tree in batches, refilling from the last key it
// returned.
type iterator struct {
	tree  *btree.BTreeG[item]
	upper []byte

	batch []item
	pos   int
	// exhausted is set when the last fill reached the end of the tree.
	exhausted bool
	closed    bool
}

func (it *iterator) fill(from []byte, inclusive bool) {
	it.batch = it.batch[:0]
	it.pos = 0
	it.exhausted = true
	it.tree.AscendGreaterOrEqual(item{key: from}, func(x item) bool {
		if !inclusive && bytes.Equal(x.key, from) {
			return true
		}
		if it.upper != nil && bytes.Compare(x.key, it.upper) >= 0 {
			return false
		}
		if len(it.batch) == iterBatch {
			it.exhausted = false
			return false
		}
		it.batch = append(it.batch, x)
		return true
	})
}

func (it *iterator) Seek(key []byte) {
	it.fill(key, true)
}

func (it *iterator) Valid() bool {
	return !it.closed && it.pos < len(it.batch)
}

func (it *iterator) Key() []byte { return it.batch[it.pos].key }

func (it *iterator) Value() []byte { return it.batch[it.pos].value }

func (it *iterator) Next() {
	if !it.Valid() {
		return
	}
	it.pos++
	if it.pos == len(it.batch) && !it.exhausted {
		last := it.batch[len(it.batch)-1].key
		it.fill(last, false)
	}
}

func (it *iterator) Error() error { return nil }

func (it *iterator) Close() error {
	it.closed = true
	it.tree = nil
	it.batch = nil
	return nil
}
