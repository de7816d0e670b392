package pebblestore

import (
	"io"

	"github.com/cockroachdb/pebble"
)

// LastOperandWins resolves merges to the newest operand, so a merged key
// reads exactly like a key that was Set to the same value.
var LastOperandWins = &pebble.Merger{
	Name: "dbstress.LastOperandWins",
	Merge: func(key, value []byte) (pebble.ValueMerger, error) {
		return &lastOperandMerger{newest: append([]byte(nil), value...)}, nil
	},
}

type lastOperandMerger struct {
	newest []byte
}

func (m *lastOperandMerger) MergeNewer(value []byte) error {
	m.newest = append(m.newest[:0], value...)
	return nil
}

func (m *lastOperandMerger) MergeOlder(value []byte) error { return nil }

func (m *lastOperandMerger) Finish(includesBase bool) ([]byte, io.Closer, error) {
	return m.newest, nil, nil
}
