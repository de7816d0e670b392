// Package codec maps stress-test key ids and value generations to the bytes
// written to the store.
//
// Keys are fixed-width big-endian so that the byte order of encoded keys is
// the numeric order of their ids. Iterator-based verification and prefix
// scan upper bounds depend on that property.
package codec

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
)

// KeySize is the width of an encoded key.
const KeySize = 8

// Key encodes key id k. k must be non-negative.
func Key(k int64) []byte {
	return AppendKey(make([]byte, 0, KeySize), k)
}

// AppendKey appends the encoding of k to dst.
func AppendKey(dst []byte, k int64) []byte {
	return binary.BigEndian.AppendUint64(dst, uint64(k))
}

// KeyToInt decodes an encoded key back to its id.
func KeyToInt(b []byte) (int64, error) {
	if len(b) != KeySize {
		return 0, errors.Newf("codec: key has length %d, want %d", len(b), KeySize)
	}
	v := binary.BigEndian.Uint64(b)
	if v > 1<<63-1 {
		return 0, errors.Newf("codec: key %x out of range", b)
	}
	return int64(v), nil
}

// NextPrefix returns the smallest byte string greater than every string with
// the given prefix. It returns false when no such string exists (the prefix
// is all 0xff).
func NextPrefix(prefix []byte) ([]byte, bool) {
	next := append([]byte(nil), prefix...)
	for i := len(next) - 1; i >= 0; i-- {
		if next[i] != 0xff {
			next[i]++
			return next[:i+1], true
		}
	}
	return nil, false
}

// PrefixSpan returns the half-open range of key ids whose encoding shares
// the first prefixSize bytes with Key(k). prefixSize must be in [1, KeySize].
func PrefixSpan(k int64, prefixSize int) (lo, hi int64) {
	bits := uint(8 * (KeySize - prefixSize))
	if bits >= 63 {
		return 0, 1<<63 - 1
	}
	width := int64(1) << bits
	lo = k &^ (width - 1)
	return lo, lo + width
}
