// Package verify compares what the store returns against the oracle.
//
// A mismatch sets the shared Latch with a diagnostic; every worker polls the
// latch and stops issuing operations once it is set. Keys whose oracle entry
// is unknown or pending are never judged, so a read racing with a write
// cannot produce a false positive.
package verify

import (
	"bytes"

	"github.com/aalhour/dbstress/internal/codec"
	"github.com/aalhour/dbstress/internal/logging"
	"github.com/aalhour/dbstress/internal/oracle"
	"github.com/aalhour/dbstress/internal/store"
)

// Diagnostic messages.
const (
	MsgUnexpectedValue = "unexpected value found"
	MsgLengthMismatch  = "length mismatch"
	MsgContentMismatch = "content mismatch"
	MsgValueNotFound   = "value not found"
	MsgOutOfRangeKey   = "an out of range key was found"
)

// Verifier judges store responses against an ExpectedState.
type Verifier struct {
	Oracle *oracle.ExpectedState
	Codec  codec.ValueCodec
	Latch  *Latch
	Logger logging.Logger
}

// New returns a Verifier sharing latch.
func New(es *oracle.ExpectedState, vc codec.ValueCodec, latch *Latch, logger logging.Logger) *Verifier {
	return &Verifier{
		Oracle: es,
		Codec:  vc,
		Latch:  latch,
		Logger: logging.OrDefault(logger),
	}
}

// Abort sets the failure latch for (cf, key) and logs the diagnostic.
func (v *Verifier) Abort(cf int, key int64, msg string) {
	f := Failure{CF: cf, Key: key, Msg: msg}
	if v.Latch.Set(f) {
		v.Logger.Errorf("%sVerification failed: %s", logging.NSVerify, f)
	} else {
		v.Logger.Debugf("%sadditional failure: %s", logging.NSVerify, f)
	}
}

// VerifyValue checks a read of (cf, key) that returned dbValue with status.
// status is nil for found, store.ErrNotFound for absent, anything else for
// a failed read. When strict is false a key expected to be deleted is not
// checked.
//
// It returns true without checking anything once the latch is set: the run
// is already failing and further diagnostics would only be noise.
func (v *Verifier) VerifyValue(cf int, key int64, dbValue []byte, status error, strict bool) bool {
	if v.Latch.Failed() {
		return true
	}
	gen := v.Oracle.Get(cf, key)
	if gen == oracle.UnknownSentinel {
		return true
	}
	if gen == oracle.DeletionSentinel && !strict {
		return true
	}

	if status == nil {
		if gen == oracle.DeletionSentinel {
			v.Abort(cf, key, MsgUnexpectedValue)
			return false
		}
		want := v.Codec.Generate(gen, codec.MaxValueLen)
		if len(dbValue) != len(want) {
			v.Abort(cf, key, MsgLengthMismatch)
			return false
		}
		if !bytes.Equal(dbValue, want) {
			v.Abort(cf, key, MsgContentMismatch)
			return false
		}
		return true
	}
	if gen != oracle.DeletionSentinel {
		v.Abort(cf, key, MsgValueNotFound+": "+status.Error())
		return false
	}
	return true
}

// VerifyWithIterator strictly verifies keys [lo, hi) of cf by walking it
// forward. The iterator is re-seeked whenever the key crosses into a new
// prefix of prefixSize bytes. It returns the number of keys the iterator
// produced within the range.
func (v *Verifier) VerifyWithIterator(cf int, it store.Iterator, lo, hi int64, prefixSize int) int {
	if prefixSize <= 0 || prefixSize > codec.KeySize {
		prefixSize = 1
	}
	var reseekMask int64 = -1
	if bits := uint(8 * (codec.KeySize - prefixSize)); bits < 63 {
		reseekMask = int64(1)<<bits - 1
	}
	var kbuf [codec.KeySize]byte

	seen := 0
	it.Seek(codec.AppendKey(kbuf[:0], lo))
	for i := lo; i < hi; i++ {
		if v.Latch.Failed() {
			break
		}
		k := codec.AppendKey(kbuf[:0], i)
		if i != lo && reseekMask >= 0 && i&reseekMask == 0 {
			it.Seek(k)
		}

		status := it.Error()
		var dbValue []byte
		if status == nil {
			status = store.ErrNotFound
			if it.Valid() {
				switch c := bytes.Compare(it.Key(), k); {
				case c > 0:
					// Key i is absent; leave the iterator where it is.
				case c == 0:
					dbValue = append([]byte(nil), it.Value()...)
					status = nil
					seen++
					it.Next()
				default:
					v.Abort(cf, i, MsgOutOfRangeKey)
				}
			}
		}
		v.VerifyValue(cf, i, dbValue, status, true)
		if dbValue != nil {
			v.Logger.Debugf("%s[CF %d] %d => %x", logging.NSVerify, cf, i, dbValue)
		}
	}
	return seen
}

// Getter is the point-read surface VerifyWithGet needs.
type Getter func(key []byte) ([]byte, error)

// VerifyWithGet strictly verifies keys [lo, hi) of cf with point reads. It
// returns the number of keys found.
func (v *Verifier) VerifyWithGet(cf int, get Getter, lo, hi int64) int {
	found := 0
	for i := lo; i < hi; i++ {
		if v.Latch.Failed() {
			break
		}
		dbValue, status := get(codec.Key(i))
		if status == nil {
			found++
			v.Logger.Debugf("%s[CF %d] %d => %x", logging.NSVerify, cf, i, dbValue)
		}
		v.VerifyValue(cf, i, dbValue, status, true)
	}
	return found
}

// ThreadRange returns the slice [lo, hi) of [0, maxKey) owned by verifying
// thread tid of n. The last thread takes the remainder.
func ThreadRange(tid, n int, maxKey int64) (lo, hi int64) {
	if n <= 0 {
		return 0, maxKey
	}
	per := maxKey / int64(n)
	lo = per * int64(tid)
	hi = lo + per
	if tid == n-1 {
		hi = maxKey
	}
	return lo, hi
}
