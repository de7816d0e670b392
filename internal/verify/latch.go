package verify

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

// ErrVerificationFailed marks the error returned by a run whose failure
// latch was set.
var ErrVerificationFailed = errors.New("verification failed")

// Failure describes one consistency violation.
type Failure struct {
	CF  int
	Key int64
	Msg string
}

func (f Failure) String() string {
	return fmt.Sprintf("%s: column family %d, key %d", f.Msg, f.CF, f.Key)
}

// Latch is the process-wide failure flag. It is monotonic: once set it is
// never cleared, and the first failure recorded is the one reported.
// Failed is lock-free so workers can poll it on every operation.
type Latch struct {
	failed atomic.Bool

	mu    sync.Mutex
	first *Failure
	count int
}

// Set records f and raises the latch. It reports whether f was the first
// failure.
func (l *Latch) Set(f Failure) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.count++
	if l.first != nil {
		return false
	}
	l.first = &f
	l.failed.Store(true)
	return true
}

// Failed reports whether the latch is set.
func (l *Latch) Failed() bool {
	return l.failed.Load()
}

// First returns the first recorded failure.
func (l *Latch) First() (Failure, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.first == nil {
		return Failure{}, false
	}
	return *l.first, true
}

// Count returns how many failures were reported, including those after the
// first.
func (l *Latch) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Err returns nil if the latch is clear, otherwise an error describing the
// first failure and marked with ErrVerificationFailed.
func (l *Latch) Err() error {
	f, ok := l.First()
	if !ok {
		return nil
	}
	return errors.Mark(errors.Newf("verification failed: %s", f), ErrVerificationFailed)
}
