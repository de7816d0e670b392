package stress

import (
	"context"

	"github.com/aalhour/dbstress/internal/oracle"
)

// TestOps is the set of operations the driver issues. Implementations
// differ in how they group store calls.
//
// Every Test method is called with lock holding the shard of (cf, keys[0])
// when ShouldAcquireMutexOnKey is true, and nil otherwise. A method may
// move or extend the lock; the driver releases it afterwards. Returned
// errors marked with ErrFatal end the run; any other error has already been
// counted and is ignored.
type TestOps interface {
	TestGet(t *ThreadState, cf int, keys []int64, lock *oracle.KeyLock) error
	TestMultiGet(t *ThreadState, cf int, keys []int64, lock *oracle.KeyLock) error
	TestPrefixScan(t *ThreadState, cf int, keys []int64, lock *oracle.KeyLock) error
	TestPut(t *ThreadState, cf int, keys []int64, lock *oracle.KeyLock) error
	TestDelete(t *ThreadState, cf int, keys []int64, lock *oracle.KeyLock) error
	TestDeleteRange(t *ThreadState, cf int, keys []int64, lock *oracle.KeyLock) error
	TestIngestExternalFile(t *ThreadState, cf int, keys []int64, lock *oracle.KeyLock) error

	// VerifyDb checks the thread's slice of the key space in every column
	// family. It must only run while no mutation is in flight, and stops
	// between column families once ctx is done.
	VerifyDb(ctx context.Context, t *ThreadState) error

	// MaybeClearOneColumnFamily occasionally drops and recreates a column
	// family. It is called while the thread holds no lock.
	MaybeClearOneColumnFamily(t *ThreadState) error

	ShouldAcquireMutexOnKey() bool
}
