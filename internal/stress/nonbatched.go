package stress

import (
	"context"
	"strconv"
	"time"

	"github.com/aalhour/dbstress/internal/codec"
	"github.com/aalhour/dbstress/internal/logging"
	"github.com/aalhour/dbstress/internal/oracle"
	"github.com/aalhour/dbstress/internal/stats"
	"github.com/aalhour/dbstress/internal/store"
	"github.com/aalhour/dbstress/internal/verify"
	"github.com/cockroachdb/errors"
)

// NonBatchedOps issues one store call per logical operation and verifies
// every read under the key's lock, so reads are checked strictly.
type NonBatchedOps struct{}

var _ TestOps = NonBatchedOps{}

// ShouldAcquireMutexOnKey implements TestOps.
func (NonBatchedOps) ShouldAcquireMutexOnKey() bool { return true }

// readFailed counts and logs a failed read. It returns false for found and
// not-found statuses.
func (s *SharedState) readFailed(op stats.Op, cf int, err error) bool {
	if store.Classify(err) != store.Failed {
		return false
	}
	s.Stats.Errors.Add(1)
	s.Logger.Warnf("%s[CF %d] %s error: %v", logging.NSDriver, cf, op, err)
	return true
}

// TestGet implements TestOps.
func (NonBatchedOps) TestGet(t *ThreadState, cf int, keys []int64, lock *oracle.KeyLock) error {
	s := t.Shared
	key := keys[0]

	start := time.Now()
	v, err := s.Store.Get(s.readOpts, s.ColumnFamily(cf), codec.Key(key))
	s.Stats.Record(stats.OpGet, time.Since(start))
	s.Stats.Gets.Add(1)

	if s.readFailed(stats.OpGet, cf, err) {
		return err
	}
	if err == nil {
		s.Stats.GetsFound.Add(1)
	} else {
		s.Stats.GetsNotFound.Add(1)
	}
	if lock.Covers(key) {
		s.Verifier.VerifyValue(cf, key, v, err, true)
	}
	return nil
}

// TestMultiGet implements TestOps. It reads keys[0] plus random keys up to
// the batch size, holding every shard involved.
func (NonBatchedOps) TestMultiGet(t *ThreadState, cf int, keys []int64, lock *oracle.KeyLock) error {
	s := t.Shared
	batch := make([]int64, 0, s.Config.MultiGetBatch)
	batch = append(batch, keys...)
	for len(batch) < s.Config.MultiGetBatch {
		batch = append(batch, t.randomKey())
	}
	lock.RelockKeys(cf, batch)

	enc := make([][]byte, len(batch))
	for i, k := range batch {
		enc[i] = codec.Key(k)
	}

	start := time.Now()
	vals, errs := s.Store.MultiGet(s.readOpts, s.ColumnFamily(cf), enc)
	s.Stats.Record(stats.OpMultiGet, time.Since(start))
	s.Stats.MultiGets.Add(1)
	s.Stats.MultiGetKeys.Add(uint64(len(batch)))

	var firstErr error
	for i, k := range batch {
		if s.readFailed(stats.OpMultiGet, cf, errs[i]) {
			if firstErr == nil {
				firstErr = errs[i]
			}
			continue
		}
		if errs[i] == nil {
			s.Stats.GetsFound.Add(1)
		} else {
			s.Stats.GetsNotFound.Add(1)
		}
		s.Verifier.VerifyValue(cf, k, vals[i], errs[i], true)
	}
	return firstErr
}

// TestPrefixScan implements TestOps. It locks the whole prefix span of
// keys[0] and walks it with an iterator, verifying every key.
func (NonBatchedOps) TestPrefixScan(t *ThreadState, cf int, keys []int64, lock *oracle.KeyLock) error {
	s := t.Shared
	key := keys[0]
	lo, hi := codec.PrefixSpan(key, s.Config.PrefixSize)
	hi = min(hi, s.Config.MaxKey)
	lock.RelockRange(cf, lo, hi)

	ro := &store.ReadOptions{}
	if t.Rand.IntN(2) == 0 {
		prefix := codec.Key(key)[:s.Config.PrefixSize]
		if ub, ok := codec.NextPrefix(prefix); ok {
			ro.UpperBound = ub
		}
	}

	start := time.Now()
	it, err := s.Store.NewIterator(ro, s.ColumnFamily(cf))
	if err != nil {
		s.Stats.Errors.Add(1)
		s.Logger.Warnf("%s[CF %d] prefix scan error: %v", logging.NSDriver, cf, err)
		return err
	}
	seen := s.Verifier.VerifyWithIterator(cf, it, lo, hi, s.Config.PrefixSize)
	err = errors.CombineErrors(it.Error(), it.Close())
	s.Stats.Record(stats.OpPrefixScan, time.Since(start))
	s.Stats.PrefixScans.Add(1)
	s.Stats.PrefixKeys.Add(uint64(seen))

	if err != nil {
		s.Stats.Errors.Add(1)
		s.Logger.Warnf("%s[CF %d] prefix scan error: %v", logging.NSDriver, cf, err)
	}
	return err
}

// TestPut implements TestOps. Keys that disallow overwrite and already
// exist are never rewritten; in merge mode they are never written at all.
// Such keys are replaced by a fresh (cf, key) draw.
func (NonBatchedOps) TestPut(t *ThreadState, cf int, keys []int64, lock *oracle.KeyLock) error {
	s := t.Shared
	es := s.Oracle
	key := keys[0]
	for !es.AllowsOverwrite(key) && (s.Config.UseMerge || es.Exists(cf, key)) {
		cf, key = t.randomCF(), t.randomKey()
		lock.Relock(cf, key)
	}
	h := s.ColumnFamily(cf)
	k := codec.Key(key)

	if s.Config.VerifyBeforeWrite {
		v, err := s.Store.Get(s.readOpts, h, k)
		if s.readFailed(stats.OpGet, cf, err) {
			return err
		}
		if !s.Verifier.VerifyValue(cf, key, v, err, true) {
			return nil
		}
	}

	gen := t.randomGen()
	value := s.Codec.Generate(gen, codec.MaxValueLen)

	es.Put(cf, key, gen, true)
	start := time.Now()
	err := s.mutate(func(w store.Writer) error {
		if s.Config.UseMerge {
			return w.Merge(h, k, value)
		}
		return w.Put(h, k, value)
	})
	s.Stats.Record(stats.OpPut, time.Since(start))
	if err != nil {
		return s.fatal(err, "put or merge error on (cf %d, key %d)", cf, key)
	}
	es.Put(cf, key, gen, false)

	s.Stats.Puts.Add(1)
	if s.Config.UseMerge {
		s.Stats.Merges.Add(1)
	}
	s.Stats.BytesWritten.Add(uint64(len(k) + len(value)))
	s.Logger.Debugf("%s[CF %d] put %d => %x", logging.NSDriver, cf, key, value)
	return nil
}

// TestDelete implements TestOps. Keys that allow overwrite are removed with
// Delete; the rest with SingleDelete, and only when they exist.
func (NonBatchedOps) TestDelete(t *ThreadState, cf int, keys []int64, lock *oracle.KeyLock) error {
	s := t.Shared
	es := s.Oracle
	key := keys[0]
	for !es.AllowsOverwrite(key) && !es.Exists(cf, key) {
		cf, key = t.randomCF(), t.randomKey()
		lock.Relock(cf, key)
	}
	h := s.ColumnFamily(cf)
	k := codec.Key(key)
	single := !es.AllowsOverwrite(key)

	es.Delete(cf, key, true)
	start := time.Now()
	err := s.mutate(func(w store.Writer) error {
		if single {
			return w.SingleDelete(h, k)
		}
		return w.Delete(h, k)
	})
	s.Stats.Record(stats.OpDelete, time.Since(start))
	if err != nil {
		return s.fatal(err, "delete error on (cf %d, key %d)", cf, key)
	}
	es.Delete(cf, key, false)

	if single {
		s.Stats.SingleDeletes.Add(1)
	} else {
		s.Stats.Deletes.Add(1)
	}
	s.Logger.Debugf("%s[CF %d] delete %d", logging.NSDriver, cf, key)
	return nil
}

// TestDeleteRange implements TestOps. The range starts at keys[0], moved
// down when it would run past MaxKey.
func (NonBatchedOps) TestDeleteRange(t *ThreadState, cf int, keys []int64, lock *oracle.KeyLock) error {
	s := t.Shared
	es := s.Oracle
	width := s.Config.RangeDeletionWidth
	maxKey := s.Config.MaxKey

	key := keys[0]
	if key > maxKey-width {
		key = t.Rand.Int64N(maxKey - width + 1)
		lock.Relock(cf, key)
	}
	end := key + width
	lock.Extend(end)
	h := s.ColumnFamily(cf)

	es.DeleteRange(cf, key, end, true)
	start := time.Now()
	err := s.Store.DeleteRange(s.writeOpts, h, codec.Key(key), codec.Key(end))
	s.Stats.Record(stats.OpDeleteRange, time.Since(start))
	if err != nil {
		return s.fatal(err, "delete range error on (cf %d, [%d, %d))", cf, key, end)
	}
	covered := es.DeleteRange(cf, key, end, false)

	s.Stats.RangeDeletes.Add(1)
	s.Stats.CoveredKeys.Add(uint64(covered))
	s.Logger.Debugf("%s[CF %d] delete range [%d, %d) covered %d", logging.NSDriver, cf, key, end, covered)
	return nil
}

// TestIngestExternalFile implements TestOps. It writes a staging file of
// consecutive keys starting at keys[0], ingests it, and commits every key
// only after the ingestion succeeded.
func (NonBatchedOps) TestIngestExternalFile(t *ThreadState, cf int, keys []int64, lock *oracle.KeyLock) error {
	s := t.Shared
	es := s.Oracle
	h := s.ColumnFamily(cf)

	if err := s.Store.RemoveFile(t.stagingPath); err != nil {
		return s.fatal(err, "removing stale staging file %s", t.stagingPath)
	}
	w, err := s.Store.NewExternalFileWriter(h, t.stagingPath)
	if err != nil {
		return s.fatal(err, "creating staging file %s", t.stagingPath)
	}

	base := keys[0]
	end := min(base+s.Config.IngestWidth, s.Config.MaxKey)
	lock.Extend(end)

	type write struct {
		key int64
		gen uint32
	}
	writes := make([]write, 0, end-base)
	var bytes uint64
	start := time.Now()
	for key := base; key < end; key++ {
		if !es.AllowsOverwrite(key) && es.Exists(cf, key) {
			continue
		}
		gen := t.randomGen()
		value := s.Codec.Generate(gen, codec.MaxValueLen)
		es.Put(cf, key, gen, true)
		writes = append(writes, write{key, gen})
		if err := w.Put(codec.Key(key), value); err != nil {
			w.Abandon()
			return s.fatal(err, "writing staging file %s", t.stagingPath)
		}
		bytes += uint64(codec.KeySize + len(value))
	}
	if len(writes) == 0 {
		w.Abandon()
		return nil
	}
	if err := w.Finish(); err != nil {
		return s.fatal(err, "finishing staging file %s", t.stagingPath)
	}
	err = s.Store.IngestExternalFile(h, []string{t.stagingPath}, store.IngestOptions{MoveFiles: true})
	s.Stats.Record(stats.OpIngest, time.Since(start))
	if err != nil {
		return s.fatal(err, "ingesting %s into cf %d", t.stagingPath, cf)
	}
	for _, wr := range writes {
		es.Put(cf, wr.key, wr.gen, false)
	}

	s.Stats.Ingests.Add(1)
	s.Stats.IngestedKeys.Add(uint64(len(writes)))
	s.Stats.BytesWritten.Add(bytes)
	s.Logger.Debugf("%s[CF %d] ingested %d keys in [%d, %d)", logging.NSIngest, cf, len(writes), base, end)
	return nil
}

// VerifyDb implements TestOps. Each column family is checked with either an
// iterator walk or point reads, chosen at random.
func (NonBatchedOps) VerifyDb(ctx context.Context, t *ThreadState) error {
	s := t.Shared
	lo, hi := verify.ThreadRange(t.Tid, s.Config.Threads, s.Config.MaxKey)
	if lo >= hi {
		return nil
	}
	for cf := 0; cf < s.Config.ColumnFamilies && !s.Latch.Failed(); cf++ {
		if ctx.Err() != nil {
			return nil
		}
		if err := verifyColumnFamily(t, cf, lo, hi); err != nil {
			return err
		}
	}
	return nil
}

func verifyColumnFamily(t *ThreadState, cf int, lo, hi int64) error {
	s := t.Shared
	lock := s.Locks.AcquireRange(cf, lo, hi)
	defer lock.Release()
	h := s.ColumnFamily(cf)

	start := time.Now()
	if t.Rand.IntN(2) == 0 {
		it, err := s.Store.NewIterator(s.readOpts, h)
		if err != nil {
			s.Stats.Errors.Add(1)
			return errors.Wrapf(err, "verifying cf %d", cf)
		}
		s.Verifier.VerifyWithIterator(cf, it, lo, hi, s.Config.PrefixSize)
		if err := errors.CombineErrors(it.Error(), it.Close()); err != nil {
			s.Stats.Errors.Add(1)
			return errors.Wrapf(err, "verifying cf %d", cf)
		}
	} else {
		s.Verifier.VerifyWithGet(cf, func(key []byte) ([]byte, error) {
			return s.Store.Get(s.readOpts, h, key)
		}, lo, hi)
	}
	s.Stats.Record(stats.OpVerifyDb, time.Since(start))
	s.Stats.VerifiedKeys.Add(uint64(hi - lo))
	return nil
}

// MaybeClearOneColumnFamily implements TestOps. The chosen family is never
// the default one.
func (NonBatchedOps) MaybeClearOneColumnFamily(t *ThreadState) error {
	s := t.Shared
	oneIn := s.Config.ClearColumnFamilyOneIn
	if oneIn == 0 || s.Config.ColumnFamilies <= 1 || t.Rand.IntN(oneIn) != 0 {
		return nil
	}
	cf := 1 + t.Rand.IntN(s.Config.ColumnFamilies-1)
	name := strconv.FormatInt(s.nextCFName.Add(1)-1, 10)

	s.Locks.LockColumnFamily(cf)
	defer s.Locks.UnlockColumnFamily(cf)

	s.Logger.Infof("%s[CF %d] dropping and recreating column family, new name: %s", logging.NSCF, cf, name)
	start := time.Now()
	if err := s.Store.DropColumnFamily(s.cfs[cf]); err != nil {
		return s.fatal(err, "dropping column family %d", cf)
	}
	h, err := s.Store.CreateColumnFamily(name)
	if err != nil {
		return s.fatal(err, "creating column family %s", name)
	}
	s.cfs[cf] = h
	s.Oracle.ClearColumnFamily(cf)
	s.Stats.Record(stats.OpClearColumnFamily, time.Since(start))
	s.Stats.CFClears.Add(1)
	return nil
}

// directWriter adapts a Store to the Writer surface of a transaction.
type directWriter struct {
	st store.Store
	wo *store.WriteOptions
}

func (d directWriter) Put(cf store.ColumnFamily, key, value []byte) error {
	return d.st.Put(d.wo, cf, key, value)
}

func (d directWriter) Merge(cf store.ColumnFamily, key, value []byte) error {
	return d.st.Merge(d.wo, cf, key, value)
}

func (d directWriter) Delete(cf store.ColumnFamily, key []byte) error {
	return d.st.Delete(d.wo, cf, key)
}

func (d directWriter) SingleDelete(cf store.ColumnFamily, key []byte) error {
	return d.st.SingleDelete(d.wo, cf, key)
}

// mutate runs fn against the store directly, or inside a transaction that
// commits when fn succeeds.
func (s *SharedState) mutate(fn func(w store.Writer) error) error {
	if !s.Config.UseTxn {
		return fn(directWriter{st: s.Store, wo: s.writeOpts})
	}
	txn := s.Store.BeginTransaction(s.writeOpts)
	if err := fn(txn); err != nil {
		txn.Rollback()
		return err
	}
	return txn.Commit()
}
