package stress

import (
	"context"
	"time"

	"github.com/aalhour/dbstress/internal/logging"
	"github.com/aalhour/dbstress/internal/oracle"
	"github.com/aalhour/dbstress/internal/stats"
	"github.com/aalhour/dbstress/internal/store"
	"github.com/aalhour/dbstress/internal/verify"
	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
)

// fatalHandlerSetter is implemented by loggers whose Fatalf can be hooked,
// such as logging.DefaultLogger.
type fatalHandlerSetter interface {
	SetFatalHandler(h logging.FatalHandler)
}

// Harness runs one stress test against a store.
type Harness struct {
	// Ops is the operation set issued by the workers. New sets it to
	// NonBatchedOps.
	Ops TestOps

	shared *SharedState
}

// New validates cfg and prepares a run against st, creating the configured
// column families.
func New(cfg Config, st store.Store, logger logging.Logger) (*Harness, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	shared, err := newSharedState(cfg, st, logger)
	if err != nil {
		return nil, err
	}
	return &Harness{Ops: NonBatchedOps{}, shared: shared}, nil
}

// Shared returns the state shared by the workers.
func (h *Harness) Shared() *SharedState { return h.shared }

// Stats returns the run's statistics.
func (h *Harness) Stats() *stats.Stats { return h.shared.Stats }

// Run executes the VerifyDb, operate and VerifyDb phases. It returns nil
// when the run passed, an error marked with verify.ErrVerificationFailed
// when a consistency violation was found, and an error marked with ErrFatal
// when the store failed. Every worker has exited when Run returns.
func (h *Harness) Run(ctx context.Context) error {
	s := h.shared
	cfg := s.Config

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if fh, ok := s.Logger.(fatalHandlerSetter); ok {
		fh.SetFatalHandler(func(string) { cancel() })
	}

	threads := make([]*ThreadState, cfg.Threads)
	for i := range threads {
		threads[i] = newThreadState(i, s)
	}

	s.Logger.Infof("%sstarting %d threads, max key %d, %d column families, seed %d",
		logging.NSDriver, cfg.Threads, cfg.MaxKey, cfg.ColumnFamilies, cfg.Seed)

	if cfg.VerifyDbBefore {
		if err := h.verifyPhase(ctx, threads); err != nil {
			return err
		}
	}
	if err := h.operatePhase(ctx, threads); err != nil {
		return err
	}
	if err := s.Latch.Err(); err != nil {
		return h.finish(err)
	}
	if err := ctx.Err(); err != nil {
		return h.finish(err)
	}
	if cfg.VerifyDbAfter {
		if err := h.verifyPhase(ctx, threads); err != nil {
			return err
		}
	}
	return h.finish(s.Latch.Err())
}

func (h *Harness) finish(err error) error {
	s := h.shared
	s.Stats.VerifyFailures.Store(uint64(s.Latch.Count()))
	if f, ok := s.Latch.First(); ok {
		s.Logger.Errorf("%sfirst failure: %s", logging.NSVerify, f)
	}
	s.Logger.Infof("%sfinished after %s: %s", logging.NSDriver, s.Stats.Elapsed().Round(time.Millisecond), s.Stats.Progress())
	return err
}

// verifyPhase runs VerifyDb on every thread concurrently. Read errors are
// logged; store failures end the run.
func (h *Harness) verifyPhase(ctx context.Context, threads []*ThreadState) error {
	s := h.shared
	if err := ctx.Err(); err != nil {
		return h.finish(err)
	}
	s.Logger.Infof("%sverifying %d keys in %d column families", logging.NSVerify, s.Config.MaxKey, s.Config.ColumnFamilies)
	var g errgroup.Group
	for _, t := range threads {
		g.Go(func() error {
			err := h.Ops.VerifyDb(ctx, t)
			if err != nil && !errors.Is(err, ErrFatal) {
				s.Logger.Warnf("%sthread %d: %v", logging.NSVerify, t.Tid, err)
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return h.finish(err)
	}
	if err := s.Latch.Err(); err != nil {
		return h.finish(err)
	}
	if err := ctx.Err(); err != nil {
		return h.finish(err)
	}
	return nil
}

// operatePhase runs the workers until the duration elapses, every thread
// finished its operations, the latch is set, or a fatal error occurs.
func (h *Harness) operatePhase(ctx context.Context, threads []*ThreadState) error {
	s := h.shared
	opCtx := ctx
	if s.Config.Duration > 0 {
		var cancel context.CancelFunc
		opCtx, cancel = context.WithTimeout(ctx, s.Config.Duration)
		defer cancel()
	}

	g, gctx := errgroup.WithContext(opCtx)
	for _, t := range threads {
		g.Go(func() error { return h.operate(gctx, t) })
	}

	done := make(chan struct{})
	go h.reportProgress(done)
	err := g.Wait()
	close(done)

	if err != nil {
		return h.finish(err)
	}
	return nil
}

func (h *Harness) reportProgress(done <-chan struct{}) {
	s := h.shared
	if s.Config.ProgressInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.Config.ProgressInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.Logger.Infof("%s%s", logging.NSStats, s.Stats.Progress())
		}
	}
}

// operate is one worker's loop. Each iteration maybe clears a column
// family, picks (cf, key), locks it and dispatches one weighted operation.
func (h *Harness) operate(ctx context.Context, t *ThreadState) error {
	s := t.Shared
	cfg := s.Config
	w := cfg.Weights
	total := w.Total()

	for i := int64(0); cfg.OpsPerThread <= 0 || i < cfg.OpsPerThread; i++ {
		if ctx.Err() != nil || s.Latch.Failed() {
			return nil
		}
		if err := h.Ops.MaybeClearOneColumnFamily(t); err != nil {
			return err
		}

		cf := t.randomCF()
		keys := []int64{t.randomKey()}
		var lock *oracle.KeyLock
		if h.Ops.ShouldAcquireMutexOnKey() {
			lock = s.Locks.Acquire(cf, keys[0])
		}

		var err error
		switch p := t.Rand.IntN(total); {
		case p < w.Get:
			err = h.Ops.TestGet(t, cf, keys, lock)
		case p < w.Get+w.MultiGet:
			err = h.Ops.TestMultiGet(t, cf, keys, lock)
		case p < w.Get+w.MultiGet+w.PrefixScan:
			err = h.Ops.TestPrefixScan(t, cf, keys, lock)
		case p < w.Get+w.MultiGet+w.PrefixScan+w.Put:
			err = h.Ops.TestPut(t, cf, keys, lock)
		case p < w.Get+w.MultiGet+w.PrefixScan+w.Put+w.Delete:
			err = h.Ops.TestDelete(t, cf, keys, lock)
		case p < w.Get+w.MultiGet+w.PrefixScan+w.Put+w.Delete+w.DeleteRange:
			err = h.Ops.TestDeleteRange(t, cf, keys, lock)
		default:
			err = h.Ops.TestIngestExternalFile(t, cf, keys, lock)
		}
		lock.Release()

		if errors.Is(err, ErrFatal) {
			return err
		}
	}
	return nil
}

// Result summarizes a finished run for reporting.
type Result struct {
	Failure  verify.Failure
	Failed   bool
	TotalOps uint64
}

// Result returns the outcome of the last Run.
func (h *Harness) Result() Result {
	s := h.shared
	f, failed := s.Latch.First()
	return Result{Failure: f, Failed: failed, TotalOps: s.Stats.TotalOps()}
}
