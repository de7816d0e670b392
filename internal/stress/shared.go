package stress

import (
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"strconv"
	"sync/atomic"

	"github.com/aalhour/dbstress/internal/codec"
	"github.com/aalhour/dbstress/internal/logging"
	"github.com/aalhour/dbstress/internal/oracle"
	"github.com/aalhour/dbstress/internal/stats"
	"github.com/aalhour/dbstress/internal/store"
	"github.com/aalhour/dbstress/internal/verify"
	"github.com/cockroachdb/errors"
)

// ErrFatal marks infrastructure failures: a mutation, ingestion or column
// family operation the store refused. The run stops at the first one.
var ErrFatal = errors.New("fatal store error")

// SharedState is the state every worker of a run shares.
type SharedState struct {
	Config   Config
	Store    store.Store
	Oracle   *oracle.ExpectedState
	Locks    *oracle.LockTable
	Latch    *verify.Latch
	Verifier *verify.Verifier
	Stats    *stats.Stats
	Logger   logging.Logger
	Codec    codec.ValueCodec

	// cfs[i] is only replaced while holding the exclusive barrier of column
	// family i, so any holder of a KeyLock in i may read it.
	cfs        []store.ColumnFamily
	nextCFName atomic.Int64

	readOpts  *store.ReadOptions
	writeOpts *store.WriteOptions
}

func newSharedState(cfg Config, st store.Store, logger logging.Logger) (*SharedState, error) {
	logger = logging.OrDefault(logger)
	es := oracle.NewExpectedState(cfg.MaxKey, cfg.ColumnFamilies, cfg.NoOverwritePercent)
	latch := &verify.Latch{}
	vc := codec.ValueCodec{SizeMult: cfg.ValueSizeMult}

	s := &SharedState{
		Config:    cfg,
		Store:     st,
		Oracle:    es,
		Locks:     oracle.NewLockTable(cfg.MaxKey, cfg.ColumnFamilies, cfg.Log2KeysPerLock),
		Latch:     latch,
		Verifier:  verify.New(es, vc, latch, logger),
		Stats:     stats.New(),
		Logger:    logger,
		Codec:     vc,
		readOpts:  &store.ReadOptions{},
		writeOpts: &store.WriteOptions{Sync: cfg.SyncWrites, DisableWAL: cfg.DisableWAL},
	}

	s.cfs = make([]store.ColumnFamily, cfg.ColumnFamilies)
	s.cfs[0] = st.DefaultColumnFamily()
	for i := 1; i < cfg.ColumnFamilies; i++ {
		h, err := st.CreateColumnFamily(strconv.Itoa(i))
		if err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "creating column family %d", i), ErrFatal)
		}
		s.cfs[i] = h
	}
	s.nextCFName.Store(int64(cfg.ColumnFamilies))
	return s, nil
}

// ColumnFamily returns the current handle of column family cf. The caller
// must hold a KeyLock in cf.
func (s *SharedState) ColumnFamily(cf int) store.ColumnFamily {
	return s.cfs[cf]
}

// fatal logs an infrastructure failure and returns it marked with ErrFatal.
func (s *SharedState) fatal(err error, format string, args ...any) error {
	err = errors.Mark(errors.Wrapf(err, format, args...), ErrFatal)
	s.Logger.Fatalf("%s%v", logging.NSDriver, err)
	return err
}

// ThreadState is the per-worker state. It is never shared.
type ThreadState struct {
	Tid    int
	Rand   *rand.Rand
	Shared *SharedState

	stagingPath string
}

func newThreadState(tid int, shared *SharedState) *ThreadState {
	return &ThreadState{
		Tid:         tid,
		Rand:        rand.New(rand.NewPCG(shared.Config.Seed, uint64(tid))),
		Shared:      shared,
		stagingPath: filepath.Join(shared.Config.DBPath, fmt.Sprintf(".%d.sst", tid)),
	}
}

// randomKey draws a key uniformly from [0, MaxKey).
func (t *ThreadState) randomKey() int64 {
	return t.Rand.Int64N(t.Shared.Config.MaxKey)
}

// randomCF draws a column family index uniformly.
func (t *ThreadState) randomCF() int {
	return t.Rand.IntN(t.Shared.Config.ColumnFamilies)
}

// randomGen draws a value generation.
func (t *ThreadState) randomGen() uint32 {
	return t.Rand.Uint32N(oracle.SentinelRange)
}
