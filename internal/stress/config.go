package stress

import (
	"math/rand/v2"
	"time"

	"github.com/aalhour/dbstress/internal/codec"
	"github.com/aalhour/dbstress/internal/compression"
	"github.com/cockroachdb/errors"
)

// ErrInvalidConfig marks configuration errors.
var ErrInvalidConfig = errors.New("invalid configuration")

// Backend names a store implementation.
type Backend string

const (
	BackendPebble Backend = "pebble"
	BackendMemory Backend = "memory"
)

// Weights is the relative frequency of each operation kind in the operate
// phase. Only the ratios matter.
type Weights struct {
	Get         int
	MultiGet    int
	PrefixScan  int
	Put         int
	Delete      int
	DeleteRange int
	Ingest      int
}

// Total returns the sum of all weights.
func (w Weights) Total() int {
	return w.Get + w.MultiGet + w.PrefixScan + w.Put + w.Delete + w.DeleteRange + w.Ingest
}

// Config holds every knob of a stress run.
type Config struct {
	Backend Backend
	// DBPath is the store directory. Staging files for ingestion are
	// written inside it.
	DBPath string
	KeepDB bool
	Seed   uint64

	Threads      int
	Duration     time.Duration
	OpsPerThread int64

	MaxKey          int64
	ColumnFamilies  int
	Log2KeysPerLock uint
	ValueSizeMult   int

	NoOverwritePercent int
	RangeDeletionWidth int64
	IngestWidth        int64
	PrefixSize         int
	MultiGetBatch      int

	// ClearColumnFamilyOneIn drops and recreates a random non-default
	// column family with probability 1/N per operation. Zero disables it.
	ClearColumnFamilyOneIn int

	UseMerge          bool
	UseTxn            bool
	VerifyBeforeWrite bool
	SyncWrites        bool
	DisableWAL        bool

	// StagingCompression compresses memory-backend staging files.
	StagingCompression compression.Type

	Weights Weights

	VerifyDbBefore bool
	VerifyDbAfter  bool

	// FailWritesAfter makes every mutation after the first N fail. Zero
	// disables it.
	FailWritesAfter int64

	ProgressInterval time.Duration
	MetricsAddr      string
	Verbose          bool
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Backend:  BackendPebble,
		Seed:     uint64(time.Now().UnixNano()),
		Threads:  16,
		Duration: 60 * time.Second,

		MaxKey:          100000,
		ColumnFamilies:  4,
		Log2KeysPerLock: 2,
		ValueSizeMult:   codec.DefaultValueSizeMult,

		NoOverwritePercent:     60,
		RangeDeletionWidth:     10,
		IngestWidth:            100,
		PrefixSize:             7,
		MultiGetBatch:          10,
		ClearColumnFamilyOneIn: 100000,

		StagingCompression: compression.Snappy,

		Weights: Weights{
			Get:         10,
			MultiGet:    5,
			PrefixScan:  15,
			Put:         45,
			Delete:      15,
			DeleteRange: 5,
			Ingest:      5,
		},

		VerifyDbBefore:   true,
		VerifyDbAfter:    true,
		ProgressInterval: 5 * time.Second,
	}
}

// Validate reports the first invalid setting, marked with ErrInvalidConfig.
func (c *Config) Validate() error {
	switch {
	case c.Backend != BackendPebble && c.Backend != BackendMemory:
		return invalidf("unknown backend %q", c.Backend)
	case c.Backend == BackendPebble && c.DBPath == "":
		return invalidf("pebble backend requires a db path")
	case c.Threads <= 0:
		return invalidf("threads must be positive, got %d", c.Threads)
	case c.Duration <= 0 && c.OpsPerThread <= 0:
		return invalidf("one of duration and ops per thread must be positive")
	case c.MaxKey <= 0 || c.MaxKey > 1<<31:
		return invalidf("max key must be in [1, 2^31], got %d", c.MaxKey)
	case c.ColumnFamilies <= 0:
		return invalidf("column families must be positive, got %d", c.ColumnFamilies)
	case c.Log2KeysPerLock > 30:
		return invalidf("log2 keys per lock must be at most 30, got %d", c.Log2KeysPerLock)
	case c.ValueSizeMult <= 0 || 3*c.ValueSizeMult > codec.MaxValueLen:
		return invalidf("value size multiplier must be in [1, %d], got %d", codec.MaxValueLen/3, c.ValueSizeMult)
	case c.NoOverwritePercent < 0 || c.NoOverwritePercent >= 100:
		return invalidf("no-overwrite percent must be in [0, 100), got %d", c.NoOverwritePercent)
	case c.RangeDeletionWidth <= 0 || c.RangeDeletionWidth > c.MaxKey:
		return invalidf("range deletion width must be in [1, max key], got %d", c.RangeDeletionWidth)
	case c.IngestWidth <= 0:
		return invalidf("ingest width must be positive, got %d", c.IngestWidth)
	case c.PrefixSize < 1 || c.PrefixSize > codec.KeySize:
		return invalidf("prefix size must be in [1, %d], got %d", codec.KeySize, c.PrefixSize)
	case c.MultiGetBatch <= 0:
		return invalidf("multiget batch must be positive, got %d", c.MultiGetBatch)
	case c.ClearColumnFamilyOneIn < 0:
		return invalidf("clear column family one-in must not be negative")
	case !c.StagingCompression.IsSupported():
		return invalidf("unsupported staging compression %s", c.StagingCompression)
	case c.SyncWrites && c.DisableWAL:
		return invalidf("synced writes require the WAL")
	case c.FailWritesAfter < 0:
		return invalidf("fail writes after must not be negative")
	}

	w := c.Weights
	for _, v := range []int{w.Get, w.MultiGet, w.PrefixScan, w.Put, w.Delete, w.DeleteRange, w.Ingest} {
		if v < 0 {
			return invalidf("operation weights must not be negative")
		}
	}
	if w.Total() == 0 {
		return invalidf("at least one operation weight must be positive")
	}
	if w.Ingest > 0 && c.DBPath == "" {
		return invalidf("ingestion requires a db path for staging files")
	}
	return nil
}

func invalidf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrInvalidConfig)
}

// Randomize perturbs the configuration for a fuzz-style run. Sizing
// settings (threads, duration, max key) are left alone.
func (c *Config) Randomize(rng *rand.Rand) {
	c.ColumnFamilies = 1 + rng.IntN(8)
	c.Log2KeysPerLock = uint(rng.IntN(7))
	c.ValueSizeMult = 1 + rng.IntN(codec.MaxValueLen/3)
	c.NoOverwritePercent = []int{0, 10, 30, 60, 90}[rng.IntN(5)]
	c.RangeDeletionWidth = 1 + rng.Int64N(min(100, c.MaxKey))
	c.IngestWidth = 10 + rng.Int64N(1000)
	c.PrefixSize = 5 + rng.IntN(4)
	c.MultiGetBatch = 1 + rng.IntN(64)
	c.ClearColumnFamilyOneIn = []int{0, 1000, 10000, 100000}[rng.IntN(4)]

	c.UseMerge = rng.IntN(4) == 0
	c.UseTxn = rng.IntN(4) == 0
	c.VerifyBeforeWrite = rng.IntN(5) == 0
	c.SyncWrites = rng.IntN(10) == 0

	types := []compression.Type{
		compression.None, compression.Snappy, compression.Zlib,
		compression.LZ4, compression.Zstd,
	}
	c.StagingCompression = types[rng.IntN(len(types))]

	c.Weights = Weights{
		Get:         rng.IntN(30),
		MultiGet:    rng.IntN(15),
		PrefixScan:  rng.IntN(20),
		Put:         10 + rng.IntN(50),
		Delete:      rng.IntN(25),
		DeleteRange: rng.IntN(10),
		Ingest:      rng.IntN(10),
	}
	if c.DBPath == "" {
		c.Weights.Ingest = 0
	}
}
