// Command stresstest runs the concurrent correctness stress harness against
// a key-value store.
//
// Worker goroutines issue randomized reads, writes, deletes, range deletes
// and ingestions while an in-memory oracle tracks what every key should
// hold. Every read is checked against the oracle; the first mismatch stops
// the run.
//
// Exit status: 0 when the run passed, 1 on a verification failure, 2 on a
// configuration error, 3 when the store failed.
//
// Usage: go run ./cmd/stresstest [flags]
package main

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/aalhour/dbstress/internal/compression"
	"github.com/aalhour/dbstress/internal/logging"
	"github.com/aalhour/dbstress/internal/stress"
	"github.com/aalhour/dbstress/internal/verify"
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

const (
	exitPass         = 0
	exitVerifyFailed = 1
	exitConfig       = 2
	exitFatal        = 3
)

const stressTestDirPrefix = "dbstress-"

// options are the flags that do not map directly onto stress.Config.
type options struct {
	cfg         stress.Config
	backend     string
	compression string
	logLevel    string
	randomize   bool
	cleanup     bool
}

func main() {
	code := exitPass
	root := newRootCmd(&code, os.Stdout, os.Stderr)
	if err := root.Execute(); err != nil {
		os.Exit(exitConfig)
	}
	os.Exit(code)
}

func newRootCmd(code *int, stdout, stderr io.Writer) *cobra.Command {
	o := &options{cfg: stress.DefaultConfig()}
	o.cfg.Seed = 0

	cmd := &cobra.Command{
		Use:          "stresstest [flags]",
		Short:        "concurrent correctness stress test for a key-value store",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		Run: func(cmd *cobra.Command, args []string) {
			*code = run(o, stdout, stderr)
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	c := &o.cfg
	fs := cmd.Flags()
	fs.StringVar(&o.backend, "backend", string(c.Backend), "store backend: pebble or memory")
	fs.StringVar(&c.DBPath, "db", "", "database path (default: temp directory)")
	fs.BoolVar(&c.KeepDB, "keep-db", false, "keep the database directory after the run")
	fs.BoolVar(&o.cleanup, "cleanup", false, "remove leftover temp directories of earlier runs")
	fs.Uint64Var(&c.Seed, "seed", 0, "random seed (0 picks one from the clock)")
	fs.BoolVar(&o.randomize, "randomize", false, "randomize the test parameters from the seed")

	fs.IntVarP(&c.Threads, "threads", "c", c.Threads, "number of worker goroutines")
	fs.DurationVarP(&c.Duration, "duration", "d", c.Duration, "operate phase duration (0, bounded by ops-per-thread)")
	fs.Int64VarP(&c.OpsPerThread, "ops-per-thread", "n", 0, "operations per worker (0 means unlimited)")

	fs.Int64Var(&c.MaxKey, "max-key", c.MaxKey, "number of keys per column family")
	fs.IntVar(&c.ColumnFamilies, "column-families", c.ColumnFamilies, "number of column families")
	fs.UintVar(&c.Log2KeysPerLock, "log2-keys-per-lock", c.Log2KeysPerLock, "log2 of the number of keys sharing one lock")
	fs.IntVar(&c.ValueSizeMult, "value-size-mult", c.ValueSizeMult, "value size granularity in bytes")
	fs.IntVar(&c.NoOverwritePercent, "nooverwritepercent", c.NoOverwritePercent,
		"percentage of keys that are never overwritten and are removed with SingleDelete")
	fs.Int64Var(&c.RangeDeletionWidth, "range-deletion-width", c.RangeDeletionWidth, "keys covered by one range deletion")
	fs.Int64Var(&c.IngestWidth, "ingest-width", c.IngestWidth, "keys written into one ingested file")
	fs.IntVar(&c.PrefixSize, "prefix-size", c.PrefixSize, "key prefix length in bytes for prefix scans")
	fs.IntVar(&c.MultiGetBatch, "multiget-batch", c.MultiGetBatch, "keys per MultiGet")
	fs.IntVar(&c.ClearColumnFamilyOneIn, "clear-column-family-one-in", c.ClearColumnFamilyOneIn,
		"drop and recreate a column family once every N operations (0 disables)")

	fs.BoolVar(&c.UseMerge, "use-merge", false, "write with Merge instead of Put")
	fs.BoolVar(&c.UseTxn, "use-txn", false, "route writes through transactions")
	fs.BoolVar(&c.VerifyBeforeWrite, "verify-before-write", false, "verify a key before overwriting it")
	fs.BoolVar(&c.SyncWrites, "sync", false, "sync every write")
	fs.BoolVar(&c.DisableWAL, "disable-wal", false, "disable the WAL")
	fs.StringVar(&o.compression, "staging-compression", c.StagingCompression.String(),
		"memory backend staging file compression: none, snappy, zlib, lz4 or zstd")

	fs.IntVar(&c.Weights.Get, "get-weight", c.Weights.Get, "relative weight of Get")
	fs.IntVar(&c.Weights.MultiGet, "multiget-weight", c.Weights.MultiGet, "relative weight of MultiGet")
	fs.IntVar(&c.Weights.PrefixScan, "prefix-weight", c.Weights.PrefixScan, "relative weight of prefix scans")
	fs.IntVar(&c.Weights.Put, "put-weight", c.Weights.Put, "relative weight of Put")
	fs.IntVar(&c.Weights.Delete, "delete-weight", c.Weights.Delete, "relative weight of Delete")
	fs.IntVar(&c.Weights.DeleteRange, "delrange-weight", c.Weights.DeleteRange, "relative weight of DeleteRange")
	fs.IntVar(&c.Weights.Ingest, "ingest-weight", c.Weights.Ingest, "relative weight of file ingestion")

	fs.BoolVar(&c.VerifyDbBefore, "verify-before", c.VerifyDbBefore, "verify the whole database before the operate phase")
	fs.BoolVar(&c.VerifyDbAfter, "verify-after", c.VerifyDbAfter, "verify the whole database after the operate phase")
	fs.Int64Var(&c.FailWritesAfter, "fail-writes-after", 0, "fail every mutation after the first N (0 disables)")

	fs.DurationVar(&c.ProgressInterval, "progress", c.ProgressInterval, "progress log interval (0 disables)")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	fs.BoolVarP(&c.Verbose, "verbose", "v", false, "log every write at DEBUG")
	fs.StringVar(&o.logLevel, "log-level", "info", "log level: error, warn, info or debug")
	return cmd
}

func run(o *options, stdout, stderr io.Writer) int {
	cfg := o.cfg
	level, err := logging.ParseLevel(o.logLevel)
	if err != nil {
		fmt.Fprintf(stderr, "❌ %v\n", err)
		return exitConfig
	}
	if cfg.Verbose {
		level = logging.LevelDebug
	}
	logger := logging.NewLogger(stderr, level)

	if cfg.Seed == 0 {
		cfg.Seed = uint64(time.Now().UnixNano())
	}
	cfg.Backend = stress.Backend(o.backend)
	if cfg.StagingCompression, err = compression.Parse(o.compression); err != nil {
		fmt.Fprintf(stderr, "❌ %v\n", err)
		return exitConfig
	}

	if o.cleanup {
		cleanupOldTestDirs(stdout)
	}
	removeDB := false
	if cfg.DBPath == "" {
		dir, err := os.MkdirTemp("", stressTestDirPrefix+"*")
		if err != nil {
			fmt.Fprintf(stderr, "❌ creating temp dir: %v\n", err)
			return exitFatal
		}
		cfg.DBPath = dir
		removeDB = !cfg.KeepDB
	}
	defer func() {
		if removeDB {
			_ = os.RemoveAll(cfg.DBPath)
		}
	}()

	if o.randomize {
		cfg.Randomize(rand.New(rand.NewPCG(cfg.Seed, 0)))
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "❌ %v\n", err)
		return exitConfig
	}

	printBanner(stdout, &cfg, o.randomize)
	fmt.Fprintf(stdout, "📁 Database path: %s\n\n", cfg.DBPath)

	st, err := stress.OpenStore(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdout, "\n❌ STRESS TEST FAILED: %v\n", err)
		return exitCode(err)
	}
	h, err := stress.New(cfg, st, logger)
	if err != nil {
		_ = st.Close()
		fmt.Fprintf(stdout, "\n❌ STRESS TEST FAILED: %v\n", err)
		return exitCode(err)
	}

	if cfg.MetricsAddr != "" {
		srv, err := serveMetrics(cfg.MetricsAddr, h, logger)
		if err != nil {
			_ = st.Close()
			fmt.Fprintf(stdout, "\n❌ STRESS TEST FAILED: %v\n", err)
			return exitFatal
		}
		defer srv.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	runErr := h.Run(ctx)
	if err := st.Close(); err != nil && runErr == nil {
		runErr = errors.Mark(errors.Wrap(err, "closing store"), stress.ErrFatal)
	}

	fmt.Fprintln(stdout)
	h.Stats().Report(stdout)

	code := exitCode(runErr)
	switch code {
	case exitPass:
		fmt.Fprintln(stdout, "✅ STRESS TEST PASSED")
	case exitVerifyFailed:
		f := h.Result().Failure
		fmt.Fprintf(stdout, "❌ STRESS TEST FAILED: verification failed: %s\n", f)
		removeDB = false
	default:
		fmt.Fprintf(stdout, "❌ STRESS TEST FAILED: %v\n", runErr)
		removeDB = false
	}
	if !removeDB {
		fmt.Fprintf(stdout, "\n📁 Database kept at: %s\n", cfg.DBPath)
	}
	return code
}

// exitCode maps a run error onto the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitPass
	case errors.Is(err, verify.ErrVerificationFailed):
		return exitVerifyFailed
	case errors.Is(err, stress.ErrInvalidConfig):
		return exitConfig
	default:
		return exitFatal
	}
}

func serveMetrics(addr string, h *stress.Harness, logger logging.Logger) (*http.Server, error) {
	reg := prometheus.NewRegistry()
	if err := h.Stats().Register(reg); err != nil {
		return nil, errors.Wrap(err, "registering metrics")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warnf("%smetrics server: %v", logging.NSStats, err)
		}
	}()
	return srv, nil
}

func printBanner(w io.Writer, c *stress.Config, randomized bool) {
	line := func(content string) {
		fmt.Fprintf(w, "║ %-63s ║\n", content)
	}
	onOff := func(b bool) string {
		if b {
			return "on"
		}
		return "off"
	}

	fmt.Fprintln(w, "╔═════════════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║                   dbstress Correctness Test                     ║")
	fmt.Fprintln(w, "╠═════════════════════════════════════════════════════════════════╣")
	line(fmt.Sprintf("Backend: %-8s Duration: %-10s Threads: %-6d", c.Backend, c.Duration, c.Threads))
	line(fmt.Sprintf("Seed: %-20d Ops/Thread: %-10d", c.Seed, c.OpsPerThread))
	line(fmt.Sprintf("Max Key: %-10d CFs: %-4d Keys/Lock: %-6d", c.MaxKey, c.ColumnFamilies, 1<<c.Log2KeysPerLock))
	fmt.Fprintln(w, "╠─────────────────────────────────────────────────────────────────╣")
	wt := c.Weights
	line(fmt.Sprintf("Weights: get=%d multiget=%d prefix=%d put=%d",
		wt.Get, wt.MultiGet, wt.PrefixScan, wt.Put))
	line(fmt.Sprintf("         del=%d delrange=%d ingest=%d", wt.Delete, wt.DeleteRange, wt.Ingest))
	fmt.Fprintln(w, "╠─────────────────────────────────────────────────────────────────╣")
	line(fmt.Sprintf("No-overwrite: %d%%  Range Width: %-6d Ingest Width: %-6d",
		c.NoOverwritePercent, c.RangeDeletionWidth, c.IngestWidth))
	line(fmt.Sprintf("Merge: %-4s Txn: %-4s Verify-before-write: %-4s",
		onOff(c.UseMerge), onOff(c.UseTxn), onOff(c.VerifyBeforeWrite)))
	line(fmt.Sprintf("WAL: %-4s Sync: %-4s Staging: %-7s Randomized: %-5v",
		onOff(!c.DisableWAL), onOff(c.SyncWrites), c.StagingCompression, randomized))
	fmt.Fprintln(w, "╚═════════════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)
}

// cleanupOldTestDirs removes temp directories left behind by earlier runs
// that did not get to clean up after themselves.
func cleanupOldTestDirs(w io.Writer) {
	tempDir := os.TempDir()
	entries, err := os.ReadDir(tempDir)
	if err != nil {
		fmt.Fprintf(w, "Warning: could not read temp dir for cleanup: %v\n", err)
		return
	}

	var cleaned int
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), stressTestDirPrefix) {
			continue
		}
		fullPath := filepath.Join(tempDir, entry.Name())
		if err := os.RemoveAll(fullPath); err != nil {
			fmt.Fprintf(w, "Warning: could not remove %s: %v\n", fullPath, err)
		} else {
			cleaned++
		}
	}
	if cleaned > 0 {
		fmt.Fprintf(w, "🧹 Cleaned up %d old test directories\n", cleaned)
	}
}
