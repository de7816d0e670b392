// Package stats collects the harness's operation counters and latencies.
package stats

import (
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"
)

// Op identifies an operation kind for latency tracking.
type Op int

const (
	OpGet Op = iota
	OpMultiGet
	OpPrefixScan
	OpPut
	OpDelete
	OpDeleteRange
	OpIngest
	OpClearColumnFamily
	OpVerifyDb
	numOps
)

var opNames = [numOps]string{
	OpGet:               "get",
	OpMultiGet:          "multiget",
	OpPrefixScan:        "prefixscan",
	OpPut:               "put",
	OpDelete:            "delete",
	OpDeleteRange:       "delrange",
	OpIngest:            "ingest",
	OpClearColumnFamily: "clearcf",
	OpVerifyDb:          "verifydb",
}

func (o Op) String() string {
	if o < 0 || o >= numOps {
		return "unknown"
	}
	return opNames[o]
}

// Stats is shared by all worker threads. Counters are atomics so workers
// never contend on a lock to record them.
type Stats struct {
	Gets           atomic.Uint64
	GetsFound      atomic.Uint64
	GetsNotFound   atomic.Uint64
	MultiGets      atomic.Uint64
	MultiGetKeys   atomic.Uint64
	PrefixScans    atomic.Uint64
	PrefixKeys     atomic.Uint64
	Puts           atomic.Uint64
	Merges         atomic.Uint64
	BytesWritten   atomic.Uint64
	Deletes        atomic.Uint64
	SingleDeletes  atomic.Uint64
	RangeDeletes   atomic.Uint64
	CoveredKeys    atomic.Uint64
	Ingests        atomic.Uint64
	IngestedKeys   atomic.Uint64
	CFClears       atomic.Uint64
	Errors         atomic.Uint64
	VerifyFailures atomic.Uint64
	VerifiedKeys   atomic.Uint64

	start time.Time
	hists [numOps]*namedHistogram
}

// New returns zeroed statistics with the clock started.
func New() *Stats {
	s := &Stats{start: time.Now()}
	for op := Op(0); op < numOps; op++ {
		s.hists[op] = newNamedHistogram(op.String())
	}
	return s
}

// Record adds one latency sample for op.
func (s *Stats) Record(op Op, elapsed time.Duration) {
	s.hists[op].Record(elapsed)
}

// Latency returns the cumulative latency histogram snapshot for op.
func (s *Stats) Latency(op Op) LatencySummary {
	return s.hists[op].Summary()
}

// TotalOps counts operations issued by the operate phase.
func (s *Stats) TotalOps() uint64 {
	return s.Gets.Load() + s.MultiGets.Load() + s.PrefixScans.Load() +
		s.Puts.Load() + s.Deletes.Load() + s.SingleDeletes.Load() +
		s.RangeDeletes.Load() + s.Ingests.Load()
}

// Elapsed returns the time since New.
func (s *Stats) Elapsed() time.Duration { return time.Since(s.start) }

func (s *Stats) counters() []struct {
	name, help string
	v          *atomic.Uint64
} {
	return []struct {
		name, help string
		v          *atomic.Uint64
	}{
		{"gets", "Point reads issued.", &s.Gets},
		{"gets_found", "Keys read by gets and multigets that found a value.", &s.GetsFound},
		{"gets_not_found", "Keys read by gets and multigets that found nothing.", &s.GetsNotFound},
		{"multigets", "Batched reads issued.", &s.MultiGets},
		{"multiget_keys", "Keys read by batched reads.", &s.MultiGetKeys},
		{"prefix_scans", "Prefix scans issued.", &s.PrefixScans},
		{"prefix_keys", "Keys returned by prefix scans.", &s.PrefixKeys},
		{"puts", "Puts and merges issued.", &s.Puts},
		{"merges", "Merges issued.", &s.Merges},
		{"bytes_written", "Value bytes written by puts.", &s.BytesWritten},
		{"deletes", "Deletes issued.", &s.Deletes},
		{"single_deletes", "Single deletes issued.", &s.SingleDeletes},
		{"range_deletes", "Range deletions issued.", &s.RangeDeletes},
		{"covered_keys", "Keys holding values when range-deleted.", &s.CoveredKeys},
		{"ingests", "External files ingested.", &s.Ingests},
		{"ingested_keys", "Keys written by ingestion.", &s.IngestedKeys},
		{"cf_clears", "Column families dropped and recreated.", &s.CFClears},
		{"errors", "Read errors returned by the store.", &s.Errors},
		{"verify_failures", "Verification failures observed.", &s.VerifyFailures},
		{"verified_keys", "Keys checked by full verification.", &s.VerifiedKeys},
	}
}

// Register exports every counter to reg as dbstress_<name>_total.
func (s *Stats) Register(reg prometheus.Registerer) error {
	for _, c := range s.counters() {
		v := c.v
		if err := reg.Register(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "dbstress",
			Name:      c.name + "_total",
			Help:      c.help,
		}, func() float64 { return float64(v.Load()) })); err != nil {
			return err
		}
	}
	return reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "dbstress",
		Name:      "ops_per_second",
		Help:      "Operations per second since the run started.",
	}, func() float64 {
		secs := s.Elapsed().Seconds()
		if secs <= 0 {
			return 0
		}
		return float64(s.TotalOps()) / secs
	}))
}

// Progress returns a one-line summary for periodic logging.
func (s *Stats) Progress() string {
	secs := s.Elapsed().Seconds()
	rate := 0.0
	if secs > 0 {
		rate = float64(s.TotalOps()) / secs
	}
	return fmt.Sprintf("%8.1fs ops=%d (%.0f/s) gets=%d puts=%d deletes=%d delranges=%d ingests=%d errors=%d",
		secs, s.TotalOps(), rate, s.Gets.Load(), s.Puts.Load(),
		s.Deletes.Load()+s.SingleDeletes.Load(), s.RangeDeletes.Load(),
		s.Ingests.Load(), s.Errors.Load())
}

// Report renders the final statistics: one table of counters and one of
// per-operation latencies.
func (s *Stats) Report(w io.Writer) {
	counts := tablewriter.NewWriter(w)
	counts.SetHeader([]string{"Counter", "Value"})
	counts.SetAlignment(tablewriter.ALIGN_RIGHT)
	for _, c := range s.counters() {
		counts.Append([]string{strings.ReplaceAll(c.name, "_", " "), fmt.Sprintf("%d", c.v.Load())})
	}
	counts.SetFooter([]string{"total ops", fmt.Sprintf("%d", s.TotalOps())})
	counts.Render()

	lat := tablewriter.NewWriter(w)
	lat.SetHeader([]string{"Op", "Count", "p50", "p99", "Max"})
	for op := Op(0); op < numOps; op++ {
		sum := s.Latency(op)
		if sum.Count == 0 {
			continue
		}
		lat.Append([]string{
			op.String(),
			fmt.Sprintf("%d", sum.Count),
			sum.P50.String(),
			sum.P99.String(),
			sum.Max.String(),
		})
	}
	lat.Render()
}
