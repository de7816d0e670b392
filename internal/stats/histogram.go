package stats

import (
	"fmt"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

const (
	minLatency = 1 * time.Microsecond
	maxLatency = 10 * time.Second
)

func newHistogram() *hdrhistogram.Histogram {
	return hdrhistogram.New(minLatency.Nanoseconds(), maxLatency.Nanoseconds(), 2)
}

type namedHistogram struct {
	name string
	mu   struct {
		sync.Mutex
		hist *hdrhistogram.Histogram
	}
}

func newNamedHistogram(name string) *namedHistogram {
	w := &namedHistogram{name: name}
	w.mu.hist = newHistogram()
	return w
}

func (w *namedHistogram) Record(elapsed time.Duration) {
	if elapsed < minLatency {
		elapsed = minLatency
	} else if elapsed > maxLatency {
		elapsed = maxLatency
	}

	w.mu.Lock()
	err := w.mu.hist.RecordValue(elapsed.Nanoseconds())
	w.mu.Unlock()

	if err != nil {
		// Values are clamped to the histogram's range, so this cannot happen.
		panic(fmt.Sprintf(`%s: recording value: %s`, w.name, err))
	}
}

// LatencySummary is a snapshot of one operation's latencies.
type LatencySummary struct {
	Count int64
	P50   time.Duration
	P99   time.Duration
	Max   time.Duration
}

func (w *namedHistogram) Summary() LatencySummary {
	w.mu.Lock()
	defer w.mu.Unlock()
	h := w.mu.hist
	return LatencySummary{
		Count: h.TotalCount(),
		P50:   time.Duration(h.ValueAtQuantile(50)),
		P99:   time.Duration(h.ValueAtQuantile(99)),
		Max:   time.Duration(h.Max()),
	}
}
