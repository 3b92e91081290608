// Package metrics provides Prometheus-compatible metrics for the relay: connection
// lifecycle, fan-out, per-command outcomes, the event bus and the HTTP surface.
package metrics

import (
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// desc identifies one exported series. labels is fixed at construction.
type desc struct {
	name   string
	help   string
	labels map[string]string
}

// Name returns the metric name.
func (d *desc) Name() string { return d.name }

// Help returns the metric help text.
func (d *desc) Help() string { return d.help }

// Labels returns a copy of the series labels.
func (d *desc) Labels() map[string]string { return maps.Clone(d.labels) }

// Counter counts things that only happen more often: admitted connections,
// delivered events, evictions.
type Counter struct {
	desc
	value atomic.Int64
}

// NewCounter creates an unlabelled counter.
func NewCounter(name, help string) *Counter {
	return &Counter{desc: desc{name: name, help: help}}
}

// Inc increments the counter by 1.
func (c *Counter) Inc() { c.value.Add(1) }

// Add adds delta. Negative deltas are ignored.
func (c *Counter) Add(delta int64) {
	if delta > 0 {
		c.value.Add(delta)
	}
}

// Value returns the current count.
func (c *Counter) Value() int64 { return c.value.Load() }

// Reset sets the counter back to 0.
func (c *Counter) Reset() { c.value.Store(0) }

// Gauge is a point-in-time count, such as live connections or queued frames.
type Gauge struct {
	desc
	value atomic.Int64
}

// NewGauge creates an unlabelled gauge.
func NewGauge(name, help string) *Gauge {
	return &Gauge{desc: desc{name: name, help: help}}
}

func (g *Gauge) Set(v int64)     { g.value.Store(v) }
func (g *Gauge) Inc()            { g.value.Add(1) }
func (g *Gauge) Dec()            { g.value.Add(-1) }
func (g *Gauge) Add(delta int64) { g.value.Add(delta) }
func (g *Gauge) Value() int64    { return g.value.Load() }

// Histogram tracks a distribution in cumulative buckets. An observation is
// counted in every bucket whose upper bound is at least the value; values
// above the last bound only show up in the count.
type Histogram struct {
	desc
	bounds []float64

	mu     sync.Mutex
	counts []int64
	count  int64
	sum    float64
}

// NewHistogram creates an unlabelled histogram over the given upper bounds.
func NewHistogram(name, help string, bounds []float64) *Histogram {
	return newHistogram(desc{name: name, help: help}, bounds)
}

func newHistogram(d desc, bounds []float64) *Histogram {
	b := slices.Clone(bounds)
	sort.Float64s(b)
	return &Histogram{desc: d, bounds: b, counts: make([]int64, len(b))}
}

// Observe records one value.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.count++
	h.sum += v
	for i := sort.SearchFloat64s(h.bounds, v); i < len(h.counts); i++ {
		h.counts[i]++
	}
}

// Count returns the number of observations.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Sum returns the sum of all observations.
func (h *Histogram) Sum() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sum
}

// histogramSnapshot is a consistent view of a histogram for export.
type histogramSnapshot struct {
	bounds []float64
	counts []int64
	count  int64
	sum    float64
}

func (h *Histogram) snapshot() histogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return histogramSnapshot{
		bounds: h.bounds,
		counts: slices.Clone(h.counts),
		count:  h.count,
		sum:    h.sum,
	}
}

// family holds the labelled children of one metric, keyed by label values.
type family[T any] struct {
	name       string
	help       string
	labelNames []string
	newChild   func(desc) T

	mu       sync.RWMutex
	children map[string]T
}

func (f *family[T]) init(name, help string, labelNames []string, newChild func(desc) T) {
	f.name = name
	f.help = help
	f.labelNames = labelNames
	f.newChild = newChild
	f.children = make(map[string]T)
}

// Name returns the metric name.
func (f *family[T]) Name() string { return f.name }

// Help returns the metric help text.
func (f *family[T]) Help() string { return f.help }

func (f *family[T]) with(values []string) T {
	if len(values) != len(f.labelNames) {
		panic(fmt.Sprintf("%s: expected %d label values, got %d", f.name, len(f.labelNames), len(values)))
	}
	// Label values are printable; 0xff cannot appear in valid UTF-8.
	key := strings.Join(values, "\xff")

	f.mu.RLock()
	child, ok := f.children[key]
	f.mu.RUnlock()
	if ok {
		return child
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if child, ok := f.children[key]; ok {
		return child
	}
	labels := make(map[string]string, len(values))
	for i, n := range f.labelNames {
		labels[n] = values[i]
	}
	child = f.newChild(desc{name: f.name, help: f.help, labels: labels})
	f.children[key] = child
	return child
}

// all returns the children ordered by label values.
func (f *family[T]) all() []T {
	f.mu.RLock()
	defer f.mu.RUnlock()
	keys := slices.Sorted(maps.Keys(f.children))
	out := make([]T, len(keys))
	for i, k := range keys {
		out[i] = f.children[k]
	}
	return out
}

// CounterVec is a counter partitioned by labels, e.g. close reasons.
type CounterVec struct {
	family[*Counter]
}

// NewCounterVec creates a counter vector.
func NewCounterVec(name, help string, labelNames []string) *CounterVec {
	v := &CounterVec{}
	v.init(name, help, labelNames, func(d desc) *Counter { return &Counter{desc: d} })
	return v
}

// WithLabels returns the counter for the given label values, in labelNames
// order. It panics on a count mismatch.
func (v *CounterVec) WithLabels(values ...string) *Counter { return v.with(values) }

// GetAll returns every counter created so far, ordered by label values.
func (v *CounterVec) GetAll() []*Counter { return v.all() }

// HistogramVec is a histogram partitioned by labels. All children share the
// vector's bounds.
type HistogramVec struct {
	family[*Histogram]
}

// NewHistogramVec creates a histogram vector.
func NewHistogramVec(name, help string, labelNames []string, bounds []float64) *HistogramVec {
	v := &HistogramVec{}
	v.init(name, help, labelNames, func(d desc) *Histogram { return newHistogram(d, bounds) })
	return v
}

// WithLabels returns the histogram for the given label values.
func (v *HistogramVec) WithLabels(values ...string) *Histogram { return v.with(values) }

// GetAll returns every histogram created so far, ordered by label values.
func (v *HistogramVec) GetAll() []*Histogram { return v.all() }
