package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type counterKey struct {
	group string
	event Event
}

type histogramKey struct {
	group string
	name  Histogram
}

type histogram struct {
	count atomic.Int64
	sumNs atomic.Int64
	maxNs atomic.Int64
}

// Registry is an in-process Sink backed by atomic counters.
//
// Lookups of existing series take no lock; a series is created once on first use.
type Registry struct {
	counters   sync.Map // counterKey -> *atomic.Int64
	histograms sync.Map // histogramKey -> *histogram
}

func NewRegistry() *Registry { return &Registry{} }

func (r *Registry) Mark(group string, event Event) {
	v, _ := r.counters.LoadOrStore(counterKey{group, event}, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
}

func (r *Registry) Observe(group string, h Histogram, d time.Duration) {
	v, _ := r.histograms.LoadOrStore(histogramKey{group, h}, new(histogram))
	hist := v.(*histogram)
	hist.count.Add(1)
	hist.sumNs.Add(int64(d))
	for {
		prev := hist.maxNs.Load()
		if int64(d) <= prev || hist.maxNs.CompareAndSwap(prev, int64(d)) {
			break
		}
	}
}

// Count returns the value of a counter.
func (r *Registry) Count(group string, event Event) int64 {
	v, ok := r.counters.Load(counterKey{group, event})
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

// Samples returns how many samples a histogram holds.
func (r *Registry) Samples(group string, h Histogram) int64 {
	v, ok := r.histograms.Load(histogramKey{group, h})
	if !ok {
		return 0
	}
	return v.(*histogram).count.Load()
}

// HistogramSummary is a point-in-time view of one histogram.
type HistogramSummary struct {
	Count int64
	Sum   time.Duration
	Max   time.Duration
}

// Mean returns the average sample, or zero without samples.
func (s HistogramSummary) Mean() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Sum / time.Duration(s.Count)
}

// Summary returns the histogram's aggregate.
func (r *Registry) Summary(group string, h Histogram) HistogramSummary {
	v, ok := r.histograms.Load(histogramKey{group, h})
	if !ok {
		return HistogramSummary{}
	}
	hist := v.(*histogram)
	return HistogramSummary{
		Count: hist.count.Load(),
		Sum:   time.Duration(hist.sumNs.Load()),
		Max:   time.Duration(hist.maxNs.Load()),
	}
}

// Snapshot returns every counter as "group/event" -> value.
func (r *Registry) Snapshot() map[string]int64 {
	out := make(map[string]int64)
	r.counters.Range(func(k, v any) bool {
		key := k.(counterKey)
		out[key.group+"/"+string(key.event)] = v.(*atomic.Int64).Load()
		return true
	})
	return out
}

// Groups returns the sorted groups that have at least one counter.
func (r *Registry) Groups() []string {
	seen := make(map[string]struct{})
	r.counters.Range(func(k, _ any) bool {
		seen[k.(counterKey).group] = struct{}{}
		return true
	})
	out := make([]string, 0, len(seen))
	for g := range seen {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}
