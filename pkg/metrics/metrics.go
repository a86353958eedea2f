// Package metrics records per-record enrichment events and latencies.
//
// Counters are keyed by a group (for HTTP sources "http.<type>" or "http.<name>") and an
// event name. Every implementation is safe for concurrent use.
package metrics

import (
	"time"
)

// Event names a counter incremented once per occurrence.
type Event string

const (
	EventSuccess           Event = "success"
	EventClientError       Event = "client-error-4xx"
	EventServerError       Event = "server-error-5xx"
	EventOtherStatus       Event = "other-status-error"
	EventTransportFailure  Event = "transport-failure"
	EventTotalFailed       Event = "total-failed"
	EventPathReadingFailed Event = "failure-on-reading-path"
)

// Histogram names a latency distribution.
type Histogram string

const HistogramResponseTime Histogram = "response-time"

// Sink receives named events and latency samples.
type Sink interface {
	Mark(group string, event Event)
	Observe(group string, h Histogram, d time.Duration)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Mark(string, Event)                       {}
func (Nop) Observe(string, Histogram, time.Duration) {}

// Multi fans out to several sinks.
type Multi []Sink

func (m Multi) Mark(group string, event Event) {
	for _, s := range m {
		if s != nil {
			s.Mark(group, event)
		}
	}
}

func (m Multi) Observe(group string, h Histogram, d time.Duration) {
	for _, s := range m {
		if s != nil {
			s.Observe(group, h, d)
		}
	}
}
