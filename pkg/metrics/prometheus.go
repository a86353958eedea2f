package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus exports events and latencies as Prometheus collectors.
type Prometheus struct {
	events  *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

// NewPrometheus registers the enrichment collectors on reg.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	p := &Prometheus{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enrichment_events_total",
				Help: "Per-record enrichment outcomes by source group and event",
			},
			[]string{"group", "event"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "enrichment_latency_seconds",
				Help:    "Per-record enrichment latency by source group",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms to ~41s
			},
			[]string{"group", "histogram"},
		),
	}
	if err := reg.Register(p.events); err != nil {
		return nil, err
	}
	if err := reg.Register(p.latency); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Prometheus) Mark(group string, event Event) {
	p.events.WithLabelValues(group, string(event)).Inc()
}

func (p *Prometheus) Observe(group string, h Histogram, d time.Duration) {
	p.latency.WithLabelValues(group, string(h)).Observe(d.Seconds())
}
