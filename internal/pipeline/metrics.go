// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "consolidator_pipeline"

const (
	outcomeApplied   = "applied"
	outcomeDuplicate = "duplicate"
	outcomeInvalid   = "invalid"
	outcomeExhausted = "exhausted"
	outcomeFailed    = "failed"
)

// Collector is a prometheus.Collector that collects metrics about
// ingested events.
type Collector struct {
	events   *prometheus.CounterVec
	retries  prometheus.Counter
	attempts prometheus.Histogram
	duration prometheus.Histogram
}

// NewMetricsCollector returns a new Collector.
func NewMetricsCollector() *Collector {
	return &Collector{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "events_total",
				Help:      "The number of events ingested, by outcome.",
			}, []string{"outcome"},
		),
		retries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "retries_total",
				Help:      "The number of ingest attempts retried after a race.",
			},
		),
		attempts: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "attempts",
				Help:      "The number of attempts taken to ingest an event.",
				Buckets:   []float64{1, 2, 3, 4, 5, 8},
			},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "duration_seconds",
				Help:      "The time taken to ingest an event.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.events.Describe(ch)
	c.retries.Describe(ch)
	c.attempts.Describe(ch)
	c.duration.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.events.Collect(ch)
	c.retries.Collect(ch)
	c.attempts.Collect(ch)
	c.duration.Collect(ch)
}

func (c *Collector) observe(outcome string, attempts int, seconds float64) {
	c.events.WithLabelValues(outcome).Inc()
	if attempts > 0 {
		c.attempts.Observe(float64(attempts))
	}
	c.duration.Observe(seconds)
}
