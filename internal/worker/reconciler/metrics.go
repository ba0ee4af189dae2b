// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package reconciler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/juju/consolidator/domain/consolidation/service"
)

const metricsNamespace = "consolidator_reconciler"

// Collector is a prometheus.Collector that collects metrics about
// reconciliation sweeps.
type Collector struct {
	sweeps    *prometheus.CounterVec
	absorbed  prometheus.Counter
	conflicts prometheus.Counter
	cases     prometheus.Gauge
	duration  prometheus.Histogram
}

// NewMetricsCollector returns a new Collector.
func NewMetricsCollector() *Collector {
	return &Collector{
		sweeps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "sweeps_total",
				Help:      "The number of reconciliation sweeps, by result.",
			}, []string{"result"},
		),
		absorbed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "absorbed_cases_total",
				Help:      "The number of cases merged into another case by a sweep.",
			},
		),
		conflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "conflicts_total",
				Help:      "The number of merges a sweep lost to a concurrent writer.",
			},
		),
		cases: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "cases",
				Help:      "The number of live cases seen by the last sweep.",
			},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "sweep_duration_seconds",
				Help:      "The time taken by a reconciliation sweep.",
				Buckets:   []float64{0.01, 0.1, 1, 5, 30, 120},
			},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.sweeps.Describe(ch)
	c.absorbed.Describe(ch)
	c.conflicts.Describe(ch)
	c.cases.Describe(ch)
	c.duration.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.sweeps.Collect(ch)
	c.absorbed.Collect(ch)
	c.conflicts.Collect(ch)
	c.cases.Collect(ch)
	c.duration.Collect(ch)
}

func (c *Collector) observe(result service.ReconcileResult, err error, elapsed time.Duration) {
	c.duration.Observe(elapsed.Seconds())
	if err != nil {
		c.sweeps.WithLabelValues("error").Inc()
		return
	}
	c.sweeps.WithLabelValues("ok").Inc()
	c.absorbed.Add(float64(result.Absorbed))
	c.conflicts.Add(float64(result.Conflicts))
	c.cases.Set(float64(result.Cases))
}
