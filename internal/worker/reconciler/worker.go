// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package reconciler provides a worker that periodically merges cases
// left sharing members by races or by data written outside the service.
package reconciler

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"
	"gopkg.in/tomb.v2"

	"github.com/juju/consolidator/domain/consolidation/service"
)

const (
	// DefaultInterval is the time between two successful sweeps.
	DefaultInterval = 5 * time.Minute

	// defaultRetryMinInterval is the delay after the first failed sweep.
	// Consecutive failures back off towards the interval.
	defaultRetryMinInterval = 5 * time.Second
)

// CaseService runs a reconciliation sweep.
type CaseService interface {
	Reconcile(ctx context.Context) (service.ReconcileResult, error)
}

// Logger represents the logging methods called.
type Logger interface {
	Errorf(message string, args ...any)
	Warningf(message string, args ...any)
	Infof(message string, args ...any)
	Debugf(message string, args ...any)
}

// Config encapsulates the configuration options for the reconciler
// worker.
type Config struct {
	Service CaseService
	Clock   clock.Clock
	Logger  Logger

	// Metrics is optional.
	Metrics *Collector

	// Interval is the time between sweeps. Zero selects DefaultInterval.
	Interval time.Duration
}

// Validate ensures that the config values are valid.
func (c Config) Validate() error {
	if c.Service == nil {
		return errors.NotValidf("missing Service")
	}
	if c.Clock == nil {
		return errors.NotValidf("missing Clock")
	}
	if c.Logger == nil {
		return errors.NotValidf("missing Logger")
	}
	if c.Interval < 0 {
		return errors.NotValidf("negative Interval")
	}
	return nil
}

// Reconciler sweeps the case store on a timer.
type Reconciler struct {
	tomb tomb.Tomb
	cfg  Config

	backoff func(time.Duration, int) time.Duration
}

// NewWorker starts a Reconciler for the given config.
func NewWorker(cfg Config) (*Reconciler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.Interval == 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetricsCollector()
	}
	retryMin := defaultRetryMinInterval
	if retryMin > cfg.Interval {
		retryMin = cfg.Interval
	}

	w := &Reconciler{
		cfg:     cfg,
		backoff: retry.ExpBackoff(retryMin, cfg.Interval, 2, false),
	}
	w.tomb.Go(w.loop)
	return w, nil
}

// Kill is part of the worker.Worker interface.
func (w *Reconciler) Kill() {
	w.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Reconciler) Wait() error {
	return w.tomb.Wait()
}

func (w *Reconciler) loop() error {
	timer := w.cfg.Clock.NewTimer(w.cfg.Interval)
	defer timer.Stop()

	var failures int
	for {
		select {
		case <-w.tomb.Dying():
			return tomb.ErrDying

		case <-timer.Chan():
			// A failed sweep never kills the worker; the next one is
			// tried sooner, backing off while failures persist.
			if err := w.sweep(); err != nil {
				select {
				case <-w.tomb.Dying():
					return tomb.ErrDying
				default:
				}
				delay := w.backoff(0, failures)
				failures++
				w.cfg.Logger.Errorf("reconciling cases (retrying in %v): %v", delay, err)
				timer.Reset(delay)
				continue
			}
			failures = 0
			timer.Reset(w.cfg.Interval)
		}
	}
}

func (w *Reconciler) sweep() error {
	ctx := w.tomb.Context(context.Background())

	start := w.cfg.Clock.Now()
	result, err := w.cfg.Service.Reconcile(ctx)
	w.cfg.Metrics.observe(result, err, w.cfg.Clock.Now().Sub(start))
	if err != nil {
		return errors.Trace(err)
	}
	if result.Clusters > 0 {
		w.cfg.Logger.Infof("reconciled %d cases: merged %d cases in %d clusters, %d left for the next sweep",
			result.Cases, result.Absorbed, result.Clusters, result.Conflicts)
	} else {
		w.cfg.Logger.Debugf("reconciled %d cases: nothing to merge", result.Cases)
	}
	return nil
}
