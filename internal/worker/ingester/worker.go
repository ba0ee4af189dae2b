// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package ingester provides a worker that drains an event source into the
// ingestion pipeline with a fixed pool of goroutines.
package ingester

import (
	"context"
	"io"
	"sync/atomic"

	"github.com/juju/errors"
	"gopkg.in/tomb.v2"

	"github.com/juju/consolidator/domain/consolidation"
	consolidationerrors "github.com/juju/consolidator/domain/consolidation/errors"
	"github.com/juju/consolidator/internal/pipeline"
)

// DefaultWorkers is the size of the pool when none is configured.
const DefaultWorkers = 4

// Source delivers events. Next returns io.EOF once the source is drained.
// Decoding failures of a single delivery satisfy errors.NotValid and do
// not stop the source.
type Source interface {
	Next(ctx context.Context) (consolidation.BusinessEvent, error)
}

// Pipeline consolidates one event.
type Pipeline interface {
	Ingest(ctx context.Context, ev consolidation.BusinessEvent) (pipeline.Result, error)
}

// Logger represents the logging methods called.
type Logger interface {
	Errorf(message string, args ...any)
	Warningf(message string, args ...any)
	Infof(message string, args ...any)
	Debugf(message string, args ...any)
}

// Config encapsulates the configuration options for the ingester worker.
type Config struct {
	Source   Source
	Pipeline Pipeline
	Logger   Logger

	// Workers is the number of events ingested concurrently.
	Workers int

	// OnFailure, if set, is called with every event the pipeline failed
	// to consolidate. Such events are safe to deliver again.
	OnFailure func(ev consolidation.BusinessEvent, err error)
}

// Validate ensures that the config values are valid.
func (c Config) Validate() error {
	if c.Source == nil {
		return errors.NotValidf("missing Source")
	}
	if c.Pipeline == nil {
		return errors.NotValidf("missing Pipeline")
	}
	if c.Logger == nil {
		return errors.NotValidf("missing Logger")
	}
	if c.Workers < 0 {
		return errors.NotValidf("negative Workers")
	}
	return nil
}

// Stats counts what the worker did with the events it read.
type Stats struct {
	Read       int64
	Skipped    int64
	Applied    int64
	Duplicates int64
	Failed     int64
}

// Worker reads events from its source and ingests them. It stops by
// itself, without error, once the source is drained and every event read
// has been ingested.
type Worker struct {
	tomb tomb.Tomb
	cfg  Config

	events chan consolidation.BusinessEvent

	read       atomic.Int64
	skipped    atomic.Int64
	applied    atomic.Int64
	duplicates atomic.Int64
	failed     atomic.Int64
}

// NewWorker starts a Worker for the given config.
func NewWorker(cfg Config) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.Workers == 0 {
		cfg.Workers = DefaultWorkers
	}

	w := &Worker{
		cfg:    cfg,
		events: make(chan consolidation.BusinessEvent),
	}
	w.tomb.Go(w.produce)
	for i := 0; i < cfg.Workers; i++ {
		w.tomb.Go(w.consume)
	}
	return w, nil
}

// Kill is part of the worker.Worker interface.
func (w *Worker) Kill() {
	w.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Worker) Wait() error {
	return w.tomb.Wait()
}

// Stats returns the counts so far.
func (w *Worker) Stats() Stats {
	return Stats{
		Read:       w.read.Load(),
		Skipped:    w.skipped.Load(),
		Applied:    w.applied.Load(),
		Duplicates: w.duplicates.Load(),
		Failed:     w.failed.Load(),
	}
}

// Report is shown in the daemon's introspection output.
func (w *Worker) Report() map[string]any {
	stats := w.Stats()
	return map[string]any{
		"workers":    w.cfg.Workers,
		"read":       stats.Read,
		"skipped":    stats.Skipped,
		"applied":    stats.Applied,
		"duplicates": stats.Duplicates,
		"failed":     stats.Failed,
	}
}

// produce hands every event read to the pool and closes the channel once
// the source is drained.
func (w *Worker) produce() error {
	defer close(w.events)

	ctx := w.tomb.Context(context.Background())
	for {
		ev, err := w.cfg.Source.Next(ctx)
		if errors.Is(err, io.EOF) {
			w.cfg.Logger.Debugf("event source drained after %d events", w.read.Load())
			return nil
		} else if errors.Is(err, errors.NotValid) {
			w.skipped.Add(1)
			w.cfg.Logger.Warningf("skipping delivery: %v", err)
			continue
		} else if err != nil {
			select {
			case <-w.tomb.Dying():
				return tomb.ErrDying
			default:
			}
			return errors.Annotate(err, "reading events")
		}
		w.read.Add(1)

		select {
		case <-w.tomb.Dying():
			return tomb.ErrDying
		case w.events <- ev:
		}
	}
}

func (w *Worker) consume() error {
	ctx := w.tomb.Context(context.Background())
	for {
		select {
		case <-w.tomb.Dying():
			return tomb.ErrDying
		case ev, ok := <-w.events:
			if !ok {
				return nil
			}
			w.ingest(ctx, ev)
		}
	}
}

func (w *Worker) ingest(ctx context.Context, ev consolidation.BusinessEvent) {
	result, err := w.cfg.Pipeline.Ingest(ctx, ev)
	switch {
	case err == nil && result.Applied:
		w.applied.Add(1)
		w.cfg.Logger.Debugf("event %q appended to case %q", ev.TechID, result.CaseID)
		return
	case err == nil:
		w.duplicates.Add(1)
		w.cfg.Logger.Debugf("event %q already in case %q", ev.TechID, result.CaseID)
		return
	case errors.Is(err, context.Canceled):
		// Stopping; the event is left for redelivery.
		return
	case errors.Is(err, errors.NotValid):
		w.cfg.Logger.Warningf("rejecting event: %v", err)
	case errors.Is(err, consolidationerrors.RetriesExhausted):
		w.cfg.Logger.Warningf("event %q left for redelivery: %v", ev.TechID, err)
	default:
		w.cfg.Logger.Errorf("ingesting event %q: %v", ev.TechID, err)
	}
	w.failed.Add(1)
	if w.cfg.OnFailure != nil {
		w.cfg.OnFailure(ev, err)
	}
}
