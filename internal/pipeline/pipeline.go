// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package pipeline consolidates single events end to end: the event is
// validated, resolved to a case and appended to it, and the whole sequence
// is retried with backoff when it loses a race against another writer.
package pipeline

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/juju/consolidator/domain/consolidation"
	consolidationerrors "github.com/juju/consolidator/domain/consolidation/errors"
)

const (
	// DefaultAttempts is the number of times an event is tried before
	// giving up.
	DefaultAttempts = 5

	// DefaultInitialDelay is the delay before the first retry.
	DefaultInitialDelay = 20 * time.Millisecond

	// DefaultMaxDelay caps the delay between retries.
	DefaultMaxDelay = time.Second

	tracerName = "github.com/juju/consolidator/internal/pipeline"
)

// CaseService resolves events to cases and appends them.
type CaseService interface {
	// Resolve returns the id of the case owning the referenced ids,
	// creating or merging cases as needed.
	Resolve(ctx context.Context, referenced set.Strings) (string, error)

	// Append adds the event to the case unless it is already there.
	Append(ctx context.Context, caseID string, ev consolidation.BusinessEvent) (bool, error)
}

// Logger represents the logging methods called.
type Logger interface {
	Errorf(message string, args ...any)
	Warningf(message string, args ...any)
	Infof(message string, args ...any)
	Debugf(message string, args ...any)
}

// Config holds the dependencies and tuning of a Pipeline.
type Config struct {
	Service CaseService
	Clock   clock.Clock
	Logger  Logger

	// Metrics and Tracer are optional.
	Metrics *Collector
	Tracer  trace.Tracer

	// Attempts, InitialDelay and MaxDelay bound the retries. Zero values
	// select the defaults.
	Attempts     int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// Validate checks the config is usable.
func (config Config) Validate() error {
	if config.Service == nil {
		return errors.NotValidf("nil Service")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if config.Attempts < 0 {
		return errors.NotValidf("negative Attempts")
	}
	if config.InitialDelay < 0 || config.MaxDelay < 0 {
		return errors.NotValidf("negative delay")
	}
	if config.MaxDelay > 0 && config.InitialDelay > config.MaxDelay {
		return errors.NotValidf("InitialDelay %v above MaxDelay %v", config.InitialDelay, config.MaxDelay)
	}
	return nil
}

func (config Config) withDefaults() Config {
	if config.Attempts == 0 {
		config.Attempts = DefaultAttempts
	}
	if config.InitialDelay == 0 {
		config.InitialDelay = DefaultInitialDelay
	}
	if config.MaxDelay == 0 {
		config.MaxDelay = DefaultMaxDelay
	}
	if config.InitialDelay > config.MaxDelay {
		config.MaxDelay = config.InitialDelay
	}
	if config.Metrics == nil {
		config.Metrics = NewMetricsCollector()
	}
	if config.Tracer == nil {
		config.Tracer = otel.Tracer(tracerName)
	}
	return config
}

// Result describes the outcome of ingesting one event.
type Result struct {
	// CaseID is the case the event belongs to.
	CaseID string
	// Applied is false when the event was already part of the case.
	Applied bool
	// Attempts is the number of resolve and append sequences run.
	Attempts int
}

// Pipeline ingests events into cases. It is safe for concurrent use.
type Pipeline struct {
	config Config
}

// New returns a Pipeline for the given config.
func New(config Config) (*Pipeline, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Pipeline{config: config.withDefaults()}, nil
}

// Metrics returns the collector the pipeline records to.
func (p *Pipeline) Metrics() *Collector {
	return p.config.Metrics
}

// Ingest consolidates the event into its case.
//
// Invalid events fail with an error satisfying errors.NotValid and are
// never retried. An event is invalid when its techId or mainObjectId is
// empty, or when any of its secondary object ids is empty.
//
// Races against other writers are retried; when the attempts run out the
// error satisfies RetriesExhausted as well as the last race error, and the
// event is safe to deliver again. Any other failure, including the store
// being unavailable, is returned at once.
func (p *Pipeline) Ingest(ctx context.Context, ev consolidation.BusinessEvent) (_ Result, err error) {
	ctx, span := p.config.Tracer.Start(ctx, "ingest", trace.WithAttributes(
		attribute.String("event.tech_id", ev.TechID),
		attribute.String("event.main_object_id", ev.MainObjectID),
	))
	start := p.config.Clock.Now()
	var result Result
	defer func() {
		p.record(span, result, err, p.config.Clock.Now().Sub(start))
		span.End()
	}()

	if err := ev.Validate(); err != nil {
		return Result{}, errors.Trace(err)
	}
	referenced := ev.ReferencedIDs()

	err = retry.Call(retry.CallArgs{
		Func: func() error {
			result.Attempts++
			caseID, err := p.config.Service.Resolve(ctx, referenced)
			if err != nil {
				return errors.Trace(err)
			}
			applied, err := p.config.Service.Append(ctx, caseID, ev)
			if err != nil {
				return errors.Trace(err)
			}
			result.CaseID = caseID
			result.Applied = applied
			return nil
		},
		IsFatalError: func(err error) bool {
			return !consolidationerrors.IsRetryable(err)
		},
		NotifyFunc: func(lastError error, attempt int) {
			p.config.Logger.Debugf("event %q attempt %d: %v", ev.TechID, attempt, lastError)
			span.AddEvent("retry", trace.WithAttributes(attribute.Int("attempt", attempt)))
			p.config.Metrics.retries.Inc()
		},
		Attempts:    p.config.Attempts,
		Delay:       p.config.InitialDelay,
		MaxDelay:    p.config.MaxDelay,
		BackoffFunc: retry.ExpBackoff(p.config.InitialDelay, p.config.MaxDelay, 2, true),
		Clock:       p.config.Clock,
		Stop:        ctx.Done(),
	})
	switch {
	case err == nil:
		return result, nil
	case retry.IsAttemptsExceeded(err):
		last := retry.LastError(err)
		return result, errors.Annotatef(errors.WithType(last, consolidationerrors.RetriesExhausted),
			"consolidating event %q after %d attempts", ev.TechID, result.Attempts)
	case retry.IsRetryStopped(err):
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, errors.Annotatef(ctxErr, "consolidating event %q", ev.TechID)
		}
		return result, errors.Trace(err)
	}
	return result, errors.Annotatef(err, "consolidating event %q", ev.TechID)
}

func (p *Pipeline) record(span trace.Span, result Result, err error, elapsed time.Duration) {
	outcome := outcomeApplied
	switch {
	case errors.Is(err, errors.NotValid):
		outcome = outcomeInvalid
	case errors.Is(err, consolidationerrors.RetriesExhausted):
		outcome = outcomeExhausted
	case err != nil:
		outcome = outcomeFailed
	case !result.Applied:
		outcome = outcomeDuplicate
	}
	p.config.Metrics.observe(outcome, result.Attempts, elapsed.Seconds())

	span.SetAttributes(
		attribute.String("ingest.outcome", outcome),
		attribute.Int("ingest.attempts", result.Attempts),
	)
	if result.CaseID != "" {
		span.SetAttributes(attribute.String("case.id", result.CaseID))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
