// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package simulator

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gosuri/uitable"
	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/juju/consolidator/domain/consolidation"
	"github.com/juju/consolidator/domain/consolidation/service"
	"github.com/juju/consolidator/internal/eventsource"
	"github.com/juju/consolidator/internal/worker/ingester"
)

// CaseService lists the consolidated cases and optionally heals them.
type CaseService interface {
	AllCases(ctx context.Context) ([]consolidation.Case, error)
	Reconcile(ctx context.Context) (service.ReconcileResult, error)
}

// RunConfig holds what a simulation run is wired to.
type RunConfig struct {
	Pipeline ingester.Pipeline
	Service  CaseService
	Logger   ingester.Logger
	Clock    clock.Clock

	// Workers is the number of deliveries ingested concurrently.
	Workers int

	// Reconcile runs one reconciliation sweep after ingesting, before the
	// cases are verified.
	Reconcile bool
}

// Validate checks the config is usable.
func (c RunConfig) Validate() error {
	if c.Pipeline == nil {
		return errors.NotValidf("nil Pipeline")
	}
	if c.Service == nil {
		return errors.NotValidf("nil Service")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

// Report describes a finished simulation run.
type Report struct {
	Deliveries int
	Stats      ingester.Stats
	Reconciled *service.ReconcileResult
	Cases      int
	Outcomes   []Outcome
	Elapsed    time.Duration
}

// Converged counts the simulated cases that became exactly one case.
func (r Report) Converged() int {
	var n int
	for _, o := range r.Outcomes {
		if o.Converged() {
			n++
		}
	}
	return n
}

// Run delivers every event of the plan through an ingester worker, waits
// for it to drain and verifies the resulting cases. The report is returned
// even when verification fails.
func Run(ctx context.Context, cfg RunConfig, plan Plan) (Report, error) {
	if err := cfg.Validate(); err != nil {
		return Report{}, errors.Trace(err)
	}
	report := Report{Deliveries: len(plan.Deliveries)}
	start := cfg.Clock.Now()

	w, err := ingester.NewWorker(ingester.Config{
		Source:   eventsource.NewSlice(plan.Deliveries...),
		Pipeline: cfg.Pipeline,
		Logger:   cfg.Logger,
		Workers:  cfg.Workers,
		OnFailure: func(ev consolidation.BusinessEvent, err error) {
			cfg.Logger.Warningf("simulated event %q not consolidated: %v", ev.TechID, err)
		},
	})
	if err != nil {
		return report, errors.Trace(err)
	}
	stop := context.AfterFunc(ctx, w.Kill)
	defer stop()
	err = w.Wait()
	report.Stats = w.Stats()
	if err != nil {
		return report, errors.Annotate(err, "ingesting simulated events")
	}
	if err := ctx.Err(); err != nil {
		return report, errors.Trace(err)
	}

	if cfg.Reconcile {
		result, err := cfg.Service.Reconcile(ctx)
		if err != nil {
			return report, errors.Annotate(err, "reconciling simulated cases")
		}
		report.Reconciled = &result
	}

	cases, err := cfg.Service.AllCases(ctx)
	if err != nil {
		return report, errors.Annotate(err, "listing cases")
	}
	report.Cases = len(cases)
	report.Outcomes, err = plan.Verify(cases)
	report.Elapsed = cfg.Clock.Now().Sub(start)
	return report, errors.Trace(err)
}

// WriteReport writes a human readable summary of the report.
func WriteReport(w io.Writer, report Report) error {
	summary := uitable.New()
	summary.AddRow("Deliveries:", humanize.Comma(int64(report.Deliveries)))
	summary.AddRow("Applied:", humanize.Comma(report.Stats.Applied))
	summary.AddRow("Duplicates:", humanize.Comma(report.Stats.Duplicates))
	summary.AddRow("Failed:", humanize.Comma(report.Stats.Failed))
	if report.Reconciled != nil {
		summary.AddRow("Reconciled:", fmt.Sprintf("%d absorbed, %d conflicts",
			report.Reconciled.Absorbed, report.Reconciled.Conflicts))
	}
	summary.AddRow("Cases:", humanize.Comma(int64(report.Cases)))
	summary.AddRow("Converged:", fmt.Sprintf("%d/%d", report.Converged(), len(report.Outcomes)))
	summary.AddRow("Elapsed:", report.Elapsed.Round(time.Millisecond))
	if _, err := fmt.Fprintln(w, summary); err != nil {
		return errors.Trace(err)
	}

	table := uitable.New()
	table.MaxColWidth = 60
	table.Wrap = true
	table.AddRow("SIMULATED", "CASE", "MEMBERS", "EVENTS", "STATUS")
	for _, o := range report.Outcomes {
		status := "converged"
		if !o.Converged() {
			status = o.Problem
		}
		table.AddRow(o.Key, strings.Join(o.CaseIDs, ","), strings.Join(o.Members, ","), o.Events, status)
	}
	_, err := fmt.Fprintln(w, table)
	return errors.Trace(err)
}
