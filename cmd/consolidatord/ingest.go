// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"context"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/gosuri/uitable"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"

	"github.com/juju/consolidator/cmd"
	"github.com/juju/consolidator/domain/consolidation"
	"github.com/juju/consolidator/domain/consolidation/service"
	"github.com/juju/consolidator/internal/eventsource"
	"github.com/juju/consolidator/internal/pipeline"
	"github.com/juju/consolidator/internal/worker/ingester"
)

const ingestDoc = `
Consolidate the events in a file of JSON lines into the configured case
store, then report what happened to them. Each line holds one event:

    {"techId":"t1","mainObjectId":"M","secondaryObjectIds":["S1"],
     "timestamp":"2026-03-01T09:00:00Z","payload":{}}

Lines that cannot be decoded are skipped. Events that could not be
consolidated are listed and can be delivered again.
`

type ingestCommand struct {
	configFlags
	out cmd.Output

	events  cmd.FileVar
	workers int
}

func (c *ingestCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:    "ingest",
		Args:    "[<file>]",
		Purpose: "Consolidate events from a file of JSON lines.",
		Doc:     ingestDoc,
	}
}

func (c *ingestCommand) SetFlags(f *gnuflag.FlagSet) {
	c.configFlags.addFlags(f)
	f.IntVar(&c.workers, "workers", 0, "Number of events consolidated concurrently")
	c.out.AddFlags(f, "tabular", map[string]cmd.Formatter{
		"yaml":    cmd.FormatYaml,
		"json":    cmd.FormatJson,
		"tabular": formatIngestTabular,
	})
}

func (c *ingestCommand) Init(args []string) error {
	path := "-"
	switch len(args) {
	case 0:
	case 1:
		path = args[0]
	default:
		return cmd.CheckEmpty(args[1:])
	}
	if c.workers < 0 {
		return errors.NotValidf("negative --workers")
	}
	return c.events.Set(path)
}

// ingestReport is the output of the ingest command.
type ingestReport struct {
	Read       int64           `json:"read" yaml:"read"`
	Skipped    int64           `json:"skipped" yaml:"skipped"`
	Applied    int64           `json:"applied" yaml:"applied"`
	Duplicates int64           `json:"duplicates" yaml:"duplicates"`
	Failed     int64           `json:"failed" yaml:"failed"`
	Failures   []ingestFailure `json:"failures,omitempty" yaml:"failures,omitempty"`
}

type ingestFailure struct {
	TechID string `json:"techId" yaml:"tech-id"`
	Error  string `json:"error" yaml:"error"`
}

func (c *ingestCommand) Run(ctx *cmd.Context) error {
	cfg, err := c.load(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if c.workers > 0 {
		cfg.Ingest.Workers = c.workers
	}
	stdCtx := ctx.Context()

	st, closeStore, err := c.openStore(stdCtx, cfg)
	if err != nil {
		return errors.Annotate(err, "opening case store")
	}
	defer closeStore()

	r, err := c.events.Open(ctx)
	if err != nil {
		return errors.Annotate(err, "opening events")
	}
	defer r.Close()

	svc := service.NewService(st, clock.WallClock, loggo.GetLogger("consolidator.service"))
	p, err := pipeline.New(pipeline.Config{
		Service:      svc,
		Clock:        clock.WallClock,
		Logger:       loggo.GetLogger("consolidator.pipeline"),
		Attempts:     cfg.Ingest.Attempts,
		InitialDelay: cfg.Ingest.InitialDelay,
		MaxDelay:     cfg.Ingest.MaxDelay,
	})
	if err != nil {
		return errors.Trace(err)
	}

	report, err := ingest(stdCtx, eventsource.NewJSONLines(r), p, cfg.Ingest.Workers)
	if err != nil {
		return errors.Trace(err)
	}
	if err := c.out.Write(ctx, report); err != nil {
		return errors.Trace(err)
	}
	if report.Failed > 0 {
		return errors.Errorf("%d events not consolidated", report.Failed)
	}
	return nil
}

// ingest drains the source through an ingester worker.
func ingest(ctx context.Context, source ingester.Source, p ingester.Pipeline, workers int) (ingestReport, error) {
	failures := make(chan ingestFailure, 64)
	var report ingestReport
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for f := range failures {
			report.Failures = append(report.Failures, f)
		}
	}()

	w, err := ingester.NewWorker(ingester.Config{
		Source:   source,
		Pipeline: p,
		Logger:   loggo.GetLogger("consolidator.ingester"),
		Workers:  workers,
		OnFailure: func(ev consolidation.BusinessEvent, err error) {
			failures <- ingestFailure{TechID: ev.TechID, Error: err.Error()}
		},
	})
	if err != nil {
		close(failures)
		<-collected
		return report, errors.Trace(err)
	}
	stop := context.AfterFunc(ctx, w.Kill)
	defer stop()

	err = w.Wait()
	close(failures)
	<-collected

	stats := w.Stats()
	report.Read = stats.Read
	report.Skipped = stats.Skipped
	report.Applied = stats.Applied
	report.Duplicates = stats.Duplicates
	report.Failed = stats.Failed
	if err != nil {
		return report, errors.Annotate(err, "ingesting events")
	}
	return report, errors.Trace(ctx.Err())
}

func formatIngestTabular(w io.Writer, value any) error {
	report, ok := value.(ingestReport)
	if !ok {
		return errors.Errorf("expected ingest report, got %T", value)
	}
	table := uitable.New()
	table.AddRow("Read:", humanize.Comma(report.Read))
	table.AddRow("Skipped:", humanize.Comma(report.Skipped))
	table.AddRow("Applied:", humanize.Comma(report.Applied))
	table.AddRow("Duplicates:", humanize.Comma(report.Duplicates))
	table.AddRow("Failed:", humanize.Comma(report.Failed))
	if _, err := fmt.Fprintln(w, table); err != nil {
		return errors.Trace(err)
	}
	if len(report.Failures) == 0 {
		return nil
	}

	failures := uitable.New()
	failures.MaxColWidth = 80
	failures.Wrap = true
	failures.AddRow("EVENT", "ERROR")
	for _, f := range report.Failures {
		failures.AddRow(f.TechID, f.Error)
	}
	_, err := fmt.Fprintln(w, failures)
	return errors.Trace(err)
}
