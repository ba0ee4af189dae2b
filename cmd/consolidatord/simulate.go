// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"fmt"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"

	"github.com/juju/consolidator/cmd"
	"github.com/juju/consolidator/domain/consolidation/service"
	"github.com/juju/consolidator/internal/config"
	"github.com/juju/consolidator/internal/pipeline"
	"github.com/juju/consolidator/internal/simulator"
)

const simulateDoc = `
Simulate business cases whose three events arrive out of causal order and
check that each is consolidated into exactly one case.

Event A references the main object M, event C the secondary object S2, and
event B links S1 to both. Delivering B last (the default order ACB) means
A and C first land in separate cases that B has to merge.

With --all-orders every delivery order is simulated in turn. --duplicates
delivers every event that many extra times; a non-zero --seed shuffles the
deliveries of all cases together. The configured store is used; without a
configuration file cases are kept in memory.
`

type simulateCommand struct {
	configFlags

	cases      int
	order      string
	allOrders  bool
	duplicates int
	seed       int64
	workers    int
	reconcile  bool
}

func (c *simulateCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:    "simulate",
		Purpose: "Check out of order events converge into single cases.",
		Doc:     simulateDoc,
	}
}

func (c *simulateCommand) SetFlags(f *gnuflag.FlagSet) {
	c.configFlags.addFlags(f)
	f.IntVar(&c.cases, "cases", 1, "Number of business cases simulated")
	f.StringVar(&c.order, "order", simulator.DefaultOrder, "Delivery order of the events of each case")
	f.BoolVar(&c.allOrders, "all-orders", false, "Simulate every delivery order")
	f.IntVar(&c.duplicates, "duplicates", 0, "Extra deliveries of every event")
	f.Int64Var(&c.seed, "seed", 0, "Shuffle all deliveries with this seed")
	f.IntVar(&c.workers, "workers", 0, "Number of events consolidated concurrently")
	f.BoolVar(&c.reconcile, "reconcile", false, "Run a reconciliation sweep before checking")
}

func (c *simulateCommand) Init(args []string) error {
	if err := cmd.CheckEmpty(args); err != nil {
		return errors.Trace(err)
	}
	if c.workers < 0 {
		return errors.NotValidf("negative --workers")
	}
	return errors.Trace(c.scenario(c.order).Validate())
}

func (c *simulateCommand) scenario(order string) simulator.Scenario {
	s := simulator.Scenario{
		Cases:      c.cases,
		Order:      order,
		Duplicates: c.duplicates,
		Seed:       c.seed,
		Start:      clock.WallClock.Now(),
	}
	if c.allOrders {
		s.Prefix = order + "-"
	}
	return s
}

func (c *simulateCommand) Run(ctx *cmd.Context) error {
	cfg, err := c.load(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if c.workers > 0 {
		cfg.Ingest.Workers = c.workers
	}

	orders := []string{c.order}
	if c.allOrders {
		orders = simulator.Orders()
	}
	var failed int
	for _, order := range orders {
		ok, err := c.simulate(ctx, cfg, order)
		if err != nil {
			return errors.Annotatef(err, "simulating order %s", order)
		}
		if !ok {
			failed++
		}
	}
	if failed > 0 {
		return errors.Errorf("%d of %d orders did not converge", failed, len(orders))
	}
	return nil
}

// simulate runs one order against a fresh store, or the shared configured
// store, and writes its report.
func (c *simulateCommand) simulate(ctx *cmd.Context, cfg config.Config, order string) (bool, error) {
	stdCtx := ctx.Context()
	st, closeStore, err := c.openStore(stdCtx, cfg)
	if err != nil {
		return false, errors.Annotate(err, "opening case store")
	}
	defer closeStore()

	logger := loggo.GetLogger("consolidator.simulator")
	svc := service.NewService(st, clock.WallClock, logger)
	p, err := pipeline.New(pipeline.Config{
		Service:      svc,
		Clock:        clock.WallClock,
		Logger:       loggo.GetLogger("consolidator.pipeline"),
		Attempts:     cfg.Ingest.Attempts,
		InitialDelay: cfg.Ingest.InitialDelay,
		MaxDelay:     cfg.Ingest.MaxDelay,
	})
	if err != nil {
		return false, errors.Trace(err)
	}

	plan, err := c.scenario(order).Plan()
	if err != nil {
		return false, errors.Trace(err)
	}
	report, err := simulator.Run(stdCtx, simulator.RunConfig{
		Pipeline:  p,
		Service:   svc,
		Logger:    logger,
		Clock:     clock.WallClock,
		Workers:   cfg.Ingest.Workers,
		Reconcile: c.reconcile,
	}, plan)
	converged := err == nil
	if report.Outcomes == nil && err != nil {
		return false, errors.Trace(err)
	}

	if _, err := fmt.Fprintf(ctx.Stdout, "Order %s\n", order); err != nil {
		return false, errors.Trace(err)
	}
	if err := simulator.WriteReport(ctx.Stdout, report); err != nil {
		return false, errors.Trace(err)
	}
	return converged, nil
}
