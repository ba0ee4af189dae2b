// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"context"
	"net"
	"os"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"
	"github.com/juju/worker/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/juju/consolidator/cmd"
	"github.com/juju/consolidator/domain/consolidation/service"
	"github.com/juju/consolidator/internal/apiserver"
	"github.com/juju/consolidator/internal/config"
	"github.com/juju/consolidator/internal/eventsource"
	"github.com/juju/consolidator/internal/pipeline"
	"github.com/juju/consolidator/internal/tracing"
	"github.com/juju/consolidator/internal/worker/ingester"
	"github.com/juju/consolidator/internal/worker/reconciler"
)

const serveDoc = `
Serve the case query API and consolidate events submitted to it.

The daemon listens on the http.listen address of the configuration file,
or on --listen. Events are submitted with POST /v1/events; cases are
queried under /v1/cases and /v1/members. Metrics are served on /metrics.

With --events, the JSON lines in the given file ("-" for stdin) are
consolidated as well. Unless reconcile.interval is zero, the case store is
swept for cases sharing members on that interval.
`

type serveCommand struct {
	configFlags
	log *cmd.Log

	listen string
	events cmd.FileVar
}

func newServeCommand(log *cmd.Log) *serveCommand {
	return &serveCommand{log: log}
}

func (c *serveCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:    "serve",
		Purpose: "Run the consolidation daemon.",
		Doc:     serveDoc,
	}
}

func (c *serveCommand) SetFlags(f *gnuflag.FlagSet) {
	c.configFlags.addFlags(f)
	f.StringVar(&c.listen, "listen", "", "Override the address the API listens on")
	f.Var(&c.events, "events", "Also consolidate the JSON lines in this file")
}

func (c *serveCommand) Init(args []string) error {
	return cmd.CheckEmpty(args)
}

func (c *serveCommand) Run(ctx *cmd.Context) error {
	cfg, err := c.load(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if c.listen != "" {
		cfg.HTTP.Listen = c.listen
	}
	if c.log == nil || !c.log.Configured() {
		if err := loggo.ConfigureLoggers(cfg.Logging); err != nil {
			return errors.Annotate(err, "configuring logging")
		}
	}
	stdCtx := ctx.Context()

	hostname, _ := os.Hostname()
	tp, err := tracing.NewProvider(stdCtx, cfg.Tracing.Endpoint, cfg.Tracing.Insecure, version, hostname)
	if err != nil {
		return errors.Trace(err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warningf("flushing spans: %v", err)
		}
	}()

	st, closeStore, err := c.openStore(stdCtx, cfg)
	if err != nil {
		return errors.Annotate(err, "opening case store")
	}
	defer closeStore()

	svc := service.NewService(st, clock.WallClock, loggo.GetLogger("consolidator.service"))
	registry := prometheus.NewRegistry()
	if err := registry.Register(collectors.NewGoCollector()); err != nil {
		return errors.Trace(err)
	}

	p, err := pipeline.New(pipeline.Config{
		Service:      svc,
		Clock:        clock.WallClock,
		Logger:       loggo.GetLogger("consolidator.pipeline"),
		Tracer:       tp.Tracer("consolidator.pipeline"),
		Attempts:     cfg.Ingest.Attempts,
		InitialDelay: cfg.Ingest.InitialDelay,
		MaxDelay:     cfg.Ingest.MaxDelay,
	})
	if err != nil {
		return errors.Trace(err)
	}
	if err := registry.Register(p.Metrics()); err != nil {
		return errors.Trace(err)
	}

	workers, err := c.startWorkers(ctx, cfg, svc, p, registry)
	if err != nil {
		return errors.Trace(err)
	}
	d, err := newDaemon(workers...)
	if err != nil {
		return errors.Trace(err)
	}
	stop := context.AfterFunc(stdCtx, d.Kill)
	defer stop()

	err = d.Wait()
	if stdCtx.Err() != nil {
		logger.Infof("shut down")
		return nil
	}
	return errors.Trace(err)
}

// startWorkers starts the API server, the reconciler and, given --events,
// an ingester. Workers already started are killed if a later one fails.
func (c *serveCommand) startWorkers(
	ctx *cmd.Context, cfg config.Config, svc *service.Service, p *pipeline.Pipeline, registry *prometheus.Registry,
) (_ []worker.Worker, err error) {
	var workers []worker.Worker
	defer func() {
		if err == nil {
			return
		}
		for _, w := range workers {
			w.Kill()
			_ = w.Wait()
		}
	}()

	if cfg.Reconcile.Interval > 0 {
		metrics := reconciler.NewMetricsCollector()
		if err := registry.Register(metrics); err != nil {
			return nil, errors.Trace(err)
		}
		r, err := reconciler.NewWorker(reconciler.Config{
			Service:  svc,
			Clock:    clock.WallClock,
			Logger:   loggo.GetLogger("consolidator.reconciler"),
			Metrics:  metrics,
			Interval: cfg.Reconcile.Interval,
		})
		if err != nil {
			return nil, errors.Trace(err)
		}
		workers = append(workers, r)
	}

	if c.events.Path != "" {
		r, err := c.events.Open(ctx)
		if err != nil {
			return nil, errors.Annotate(err, "opening events")
		}
		w, err := ingester.NewWorker(ingester.Config{
			Source:   eventsource.NewJSONLines(r),
			Pipeline: p,
			Logger:   loggo.GetLogger("consolidator.ingester"),
			Workers:  cfg.Ingest.Workers,
		})
		if err != nil {
			_ = r.Close()
			return nil, errors.Trace(err)
		}
		workers = append(workers, closingWorker{Worker: w, close: r.Close})
	}

	listener, err := net.Listen("tcp", cfg.HTTP.Listen)
	if err != nil {
		return nil, errors.Annotatef(err, "listening on %q", cfg.HTTP.Listen)
	}
	srv, err := apiserver.NewServer(apiserver.Config{
		Service:  svc,
		Pipeline: p,
		Logger:   loggo.GetLogger("consolidator.apiserver"),
		Listener: listener,
		Gatherer: registry,
	})
	if err != nil {
		_ = listener.Close()
		return nil, errors.Trace(err)
	}
	workers = append(workers, srv)
	ctx.Infof("serving api on %s", srv.Addr())
	return workers, nil
}

// closingWorker closes the source of a worker when it is killed or stops.
type closingWorker struct {
	worker.Worker
	close func() error
}

func (w closingWorker) Kill() {
	w.Worker.Kill()
	_ = w.close()
}

func (w closingWorker) Wait() error {
	err := w.Worker.Wait()
	_ = w.close()
	return err
}
