// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"
)

// daemon runs the long lived workers of consolidatord and stops them all
// when any of them fails.
type daemon struct {
	catacomb catacomb.Catacomb
	workers  []worker.Worker
}

func newDaemon(workers ...worker.Worker) (*daemon, error) {
	d := &daemon{workers: workers}
	if err := catacomb.Invoke(catacomb.Plan{
		Name: "consolidatord",
		Site: &d.catacomb,
		Work: d.loop,
		Init: workers,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return d, nil
}

// Kill is part of the worker.Worker interface.
func (d *daemon) Kill() {
	d.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (d *daemon) Wait() error {
	return d.catacomb.Wait()
}

func (d *daemon) loop() error {
	<-d.catacomb.Dying()
	return d.catacomb.ErrDying()
}
