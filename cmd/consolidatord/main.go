// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// consolidatord consolidates business events that reference shared
// business objects into canonical cases.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/loggo/v2"

	"github.com/juju/consolidator/cmd"
)

var logger = loggo.GetLogger("consolidator.cmd.consolidatord")

// version is set at link time.
var version = "0.1.0"

const consolidatordDoc = `
consolidatord folds business events that arrive out of order, duplicated
and from several producers into one canonical case per business case.
Events referencing any identifier already known to a case are added to it;
events bridging several cases merge them.
`

// newSuperCommand returns the consolidatord command with every subcommand
// registered.
func newSuperCommand() *cmd.SuperCommand {
	log := &cmd.Log{DefaultConfig: os.Getenv("CONSOLIDATORD_LOGGING_CONFIG")}
	super := cmd.NewSuperCommand(cmd.SuperCommandParams{
		Name:    "consolidatord",
		Purpose: "Consolidate business events into canonical cases.",
		Doc:     consolidatordDoc,
		Version: version,
		Log:     log,
	})
	super.Register(newServeCommand(log))
	super.Register(&ingestCommand{})
	super.Register(&simulateCommand{})
	super.Register(&clusterCommand{})
	super.Register(&casesCommand{})
	return super
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmdCtx, err := cmd.DefaultContext(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR %v\n", err)
		os.Exit(2)
	}
	code := cmd.Main(newSuperCommand(), cmdCtx, os.Args[1:])
	stop()
	os.Exit(code)
}
