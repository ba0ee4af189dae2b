// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package cmd

import (
	"fmt"
	"io"
	"runtime"
	"sort"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"
)

var logger = loggo.GetLogger("consolidator.cmd")

// Log configures logging from the command line.
type Log struct {
	// DefaultConfig is used when no logging config is given.
	DefaultConfig string

	Config  string
	Verbose bool
	Debug   bool
}

// AddFlags adds the logging flags to f.
func (l *Log) AddFlags(f *gnuflag.FlagSet) {
	f.StringVar(&l.Config, "logging-config", "", "Specify log levels for modules, for example <root>=DEBUG")
	f.BoolVar(&l.Verbose, "v", false, "Show more verbose output")
	f.BoolVar(&l.Verbose, "verbose", false, "")
	f.BoolVar(&l.Debug, "debug", false, "Equivalent to --logging-config=<root>=DEBUG")
}

// Configured reports whether logging was set on the command line.
func (l *Log) Configured() bool {
	return l.Config != "" || l.Verbose || l.Debug
}

// Start directs logging to the context's stderr at the configured levels.
func (l *Log) Start(ctx *Context) error {
	config := l.DefaultConfig
	switch {
	case l.Config != "":
		config = l.Config
	case l.Debug:
		config = "<root>=DEBUG"
	case l.Verbose:
		config = "<root>=INFO"
	}
	if _, err := loggo.ReplaceDefaultWriter(loggo.NewSimpleWriter(ctx.Stderr, loggo.DefaultFormatter)); err != nil {
		return errors.Trace(err)
	}
	if config == "" {
		return nil
	}
	return errors.Annotate(loggo.ConfigureLoggers(config), "configuring logging")
}

// SuperCommandParams provides a way to have default parameter to the
// NewSuperCommand call.
type SuperCommandParams struct {
	Name    string
	Purpose string
	Doc     string
	Version string
	Log     *Log
}

// SuperCommand is a Command that selects a subcommand and assumes its
// properties; any command line arguments that were not used in selecting
// the subcommand are passed down to it, and to Run a SuperCommand is to run
// its selected subcommand.
type SuperCommand struct {
	name    string
	purpose string
	doc     string
	version string
	log     *Log

	subcmds map[string]Command
	subcmd  Command
	help    bool
	showVer bool
}

// NewSuperCommand creates and initializes a new SuperCommand.
func NewSuperCommand(params SuperCommandParams) *SuperCommand {
	log := params.Log
	if log == nil {
		log = &Log{}
	}
	return &SuperCommand{
		name:    params.Name,
		purpose: params.Purpose,
		doc:     params.Doc,
		version: params.Version,
		log:     log,
		subcmds: make(map[string]Command),
	}
}

// Register makes a subcommand available for use on the command line.
func (c *SuperCommand) Register(subcmd Command) {
	name := subcmd.Info().Name
	if _, found := c.subcmds[name]; found {
		panic(fmt.Sprintf("command already registered: %q", name))
	}
	c.subcmds[name] = subcmd
}

// Log returns the logging flags of the command.
func (c *SuperCommand) Log() *Log {
	return c.log
}

// describeCommands returns a short description of each registered
// subcommand.
func (c *SuperCommand) describeCommands() string {
	names := make([]string, 0, len(c.subcmds))
	width := 0
	for name := range c.subcmds {
		names = append(names, name)
		if len(name) > width {
			width = len(name)
		}
	}
	sort.Strings(names)
	lines := make([]string, len(names))
	for i, name := range names {
		lines[i] = fmt.Sprintf("    %-*s - %s", width, name, c.subcmds[name].Info().Purpose)
	}
	return strings.Join(lines, "\n")
}

// Info returns a description of the currently selected subcommand, or of
// the SuperCommand itself if no subcommand has been specified.
func (c *SuperCommand) Info() *Info {
	if c.subcmd != nil {
		info := *c.subcmd.Info()
		info.Name = fmt.Sprintf("%s %s", c.name, info.Name)
		return &info
	}
	doc := strings.TrimSpace(c.doc)
	if doc != "" {
		doc += "\n\n"
	}
	return &Info{
		Name:    c.name,
		Args:    "<command> ...",
		Purpose: c.purpose,
		Doc:     doc + "commands:\n" + c.describeCommands(),
	}
}

// SetFlags adds the options that apply to all commands.
func (c *SuperCommand) SetFlags(f *gnuflag.FlagSet) {
	c.log.AddFlags(f)
	f.BoolVar(&c.showVer, "version", false, "Show the version")
}

// AllowInterspersedFlags returns false: flags after the subcommand name
// belong to the subcommand.
func (c *SuperCommand) AllowInterspersedFlags() bool {
	return false
}

// Init initializes the command for running.
func (c *SuperCommand) Init(args []string) error {
	if c.showVer {
		return nil
	}
	if len(args) == 0 {
		return errors.New("no command specified")
	}
	name, args := args[0], args[1:]
	if name == "help" {
		c.help = true
		if len(args) == 0 {
			return nil
		}
		name, args = args[0], nil
	}
	subcmd, found := c.subcmds[name]
	if !found {
		return errors.Errorf("unrecognized command: %s %s", c.name, name)
	}
	c.subcmd = subcmd
	if c.help {
		return nil
	}

	f := gnuflag.NewFlagSet(c.Info().Name, gnuflag.ContinueOnError)
	f.SetOutput(io.Discard)
	c.log.AddFlags(f)
	subcmd.SetFlags(f)
	if err := f.Parse(true, args); err != nil {
		return errors.Annotatef(err, "parsing %s flags", name)
	}
	return subcmd.Init(f.Args())
}

// Run executes the subcommand that was selected in Init.
func (c *SuperCommand) Run(ctx *Context) error {
	if c.showVer {
		_, err := fmt.Fprintln(ctx.Stdout, c.version)
		return errors.Trace(err)
	}
	if c.help {
		f := gnuflag.NewFlagSet(c.Info().Name, gnuflag.ContinueOnError)
		c.SetFlags(f)
		if c.subcmd != nil {
			c.subcmd.SetFlags(f)
		}
		_, err := ctx.Stdout.Write(c.Info().Help(f))
		return errors.Trace(err)
	}
	if err := c.log.Start(ctx); err != nil {
		return errors.Trace(err)
	}
	logger.Debugf("running %s [%s %s %s]", c.Info().Name, c.version, runtime.Compiler, runtime.Version())
	return c.subcmd.Run(ctx)
}
