// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package cmd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/gnuflag"
)

// ErrSilent can be returned from Run to signal that Main should exit with
// code 1 without printing error information.
var ErrSilent = errors.New("cmd: error out silently")

// Info holds everything necessary to describe a Command's intent and usage.
type Info struct {
	// Name is the Command's name.
	Name string

	// Args describes the command's expected positional arguments.
	Args string

	// Purpose is a short explanation of the Command's purpose.
	Purpose string

	// Doc is the long documentation for the Command.
	Doc string
}

// Usage combines Name and Args to describe the Command's intended usage.
func (i *Info) Usage() string {
	if i.Args == "" {
		return i.Name + " [options]"
	}
	return fmt.Sprintf("%s [options] %s", i.Name, i.Args)
}

// Help renders i's content, along with documentation for any flags
// defined in f.
func (i *Info) Help(f *gnuflag.FlagSet) []byte {
	buf := &bytes.Buffer{}
	fmt.Fprintf(buf, "usage: %s\n", i.Usage())
	if i.Purpose != "" {
		fmt.Fprintf(buf, "purpose: %s\n", i.Purpose)
	}
	if hasFlags(f) {
		fmt.Fprintf(buf, "\noptions:\n")
		f.SetOutput(buf)
		f.PrintDefaults()
	}
	if i.Doc != "" {
		fmt.Fprintf(buf, "\n%s\n", strings.TrimSpace(i.Doc))
	}
	return buf.Bytes()
}

func hasFlags(f *gnuflag.FlagSet) bool {
	var found bool
	f.VisitAll(func(*gnuflag.Flag) { found = true })
	return found
}

// Command is implemented by every consolidatord subcommand.
type Command interface {
	// Info returns information about the command.
	Info() *Info

	// SetFlags adds command specific flags to the flag set.
	SetFlags(f *gnuflag.FlagSet)

	// Init initializes the command from the positional arguments left
	// once the flags are parsed.
	Init(args []string) error

	// Run executes the command.
	Run(ctx *Context) error
}

// Context represents the run context of a Command. Command
// implementations should interpret file names relative to Dir and use
// the streams rather than the process's own.
type Context struct {
	Dir    string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	ctx context.Context
}

// DefaultContext returns a Context for the current directory and the
// process's standard streams.
func DefaultContext(ctx context.Context) (*Context, error) {
	dir, err := os.Getwd()
	if err != nil {
		return nil, errors.Trace(err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &Context{
		Dir:    abs,
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		ctx:    ctx,
	}, nil
}

// NewContext returns a Context over the given streams.
func NewContext(ctx context.Context, dir string, stdin io.Reader, stdout, stderr io.Writer) *Context {
	return &Context{Dir: dir, Stdin: stdin, Stdout: stdout, Stderr: stderr, ctx: ctx}
}

// Context returns the context cancelled when the command should stop.
func (ctx *Context) Context() context.Context {
	if ctx.ctx == nil {
		return context.Background()
	}
	return ctx.ctx
}

// AbsPath returns an absolute representation of path, interpreted
// relative to ctx.Dir.
func (ctx *Context) AbsPath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(ctx.Dir, path)
}

// Infof writes a progress message to stderr.
func (ctx *Context) Infof(format string, params ...any) {
	fmt.Fprintf(ctx.Stderr, format+"\n", params...)
}

// CheckEmpty is a utility function that returns an error if args is not
// empty.
func CheckEmpty(args []string) error {
	if len(args) != 0 {
		return errors.Errorf("unrecognized args: %q", args)
	}
	return nil
}

// NewFlagSet returns a FlagSet holding the flags of c.
func NewFlagSet(c Command, output io.Writer) *gnuflag.FlagSet {
	f := gnuflag.NewFlagSet(c.Info().Name, gnuflag.ContinueOnError)
	f.SetOutput(output)
	c.SetFlags(f)
	f.Usage = func() {
		_, _ = output.Write(c.Info().Help(NewFlagSet(c, io.Discard)))
	}
	return f
}

// interspersedFlags is implemented by commands whose flags must all come
// before the first positional argument.
type interspersedFlags interface {
	AllowInterspersedFlags() bool
}

// Parse parses args into c's flags and initializes it with the positional
// arguments left.
func Parse(c Command, output io.Writer, args []string) error {
	f := NewFlagSet(c, output)
	intersperse := true
	if ic, ok := c.(interspersedFlags); ok {
		intersperse = ic.AllowInterspersedFlags()
	}
	if err := f.Parse(intersperse, args); err != nil {
		return err
	}
	return c.Init(f.Args())
}

// Main runs the given Command in the supplied Context with the given
// arguments, which should not include the command name. It returns a code
// suitable for passing to os.Exit.
func Main(c Command, ctx *Context, args []string) int {
	if err := Parse(c, ctx.Stderr, args); err != nil {
		if err == gnuflag.ErrHelp {
			return 0
		}
		fmt.Fprintf(ctx.Stderr, "ERROR %v\n", err)
		return 2
	}
	if err := c.Run(ctx); err != nil {
		if err != ErrSilent {
			fmt.Fprintf(ctx.Stderr, "ERROR %v\n", err)
		}
		return 1
	}
	return 0
}
