// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package testing

import (
	"bytes"
	"context"
	"strings"

	"github.com/juju/gnuflag"
	gc "gopkg.in/check.v1"

	"github.com/juju/consolidator/cmd"
)

// Context returns a command context rooted in a fresh directory whose
// streams are buffers.
func Context(c *gc.C) *cmd.Context {
	return cmd.NewContext(context.Background(), c.MkDir(), &bytes.Buffer{}, &bytes.Buffer{}, &bytes.Buffer{})
}

// ContextWithStdin is like Context with stdin reading input.
func ContextWithStdin(c *gc.C, input string) *cmd.Context {
	ctx := Context(c)
	ctx.Stdin = strings.NewReader(input)
	return ctx
}

// Stdout returns what the command wrote to stdout.
func Stdout(ctx *cmd.Context) string {
	return ctx.Stdout.(*bytes.Buffer).String()
}

// Stderr returns what the command wrote to stderr.
func Stderr(ctx *cmd.Context) string {
	return ctx.Stderr.(*bytes.Buffer).String()
}

// InitCommand parses args and initializes com with them.
func InitCommand(com cmd.Command, args []string) error {
	return cmd.Parse(com, &bytes.Buffer{}, args)
}

// RunCommandInContext initializes and runs com in ctx.
func RunCommandInContext(ctx *cmd.Context, com cmd.Command, args ...string) error {
	if err := InitCommand(com, args); err != nil {
		return err
	}
	return com.Run(ctx)
}

// RunCommand initializes and runs com in a fresh Context.
func RunCommand(c *gc.C, com cmd.Command, args ...string) (*cmd.Context, error) {
	ctx := Context(c)
	return ctx, RunCommandInContext(ctx, com, args...)
}

// HelpText returns a command's formatted help text.
func HelpText(com cmd.Command, name string) string {
	info := com.Info()
	info.Name = name
	f := gnuflag.NewFlagSet(info.Name, gnuflag.ContinueOnError)
	com.SetFlags(f)
	return string(info.Help(f))
}
