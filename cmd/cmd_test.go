// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package cmd_test

import (
	"io"
	"os"
	"path/filepath"

	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"
	"gopkg.in/yaml.v3"

	"github.com/juju/consolidator/cmd"
	cmdtesting "github.com/juju/consolidator/cmd/testing"
)

// TestCommand is used by several different tests.
type TestCommand struct {
	Name   string
	Option string
	Args   []string
	out    cmd.Output
}

func (c *TestCommand) Info() *cmd.Info {
	return &cmd.Info{Name: c.Name, Args: "<something>", Purpose: c.Name + " the cases", Doc: c.Name + "-doc"}
}

func (c *TestCommand) SetFlags(f *gnuflag.FlagSet) {
	f.StringVar(&c.Option, "option", "", "option-doc")
	c.out.AddFlags(f, "yaml", cmd.DefaultFormatters)
}

func (c *TestCommand) Init(args []string) error {
	c.Args = args
	return nil
}

func (c *TestCommand) Run(ctx *cmd.Context) error {
	switch c.Option {
	case "error":
		return errors.New("BAM!")
	case "silent-error":
		return cmd.ErrSilent
	case "echo":
		_, err := io.Copy(ctx.Stdout, ctx.Stdin)
		return err
	default:
		return c.out.Write(ctx, map[string]any{"option": c.Option, "args": c.Args})
	}
}

type cmdSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&cmdSuite{})

func (s *cmdSuite) TestMainSuccess(c *gc.C) {
	ctx := cmdtesting.Context(c)
	code := cmd.Main(&TestCommand{Name: "verb"}, ctx, []string{"--option", "x", "a", "b"})
	c.Check(code, gc.Equals, 0)
	var out map[string]any
	c.Assert(yaml.Unmarshal([]byte(cmdtesting.Stdout(ctx)), &out), jc.ErrorIsNil)
	c.Check(out, jc.DeepEquals, map[string]any{"option": "x", "args": []any{"a", "b"}})
}

func (s *cmdSuite) TestMainJSON(c *gc.C) {
	ctx := cmdtesting.Context(c)
	code := cmd.Main(&TestCommand{Name: "verb"}, ctx, []string{"--format", "json", "a"})
	c.Check(code, gc.Equals, 0)
	c.Check(cmdtesting.Stdout(ctx), gc.Equals, `{"args":["a"],"option":""}`+"\n")
}

func (s *cmdSuite) TestMainBadFormat(c *gc.C) {
	ctx := cmdtesting.Context(c)
	code := cmd.Main(&TestCommand{Name: "verb"}, ctx, []string{"--format", "xml"})
	c.Check(code, gc.Equals, 2)
	c.Check(cmdtesting.Stderr(ctx), jc.Contains, `format "xml" not valid`)
}

func (s *cmdSuite) TestMainRunError(c *gc.C) {
	ctx := cmdtesting.Context(c)
	code := cmd.Main(&TestCommand{Name: "verb"}, ctx, []string{"--option", "error"})
	c.Check(code, gc.Equals, 1)
	c.Check(cmdtesting.Stderr(ctx), gc.Equals, "ERROR BAM!\n")
}

func (s *cmdSuite) TestMainSilentError(c *gc.C) {
	ctx := cmdtesting.Context(c)
	code := cmd.Main(&TestCommand{Name: "verb"}, ctx, []string{"--option", "silent-error"})
	c.Check(code, gc.Equals, 1)
	c.Check(cmdtesting.Stderr(ctx), gc.Equals, "")
}

func (s *cmdSuite) TestMainEcho(c *gc.C) {
	ctx := cmdtesting.ContextWithStdin(c, "hello\n")
	code := cmd.Main(&TestCommand{Name: "verb"}, ctx, []string{"--option", "echo"})
	c.Check(code, gc.Equals, 0)
	c.Check(cmdtesting.Stdout(ctx), gc.Equals, "hello\n")
}

func (s *cmdSuite) TestOutputFile(c *gc.C) {
	ctx := cmdtesting.Context(c)
	code := cmd.Main(&TestCommand{Name: "verb"}, ctx, []string{"-o", "out.yaml", "--option", "y", "a"})
	c.Assert(code, gc.Equals, 0)
	c.Check(cmdtesting.Stdout(ctx), gc.Equals, "")

	data, err := os.ReadFile(filepath.Join(ctx.Dir, "out.yaml"))
	c.Assert(err, jc.ErrorIsNil)
	// "y" is quoted so it reads back as a string, not a boolean.
	c.Check(string(data), jc.Contains, "option: \"y\"\n")
	var out map[string]any
	c.Assert(yaml.Unmarshal(data, &out), jc.ErrorIsNil)
	c.Check(out, jc.DeepEquals, map[string]any{"option": "y", "args": []any{"a"}})
}

func (s *cmdSuite) TestHelp(c *gc.C) {
	help := cmdtesting.HelpText(&TestCommand{Name: "verb"}, "verb")
	c.Check(help, jc.HasPrefix, "usage: verb [options] <something>\npurpose: verb the cases\n\noptions:\n")
	c.Check(help, jc.Contains, "--option (= \"\")\n    option-doc\n")
	c.Check(help, jc.HasSuffix, "\nverb-doc\n")
}

func (s *cmdSuite) TestCheckEmpty(c *gc.C) {
	c.Check(cmd.CheckEmpty(nil), jc.ErrorIsNil)
	c.Check(cmd.CheckEmpty([]string{"x"}), gc.ErrorMatches, `unrecognized args: \["x"\]`)
}

func (s *cmdSuite) TestFileVar(c *gc.C) {
	ctx := cmdtesting.ContextWithStdin(c, "from stdin")
	c.Assert(os.WriteFile(filepath.Join(ctx.Dir, "events.jsonl"), []byte("from file"), 0644), jc.ErrorIsNil)

	for _, test := range []struct {
		path string
		want string
	}{{"-", "from stdin"}, {"events.jsonl", "from file"}} {
		var f cmd.FileVar
		c.Assert(f.Set(test.path), jc.ErrorIsNil)
		r, err := f.Open(ctx)
		c.Assert(err, jc.ErrorIsNil)
		data, err := io.ReadAll(r)
		c.Assert(err, jc.ErrorIsNil)
		c.Check(r.Close(), jc.ErrorIsNil)
		c.Check(string(data), gc.Equals, test.want)
	}
}
