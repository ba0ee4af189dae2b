// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gosuri/uitable"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"

	"github.com/juju/consolidator/cmd"
	"github.com/juju/consolidator/domain/consolidation"
	"github.com/juju/consolidator/domain/consolidation/service"
)

const casesDoc = `
List the consolidated cases in the configured store. With a case id, or
with --member, show the single case holding it. Any identifier a case ever
held, including those of cases merged into it, finds the case.
`

type casesCommand struct {
	configFlags
	out cmd.Output

	caseID string
	member string
	// now is used for relative times in tabular output.
	now func() time.Time
}

func (c *casesCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:    "cases",
		Args:    "[<case id>]",
		Purpose: "Show consolidated cases.",
		Doc:     casesDoc,
	}
}

func (c *casesCommand) SetFlags(f *gnuflag.FlagSet) {
	c.configFlags.addFlags(f)
	f.StringVar(&c.member, "member", "", "Show the case holding this object or case id")
	c.out.AddFlags(f, "tabular", map[string]cmd.Formatter{
		"yaml":    cmd.FormatYaml,
		"json":    cmd.FormatJson,
		"tabular": c.formatTabular,
	})
}

func (c *casesCommand) Init(args []string) error {
	if len(args) > 0 {
		c.caseID, args = args[0], args[1:]
	}
	if c.caseID != "" && c.member != "" {
		return errors.New("cannot specify both a case id and --member")
	}
	return cmd.CheckEmpty(args)
}

// caseInfo is how a case is written by the cases command.
type caseInfo struct {
	ID           string    `yaml:"id" json:"id"`
	Members      []string  `yaml:"members" json:"members"`
	EventTechIDs []string  `yaml:"event-tech-ids" json:"eventTechIds"`
	Version      int64     `yaml:"version" json:"version"`
	Created      time.Time `yaml:"created" json:"created"`
	LastUpdated  time.Time `yaml:"last-updated" json:"lastUpdated"`
}

func newCaseInfo(c consolidation.Case) caseInfo {
	return caseInfo{
		ID:           c.ID,
		Members:      c.Members.SortedValues(),
		EventTechIDs: c.EventTechIDs,
		Version:      c.Version,
		Created:      c.Created,
		LastUpdated:  c.LastUpdated,
	}
}

func (c *casesCommand) Run(ctx *cmd.Context) error {
	cfg, err := c.load(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	stdCtx := ctx.Context()
	st, closeStore, err := c.openStore(stdCtx, cfg)
	if err != nil {
		return errors.Annotate(err, "opening case store")
	}
	defer closeStore()
	svc := service.NewService(st, clock.WallClock, loggo.GetLogger("consolidator.service"))

	var one consolidation.Case
	switch {
	case c.caseID != "":
		one, err = svc.GetCase(stdCtx, c.caseID)
	case c.member != "":
		one, err = svc.CaseForMember(stdCtx, c.member)
	default:
		all, err := svc.AllCases(stdCtx)
		if err != nil {
			return errors.Trace(err)
		}
		infos := make([]caseInfo, len(all))
		for i, kase := range all {
			infos[i] = newCaseInfo(kase)
		}
		return c.out.Write(ctx, infos)
	}
	if err != nil {
		return errors.Trace(err)
	}
	return c.out.Write(ctx, []caseInfo{newCaseInfo(one)})
}

func (c *casesCommand) formatTabular(w io.Writer, value any) error {
	infos, ok := value.([]caseInfo)
	if !ok {
		return errors.Errorf("expected cases, got %T", value)
	}
	if len(infos) == 0 {
		_, err := fmt.Fprintln(w, "No cases.")
		return errors.Trace(err)
	}
	now := time.Now
	if c.now != nil {
		now = c.now
	}
	table := uitable.New()
	table.MaxColWidth = 60
	table.Wrap = true
	table.AddRow("ID", "MEMBERS", "EVENTS", "VERSION", "UPDATED")
	for _, info := range infos {
		table.AddRow(
			info.ID,
			strings.Join(info.Members, ","),
			len(info.EventTechIDs),
			info.Version,
			humanize.RelTime(info.LastUpdated, now(), "ago", "from now"),
		)
	}
	_, err := fmt.Fprintln(w, table)
	return errors.Trace(err)
}
