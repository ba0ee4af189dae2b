// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/gosuri/uitable"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"

	"github.com/juju/consolidator/cmd"
	"github.com/juju/consolidator/internal/cluster"
)

const clusterDoc = `
Group identifier sets that transitively share an identifier. Each argument
is one set of comma separated identifiers:

    consolidatord cluster 1,2 3 2,3 4,5

prints the cluster {1,2,3} and the singletons {4,5}. A cluster is made of
two or more sets; a set overlapping no other is a singleton.
`

type clusterCommand struct {
	out  cmd.Output
	sets []set.Strings
}

func (c *clusterCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:    "cluster",
		Args:    "<ids>...",
		Purpose: "Group identifier sets that share identifiers.",
		Doc:     clusterDoc,
	}
}

func (c *clusterCommand) SetFlags(f *gnuflag.FlagSet) {
	c.out.AddFlags(f, "tabular", map[string]cmd.Formatter{
		"yaml":    cmd.FormatYaml,
		"json":    cmd.FormatJson,
		"tabular": formatClusterTabular,
	})
}

func (c *clusterCommand) Init(args []string) error {
	if len(args) == 0 {
		return errors.New("no identifier sets specified")
	}
	c.sets = make([]set.Strings, len(args))
	for i, arg := range args {
		ids := set.NewStrings()
		for _, id := range strings.Split(arg, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids.Add(id)
			}
		}
		c.sets[i] = ids
	}
	return nil
}

// clusterResult is the output of the cluster command.
type clusterResult struct {
	Clusters   [][]string `yaml:"clusters" json:"clusters"`
	Singletons [][]string `yaml:"singletons" json:"singletons"`
}

func sortedSets(sets []set.Strings) [][]string {
	out := make([][]string, len(sets))
	for i, s := range sets {
		out[i] = s.SortedValues()
	}
	return out
}

func (c *clusterCommand) Run(ctx *cmd.Context) error {
	clusters, singletons := cluster.Cluster(c.sets)
	return c.out.Write(ctx, clusterResult{
		Clusters:   sortedSets(clusters),
		Singletons: sortedSets(singletons),
	})
}

func formatClusterTabular(w io.Writer, value any) error {
	result, ok := value.(clusterResult)
	if !ok {
		return errors.Errorf("expected value of type %T, got %T", result, value)
	}
	table := uitable.New()
	table.AddRow("KIND", "IDS")
	for _, ids := range result.Clusters {
		table.AddRow("cluster", strings.Join(ids, ","))
	}
	for _, ids := range result.Singletons {
		table.AddRow("singleton", strings.Join(ids, ","))
	}
	_, err := fmt.Fprintln(w, table)
	return errors.Trace(err)
}
