// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/consolidator/cmd"
	cmdtesting "github.com/juju/consolidator/cmd/testing"
	"github.com/juju/consolidator/domain/consolidation"
	consolidationerrors "github.com/juju/consolidator/domain/consolidation/errors"
	"github.com/juju/consolidator/domain/consolidation/service"
	"github.com/juju/consolidator/domain/consolidation/state/memstate"
	"github.com/juju/consolidator/internal/config"
	"github.com/juju/consolidator/internal/eventsource"
)

type mainSuite struct {
	testing.IsolationSuite

	st *memstate.State
}

var _ = gc.Suite(&mainSuite{})

func (s *mainSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.st = memstate.NewState()
}

func noEnv(string) string { return "" }

// flags returns config flags that share the suite's store.
func (s *mainSuite) flags() configFlags {
	return configFlags{
		getenv: noEnv,
		open: func(context.Context, config.Config) (service.State, func(), error) {
			return s.st, func() {}, nil
		},
	}
}

var start = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func event(techID, mainID string, offset time.Duration, secondary ...string) consolidation.BusinessEvent {
	return consolidation.BusinessEvent{
		TechID:             techID,
		MainObjectID:       mainID,
		SecondaryObjectIDs: secondary,
		Timestamp:          start.Add(offset),
	}
}

// bridgeLast holds a business case whose bridging event arrives last.
var bridgeLast = []consolidation.BusinessEvent{
	event("t1", "M", 0),
	event("t3", "S2", 2*time.Second),
	event("t2", "S1", time.Second, "M", "S2"),
}

func eventLines(c *gc.C, events ...consolidation.BusinessEvent) string {
	var buf bytes.Buffer
	err := eventsource.WriteJSONLines(&buf, events...)
	c.Assert(err, jc.ErrorIsNil)
	return buf.String()
}

func (s *mainSuite) TestHelpListsCommands(c *gc.C) {
	ctx := cmdtesting.Context(c)
	code := cmd.Main(newSuperCommand(), ctx, []string{"help"})
	c.Assert(code, gc.Equals, 0)
	out := cmdtesting.Stdout(ctx)
	for _, name := range []string{"cases", "cluster", "ingest", "serve", "simulate"} {
		c.Check(out, jc.Contains, name)
	}
}

func (s *mainSuite) TestVersion(c *gc.C) {
	ctx := cmdtesting.Context(c)
	code := cmd.Main(newSuperCommand(), ctx, []string{"--version"})
	c.Assert(code, gc.Equals, 0)
	c.Check(cmdtesting.Stdout(ctx), gc.Equals, version+"\n")
}

func (s *mainSuite) TestUnknownCommand(c *gc.C) {
	ctx := cmdtesting.Context(c)
	code := cmd.Main(newSuperCommand(), ctx, []string{"frobnicate"})
	c.Assert(code, gc.Equals, 2)
	c.Check(cmdtesting.Stderr(ctx), jc.Contains, "unrecognized command: consolidatord frobnicate")
}

func (s *mainSuite) TestCluster(c *gc.C) {
	ctx, err := cmdtesting.RunCommand(c, &clusterCommand{}, "--format", "json", "1,2", "3", "2,3", "4,5")
	c.Assert(err, jc.ErrorIsNil)

	var result clusterResult
	err = json.Unmarshal([]byte(cmdtesting.Stdout(ctx)), &result)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(result, jc.DeepEquals, clusterResult{
		Clusters:   [][]string{{"1", "2", "3"}},
		Singletons: [][]string{{"4", "5"}},
	})
}

func (s *mainSuite) TestClusterTabular(c *gc.C) {
	ctx, err := cmdtesting.RunCommand(c, &clusterCommand{}, "a,b", "b,c", "d")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(cmdtesting.Stdout(ctx), gc.Matches, `KIND\s+IDS *\ncluster\s+a,b,c *\nsingleton\s+d *\n`)
}

func (s *mainSuite) TestClusterNoSets(c *gc.C) {
	err := cmdtesting.InitCommand(&clusterCommand{}, nil)
	c.Assert(err, gc.ErrorMatches, "no identifier sets specified")
}

func (s *mainSuite) TestIngestFromStdin(c *gc.C) {
	input := eventLines(c, bridgeLast...) + "not json\n" + eventLines(c, bridgeLast[0])
	ctx := cmdtesting.ContextWithStdin(c, input)
	com := &ingestCommand{configFlags: s.flags()}
	err := cmdtesting.RunCommandInContext(ctx, com, "--workers", "1", "--format", "json")
	c.Assert(err, jc.ErrorIsNil)

	var report ingestReport
	err = json.Unmarshal([]byte(cmdtesting.Stdout(ctx)), &report)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(report, jc.DeepEquals, ingestReport{Read: 4, Skipped: 1, Applied: 3, Duplicates: 1})

	cases, err := s.st.AllCases(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(cases, gc.HasLen, 1)
	c.Check(cases[0].Members, jc.DeepEquals, set.NewStrings("M", "S1", "S2"))
}

func (s *mainSuite) TestIngestReportsFailures(c *gc.C) {
	invalid := event("", "M", 0)
	ctx := cmdtesting.ContextWithStdin(c, eventLines(c, invalid, bridgeLast[0]))
	com := &ingestCommand{configFlags: s.flags()}
	err := cmdtesting.RunCommandInContext(ctx, com, "--workers", "1", "--format", "json")
	c.Assert(err, gc.ErrorMatches, "1 events not consolidated")

	var report ingestReport
	err = json.Unmarshal([]byte(cmdtesting.Stdout(ctx)), &report)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(report.Applied, gc.Equals, int64(1))
	c.Check(report.Failed, gc.Equals, int64(1))
	c.Assert(report.Failures, gc.HasLen, 1)
	c.Check(report.Failures[0].TechID, gc.Equals, "")
}

func (s *mainSuite) TestIngestTooManyArgs(c *gc.C) {
	err := cmdtesting.InitCommand(&ingestCommand{}, []string{"a", "b"})
	c.Assert(err, gc.ErrorMatches, `unrecognized args: \["b"\]`)
}

func (s *mainSuite) ingest(c *gc.C, events ...consolidation.BusinessEvent) {
	ctx := cmdtesting.ContextWithStdin(c, eventLines(c, events...))
	com := &ingestCommand{configFlags: s.flags()}
	err := cmdtesting.RunCommandInContext(ctx, com, "--workers", "1")
	c.Assert(err, jc.ErrorIsNil)
}

func (s *mainSuite) TestCasesList(c *gc.C) {
	s.ingest(c, bridgeLast...)
	s.ingest(c, event("u1", "X", 0))

	ctx, err := cmdtesting.RunCommand(c, &casesCommand{configFlags: s.flags()}, "--format", "json")
	c.Assert(err, jc.ErrorIsNil)
	var infos []caseInfo
	err = json.Unmarshal([]byte(cmdtesting.Stdout(ctx)), &infos)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(infos, gc.HasLen, 2)

	members := make([]string, len(infos))
	for i, info := range infos {
		members[i] = strings.Join(info.Members, ",")
	}
	c.Check(set.NewStrings(members...), jc.DeepEquals, set.NewStrings("M,S1,S2", "X"))
}

func (s *mainSuite) TestCasesByMember(c *gc.C) {
	s.ingest(c, bridgeLast...)

	ctx, err := cmdtesting.RunCommand(c, &casesCommand{configFlags: s.flags()}, "--member", "S2", "--format", "json")
	c.Assert(err, jc.ErrorIsNil)
	var infos []caseInfo
	err = json.Unmarshal([]byte(cmdtesting.Stdout(ctx)), &infos)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(infos, gc.HasLen, 1)
	c.Check(infos[0].Members, jc.DeepEquals, []string{"M", "S1", "S2"})
	c.Check(infos[0].EventTechIDs, jc.SameContents, []string{"t1", "t2", "t3"})

	// Every alias of the merged case finds it.
	ctx, err = cmdtesting.RunCommand(c, &casesCommand{configFlags: s.flags()}, infos[0].ID, "--format", "json")
	c.Assert(err, jc.ErrorIsNil)
	var byID []caseInfo
	err = json.Unmarshal([]byte(cmdtesting.Stdout(ctx)), &byID)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(byID, jc.DeepEquals, infos)
}

func (s *mainSuite) TestCasesTabular(c *gc.C) {
	s.ingest(c, bridgeLast...)

	com := &casesCommand{configFlags: s.flags()}
	ctx, err := cmdtesting.RunCommand(c, com)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(cmdtesting.Stdout(ctx), gc.Matches, `ID\s+MEMBERS\s+EVENTS\s+VERSION\s+UPDATED *\n\S+\s+M,S1,S2\s+3\s+\d+\s+\S.*\n`)
}

func (s *mainSuite) TestCasesEmpty(c *gc.C) {
	ctx, err := cmdtesting.RunCommand(c, &casesCommand{configFlags: s.flags()})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(cmdtesting.Stdout(ctx), gc.Equals, "No cases.\n")
}

func (s *mainSuite) TestCasesNotFound(c *gc.C) {
	_, err := cmdtesting.RunCommand(c, &casesCommand{configFlags: s.flags()}, "--member", "nope")
	c.Assert(err, gc.NotNil)
	c.Check(errors.Is(err, consolidationerrors.CaseNotFound), jc.IsTrue)
}

func (s *mainSuite) TestCasesIDAndMember(c *gc.C) {
	err := cmdtesting.InitCommand(&casesCommand{}, []string{"case-1", "--member", "M"})
	c.Assert(err, gc.ErrorMatches, "cannot specify both a case id and --member")
}

func (s *mainSuite) TestSimulateAllOrders(c *gc.C) {
	com := &simulateCommand{configFlags: configFlags{getenv: noEnv}}
	ctx, err := cmdtesting.RunCommand(c, com, "--all-orders", "--cases", "3", "--workers", "1")
	c.Assert(err, jc.ErrorIsNil)
	out := cmdtesting.Stdout(ctx)
	c.Check(regexp.MustCompile(`Converged:\s+3/3`).FindAllString(out, -1), gc.HasLen, 6)
	c.Check(out, jc.Contains, "Order ACB")
	c.Check(out, jc.Contains, "Order CBA")
}

func (s *mainSuite) TestSimulateSharedStore(c *gc.C) {
	com := &simulateCommand{configFlags: s.flags()}
	_, err := cmdtesting.RunCommand(c, com, "--all-orders", "--duplicates", "1", "--seed", "3", "--workers", "2", "--reconcile")
	c.Assert(err, jc.ErrorIsNil)

	cases, err := s.st.AllCases(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(cases, gc.HasLen, 6)
}

func (s *mainSuite) TestSimulateBadOrder(c *gc.C) {
	err := cmdtesting.InitCommand(&simulateCommand{}, []string{"--order", "AAB"})
	c.Assert(err, gc.ErrorMatches, `order "AAB" not valid`)
}

func (s *mainSuite) TestServe(c *gc.C) {
	stdCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx := cmd.NewContext(stdCtx, c.MkDir(), &bytes.Buffer{}, &bytes.Buffer{}, &bytes.Buffer{})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, jc.ErrorIsNil)
	addr := listener.Addr().String()
	c.Assert(listener.Close(), jc.ErrorIsNil)

	com := newServeCommand(nil)
	com.configFlags = s.flags()
	err = cmdtesting.InitCommand(com, []string{"--listen", addr})
	c.Assert(err, jc.ErrorIsNil)

	done := make(chan error, 1)
	go func() { done <- com.Run(ctx) }()

	var resp *http.Response
	for attempt := 0; attempt < 100; attempt++ {
		resp, err = http.Get("http://" + addr + "/v1/health")
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	c.Assert(err, jc.ErrorIsNil)
	_ = resp.Body.Close()
	c.Check(resp.StatusCode, gc.Equals, http.StatusOK)

	body := eventLines(c, bridgeLast[0])
	resp, err = http.Post("http://"+addr+"/v1/events", "application/json", strings.NewReader(body))
	c.Assert(err, jc.ErrorIsNil)
	_ = resp.Body.Close()
	c.Check(resp.StatusCode, gc.Equals, http.StatusCreated)

	cancel()
	select {
	case err := <-done:
		c.Assert(err, jc.ErrorIsNil)
	case <-time.After(10 * time.Second):
		c.Fatalf("serve did not stop")
	}
}
