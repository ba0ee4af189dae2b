// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/collections/set"
	"github.com/juju/loggo/v2"
	jujutesting "github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/consolidator/domain/consolidation"
	"github.com/juju/consolidator/domain/consolidation/state/memstate"
)

type integrationSuite struct {
	jujutesting.IsolationSuite

	st  *memstate.State
	svc *Service
}

var _ = gc.Suite(&integrationSuite{})

func (s *integrationSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.st = memstate.NewState()
	s.svc = NewService(s.st, testclock.NewClock(epoch), loggo.GetLogger("consolidator.service"))

	// Every case is created at the same instant, so the id decides which
	// survives a merge.
	var next int
	s.svc.newCaseID = func() string {
		next++
		return fmt.Sprintf("case-%02d", next)
	}
}

func (s *integrationSuite) consolidate(c *gc.C, ev consolidation.BusinessEvent) (string, bool) {
	ctx := context.Background()
	caseID, err := s.svc.Resolve(ctx, ev.ReferencedIDs())
	c.Assert(err, jc.ErrorIsNil)
	applied, err := s.svc.Append(ctx, caseID, ev)
	c.Assert(err, jc.ErrorIsNil)
	return caseID, applied
}

var (
	eventA = event("A", 0, "M")
	eventB = event("B", time.Second, "S1", "M", "S2")
	eventC = event("C", 2*time.Second, "S2")
)

func (s *integrationSuite) TestAllOrdersConverge(c *gc.C) {
	orders := [][]consolidation.BusinessEvent{
		{eventA, eventB, eventC},
		{eventA, eventC, eventB},
		{eventB, eventA, eventC},
		{eventB, eventC, eventA},
		{eventC, eventA, eventB},
		{eventC, eventB, eventA},
	}
	for i, order := range orders {
		c.Logf("order %d", i)
		s.SetUpTest(c)
		for _, ev := range order {
			_, applied := s.consolidate(c, ev)
			c.Check(applied, jc.IsTrue)
		}

		cases, err := s.svc.AllCases(context.Background())
		c.Assert(err, jc.ErrorIsNil)
		c.Assert(cases, gc.HasLen, 1)
		c.Check(cases[0].Members.SortedValues(), jc.DeepEquals, []string{"M", "S1", "S2"})
		c.Check(set.NewStrings(cases[0].EventTechIDs...).SortedValues(), jc.DeepEquals, []string{"A", "B", "C"})
		c.Check(cases[0].Validate(), jc.ErrorIsNil)
	}
}

func (s *integrationSuite) TestMergedIDsStayResolvable(c *gc.C) {
	first, _ := s.consolidate(c, eventA)
	second, _ := s.consolidate(c, eventC)
	c.Assert(first, gc.Not(gc.Equals), second)

	survivor, _ := s.consolidate(c, eventB)
	c.Check(survivor, gc.Equals, first)

	got, err := s.svc.GetCase(context.Background(), second)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got.ID, gc.Equals, first)
	c.Check(got.EventTechIDs, jc.DeepEquals, []string{"A", "C", "B"})

	owner, err := s.svc.CaseForMember(context.Background(), "S2")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(owner.ID, gc.Equals, first)
}

func (s *integrationSuite) TestIdempotent(c *gc.C) {
	caseID, applied := s.consolidate(c, eventB)
	c.Check(applied, jc.IsTrue)

	again, applied := s.consolidate(c, eventB)
	c.Check(applied, jc.IsFalse)
	c.Check(again, gc.Equals, caseID)

	got, err := s.svc.GetCase(context.Background(), caseID)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got.EventTechIDs, jc.DeepEquals, []string{"B"})
	c.Check(got.Version, gc.Equals, int64(1))
}

func (s *integrationSuite) TestNoSecondaryIDs(c *gc.C) {
	caseID, applied := s.consolidate(c, event("solo", 0, "M"))
	c.Check(applied, jc.IsTrue)

	got, err := s.svc.GetCase(context.Background(), caseID)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got.Members.SortedValues(), jc.DeepEquals, []string{"M"})
}

func (s *integrationSuite) TestUnrelatedEventsStayApart(c *gc.C) {
	first, _ := s.consolidate(c, event("x", 0, "X"))
	second, _ := s.consolidate(c, event("y", 0, "Y"))
	c.Check(first, gc.Not(gc.Equals), second)

	cases, err := s.svc.AllCases(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(cases, gc.HasLen, 2)
}

func (s *integrationSuite) TestConcurrentDuplicateAppliedOnce(c *gc.C) {
	ctx := context.Background()
	caseID, _ := s.consolidate(c, eventA)

	const writers = 8
	results := make(chan bool, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			applied, err := s.svc.Append(ctx, caseID, eventB)
			c.Check(err, jc.ErrorIsNil)
			results <- applied
		}()
	}
	wg.Wait()
	close(results)

	var appliedCount int
	for applied := range results {
		if applied {
			appliedCount++
		}
	}
	c.Check(appliedCount, gc.Equals, 1)

	got, err := s.svc.GetCase(ctx, caseID)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got.EventTechIDs, jc.DeepEquals, []string{"A", "B"})
}

func (s *integrationSuite) TestConcurrentDistinctEvents(c *gc.C) {
	ctx := context.Background()
	caseID, _ := s.consolidate(c, eventA)

	const writers = 4
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev := event(string(rune('p'+i)), time.Duration(i)*time.Second, "M")
			_, err := s.svc.Append(ctx, caseID, ev)
			c.Check(err, jc.ErrorIsNil)
		}(i)
	}
	wg.Wait()

	got, err := s.svc.GetCase(ctx, caseID)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got.EventTechIDs, gc.HasLen, writers+1)
	c.Check(got.Version, gc.Equals, int64(writers+1))
}

func (s *integrationSuite) TestReconcileHealsOverlap(c *gc.C) {
	ctx := context.Background()
	s.st.Load(
		caseWith("case-1", epoch, 0, event("a", 0, "M", "S1")),
		caseWith("case-2", epoch.Add(time.Second), 3, event("b", 0, "S1", "S2")),
		caseWith("case-3", epoch.Add(2*time.Second), 0, event("c", 0, "X")),
	)

	result, err := s.svc.Reconcile(ctx)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(result, jc.DeepEquals, ReconcileResult{Cases: 3, Clusters: 1, Absorbed: 1})

	cases, err := s.svc.AllCases(ctx)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(cases, gc.HasLen, 2)
	c.Check(cases[0].ID, gc.Equals, "case-1")
	c.Check(cases[0].Members.SortedValues(), jc.DeepEquals, []string{"M", "S1", "S2"})
	c.Check(cases[0].Version, gc.Equals, int64(4))

	result, err = s.svc.Reconcile(ctx)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(result, jc.DeepEquals, ReconcileResult{Cases: 2})
}
