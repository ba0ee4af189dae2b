// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package simulator produces the three related events of a business case
// out of causal order, optionally for many cases, interleaved and
// redelivered, and checks that consolidation folded each case into one.
//
// Event A references the main object M. Event C references the secondary
// object S2. Event B links S1 to M and S2, so A and C only belong together
// once B has been seen.
package simulator

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/juju/collections/set"
	"github.com/juju/errors"

	"github.com/juju/consolidator/domain/consolidation"
)

// DefaultOrder delivers the bridging event last.
const DefaultOrder = "ACB"

// Orders returns every delivery order of the three events.
func Orders() []string {
	return []string{"ABC", "ACB", "BAC", "BCA", "CAB", "CBA"}
}

// Scenario describes a simulation run.
type Scenario struct {
	// Cases is the number of independent business cases simulated.
	Cases int

	// Order is the delivery order of the events of each case, a
	// permutation of "ABC".
	Order string

	// Duplicates is the number of times every event is delivered again.
	Duplicates int

	// Seed, when not zero, shuffles all deliveries of all cases together.
	Seed int64

	// Prefix is prepended to the object ids of every case, so several
	// scenarios can share a store.
	Prefix string

	// Start is the timestamp of event A of every case.
	Start time.Time

	// NewTechID returns a fresh event tech id. It defaults to random
	// UUIDs.
	NewTechID func() string
}

// Validate checks the scenario can be planned.
func (s Scenario) Validate() error {
	if s.Cases < 1 {
		return errors.NotValidf("simulating %d cases", s.Cases)
	}
	if s.Duplicates < 0 {
		return errors.NotValidf("negative duplicates")
	}
	if !set.NewStrings(Orders()...).Contains(s.Order) {
		return errors.NotValidf("order %q", s.Order)
	}
	return nil
}

// Expected is the single case consolidation has to produce for one
// simulated business case.
type Expected struct {
	Key     string
	Members set.Strings
	TechIDs set.Strings
}

// Plan holds the deliveries of a scenario and what they must produce.
type Plan struct {
	Deliveries []consolidation.BusinessEvent
	Expected   []Expected
}

// Plan generates the deliveries of the scenario.
func (s Scenario) Plan() (Plan, error) {
	if err := s.Validate(); err != nil {
		return Plan{}, errors.Trace(err)
	}
	newTechID := s.NewTechID
	if newTechID == nil {
		newTechID = uuid.NewString
	}

	var plan Plan
	for i := 0; i < s.Cases; i++ {
		key := fmt.Sprintf("%scase%03d", s.Prefix, i+1)
		events := caseEvents(key, s.Start, newTechID)

		expected := Expected{Key: key, Members: set.NewStrings(), TechIDs: set.NewStrings()}
		for _, ev := range events {
			expected.Members = expected.Members.Union(ev.ReferencedIDs())
			expected.TechIDs.Add(ev.TechID)
		}
		plan.Expected = append(plan.Expected, expected)

		for _, name := range s.Order {
			plan.Deliveries = append(plan.Deliveries, events[name])
		}
	}

	first := plan.Deliveries
	for i := 0; i < s.Duplicates; i++ {
		plan.Deliveries = append(plan.Deliveries, first...)
	}
	if s.Seed != 0 {
		rnd := rand.New(rand.NewSource(s.Seed))
		rnd.Shuffle(len(plan.Deliveries), func(i, j int) {
			plan.Deliveries[i], plan.Deliveries[j] = plan.Deliveries[j], plan.Deliveries[i]
		})
	}
	return plan, nil
}

func caseEvents(key string, start time.Time, newTechID func() string) map[rune]consolidation.BusinessEvent {
	main := key + "-M"
	s1 := key + "-S1"
	s2 := key + "-S2"
	event := func(name string, offset time.Duration, mainID string, secondary ...string) consolidation.BusinessEvent {
		payload, _ := json.Marshal(map[string]string{"event": name, "case": key})
		return consolidation.BusinessEvent{
			TechID:             newTechID(),
			MainObjectID:       mainID,
			SecondaryObjectIDs: secondary,
			Timestamp:          start.Add(offset),
			Payload:            payload,
		}
	}
	return map[rune]consolidation.BusinessEvent{
		'A': event("A", 0, main),
		'B': event("B", time.Second, s1, main, s2),
		'C': event("C", 2*time.Second, s2),
	}
}

// Outcome reports how one simulated business case was consolidated.
type Outcome struct {
	Key string
	// CaseIDs are the cases holding any of the expected members.
	CaseIDs []string
	// Members and Events are those of the single case, when there is one.
	Members []string
	Events  int
	// Problem is empty when the case converged.
	Problem string
}

// Converged reports whether the simulated case became exactly one case.
func (o Outcome) Converged() bool {
	return o.Problem == ""
}

// Verify checks that every simulated case was consolidated into exactly
// one case holding all of its members and each of its events once.
func (p Plan) Verify(cases []consolidation.Case) ([]Outcome, error) {
	outcomes := make([]Outcome, len(p.Expected))
	var failed int
	for i, expected := range p.Expected {
		outcome := Outcome{Key: expected.Key}

		var holding []consolidation.Case
		for _, c := range cases {
			if !c.Members.Intersection(expected.Members).IsEmpty() {
				holding = append(holding, c)
				outcome.CaseIDs = append(outcome.CaseIDs, c.ID)
			}
		}
		sort.Strings(outcome.CaseIDs)

		if len(holding) == 1 {
			c := holding[0]
			outcome.Members = c.Members.SortedValues()
			outcome.Events = len(c.EventTechIDs)
		}
		outcome.Problem = problem(expected, holding)
		if outcome.Problem != "" {
			failed++
		}
		outcomes[i] = outcome
	}
	if failed > 0 {
		return outcomes, errors.Errorf("%d of %d simulated cases did not converge", failed, len(p.Expected))
	}
	return outcomes, nil
}

func problem(expected Expected, holding []consolidation.Case) string {
	switch len(holding) {
	case 0:
		return "no case"
	case 1:
	default:
		ids := make([]string, len(holding))
		for i, c := range holding {
			ids[i] = c.ID
		}
		sort.Strings(ids)
		return fmt.Sprintf("split over cases %s", strings.Join(ids, ", "))
	}

	c := holding[0]
	if missing := expected.Members.Difference(c.Members); !missing.IsEmpty() {
		return fmt.Sprintf("missing members %v", missing.SortedValues())
	}
	if extra := c.Members.Difference(expected.Members); !extra.IsEmpty() {
		return fmt.Sprintf("unexpected members %v", extra.SortedValues())
	}
	if len(c.EventTechIDs) != len(expected.TechIDs) || !set.NewStrings(c.EventTechIDs...).Difference(expected.TechIDs).IsEmpty() {
		return fmt.Sprintf("events %v, want %v", c.EventTechIDs, expected.TechIDs.SortedValues())
	}
	return ""
}
