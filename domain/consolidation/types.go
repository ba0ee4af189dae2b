// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package consolidation

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
)

// BusinessEvent is a single event emitted by an upstream producer. Events
// reference business objects by identifier; every identifier an event
// references ties the event to the case owning that identifier.
type BusinessEvent struct {
	// TechID uniquely identifies the event. It is only used for
	// de-duplication and carries no business meaning.
	TechID string `json:"techId"`

	// MainObjectID is the identifier of the business object the event is
	// primarily about.
	MainObjectID string `json:"mainObjectId"`

	// SecondaryObjectIDs are identifiers of other business objects the
	// event links to the main object.
	SecondaryObjectIDs []string `json:"secondaryObjectIds,omitempty"`

	// Timestamp is when the producer emitted the event.
	Timestamp time.Time `json:"timestamp"`

	// Payload is the opaque event body.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate checks that the event carries the identifiers required to
// consolidate it.
func (e BusinessEvent) Validate() error {
	if e.TechID == "" {
		return errors.NotValidf("event with empty techId")
	}
	if e.MainObjectID == "" {
		return errors.NotValidf("event %q with empty mainObjectId", e.TechID)
	}
	for _, id := range e.SecondaryObjectIDs {
		if id == "" {
			return errors.NotValidf("event %q with empty secondary object id", e.TechID)
		}
	}
	return nil
}

// ReferencedIDs returns the main object id together with every secondary
// object id.
func (e BusinessEvent) ReferencedIDs() set.Strings {
	ids := set.NewStrings(e.SecondaryObjectIDs...)
	ids.Add(e.MainObjectID)
	return ids
}

// Case is the canonical record consolidating every event that belongs to
// one underlying business case.
type Case struct {
	// ID is assigned when the case is created and never changes.
	ID string

	// Members holds every identifier ever linked into the case.
	Members set.Strings

	// EventTechIDs holds the tech id of every event in Events, in the
	// same order.
	EventTechIDs []string

	// Events holds the consolidated events.
	Events []BusinessEvent

	// Version is incremented on every mutation and guards conditional
	// writes.
	Version int64

	// Created records when the case was first written. The earliest
	// created case survives a merge.
	Created time.Time

	// LastUpdated records the last mutation of the case.
	LastUpdated time.Time
}

// HasEvent reports whether the event with the given tech id has already
// been consolidated into the case.
func (c Case) HasEvent(techID string) bool {
	for _, id := range c.EventTechIDs {
		if id == techID {
			return true
		}
	}
	return false
}

// WithEvent returns a copy of the case with the event appended, the event's
// identifiers added to the members and the version bumped.
func (c Case) WithEvent(ev BusinessEvent, now time.Time) Case {
	updated := c.Clone()
	updated.EventTechIDs = append(updated.EventTechIDs, ev.TechID)
	updated.Events = append(updated.Events, ev)
	updated.Members = updated.Members.Union(ev.ReferencedIDs())
	updated.Version = c.Version + 1
	updated.LastUpdated = now
	return updated
}

// Clone returns a deep copy of the case.
func (c Case) Clone() Case {
	clone := c
	clone.Members = set.NewStrings(c.Members.Values()...)
	clone.EventTechIDs = append([]string(nil), c.EventTechIDs...)
	clone.Events = make([]BusinessEvent, len(c.Events))
	for i, ev := range c.Events {
		clone.Events[i] = ev
		clone.Events[i].SecondaryObjectIDs = append([]string(nil), ev.SecondaryObjectIDs...)
	}
	return clone
}

// Validate checks the structural invariants of the case.
func (c Case) Validate() error {
	if c.ID == "" {
		return errors.NotValidf("case with empty id")
	}
	if c.Members.IsEmpty() {
		return errors.NotValidf("case %q without members", c.ID)
	}
	if len(c.EventTechIDs) != len(c.Events) {
		return errors.NotValidf("case %q with %d tech ids for %d events",
			c.ID, len(c.EventTechIDs), len(c.Events))
	}
	seen := set.NewStrings()
	for i, ev := range c.Events {
		if ev.TechID != c.EventTechIDs[i] {
			return errors.NotValidf("case %q event %d tech id %q out of order", c.ID, i, ev.TechID)
		}
		if seen.Contains(ev.TechID) {
			return errors.NotValidf("case %q with duplicate event %q", c.ID, ev.TechID)
		}
		seen.Add(ev.TechID)
		if missing := ev.ReferencedIDs().Difference(c.Members); !missing.IsEmpty() {
			return errors.NotValidf("case %q missing members %v of event %q",
				c.ID, missing.SortedValues(), ev.TechID)
		}
	}
	return nil
}

// CreatedBefore orders cases by creation time, falling back to the id so
// the order is total.
func CreatedBefore(a, b Case) bool {
	if !a.Created.Equal(b.Created) {
		return a.Created.Before(b.Created)
	}
	return a.ID < b.ID
}

// SortByCreation sorts the cases in place, oldest first.
func SortByCreation(cases []Case) {
	sort.Slice(cases, func(i, j int) bool {
		return CreatedBefore(cases[i], cases[j])
	})
}

// MergeArgs describes a merge of several cases into the oldest of them.
// All of it is written atomically or not at all.
type MergeArgs struct {
	// Survivor is the merged record, written under the surviving id.
	Survivor Case

	// SurvivorVersion is the version of the surviving case as read
	// before the merge was planned.
	SurvivorVersion int64

	// Absorbed are the other cases as read before the merge was planned.
	// Each is removed, asserting its Version, and its id becomes an alias
	// of the survivor.
	Absorbed []Case
}

// AbsorbedIDs returns the ids of the absorbed cases.
func (a MergeArgs) AbsorbedIDs() []string {
	ids := make([]string, len(a.Absorbed))
	for i, c := range a.Absorbed {
		ids[i] = c.ID
	}
	return ids
}
