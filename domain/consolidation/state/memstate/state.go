// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package memstate keeps canonical cases in process memory. It backs the
// simulator and offline reconciliation, and serves as the reference for the
// atomicity every state implementation provides.
package memstate

import (
	"context"
	"sync"

	"github.com/juju/collections/set"
	"github.com/juju/errors"

	"github.com/juju/consolidator/domain/consolidation"
	consolidationerrors "github.com/juju/consolidator/domain/consolidation/errors"
)

// State is an in-memory case store. Each method holds a single lock for
// its whole duration, so every mutation is atomic.
type State struct {
	mu      sync.Mutex
	cases   map[string]consolidation.Case
	aliases map[string]string
	owners  map[string]set.Strings
}

// NewState returns an empty State.
func NewState() *State {
	return &State{
		cases:   make(map[string]consolidation.Case),
		aliases: make(map[string]string),
		owners:  make(map[string]set.Strings),
	}
}

// Load adds the given cases as they are, replacing cases with the same id.
// Unlike InsertCase it does not refuse members owned by other cases, so a
// snapshot taken from a store that lost races can be loaded and reconciled.
func (st *State) Load(cases ...consolidation.Case) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, c := range cases {
		if old, ok := st.cases[c.ID]; ok {
			st.disown(old)
		}
		st.put(c.Clone())
	}
}

// Aliases returns the alias left behind by every absorbed case, keyed by
// the absorbed id.
func (st *State) Aliases() map[string]string {
	st.mu.Lock()
	defer st.mu.Unlock()
	result := make(map[string]string, len(st.aliases))
	for k, v := range st.aliases {
		result[k] = v
	}
	return result
}

// CasesForMembers is part of the service.State interface.
func (st *State) CasesForMembers(ctx context.Context, ids set.Strings) ([]consolidation.Case, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Trace(err)
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	caseIDs := set.NewStrings()
	for id := range ids {
		caseIDs = caseIDs.Union(st.owners[id])
	}
	result := make([]consolidation.Case, 0, len(caseIDs))
	for _, caseID := range caseIDs.Values() {
		result = append(result, st.cases[caseID].Clone())
	}
	consolidation.SortByCreation(result)
	return result, nil
}

// CaseForMember is part of the service.State interface.
func (st *State) CaseForMember(ctx context.Context, id string) (consolidation.Case, error) {
	if err := ctx.Err(); err != nil {
		return consolidation.Case{}, errors.Trace(err)
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	owners := st.owners[id]
	if owners.IsEmpty() {
		return consolidation.Case{}, errors.Annotatef(consolidationerrors.CaseNotFound, "member %q", id)
	}
	cases := make([]consolidation.Case, 0, len(owners))
	for _, caseID := range owners.Values() {
		cases = append(cases, st.cases[caseID])
	}
	consolidation.SortByCreation(cases)
	return cases[0].Clone(), nil
}

// GetCase is part of the service.State interface.
func (st *State) GetCase(ctx context.Context, caseID string) (consolidation.Case, error) {
	if err := ctx.Err(); err != nil {
		return consolidation.Case{}, errors.Trace(err)
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	c, ok := st.lookup(caseID)
	if !ok {
		return consolidation.Case{}, errors.Annotatef(consolidationerrors.CaseNotFound, "case %q", caseID)
	}
	return c.Clone(), nil
}

// InsertCase is part of the service.State interface.
func (st *State) InsertCase(ctx context.Context, c consolidation.Case) error {
	if err := ctx.Err(); err != nil {
		return errors.Trace(err)
	}
	if err := c.Validate(); err != nil {
		return errors.Trace(err)
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.cases[c.ID]; ok {
		return errors.Annotatef(consolidationerrors.ResolutionConflict, "case %q already exists", c.ID)
	}
	if _, ok := st.aliases[c.ID]; ok {
		return errors.Annotatef(consolidationerrors.ResolutionConflict, "case %q already merged", c.ID)
	}
	if owned := st.ownedElsewhere(c.Members, c.ID); !owned.IsEmpty() {
		return errors.Annotatef(consolidationerrors.ResolutionConflict,
			"members %v already belong to another case", owned.SortedValues())
	}
	st.put(c.Clone())
	return nil
}

// UpdateCase is part of the service.State interface.
func (st *State) UpdateCase(ctx context.Context, expectedVersion int64, c consolidation.Case) error {
	if err := ctx.Err(); err != nil {
		return errors.Trace(err)
	}
	if err := c.Validate(); err != nil {
		return errors.Trace(err)
	}
	if c.Version <= expectedVersion {
		return errors.NotValidf("case %q version %d not past %d", c.ID, c.Version, expectedVersion)
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	current, ok := st.cases[c.ID]
	if !ok {
		if _, merged := st.aliases[c.ID]; merged {
			return errors.Annotatef(consolidationerrors.ConcurrentModification, "case %q merged", c.ID)
		}
		return errors.Annotatef(consolidationerrors.CaseNotFound, "case %q", c.ID)
	}
	if current.Version != expectedVersion {
		return errors.Annotatef(consolidationerrors.ConcurrentModification,
			"case %q at version %d, expected %d", c.ID, current.Version, expectedVersion)
	}
	if owned := st.ownedElsewhere(c.Members, c.ID); !owned.IsEmpty() {
		return errors.Annotatef(consolidationerrors.ResolutionConflict,
			"members %v already belong to another case", owned.SortedValues())
	}
	st.disown(current)
	st.put(c.Clone())
	return nil
}

// MergeCases is part of the service.State interface.
func (st *State) MergeCases(ctx context.Context, args consolidation.MergeArgs) error {
	if err := ctx.Err(); err != nil {
		return errors.Trace(err)
	}
	if err := args.Survivor.Validate(); err != nil {
		return errors.Trace(err)
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	involved := set.NewStrings(args.Survivor.ID)
	expected := map[string]int64{args.Survivor.ID: args.SurvivorVersion}
	for _, absorbed := range args.Absorbed {
		involved.Add(absorbed.ID)
		expected[absorbed.ID] = absorbed.Version
	}
	for _, caseID := range involved.SortedValues() {
		current, ok := st.cases[caseID]
		if !ok {
			return errors.Annotatef(consolidationerrors.ResolutionConflict, "case %q no longer live", caseID)
		}
		if current.Version != expected[caseID] {
			return errors.Annotatef(consolidationerrors.ResolutionConflict,
				"case %q at version %d, expected %d", caseID, current.Version, expected[caseID])
		}
	}
	for member := range args.Survivor.Members {
		if !st.owners[member].Difference(involved).IsEmpty() {
			return errors.Annotatef(consolidationerrors.ResolutionConflict,
				"member %q belongs to a case outside the merge", member)
		}
	}

	for _, caseID := range involved.Values() {
		st.disown(st.cases[caseID])
		delete(st.cases, caseID)
	}
	for _, absorbed := range args.Absorbed {
		st.aliases[absorbed.ID] = args.Survivor.ID
	}
	st.put(args.Survivor.Clone())
	return nil
}

// AllCases is part of the service.State interface.
func (st *State) AllCases(ctx context.Context) ([]consolidation.Case, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Trace(err)
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	result := make([]consolidation.Case, 0, len(st.cases))
	for _, c := range st.cases {
		result = append(result, c.Clone())
	}
	consolidation.SortByCreation(result)
	return result, nil
}

// Ping is part of the service.State interface.
func (st *State) Ping(ctx context.Context) error {
	return errors.Trace(ctx.Err())
}

// lookup follows the alias chain starting at caseID. It must be called
// with the lock held.
func (st *State) lookup(caseID string) (consolidation.Case, bool) {
	visited := set.NewStrings()
	for !visited.Contains(caseID) {
		visited.Add(caseID)
		if c, ok := st.cases[caseID]; ok {
			return c, true
		}
		target, ok := st.aliases[caseID]
		if !ok {
			break
		}
		caseID = target
	}
	return consolidation.Case{}, false
}

// ownedElsewhere returns the members owned by a case other than caseID.
func (st *State) ownedElsewhere(members set.Strings, caseID string) set.Strings {
	owned := set.NewStrings()
	for member := range members {
		for owner := range st.owners[member] {
			if owner != caseID {
				owned.Add(member)
			}
		}
	}
	return owned
}

func (st *State) put(c consolidation.Case) {
	st.cases[c.ID] = c
	for member := range c.Members {
		if st.owners[member] == nil {
			st.owners[member] = set.NewStrings()
		}
		st.owners[member].Add(c.ID)
	}
}

func (st *State) disown(c consolidation.Case) {
	for member := range c.Members {
		st.owners[member].Remove(c.ID)
		if st.owners[member].IsEmpty() {
			delete(st.owners, member)
		}
	}
}
