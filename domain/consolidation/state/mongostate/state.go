// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package mongostate stores canonical cases in mongo. Each case is one
// document; a document per business object id records the case owning
// it, and an alias document is left behind for every case absorbed by a
// merge. Every mutation is a single multi-document transaction.
package mongostate

import (
	"context"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"
	"github.com/juju/mgo/v3/txn"
	jujutxn "github.com/juju/txn/v3"

	"github.com/juju/consolidator/domain/consolidation"
	consolidationerrors "github.com/juju/consolidator/domain/consolidation/errors"
)

// State is a case store backed by a mongo Database.
type State struct {
	db Database
}

// NewState returns a State using the given database.
func NewState(db Database) *State {
	return &State{db: db}
}

// CasesForMembers is part of the service.State interface.
func (st *State) CasesForMembers(ctx context.Context, ids set.Strings) ([]consolidation.Case, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Trace(err)
	}
	query := bson.D{{"members", bson.D{{"$in", ids.SortedValues()}}}}
	cases, err := st.allCases(query)
	return cases, errors.Trace(err)
}

// CaseForMember is part of the service.State interface.
func (st *State) CaseForMember(ctx context.Context, id string) (consolidation.Case, error) {
	if err := ctx.Err(); err != nil {
		return consolidation.Case{}, errors.Trace(err)
	}
	var doc memberDoc
	err := st.db.One(membersC, id, &doc)
	if errors.Is(err, errors.NotFound) {
		return consolidation.Case{}, errors.Annotatef(consolidationerrors.CaseNotFound, "member %q", id)
	} else if err != nil {
		return consolidation.Case{}, storeError(err)
	}
	return st.GetCase(ctx, doc.CaseID)
}

// GetCase is part of the service.State interface.
func (st *State) GetCase(ctx context.Context, caseID string) (consolidation.Case, error) {
	if err := ctx.Err(); err != nil {
		return consolidation.Case{}, errors.Trace(err)
	}
	visited := set.NewStrings()
	for id := caseID; !visited.Contains(id); {
		visited.Add(id)
		doc, err := st.caseDoc(id)
		if err == nil {
			return doc.toCase(), nil
		} else if !errors.Is(err, errors.NotFound) {
			return consolidation.Case{}, storeError(err)
		}

		var alias aliasDoc
		err = st.db.One(aliasesC, id, &alias)
		if errors.Is(err, errors.NotFound) {
			break
		} else if err != nil {
			return consolidation.Case{}, storeError(err)
		}
		id = alias.Target
	}
	return consolidation.Case{}, errors.Annotatef(consolidationerrors.CaseNotFound, "case %q", caseID)
}

// InsertCase is part of the service.State interface.
func (st *State) InsertCase(ctx context.Context, c consolidation.Case) error {
	if err := ctx.Err(); err != nil {
		return errors.Trace(err)
	}
	if err := c.Validate(); err != nil {
		return errors.Trace(err)
	}
	buildTxn := func(attempt int) ([]txn.Op, error) {
		if attempt > 0 {
			// The id is fresh, so the only assertion that can fail is a
			// member claimed by a case created concurrently.
			return nil, errors.Annotatef(consolidationerrors.ResolutionConflict,
				"inserting case %q with members %v", c.ID, c.Members.SortedValues())
		}
		return newInsertCaseOps(c), nil
	}
	return st.run(buildTxn)
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
	buildTxn := func(attempt int) ([]txn.Op, error) {
		current, err := st.caseDoc(c.ID)
		if errors.Is(err, errors.NotFound) {
			return nil, st.missingCaseError(c.ID)
		} else if err != nil {
			return nil, errors.Trace(err)
		}
		if current.Version != expectedVersion {
			return nil, errors.Annotatef(consolidationerrors.ConcurrentModification,
				"case %q at version %d, expected %d", c.ID, current.Version, expectedVersion)
		}
		if attempt > 0 {
			// The version still matches, so a new member was claimed by
			// another case.
			return nil, errors.Annotatef(consolidationerrors.ResolutionConflict,
				"members %v of case %q", c.Members.Difference(set.NewStrings(current.Members...)).SortedValues(), c.ID)
		}
		return newUpdateCaseOps(expectedVersion, current, c), nil
	}
	return st.run(buildTxn)
}

// MergeCases is part of the service.State interface.
func (st *State) MergeCases(ctx context.Context, args consolidation.MergeArgs) error {
	if err := ctx.Err(); err != nil {
		return errors.Trace(err)
	}
	if err := args.Survivor.Validate(); err != nil {
		return errors.Trace(err)
	}
	buildTxn := func(attempt int) ([]txn.Op, error) {
		if attempt > 0 {
			return nil, errors.Annotatef(consolidationerrors.ResolutionConflict,
				"merging %v into %q", args.AbsorbedIDs(), args.Survivor.ID)
		}
		return newMergeCasesOps(args), nil
	}
	return st.run(buildTxn)
}

// AllCases is part of the service.State interface.
func (st *State) AllCases(ctx context.Context) ([]consolidation.Case, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Trace(err)
	}
	cases, err := st.allCases(nil)
	return cases, errors.Trace(err)
}

// Ping is part of the service.State interface.
func (st *State) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.Trace(err)
	}
	if err := st.db.Ping(); err != nil {
		return storeError(err)
	}
	return nil
}

func (st *State) caseDoc(caseID string) (caseDoc, error) {
	var doc caseDoc
	if err := st.db.One(casesC, caseID, &doc); err != nil {
		return caseDoc{}, errors.Trace(err)
	}
	return doc, nil
}

func (st *State) allCases(query bson.D) ([]consolidation.Case, error) {
	var docs []caseDoc
	if err := st.db.All(casesC, query, &docs); err != nil {
		return nil, storeError(err)
	}
	cases := make([]consolidation.Case, len(docs))
	for i, doc := range docs {
		cases[i] = doc.toCase()
	}
	consolidation.SortByCreation(cases)
	return cases, nil
}

// missingCaseError distinguishes a case absorbed by a merge, which the
// caller resolves by reading again, from one that never existed.
func (st *State) missingCaseError(caseID string) error {
	var alias aliasDoc
	err := st.db.One(aliasesC, caseID, &alias)
	if err == nil {
		return errors.Annotatef(consolidationerrors.ConcurrentModification,
			"case %q merged into %q", caseID, alias.Target)
	} else if !errors.Is(err, errors.NotFound) {
		return errors.Trace(err)
	}
	return errors.Annotatef(consolidationerrors.CaseNotFound, "case %q", caseID)
}

func (st *State) run(buildTxn jujutxn.TransactionSource) error {
	err := st.db.Run(buildTxn)
	if err == nil {
		return nil
	}
	return storeError(err)
}

// storeError passes domain errors through and marks everything else as
// the store being unavailable.
func storeError(err error) error {
	switch {
	case consolidationerrors.IsRetryable(err),
		errors.Is(err, consolidationerrors.CaseNotFound),
		errors.Is(err, errors.NotValid),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return errors.Trace(err)
	case errors.Is(err, jujutxn.ErrExcessiveContention):
		return errors.Annotate(consolidationerrors.ConcurrentModification, err.Error())
	}
	return errors.Trace(errors.WithType(err, consolidationerrors.StoreUnavailable))
}
