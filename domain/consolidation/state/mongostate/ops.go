// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package mongostate

import (
	"github.com/juju/collections/set"
	"github.com/juju/mgo/v3/bson"
	"github.com/juju/mgo/v3/txn"

	"github.com/juju/consolidator/domain/consolidation"
)

// updateFields returns the fields a conditional update replaces. The id
// and creation time never change.
func (d caseDoc) updateFields() bson.D {
	return bson.D{
		{"members", d.Members},
		{"techids", d.TechIDs},
		{"events", d.Events},
		{"version", d.Version},
		{"last-updated", d.LastUpdated},
	}
}

func newInsertCaseOps(c consolidation.Case) []txn.Op {
	ops := []txn.Op{{
		C:      aliasesC,
		Id:     c.ID,
		Assert: txn.DocMissing,
	}, {
		C:      casesC,
		Id:     c.ID,
		Assert: txn.DocMissing,
		Insert: newCaseDoc(c),
	}}
	return append(ops, newClaimMemberOps(c.ID, c.Members.SortedValues())...)
}

// newClaimMemberOps inserts an ownership document for each member. The
// insert fails when another case already owns the member.
func newClaimMemberOps(caseID string, members []string) []txn.Op {
	ops := make([]txn.Op, len(members))
	for i, member := range members {
		ops[i] = txn.Op{
			C:      membersC,
			Id:     member,
			Assert: txn.DocMissing,
			Insert: &memberDoc{DocID: member, CaseID: caseID},
		}
	}
	return ops
}

// newUpdateCaseOps replaces the case provided its version is still the
// expected one and none of the added events is already recorded.
func newUpdateCaseOps(expectedVersion int64, current caseDoc, c consolidation.Case) []txn.Op {
	doc := newCaseDoc(c)
	added := set.NewStrings(doc.TechIDs...).Difference(set.NewStrings(current.TechIDs...))
	ops := []txn.Op{{
		C:  casesC,
		Id: c.ID,
		Assert: bson.D{
			{"version", expectedVersion},
			{"techids", bson.D{{"$nin", added.SortedValues()}}},
		},
		Update: bson.D{{"$set", doc.updateFields()}},
	}}
	newMembers := c.Members.Difference(set.NewStrings(current.Members...))
	return append(ops, newClaimMemberOps(c.ID, newMembers.SortedValues())...)
}

// newMergeCasesOps writes the merged survivor, removes every absorbed
// case leaving an alias in its place and hands the absorbed members to
// the survivor. Every case is asserted at the version it was read.
func newMergeCasesOps(args consolidation.MergeArgs) []txn.Op {
	survivor := newCaseDoc(args.Survivor)
	ops := []txn.Op{{
		C:      casesC,
		Id:     survivor.DocID,
		Assert: bson.D{{"version", args.SurvivorVersion}},
		Update: bson.D{{"$set", survivor.updateFields()}},
	}}

	involved := append([]string{survivor.DocID}, args.AbsorbedIDs()...)
	handled := set.NewStrings()
	for _, absorbed := range args.Absorbed {
		ops = append(ops, txn.Op{
			C:      casesC,
			Id:     absorbed.ID,
			Assert: bson.D{{"version", absorbed.Version}},
			Remove: true,
		}, txn.Op{
			C:      aliasesC,
			Id:     absorbed.ID,
			Assert: txn.DocMissing,
			Insert: &aliasDoc{DocID: absorbed.ID, Target: survivor.DocID},
		})
		for _, member := range absorbed.Members.SortedValues() {
			if handled.Contains(member) {
				continue
			}
			handled.Add(member)
			ops = append(ops, txn.Op{
				C:      membersC,
				Id:     member,
				Assert: bson.D{{"case-id", bson.D{{"$in", involved}}}},
				Update: bson.D{{"$set", bson.D{{"case-id", survivor.DocID}}}},
			})
		}
	}
	return ops
}
