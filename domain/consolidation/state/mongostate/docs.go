// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package mongostate

import (
	"encoding/json"
	"time"

	"github.com/juju/collections/set"

	"github.com/juju/consolidator/domain/consolidation"
)

const (
	casesC   = "cases"
	membersC = "casemembers"
	aliasesC = "casealiases"
)

// Collections is the list of names of the mongo collections where cases
// are stored.
var Collections = []string{
	casesC,
	membersC,
	aliasesC,
}

// caseDoc is the top-level document for a live case.
type caseDoc struct {
	DocID       string     `bson:"_id"`
	Members     []string   `bson:"members"`
	TechIDs     []string   `bson:"techids"`
	Events      []eventDoc `bson:"events"`
	Version     int64      `bson:"version"`
	Created     time.Time  `bson:"created"`
	LastUpdated time.Time  `bson:"last-updated"`
}

// eventDoc is an event embedded in its case document. The payload is
// kept as the raw JSON text it arrived as.
type eventDoc struct {
	TechID             string    `bson:"techid"`
	MainObjectID       string    `bson:"main-object-id"`
	SecondaryObjectIDs []string  `bson:"secondary-object-ids,omitempty"`
	Timestamp          time.Time `bson:"timestamp"`
	Payload            string    `bson:"payload,omitempty"`
}

// memberDoc records which case owns a business object id. There is at
// most one per id, which keeps every id in exactly one case.
type memberDoc struct {
	DocID  string `bson:"_id"`
	CaseID string `bson:"case-id"`
}

// aliasDoc is left behind when a case is absorbed by a merge.
type aliasDoc struct {
	DocID  string `bson:"_id"`
	Target string `bson:"target"`
}

func newCaseDoc(c consolidation.Case) *caseDoc {
	doc := &caseDoc{
		DocID:       c.ID,
		Members:     c.Members.SortedValues(),
		TechIDs:     append([]string(nil), c.EventTechIDs...),
		Events:      make([]eventDoc, len(c.Events)),
		Version:     c.Version,
		Created:     c.Created.UTC(),
		LastUpdated: c.LastUpdated.UTC(),
	}
	for i, ev := range c.Events {
		doc.Events[i] = eventDoc{
			TechID:             ev.TechID,
			MainObjectID:       ev.MainObjectID,
			SecondaryObjectIDs: append([]string(nil), ev.SecondaryObjectIDs...),
			Timestamp:          ev.Timestamp.UTC(),
			Payload:            string(ev.Payload),
		}
	}
	return doc
}

func (d caseDoc) toCase() consolidation.Case {
	c := consolidation.Case{
		ID:           d.DocID,
		Members:      set.NewStrings(d.Members...),
		EventTechIDs: append([]string(nil), d.TechIDs...),
		Events:       make([]consolidation.BusinessEvent, len(d.Events)),
		Version:      d.Version,
		Created:      d.Created.UTC(),
		LastUpdated:  d.LastUpdated.UTC(),
	}
	for i, ev := range d.Events {
		c.Events[i] = consolidation.BusinessEvent{
			TechID:             ev.TechID,
			MainObjectID:       ev.MainObjectID,
			SecondaryObjectIDs: append([]string(nil), ev.SecondaryObjectIDs...),
			Timestamp:          ev.Timestamp.UTC(),
		}
		if ev.Payload != "" {
			c.Events[i].Payload = json.RawMessage(ev.Payload)
		}
	}
	return c
}
