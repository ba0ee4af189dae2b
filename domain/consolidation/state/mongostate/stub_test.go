// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package mongostate

import (
	"reflect"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3/txn"
	"github.com/juju/testing"
	jujutxn "github.com/juju/txn/v3"
)

// stubDatabase serves documents from memory and records the operations
// of every transaction instead of applying them. A Run whose next error is
// txn.ErrAborted behaves like the runner after a failed assertion: the
// source is asked again for attempt 1.
type stubDatabase struct {
	*testing.Stub

	docs    map[string]map[string]any
	allDocs []caseDoc
}

func newStubDatabase() *stubDatabase {
	return &stubDatabase{
		Stub: &testing.Stub{},
		docs: make(map[string]map[string]any),
	}
}

func (db *stubDatabase) setDoc(collName, id string, doc any) {
	if db.docs[collName] == nil {
		db.docs[collName] = make(map[string]any)
	}
	db.docs[collName][id] = doc
}

func (db *stubDatabase) One(collName, id string, doc any) error {
	db.AddCall("One", collName, id)
	if err := db.NextErr(); err != nil {
		return errors.Trace(err)
	}
	found, ok := db.docs[collName][id]
	if !ok {
		return errors.NotFoundf("%s document %q", collName, id)
	}
	reflect.ValueOf(doc).Elem().Set(reflect.ValueOf(found))
	return nil
}

func (db *stubDatabase) All(collName string, query, docs any) error {
	db.AddCall("All", collName, query)
	if err := db.NextErr(); err != nil {
		return errors.Trace(err)
	}
	*docs.(*[]caseDoc) = append([]caseDoc(nil), db.allDocs...)
	return nil
}

func (db *stubDatabase) Run(transactions jujutxn.TransactionSource) error {
	ops, err := transactions(0)
	if err != nil {
		return err
	}
	db.AddCall("Run", ops)
	err = db.NextErr()
	if err != txn.ErrAborted {
		return err
	}
	if _, err := transactions(1); err != nil {
		return err
	}
	return jujutxn.ErrExcessiveContention
}

func (db *stubDatabase) Ping() error {
	db.AddCall("Ping")
	return db.NextErr()
}
