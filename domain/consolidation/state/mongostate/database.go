// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package mongostate

import (
	"crypto/tls"
	"net"
	"time"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3"
	jujutxn "github.com/juju/txn/v3"
)

// Database is the subset of mongo operations the state is written
// against.
type Database interface {
	// One populates doc with the document with the given id. It returns
	// an error satisfying errors.NotFound when there is none.
	One(collName, id string, doc any) error

	// All populates docs with the documents matching the query.
	All(collName string, query, docs any) error

	// Run applies the operations built by the transaction source as one
	// multi-document transaction.
	Run(transactions jujutxn.TransactionSource) error

	// Ping checks the database can be reached.
	Ping() error
}

// DialArgs holds what is needed to connect to the case database.
type DialArgs struct {
	Addrs      []string
	Database   string
	Username   string
	Password   string
	AuthSource string
	Timeout    time.Duration
	TLS        bool
}

// Validate checks the dial arguments are usable.
func (a DialArgs) Validate() error {
	if len(a.Addrs) == 0 {
		return errors.NotValidf("empty mongo addrs")
	}
	if a.Database == "" {
		return errors.NotValidf("empty mongo database")
	}
	if a.Password != "" && a.Username == "" {
		return errors.NotValidf("mongo password without username")
	}
	return nil
}

func (a DialArgs) dialInfo() *mgo.DialInfo {
	info := &mgo.DialInfo{
		Addrs:    a.Addrs,
		Database: a.Database,
		Username: a.Username,
		Password: a.Password,
		Source:   a.AuthSource,
		Timeout:  a.Timeout,
	}
	if a.TLS {
		info.DialServer = func(addr *mgo.ServerAddr) (net.Conn, error) {
			return tls.DialWithDialer(&net.Dialer{Timeout: a.Timeout}, "tcp", addr.String(), &tls.Config{
				MinVersion: tls.VersionTLS12,
			})
		}
	}
	return info
}

// MongoDatabase is a Database backed by a mongo session.
type MongoDatabase struct {
	session *mgo.Session
	name    string
}

// Dial connects to mongo and makes sure the case collections are
// indexed.
func Dial(args DialArgs) (*MongoDatabase, error) {
	if err := args.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	session, err := mgo.DialWithInfo(args.dialInfo())
	if err != nil {
		return nil, errors.Annotatef(err, "dialing mongo at %v", args.Addrs)
	}
	session.SetMode(mgo.Strong, true)

	db := &MongoDatabase{session: session, name: args.Database}
	if err := db.ensureIndexes(); err != nil {
		session.Close()
		return nil, errors.Trace(err)
	}
	return db, nil
}

func (db *MongoDatabase) ensureIndexes() error {
	session := db.session.Copy()
	defer session.Close()

	err := session.DB(db.name).C(casesC).EnsureIndex(mgo.Index{
		Key: []string{"members"},
	})
	return errors.Annotate(err, "indexing case members")
}

// One is part of the Database interface.
func (db *MongoDatabase) One(collName, id string, doc any) error {
	session := db.session.Copy()
	defer session.Close()

	err := session.DB(db.name).C(collName).FindId(id).One(doc)
	if err == mgo.ErrNotFound {
		return errors.NotFoundf("%s document %q", collName, id)
	}
	return errors.Trace(err)
}

// All is part of the Database interface.
func (db *MongoDatabase) All(collName string, query, docs any) error {
	session := db.session.Copy()
	defer session.Close()

	return errors.Trace(session.DB(db.name).C(collName).Find(query).All(docs))
}

// Run is part of the Database interface.
func (db *MongoDatabase) Run(transactions jujutxn.TransactionSource) error {
	session := db.session.Copy()
	defer session.Close()

	runner := jujutxn.NewRunner(jujutxn.RunnerParams{
		Database: session.DB(db.name),
	})
	return runner.Run(transactions)
}

// Ping is part of the Database interface.
func (db *MongoDatabase) Ping() error {
	session := db.session.Copy()
	defer session.Close()

	return errors.Trace(session.Ping())
}

// Close closes the underlying session.
func (db *MongoDatabase) Close() {
	db.session.Close()
}
