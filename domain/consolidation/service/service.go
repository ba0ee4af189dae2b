// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package service

import (
	"context"

	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/rs/xid"

	"github.com/juju/consolidator/domain/consolidation"
)

// State describes the persistence of canonical cases. Every mutating method
// is atomic: it either applies completely or leaves the store untouched.
type State interface {
	// CasesForMembers returns every live case whose members intersect
	// the given identifiers.
	CasesForMembers(ctx context.Context, ids set.Strings) ([]consolidation.Case, error)

	// CaseForMember returns the case containing the given identifier.
	CaseForMember(ctx context.Context, id string) (consolidation.Case, error)

	// GetCase returns the case with the given id, following aliases left
	// behind by merges.
	GetCase(ctx context.Context, caseID string) (consolidation.Case, error)

	// InsertCase writes a new case. It fails with ResolutionConflict if the
	// id is taken or any member already belongs to another case.
	InsertCase(ctx context.Context, c consolidation.Case) error

	// UpdateCase replaces the case with the same id, provided the stored
	// version still equals expectedVersion. It fails with
	// ConcurrentModification when the version moved on, and with
	// ResolutionConflict when a new member belongs to another case.
	UpdateCase(ctx context.Context, expectedVersion int64, c consolidation.Case) error

	// MergeCases writes the merged survivor and tombstones every absorbed
	// case as an alias of the survivor, asserting every version read.
	MergeCases(ctx context.Context, args consolidation.MergeArgs) error

	// AllCases returns every live case.
	AllCases(ctx context.Context) ([]consolidation.Case, error)

	// Ping checks the store can be reached.
	Ping(ctx context.Context) error
}

// Logger represents the logging methods called.
type Logger interface {
	Errorf(message string, args ...any)
	Warningf(message string, args ...any)
	Infof(message string, args ...any)
	Debugf(message string, args ...any)
}

const (
	// defaultResolveAttempts bounds how often resolution restarts after
	// losing a race to create a case.
	defaultResolveAttempts = 3

	// defaultAppendAttempts bounds how often an append re-reads the case
	// after losing a race to write it.
	defaultAppendAttempts = 5
)

// Service consolidates business events into canonical cases.
type Service struct {
	st     State
	clock  clock.Clock
	logger Logger

	resolveAttempts int
	appendAttempts  int
	newCaseID       func() string
}

// NewService returns a new Service backed by the given state.
func NewService(st State, clock clock.Clock, logger Logger) *Service {
	return &Service{
		st:              st,
		clock:           clock,
		logger:          logger,
		resolveAttempts: defaultResolveAttempts,
		appendAttempts:  defaultAppendAttempts,
		newCaseID: func() string {
			return xid.New().String()
		},
	}
}

// GetCase returns the case with the given id. Ids of cases absorbed by a
// merge resolve to the surviving case.
func (s *Service) GetCase(ctx context.Context, caseID string) (consolidation.Case, error) {
	c, err := s.st.GetCase(ctx, caseID)
	if err != nil {
		return consolidation.Case{}, errors.Trace(err)
	}
	return c, nil
}

// CaseForMember returns the case owning the given business object id.
func (s *Service) CaseForMember(ctx context.Context, id string) (consolidation.Case, error) {
	c, err := s.st.CaseForMember(ctx, id)
	if err != nil {
		return consolidation.Case{}, errors.Trace(err)
	}
	return c, nil
}

// AllCases returns every live case, oldest first.
func (s *Service) AllCases(ctx context.Context) ([]consolidation.Case, error) {
	cases, err := s.st.AllCases(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	consolidation.SortByCreation(cases)
	return cases, nil
}

// Ping checks the underlying store can be reached.
func (s *Service) Ping(ctx context.Context) error {
	return errors.Trace(s.st.Ping(ctx))
}
