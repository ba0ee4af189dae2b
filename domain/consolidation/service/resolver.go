// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package service

import (
	"context"

	"github.com/juju/collections/set"
	"github.com/juju/errors"

	"github.com/juju/consolidator/domain/consolidation"
	consolidationerrors "github.com/juju/consolidator/domain/consolidation/errors"
)

// Resolve returns the id of the case the referenced identifiers belong to.
//
// When no case holds any of the identifiers a new case is created for them.
// When several cases hold them, the identifiers bridge those cases and they
// are merged into the oldest one. The identifiers not yet held by the
// returned case are added when an event is appended to it.
func (s *Service) Resolve(ctx context.Context, referenced set.Strings) (string, error) {
	if referenced.IsEmpty() {
		return "", errors.NotValidf("resolving empty identifier set")
	}
	for attempt := 0; attempt < s.resolveAttempts; attempt++ {
		matches, err := s.st.CasesForMembers(ctx, referenced)
		if err != nil {
			return "", errors.Annotatef(err, "finding cases for %v", referenced.SortedValues())
		}

		switch len(matches) {
		case 0:
			caseID, err := s.create(ctx, referenced)
			if errors.Is(err, consolidationerrors.ResolutionConflict) {
				s.logger.Debugf("lost race creating case for %v (attempt %d)", referenced.SortedValues(), attempt)
				continue
			} else if err != nil {
				return "", errors.Trace(err)
			}
			return caseID, nil
		case 1:
			return matches[0].ID, nil
		default:
			return s.merge(ctx, matches)
		}
	}
	return "", errors.Annotatef(consolidationerrors.ResolutionConflict,
		"creating case for %v", referenced.SortedValues())
}

func (s *Service) create(ctx context.Context, referenced set.Strings) (string, error) {
	now := s.clock.Now()
	c := consolidation.Case{
		ID:          s.newCaseID(),
		Members:     set.NewStrings(referenced.Values()...),
		Version:     0,
		Created:     now,
		LastUpdated: now,
	}
	if err := s.st.InsertCase(ctx, c); err != nil {
		return "", errors.Trace(err)
	}
	s.logger.Debugf("created case %q for %v", c.ID, referenced.SortedValues())
	return c.ID, nil
}
