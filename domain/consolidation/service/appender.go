// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package service

import (
	"context"

	"github.com/juju/errors"

	"github.com/juju/consolidator/domain/consolidation"
	consolidationerrors "github.com/juju/consolidator/domain/consolidation/errors"
)

// Append consolidates the event into the case with the given id exactly
// once. It reports false, with no error, when the event is already part of
// the case.
//
// The case is read, checked for the event and written back conditionally on
// the version read. Losing the write to a concurrent writer restarts from
// the read, so a duplicate written by the winner is detected rather than
// appended twice.
func (s *Service) Append(ctx context.Context, caseID string, ev consolidation.BusinessEvent) (bool, error) {
	if err := ev.Validate(); err != nil {
		return false, errors.Trace(err)
	}
	for attempt := 0; attempt < s.appendAttempts; attempt++ {
		current, err := s.st.GetCase(ctx, caseID)
		if err != nil {
			return false, errors.Annotatef(err, "reading case %q", caseID)
		}
		if current.HasEvent(ev.TechID) {
			s.logger.Debugf("event %q already in case %q", ev.TechID, current.ID)
			return false, nil
		}

		updated := current.WithEvent(ev, s.clock.Now())
		err = s.st.UpdateCase(ctx, current.Version, updated)
		if errors.Is(err, consolidationerrors.ConcurrentModification) {
			s.logger.Debugf("case %q changed while appending %q (attempt %d)", current.ID, ev.TechID, attempt)
			continue
		} else if err != nil {
			return false, errors.Annotatef(err, "appending event %q to case %q", ev.TechID, current.ID)
		}
		return true, nil
	}
	return false, errors.Annotatef(consolidationerrors.ConcurrentModification,
		"appending event %q to case %q", ev.TechID, caseID)
}
