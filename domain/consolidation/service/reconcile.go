// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package service

import (
	"context"

	"github.com/juju/collections/set"
	"github.com/juju/errors"

	"github.com/juju/consolidator/domain/consolidation"
	consolidationerrors "github.com/juju/consolidator/domain/consolidation/errors"
	"github.com/juju/consolidator/internal/cluster"
)

// ReconcileResult summarises one reconciliation sweep.
type ReconcileResult struct {
	// Cases is the number of live cases inspected.
	Cases int
	// Clusters is the number of groups of cases found sharing members.
	Clusters int
	// Absorbed is the number of cases merged into another case.
	Absorbed int
	// Conflicts is the number of merges that lost a race and are left for
	// the next sweep.
	Conflicts int
}

// Reconcile re-clusters the members of every live case and merges every
// group of cases that share members. Such groups only exist when races, or
// data written outside the service, left cases that should be one.
func (s *Service) Reconcile(ctx context.Context) (ReconcileResult, error) {
	cases, err := s.st.AllCases(ctx)
	if err != nil {
		return ReconcileResult{}, errors.Annotate(err, "listing cases")
	}
	result := ReconcileResult{Cases: len(cases)}

	memberSets := make([]set.Strings, len(cases))
	for i, c := range cases {
		memberSets[i] = c.Members
	}
	for _, group := range cluster.Components(memberSets) {
		if len(group) < 2 {
			continue
		}
		result.Clusters++

		overlapping := make([]consolidation.Case, len(group))
		for i, idx := range group {
			overlapping[i] = cases[idx]
		}
		_, err := s.merge(ctx, overlapping)
		if errors.Is(err, consolidationerrors.ResolutionConflict) {
			s.logger.Warningf("reconciling: %v", err)
			result.Conflicts++
			continue
		} else if err != nil {
			return result, errors.Trace(err)
		}
		result.Absorbed += len(group) - 1
	}
	return result, nil
}
