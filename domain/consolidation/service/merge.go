// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package service

import (
	"context"
	"sort"
	"time"

	"github.com/juju/collections/set"
	"github.com/juju/errors"

	"github.com/juju/consolidator/domain/consolidation"
	consolidationerrors "github.com/juju/consolidator/domain/consolidation/errors"
)

// planMerge folds the given cases into the one created first.
//
// The merged events are ordered by timestamp; events with equal timestamps
// keep the survivor's events first, then those of the other cases in
// creation order. An event present in more than one case is kept once. The
// merged version is past every version that was read.
func planMerge(cases []consolidation.Case, now time.Time) consolidation.MergeArgs {
	sorted := make([]consolidation.Case, len(cases))
	copy(sorted, cases)
	consolidation.SortByCreation(sorted)

	survivor := sorted[0]
	members := set.NewStrings()
	maxVersion := survivor.Version
	var events []consolidation.BusinessEvent
	for _, c := range sorted {
		members = members.Union(c.Members)
		events = append(events, c.Events...)
		if c.Version > maxVersion {
			maxVersion = c.Version
		}
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})

	merged := consolidation.Case{
		ID:          survivor.ID,
		Members:     members,
		Version:     maxVersion + 1,
		Created:     survivor.Created,
		LastUpdated: now,
	}
	seen := set.NewStrings()
	for _, ev := range events {
		if seen.Contains(ev.TechID) {
			continue
		}
		seen.Add(ev.TechID)
		merged.EventTechIDs = append(merged.EventTechIDs, ev.TechID)
		merged.Events = append(merged.Events, ev)
	}

	return consolidation.MergeArgs{
		Survivor:        merged,
		SurvivorVersion: survivor.Version,
		Absorbed:        sorted[1:],
	}
}

// merge writes the merge of the given cases and returns the surviving id.
// Losing a race against another writer of any of the cases is reported as
// ResolutionConflict.
func (s *Service) merge(ctx context.Context, cases []consolidation.Case) (string, error) {
	args := planMerge(cases, s.clock.Now())
	err := s.st.MergeCases(ctx, args)
	if consolidationerrors.IsRetryable(err) {
		return "", errors.Annotatef(consolidationerrors.ResolutionConflict,
			"merging %v into %q", args.AbsorbedIDs(), args.Survivor.ID)
	} else if err != nil {
		return "", errors.Annotatef(err, "merging %v into %q", args.AbsorbedIDs(), args.Survivor.ID)
	}
	s.logger.Infof("merged cases %v into %q (%d members, %d events)",
		args.AbsorbedIDs(), args.Survivor.ID, len(args.Survivor.Members), len(args.Survivor.Events))
	return args.Survivor.ID, nil
}
