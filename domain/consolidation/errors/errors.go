// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package errors

import "github.com/juju/errors"

const (
	// ResolutionConflict is raised when a concurrent case creation or merge
	// invalidates the cases read while resolving an event.
	ResolutionConflict = errors.ConstError("resolution conflict")

	// ConcurrentModification is raised when a conditional write finds the
	// stored case version no longer matches the version that was read.
	ConcurrentModification = errors.ConstError("concurrent modification")

	// RetriesExhausted is raised when an event could not be consolidated
	// within the retry budget. The event is safe to deliver again.
	RetriesExhausted = errors.ConstError("retries exhausted")

	// StoreUnavailable is raised when the case store cannot be reached.
	StoreUnavailable = errors.ConstError("store unavailable")

	// CaseNotFound is raised when no case, or alias to a case, exists for
	// the requested id.
	CaseNotFound = errors.ConstError("case not found")
)

// IsRetryable reports whether err is a transient race that is resolved by
// running the consolidation of the event again.
func IsRetryable(err error) bool {
	return errors.Is(err, ResolutionConflict) || errors.Is(err, ConcurrentModification)
}
