// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package consolidation holds the types shared by the case consolidation
// service and its state implementations.
//
// Producers emit business events at least once and in no particular order.
// Each event references one or more business object identifiers; events
// sharing identifiers, directly or through a chain of other events, belong
// to the same case. A case is the single canonical record of those events.
package consolidation
