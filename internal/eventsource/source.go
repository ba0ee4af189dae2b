// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package eventsource provides sources of business events for the
// ingester worker.
package eventsource

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/juju/errors"

	"github.com/juju/consolidator/domain/consolidation"
)

// maxLineBytes bounds a single encoded event.
const maxLineBytes = 4 << 20

// JSONLines decodes one event per line. Blank lines are ignored. It is
// safe for concurrent use.
type JSONLines struct {
	mu      sync.Mutex
	scanner *bufio.Scanner
	line    int
}

// NewJSONLines returns a source reading events from r.
func NewJSONLines(r io.Reader) *JSONLines {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	return &JSONLines{scanner: scanner}
}

// Next returns the next event. A line that does not decode yields an
// error satisfying errors.NotValid; reading can continue after it.
func (s *JSONLines) Next(ctx context.Context) (consolidation.BusinessEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return consolidation.BusinessEvent{}, errors.Trace(err)
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return consolidation.BusinessEvent{}, errors.Annotatef(err, "reading line %d", s.line+1)
			}
			return consolidation.BusinessEvent{}, io.EOF
		}
		s.line++

		data := bytes.TrimSpace(s.scanner.Bytes())
		if len(data) == 0 {
			continue
		}
		var ev consolidation.BusinessEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return consolidation.BusinessEvent{}, errors.NewNotValid(err, fmt.Sprintf("decoding line %d", s.line))
		}
		return ev, nil
	}
}

// Slice delivers a fixed list of events in order. It is safe for
// concurrent use.
type Slice struct {
	mu     sync.Mutex
	events []consolidation.BusinessEvent
}

// NewSlice returns a source delivering the given events.
func NewSlice(events ...consolidation.BusinessEvent) *Slice {
	return &Slice{events: append([]consolidation.BusinessEvent(nil), events...)}
}

// Next returns the next event, or io.EOF once all have been delivered.
func (s *Slice) Next(ctx context.Context) (consolidation.BusinessEvent, error) {
	if err := ctx.Err(); err != nil {
		return consolidation.BusinessEvent{}, errors.Trace(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.events) == 0 {
		return consolidation.BusinessEvent{}, io.EOF
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, nil
}

// WriteJSONLines encodes the events one per line.
func WriteJSONLines(w io.Writer, events ...consolidation.BusinessEvent) error {
	enc := json.NewEncoder(w)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return errors.Annotatef(err, "encoding event %q", ev.TechID)
		}
	}
	return nil
}
