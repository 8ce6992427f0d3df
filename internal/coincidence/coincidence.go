// Package coincidence implements the greedy single-pass grouping
// engine over a merged event stream (spec.md §4.H): events within a
// window Δ of the group's first timestamp, at most one per channel,
// are batched into a Group; an optional set of named Triggers filters
// groups by channel-set membership.
package coincidence

import (
	"errors"
	"fmt"
	"io"

	"github.com/sis3316/daq/internal/event"
)

// ErrInvalidArgument is returned for a Trigger with an empty channel set.
var ErrInvalidArgument = errors.New("coincidence: invalid argument")

// EventSource is anything that can be grouped. *event.Reader satisfies
// it directly; *merge.Merger needs a small ctx-binding adapter since
// its Next takes a context.Context.
type EventSource interface {
	Next() (event.Event, error)
}

// Trigger names a required set of channels: a group matches it when
// every channel in Channels appears at least once in the group.
type Trigger struct {
	Name     string
	Channels map[uint16]struct{}
}

// NewTrigger builds a Trigger from a channel list, rejecting an empty set.
func NewTrigger(name string, channels []uint16) (Trigger, error) {
	if len(channels) == 0 {
		return Trigger{}, fmt.Errorf("trigger %q: %w: empty channel set", name, ErrInvalidArgument)
	}
	set := make(map[uint16]struct{}, len(channels))
	for _, c := range channels {
		set[c] = struct{}{}
	}
	return Trigger{Name: name, Channels: set}, nil
}

// Group is one emitted coincidence group: events from distinct
// channels whose timestamps all fall within Window ticks of the
// group's first (lowest-timestamp) event.
type Group struct {
	Events []event.Event
}

// Engine runs the grouping algorithm over a merged source.
type Engine struct {
	Window   uint64
	Triggers []Trigger

	src     EventSource
	pending []event.Event // small lookahead buffer, oldest first
	eof     bool

	queue []filtered // populated by NextGroup, drained by NextFiltered
}

type filtered struct {
	trigger string
	ev      event.Event
}

// New builds an Engine over src with window Δ (ticks) and an optional
// set of named triggers for NextFiltered.
func New(src EventSource, window uint64, triggers []Trigger) *Engine {
	return &Engine{Window: window, Triggers: triggers, src: src}
}

// fill ensures at least n events are buffered in pending, short of EOF.
func (e *Engine) fill(n int) error {
	for len(e.pending) < n && !e.eof {
		ev, err := e.src.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				e.eof = true
				break
			}
			return err
		}
		e.pending = append(e.pending, ev)
	}
	return nil
}

// take removes and returns the oldest buffered event.
func (e *Engine) take() event.Event {
	ev := e.pending[0]
	e.pending = e.pending[1:]
	return ev
}

func withinWindow(a, b event.Event, window uint64) bool {
	var d uint64
	if a.Ts > b.Ts {
		d = a.Ts - b.Ts
	} else {
		d = b.Ts - a.Ts
	}
	return d <= window
}

// NextGroup implements the §4.H grouping algorithm: isolated events
// (no partner within Window of the next event) are discarded; every
// other event belongs to exactly one group. Returns io.EOF once the
// source and lookahead buffer are both exhausted.
func (e *Engine) NextGroup() (Group, error) {
	for {
		if err := e.fill(2); err != nil {
			return Group{}, err
		}
		if len(e.pending) == 0 {
			return Group{}, io.EOF
		}
		if len(e.pending) == 1 {
			// Last event in the stream with no partner: per spec.md
			// §4.H step 1 this would be discarded as isolated, but the
			// boundary case "group starting at the last event in the
			// stream must be emitted" only applies once a group has
			// already been opened (handled below); a true trailing
			// singleton has no e1 to compare against and is dropped.
			e.take()
			return Group{}, io.EOF
		}

		e0, e1 := e.pending[0], e.pending[1]
		if !withinWindow(e0, e1, e.Window) {
			e.take() // discard e0, repeat with the new head
			continue
		}

		// Start the group with e0, e1.
		e.take()
		e.take()
		seen := map[uint16]struct{}{e0.Chan: {}, e1.Chan: {}}
		group := []event.Event{e0, e1}

		for {
			if err := e.fill(1); err != nil {
				return Group{}, err
			}
			if len(e.pending) == 0 {
				break // source exhausted: close and emit what we have
			}
			next := e.pending[0]
			_, dup := seen[next.Chan]
			if !withinWindow(e0, next, e.Window) || dup {
				break // leave next as the stashed head for the next call
			}
			e.take()
			seen[next.Chan] = struct{}{}
			group = append(group, next)
		}
		return Group{Events: group}, nil
	}
}

// matches reports whether every channel in t is present in g.
func (t Trigger) matches(g Group) bool {
	present := make(map[uint16]struct{}, len(g.Events))
	for _, ev := range g.Events {
		present[ev.Chan] = struct{}{}
	}
	for ch := range t.Channels {
		if _, ok := present[ch]; !ok {
			return false
		}
	}
	return true
}

// NextFiltered drains the internal filtered-event queue, pulling and
// grouping further events as needed. A group matching no trigger
// contributes nothing and is silently skipped; a group matching
// multiple triggers contributes once per matching trigger per event.
func (e *Engine) NextFiltered() (string, event.Event, error) {
	for len(e.queue) == 0 {
		g, err := e.NextGroup()
		if err != nil {
			return "", event.Event{}, err
		}
		for _, trig := range e.Triggers {
			if !trig.matches(g) {
				continue
			}
			for _, ev := range g.Events {
				if _, ok := trig.Channels[ev.Chan]; ok {
					e.queue = append(e.queue, filtered{trigger: trig.Name, ev: ev})
				}
			}
		}
	}
	f := e.queue[0]
	e.queue = e.queue[1:]
	return f.trigger, f.ev, nil
}
