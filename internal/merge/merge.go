// Package merge implements the k-way time-merge over per-channel event
// streams (spec.md §4.G): a min-heap keyed on delay-compensated
// timestamp, with stable tie-breaking by reader index and an optional
// "follow" mode for tailing files still being written.
package merge

import (
	"container/heap"
	"context"
	"io"
	"time"

	"github.com/sis3316/daq/internal/event"
)

// EventSource is anything that can be merged: *event.Reader satisfies
// it.
type EventSource interface {
	Next() (event.Event, error)
}

// Source pairs one channel's event source with its delay compensation:
// a signed offset subtracted from ts on ingest.
type Source struct {
	Reader EventSource
	Delay  int64
}

// DefaultPollInterval is how long Next sleeps between re-polls of a
// parked (exhausted-but-following) source.
const DefaultPollInterval = 200 * time.Millisecond

// Merger produces events from all sources in non-decreasing effective-
// timestamp order.
type Merger struct {
	heap         itemHeap
	parked       []*item
	follow       bool
	pollInterval time.Duration
}

type item struct {
	idx    int
	src    EventSource
	delay  int64
	cur    event.Event
	effTs  uint64
}

type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].effTs != h[j].effTs {
		return h[i].effTs < h[j].effTs
	}
	return h[i].idx < h[j].idx // stable tie-break by reader index
}
func (h itemHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x interface{}) { *h = append(*h, x.(*item)) }
func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

func effectiveTS(ev event.Event, delay int64) uint64 {
	return uint64(int64(ev.Ts) - delay)
}

// New builds a Merger over sources. follow controls whether an
// exhausted source is parked and re-polled (true, for tailing live
// readout files) or dropped (false, for merging closed files).
func New(sources []Source, follow bool) *Merger {
	m := &Merger{follow: follow, pollInterval: DefaultPollInterval}
	for i, s := range sources {
		it := &item{idx: i, src: s.Reader, delay: s.Delay}
		if m.advance(it) {
			m.heap = append(m.heap, it)
		} else if follow {
			m.parked = append(m.parked, it)
		}
	}
	heap.Init(&m.heap)
	return m
}

// SetPollInterval overrides DefaultPollInterval.
func (m *Merger) SetPollInterval(d time.Duration) { m.pollInterval = d }

// advance pulls the next event from it.src into it.cur/it.effTs,
// returning true on success and false on EOF.
func (m *Merger) advance(it *item) bool {
	ev, err := it.src.Next()
	if err != nil {
		return false
	}
	it.cur = ev
	it.effTs = effectiveTS(ev, it.delay)
	return true
}

// repark attempts to refill every parked source; sources that produce
// an event move back into the heap.
func (m *Merger) repark() {
	remaining := m.parked[:0]
	for _, it := range m.parked {
		if m.advance(it) {
			heap.Push(&m.heap, it)
		} else {
			remaining = append(remaining, it)
		}
	}
	m.parked = remaining
}

// Next returns the next event in non-decreasing effective-timestamp
// order. In non-follow mode it returns io.EOF once every source is
// exhausted. In follow mode, if all sources are momentarily exhausted
// it sleeps SetPollInterval and retries, returning early if ctx is
// canceled.
func (m *Merger) Next(ctx context.Context) (event.Event, error) {
	for {
		if m.follow && len(m.parked) > 0 {
			m.repark()
		}
		if m.heap.Len() == 0 {
			if !m.follow || len(m.parked) == 0 {
				return event.Event{}, io.EOF
			}
			select {
			case <-ctx.Done():
				return event.Event{}, ctx.Err()
			case <-time.After(m.pollInterval):
			}
			continue
		}
		top := m.heap[0]
		out := top.cur
		if m.advance(top) {
			heap.Fix(&m.heap, 0)
		} else {
			heap.Pop(&m.heap)
			if m.follow {
				m.parked = append(m.parked, top)
			}
		}
		return out, nil
	}
}
