package coincidence

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/sis3316/daq/internal/event"
)

type sliceSource struct {
	events []event.Event
	pos    int
}

func (s *sliceSource) Next() (event.Event, error) {
	if s.pos >= len(s.events) {
		return event.Event{}, io.EOF
	}
	ev := s.events[s.pos]
	s.pos++
	return ev, nil
}

func evt(chanNum uint16, ts uint64) event.Event {
	return event.Event{Chan: chanNum, Ts: ts}
}

// TestCoincidenceWithFilter reproduces end-to-end scenario 4: three
// channels, trigger T={5,9}, Δ=2; only the first (5,100)/(9,101) pair
// survives filtering.
func TestCoincidenceWithFilter(t *testing.T) {
	src := &sliceSource{events: []event.Event{
		evt(5, 100), evt(9, 101), evt(3, 104), evt(5, 200), evt(9, 205),
	}}
	trig, err := NewTrigger("T", []uint16{5, 9})
	require.NoError(t, err)

	eng := New(src, 2, []Trigger{trig})

	name1, ev1, err := eng.NextFiltered()
	require.NoError(t, err)
	assert.Equal(t, "T", name1)
	assert.Equal(t, uint16(5), ev1.Chan)
	assert.Equal(t, uint64(100), ev1.Ts)

	name2, ev2, err := eng.NextFiltered()
	require.NoError(t, err)
	assert.Equal(t, "T", name2)
	assert.Equal(t, uint16(9), ev2.Chan)
	assert.Equal(t, uint64(101), ev2.Ts)

	_, _, err = eng.NextFiltered()
	assert.ErrorIs(t, err, io.EOF)
}

func TestNewTrigger_RejectsEmptyChannelSet(t *testing.T) {
	_, err := NewTrigger("empty", nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

// TestGroup_LastEventInStream is the boundary case: a group opened by
// the final two events in the stream must still be emitted.
func TestGroup_LastEventInStream(t *testing.T) {
	src := &sliceSource{events: []event.Event{evt(0, 10), evt(1, 11)}}
	eng := New(src, 5, nil)

	g, err := eng.NextGroup()
	require.NoError(t, err)
	require.Len(t, g.Events, 2)
	assert.Equal(t, uint16(0), g.Events[0].Chan)
	assert.Equal(t, uint16(1), g.Events[1].Chan)

	_, err = eng.NextGroup()
	assert.ErrorIs(t, err, io.EOF)
}

// TestGroup_ZeroWindowOnlyExactTies: Δ==0 means only identical
// timestamps coincide.
func TestGroup_ZeroWindowOnlyExactTies(t *testing.T) {
	src := &sliceSource{events: []event.Event{evt(0, 10), evt(1, 10), evt(2, 11)}}
	eng := New(src, 0, nil)

	g, err := eng.NextGroup()
	require.NoError(t, err)
	require.Len(t, g.Events, 2)
	assert.Equal(t, uint64(10), g.Events[0].Ts)
	assert.Equal(t, uint64(10), g.Events[1].Ts)

	_, err = eng.NextGroup()
	assert.ErrorIs(t, err, io.EOF) // the trailing (2,11) is isolated
}

// TestGroup_TrailingSingletonDiscarded: an event with no successor at
// all is dropped, not emitted as a one-element group.
func TestGroup_TrailingSingletonDiscarded(t *testing.T) {
	src := &sliceSource{events: []event.Event{evt(0, 10)}}
	eng := New(src, 100, nil)

	_, err := eng.NextGroup()
	assert.ErrorIs(t, err, io.EOF)
}

// TestGroupProperty is the universal property from spec §8: every
// emitted group satisfies max(ts)-min(ts) <= window and all channels
// are distinct.
func TestGroupProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 30).Draw(t, "n")
		window := rapid.Uint64Range(0, 20).Draw(t, "window")
		ts := uint64(0)
		var events []event.Event
		for i := 0; i < n; i++ {
			ts += rapid.Uint64Range(0, 10).Draw(t, "gap")
			ch := uint16(rapid.IntRange(0, 4).Draw(t, "chan"))
			events = append(events, evt(ch, ts))
		}

		eng := New(&sliceSource{events: events}, window, nil)
		for {
			g, err := eng.NextGroup()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			require.NotEmpty(t, g.Events)

			seenChans := map[uint16]struct{}{}
			minTs, maxTs := g.Events[0].Ts, g.Events[0].Ts
			for _, ev := range g.Events {
				_, dup := seenChans[ev.Chan]
				assert.False(t, dup, "channel repeated within group")
				seenChans[ev.Chan] = struct{}{}
				if ev.Ts < minTs {
					minTs = ev.Ts
				}
				if ev.Ts > maxTs {
					maxTs = ev.Ts
				}
			}
			assert.LessOrEqual(t, maxTs-minTs, window)
		}
	})
}
