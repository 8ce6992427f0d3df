package event

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// TestParseScenario3 reproduces end-to-end scenario 3: a shortest
// fmt0-only event with n_raw=0 decodes to chan=1, ts=0, n_raw=0, and a
// 40-byte total size ((2+7+1)*4).
func TestParseScenario3(t *testing.T) {
	ev := Event{
		Chan: 1,
		Ts:   0,
		Fmt0: &Fmt0Block{PeakCharge: 1, Accum: [6]uint32{2, 3, 4, 5, 6, 7}},
	}
	wire := Encode(ev, 0)

	p := NewParser(bytes.NewReader(wire))
	got, err := p.Next()
	require.NoError(t, err)
	assert.Equal(t, uint16(1), got.Chan)
	assert.Equal(t, uint64(0), got.Ts)
	assert.Equal(t, 0, len(got.Raw))
	assert.Equal(t, 40, got.SizeBytes)
	assert.Equal(t, uint32(1), got.Fmt0.PeakCharge)
}

// TestParse_FmtZero_ShortestEvent is the fmt==0 boundary case: header
// + raw-data header only, no sub-blocks.
func TestParse_FmtZero_ShortestEvent(t *testing.T) {
	ev := Event{Chan: 3, Ts: 42}
	wire := Encode(ev, 0)
	require.Equal(t, 12, len(wire)) // 2 header words + 1 raw-data header word

	p := NewParser(bytes.NewReader(wire))
	got, err := p.Next()
	require.NoError(t, err)
	assert.Equal(t, uint16(3), got.Chan)
	assert.Equal(t, uint64(42), got.Ts)
	assert.Nil(t, got.Fmt0)
	assert.Nil(t, got.Fmt1)
	assert.Nil(t, got.Fmt2)
	assert.Nil(t, got.Fmt3)
}

func TestParse_WithAveraging(t *testing.T) {
	ev := Event{
		Chan: 7,
		Ts:   123456,
		Raw:  []int16{10, -10, 20, -20},
		Avg:  []int16{1, 2},
	}
	wire := Encode(ev, 0)
	p := NewParser(bytes.NewReader(wire))
	got, err := p.Next()
	require.NoError(t, err)
	assert.Equal(t, ev.Raw, got.Raw)
	assert.Equal(t, ev.Avg, got.Avg)
}

func TestParse_MAWEnabledWithoutProvider(t *testing.T) {
	ev := Event{Chan: 2, Ts: 1, MAWEnabled: true}
	wire := Encode(ev, 3)
	p := NewParser(bytes.NewReader(wire))
	_, err := p.Next()
	assert.ErrorIs(t, err, ErrMAWLengthUnknown)
}

type fixedMAWProvider struct{ words uint32 }

func (f fixedMAWProvider) MAWLength(uint16) (uint32, error) { return f.words, nil }

func TestParse_MAWEnabledWithProvider(t *testing.T) {
	ev := Event{Chan: 2, Ts: 1, MAWEnabled: true}
	wire := Encode(ev, 3)
	wire = append(wire, []byte("garbagefollowsevent")...) // next record's bytes

	p := NewParser(bytes.NewReader(wire))
	p.SetMAWLengthProvider(fixedMAWProvider{words: 3})
	got, err := p.Next()
	require.NoError(t, err)
	assert.True(t, got.MAWEnabled)
	assert.Equal(t, 12+3*4, got.SizeBytes)
}

func TestParse_MultipleEventsSequential(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(Encode(Event{Chan: 1, Ts: 10}, 0))
	buf.Write(Encode(Event{Chan: 2, Ts: 20, Raw: []int16{1, 2}}, 0))
	buf.Write(Encode(Event{Chan: 3, Ts: 30}, 0))

	p := NewParser(&buf)
	var chans []uint16
	for {
		ev, err := p.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		chans = append(chans, ev.Chan)
	}
	assert.Equal(t, []uint16{1, 2, 3}, chans)
}

// TestResyncProperty is the universal resync property from spec §8:
// prepending up to 3 arbitrary bytes of garbage to a well-formed
// stream still yields the same event sequence after at most that many
// resync steps. The garbage bytes are chosen so they cannot themselves
// be mistaken for a valid header: at every garbage offset the top byte
// of the candidate first word comes from the real event's word 0, so
// its fmt nibble is zero, and the candidate raw-data header two words
// on then has a zero top nibble, which is not a valid tag.
func TestResyncProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		nGarbage := rapid.IntRange(0, 3).Draw(t, "nGarbage")
		garbage := bytes.Repeat([]byte{0xFF}, nGarbage)

		want := Event{Chan: 5, Ts: 999, Raw: []int16{7, 8}}
		wire := append(garbage, Encode(want, 0)...)

		p := NewParser(bytes.NewReader(wire))
		got, err := p.Next()
		require.NoError(t, err)
		assert.Equal(t, want.Chan, got.Chan)
		assert.Equal(t, want.Ts, got.Ts)
		assert.Equal(t, want.Raw, got.Raw)
	})
}

// TestRoundTripProperty is the universal round-trip property from
// spec §8: parse(encode(e)) == e for arbitrary well-formed events.
func TestRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		chanNum := uint16(rapid.IntRange(0, 15).Draw(t, "chan"))
		ts := rapid.Uint64Range(0, (1<<48)-1).Draw(t, "ts")
		nRaw := rapid.IntRange(0, 32).Draw(t, "nRaw") * 2
		raw := make([]int16, nRaw)
		for i := range raw {
			raw[i] = int16(rapid.IntRange(-32768, 32767).Draw(t, "sample"))
		}
		hasFmt0 := rapid.Bool().Draw(t, "hasFmt0")

		ev := Event{Chan: chanNum, Ts: ts, Raw: raw}
		if hasFmt0 {
			ev.Fmt0 = &Fmt0Block{PeakCharge: 1, Accum: [6]uint32{1, 2, 3, 4, 5, 6}}
		}

		wire := Encode(ev, 0)
		p := NewParser(bytes.NewReader(wire))
		got, err := p.Next()
		require.NoError(t, err)

		assert.Equal(t, ev.Chan, got.Chan)
		assert.Equal(t, ev.Ts, got.Ts)
		assert.Equal(t, ev.Raw, got.Raw)
		if hasFmt0 {
			require.NotNil(t, got.Fmt0)
			assert.Equal(t, *ev.Fmt0, *got.Fmt0)
		}
	})
}
