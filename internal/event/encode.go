package event

import "encoding/binary"

// Encode serializes ev back into its on-wire byte representation. It
// is the inverse of Parser.Next, used by the round-trip property tests
// in spec.md §8. If ev.MAWEnabled, trailerWords of zero bytes are
// appended as a stand-in trailer (its content is never interpreted).
func Encode(ev Event, trailerWords int) []byte {
	var fmtBits byte
	if ev.Fmt0 != nil {
		fmtBits |= 0x1
	}
	if ev.Fmt1 != nil {
		fmtBits |= 0x2
	}
	if ev.Fmt2 != nil {
		fmtBits |= 0x4
	}
	if ev.Fmt3 != nil {
		fmtBits |= 0x8
	}

	word0 := uint32(fmtBits)<<28 | (uint32(ev.Chan)&0xFFF)<<16 | uint32((ev.Ts>>32)&0xFFFF)
	word1 := uint32((ev.Ts>>16)&0xFFFF)<<16 | uint32(ev.Ts&0xFFFF)

	buf := make([]byte, 0, 72+len(ev.Raw)*2+len(ev.Avg)*2+trailerWords*4)
	buf = appendU32(buf, word0)
	buf = appendU32(buf, word1)

	if ev.Fmt0 != nil {
		buf = appendU32(buf, ev.Fmt0.PeakCharge)
		for _, a := range ev.Fmt0.Accum {
			buf = appendU32(buf, a)
		}
	}
	if ev.Fmt1 != nil {
		buf = appendU32(buf, ev.Fmt1.Accum7)
		buf = appendU32(buf, ev.Fmt1.Accum8)
	}
	if ev.Fmt2 != nil {
		buf = appendU32(buf, ev.Fmt2.MAWMax)
		buf = appendU32(buf, ev.Fmt2.MAWBefore)
		buf = appendU32(buf, ev.Fmt2.MAWAfter)
	}
	if ev.Fmt3 != nil {
		buf = appendU32(buf, ev.Fmt3.EnergyStart)
		buf = appendU32(buf, ev.Fmt3.EnergyMax)
	}

	var tag uint32 = 0xE
	if ev.Avg != nil {
		tag = 0xA
	}
	mawEnaBit := uint32(0)
	if ev.MAWEnabled {
		mawEnaBit = 1
	}
	rawHeader := tag<<28 | mawEnaBit<<27 | uint32(len(ev.Raw)/2)
	buf = appendU32(buf, rawHeader)

	if ev.Avg != nil {
		avgHeader := uint32(0xE)<<28 | uint32(len(ev.Avg)/2)
		buf = appendU32(buf, avgHeader)
	}

	for _, s := range ev.Raw {
		buf = append(buf, byte(uint16(s)), byte(uint16(s)>>8))
	}
	for _, s := range ev.Avg {
		buf = append(buf, byte(uint16(s)), byte(uint16(s)>>8))
	}
	if ev.MAWEnabled {
		for i := 0; i < trailerWords*4; i++ {
			buf = append(buf, 0)
		}
	}

	return buf
}

func appendU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}
