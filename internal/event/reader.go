package event

import (
	"io"
	"os"
)

// sizer lets Reader report progress when the underlying stream exposes
// its total size (e.g. an *os.File); otherwise Progress returns -1.
type sizer interface {
	Stat() (os.FileInfo, error)
}

// Reader wraps a Parser over one channel's sink file, exposing a lazy,
// finite sequence of events plus approximate progress for UI (spec.md
// §4.F).
type Reader struct {
	parser    *Parser
	totalSize int64 // -1 if unknown
	consumed  int64
}

// NewReader builds a Reader over r. If r also implements Stat (as
// *os.File does), Progress reports bytes-consumed / file-size.
func NewReader(r io.Reader) *Reader {
	total := int64(-1)
	if s, ok := r.(sizer); ok {
		if info, err := s.Stat(); err == nil {
			total = info.Size()
		}
	}
	return &Reader{parser: NewParser(r), totalSize: total}
}

// SetMAWLengthProvider installs the MAW trailer length source.
func (rd *Reader) SetMAWLengthProvider(m MAWLengthProvider) {
	rd.parser.SetMAWLengthProvider(m)
}

// Next returns the next event, or io.EOF when the file is exhausted.
func (rd *Reader) Next() (Event, error) {
	ev, err := rd.parser.Next()
	if err == nil {
		rd.consumed += int64(ev.SizeBytes)
	}
	return ev, err
}

// Progress returns bytes consumed divided by total file size, or -1 if
// the total size is unknown (e.g. reading from a pipe).
func (rd *Reader) Progress() float64 {
	if rd.totalSize <= 0 {
		return -1
	}
	return float64(rd.consumed) / float64(rd.totalSize)
}
