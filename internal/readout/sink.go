package readout

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/lestrrat-go/strftime"
)

// Sink is a polymorphic drain destination (spec.md §4.D): push bytes,
// report how many have been pushed so far. A byte buffer and a file
// both satisfy it.
type Sink interface {
	Push(p []byte) error
	Index() uint64
}

// MemSink accumulates drained bytes in memory.
type MemSink struct {
	buf bytes.Buffer
}

// Push appends p to the in-memory buffer.
func (s *MemSink) Push(p []byte) error {
	_, err := s.buf.Write(p)
	return err
}

// Index returns the number of bytes pushed so far.
func (s *MemSink) Index() uint64 { return uint64(s.buf.Len()) }

// Bytes returns the accumulated buffer contents.
func (s *MemSink) Bytes() []byte { return s.buf.Bytes() }

// FileSink appends drained bytes to an on-disk file (spec.md §6: one
// file per global channel index, append-only).
type FileSink struct {
	f *os.File
	n uint64
}

// NewFileSink opens (creating if needed) path for append.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("readout: open sink %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("readout: stat sink %s: %w", path, err)
	}
	return &FileSink{f: f, n: uint64(info.Size())}, nil
}

// Push appends p to the file.
func (s *FileSink) Push(p []byte) error {
	n, err := s.f.Write(p)
	s.n += uint64(n)
	if err != nil {
		return fmt.Errorf("readout: write sink: %w", err)
	}
	return nil
}

// Index returns the file's current size in bytes.
func (s *FileSink) Index() uint64 { return s.n }

// Close closes the underlying file.
func (s *FileSink) Close() error { return s.f.Close() }

// ChannelFileName builds the "<prefix><NN>.dat" name pattern spec.md
// §6 specifies for one channel's raw event file.
func ChannelFileName(prefix string, globalChanIdx int) string {
	return fmt.Sprintf("%s%02d.dat", prefix, globalChanIdx)
}

// RotatedFileName derives a timestamped sink or log file name from a
// strftime pattern (e.g. "run-%Y%m%d-%H%M%S.dat"). The readout command
// does not call it; its per-channel files are named by ChannelFileName.
func RotatedFileName(pattern string, t time.Time) (string, error) {
	name, err := strftime.Format(pattern, t)
	if err != nil {
		return "", fmt.Errorf("readout: rotated file name pattern %q: %w", pattern, err)
	}
	return name, nil
}
