// Package sink contains frame consumers that plug into the decoder's
// delivery hook.
package sink

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/smazurov/hwdecode/internal/decoder"
	"github.com/smazurov/hwdecode/internal/logging"
)

// Writer appends every frame, planes packed without stride padding, to a
// raw YUV stream. The first write error stops further output and is kept
// for Err.
type Writer struct {
	mu     sync.Mutex
	w      *bufio.Writer
	closer io.Closer
	buf    []byte
	err    error
	logger *slog.Logger

	frames atomic.Uint64
	bytes  atomic.Uint64
}

// NewWriter wraps w. It is not closed by Close.
func NewWriter(w io.Writer) *Writer {
	return &Writer{
		w:      bufio.NewWriterSize(w, 1<<20),
		logger: logging.GetLogger("sink"),
	}
}

// Create opens path for writing, truncating it. "-" writes to stdout.
func Create(path string) (*Writer, error) {
	if path == "-" {
		return NewWriter(os.Stdout), nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create output: %w", err)
	}
	s := NewWriter(f)
	s.closer = f
	return s, nil
}

// Deliver implements decoder.Delivery.
func (s *Writer) Deliver(f *decoder.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return
	}

	if n := f.Size(); cap(s.buf) < n {
		s.buf = make([]byte, n)
	} else {
		s.buf = s.buf[:n]
	}
	n, err := f.CopyTo(s.buf)
	if err == nil {
		_, err = s.w.Write(s.buf[:n])
	}
	if err != nil {
		s.err = err
		s.logger.Error("Frame write failed, output stopped", "error", err, "pts", f.PTS)
		return
	}
	s.frames.Add(1)
	s.bytes.Add(uint64(n))
}

// Reset implements decoder.Delivery by flushing buffered output.
func (s *Writer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil && s.err == nil {
		s.err = err
	}
}

// Frames returns the number of frames written.
func (s *Writer) Frames() uint64 { return s.frames.Load() }

// Bytes returns the number of bytes written.
func (s *Writer) Bytes() uint64 { return s.bytes.Load() }

// Err returns the first write error.
func (s *Writer) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close flushes and closes the file opened by Create.
func (s *Writer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.w.Flush()
	if s.closer != nil {
		err = errors.Join(err, s.closer.Close())
		s.closer = nil
	}
	return err
}

// Null counts frames and discards them.
type Null struct {
	frames atomic.Uint64
}

// Deliver implements decoder.Delivery.
func (n *Null) Deliver(*decoder.Frame) { n.frames.Add(1) }

// Reset implements decoder.Delivery.
func (n *Null) Reset() {}

// Frames returns the number of frames seen.
func (n *Null) Frames() uint64 { return n.frames.Load() }

// Tee hands each frame to several deliveries in order.
type Tee []decoder.Delivery

// Deliver implements decoder.Delivery.
func (t Tee) Deliver(f *decoder.Frame) {
	for _, d := range t {
		d.Deliver(f)
	}
}

// Reset implements decoder.Delivery.
func (t Tee) Reset() {
	for _, d := range t {
		d.Reset()
	}
}
