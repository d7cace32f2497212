package decoder

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/smazurov/hwdecode/internal/media"
	"github.com/smazurov/hwdecode/internal/surface"
)

// MaxVideoBuffers is the number of CPU-visible surfaces in the output ring.
const MaxVideoBuffers = 2

type ringSlot struct {
	handle  surface.Handle
	mapping surface.Mapping
	mapped  bool
	refs    atomic.Int32
}

// frameRing is the fixed set of pitch-linear output surfaces, written
// round-robin by the decode worker.
type frameRing struct {
	alloc  surface.Allocator
	slots  [MaxVideoBuffers]ringSlot
	next   int
	format media.PixelFormat
	width  int
	height int
}

func newFrameRing(alloc surface.Allocator) *frameRing {
	r := &frameRing{alloc: alloc}
	for i := range r.slots {
		r.slots[i].handle = surface.InvalidHandle
	}
	return r
}

// allocate replaces the ring with MaxVideoBuffers mapped surfaces.
func (r *frameRing) allocate(format media.PixelFormat, width, height int) error {
	if err := r.release(); err != nil {
		return err
	}

	handles, err := r.alloc.Allocate(MaxVideoBuffers, surface.Params{
		Width:  width,
		Height: height,
		Format: format,
		Layout: surface.LayoutPitchLinear,
	})
	if err != nil {
		return fmt.Errorf("allocate output ring: %w", err)
	}
	for i, h := range handles {
		r.slots[i].handle = h
	}
	for i := range r.slots {
		m, err := r.alloc.Map(r.slots[i].handle)
		if err != nil {
			return errors.Join(fmt.Errorf("map output surface %d: %w", i, err), r.release())
		}
		r.slots[i].mapping = m
		r.slots[i].mapped = true
	}

	r.format, r.width, r.height = format, width, height
	r.next = 0
	return nil
}

// release unmaps and frees every surface and resets the ring index.
func (r *frameRing) release() error {
	var errs []error
	for i := range r.slots {
		s := &r.slots[i]
		if s.handle == surface.InvalidHandle {
			continue
		}
		if s.mapped {
			if err := r.alloc.Unmap(s.handle); err != nil {
				errs = append(errs, err)
			}
		}
		if err := r.alloc.Free(s.handle); err != nil {
			errs = append(errs, err)
		}
		s.handle = surface.InvalidHandle
		s.mapping = surface.Mapping{}
		s.mapped = false
		s.refs.Store(0)
	}
	r.next = 0
	r.format, r.width, r.height = media.PixelFormatInvalid, 0, 0
	return errors.Join(errs...)
}

// ready reports whether the ring holds surfaces.
func (r *frameRing) ready() bool {
	return r.slots[0].handle != surface.InvalidHandle
}

// empty reports whether every slot is in the released state.
func (r *frameRing) empty() bool {
	for i := range r.slots {
		if r.slots[i].handle != surface.InvalidHandle {
			return false
		}
	}
	return r.next == 0
}

func (r *frameRing) current() *ringSlot {
	return &r.slots[r.next]
}

func (r *frameRing) advance() {
	r.next = (r.next + 1) % MaxVideoBuffers
}

// frame builds the view handed to consumers for the current slot.
func (r *frameRing) frame(pts int64, seq uint64) *Frame {
	s := r.current()
	return &Frame{
		Format:   r.format,
		Width:    r.width,
		Height:   r.height,
		Planes:   s.mapping.Planes,
		PTS:      pts,
		Slot:     r.next,
		Sequence: seq,
		slot:     s,
	}
}

// Frame is a borrowed view over one output ring surface. It stays valid
// until the worker overwrites the slot MaxVideoBuffers frames later. A
// consumer that needs it longer calls Retain, and Release when done; the
// worker never writes into a retained slot.
type Frame struct {
	Format   media.PixelFormat
	Width    int
	Height   int
	Planes   []surface.Plane
	PTS      int64 // microseconds
	Slot     int
	Sequence uint64

	slot *ringSlot
}

// Retain keeps the slot from being overwritten.
func (f *Frame) Retain() {
	if f.slot != nil {
		f.slot.refs.Add(1)
	}
}

// Release drops a reference taken by Retain.
func (f *Frame) Release() {
	if f.slot == nil {
		return
	}
	for {
		n := f.slot.refs.Load()
		if n <= 0 || f.slot.refs.CompareAndSwap(n, n-1) {
			return
		}
	}
}

// Size returns the number of bytes CopyTo writes.
func (f *Frame) Size() int {
	n := 0
	for _, p := range f.Planes {
		n += p.Width * p.BytesPerPixel * p.Height
	}
	return n
}

// CopyTo packs the planes into dst, rows back to back without stride
// padding, and returns the number of bytes written.
func (f *Frame) CopyTo(dst []byte) (int, error) {
	size := f.Size()
	if len(dst) < size {
		return 0, fmt.Errorf("%w: need %d bytes, have %d", ErrShortBuffer, size, len(dst))
	}
	off := 0
	for _, p := range f.Planes {
		row := p.Width * p.BytesPerPixel
		for y := range p.Height {
			off += copy(dst[off:off+row], p.Row(y)[:row])
		}
	}
	return off, nil
}
