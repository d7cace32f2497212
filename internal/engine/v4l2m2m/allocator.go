//go:build linux && (amd64 || arm64)

package v4l2m2m

import (
	"errors"
	"fmt"
	"sync"

	"github.com/smazurov/hwdecode/internal/media"
	"github.com/smazurov/hwdecode/internal/surface"
	"github.com/smazurov/hwdecode/pkg/linuxav/v4l2"
)

type captureBuffer struct {
	planes  []v4l2.BufferPlane
	mem     [][]byte
	mapping surface.Mapping
	mapped  bool
}

// captureAllocator serves the CAPTURE queue buffers as surfaces. Handle i is
// buffer index i. Memory stays mapped from Allocate until Free; Map and
// Unmap only track the CPU view.
type captureAllocator struct {
	dev *v4l2.Device

	mu      sync.Mutex
	pf      v4l2.PixFormat
	buffers map[surface.Handle]*captureBuffer
}

func newCaptureAllocator(dev *v4l2.Device) *captureAllocator {
	return &captureAllocator{dev: dev, buffers: make(map[surface.Handle]*captureBuffer)}
}

func (a *captureAllocator) setFormat(pf v4l2.PixFormat) {
	a.mu.Lock()
	a.pf = pf
	a.mu.Unlock()
}

func (a *captureAllocator) format() v4l2.PixFormat {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pf
}

// Allocate implements surface.Allocator. The driver may grant more buffers
// than requested; all of them are returned.
func (a *captureAllocator) Allocate(count int, params surface.Params) ([]surface.Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.buffers) > 0 {
		return nil, errors.New("capture buffers already allocated")
	}
	n, err := a.dev.RequestBuffers(captureType, v4l2.MemoryMMAP, count)
	if err != nil {
		return nil, fmt.Errorf("request %d capture buffers: %w", count, err)
	}

	handles := make([]surface.Handle, 0, n)
	for i := range n {
		buf, err := a.dev.QueryBuffer(captureType, v4l2.MemoryMMAP, i)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("query capture buffer %d: %w", i, err), a.freeAllLocked())
		}
		cb := &captureBuffer{planes: buf.Planes}
		for _, p := range buf.Planes {
			m, err := a.dev.Mmap(p.Offset, p.Length)
			if err != nil {
				a.buffers[surface.Handle(i)] = cb
				return nil, errors.Join(fmt.Errorf("map capture buffer %d: %w", i, err), a.freeAllLocked())
			}
			cb.mem = append(cb.mem, m)
		}

		layout := make([]planeLayout, len(a.pf.Planes))
		for j, p := range a.pf.Planes {
			layout[j] = planeLayout{bytesPerLine: int(p.BytesPerLine), size: int(p.SizeImage)}
		}
		format := params.Format
		if f := pixelFormatFromFourCC(a.pf.PixelFormat); f != media.PixelFormatInvalid && f.Family() != format.Family() {
			format = f
		}
		cb.mapping, err = buildMapping(format, int(a.pf.Width), int(a.pf.Height), layout, cb.mem)
		if err != nil {
			a.buffers[surface.Handle(i)] = cb
			return nil, errors.Join(err, a.freeAllLocked())
		}

		a.buffers[surface.Handle(i)] = cb
		handles = append(handles, surface.Handle(i))
	}
	return handles, nil
}

// Map implements surface.Allocator. Mapping a mapped surface returns the
// same view.
func (a *captureAllocator) Map(h surface.Handle) (surface.Mapping, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cb, ok := a.buffers[h]
	if !ok {
		return surface.Mapping{}, fmt.Errorf("%w: %d", surface.ErrUnknownHandle, h)
	}
	cb.mapped = true
	return cb.mapping, nil
}

// Unmap implements surface.Allocator.
func (a *captureAllocator) Unmap(h surface.Handle) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	cb, ok := a.buffers[h]
	if !ok {
		return fmt.Errorf("%w: %d", surface.ErrUnknownHandle, h)
	}
	if !cb.mapped {
		return fmt.Errorf("%w: %d", surface.ErrNotMapped, h)
	}
	cb.mapped = false
	return nil
}

// Free implements surface.Allocator.
func (a *captureAllocator) Free(h surface.Handle) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	cb, ok := a.buffers[h]
	if !ok {
		return fmt.Errorf("%w: %d", surface.ErrUnknownHandle, h)
	}
	delete(a.buffers, h)
	return unmapAll(cb.mem)
}

func (a *captureAllocator) planes(h surface.Handle) ([]v4l2.BufferPlane, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cb, ok := a.buffers[h]
	if !ok {
		return nil, fmt.Errorf("%w: %d", surface.ErrUnknownHandle, h)
	}
	return cb.planes, nil
}

func (a *captureAllocator) close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freeAllLocked()
}

func (a *captureAllocator) freeAllLocked() error {
	var errs []error
	for h, cb := range a.buffers {
		if err := unmapAll(cb.mem); err != nil {
			errs = append(errs, err)
		}
		delete(a.buffers, h)
	}
	return errors.Join(errs...)
}

func unmapAll(mem [][]byte) error {
	var errs []error
	for _, m := range mem {
		if err := v4l2.Munmap(m); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
