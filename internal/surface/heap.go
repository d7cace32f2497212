package surface

import (
	"fmt"
	"sync"
)

const defaultStrideAlign = 64

type heapSurface struct {
	params  Params
	backing []byte
	mapping Mapping
	mapped  bool
}

// HeapAllocator allocates pitch-linear surfaces from Go memory. Block-linear
// requests are served with the same layout; the heap has no tiled format.
type HeapAllocator struct {
	mu          sync.Mutex
	surfaces    map[Handle]*heapSurface
	next        Handle
	strideAlign int
}

// NewHeapAllocator creates an allocator whose row strides are aligned to
// strideAlign bytes. A non-positive value selects 64.
func NewHeapAllocator(strideAlign int) *HeapAllocator {
	if strideAlign <= 0 {
		strideAlign = defaultStrideAlign
	}
	return &HeapAllocator{
		surfaces:    make(map[Handle]*heapSurface),
		strideAlign: strideAlign,
	}
}

// Allocate implements Allocator.
func (a *HeapAllocator) Allocate(count int, params Params) ([]Handle, error) {
	if count <= 0 || params.Width <= 0 || params.Height <= 0 {
		return nil, fmt.Errorf("%w: count=%d %dx%d", ErrInvalidParams, count, params.Width, params.Height)
	}
	geometry := params.Format.Planes(params.Width, params.Height)
	if len(geometry) == 0 {
		return nil, fmt.Errorf("%w: format %s", ErrInvalidParams, params.Format)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	handles := make([]Handle, 0, count)
	for range count {
		s := &heapSurface{params: params}
		size := 0
		planes := make([]Plane, len(geometry))
		for i, g := range geometry {
			stride := alignUp(g.RowBytes(), a.strideAlign)
			planes[i] = Plane{Width: g.Width, Height: g.Height, BytesPerPixel: g.BytesPerPixel, Stride: stride}
			size += stride * g.Height
		}
		s.backing = make([]byte, size)
		offset := 0
		for i := range planes {
			n := planes[i].Stride * planes[i].Height
			planes[i].Data = s.backing[offset : offset+n : offset+n]
			offset += n
		}
		s.mapping = Mapping{Format: params.Format, Width: params.Width, Height: params.Height, Planes: planes}

		h := a.next
		a.next++
		a.surfaces[h] = s
		handles = append(handles, h)
	}
	return handles, nil
}

// Map implements Allocator.
func (a *HeapAllocator) Map(h Handle) (Mapping, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.surfaces[h]
	if !ok {
		return Mapping{}, fmt.Errorf("%w: %d", ErrUnknownHandle, h)
	}
	s.mapped = true
	return s.mapping, nil
}

// Unmap implements Allocator.
func (a *HeapAllocator) Unmap(h Handle) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.surfaces[h]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownHandle, h)
	}
	if !s.mapped {
		return fmt.Errorf("%w: %d", ErrNotMapped, h)
	}
	s.mapped = false
	return nil
}

// Free implements Allocator.
func (a *HeapAllocator) Free(h Handle) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.surfaces[h]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownHandle, h)
	}
	delete(a.surfaces, h)
	return nil
}

// Live returns the number of allocated surfaces.
func (a *HeapAllocator) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.surfaces)
}

// Mapped returns the number of surfaces currently mapped.
func (a *HeapAllocator) Mapped() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, s := range a.surfaces {
		if s.mapped {
			n++
		}
	}
	return n
}

func alignUp(n, align int) int {
	return (n + align - 1) / align * align
}
