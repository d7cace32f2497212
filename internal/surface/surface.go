// Package surface provides the frame-buffer service used by the decode
// pipeline: allocation of CPU-visible and hardware-native surfaces, CPU
// mapping, and the layout transform between them.
//
// Surfaces are referred to by opaque handles. A handle is valid from
// Allocate until Free; the mapping returned by Map stays valid until Unmap or
// Free.
package surface

import (
	"errors"

	"github.com/smazurov/hwdecode/internal/media"
)

// Handle identifies an allocated surface.
type Handle int

// InvalidHandle marks an empty slot.
const InvalidHandle Handle = -1

// Layout is the physical memory layout of a surface.
type Layout int

// Layouts.
const (
	LayoutPitchLinear Layout = iota // CPU accessible rows
	LayoutBlockLinear               // hardware native tiles
)

func (l Layout) String() string {
	if l == LayoutBlockLinear {
		return "block-linear"
	}
	return "pitch-linear"
}

// Params describes the surfaces requested from an Allocator.
type Params struct {
	Width  int
	Height int
	Format media.PixelFormat
	Layout Layout
}

// Plane is one CPU-mapped plane. Width and Height are in pixels, Stride in
// bytes.
type Plane struct {
	Width         int
	Height        int
	BytesPerPixel int
	Stride        int
	Data          []byte
}

// Row returns the meaningful bytes of row y.
func (p Plane) Row(y int) []byte {
	start := y * p.Stride
	return p.Data[start : start+p.Width*p.BytesPerPixel]
}

// Mapping is the CPU view of a surface.
type Mapping struct {
	Format media.PixelFormat
	Width  int
	Height int
	Planes []Plane
}

// Allocator creates and destroys surfaces.
type Allocator interface {
	Allocate(count int, params Params) ([]Handle, error)
	Map(h Handle) (Mapping, error)
	Unmap(h Handle) error
	Free(h Handle) error
}

// Filter selects the scaling filter of a transform.
type Filter int

// Filters.
const (
	FilterNearest Filter = iota
	FilterBilinear
)

// TransformParams describes a crop/scale/convert operation. A zero Src
// rectangle means the whole source surface.
type TransformParams struct {
	Src    media.Rect
	Filter Filter
}

// Transformer converts a hardware surface into a CPU-visible one.
type Transformer interface {
	Transform(src, dst Handle, params TransformParams) error
}

// Errors.
var (
	ErrUnknownHandle         = errors.New("surface: unknown handle")
	ErrNotMapped             = errors.New("surface: not mapped")
	ErrInvalidParams         = errors.New("surface: invalid allocation parameters")
	ErrUnsupportedConversion = errors.New("surface: unsupported conversion")
)
