package surface

import (
	"errors"
	"testing"

	"github.com/smazurov/hwdecode/internal/media"
)

func TestHeapAllocatorLifecycle(t *testing.T) {
	a := NewHeapAllocator(0)

	handles, err := a.Allocate(2, Params{Width: 1920, Height: 1080, Format: media.PixelFormatNV12})
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if len(handles) != 2 || handles[0] == handles[1] {
		t.Fatalf("expected 2 distinct handles, got %v", handles)
	}

	m, err := a.Map(handles[0])
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if len(m.Planes) != 2 {
		t.Fatalf("NV12 should have 2 planes, got %d", len(m.Planes))
	}
	if m.Planes[0].Stride%defaultStrideAlign != 0 {
		t.Errorf("stride %d not aligned to %d", m.Planes[0].Stride, defaultStrideAlign)
	}
	if m.Planes[1].Height != 540 || m.Planes[1].Width != 960 {
		t.Errorf("chroma plane = %dx%d, want 960x540", m.Planes[1].Width, m.Planes[1].Height)
	}
	if a.Mapped() != 1 {
		t.Errorf("Mapped() = %d, want 1", a.Mapped())
	}

	if err := a.Unmap(handles[0]); err != nil {
		t.Errorf("Unmap failed: %v", err)
	}
	if err := a.Unmap(handles[0]); !errors.Is(err, ErrNotMapped) {
		t.Errorf("second Unmap error = %v, want ErrNotMapped", err)
	}

	for _, h := range handles {
		if err := a.Free(h); err != nil {
			t.Errorf("Free(%d) failed: %v", h, err)
		}
	}
	if a.Live() != 0 {
		t.Errorf("Live() = %d after free, want 0", a.Live())
	}
	if err := a.Free(handles[0]); !errors.Is(err, ErrUnknownHandle) {
		t.Errorf("double Free error = %v, want ErrUnknownHandle", err)
	}
}

func TestHeapAllocatorRejectsInvalidParams(t *testing.T) {
	a := NewHeapAllocator(0)
	tests := []struct {
		name   string
		count  int
		params Params
	}{
		{"zero count", 0, Params{Width: 16, Height: 16, Format: media.PixelFormatNV12}},
		{"zero width", 1, Params{Width: 0, Height: 16, Format: media.PixelFormatNV12}},
		{"invalid format", 1, Params{Width: 16, Height: 16, Format: media.PixelFormatInvalid}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := a.Allocate(tt.count, tt.params); !errors.Is(err, ErrInvalidParams) {
				t.Errorf("Allocate error = %v, want ErrInvalidParams", err)
			}
		})
	}
}

func fill(t *testing.T, a *HeapAllocator, h Handle, seed byte) Mapping {
	t.Helper()
	m, err := a.Map(h)
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	for pi, p := range m.Planes {
		for y := range p.Height {
			row := p.Row(y)
			for x := range row {
				row[x] = seed + byte(pi*50) + byte(y) + byte(x)
			}
		}
	}
	return m
}

func TestCopyTransformerSameFamily(t *testing.T) {
	a := NewHeapAllocator(0)
	src, _ := a.Allocate(1, Params{Width: 8, Height: 4, Format: media.PixelFormatNV12709, Layout: LayoutBlockLinear})
	dst, _ := a.Allocate(1, Params{Width: 8, Height: 4, Format: media.PixelFormatNV12})

	in := fill(t, a, src[0], 1)
	tr := NewCopyTransformer(a, a)
	if err := tr.Transform(src[0], dst[0], TransformParams{}); err != nil {
		t.Fatalf("Transform failed: %v", err)
	}

	out, _ := a.Map(dst[0])
	for pi := range out.Planes {
		for y := range out.Planes[pi].Height {
			if string(out.Planes[pi].Row(y)) != string(in.Planes[pi].Row(y)) {
				t.Fatalf("plane %d row %d differs", pi, y)
			}
		}
	}
}

func TestCopyTransformerCrop(t *testing.T) {
	a := NewHeapAllocator(0)
	src, _ := a.Allocate(1, Params{Width: 8, Height: 8, Format: media.PixelFormatNV12})
	dst, _ := a.Allocate(1, Params{Width: 4, Height: 4, Format: media.PixelFormatNV12})

	in := fill(t, a, src[0], 0)
	tr := NewCopyTransformer(a, a)
	rect := media.Rect{Left: 2, Top: 2, Width: 4, Height: 4}
	if err := tr.Transform(src[0], dst[0], TransformParams{Src: rect}); err != nil {
		t.Fatalf("Transform failed: %v", err)
	}

	out, _ := a.Map(dst[0])
	if got, want := out.Planes[0].Row(0)[0], in.Planes[0].Row(2)[2]; got != want {
		t.Errorf("cropped luma origin = %d, want %d", got, want)
	}
	// chroma origin is (1,1) in the half-resolution plane, 2 bytes per sample
	if got, want := out.Planes[1].Row(0)[0], in.Planes[1].Row(1)[2]; got != want {
		t.Errorf("cropped chroma origin = %d, want %d", got, want)
	}
}

func TestCopyTransformerNV12ToYUV420(t *testing.T) {
	a := NewHeapAllocator(0)
	src, _ := a.Allocate(1, Params{Width: 4, Height: 2, Format: media.PixelFormatNV12})
	dst, _ := a.Allocate(1, Params{Width: 4, Height: 2, Format: media.PixelFormatYUV420})

	in, _ := a.Map(src[0])
	copy(in.Planes[1].Row(0), []byte{10, 20, 11, 21})

	tr := NewCopyTransformer(a, a)
	if err := tr.Transform(src[0], dst[0], TransformParams{}); err != nil {
		t.Fatalf("Transform failed: %v", err)
	}

	out, _ := a.Map(dst[0])
	if got := out.Planes[1].Row(0); got[0] != 10 || got[1] != 11 {
		t.Errorf("U plane = %v, want [10 11]", got)
	}
	if got := out.Planes[2].Row(0); got[0] != 20 || got[1] != 21 {
		t.Errorf("V plane = %v, want [20 21]", got)
	}
}

func TestCopyTransformerUnsupported(t *testing.T) {
	a := NewHeapAllocator(0)
	src, _ := a.Allocate(1, Params{Width: 4, Height: 4, Format: media.PixelFormatNV24})
	dst, _ := a.Allocate(1, Params{Width: 4, Height: 4, Format: media.PixelFormatNV12})

	tr := NewCopyTransformer(a, a)
	err := tr.Transform(src[0], dst[0], TransformParams{})
	if !errors.Is(err, ErrUnsupportedConversion) {
		t.Errorf("Transform error = %v, want ErrUnsupportedConversion", err)
	}
}
