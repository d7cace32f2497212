package surface

import (
	"fmt"

	"github.com/smazurov/hwdecode/internal/media"
)

// CopyTransformer is a software Transformer. It crops the source to the
// destination geometry and moves planes between layouts of the same chroma
// sampling. Scaling and colour conversion are left to hardware transforms.
type CopyTransformer struct {
	src Allocator
	dst Allocator
}

// NewCopyTransformer creates a transformer reading surfaces from src and
// writing surfaces owned by dst.
func NewCopyTransformer(src, dst Allocator) *CopyTransformer {
	return &CopyTransformer{src: src, dst: dst}
}

// Transform implements Transformer.
func (t *CopyTransformer) Transform(src, dst Handle, params TransformParams) error {
	in, err := t.src.Map(src)
	if err != nil {
		return fmt.Errorf("map source: %w", err)
	}
	out, err := t.dst.Map(dst)
	if err != nil {
		return fmt.Errorf("map destination: %w", err)
	}

	rect := params.Src
	if rect.Width == 0 || rect.Height == 0 {
		rect = media.Rect{Width: in.Width, Height: in.Height}
	}

	inFamily, outFamily := in.Format.Family(), out.Format.Family()
	switch {
	case inFamily == outFamily:
		for i := range out.Planes {
			copyPlane(out.Planes[i], in.Planes[i], rect, in.Width, in.Height)
		}
		return nil
	case inFamily == media.PixelFormatNV12 && outFamily == media.PixelFormatYUV420:
		copyPlane(out.Planes[0], in.Planes[0], rect, in.Width, in.Height)
		deinterleave(out.Planes[1], out.Planes[2], in.Planes[1], rect, in.Width, in.Height)
		return nil
	default:
		return fmt.Errorf("%w: %s -> %s", ErrUnsupportedConversion, in.Format, out.Format)
	}
}

// planeOffset scales the crop origin into plane coordinates.
func planeOffset(p Plane, rect media.Rect, fullW, fullH int) (x, y int) {
	if fullW > 0 {
		x = rect.Left * p.Width / fullW
	}
	if fullH > 0 {
		y = rect.Top * p.Height / fullH
	}
	return x, y
}

func copyPlane(dst, src Plane, rect media.Rect, fullW, fullH int) {
	offX, offY := planeOffset(src, rect, fullW, fullH)
	rows := min(dst.Height, src.Height-offY)
	cols := min(dst.Width, src.Width-offX)
	if rows <= 0 || cols <= 0 {
		return
	}
	n := cols * src.BytesPerPixel
	for y := range rows {
		so := (y+offY)*src.Stride + offX*src.BytesPerPixel
		do := y * dst.Stride
		copy(dst.Data[do:do+n], src.Data[so:so+n])
	}
}

func deinterleave(u, v, uv Plane, rect media.Rect, fullW, fullH int) {
	offX, offY := planeOffset(uv, rect, fullW, fullH)
	rows := min(u.Height, uv.Height-offY)
	cols := min(u.Width, uv.Width-offX)
	for y := range rows {
		srow := uv.Data[(y+offY)*uv.Stride+offX*2:]
		urow := u.Data[y*u.Stride:]
		vrow := v.Data[y*v.Stride:]
		for x := range cols {
			urow[x] = srow[2*x]
			vrow[x] = srow[2*x+1]
		}
	}
}
