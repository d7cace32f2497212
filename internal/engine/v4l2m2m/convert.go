package v4l2m2m

import (
	"fmt"

	"github.com/smazurov/hwdecode/internal/media"
	"github.com/smazurov/hwdecode/internal/surface"
)

// FourCC values duplicated from pkg/linuxav/v4l2 so the conversions build on
// every platform.
const (
	fourccH264   = 'H' | '2'<<8 | '6'<<16 | '4'<<24
	fourccHEVC   = 'H' | 'E'<<8 | 'V'<<16 | 'C'<<24
	fourccAV1    = 'A' | 'V'<<8 | '0'<<16 | '1'<<24
	fourccNV12   = 'N' | 'V'<<8 | '1'<<16 | '2'<<24
	fourccNV12M  = 'N' | 'M'<<8 | '1'<<16 | '2'<<24
	fourccNV24   = 'N' | 'V'<<8 | '2'<<16 | '4'<<24
	fourccYUV420 = 'Y' | 'U'<<8 | '1'<<16 | '2'<<24
)

// codecFourCC returns the OUTPUT queue pixel format of a codec.
func codecFourCC(c media.Codec) (uint32, error) {
	switch c {
	case media.CodecH264:
		return fourccH264, nil
	case media.CodecH265:
		return fourccHEVC, nil
	case media.CodecAV1:
		return fourccAV1, nil
	default:
		return 0, fmt.Errorf("no V4L2 format for codec %s", c)
	}
}

// CodecFourCC is codecFourCC for callers that pick a device by codec.
func CodecFourCC(c media.Codec) (uint32, error) { return codecFourCC(c) }

func pixelFormatFromFourCC(f uint32) media.PixelFormat {
	switch f {
	case fourccNV12, fourccNV12M:
		return media.PixelFormatNV12
	case fourccNV24:
		return media.PixelFormatNV24
	case fourccYUV420:
		return media.PixelFormatYUV420
	default:
		return media.PixelFormatInvalid
	}
}

// captureFourCC picks the CAPTURE format to request. The driver's current
// choice wins when it has the requested layout.
func captureFourCC(want media.PixelFormat, current uint32) uint32 {
	if pixelFormatFromFourCC(current).Family() == want.Family() {
		return current
	}
	switch want.Family() {
	case media.PixelFormatNV24:
		return fourccNV24
	case media.PixelFormatYUV420:
		return fourccYUV420
	default:
		return fourccNV12
	}
}

// V4L2 colorspace and quantization values.
const (
	colorspaceSMPTE170M = 1
	colorspaceREC709    = 3
	colorspaceBT2020    = 10
)

func colorspaceFromV4L2(cs uint32) media.Colorspace {
	switch cs {
	case colorspaceSMPTE170M:
		return media.ColorspaceSMPTE170M
	case colorspaceREC709:
		return media.ColorspaceREC709
	case colorspaceBT2020:
		return media.ColorspaceBT2020
	default:
		return media.ColorspaceDefault
	}
}

func quantizationFromV4L2(q uint8) media.Quantization {
	switch q {
	case 1:
		return media.QuantizationFullRange
	case 2:
		return media.QuantizationLimitedRange
	default:
		return media.QuantizationDefault
	}
}

// planeLayout describes how one V4L2 plane is split into surface planes.
type planeLayout struct {
	bytesPerLine int
	size         int
}

// buildMapping lays the surface planes of format over the driver's memory
// planes. A single memory plane holds every surface plane back to back at
// the driver's stride; otherwise there is one memory plane per surface plane.
func buildMapping(format media.PixelFormat, width, height int, layout []planeLayout, mem [][]byte) (surface.Mapping, error) {
	geometry := format.Planes(width, height)
	if len(geometry) == 0 || len(layout) == 0 || len(mem) != len(layout) {
		return surface.Mapping{}, fmt.Errorf("%w: %s with %d planes", surface.ErrInvalidParams, format, len(layout))
	}

	planes := make([]surface.Plane, len(geometry))
	if len(layout) == 1 {
		stride := layout[0].bytesPerLine
		off := 0
		for i, g := range geometry {
			s := chromaStride(stride, geometry[0], g)
			n := s * g.Height
			if off+n > len(mem[0]) {
				return surface.Mapping{}, fmt.Errorf("plane %d exceeds buffer: %d > %d", i, off+n, len(mem[0]))
			}
			planes[i] = surface.Plane{Width: g.Width, Height: g.Height, BytesPerPixel: g.BytesPerPixel, Stride: s, Data: mem[0][off : off+n]}
			off += n
		}
	} else {
		if len(layout) != len(geometry) {
			return surface.Mapping{}, fmt.Errorf("%w: %s in %d memory planes", surface.ErrInvalidParams, format, len(layout))
		}
		for i, g := range geometry {
			s := layout[i].bytesPerLine
			n := s * g.Height
			if n > len(mem[i]) {
				return surface.Mapping{}, fmt.Errorf("plane %d exceeds buffer: %d > %d", i, n, len(mem[i]))
			}
			planes[i] = surface.Plane{Width: g.Width, Height: g.Height, BytesPerPixel: g.BytesPerPixel, Stride: s, Data: mem[i][:n]}
		}
	}

	return surface.Mapping{Format: format, Width: width, Height: height, Planes: planes}, nil
}

// chromaStride derives the stride of a plane stored after the luma plane in
// the same buffer.
func chromaStride(lumaStride int, luma, g media.PlaneGeometry) int {
	s := lumaStride * g.BytesPerPixel / luma.BytesPerPixel
	if g.Width < luma.Width {
		s /= 2
	}
	return s
}
