// Package media defines the codec, pixel format and colorimetry vocabulary
// shared by the decode pipeline, the surface service and the engine adapters.
package media

import (
	"fmt"
	"strings"
)

// Codec identifies a compressed bitstream format.
type Codec int

// Supported codecs.
const (
	CodecUnknown Codec = iota
	CodecH264
	CodecH265
	CodecAV1
)

func (c Codec) String() string {
	switch c {
	case CodecH264:
		return "h264"
	case CodecH265:
		return "h265"
	case CodecAV1:
		return "av1"
	default:
		return "unknown"
	}
}

// NALFramed reports whether the codec uses Annex-B start-code framing and
// must be split into NAL units before submission.
func (c Codec) NALFramed() bool {
	return c == CodecH264 || c == CodecH265
}

// ParseCodec converts a user supplied codec name.
func ParseCodec(s string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "h264", "avc":
		return CodecH264, nil
	case "h265", "hevc":
		return CodecH265, nil
	case "av1":
		return CodecAV1, nil
	default:
		return CodecUnknown, fmt.Errorf("unsupported codec %q", s)
	}
}

// PixelFormat identifies the memory layout of a decoded surface.
//
// The NV12 variants share one layout and differ only in colorimetry; they
// exist because the hardware working set must be allocated with the variant
// matching the stream.
type PixelFormat int

// Pixel formats.
const (
	PixelFormatInvalid PixelFormat = iota
	PixelFormatNV12
	PixelFormatNV12ER
	PixelFormatNV12709
	PixelFormatNV12709ER
	PixelFormatNV122020
	PixelFormatNV24
	PixelFormatNV2410LE
	PixelFormatYUV420
)

var pixelFormatNames = map[PixelFormat]string{
	PixelFormatInvalid:   "invalid",
	PixelFormatNV12:      "nv12",
	PixelFormatNV12ER:    "nv12_er",
	PixelFormatNV12709:   "nv12_709",
	PixelFormatNV12709ER: "nv12_709_er",
	PixelFormatNV122020:  "nv12_2020",
	PixelFormatNV24:      "nv24",
	PixelFormatNV2410LE:  "nv24_10le",
	PixelFormatYUV420:    "yuv420p",
}

func (p PixelFormat) String() string {
	if name, ok := pixelFormatNames[p]; ok {
		return name
	}
	return fmt.Sprintf("pixfmt(%d)", int(p))
}

// ParsePixelFormat converts a caller-facing output format name. Only the
// formats a caller may request for the frame ring are accepted.
func ParsePixelFormat(s string) (PixelFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "nv12":
		return PixelFormatNV12, nil
	case "nv24":
		return PixelFormatNV24, nil
	case "yuv420p", "yuv420", "i420":
		return PixelFormatYUV420, nil
	default:
		return PixelFormatInvalid, fmt.Errorf("unsupported pixel format %q", s)
	}
}

// Family returns the layout family, collapsing colorimetry variants.
func (p PixelFormat) Family() PixelFormat {
	switch p {
	case PixelFormatNV12, PixelFormatNV12ER, PixelFormatNV12709, PixelFormatNV12709ER, PixelFormatNV122020:
		return PixelFormatNV12
	default:
		return p
	}
}

// PlaneGeometry describes one plane of a surface in pixels.
type PlaneGeometry struct {
	Width         int
	Height        int
	BytesPerPixel int
}

// RowBytes returns the number of meaningful bytes in one row.
func (g PlaneGeometry) RowBytes() int {
	return g.Width * g.BytesPerPixel
}

// Planes returns the plane layout of a width x height surface.
func (p PixelFormat) Planes(width, height int) []PlaneGeometry {
	cw, ch := (width+1)/2, (height+1)/2
	switch p.Family() {
	case PixelFormatNV12:
		return []PlaneGeometry{
			{Width: width, Height: height, BytesPerPixel: 1},
			{Width: cw, Height: ch, BytesPerPixel: 2},
		}
	case PixelFormatNV24:
		return []PlaneGeometry{
			{Width: width, Height: height, BytesPerPixel: 1},
			{Width: width, Height: height, BytesPerPixel: 2},
		}
	case PixelFormatNV2410LE:
		return []PlaneGeometry{
			{Width: width, Height: height, BytesPerPixel: 2},
			{Width: width, Height: height, BytesPerPixel: 4},
		}
	case PixelFormatYUV420:
		return []PlaneGeometry{
			{Width: width, Height: height, BytesPerPixel: 1},
			{Width: cw, Height: ch, BytesPerPixel: 1},
			{Width: cw, Height: ch, BytesPerPixel: 1},
		}
	default:
		return nil
	}
}

// FrameSize returns the packed (stride == row bytes) size of one frame.
func (p PixelFormat) FrameSize(width, height int) int {
	size := 0
	for _, g := range p.Planes(width, height) {
		size += g.RowBytes() * g.Height
	}
	return size
}

// Colorspace mirrors the V4L2 colorspace values the decoder reports.
type Colorspace int

// Colorspaces.
const (
	ColorspaceDefault Colorspace = iota
	ColorspaceSMPTE170M
	ColorspaceREC709
	ColorspaceBT2020
)

func (c Colorspace) String() string {
	switch c {
	case ColorspaceSMPTE170M:
		return "bt601"
	case ColorspaceREC709:
		return "bt709"
	case ColorspaceBT2020:
		return "bt2020"
	default:
		return "default"
	}
}

// Quantization is the luma range of the stream.
type Quantization int

// Quantization ranges.
const (
	QuantizationDefault Quantization = iota
	QuantizationFullRange
	QuantizationLimitedRange
)

func (q Quantization) String() string {
	switch q {
	case QuantizationFullRange:
		return "full"
	case QuantizationLimitedRange:
		return "limited"
	default:
		return "default"
	}
}

// FormatDescriptor is the negotiated stream format.
type FormatDescriptor struct {
	Codec        Codec
	PixelFormat  PixelFormat
	Width        int
	Height       int
	Colorspace   Colorspace
	Quantization Quantization
}

// IsZero reports whether no geometry has been negotiated yet.
func (f FormatDescriptor) IsZero() bool {
	return f.Width == 0 && f.Height == 0
}

func (f FormatDescriptor) String() string {
	return fmt.Sprintf("%s %s %dx%d %s/%s", f.Codec, f.PixelFormat, f.Width, f.Height, f.Colorspace, f.Quantization)
}

// Rect is a rectangle in pixels.
type Rect struct {
	Left   int
	Top    int
	Width  int
	Height int
}
