//go:build linux && (amd64 || arm64)

package v4l2

import (
	"errors"
	"fmt"
	"syscall"
	"unsafe"
)

// EnumFormats returns all pixel formats a queue supports.
func (d *Device) EnumFormats(bufType uint32) ([]FormatInfo, error) {
	var formats []FormatInfo

	for i := uint32(0); ; i++ {
		fmtdesc := v4l2Fmtdesc{
			index: i,
			typ:   bufType,
		}

		if err := ioctl(d.fd, vidiocEnumFmt, unsafe.Pointer(&fmtdesc)); err != nil {
			if errors.Is(err, syscall.EINVAL) {
				break // End of enumeration
			}
			return nil, fmt.Errorf("failed to enumerate format %d: %w", i, err)
		}

		formats = append(formats, FormatInfo{
			PixelFormat: fmtdesc.pixelformat,
			FormatName:  cstr(fmtdesc.description[:]),
			Compressed:  fmtdesc.flags&FmtFlagCompressed != 0,
			Emulated:    fmtdesc.flags&FmtFlagEmulated != 0,
		})
	}

	return formats, nil
}

// GetFormat returns the current format of a multi-planar queue.
func (d *Device) GetFormat(bufType uint32) (PixFormat, error) {
	f := v4l2Format{typ: bufType}
	if err := ioctl(d.fd, vidiocGFmt, unsafe.Pointer(&f)); err != nil {
		return PixFormat{}, err
	}
	return pixFormatFromKernel(&f.pix), nil
}

// SetFormat sets the format of a multi-planar queue and returns what the
// driver actually applied.
func (d *Device) SetFormat(bufType uint32, pf PixFormat) (PixFormat, error) {
	f := v4l2Format{typ: bufType}
	f.pix.width = pf.Width
	f.pix.height = pf.Height
	f.pix.pixelformat = pf.PixelFormat
	f.pix.colorspace = pf.Colorspace
	f.pix.quantization = pf.Quantization
	f.pix.numPlanes = uint8(min(len(pf.Planes), len(f.pix.planeFmt)))
	for i := range int(f.pix.numPlanes) {
		f.pix.planeFmt[i].sizeimage = pf.Planes[i].SizeImage
		f.pix.planeFmt[i].bytesperline = pf.Planes[i].BytesPerLine
	}

	if err := ioctl(d.fd, vidiocSFmt, unsafe.Pointer(&f)); err != nil {
		return PixFormat{}, err
	}
	return pixFormatFromKernel(&f.pix), nil
}

func pixFormatFromKernel(p *v4l2PixFormatMplane) PixFormat {
	pf := PixFormat{
		Width:        p.width,
		Height:       p.height,
		PixelFormat:  p.pixelformat,
		Colorspace:   p.colorspace,
		Quantization: p.quantization,
	}
	n := min(int(p.numPlanes), len(p.planeFmt))
	pf.Planes = make([]PlaneFormat, n)
	for i := range n {
		pf.Planes[i] = PlaneFormat{
			SizeImage:    p.planeFmt[i].sizeimage,
			BytesPerLine: p.planeFmt[i].bytesperline,
		}
	}
	return pf
}

// Selection returns a selection rectangle, such as the visible area of
// decoded frames (SelTgtCompose on BufTypeVideoCapture).
func (d *Device) Selection(bufType, target uint32) (Rect, error) {
	s := v4l2Selection{typ: bufType, target: target}
	if err := ioctl(d.fd, vidiocGSelection, unsafe.Pointer(&s)); err != nil {
		return Rect{}, err
	}
	return Rect{Left: s.r.left, Top: s.r.top, Width: s.r.width, Height: s.r.height}, nil
}

// PixelAspect returns the pixel aspect ratio of a queue. Drivers without
// cropping support report ENOTTY; callers treat that as square pixels.
func (d *Device) PixelAspect(bufType uint32) (num, den uint32, err error) {
	c := v4l2Cropcap{typ: bufType}
	if err := ioctl(d.fd, vidiocCropcap, unsafe.Pointer(&c)); err != nil {
		return 1, 1, err
	}
	if c.numerator == 0 || c.denominator == 0 {
		return 1, 1, nil
	}
	return c.numerator, c.denominator, nil
}

// FormatFourCC converts a 4-byte pixel format to a human-readable string.
func FormatFourCC(format uint32) string {
	b := make([]byte, 4)
	b[0] = byte(format & 0xFF)
	b[1] = byte((format >> 8) & 0xFF)
	b[2] = byte((format >> 16) & 0xFF)
	b[3] = byte((format >> 24) & 0xFF)
	return string(b)
}
