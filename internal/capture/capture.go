// Package capture keeps the most recent decoded frame and turns it into JPEG
// snapshots.
package capture

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/image/draw"

	"github.com/smazurov/hwdecode/internal/decoder"
	"github.com/smazurov/hwdecode/internal/media"
)

// DefaultQuality is the JPEG quality used when none is given.
const DefaultQuality = 85

// ErrNoFrame is returned before the first frame has been decoded.
var ErrNoFrame = errors.New("capture: no frame decoded yet")

// Options controls snapshot encoding.
type Options struct {
	Quality int
	// MaxWidth scales wider frames down, keeping the aspect ratio. Zero keeps
	// the decoded size.
	MaxWidth int
}

// Latest is a decoder.Delivery that keeps a packed copy of the newest frame.
type Latest struct {
	mu     sync.Mutex
	format media.PixelFormat
	width  int
	height int
	pts    int64
	data   []byte
	valid  bool
}

// NewLatest creates an empty frame holder.
func NewLatest() *Latest {
	return &Latest{}
}

// Deliver implements decoder.Delivery.
func (l *Latest) Deliver(f *decoder.Frame) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := f.Size()
	if cap(l.data) < n {
		l.data = make([]byte, n)
	}
	l.data = l.data[:n]
	if _, err := f.CopyTo(l.data); err != nil {
		l.valid = false
		return
	}
	l.format, l.width, l.height, l.pts = f.Format, f.Width, f.Height, f.PTS
	l.valid = true
}

// Reset implements decoder.Delivery. The last frame stays available.
func (l *Latest) Reset() {}

// Image converts the held frame. It returns ErrNoFrame when empty.
func (l *Latest) Image() (*image.YCbCr, int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.valid {
		return nil, 0, ErrNoFrame
	}
	img, err := ToImage(l.format, l.width, l.height, l.data)
	return img, l.pts, err
}

// CaptureToBytes encodes the held frame as JPEG.
func (l *Latest) CaptureToBytes(opts Options) ([]byte, error) {
	img, _, err := l.Image()
	if err != nil {
		return nil, err
	}
	return Encode(img, opts)
}

// CaptureScreenshot writes the held frame as a JPEG file, creating the
// parent directory.
func (l *Latest) CaptureScreenshot(outputPath string, opts Options) error {
	data, err := l.CaptureToBytes(opts)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(outputPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create output directory %s: %w", dir, err)
		}
	}
	return os.WriteFile(outputPath, data, 0o644)
}

// ToImage wraps packed frame data in an image. NV12 and NV24 chroma is
// deinterleaved; YUV420P planes are copied.
func ToImage(format media.PixelFormat, width, height int, data []byte) (*image.YCbCr, error) {
	if need := format.FrameSize(width, height); need == 0 || len(data) < need {
		return nil, fmt.Errorf("capture: %s %dx%d needs %d bytes, have %d", format, width, height, need, len(data))
	}

	var ratio image.YCbCrSubsampleRatio
	switch format.Family() {
	case media.PixelFormatNV12, media.PixelFormatYUV420:
		ratio = image.YCbCrSubsampleRatio420
	case media.PixelFormatNV24:
		ratio = image.YCbCrSubsampleRatio444
	default:
		return nil, fmt.Errorf("capture: unsupported pixel format %s", format)
	}

	img := image.NewYCbCr(image.Rect(0, 0, width, height), ratio)
	luma := width * height
	copy(img.Y, data[:luma])
	chroma := data[luma:]

	if format.Family() == media.PixelFormatYUV420 {
		n := len(img.Cb)
		copy(img.Cb, chroma[:n])
		copy(img.Cr, chroma[n:2*n])
		return img, nil
	}
	for i := range img.Cb {
		img.Cb[i] = chroma[2*i]
		img.Cr[i] = chroma[2*i+1]
	}
	return img, nil
}

// Encode scales img if needed and encodes it as JPEG.
func Encode(img image.Image, opts Options) ([]byte, error) {
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = DefaultQuality
	}

	b := img.Bounds()
	if opts.MaxWidth > 0 && b.Dx() > opts.MaxWidth {
		h := max(1, b.Dy()*opts.MaxWidth/b.Dx())
		dst := image.NewRGBA(image.Rect(0, 0, opts.MaxWidth, h))
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
		img = dst
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: opts.Quality}); err != nil {
		return nil, fmt.Errorf("capture: encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
