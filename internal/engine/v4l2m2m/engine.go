//go:build linux && (amd64 || arm64)

package v4l2m2m

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/smazurov/hwdecode/internal/decoder"
	"github.com/smazurov/hwdecode/internal/logging"
	"github.com/smazurov/hwdecode/internal/media"
	"github.com/smazurov/hwdecode/internal/surface"
	"github.com/smazurov/hwdecode/pkg/linuxav/v4l2"
)

const (
	outputType  = v4l2.BufTypeVideoOutputMplane
	captureType = v4l2.BufTypeVideoCaptureMplane
)

// Options configures an engine.
type Options struct {
	// Device is the decoder node. Empty selects the first decoder that
	// accepts the codec.
	Device string
	Codec  media.Codec
	// MaxPerformanceControl is the driver control id for clock boost. Zero
	// means the driver has none.
	MaxPerformanceControl uint32
	Logger                *slog.Logger
}

type inputBuffer struct {
	data   []byte
	length uint32
	offset uint32
}

// Engine is a decoder.Engine backed by a V4L2 M2M device.
type Engine struct {
	dev    *v4l2.Device
	opts   Options
	logger *slog.Logger

	granularity decoder.InputGranularity
	input       []inputBuffer
	capture     *captureAllocator
	targets     int

	inError  atomic.Bool
	stopSent bool
}

// Open opens the decoder device.
func Open(opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.GetLogger("engine")
	}

	path := opts.Device
	if path == "" {
		fourcc, err := codecFourCC(opts.Codec)
		if err != nil {
			return nil, err
		}
		info, err := v4l2.FindDecoderFor(fourcc)
		if err != nil {
			return nil, err
		}
		path = info.DevicePath
	}

	dev, err := v4l2.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := dev.Capability()
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("failed to query %s: %w", path, err)
	}
	if info.Caps&v4l2.CapVideoM2MMplane == 0 {
		dev.Close()
		return nil, fmt.Errorf("%s (%s) is not a multi-planar m2m device", path, info.DeviceName)
	}

	e := &Engine{
		dev:    dev,
		opts:   opts,
		logger: logger.With("device", path),
	}
	e.capture = newCaptureAllocator(dev)
	e.logger.Info("Opened decoder", "card", info.DeviceName, "driver", info.Driver)
	return e, nil
}

// Factory returns a decoder.EngineFactory opening a fresh engine per Start.
func Factory(opts Options) decoder.EngineFactory {
	return func() (decoder.Engine, error) {
		return Open(opts)
	}
}

// WorkingAllocator implements decoder.WorkingSetProvider.
func (e *Engine) WorkingAllocator() surface.Allocator {
	return e.capture
}

// SubscribeResolutionChange implements decoder.Engine.
func (e *Engine) SubscribeResolutionChange() error {
	if err := e.dev.SubscribeEvent(v4l2.EventEOS); err != nil {
		e.logger.Debug("EOS events unavailable", "error", err)
	}
	return e.dev.SubscribeEvent(v4l2.EventSourceChange)
}

// SetInputFormat implements decoder.Engine.
func (e *Engine) SetInputFormat(codec media.Codec, chunkSize int) error {
	fourcc, err := codecFourCC(codec)
	if err != nil {
		return err
	}
	got, err := e.dev.SetFormat(outputType, v4l2.PixFormat{
		PixelFormat: fourcc,
		Planes:      []v4l2.PlaneFormat{{SizeImage: uint32(chunkSize)}},
	})
	if err != nil {
		return err
	}
	if got.PixelFormat != fourcc {
		return fmt.Errorf("driver chose %s for %s", v4l2.FormatFourCC(got.PixelFormat), codec)
	}
	return nil
}

// SetInputGranularity implements decoder.Engine. Stateful decoders parse the
// bitstream themselves; the granularity is only recorded.
func (e *Engine) SetInputGranularity(g decoder.InputGranularity) error {
	e.granularity = g
	return nil
}

// DisablePictureReorder implements decoder.Engine by asking for a zero
// display delay.
func (e *Engine) DisablePictureReorder() error {
	if err := e.dev.SetControl(v4l2.CIDDecDisplayDelayOn, 1); err != nil {
		return err
	}
	return e.dev.SetControl(v4l2.CIDDecDisplayDelay, 0)
}

// SetMaxPerformance implements decoder.Engine.
func (e *Engine) SetMaxPerformance(on bool) error {
	if e.opts.MaxPerformanceControl == 0 {
		return errors.New("no max performance control")
	}
	var v int32
	if on {
		v = 1
	}
	return e.dev.SetControl(e.opts.MaxPerformanceControl, v)
}

// SetupInput implements decoder.Engine.
func (e *Engine) SetupInput(count int) (int, error) {
	n, err := e.dev.RequestBuffers(outputType, v4l2.MemoryMMAP, count)
	if err != nil {
		return 0, err
	}
	e.input = make([]inputBuffer, 0, n)
	for i := range n {
		buf, err := e.dev.QueryBuffer(outputType, v4l2.MemoryMMAP, i)
		if err != nil {
			return i, fmt.Errorf("query input buffer %d: %w", i, err)
		}
		p := buf.Planes[0]
		data, err := e.dev.Mmap(p.Offset, p.Length)
		if err != nil {
			return i, fmt.Errorf("map input buffer %d: %w", i, err)
		}
		e.input = append(e.input, inputBuffer{data: data, length: p.Length, offset: p.Offset})
	}
	return n, nil
}

// SetInputStreaming implements decoder.Engine.
func (e *Engine) SetInputStreaming(on bool) error {
	if on {
		return e.dev.StreamOn(outputType)
	}
	return e.dev.StreamOff(outputType)
}

// Submit implements decoder.Engine. End of stream is signalled with the
// STOP decoder command; drivers without it get an empty buffer. Empty
// payloads that are not queued leave the slot with the caller.
func (e *Engine) Submit(slot int, payload []byte, ts media.Timeval, eos bool) (bool, error) {
	if slot < 0 || slot >= len(e.input) {
		return false, fmt.Errorf("input slot %d out of range", slot)
	}
	in := e.input[slot]

	queued := false
	if len(payload) > 0 {
		if len(payload) > len(in.data) {
			return false, fmt.Errorf("packet of %d bytes exceeds input buffer of %d", len(payload), len(in.data))
		}
		copy(in.data, payload)
		if err := e.queueInput(slot, uint32(len(payload)), ts); err != nil {
			return false, err
		}
		queued = true
	}
	if !eos || e.stopSent {
		return queued, nil
	}

	err := e.dev.DecoderCommand(v4l2.DecCmdStop)
	if errors.Is(err, unix.ENOTTY) || errors.Is(err, unix.EINVAL) {
		e.logger.Debug("Decoder command unsupported, queueing empty buffer")
		if queued {
			return true, nil
		}
		err = e.queueInput(slot, 0, ts)
		queued = err == nil
	}
	if err == nil {
		e.stopSent = true
	}
	return queued, err
}

func (e *Engine) queueInput(slot int, size uint32, ts media.Timeval) error {
	in := e.input[slot]
	return e.dev.QueueBuffer(outputType, v4l2.MemoryMMAP, v4l2.Buffer{
		Index: uint32(slot),
		Sec:   ts.Sec,
		Usec:  ts.Usec,
		Planes: []v4l2.BufferPlane{{
			BytesUsed: size,
			Length:    in.length,
			Offset:    in.offset,
		}},
	})
}

// Reclaim implements decoder.Engine.
func (e *Engine) Reclaim(timeout time.Duration) (int, error) {
	for attempt := 0; ; attempt++ {
		buf, err := e.dev.DequeueBuffer(outputType, v4l2.MemoryMMAP)
		if err == nil {
			return int(buf.Index), nil
		}
		if !v4l2.IsWouldBlock(err) {
			return -1, err
		}
		if attempt > 0 {
			return -1, decoder.ErrWouldBlock
		}
		rev, err := e.dev.Poll(unix.POLLOUT, timeout)
		if err != nil {
			return -1, err
		}
		if rev == 0 {
			return -1, decoder.ErrWouldBlock
		}
		if rev&unix.POLLERR != 0 && rev&unix.POLLOUT == 0 {
			return -1, errors.New("input queue error")
		}
	}
}

// WaitEvent implements decoder.Engine.
func (e *Engine) WaitEvent(timeout time.Duration) (decoder.Event, error) {
	rev, err := e.dev.Poll(unix.POLLPRI, timeout)
	if err != nil {
		return decoder.Event{}, err
	}
	if rev&unix.POLLPRI == 0 {
		return decoder.Event{}, decoder.ErrWouldBlock
	}
	ev, err := e.dev.DequeueEvent()
	if errors.Is(err, unix.ENOENT) {
		return decoder.Event{}, decoder.ErrWouldBlock
	}
	if err != nil {
		return decoder.Event{}, err
	}
	switch {
	case ev.Type == v4l2.EventSourceChange && ev.Changes&v4l2.EventSrcChResolution != 0:
		return decoder.Event{Type: decoder.EventResolutionChange}, nil
	case ev.Type == v4l2.EventEOS:
		return decoder.Event{Type: decoder.EventEOS}, nil
	default:
		return decoder.Event{Type: decoder.EventNone}, nil
	}
}

// QueryCaptureFormat implements decoder.Engine.
func (e *Engine) QueryCaptureFormat() (decoder.CaptureFormat, error) {
	pf, err := e.dev.GetFormat(captureType)
	if err != nil {
		return decoder.CaptureFormat{}, err
	}
	e.capture.setFormat(pf)

	cf := decoder.CaptureFormat{
		PixelFormat:  pixelFormatFromFourCC(pf.PixelFormat),
		Width:        int(pf.Width),
		Height:       int(pf.Height),
		Colorspace:   colorspaceFromV4L2(pf.Colorspace),
		Quantization: quantizationFromV4L2(pf.Quantization),
		SARWidth:     1,
		SARHeight:    1,
	}

	r, err := e.dev.Selection(v4l2.BufTypeVideoCapture, v4l2.SelTgtCompose)
	if err != nil {
		r, err = e.dev.Selection(v4l2.BufTypeVideoCapture, v4l2.SelTgtCrop)
	}
	if err == nil && r.Width > 0 && r.Height > 0 {
		cf.Crop = media.Rect{Left: int(r.Left), Top: int(r.Top), Width: int(r.Width), Height: int(r.Height)}
	} else {
		cf.Crop = media.Rect{Width: cf.Width, Height: cf.Height}
	}

	if num, den, err := e.dev.PixelAspect(v4l2.BufTypeVideoCapture); err == nil {
		cf.SARWidth, cf.SARHeight = int(num), int(den)
	}
	return cf, nil
}

// DeinitCapture implements decoder.Engine. The working set must already be
// unmapped or the driver refuses to free the queue.
func (e *Engine) DeinitCapture() error {
	e.targets = 0
	var errs []error
	if err := e.dev.StreamOff(captureType); err != nil && !errors.Is(err, unix.EINVAL) {
		errs = append(errs, fmt.Errorf("stream off capture: %w", err))
	}
	if _, err := e.dev.RequestBuffers(captureType, v4l2.MemoryMMAP, 0); err != nil {
		errs = append(errs, fmt.Errorf("free capture buffers: %w", err))
	}
	return errors.Join(errs...)
}

// SetCaptureFormat implements decoder.Engine.
func (e *Engine) SetCaptureFormat(format media.PixelFormat, width, height int) error {
	current := e.capture.format()
	pf, err := e.dev.SetFormat(captureType, v4l2.PixFormat{
		Width:       uint32(width),
		Height:      uint32(height),
		PixelFormat: captureFourCC(format, current.PixelFormat),
	})
	if err != nil {
		return err
	}
	e.capture.setFormat(pf)
	return nil
}

// MinCaptureBuffers implements decoder.Engine.
func (e *Engine) MinCaptureBuffers() (int, error) {
	v, err := e.dev.GetControl(v4l2.CIDMinBuffersForCapture)
	if err != nil {
		return 0, err
	}
	return int(v), nil
}

// SetupCapture implements decoder.Engine. The targets are the handles
// returned by the working allocator, which are the capture buffer indices.
func (e *Engine) SetupCapture(targets []surface.Handle) error {
	for i, h := range targets {
		if int(h) != i {
			return fmt.Errorf("capture target %d has handle %d", i, h)
		}
	}
	e.targets = len(targets)
	return e.dev.StreamOn(captureType)
}

// NumCaptureBuffers implements decoder.Engine.
func (e *Engine) NumCaptureBuffers() int {
	return e.targets
}

// QueueCapture implements decoder.Engine.
func (e *Engine) QueueCapture(index int, target surface.Handle) error {
	if int(target) != index {
		return fmt.Errorf("capture buffer %d queued with handle %d", index, target)
	}
	planes, err := e.capture.planes(target)
	if err != nil {
		return err
	}
	return e.dev.QueueBuffer(captureType, v4l2.MemoryMMAP, v4l2.Buffer{
		Index:  uint32(index),
		Planes: planes,
	})
}

// Dequeue implements decoder.Engine.
func (e *Engine) Dequeue() (decoder.Decoded, error) {
	buf, err := e.dev.DequeueBuffer(captureType, v4l2.MemoryMMAP)
	switch {
	case err == nil:
	case v4l2.IsWouldBlock(err):
		return decoder.Decoded{}, decoder.ErrWouldBlock
	case errors.Is(err, unix.EPIPE):
		return decoder.Decoded{}, decoder.ErrEndOfStream
	default:
		e.inError.Store(true)
		return decoder.Decoded{}, err
	}

	used := int(buf.BytesUsed)
	if buf.Flags&v4l2.BufFlagError != 0 {
		e.logger.Debug("Capture buffer flagged corrupt", "index", buf.Index, "sequence", buf.Sequence)
	}
	return decoder.Decoded{
		Index:     int(buf.Index),
		Timestamp: media.Timeval{Sec: buf.Sec, Usec: buf.Usec},
		BytesUsed: used,
		Last:      buf.Flags&v4l2.BufFlagLast != 0,
	}, nil
}

// InError implements decoder.Engine.
func (e *Engine) InError() bool {
	return e.inError.Load()
}

// Close implements decoder.Engine.
func (e *Engine) Close() error {
	var errs []error
	if err := e.dev.StreamOff(outputType); err != nil && !errors.Is(err, unix.EINVAL) {
		errs = append(errs, err)
	}
	if err := e.dev.StreamOff(captureType); err != nil && !errors.Is(err, unix.EINVAL) {
		errs = append(errs, err)
	}
	if err := e.capture.close(); err != nil {
		errs = append(errs, err)
	}
	for _, in := range e.input {
		if err := v4l2.Munmap(in.data); err != nil {
			errs = append(errs, err)
		}
	}
	e.input = nil
	if _, err := e.dev.RequestBuffers(outputType, v4l2.MemoryMMAP, 0); err != nil {
		errs = append(errs, err)
	}
	_ = e.dev.UnsubscribeEvent(v4l2.EventSourceChange)
	if err := e.dev.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
