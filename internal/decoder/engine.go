package decoder

import (
	"time"

	"github.com/smazurov/hwdecode/internal/media"
	"github.com/smazurov/hwdecode/internal/surface"
)

// InputGranularity selects how the engine parses ingress buffers.
type InputGranularity int

// Input granularities.
const (
	InputNALUnit InputGranularity = iota // one NAL unit per buffer
	InputChunk                           // arbitrary chunks, engine demuxes
)

// EventType is the kind of an engine event.
type EventType int

// Event types.
const (
	EventNone EventType = iota
	EventResolutionChange
	EventEOS
)

func (t EventType) String() string {
	switch t {
	case EventResolutionChange:
		return "resolution-change"
	case EventEOS:
		return "eos"
	default:
		return "none"
	}
}

// Event is an asynchronous engine notification.
type Event struct {
	Type EventType
}

// CaptureFormat is what the engine reports after a resolution change.
type CaptureFormat struct {
	PixelFormat  media.PixelFormat
	Width        int // coded width
	Height       int // coded height
	Crop         media.Rect
	Colorspace   media.Colorspace
	Quantization media.Quantization
	SARWidth     int
	SARHeight    int
}

// Decoded is a capture buffer handed back by the engine.
type Decoded struct {
	Index     int
	Timestamp media.Timeval
	BytesUsed int
	Last      bool // the engine will produce nothing after this buffer
}

// Engine is the hardware decoder as seen by the pipeline. Ingress methods
// are called from the caller's goroutine and capture methods from the decode
// worker; implementations must tolerate that split.
type Engine interface {
	SubscribeResolutionChange() error
	SetInputFormat(codec media.Codec, chunkSize int) error
	SetInputGranularity(g InputGranularity) error
	DisablePictureReorder() error
	SetMaxPerformance(enabled bool) error
	// SetupInput allocates count ingress slots and returns how many the
	// engine actually created.
	SetupInput(count int) (int, error)
	SetInputStreaming(on bool) error

	// Submit writes payload into ingress slot and queues it. A nil payload
	// with eos set queues an empty flush marker. queued reports whether the
	// engine took the slot; when false the slot stays with the caller and is
	// never returned by Reclaim.
	Submit(slot int, payload []byte, ts media.Timeval, eos bool) (queued bool, err error)
	// Reclaim waits up to timeout for a consumed ingress slot. It returns
	// ErrWouldBlock when none completed in time.
	Reclaim(timeout time.Duration) (int, error)

	// WaitEvent waits up to timeout for an event. It returns ErrWouldBlock on
	// timeout.
	WaitEvent(timeout time.Duration) (Event, error)

	QueryCaptureFormat() (CaptureFormat, error)
	DeinitCapture() error
	SetCaptureFormat(format media.PixelFormat, width, height int) error
	MinCaptureBuffers() (int, error)
	// SetupCapture registers the working-set surfaces and starts streaming
	// the capture queue.
	SetupCapture(targets []surface.Handle) error
	NumCaptureBuffers() int
	QueueCapture(index int, target surface.Handle) error
	// Dequeue returns a decoded buffer without blocking. It returns
	// ErrWouldBlock when nothing is ready and ErrEndOfStream after the last
	// buffer marker.
	Dequeue() (Decoded, error)

	InError() bool
	Close() error
}

// WorkingSetProvider is implemented by engines whose capture buffers live in
// driver memory. The returned allocator serves the block-linear working set.
type WorkingSetProvider interface {
	WorkingAllocator() surface.Allocator
}

// EngineFactory opens a new engine instance.
type EngineFactory func() (Engine, error)
