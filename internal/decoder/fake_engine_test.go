package decoder

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/smazurov/hwdecode/internal/media"
	"github.com/smazurov/hwdecode/internal/surface"
)

type submission struct {
	slot    int
	payload []byte
	ts      media.Timeval
	eos     bool
}

// fakeEngine decodes every submitted packet into one frame as soon as a
// capture buffer is queued. It records the calls the pipeline makes and
// flags any capture buffer that is dequeued before the previous one was
// requeued.
type fakeEngine struct {
	mu sync.Mutex

	fail        map[string]error
	granularity InputGranularity
	inputSlots  int
	streaming   bool

	submissions []submission
	completed   []int
	holdInput   bool
	keepEmpty   bool // empty payloads are not queued, like a STOP command
	reclaimErr  error

	events     chan Event
	format     CaptureFormat
	minBuffers int

	targets       []surface.Handle
	queued        map[int]bool
	dequeued      map[int]bool
	dequeueCount  map[int]int
	requeueCount  map[int]int
	violations    []string
	pending       []submission
	ready         []Decoded
	eos           bool
	dequeueErr    error
	deinitCalls   int
	inError       bool
	closed        bool
	captureFormat media.PixelFormat
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		fail:         make(map[string]error),
		events:       make(chan Event, 4),
		minBuffers:   3,
		queued:       make(map[int]bool),
		dequeued:     make(map[int]bool),
		dequeueCount: make(map[int]int),
		requeueCount: make(map[int]int),
		format: CaptureFormat{
			PixelFormat: media.PixelFormatNV12,
			Width:       64,
			Height:      48,
			Crop:        media.Rect{Width: 64, Height: 48},
			Colorspace:  media.ColorspaceREC709,
			SARWidth:    1,
			SARHeight:   1,
		},
	}
}

// factory reopens the fake for every Start.
func (e *fakeEngine) factory() EngineFactory {
	return func() (Engine, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.closed = false
		e.eos = false
		e.pending = nil
		e.ready = nil
		e.completed = nil
		e.targets = nil
		clear(e.queued)
		clear(e.dequeued)
		return e, nil
	}
}

// resolutionChange reports a new capture format to the worker.
func (e *fakeEngine) resolutionChange(cf CaptureFormat) {
	e.mu.Lock()
	e.format = cf
	e.mu.Unlock()
	e.events <- Event{Type: EventResolutionChange}
}

func (e *fakeEngine) err(op string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fail[op]
}

func (e *fakeEngine) SubscribeResolutionChange() error { return e.err("subscribe") }

func (e *fakeEngine) SetInputFormat(media.Codec, int) error { return e.err("input-format") }

func (e *fakeEngine) SetInputGranularity(g InputGranularity) error {
	e.mu.Lock()
	e.granularity = g
	e.mu.Unlock()
	return e.err("granularity")
}

func (e *fakeEngine) DisablePictureReorder() error { return e.err("reorder") }

func (e *fakeEngine) SetMaxPerformance(bool) error { return e.err("max-perf") }

func (e *fakeEngine) SetupInput(count int) (int, error) {
	if err := e.err("setup-input"); err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inputSlots = count
	return count, nil
}

func (e *fakeEngine) SetInputStreaming(on bool) error {
	e.mu.Lock()
	e.streaming = on
	e.mu.Unlock()
	return e.err("streaming")
}

func (e *fakeEngine) Submit(slot int, payload []byte, ts media.Timeval, eos bool) (bool, error) {
	if err := e.err("submit"); err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	sub := submission{slot: slot, payload: slices.Clone(payload), ts: ts, eos: eos}
	e.submissions = append(e.submissions, sub)
	if e.keepEmpty && len(payload) == 0 {
		if eos {
			e.eos = true
			e.produce()
		}
		return false, nil
	}
	if !e.holdInput {
		e.completed = append(e.completed, slot)
	}
	if eos {
		e.eos = true
	} else {
		e.pending = append(e.pending, sub)
	}
	e.produce()
	return true, nil
}

func (e *fakeEngine) Reclaim(time.Duration) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.reclaimErr != nil {
		return -1, e.reclaimErr
	}
	if len(e.completed) == 0 {
		return -1, ErrWouldBlock
	}
	slot := e.completed[0]
	e.completed = e.completed[1:]
	return slot, nil
}

func (e *fakeEngine) WaitEvent(timeout time.Duration) (Event, error) {
	select {
	case ev := <-e.events:
		return ev, nil
	case <-time.After(timeout):
		return Event{}, ErrWouldBlock
	}
}

func (e *fakeEngine) QueryCaptureFormat() (CaptureFormat, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.format, e.fail["query"]
}

func (e *fakeEngine) DeinitCapture() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deinitCalls++
	e.targets = nil
	clear(e.queued)
	clear(e.dequeued)
	return nil
}

func (e *fakeEngine) SetCaptureFormat(format media.PixelFormat, _, _ int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.captureFormat = format
	return nil
}

func (e *fakeEngine) MinCaptureBuffers() (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.minBuffers, nil
}

func (e *fakeEngine) SetupCapture(targets []surface.Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.targets = slices.Clone(targets)
	return nil
}

func (e *fakeEngine) NumCaptureBuffers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.targets)
}

func (e *fakeEngine) QueueCapture(index int, target surface.Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if index < 0 || index >= len(e.targets) || e.targets[index] != target {
		return fmt.Errorf("bad capture buffer %d/%d", index, target)
	}
	if e.queued[index] {
		e.violations = append(e.violations, fmt.Sprintf("buffer %d queued twice", index))
	}
	if e.dequeued[index] {
		e.requeueCount[index]++
		delete(e.dequeued, index)
	}
	e.queued[index] = true
	e.produce()
	return nil
}

// produce turns pending packets into decoded buffers. Caller holds e.mu.
func (e *fakeEngine) produce() {
	for len(e.pending) > 0 {
		idx := -1
		for i := range e.targets {
			if e.queued[i] {
				idx = i
				break
			}
		}
		if idx < 0 {
			return
		}
		p := e.pending[0]
		e.pending = e.pending[1:]
		e.queued[idx] = false
		e.ready = append(e.ready, Decoded{Index: idx, Timestamp: p.ts, BytesUsed: len(p.payload)})
	}
}

func (e *fakeEngine) Dequeue() (Decoded, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dequeueErr != nil {
		return Decoded{}, e.dequeueErr
	}
	if len(e.ready) == 0 {
		if e.eos && len(e.pending) == 0 && len(e.targets) > 0 {
			return Decoded{}, ErrEndOfStream
		}
		return Decoded{}, ErrWouldBlock
	}
	if len(e.dequeued) > 0 {
		e.violations = append(e.violations, fmt.Sprintf("dequeue with %d buffers not requeued", len(e.dequeued)))
	}
	d := e.ready[0]
	e.ready = e.ready[1:]
	e.dequeued[d.Index] = true
	e.dequeueCount[d.Index]++
	return d, nil
}

func (e *fakeEngine) InError() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inError
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.New("closed twice")
	}
	e.closed = true
	return nil
}

func (e *fakeEngine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *fakeEngine) snapshot() (subs []submission, violations []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.submissions), slices.Clone(e.violations)
}

func (e *fakeEngine) counts() (dequeued, requeued int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, n := range e.dequeueCount {
		dequeued += n
	}
	for _, n := range e.requeueCount {
		requeued += n
	}
	return dequeued, requeued
}
