package decoder

import (
	"bytes"
	"errors"
	"io"
	"slices"
	"testing"
	"time"

	"github.com/smazurov/hwdecode/internal/events"
	"github.com/smazurov/hwdecode/internal/media"
	"github.com/smazurov/hwdecode/internal/metrics"
	"github.com/smazurov/hwdecode/internal/surface"
)

const waitTimeout = 2 * time.Second

type frameRecord struct {
	slot   int
	pts    int64
	seq    uint64
	width  int
	height int
	format media.PixelFormat
	planes int
}

type harness struct {
	t      *testing.T
	engine *fakeEngine
	alloc  *surface.HeapAllocator
	dec    *Decoder
	frames chan frameRecord
}

func newHarness(t *testing.T, configure func(*Options)) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		engine: newFakeEngine(),
		alloc:  surface.NewHeapAllocator(0),
		frames: make(chan frameRecord, 64),
	}

	cfg := DefaultConfig()
	cfg.Name = t.Name()
	opts := Options{
		Config:    cfg,
		NewEngine: h.engine.factory(),
		Allocator: h.alloc,
		Delivery:  NewCallbackDelivery(h.record),
	}
	if configure != nil {
		configure(&opts)
	}
	h.dec = New(opts)
	t.Cleanup(func() {
		if h.dec.State() == StateStarted {
			h.dec.Stop()
		}
		metrics.DeleteDecoderMetrics(cfg.Name)
	})
	return h
}

func (h *harness) record(f *Frame, pts int64) {
	h.frames <- frameRecord{
		slot:   f.Slot,
		pts:    pts,
		seq:    f.Sequence,
		width:  f.Width,
		height: f.Height,
		format: f.Format,
		planes: len(f.Planes),
	}
}

func (h *harness) start() {
	h.t.Helper()
	if !h.dec.Start() {
		h.t.Fatal("Start() = false")
	}
}

func (h *harness) waitFrame() frameRecord {
	h.t.Helper()
	select {
	case f := <-h.frames:
		return f
	case <-time.After(waitTimeout):
		h.t.Fatal("timed out waiting for frame")
		return frameRecord{}
	}
}

func (h *harness) waitDone() {
	h.t.Helper()
	select {
	case <-h.dec.Done():
	case <-time.After(waitTimeout):
		h.t.Fatal("timed out waiting for worker exit")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func nal(kind byte, fill ...byte) []byte {
	return append([]byte{0, 0, 0, 1, kind}, fill...)
}

func format1080p() CaptureFormat {
	return CaptureFormat{
		PixelFormat: media.PixelFormatNV12,
		Width:       1920,
		Height:      1080,
		Crop:        media.Rect{Width: 1920, Height: 1080},
		Colorspace:  media.ColorspaceSMPTE170M,
		SARWidth:    1,
		SARHeight:   1,
	}
}

type transformerFunc func(src, dst surface.Handle, params surface.TransformParams) error

func (f transformerFunc) Transform(src, dst surface.Handle, params surface.TransformParams) error {
	return f(src, dst, params)
}

func TestScenarioFirstFrameCarriesTimestamp(t *testing.T) {
	h := newHarness(t, nil)
	h.start()

	buf := []byte{0, 0, 0, 1, 0x65, 0x88, 0x84, 0x00, 0x33, 0xff, 0xfe, 0xf6}
	if err := h.dec.SubmitCompressedUnit(buf, 0, 1000); err != nil {
		t.Fatalf("SubmitCompressedUnit: %v", err)
	}

	subs, _ := h.engine.snapshot()
	if len(subs) != 1 {
		t.Fatalf("got %d submissions, want 1", len(subs))
	}
	if !bytes.Equal(subs[0].payload, buf) {
		t.Errorf("payload = %x, want %x", subs[0].payload, buf)
	}
	if subs[0].ts != (media.Timeval{Sec: 0, Usec: 1000}) {
		t.Errorf("timestamp = %+v, want 0s 1000us", subs[0].ts)
	}
	if subs[0].eos {
		t.Error("first submission flagged end of stream")
	}

	h.engine.resolutionChange(format1080p())
	f := h.waitFrame()

	if f.pts != 1000 {
		t.Errorf("pts = %d, want 1000", f.pts)
	}
	if f.width != 1920 || f.height != 1080 || f.format != media.PixelFormatNV12 {
		t.Errorf("frame = %dx%d %s, want 1920x1080 nv12", f.width, f.height, f.format)
	}
	if f.slot != 0 || f.planes != 2 {
		t.Errorf("slot %d planes %d, want slot 0 with 2 planes", f.slot, f.planes)
	}

	wantLive := MaxVideoBuffers + h.engine.minBuffers + 1
	if got := h.alloc.Live(); got != wantLive {
		t.Errorf("live surfaces = %d, want %d", got, wantLive)
	}
	if got := h.engine.NumCaptureBuffers(); got != h.engine.minBuffers+1 {
		t.Errorf("capture buffers = %d, want %d", got, h.engine.minBuffers+1)
	}
	if got := h.dec.Format(); got.Width != 1920 || got.Height != 1080 || got.Codec != media.CodecH264 {
		t.Errorf("Format() = %s", got)
	}

	h.dec.Stop()

	if got := h.alloc.Live(); got != 0 {
		t.Errorf("live surfaces after Stop = %d, want 0", got)
	}
	if got := h.alloc.Mapped(); got != 0 {
		t.Errorf("mapped surfaces after Stop = %d, want 0", got)
	}
	if !h.engine.isClosed() {
		t.Error("engine not closed")
	}
	if !h.dec.Format().IsZero() {
		t.Errorf("Format() after Stop = %s, want zero", h.dec.Format())
	}
}

func TestLifecycleIdempotence(t *testing.T) {
	h := newHarness(t, nil)

	h.dec.Stop()
	if got := h.dec.State(); got != StateReady {
		t.Fatalf("state after Stop in ready = %s", got)
	}

	h.start()
	if h.dec.Start() {
		t.Error("second Start() = true, want false")
	}
	if got := h.dec.State(); got != StateStarted {
		t.Errorf("state after second Start = %s", got)
	}

	h.dec.Stop()
	h.dec.Stop()
	if got := h.dec.State(); got != StateReady {
		t.Errorf("state after double Stop = %s", got)
	}
	if !h.engine.isClosed() {
		t.Error("engine not closed")
	}
}

func TestSubmitRequiresStarted(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.dec.SubmitCompressedUnit(nal(0x65, 1, 2, 3), 0, 0); !errors.Is(err, ErrNotStarted) {
		t.Errorf("err = %v, want ErrNotStarted", err)
	}
}

func TestRingOrder(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	h.engine.resolutionChange(h.engine.format)

	const n = 7
	for i := range n {
		if err := h.dec.SubmitCompressedUnit(nal(0x41, byte(i+1), 0x22, 0x33), 0, int64(i)*33_333); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	for i := range n {
		f := h.waitFrame()
		if f.slot != i%MaxVideoBuffers {
			t.Errorf("frame %d in slot %d, want %d", i, f.slot, i%MaxVideoBuffers)
		}
		if want := int64(i) * 33_333; f.pts != want {
			t.Errorf("frame %d pts = %d, want %d", i, f.pts, want)
		}
		if f.seq != uint64(i+1) {
			t.Errorf("frame %d sequence = %d", i, f.seq)
		}
	}

	h.dec.Stop()
	_, violations := h.engine.snapshot()
	if len(violations) > 0 {
		t.Errorf("capture queue violations: %v", violations)
	}
	dq, rq := h.engine.counts()
	if dq != n || rq != n {
		t.Errorf("dequeued %d requeued %d, want %d each", dq, rq, n)
	}
}

func TestTransformFailureRequeuesBuffer(t *testing.T) {
	boom := errors.New("transform failed")
	h := newHarness(t, func(o *Options) {
		o.Transformer = transformerFunc(func(surface.Handle, surface.Handle, surface.TransformParams) error {
			return boom
		})
	})
	h.start()
	h.engine.resolutionChange(h.engine.format)

	if err := h.dec.SubmitCompressedUnit(nal(0x65, 1, 2, 3), 0, 40); err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.waitDone()

	err := h.dec.Err()
	if KindOf(err) != KindTransformError || !errors.Is(err, boom) {
		t.Errorf("Err() = %v, want transform error wrapping boom", err)
	}
	dq, rq := h.engine.counts()
	if dq != 1 || rq != 1 {
		t.Errorf("dequeued %d requeued %d, want 1 each", dq, rq)
	}
	select {
	case f := <-h.frames:
		t.Errorf("unexpected frame %+v", f)
	default:
	}

	h.dec.Stop()
	if got := h.alloc.Live(); got != 0 {
		t.Errorf("live surfaces after Stop = %d", got)
	}
	if KindOf(h.dec.Err()) != KindTransformError {
		t.Errorf("Err() after Stop = %v", h.dec.Err())
	}
}

func TestEngineHardErrorEndsWorker(t *testing.T) {
	tests := []struct {
		name   string
		inject func(e *fakeEngine)
		target error
	}{
		{
			name:   "dequeue error",
			inject: func(e *fakeEngine) { e.dequeueErr = io.ErrUnexpectedEOF },
			target: io.ErrUnexpectedEOF,
		},
		{
			name:   "engine in error",
			inject: func(e *fakeEngine) { e.inError = true },
			target: errEngineFault,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.start()

			h.engine.mu.Lock()
			tt.inject(h.engine)
			h.engine.mu.Unlock()
			h.engine.resolutionChange(h.engine.format)
			h.waitDone()

			err := h.dec.Err()
			if KindOf(err) != KindEngineHardError || !errors.Is(err, tt.target) {
				t.Errorf("Err() = %v, want engine hard error wrapping %v", err, tt.target)
			}
			if got := h.dec.Stats().Worker; got != WorkerDone {
				t.Errorf("worker = %s, want done", got)
			}

			h.dec.Stop()
			if got := h.alloc.Live(); got != 0 {
				t.Errorf("live surfaces after Stop = %d", got)
			}
		})
	}
}

func TestConfigurationWarningsDoNotFailStart(t *testing.T) {
	h := newHarness(t, nil)
	for _, op := range []string{"subscribe", "input-format", "granularity", "reorder", "max-perf", "setup-input", "streaming"} {
		h.engine.fail[op] = errors.New(op + " rejected")
	}

	h.start()
	if got := h.dec.State(); got != StateStarted {
		t.Fatalf("state = %s", got)
	}

	h.engine.resolutionChange(h.engine.format)
	if err := h.dec.SubmitCompressedUnit(nal(0x65, 9, 9, 9), 0, 7); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if f := h.waitFrame(); f.pts != 7 {
		t.Errorf("pts = %d, want 7", f.pts)
	}
}

func TestReclaimWouldBlockDropsPacket(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.holdInput = true
	h.start()

	for i := range DefaultPreloadBuffers {
		if err := h.dec.SubmitCompressedUnit(nal(0x41, byte(i), 1, 2), 0, int64(i)); err != nil {
			t.Fatalf("preload submit %d: %v", i, err)
		}
	}

	err := h.dec.SubmitCompressedUnit(nal(0x41, 7, 1, 2), 0, 99)
	if !errors.Is(err, ErrNoSlot) {
		t.Fatalf("err = %v, want ErrNoSlot", err)
	}

	au := slices.Concat(nal(0x67, 1, 2, 3), nal(0x68, 4, 5, 6))
	if err := h.dec.SubmitCompressedUnit(au, 0, 100); !errors.Is(err, ErrNoSlot) {
		t.Fatalf("err = %v, want ErrNoSlot", err)
	}

	st := h.dec.Stats()
	if st.PacketsSubmitted != DefaultPreloadBuffers {
		t.Errorf("submitted = %d, want %d", st.PacketsSubmitted, DefaultPreloadBuffers)
	}
	if st.PacketsDropped != 3 {
		t.Errorf("dropped = %d, want 3", st.PacketsDropped)
	}
	if s := metrics.GetDecoderStats(t.Name()); s == nil || s.PacketsDropped != 3 {
		t.Errorf("metrics = %+v, want 3 dropped", s)
	}

	h.engine.mu.Lock()
	h.engine.holdInput = false
	h.engine.completed = append(h.engine.completed, 0)
	h.engine.mu.Unlock()
	if err := h.dec.SubmitCompressedUnit(nal(0x41, 8, 1, 2), 0, 101); err != nil {
		t.Errorf("submit after slot freed: %v", err)
	}
}

func TestReclaimHardErrorEscalates(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.holdInput = true
	h.engine.reclaimErr = errors.New("input/output error")
	h.start()

	for i := range DefaultPreloadBuffers {
		if err := h.dec.SubmitCompressedUnit(nal(0x41, byte(i), 1, 2), 0, int64(i)); err != nil {
			t.Fatalf("preload submit %d: %v", i, err)
		}
	}
	err := h.dec.SubmitCompressedUnit(nal(0x41, 5, 1, 2), 0, 5)
	if KindOf(err) != KindEngineHardError {
		t.Fatalf("err = %v, want engine hard error", err)
	}
	if errors.Is(err, ErrNoSlot) {
		t.Error("hard reclaim error reported as ErrNoSlot")
	}
	if got := h.dec.Stats().PacketsDropped; got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}
}

func TestStopBeforeFormat(t *testing.T) {
	h := newHarness(t, nil)
	h.start()

	if err := h.dec.SubmitCompressedUnit(nal(0x65, 1, 2, 3), 0, 1); err != nil {
		t.Fatalf("submit: %v", err)
	}

	stopped := make(chan struct{})
	go func() {
		h.dec.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(waitTimeout):
		t.Fatal("Stop did not return")
	}

	subs, _ := h.engine.snapshot()
	if last := subs[len(subs)-1]; !last.eos || last.payload != nil {
		t.Errorf("last submission = %+v, want empty end-of-stream marker", last)
	}
	if got := h.alloc.Live(); got != 0 {
		t.Errorf("live surfaces = %d", got)
	}
	if st := h.dec.Stats(); st.State != StateReady || st.Worker != WorkerIdle {
		t.Errorf("stats after Stop = %+v", st)
	}
}

func TestEndOfStreamFlagDrains(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	h.engine.resolutionChange(h.engine.format)

	if err := h.dec.SubmitCompressedUnit(nal(0x65, 1, 2, 3), FlagEndOfStream, 12); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if f := h.waitFrame(); f.pts != 12 {
		t.Errorf("pts = %d", f.pts)
	}
	h.waitDone()
	if err := h.dec.Err(); err != nil {
		t.Errorf("Err() = %v, want nil", err)
	}

	subs, _ := h.engine.snapshot()
	if len(subs) != 2 || !subs[1].eos {
		t.Errorf("submissions = %+v, want packet then end-of-stream", subs)
	}
}

func TestCallbackRunsOnWorker(t *testing.T) {
	entered := make(chan Stats, 1)
	release := make(chan struct{})
	var dec *Decoder

	h := newHarness(t, func(o *Options) {
		o.Delivery = NewCallbackDelivery(func(*Frame, int64) {
			entered <- dec.Stats()
			<-release
		})
	})
	dec = h.dec
	h.start()
	h.engine.resolutionChange(h.engine.format)

	if err := h.dec.SubmitCompressedUnit(nal(0x65, 1, 2, 3), 0, 1); err != nil {
		t.Fatalf("submit: %v", err)
	}

	var st Stats
	select {
	case st = <-entered:
	case <-time.After(waitTimeout):
		t.Fatal("callback not invoked")
	}
	if st.Worker != WorkerDecoding {
		t.Errorf("worker state in callback = %s", st.Worker)
	}

	// The caller is free while the callback blocks.
	if err := h.dec.SubmitCompressedUnit(nal(0x41, 4, 5, 6), 0, 2); err != nil {
		t.Errorf("submit during callback: %v", err)
	}
	close(release)
}

func TestRetainedSlotIsNotOverwritten(t *testing.T) {
	var held *Frame
	frames := make(chan frameRecord, 8)

	h := newHarness(t, func(o *Options) {
		o.Delivery = NewCallbackDelivery(func(f *Frame, pts int64) {
			if pts == 1 {
				f.Retain()
				held = f
			}
			frames <- frameRecord{slot: f.Slot, pts: pts}
		})
	})
	h.start()
	h.engine.resolutionChange(h.engine.format)

	recv := func() frameRecord {
		t.Helper()
		select {
		case f := <-frames:
			return f
		case <-time.After(waitTimeout):
			t.Fatal("timed out waiting for frame")
			return frameRecord{}
		}
	}

	submit := func(pts int64) {
		t.Helper()
		if err := h.dec.SubmitCompressedUnit(nal(0x41, byte(pts), 1, 2), 0, pts); err != nil {
			t.Fatalf("submit %d: %v", pts, err)
		}
	}

	submit(1)
	if f := recv(); f.slot != 0 {
		t.Fatalf("first frame slot %d", f.slot)
	}
	submit(2)
	if f := recv(); f.slot != 1 {
		t.Fatalf("second frame slot %d", f.slot)
	}

	submit(3)
	waitFor(t, "dropped frame", func() bool { return h.dec.Stats().FramesDropped == 1 })

	held.Release()
	submit(4)
	if f := recv(); f.slot != 0 || f.pts != 4 {
		t.Errorf("frame after release = %+v, want slot 0 pts 4", f)
	}

	h.dec.Stop()
	_, violations := h.engine.snapshot()
	if len(violations) > 0 {
		t.Errorf("capture queue violations: %v", violations)
	}
	dq, rq := h.engine.counts()
	if dq != 4 || rq != 4 {
		t.Errorf("dequeued %d requeued %d, want 4 each", dq, rq)
	}
}

func TestPollDelivery(t *testing.T) {
	poll := NewPollDelivery()
	h := newHarness(t, func(o *Options) { o.Delivery = poll })
	h.start()
	h.engine.resolutionChange(h.engine.format)

	if err := h.dec.SubmitCompressedUnit(nal(0x65, 1, 2, 3), 0, 5); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, "pending frame", func() bool { return poll.Pending() == 1 })

	size := media.PixelFormatNV12.FrameSize(64, 48)
	dst := make([]byte, size)
	n, pts, err := h.dec.SubmitCompressedUnit2(nal(0x41, 4, 5, 6), 0, 10, dst)
	if err != nil {
		t.Fatalf("SubmitCompressedUnit2: %v", err)
	}
	if n != size || pts != 5 {
		t.Errorf("copied %d bytes pts %d, want %d bytes pts 5", n, pts, size)
	}

	waitFor(t, "second frame", func() bool { return poll.Pending() == 1 })
	f, ok := h.dec.NextFrame()
	if !ok || f.PTS != 10 {
		t.Fatalf("NextFrame() = %+v, %v", f, ok)
	}
	if _, err := f.CopyTo(make([]byte, 10)); !errors.Is(err, ErrShortBuffer) {
		t.Errorf("CopyTo short buffer err = %v", err)
	}
	f.Release()
}

func TestAV1BypassesSegmentation(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Config.Codec = media.CodecAV1 })
	h.start()

	buf := slices.Concat(nal(0x12, 0, 0xa), nal(0x32, 1, 2))
	if err := h.dec.SubmitCompressedUnit(buf, 0, 3); err != nil {
		t.Fatalf("submit: %v", err)
	}
	subs, _ := h.engine.snapshot()
	if len(subs) != 1 || !bytes.Equal(subs[0].payload, buf) {
		t.Errorf("submissions = %d, want the whole buffer once", len(subs))
	}
	if h.engine.granularity != InputChunk {
		t.Errorf("granularity = %v, want chunk", h.engine.granularity)
	}
}

func TestRestartAfterStop(t *testing.T) {
	h := newHarness(t, nil)

	for round := range 2 {
		h.start()
		h.engine.resolutionChange(h.engine.format)
		if err := h.dec.SubmitCompressedUnit(nal(0x65, 1, 2, 3), 0, int64(round)); err != nil {
			t.Fatalf("round %d submit: %v", round, err)
		}
		f := h.waitFrame()
		if f.slot != 0 || f.pts != int64(round) {
			t.Errorf("round %d frame = %+v, want slot 0", round, f)
		}
		h.dec.Stop()
		if got := h.alloc.Live(); got != 0 {
			t.Errorf("round %d live surfaces = %d", round, got)
		}
	}
}

func TestEventsPublished(t *testing.T) {
	bus := events.New()
	negotiated := make(chan events.FormatNegotiatedEvent, 1)
	stopped := make(chan events.DecoderStoppedEvent, 1)
	defer bus.Subscribe(func(e events.FormatNegotiatedEvent) { negotiated <- e })()
	defer bus.Subscribe(func(e events.DecoderStoppedEvent) { stopped <- e })()

	h := newHarness(t, func(o *Options) { o.Events = bus })
	h.start()
	h.engine.resolutionChange(format1080p())

	select {
	case e := <-negotiated:
		if e.Width != 1920 || e.Height != 1080 || e.WorkingFormat != media.PixelFormatNV12.String() {
			t.Errorf("negotiated event = %+v", e)
		}
		if e.CaptureBuffers != h.engine.minBuffers+1 {
			t.Errorf("capture buffers = %d", e.CaptureBuffers)
		}
	case <-time.After(waitTimeout):
		t.Fatal("no FormatNegotiatedEvent")
	}

	h.dec.Stop()
	select {
	case e := <-stopped:
		if e.Decoder != t.Name() {
			t.Errorf("stopped event decoder = %q", e.Decoder)
		}
	case <-time.After(waitTimeout):
		t.Fatal("no DecoderStoppedEvent")
	}
}

func TestCropSizesRing(t *testing.T) {
	h := newHarness(t, nil)
	h.start()

	cf := h.engine.format
	cf.Width, cf.Height = 64, 64
	cf.Crop = media.Rect{Left: 0, Top: 0, Width: 64, Height: 48}
	h.engine.resolutionChange(cf)

	if err := h.dec.SubmitCompressedUnit(nal(0x65, 1, 2, 3), 0, 1); err != nil {
		t.Fatalf("submit: %v", err)
	}
	f := h.waitFrame()
	if f.width != 64 || f.height != 48 {
		t.Errorf("frame %dx%d, want cropped 64x48", f.width, f.height)
	}
}
