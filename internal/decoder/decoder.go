package decoder

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smazurov/hwdecode/internal/events"
	"github.com/smazurov/hwdecode/internal/logging"
	"github.com/smazurov/hwdecode/internal/media"
	"github.com/smazurov/hwdecode/internal/metrics"
	"github.com/smazurov/hwdecode/internal/surface"
)

// Defaults.
const (
	DefaultPreloadBuffers  = 2
	DefaultChunkSize       = 4_000_000
	DefaultEventTimeout    = 50 * time.Millisecond
	DefaultDequeueInterval = time.Millisecond
	DefaultReclaimTimeout  = time.Second
)

// PacketFlags modify a SubmitCompressedUnit call.
type PacketFlags uint32

const (
	// FlagEndOfStream queues an end-of-stream marker after the packet. The
	// engine drains and the worker exits once the last frame is delivered.
	FlagEndOfStream PacketFlags = 1 << iota
)

// Config holds the pipeline parameters.
type Config struct {
	Name           string
	Codec          media.Codec
	OutputFormat   media.PixelFormat
	PreloadBuffers int
	ChunkSize      int
	MaxPerformance bool
	DisableReorder bool

	EventTimeout    time.Duration
	DequeueInterval time.Duration
	ReclaimTimeout  time.Duration
	// HoldTimeout is how long the worker waits for a retained ring slot
	// before dropping the frame. Zero drops immediately.
	HoldTimeout time.Duration
}

// DefaultConfig returns the configuration used by the CLI.
func DefaultConfig() Config {
	return Config{
		Name:            "dec0",
		Codec:           media.CodecH264,
		OutputFormat:    media.PixelFormatNV12,
		PreloadBuffers:  DefaultPreloadBuffers,
		ChunkSize:       DefaultChunkSize,
		MaxPerformance:  true,
		DisableReorder:  true,
		EventTimeout:    DefaultEventTimeout,
		DequeueInterval: DefaultDequeueInterval,
		ReclaimTimeout:  DefaultReclaimTimeout,
	}
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "dec0"
	}
	if c.PreloadBuffers <= 0 {
		c.PreloadBuffers = DefaultPreloadBuffers
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.EventTimeout <= 0 {
		c.EventTimeout = DefaultEventTimeout
	}
	if c.DequeueInterval <= 0 {
		c.DequeueInterval = DefaultDequeueInterval
	}
	if c.ReclaimTimeout <= 0 {
		c.ReclaimTimeout = DefaultReclaimTimeout
	}
	return c
}

// Options wires a Decoder to its collaborators.
type Options struct {
	Config    Config
	NewEngine EngineFactory
	// Allocator serves the CPU-visible output ring. It also serves the
	// working set unless the engine implements WorkingSetProvider.
	Allocator surface.Allocator
	// Transformer overrides the software copy transformer.
	Transformer surface.Transformer
	// Delivery defaults to a PollDelivery.
	Delivery Delivery
	Events   *events.Bus
	Logger   *slog.Logger
	// Sleep replaces time.Sleep in the worker's retry loops.
	Sleep func(time.Duration)
}

// Stats is a snapshot of a pipeline.
type Stats struct {
	Name             string                 `json:"name"`
	State            State                  `json:"state"`
	Worker           WorkerState            `json:"worker"`
	Format           media.FormatDescriptor `json:"format"`
	PacketsSubmitted uint64                 `json:"packets_submitted"`
	PacketsDropped   uint64                 `json:"packets_dropped"`
	FramesDelivered  uint64                 `json:"frames_delivered"`
	FramesDropped    uint64                 `json:"frames_dropped"`
}

// Decoder is a hardware decode pipeline. Start, Stop and the Submit methods
// are meant for one caller goroutine; frames are produced on an internal
// worker goroutine.
type Decoder struct {
	cfg         Config
	newEngine   EngineFactory
	alloc       surface.Allocator
	transformer surface.Transformer
	delivery    Delivery
	bus         *events.Bus
	logger      *slog.Logger
	sleep       func(time.Duration)

	// mu serializes Start, Stop and submissions. Accessors read the
	// atomics below so they stay usable from a frame callback.
	mu      sync.Mutex
	state   atomic.Value // State
	current atomic.Pointer[session]
	lastErr atomic.Pointer[error]
}

// New creates a decoder in the ready state.
func New(opts Options) *Decoder {
	cfg := opts.Config.withDefaults()

	logger := opts.Logger
	if logger == nil {
		logger = logging.GetLogger("decoder")
	}
	alloc := opts.Allocator
	if alloc == nil {
		alloc = surface.NewHeapAllocator(0)
	}
	delivery := opts.Delivery
	if delivery == nil {
		delivery = NewPollDelivery()
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}

	d := &Decoder{
		cfg:         cfg,
		newEngine:   opts.NewEngine,
		alloc:       alloc,
		transformer: opts.Transformer,
		delivery:    delivery,
		bus:         opts.Events,
		logger:      logger.With("decoder", cfg.Name),
		sleep:       sleep,
	}
	d.state.Store(StateReady)
	return d
}

// Name returns the instance name.
func (d *Decoder) Name() string {
	return d.cfg.Name
}

// Start opens the engine, configures it and launches the decode worker.
// Rejected engine options are logged as warnings and do not fail Start. It
// returns false when called while started or when no engine can be opened.
func (d *Decoder) Start() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if st := d.State(); st != StateReady {
		d.logger.Error("Start called in unexpected state", "error", newError(KindUnexpectedState, "start", fmt.Errorf("state %s", st)))
		return false
	}
	if d.newEngine == nil {
		d.logger.Error("No engine configured")
		return false
	}

	d.logger.Debug("Starting decoder", "codec", d.cfg.Codec, "format", d.cfg.OutputFormat)

	engine, err := d.newEngine()
	if err != nil {
		d.logger.Error("Failed to open engine", "error", err)
		return false
	}

	working := d.alloc
	if p, ok := engine.(WorkingSetProvider); ok {
		working = p.WorkingAllocator()
	}
	transformer := d.transformer
	if transformer == nil {
		transformer = surface.NewCopyTransformer(working, d.alloc)
	}

	depth := d.configure(engine)

	s := &session{
		name:        d.cfg.Name,
		cfg:         d.cfg,
		logger:      d.logger,
		bus:         d.bus,
		delivery:    d.delivery,
		sleep:       d.sleep,
		engine:      engine,
		working:     working,
		transformer: transformer,
		ingress:     newIngressRing(engine, depth, d.cfg.ReclaimTimeout),
		ring:        newFrameRing(d.alloc),
		done:        make(chan struct{}),
	}
	s.setPhase(WorkerIdle)

	d.current.Store(s)
	d.lastErr.Store(nil)
	d.state.Store(StateStarted)
	go s.run()

	metrics.SetStarted(d.cfg.Name, true)
	d.bus.Publish(events.DecoderStartedEvent{
		Decoder:   d.cfg.Name,
		Codec:     d.cfg.Codec.String(),
		Format:    d.cfg.OutputFormat.String(),
		Timestamp: time.Now().Format(time.RFC3339),
	})
	d.logger.Info("Decoder started", "codec", d.cfg.Codec, "format", d.cfg.OutputFormat, "preload", depth)
	return true
}

// configure applies the engine options and returns the ingress depth.
func (d *Decoder) configure(engine Engine) int {
	warn := func(op string, err error) {
		if err != nil {
			d.logger.Warn("Engine option rejected", "error", newError(KindConfigurationWarning, op, err))
		}
	}

	warn("subscribe resolution change", engine.SubscribeResolutionChange())
	warn("set input format", engine.SetInputFormat(d.cfg.Codec, d.cfg.ChunkSize))
	granularity := InputNALUnit
	if !d.cfg.Codec.NALFramed() {
		granularity = InputChunk
	}
	warn("set input granularity", engine.SetInputGranularity(granularity))
	if d.cfg.DisableReorder {
		warn("disable picture reorder", engine.DisablePictureReorder())
	}
	if d.cfg.MaxPerformance {
		warn("set max performance", engine.SetMaxPerformance(true))
	}

	depth, err := engine.SetupInput(d.cfg.PreloadBuffers)
	warn("set up input", err)
	if depth <= 0 {
		depth = d.cfg.PreloadBuffers
	}
	warn("start input streaming", engine.SetInputStreaming(true))
	return depth
}

// Stop flushes the engine, waits for the worker to exit and releases every
// buffer. It blocks until the worker has observed the EOS flag or failed.
func (d *Decoder) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if st := d.State(); st != StateStarted {
		d.logger.Error("Stop called in unexpected state", "error", newError(KindUnexpectedState, "stop", fmt.Errorf("state %s", st)))
		return
	}

	d.logger.Debug("Stopping decoder")
	s := d.current.Load()
	s.eos.Store(true)
	if err := s.ingress.Submit(nil, 0, true); err != nil {
		d.logger.Debug("End-of-stream marker not queued", "error", err)
	}
	<-s.done

	d.delivery.Reset()
	if err := s.releaseWorkingSet(); err != nil {
		d.logger.Warn("Failed to free working set", "error", err)
	}
	if err := s.ring.release(); err != nil {
		d.logger.Warn("Failed to free output ring", "error", err)
	}
	if err := s.engine.Close(); err != nil {
		d.logger.Warn("Failed to close engine", "error", err)
	}
	s.ingress.reset()
	s.setFormat(media.FormatDescriptor{}, media.Rect{})

	if err := s.workerErr(); err != nil {
		d.lastErr.Store(&err)
	}
	frames := s.framesDelivered.Load()
	d.current.Store(nil)
	d.state.Store(StateReady)

	metrics.SetStarted(d.cfg.Name, false)
	d.bus.Publish(events.DecoderStoppedEvent{
		Decoder:       d.cfg.Name,
		FramesDecoded: frames,
		Timestamp:     time.Now().Format(time.RFC3339),
	})
	d.logger.Info("Decoder stopped", "frames", frames)
}

// SubmitCompressedUnit queues one access unit. NAL-framed codecs are split
// on start codes and every NAL unit carries pts (microseconds). A nil buf
// queues an end-of-stream marker.
//
// ErrNoSlot means the engine held every ingress slot past ReclaimTimeout;
// the unit, or its remaining NAL units, was dropped and counted.
func (d *Decoder) SubmitCompressedUnit(buf []byte, flags PacketFlags, pts int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := d.current.Load()
	if s == nil {
		return ErrNotStarted
	}

	if buf == nil {
		return d.submit(s, nil, pts)
	}

	var err error
	if d.cfg.Codec.NALFramed() {
		for seg := range Segments(buf) {
			if err != nil {
				d.dropped(s, pts)
				continue
			}
			err = d.submit(s, seg, pts)
		}
	} else {
		err = d.submit(s, buf, pts)
	}

	if flags&FlagEndOfStream != 0 {
		err = errors.Join(err, d.submit(s, nil, pts))
	}
	return err
}

func (d *Decoder) submit(s *session, payload []byte, pts int64) error {
	err := s.ingress.Submit(payload, pts, payload == nil)
	if err != nil {
		metrics.IncPacketsDropped(d.cfg.Name)
		d.bus.Publish(events.PacketDroppedEvent{
			Decoder:   d.cfg.Name,
			PTS:       pts,
			Dropped:   s.ingress.dropped.Load(),
			Timestamp: time.Now().Format(time.RFC3339),
		})
		if errors.Is(err, ErrNoSlot) {
			d.logger.Debug("Packet dropped, no ingress slot", "pts", pts)
		} else {
			d.logger.Error("Packet dropped", "pts", pts, "error", err)
		}
		return err
	}
	metrics.IncPacketsSubmitted(d.cfg.Name)
	return nil
}

// dropped accounts for a NAL unit skipped after an earlier failure in the
// same access unit.
func (d *Decoder) dropped(s *session, pts int64) {
	s.ingress.dropped.Add(1)
	metrics.IncPacketsDropped(d.cfg.Name)
	d.bus.Publish(events.PacketDroppedEvent{
		Decoder:   d.cfg.Name,
		PTS:       pts,
		Dropped:   s.ingress.dropped.Load(),
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

// SubmitCompressedUnit2 submits buf and then copies the oldest undelivered
// frame into dst, rows packed without padding. It needs a PollDelivery;
// with any other delivery it only submits. n is zero when no frame was
// ready.
func (d *Decoder) SubmitCompressedUnit2(buf []byte, flags PacketFlags, pts int64, dst []byte) (n int, framePTS int64, err error) {
	if err := d.SubmitCompressedUnit(buf, flags, pts); err != nil && !errors.Is(err, ErrNoSlot) {
		return 0, 0, err
	}
	poll, ok := d.delivery.(*PollDelivery)
	if !ok {
		return 0, 0, nil
	}
	n, framePTS, _, err = poll.CopyNext(dst)
	return n, framePTS, err
}

// NextFrame pops the oldest undelivered frame of a PollDelivery. The caller
// must Release it.
func (d *Decoder) NextFrame() (*Frame, bool) {
	poll, ok := d.delivery.(*PollDelivery)
	if !ok {
		return nil, false
	}
	return poll.Next()
}

// State returns the lifecycle state.
func (d *Decoder) State() State {
	return d.state.Load().(State)
}

// Done is closed when the decode worker exits. It returns nil while the
// decoder is not started.
func (d *Decoder) Done() <-chan struct{} {
	if s := d.current.Load(); s != nil {
		return s.done
	}
	return nil
}

// Err returns the error that ended the worker of the current or most recent
// session, or nil.
func (d *Decoder) Err() error {
	if s := d.current.Load(); s != nil {
		return s.workerErr()
	}
	if p := d.lastErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Format returns the negotiated format, zero before the first resolution
// change and after Stop.
func (d *Decoder) Format() media.FormatDescriptor {
	if s := d.current.Load(); s != nil {
		return s.currentFormat()
	}
	return media.FormatDescriptor{}
}

// Stats returns a snapshot of the current session. It is safe to call from
// a frame callback.
func (d *Decoder) Stats() Stats {
	st := Stats{Name: d.cfg.Name, State: d.State(), Worker: WorkerIdle}
	s := d.current.Load()
	if s == nil {
		return st
	}
	st.Worker = s.workerState()
	st.Format = s.currentFormat()
	st.PacketsSubmitted = s.ingress.submitted.Load()
	st.PacketsDropped = s.ingress.dropped.Load()
	st.FramesDelivered = s.framesDelivered.Load()
	st.FramesDropped = s.framesDropped.Load()
	return st
}
