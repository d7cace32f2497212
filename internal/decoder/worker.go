package decoder

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smazurov/hwdecode/internal/events"
	"github.com/smazurov/hwdecode/internal/media"
	"github.com/smazurov/hwdecode/internal/metrics"
	"github.com/smazurov/hwdecode/internal/surface"
)

// errStopped ends the worker without an error once Stop raised the EOS flag.
var errStopped = errors.New("stopped")

// errEngineFault is reported when the engine flags itself as failed.
var errEngineFault = errors.New("engine reported an error state")

// session is everything that exists only while a pipeline is started. The
// ingress ring belongs to the caller side; the rest is driven by the worker
// until done is closed.
type session struct {
	name        string
	cfg         Config
	logger      *slog.Logger
	bus         *events.Bus
	delivery    Delivery
	sleep       func(time.Duration)
	engine      Engine
	working     surface.Allocator
	transformer surface.Transformer

	ingress *ingressRing
	ring    *frameRing
	targets []surface.Handle

	eos   atomic.Bool
	done  chan struct{}
	phase atomic.Value // WorkerState

	mu     sync.Mutex
	format media.FormatDescriptor
	crop   media.Rect
	err    error

	seq             uint64
	framesDelivered atomic.Uint64
	framesDropped   atomic.Uint64
}

func (s *session) setPhase(p WorkerState) {
	s.phase.Store(p)
}

func (s *session) workerState() WorkerState {
	if p, ok := s.phase.Load().(WorkerState); ok {
		return p
	}
	return WorkerIdle
}

func (s *session) setFormat(f media.FormatDescriptor, crop media.Rect) {
	s.mu.Lock()
	s.format = f
	s.crop = crop
	s.mu.Unlock()
}

func (s *session) currentFormat() media.FormatDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format
}

func (s *session) sourceRect() media.Rect {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.crop
}

func (s *session) workerErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// run is the decode worker.
func (s *session) run() {
	defer close(s.done)
	defer s.setPhase(WorkerDone)

	s.setPhase(WorkerWaitFormat)
	err := s.waitFormat()
	if err == nil {
		s.setPhase(WorkerDecoding)
		err = s.decode()
	}
	if err == nil || errors.Is(err, errStopped) {
		s.logger.Debug("Decode worker finished", "frames", s.framesDelivered.Load())
		return
	}

	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.logger.Error("Decode worker stopped", "error", err)
	s.bus.Publish(events.DecoderErrorEvent{
		Decoder:   s.name,
		Kind:      string(KindOf(err)),
		Error:     err.Error(),
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

// waitFormat polls for the first resolution change and negotiates it.
func (s *session) waitFormat() error {
	for {
		if s.eos.Load() {
			return errStopped
		}
		ev, err := s.engine.WaitEvent(s.cfg.EventTimeout)
		if errors.Is(err, ErrWouldBlock) {
			continue
		}
		if err != nil {
			return newError(KindEngineHardError, "wait event", err)
		}
		if ev.Type != EventResolutionChange {
			s.logger.Warn("Unexpected engine event", "event", ev.Type)
			continue
		}

		s.setPhase(WorkerNegotiating)
		s.negotiate()
		return nil
	}
}

// decode is the steady-state loop.
func (s *session) decode() error {
	for {
		if s.eos.Load() {
			s.setPhase(WorkerDraining)
			return nil
		}
		if s.engine.InError() {
			return newError(KindEngineHardError, "decode", errEngineFault)
		}

		dec, err := s.dequeue()
		if errors.Is(err, ErrEndOfStream) || errors.Is(err, errStopped) {
			s.setPhase(WorkerDraining)
			return nil
		}
		if err != nil {
			return err
		}

		if err := s.process(dec); err != nil {
			return err
		}
		if dec.Last {
			s.setPhase(WorkerDraining)
			return nil
		}
	}
}

// dequeue waits for the next decoded buffer, sleeping DequeueInterval while
// the capture queue is empty.
func (s *session) dequeue() (Decoded, error) {
	var dec Decoded
	r := retry{interval: s.cfg.DequeueInterval, sleep: s.sleep}
	err := r.do(func() (bool, error) {
		if s.eos.Load() {
			return false, errStopped
		}
		d, err := s.engine.Dequeue()
		switch {
		case errors.Is(err, ErrWouldBlock):
			return false, nil
		case errors.Is(err, ErrEndOfStream):
			return false, err
		case err != nil:
			return false, newError(KindEngineHardError, "dequeue", err)
		}
		dec = d
		return true, nil
	})
	return dec, err
}

// process transforms one decoded buffer into the ring, requeues the buffer
// and delivers the frame. The buffer is requeued whatever the transform
// outcome.
func (s *session) process(dec Decoded) error {
	if dec.Index < 0 || dec.Index >= len(s.targets) {
		return newError(KindEngineHardError, "dequeue", errors.New("capture index out of range"))
	}
	target := s.targets[dec.Index]

	var (
		transformed bool
		terr        error
	)
	if dec.BytesUsed > 0 {
		if s.ring.ready() && s.slotFree() {
			slot := s.ring.current()
			terr = s.transformer.Transform(target, slot.handle, surface.TransformParams{
				Src:    s.sourceRect(),
				Filter: surface.FilterNearest,
			})
			transformed = terr == nil
		} else {
			s.framesDropped.Add(1)
			metrics.IncFramesDropped(s.name)
			s.logger.Debug("Dropping frame, output slot busy", "slot", s.ring.next, "pts", dec.Timestamp.Micros())
		}
	}

	if err := s.engine.QueueCapture(dec.Index, target); err != nil {
		if terr != nil {
			s.logger.Error("Failed to requeue capture buffer", "index", dec.Index, "error", err)
		} else {
			return newError(KindEngineHardError, "requeue", err)
		}
	}

	if terr != nil {
		metrics.IncTransformErrors(s.name)
		return newError(KindTransformError, "transform", terr)
	}
	if !transformed {
		return nil
	}

	s.seq++
	f := s.ring.frame(dec.Timestamp.Micros(), s.seq)
	s.delivery.Deliver(f)
	s.framesDelivered.Add(1)
	metrics.IncFramesDecoded(s.name)
	s.ring.advance()
	return nil
}

// slotFree waits up to HoldTimeout for consumers to release the current
// ring slot.
func (s *session) slotFree() bool {
	slot := s.ring.current()
	if slot.refs.Load() == 0 {
		return true
	}
	if s.cfg.HoldTimeout <= 0 {
		return false
	}
	r := retry{interval: s.cfg.DequeueInterval, timeout: s.cfg.HoldTimeout, sleep: s.sleep}
	err := r.do(func() (bool, error) {
		if s.eos.Load() {
			return false, errStopped
		}
		return slot.refs.Load() == 0, nil
	})
	return err == nil
}
