package decoder

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/smazurov/hwdecode/internal/media"
)

// SlotState tracks one ingress slot between the ring and the engine.
type SlotState int

// Ingress slot states.
const (
	SlotFree SlotState = iota
	SlotSubmitted
	SlotReclaimed
)

func (s SlotState) String() string {
	switch s {
	case SlotSubmitted:
		return "submitted"
	case SlotReclaimed:
		return "reclaimed"
	default:
		return "free"
	}
}

// ingressRing owns the compressed-input slots of one pipeline. It is only
// touched from the caller's goroutine.
type ingressRing struct {
	engine         Engine
	states         []SlotState
	preloaded      int
	spare          []int // claimed slots the engine did not keep
	reclaimTimeout time.Duration

	submitted atomic.Uint64
	dropped   atomic.Uint64
}

func newIngressRing(engine Engine, depth int, reclaimTimeout time.Duration) *ingressRing {
	return &ingressRing{
		engine:         engine,
		states:         make([]SlotState, depth),
		reclaimTimeout: reclaimTimeout,
	}
}

// Submit queues one compressed packet. A nil payload is submitted as an
// empty end-of-stream marker. ErrNoSlot means the packet was dropped.
func (r *ingressRing) Submit(payload []byte, pts int64, eos bool) error {
	if payload == nil {
		eos = true
	}

	slot, err := r.claim()
	if err != nil {
		r.dropped.Add(1)
		return err
	}

	queued, err := r.engine.Submit(slot, payload, media.TimevalFromMicros(pts), eos)
	if err != nil {
		r.spare = append(r.spare, slot)
		r.dropped.Add(1)
		return newError(KindEngineHardError, "submit", err)
	}
	r.submitted.Add(1)
	if !queued {
		r.spare = append(r.spare, slot)
		return nil
	}
	r.states[slot] = SlotSubmitted
	return nil
}

// claim returns a slot the ring owns: a spare one, the next never-used one
// while preloading, or one reclaimed from the engine.
func (r *ingressRing) claim() (int, error) {
	if n := len(r.spare); n > 0 {
		slot := r.spare[n-1]
		r.spare = r.spare[:n-1]
		return slot, nil
	}

	if r.preloaded < len(r.states) {
		slot := r.preloaded
		r.preloaded++
		return slot, nil
	}

	slot, err := r.engine.Reclaim(r.reclaimTimeout)
	if errors.Is(err, ErrWouldBlock) {
		return -1, ErrNoSlot
	}
	if err != nil {
		return -1, newError(KindEngineHardError, "reclaim", err)
	}
	if slot < 0 || slot >= len(r.states) {
		return -1, newError(KindEngineHardError, "reclaim", fmt.Errorf("slot %d out of range", slot))
	}
	if r.states[slot] != SlotSubmitted {
		return -1, newError(KindEngineHardError, "reclaim", fmt.Errorf("slot %d reclaimed while %s", slot, r.states[slot]))
	}
	r.states[slot] = SlotReclaimed
	return slot, nil
}

// outstanding returns the number of slots currently held by the engine.
func (r *ingressRing) outstanding() int {
	n := 0
	for _, s := range r.states {
		if s == SlotSubmitted {
			n++
		}
	}
	return n
}

// reset returns every slot to the free state.
func (r *ingressRing) reset() {
	clear(r.states)
	r.preloaded = 0
	r.spare = r.spare[:0]
}
