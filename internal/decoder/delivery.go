package decoder

import "sync"

// Delivery hands decoded frames to the consumer. It is chosen once when the
// pipeline is built.
//
// Deliver runs on the decode worker goroutine, after the hardware buffer has
// been requeued. The worker does not dequeue again until Deliver returns, so
// blocking in it stalls decoding.
type Delivery interface {
	Deliver(f *Frame)
	// Reset drops anything still held. It is called by Stop after the worker
	// has exited.
	Reset()
}

// FrameHandler receives a decoded frame and its presentation timestamp in
// microseconds. The frame is borrowed; see Frame.
type FrameHandler func(f *Frame, pts int64)

// CallbackDelivery invokes a handler for every frame.
type CallbackDelivery struct {
	fn FrameHandler
}

// NewCallbackDelivery creates a delivery that calls fn on the worker
// goroutine. fn must not block.
func NewCallbackDelivery(fn FrameHandler) *CallbackDelivery {
	return &CallbackDelivery{fn: fn}
}

// Deliver implements Delivery.
func (c *CallbackDelivery) Deliver(f *Frame) {
	if c.fn != nil {
		c.fn(f, f.PTS)
	}
}

// Reset implements Delivery.
func (c *CallbackDelivery) Reset() {}

// PollDelivery queues frames for the consumer to pull. Queued frames are
// retained, so the worker skips their ring slots until they are consumed.
type PollDelivery struct {
	mu      sync.Mutex
	pending []*Frame
}

// NewPollDelivery creates an empty poll delivery.
func NewPollDelivery() *PollDelivery {
	return &PollDelivery{pending: make([]*Frame, 0, MaxVideoBuffers)}
}

// Deliver implements Delivery.
func (p *PollDelivery) Deliver(f *Frame) {
	f.Retain()
	p.mu.Lock()
	p.pending = append(p.pending, f)
	p.mu.Unlock()
}

// Next pops the oldest undelivered frame. The caller owns the reference and
// must Release the frame when done with it.
func (p *PollDelivery) Next() (*Frame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) == 0 {
		return nil, false
	}
	f := p.pending[0]
	p.pending[0] = nil
	p.pending = p.pending[1:]
	return f, true
}

// CopyNext copies the oldest undelivered frame into dst and releases it. It
// returns the bytes written and the frame timestamp; ok is false when no
// frame was pending.
func (p *PollDelivery) CopyNext(dst []byte) (n int, pts int64, ok bool, err error) {
	f, ok := p.Next()
	if !ok {
		return 0, 0, false, nil
	}
	defer f.Release()
	n, err = f.CopyTo(dst)
	return n, f.PTS, true, err
}

// Pending returns the number of queued frames.
func (p *PollDelivery) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Reset implements Delivery.
func (p *PollDelivery) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, f := range p.pending {
		f.Release()
		p.pending[i] = nil
	}
	p.pending = p.pending[:0]
}
