package decoder

import (
	"errors"
	"fmt"
)

// Kind classifies pipeline failures by how they propagate.
type Kind string

// Error kinds.
const (
	// KindConfigurationWarning is a rejected engine option at Start. The
	// pipeline proceeds degraded.
	KindConfigurationWarning Kind = "CONFIGURATION_WARNING"
	// KindTransientQueueEmpty is a queue with nothing to hand out yet. It is
	// retried locally and never surfaced to the caller.
	KindTransientQueueEmpty Kind = "TRANSIENT_QUEUE_EMPTY"
	// KindEngineHardError terminates the worker; the pipeline stays inert
	// until a Stop/Start cycle.
	KindEngineHardError Kind = "ENGINE_HARD_ERROR"
	// KindTransformError aborts decoding after the in-flight hardware buffer
	// has been requeued.
	KindTransformError Kind = "TRANSFORM_ERROR"
	// KindUnexpectedState is a Start/Stop call out of sequence.
	KindUnexpectedState Kind = "UNEXPECTED_STATE"
)

// Error is a classified pipeline error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Op)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of a classified error, or "" for other errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Sentinel errors shared with engine implementations.
var (
	// ErrWouldBlock is returned by an engine when a queue has nothing ready.
	ErrWouldBlock = errors.New("decoder: operation would block")
	// ErrEndOfStream is returned by Dequeue once the buffer carrying the
	// last-buffer marker has been consumed.
	ErrEndOfStream = errors.New("decoder: end of stream")
	// ErrNoSlot is returned by SubmitCompressedUnit when no ingress slot could
	// be reclaimed; the packet was dropped and the caller may retry.
	ErrNoSlot = errors.New("decoder: no ingress slot available")
	// ErrNotStarted is returned by operations that need a started pipeline.
	ErrNotStarted = errors.New("decoder: not started")
	// ErrShortBuffer is returned when a caller buffer cannot hold a frame.
	ErrShortBuffer = errors.New("decoder: destination buffer too small")
)
