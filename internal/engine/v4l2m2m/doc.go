// Package v4l2m2m drives a V4L2 stateful memory-to-memory decoder as a
// decoder.Engine. The OUTPUT queue carries compressed input from mmap'd
// buffers; the CAPTURE queue buffers double as the working set and are served
// to the pipeline through WorkingAllocator.
//
// Only 64-bit Linux is supported; on other targets Open returns
// ErrUnsupported.
package v4l2m2m

import "errors"

// ErrUnsupported is returned where the engine cannot run.
var ErrUnsupported = errors.New("v4l2m2m: unsupported platform")
