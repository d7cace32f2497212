// Package v4l2 provides pure Go bindings to the Video4Linux2 memory-to-memory
// decoder API: device discovery, multi-planar format negotiation, MMAP buffer
// queues, events, controls and decoder commands.
//
// This package does not use cgo. The ioctl structures are laid out for 64-bit
// Linux (amd64, arm64); other targets build an empty package.
//
// # Device Discovery
//
// Use FindDecoders to list stateful decoders and the codecs they accept:
//
//	decoders, err := v4l2.FindDecoders()
//	for _, dec := range decoders {
//	    fmt.Printf("%s: %s %v\n", dec.DevicePath, dec.DeviceName, dec.Codecs)
//	}
//
// # Buffer Queues
//
// A decoder has an OUTPUT queue (compressed input) and a CAPTURE queue
// (decoded frames). Both are driven with RequestBuffers, QueryBuffer,
// QueueBuffer and DequeueBuffer:
//
//	dev, _ := v4l2.Open("/dev/video10")
//	defer dev.Close()
//	n, _ := dev.RequestBuffers(v4l2.BufTypeOutputMplane, v4l2.MemoryMMAP, 2)
//
// # Events
//
// Resolution changes are reported as source change events. Poll for
// unix.POLLPRI and call DequeueEvent:
//
//	_ = dev.SubscribeEvent(v4l2.EventSourceChange)
//	if rev, _ := dev.Poll(unix.POLLPRI, 50*time.Millisecond); rev&unix.POLLPRI != 0 {
//	    ev, _ := dev.DequeueEvent()
//	}
package v4l2
