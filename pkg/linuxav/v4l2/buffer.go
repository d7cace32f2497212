//go:build linux && (amd64 || arm64)

package v4l2

import (
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

// maxPlanes is VIDEO_MAX_PLANES.
const maxPlanes = 8

// RequestBuffers allocates count buffers on a queue and returns how many the
// driver granted. A count of zero frees the queue.
func (d *Device) RequestBuffers(bufType, memory uint32, count int) (int, error) {
	req := v4l2RequestBuffers{
		count:  uint32(count),
		typ:    bufType,
		memory: memory,
	}
	if err := ioctl(d.fd, vidiocReqbufs, unsafe.Pointer(&req)); err != nil {
		return 0, err
	}
	return int(req.count), nil
}

// QueryBuffer returns the plane lengths and mmap offsets of a buffer.
func (d *Device) QueryBuffer(bufType, memory uint32, index int) (Buffer, error) {
	var planes [maxPlanes]v4l2Plane
	b := v4l2Buffer{
		index:  uint32(index),
		typ:    bufType,
		memory: memory,
		m:      uint64(uintptr(unsafe.Pointer(&planes[0]))),
		length: maxPlanes,
	}
	err := ioctl(d.fd, vidiocQuerybuf, unsafe.Pointer(&b))
	runtime.KeepAlive(&planes)
	if err != nil {
		return Buffer{}, err
	}
	return bufferFromKernel(&b, planes[:]), nil
}

// QueueBuffer hands a buffer to the driver. For OUTPUT queues BytesUsed of
// each plane is the payload size; the timestamp travels with the buffer to
// the decoded frame.
func (d *Device) QueueBuffer(bufType, memory uint32, buf Buffer) error {
	if len(buf.Planes) == 0 || len(buf.Planes) > maxPlanes {
		return fmt.Errorf("buffer %d has %d planes", buf.Index, len(buf.Planes))
	}
	var planes [maxPlanes]v4l2Plane
	for i, p := range buf.Planes {
		planes[i] = v4l2Plane{bytesused: p.BytesUsed, length: p.Length, dataOffset: p.DataOffset}
		if memory == MemoryMMAP {
			planes[i].m = uint64(p.Offset)
		}
	}
	b := v4l2Buffer{
		index:     buf.Index,
		typ:       bufType,
		memory:    memory,
		flags:     buf.Flags,
		timestamp: timeval{sec: buf.Sec, usec: buf.Usec},
		m:         uint64(uintptr(unsafe.Pointer(&planes[0]))),
		length:    uint32(len(buf.Planes)),
	}
	err := ioctl(d.fd, vidiocQbuf, unsafe.Pointer(&b))
	runtime.KeepAlive(&planes)
	return err
}

// DequeueBuffer takes a completed buffer from the driver. It returns
// unix.EAGAIN when none is ready and unix.EPIPE after the last buffer of a
// drained CAPTURE queue.
func (d *Device) DequeueBuffer(bufType, memory uint32) (Buffer, error) {
	var planes [maxPlanes]v4l2Plane
	b := v4l2Buffer{
		typ:    bufType,
		memory: memory,
		m:      uint64(uintptr(unsafe.Pointer(&planes[0]))),
		length: maxPlanes,
	}
	err := ioctl(d.fd, vidiocDqbuf, unsafe.Pointer(&b))
	runtime.KeepAlive(&planes)
	if err != nil {
		return Buffer{}, err
	}
	return bufferFromKernel(&b, planes[:]), nil
}

func bufferFromKernel(b *v4l2Buffer, planes []v4l2Plane) Buffer {
	n := min(int(b.length), len(planes))
	buf := Buffer{
		Index:    b.index,
		Flags:    b.flags,
		Sequence: b.sequence,
		Sec:      b.timestamp.sec,
		Usec:     b.timestamp.usec,
		Planes:   make([]BufferPlane, n),
	}
	for i := range n {
		p := planes[i]
		buf.Planes[i] = BufferPlane{
			BytesUsed:  p.bytesused,
			Length:     p.length,
			Offset:     uint32(p.m),
			DataOffset: p.dataOffset,
		}
		buf.BytesUsed += p.bytesused
	}
	return buf
}

// StreamOn starts a queue.
func (d *Device) StreamOn(bufType uint32) error {
	t := int32(bufType)
	return ioctl(d.fd, vidiocStreamon, unsafe.Pointer(&t))
}

// StreamOff stops a queue and returns all its buffers to userspace.
func (d *Device) StreamOff(bufType uint32) error {
	t := int32(bufType)
	return ioctl(d.fd, vidiocStreamoff, unsafe.Pointer(&t))
}

// Mmap maps one buffer plane into memory.
func (d *Device) Mmap(offset, length uint32) ([]byte, error) {
	return unix.Mmap(d.fd, int64(offset), int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

// Munmap releases a mapping returned by Mmap.
func Munmap(b []byte) error {
	return unix.Munmap(b)
}
