//go:build linux && (amd64 || arm64)

package v4l2

import (
	"errors"
	"syscall"
	"testing"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// TestErrnoComparison verifies that errors.Is works correctly with syscall.Errno.
// The decoder engine relies on it to tell EAGAIN and EPIPE from hard errors.
func TestErrnoComparison(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		target   error
		expected bool
	}{
		{name: "EAGAIN matches unix.EAGAIN", err: syscall.EAGAIN, target: unix.EAGAIN, expected: true},
		{name: "EPIPE matches EPIPE", err: syscall.EPIPE, target: syscall.EPIPE, expected: true},
		{name: "ENOTTY matches ENOTTY", err: syscall.ENOTTY, target: syscall.ENOTTY, expected: true},
		{name: "EAGAIN does not match EPIPE", err: syscall.EAGAIN, target: syscall.EPIPE, expected: false},
		{name: "EINVAL matches EINVAL", err: syscall.EINVAL, target: syscall.EINVAL, expected: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := errors.Is(tt.err, tt.target)
			if result != tt.expected {
				t.Errorf("errors.Is(%v, %v) = %v, want %v",
					tt.err, tt.target, result, tt.expected)
			}
		})
	}

	if !IsWouldBlock(syscall.EAGAIN) || IsWouldBlock(syscall.EIO) {
		t.Error("IsWouldBlock misclassified errno")
	}
}

// ioc builds an ioctl request number as the _IOC macro does.
func ioc(dir, nr, size uintptr) uint {
	return uint(dir<<30 | size<<16 | 'V'<<8 | nr)
}

const (
	iocWrite = 1
	iocRead  = 2
)

func TestIoctlNumbers(t *testing.T) {
	tests := []struct {
		name string
		got  uint
		want uint
	}{
		{"QUERYCAP", vidiocQuerycap, ioc(iocRead, 0, unsafe.Sizeof(v4l2Capability{}))},
		{"ENUM_FMT", vidiocEnumFmt, ioc(iocRead|iocWrite, 2, unsafe.Sizeof(v4l2Fmtdesc{}))},
		{"G_FMT", vidiocGFmt, ioc(iocRead|iocWrite, 4, unsafe.Sizeof(v4l2Format{}))},
		{"S_FMT", vidiocSFmt, ioc(iocRead|iocWrite, 5, unsafe.Sizeof(v4l2Format{}))},
		{"REQBUFS", vidiocReqbufs, ioc(iocRead|iocWrite, 8, unsafe.Sizeof(v4l2RequestBuffers{}))},
		{"QUERYBUF", vidiocQuerybuf, ioc(iocRead|iocWrite, 9, unsafe.Sizeof(v4l2Buffer{}))},
		{"QBUF", vidiocQbuf, ioc(iocRead|iocWrite, 15, unsafe.Sizeof(v4l2Buffer{}))},
		{"DQBUF", vidiocDqbuf, ioc(iocRead|iocWrite, 17, unsafe.Sizeof(v4l2Buffer{}))},
		{"STREAMON", vidiocStreamon, ioc(iocWrite, 18, 4)},
		{"STREAMOFF", vidiocStreamoff, ioc(iocWrite, 19, 4)},
		{"G_CTRL", vidiocGCtrl, ioc(iocRead|iocWrite, 27, unsafe.Sizeof(v4l2Control{}))},
		{"S_CTRL", vidiocSCtrl, ioc(iocRead|iocWrite, 28, unsafe.Sizeof(v4l2Control{}))},
		{"CROPCAP", vidiocCropcap, ioc(iocRead|iocWrite, 58, unsafe.Sizeof(v4l2Cropcap{}))},
		{"DQEVENT", vidiocDqevent, ioc(iocRead, 89, unsafe.Sizeof(v4l2Event{}))},
		{"SUBSCRIBE_EVENT", vidiocSubscribeEvent, ioc(iocWrite, 90, unsafe.Sizeof(v4l2EventSubscription{}))},
		{"UNSUBSCRIBE_EVENT", vidiocUnsubscribeEvent, ioc(iocWrite, 91, unsafe.Sizeof(v4l2EventSubscription{}))},
		{"G_SELECTION", vidiocGSelection, ioc(iocRead|iocWrite, 94, unsafe.Sizeof(v4l2Selection{}))},
		{"DECODER_CMD", vidiocDecoderCmd, ioc(iocRead|iocWrite, 96, unsafe.Sizeof(v4l2DecoderCmd{}))},
	}

	// DQEVENT copies out the kernel's 136-byte struct.
	if vidiocDqevent != 0x80885659 {
		t.Errorf("VIDIOC_DQEVENT = 0x%08x, want 0x80885659", vidiocDqevent)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("VIDIOC_%s = 0x%08x, want 0x%08x", tt.name, tt.got, tt.want)
			}
		})
	}
}

func TestStructOffsets(t *testing.T) {
	var b v4l2Buffer
	var p v4l2PixFormatMplane
	var e v4l2Event

	tests := []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"v4l2_buffer.timestamp", unsafe.Offsetof(b.timestamp), 24},
		{"v4l2_buffer.sequence", unsafe.Offsetof(b.sequence), 56},
		{"v4l2_buffer.m", unsafe.Offsetof(b.m), 64},
		{"v4l2_buffer.length", unsafe.Offsetof(b.length), 72},
		{"v4l2_pix_format_mplane.plane_fmt", unsafe.Offsetof(p.planeFmt), 20},
		{"v4l2_pix_format_mplane.num_planes", unsafe.Offsetof(p.numPlanes), 180},
		{"v4l2_pix_format_mplane.quantization", unsafe.Offsetof(p.quantization), 183},
		{"v4l2_event.pending", unsafe.Offsetof(e.pending), 72},
		{"v4l2_event.id", unsafe.Offsetof(e.id), 96},
		{"v4l2_event.reserved", unsafe.Offsetof(e.reserved), 100},
		{"sizeof v4l2_event", unsafe.Sizeof(e), 136},
	}

	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("offset of %s = %d, want %d", tt.name, tt.got, tt.want)
		}
	}
}

func TestFormatFourCC(t *testing.T) {
	tests := []struct {
		name     string
		format   uint32
		expected string
	}{
		{name: "H264 format", format: PixFmtH264, expected: "H264"},
		{name: "HEVC format", format: PixFmtHEVC, expected: "HEVC"},
		{name: "AV1 format", format: PixFmtAV1, expected: "AV01"},
		{name: "NV12 format", format: PixFmtNV12, expected: "NV12"},
		{name: "NV12M format", format: PixFmtNV12M, expected: "NM12"},
		{name: "YUV420 format", format: PixFmtYUV420, expected: "YU12"},
		{name: "known constant", format: 0x3231564E, expected: "NV12"},
		{name: "null bytes", format: 0x00000000, expected: "\x00\x00\x00\x00"},
		{name: "mixed bytes", format: 0x01020304, expected: "\x04\x03\x02\x01"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := FormatFourCC(tt.format)
			if result != tt.expected {
				t.Errorf("FormatFourCC(0x%08X) = %q, want %q", tt.format, result, tt.expected)
			}
		})
	}
}

func TestPixFormatFromKernel(t *testing.T) {
	k := v4l2PixFormatMplane{
		width:        1920,
		height:       1088,
		pixelformat:  PixFmtNV12M,
		colorspace:   ColorspaceREC709,
		numPlanes:    2,
		quantization: QuantizationLimited,
	}
	k.planeFmt[0] = v4l2PlanePixFormat{sizeimage: 1920 * 1088, bytesperline: 1920}
	k.planeFmt[1] = v4l2PlanePixFormat{sizeimage: 1920 * 544, bytesperline: 1920}

	pf := pixFormatFromKernel(&k)
	if pf.Width != 1920 || pf.Height != 1088 || pf.PixelFormat != PixFmtNV12M {
		t.Errorf("geometry = %+v", pf)
	}
	if len(pf.Planes) != 2 || pf.Planes[1].SizeImage != 1920*544 {
		t.Errorf("planes = %+v", pf.Planes)
	}
	if pf.Colorspace != ColorspaceREC709 || pf.Quantization != QuantizationLimited {
		t.Errorf("colorimetry = %d/%d", pf.Colorspace, pf.Quantization)
	}
}

func TestBufferFromKernel(t *testing.T) {
	planes := make([]v4l2Plane, maxPlanes)
	planes[0] = v4l2Plane{bytesused: 100, length: 4096, m: 0x1000}
	planes[1] = v4l2Plane{bytesused: 50, length: 2048, m: 0x2000}
	b := v4l2Buffer{
		index:     3,
		flags:     BufFlagLast,
		sequence:  7,
		timestamp: timeval{sec: 12, usec: 345},
		length:    2,
	}

	buf := bufferFromKernel(&b, planes)
	if buf.Index != 3 || buf.Sequence != 7 || buf.Flags&BufFlagLast == 0 {
		t.Errorf("buffer = %+v", buf)
	}
	if buf.Sec != 12 || buf.Usec != 345 {
		t.Errorf("timestamp = %d.%06d", buf.Sec, buf.Usec)
	}
	if buf.BytesUsed != 150 || len(buf.Planes) != 2 || buf.Planes[1].Offset != 0x2000 {
		t.Errorf("planes = %+v bytesused %d", buf.Planes, buf.BytesUsed)
	}
}

func TestSourceChangeFlags(t *testing.T) {
	e := v4l2Event{typ: EventSourceChange}
	e.u[0] = EventSrcChResolution
	if got := e.srcChangeChanges(); got != EventSrcChResolution {
		t.Errorf("changes = %d", got)
	}
}

func TestPollTimeoutAndReady(t *testing.T) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer unix.Close(p[1])
	d := &Device{path: "pipe", fd: p[0]}
	defer d.Close()

	rev, err := d.Poll(unix.POLLIN, 10*time.Millisecond)
	if err != nil || rev != 0 {
		t.Fatalf("idle poll = %d, %v", rev, err)
	}

	if _, err := unix.Write(p[1], []byte{1}); err != nil {
		t.Fatal(err)
	}
	rev, err = d.Poll(unix.POLLIN, time.Second)
	if err != nil || rev&unix.POLLIN == 0 {
		t.Errorf("ready poll = %d, %v", rev, err)
	}

	if err := d.Close(); err != nil {
		t.Errorf("close: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}

func TestCstr(t *testing.T) {
	tests := []struct {
		in   []byte
		want string
	}{
		{[]byte("vicodec\x00\x00"), "vicodec"},
		{[]byte("full"), "full"},
		{[]byte{0, 'x'}, ""},
	}
	for _, tt := range tests {
		if got := cstr(tt.in); got != tt.want {
			t.Errorf("cstr(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
