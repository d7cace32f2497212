//go:build linux && (amd64 || arm64)

package v4l2

import "unsafe"

// Compile-time struct size assertions.
// These will cause build failures if struct sizes don't match kernel expectations.
var (
	_ [104]byte = [unsafe.Sizeof(v4l2Capability{})]byte{}
	_ [64]byte  = [unsafe.Sizeof(v4l2Fmtdesc{})]byte{}
	_ [192]byte = [unsafe.Sizeof(v4l2PixFormatMplane{})]byte{}
	_ [208]byte = [unsafe.Sizeof(v4l2Format{})]byte{}
	_ [20]byte  = [unsafe.Sizeof(v4l2RequestBuffers{})]byte{}
	_ [64]byte  = [unsafe.Sizeof(v4l2Plane{})]byte{}
	_ [88]byte  = [unsafe.Sizeof(v4l2Buffer{})]byte{}
	_ [32]byte  = [unsafe.Sizeof(v4l2EventSubscription{})]byte{}
	_ [136]byte = [unsafe.Sizeof(v4l2Event{})]byte{}
	_ [64]byte  = [unsafe.Sizeof(v4l2Selection{})]byte{}
	_ [44]byte  = [unsafe.Sizeof(v4l2Cropcap{})]byte{}
	_ [8]byte   = [unsafe.Sizeof(v4l2Control{})]byte{}
	_ [72]byte  = [unsafe.Sizeof(v4l2DecoderCmd{})]byte{}
)

// IOCTL constants for 64-bit architectures.
const (
	vidiocQuerycap         = 0x80685600
	vidiocEnumFmt          = 0xc0405602
	vidiocGFmt             = 0xc0d05604
	vidiocSFmt             = 0xc0d05605
	vidiocReqbufs          = 0xc0145608
	vidiocQuerybuf         = 0xc0585609
	vidiocQbuf             = 0xc058560f
	vidiocDqbuf            = 0xc0585611
	vidiocStreamon         = 0x40045612
	vidiocStreamoff        = 0x40045613
	vidiocGCtrl            = 0xc008561b
	vidiocSCtrl            = 0xc008561c
	vidiocCropcap          = 0xc02c563a
	vidiocDqevent          = 0x80885659
	vidiocSubscribeEvent   = 0x4020565a
	vidiocUnsubscribeEvent = 0x4020565b
	vidiocGSelection       = 0xc040565e
	vidiocDecoderCmd       = 0xc0485660
)

// v4l2Capability has size 104 bytes.
type v4l2Capability struct {
	driver       [16]byte  // offset 0
	card         [32]byte  // offset 16
	busInfo      [32]byte  // offset 48
	version      uint32    // offset 80
	capabilities uint32    // offset 84
	deviceCaps   uint32    // offset 88
	reserved     [3]uint32 // offset 92
}

// v4l2Fmtdesc has size 64 bytes.
type v4l2Fmtdesc struct {
	index       uint32    // offset 0
	typ         uint32    // offset 4
	flags       uint32    // offset 8
	description [32]byte  // offset 12
	pixelformat uint32    // offset 44
	mbusCode    uint32    // offset 48
	reserved    [3]uint32 // offset 52
}

// v4l2PlanePixFormat has size 20 bytes.
type v4l2PlanePixFormat struct {
	sizeimage    uint32
	bytesperline uint32
	reserved     [6]uint16
}

// v4l2PixFormatMplane has size 192 bytes (packed in the kernel header).
type v4l2PixFormatMplane struct {
	width        uint32                // offset 0
	height       uint32                // offset 4
	pixelformat  uint32                // offset 8
	field        uint32                // offset 12
	colorspace   uint32                // offset 16
	planeFmt     [8]v4l2PlanePixFormat // offset 20
	numPlanes    uint8                 // offset 180
	flags        uint8                 // offset 181
	ycbcrEnc     uint8                 // offset 182
	quantization uint8                 // offset 183
	xferFunc     uint8                 // offset 184
	reserved     [7]uint8              // offset 185
}

// v4l2Format has size 208 bytes. The union is 200 bytes and 8-byte aligned
// because other members carry pointers.
type v4l2Format struct {
	typ uint32              // offset 0
	_   uint32              // padding
	pix v4l2PixFormatMplane // offset 8
	_   [8]byte             // rest of the union
}

// v4l2RequestBuffers has size 20 bytes.
type v4l2RequestBuffers struct {
	count        uint32
	typ          uint32
	memory       uint32
	capabilities uint32
	flags        uint8
	reserved     [3]uint8
}

// v4l2Plane has size 64 bytes.
type v4l2Plane struct {
	bytesused  uint32     // offset 0
	length     uint32     // offset 4
	m          uint64     // offset 8 - mem_offset / userptr / fd
	dataOffset uint32     // offset 16
	reserved   [11]uint32 // offset 20
}

// v4l2Buffer has size 88 bytes.
type v4l2Buffer struct {
	index     uint32   // offset 0
	typ       uint32   // offset 4
	bytesused uint32   // offset 8
	flags     uint32   // offset 12
	field     uint32   // offset 16
	_         uint32   // padding
	timestamp timeval  // offset 24
	timecode  [16]byte // offset 40
	sequence  uint32   // offset 56
	memory    uint32   // offset 60
	m         uint64   // offset 64 - planes pointer for multi-planar types
	length    uint32   // offset 72 - number of planes
	reserved2 uint32   // offset 76
	requestFd uint32   // offset 80
	_         uint32   // padding to 88
}

type timeval struct {
	sec  int64
	usec int64
}

// v4l2EventSubscription has size 32 bytes.
type v4l2EventSubscription struct {
	typ      uint32    // offset 0
	id       uint32    // offset 4
	flags    uint32    // offset 8
	reserved [5]uint32 // offset 12
}

// v4l2Event has size 136 bytes.
type v4l2Event struct {
	typ       uint32    // offset 0
	_         [4]byte   // padding
	u         [64]byte  // offset 8 - union containing src_change at offset 0
	pending   uint32    // offset 72
	sequence  uint32    // offset 76
	timestamp [16]byte  // offset 80 - struct timespec
	id        uint32    // offset 96
	reserved  [8]uint32 // offset 100
	_         [4]byte   // timespec alignment pads the tail to 136
}

// srcChangeChanges extracts the changes field from the event union.
func (e *v4l2Event) srcChangeChanges() uint32 {
	return uint32(e.u[0]) | uint32(e.u[1])<<8 | uint32(e.u[2])<<16 | uint32(e.u[3])<<24
}

// v4l2Rect has size 16 bytes.
type v4l2Rect struct {
	left   int32
	top    int32
	width  uint32
	height uint32
}

// v4l2Selection has size 64 bytes.
type v4l2Selection struct {
	typ      uint32    // offset 0
	target   uint32    // offset 4
	flags    uint32    // offset 8
	r        v4l2Rect  // offset 12
	reserved [9]uint32 // offset 28
}

// v4l2Cropcap has size 44 bytes.
type v4l2Cropcap struct {
	typ         uint32   // offset 0
	bounds      v4l2Rect // offset 4
	defrect     v4l2Rect // offset 20
	numerator   uint32   // offset 36 - pixelaspect
	denominator uint32   // offset 40
}

// v4l2Control has size 8 bytes.
type v4l2Control struct {
	id    uint32
	value int32
}

// v4l2DecoderCmd has size 72 bytes.
type v4l2DecoderCmd struct {
	cmd   uint32
	flags uint32
	raw   [16]uint32 // union of stop/start/raw parameters
}
