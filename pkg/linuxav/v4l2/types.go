//go:build linux && (amd64 || arm64)

package v4l2

// DeviceInfo contains information about a V4L2 decoder device.
type DeviceInfo struct {
	DevicePath string
	DeviceName string
	Driver     string
	BusInfo    string
	Caps       uint32
	Codecs     []uint32 // compressed formats accepted on the OUTPUT queue
}

// FormatInfo contains information about a supported pixel format.
type FormatInfo struct {
	PixelFormat uint32
	FormatName  string
	Compressed  bool
	Emulated    bool
}

// PlaneFormat is the size of one plane of a multi-planar format.
type PlaneFormat struct {
	SizeImage    uint32
	BytesPerLine uint32
}

// PixFormat is a multi-planar image format.
type PixFormat struct {
	Width        uint32
	Height       uint32
	PixelFormat  uint32
	Colorspace   uint32
	Quantization uint8
	Planes       []PlaneFormat
}

// Rect is a selection rectangle.
type Rect struct {
	Left   int32
	Top    int32
	Width  uint32
	Height uint32
}

// BufferPlane describes one plane of a queued or dequeued buffer.
type BufferPlane struct {
	BytesUsed  uint32
	Length     uint32
	Offset     uint32 // mmap offset for MemoryMMAP
	DataOffset uint32
}

// Buffer is a buffer exchanged with a multi-planar queue.
type Buffer struct {
	Index     uint32
	Flags     uint32
	Sequence  uint32
	Sec       int64
	Usec      int64
	Planes    []BufferPlane
	BytesUsed uint32 // sum of plane payloads on dequeue
}

// Event is a dequeued V4L2 event.
type Event struct {
	Type     uint32
	Changes  uint32 // source change flags for EventSourceChange
	Pending  uint32
	Sequence uint32
}

// Capability flags.
const (
	CapVideoM2MMplane = 0x00004000
	CapVideoM2M       = 0x00008000
	CapStreaming      = 0x04000000
	CapDeviceCaps     = 0x80000000
)

// Format flags.
const (
	FmtFlagCompressed = 0x0001
	FmtFlagEmulated   = 0x0002
)

// Buffer types.
const (
	BufTypeVideoCapture       = 1
	BufTypeVideoCaptureMplane = 9
	BufTypeVideoOutputMplane  = 10
)

// Memory types.
const (
	MemoryMMAP   = 1
	MemoryDMABUF = 4
)

// Buffer flags.
const (
	BufFlagError = 0x00000040
	BufFlagLast  = 0x00100000
)

// Event types.
const (
	EventEOS          = 2
	EventSourceChange = 5

	EventSrcChResolution = 1
)

// Selection targets.
const (
	SelTgtCrop    = 0x0000
	SelTgtCompose = 0x0100
)

// Decoder commands.
const (
	DecCmdStart = 0
	DecCmdStop  = 1
)

// Controls.
const (
	CIDMinBuffersForCapture = 0x00980927
	CIDDecDisplayDelay      = 0x00990b8d
	CIDDecDisplayDelayOn    = 0x00990b8e
)

// Colorspaces and quantization ranges as reported in PixFormat.
const (
	ColorspaceDefault   = 0
	ColorspaceSMPTE170M = 1
	ColorspaceREC709    = 3
	ColorspaceBT2020    = 10

	QuantizationDefault = 0
	QuantizationFull    = 1
	QuantizationLimited = 2
)

// Pixel formats.
var (
	PixFmtH264   = FourCC('H', '2', '6', '4')
	PixFmtHEVC   = FourCC('H', 'E', 'V', 'C')
	PixFmtAV1    = FourCC('A', 'V', '0', '1')
	PixFmtNV12   = FourCC('N', 'V', '1', '2')
	PixFmtNV12M  = FourCC('N', 'M', '1', '2')
	PixFmtNV24   = FourCC('N', 'V', '2', '4')
	PixFmtYUV420 = FourCC('Y', 'U', '1', '2')
)

// FourCC packs a four character code the way videodev2.h does.
func FourCC(a, b, c, d byte) uint32 {
	return uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24
}
