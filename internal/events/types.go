package events

// Event type constants for kelindar/event.
const (
	TypeDecoderStarted uint32 = iota + 1
	TypeDecoderStopped
	TypeFormatNegotiated
	TypeDecoderError
	TypePacketDropped
	TypeDecoderMetrics
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// DecoderStartedEvent is published when a pipeline enters the started state.
type DecoderStartedEvent struct {
	Decoder   string `json:"decoder" example:"cam0" doc:"Decoder instance name"`
	Codec     string `json:"codec" example:"h264" doc:"Compressed stream codec"`
	Format    string `json:"format" example:"nv12" doc:"Requested output pixel format"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for DecoderStartedEvent.
func (e DecoderStartedEvent) Type() uint32 { return TypeDecoderStarted }

// DecoderStoppedEvent is published after Stop has released every buffer.
type DecoderStoppedEvent struct {
	Decoder       string `json:"decoder" example:"cam0" doc:"Decoder instance name"`
	FramesDecoded uint64 `json:"frames_decoded" example:"1200" doc:"Frames delivered during the session"`
	Timestamp     string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for DecoderStoppedEvent.
func (e DecoderStoppedEvent) Type() uint32 { return TypeDecoderStopped }

// FormatNegotiatedEvent is published after a resolution change was handled.
type FormatNegotiatedEvent struct {
	Decoder        string `json:"decoder" example:"cam0" doc:"Decoder instance name"`
	Width          int    `json:"width" example:"1920" doc:"Cropped output width"`
	Height         int    `json:"height" example:"1080" doc:"Cropped output height"`
	CodedWidth     int    `json:"coded_width" example:"1920" doc:"Coded width reported by the engine"`
	CodedHeight    int    `json:"coded_height" example:"1088" doc:"Coded height reported by the engine"`
	WorkingFormat  string `json:"working_format" example:"nv12-709" doc:"Pixel format of the hardware working set"`
	OutputFormat   string `json:"output_format" example:"nv12" doc:"Pixel format of delivered frames"`
	CaptureBuffers int    `json:"capture_buffers" example:"11" doc:"Working-set surface count"`
	Timestamp      string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for FormatNegotiatedEvent.
func (e FormatNegotiatedEvent) Type() uint32 { return TypeFormatNegotiated }

// DecoderErrorEvent is published when the decode worker exits on an error.
type DecoderErrorEvent struct {
	Decoder   string `json:"decoder" example:"cam0" doc:"Decoder instance name"`
	Kind      string `json:"kind" example:"ENGINE_HARD_ERROR" doc:"Error classification"`
	Error     string `json:"error" example:"dequeue: input/output error" doc:"Error description"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for DecoderErrorEvent.
func (e DecoderErrorEvent) Type() uint32 { return TypeDecoderError }

// PacketDroppedEvent is published when a compressed packet found no slot.
type PacketDroppedEvent struct {
	Decoder   string `json:"decoder" example:"cam0" doc:"Decoder instance name"`
	PTS       int64  `json:"pts" example:"33366" doc:"Presentation timestamp of the dropped packet in microseconds"`
	Dropped   uint64 `json:"dropped" example:"3" doc:"Packets dropped so far"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for PacketDroppedEvent.
func (e PacketDroppedEvent) Type() uint32 { return TypePacketDropped }

// DecoderMetricsEvent is a periodic counter snapshot of one decoder.
type DecoderMetricsEvent struct {
	Decoder          string `json:"decoder" example:"cam0" doc:"Decoder instance name"`
	Started          bool   `json:"started" example:"true" doc:"Whether the pipeline is started"`
	Width            int    `json:"width" example:"1920" doc:"Width of delivered frames"`
	Height           int    `json:"height" example:"1080" doc:"Height of delivered frames"`
	PacketsSubmitted uint64 `json:"packets_submitted" example:"1250" doc:"Compressed packets queued to the engine"`
	PacketsDropped   uint64 `json:"packets_dropped" example:"2" doc:"Compressed packets dropped at ingress"`
	FramesDecoded    uint64 `json:"frames_decoded" example:"1248" doc:"Frames delivered"`
	FramesDropped    uint64 `json:"frames_dropped" example:"0" doc:"Frames dropped on retained ring slots"`
}

// Type returns the event type identifier for DecoderMetricsEvent.
func (e DecoderMetricsEvent) Type() uint32 { return TypeDecoderMetrics }
