// Package models holds the request and response bodies of the HTTP API.
package models

import "github.com/smazurov/hwdecode/internal/version"

// HealthData reports overall service health.
type HealthData struct {
	Status   string `json:"status" example:"ok" enum:"ok,degraded" doc:"ok when no decoder has failed"`
	Message  string `json:"message" example:"1 decoder running" doc:"Status message"`
	Decoders int    `json:"decoders" example:"1" doc:"Number of registered decoders"`
}

// HealthResponse is returned by GET /api/health.
type HealthResponse struct {
	Body HealthData
}

// VersionResponse is returned by GET /api/version.
type VersionResponse struct {
	Body version.Info
}

// FormatData is the negotiated stream format.
type FormatData struct {
	Codec        string `json:"codec" example:"h264" doc:"Compressed codec"`
	PixelFormat  string `json:"pixel_format" example:"nv12" doc:"Delivered pixel format"`
	Width        int    `json:"width" example:"1920" doc:"Frame width"`
	Height       int    `json:"height" example:"1080" doc:"Frame height"`
	Colorspace   string `json:"colorspace" example:"rec709" doc:"Colorimetry"`
	Quantization string `json:"quantization" example:"limited" doc:"Quantization range"`
}

// DecoderData describes one decode pipeline.
type DecoderData struct {
	Name             string      `json:"name" example:"dec0" doc:"Decoder instance name"`
	State            string      `json:"state" example:"started" enum:"ready,started" doc:"Lifecycle state"`
	Worker           string      `json:"worker" example:"decoding" doc:"Decode worker phase"`
	Format           *FormatData `json:"format,omitempty" doc:"Negotiated format, absent before the first resolution change"`
	PacketsSubmitted uint64      `json:"packets_submitted" example:"1250" doc:"Compressed packets queued"`
	PacketsDropped   uint64      `json:"packets_dropped" example:"2" doc:"Compressed packets dropped at ingress"`
	FramesDelivered  uint64      `json:"frames_delivered" example:"1248" doc:"Frames handed to the consumer"`
	FramesDropped    uint64      `json:"frames_dropped" example:"0" doc:"Frames dropped on retained ring slots"`
	Error            string      `json:"error,omitempty" example:"dequeue: input/output error" doc:"Error that ended the worker"`
}

// DecoderListData lists every registered decoder.
type DecoderListData struct {
	Decoders []DecoderData `json:"decoders" doc:"Registered decoders"`
	Count    int           `json:"count" example:"1" doc:"Number of decoders"`
}

// DecoderListResponse is returned by GET /api/decoders.
type DecoderListResponse struct {
	Body DecoderListData
}

// DecoderRequest selects one decoder.
type DecoderRequest struct {
	Name string `path:"name" example:"dec0" doc:"Decoder instance name"`
}

// DecoderResponse is returned by GET /api/decoders/{name}.
type DecoderResponse struct {
	Body DecoderData
}

// SnapshotRequest selects a decoder and the JPEG parameters.
type SnapshotRequest struct {
	Name     string `path:"name" example:"dec0" doc:"Decoder instance name"`
	Quality  int    `query:"quality" minimum:"1" maximum:"100" default:"85" doc:"JPEG quality"`
	MaxWidth int    `query:"max_width" minimum:"0" default:"0" doc:"Scale down to this width, 0 keeps the decoded size"`
}

// SnapshotResponse carries the encoded image.
type SnapshotResponse struct {
	ContentType  string `header:"Content-Type"`
	CacheControl string `header:"Cache-Control"`
	FramePTS     int64  `header:"X-Frame-PTS" doc:"Presentation timestamp of the frame in microseconds"`
	Body         []byte
}

// LogLevelsData maps module names to levels.
type LogLevelsData struct {
	Levels map[string]string `json:"levels" doc:"Effective level per module"`
}

// LogLevelsResponse is returned by the logging endpoints.
type LogLevelsResponse struct {
	Body LogLevelsData
}

// SetLogLevelRequest changes one module's level.
type SetLogLevelRequest struct {
	Module string `path:"module" example:"decoder" doc:"Logger module name"`
	Body   struct {
		Level string `json:"level" example:"debug" enum:"debug,info,warn,error" doc:"New level"`
	}
}
