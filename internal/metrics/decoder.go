// Package metrics provides Prometheus metrics for decode pipelines.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "hwdecode"
	subsystem = "decoder"
)

var (
	packetsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "packets_submitted_total",
		Help:      "Compressed packets queued to the engine",
	}, []string{"decoder"})

	packetsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "packets_dropped_total",
		Help:      "Compressed packets dropped because no ingress slot was reclaimed",
	}, []string{"decoder"})

	framesDecoded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "frames_decoded_total",
		Help:      "Frames delivered to the consumer",
	}, []string{"decoder"})

	framesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "frames_dropped_total",
		Help:      "Decoded frames discarded because the ring slot was still retained",
	}, []string{"decoder"})

	transformErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "transform_errors_total",
		Help:      "Failed transforms into the output ring",
	}, []string{"decoder"})

	negotiations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "format_negotiations_total",
		Help:      "Resolution changes handled",
	}, []string{"decoder"})

	started = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "started",
		Help:      "1 while the pipeline is started",
	}, []string{"decoder"})

	frameWidth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "frame_width",
		Help:      "Width of delivered frames",
	}, []string{"decoder"})

	frameHeight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "frame_height",
		Help:      "Height of delivered frames",
	}, []string{"decoder"})

	// Local cache for the status API.
	cache   = make(map[string]*DecoderStats)
	cacheMu sync.RWMutex
)

// DecoderStats holds current metric values for a decoder instance.
type DecoderStats struct {
	Started          bool   `json:"started"`
	Width            int    `json:"width"`
	Height           int    `json:"height"`
	PacketsSubmitted uint64 `json:"packets_submitted"`
	PacketsDropped   uint64 `json:"packets_dropped"`
	FramesDecoded    uint64 `json:"frames_decoded"`
	FramesDropped    uint64 `json:"frames_dropped"`
	TransformErrors  uint64 `json:"transform_errors"`
	Negotiations     uint64 `json:"negotiations"`
}

// IncPacketsSubmitted counts a packet queued to the engine.
func IncPacketsSubmitted(name string) {
	packetsSubmitted.WithLabelValues(name).Inc()
	update(name, func(s *DecoderStats) { s.PacketsSubmitted++ })
}

// IncPacketsDropped counts a packet dropped at ingress.
func IncPacketsDropped(name string) {
	packetsDropped.WithLabelValues(name).Inc()
	update(name, func(s *DecoderStats) { s.PacketsDropped++ })
}

// IncFramesDecoded counts a delivered frame.
func IncFramesDecoded(name string) {
	framesDecoded.WithLabelValues(name).Inc()
	update(name, func(s *DecoderStats) { s.FramesDecoded++ })
}

// IncFramesDropped counts a decoded frame that could not be placed in the ring.
func IncFramesDropped(name string) {
	framesDropped.WithLabelValues(name).Inc()
	update(name, func(s *DecoderStats) { s.FramesDropped++ })
}

// IncTransformErrors counts a failed transform.
func IncTransformErrors(name string) {
	transformErrors.WithLabelValues(name).Inc()
	update(name, func(s *DecoderStats) { s.TransformErrors++ })
}

// ObserveNegotiation records a completed format negotiation.
func ObserveNegotiation(name string, width, height int) {
	negotiations.WithLabelValues(name).Inc()
	frameWidth.WithLabelValues(name).Set(float64(width))
	frameHeight.WithLabelValues(name).Set(float64(height))
	update(name, func(s *DecoderStats) {
		s.Negotiations++
		s.Width = width
		s.Height = height
	})
}

// SetStarted records the lifecycle state of a decoder.
func SetStarted(name string, on bool) {
	v := 0.0
	if on {
		v = 1
	}
	started.WithLabelValues(name).Set(v)
	update(name, func(s *DecoderStats) { s.Started = on })
}

// DeleteDecoderMetrics removes all metrics for a decoder.
func DeleteDecoderMetrics(name string) {
	packetsSubmitted.DeleteLabelValues(name)
	packetsDropped.DeleteLabelValues(name)
	framesDecoded.DeleteLabelValues(name)
	framesDropped.DeleteLabelValues(name)
	transformErrors.DeleteLabelValues(name)
	negotiations.DeleteLabelValues(name)
	started.DeleteLabelValues(name)
	frameWidth.DeleteLabelValues(name)
	frameHeight.DeleteLabelValues(name)

	cacheMu.Lock()
	delete(cache, name)
	cacheMu.Unlock()
}

// GetDecoderStats returns current values for a decoder, or nil.
func GetDecoderStats(name string) *DecoderStats {
	cacheMu.RLock()
	defer cacheMu.RUnlock()
	if s, ok := cache[name]; ok {
		dup := *s
		return &dup
	}
	return nil
}

// GetAllDecoderStats returns values for every known decoder.
func GetAllDecoderStats() map[string]*DecoderStats {
	cacheMu.RLock()
	defer cacheMu.RUnlock()
	result := make(map[string]*DecoderStats, len(cache))
	for name, s := range cache {
		dup := *s
		result[name] = &dup
	}
	return result
}

func update(name string, fn func(*DecoderStats)) {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	s, ok := cache[name]
	if !ok {
		s = &DecoderStats{}
		cache[name] = s
	}
	fn(s)
}
