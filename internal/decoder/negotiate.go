package decoder

import (
	"errors"
	"time"

	"github.com/smazurov/hwdecode/internal/events"
	"github.com/smazurov/hwdecode/internal/media"
	"github.com/smazurov/hwdecode/internal/metrics"
	"github.com/smazurov/hwdecode/internal/surface"
)

// workingFormat picks the pixel format of the hardware working set from the
// stream colorimetry. 4:4:4 capture formats keep their own layout.
func workingFormat(cf CaptureFormat) media.PixelFormat {
	switch cf.PixelFormat {
	case media.PixelFormatNV24, media.PixelFormatNV2410LE:
		return cf.PixelFormat
	}

	// Only full range selects the extended formats.
	standard := cf.Quantization != media.QuantizationFullRange
	switch cf.Colorspace {
	case media.ColorspaceREC709:
		if standard {
			return media.PixelFormatNV12709
		}
		return media.PixelFormatNV12709ER
	case media.ColorspaceBT2020:
		return media.PixelFormatNV122020
	default:
		if standard {
			return media.PixelFormatNV12
		}
		return media.PixelFormatNV12ER
	}
}

// negotiate handles one resolution change. Every step is best effort: a
// failure is logged and the next step still runs. A broken engine shows up
// as a hard error on the next dequeue.
func (s *session) negotiate() {
	logger := s.logger

	cf, err := s.engine.QueryCaptureFormat()
	if err != nil {
		logger.Error("Failed to query capture format", "error", err)
	}
	crop := cf.Crop
	if crop.Width == 0 || crop.Height == 0 {
		crop = media.Rect{Width: cf.Width, Height: cf.Height}
	}
	logger.Info("Video resolution",
		"width", crop.Width,
		"height", crop.Height,
		"coded_width", cf.Width,
		"coded_height", cf.Height,
		"pixel_format", cf.PixelFormat)
	logger.Debug("Video sample aspect ratio", "sar_width", cf.SARWidth, "sar_height", cf.SARHeight)

	if err := s.releaseWorkingSet(); err != nil {
		logger.Warn("Failed to free working set", "error", err)
	}
	if err := s.engine.DeinitCapture(); err != nil {
		logger.Warn("Failed to tear down capture queue", "error", err)
	}
	if err := s.ring.release(); err != nil {
		logger.Warn("Failed to free output ring", "error", err)
	}

	if err := s.engine.SetCaptureFormat(cf.PixelFormat, cf.Width, cf.Height); err != nil {
		logger.Error("Failed to set capture format", "error", err)
	}
	s.setFormat(media.FormatDescriptor{
		Codec:        s.cfg.Codec,
		PixelFormat:  s.cfg.OutputFormat,
		Width:        crop.Width,
		Height:       crop.Height,
		Colorspace:   cf.Colorspace,
		Quantization: cf.Quantization,
	}, crop)

	if err := s.ring.allocate(s.cfg.OutputFormat, crop.Width, crop.Height); err != nil {
		logger.Error("Failed to allocate output ring", "error", err)
	}

	minBuffers, err := s.engine.MinCaptureBuffers()
	if err != nil {
		logger.Error("Failed to get minimum capture buffers", "error", err)
	}
	count := minBuffers + 1

	wf := workingFormat(cf)
	logger.Debug("Working set format",
		"format", wf,
		"colorspace", cf.Colorspace,
		"quantization", cf.Quantization,
		"buffers", count)

	targets, err := s.working.Allocate(count, surface.Params{
		Width:  cf.Width,
		Height: cf.Height,
		Format: wf,
		Layout: surface.LayoutBlockLinear,
	})
	if err != nil {
		logger.Error("Failed to allocate working set", "error", err)
	}
	s.targets = targets

	if err := s.engine.SetupCapture(s.targets); err != nil {
		logger.Error("Failed to set up capture queue", "error", err)
	}
	queued := 0
	for i := 0; i < s.engine.NumCaptureBuffers() && i < len(s.targets); i++ {
		if err := s.engine.QueueCapture(i, s.targets[i]); err != nil {
			logger.Error("Failed to queue capture buffer", "index", i, "error", err)
			continue
		}
		queued++
	}

	metrics.ObserveNegotiation(s.name, crop.Width, crop.Height)
	s.bus.Publish(events.FormatNegotiatedEvent{
		Decoder:        s.name,
		Width:          crop.Width,
		Height:         crop.Height,
		CodedWidth:     cf.Width,
		CodedHeight:    cf.Height,
		WorkingFormat:  wf.String(),
		OutputFormat:   s.cfg.OutputFormat.String(),
		CaptureBuffers: queued,
		Timestamp:      time.Now().Format(time.RFC3339),
	})
}

// releaseWorkingSet frees the hardware working-set surfaces.
func (s *session) releaseWorkingSet() error {
	var errs []error
	for _, h := range s.targets {
		if err := s.working.Free(h); err != nil {
			errs = append(errs, err)
		}
	}
	s.targets = nil
	return errors.Join(errs...)
}
