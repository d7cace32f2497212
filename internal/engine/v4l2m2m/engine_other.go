//go:build !(linux && (amd64 || arm64))

package v4l2m2m

import (
	"log/slog"

	"github.com/smazurov/hwdecode/internal/decoder"
	"github.com/smazurov/hwdecode/internal/media"
)

// Options configures an engine.
type Options struct {
	Device                string
	Codec                 media.Codec
	MaxPerformanceControl uint32
	Logger                *slog.Logger
}

// Factory returns a factory that always fails on this platform.
func Factory(Options) decoder.EngineFactory {
	return func() (decoder.Engine, error) {
		return nil, ErrUnsupported
	}
}
