// Package source reads compressed video from files and the network and hands
// it to the decoder one access unit at a time.
package source

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/smazurov/hwdecode/internal/media"
)

// Unit is one access unit. H.264 and H.265 units are Annex-B; AV1 units are
// a temporal unit of OBUs.
type Unit struct {
	Data []byte
	PTS  int64 // microseconds
	Key  bool
}

// Source produces access units in decode order. Next returns io.EOF after
// the last unit.
type Source interface {
	Codec() media.Codec
	Next(ctx context.Context) (Unit, error)
	Close() error
}

// Options configures Open.
type Options struct {
	// Codec is required for elementary streams and RTP; MP4 files carry
	// their own.
	Codec media.Codec
	// FrameRate synthesizes timestamps for elementary streams.
	FrameRate float64
}

// Open picks a reader from the location: udp:// or rtp:// URLs listen for
// RTP, .mp4/.m4v/.mov files are demuxed, anything else is read as an
// elementary stream.
func Open(location string, opts Options) (Source, error) {
	switch {
	case strings.HasPrefix(location, "udp://"), strings.HasPrefix(location, "rtp://"):
		addr := location[strings.Index(location, "://")+3:]
		return ListenRTP(addr, opts.Codec)
	}

	switch strings.ToLower(filepath.Ext(location)) {
	case ".mp4", ".m4v", ".mov":
		return OpenMP4(location)
	}

	if !opts.Codec.NALFramed() {
		return nil, fmt.Errorf("elementary stream %s needs an h264 or h265 codec, got %s", location, opts.Codec)
	}
	return OpenAnnexB(location, opts.Codec, opts.FrameRate)
}
