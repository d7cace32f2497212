// Package pipeline feeds access units from a source into a decoder until the
// source ends or the run is cancelled.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/smazurov/hwdecode/internal/decoder"
	"github.com/smazurov/hwdecode/internal/logging"
	"github.com/smazurov/hwdecode/internal/source"
)

// Decoder is the submit side of a decode pipeline.
type Decoder interface {
	SubmitCompressedUnit(buf []byte, flags decoder.PacketFlags, pts int64) error
	Done() <-chan struct{}
}

// Options tunes a run.
type Options struct {
	// Realtime paces submission by unit timestamp instead of feeding as fast
	// as the decoder accepts.
	Realtime bool
	// Limit stops after this many units. Zero means no limit.
	Limit  int
	Logger *slog.Logger
	// Now and Sleep replace the wall clock in tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Result summarizes a run.
type Result struct {
	Units     int
	KeyUnits  int
	Dropped   int
	Completed bool // the worker exited after end of stream
}

// Run submits every unit of src to dec, then an end-of-stream marker, and
// waits for the decode worker to finish. A cancelled ctx stops feeding and
// returns ctx.Err() without waiting.
func Run(ctx context.Context, src source.Source, dec Decoder, opts Options) (Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.GetLogger("pipeline")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var res Result
	if dec.Done() == nil {
		return res, decoder.ErrNotStarted
	}

	var lastPTS int64
	var startPTS int64
	var start time.Time

	for opts.Limit == 0 || res.Units < opts.Limit {
		if workerExited(dec) {
			logger.Warn("Decode worker exited before end of input", "units", res.Units)
			return res, nil
		}

		unit, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			return res, fmt.Errorf("read unit: %w", err)
		}

		if opts.Realtime {
			if res.Units == 0 {
				start, startPTS = now(), unit.PTS
			}
			due := start.Add(time.Duration(unit.PTS-startPTS) * time.Microsecond)
			if wait := due.Sub(now()); wait > 0 {
				if err := sleep(ctx, wait); err != nil {
					return res, err
				}
			}
		}

		res.Units++
		if unit.Key {
			res.KeyUnits++
		}
		lastPTS = unit.PTS

		err = dec.SubmitCompressedUnit(unit.Data, 0, unit.PTS)
		switch {
		case err == nil:
		case errors.Is(err, decoder.ErrNotStarted):
			return res, err
		default:
			res.Dropped++
			logger.Debug("Access unit not fully queued", "pts", unit.PTS, "error", err)
		}
	}

	if err := dec.SubmitCompressedUnit(nil, decoder.FlagEndOfStream, lastPTS); err != nil {
		logger.Debug("End-of-stream marker not queued", "error", err)
	}

	select {
	case <-dec.Done():
		res.Completed = true
		logger.Info("Input finished", "units", res.Units, "key_units", res.KeyUnits, "dropped", res.Dropped)
		return res, nil
	case <-ctx.Done():
		return res, ctx.Err()
	}
}

func workerExited(dec Decoder) bool {
	select {
	case <-dec.Done():
		return true
	default:
		return false
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
