package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/smazurov/hwdecode/internal/media"
	"github.com/smazurov/hwdecode/internal/source"
)

// ProbeReport summarizes the access units of an input.
type ProbeReport struct {
	Codec    media.Codec
	Units    int
	KeyUnits int
	Bytes    int
	FirstPTS int64
	LastPTS  int64
	NALTypes map[string]int
}

// Duration is the span between the first and last unit timestamps.
func (r ProbeReport) Duration() time.Duration {
	return time.Duration(r.LastPTS-r.FirstPTS) * time.Microsecond
}

// Probe reads src to the end, or up to limit units when limit is positive.
func Probe(ctx context.Context, src source.Source, limit int) (ProbeReport, error) {
	r := ProbeReport{Codec: src.Codec(), NALTypes: make(map[string]int)}
	for limit <= 0 || r.Units < limit {
		u, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return r, err
		}
		if r.Units == 0 {
			r.FirstPTS = u.PTS
		}
		r.Units++
		r.Bytes += len(u.Data)
		r.LastPTS = u.PTS
		if u.Key {
			r.KeyUnits++
		}
		if r.Codec.NALFramed() {
			for _, t := range source.NALTypes(u.Data, r.Codec) {
				r.NALTypes[t]++
			}
		}
	}
	return r, nil
}

func printReport(w io.Writer, location string, r ProbeReport) {
	fmt.Fprintf(w, "input:     %s\n", location)
	fmt.Fprintf(w, "codec:     %s\n", r.Codec)
	fmt.Fprintf(w, "units:     %d (%d key)\n", r.Units, r.KeyUnits)
	fmt.Fprintf(w, "bytes:     %d\n", r.Bytes)
	fmt.Fprintf(w, "duration:  %s\n", r.Duration())
	for _, t := range slices.Sorted(maps.Keys(r.NALTypes)) {
		fmt.Fprintf(w, "nal %-10s %d\n", t, r.NALTypes[t])
	}
}

// CreateProbeCmd creates the probe command.
func CreateProbeCmd() *cobra.Command {
	var (
		codecName string
		frameRate float64
		limit     int
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "probe <input>",
		Short: "Print the access unit layout of an input",
		Long: `Reads an MP4 file, an H.264/H.265 elementary stream or an RTP listen address ` +
			`and prints the codec, unit count, key units and NAL unit type histogram.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			codec, err := media.ParseCodec(codecName)
			if err != nil {
				return err
			}
			src, err := source.Open(args[0], source.Options{Codec: codec, FrameRate: frameRate})
			if err != nil {
				return err
			}
			defer src.Close()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			report, err := Probe(ctx, src, limit)
			if err != nil && !errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			printReport(cmd.OutOrStdout(), args[0], report)
			return nil
		},
	}

	cmd.Flags().StringVar(&codecName, "codec", "h264", "Codec of elementary streams and RTP (h264, h265, av1)")
	cmd.Flags().Float64Var(&frameRate, "frame-rate", source.DefaultFrameRate, "Frame rate used to time elementary streams")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Stop after this many units")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Stop reading after this long (useful for RTP)")
	return cmd
}
