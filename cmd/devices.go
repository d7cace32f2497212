//go:build linux && (amd64 || arm64)

package cmd

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/smazurov/hwdecode/pkg/linuxav/hotplug"
	"github.com/smazurov/hwdecode/pkg/linuxav/v4l2"
)

// CreateDevicesCmd creates the devices command.
func CreateDevicesCmd() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List V4L2 memory-to-memory decoders",
		Long: `Scans /dev/video* for stateful decoders and prints the compressed formats each one accepts. ` +
			`With --watch it keeps running and reports decoders as they appear and disappear.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			decoders, err := v4l2.FindDecoders()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printDecoders(out, decoders)
			if !watch {
				return nil
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return watchDecoders(ctx, out)
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Report decoders as they are added or removed")
	return cmd
}

func watchDecoders(ctx context.Context, w io.Writer) error {
	mon, err := hotplug.NewMonitor(hotplug.SubsystemVideo4Linux)
	if err != nil {
		return fmt.Errorf("failed to open uevent socket: %w", err)
	}
	defer mon.Close()

	known := make(map[string]bool)
	err = mon.Run(ctx, func(ev hotplug.Event) {
		handleDeviceEvent(w, ev, known, v4l2.ProbeDecoder)
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// handleDeviceEvent prints decoder arrivals and departures. Nodes that are
// not decoders are ignored.
func handleDeviceEvent(w io.Writer, ev hotplug.Event, known map[string]bool, probe func(string) (v4l2.DeviceInfo, error)) {
	node := ev.Node()
	if node == "" {
		return
	}
	switch ev.Action {
	case hotplug.ActionAdd:
		info, err := probe(node)
		if err != nil {
			return
		}
		known[node] = true
		fmt.Fprint(w, "+ ")
		printDecoders(w, []v4l2.DeviceInfo{info})
	case hotplug.ActionRemove:
		if known[node] {
			delete(known, node)
			fmt.Fprintf(w, "- %s\n", node)
		}
	}
}

func printDecoders(w io.Writer, decoders []v4l2.DeviceInfo) {
	if len(decoders) == 0 {
		fmt.Fprintln(w, "No decoders found")
		return
	}
	for _, d := range decoders {
		codecs := make([]string, 0, len(d.Codecs))
		for _, c := range d.Codecs {
			codecs = append(codecs, v4l2.FormatFourCC(c))
		}
		fmt.Fprintf(w, "%s\t%s (%s)\t%s\n", d.DevicePath, d.DeviceName, d.Driver, strings.Join(codecs, ","))
	}
}
