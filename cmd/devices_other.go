//go:build !(linux && (amd64 || arm64))

package cmd

import (
	"errors"

	"github.com/spf13/cobra"
)

// CreateDevicesCmd creates the devices command.
func CreateDevicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List V4L2 memory-to-memory decoders",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return errors.New("V4L2 decoders are only supported on 64-bit Linux")
		},
	}
	cmd.Flags().BoolP("watch", "w", false, "Report decoders as they are added or removed")
	return cmd
}
