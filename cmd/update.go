package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/smazurov/hwdecode/internal/updater"
)

// CreateUpdateCmd creates the update command.
func CreateUpdateCmd() *cobra.Command {
	var (
		opts     updater.Options
		check    bool
		rollback bool
	)

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update hwdecode to the latest release",
		Long: `Downloads the latest GitHub release and replaces the running binary. ` +
			`The previous binary is kept so --rollback can restore it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			u, err := updater.New(opts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if rollback {
				info, err := u.Rollback()
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Restored %s\n", info.Version)
				return nil
			}

			if check {
				info, err := u.Check(cmd.Context())
				if err != nil {
					return err
				}
				if info.UpdateAvailable {
					fmt.Fprintf(out, "Update available: %s -> %s\n%s\n", info.CurrentVersion, info.LatestVersion, info.ReleaseURL)
				} else {
					fmt.Fprintf(out, "Up to date (%s)\n", info.CurrentVersion)
				}
				return nil
			}

			info, err := u.Apply(cmd.Context())
			if updater.HasCode(err, updater.ErrCodeNoUpdate) {
				fmt.Fprintf(out, "Up to date (%s)\n", info.CurrentVersion)
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Updated %s -> %s, restart the service to use it\n", info.CurrentVersion, info.LatestVersion)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Repository, "repository", updater.DefaultRepository, "GitHub repository to update from")
	cmd.Flags().BoolVar(&opts.Prerelease, "prerelease", false, "Include prereleases")
	cmd.Flags().BoolVar(&check, "check", false, "Only report whether an update exists")
	cmd.Flags().BoolVar(&rollback, "rollback", false, "Restore the binary saved by the last update")
	return cmd
}
